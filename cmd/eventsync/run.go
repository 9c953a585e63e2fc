package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/evertrack/eventsync/internal/sync"
	"github.com/evertrack/eventsync/internal/ui"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute one synchronization run",
	Long: `Execute one synchronization run against the configured catalog API.

The run fetches records modified inside the lookback window, detects
additions and updates against the local store, and applies them in
fixed-size batches. A pre-run snapshot protects the whole run; post-run
validation decides commit versus full rollback.

Example usage:
  eventsync run                        # default lookback from config
  eventsync run --lookback 48h        # explicit window
  eventsync run --since "last monday" # natural-language window start
  eventsync run --dry-run             # detect and validate, write nothing`,
	RunE: func(cmd *cobra.Command, args []string) error {
		lookback, _ := cmd.Flags().GetDuration("lookback")
		since, _ := cmd.Flags().GetString("since")
		batchSize, _ := cmd.Flags().GetInt("batch-size")
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		legacy, _ := cmd.Flags().GetBool("legacy")

		if since != "" {
			w := when.New(nil)
			w.Add(en.All...)
			w.Add(common.All...)
			r, err := w.Parse(since, time.Now())
			if err != nil || r == nil {
				return fmt.Errorf("could not parse --since %q", since)
			}
			lookback = time.Since(r.Time)
			if lookback <= 0 {
				return fmt.Errorf("--since %q is in the future", since)
			}
		}

		a, err := buildApp(nil)
		if err != nil {
			return err
		}
		defer a.Close()

		opts := sync.Options{
			Lookback:  a.cfg.Sync.Lookback,
			BatchSize: a.cfg.Sync.BatchSize,
			DryRun:    dryRun,
			Strategy:  sync.Strategy(a.cfg.Sync.Strategy),
		}
		if lookback > 0 {
			opts.Lookback = lookback
		}
		if batchSize > 0 {
			opts.BatchSize = batchSize
		}
		if legacy {
			opts.Strategy = sync.StrategyLegacy
		}

		// Ctrl+C cancels between batches; the engine restores the
		// pre-run snapshot so nothing partial is left behind
		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		metrics, runErr := a.engine.Run(ctx, opts)
		printRun(metrics)

		switch {
		case runErr == nil:
			return nil
		case errors.Is(runErr, sync.ErrPreflightFailed),
			errors.Is(runErr, sync.ErrValidationFailed),
			errors.Is(runErr, sync.ErrRunCancelled):
			// Already explained by the printed issues
			os.Exit(1)
			return nil
		default:
			return runErr
		}
	},
}

func printRun(m *sync.RunMetrics) {
	if m == nil {
		return
	}

	var elapsed time.Duration
	if m.FinishedAt != nil {
		elapsed = m.FinishedAt.Sub(m.StartedAt).Round(time.Millisecond)
	}

	switch m.State {
	case sync.StateCommitted:
		label := "Run committed"
		if m.DryRun {
			label = "Dry run complete"
		}
		fmt.Printf("%s %s in %v\n", ui.RenderPass("✓"), label, elapsed)
	case sync.StateRollingBack:
		fmt.Printf("%s Run rolled back after %v\n", ui.RenderFail("✗"), elapsed)
	default:
		fmt.Printf("%s Run aborted\n", ui.RenderFail("✗"))
	}

	fmt.Printf("   Run:     %s\n", ui.RenderFaint(m.RunID))
	fmt.Printf("   Checked: %s\n", ui.RenderAccentf("%d", m.Checked))
	fmt.Printf("   Added:   %s\n", ui.RenderAccentf("%d", m.Added))
	fmt.Printf("   Updated: %s\n", ui.RenderAccentf("%d", m.Updated))
	if m.BatchCount > 0 {
		fmt.Printf("   Batches: %s\n", ui.RenderAccentf("%d/%d succeeded", m.BatchesSucceeded, m.BatchCount))
	}

	for _, w := range m.Warnings {
		fmt.Printf("   %s %s\n", ui.RenderWarn("⚠"), w)
	}
	for _, issue := range m.Issues {
		fmt.Printf("   %s %s\n", ui.RenderFail("✗"), issue)
	}
	if len(m.Errors) > 0 {
		fmt.Printf("   %s %d errors: %s\n", ui.RenderWarn("⚠"), len(m.Errors),
			ui.RenderFaint(strings.Join(firstN(m.Errors, 3), "; ")))
	}
}

func firstN(s []string, n int) []string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func init() {
	runCmd.Flags().Duration("lookback", 0, "Changed-records window (e.g. 48h; default from config)")
	runCmd.Flags().String("since", "", "Natural-language window start (e.g. \"last monday\")")
	runCmd.Flags().Int("batch-size", 0, "Records per batch (default from config)")
	runCmd.Flags().Bool("dry-run", false, "Detect and validate without writing")
	runCmd.Flags().Bool("legacy", false, "Use the single-transaction pipeline")

	rootCmd.AddCommand(runCmd)
}
