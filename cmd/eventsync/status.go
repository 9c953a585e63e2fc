package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/evertrack/eventsync/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show store and run-log status",
	Long: `Display the current state of the local event store.

Shows:
  - Store file location and row counts
  - The most recent runs and their outcomes
  - Available backups`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		ctx := context.Background()

		eventCount, err := st.GetEventCount(ctx)
		if err != nil {
			return err
		}
		categoryCount, err := st.GetCategoryCount(ctx)
		if err != nil {
			return err
		}

		fmt.Printf("\n%s %s\n", ui.RenderAccent("Store:"), cfg.Database.Path)
		if info, err := os.Stat(cfg.Database.Path); err == nil {
			fmt.Printf("   Size:       %.1f KB\n", float64(info.Size())/1024)
		}
		fmt.Printf("   Events:     %d\n", eventCount)
		fmt.Printf("   Categories: %d\n", categoryCount)

		if holder, err := st.LockHolder(ctx); err == nil && holder != "" {
			fmt.Printf("   %s run %s is in progress\n", ui.RenderWarn("⚠"), holder)
		}

		runs, err := st.RecentRuns(ctx, 5)
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			fmt.Printf("\n%s No runs recorded yet\n\n", ui.RenderWarn("⚠"))
			return nil
		}

		fmt.Printf("\n%s\n", ui.RenderAccent("Recent runs:"))
		for _, r := range runs {
			mark := ui.RenderPass("✓")
			if !r.ValidationPassed {
				mark = ui.RenderFail("✗")
			}
			elapsed := "-"
			if r.FinishedAt != nil {
				elapsed = r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond).String()
			}
			fmt.Printf("   %s %s  +%d ~%d  %d/%d batches  %s %s\n",
				mark,
				r.StartedAt.Local().Format("2006-01-02 15:04"),
				r.Added, r.Updated,
				r.BatchesSucceeded, r.BatchCount,
				ui.RenderFaint(elapsed),
				ui.RenderFaint(shortID(r.ID)))
			for _, w := range r.Warnings {
				fmt.Printf("      %s %s\n", ui.RenderWarn("⚠"), w)
			}
			for _, issue := range r.Issues {
				fmt.Printf("      %s %s\n", ui.RenderFail("✗"), issue)
			}
		}
		fmt.Println()
		return nil
	},
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
