// Command eventsync keeps a local event store synchronized with a
// remote catalog API.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use:   "eventsync",
	Short: "Incremental synchronization for the local event store",
	Long: `eventsync keeps a local SQLite event store synchronized with a remote
catalog API.

Runs are incremental: only records changed inside a lookback window are
fetched, diffed against the store, and applied in fixed-size batches.
Each batch commits in its own transaction with an undo checkpoint; a
batch that fails validation is rolled back without disturbing its
neighbors. The whole run is protected by a pre-run snapshot that is
restored if post-run validation rejects the result.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "Path to config file (default: ./eventsync.yaml)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
