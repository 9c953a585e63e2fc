package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/evertrack/eventsync/internal/daemon"
	"github.com/evertrack/eventsync/internal/health"
	syncpkg "github.com/evertrack/eventsync/internal/sync"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sync daemon with scheduled runs and a health endpoint",
	Long: `Run eventsync as a long-lived daemon.

The daemon:
  1. Executes a synchronization run on a fixed interval
  2. Watches the trigger spool directory for on-demand runs
  3. Serves /health and streams run events on /ws

Trigger an immediate run by dropping a JSON file into the spool
directory:
  echo '{"lookback_hours": 48}' > triggers/now.json

Example usage:
  eventsync serve                 # defaults from config
  eventsync serve --port 9000     # custom health port`,
	RunE: func(cmd *cobra.Command, args []string) error {
		port, _ := cmd.Flags().GetInt("port")

		// The health server is created after the engine but receives
		// its events; bridge through a late-bound pointer
		var healthSrv *health.Server
		a, err := buildApp(func(ev syncpkg.RunEvent) {
			if healthSrv != nil {
				healthSrv.Broadcast(ev)
			}
		})
		if err != nil {
			return err
		}
		defer a.Close()

		if port == 0 {
			port = a.cfg.Health.Port
		}
		healthSrv, err = health.NewServer(&health.Config{
			Port:    port,
			Store:   a.store,
			Engine:  a.engine,
			Breaker: a.client.Breaker(),
			Logger:  log.New(os.Stderr, "[health] ", log.LstdFlags),
		})
		if err != nil {
			return err
		}
		if err := healthSrv.Start(); err != nil {
			return err
		}
		defer func() {
			if err := healthSrv.Stop(); err != nil {
				fmt.Fprintf(os.Stderr, "Error stopping health server: %v\n", err)
			}
		}()

		daemonCfg := daemon.DefaultConfig()
		daemonCfg.Interval = a.cfg.Sync.Interval
		daemonCfg.BaseOptions = syncpkg.Options{
			Lookback:  a.cfg.Sync.Lookback,
			BatchSize: a.cfg.Sync.BatchSize,
			Strategy:  syncpkg.Strategy(a.cfg.Sync.Strategy),
		}

		d, err := daemon.New(a.engine, a.cfg.Sync.SpoolDir, daemonCfg)
		if err != nil {
			return err
		}

		fmt.Printf("Health endpoint: http://localhost:%d/health\n", port)
		fmt.Printf("Event stream:    ws://localhost:%d/ws\n", port)
		fmt.Printf("Trigger spool:   %s\n", a.cfg.Sync.SpoolDir)
		fmt.Println("\nPress Ctrl+C to stop...")

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		return d.Start(ctx)
	},
}

func init() {
	serveCmd.Flags().IntP("port", "p", 0, "Health endpoint port (default from config)")

	rootCmd.AddCommand(serveCmd)
}
