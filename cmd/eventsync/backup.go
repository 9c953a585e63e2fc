package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/evertrack/eventsync/internal/store"
	"github.com/evertrack/eventsync/internal/ui"
)

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Manage store snapshots",
	Long: `Manage the whole-store snapshots used for run-level rollback.

Snapshots are taken automatically before every run that writes; these
commands cover manual snapshots, inspection, restore, and cleanup.`,
}

var backupCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Take a snapshot now",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		manager := store.NewBackupManager(st, cfg.Database.BackupDir, nil)
		handle, err := manager.Backup(context.Background())
		if err != nil {
			return err
		}
		fmt.Printf("%s Snapshot written to %s\n", ui.RenderPass("✓"), handle.Path)
		return nil
	},
}

var backupListCmd = &cobra.Command{
	Use:   "list",
	Short: "List available snapshots",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		manager := store.NewBackupManager(st, cfg.Database.BackupDir, nil)
		handles, err := manager.List()
		if err != nil {
			return err
		}
		if len(handles) == 0 {
			fmt.Printf("%s No snapshots in %s\n", ui.RenderWarn("⚠"), cfg.Database.BackupDir)
			return nil
		}

		fmt.Printf("\n%s\n", ui.RenderAccent("Snapshots (newest first):"))
		for _, h := range handles {
			size := ""
			if info, err := os.Stat(h.Path); err == nil {
				size = fmt.Sprintf("%.1f KB", float64(info.Size())/1024)
			}
			fmt.Printf("   %s  %s  %s\n",
				h.CreatedAt.Local().Format("2006-01-02 15:04:05"),
				filepath.Base(h.Path),
				ui.RenderFaint(size))
		}
		fmt.Println()
		return nil
	},
}

var backupRestoreCmd = &cobra.Command{
	Use:   "restore <snapshot-file>",
	Short: "Restore the store from a snapshot",
	Long: `Restore the event store from a snapshot file.

All current event data is replaced by the snapshot's contents. The run
log is left untouched.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		path := args[0]
		info, err := os.Stat(path)
		if err != nil {
			return fmt.Errorf("snapshot not found: %w", err)
		}

		manager := store.NewBackupManager(st, cfg.Database.BackupDir, nil)
		handle := &store.BackupHandle{Path: path, CreatedAt: info.ModTime()}
		if err := manager.Restore(context.Background(), handle); err != nil {
			return err
		}

		count, err := st.GetEventCount(context.Background())
		if err != nil {
			return err
		}
		fmt.Printf("%s Restored %d events from %s\n", ui.RenderPass("✓"), count, filepath.Base(path))
		return nil
	},
}

var backupPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete snapshots older than the retention window",
	RunE: func(cmd *cobra.Command, args []string) error {
		days, _ := cmd.Flags().GetInt("days")

		cfg, st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		if days == 0 {
			days = cfg.Database.BackupRetentionDays
		}

		manager := store.NewBackupManager(st, cfg.Database.BackupDir, nil)
		removed, err := manager.Prune(days)
		if err != nil {
			return err
		}
		fmt.Printf("%s Removed %d snapshots older than %s\n", ui.RenderPass("✓"), removed,
			(time.Duration(days) * 24 * time.Hour).String())
		return nil
	},
}

func init() {
	backupPruneCmd.Flags().Int("days", 0, "Retention in days (default from config)")

	backupCmd.AddCommand(backupCreateCmd)
	backupCmd.AddCommand(backupListCmd)
	backupCmd.AddCommand(backupRestoreCmd)
	backupCmd.AddCommand(backupPruneCmd)
	rootCmd.AddCommand(backupCmd)
}
