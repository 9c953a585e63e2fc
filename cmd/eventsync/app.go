package main

import (
	"fmt"
	"log"
	"os"

	"github.com/evertrack/eventsync/internal/config"
	"github.com/evertrack/eventsync/internal/notify"
	"github.com/evertrack/eventsync/internal/source"
	"github.com/evertrack/eventsync/internal/store"
	"github.com/evertrack/eventsync/internal/sync"
)

// app bundles the wired collaborators a command needs.
type app struct {
	cfg      *config.Config
	store    *store.Store
	client   *source.Client
	backups  *store.BackupManager
	notifier *notify.Notifier
	engine   *sync.Engine

	logSink *notify.LogChannel
}

// openStore opens and initializes just the store, for commands that
// don't need the full engine (status, backup).
func openStore() (*config.Config, *store.Store, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, nil, err
	}
	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		return nil, nil, err
	}
	if err := st.InitSchema(); err != nil {
		st.Close()
		return nil, nil, err
	}
	return cfg, st, nil
}

// buildApp wires the full engine stack. onEvent may be nil.
func buildApp(onEvent func(sync.RunEvent)) (*app, error) {
	cfg, st, err := openStore()
	if err != nil {
		return nil, err
	}

	if cfg.Source.BaseURL == "" {
		st.Close()
		return nil, fmt.Errorf("source.base_url is not configured")
	}

	client, err := source.NewClient(&source.Config{
		BaseURL:          cfg.Source.BaseURL,
		Timeout:          cfg.Source.Timeout,
		MaxRetries:       cfg.Source.MaxRetries,
		BackoffBase:      cfg.Source.BackoffBase,
		BreakerThreshold: cfg.Source.BreakerThreshold,
		BreakerCooldown:  cfg.Source.BreakerCooldown,
		Logger:           log.New(os.Stderr, "[source] ", log.LstdFlags),
	})
	if err != nil {
		st.Close()
		return nil, err
	}

	backups := store.NewBackupManager(st, cfg.Database.BackupDir, nil)

	logSink := notify.NewLogChannel(cfg.Notify.LogPath)
	channels := []notify.Channel{logSink}
	if cfg.Notify.WebhookURL != "" {
		channels = append(channels, notify.NewWebhookChannel(cfg.Notify.WebhookURL))
	}
	notifier := notify.New(nil, channels...)

	engine, err := sync.NewEngine(sync.EngineConfig{
		Store:               st,
		Fetcher:             client,
		Backups:             backups,
		Notifier:            notifier,
		Thresholds:          thresholdsFromConfig(cfg),
		BackupRetentionDays: cfg.Database.BackupRetentionDays,
		OnEvent:             onEvent,
	})
	if err != nil {
		st.Close()
		return nil, err
	}

	return &app{
		cfg:      cfg,
		store:    st,
		client:   client,
		backups:  backups,
		notifier: notifier,
		engine:   engine,
		logSink:  logSink,
	}, nil
}

// Close releases the app's resources.
func (a *app) Close() {
	if a.logSink != nil {
		if err := a.logSink.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to close notification log: %v\n", err)
		}
	}
	if err := a.store.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to close store: %v\n", err)
	}
}

func thresholdsFromConfig(cfg *config.Config) sync.Thresholds {
	t := sync.DefaultThresholds()
	t.MinEventFloor = cfg.Validate.MinEventFloor
	if cfg.Validate.MaxAdditionsPerRun > 0 {
		t.MaxAdditionsPerRun = cfg.Validate.MaxAdditionsPerRun
	}
	if cfg.Validate.SpikeFactor > 0 {
		t.SpikeFactor = cfg.Validate.SpikeFactor
	}
	if cfg.Validate.HistoryWindow > 0 {
		t.HistoryWindow = cfg.Validate.HistoryWindow
	}
	if cfg.Validate.MaxFutureYears > 0 {
		t.MaxFutureYears = cfg.Validate.MaxFutureYears
	}
	if cfg.Validate.MaxMissingChildrenRatio > 0 {
		t.MaxMissingChildrenRatio = cfg.Validate.MaxMissingChildrenRatio
	}
	if cfg.Validate.FillDropThreshold > 0 {
		t.FillDropThreshold = cfg.Validate.FillDropThreshold
	}
	return t
}
