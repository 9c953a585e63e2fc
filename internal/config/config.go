// Package config loads daemon and CLI configuration from a YAML file
// with environment-variable overrides.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full application configuration.
type Config struct {
	Database DatabaseConfig `mapstructure:"database"`
	Source   SourceConfig   `mapstructure:"source"`
	Sync     SyncConfig     `mapstructure:"sync"`
	Validate ValidateConfig `mapstructure:"validate"`
	Notify   NotifyConfig   `mapstructure:"notify"`
	Health   HealthConfig   `mapstructure:"health"`
}

// DatabaseConfig configures the local store and its backups.
type DatabaseConfig struct {
	// Path is the SQLite database file.
	Path string `mapstructure:"path"`

	// BackupDir holds pre-run snapshots.
	BackupDir string `mapstructure:"backup_dir"`

	// BackupRetentionDays bounds snapshot disk usage.
	BackupRetentionDays int `mapstructure:"backup_retention_days"`
}

// SourceConfig configures the catalog API client.
type SourceConfig struct {
	BaseURL          string        `mapstructure:"base_url"`
	Timeout          time.Duration `mapstructure:"timeout"`
	MaxRetries       int           `mapstructure:"max_retries"`
	BackoffBase      time.Duration `mapstructure:"backoff_base"`
	BreakerThreshold int           `mapstructure:"breaker_threshold"`
	BreakerCooldown  time.Duration `mapstructure:"breaker_cooldown"`
}

// SyncConfig configures run scheduling and batching.
type SyncConfig struct {
	Lookback  time.Duration `mapstructure:"lookback"`
	BatchSize int           `mapstructure:"batch_size"`
	Interval  time.Duration `mapstructure:"interval"`
	Strategy  string        `mapstructure:"strategy"`
	SpoolDir  string        `mapstructure:"spool_dir"`
}

// ValidateConfig configures the validator and anomaly detector.
type ValidateConfig struct {
	MinEventFloor           int     `mapstructure:"min_event_floor"`
	MaxAdditionsPerRun      int     `mapstructure:"max_additions_per_run"`
	SpikeFactor             float64 `mapstructure:"spike_factor"`
	HistoryWindow           int     `mapstructure:"history_window"`
	MaxFutureYears          int     `mapstructure:"max_future_years"`
	MaxMissingChildrenRatio float64 `mapstructure:"max_missing_children_ratio"`
	FillDropThreshold       float64 `mapstructure:"fill_drop_threshold"`
}

// NotifyConfig configures notification channels.
type NotifyConfig struct {
	// LogPath is the JSON-lines notification log (always active).
	LogPath string `mapstructure:"log_path"`

	// WebhookURL enables the webhook channel when non-empty.
	WebhookURL string `mapstructure:"webhook_url"`
}

// HealthConfig configures the health endpoint.
type HealthConfig struct {
	Port int `mapstructure:"port"`
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{
			Path:                "eventsync.db",
			BackupDir:           "backups",
			BackupRetentionDays: 7,
		},
		Source: SourceConfig{
			Timeout:          30 * time.Second,
			MaxRetries:       5,
			BackoffBase:      2 * time.Second,
			BreakerThreshold: 5,
			BreakerCooldown:  60 * time.Second,
		},
		Sync: SyncConfig{
			Lookback:  7 * 24 * time.Hour,
			BatchSize: 50,
			Interval:  time.Hour,
			Strategy:  "batch",
			SpoolDir:  "triggers",
		},
		Validate: ValidateConfig{
			MaxAdditionsPerRun:      10000,
			SpikeFactor:             3.0,
			HistoryWindow:           10,
			MaxFutureYears:          2,
			MaxMissingChildrenRatio: 0.5,
			FillDropThreshold:       0.2,
		},
		Notify: NotifyConfig{
			LogPath: "notifications.log",
		},
		Health: HealthConfig{
			Port: 8080,
		},
	}
}

// Load reads configuration from path (or the working directory when
// path is empty), layering file values and EVENTSYNC_* environment
// variables over the defaults. A missing config file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigName("eventsync")
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
	}
	v.SetEnvPrefix("EVENTSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v, cfg)

	if err := v.ReadInConfig(); err != nil {
		// An explicit path must exist; the implicit one may not
		if path != "" {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("database.path", cfg.Database.Path)
	v.SetDefault("database.backup_dir", cfg.Database.BackupDir)
	v.SetDefault("database.backup_retention_days", cfg.Database.BackupRetentionDays)

	v.SetDefault("source.base_url", cfg.Source.BaseURL)
	v.SetDefault("source.timeout", cfg.Source.Timeout)
	v.SetDefault("source.max_retries", cfg.Source.MaxRetries)
	v.SetDefault("source.backoff_base", cfg.Source.BackoffBase)
	v.SetDefault("source.breaker_threshold", cfg.Source.BreakerThreshold)
	v.SetDefault("source.breaker_cooldown", cfg.Source.BreakerCooldown)

	v.SetDefault("sync.lookback", cfg.Sync.Lookback)
	v.SetDefault("sync.batch_size", cfg.Sync.BatchSize)
	v.SetDefault("sync.interval", cfg.Sync.Interval)
	v.SetDefault("sync.strategy", cfg.Sync.Strategy)
	v.SetDefault("sync.spool_dir", cfg.Sync.SpoolDir)

	v.SetDefault("validate.min_event_floor", cfg.Validate.MinEventFloor)
	v.SetDefault("validate.max_additions_per_run", cfg.Validate.MaxAdditionsPerRun)
	v.SetDefault("validate.spike_factor", cfg.Validate.SpikeFactor)
	v.SetDefault("validate.history_window", cfg.Validate.HistoryWindow)
	v.SetDefault("validate.max_future_years", cfg.Validate.MaxFutureYears)
	v.SetDefault("validate.max_missing_children_ratio", cfg.Validate.MaxMissingChildrenRatio)
	v.SetDefault("validate.fill_drop_threshold", cfg.Validate.FillDropThreshold)

	v.SetDefault("notify.log_path", cfg.Notify.LogPath)
	v.SetDefault("notify.webhook_url", cfg.Notify.WebhookURL)

	v.SetDefault("health.port", cfg.Health.Port)
}
