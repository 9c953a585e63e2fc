package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	stdsync "sync"
	"time"

	"github.com/evertrack/eventsync/internal/sync"
)

// Runner is the engine surface the daemon drives. Satisfied by
// *sync.Engine.
type Runner interface {
	Run(ctx context.Context, opts sync.Options) (*sync.RunMetrics, error)
}

// Trigger is the JSON shape of a spool-directory trigger file. Zero
// fields fall back to the daemon's base options.
type Trigger struct {
	LookbackHours int  `json:"lookback_hours,omitempty"`
	BatchSize     int  `json:"batch_size,omitempty"`
	DryRun        bool `json:"dry_run,omitempty"`
}

// Config holds configuration for the daemon.
type Config struct {
	// Interval is how often a scheduled run fires (default: 1h).
	Interval time.Duration

	// DebounceInterval is how long to wait after a trigger file appears
	// before reading it, so a slow writer finishes first.
	DebounceInterval time.Duration

	// BaseOptions are the run options used by scheduled runs and as
	// fallbacks for trigger fields left at zero.
	BaseOptions sync.Options

	// Logger for daemon activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Interval:         time.Hour,
		DebounceInterval: 200 * time.Millisecond,
		Logger:           log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// Daemon schedules synchronization runs. Runs are executed one at a
// time on the schedule goroutine; a trigger arriving mid-run is
// queued, not dropped. Cross-process exclusion is the engine's
// persisted run lock, not the daemon's.
type Daemon struct {
	runner   Runner
	spoolDir string
	config   *Config

	watcher *TriggerWatcher
	pending chan sync.Options
	ctx     context.Context
	cancel  context.CancelFunc
	wg      stdsync.WaitGroup
}

// New creates a Daemon driving runner, watching spoolDir for trigger
// files. spoolDir may be empty to disable the trigger interface.
func New(runner Runner, spoolDir string, config *Config) (*Daemon, error) {
	if runner == nil {
		return nil, fmt.Errorf("runner cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Interval <= 0 {
		config.Interval = time.Hour
	}
	if config.DebounceInterval <= 0 {
		config.DebounceInterval = 200 * time.Millisecond
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[daemon] ", log.LstdFlags)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Daemon{
		runner:   runner,
		spoolDir: spoolDir,
		config:   config,
		pending:  make(chan sync.Options, 16),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Start begins the daemon's operation. Blocks until ctx is cancelled
// or startup fails.
func (d *Daemon) Start(ctx context.Context) error {
	d.config.Logger.Printf("Starting daemon (interval=%v spool=%s)", d.config.Interval, d.spoolDir)

	if d.spoolDir != "" {
		if err := os.MkdirAll(d.spoolDir, 0o755); err != nil {
			return fmt.Errorf("failed to create spool directory: %w", err)
		}

		watcher, err := NewTriggerWatcher()
		if err != nil {
			return err
		}
		if err := watcher.Start(d.spoolDir); err != nil {
			return fmt.Errorf("failed to watch spool directory: %w", err)
		}
		d.watcher = watcher

		// Triggers dropped before startup still count
		if err := d.drainSpool(); err != nil {
			d.config.Logger.Printf("Warning: failed to drain spool: %v", err)
		}

		d.wg.Add(1)
		go d.watchTriggers()
	}

	d.wg.Add(1)
	go d.scheduleLoop()

	select {
	case <-ctx.Done():
		d.config.Logger.Println("Shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop gracefully shuts down the daemon. An in-flight run finishes its
// current batch and rolls back via the engine's cancellation path.
func (d *Daemon) Stop() error {
	d.config.Logger.Println("Stopping daemon")

	d.cancel()

	if d.watcher != nil {
		if err := d.watcher.Stop(); err != nil {
			d.config.Logger.Printf("Error closing watcher: %v", err)
		}
	}

	d.wg.Wait()

	d.config.Logger.Println("Daemon stopped")
	return nil
}

// TriggerNow queues an immediate run with the given options. Returns
// false if the queue is full.
func (d *Daemon) TriggerNow(opts sync.Options) bool {
	select {
	case d.pending <- opts:
		return true
	default:
		return false
	}
}

// scheduleLoop is the single goroutine that executes runs, serializing
// scheduled and triggered runs.
func (d *Daemon) scheduleLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-ticker.C:
			d.runOnce(d.config.BaseOptions, "schedule")

		case opts := <-d.pending:
			d.runOnce(opts, "trigger")
		}
	}
}

// runOnce executes one run and logs the outcome. Run failures never
// stop the daemon; the next tick or trigger gets a fresh attempt.
func (d *Daemon) runOnce(opts sync.Options, cause string) {
	metrics, err := d.runner.Run(d.ctx, opts)
	switch {
	case err == nil:
		d.config.Logger.Printf("Run complete (%s): added=%d updated=%d", cause, metrics.Added, metrics.Updated)
	case errors.Is(err, sync.ErrPreflightFailed):
		// Usually another process holds the run lock
		d.config.Logger.Printf("Run skipped (%s): %v", cause, err)
	default:
		d.config.Logger.Printf("Run failed (%s): %v", cause, err)
	}
}

// watchTriggers consumes trigger-file events and queues runs.
func (d *Daemon) watchTriggers() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return

		case ev, ok := <-d.watcher.Events():
			if !ok {
				return
			}

			// Let a slow writer finish before reading
			select {
			case <-time.After(d.config.DebounceInterval):
			case <-d.ctx.Done():
				return
			}

			if err := d.consumeTrigger(ev.Path); err != nil {
				d.config.Logger.Printf("Error consuming trigger %s: %v", ev.Path, err)
			}

		case err, ok := <-d.watcher.Errors():
			if !ok {
				return
			}
			d.config.Logger.Printf("Watcher error: %v", err)
		}
	}
}

// drainSpool consumes trigger files already present in the spool
// directory.
func (d *Daemon) drainSpool() error {
	paths, err := filepath.Glob(filepath.Join(d.spoolDir, "*.json"))
	if err != nil {
		return err
	}
	for _, path := range paths {
		if err := d.consumeTrigger(path); err != nil {
			d.config.Logger.Printf("Error consuming trigger %s: %v", path, err)
		}
	}
	return nil
}

// consumeTrigger reads, deletes, and queues a trigger file. The file is
// removed before the run is queued so a crash can't replay it forever.
func (d *Daemon) consumeTrigger(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Already consumed (debounce saw create and write)
			return nil
		}
		return fmt.Errorf("failed to read trigger file: %w", err)
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove trigger file: %w", err)
	}

	var trigger Trigger
	if err := json.Unmarshal(data, &trigger); err != nil {
		return fmt.Errorf("invalid trigger file: %w", err)
	}

	opts := d.config.BaseOptions
	if trigger.LookbackHours > 0 {
		opts.Lookback = time.Duration(trigger.LookbackHours) * time.Hour
	}
	if trigger.BatchSize > 0 {
		opts.BatchSize = trigger.BatchSize
	}
	if trigger.DryRun {
		opts.DryRun = true
	}

	d.config.Logger.Printf("Trigger: %s (lookback=%v batch_size=%d dry_run=%v)",
		filepath.Base(path), opts.Lookback, opts.BatchSize, opts.DryRun)

	if !d.TriggerNow(opts) {
		d.config.Logger.Printf("Warning: trigger queue full, dropping %s", filepath.Base(path))
	}
	return nil
}
