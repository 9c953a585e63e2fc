package daemon

import (
	"context"
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/evertrack/eventsync/internal/sync"
)

// stubRunner records the options of each run it is asked to perform.
type stubRunner struct {
	runs chan sync.Options
}

func newStubRunner() *stubRunner {
	return &stubRunner{runs: make(chan sync.Options, 16)}
}

func (r *stubRunner) Run(_ context.Context, opts sync.Options) (*sync.RunMetrics, error) {
	r.runs <- opts
	return &sync.RunMetrics{RunID: "stub", State: sync.StateCommitted}, nil
}

func quietConfig() *Config {
	return &Config{
		Interval:         time.Hour, // never fires during a test
		DebounceInterval: 10 * time.Millisecond,
		BaseOptions:      sync.Options{Lookback: 24 * time.Hour, BatchSize: 50},
		Logger:           log.New(io.Discard, "", 0),
	}
}

func writeTrigger(t *testing.T, dir, name, body string) string {
	t.Helper()

	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("failed to write trigger file: %v", err)
	}
	return path
}

func TestConsumeTrigger_OverridesBaseOptions(t *testing.T) {
	dir := t.TempDir()
	d, err := New(newStubRunner(), dir, quietConfig())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	path := writeTrigger(t, dir, "run.json", `{"lookback_hours": 48, "batch_size": 10, "dry_run": true}`)
	if err := d.consumeTrigger(path); err != nil {
		t.Fatalf("consumeTrigger() failed: %v", err)
	}

	select {
	case opts := <-d.pending:
		if opts.Lookback != 48*time.Hour || opts.BatchSize != 10 || !opts.DryRun {
			t.Errorf("opts = %+v", opts)
		}
	default:
		t.Fatal("no run queued")
	}

	// The trigger file is consumed exactly once
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("trigger file still exists after consumption")
	}
}

func TestConsumeTrigger_ZeroFieldsFallBackToBase(t *testing.T) {
	dir := t.TempDir()
	d, err := New(newStubRunner(), dir, quietConfig())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	path := writeTrigger(t, dir, "run.json", `{}`)
	if err := d.consumeTrigger(path); err != nil {
		t.Fatalf("consumeTrigger() failed: %v", err)
	}

	opts := <-d.pending
	if opts.Lookback != 24*time.Hour || opts.BatchSize != 50 || opts.DryRun {
		t.Errorf("opts = %+v, want base options", opts)
	}
}

func TestConsumeTrigger_MissingFileIsNoop(t *testing.T) {
	d, err := New(newStubRunner(), t.TempDir(), quietConfig())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	if err := d.consumeTrigger(filepath.Join(d.spoolDir, "gone.json")); err != nil {
		t.Errorf("consumeTrigger() on a missing file failed: %v", err)
	}
	if len(d.pending) != 0 {
		t.Error("missing file queued a run")
	}
}

func TestConsumeTrigger_InvalidJSONRemovesFile(t *testing.T) {
	dir := t.TempDir()
	d, err := New(newStubRunner(), dir, quietConfig())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	path := writeTrigger(t, dir, "bad.json", `{not json`)
	if err := d.consumeTrigger(path); err == nil {
		t.Fatal("expected error for invalid trigger JSON")
	}

	// A bad file must not be replayed forever
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("invalid trigger file was left in the spool")
	}
	if len(d.pending) != 0 {
		t.Error("invalid trigger queued a run")
	}
}

func TestTriggerNow_QueueFull(t *testing.T) {
	d, err := New(newStubRunner(), "", quietConfig())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	for i := 0; i < cap(d.pending); i++ {
		if !d.TriggerNow(sync.Options{}) {
			t.Fatalf("TriggerNow() refused with %d queued", i)
		}
	}
	if d.TriggerNow(sync.Options{}) {
		t.Error("TriggerNow() accepted past queue capacity")
	}
}

func TestDaemon_TriggerFileCausesRun(t *testing.T) {
	dir := t.TempDir()
	runner := newStubRunner()
	d, err := New(runner, dir, quietConfig())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Start(ctx) }()

	// Give the watcher time to attach before dropping the trigger
	time.Sleep(100 * time.Millisecond)
	writeTrigger(t, dir, "manual.json", `{"batch_size": 5}`)

	select {
	case opts := <-runner.runs:
		if opts.BatchSize != 5 {
			t.Errorf("run opts = %+v, want batch_size 5", opts)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("trigger file never caused a run")
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Start() returned error: %v", err)
	}
}

func TestDaemon_DrainsPreexistingTriggers(t *testing.T) {
	dir := t.TempDir()
	runner := newStubRunner()
	d, err := New(runner, dir, quietConfig())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	// Dropped while the daemon was down
	writeTrigger(t, dir, "offline.json", `{"dry_run": true}`)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Start(ctx) }()

	select {
	case opts := <-runner.runs:
		if !opts.DryRun {
			t.Errorf("run opts = %+v, want dry_run", opts)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("pre-existing trigger never caused a run")
	}

	cancel()
	<-done
}
