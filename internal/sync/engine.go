package sync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	stdsync "sync"
	"time"

	"github.com/google/uuid"

	"github.com/evertrack/eventsync/internal/notify"
	"github.com/evertrack/eventsync/internal/source"
	"github.com/evertrack/eventsync/internal/store"
)

// RunState is a position in the run state machine.
type RunState string

const (
	StateIdle              RunState = "idle"
	StatePreflightChecking RunState = "preflight_checking"
	StateAborted           RunState = "aborted"
	StateBackingUp         RunState = "backing_up"
	StateProcessingBatches RunState = "processing_batches"
	StateValidating        RunState = "validating"
	StateCommitted         RunState = "committed"
	StateRollingBack       RunState = "rolling_back"
)

// Strategy selects the processing pipeline at run entry.
type Strategy string

const (
	// StrategyBatch is the checkpointed batch pipeline.
	StrategyBatch Strategy = "batch"

	// StrategyLegacy applies the whole change set in one transaction
	// with no per-batch checkpoints. Kept interchangeable with the batch
	// pipeline so either can be canaried or retired independently.
	StrategyLegacy Strategy = "legacy"
)

// Run outcome sentinels. The orchestrating caller (CLI, daemon) branches
// on these for exit codes and alerting.
var (
	ErrPreflightFailed  = errors.New("preflight checks failed")
	ErrValidationFailed = errors.New("post-run validation failed")
	ErrRunCancelled     = errors.New("run cancelled")
)

// Fetcher is the source-client surface the engine needs. Satisfied by
// *source.Client.
type Fetcher interface {
	FetchChangedSince(ctx context.Context, since, until time.Time) ([]source.RawEvent, error)
}

// Options are the per-run parameters of the trigger interface.
type Options struct {
	// Lookback bounds the changed-records window (default: 7 days).
	Lookback time.Duration

	// BatchSize is the fixed batch size (default: 50).
	BatchSize int

	// DryRun performs detection and validation but skips all writes,
	// backups, and restores.
	DryRun bool

	// Strategy selects the processing pipeline (default: batch).
	Strategy Strategy
}

// RunEvent is a lifecycle notification emitted for live monitoring.
type RunEvent struct {
	Type    string       `json:"type"` // run_started, state_changed, batch_finished, run_finished
	RunID   string       `json:"run_id"`
	State   RunState     `json:"state"`
	Batch   *BatchResult `json:"batch,omitempty"`
	Metrics *RunMetrics  `json:"metrics,omitempty"`
}

// EngineConfig wires the engine's collaborators.
type EngineConfig struct {
	Store      *store.Store
	Fetcher    Fetcher
	Backups    *store.BackupManager
	Notifier   *notify.Notifier
	Thresholds Thresholds

	// BackupRetentionDays bounds snapshot disk usage (default: 7).
	BackupRetentionDays int

	// Logger for engine activity (default: stderr logger)
	Logger *log.Logger

	// OnEvent, if set, receives run lifecycle events.
	OnEvent func(RunEvent)
}

// Engine orchestrates a synchronization run end to end. A single run
// executes sequentially on one goroutine; batches are never processed in
// parallel, which keeps checkpoint independence and rollback reasoning
// simple.
type Engine struct {
	store     *store.Store
	fetcher   Fetcher
	backups   *store.BackupManager
	notifier  *notify.Notifier
	detector  *Detector
	processor *Processor
	rollback  *RollbackManager
	preflight *Preflight
	validator *Validator
	retention int
	logger    *log.Logger
	onEvent   func(RunEvent)

	// state is readable concurrently by the health endpoint
	mu    stdsync.RWMutex
	state RunState
}

// NewEngine creates an Engine from its collaborators.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if cfg.Fetcher == nil {
		return nil, fmt.Errorf("fetcher cannot be nil")
	}
	if cfg.Backups == nil {
		return nil, fmt.Errorf("backup manager cannot be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[engine] ", log.LstdFlags)
	}
	if cfg.Notifier == nil {
		cfg.Notifier = notify.New(cfg.Logger)
	}
	if cfg.BackupRetentionDays == 0 {
		cfg.BackupRetentionDays = 7
	}

	rollback := NewRollbackManager(cfg.Store, cfg.Logger)

	return &Engine{
		store:     cfg.Store,
		fetcher:   cfg.Fetcher,
		backups:   cfg.Backups,
		notifier:  cfg.Notifier,
		detector:  NewDetector(cfg.Store, cfg.Logger),
		processor: NewProcessor(cfg.Store, rollback, cfg.Logger),
		rollback:  rollback,
		preflight: NewPreflight(cfg.Store, cfg.Thresholds.MinEventFloor, cfg.Logger),
		validator: NewValidator(cfg.Store, cfg.Thresholds, cfg.Logger),
		retention: cfg.BackupRetentionDays,
		logger:    cfg.Logger,
		onEvent:   cfg.OnEvent,
		state:     StateIdle,
	}, nil
}

// State returns the engine's current run state. May be slightly stale;
// reading never blocks a run.
func (e *Engine) State() RunState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

func (e *Engine) setState(s RunState, m *RunMetrics) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()

	m.State = s
	e.emit(RunEvent{Type: "state_changed", RunID: m.RunID, State: s})
}

func (e *Engine) emit(ev RunEvent) {
	if e.onEvent != nil {
		e.onEvent(ev)
	}
}

// Run executes one synchronization run and returns its metrics. The
// returned error classifies the run outcome (preflight, validation,
// cancellation, source failure); per-batch failures are recovered locally
// and do not produce an error.
func (e *Engine) Run(ctx context.Context, opts Options) (*RunMetrics, error) {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.Lookback <= 0 {
		opts.Lookback = 7 * 24 * time.Hour
	}
	if opts.Strategy == "" {
		opts.Strategy = StrategyBatch
	}

	m := &RunMetrics{
		RunID:     uuid.NewString(),
		StartedAt: time.Now().UTC(),
		DryRun:    opts.DryRun,
	}
	e.logger.Printf("Run %s starting (lookback=%v batch_size=%d dry_run=%v strategy=%s)",
		m.RunID, opts.Lookback, opts.BatchSize, opts.DryRun, opts.Strategy)
	e.emit(RunEvent{Type: "run_started", RunID: m.RunID, State: StatePreflightChecking})

	// Preflight: abort before any write, before any backup
	e.setState(StatePreflightChecking, m)
	passed, issues, err := e.preflight.Check(ctx, m.RunID, opts.DryRun)
	if err != nil {
		e.finish(ctx, m, StateAborted)
		return m, fmt.Errorf("preflight check errored: %w", err)
	}
	if !passed {
		m.Issues = issues
		e.finish(ctx, m, StateAborted)
		e.notifier.Notify(ctx, notify.SeverityCritical, "Sync run aborted",
			"preflight checks failed: "+strings.Join(issues, "; "),
			map[string]interface{}{"run_id": m.RunID})
		return m, ErrPreflightFailed
	}
	if !opts.DryRun {
		defer func() {
			if err := e.store.ReleaseLock(context.Background(), m.RunID); err != nil {
				e.logger.Printf("Warning: failed to release run lock: %v", err)
			}
		}()
	}

	// Fetch the changed-records window
	until := time.Now().UTC()
	since := until.Add(-opts.Lookback)
	raw, err := e.fetcher.FetchChangedSince(ctx, since, until)
	if err != nil {
		m.AddError(err.Error())
		e.finish(ctx, m, StateAborted)

		var open *source.CircuitOpenError
		if errors.As(err, &open) {
			// The dependency is known down; no point retrying this run
			e.notifier.Notify(ctx, notify.SeverityCritical, "Sync run aborted",
				"source circuit breaker is open", map[string]interface{}{"run_id": m.RunID})
		} else {
			e.notifier.Notify(ctx, notify.SeverityCritical, "Sync run aborted",
				"source fetch failed: "+err.Error(), map[string]interface{}{"run_id": m.RunID})
		}
		return m, err
	}
	m.Checked = len(raw)

	// Detect changes
	changes, parseErrors, err := e.detector.Detect(ctx, raw)
	if err != nil {
		m.AddError(err.Error())
		e.finish(ctx, m, StateAborted)
		return m, fmt.Errorf("change detection failed: %w", err)
	}
	m.Errors = append(m.Errors, parseErrors...)

	batches := PlanBatches(changes, opts.BatchSize)
	m.BatchCount = len(batches)

	if opts.DryRun {
		return e.finishDryRun(ctx, m, batches)
	}

	// Backup before the first write; skip when there is nothing to write
	var handle *store.BackupHandle
	if len(batches) > 0 {
		e.setState(StateBackingUp, m)
		handle, err = e.backups.Backup(ctx)
		if err != nil {
			m.AddError(err.Error())
			e.finish(ctx, m, StateAborted)
			return m, fmt.Errorf("backup failed: %w", err)
		}
	}

	// Apply batches
	e.setState(StateProcessingBatches, m)
	var runErr error
	switch opts.Strategy {
	case StrategyLegacy:
		runErr = e.processLegacy(ctx, m, changes)
	default:
		runErr = e.processBatches(ctx, m, batches)
	}
	if runErr != nil {
		// Cancellation or an unhandled failure mid-processing: restore
		// the whole run so no partial state is left behind
		return e.rollbackRun(ctx, m, handle, runErr)
	}

	// Post-run validation, even against a partial (some-batches-failed)
	// result
	e.setState(StateValidating, m)
	history, err := e.store.RecentRuns(ctx, e.validator.thresholds.HistoryWindow)
	if err != nil {
		return e.rollbackRun(ctx, m, handle, fmt.Errorf("failed to load run history: %w", err))
	}
	valPassed, warnings, valIssues, err := e.validator.Validate(ctx, m, history)
	if err != nil {
		return e.rollbackRun(ctx, m, handle, fmt.Errorf("post-run validation errored: %w", err))
	}
	m.Warnings = warnings
	m.Issues = append(m.Issues, valIssues...)
	m.ValidationPassed = valPassed

	if !valPassed {
		e.setState(StateRollingBack, m)
		if handle != nil {
			if err := e.backups.Restore(ctx, handle); err != nil {
				m.AddError(err.Error())
				e.finish(ctx, m, StateRollingBack)
				return m, fmt.Errorf("restore after failed validation: %w", err)
			}
		}
		e.finish(ctx, m, StateRollingBack)
		e.notifier.Notify(ctx, notify.SeverityCritical, "Sync run rolled back",
			"post-run validation failed: "+strings.Join(valIssues, "; "),
			map[string]interface{}{"run_id": m.RunID, "batches_failed": m.BatchesFailed})
		return m, ErrValidationFailed
	}

	// Accepted: bound backup disk usage on the way out
	if _, err := e.backups.Prune(e.retention); err != nil {
		e.logger.Printf("Warning: backup prune failed: %v", err)
	}

	e.finish(ctx, m, StateCommitted)
	if len(warnings) > 0 {
		e.notifier.Notify(ctx, notify.SeverityWarning, "Sync run committed with warnings",
			strings.Join(warnings, "; "),
			map[string]interface{}{"run_id": m.RunID, "added": m.Added, "updated": m.Updated})
	} else {
		e.notifier.Notify(ctx, notify.SeverityInfo, "Sync run committed",
			fmt.Sprintf("%d added, %d updated, %d/%d batches succeeded",
				m.Added, m.Updated, m.BatchesSucceeded, m.BatchCount),
			map[string]interface{}{"run_id": m.RunID})
	}
	return m, nil
}

// processBatches applies batches strictly sequentially. Batch k+1 is
// never started until batch k has committed or been rolled back.
// Cancellation is checked only between batches, never mid-batch.
func (e *Engine) processBatches(ctx context.Context, m *RunMetrics, batches []Batch) error {
	for _, batch := range batches {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %v", ErrRunCancelled, err)
		}

		res, err := e.safeProcess(ctx, batch)
		if err != nil {
			return err
		}
		m.RecordBatch(res)
		e.emit(RunEvent{Type: "batch_finished", RunID: m.RunID, State: StateProcessingBatches, Batch: &res})
	}
	return nil
}

// safeProcess contains a batch attempt so an unexpected panic escalates
// to the run-level restore path instead of crashing the process.
func (e *Engine) safeProcess(ctx context.Context, batch Batch) (res BatchResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("unhandled failure in batch %d: %v", batch.Number, r)
		}
	}()
	return e.processor.Process(ctx, batch)
}

// processLegacy applies the entire change set in one transaction. No
// per-batch checkpoints: a failure discards the transaction and fails the
// whole run.
func (e *Engine) processLegacy(ctx context.Context, m *RunMetrics, changes []ChangeRecord) error {
	all := Batch{Number: 1, Records: changes}
	m.BatchCount = 1

	res, err := e.safeProcess(ctx, all)
	if err != nil {
		return err
	}
	m.RecordBatch(res)
	if !res.Success {
		return fmt.Errorf("legacy pipeline failed: %s", res.Error)
	}
	return nil
}

// rollbackRun restores the whole store from the pre-run backup after a
// run-level failure (cancellation, unhandled batch failure, validation
// infrastructure error).
func (e *Engine) rollbackRun(ctx context.Context, m *RunMetrics, handle *store.BackupHandle, cause error) (*RunMetrics, error) {
	e.setState(StateRollingBack, m)
	m.AddError(cause.Error())
	m.ValidationPassed = false

	// Unattempted batches are not part of this run's accounting: the
	// persisted count must equal succeeded + failed
	m.BatchCount = m.BatchesSucceeded + m.BatchesFailed

	// The run context may already be cancelled; the restore must still run
	restoreCtx := context.WithoutCancel(ctx)
	if handle != nil {
		if err := e.backups.Restore(restoreCtx, handle); err != nil {
			m.AddError(err.Error())
			e.finish(restoreCtx, m, StateRollingBack)
			e.notifier.Notify(restoreCtx, notify.SeverityCritical, "Sync run restore FAILED",
				err.Error(), map[string]interface{}{"run_id": m.RunID})
			return m, fmt.Errorf("restore failed after %v: %w", cause, err)
		}
	}

	e.finish(restoreCtx, m, StateRollingBack)
	e.notifier.Notify(restoreCtx, notify.SeverityCritical, "Sync run rolled back",
		cause.Error(), map[string]interface{}{"run_id": m.RunID})
	return m, cause
}

// finishDryRun completes a dry run: rule validation only, no writes, no
// backup, no restore.
func (e *Engine) finishDryRun(ctx context.Context, m *RunMetrics, batches []Batch) (*RunMetrics, error) {
	e.setState(StateValidating, m)

	history, err := e.store.RecentRuns(ctx, e.validator.thresholds.HistoryWindow)
	if err != nil {
		e.finish(ctx, m, StateAborted)
		return m, fmt.Errorf("failed to load run history: %w", err)
	}
	passed, warnings, issues, err := e.validator.Validate(ctx, m, history)
	if err != nil {
		e.finish(ctx, m, StateAborted)
		return m, fmt.Errorf("dry-run validation errored: %w", err)
	}
	m.Warnings = warnings
	m.Issues = append(m.Issues, issues...)
	m.ValidationPassed = passed

	would := 0
	for _, b := range batches {
		would += len(b.Records)
	}
	e.logger.Printf("Dry run %s: would apply %d changes in %d batches", m.RunID, would, len(batches))

	e.finish(ctx, m, StateCommitted)
	return m, nil
}

// finish stamps the final state, persists the run to the log, emits the
// closing event, and returns the engine to Idle.
func (e *Engine) finish(ctx context.Context, m *RunMetrics, final RunState) {
	now := time.Now().UTC()
	m.FinishedAt = &now
	m.State = final

	if err := e.store.AppendRun(ctx, m.Record()); err != nil {
		e.logger.Printf("Warning: failed to persist run log: %v", err)
	}

	e.emit(RunEvent{Type: "run_finished", RunID: m.RunID, State: final, Metrics: m})

	e.mu.Lock()
	e.state = StateIdle
	e.mu.Unlock()

	e.logger.Printf("Run %s finished: state=%s checked=%d added=%d updated=%d batches=%d/%d errors=%d",
		m.RunID, final, m.Checked, m.Added, m.Updated, m.BatchesSucceeded, m.BatchCount, len(m.Errors))
}
