package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrLockHeld is returned by AcquireLock when another run holds the lock.
var ErrLockHeld = errors.New("another sync run is in progress")

// RunRecord is one row of the sync_runs history table.
type RunRecord struct {
	ID               string     `json:"id"`
	StartedAt        time.Time  `json:"started_at"`
	FinishedAt       *time.Time `json:"finished_at,omitempty"`
	DryRun           bool       `json:"dry_run"`
	Checked          int        `json:"checked"`
	Added            int        `json:"added"`
	Updated          int        `json:"updated"`
	BatchCount       int        `json:"batch_count"`
	BatchesSucceeded int        `json:"batches_succeeded"`
	BatchesFailed    int        `json:"batches_failed"`
	ErrorCount       int        `json:"error_count"`
	ValidationPassed bool       `json:"validation_passed"`
	VenueFillRate    float64    `json:"venue_fill_rate"`
	Errors           []string   `json:"errors,omitempty"`
	Warnings         []string   `json:"warnings,omitempty"`
	Issues           []string   `json:"issues,omitempty"`
}

// AppendRun persists a finished run to the sync_runs history.
// The history is append-only; rows are never updated or deleted.
func (s *Store) AppendRun(ctx context.Context, rec *RunRecord) error {
	errsJSON, err := json.Marshal(rec.Errors)
	if err != nil {
		return fmt.Errorf("failed to marshal errors: %w", err)
	}
	warnJSON, err := json.Marshal(rec.Warnings)
	if err != nil {
		return fmt.Errorf("failed to marshal warnings: %w", err)
	}
	issuesJSON, err := json.Marshal(rec.Issues)
	if err != nil {
		return fmt.Errorf("failed to marshal issues: %w", err)
	}

	var finished sql.NullString
	if rec.FinishedAt != nil {
		finished = sql.NullString{String: rec.FinishedAt.Format(time.RFC3339), Valid: true}
	}

	_, err = s.conn.ExecContext(ctx, `
	INSERT INTO sync_runs (
		id, started_at, finished_at, dry_run,
		checked, added, updated,
		batch_count, batches_succeeded, batches_failed,
		error_count, validation_passed, venue_fill_rate,
		errors, warnings, issues
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.StartedAt.Format(time.RFC3339),
		finished,
		boolToInt(rec.DryRun),
		rec.Checked,
		rec.Added,
		rec.Updated,
		rec.BatchCount,
		rec.BatchesSucceeded,
		rec.BatchesFailed,
		rec.ErrorCount,
		boolToInt(rec.ValidationPassed),
		rec.VenueFillRate,
		string(errsJSON),
		string(warnJSON),
		string(issuesJSON),
	)
	if err != nil {
		return fmt.Errorf("failed to append run %s: %w", rec.ID, err)
	}
	return nil
}

// RecentRuns returns up to n most recent runs, newest first.
// Dry runs are excluded: they make no writes and would skew trend baselines.
func (s *Store) RecentRuns(ctx context.Context, n int) ([]*RunRecord, error) {
	rows, err := s.conn.QueryContext(ctx, `
	SELECT id, started_at, finished_at, dry_run,
	       checked, added, updated,
	       batch_count, batches_succeeded, batches_failed,
	       error_count, validation_passed, venue_fill_rate,
	       errors, warnings, issues
	FROM sync_runs
	WHERE dry_run = 0
	ORDER BY started_at DESC
	LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent runs: %w", err)
	}
	defer rows.Close()

	var runs []*RunRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}
	return runs, nil
}

// LastRun returns the most recent run, or nil if no runs are recorded.
func (s *Store) LastRun(ctx context.Context) (*RunRecord, error) {
	runs, err := s.RecentRuns(ctx, 1)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, nil
	}
	return runs[0], nil
}

// AcquireLock claims the persisted run lock for the given run ID.
//
// The lock is a single database row, not a process mutex, because run
// invocations may originate from separate stateless processes (cron,
// serverless triggers). Returns ErrLockHeld if another run holds it.
func (s *Store) AcquireLock(ctx context.Context, runID string) error {
	res, err := s.conn.ExecContext(ctx, `
	INSERT INTO sync_lock (id, run_id, locked_at)
	VALUES (1, ?, ?)
	ON CONFLICT(id) DO NOTHING`,
		runID, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to acquire run lock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read lock result: %w", err)
	}
	if n == 0 {
		return ErrLockHeld
	}
	return nil
}

// LockHolder returns the run ID currently holding the lock, or "" if free.
func (s *Store) LockHolder(ctx context.Context) (string, error) {
	var runID string
	err := s.conn.QueryRowContext(ctx, "SELECT run_id FROM sync_lock WHERE id = 1").Scan(&runID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read run lock: %w", err)
	}
	return runID, nil
}

// ReleaseLock frees the persisted run lock held by the given run ID.
// Releasing a lock held by a different run is refused.
func (s *Store) ReleaseLock(ctx context.Context, runID string) error {
	res, err := s.conn.ExecContext(ctx,
		"DELETE FROM sync_lock WHERE id = 1 AND run_id = ?", runID)
	if err != nil {
		return fmt.Errorf("failed to release run lock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read unlock result: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("run lock not held by %s", runID)
	}
	return nil
}

func scanRun(rows *sql.Rows) (*RunRecord, error) {
	var (
		rec                RunRecord
		startedAt          string
		finishedAt         sql.NullString
		dryRun, passed     int
		errsJSON, warnJSON string
		issuesJSON         string
	)

	err := rows.Scan(
		&rec.ID, &startedAt, &finishedAt, &dryRun,
		&rec.Checked, &rec.Added, &rec.Updated,
		&rec.BatchCount, &rec.BatchesSucceeded, &rec.BatchesFailed,
		&rec.ErrorCount, &passed, &rec.VenueFillRate,
		&errsJSON, &warnJSON, &issuesJSON,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan run: %w", err)
	}

	if t, err := time.Parse(time.RFC3339, startedAt); err == nil {
		rec.StartedAt = t
	}
	rec.FinishedAt = nullStringToTime(finishedAt)
	rec.DryRun = dryRun != 0
	rec.ValidationPassed = passed != 0

	if err := json.Unmarshal([]byte(errsJSON), &rec.Errors); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run errors: %w", err)
	}
	if err := json.Unmarshal([]byte(warnJSON), &rec.Warnings); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run warnings: %w", err)
	}
	if err := json.Unmarshal([]byte(issuesJSON), &rec.Issues); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run issues: %w", err)
	}

	return &rec, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
