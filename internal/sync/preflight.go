package sync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/evertrack/eventsync/internal/store"
)

// requiredColumns is the schema surface the engine depends on. Preflight
// verifies it before any write so a migration drift or corrupted store
// aborts the run instead of corrupting data.
var requiredColumns = map[string][]string{
	"events":           {"id", "title", "status", "start_date", "venue", "updated_at", "synced_at"},
	"event_categories": {"event_id", "category"},
	"sync_runs":        {"id", "started_at", "validation_passed"},
	"sync_lock":        {"id", "run_id", "locked_at"},
}

// Preflight validates store invariants before the first batch of a run.
// A failure aborts the entire run before any write and before a backup is
// taken — nothing yet exists to protect.
type Preflight struct {
	store *store.Store

	// minEventFloor guards against running against an empty or truncated
	// store. Zero disables the check (first-ever run).
	minEventFloor int

	logger *log.Logger
}

// NewPreflight creates a Preflight checker. If logger is nil, a default
// logger writing to stderr is used.
func NewPreflight(st *store.Store, minEventFloor int, logger *log.Logger) *Preflight {
	if logger == nil {
		logger = log.New(os.Stderr, "[preflight] ", log.LstdFlags)
	}
	return &Preflight{
		store:         st,
		minEventFloor: minEventFloor,
		logger:        logger,
	}
}

// Check verifies the store is safe to sync into and, unless dryRun is
// set, claims the persisted run lock for runID.
//
// Returns (passed, issues, err): issues are the human-readable invariant
// violations; err is reserved for infrastructure failures while checking.
func (p *Preflight) Check(ctx context.Context, runID string, dryRun bool) (bool, []string, error) {
	var issues []string

	// Required tables and columns
	for table, cols := range requiredColumns {
		exists, err := p.store.TableExists(ctx, table)
		if err != nil {
			return false, issues, err
		}
		if !exists {
			issues = append(issues, fmt.Sprintf("required table %s is missing", table))
			continue
		}
		for _, col := range cols {
			ok, err := p.store.ColumnExists(ctx, table, col)
			if err != nil {
				return false, issues, err
			}
			if !ok {
				issues = append(issues, fmt.Sprintf("required column %s.%s is missing", table, col))
			}
		}
	}
	if len(issues) > 0 {
		// Schema is broken; row and integrity checks would only add noise
		return false, issues, nil
	}

	// Row count floor
	count, err := p.store.GetEventCount(ctx)
	if err != nil {
		return false, issues, err
	}
	if count < p.minEventFloor {
		issues = append(issues, fmt.Sprintf("event count %d below configured floor %d", count, p.minEventFloor))
	}

	// Referential integrity
	violations, err := p.store.ForeignKeyViolations(ctx)
	if err != nil {
		return false, issues, err
	}
	if violations > 0 {
		issues = append(issues, fmt.Sprintf("%d referential integrity violations", violations))
	}

	// Mutual exclusion: no other run in progress
	if dryRun {
		holder, err := p.store.LockHolder(ctx)
		if err != nil {
			return false, issues, err
		}
		if holder != "" {
			issues = append(issues, fmt.Sprintf("run %s is already in progress", holder))
		}
	} else if len(issues) == 0 {
		if err := p.store.AcquireLock(ctx, runID); err != nil {
			if errors.Is(err, store.ErrLockHeld) {
				holder, _ := p.store.LockHolder(ctx)
				issues = append(issues, fmt.Sprintf("run %s is already in progress", holder))
			} else {
				return false, issues, err
			}
		}
	}

	if len(issues) > 0 {
		p.logger.Printf("Preflight failed: %d issues", len(issues))
		return false, issues, nil
	}

	p.logger.Printf("Preflight passed: %d events, integrity clean", count)
	return true, nil, nil
}
