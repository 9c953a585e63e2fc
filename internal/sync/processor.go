package sync

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/evertrack/eventsync/internal/source"
	"github.com/evertrack/eventsync/internal/store"
)

// BatchResult is the outcome of one batch attempt.
type BatchResult struct {
	BatchNumber      int      `json:"batch_number"`
	Success          bool     `json:"success"`
	RecordsProcessed int      `json:"records_processed"`
	Added            int      `json:"added"`
	Updated          int      `json:"updated"`
	Error            string   `json:"error,omitempty"`
	Issues           []string `json:"issues,omitempty"`
}

// Processor applies one batch inside one store transaction, populating a
// checkpoint that records exactly what changed.
type Processor struct {
	store    *store.Store
	rollback *RollbackManager
	logger   *log.Logger
}

// NewProcessor creates a Processor. If logger is nil, a default logger
// writing to stderr is used.
func NewProcessor(st *store.Store, rollback *RollbackManager, logger *log.Logger) *Processor {
	if logger == nil {
		logger = log.New(os.Stderr, "[batch] ", log.LstdFlags)
	}
	return &Processor{
		store:    st,
		rollback: rollback,
		logger:   logger,
	}
}

// Process applies a batch and validates the result.
//
// All writes happen in one transaction. A per-record write failure aborts
// the transaction and marks the batch failed without touching any other
// batch. After a successful commit, batch validation runs; a validation
// failure is treated the same as a write failure — the committed changes
// are undone from the checkpoint and the batch is marked failed.
//
// A non-nil error return means the rollback itself failed; the caller
// must escalate to a run-level restore.
func (p *Processor) Process(ctx context.Context, batch Batch) (BatchResult, error) {
	result := BatchResult{BatchNumber: batch.Number}
	cp := NewCheckpoint(batch.Number)

	if err := p.applyBatch(ctx, batch, cp, &result); err != nil {
		// Transaction already rolled back; checkpoint is moot
		p.logger.Printf("Batch %d failed: %v", batch.Number, err)
		result.Success = false
		result.Error = err.Error()
		return result, nil
	}

	result.RecordsProcessed = len(batch.Records)

	if valid, issues := validateBatch(batch, result); !valid {
		p.logger.Printf("Batch %d failed validation: %s", batch.Number, strings.Join(issues, "; "))
		result.Success = false
		result.Issues = issues
		result.Error = "batch validation failed: " + strings.Join(issues, "; ")

		// The transaction already committed; undo it from the checkpoint
		if err := p.rollback.Rollback(ctx, cp); err != nil {
			return result, fmt.Errorf("batch %d rollback failed: %w", batch.Number, err)
		}
		result.Added = 0
		result.Updated = 0
		result.RecordsProcessed = 0
		return result, nil
	}

	result.Success = true
	p.logger.Printf("Batch %d committed: %d records (%d added, %d updated)",
		batch.Number, result.RecordsProcessed, result.Added, result.Updated)
	return result, nil
}

// applyBatch writes every record of the batch in one transaction.
func (p *Processor) applyBatch(ctx context.Context, batch Batch, cp *Checkpoint, result *BatchResult) error {
	tx, err := p.store.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	for _, rec := range batch.Records {
		switch rec.Kind {
		case ChangeAdd:
			if err := p.applyAdd(ctx, tx, rec, cp, now); err != nil {
				return err
			}
			result.Added++
		case ChangeUpdate:
			if err := p.applyUpdate(ctx, tx, rec, cp, now); err != nil {
				return err
			}
			result.Updated++
		default:
			return fmt.Errorf("record %s: unknown change kind %q", rec.Event.ID, rec.Kind)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit batch %d: %w", batch.Number, err)
	}
	return nil
}

// applyAdd inserts a new event and its categories, tracking every
// inserted ID in the checkpoint.
func (p *Processor) applyAdd(ctx context.Context, tx *sql.Tx, rec ChangeRecord, cp *Checkpoint, now time.Time) error {
	row, err := rowFromRaw(rec.Event, now)
	if err != nil {
		return err
	}

	if err := p.store.InsertEventTx(ctx, tx, row); err != nil {
		return err
	}
	cp.TrackAdd(KindEvent, row.ID)

	for _, cat := range dedupe(rec.Event.Categories) {
		if err := p.store.InsertCategoryTx(ctx, tx, row.ID, cat); err != nil {
			return err
		}
		cp.TrackAdd(KindCategory, row.ID+"/"+cat)
	}
	return nil
}

// applyUpdate snapshots the currently stored values of every field about
// to change, then applies a generic patch, then reconciles categories.
func (p *Processor) applyUpdate(ctx context.Context, tx *sql.Tx, rec ChangeRecord, cp *Checkpoint, now time.Time) error {
	current, err := p.store.GetEventTx(ctx, tx, rec.Event.ID)
	if err != nil {
		return fmt.Errorf("failed to read event %s before update: %w", rec.Event.ID, err)
	}

	fields := make(map[string]interface{})
	for col := range rec.Previous {
		proposed, err := proposedValue(rec.Event, col)
		if err != nil {
			return err
		}
		cp.TrackSnapshot(rec.Event.ID, col, currentValue(current, col))
		fields[col] = proposed
	}

	if len(fields) > 0 {
		// Bump updated_at alongside the tracked fields, restorable too
		cp.TrackSnapshot(rec.Event.ID, "updated_at", current.UpdatedAt.Format(time.RFC3339))
		fields["updated_at"] = rec.Event.LastModified.Format(time.RFC3339)

		if err := p.store.PatchEventTx(ctx, tx, rec.Event.ID, fields); err != nil {
			return err
		}
	}

	if rec.CategoriesChanged {
		if err := p.reconcileCategories(ctx, tx, rec, cp); err != nil {
			return err
		}
	}
	return nil
}

// reconcileCategories brings an event's category rows in line with the
// proposed set, tracking additions and removals in the checkpoint.
func (p *Processor) reconcileCategories(ctx context.Context, tx *sql.Tx, rec ChangeRecord, cp *Checkpoint) error {
	current, err := p.store.GetCategoriesTx(ctx, tx, rec.Event.ID)
	if err != nil {
		return err
	}

	desired := make(map[string]bool)
	for _, cat := range dedupe(rec.Event.Categories) {
		desired[cat] = true
	}
	have := make(map[string]bool, len(current))
	for _, cat := range current {
		have[cat] = true
	}

	for cat := range desired {
		if !have[cat] {
			if err := p.store.InsertCategoryTx(ctx, tx, rec.Event.ID, cat); err != nil {
				return err
			}
			cp.TrackAdd(KindCategory, rec.Event.ID+"/"+cat)
		}
	}
	for _, cat := range current {
		if !desired[cat] {
			if err := p.store.DeleteCategoryTx(ctx, tx, rec.Event.ID, cat); err != nil {
				return err
			}
			cp.TrackRemovedCategory(rec.Event.ID, cat)
		}
	}
	return nil
}

// validateBatch runs the cheap, deterministic, batch-scoped rule checks.
// It must add negligible overhead since it runs on every batch.
func validateBatch(batch Batch, result BatchResult) (bool, []string) {
	var issues []string

	// No duplicate identifiers within the batch
	seen := make(map[string]bool, len(batch.Records))
	for _, rec := range batch.Records {
		if seen[rec.Event.ID] {
			issues = append(issues, fmt.Sprintf("duplicate identifier %s in batch", rec.Event.ID))
		}
		seen[rec.Event.ID] = true
	}

	// Required fields present post-transformation
	for _, rec := range batch.Records {
		if rec.Event.ID == "" {
			issues = append(issues, "record with empty id")
		}
		if rec.Event.Title == "" {
			issues = append(issues, fmt.Sprintf("record %s: empty title", rec.Event.ID))
		}
		if rec.Event.Status == "" {
			issues = append(issues, fmt.Sprintf("record %s: empty status", rec.Event.ID))
		}
	}

	// Counts plausible and consistent with the batch contents
	if result.RecordsProcessed < 0 || result.Added < 0 || result.Updated < 0 {
		issues = append(issues, "negative processing counts")
	}
	if result.RecordsProcessed != len(batch.Records) {
		issues = append(issues, fmt.Sprintf("processed %d records, expected %d",
			result.RecordsProcessed, len(batch.Records)))
	}
	adds, updates := 0, 0
	for _, rec := range batch.Records {
		switch rec.Kind {
		case ChangeAdd:
			adds++
		case ChangeUpdate:
			updates++
		}
	}
	if result.Added != adds || result.Updated != updates {
		issues = append(issues, fmt.Sprintf("applied %d adds/%d updates, expected %d/%d",
			result.Added, result.Updated, adds, updates))
	}

	return len(issues) == 0, issues
}

// rowFromRaw converts a fetched event into a storable row.
func rowFromRaw(ev source.RawEvent, now time.Time) (*store.EventRow, error) {
	row := &store.EventRow{
		ID:        ev.ID,
		Title:     ev.Title,
		Status:    ev.Status,
		Venue:     ev.Venue,
		UpdatedAt: ev.LastModified,
		SyncedAt:  now,
	}
	if ev.StartDate != "" {
		t, err := time.Parse(time.RFC3339, ev.StartDate)
		if err != nil {
			return nil, fmt.Errorf("event %s: invalid start_date %q: %w", ev.ID, ev.StartDate, err)
		}
		// Stored dates are always the UTC "Z" spelling, whatever offset
		// the source used
		t = t.UTC()
		row.StartDate = &t
	}
	return row, nil
}

// proposedValue maps a tracked column name to the fetched event's value.
func proposedValue(ev source.RawEvent, col string) (interface{}, error) {
	switch col {
	case "title":
		return ev.Title, nil
	case "status":
		return ev.Status, nil
	case "start_date":
		if ev.StartDate == "" {
			return nil, nil
		}
		t, err := time.Parse(time.RFC3339, ev.StartDate)
		if err != nil {
			return nil, fmt.Errorf("event %s: invalid start_date %q: %w", ev.ID, ev.StartDate, err)
		}
		return t.UTC().Format(time.RFC3339), nil
	case "venue":
		return ev.Venue, nil
	default:
		return nil, fmt.Errorf("event %s: untracked column %q", ev.ID, col)
	}
}

// currentValue reads a tracked column from a stored row.
func currentValue(row *store.EventRow, col string) interface{} {
	switch col {
	case "title":
		return row.Title
	case "status":
		return row.Status
	case "start_date":
		if row.StartDate == nil {
			return nil
		}
		return row.StartDate.Format(time.RFC3339)
	case "venue":
		return row.Venue
	default:
		return nil
	}
}

// dedupe returns the unique values of a list, sorted.
func dedupe(values []string) []string {
	seen := make(map[string]bool, len(values))
	var out []string
	for _, v := range values {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	sort.Strings(out)
	return out
}
