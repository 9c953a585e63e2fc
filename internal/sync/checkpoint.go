package sync

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"

	"github.com/evertrack/eventsync/internal/store"
)

// Checkpoint is the per-batch undo ledger. It records exactly what one
// batch changed: the IDs it added per entity kind, the prior values of
// every field it modified, and the category rows it removed.
//
// A checkpoint is owned exclusively by one batch attempt. Its tracked
// identifiers are disjoint from every other batch's checkpoint in the
// same run because the detector never emits the same event ID twice.
type Checkpoint struct {
	BatchNumber int

	// Added maps entity kind -> IDs inserted by this batch.
	// Category IDs are "eventID/category".
	Added map[string][]string

	// Snapshots maps event ID -> column -> value as stored before this
	// batch modified it.
	Snapshots map[string]map[string]interface{}

	// RemovedCategories maps event ID -> categories this batch deleted,
	// so rollback can reinsert them.
	RemovedCategories map[string][]string
}

// NewCheckpoint creates an empty checkpoint for a batch.
func NewCheckpoint(batchNumber int) *Checkpoint {
	return &Checkpoint{
		BatchNumber:       batchNumber,
		Added:             make(map[string][]string),
		Snapshots:         make(map[string]map[string]interface{}),
		RemovedCategories: make(map[string][]string),
	}
}

// TrackAdd records an inserted ID under its entity kind.
func (c *Checkpoint) TrackAdd(kind, id string) {
	c.Added[kind] = append(c.Added[kind], id)
}

// TrackSnapshot records the prior value of one field of one event.
// The first snapshot of a field wins; later writes in the same batch
// must not overwrite the original value.
func (c *Checkpoint) TrackSnapshot(id, column string, value interface{}) {
	fields, ok := c.Snapshots[id]
	if !ok {
		fields = make(map[string]interface{})
		c.Snapshots[id] = fields
	}
	if _, exists := fields[column]; !exists {
		fields[column] = value
	}
}

// TrackRemovedCategory records a category row deleted by this batch.
func (c *Checkpoint) TrackRemovedCategory(eventID, category string) {
	c.RemovedCategories[eventID] = append(c.RemovedCategories[eventID], category)
}

// IsEmpty reports whether the checkpoint tracked any change.
func (c *Checkpoint) IsEmpty() bool {
	return len(c.Added) == 0 && len(c.Snapshots) == 0 && len(c.RemovedCategories) == 0
}

// RollbackManager undoes a single batch's effects from its checkpoint,
// independently of every other batch.
type RollbackManager struct {
	store  *store.Store
	logger *log.Logger
}

// NewRollbackManager creates a RollbackManager. If logger is nil, a
// default logger writing to stderr is used.
func NewRollbackManager(st *store.Store, logger *log.Logger) *RollbackManager {
	if logger == nil {
		logger = log.New(os.Stderr, "[rollback] ", log.LstdFlags)
	}
	return &RollbackManager{
		store:  st,
		logger: logger,
	}
}

// Rollback undoes everything a checkpoint tracked, in one transaction:
//
//  1. Delete every added record (cascading deletes cover an added
//     event's own category rows).
//  2. Restore every snapshotted field to its exact prior value via a
//     generic parameterized patch.
//  3. Reinsert category rows the batch removed.
//
// If any step fails the transaction is rolled back and the error
// returned: a half-completed rollback is strictly worse than none and
// must never be left in place.
func (r *RollbackManager) Rollback(ctx context.Context, cp *Checkpoint) error {
	if cp == nil || cp.IsEmpty() {
		return nil
	}

	tx, err := r.store.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("rollback of batch %d: %w", cp.BatchNumber, err)
	}
	defer tx.Rollback()

	// 1. Remove added events
	addedEvents := cp.Added[KindEvent]
	if err := r.store.DeleteEventsTx(ctx, tx, addedEvents); err != nil {
		return fmt.Errorf("rollback of batch %d: %w", cp.BatchNumber, err)
	}

	// Remove category rows added to pre-existing events
	addedCategories := 0
	for _, catID := range cp.Added[KindCategory] {
		eventID, category, ok := strings.Cut(catID, "/")
		if !ok {
			return fmt.Errorf("rollback of batch %d: malformed category id %q", cp.BatchNumber, catID)
		}
		if err := r.store.DeleteCategoryTx(ctx, tx, eventID, category); err != nil {
			return fmt.Errorf("rollback of batch %d: %w", cp.BatchNumber, err)
		}
		addedCategories++
	}

	// 2. Restore snapshotted fields, generically: no fixed field list,
	// just the exact column->value pairs the checkpoint captured.
	ids := make([]string, 0, len(cp.Snapshots))
	for id := range cp.Snapshots {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		if err := r.store.PatchEventTx(ctx, tx, id, cp.Snapshots[id]); err != nil {
			return fmt.Errorf("rollback of batch %d: %w", cp.BatchNumber, err)
		}
	}

	// 3. Reinsert removed category rows
	removed := 0
	for eventID, cats := range cp.RemovedCategories {
		for _, cat := range cats {
			if err := r.store.InsertCategoryTx(ctx, tx, eventID, cat); err != nil {
				return fmt.Errorf("rollback of batch %d: %w", cp.BatchNumber, err)
			}
			removed++
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("rollback of batch %d: %w", cp.BatchNumber, err)
	}

	r.logger.Printf("Rolled back batch %d: removed %d events, %d categories; restored %d rows, %d categories",
		cp.BatchNumber, len(addedEvents), addedCategories, len(cp.Snapshots), removed)
	return nil
}
