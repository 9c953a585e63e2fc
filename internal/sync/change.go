package sync

import (
	"github.com/evertrack/eventsync/internal/source"
)

// ChangeKind classifies a detected change.
type ChangeKind string

const (
	// ChangeAdd is a record with no stored counterpart.
	ChangeAdd ChangeKind = "add"

	// ChangeUpdate is a stored record whose tracked fields differ.
	ChangeUpdate ChangeKind = "update"
)

// Entity kinds tracked in checkpoints.
const (
	KindEvent    = "events"
	KindCategory = "event_categories"
)

// ChangeRecord is one detected add or update. Immutable once emitted by
// the detector; consumed exactly once by the batch processor.
type ChangeRecord struct {
	Kind  ChangeKind
	Event source.RawEvent

	// Previous holds the stored values of the tracked columns that differ,
	// keyed by column name. Only set for updates.
	Previous map[string]interface{}

	// PrevCategories is the stored category set at detection time.
	// Only set for updates whose category set changed.
	PrevCategories []string

	// CategoriesChanged marks updates that need category reconciliation.
	CategoriesChanged bool
}

// Batch is a bounded, order-preserving slice of the change set, processed
// and validated as one atomic unit.
type Batch struct {
	Number  int
	Records []ChangeRecord
}

// PlanBatches partitions an ordered change list into fixed-size batches,
// preserving relative order. The final batch may be smaller. The partition
// is deterministic: the same input and size always yield the same batches,
// which the disjoint-checkpoint guarantee depends on.
func PlanBatches(changes []ChangeRecord, size int) []Batch {
	if size <= 0 {
		size = DefaultBatchSize
	}

	var batches []Batch
	for start := 0; start < len(changes); start += size {
		end := start + size
		if end > len(changes) {
			end = len(changes)
		}
		batches = append(batches, Batch{
			Number:  len(batches) + 1,
			Records: changes[start:end],
		})
	}
	return batches
}

// DefaultBatchSize is the batch size used when none is configured.
const DefaultBatchSize = 50
