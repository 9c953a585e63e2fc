package sync

import (
	"context"
	"io"
	"log"
	"path/filepath"
	"testing"
	"time"

	"github.com/evertrack/eventsync/internal/source"
	"github.com/evertrack/eventsync/internal/store"
)

// quietLogger discards test noise
func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

// newTestStore opens and initializes a store in a temp dir
func newTestStore(t *testing.T) *store.Store {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.Open() failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	if err := st.InitSchema(); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}
	return st
}

// rawEvent builds a valid fetched event
func rawEvent(id, title string, categories ...string) source.RawEvent {
	return source.RawEvent{
		ID:           id,
		Title:        title,
		Status:       "scheduled",
		StartDate:    "2026-06-15T19:30:00Z",
		Venue:        "Main Hall",
		Categories:   categories,
		LastModified: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

// seedEvent stores a raw event directly, bypassing the pipeline
func seedEvent(t *testing.T, st *store.Store, ev source.RawEvent) {
	t.Helper()

	ctx := context.Background()
	tx, err := st.BeginTx(ctx)
	if err != nil {
		t.Fatalf("BeginTx() failed: %v", err)
	}

	row := &store.EventRow{
		ID:        ev.ID,
		Title:     ev.Title,
		Status:    ev.Status,
		Venue:     ev.Venue,
		UpdatedAt: ev.LastModified,
		SyncedAt:  ev.LastModified,
	}
	if ev.StartDate != "" {
		ts, err := time.Parse(time.RFC3339, ev.StartDate)
		if err != nil {
			t.Fatalf("bad start date in test event: %v", err)
		}
		row.StartDate = &ts
	}

	if err := st.InsertEventTx(ctx, tx, row); err != nil {
		t.Fatalf("InsertEventTx() failed: %v", err)
	}
	for _, cat := range ev.Categories {
		if err := st.InsertCategoryTx(ctx, tx, ev.ID, cat); err != nil {
			t.Fatalf("InsertCategoryTx() failed: %v", err)
		}
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit() failed: %v", err)
	}
}

// eventCount is a shorthand count assertion helper
func eventCount(t *testing.T, st *store.Store) int {
	t.Helper()

	count, err := st.GetEventCount(context.Background())
	if err != nil {
		t.Fatalf("GetEventCount() failed: %v", err)
	}
	return count
}
