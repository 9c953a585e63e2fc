package store

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

// testStorePath returns a temporary path for test databases
func testStorePath(t *testing.T) string {
	tmpDir := t.TempDir()
	return filepath.Join(tmpDir, "test.db")
}

// openTestStore opens and initializes a store for testing
func openTestStore(t *testing.T) *Store {
	t.Helper()

	st, err := Open(testStorePath(t))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	if err := st.InitSchema(); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}
	return st
}

// insertTestEvent inserts one event with optional categories
func insertTestEvent(t *testing.T, st *Store, ev *EventRow, categories ...string) {
	t.Helper()

	ctx := context.Background()
	tx, err := st.BeginTx(ctx)
	if err != nil {
		t.Fatalf("BeginTx() failed: %v", err)
	}
	if err := st.InsertEventTx(ctx, tx, ev); err != nil {
		t.Fatalf("InsertEventTx() failed: %v", err)
	}
	for _, cat := range categories {
		if err := st.InsertCategoryTx(ctx, tx, ev.ID, cat); err != nil {
			t.Fatalf("InsertCategoryTx() failed: %v", err)
		}
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit() failed: %v", err)
	}
}

func testEvent(id string) *EventRow {
	start := time.Date(2026, 6, 15, 19, 30, 0, 0, time.UTC)
	return &EventRow{
		ID:        id,
		Title:     "Concert " + id,
		Status:    "scheduled",
		StartDate: &start,
		Venue:     "Main Hall",
		UpdatedAt: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC),
		SyncedAt:  time.Date(2026, 5, 1, 12, 5, 0, 0, time.UTC),
	}
}

func TestOpen_Success(t *testing.T) {
	path := testStorePath(t)
	st, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer st.Close()

	if st.Path() != path {
		t.Errorf("Path() = %q, want %q", st.Path(), path)
	}
	if err := st.Ping(context.Background()); err != nil {
		t.Errorf("Ping() failed: %v", err)
	}
}

func TestInitSchema_CreatesTables(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	for _, table := range []string{"events", "event_categories", "sync_runs", "sync_lock"} {
		exists, err := st.TableExists(ctx, table)
		if err != nil {
			t.Fatalf("TableExists(%s) failed: %v", table, err)
		}
		if !exists {
			t.Errorf("Table %s does not exist", table)
		}
	}
}

func TestInitSchema_Idempotent(t *testing.T) {
	st := openTestStore(t)

	if err := st.InitSchema(); err != nil {
		t.Fatalf("second InitSchema() failed: %v", err)
	}
}

func TestColumnExists(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	ok, err := st.ColumnExists(ctx, "events", "venue")
	if err != nil {
		t.Fatalf("ColumnExists() failed: %v", err)
	}
	if !ok {
		t.Error("events.venue should exist")
	}

	ok, err = st.ColumnExists(ctx, "events", "no_such_column")
	if err != nil {
		t.Fatalf("ColumnExists() failed: %v", err)
	}
	if ok {
		t.Error("events.no_such_column should not exist")
	}
}

func TestInsertAndGetEvent(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	insertTestEvent(t, st, testEvent("ev-1"), "music", "live")

	got, err := st.GetEvent(ctx, "ev-1")
	if err != nil {
		t.Fatalf("GetEvent() failed: %v", err)
	}
	if got.Title != "Concert ev-1" {
		t.Errorf("Title = %q, want %q", got.Title, "Concert ev-1")
	}
	if got.StartDate == nil || !got.StartDate.Equal(time.Date(2026, 6, 15, 19, 30, 0, 0, time.UTC)) {
		t.Errorf("StartDate = %v, want 2026-06-15T19:30:00Z", got.StartDate)
	}

	cats, err := st.GetCategories(ctx, "ev-1")
	if err != nil {
		t.Fatalf("GetCategories() failed: %v", err)
	}
	if len(cats) != 2 || cats[0] != "live" || cats[1] != "music" {
		t.Errorf("categories = %v, want [live music]", cats)
	}
}

func TestGetEvent_NotFound(t *testing.T) {
	st := openTestStore(t)

	_, err := st.GetEvent(context.Background(), "missing")
	if !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("expected sql.ErrNoRows, got %v", err)
	}
}

func TestGetEventsByIDs(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	insertTestEvent(t, st, testEvent("ev-1"))
	insertTestEvent(t, st, testEvent("ev-2"))

	got, err := st.GetEventsByIDs(ctx, []string{"ev-1", "ev-2", "ev-3"})
	if err != nil {
		t.Fatalf("GetEventsByIDs() failed: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("got %d events, want 2", len(got))
	}
	if _, ok := got["ev-3"]; ok {
		t.Error("missing ID ev-3 should be absent from the result")
	}
}

func TestPatchEventTx_Success(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	insertTestEvent(t, st, testEvent("ev-1"))

	tx, err := st.BeginTx(ctx)
	if err != nil {
		t.Fatalf("BeginTx() failed: %v", err)
	}
	err = st.PatchEventTx(ctx, tx, "ev-1", map[string]interface{}{
		"title":  "Renamed",
		"status": "cancelled",
	})
	if err != nil {
		t.Fatalf("PatchEventTx() failed: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit() failed: %v", err)
	}

	got, err := st.GetEvent(ctx, "ev-1")
	if err != nil {
		t.Fatalf("GetEvent() failed: %v", err)
	}
	if got.Title != "Renamed" || got.Status != "cancelled" {
		t.Errorf("after patch: title=%q status=%q", got.Title, got.Status)
	}
	if got.Venue != "Main Hall" {
		t.Errorf("untouched column changed: venue=%q", got.Venue)
	}
}

func TestPatchEventTx_RejectsUnknownColumn(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	insertTestEvent(t, st, testEvent("ev-1"))

	tx, err := st.BeginTx(ctx)
	if err != nil {
		t.Fatalf("BeginTx() failed: %v", err)
	}
	defer tx.Rollback()

	err = st.PatchEventTx(ctx, tx, "ev-1", map[string]interface{}{"id": "hijacked"})
	if err == nil {
		t.Fatal("expected error patching non-allowlisted column")
	}
}

func TestPatchEventTx_MissingEvent(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	tx, err := st.BeginTx(ctx)
	if err != nil {
		t.Fatalf("BeginTx() failed: %v", err)
	}
	defer tx.Rollback()

	err = st.PatchEventTx(ctx, tx, "missing", map[string]interface{}{"title": "x"})
	if err == nil {
		t.Fatal("expected error patching missing event")
	}
}

func TestDeleteEventsTx_CascadesCategories(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	insertTestEvent(t, st, testEvent("ev-1"), "music")

	tx, err := st.BeginTx(ctx)
	if err != nil {
		t.Fatalf("BeginTx() failed: %v", err)
	}
	if err := st.DeleteEventsTx(ctx, tx, []string{"ev-1"}); err != nil {
		t.Fatalf("DeleteEventsTx() failed: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit() failed: %v", err)
	}

	count, err := st.GetCategoryCount(ctx)
	if err != nil {
		t.Fatalf("GetCategoryCount() failed: %v", err)
	}
	if count != 0 {
		t.Errorf("category rows remain after cascade delete: %d", count)
	}
}

func TestVenueFillRate(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	// Empty store reads as fully filled
	rate, err := st.VenueFillRate(ctx)
	if err != nil {
		t.Fatalf("VenueFillRate() failed: %v", err)
	}
	if rate != 1.0 {
		t.Errorf("empty store fill rate = %v, want 1.0", rate)
	}

	withVenue := testEvent("ev-1")
	noVenue := testEvent("ev-2")
	noVenue.Venue = ""
	insertTestEvent(t, st, withVenue)
	insertTestEvent(t, st, noVenue)

	rate, err = st.VenueFillRate(ctx)
	if err != nil {
		t.Fatalf("VenueFillRate() failed: %v", err)
	}
	if rate != 0.5 {
		t.Errorf("fill rate = %v, want 0.5", rate)
	}
}

func TestDuplicateBusinessKeys(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	a := testEvent("ev-1")
	b := testEvent("ev-2")
	b.Title = a.Title // same title, same start date
	insertTestEvent(t, st, a)
	insertTestEvent(t, st, b)

	dupes, err := st.DuplicateBusinessKeys(ctx)
	if err != nil {
		t.Fatalf("DuplicateBusinessKeys() failed: %v", err)
	}
	if len(dupes) != 1 {
		t.Errorf("got %d duplicate keys, want 1: %v", len(dupes), dupes)
	}
}

func TestMissingChildrenRatio(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	insertTestEvent(t, st, testEvent("ev-1"), "music")
	insertTestEvent(t, st, testEvent("ev-2"))

	ratio, err := st.MissingChildrenRatio(ctx)
	if err != nil {
		t.Fatalf("MissingChildrenRatio() failed: %v", err)
	}
	if ratio != 0.5 {
		t.Errorf("ratio = %v, want 0.5", ratio)
	}
}

func TestDatesOutsideRange(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	old := testEvent("ev-old")
	ancient := time.Date(1999, 1, 1, 0, 0, 0, 0, time.UTC)
	old.StartDate = &ancient
	insertTestEvent(t, st, old)
	insertTestEvent(t, st, testEvent("ev-ok"))

	floor := time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)
	ceiling := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	count, err := st.DatesOutsideRange(ctx, floor, ceiling)
	if err != nil {
		t.Fatalf("DatesOutsideRange() failed: %v", err)
	}
	if count != 1 {
		t.Errorf("count = %d, want 1", count)
	}
}

func TestDatesOutsideRange_OffsetSpellingComparesByInstant(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	// 2030-01-01T01:00:00+02:00 is 2029-12-31T23:00:00Z: inside the
	// range by instant, outside it by string order
	offset := time.Date(2030, 1, 1, 1, 0, 0, 0, time.FixedZone("EET", 2*3600))
	ev := testEvent("ev-offset")
	ev.StartDate = &offset
	insertTestEvent(t, st, ev)

	floor := time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)
	ceiling := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	count, err := st.DatesOutsideRange(ctx, floor, ceiling)
	if err != nil {
		t.Fatalf("DatesOutsideRange() failed: %v", err)
	}
	if count != 0 {
		t.Errorf("count = %d, want 0 (instant is in range)", count)
	}
}

func TestForeignKeyViolations_Clean(t *testing.T) {
	st := openTestStore(t)

	insertTestEvent(t, st, testEvent("ev-1"), "music")

	violations, err := st.ForeignKeyViolations(context.Background())
	if err != nil {
		t.Fatalf("ForeignKeyViolations() failed: %v", err)
	}
	if violations != 0 {
		t.Errorf("violations = %d, want 0", violations)
	}
}
