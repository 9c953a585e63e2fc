package sync

import (
	"context"
	"testing"

	"github.com/evertrack/eventsync/internal/source"
)

func TestDetect_NewEventIsAdd(t *testing.T) {
	st := newTestStore(t)
	d := NewDetector(st, quietLogger())

	changes, parseErrs, err := d.Detect(context.Background(), []source.RawEvent{
		rawEvent("ev-1", "Concert", "music"),
	})
	if err != nil {
		t.Fatalf("Detect() failed: %v", err)
	}
	if len(parseErrs) != 0 {
		t.Errorf("parse errors: %v", parseErrs)
	}
	if len(changes) != 1 || changes[0].Kind != ChangeAdd {
		t.Fatalf("changes = %+v, want one add", changes)
	}
}

func TestDetect_UnchangedEventDropped(t *testing.T) {
	st := newTestStore(t)
	d := NewDetector(st, quietLogger())

	ev := rawEvent("ev-1", "Concert", "music")
	seedEvent(t, st, ev)

	changes, _, err := d.Detect(context.Background(), []source.RawEvent{ev})
	if err != nil {
		t.Fatalf("Detect() failed: %v", err)
	}
	if len(changes) != 0 {
		t.Errorf("unchanged event produced changes: %+v", changes)
	}
}

func TestDetect_FieldChangeIsUpdateWithPrevious(t *testing.T) {
	st := newTestStore(t)
	d := NewDetector(st, quietLogger())

	stored := rawEvent("ev-1", "Concert", "music")
	seedEvent(t, st, stored)

	fetched := stored
	fetched.Title = "Concert (Rescheduled)"
	fetched.Venue = "Side Stage"

	changes, _, err := d.Detect(context.Background(), []source.RawEvent{fetched})
	if err != nil {
		t.Fatalf("Detect() failed: %v", err)
	}
	if len(changes) != 1 || changes[0].Kind != ChangeUpdate {
		t.Fatalf("changes = %+v, want one update", changes)
	}

	prev := changes[0].Previous
	if prev["title"] != "Concert" {
		t.Errorf("Previous[title] = %v, want Concert", prev["title"])
	}
	if prev["venue"] != "Main Hall" {
		t.Errorf("Previous[venue] = %v, want Main Hall", prev["venue"])
	}
	if _, ok := prev["status"]; ok {
		t.Error("unchanged column status captured in Previous")
	}
	if changes[0].CategoriesChanged {
		t.Error("CategoriesChanged set without a category change")
	}
}

func TestDetect_CategoryOnlyChange(t *testing.T) {
	st := newTestStore(t)
	d := NewDetector(st, quietLogger())

	stored := rawEvent("ev-1", "Concert", "music", "live")
	seedEvent(t, st, stored)

	fetched := stored
	fetched.Categories = []string{"music", "festival"}

	changes, _, err := d.Detect(context.Background(), []source.RawEvent{fetched})
	if err != nil {
		t.Fatalf("Detect() failed: %v", err)
	}
	if len(changes) != 1 {
		t.Fatalf("got %d changes, want 1", len(changes))
	}

	rec := changes[0]
	if rec.Kind != ChangeUpdate || !rec.CategoriesChanged {
		t.Fatalf("rec = %+v, want category update", rec)
	}
	if len(rec.Previous) != 0 {
		t.Errorf("Previous = %v, want empty for category-only change", rec.Previous)
	}
	if len(rec.PrevCategories) != 2 {
		t.Errorf("PrevCategories = %v, want the stored pair", rec.PrevCategories)
	}
}

func TestDetect_OffsetSpellingIsNotAChange(t *testing.T) {
	st := newTestStore(t)
	d := NewDetector(st, quietLogger())

	stored := rawEvent("ev-1", "Concert", "music")
	seedEvent(t, st, stored) // stored as 2026-06-15T19:30:00Z

	// Same instant, different offset spellings
	for _, spelling := range []string{
		"2026-06-15T19:30:00+00:00",
		"2026-06-15T21:30:00+02:00",
	} {
		fetched := stored
		fetched.StartDate = spelling

		changes, _, err := d.Detect(context.Background(), []source.RawEvent{fetched})
		if err != nil {
			t.Fatalf("Detect() failed: %v", err)
		}
		if len(changes) != 0 {
			t.Errorf("spelling %q of the stored instant produced changes: %+v", spelling, changes)
		}
	}
}

func TestDetect_ActualInstantChangeIsDetected(t *testing.T) {
	st := newTestStore(t)
	d := NewDetector(st, quietLogger())

	stored := rawEvent("ev-1", "Concert", "music")
	seedEvent(t, st, stored)

	fetched := stored
	fetched.StartDate = "2026-06-15T20:30:00Z" // one hour later

	changes, _, err := d.Detect(context.Background(), []source.RawEvent{fetched})
	if err != nil {
		t.Fatalf("Detect() failed: %v", err)
	}
	if len(changes) != 1 || changes[0].Kind != ChangeUpdate {
		t.Fatalf("changes = %+v, want one update", changes)
	}
	if changes[0].Previous["start_date"] != "2026-06-15T19:30:00Z" {
		t.Errorf("Previous[start_date] = %v", changes[0].Previous["start_date"])
	}
}

func TestDetect_RepeatedCategoryIsNotAChange(t *testing.T) {
	st := newTestStore(t)
	d := NewDetector(st, quietLogger())

	stored := rawEvent("ev-1", "Concert", "music")
	seedEvent(t, st, stored)

	fetched := stored
	fetched.Categories = []string{"music", "music"}

	changes, _, err := d.Detect(context.Background(), []source.RawEvent{fetched})
	if err != nil {
		t.Fatalf("Detect() failed: %v", err)
	}
	if len(changes) != 0 {
		t.Errorf("repeated category produced changes: %+v", changes)
	}
}

func TestDetect_MissingIDIsParseError(t *testing.T) {
	st := newTestStore(t)
	d := NewDetector(st, quietLogger())

	changes, parseErrs, err := d.Detect(context.Background(), []source.RawEvent{
		{Title: "No ID"},
		rawEvent("ev-1", "Valid"),
	})
	if err != nil {
		t.Fatalf("Detect() failed: %v", err)
	}
	if len(parseErrs) != 1 {
		t.Fatalf("parse errors = %v, want 1", parseErrs)
	}
	if len(changes) != 1 || changes[0].Event.ID != "ev-1" {
		t.Errorf("rejected record leaked into changes: %+v", changes)
	}
}

func TestDetect_DuplicateIDsCollapseToLast(t *testing.T) {
	st := newTestStore(t)
	d := NewDetector(st, quietLogger())

	first := rawEvent("ev-1", "First")
	second := rawEvent("ev-1", "Second")

	changes, _, err := d.Detect(context.Background(), []source.RawEvent{first, second})
	if err != nil {
		t.Fatalf("Detect() failed: %v", err)
	}
	if len(changes) != 1 {
		t.Fatalf("got %d changes, want 1 (duplicates must collapse)", len(changes))
	}
	if changes[0].Event.Title != "Second" {
		t.Errorf("Title = %q, want last occurrence to win", changes[0].Event.Title)
	}
}

func TestDetect_OrderedByID(t *testing.T) {
	st := newTestStore(t)
	d := NewDetector(st, quietLogger())

	changes, _, err := d.Detect(context.Background(), []source.RawEvent{
		rawEvent("ev-c", "C"),
		rawEvent("ev-a", "A"),
		rawEvent("ev-b", "B"),
	})
	if err != nil {
		t.Fatalf("Detect() failed: %v", err)
	}
	ids := []string{changes[0].Event.ID, changes[1].Event.ID, changes[2].Event.ID}
	if ids[0] != "ev-a" || ids[1] != "ev-b" || ids[2] != "ev-c" {
		t.Errorf("change order = %v, want sorted by ID", ids)
	}
}
