package sync

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	"time"

	"github.com/evertrack/eventsync/internal/source"
	"github.com/evertrack/eventsync/internal/store"
)

// Detector diffs fetched events against the local store and emits typed
// change records. Unchanged events are dropped; events missing an ID are
// rejected as parse errors and never enter the change set.
type Detector struct {
	store  *store.Store
	logger *log.Logger
}

// NewDetector creates a Detector. If logger is nil, a default logger
// writing to stderr is used.
func NewDetector(st *store.Store, logger *log.Logger) *Detector {
	if logger == nil {
		logger = log.New(os.Stderr, "[detect] ", log.LstdFlags)
	}
	return &Detector{
		store:  st,
		logger: logger,
	}
}

// Detect compares raw events against stored rows and returns the change
// set plus the parse errors for rejected records.
//
// Duplicate IDs in the input collapse to the last occurrence, so a single
// ID can never appear in two change records (and therefore never in two
// batches). The result is ordered by event ID for deterministic planning.
func (d *Detector) Detect(ctx context.Context, raw []source.RawEvent) ([]ChangeRecord, []string, error) {
	var parseErrors []string

	// Last occurrence wins for duplicate IDs in one fetch window
	byID := make(map[string]source.RawEvent, len(raw))
	var order []string
	for i, ev := range raw {
		if ev.ID == "" {
			msg := fmt.Sprintf("record %d: missing required id (title=%q)", i, ev.Title)
			d.logger.Printf("Parse error: %s", msg)
			parseErrors = append(parseErrors, msg)
			continue
		}
		if _, seen := byID[ev.ID]; !seen {
			order = append(order, ev.ID)
		}
		byID[ev.ID] = ev
	}
	sort.Strings(order)

	stored, err := d.store.GetEventsByIDs(ctx, order)
	if err != nil {
		return nil, parseErrors, fmt.Errorf("failed to load stored events: %w", err)
	}
	storedCats, err := d.store.GetCategoriesByEventIDs(ctx, order)
	if err != nil {
		return nil, parseErrors, fmt.Errorf("failed to load stored categories: %w", err)
	}

	var changes []ChangeRecord
	for _, id := range order {
		ev := byID[id]
		row, exists := stored[id]
		if !exists {
			changes = append(changes, ChangeRecord{Kind: ChangeAdd, Event: ev})
			continue
		}

		rec, changed := diffEvent(ev, row, storedCats[id])
		if changed {
			changes = append(changes, rec)
		}
	}

	d.logger.Printf("Detected %d changes from %d fetched records (%d parse errors)",
		len(changes), len(raw), len(parseErrors))
	return changes, parseErrors, nil
}

// diffEvent compares one fetched event against its stored row across the
// tracked fields and builds an update record capturing previous values.
func diffEvent(ev source.RawEvent, row *store.EventRow, prevCats []string) (ChangeRecord, bool) {
	previous := make(map[string]interface{})

	if ev.Title != row.Title {
		previous["title"] = row.Title
	}
	if ev.Status != row.Status {
		previous["status"] = row.Status
	}
	if !sameInstant(ev.StartDate, row.StartDate) {
		previous["start_date"] = formatDate(row.StartDate)
	}
	if ev.Venue != row.Venue {
		previous["venue"] = row.Venue
	}

	catsChanged := !equalSets(ev.Categories, prevCats)

	if len(previous) == 0 && !catsChanged {
		return ChangeRecord{}, false
	}

	rec := ChangeRecord{
		Kind:              ChangeUpdate,
		Event:             ev,
		Previous:          previous,
		CategoriesChanged: catsChanged,
	}
	if catsChanged {
		rec.PrevCategories = append([]string(nil), prevCats...)
	}
	return rec, true
}

func formatDate(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(time.RFC3339)
}

// sameInstant reports whether a raw RFC3339 date names the same instant
// as the stored one. The source spells zero offsets inconsistently
// ("Z" vs "+00:00"); a spelling difference is not a change. An
// unparseable raw date is treated as changed so it surfaces downstream.
func sameInstant(raw string, stored *time.Time) bool {
	if raw == "" {
		return stored == nil
	}
	if stored == nil {
		return false
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return false
	}
	return t.Equal(*stored)
}

// equalSets compares two category lists as sets. Duplicates carry no
// meaning, so a repeated category is not a difference.
func equalSets(a, b []string) bool {
	as := make(map[string]bool, len(a))
	for _, s := range a {
		as[s] = true
	}
	bs := make(map[string]bool, len(b))
	for _, s := range b {
		bs[s] = true
	}
	if len(as) != len(bs) {
		return false
	}
	for s := range as {
		if !bs[s] {
			return false
		}
	}
	return true
}
