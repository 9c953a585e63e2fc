package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"
)

// EventRow is a stored event as held in the events table.
// Categories live in event_categories and are loaded separately.
type EventRow struct {
	ID        string
	Title     string
	Status    string
	StartDate *time.Time
	Venue     string
	UpdatedAt time.Time
	SyncedAt  time.Time
}

// EventColumns is the allowlist of patchable event columns. The generic
// field patch used by updates and checkpoint rollback refuses anything
// outside this list.
var EventColumns = map[string]bool{
	"title":      true,
	"status":     true,
	"start_date": true,
	"venue":      true,
	"updated_at": true,
}

// GetEvent retrieves a single event by ID.
// Returns sql.ErrNoRows if the event is not found.
func (s *Store) GetEvent(ctx context.Context, id string) (*EventRow, error) {
	row := s.conn.QueryRowContext(ctx, `
	SELECT id, title, status, start_date, venue, updated_at, synced_at
	FROM events WHERE id = ?`, id)

	ev, err := scanEvent(row)
	if err != nil {
		return nil, err
	}
	return ev, nil
}

// GetEventsByIDs retrieves the stored events for the given IDs, keyed by ID.
// Missing IDs are simply absent from the result map.
func (s *Store) GetEventsByIDs(ctx context.Context, ids []string) (map[string]*EventRow, error) {
	result := make(map[string]*EventRow, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	// Chunk to stay under SQLite's bound-parameter limit
	const chunkSize = 500
	for start := 0; start < len(ids); start += chunkSize {
		end := start + chunkSize
		if end > len(ids) {
			end = len(ids)
		}
		chunk := ids[start:end]

		placeholders := strings.Repeat("?,", len(chunk))
		placeholders = placeholders[:len(placeholders)-1]

		args := make([]interface{}, len(chunk))
		for i, id := range chunk {
			args[i] = id
		}

		rows, err := s.conn.QueryContext(ctx, `
		SELECT id, title, status, start_date, venue, updated_at, synced_at
		FROM events WHERE id IN (`+placeholders+`)`, args...)
		if err != nil {
			return nil, fmt.Errorf("failed to query events: %w", err)
		}

		for rows.Next() {
			ev, err := scanEvent(rows)
			if err != nil {
				rows.Close()
				return nil, err
			}
			result[ev.ID] = ev
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, fmt.Errorf("error iterating events: %w", err)
		}
		rows.Close()
	}

	return result, nil
}

// GetEventTx retrieves a single event through the given transaction, so
// the caller sees its own uncommitted writes.
// Returns sql.ErrNoRows if the event is not found.
func (s *Store) GetEventTx(ctx context.Context, tx *sql.Tx, id string) (*EventRow, error) {
	row := tx.QueryRowContext(ctx, `
	SELECT id, title, status, start_date, venue, updated_at, synced_at
	FROM events WHERE id = ?`, id)

	ev, err := scanEvent(row)
	if err != nil {
		return nil, err
	}
	return ev, nil
}

// GetCategoriesTx returns an event's category set through the given
// transaction, sorted.
func (s *Store) GetCategoriesTx(ctx context.Context, tx *sql.Tx, eventID string) ([]string, error) {
	rows, err := tx.QueryContext(ctx,
		"SELECT category FROM event_categories WHERE event_id = ? ORDER BY category", eventID)
	if err != nil {
		return nil, fmt.Errorf("failed to query categories for %s: %w", eventID, err)
	}
	defer rows.Close()

	var cats []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, fmt.Errorf("failed to scan category: %w", err)
		}
		cats = append(cats, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating categories: %w", err)
	}
	return cats, nil
}

// InsertEventTx inserts a new event inside the given transaction.
func (s *Store) InsertEventTx(ctx context.Context, tx *sql.Tx, ev *EventRow) error {
	_, err := tx.ExecContext(ctx, `
	INSERT INTO events (id, title, status, start_date, venue, updated_at, synced_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.ID,
		ev.Title,
		ev.Status,
		timeToNullString(ev.StartDate),
		ev.Venue,
		ev.UpdatedAt.Format(time.RFC3339),
		ev.SyncedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to insert event %s: %w", ev.ID, err)
	}
	return nil
}

// PatchEventTx applies a generic column→value patch to one event inside the
// given transaction. Columns must be in the EventColumns allowlist; the
// statement is built with parameterized values only.
func (s *Store) PatchEventTx(ctx context.Context, tx *sql.Tx, id string, fields map[string]interface{}) error {
	if len(fields) == 0 {
		return nil
	}

	// Deterministic column order for reproducible statements
	cols := make([]string, 0, len(fields))
	for col := range fields {
		if !EventColumns[col] {
			return fmt.Errorf("column %q is not patchable", col)
		}
		cols = append(cols, col)
	}
	sort.Strings(cols)

	var (
		sets []string
		args []interface{}
	)
	for _, col := range cols {
		sets = append(sets, quoteIdent(col)+" = ?")
		args = append(args, fields[col])
	}
	args = append(args, id)

	query := "UPDATE events SET " + strings.Join(sets, ", ") + " WHERE id = ?"
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to patch event %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected for event %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("event %s not found for patch", id)
	}
	return nil
}

// DeleteEventsTx removes events by ID inside the given transaction.
// Cascading deletes remove their categories.
func (s *Store) DeleteEventsTx(ctx context.Context, tx *sql.Tx, ids []string) error {
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, "DELETE FROM events WHERE id = ?", id); err != nil {
			return fmt.Errorf("failed to delete event %s: %w", id, err)
		}
	}
	return nil
}

// GetCategories returns the category set for an event, sorted.
func (s *Store) GetCategories(ctx context.Context, eventID string) ([]string, error) {
	rows, err := s.conn.QueryContext(ctx,
		"SELECT category FROM event_categories WHERE event_id = ? ORDER BY category", eventID)
	if err != nil {
		return nil, fmt.Errorf("failed to query categories for %s: %w", eventID, err)
	}
	defer rows.Close()

	var cats []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, fmt.Errorf("failed to scan category: %w", err)
		}
		cats = append(cats, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating categories: %w", err)
	}
	return cats, nil
}

// GetCategoriesByEventIDs returns the category sets for many events at once.
func (s *Store) GetCategoriesByEventIDs(ctx context.Context, ids []string) (map[string][]string, error) {
	result := make(map[string][]string, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	const chunkSize = 500
	for start := 0; start < len(ids); start += chunkSize {
		end := start + chunkSize
		if end > len(ids) {
			end = len(ids)
		}
		chunk := ids[start:end]

		placeholders := strings.Repeat("?,", len(chunk))
		placeholders = placeholders[:len(placeholders)-1]

		args := make([]interface{}, len(chunk))
		for i, id := range chunk {
			args[i] = id
		}

		rows, err := s.conn.QueryContext(ctx, `
		SELECT event_id, category FROM event_categories
		WHERE event_id IN (`+placeholders+`) ORDER BY event_id, category`, args...)
		if err != nil {
			return nil, fmt.Errorf("failed to query categories: %w", err)
		}

		for rows.Next() {
			var id, cat string
			if err := rows.Scan(&id, &cat); err != nil {
				rows.Close()
				return nil, fmt.Errorf("failed to scan category: %w", err)
			}
			result[id] = append(result[id], cat)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, fmt.Errorf("error iterating categories: %w", err)
		}
		rows.Close()
	}

	return result, nil
}

// InsertCategoryTx adds one category row inside the given transaction.
func (s *Store) InsertCategoryTx(ctx context.Context, tx *sql.Tx, eventID, category string) error {
	_, err := tx.ExecContext(ctx,
		"INSERT INTO event_categories (event_id, category) VALUES (?, ?)", eventID, category)
	if err != nil {
		return fmt.Errorf("failed to insert category %s/%s: %w", eventID, category, err)
	}
	return nil
}

// DeleteCategoryTx removes one category row inside the given transaction.
func (s *Store) DeleteCategoryTx(ctx context.Context, tx *sql.Tx, eventID, category string) error {
	_, err := tx.ExecContext(ctx,
		"DELETE FROM event_categories WHERE event_id = ? AND category = ?", eventID, category)
	if err != nil {
		return fmt.Errorf("failed to delete category %s/%s: %w", eventID, category, err)
	}
	return nil
}

// GetEventCount returns the total number of events in the store.
func (s *Store) GetEventCount(ctx context.Context) (int, error) {
	var count int
	err := s.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM events").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to get event count: %w", err)
	}
	return count, nil
}

// GetCategoryCount returns the total number of category rows in the store.
func (s *Store) GetCategoryCount(ctx context.Context) (int, error) {
	var count int
	err := s.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM event_categories").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to get category count: %w", err)
	}
	return count, nil
}

// VenueFillRate returns the fraction of events with a non-empty venue.
// Returns 1.0 for an empty store so a fresh database never reads as a drop.
func (s *Store) VenueFillRate(ctx context.Context) (float64, error) {
	var total, filled int
	err := s.conn.QueryRowContext(ctx, `
	SELECT COUNT(*), COUNT(CASE WHEN venue IS NOT NULL AND venue != '' THEN 1 END)
	FROM events`).Scan(&total, &filled)
	if err != nil {
		return 0, fmt.Errorf("failed to compute venue fill rate: %w", err)
	}
	if total == 0 {
		return 1.0, nil
	}
	return float64(filled) / float64(total), nil
}

// DuplicateBusinessKeys returns (title, start_date) pairs that appear on
// more than one event. The remote catalog guarantees this pair is unique,
// so duplicates indicate a corrupted sync.
func (s *Store) DuplicateBusinessKeys(ctx context.Context) ([]string, error) {
	rows, err := s.conn.QueryContext(ctx, `
	SELECT title, COALESCE(start_date, ''), COUNT(*)
	FROM events
	GROUP BY title, start_date
	HAVING COUNT(*) > 1`)
	if err != nil {
		return nil, fmt.Errorf("failed to query duplicate keys: %w", err)
	}
	defer rows.Close()

	var dupes []string
	for rows.Next() {
		var title, date string
		var n int
		if err := rows.Scan(&title, &date, &n); err != nil {
			return nil, fmt.Errorf("failed to scan duplicate key: %w", err)
		}
		dupes = append(dupes, fmt.Sprintf("%s @ %s (x%d)", title, date, n))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating duplicate keys: %w", err)
	}
	return dupes, nil
}

// MissingChildrenRatio returns the fraction of events with no category rows.
func (s *Store) MissingChildrenRatio(ctx context.Context) (float64, error) {
	var total, orphaned int
	err := s.conn.QueryRowContext(ctx, `
	SELECT
		(SELECT COUNT(*) FROM events),
		(SELECT COUNT(*) FROM events e
		 WHERE NOT EXISTS (SELECT 1 FROM event_categories c WHERE c.event_id = e.id))`).
		Scan(&total, &orphaned)
	if err != nil {
		return 0, fmt.Errorf("failed to compute missing children ratio: %w", err)
	}
	if total == 0 {
		return 0, nil
	}
	return float64(orphaned) / float64(total), nil
}

// DatesOutsideRange counts events whose start_date falls outside [floor, ceiling].
// datetime() normalizes offset spellings, so rows written before dates
// were canonicalized to UTC still compare by instant.
func (s *Store) DatesOutsideRange(ctx context.Context, floor, ceiling time.Time) (int, error) {
	var count int
	err := s.conn.QueryRowContext(ctx, `
	SELECT COUNT(*) FROM events
	WHERE start_date IS NOT NULL
	  AND (datetime(start_date) < datetime(?) OR datetime(start_date) > datetime(?))`,
		floor.UTC().Format(time.RFC3339), ceiling.UTC().Format(time.RFC3339)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count out-of-range dates: %w", err)
	}
	return count, nil
}

// scanner abstracts sql.Row and sql.Rows for scanEvent.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEvent(row scanner) (*EventRow, error) {
	var (
		ev                  EventRow
		startDate           sql.NullString
		venue               sql.NullString
		updatedAt, syncedAt string
	)

	err := row.Scan(&ev.ID, &ev.Title, &ev.Status, &startDate, &venue, &updatedAt, &syncedAt)
	if err != nil {
		return nil, err
	}

	ev.StartDate = nullStringToTime(startDate)
	ev.Venue = venue.String
	if t, err := time.Parse(time.RFC3339, updatedAt); err == nil {
		ev.UpdatedAt = t
	}
	if t, err := time.Parse(time.RFC3339, syncedAt); err == nil {
		ev.SyncedAt = t
	}

	return &ev, nil
}

// timeToNullString converts a time pointer to a nullable string for SQL.
func timeToNullString(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: t.Format(time.RFC3339), Valid: true}
}

// nullStringToTime converts a nullable SQL string to a time pointer.
func nullStringToTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, ns.String)
	if err != nil {
		return nil
	}
	return &t
}
