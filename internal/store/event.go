package store

import (
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

// EventKind classifies a fired trigger.
type EventKind string

const (
	// EventKindStart marks the beginning of a recording session.
	EventKindStart EventKind = "start"
	// EventKindStop marks the end of a recording session.
	EventKindStop EventKind = "stop"
	// EventKindAction marks a fired V-sign action.
	EventKindAction EventKind = "action"
)

// TriggerEvent represents one fired trigger stored in the database.
type TriggerEvent struct {
	ID         string
	Kind       EventKind
	FiredAt    time.Time
	Confidence float64
	X          float64
	Y          float64
	CreatedAt  time.Time
}

// EventRepository provides access to the trigger event log.
type EventRepository struct {
	db *sql.DB
}

// Events returns the trigger event repository for this store.
func (s *Store) Events() *EventRepository {
	return &EventRepository{db: s.db}
}

// Insert records a fired trigger. A missing ID is generated.
func (r *EventRepository) Insert(e *TriggerEvent) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}

	_, err := r.db.Exec(
		`INSERT INTO trigger_events (id, kind, fired_at, confidence, x, y, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, string(e.Kind), e.FiredAt, e.Confidence, e.X, e.Y, e.CreatedAt,
	)
	return err
}

// GetByID retrieves a trigger event by its ID.
func (r *EventRepository) GetByID(id string) (*TriggerEvent, error) {
	e := &TriggerEvent{}
	var kind string

	err := r.db.QueryRow(
		`SELECT id, kind, fired_at, confidence, x, y, created_at
		 FROM trigger_events WHERE id = ?`,
		id,
	).Scan(&e.ID, &kind, &e.FiredAt, &e.Confidence, &e.X, &e.Y, &e.CreatedAt)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	e.Kind = EventKind(kind)
	return e, nil
}

// Recent returns up to limit events, newest first.
func (r *EventRepository) Recent(limit int) ([]*TriggerEvent, error) {
	rows, err := r.db.Query(
		`SELECT id, kind, fired_at, confidence, x, y, created_at
		 FROM trigger_events ORDER BY fired_at DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*TriggerEvent
	for rows.Next() {
		e := &TriggerEvent{}
		var kind string
		if err := rows.Scan(&e.ID, &kind, &e.FiredAt, &e.Confidence, &e.X, &e.Y, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Kind = EventKind(kind)
		events = append(events, e)
	}
	return events, rows.Err()
}

// CountByKind returns the number of stored events per kind.
func (r *EventRepository) CountByKind() (map[EventKind]int, error) {
	rows, err := r.db.Query(`SELECT kind, COUNT(*) FROM trigger_events GROUP BY kind`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[EventKind]int)
	for rows.Next() {
		var kind string
		var n int
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, err
		}
		counts[EventKind(kind)] = n
	}
	return counts, rows.Err()
}

// PruneBefore deletes events fired before the cutoff and reports how many
// rows were removed.
func (r *EventRepository) PruneBefore(cutoff time.Time) (int64, error) {
	res, err := r.db.Exec(`DELETE FROM trigger_events WHERE fired_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
