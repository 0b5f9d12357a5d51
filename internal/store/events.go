package store

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventRow is a persisted event, used for SSE replay-by-Last-Event-ID and
// for the retention sweep.
type EventRow struct {
	ID        int64
	EventID   string
	Type      string
	DataJSON  string
	CreatedAt time.Time
}

// AppendEvent records an event, returning its durable event ID for SSE
// Last-Event-ID replay.
func (s *Store) AppendEvent(eventType, dataJSON string) (string, error) {
	eventID := uuid.NewString()
	_, err := s.db.Exec(`INSERT INTO events (event_id, type, data_json, created_at) VALUES (?, ?, ?, ?)`,
		eventID, eventType, dataJSON, now())
	if err != nil {
		return "", fmt.Errorf("append event: %w", err)
	}
	return eventID, nil
}

// EventsSince returns every event recorded after the event with the given
// ID, in order, for SSE clients reconnecting with Last-Event-ID. An empty
// afterEventID returns everything.
func (s *Store) EventsSince(afterEventID string) ([]EventRow, error) {
	var afterRowID int64
	if afterEventID != "" {
		if err := s.db.QueryRow(`SELECT id FROM events WHERE event_id = ?`, afterEventID).Scan(&afterRowID); err != nil {
			afterRowID = 0
		}
	}
	r, err := s.db.Query(`SELECT id, event_id, type, data_json, created_at FROM events WHERE id > ? ORDER BY id`, afterRowID)
	if err != nil {
		return nil, fmt.Errorf("query events since: %w", err)
	}
	defer r.Close()

	var out []EventRow
	for r.Next() {
		var e EventRow
		if err := r.Scan(&e.ID, &e.EventID, &e.Type, &e.DataJSON, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, r.Err()
}

// TrimEventsOlderThan deletes events older than the retention window, part
// of the periodic retention sweep run by RunRetentionLoop.
func (s *Store) TrimEventsOlderThan(d time.Duration) (int64, error) {
	cutoff := now().Add(-d)
	res, err := s.db.Exec(`DELETE FROM events WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("trim events: %w", err)
	}
	return res.RowsAffected()
}
