package store

import (
	"database/sql"
	"fmt"
	"time"
)

// HistoryEntry is one field-level change record for a task, per spec.md
// §4.1's `history` bucket (task_id/timestamp → change record).
type HistoryEntry struct {
	ID        int64     `json:"id"`
	TaskID    string    `json:"task_id"`
	Actor     string    `json:"actor"`
	Field     string    `json:"field"`
	OldValue  string    `json:"old_value,omitempty"`
	NewValue  string    `json:"new_value,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// SystemActor is the actor recorded for changes the daemon itself makes
// rather than a named agent or operator, e.g. ReleaseStaleClaims reverting
// an expired claim.
const SystemActor = "system"

// appendHistory records a field-level change for a task inside tx, used by
// Claim and ReleaseStaleClaims to satisfy spec.md §4.1's "logs history" /
// "log system history entries" requirements.
func appendHistory(tx *sql.Tx, taskID, actor, field, oldValue, newValue string) error {
	_, err := tx.Exec(`INSERT INTO history (task_id, actor, field, old_value, new_value, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		taskID, actor, field, oldValue, newValue, now())
	if err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	return nil
}

// TaskHistory returns every history entry recorded for a task, oldest first.
func (s *Store) TaskHistory(taskID string) ([]HistoryEntry, error) {
	rows, err := s.db.Query(`SELECT id, task_id, actor, field, old_value, new_value, created_at
		FROM history WHERE task_id = ? ORDER BY id`, taskID)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		if err := rows.Scan(&e.ID, &e.TaskID, &e.Actor, &e.Field, &e.OldValue, &e.NewValue, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
