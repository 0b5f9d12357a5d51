package store

import (
	"database/sql"
	"errors"
	"fmt"
)

// ErrWorkflowStateNotFound is returned when no workflow state row exists for
// a task.
var ErrWorkflowStateNotFound = errors.New("workflow state not found")

// SaveWorkflowState upserts a workflow's persisted state as an opaque JSON
// blob. The workflow package owns the schema of contextJSON; the store only
// needs grimoireName/currentStep/status for scheduler-level queries (e.g.
// "list interrupted workflows") without deserializing the full context.
func (s *Store) SaveWorkflowState(taskID, grimoireName string, currentStep int, status, contextJSON, loopStateJSON string) error {
	_, err := s.db.Exec(`INSERT INTO workflow_states
		(task_id, grimoire_name, current_step, status, context_json, loop_state_json, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(task_id) DO UPDATE SET
			grimoire_name = excluded.grimoire_name,
			current_step = excluded.current_step,
			status = excluded.status,
			context_json = excluded.context_json,
			loop_state_json = excluded.loop_state_json,
			updated_at = excluded.updated_at`,
		taskID, grimoireName, currentStep, status, contextJSON, loopStateJSON, now())
	if err != nil {
		return fmt.Errorf("save workflow state: %w", err)
	}
	return nil
}

// WorkflowStateRow is the raw persisted row for a workflow; the workflow
// package unmarshals ContextJSON/LoopStateJSON into its own types.
type WorkflowStateRow struct {
	TaskID        string
	GrimoireName  string
	CurrentStep   int
	Status        string
	ContextJSON   string
	LoopStateJSON string
}

// LoadWorkflowState returns the persisted row for a task, or
// ErrWorkflowStateNotFound.
func (s *Store) LoadWorkflowState(taskID string) (WorkflowStateRow, error) {
	var row WorkflowStateRow
	err := s.db.QueryRow(`SELECT task_id, grimoire_name, current_step, status, context_json, loop_state_json
		FROM workflow_states WHERE task_id = ?`, taskID).
		Scan(&row.TaskID, &row.GrimoireName, &row.CurrentStep, &row.Status, &row.ContextJSON, &row.LoopStateJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return WorkflowStateRow{}, ErrWorkflowStateNotFound
	}
	if err != nil {
		return WorkflowStateRow{}, fmt.Errorf("load workflow state: %w", err)
	}
	return row, nil
}

// DeleteWorkflowState removes the persisted state for a task, once the
// workflow reaches a terminal status.
func (s *Store) DeleteWorkflowState(taskID string) error {
	_, err := s.db.Exec(`DELETE FROM workflow_states WHERE task_id = ?`, taskID)
	return err
}

// ListWorkflowStatesByStatus returns all workflow state rows with a given
// status, used on daemon startup to find interrupted ("running") workflows
// to resume.
func (s *Store) ListWorkflowStatesByStatus(status string) ([]WorkflowStateRow, error) {
	rows, err := s.db.Query(`SELECT task_id, grimoire_name, current_step, status, context_json, loop_state_json
		FROM workflow_states WHERE status = ?`, status)
	if err != nil {
		return nil, fmt.Errorf("list workflow states: %w", err)
	}
	defer rows.Close()

	var out []WorkflowStateRow
	for rows.Next() {
		var row WorkflowStateRow
		if err := rows.Scan(&row.TaskID, &row.GrimoireName, &row.CurrentStep, &row.Status, &row.ContextJSON, &row.LoopStateJSON); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
