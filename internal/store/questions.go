package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrQuestionNotFound is returned when a question lookup finds no row.
var ErrQuestionNotFound = errors.New("question not found")

// QuestionRow is the persisted representation of an agent question; the
// questions package owns the richer Question type and converts to/from this.
type QuestionRow struct {
	ID          string
	TaskID      string
	WorkflowID  string
	StepName    string
	StepIndex   int
	StepTaskID  string
	Type        string
	Text        string
	RawContext  string
	Options     []string
	Sequence    int
	DetectedAt  time.Time
	AnsweredAt  *time.Time
	Answer      string
	DeliveredAt *time.Time
	Error       string
}

// SaveQuestion upserts a question row.
func (s *Store) SaveQuestion(q QuestionRow) error {
	opts, err := json.Marshal(q.Options)
	if err != nil {
		return fmt.Errorf("marshal options: %w", err)
	}
	_, err = s.db.Exec(`INSERT INTO questions
		(id, task_id, workflow_id, step_name, step_index, step_task_id, type, text, raw_context,
		 options_json, sequence, detected_at, answered_at, answer, delivered_at, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			answered_at = excluded.answered_at,
			answer = excluded.answer,
			delivered_at = excluded.delivered_at,
			error = excluded.error`,
		q.ID, q.TaskID, q.WorkflowID, q.StepName, q.StepIndex, q.StepTaskID, q.Type, q.Text, q.RawContext,
		string(opts), q.Sequence, q.DetectedAt, q.AnsweredAt, q.Answer, q.DeliveredAt, q.Error)
	if err != nil {
		return fmt.Errorf("save question: %w", err)
	}
	return nil
}

// GetQuestion returns a question by ID.
func (s *Store) GetQuestion(id string) (QuestionRow, error) {
	row := s.db.QueryRow(`SELECT id, task_id, workflow_id, step_name, step_index, step_task_id, type, text,
		raw_context, options_json, sequence, detected_at, answered_at, answer, delivered_at, error
		FROM questions WHERE id = ?`, id)
	q, err := scanQuestion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return QuestionRow{}, ErrQuestionNotFound
	}
	return q, err
}

// ListQuestionsByTask returns all questions for a task, oldest first.
func (s *Store) ListQuestionsByTask(taskID string) ([]QuestionRow, error) {
	rows, err := s.db.Query(`SELECT id, task_id, workflow_id, step_name, step_index, step_task_id, type, text,
		raw_context, options_json, sequence, detected_at, answered_at, answer, delivered_at, error
		FROM questions WHERE task_id = ? ORDER BY sequence`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list questions: %w", err)
	}
	defer rows.Close()

	var out []QuestionRow
	for rows.Next() {
		q, err := scanQuestion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

func scanQuestion(row rowScanner) (QuestionRow, error) {
	var q QuestionRow
	var optsJSON string
	var answeredAt, deliveredAt sql.NullTime
	err := row.Scan(&q.ID, &q.TaskID, &q.WorkflowID, &q.StepName, &q.StepIndex, &q.StepTaskID, &q.Type, &q.Text,
		&q.RawContext, &optsJSON, &q.Sequence, &q.DetectedAt, &answeredAt, &q.Answer, &deliveredAt, &q.Error)
	if err != nil {
		return QuestionRow{}, err
	}
	if err := json.Unmarshal([]byte(optsJSON), &q.Options); err != nil {
		return QuestionRow{}, fmt.Errorf("parse options: %w", err)
	}
	if answeredAt.Valid {
		ts := answeredAt.Time
		q.AnsweredAt = &ts
	}
	if deliveredAt.Valid {
		ts := deliveredAt.Time
		q.DeliveredAt = &ts
	}
	return q, nil
}
