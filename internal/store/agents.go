package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/coven/daemon/pkg/types"
)

// ErrAgentNotFound is returned when an agent lookup by task ID finds no row.
var ErrAgentNotFound = errors.New("agent not found")

// UpsertAgent inserts or replaces the agent record for a task.
func (s *Store) UpsertAgent(a types.Agent) error {
	_, err := s.db.Exec(`INSERT INTO agents
		(task_id, step_task_id, pid, status, worktree, branch, output_file, started_at, ended_at, exit_code, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(task_id) DO UPDATE SET
			step_task_id = excluded.step_task_id,
			pid = excluded.pid,
			status = excluded.status,
			worktree = excluded.worktree,
			branch = excluded.branch,
			output_file = excluded.output_file,
			started_at = excluded.started_at,
			ended_at = excluded.ended_at,
			exit_code = excluded.exit_code,
			error = excluded.error`,
		a.TaskID, a.StepTaskID, a.PID, string(a.Status), a.Worktree, a.Branch, a.OutputFile,
		a.StartedAt, a.EndedAt, a.ExitCode, a.Error)
	if err != nil {
		return fmt.Errorf("upsert agent: %w", err)
	}
	return nil
}

// GetAgent returns the agent for a task.
func (s *Store) GetAgent(taskID string) (types.Agent, error) {
	row := s.db.QueryRow(`SELECT task_id, step_task_id, pid, status, worktree, branch, output_file,
		started_at, ended_at, exit_code, error FROM agents WHERE task_id = ?`, taskID)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Agent{}, ErrAgentNotFound
	}
	return a, err
}

// ListAgents returns every agent currently tracked.
func (s *Store) ListAgents() ([]types.Agent, error) {
	rows, err := s.db.Query(`SELECT task_id, step_task_id, pid, status, worktree, branch, output_file,
		started_at, ended_at, exit_code, error FROM agents`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var out []types.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// DeleteAgent removes the agent record for a task.
func (s *Store) DeleteAgent(taskID string) error {
	_, err := s.db.Exec(`DELETE FROM agents WHERE task_id = ?`, taskID)
	return err
}

func scanAgent(row rowScanner) (types.Agent, error) {
	var a types.Agent
	var status string
	var endedAt sql.NullTime
	var exitCode sql.NullInt64
	err := row.Scan(&a.TaskID, &a.StepTaskID, &a.PID, &status, &a.Worktree, &a.Branch, &a.OutputFile,
		&a.StartedAt, &endedAt, &exitCode, &a.Error)
	if err != nil {
		return types.Agent{}, err
	}
	a.Status = types.AgentStatus(status)
	if endedAt.Valid {
		ts := endedAt.Time
		a.EndedAt = &ts
	}
	if exitCode.Valid {
		v := int(exitCode.Int64)
		a.ExitCode = &v
	}
	return a, nil
}
