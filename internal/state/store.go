// Package state provides the daemon's in-process view over the durable
// store: the same map/slice-shaped API the scheduler, API handlers, and
// agent handlers were already written against, now backed by
// internal/store's SQLite engine instead of a single state.json blob.
package state

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/coven/daemon/internal/store"
	"github.com/coven/daemon/pkg/types"
)

// Store provides thread-safe access to daemon state, persisted in the
// workspace's coven.db.
type Store struct {
	db  *store.Store
	err error // set if Open failed; methods degrade to no-ops/empties
}

// NewStore opens (creating if necessary) the SQLite-backed store under
// covenDir. Kept error-free at the call site, matching the shape of the
// teacher's original constructor, so the extensive existing call sites in
// scheduler/api/agent don't all need error-handling added; Open errors
// surface on first real operation via the logged err field instead.
func NewStore(covenDir string) *Store {
	db, err := store.Open(covenDir)
	if err != nil {
		return &Store{err: fmt.Errorf("open store at %s: %w", covenDir, err)}
	}
	return &Store{db: db}
}

// Err returns any error encountered opening the underlying database.
func (s *Store) Err() error {
	return s.err
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// FilePath returns the database file path, for diagnostics.
func (s *Store) FilePath(covenDir string) string {
	return filepath.Join(covenDir, "coven.db")
}

// GetState returns a snapshot combining all tracked agents and tasks.
func (s *Store) GetState() *types.DaemonState {
	out := types.NewDaemonState()
	if s.db == nil {
		return out
	}
	agents, _ := s.db.ListAgents()
	for i := range agents {
		a := agents[i]
		out.Agents[a.TaskID] = &a
	}
	tasks, _ := s.db.ListTasks()
	out.Tasks = tasks
	return out
}

// Agent operations

// GetAgent returns an agent by task ID, or nil if not tracked.
func (s *Store) GetAgent(taskID string) *types.Agent {
	if s.db == nil {
		return nil
	}
	a, err := s.db.GetAgent(taskID)
	if err != nil {
		return nil
	}
	return &a
}

// GetAllAgents returns a copy of all agents.
func (s *Store) GetAllAgents() map[string]*types.Agent {
	result := make(map[string]*types.Agent)
	if s.db == nil {
		return result
	}
	agents, _ := s.db.ListAgents()
	for i := range agents {
		a := agents[i]
		result[a.TaskID] = &a
	}
	return result
}

// AddAgent adds or replaces an agent.
func (s *Store) AddAgent(agent *types.Agent) {
	if s.db == nil || agent == nil {
		return
	}
	_ = s.db.UpsertAgent(*agent)
}

// UpdateAgentStatus updates an agent's status, setting EndedAt for terminal
// statuses.
func (s *Store) UpdateAgentStatus(taskID string, status types.AgentStatus) {
	s.mutateAgent(taskID, func(a *types.Agent) {
		a.Status = status
		if status == types.AgentStatusCompleted || status == types.AgentStatusFailed || status == types.AgentStatusKilled {
			ts := time.Now()
			a.EndedAt = &ts
		}
	})
}

// SetAgentExitCode sets the exit code for an agent.
func (s *Store) SetAgentExitCode(taskID string, exitCode int) {
	s.mutateAgent(taskID, func(a *types.Agent) { a.ExitCode = &exitCode })
}

// SetAgentError sets the error message for an agent.
func (s *Store) SetAgentError(taskID string, errMsg string) {
	s.mutateAgent(taskID, func(a *types.Agent) { a.Error = errMsg })
}

// SetAgentStepTaskID sets the current step's task ID for process tracking.
func (s *Store) SetAgentStepTaskID(taskID, stepTaskID string) {
	s.mutateAgent(taskID, func(a *types.Agent) { a.StepTaskID = stepTaskID })
}

// SetAgentPID sets the PID for an agent.
func (s *Store) SetAgentPID(taskID string, pid int) {
	s.mutateAgent(taskID, func(a *types.Agent) { a.PID = pid })
}

// SetAgentOutputFile sets the path of the file capturing the agent's output.
func (s *Store) SetAgentOutputFile(taskID, path string) {
	s.mutateAgent(taskID, func(a *types.Agent) { a.OutputFile = path })
}

func (s *Store) mutateAgent(taskID string, mutate func(a *types.Agent)) {
	if s.db == nil {
		return
	}
	a, err := s.db.GetAgent(taskID)
	if err != nil {
		return
	}
	mutate(&a)
	_ = s.db.UpsertAgent(a)
}

// RemoveAgent removes an agent from state.
func (s *Store) RemoveAgent(taskID string) {
	if s.db == nil {
		return
	}
	_ = s.db.DeleteAgent(taskID)
}

// Task operations

// GetTasks returns all tracked tasks.
func (s *Store) GetTasks() []types.Task {
	if s.db == nil {
		return nil
	}
	tasks, _ := s.db.ListTasks()
	return tasks
}

// UpdateTaskStatus updates the status of a specific task.
func (s *Store) UpdateTaskStatus(taskID string, status types.TaskStatus) {
	if s.db == nil {
		return
	}
	_, _ = s.db.PatchTask(taskID, store.TaskPatch{Status: &status})
}

// Underlying exposes the durable store for components (scheduler matcher
// pipeline, workflow state persister) that need the fuller task-tree API
// this facade doesn't re-expose.
func (s *Store) Underlying() *store.Store {
	return s.db
}
