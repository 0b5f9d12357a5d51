package workflow

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/coven/daemon/internal/store"
)

// statePersisterStores caches one *store.Store per .coven directory so
// repeated NewStatePersister calls during a workflow's lifetime (one per
// resume, merge approval, or rejection) share a single SQLite connection
// instead of reopening coven.db each time.
var (
	statePersisterStoresMu sync.Mutex
	statePersisterStores   = map[string]*store.Store{}
)

func openStatePersisterStore(covenDir string) (*store.Store, error) {
	statePersisterStoresMu.Lock()
	defer statePersisterStoresMu.Unlock()
	if s, ok := statePersisterStores[covenDir]; ok {
		return s, nil
	}
	s, err := store.Open(covenDir)
	if err != nil {
		return nil, err
	}
	statePersisterStores[covenDir] = s
	return s, nil
}

// WorkflowState represents the persisted state of a workflow execution.
type WorkflowState struct {
	// TaskID is the task ID this workflow is for.
	TaskID string `json:"task_id"`

	// WorkflowID is the unique identifier for this workflow run.
	WorkflowID string `json:"workflow_id"`

	// GrimoireName is the name of the grimoire being executed.
	GrimoireName string `json:"grimoire_name"`

	// WorktreePath is the path to the git worktree.
	WorktreePath string `json:"worktree_path"`

	// Status is the current workflow status.
	Status WorkflowStatus `json:"status"`

	// CurrentStep is the index of the current/next step to execute.
	CurrentStep int `json:"current_step"`

	// CompletedSteps tracks which steps have completed successfully.
	CompletedSteps map[string]*StepResult `json:"completed_steps"`

	// StepOutputs stores output variables from completed steps.
	StepOutputs map[string]string `json:"step_outputs"`

	// StartedAt is when the workflow started.
	StartedAt time.Time `json:"started_at"`

	// UpdatedAt is when the state was last updated.
	UpdatedAt time.Time `json:"updated_at"`

	// Error contains any error message if the workflow failed.
	Error string `json:"error,omitempty"`
}

// StatePersister handles saving and loading workflow state, backed by the
// daemon's unified SQLite store rather than one JSON file per task.
type StatePersister struct {
	store *store.Store
	err   error
}

// NewStatePersister creates a state persister backed by the coven.db under
// covenDir. Kept error-free at the call site, matching the teacher's
// original path-based constructor; an Open failure surfaces on first use.
func NewStatePersister(covenDir string) *StatePersister {
	s, err := openStatePersisterStore(covenDir)
	if err != nil {
		return &StatePersister{err: fmt.Errorf("open state store at %s: %w", covenDir, err)}
	}
	return &StatePersister{store: s}
}

// Save persists workflow state.
func (p *StatePersister) Save(state *WorkflowState) error {
	if p.err != nil {
		return p.err
	}
	state.UpdatedAt = time.Now()

	completed, err := json.Marshal(state.CompletedSteps)
	if err != nil {
		return fmt.Errorf("failed to marshal completed steps: %w", err)
	}
	outputs, err := json.Marshal(state.StepOutputs)
	if err != nil {
		return fmt.Errorf("failed to marshal step outputs: %w", err)
	}
	envelope := struct {
		WorkflowID     string                     `json:"workflow_id"`
		WorktreePath   string                     `json:"worktree_path"`
		CompletedSteps json.RawMessage            `json:"completed_steps"`
		StepOutputs    json.RawMessage            `json:"step_outputs"`
		StartedAt      time.Time                  `json:"started_at"`
		Error          string                     `json:"error,omitempty"`
	}{state.WorkflowID, state.WorktreePath, completed, outputs, state.StartedAt, state.Error}
	contextJSON, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("failed to marshal workflow state: %w", err)
	}

	if err := p.store.SaveWorkflowState(state.TaskID, state.GrimoireName, state.CurrentStep,
		string(state.Status), string(contextJSON), "{}"); err != nil {
		return fmt.Errorf("failed to save workflow state: %w", err)
	}
	return nil
}

// Load loads workflow state, returning (nil, nil) if none exists.
func (p *StatePersister) Load(taskID string) (*WorkflowState, error) {
	if p.err != nil {
		return nil, p.err
	}
	row, err := p.store.LoadWorkflowState(taskID)
	if err != nil {
		if err == store.ErrWorkflowStateNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load workflow state: %w", err)
	}

	var envelope struct {
		WorkflowID     string                     `json:"workflow_id"`
		WorktreePath   string                     `json:"worktree_path"`
		CompletedSteps map[string]*StepResult     `json:"completed_steps"`
		StepOutputs    map[string]string          `json:"step_outputs"`
		StartedAt      time.Time                  `json:"started_at"`
		Error          string                     `json:"error,omitempty"`
	}
	if err := json.Unmarshal([]byte(row.ContextJSON), &envelope); err != nil {
		return nil, fmt.Errorf("failed to parse workflow state: %w", err)
	}

	return &WorkflowState{
		TaskID:         row.TaskID,
		WorkflowID:     envelope.WorkflowID,
		GrimoireName:   row.GrimoireName,
		WorktreePath:   envelope.WorktreePath,
		Status:         WorkflowStatus(row.Status),
		CurrentStep:    row.CurrentStep,
		CompletedSteps: envelope.CompletedSteps,
		StepOutputs:    envelope.StepOutputs,
		StartedAt:      envelope.StartedAt,
		Error:          envelope.Error,
	}, nil
}

// Delete removes workflow state.
func (p *StatePersister) Delete(taskID string) error {
	if p.err != nil {
		return p.err
	}
	return p.store.DeleteWorkflowState(taskID)
}

// ListInterrupted returns all workflow states that were interrupted (running status).
func (p *StatePersister) ListInterrupted() ([]*WorkflowState, error) {
	if p.err != nil {
		return nil, p.err
	}
	rows, err := p.store.ListWorkflowStatesByStatus(string(WorkflowRunning))
	if err != nil {
		return nil, fmt.Errorf("failed to list interrupted workflows: %w", err)
	}

	var interrupted []*WorkflowState
	for _, row := range rows {
		state, err := p.Load(row.TaskID)
		if err != nil || state == nil {
			continue
		}
		interrupted = append(interrupted, state)
	}
	return interrupted, nil
}

// Exists checks if state exists for a task.
func (p *StatePersister) Exists(taskID string) bool {
	if p.err != nil {
		return false
	}
	_, err := p.store.LoadWorkflowState(taskID)
	return err == nil
}
