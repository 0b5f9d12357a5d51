// Package types defines the core types used throughout the daemon.
package types

import "time"

// AgentStatus represents the current state of an agent.
type AgentStatus string

const (
	AgentStatusStarting  AgentStatus = "starting"
	AgentStatusRunning   AgentStatus = "running"
	AgentStatusCompleted AgentStatus = "completed"
	AgentStatusFailed    AgentStatus = "failed"
	AgentStatusKilled    AgentStatus = "killed"
)

// TaskStatus represents the status of a task in the unified store.
type TaskStatus string

const (
	TaskStatusOpen         TaskStatus = "open"
	TaskStatusInProgress   TaskStatus = "in_progress"
	TaskStatusBlocked      TaskStatus = "blocked"
	TaskStatusPendingMerge TaskStatus = "pending_merge"
	TaskStatusClosed       TaskStatus = "closed"
)

// IsTerminal reports whether the status represents a finished task.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusClosed
}

// IsClaimable reports whether a task in this status may be claimed by the
// scheduler for execution.
func (s TaskStatus) IsClaimable() bool {
	return s == TaskStatusOpen
}

// Task is the store's unit of work: a node in the parent_id tree, claimable
// by the scheduler and addressable by the grimoire matcher pipeline.
type Task struct {
	ID           string     `json:"id"`
	ParentID     string     `json:"parent_id,omitempty"`
	Depth        int        `json:"depth"`
	Title        string     `json:"title"`
	Description  string     `json:"description,omitempty"`
	Body         string     `json:"body,omitempty"`
	Status       TaskStatus `json:"status"`
	Priority     int        `json:"priority"`
	Type         string     `json:"type"` // task, bug, feature, epic
	Tags         []string   `json:"tags,omitempty"`
	DependsOn    []string   `json:"depends_on,omitempty"`
	Blocks       []string   `json:"blocks,omitempty"`
	GrimoireHint string     `json:"grimoire_hint,omitempty"`
	ClaimedBy    string     `json:"claimed_by,omitempty"`
	ClaimedAt    *time.Time `json:"claimed_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	DeletedAt    *time.Time `json:"deleted_at,omitempty"`
}

// IsDeleted reports whether the task has been soft-deleted.
func (t *Task) IsDeleted() bool {
	return t.DeletedAt != nil
}

// Agent represents a running or completed agent process.
type Agent struct {
	TaskID     string      `json:"task_id"`
	StepTaskID string      `json:"step_task_id,omitempty"` // The current step's process ID (e.g., "task-1-step-1")
	PID        int         `json:"pid"`
	Status     AgentStatus `json:"status"`
	Worktree   string      `json:"worktree"`
	Branch     string      `json:"branch"`
	OutputFile string      `json:"output_file,omitempty"`
	StartedAt  time.Time   `json:"started_at"`
	EndedAt    *time.Time  `json:"ended_at,omitempty"`
	ExitCode   *int        `json:"exit_code,omitempty"`
	Error      string      `json:"error,omitempty"`
}

// DaemonState represents the complete state of the daemon.
type DaemonState struct {
	// Agents maps task IDs to their agent state.
	Agents map[string]*Agent `json:"agents"`

	// Tasks is the list of tasks currently tracked by the store.
	Tasks []Task `json:"tasks"`
}

// NewDaemonState creates a new empty daemon state.
func NewDaemonState() *DaemonState {
	return &DaemonState{
		Agents: make(map[string]*Agent),
		Tasks:  []Task{},
	}
}

// HealthStatus represents the health of the daemon.
type HealthStatus struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	Uptime    string `json:"uptime"`
	Workspace string `json:"workspace"`
}

// VersionInfo represents version information about the daemon.
type VersionInfo struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit,omitempty"`
	BuildTime string `json:"build_time,omitempty"`
	GoVersion string `json:"go_version"`
}

// StateResponse is the response from GET /state.
type StateResponse struct {
	State     *DaemonState `json:"state"`
	Timestamp time.Time    `json:"timestamp"`
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// Event represents an SSE event.
type Event struct {
	Type      string    `json:"type"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// Event types for SSE.
const (
	EventTypeTasksUpdated = "tasks.updated"
	EventTypeAgentStarted    = "agent.started"
	EventTypeAgentOutput     = "agent.output"
	EventTypeAgentCompleted  = "agent.completed"
	EventTypeAgentFailed     = "agent.failed"
	EventTypeAgentQuestion   = "agent.question"
	EventTypeStateSnapshot   = "state.snapshot"
	EventTypeHeartbeat       = "heartbeat"

	// Workflow events
	EventTypeWorkflowStarted       = "workflow.started"
	EventTypeWorkflowStepStarted   = "workflow.step.started"
	EventTypeWorkflowStepCompleted = "workflow.step.completed"
	EventTypeWorkflowBlocked       = "workflow.blocked"
	EventTypeWorkflowMergePending  = "workflow.merge_pending"
	EventTypeWorkflowCompleted     = "workflow.completed"
	EventTypeWorkflowCancelled     = "workflow.cancelled"
	EventTypeLoopIteration         = "loop.iteration"
	EventTypeQuestionAsked         = "agent.question.asked"
	EventTypeQuestionAnswered      = "agent.question.answered"
)
