package store

import (
	"time"

	"github.com/google/uuid"
)

// AgentType identifies which kind of agent a run executes.
type AgentType string

const (
	AgentTypePlanning       AgentType = "planning"
	AgentTypeImplementation AgentType = "implementation"
	AgentTypeReview         AgentType = "review"
)

// Valid reports whether t is one of the known agent types.
func (t AgentType) Valid() bool {
	switch t {
	case AgentTypePlanning, AgentTypeImplementation, AgentTypeReview:
		return true
	}
	return false
}

// Next returns the agent type that follows t in the implement/review
// cycle. Planning never chains, so it has no successor.
func (t AgentType) Next() (AgentType, bool) {
	switch t {
	case AgentTypeImplementation:
		return AgentTypeReview, true
	case AgentTypeReview:
		return AgentTypeImplementation, true
	}
	return "", false
}

// RunStatus is the lifecycle state of an AgentRun.
type RunStatus string

const (
	// RunStatusPending exists only between construction and the first
	// persist; it is never written to the store.
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// Terminal reports whether no further transitions may leave s.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}

// AgentRun is one execution attempt of one agent type against one task.
type AgentRun struct {
	ID          uuid.UUID  `db:"id"`
	TaskID      uuid.UUID  `db:"task_id"`
	AgentType   AgentType  `db:"agent_type"`
	Status      RunStatus  `db:"status"`
	SessionID   *string    `db:"session_id"`
	CreatedAt   time.Time  `db:"created_at"`
	CompletedAt *time.Time `db:"completed_at"`
}

// NewAgentRun builds a run record committed to starting: the initial
// persisted state is Running, there is no queued state.
func NewAgentRun(taskID uuid.UUID, agentType AgentType) *AgentRun {
	return &AgentRun{
		ID:        uuid.New(),
		TaskID:    taskID,
		AgentType: agentType,
		Status:    RunStatusRunning,
		CreatedAt: time.Now().UTC(),
	}
}

// Task is the unit of work agents operate on. Its lifecycle status is
// owned elsewhere; the orchestrator only reads WorkflowComplete, the
// single kill-switch for automatic chaining.
type Task struct {
	ID               uuid.UUID `db:"id"`
	ProjectID        uuid.UUID `db:"project_id"`
	Title            string    `db:"title"`
	Status           string    `db:"status"`
	WorkflowComplete bool      `db:"workflow_complete"`
	CreatedAt        time.Time `db:"created_at"`
	UpdatedAt        time.Time `db:"updated_at"`
}

// TaskWithOwner carries the owning project's user alongside the task,
// for callers that need to address notifications.
type TaskWithOwner struct {
	Task
	OwnerID uuid.UUID `db:"owner_id"`
}

// Project groups tasks under an owning user.
type Project struct {
	ID        uuid.UUID `db:"id"`
	OwnerID   uuid.UUID `db:"owner_id"`
	Name      string    `db:"name"`
	CreatedAt time.Time `db:"created_at"`
}
