package chain

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/loopwork-ai/relay/internal/store"
)

// ConflictError reports that a start was rejected because another run
// is active for the task. It is not retried automatically; the caller
// decides when to try again.
type ConflictError struct {
	TaskID uuid.UUID
	Run    *store.AgentRun // the conflicting run, when known
}

func (e *ConflictError) Error() string {
	if e.Run != nil {
		return fmt.Sprintf("task %s already has active run %s (%s)", e.TaskID, e.Run.ID, e.Run.AgentType)
	}
	return fmt.Sprintf("task %s already has an active run", e.TaskID)
}

// NotFoundError reports that the task does not exist.
type NotFoundError struct {
	TaskID uuid.UUID
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("task %s not found", e.TaskID)
}

// SessionError reports that the bridge could not open a session. The
// run record is marked Failed before this is returned.
type SessionError struct {
	RunID uuid.UUID
	Err   error
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("run %s session failed: %v", e.RunID, e.Err)
}

func (e *SessionError) Unwrap() error { return e.Err }
