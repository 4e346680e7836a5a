// Package bridge is the orchestrator's only view of the LLM
// conversation engine: open a session, learn its identifier, learn when
// it terminated. Message content never crosses this boundary.
package bridge

import (
	"context"

	"github.com/google/uuid"

	"github.com/loopwork-ai/relay/internal/store"
)

// SessionRequest carries everything the engine needs to start a
// conversation for one agent run.
type SessionRequest struct {
	TaskID    uuid.UUID
	RunID     uuid.UUID
	AgentType store.AgentType
	Prompt    string
}

// Bridge starts streaming sessions against the conversation engine.
//
// OpenSession returns once the session is accepted. onAssigned fires
// when the engine reports the session identifier; onTerminated fires
// exactly once when the session ends, with a nil error for a clean
// termination. Both callbacks run on the bridge's own goroutine.
type Bridge interface {
	OpenSession(ctx context.Context, req SessionRequest, onAssigned func(sessionID string), onTerminated func(err error)) error

	// Abort tears down a session. Downstream this surfaces as an error
	// termination, indistinguishable from an engine-reported failure.
	Abort(ctx context.Context, sessionID string) error
}
