// Package guard enforces the at-most-one-active-run-per-task invariant
// and provides the single-flight set used by the schedule lane.
package guard

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/loopwork-ai/relay/internal/store"
)

// Guard answers whether a task currently has an active run. The
// implementation is injected so a single-process deployment can use the
// store-backed scan while a multi-process deployment can substitute a
// leased lock.
type Guard interface {
	Active(ctx context.Context, taskID uuid.UUID) (*store.AgentRun, error)
}

// RunLister is the slice of the run store the guard needs.
type RunLister interface {
	RunsByTask(ctx context.Context, taskID uuid.UUID) ([]*store.AgentRun, error)
}

// StoreGuard checks the run store directly. This is advisory: the
// storage layer's unique index is what actually closes the
// check-then-persist window.
type StoreGuard struct {
	runs RunLister
}

// NewStoreGuard builds a guard over the given run store.
func NewStoreGuard(runs RunLister) *StoreGuard {
	return &StoreGuard{runs: runs}
}

// Active returns the first Running run for the task, or nil.
func (g *StoreGuard) Active(ctx context.Context, taskID uuid.UUID) (*store.AgentRun, error) {
	runs, err := g.runs.RunsByTask(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to scan runs for task: %w", err)
	}
	for _, run := range runs {
		if run.Status == store.RunStatusRunning {
			return run, nil
		}
	}
	return nil, nil
}

// SingleFlight is an in-memory active set keyed by identifier. The
// schedule lane uses it to keep one execution in flight per schedule,
// independent of the per-task guard above.
type SingleFlight struct {
	mu     sync.Mutex
	active map[uuid.UUID]struct{}
}

// NewSingleFlight returns an empty active set.
func NewSingleFlight() *SingleFlight {
	return &SingleFlight{active: make(map[uuid.UUID]struct{})}
}

// TryAcquire claims the identifier, returning false if already held.
func (s *SingleFlight) TryAcquire(id uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, held := s.active[id]; held {
		return false
	}
	s.active[id] = struct{}{}
	return true
}

// Release frees the identifier. Releasing an unheld identifier is a
// no-op.
func (s *SingleFlight) Release(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, id)
}

// Len reports the number of identifiers currently held.
func (s *SingleFlight) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}
