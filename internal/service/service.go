// Package service is the thin facade the transport layer calls. It owns
// the coupling between the workflow-complete toggle and run recovery:
// the user action that stops the loop is the same action that unsticks
// it.
package service

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/loopwork-ai/relay/internal/chain"
	"github.com/loopwork-ai/relay/internal/events"
	"github.com/loopwork-ai/relay/internal/store"
)

// TaskStore is the task persistence slice the facade needs.
type TaskStore interface {
	GetTask(ctx context.Context, taskID uuid.UUID) (*store.Task, error)
	SetWorkflowComplete(ctx context.Context, taskID uuid.UUID, complete bool) error
}

// Orchestrator exposes the two orchestration operations plus the
// workflow toggle that drives recovery.
type Orchestrator struct {
	engine    *chain.Engine
	recovery  *chain.Recovery
	tasks     TaskStore
	publisher chain.Publisher
	logger    *zap.Logger
}

// New assembles the facade. publisher may be nil.
func New(engine *chain.Engine, recovery *chain.Recovery, tasks TaskStore, publisher chain.Publisher, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		engine:    engine,
		recovery:  recovery,
		tasks:     tasks,
		publisher: publisher,
		logger:    logger,
	}
}

// StartRun starts one agent run for a task.
func (o *Orchestrator) StartRun(ctx context.Context, taskID uuid.UUID, agentType store.AgentType) (*store.AgentRun, error) {
	return o.engine.StartRun(ctx, taskID, agentType)
}

// CompleteWorkflow sets the workflow-complete flag and force-completes
// every stuck Running run for the task in the same operation. Returns
// the number of runs transitioned.
func (o *Orchestrator) CompleteWorkflow(ctx context.Context, taskID uuid.UUID) (int, error) {
	if err := o.tasks.SetWorkflowComplete(ctx, taskID, true); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return 0, &chain.NotFoundError{TaskID: taskID}
		}
		return 0, err
	}

	count, err := o.recovery.ForceCompleteAll(ctx, taskID)
	if err != nil {
		return 0, err
	}

	if o.publisher != nil {
		o.publisher.Publish(taskID.String(), events.Event{
			Type:             events.TypeWorkflowComplete,
			WorkflowComplete: true,
		})
	}
	o.logger.Info("Workflow completed",
		zap.String("task_id", taskID.String()),
		zap.Int("force_completed", count),
	)
	return count, nil
}

// ReopenWorkflow clears the flag, re-enabling chaining from a clean
// slate.
func (o *Orchestrator) ReopenWorkflow(ctx context.Context, taskID uuid.UUID) error {
	if err := o.tasks.SetWorkflowComplete(ctx, taskID, false); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return &chain.NotFoundError{TaskID: taskID}
		}
		return err
	}
	o.logger.Info("Workflow reopened", zap.String("task_id", taskID.String()))
	return nil
}
