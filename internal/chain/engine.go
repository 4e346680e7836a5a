// Package chain contains the run orchestration state machine: it starts
// agent runs, interprets their termination, and decides whether and
// what to start next.
package chain

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/loopwork-ai/relay/internal/bridge"
	"github.com/loopwork-ai/relay/internal/events"
	"github.com/loopwork-ai/relay/internal/guard"
	"github.com/loopwork-ai/relay/internal/metrics"
	"github.com/loopwork-ai/relay/internal/notify"
	"github.com/loopwork-ai/relay/internal/store"
)

// RunStore is the slice of the record store the engine mutates.
type RunStore interface {
	CreateRun(ctx context.Context, run *store.AgentRun) error
	RunsByTask(ctx context.Context, taskID uuid.UUID) ([]*store.AgentRun, error)
	MarkRunTerminal(ctx context.Context, runID uuid.UUID, status store.RunStatus) (bool, error)
	LinkSession(ctx context.Context, runID uuid.UUID, sessionID string) error
}

// TaskStore is the slice of the task record store the engine reads.
type TaskStore interface {
	GetTask(ctx context.Context, taskID uuid.UUID) (*store.Task, error)
}

// PromptBuilder renders the agent-type-specific prompt for a run.
type PromptBuilder interface {
	Build(task *store.Task, agentType store.AgentType) (string, error)
}

// Publisher broadcasts lifecycle events; delivery is best effort.
type Publisher interface {
	Publish(taskID string, evt events.Event)
}

// Options tunes engine behavior.
type Options struct {
	// SettleDelay is the pause before a chained continuation re-checks
	// state and starts the next run. Defaults to one second.
	SettleDelay time.Duration
	// OpTimeout bounds store and notification calls made from
	// termination callbacks. Defaults to 30 seconds.
	OpTimeout time.Duration
	// ChainingDisabled suppresses automatic continuations globally.
	ChainingDisabled bool
}

// Engine drives the implement/review loop. StartRun returns as soon as
// a session is open; everything after termination happens on the
// bridge's callback goroutine and timer-driven continuations.
type Engine struct {
	runs      RunStore
	tasks     TaskStore
	guard     guard.Guard
	bridge    bridge.Bridge
	prompts   PromptBuilder
	sink      notify.Sink
	publisher Publisher
	logger    *zap.Logger

	settleNanos atomic.Int64
	enabled     atomic.Bool
	opTimeout   time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New assembles an engine. sink and publisher may be nil.
func New(runs RunStore, tasks TaskStore, g guard.Guard, b bridge.Bridge, prompts PromptBuilder, sink notify.Sink, publisher Publisher, logger *zap.Logger, opts Options) *Engine {
	if opts.SettleDelay == 0 {
		opts.SettleDelay = time.Second
	}
	if opts.OpTimeout == 0 {
		opts.OpTimeout = 30 * time.Second
	}
	if sink == nil {
		sink = notify.Nop{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		runs:      runs,
		tasks:     tasks,
		guard:     g,
		bridge:    b,
		prompts:   prompts,
		sink:      sink,
		publisher: publisher,
		logger:    logger,
		opTimeout: opts.OpTimeout,
		ctx:       ctx,
		cancel:    cancel,
	}
	e.settleNanos.Store(int64(opts.SettleDelay))
	e.enabled.Store(!opts.ChainingDisabled)
	return e
}

// Close cancels pending continuations and waits for them to exit.
func (e *Engine) Close() {
	e.cancel()
	e.wg.Wait()
}

// SettleDelay returns the current settling delay.
func (e *Engine) SettleDelay() time.Duration {
	return time.Duration(e.settleNanos.Load())
}

// SetSettleDelay changes the settling delay; applies to continuations
// scheduled after the call.
func (e *Engine) SetSettleDelay(d time.Duration) {
	if d > 0 {
		e.settleNanos.Store(int64(d))
	}
}

// SetChainingEnabled toggles automatic continuations globally. Runs in
// flight terminate normally; only the follow-up start is suppressed.
func (e *Engine) SetChainingEnabled(enabled bool) {
	e.enabled.Store(enabled)
}

// StartRun starts one agent run for a task. It returns ConflictError if
// another run is active, NotFoundError if the task does not exist, and
// SessionError if the bridge could not open a session (in which case
// the run record is already persisted as Failed).
func (e *Engine) StartRun(ctx context.Context, taskID uuid.UUID, agentType store.AgentType) (*store.AgentRun, error) {
	return e.startRun(ctx, taskID, agentType, "external")
}

func (e *Engine) startRun(ctx context.Context, taskID uuid.UUID, agentType store.AgentType, trigger string) (*store.AgentRun, error) {
	if !agentType.Valid() {
		return nil, fmt.Errorf("invalid agent type %q", agentType)
	}

	// Advisory pre-check; the storage index below is authoritative.
	active, err := e.guard.Active(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to check active runs: %w", err)
	}
	if active != nil {
		metrics.GuardConflicts.Inc()
		return nil, &ConflictError{TaskID: taskID, Run: active}
	}

	task, err := e.tasks.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, &NotFoundError{TaskID: taskID}
		}
		return nil, fmt.Errorf("failed to load task: %w", err)
	}

	prompt, err := e.prompts.Build(task, agentType)
	if err != nil {
		return nil, fmt.Errorf("failed to build prompt: %w", err)
	}

	run := store.NewAgentRun(taskID, agentType)
	if err := e.runs.CreateRun(ctx, run); err != nil {
		if errors.Is(err, store.ErrRunningConflict) {
			// Lost the check-then-persist race to another trigger.
			metrics.GuardConflicts.Inc()
			conflicting, _ := e.guard.Active(ctx, taskID)
			return nil, &ConflictError{TaskID: taskID, Run: conflicting}
		}
		return nil, fmt.Errorf("failed to persist run: %w", err)
	}

	req := bridge.SessionRequest{
		TaskID:    taskID,
		RunID:     run.ID,
		AgentType: agentType,
		Prompt:    prompt,
	}
	err = e.bridge.OpenSession(ctx, req,
		func(sessionID string) { e.linkSession(run.ID, sessionID) },
		func(sessErr error) { e.handleTermination(run, sessErr) },
	)
	if err != nil {
		// No session was opened; the run is dead on arrival but stays
		// visible in history as Failed.
		if _, markErr := e.markRunTerminal(run, store.RunStatusFailed); markErr != nil {
			e.logger.Error("Failed to mark dead run failed",
				zap.String("run_id", run.ID.String()), zap.Error(markErr))
		}
		e.publish(taskID.String(), events.Event{
			Type:      events.TypeRunFailed,
			RunID:     run.ID.String(),
			AgentType: string(agentType),
			Message:   err.Error(),
		})
		return nil, &SessionError{RunID: run.ID, Err: err}
	}

	metrics.RunsStarted.WithLabelValues(string(agentType), trigger).Inc()
	e.publish(taskID.String(), events.Event{
		Type:      events.TypeRunStarted,
		RunID:     run.ID.String(),
		AgentType: string(agentType),
	})
	e.logger.Info("Agent run started",
		zap.String("run_id", run.ID.String()),
		zap.String("task_id", taskID.String()),
		zap.String("agent_type", string(agentType)),
		zap.String("trigger", trigger),
	)
	return run, nil
}

func (e *Engine) linkSession(runID uuid.UUID, sessionID string) {
	ctx, cancel := context.WithTimeout(e.ctx, e.opTimeout)
	defer cancel()
	if err := e.runs.LinkSession(ctx, runID, sessionID); err != nil {
		e.logger.Error("Failed to link session to run",
			zap.String("run_id", runID.String()),
			zap.String("session_id", sessionID),
			zap.Error(err),
		)
	}
}

// handleTermination runs on the bridge callback goroutine. Errors here
// have no synchronous caller left; they are recovered into status
// updates and log lines.
func (e *Engine) handleTermination(run *store.AgentRun, sessErr error) {
	ctx, cancel := context.WithTimeout(e.ctx, e.opTimeout)
	defer cancel()

	status := store.RunStatusCompleted
	if sessErr != nil {
		status = store.RunStatusFailed
	}

	updated, err := e.markRunTerminal(run, status)
	if err != nil {
		e.logger.Error("Failed to record run termination",
			zap.String("run_id", run.ID.String()), zap.Error(err))
		return
	}
	if !updated {
		// Force-completed while the session was in flight. The chain
		// belongs to whoever completed it; do nothing.
		e.logger.Info("Run already terminal at termination, ignoring callback",
			zap.String("run_id", run.ID.String()))
		return
	}

	// The flag is re-read fresh here, not cached from start time.
	var workflowComplete bool
	task, taskErr := e.tasks.GetTask(ctx, run.TaskID)
	if taskErr == nil {
		workflowComplete = task.WorkflowComplete
	}

	if sessErr != nil {
		e.logger.Warn("Agent run failed",
			zap.String("run_id", run.ID.String()),
			zap.String("task_id", run.TaskID.String()),
			zap.Error(sessErr),
		)
		e.publish(run.TaskID.String(), events.Event{
			Type:      events.TypeRunFailed,
			RunID:     run.ID.String(),
			AgentType: string(run.AgentType),
			Message:   sessErr.Error(),
		})
		e.sink.Notify(ctx, run.TaskID, run.AgentType, workflowComplete)
		// Failures never chain; a human restarts the loop.
		return
	}

	e.logger.Info("Agent run completed",
		zap.String("run_id", run.ID.String()),
		zap.String("task_id", run.TaskID.String()),
		zap.String("agent_type", string(run.AgentType)),
		zap.Bool("workflow_complete", workflowComplete),
	)
	e.publish(run.TaskID.String(), events.Event{
		Type:             events.TypeRunCompleted,
		RunID:            run.ID.String(),
		AgentType:        string(run.AgentType),
		WorkflowComplete: workflowComplete,
	})
	e.sink.Notify(ctx, run.TaskID, run.AgentType, workflowComplete)

	next, chains := run.AgentType.Next()
	if !chains {
		// Planning waits for a human decision.
		return
	}
	if errors.Is(taskErr, store.ErrNotFound) {
		// Task deleted mid-run; stop silently.
		return
	}
	if workflowComplete {
		e.publish(run.TaskID.String(), events.Event{
			Type:             events.TypeWorkflowComplete,
			AgentType:        string(run.AgentType),
			WorkflowComplete: true,
		})
		return
	}
	if !e.enabled.Load() {
		e.logger.Info("Chaining disabled, not continuing",
			zap.String("task_id", run.TaskID.String()))
		return
	}

	e.scheduleContinuation(run.TaskID, next)
}

func (e *Engine) markRunTerminal(run *store.AgentRun, status store.RunStatus) (bool, error) {
	ctx, cancel := context.WithTimeout(e.ctx, e.opTimeout)
	defer cancel()
	updated, err := e.runs.MarkRunTerminal(ctx, run.ID, status)
	if err != nil {
		return false, err
	}
	if updated {
		metrics.RunsCompleted.WithLabelValues(string(run.AgentType), string(status)).Inc()
		metrics.RunDuration.WithLabelValues(string(run.AgentType)).Observe(time.Since(run.CreatedAt).Seconds())
	}
	return updated, nil
}

// scheduleContinuation re-enqueues the next start onto a timer instead
// of sleeping on the callback goroutine, so chain length never grows
// stack depth.
func (e *Engine) scheduleContinuation(taskID uuid.UUID, next store.AgentType) {
	delay := e.SettleDelay()
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-e.ctx.Done():
			return
		case <-timer.C:
		}
		e.continueChain(taskID, next)
	}()
}

// continueChain re-checks the kill-switch and the guard after the
// settling delay, then starts the next run. The flag or an external
// trigger may have changed while we waited.
func (e *Engine) continueChain(taskID uuid.UUID, next store.AgentType) {
	ctx, cancel := context.WithTimeout(e.ctx, e.opTimeout)
	defer cancel()

	task, err := e.tasks.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			e.logger.Debug("Task gone before continuation, stopping chain",
				zap.String("task_id", taskID.String()))
			return
		}
		e.recordChainFailure(ctx, taskID, next, err)
		return
	}
	if task.WorkflowComplete {
		e.logger.Info("Workflow complete, stopping chain",
			zap.String("task_id", taskID.String()))
		e.publish(taskID.String(), events.Event{
			Type:             events.TypeWorkflowComplete,
			WorkflowComplete: true,
		})
		return
	}
	if !e.enabled.Load() {
		return
	}
	if active, gerr := e.guard.Active(ctx, taskID); gerr == nil && active != nil {
		e.logger.Info("External run superseded chain continuation",
			zap.String("task_id", taskID.String()),
			zap.String("active_run_id", active.ID.String()),
		)
		return
	}

	run, err := e.startRun(ctx, taskID, next, "chain")
	if err != nil {
		var conflict *ConflictError
		var notFound *NotFoundError
		var session *SessionError
		switch {
		case errors.As(err, &conflict):
			// Another trigger won the race; the chain is superseded.
			e.logger.Info("Chain continuation lost start race",
				zap.String("task_id", taskID.String()))
		case errors.As(err, &notFound):
			e.logger.Debug("Task gone at continuation start",
				zap.String("task_id", taskID.String()))
		case errors.As(err, &session):
			// startRun already persisted the Failed run; the failure is
			// visible in history without a synthetic record.
			metrics.ChainFailures.Inc()
			e.logger.Error("Chain continuation session failed",
				zap.String("task_id", taskID.String()), zap.Error(err))
		default:
			e.recordChainFailure(ctx, taskID, next, err)
		}
		return
	}

	metrics.ChainContinuations.WithLabelValues(string(next)).Inc()
	e.publish(taskID.String(), events.Event{
		Type:      events.TypeChainContinued,
		RunID:     run.ID.String(),
		AgentType: string(next),
	})
}

// recordChainFailure persists a synthetic Failed run so a continuation
// that never opened a session still shows up in run history.
func (e *Engine) recordChainFailure(ctx context.Context, taskID uuid.UUID, next store.AgentType, cause error) {
	metrics.ChainFailures.Inc()
	now := time.Now().UTC()
	run := &store.AgentRun{
		ID:          uuid.New(),
		TaskID:      taskID,
		AgentType:   next,
		Status:      store.RunStatusFailed,
		CreatedAt:   now,
		CompletedAt: &now,
	}
	if err := e.runs.CreateRun(ctx, run); err != nil {
		e.logger.Error("Failed to record chain failure",
			zap.String("task_id", taskID.String()),
			zap.NamedError("cause", cause),
			zap.Error(err),
		)
		return
	}
	e.logger.Error("Chain continuation failed, recorded failed run",
		zap.String("task_id", taskID.String()),
		zap.String("run_id", run.ID.String()),
		zap.String("agent_type", string(next)),
		zap.Error(cause),
	)
	e.publish(taskID.String(), events.Event{
		Type:      events.TypeRunFailed,
		RunID:     run.ID.String(),
		AgentType: string(next),
		Message:   cause.Error(),
	})
}

func (e *Engine) publish(taskID string, evt events.Event) {
	if e.publisher != nil {
		e.publisher.Publish(taskID, evt)
	}
}
