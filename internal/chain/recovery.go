package chain

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/loopwork-ai/relay/internal/metrics"
	"github.com/loopwork-ai/relay/internal/store"
)

// Recovery force-completes stuck runs. A crash between "marked Running"
// and the termination callback would otherwise wedge the guard for the
// task forever; the workflow-complete toggle is the user action that
// unsticks it.
type Recovery struct {
	runs   RunStore
	logger *zap.Logger
}

// NewRecovery builds a recovery controller over the run store.
func NewRecovery(runs RunStore, logger *zap.Logger) *Recovery {
	return &Recovery{runs: runs, logger: logger}
}

// ForceCompleteAll transitions every Running run for the task to
// Completed and returns the number transitioned. Calling it on a task
// with no Running runs returns 0 and mutates nothing; the chain never
// restarts from here because chaining only happens inside termination
// callbacks, which never fire for a force-completed run.
func (r *Recovery) ForceCompleteAll(ctx context.Context, taskID uuid.UUID) (int, error) {
	runs, err := r.runs.RunsByTask(ctx, taskID)
	if err != nil {
		return 0, fmt.Errorf("failed to list runs for recovery: %w", err)
	}

	count := 0
	for _, run := range runs {
		if run.Status != store.RunStatusRunning {
			continue
		}
		updated, err := r.runs.MarkRunTerminal(ctx, run.ID, store.RunStatusCompleted)
		if err != nil {
			r.logger.Error("Failed to force-complete run",
				zap.String("run_id", run.ID.String()), zap.Error(err))
			continue
		}
		if updated {
			count++
			metrics.ForceCompletions.Inc()
		}
	}

	if count > 0 {
		r.logger.Info("Force-completed stuck runs",
			zap.String("task_id", taskID.String()),
			zap.Int("count", count),
		)
	}
	return count, nil
}
