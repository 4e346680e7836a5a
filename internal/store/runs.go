package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// CreateRun persists a new agent run. The storage layer enforces the
// one-running-run-per-task invariant: inserting a second Running run for
// the same task returns ErrRunningConflict.
func (s *Store) CreateRun(ctx context.Context, run *AgentRun) error {
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}

	query := s.db.Rebind(`
		INSERT INTO agent_runs (id, task_id, agent_type, status, session_id, created_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)

	_, err := s.db.ExecContext(ctx, query,
		run.ID, run.TaskID, run.AgentType, run.Status,
		run.SessionID, run.CreatedAt, run.CompletedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrRunningConflict
		}
		return fmt.Errorf("failed to create agent run: %w", err)
	}

	s.logger.Debug("Agent run created",
		zap.String("run_id", run.ID.String()),
		zap.String("task_id", run.TaskID.String()),
		zap.String("agent_type", string(run.AgentType)),
	)
	return nil
}

// RunByID fetches a single run.
func (s *Store) RunByID(ctx context.Context, runID uuid.UUID) (*AgentRun, error) {
	var run AgentRun
	query := s.db.Rebind(`
		SELECT id, task_id, agent_type, status, session_id, created_at, completed_at
		FROM agent_runs WHERE id = ?`)
	if err := s.db.GetContext(ctx, &run, query, runID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get agent run: %w", err)
	}
	return &run, nil
}

// RunsByTask lists all runs for a task, oldest first.
func (s *Store) RunsByTask(ctx context.Context, taskID uuid.UUID) ([]*AgentRun, error) {
	var runs []*AgentRun
	query := s.db.Rebind(`
		SELECT id, task_id, agent_type, status, session_id, created_at, completed_at
		FROM agent_runs WHERE task_id = ? ORDER BY created_at`)
	if err := s.db.SelectContext(ctx, &runs, query, taskID); err != nil {
		return nil, fmt.Errorf("failed to list agent runs: %w", err)
	}
	return runs, nil
}

// MarkRunTerminal moves a Running run to the given terminal status and
// stamps its completion time. Terminal states are final: if the run is
// already completed or failed the update is a no-op and the returned
// bool is false.
func (s *Store) MarkRunTerminal(ctx context.Context, runID uuid.UUID, status RunStatus) (bool, error) {
	if !status.Terminal() {
		return false, fmt.Errorf("status %q is not terminal", status)
	}

	query := s.db.Rebind(`
		UPDATE agent_runs SET status = ?, completed_at = ?
		WHERE id = ? AND status = ?`)
	res, err := s.db.ExecContext(ctx, query, status, time.Now().UTC(), runID, RunStatusRunning)
	if err != nil {
		return false, fmt.Errorf("failed to update run status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}

	if n > 0 {
		s.logger.Debug("Agent run finished",
			zap.String("run_id", runID.String()),
			zap.String("status", string(status)),
		)
	}
	return n > 0, nil
}

// LinkSession records the session identifier the bridge assigned to a
// run. Once set it never changes; late duplicate callbacks are ignored.
func (s *Store) LinkSession(ctx context.Context, runID uuid.UUID, sessionID string) error {
	query := s.db.Rebind(`
		UPDATE agent_runs SET session_id = ?
		WHERE id = ? AND session_id IS NULL`)
	if _, err := s.db.ExecContext(ctx, query, sessionID, runID); err != nil {
		return fmt.Errorf("failed to link session: %w", err)
	}
	return nil
}
