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

// CreateProject persists a project.
func (s *Store) CreateProject(ctx context.Context, p *Project) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	query := s.db.Rebind(`
		INSERT INTO projects (id, owner_id, name, created_at)
		VALUES (?, ?, ?, ?)`)
	if _, err := s.db.ExecContext(ctx, query, p.ID, p.OwnerID, p.Name, p.CreatedAt); err != nil {
		return fmt.Errorf("failed to create project: %w", err)
	}
	return nil
}

// CreateTask persists a task.
func (s *Store) CreateTask(ctx context.Context, t *Task) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = now
	}
	if t.Status == "" {
		t.Status = "open"
	}
	query := s.db.Rebind(`
		INSERT INTO tasks (id, project_id, title, status, workflow_complete, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if _, err := s.db.ExecContext(ctx, query,
		t.ID, t.ProjectID, t.Title, t.Status, t.WorkflowComplete, t.CreatedAt, t.UpdatedAt,
	); err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}
	return nil
}

// GetTask fetches a task by identifier.
func (s *Store) GetTask(ctx context.Context, taskID uuid.UUID) (*Task, error) {
	var task Task
	query := s.db.Rebind(`
		SELECT id, project_id, title, status, workflow_complete, created_at, updated_at
		FROM tasks WHERE id = ?`)
	if err := s.db.GetContext(ctx, &task, query, taskID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return &task, nil
}

// TaskWithOwner fetches a task joined with its project's owner.
func (s *Store) TaskWithOwner(ctx context.Context, taskID uuid.UUID) (*TaskWithOwner, error) {
	var task TaskWithOwner
	query := s.db.Rebind(`
		SELECT t.id, t.project_id, t.title, t.status, t.workflow_complete,
		       t.created_at, t.updated_at, p.owner_id
		FROM tasks t JOIN projects p ON p.id = t.project_id
		WHERE t.id = ?`)
	if err := s.db.GetContext(ctx, &task, query, taskID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get task with owner: %w", err)
	}
	return &task, nil
}

// SetWorkflowComplete flips the chaining kill-switch for a task.
func (s *Store) SetWorkflowComplete(ctx context.Context, taskID uuid.UUID, complete bool) error {
	query := s.db.Rebind(`
		UPDATE tasks SET workflow_complete = ?, updated_at = ?
		WHERE id = ?`)
	res, err := s.db.ExecContext(ctx, query, complete, time.Now().UTC(), taskID)
	if err != nil {
		return fmt.Errorf("failed to set workflow complete: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}

	s.logger.Info("Workflow complete flag updated",
		zap.String("task_id", taskID.String()),
		zap.Bool("complete", complete),
	)
	return nil
}
