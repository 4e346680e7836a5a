package schedules

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Manager handles schedule CRUD. Execution lives in Scheduler.
type Manager struct {
	dbOps     *DBOperations
	scheduler *Scheduler
	logger    *zap.Logger
}

// NewManager builds a schedule manager.
func NewManager(dbOps *DBOperations, scheduler *Scheduler, logger *zap.Logger) *Manager {
	return &Manager{dbOps: dbOps, scheduler: scheduler, logger: logger}
}

// CreateSchedule validates and persists a new schedule with its first
// run time precomputed.
func (m *Manager) CreateSchedule(ctx context.Context, req *CreateScheduleInput) (*Schedule, error) {
	timezone := req.Timezone
	if timezone == "" {
		timezone = "UTC"
	}

	nextRun, err := m.scheduler.ValidateExpression(req.CronExpression, timezone)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	sched := &Schedule{
		ID:             uuid.New(),
		TaskID:         req.TaskID,
		Name:           req.Name,
		CronExpression: req.CronExpression,
		Timezone:       timezone,
		Status:         ScheduleStatusActive,
		NextRunAt:      &nextRun,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := m.dbOps.CreateSchedule(ctx, sched); err != nil {
		return nil, fmt.Errorf("failed to persist schedule: %w", err)
	}

	m.logger.Info("Schedule created",
		zap.String("schedule_id", sched.ID.String()),
		zap.String("task_id", req.TaskID.String()),
		zap.String("cron", req.CronExpression),
		zap.Time("next_run", nextRun),
	)
	return sched, nil
}

// PauseSchedule stops future runs. Idempotent.
func (m *Manager) PauseSchedule(ctx context.Context, id uuid.UUID) error {
	sched, err := m.dbOps.GetSchedule(ctx, id)
	if err != nil {
		return err
	}
	if sched.Status == ScheduleStatusPaused {
		return nil
	}
	if err := m.dbOps.UpdateStatus(ctx, id, ScheduleStatusPaused); err != nil {
		return err
	}
	m.logger.Info("Schedule paused", zap.String("schedule_id", id.String()))
	return nil
}

// ResumeSchedule re-activates a paused schedule and recomputes its next
// run from now.
func (m *Manager) ResumeSchedule(ctx context.Context, id uuid.UUID) (*time.Time, error) {
	sched, err := m.dbOps.GetSchedule(ctx, id)
	if err != nil {
		return nil, err
	}
	if sched.Status == ScheduleStatusActive {
		return sched.NextRunAt, nil
	}

	nextRun, err := m.scheduler.ValidateExpression(sched.CronExpression, sched.Timezone)
	if err != nil {
		return nil, err
	}
	if err := m.dbOps.UpdateStatus(ctx, id, ScheduleStatusActive); err != nil {
		return nil, err
	}
	if err := m.dbOps.UpdateNextRun(ctx, id, nextRun); err != nil {
		return nil, err
	}

	m.logger.Info("Schedule resumed",
		zap.String("schedule_id", id.String()),
		zap.Time("next_run", nextRun),
	)
	return &nextRun, nil
}

// DeleteSchedule soft-deletes a schedule.
func (m *Manager) DeleteSchedule(ctx context.Context, id uuid.UUID) error {
	if err := m.dbOps.UpdateStatus(ctx, id, ScheduleStatusDeleted); err != nil {
		return err
	}
	m.logger.Info("Schedule deleted", zap.String("schedule_id", id.String()))
	return nil
}
