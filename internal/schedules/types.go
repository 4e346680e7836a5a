package schedules

import (
	"time"

	"github.com/google/uuid"
)

// ScheduleStatus is the lifecycle state of a schedule.
type ScheduleStatus string

const (
	ScheduleStatusActive  ScheduleStatus = "active"
	ScheduleStatusPaused  ScheduleStatus = "paused"
	ScheduleStatusDeleted ScheduleStatus = "deleted"
)

// Schedule triggers a recurring planning run against a task. Scheduled
// agents are a separate lane from the implement/review loop: they have
// their own single-flight set keyed by schedule, not by task.
type Schedule struct {
	ID             uuid.UUID      `db:"id"`
	TaskID         uuid.UUID      `db:"task_id"`
	Name           string         `db:"name"`
	CronExpression string         `db:"cron_expression"`
	Timezone       string         `db:"timezone"`
	Status         ScheduleStatus `db:"status"`
	LastRunAt      *time.Time     `db:"last_run_at"`
	NextRunAt      *time.Time     `db:"next_run_at"`
	CreatedAt      time.Time      `db:"created_at"`
	UpdatedAt      time.Time      `db:"updated_at"`
}

// CreateScheduleInput is the caller-facing shape for creating a schedule.
type CreateScheduleInput struct {
	TaskID         uuid.UUID
	Name           string
	CronExpression string
	Timezone       string
}
