package schedules

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// DBOperations owns the schedules table queries.
type DBOperations struct {
	db *sqlx.DB
}

// NewDBOperations wraps a database handle.
func NewDBOperations(db *sqlx.DB) *DBOperations {
	return &DBOperations{db: db}
}

const scheduleColumns = `id, task_id, name, cron_expression, timezone, status,
	last_run_at, next_run_at, created_at, updated_at`

// CreateSchedule inserts a schedule row.
func (d *DBOperations) CreateSchedule(ctx context.Context, s *Schedule) error {
	query := d.db.Rebind(`
		INSERT INTO schedules (` + scheduleColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := d.db.ExecContext(ctx, query,
		s.ID, s.TaskID, s.Name, s.CronExpression, s.Timezone, s.Status,
		s.LastRunAt, s.NextRunAt, s.CreatedAt, s.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create schedule: %w", err)
	}
	return nil
}

// GetSchedule fetches a schedule by identifier.
func (d *DBOperations) GetSchedule(ctx context.Context, id uuid.UUID) (*Schedule, error) {
	var s Schedule
	query := d.db.Rebind(`SELECT ` + scheduleColumns + ` FROM schedules WHERE id = ?`)
	if err := d.db.GetContext(ctx, &s, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrScheduleNotFound
		}
		return nil, fmt.Errorf("failed to get schedule: %w", err)
	}
	return &s, nil
}

// ListDue returns active schedules whose next run time has elapsed. A
// schedule missed during downtime shows up here exactly once, on the
// first scan after startup.
func (d *DBOperations) ListDue(ctx context.Context, now time.Time) ([]*Schedule, error) {
	var due []*Schedule
	query := d.db.Rebind(`
		SELECT ` + scheduleColumns + ` FROM schedules
		WHERE status = ? AND next_run_at IS NOT NULL AND next_run_at <= ?
		ORDER BY next_run_at`)
	if err := d.db.SelectContext(ctx, &due, query, ScheduleStatusActive, now); err != nil {
		return nil, fmt.Errorf("failed to list due schedules: %w", err)
	}
	return due, nil
}

// UpdateRunTimes advances the last-run and next-run stamps after an
// execution attempt.
func (d *DBOperations) UpdateRunTimes(ctx context.Context, id uuid.UUID, lastRun, nextRun time.Time) error {
	query := d.db.Rebind(`
		UPDATE schedules SET last_run_at = ?, next_run_at = ?, updated_at = ?
		WHERE id = ?`)
	if _, err := d.db.ExecContext(ctx, query, lastRun, nextRun, time.Now().UTC(), id); err != nil {
		return fmt.Errorf("failed to update schedule run times: %w", err)
	}
	return nil
}

// UpdateNextRun rewrites only the next-run stamp.
func (d *DBOperations) UpdateNextRun(ctx context.Context, id uuid.UUID, nextRun time.Time) error {
	query := d.db.Rebind(`UPDATE schedules SET next_run_at = ?, updated_at = ? WHERE id = ?`)
	if _, err := d.db.ExecContext(ctx, query, nextRun, time.Now().UTC(), id); err != nil {
		return fmt.Errorf("failed to update schedule next run: %w", err)
	}
	return nil
}

// UpdateStatus moves a schedule between active, paused, and deleted.
func (d *DBOperations) UpdateStatus(ctx context.Context, id uuid.UUID, status ScheduleStatus) error {
	query := d.db.Rebind(`UPDATE schedules SET status = ?, updated_at = ? WHERE id = ?`)
	res, err := d.db.ExecContext(ctx, query, status, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update schedule status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return ErrScheduleNotFound
	}
	return nil
}
