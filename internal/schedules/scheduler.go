// Package schedules triggers recurring planning runs on a fixed tick.
// It reuses the orchestrator's StartRun entry point but carries its own
// single-flight set so overlapping scheduled executions of the same
// schedule cannot occur, independent of the per-task concurrency guard.
package schedules

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/loopwork-ai/relay/internal/chain"
	"github.com/loopwork-ai/relay/internal/guard"
	"github.com/loopwork-ai/relay/internal/metrics"
	"github.com/loopwork-ai/relay/internal/store"
)

// Typed errors surfaced to schedule management callers.
var (
	ErrInvalidCronExpression = errors.New("invalid cron expression")
	ErrScheduleNotFound      = errors.New("schedule not found")
	ErrInvalidTimezone       = errors.New("invalid timezone")
)

// RunStarter is the orchestrator entry point the scheduler invokes.
type RunStarter interface {
	StartRun(ctx context.Context, taskID uuid.UUID, agentType store.AgentType) (*store.AgentRun, error)
}

// ScheduleStore is the persistence slice the scheduler needs.
type ScheduleStore interface {
	ListDue(ctx context.Context, now time.Time) ([]*Schedule, error)
	UpdateRunTimes(ctx context.Context, id uuid.UUID, lastRun, nextRun time.Time) error
}

// Scheduler scans for due schedules once per tick and fires each at
// most once per interval. Advancement is deterministic: after an
// attempt, next-run is recomputed from the cron expression relative to
// now, so a missed tick fires once rather than catching up.
type Scheduler struct {
	store    ScheduleStore
	starter  RunStarter
	inflight *guard.SingleFlight
	parser   cron.Parser
	logger   *zap.Logger
	interval time.Duration
	now      func() time.Time
}

// NewScheduler builds a scheduler with a one-minute tick by default.
func NewScheduler(scheduleStore ScheduleStore, starter RunStarter, logger *zap.Logger, interval time.Duration) *Scheduler {
	if interval == 0 {
		interval = time.Minute
	}
	return &Scheduler{
		store:    scheduleStore,
		starter:  starter,
		inflight: guard.NewSingleFlight(),
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger:   logger,
		interval: interval,
		now:      time.Now,
	}
}

// ValidateExpression parses a cron expression and timezone, returning
// the first run time. Used by schedule management before persisting.
func (s *Scheduler) ValidateExpression(expression, timezone string) (time.Time, error) {
	schedule, err := s.parser.Parse(expression)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrInvalidCronExpression, err)
	}
	if timezone == "" {
		timezone = "UTC"
	}
	tz, err := time.LoadLocation(timezone)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %s", ErrInvalidTimezone, timezone)
	}
	return schedule.Next(s.now().In(tz)), nil
}

// Run scans on every tick until ctx is done. An immediate scan on entry
// fires anything that came due during downtime.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("Scheduler started", zap.Duration("interval", s.interval))

	s.tick(ctx)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	metrics.ScheduleTicks.Inc()

	now := s.now()
	due, err := s.store.ListDue(ctx, now)
	if err != nil {
		s.logger.Error("Failed to scan due schedules", zap.Error(err))
		return
	}

	for _, sched := range due {
		if !s.inflight.TryAcquire(sched.ID) {
			s.logger.Debug("Schedule still executing, skipping",
				zap.String("schedule_id", sched.ID.String()))
			metrics.ScheduledRuns.WithLabelValues("skipped").Inc()
			continue
		}
		metrics.ScheduleInflight.Set(float64(s.inflight.Len()))
		go s.execute(ctx, sched, now)
	}
}

// execute fires one scheduled run and advances the schedule's clock.
// The clock advances even when the start fails: there are no
// retry-on-miss semantics in this lane.
func (s *Scheduler) execute(ctx context.Context, sched *Schedule, now time.Time) {
	defer func() {
		s.inflight.Release(sched.ID)
		metrics.ScheduleInflight.Set(float64(s.inflight.Len()))
	}()

	_, err := s.starter.StartRun(ctx, sched.TaskID, store.AgentTypePlanning)
	switch {
	case err == nil:
		metrics.ScheduledRuns.WithLabelValues("started").Inc()
		s.logger.Info("Scheduled run started",
			zap.String("schedule_id", sched.ID.String()),
			zap.String("task_id", sched.TaskID.String()),
		)
	case isConflict(err):
		metrics.ScheduledRuns.WithLabelValues("conflict").Inc()
		s.logger.Info("Scheduled run skipped, task busy",
			zap.String("schedule_id", sched.ID.String()),
			zap.String("task_id", sched.TaskID.String()),
		)
	default:
		metrics.ScheduledRuns.WithLabelValues("error").Inc()
		s.logger.Error("Scheduled run failed to start",
			zap.String("schedule_id", sched.ID.String()),
			zap.Error(err),
		)
	}

	next, err := s.nextRun(sched, now)
	if err != nil {
		// Invalid expressions are rejected at creation; if one slips
		// through, back off a full interval instead of spinning.
		s.logger.Error("Failed to compute next run",
			zap.String("schedule_id", sched.ID.String()), zap.Error(err))
		next = now.Add(s.interval)
	}
	if err := s.store.UpdateRunTimes(ctx, sched.ID, now, next); err != nil {
		s.logger.Error("Failed to advance schedule",
			zap.String("schedule_id", sched.ID.String()), zap.Error(err))
	}
}

func (s *Scheduler) nextRun(sched *Schedule, now time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(sched.CronExpression)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrInvalidCronExpression, err)
	}
	tz, err := time.LoadLocation(sched.Timezone)
	if err != nil {
		tz = time.UTC
	}
	return schedule.Next(now.In(tz)), nil
}

func isConflict(err error) bool {
	var conflict *chain.ConflictError
	return errors.As(err, &conflict)
}
