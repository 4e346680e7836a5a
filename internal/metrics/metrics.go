package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Run lifecycle metrics
	RunsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_runs_started_total",
			Help: "Total number of agent runs started",
		},
		[]string{"agent_type", "trigger"},
	)

	RunsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_runs_completed_total",
			Help: "Total number of agent runs that reached a terminal status",
		},
		[]string{"agent_type", "status"},
	)

	RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_run_duration_seconds",
			Help:    "Agent run duration from start to termination in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
		[]string{"agent_type"},
	)

	// Chaining metrics
	ChainContinuations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_chain_continuations_total",
			Help: "Total number of chained runs started after a clean completion",
		},
		[]string{"agent_type"},
	)

	ChainFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_chain_failures_total",
			Help: "Total number of chain continuations that could not start",
		},
	)

	GuardConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_guard_conflicts_total",
			Help: "Total number of run starts rejected because another run was active",
		},
	)

	ForceCompletions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_force_completions_total",
			Help: "Total number of stuck runs force-completed by recovery",
		},
	)

	// Notification metrics
	NotificationsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_notifications_sent_total",
			Help: "Total number of notifications attempted",
		},
		[]string{"sink", "status"},
	)

	NotificationsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_notifications_dropped_total",
			Help: "Total number of notifications dropped by rate limiting",
		},
	)

	// Schedule lane metrics
	ScheduleTicks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_schedule_ticks_total",
			Help: "Total number of schedule scan ticks",
		},
	)

	ScheduledRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_scheduled_runs_total",
			Help: "Total number of schedule-triggered run attempts",
		},
		[]string{"status"},
	)

	ScheduleInflight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_schedule_inflight",
			Help: "Number of scheduled runs currently executing",
		},
	)

	// Event stream metrics
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_events_published_total",
			Help: "Total number of lifecycle events published",
		},
		[]string{"type"},
	)
)
