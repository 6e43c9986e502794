package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// LocksHeld tracks how many locks are currently granted per resource.
	LocksHeld = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "interlock_locks_held",
			Help: "Number of locks currently held, by resource",
		},
		[]string{"resource"},
	)

	// QueueDepth tracks how many acquires are waiting per resource.
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "interlock_queue_depth",
			Help: "Number of queued lock requests, by resource",
		},
		[]string{"resource"},
	)

	// SessionsActive tracks the number of live client sessions.
	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "interlock_sessions_active",
			Help: "Number of live client sessions",
		},
	)

	// AcquiresTotal counts acquire outcomes.
	AcquiresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "interlock_acquires_total",
			Help: "Total lock acquire calls by outcome",
		},
		[]string{"outcome"}, // granted, queued, busy
	)

	// ReleasesTotal counts lock releases by kind.
	ReleasesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "interlock_releases_total",
			Help: "Total lock releases by kind",
		},
		[]string{"kind"}, // released, force_released, expired
	)

	// JobExecutionsTotal counts finalized job executions by status.
	JobExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "interlock_job_executions_total",
			Help: "Total finalized job executions by status",
		},
		[]string{"status"}, // success, failed, skipped
	)

	// JobExecutionDuration observes how long job actions run.
	JobExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "interlock_job_execution_duration_seconds",
			Help:    "Job action duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"job"},
	)

	// ReaperSweepsTotal counts reaper sweep iterations.
	ReaperSweepsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "interlock_reaper_sweeps_total",
			Help: "Total reaper sweep iterations",
		},
	)
)
