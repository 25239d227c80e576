package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// SchedulerMetrics holds metrics for the cron tick and leader election.
type SchedulerMetrics struct {
	TicksTotal        *prometheus.CounterVec
	TickDuration      prometheus.Histogram
	SchedulesDue      prometheus.Counter
	SubmitErrorsTotal prometheus.Counter
	LeaderState       prometheus.Gauge
}

// QueueMetrics holds metrics for the job queue and worker pool.
type QueueMetrics struct {
	EnqueuedTotal   *prometheus.CounterVec
	Depth           *prometheus.GaugeVec
	DeliveriesTotal *prometheus.CounterVec
	LockDeferrals   prometheus.Counter
	DegradedTotal   prometheus.Counter
	JobDuration     *prometheus.HistogramVec
}

// RunMetrics holds metrics for agent runs and workflow runs.
type RunMetrics struct {
	RunsTotal     *prometheus.CounterVec
	RunsActive    prometheus.Gauge
	RunDuration   *prometheus.HistogramVec
	WorkflowSteps *prometheus.CounterVec
	AbortsTotal   prometheus.Counter
}

func newSchedulerMetrics(registry *prometheus.Registry) *SchedulerMetrics {
	m := &SchedulerMetrics{
		TicksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "relay",
				Subsystem: "scheduler",
				Name:      "ticks_total",
				Help:      "Total number of scheduler ticks by outcome.",
			},
			[]string{"outcome"},
		),
		TickDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "relay",
				Subsystem: "scheduler",
				Name:      "tick_duration_seconds",
				Help:      "Duration of a full scheduler tick.",
				Buckets:   prometheus.DefBuckets,
			},
		),
		SchedulesDue: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "relay",
				Subsystem: "scheduler",
				Name:      "schedules_due_total",
				Help:      "Total number of schedules selected as due.",
			},
		),
		SubmitErrorsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "relay",
				Subsystem: "scheduler",
				Name:      "submit_errors_total",
				Help:      "Total number of per-schedule submission errors.",
			},
		),
		LeaderState: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "relay",
				Subsystem: "scheduler",
				Name:      "leader",
				Help:      "1 if this instance currently holds the leader lease.",
			},
		),
	}

	registry.MustRegister(
		m.TicksTotal,
		m.TickDuration,
		m.SchedulesDue,
		m.SubmitErrorsTotal,
		m.LeaderState,
	)

	return m
}

func newQueueMetrics(registry *prometheus.Registry) *QueueMetrics {
	m := &QueueMetrics{
		EnqueuedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "relay",
				Subsystem: "queue",
				Name:      "enqueued_total",
				Help:      "Total jobs enqueued by queue and outcome (accepted, duplicate).",
			},
			[]string{"queue", "outcome"},
		),
		Depth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "relay",
				Subsystem: "queue",
				Name:      "depth",
				Help:      "Number of jobs waiting for delivery by queue.",
			},
			[]string{"queue"},
		),
		DeliveriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "relay",
				Subsystem: "queue",
				Name:      "deliveries_total",
				Help:      "Total job deliveries by queue and result (success, failure, deferred).",
			},
			[]string{"queue", "result"},
		),
		LockDeferrals: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "relay",
				Subsystem: "queue",
				Name:      "lock_deferrals_total",
				Help:      "Total deliveries deferred due to agent lock contention.",
			},
		),
		DegradedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "relay",
				Subsystem: "queue",
				Name:      "degraded_submissions_total",
				Help:      "Total submissions routed through the in-process fallback chain.",
			},
		),
		JobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "relay",
				Subsystem: "queue",
				Name:      "job_duration_seconds",
				Help:      "Wall-clock duration of job execution by queue.",
				Buckets:   []float64{1, 5, 15, 60, 300, 900, 1800, 3600},
			},
			[]string{"queue"},
		),
	}

	registry.MustRegister(
		m.EnqueuedTotal,
		m.Depth,
		m.DeliveriesTotal,
		m.LockDeferrals,
		m.DegradedTotal,
		m.JobDuration,
	)

	return m
}

func newRunMetrics(registry *prometheus.Registry) *RunMetrics {
	m := &RunMetrics{
		RunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "relay",
				Subsystem: "runs",
				Name:      "total",
				Help:      "Total runs finished by kind (agent, workflow) and status.",
			},
			[]string{"kind", "status"},
		),
		RunsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "relay",
				Subsystem: "runs",
				Name:      "active",
				Help:      "Number of runs currently executing.",
			},
		),
		RunDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "relay",
				Subsystem: "runs",
				Name:      "duration_seconds",
				Help:      "Duration of finished runs by kind.",
				Buckets:   []float64{1, 5, 15, 60, 300, 900, 1800, 3600},
			},
			[]string{"kind"},
		),
		WorkflowSteps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "relay",
				Subsystem: "runs",
				Name:      "workflow_steps_total",
				Help:      "Total workflow steps executed by status.",
			},
			[]string{"status"},
		),
		AbortsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "relay",
				Subsystem: "runs",
				Name:      "aborts_total",
				Help:      "Total abort requests that reached an in-flight run.",
			},
		),
	}

	registry.MustRegister(
		m.RunsTotal,
		m.RunsActive,
		m.RunDuration,
		m.WorkflowSteps,
		m.AbortsTotal,
	)

	return m
}
