// Package metrics exposes the pipeline's Prometheus instrumentation:
// job/step counters, queue depth gauges, and duration histograms.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	JobsEnqueuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_jobs_enqueued_total",
			Help: "Total number of jobs enqueued, by lane.",
		},
		[]string{"queue"},
	)

	JobsCompletedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_jobs_completed_total",
			Help: "Total number of jobs that reached a terminal state.",
		},
		[]string{"queue", "status"}, // status: completed, failed
	)

	StepsExecutedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_steps_executed_total",
			Help: "Total number of step runs (after retries), by backend and outcome.",
		},
		[]string{"backend", "outcome"}, // outcome: success, error, skipped
	)

	EffectFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_effect_failures_total",
			Help: "Total number of effect dispatch failures, by event kind.",
		},
		[]string{"event"},
	)

	QueueLength = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pipeline_queue_length",
			Help: "Current number of queued jobs, by lane.",
		},
		[]string{"queue"},
	)

	RunningJobs = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pipeline_running_jobs",
			Help: "Current number of jobs being executed, by lane.",
		},
		[]string{"queue"},
	)

	// JobDurationSeconds buckets span 10ms to ~163s, matching the range of
	// a single fast template-only step through a full multi-step pipeline.
	JobDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pipeline_job_duration_seconds",
			Help:    "End-to-end job duration in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 15),
		},
		[]string{"queue", "type"},
	)

	StepDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pipeline_step_duration_seconds",
			Help:    "Per-step execution duration in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 15),
		},
		[]string{"backend", "task"},
	)
)
