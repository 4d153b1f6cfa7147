// Package metrics provides Prometheus metrics for monitoring batch runs.
package metrics

import (
	"time"

	"github.com/nadmax/scholarq/internal/task"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	RotationRetry     = "retry"
	RotationAdmission = "admission"

	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

var (
	TasksSeeded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "scholarq_tasks_seeded_total",
			Help: "Total number of tasks placed on the work queue",
		},
	)
	AttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scholarq_attempts_total",
			Help: "Total number of execution attempts by outcome",
		},
		[]string{"outcome"},
	)
	TasksSucceeded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "scholarq_tasks_succeeded_total",
			Help: "Total number of tasks that reached success",
		},
	)
	TasksRetried = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "scholarq_tasks_retried_total",
			Help: "Total number of task retries",
		},
	)
	TasksExhausted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "scholarq_tasks_exhausted_total",
			Help: "Total number of tasks abandoned after the retry budget",
		},
	)
	IdentityRotations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scholarq_identity_rotations_total",
			Help: "Total number of identity rotations by reason",
		},
		[]string{"reason"},
	)
	AdmissionDenied = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "scholarq_admission_denied_total",
			Help: "Total number of times an over-budget identity was refused",
		},
	)
	CheckpointWriteFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "scholarq_checkpoint_write_failures_total",
			Help: "Total number of failed checkpoint writes",
		},
	)
	AttemptDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scholarq_attempt_duration_seconds",
			Help:    "Attempt execution duration in seconds",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 20, 30, 60, 120, 300},
		},
		[]string{"outcome"},
	)
	TasksByStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "scholarq_tasks",
			Help: "Current number of tasks by checkpoint status",
		},
		[]string{"status"},
	)
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "scholarq_queue_depth",
			Help: "Current depth of the work queue",
		},
	)
	WorkersActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "scholarq_workers_active",
			Help: "Number of currently running workers",
		},
	)
	IdentitiesTracked = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "scholarq_identities_tracked",
			Help: "Number of distinct exit identities in the usage ledger",
		},
	)
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scholarq_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scholarq_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)
)

func RecordTasksSeeded(n int) {
	TasksSeeded.Add(float64(n))
}

func RecordAttempt(success bool, duration time.Duration) {
	outcome := OutcomeFailure
	if success {
		outcome = OutcomeSuccess
	}
	AttemptsTotal.WithLabelValues(outcome).Inc()
	AttemptDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

func RecordTaskSucceeded() {
	TasksSucceeded.Inc()
}

func RecordTaskRetried() {
	TasksRetried.Inc()
}

func RecordTaskExhausted() {
	TasksExhausted.Inc()
}

func RecordRotation(reason string) {
	IdentityRotations.WithLabelValues(reason).Inc()
}

func RecordAdmissionDenied() {
	AdmissionDenied.Inc()
}

func RecordCheckpointWriteFailure() {
	CheckpointWriteFailures.Inc()
}

func UpdateTaskGauges(counts map[task.Status]int) {
	TasksByStatus.Reset()
	for status, count := range counts {
		TasksByStatus.WithLabelValues(string(status)).Set(float64(count))
	}
}

func UpdateQueueDepth(depth int) {
	QueueDepth.Set(float64(depth))
}

func UpdateActiveWorkers(count int) {
	WorkersActive.Set(float64(count))
}

func UpdateIdentitiesTracked(count int) {
	IdentitiesTracked.Set(float64(count))
}

func RecordHTTPRequest(method, endpoint, status string, duration time.Duration) {
	HTTPRequestsTotal.WithLabelValues(method, endpoint, status).Inc()
	HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}
