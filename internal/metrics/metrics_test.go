package metrics

import (
	"testing"
	"time"

	"github.com/nadmax/scholarq/internal/task"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordAttempt(t *testing.T) {
	AttemptsTotal.Reset()
	AttemptDuration.Reset()

	RecordAttempt(true, 2*time.Second)
	RecordAttempt(false, 500*time.Millisecond)
	RecordAttempt(false, 500*time.Millisecond)

	assert.Equal(t, 1.0, getCounterValue(t, AttemptsTotal, OutcomeSuccess))
	assert.Equal(t, 2.0, getCounterValue(t, AttemptsTotal, OutcomeFailure))
	assert.Equal(t, 2.0, getHistogramSum(t, AttemptDuration, OutcomeSuccess))
	assert.Equal(t, 1.0, getHistogramSum(t, AttemptDuration, OutcomeFailure))
}

func TestTaskCounters(t *testing.T) {
	before := map[string]float64{
		"seeded":    getPlainCounter(t, TasksSeeded),
		"succeeded": getPlainCounter(t, TasksSucceeded),
		"retried":   getPlainCounter(t, TasksRetried),
		"exhausted": getPlainCounter(t, TasksExhausted),
		"denied":    getPlainCounter(t, AdmissionDenied),
		"ckpt":      getPlainCounter(t, CheckpointWriteFailures),
	}

	RecordTasksSeeded(5)
	RecordTaskSucceeded()
	RecordTaskRetried()
	RecordTaskRetried()
	RecordTaskExhausted()
	RecordAdmissionDenied()
	RecordCheckpointWriteFailure()

	assert.Equal(t, before["seeded"]+5, getPlainCounter(t, TasksSeeded))
	assert.Equal(t, before["succeeded"]+1, getPlainCounter(t, TasksSucceeded))
	assert.Equal(t, before["retried"]+2, getPlainCounter(t, TasksRetried))
	assert.Equal(t, before["exhausted"]+1, getPlainCounter(t, TasksExhausted))
	assert.Equal(t, before["denied"]+1, getPlainCounter(t, AdmissionDenied))
	assert.Equal(t, before["ckpt"]+1, getPlainCounter(t, CheckpointWriteFailures))
}

func TestRecordRotation(t *testing.T) {
	IdentityRotations.Reset()

	RecordRotation(RotationRetry)
	RecordRotation(RotationAdmission)
	RecordRotation(RotationAdmission)

	assert.Equal(t, 1.0, getCounterValue(t, IdentityRotations, RotationRetry))
	assert.Equal(t, 2.0, getCounterValue(t, IdentityRotations, RotationAdmission))
}

func TestUpdateTaskGauges(t *testing.T) {
	UpdateTaskGauges(map[task.Status]int{
		task.StatusPending:         3,
		task.StatusSuccess:         7,
		task.StatusFailedExhausted: 1,
	})

	assert.Equal(t, 3.0, getGaugeValue(t, TasksByStatus, "pending"))
	assert.Equal(t, 7.0, getGaugeValue(t, TasksByStatus, "success"))
	assert.Equal(t, 1.0, getGaugeValue(t, TasksByStatus, "failed_exhausted"))

	UpdateTaskGauges(map[task.Status]int{task.StatusSuccess: 11})
	assert.Equal(t, 11.0, getGaugeValue(t, TasksByStatus, "success"))
	assert.Equal(t, 0.0, getGaugeValue(t, TasksByStatus, "pending"))
}

func TestPlainGauges(t *testing.T) {
	UpdateQueueDepth(42)
	UpdateActiveWorkers(3)
	UpdateIdentitiesTracked(9)

	assert.Equal(t, 42.0, getPlainGauge(t, QueueDepth))
	assert.Equal(t, 3.0, getPlainGauge(t, WorkersActive))
	assert.Equal(t, 9.0, getPlainGauge(t, IdentitiesTracked))
}

func TestRecordHTTPRequest(t *testing.T) {
	HTTPRequestsTotal.Reset()
	HTTPRequestDuration.Reset()

	RecordHTTPRequest("GET", "/api/progress", "200", 100*time.Millisecond)

	assert.Equal(t, 1.0, getCounterValue(t, HTTPRequestsTotal, "GET", "/api/progress", "200"))
	assert.Greater(t, getHistogramSum(t, HTTPRequestDuration, "GET", "/api/progress"), 0.0)
}

func getCounterValue(t *testing.T, counter *prometheus.CounterVec, labels ...string) float64 {
	metric := &dto.Metric{}
	c, err := counter.GetMetricWithLabelValues(labels...)
	require.NoError(t, err)

	require.NoError(t, c.Write(metric))
	return metric.Counter.GetValue()
}

func getPlainCounter(t *testing.T, counter prometheus.Counter) float64 {
	metric := &dto.Metric{}
	require.NoError(t, counter.Write(metric))
	return metric.Counter.GetValue()
}

func getGaugeValue(t *testing.T, gauge *prometheus.GaugeVec, labels ...string) float64 {
	metric := &dto.Metric{}
	g, err := gauge.GetMetricWithLabelValues(labels...)
	require.NoError(t, err)

	require.NoError(t, g.Write(metric))
	return metric.Gauge.GetValue()
}

func getPlainGauge(t *testing.T, gauge prometheus.Gauge) float64 {
	metric := &dto.Metric{}
	require.NoError(t, gauge.Write(metric))
	return metric.Gauge.GetValue()
}

func getHistogramSum(t *testing.T, histogram *prometheus.HistogramVec, labels ...string) float64 {
	metric := &dto.Metric{}
	observer, err := histogram.GetMetricWithLabelValues(labels...)
	require.NoError(t, err)

	h := observer.(prometheus.Histogram)
	require.NoError(t, h.Write(metric))
	return metric.Histogram.GetSampleSum()
}
