package task

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTask(t *testing.T) {
	tsk := NewTask("Ada Lovelace", "abc123XYZ")

	assert.Equal(t, "Ada Lovelace", tsk.Name)
	assert.Equal(t, "abc123XYZ", tsk.Key)
	assert.Equal(t, StatusPending, tsk.Status)
	assert.Equal(t, 0, tsk.AttemptCount())
	assert.Equal(t, 1, tsk.NextAttempt())
}

func TestStatusTerminal(t *testing.T) {
	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusFailedRetrying.Terminal())
	assert.True(t, StatusSuccess.Terminal())
	assert.True(t, StatusFailedExhausted.Terminal())
}

func TestStatusValid(t *testing.T) {
	for _, s := range Statuses {
		assert.True(t, s.Valid(), s)
	}
	assert.False(t, Status("running").Valid())
}

func TestRecord_EnforcesContiguousOrdinals(t *testing.T) {
	tsk := NewTask("B", "key-b")
	now := time.Now()

	require.NoError(t, tsk.Record(Attempt{Number: 1, StartedAt: now}))
	require.NoError(t, tsk.Record(Attempt{Number: 2, StartedAt: now}))

	err := tsk.Record(Attempt{Number: 4})
	assert.Error(t, err)

	err = tsk.Record(Attempt{Number: 2})
	assert.Error(t, err)

	assert.Equal(t, 2, tsk.AttemptCount())
	last, ok := tsk.LastAttempt()
	assert.True(t, ok)
	assert.Equal(t, 2, last.Number)
}

func TestLastAttempt_Empty(t *testing.T) {
	_, ok := NewTask("C", "k").LastAttempt()
	assert.False(t, ok)
}

func TestTaskJSON(t *testing.T) {
	original := NewTask("Grace Hopper", "gh000001")
	require.NoError(t, original.Record(Attempt{Number: 1, Success: false, Error: "blocked", WorkerID: "worker-1"}))

	jsonStr, err := original.ToJSON()
	require.NoError(t, err)
	assert.Contains(t, jsonStr, "Grace Hopper")

	restored, err := TaskFromJSON(jsonStr)
	require.NoError(t, err)
	assert.Equal(t, original.Name, restored.Name)
	assert.Equal(t, original.Key, restored.Key)
	assert.Len(t, restored.Attempts, 1)
	assert.Equal(t, "blocked", restored.Attempts[0].Error)
}

func TestTaskFromJSON_InvalidJSON(t *testing.T) {
	_, err := TaskFromJSON("invalid json")

	assert.Error(t, err)
}
