// Package task defines the researcher work item carried through a batch run,
// its status values and the attempt records appended while it is processed.
package task

import (
	"encoding/json"
	"fmt"
	"time"
)

type (
	Status string
	Task   struct {
		Name     string    `json:"name"`
		Key      string    `json:"key"`
		Status   Status    `json:"status"`
		Attempts []Attempt `json:"attempts,omitempty"`
	}
	Attempt struct {
		Number      int           `json:"number"`
		StartedAt   time.Time     `json:"started_at"`
		CompletedAt time.Time     `json:"completed_at"`
		Duration    time.Duration `json:"duration"`
		Success     bool          `json:"success"`
		Error       string        `json:"error,omitempty"`
		WorkerID    string        `json:"worker_id"`
		Identity    string        `json:"identity,omitempty"`
	}
)

const (
	StatusPending         Status = "pending"
	StatusSuccess         Status = "success"
	StatusFailedRetrying  Status = "failed_retrying"
	StatusFailedExhausted Status = "failed_exhausted"
)

// Statuses lists every partition in reporting order.
var Statuses = []Status{
	StatusPending,
	StatusSuccess,
	StatusFailedRetrying,
	StatusFailedExhausted,
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusSuccess, StatusFailedRetrying, StatusFailedExhausted:
		return true
	}
	return false
}

func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailedExhausted
}

func (s Status) String() string {
	return string(s)
}

func NewTask(name, key string) *Task {
	return &Task{
		Name:   name,
		Key:    key,
		Status: StatusPending,
	}
}

func (t *Task) AttemptCount() int {
	return len(t.Attempts)
}

// NextAttempt returns the ordinal the next attempt must carry.
func (t *Task) NextAttempt() int {
	return len(t.Attempts) + 1
}

// Record appends an attempt. Ordinals must be contiguous and start at 1.
func (t *Task) Record(a Attempt) error {
	if want := t.NextAttempt(); a.Number != want {
		return fmt.Errorf("task %s: attempt %d out of order, expected %d", t.Name, a.Number, want)
	}
	t.Attempts = append(t.Attempts, a)
	return nil
}

func (t *Task) LastAttempt() (Attempt, bool) {
	if len(t.Attempts) == 0 {
		return Attempt{}, false
	}
	return t.Attempts[len(t.Attempts)-1], true
}

func (t *Task) ToJSON() (string, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return "", err
	}

	return string(data), nil
}

func TaskFromJSON(data string) (*Task, error) {
	var t Task
	if err := json.Unmarshal([]byte(data), &t); err != nil {
		return nil, err
	}

	return &t, nil
}
