package repository

import (
	"context"
	"fmt"
	"sync"

	"github.com/nadmax/scholarq/internal/repository/models"
	"github.com/nadmax/scholarq/internal/task"
)

type MockAttemptRepository struct {
	mu                    sync.Mutex
	SaveTaskCalls         []SaveTaskCall
	UpdateTaskStatusCalls []UpdateTaskStatusCall
	LogAttemptCalls       []LogAttemptCall
	Stats                 []models.StatusCount
	EnsureSchemaCalls     int
	Closed                bool
	EnsureSchemaError     error
	SaveTaskError         error
	UpdateTaskStatusError error
	LogAttemptError       error
	GetTaskHistoryError   error
	GetSessionStatsError  error
}

type SaveTaskCall struct {
	SessionID string
	Name      string
	Key       string
	Status    task.Status
}

type UpdateTaskStatusCall struct {
	SessionID string
	Name      string
	Status    task.Status
	WorkerID  string
}

type LogAttemptCall struct {
	SessionID string
	Name      string
	Attempt   task.Attempt
}

func NewMockAttemptRepository() *MockAttemptRepository {
	return &MockAttemptRepository{
		Stats: make([]models.StatusCount, 0),
	}
}

func (m *MockAttemptRepository) EnsureSchema(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.EnsureSchemaCalls++
	return m.EnsureSchemaError
}

func (m *MockAttemptRepository) SaveTask(ctx context.Context, sessionID string, t *task.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.SaveTaskError != nil {
		return m.SaveTaskError
	}
	m.SaveTaskCalls = append(m.SaveTaskCalls, SaveTaskCall{
		SessionID: sessionID,
		Name:      t.Name,
		Key:       t.Key,
		Status:    t.Status,
	})

	return nil
}

func (m *MockAttemptRepository) UpdateTaskStatus(ctx context.Context, sessionID, name string, status task.Status, workerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.UpdateTaskStatusError != nil {
		return m.UpdateTaskStatusError
	}
	m.UpdateTaskStatusCalls = append(m.UpdateTaskStatusCalls, UpdateTaskStatusCall{
		SessionID: sessionID,
		Name:      name,
		Status:    status,
		WorkerID:  workerID,
	})

	return nil
}

func (m *MockAttemptRepository) LogAttempt(ctx context.Context, sessionID, name string, a task.Attempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.LogAttemptError != nil {
		return m.LogAttemptError
	}
	m.LogAttemptCalls = append(m.LogAttemptCalls, LogAttemptCall{
		SessionID: sessionID,
		Name:      name,
		Attempt:   a,
	})

	return nil
}

func (m *MockAttemptRepository) GetTaskHistory(ctx context.Context, sessionID, name string) ([]models.AttemptRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.GetTaskHistoryError != nil {
		return nil, m.GetTaskHistoryError
	}

	var history []models.AttemptRecord
	for _, call := range m.LogAttemptCalls {
		if call.SessionID != sessionID || call.Name != name {
			continue
		}
		history = append(history, models.AttemptRecord{
			Task:          name,
			AttemptNumber: call.Attempt.Number,
			Success:       call.Attempt.Success,
			StartedAt:     call.Attempt.StartedAt,
			CompletedAt:   call.Attempt.CompletedAt,
			DurationMs:    int(call.Attempt.Duration.Milliseconds()),
			ErrorMessage:  call.Attempt.Error,
			WorkerID:      call.Attempt.WorkerID,
			Identity:      call.Attempt.Identity,
		})
	}
	if len(history) == 0 {
		return nil, fmt.Errorf("%w for %s", ErrNoHistory, name)
	}

	return history, nil
}

func (m *MockAttemptRepository) GetSessionStats(ctx context.Context, sessionID string) ([]models.StatusCount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.GetSessionStatsError != nil {
		return nil, m.GetSessionStatsError
	}

	return m.Stats, nil
}

func (m *MockAttemptRepository) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Closed = true
	return nil
}

func (m *MockAttemptRepository) GetLogAttemptCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.LogAttemptCalls)
}

func (m *MockAttemptRepository) Attempts(name string) []task.Attempt {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []task.Attempt
	for _, call := range m.LogAttemptCalls {
		if call.Name == name {
			out = append(out, call.Attempt)
		}
	}
	return out
}
