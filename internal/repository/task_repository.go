// Package repository persists per-session task status and the attempt log to PostgreSQL.
package repository

import (
	"context"
	"errors"

	"github.com/nadmax/scholarq/internal/repository/models"
	"github.com/nadmax/scholarq/internal/task"
)

// ErrNoHistory is returned when a task has no recorded attempts in a session.
var ErrNoHistory = errors.New("repository: no attempts recorded")

type AttemptRepository interface {
	EnsureSchema(ctx context.Context) error
	SaveTask(ctx context.Context, sessionID string, t *task.Task) error
	UpdateTaskStatus(ctx context.Context, sessionID, name string, status task.Status, workerID string) error
	LogAttempt(ctx context.Context, sessionID, name string, a task.Attempt) error
	GetTaskHistory(ctx context.Context, sessionID, name string) ([]models.AttemptRecord, error)
	GetSessionStats(ctx context.Context, sessionID string) ([]models.StatusCount, error)
	Close() error
}

// Nop discards everything; used when no database is configured.
type Nop struct{}

func (Nop) EnsureSchema(context.Context) error { return nil }
func (Nop) SaveTask(context.Context, string, *task.Task) error { return nil }
func (Nop) UpdateTaskStatus(context.Context, string, string, task.Status, string) error { return nil }
func (Nop) LogAttempt(context.Context, string, string, task.Attempt) error { return nil }
func (Nop) Close() error { return nil }
func (Nop) GetSessionStats(context.Context, string) ([]models.StatusCount, error) { return nil, nil }
func (Nop) GetTaskHistory(context.Context, string, string) ([]models.AttemptRecord, error) {
	return nil, nil
}
