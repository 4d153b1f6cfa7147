package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nadmax/scholarq/internal/checkpoint"
	"github.com/nadmax/scholarq/internal/ledger"
	"github.com/nadmax/scholarq/internal/repository"
	"github.com/nadmax/scholarq/internal/storage"
	"github.com/nadmax/scholarq/internal/task"
)

// Inspector answers the status views from what a run has persisted, for a
// process other than the one running the batch. It never writes.
//
// The ledger is only written when a run ends, so Identities reflects the last
// completed run until then.
type Inspector struct {
	store   storage.SnapshotStore
	history repository.AttemptRepository
}

// NewInspector reads from store. history may be nil, in which case
// TaskAttempts reports statuses without attempts.
func NewInspector(store storage.SnapshotStore, history repository.AttemptRepository) *Inspector {
	if history == nil {
		history = repository.Nop{}
	}
	return &Inspector{store: store, history: history}
}

func (i *Inspector) Progress(ctx context.Context) (checkpoint.Snapshot, error) {
	snap, err := checkpoint.LoadExisting(ctx, i.store, checkpoint.DefaultKey)
	if errors.Is(err, storage.ErrNotFound) {
		return checkpoint.Snapshot{}, ErrNoActiveRun
	}
	return snap, err
}

func (i *Inspector) Identities(ctx context.Context, limit int) (ledger.Stats, []ledger.Usage, error) {
	led := ledger.New(i.store, ledger.DefaultKey)
	if err := led.Reload(ctx); err != nil {
		return ledger.Stats{}, nil, err
	}
	return led.Snapshot(), led.Top(limit), nil
}

func (i *Inspector) TaskAttempts(ctx context.Context, name string) (task.Status, []task.Attempt, error) {
	snap, err := i.Progress(ctx)
	if err != nil {
		return "", nil, err
	}
	status, ok := snap.StatusOf(name)
	if !ok {
		return "", nil, checkpoint.ErrUnknownTask
	}

	records, err := i.history.GetTaskHistory(ctx, snap.SessionID, name)
	if err != nil {
		if errors.Is(err, repository.ErrNoHistory) {
			return status, nil, nil
		}
		return "", nil, fmt.Errorf("task history: %w", err)
	}

	attempts := make([]task.Attempt, 0, len(records))
	for _, r := range records {
		attempts = append(attempts, task.Attempt{
			Number:      r.AttemptNumber,
			StartedAt:   r.StartedAt,
			CompletedAt: r.CompletedAt,
			Duration:    time.Duration(r.DurationMs) * time.Millisecond,
			Success:     r.Success,
			Error:       r.ErrorMessage,
			WorkerID:    r.WorkerID,
			Identity:    r.Identity,
		})
	}
	return status, attempts, nil
}
