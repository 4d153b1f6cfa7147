package session

import (
	"context"
	"errors"

	"github.com/nadmax/scholarq/internal/checkpoint"
	"github.com/nadmax/scholarq/internal/ledger"
	"github.com/nadmax/scholarq/internal/task"
)

// ErrNoActiveRun is returned by the status views before RunBatch has started.
var ErrNoActiveRun = errors.New("session: no active run")

func (c *Coordinator) Progress(ctx context.Context) (checkpoint.Snapshot, error) {
	r := c.current()
	if r == nil {
		return checkpoint.Snapshot{}, ErrNoActiveRun
	}
	return r.checkpoints.Snapshot(), nil
}

func (c *Coordinator) Identities(ctx context.Context, limit int) (ledger.Stats, []ledger.Usage, error) {
	r := c.current()
	if r == nil {
		return ledger.Stats{}, nil, ErrNoActiveRun
	}
	return r.ledger.Snapshot(), r.ledger.Top(limit), nil
}

// TaskAttempts returns the attempts made on name during the current run.
func (c *Coordinator) TaskAttempts(ctx context.Context, name string) (task.Status, []task.Attempt, error) {
	r := c.current()
	if r == nil {
		return "", nil, ErrNoActiveRun
	}
	status, ok := r.checkpoints.StatusOf(name)
	if !ok {
		return "", nil, checkpoint.ErrUnknownTask
	}
	return status, r.results.Attempts(name), nil
}
