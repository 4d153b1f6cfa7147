// Package worker provides the execution units that drain the session queue,
// driving each task through admission, execution and retries to a terminal status.
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/nadmax/scholarq/internal/checkpoint"
	"github.com/nadmax/scholarq/internal/executor"
	"github.com/nadmax/scholarq/internal/gate"
	"github.com/nadmax/scholarq/internal/identity"
	"github.com/nadmax/scholarq/internal/ledger"
	log "github.com/nadmax/scholarq/internal/logging"
	"github.com/nadmax/scholarq/internal/metrics"
	"github.com/nadmax/scholarq/internal/queue"
	"github.com/nadmax/scholarq/internal/repository"
	"github.com/nadmax/scholarq/internal/retry"
	"github.com/nadmax/scholarq/internal/task"
)

// Shared is handed to every worker of a session. Each member guards itself;
// there is no lock spanning more than one of them.
type Shared struct {
	SessionID   string
	Queue       *queue.Queue
	Gate        *gate.Gate
	Rotator     identity.Rotator
	Executor    executor.Executor
	Checkpoints *checkpoint.Store
	Ledger      *ledger.Ledger
	Results     *Results
	History     repository.AttemptRepository
	Policy      retry.Policy
	PollTimeout time.Duration
}

type Worker struct {
	id     string
	shared *Shared
	sleep  func(context.Context, time.Duration) error
	now    func() time.Time
}

func NewWorker(id string, shared *Shared) *Worker {
	if shared.History == nil {
		shared.History = repository.Nop{}
	}
	return &Worker{
		id:     id,
		shared: shared,
		sleep:  retry.Sleep,
		now:    time.Now,
	}
}

func (w *Worker) ID() string {
	return w.id
}

// Start runs until the queue stays empty for a full poll timeout or ctx is
// cancelled. A task already dequeued is carried to a terminal status unless
// ctx ends between its attempts.
func (w *Worker) Start(ctx context.Context) {
	log.WithFields(log.Fields{"event": "worker_started", "worker": w.id}).Info("worker started")
	defer log.WithFields(log.Fields{"event": "worker_stopped", "worker": w.id}).Info("worker stopped")

	for {
		if ctx.Err() != nil {
			return
		}

		t, err := w.shared.Queue.Dequeue(ctx, w.shared.PollTimeout)
		if errors.Is(err, queue.ErrTimeout) {
			if w.shared.Queue.Empty() {
				return
			}
			continue
		}
		if err != nil {
			return
		}

		metrics.UpdateQueueDepth(w.shared.Queue.Size())
		w.safeProcess(ctx, t)
		w.shared.Queue.Done()
	}
}

func (w *Worker) safeProcess(ctx context.Context, t *task.Task) {
	defer func() {
		if r := recover(); r != nil {
			log.WithFields(log.Fields{
				"event":  "worker_panic",
				"worker": w.id,
				"task":   t.Name,
				"stack":  string(debug.Stack()),
			}).Error(r)
		}
	}()

	w.process(ctx, t)
}

func (w *Worker) process(ctx context.Context, t *task.Task) {
	for {
		number := t.NextAttempt()
		if number > 1 {
			if err := ctx.Err(); err != nil {
				w.abandon(t, err)
				return
			}
			if !w.refreshIdentity(ctx, t, number) {
				return
			}
		}

		admitted, err := w.shared.Gate.Admit(ctx, w.id)
		if err != nil {
			w.abandon(t, err)
			return
		}

		a := w.attempt(ctx, t, number, admitted)
		w.settle(t.Name, admitted, a.Success)
		if err := t.Record(a); err != nil {
			log.WithFields(log.Fields{"event": "attempt_rejected", "worker": w.id}).Error(err)
			return
		}
		w.shared.Results.RecordAttempt(t.Name, a)
		w.logHistory(ctx, t.Name, a)

		decision := w.shared.Policy.Decide(t.AttemptCount(), a.Success)
		fields := log.Fields{
			"worker":   w.id,
			"task":     t.Name,
			"attempt":  a.Number,
			"identity": a.Identity,
			"duration": a.Duration.String(),
		}

		switch decision {
		case retry.Succeed:
			w.transition(ctx, t, task.StatusSuccess)
			w.shared.Results.Finish(t.Name, task.StatusSuccess)
			metrics.RecordTaskSucceeded()
			fields["event"] = "task_success"
			log.WithFields(fields).Info("task succeeded")
			return
		case retry.GiveUp:
			w.transition(ctx, t, task.StatusFailedExhausted)
			w.shared.Results.Finish(t.Name, task.StatusFailedExhausted)
			metrics.RecordTaskExhausted()
			fields["event"] = "task_exhausted"
			fields["error"] = a.Error
			log.WithFields(fields).Error("task failed permanently")
			return
		default:
			w.transition(ctx, t, task.StatusFailedRetrying)
			metrics.RecordTaskRetried()
			fields["event"] = "task_retry"
			fields["error"] = a.Error
			fields["max_attempts"] = w.shared.Policy.MaxAttempts
			log.WithFields(fields).Warn("attempt failed, will retry")
		}
	}
}

// settle charges a success to the admitted identity and returns the
// reservation the gate took on it.
func (w *Worker) settle(name, admitted string, success bool) {
	if !identity.IsKnown(admitted) {
		return
	}
	if success {
		w.shared.Ledger.RecordSuccess(name, admitted, w.id)
	}
	w.shared.Ledger.Release(admitted)
}

// refreshIdentity discards the identity blamed for the previous failure and
// waits for the new one to settle.
func (w *Worker) refreshIdentity(ctx context.Context, t *task.Task, number int) bool {
	if err := w.shared.Rotator.Rotate(ctx); err != nil {
		log.WithFields(log.Fields{
			"event":   "rotation_failed",
			"worker":  w.id,
			"task":    t.Name,
			"attempt": number,
		}).Warn(err)
	} else {
		metrics.RecordRotation(metrics.RotationRetry)
	}

	if err := w.sleep(ctx, w.shared.Policy.Wait); err != nil {
		w.abandon(t, err)
		return false
	}
	return true
}

// attempt runs the executor once. The executor is not cancelled with the
// session; it is bound by its own timeout.
func (w *Worker) attempt(ctx context.Context, t *task.Task, number int, admitted string) task.Attempt {
	started := w.now()
	res := executor.Safe(context.WithoutCancel(ctx), w.shared.Executor, t)
	completed := w.now()

	used := admitted
	if !identity.IsKnown(used) && res.Identity != "" {
		used = res.Identity
	}

	a := task.Attempt{
		Number:      number,
		StartedAt:   started,
		CompletedAt: completed,
		Duration:    completed.Sub(started),
		Success:     res.Success,
		Error:       res.Error,
		WorkerID:    w.id,
		Identity:    used,
	}
	metrics.RecordAttempt(a.Success, a.Duration)

	return a
}

func (w *Worker) transition(ctx context.Context, t *task.Task, status task.Status) {
	t.Status = status
	persistCtx := context.WithoutCancel(ctx)

	if err := w.shared.Checkpoints.Transition(persistCtx, t.Name, status); err != nil {
		log.WithFields(log.Fields{
			"event":  "transition_not_persisted",
			"worker": w.id,
			"task":   t.Name,
			"status": status.String(),
		}).Warn(err)
	}
	if err := w.shared.History.UpdateTaskStatus(persistCtx, w.shared.SessionID, t.Name, status, w.id); err != nil {
		log.WithFields(log.Fields{
			"event":  "history_update_failed",
			"worker": w.id,
			"task":   t.Name,
		}).Warn(err)
	}
}

func (w *Worker) logHistory(ctx context.Context, name string, a task.Attempt) {
	if err := w.shared.History.LogAttempt(context.WithoutCancel(ctx), w.shared.SessionID, name, a); err != nil {
		log.WithFields(log.Fields{
			"event":   "history_log_failed",
			"worker":  w.id,
			"task":    name,
			"attempt": a.Number,
		}).Warn(err)
	}
}

func (w *Worker) abandon(t *task.Task, cause error) {
	log.WithFields(log.Fields{
		"event":    "task_interrupted",
		"worker":   w.id,
		"task":     t.Name,
		"attempts": t.AttemptCount(),
		"status":   t.Status.String(),
	}).Warn(fmt.Sprintf("stopping before next attempt: %v", cause))
}
