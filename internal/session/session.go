// Package session owns a whole batch run: it restores or initializes the
// checkpoint, seeds the queue, runs the worker pool to completion and
// produces the final report.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
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
	"github.com/nadmax/scholarq/internal/storage"
	"github.com/nadmax/scholarq/internal/task"
	"github.com/nadmax/scholarq/internal/worker"
)

var (
	ErrDependencyUnavailable = errors.New("session: external dependency unavailable")
	ErrInterrupted           = errors.New("session: interrupted before completion")
)

type Config struct {
	WorkerCount       int
	PerIdentityLimit  int
	MaxRetriesPerTask int
	// Location is where a fresh run persists its snapshots.
	Location string
	// ResumeFrom, when set, is a previous run's location; the run continues there.
	ResumeFrom      string
	ResumeExhausted bool

	PollTimeout      time.Duration
	RetryWait        time.Duration
	CompletionPoll   time.Duration
	ProgressInterval time.Duration
	JoinTimeout      time.Duration
	BackoffBase      time.Duration
	BackoffMax       time.Duration
}

func DefaultConfig() Config {
	return Config{
		WorkerCount:       10,
		PerIdentityLimit:  10,
		MaxRetriesPerTask: 5,
		PollTimeout:       5 * time.Second,
		RetryWait:         20 * time.Second,
		CompletionPoll:    10 * time.Second,
		ProgressInterval:  30 * time.Second,
		JoinTimeout:       30 * time.Second,
		BackoffBase:       2 * time.Second,
		BackoffMax:        60 * time.Second,
	}
}

type Option func(*Coordinator)

// WithHistory records tasks and attempts in repo.
func WithHistory(repo repository.AttemptRepository) Option {
	return func(c *Coordinator) { c.history = repo }
}

// WithStore uses store instead of opening the configured location.
// The coordinator does not close a store it was given.
func WithStore(store storage.SnapshotStore) Option {
	return func(c *Coordinator) { c.store = store }
}

type Coordinator struct {
	cfg     Config
	rotator identity.Rotator
	exec    executor.Executor
	history repository.AttemptRepository
	store   storage.SnapshotStore

	mu   sync.RWMutex
	live *run
}

// run is the state of the batch currently executing, exposed read-only to
// status views.
type run struct {
	sessionID   string
	checkpoints *checkpoint.Store
	ledger      *ledger.Ledger
	results     *worker.Results
}

func NewCoordinator(cfg Config, rotator identity.Rotator, exec executor.Executor, opts ...Option) *Coordinator {
	c := &Coordinator{
		cfg:     cfg,
		rotator: rotator,
		exec:    exec,
		history: repository.Nop{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RunBatch processes tasks until every seeded task is terminal, every worker
// has exited, or ctx is cancelled. On cancellation the partial report is
// returned together with ErrInterrupted.
func (c *Coordinator) RunBatch(ctx context.Context, tasks []*task.Task) (*Report, error) {
	started := time.Now()

	if p, ok := c.rotator.(identity.Pinger); ok {
		if err := p.Ping(ctx); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDependencyUnavailable, err)
		}
	}

	store, err := c.openStore()
	if err != nil {
		return nil, err
	}
	if c.store == nil {
		defer func() { _ = store.Close() }()
	}

	sessionID := uuid.NewString()
	led := ledger.New(store, ledger.DefaultKey)
	if err := led.Reload(ctx); err != nil {
		log.WithFields(log.Fields{"event": "ledger_reload_failed"}).Warn(err)
	}

	ckpt := checkpoint.New(store, checkpoint.DefaultKey)
	ckpt.OnPersistError(func(error) { metrics.RecordCheckpointWriteFailure() })

	byName, names := index(tasks)
	queued, err := c.restore(ctx, store, ckpt, sessionID, names)
	if err != nil {
		return nil, err
	}

	results := worker.NewResults()
	c.setLive(&run{sessionID: sessionID, checkpoints: ckpt, ledger: led, results: results})

	if err := c.history.EnsureSchema(ctx); err != nil {
		log.WithFields(log.Fields{"event": "history_schema_failed"}).Warn(err)
	}

	q := queue.NewQueue()
	for _, name := range queued {
		t := byName[name]
		// the retry budget is per session
		t.Status = task.StatusPending
		t.Attempts = nil
		q.Enqueue(t)
		if err := c.history.SaveTask(ctx, sessionID, t); err != nil {
			log.WithFields(log.Fields{"event": "history_save_failed", "task": name}).Warn(err)
		}
	}
	metrics.RecordTasksSeeded(len(queued))
	metrics.UpdateQueueDepth(q.Size())

	log.WithFields(log.Fields{
		"event":    "session_start",
		"session":  sessionID,
		"location": store.Location(),
		"tasks":    len(names),
		"queued":   len(queued),
		"workers":  c.cfg.WorkerCount,
	}).Info("starting batch")

	shared := &worker.Shared{
		SessionID: sessionID,
		Queue:     q,
		Gate: gate.New(led, c.rotator, c.cfg.PerIdentityLimit, retry.Backoff{
			Base: c.cfg.BackoffBase,
			Max:  c.cfg.BackoffMax,
		}),
		Rotator:     c.rotator,
		Executor:    c.exec,
		Checkpoints: ckpt,
		Ledger:      led,
		Results:     results,
		History:     c.history,
		Policy:      retry.Policy{MaxAttempts: c.cfg.MaxRetriesPerTask, Wait: c.cfg.RetryWait},
		PollTimeout: c.cfg.PollTimeout,
	}

	interrupted := c.runPool(ctx, shared, len(queued))

	if residual := q.Drain(); len(residual) > 0 {
		log.WithFields(log.Fields{
			"event": "queue_drained",
			"tasks": len(residual),
		}).Warn("discarded tasks still queued at shutdown")
	}
	metrics.UpdateQueueDepth(0)

	flushCtx := context.WithoutCancel(ctx)
	if err := led.Persist(flushCtx); err != nil {
		log.WithFields(log.Fields{"event": "ledger_write_failed"}).Error(err)
	}
	if err := ckpt.Flush(flushCtx); err != nil {
		log.WithFields(log.Fields{"event": "checkpoint_flush_failed"}).Error(err)
	}

	report := buildReport(sessionID, store.Location(), started, len(queued), ckpt.Snapshot(), results, led)
	report.Interrupted = interrupted
	logReport(report)

	if interrupted {
		return report, ErrInterrupted
	}
	return report, nil
}

func (c *Coordinator) openStore() (storage.SnapshotStore, error) {
	if c.store != nil {
		return c.store, nil
	}
	location := c.cfg.Location
	if c.cfg.ResumeFrom != "" {
		location = c.cfg.ResumeFrom
	}
	store, err := storage.Open(location)
	if err != nil {
		return nil, fmt.Errorf("open run location: %w", err)
	}
	return store, nil
}

// restore adopts a previous checkpoint when resuming and returns the names to
// queue. Absent or corrupt checkpoints fall back to a fresh Initialize.
func (c *Coordinator) restore(ctx context.Context, store storage.SnapshotStore, ckpt *checkpoint.Store, sessionID string, names []string) ([]string, error) {
	if c.cfg.ResumeFrom != "" {
		snap, err := checkpoint.LoadExisting(ctx, store, checkpoint.DefaultKey)
		if err == nil {
			ckpt.Adopt(snap)
			queued, err := ckpt.Resume(ctx, sessionID, names, c.cfg.ResumeExhausted)
			if err != nil {
				log.WithFields(log.Fields{"event": "checkpoint_write_failed"}).Warn(err)
			}
			log.WithFields(log.Fields{
				"event":            "session_resumed",
				"previous_session": snap.SessionID,
				"success":          snap.Counts.Success,
				"exhausted":        snap.Counts.FailedExhausted,
				"queued":           len(queued),
			}).Info("resuming from checkpoint")
			return queued, nil
		}
		log.WithFields(log.Fields{
			"event":    "checkpoint_unusable",
			"location": store.Location(),
		}).Warn(fmt.Sprintf("starting fresh: %v", err))
	}

	if err := ckpt.Initialize(ctx, sessionID, names); err != nil {
		log.WithFields(log.Fields{"event": "checkpoint_write_failed"}).Warn(err)
	}
	return names, nil
}

// runPool starts the workers and waits for completion, total worker exit or
// cancellation. It reports whether the run was interrupted.
func (c *Coordinator) runPool(ctx context.Context, shared *worker.Shared, seeded int) bool {
	if seeded == 0 {
		log.WithFields(log.Fields{"event": "nothing_to_do"}).Info("no tasks to process")
		return false
	}

	workCtx, stop := context.WithCancel(ctx)
	defer stop()

	var wg sync.WaitGroup
	var alive atomic.Int32
	for i := 1; i <= c.cfg.WorkerCount; i++ {
		w := worker.NewWorker(fmt.Sprintf("worker-%d", i), shared)
		alive.Add(1)
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				metrics.UpdateActiveWorkers(int(alive.Add(-1)))
			}()
			w.Start(workCtx)
		}()
	}
	metrics.UpdateActiveWorkers(int(alive.Load()))

	poll := time.NewTicker(c.cfg.CompletionPoll)
	defer poll.Stop()
	progress := time.NewTicker(c.cfg.ProgressInterval)
	defer progress.Stop()

	interrupted := false
loop:
	for {
		select {
		case <-ctx.Done():
			interrupted = true
			log.WithFields(log.Fields{"event": "session_interrupted"}).Warn("interrupt received, letting in-flight attempts finish")
			break loop
		case <-progress.C:
			c.reportProgress(shared.Checkpoints.Snapshot())
		case <-poll.C:
			metrics.UpdateTaskGauges(countsByStatus(shared.Checkpoints.Counts()))
			metrics.UpdateIdentitiesTracked(shared.Ledger.Snapshot().UniqueIdentities)
			if shared.Results.Finished() >= seeded {
				log.WithFields(log.Fields{"event": "session_complete"}).Info("all tasks reached a terminal status")
				break loop
			}
			if alive.Load() == 0 {
				log.WithFields(log.Fields{
					"event":    "workers_exited",
					"finished": shared.Results.Finished(),
					"seeded":   seeded,
				}).Warn("all workers exited")
				break loop
			}
		}
	}

	stop()
	c.join(&wg)
	c.reportProgress(shared.Checkpoints.Snapshot())

	return interrupted
}

func (c *Coordinator) join(wg *sync.WaitGroup) {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(c.cfg.JoinTimeout):
		log.WithFields(log.Fields{
			"event":   "join_timeout",
			"timeout": c.cfg.JoinTimeout.String(),
		}).Warn("workers still running after join timeout")
	}
}

func (c *Coordinator) reportProgress(snap checkpoint.Snapshot) {
	rate := 0.0
	if snap.TotalTasks > 0 {
		rate = float64(snap.Counts.Success) / float64(snap.TotalTasks) * 100
	}
	log.WithFields(log.Fields{
		"event":        "progress",
		"total":        snap.TotalTasks,
		"success":      snap.Counts.Success,
		"queued":       snap.Counts.Pending,
		"retrying":     snap.Counts.FailedRetrying,
		"exhausted":    snap.Counts.FailedExhausted,
		"success_rate": fmt.Sprintf("%.1f%%", rate),
		"last_updated": snap.LastUpdated.Format(time.RFC3339),
	}).Info("progress report")
}

func (c *Coordinator) setLive(r *run) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.live = r
}

func (c *Coordinator) current() *run {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.live
}

func countsByStatus(counts checkpoint.Counts) map[task.Status]int {
	return map[task.Status]int{
		task.StatusPending:         counts.Pending,
		task.StatusSuccess:         counts.Success,
		task.StatusFailedRetrying:  counts.FailedRetrying,
		task.StatusFailedExhausted: counts.FailedExhausted,
	}
}

// index keys tasks by name. A repeated name keeps its first position and the
// last key seen.
func index(tasks []*task.Task) (map[string]*task.Task, []string) {
	byName := make(map[string]*task.Task, len(tasks))
	names := make([]string, 0, len(tasks))
	for _, t := range tasks {
		if t == nil || t.Name == "" {
			continue
		}
		if existing, ok := byName[t.Name]; ok {
			existing.Key = t.Key
			continue
		}
		byName[t.Name] = t
		names = append(names, t.Name)
	}
	return byName, names
}
