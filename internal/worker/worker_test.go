package worker

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nadmax/scholarq/internal/checkpoint"
	"github.com/nadmax/scholarq/internal/executor"
	"github.com/nadmax/scholarq/internal/gate"
	"github.com/nadmax/scholarq/internal/ledger"
	"github.com/nadmax/scholarq/internal/queue"
	"github.com/nadmax/scholarq/internal/repository"
	"github.com/nadmax/scholarq/internal/retry"
	"github.com/nadmax/scholarq/internal/storage"
	"github.com/nadmax/scholarq/internal/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingRotator hands out 10.0.0.<n>, moving to the next n on each Rotate.
type countingRotator struct {
	mu        sync.Mutex
	n         int
	first     string
	rotations int
}

func (r *countingRotator) Rotate(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.n++
	r.rotations++
	return nil
}

func (r *countingRotator) CurrentIdentity(context.Context) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.n == 0 && r.first != "" {
		return r.first
	}
	return fmt.Sprintf("10.0.0.%d", r.n)
}

func (r *countingRotator) Rotations() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rotations
}

type testEnv struct {
	shared  *Shared
	rotator *countingRotator
	history *repository.MockAttemptRepository
	store   storage.SnapshotStore
}

func setupTestEnv(t *testing.T, exec executor.Executor, limit, maxAttempts int, names ...string) *testEnv {
	store, err := storage.NewFileStore(t.TempDir())
	require.NoError(t, err)

	rot := &countingRotator{}
	led := ledger.New(store, "")
	ckpt := checkpoint.New(store, "")
	require.NoError(t, ckpt.Initialize(context.Background(), "session-1", names))

	q := queue.NewQueue()
	for _, name := range names {
		q.Enqueue(task.NewTask(name, "key-"+name))
	}

	history := repository.NewMockAttemptRepository()
	shared := &Shared{
		SessionID:   "session-1",
		Queue:       q,
		Gate:        gate.New(led, rot, limit, retry.Backoff{Base: time.Millisecond, Max: 2 * time.Millisecond}),
		Rotator:     rot,
		Executor:    exec,
		Checkpoints: ckpt,
		Ledger:      led,
		Results:     NewResults(),
		History:     history,
		Policy:      retry.Policy{MaxAttempts: maxAttempts, Wait: time.Millisecond},
		PollTimeout: 20 * time.Millisecond,
	}

	return &testEnv{shared: shared, rotator: rot, history: history, store: store}
}

func runWorkers(env *testEnv, n int) {
	var wg sync.WaitGroup
	for i := 1; i <= n; i++ {
		w := NewWorker(fmt.Sprintf("worker-%d", i), env.shared)
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Start(context.Background())
		}()
	}
	wg.Wait()
}

func TestWorkers_RetryUntilSuccess(t *testing.T) {
	exec := executor.Func(func(ctx context.Context, tsk *task.Task) executor.Result {
		if tsk.Name == "C" && tsk.AttemptCount() < 2 {
			return executor.Failure("rate limited")
		}
		return executor.Result{Success: true}
	})
	env := setupTestEnv(t, exec, 10, 3, "A", "B", "C", "D", "E")

	runWorkers(env, 2)

	counts := env.shared.Checkpoints.Counts()
	assert.Equal(t, 5, counts.Success)
	assert.Equal(t, 0, counts.FailedExhausted)

	attempts := env.shared.Results.AttemptCounts()
	assert.Equal(t, 3, attempts["C"])
	for _, name := range []string{"A", "B", "D", "E"} {
		assert.Equal(t, 1, attempts[name], name)
	}

	cAttempts := env.shared.Results.Attempts("C")
	for i, a := range cAttempts {
		assert.Equal(t, i+1, a.Number)
	}
	assert.False(t, cAttempts[0].Success)
	assert.True(t, cAttempts[2].Success)
	assert.Equal(t, 2, env.rotator.Rotations())
	assert.Len(t, env.shared.Results.Final(), 5)
}

func TestWorkers_ExhaustsAfterMaxAttempts(t *testing.T) {
	exec := executor.Func(func(ctx context.Context, tsk *task.Task) executor.Result {
		if tsk.Name == "D" {
			return executor.Failure("profile status 500")
		}
		return executor.Result{Success: true}
	})
	env := setupTestEnv(t, exec, 10, 3, "A", "D")

	runWorkers(env, 1)

	st, ok := env.shared.Checkpoints.StatusOf("D")
	require.True(t, ok)
	assert.Equal(t, task.StatusFailedExhausted, st)
	assert.Len(t, env.shared.Results.Attempts("D"), 3)
	assert.Equal(t, task.StatusFailedExhausted, env.shared.Results.Final()["D"])

	persisted, err := checkpoint.LoadExisting(context.Background(), env.store, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"D"}, persisted.FailedExhausted)
	assert.Equal(t, []string{"A"}, persisted.Success)
}

func TestWorkers_AdmissionCeilingForcesRotation(t *testing.T) {
	var seen []string
	var mu sync.Mutex
	env := setupTestEnv(t, nil, 10, 3, "A")
	env.rotator.first = "1.2.3.4"
	for i := 0; i < 10; i++ {
		env.shared.Ledger.RecordSuccess(fmt.Sprintf("old-%d", i), "1.2.3.4", "worker-0")
	}
	env.shared.Executor = executor.Func(func(ctx context.Context, tsk *task.Task) executor.Result {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, env.rotator.CurrentIdentity(ctx))
		return executor.Result{Success: true}
	})

	runWorkers(env, 1)

	require.Len(t, seen, 1)
	assert.NotEqual(t, "1.2.3.4", seen[0])
	assert.Equal(t, 1, env.rotator.Rotations())
	assert.Equal(t, 10, env.shared.Ledger.UsageCount("1.2.3.4"))
	assert.Equal(t, 1, env.shared.Ledger.UsageCount(seen[0]))
}

func TestWorkers_IdentityReachesLimitMidRun(t *testing.T) {
	exec := executor.Func(func(ctx context.Context, tsk *task.Task) executor.Result {
		return executor.Result{Success: true}
	})
	env := setupTestEnv(t, exec, 2, 3, "A", "B", "C")
	env.rotator.first = "1.2.3.4"

	runWorkers(env, 1)

	var used []string
	for _, name := range []string{"A", "B", "C"} {
		attempts := env.shared.Results.Attempts(name)
		require.Len(t, attempts, 1, name)
		used = append(used, attempts[0].Identity)
	}
	assert.Equal(t, []string{"1.2.3.4", "1.2.3.4", "10.0.0.1"}, used)
	assert.Equal(t, 1, env.rotator.Rotations())
	assert.Equal(t, 2, env.shared.Ledger.UsageCount("1.2.3.4"))
	assert.Equal(t, 1, env.shared.Ledger.UsageCount("10.0.0.1"))
}

func TestWorkers_ConcurrentAdmissionsStayWithinLimit(t *testing.T) {
	exec := executor.Func(func(ctx context.Context, tsk *task.Task) executor.Result {
		time.Sleep(30 * time.Millisecond)
		return executor.Result{Success: true}
	})
	env := setupTestEnv(t, exec, 2, 3, "A", "B", "C", "D", "E")
	env.rotator.first = "1.2.3.4"

	runWorkers(env, 5)

	stats := env.shared.Ledger.Snapshot()
	assert.Equal(t, 5, stats.TotalSuccesses)
	assert.LessOrEqual(t, env.shared.Ledger.UsageCount("1.2.3.4"), 2)
	for id, count := range stats.Distribution {
		assert.LessOrEqual(t, count, 2, id)
	}
	assert.Equal(t, 5, env.shared.Checkpoints.Counts().Success)
}

func TestWorkers_PanicCountsAsFailedAttempt(t *testing.T) {
	exec := executor.Func(func(ctx context.Context, tsk *task.Task) executor.Result {
		if tsk.AttemptCount() == 0 {
			panic("parser exploded")
		}
		return executor.Result{Success: true}
	})
	env := setupTestEnv(t, exec, 10, 3, "A")

	runWorkers(env, 1)

	attempts := env.shared.Results.Attempts("A")
	require.Len(t, attempts, 2)
	assert.Contains(t, attempts[0].Error, "parser exploded")
	assert.True(t, attempts[1].Success)
}

func TestWorkers_UnknownIdentityNotCharged(t *testing.T) {
	exec := executor.Func(func(ctx context.Context, tsk *task.Task) executor.Result {
		return executor.Result{Success: true}
	})
	env := setupTestEnv(t, exec, 10, 3, "A")
	env.rotator.first = "unknown"

	runWorkers(env, 1)

	assert.Equal(t, 0, env.shared.Ledger.Snapshot().TotalSuccesses)
	assert.Equal(t, 1, env.shared.Checkpoints.Counts().Success)
}

func TestWorker_StopsRetryingWhenCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	exec := executor.Func(func(c context.Context, tsk *task.Task) executor.Result {
		cancel()
		return executor.Failure("timeout")
	})
	env := setupTestEnv(t, exec, 10, 3, "A", "B")

	w := NewWorker("worker-1", env.shared)
	w.Start(ctx)

	st, _ := env.shared.Checkpoints.StatusOf("A")
	assert.Equal(t, task.StatusFailedRetrying, st)
	assert.Len(t, env.shared.Results.Attempts("A"), 1)

	st, _ = env.shared.Checkpoints.StatusOf("B")
	assert.Equal(t, task.StatusPending, st)
	assert.Equal(t, 1, env.shared.Queue.Size())
}

func TestWorker_ExitsOnEmptyQueue(t *testing.T) {
	env := setupTestEnv(t, executor.Func(func(context.Context, *task.Task) executor.Result {
		return executor.Result{Success: true}
	}), 10, 3)

	done := make(chan struct{})
	go func() {
		NewWorker("worker-1", env.shared).Start(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not exit on empty queue")
	}
}

func TestWorkers_HistoryRecorded(t *testing.T) {
	exec := executor.Func(func(ctx context.Context, tsk *task.Task) executor.Result {
		if tsk.AttemptCount() == 0 {
			return executor.Failure("blocked")
		}
		return executor.Result{Success: true}
	})
	env := setupTestEnv(t, exec, 10, 3, "A")

	runWorkers(env, 1)

	logged := env.history.Attempts("A")
	require.Len(t, logged, 2)
	assert.Equal(t, "blocked", logged[0].Error)

	require.Len(t, env.history.UpdateTaskStatusCalls, 2)
	assert.Equal(t, task.StatusFailedRetrying, env.history.UpdateTaskStatusCalls[0].Status)
	assert.Equal(t, task.StatusSuccess, env.history.UpdateTaskStatusCalls[1].Status)
	assert.Equal(t, "session-1", env.history.UpdateTaskStatusCalls[1].SessionID)
}

func TestResults(t *testing.T) {
	r := NewResults()
	r.RecordAttempt("A", task.Attempt{Number: 1})
	r.RecordAttempt("A", task.Attempt{Number: 2, Success: true})
	r.RecordAttempt("B", task.Attempt{Number: 1, Success: true})
	r.Finish("A", task.StatusSuccess)

	assert.Equal(t, map[string]int{"A": 2, "B": 1}, r.AttemptCounts())
	assert.Equal(t, 3, r.TotalAttempts())
	assert.Equal(t, 1, r.Finished())

	got := r.Attempts("A")
	got[0].Number = 99
	assert.Equal(t, 1, r.Attempts("A")[0].Number)
}
