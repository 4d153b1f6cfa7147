package ledger

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/nadmax/scholarq/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupLedger(t *testing.T) (*Ledger, *storage.FileStore) {
	s, err := storage.NewFileStore(t.TempDir())
	require.NoError(t, err)
	return New(s, ""), s
}

func TestUsageCount_Unseen(t *testing.T) {
	l, _ := setupLedger(t)
	assert.Equal(t, 0, l.UsageCount("1.2.3.4"))
	assert.Equal(t, 0, l.UsageCount(""))
}

func TestRecordSuccess(t *testing.T) {
	l, _ := setupLedger(t)

	assert.Equal(t, 1, l.RecordSuccess("A", "1.2.3.4", "worker-1"))
	assert.Equal(t, 2, l.RecordSuccess("B", "1.2.3.4", "worker-2"))
	assert.Equal(t, 1, l.RecordSuccess("C", "5.6.7.8", "worker-1"))

	assert.Equal(t, 2, l.UsageCount("1.2.3.4"))
	assert.Equal(t, 1, l.UsageCount("5.6.7.8"))

	u, ok := l.Usage("1.2.3.4")
	require.True(t, ok)
	require.Len(t, u.History, 2)
	assert.Equal(t, "A", u.History[0].Task)
	assert.Equal(t, "worker-2", u.History[1].WorkerID)
	assert.False(t, u.FirstSeen.IsZero())
	assert.False(t, u.LastSeen.Before(u.FirstSeen))
}

func TestRecordSuccess_EmptyIdentityIgnored(t *testing.T) {
	l, _ := setupLedger(t)

	assert.Equal(t, 0, l.RecordSuccess("A", "", "worker-1"))
	assert.Equal(t, 0, l.Snapshot().UniqueIdentities)
}

func TestSnapshot_MostUsedTieKeepsFirstEncountered(t *testing.T) {
	l, _ := setupLedger(t)
	l.RecordSuccess("A", "9.9.9.9", "w")
	l.RecordSuccess("B", "1.1.1.1", "w")
	l.RecordSuccess("C", "1.1.1.1", "w")
	l.RecordSuccess("D", "9.9.9.9", "w")

	stats := l.Snapshot()
	assert.Equal(t, 2, stats.UniqueIdentities)
	assert.Equal(t, 4, stats.TotalSuccesses)
	assert.Equal(t, "9.9.9.9", stats.MostUsed)
	assert.Equal(t, 2, stats.MostUsedCount)
	assert.Equal(t, map[string]int{"9.9.9.9": 2, "1.1.1.1": 2}, stats.Distribution)
}

func TestSnapshot_Empty(t *testing.T) {
	l, _ := setupLedger(t)
	stats := l.Snapshot()

	assert.Equal(t, 0, stats.TotalSuccesses)
	assert.Empty(t, stats.MostUsed)
	assert.NotNil(t, stats.Distribution)
}

func TestTop(t *testing.T) {
	l, _ := setupLedger(t)
	l.RecordSuccess("A", "a", "w")
	l.RecordSuccess("B", "b", "w")
	l.RecordSuccess("C", "b", "w")
	l.RecordSuccess("D", "c", "w")

	top := l.Top(2)
	require.Len(t, top, 2)
	assert.Equal(t, "b", top[0].Identity)
	assert.Equal(t, "a", top[1].Identity)
}

func TestPersistAndReload(t *testing.T) {
	l, s := setupLedger(t)
	ctx := context.Background()
	l.RecordSuccess("A", "1.2.3.4", "worker-1")
	l.RecordSuccess("B", "1.2.3.4", "worker-1")
	l.RecordSuccess("C", "5.6.7.8", "worker-2")
	require.NoError(t, l.Persist(ctx))

	reloaded := New(s, "")
	require.NoError(t, reloaded.Reload(ctx))

	assert.Equal(t, 2, reloaded.UsageCount("1.2.3.4"))
	assert.Equal(t, 1, reloaded.UsageCount("5.6.7.8"))
	assert.Equal(t, l.Snapshot(), reloaded.Snapshot())

	u, ok := reloaded.Usage("1.2.3.4")
	require.True(t, ok)
	assert.Len(t, u.History, 2)
}

func TestReload_AbsentIsNotAnError(t *testing.T) {
	l, _ := setupLedger(t)
	require.NoError(t, l.Reload(context.Background()))
	assert.Equal(t, 0, l.Snapshot().UniqueIdentities)
}

func TestReload_CorruptSnapshot(t *testing.T) {
	l, s := setupLedger(t)
	require.NoError(t, s.WriteSnapshot(context.Background(), DefaultKey, []byte("{not json")))

	assert.Error(t, l.Reload(context.Background()))
}

func TestReload_NeverDecreasesCounts(t *testing.T) {
	l, s := setupLedger(t)
	ctx := context.Background()
	l.RecordSuccess("A", "1.2.3.4", "w")
	require.NoError(t, l.Persist(ctx))

	fresh := New(s, "")
	fresh.RecordSuccess("X", "1.2.3.4", "w")
	fresh.RecordSuccess("Y", "1.2.3.4", "w")
	fresh.RecordSuccess("Z", "1.2.3.4", "w")
	require.NoError(t, fresh.Reload(ctx))

	assert.Equal(t, 3, fresh.UsageCount("1.2.3.4"))

	l.RecordSuccess("B", "1.2.3.4", "w")
	l.RecordSuccess("C", "1.2.3.4", "w")
	l.RecordSuccess("D", "1.2.3.4", "w")
	l.RecordSuccess("E", "1.2.3.4", "w")
	require.NoError(t, l.Persist(ctx))
	require.NoError(t, fresh.Reload(ctx))

	assert.Equal(t, 5, fresh.UsageCount("1.2.3.4"))
}

func TestRecordSuccess_Concurrent(t *testing.T) {
	l, _ := setupLedger(t)
	var wg sync.WaitGroup
	for w := range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 50 {
				l.RecordSuccess(fmt.Sprintf("t-%d-%d", w, i), "shared", fmt.Sprintf("worker-%d", w))
				_ = l.UsageCount("shared")
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 500, l.UsageCount("shared"))
	u, _ := l.Usage("shared")
	assert.Len(t, u.History, 500)
}

func TestTryReserve_CountsInFlight(t *testing.T) {
	l, _ := setupLedger(t)
	l.RecordSuccess("A", "1.2.3.4", "worker-1")

	used, ok := l.TryReserve("1.2.3.4", 3)
	assert.True(t, ok)
	assert.Equal(t, 1, used)

	used, ok = l.TryReserve("1.2.3.4", 3)
	assert.True(t, ok)
	assert.Equal(t, 2, used)

	used, ok = l.TryReserve("1.2.3.4", 3)
	assert.False(t, ok)
	assert.Equal(t, 3, used)

	// one in-flight attempt fails, the other succeeds
	l.Release("1.2.3.4")
	l.RecordSuccess("B", "1.2.3.4", "worker-2")
	l.Release("1.2.3.4")

	used, ok = l.TryReserve("1.2.3.4", 3)
	assert.True(t, ok)
	assert.Equal(t, 2, used)
	assert.Equal(t, 2, l.UsageCount("1.2.3.4"))
}

func TestRelease_Unreserved(t *testing.T) {
	l, _ := setupLedger(t)
	l.Release("1.2.3.4")

	_, ok := l.TryReserve("1.2.3.4", 1)
	assert.True(t, ok)
	_, ok = l.TryReserve("1.2.3.4", 1)
	assert.False(t, ok)
}

func TestTryReserve_ConcurrentNeverExceedsLimit(t *testing.T) {
	l, _ := setupLedger(t)
	var granted int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := l.TryReserve("shared", 5); ok {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, granted)
}
