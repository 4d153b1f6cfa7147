package retry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDecide(t *testing.T) {
	p := Policy{MaxAttempts: 3}

	tests := []struct {
		name     string
		attempts int
		success  bool
		want     Decision
	}{
		{"first try success", 1, true, Succeed},
		{"success on last allowed attempt", 3, true, Succeed},
		{"first failure retries", 1, false, Retry},
		{"second failure retries", 2, false, Retry},
		{"third failure gives up", 3, false, GiveUp},
		{"beyond budget gives up", 7, false, GiveUp},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, p.Decide(tt.attempts, tt.success))
		})
	}
}

func TestDecide_SingleAttemptBudget(t *testing.T) {
	p := Policy{MaxAttempts: 1}
	assert.Equal(t, GiveUp, p.Decide(1, false))
	assert.Equal(t, Succeed, p.Decide(1, true))
}

func TestDecisionString(t *testing.T) {
	assert.Equal(t, "succeed", Succeed.String())
	assert.Equal(t, "retry", Retry.String())
	assert.Equal(t, "give_up", GiveUp.String())
	assert.Equal(t, "unknown", Decision(42).String())
}

func TestBackoffDelay(t *testing.T) {
	b := Backoff{Base: time.Second, Max: 10 * time.Second}

	assert.Equal(t, time.Second, b.Delay(0))
	assert.Equal(t, 2*time.Second, b.Delay(1))
	assert.Equal(t, 4*time.Second, b.Delay(2))
	assert.Equal(t, 8*time.Second, b.Delay(3))
	assert.Equal(t, 10*time.Second, b.Delay(4))
	assert.Equal(t, 10*time.Second, b.Delay(60))
}

func TestBackoffDelay_ZeroBase(t *testing.T) {
	assert.Equal(t, time.Duration(0), Backoff{}.Delay(3))
}

func TestSleep_Completes(t *testing.T) {
	start := time.Now()
	err := Sleep(context.Background(), 10*time.Millisecond)

	assert.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
}

func TestSleep_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Sleep(ctx, time.Hour)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSleep_ZeroDuration(t *testing.T) {
	assert.NoError(t, Sleep(context.Background(), 0))
}
