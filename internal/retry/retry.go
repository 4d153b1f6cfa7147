// Package retry holds the pure retry decision for a task and the timed waits
// used between attempts and between forced identity rotations.
package retry

import (
	"context"
	"time"
)

type Decision int

const (
	Succeed Decision = iota
	Retry
	GiveUp
)

func (d Decision) String() string {
	switch d {
	case Succeed:
		return "succeed"
	case Retry:
		return "retry"
	case GiveUp:
		return "give_up"
	default:
		return "unknown"
	}
}

type Policy struct {
	MaxAttempts int
	Wait        time.Duration
}

// Decide maps the 1-based count of attempts made so far and the outcome of
// the latest one to the next step.
func (p Policy) Decide(attemptCount int, success bool) Decision {
	if success {
		return Succeed
	}
	if attemptCount < p.MaxAttempts {
		return Retry
	}
	return GiveUp
}

// Backoff is a capped exponential delay: Base, 2*Base, 4*Base ... up to Max.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// Delay returns the wait before the n-th (0-based) repeated try.
func (b Backoff) Delay(n int) time.Duration {
	if b.Base <= 0 {
		return 0
	}
	d := b.Base
	for i := 0; i < n; i++ {
		d *= 2
		if b.Max > 0 && d >= b.Max {
			return b.Max
		}
	}
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}

// Sleep waits for d or until ctx is done, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
