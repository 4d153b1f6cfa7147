// Package gate decides whether a worker may spend the current exit identity
// on a task, forcing rotations until some identity is under its usage budget.
package gate

import (
	"context"
	"time"

	"github.com/nadmax/scholarq/internal/identity"
	log "github.com/nadmax/scholarq/internal/logging"
	"github.com/nadmax/scholarq/internal/metrics"
	"github.com/nadmax/scholarq/internal/retry"
)

// Reserver hands out per-identity budget. A granted reservation counts
// against the limit until the caller releases it.
type Reserver interface {
	TryReserve(identity string, limit int) (int, bool)
}

type Gate struct {
	usage   Reserver
	rotator identity.Rotator
	limit   int
	backoff retry.Backoff
	sleep   func(context.Context, time.Duration) error
}

func New(usage Reserver, rotator identity.Rotator, limit int, backoff retry.Backoff) *Gate {
	return &Gate{
		usage:   usage,
		rotator: rotator,
		limit:   limit,
		backoff: backoff,
		sleep:   retry.Sleep,
	}
}

// Admit returns the identity the caller may use, holding one reservation on
// it. While the current identity's successes plus in-flight attempts reach the
// limit it forces a rotation and waits a capped exponential backoff before
// checking again. The loop only ends on admission or when ctx is done. An
// unknown identity is admitted without a reservation since it cannot be charged.
func (g *Gate) Admit(ctx context.Context, workerID string) (string, error) {
	for denied := 0; ; denied++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		current := g.rotator.CurrentIdentity(ctx)
		if !identity.IsKnown(current) {
			return identity.Unknown, nil
		}

		count, ok := g.usage.TryReserve(current, g.limit)
		if ok {
			return current, nil
		}

		metrics.RecordAdmissionDenied()
		wait := g.backoff.Delay(denied)
		log.WithFields(log.Fields{
			"event":    "admission_denied",
			"worker":   workerID,
			"identity": current,
			"usage":    count,
			"limit":    g.limit,
			"backoff":  wait.String(),
		}).Warn("identity over budget, forcing rotation")

		if err := g.rotator.Rotate(ctx); err != nil {
			log.WithFields(log.Fields{
				"event":  "rotation_failed",
				"worker": workerID,
			}).Warn(err)
		} else {
			metrics.RecordRotation(metrics.RotationAdmission)
		}

		if err := g.sleep(ctx, wait); err != nil {
			return "", err
		}
	}
}
