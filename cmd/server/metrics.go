package main

import (
	"context"
	"errors"
	"time"

	log "github.com/nadmax/scholarq/internal/logging"
	"github.com/nadmax/scholarq/internal/metrics"
	"github.com/nadmax/scholarq/internal/session"
	"github.com/nadmax/scholarq/internal/task"
)

func startMetricsCollector(ctx context.Context, in *session.Inspector, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		updateRunMetrics(ctx, in)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// updateRunMetrics mirrors the persisted run into the status gauges.
func updateRunMetrics(ctx context.Context, in *session.Inspector) {
	snap, err := in.Progress(ctx)
	if err != nil {
		if !errors.Is(err, session.ErrNoActiveRun) {
			log.WithFields(log.Fields{"event": "metrics_refresh_failed"}).Warn(err)
		}
		return
	}

	metrics.UpdateTaskGauges(map[task.Status]int{
		task.StatusPending:         snap.Counts.Pending,
		task.StatusSuccess:         snap.Counts.Success,
		task.StatusFailedRetrying:  snap.Counts.FailedRetrying,
		task.StatusFailedExhausted: snap.Counts.FailedExhausted,
	})
	metrics.UpdateQueueDepth(snap.Counts.Pending + snap.Counts.FailedRetrying)

	stats, _, err := in.Identities(ctx, 0)
	if err != nil {
		log.WithFields(log.Fields{"event": "metrics_refresh_failed"}).Warn(err)
		return
	}
	metrics.UpdateIdentitiesTracked(stats.UniqueIdentities)
}
