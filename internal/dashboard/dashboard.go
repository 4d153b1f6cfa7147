// Package dashboard implements the JSON views of a run's progress and identity usage.
package dashboard

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/nadmax/scholarq/internal/checkpoint"
	"github.com/nadmax/scholarq/internal/httputil"
	"github.com/nadmax/scholarq/internal/ledger"
)

const defaultIdentityLimit = 10

// Source provides the state behind the views, either from a live session or
// from a persisted run location.
type Source interface {
	Progress(ctx context.Context) (checkpoint.Snapshot, error)
	Identities(ctx context.Context, limit int) (ledger.Stats, []ledger.Usage, error)
}

type Dashboard struct {
	source Source
}

type Stats struct {
	SessionID      string    `json:"session_id"`
	SessionStart   time.Time `json:"session_start"`
	TotalTasks     int       `json:"total_tasks"`
	PendingTasks   int       `json:"pending_tasks"`
	SuccessTasks   int       `json:"success_tasks"`
	RetryingTasks  int       `json:"retrying_tasks"`
	ExhaustedTasks int       `json:"exhausted_tasks"`
	SuccessRate    string    `json:"success_rate"`
	Exhausted      []string  `json:"exhausted"`
	Elapsed        string    `json:"elapsed"`
	LastUpdated    time.Time `json:"last_updated"`
}

type IdentityStats struct {
	UniqueIdentities   int            `json:"unique_identities"`
	TotalSuccesses     int            `json:"total_successes"`
	MostUsed           string         `json:"most_used,omitempty"`
	MostUsedCount      int            `json:"most_used_count"`
	AveragePerIdentity float64        `json:"average_per_identity"`
	Top                []ledger.Usage `json:"top"`
}

func NewDashboard(source Source) *Dashboard {
	return &Dashboard{source: source}
}

func (d *Dashboard) GetStats(w http.ResponseWriter, r *http.Request) {
	snap, err := d.source.Progress(r.Context())
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	stats := Stats{
		SessionID:      snap.SessionID,
		SessionStart:   snap.SessionStart,
		TotalTasks:     snap.TotalTasks,
		PendingTasks:   snap.Counts.Pending,
		SuccessTasks:   snap.Counts.Success,
		RetryingTasks:  snap.Counts.FailedRetrying,
		ExhaustedTasks: snap.Counts.FailedExhausted,
		SuccessRate:    "N/A",
		Exhausted:      snap.FailedExhausted,
		LastUpdated:    snap.LastUpdated,
	}
	if snap.TotalTasks > 0 {
		stats.SuccessRate = strconv.FormatFloat(float64(snap.Counts.Success)/float64(snap.TotalTasks)*100, 'f', 1, 64) + "%"
	}
	if !snap.SessionStart.IsZero() && !snap.LastUpdated.IsZero() {
		stats.Elapsed = snap.LastUpdated.Sub(snap.SessionStart).Round(time.Second).String()
	}

	httputil.WriteJSON(w, http.StatusOK, stats)
}

func (d *Dashboard) GetIdentities(w http.ResponseWriter, r *http.Request) {
	limit := defaultIdentityLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			httputil.WriteJSONError(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	stats, top, err := d.source.Identities(r.Context(), limit)
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	view := IdentityStats{
		UniqueIdentities: stats.UniqueIdentities,
		TotalSuccesses:   stats.TotalSuccesses,
		MostUsed:         stats.MostUsed,
		MostUsedCount:    stats.MostUsedCount,
		Top:              top,
	}
	if view.Top == nil {
		view.Top = []ledger.Usage{}
	}
	if stats.UniqueIdentities > 0 {
		view.AveragePerIdentity = float64(stats.TotalSuccesses) / float64(stats.UniqueIdentities)
	}

	httputil.WriteJSON(w, http.StatusOK, view)
}
