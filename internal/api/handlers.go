// Package api exposes a run's status over HTTP: progress, identity usage,
// per-task attempts, Postgres attempt history and Prometheus metrics.
package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/nadmax/scholarq/internal/checkpoint"
	"github.com/nadmax/scholarq/internal/dashboard"
	"github.com/nadmax/scholarq/internal/httputil"
	"github.com/nadmax/scholarq/internal/repository"
	"github.com/nadmax/scholarq/internal/task"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Source interface {
	dashboard.Source
	TaskAttempts(ctx context.Context, name string) (task.Status, []task.Attempt, error)
}

type API struct {
	source  Source
	history repository.AttemptRepository
	mux     *http.ServeMux
}

type TaskView struct {
	Name     string         `json:"name"`
	Status   task.Status    `json:"status"`
	Attempts []task.Attempt `json:"attempts"`
}

// NewAPI builds the router. history may be nil when no database is configured.
func NewAPI(source Source, history repository.AttemptRepository) *API {
	api := &API{
		source:  source,
		history: history,
		mux:     http.NewServeMux(),
	}

	api.setupRoutes()
	return api
}

func (a *API) setupRoutes() {
	dash := dashboard.NewDashboard(a.source)
	a.mux.HandleFunc("/api/progress", getOnly(dash.GetStats))
	a.mux.HandleFunc("/api/identities", getOnly(dash.GetIdentities))
	a.mux.HandleFunc("/api/tasks/", a.handleTaskByName)
	a.mux.HandleFunc("/api/history/stats", a.handleHistoryStats)
	a.mux.HandleFunc("/api/history/task/", a.handleTaskHistory)
	a.mux.Handle("/metrics", promhttp.Handler())
}

func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.mux.ServeHTTP(w, r)
}

func getOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		next(w, r)
	}
}

func (a *API) handleTaskByName(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	name := strings.TrimPrefix(r.URL.Path, "/api/tasks/")
	if name == "" {
		httputil.WriteJSONError(w, "Task name is required", http.StatusBadRequest)
		return
	}

	status, attempts, err := a.source.TaskAttempts(r.Context(), name)
	if err != nil {
		if errors.Is(err, checkpoint.ErrUnknownTask) {
			httputil.WriteJSONError(w, "Task not found", http.StatusNotFound)
			return
		}
		httputil.WriteJSONError(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	if attempts == nil {
		attempts = []task.Attempt{}
	}

	httputil.WriteJSON(w, http.StatusOK, TaskView{Name: name, Status: status, Attempts: attempts})
}

// sessionID picks the session for history queries: ?session= or the one in
// the current checkpoint.
func (a *API) sessionID(r *http.Request) (string, error) {
	if id := r.URL.Query().Get("session"); id != "" {
		return id, nil
	}
	snap, err := a.source.Progress(r.Context())
	if err != nil {
		return "", err
	}
	return snap.SessionID, nil
}

func (a *API) handleHistoryStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if a.history == nil {
		httputil.WriteJSONError(w, "History is not configured", http.StatusServiceUnavailable)
		return
	}

	sessionID, err := a.sessionID(r)
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	stats, err := a.history.GetSessionStats(r.Context(), sessionID)
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, stats)
}

func (a *API) handleTaskHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	name := strings.TrimPrefix(r.URL.Path, "/api/history/task/")
	if name == "" {
		httputil.WriteJSONError(w, "Task name is required", http.StatusBadRequest)
		return
	}
	if a.history == nil {
		httputil.WriteJSONError(w, "History is not configured", http.StatusServiceUnavailable)
		return
	}

	sessionID, err := a.sessionID(r)
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	history, err := a.history.GetTaskHistory(r.Context(), sessionID, name)
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, history)
}
