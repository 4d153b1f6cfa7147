package middleware

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorded struct {
	method, endpoint, status string
	duration                 time.Duration
}

type fakeRecorder struct {
	mu   sync.Mutex
	seen []recorded
}

func (f *fakeRecorder) last(t *testing.T) recorded {
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.seen)
	return f.seen[len(f.seen)-1]
}

// captureRequests swaps the Prometheus recorder for the duration of the test.
func captureRequests(t *testing.T) *fakeRecorder {
	f := &fakeRecorder{}
	prev := recordHTTPRequest
	recordHTTPRequest = func(method, endpoint, status string, d time.Duration) {
		f.mu.Lock()
		f.seen = append(f.seen, recorded{method, endpoint, status, d})
		f.mu.Unlock()
	}
	t.Cleanup(func() { recordHTTPRequest = prev })
	return f
}

func TestNormalizeEndpoint(t *testing.T) {
	tests := map[string]string{
		"/api/tasks/Ada%20Lovelace": "/api/tasks/:name",
		"/api/tasks/abc-def":        "/api/tasks/:name",
		"/api/tasks/123/attempts":   "/api/tasks/123/attempts",
		"/api/history/task/Ada":     "/api/history/task/:name",
		"/api/history/stats":        "/api/history/stats",
		"/api/progress":             "/api/progress",
		"/api/identities":           "/api/identities",
		"/metrics":                  "/metrics",
		"/":                         "/",
	}
	for path, want := range tests {
		assert.Equal(t, want, normalizeEndpoint(path), path)
	}
}

func TestMetricsMiddleware_RecordsStatus(t *testing.T) {
	tests := []struct {
		name     string
		method   string
		path     string
		status   int
		endpoint string
	}{
		{"task found", http.MethodGet, "/api/tasks/Ada", http.StatusOK, "/api/tasks/:name"},
		{"task missing", http.MethodGet, "/api/tasks/missing", http.StatusNotFound, "/api/tasks/:name"},
		{"method not allowed", http.MethodPost, "/api/identities", http.StatusMethodNotAllowed, "/api/identities"},
		{"history failure", http.MethodGet, "/api/history/task/Ada", http.StatusInternalServerError, "/api/history/task/:name"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := captureRequests(t)
			handler := MetricsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte("body"))
			}))

			w := httptest.NewRecorder()
			handler.ServeHTTP(w, httptest.NewRequest(tt.method, tt.path, nil))

			assert.Equal(t, tt.status, w.Code)
			got := rec.last(t)
			assert.Equal(t, tt.method, got.method)
			assert.Equal(t, tt.endpoint, got.endpoint)
			assert.Equal(t, strconv.Itoa(tt.status), got.status)
		})
	}
}

func TestMetricsMiddleware_ImplicitOK(t *testing.T) {
	rec := captureRequests(t)
	handler := MetricsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("{}"))
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/progress", nil))

	assert.Equal(t, "200", rec.last(t).status)
}

func TestMetricsMiddleware_RecordsDuration(t *testing.T) {
	rec := captureRequests(t)
	delay := 20 * time.Millisecond
	handler := MetricsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(delay)
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.GreaterOrEqual(t, rec.last(t).duration, delay)
}
