package worker

import (
	"maps"
	"slices"
	"sync"

	"github.com/nadmax/scholarq/internal/task"
)

// Results is the session-wide record of attempts and terminal outcomes,
// written by every worker and read by the coordinator.
type Results struct {
	mu       sync.Mutex
	attempts map[string][]task.Attempt
	final    map[string]task.Status
}

func NewResults() *Results {
	return &Results{
		attempts: make(map[string][]task.Attempt),
		final:    make(map[string]task.Status),
	}
}

func (r *Results) RecordAttempt(name string, a task.Attempt) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.attempts[name] = append(r.attempts[name], a)
}

// Finish stores the terminal status of name.
func (r *Results) Finish(name string, status task.Status) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.final[name] = status
}

func (r *Results) Attempts(name string) []task.Attempt {
	r.mu.Lock()
	defer r.mu.Unlock()

	return slices.Clone(r.attempts[name])
}

func (r *Results) AttemptCounts() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()

	counts := make(map[string]int, len(r.attempts))
	for name, attempts := range r.attempts {
		counts[name] = len(attempts)
	}
	return counts
}

func (r *Results) TotalAttempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	total := 0
	for _, attempts := range r.attempts {
		total += len(attempts)
	}
	return total
}

func (r *Results) Final() map[string]task.Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	return maps.Clone(r.final)
}

func (r *Results) Finished() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.final)
}
