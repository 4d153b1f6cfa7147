package session

import (
	"fmt"
	"io"
	"maps"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/nadmax/scholarq/internal/checkpoint"
	"github.com/nadmax/scholarq/internal/ledger"
	log "github.com/nadmax/scholarq/internal/logging"
	"github.com/nadmax/scholarq/internal/task"
	"github.com/nadmax/scholarq/internal/worker"
)

type RetrySuccess struct {
	Name     string `json:"name"`
	Attempts int    `json:"attempts"`
}

type Report struct {
	SessionID   string        `json:"session_id"`
	Location    string        `json:"location"`
	StartedAt   time.Time     `json:"started_at"`
	FinishedAt  time.Time     `json:"finished_at"`
	Elapsed     time.Duration `json:"elapsed"`
	Interrupted bool          `json:"interrupted"`

	TotalTasks int `json:"total_tasks"`
	Seeded     int `json:"seeded"`
	Successes  int `json:"successes"`
	// Exhausted lists every task in FailedExhausted, including earlier sessions.
	Exhausted []string `json:"exhausted"`
	// Unfinished lists tasks left Pending or FailedRetrying.
	Unfinished []string `json:"unfinished,omitempty"`

	TotalAttempts     int            `json:"total_attempts"`
	AttemptCounts     map[string]int `json:"attempt_counts"`
	AttemptHistogram  map[int]int    `json:"attempt_histogram"`
	FirstTrySuccesses int            `json:"first_try_successes"`
	RetrySuccesses    []RetrySuccess `json:"retry_successes"`

	Identities    ledger.Stats   `json:"identities"`
	TopIdentities []ledger.Usage `json:"top_identities"`
}

func buildReport(sessionID, location string, started time.Time, seeded int, snap checkpoint.Snapshot, results *worker.Results, led *ledger.Ledger) *Report {
	finished := time.Now()
	r := &Report{
		SessionID:        sessionID,
		Location:         location,
		StartedAt:        started,
		FinishedAt:       finished,
		Elapsed:          finished.Sub(started),
		TotalTasks:       snap.TotalTasks,
		Seeded:           seeded,
		Successes:        snap.Counts.Success,
		Exhausted:        slices.Clone(snap.FailedExhausted),
		Unfinished:       append(slices.Clone(snap.Pending), snap.FailedRetrying...),
		TotalAttempts:    results.TotalAttempts(),
		AttemptCounts:    results.AttemptCounts(),
		AttemptHistogram: make(map[int]int),
		Identities:       led.Snapshot(),
		TopIdentities:    led.Top(10),
	}

	final := results.Final()
	for name, n := range r.AttemptCounts {
		r.AttemptHistogram[n]++
		if final[name] != task.StatusSuccess {
			continue
		}
		if n == 1 {
			r.FirstTrySuccesses++
		} else {
			r.RetrySuccesses = append(r.RetrySuccesses, RetrySuccess{Name: name, Attempts: n})
		}
	}
	sort.Slice(r.RetrySuccesses, func(i, j int) bool {
		if r.RetrySuccesses[i].Attempts != r.RetrySuccesses[j].Attempts {
			return r.RetrySuccesses[i].Attempts > r.RetrySuccesses[j].Attempts
		}
		return r.RetrySuccesses[i].Name < r.RetrySuccesses[j].Name
	})

	return r
}

// SuccessRate is the share of all known tasks in Success, in percent.
func (r *Report) SuccessRate() float64 {
	if r.TotalTasks == 0 {
		return 0
	}
	return float64(r.Successes) / float64(r.TotalTasks) * 100
}

// Write renders the human-readable summary.
func (r *Report) Write(w io.Writer) error {
	var b strings.Builder

	fmt.Fprintf(&b, "Session %s (%s)\n", r.SessionID, r.Location)
	fmt.Fprintf(&b, "Elapsed: %s", r.Elapsed.Round(time.Second))
	if r.Interrupted {
		b.WriteString(" [interrupted]")
	}
	b.WriteString("\n\n")

	fmt.Fprintf(&b, "Total tasks:      %d\n", r.TotalTasks)
	fmt.Fprintf(&b, "Queued this run:  %d\n", r.Seeded)
	fmt.Fprintf(&b, "Successful:       %d (%.1f%%)\n", r.Successes, r.SuccessRate())
	fmt.Fprintf(&b, "Exhausted:        %d\n", len(r.Exhausted))
	fmt.Fprintf(&b, "Unfinished:       %d\n", len(r.Unfinished))
	fmt.Fprintf(&b, "Total attempts:   %d\n", r.TotalAttempts)

	if len(r.AttemptHistogram) > 0 {
		b.WriteString("\nAttempts per task:\n")
		for _, n := range slices.Sorted(maps.Keys(r.AttemptHistogram)) {
			fmt.Fprintf(&b, "  %d attempt(s): %d task(s)\n", n, r.AttemptHistogram[n])
		}
	}

	fmt.Fprintf(&b, "\nFirst-try successes: %d\n", r.FirstTrySuccesses)
	if len(r.RetrySuccesses) > 0 {
		b.WriteString("Succeeded after retries:\n")
		for _, rs := range r.RetrySuccesses {
			fmt.Fprintf(&b, "  %s: %d attempts\n", rs.Name, rs.Attempts)
		}
	}

	if len(r.Exhausted) > 0 {
		b.WriteString("\nExhausted tasks (consider a higher retry budget):\n")
		for _, name := range r.Exhausted {
			fmt.Fprintf(&b, "  - %s\n", name)
		}
	}

	b.WriteString("\nIdentity usage:\n")
	fmt.Fprintf(&b, "  Unique identities: %d\n", r.Identities.UniqueIdentities)
	fmt.Fprintf(&b, "  Total successes:   %d\n", r.Identities.TotalSuccesses)
	if r.Identities.MostUsed != "" {
		fmt.Fprintf(&b, "  Most used:         %s (%d)\n", r.Identities.MostUsed, r.Identities.MostUsedCount)
	}
	if r.Identities.UniqueIdentities > 0 {
		avg := float64(r.Identities.TotalSuccesses) / float64(r.Identities.UniqueIdentities)
		fmt.Fprintf(&b, "  Average per identity: %.1f\n", avg)
	}
	for i, u := range r.TopIdentities {
		fmt.Fprintf(&b, "  %2d. %s: %d\n", i+1, u.Identity, u.Count)
	}

	_, err := io.WriteString(w, b.String())
	return err
}

func logReport(r *Report) {
	log.WithFields(log.Fields{
		"event":          "session_report",
		"session":        r.SessionID,
		"total":          r.TotalTasks,
		"success":        r.Successes,
		"exhausted":      len(r.Exhausted),
		"unfinished":     len(r.Unfinished),
		"total_attempts": r.TotalAttempts,
		"retry_success":  len(r.RetrySuccesses),
		"identities":     r.Identities.UniqueIdentities,
		"elapsed":        r.Elapsed.Round(time.Millisecond).String(),
	}).Info("batch finished")
}
