// Package ledger tracks how many successful scrapes each exit identity has
// served, so the admission gate can keep every identity under its budget
// across restarts.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	log "github.com/nadmax/scholarq/internal/logging"
	"github.com/nadmax/scholarq/internal/storage"
)

const DefaultKey = "ip_usage_tracker.json"

type (
	Entry struct {
		Task      string    `json:"task"`
		Timestamp time.Time `json:"timestamp"`
		WorkerID  string    `json:"worker_id"`
	}
	Usage struct {
		Identity  string    `json:"identity"`
		Count     int       `json:"count"`
		FirstSeen time.Time `json:"first_seen"`
		LastSeen  time.Time `json:"last_seen"`
		History   []Entry   `json:"history"`
	}
	Stats struct {
		UniqueIdentities int            `json:"unique_identities"`
		TotalSuccesses   int            `json:"total_successes"`
		MostUsed         string         `json:"most_used,omitempty"`
		MostUsedCount    int            `json:"most_used_count"`
		Distribution     map[string]int `json:"distribution"`
	}
	// document is the persisted form; identities keep first-encountered order.
	document struct {
		LastUpdated      time.Time `json:"last_updated"`
		UniqueIdentities int       `json:"total_unique_identities"`
		TotalSuccesses   int       `json:"total_successes"`
		Identities       []Usage   `json:"identities"`
	}
)

type Ledger struct {
	mu    sync.Mutex
	store storage.SnapshotStore
	key   string
	usage map[string]*Usage
	order []string
	// reserved counts admitted attempts that have not settled yet.
	reserved map[string]int
	now      func() time.Time
}

func New(store storage.SnapshotStore, key string) *Ledger {
	if key == "" {
		key = DefaultKey
	}
	return &Ledger{
		store: store,
		key:   key,
		usage:    make(map[string]*Usage),
		reserved: make(map[string]int),
		now:      time.Now,
	}
}

// UsageCount returns the successes attributed to identity, 0 if unseen.
func (l *Ledger) UsageCount(identity string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	if u, ok := l.usage[identity]; ok {
		return u.Count
	}
	return 0
}

// TryReserve admits one attempt on identity if its successes plus the attempts
// already in flight on it stay under limit. It returns that sum as seen before
// reserving. Every granted reservation must be given back with Release.
func (l *Ledger) TryReserve(identity string, limit int) (int, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	used := l.reserved[identity]
	if u, ok := l.usage[identity]; ok {
		used += u.Count
	}
	if used >= limit {
		return used, false
	}
	l.reserved[identity]++
	return used, true
}

// Release settles a reservation. Call it after RecordSuccess so the identity
// is never undercounted in between.
func (l *Ledger) Release(identity string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.reserved[identity] <= 1 {
		delete(l.reserved, identity)
		return
	}
	l.reserved[identity]--
}

// RecordSuccess attributes one successful task to identity and returns the new count.
func (l *Ledger) RecordSuccess(taskName, identity, workerID string) int {
	if identity == "" {
		log.WithFields(log.Fields{
			"event": "ledger_missing_identity",
			"task":  taskName,
		}).Warn("no identity for successful scrape")
		return 0
	}

	l.mu.Lock()
	now := l.now()
	u, ok := l.usage[identity]
	if !ok {
		u = &Usage{Identity: identity, FirstSeen: now}
		l.usage[identity] = u
		l.order = append(l.order, identity)
	}
	u.Count++
	u.LastSeen = now
	u.History = append(u.History, Entry{Task: taskName, Timestamp: now, WorkerID: workerID})
	count := u.Count
	l.mu.Unlock()

	log.WithFields(log.Fields{
		"event":    "identity_used",
		"task":     taskName,
		"identity": identity,
		"count":    count,
	}).Info("identity attributed")

	return count
}

func (l *Ledger) Snapshot() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	stats := Stats{
		UniqueIdentities: len(l.usage),
		Distribution:     make(map[string]int, len(l.usage)),
	}
	for _, id := range l.order {
		u := l.usage[id]
		stats.TotalSuccesses += u.Count
		stats.Distribution[id] = u.Count
		// Strict comparison keeps the first-encountered identity on ties.
		if u.Count > stats.MostUsedCount {
			stats.MostUsed = id
			stats.MostUsedCount = u.Count
		}
	}
	return stats
}

// Usage returns a copy of the record for identity.
func (l *Ledger) Usage(identity string) (Usage, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	u, ok := l.usage[identity]
	if !ok {
		return Usage{}, false
	}
	return copyUsage(u), true
}

// Top returns up to n identities ordered by count, ties in first-encountered order.
func (l *Ledger) Top(n int) []Usage {
	l.mu.Lock()
	out := make([]Usage, 0, len(l.order))
	for _, id := range l.order {
		u := l.usage[id]
		out = append(out, Usage{Identity: u.Identity, Count: u.Count, FirstSeen: u.FirstSeen, LastSeen: u.LastSeen})
	}
	l.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].Count > out[j].Count })
	if n >= 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

func (l *Ledger) Persist(ctx context.Context) error {
	l.mu.Lock()
	doc := document{
		LastUpdated:      l.now(),
		UniqueIdentities: len(l.usage),
		Identities:       make([]Usage, 0, len(l.order)),
	}
	for _, id := range l.order {
		u := l.usage[id]
		doc.TotalSuccesses += u.Count
		doc.Identities = append(doc.Identities, copyUsage(u))
	}
	l.mu.Unlock()

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal ledger: %w", err)
	}
	if err := l.store.WriteSnapshot(ctx, l.key, data); err != nil {
		return fmt.Errorf("write ledger: %w", err)
	}

	log.WithFields(log.Fields{
		"event":      "ledger_saved",
		"location":   l.store.Location(),
		"identities": doc.UniqueIdentities,
	}).Info("identity usage saved")
	return nil
}

// Reload merges the persisted ledger into memory. An absent snapshot is not
// an error. Counts never decrease: for each identity the larger count wins.
func (l *Ledger) Reload(ctx context.Context) error {
	data, err := l.store.ReadSnapshot(ctx, l.key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("read ledger: %w", err)
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("decode ledger: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	for _, loaded := range doc.Identities {
		if loaded.Identity == "" {
			continue
		}
		current, ok := l.usage[loaded.Identity]
		if !ok {
			u := loaded
			l.usage[u.Identity] = &u
			l.order = append(l.order, u.Identity)
			continue
		}
		if loaded.Count > current.Count {
			first := current.FirstSeen
			*current = loaded
			if !first.IsZero() && first.Before(current.FirstSeen) {
				current.FirstSeen = first
			}
		}
	}

	log.WithFields(log.Fields{
		"event":      "ledger_loaded",
		"identities": len(l.usage),
	}).Info("loaded existing identity usage")
	return nil
}

func copyUsage(u *Usage) Usage {
	c := *u
	c.History = append([]Entry(nil), u.History...)
	return c
}
