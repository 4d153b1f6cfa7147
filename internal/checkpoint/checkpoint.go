// Package checkpoint holds the crash-durable status of every task in a run.
// Each status change is applied and persisted under one lock before the call
// returns, so the persisted snapshot is always a serial history of transitions.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	log "github.com/nadmax/scholarq/internal/logging"
	"github.com/nadmax/scholarq/internal/storage"
	"github.com/nadmax/scholarq/internal/task"
)

const DefaultKey = "scraping_progress.json"

var (
	ErrUnknownTask   = errors.New("checkpoint: unknown task")
	ErrInvalidStatus = errors.New("checkpoint: invalid status")
	ErrCorrupt       = errors.New("checkpoint: corrupt snapshot")
)

type (
	Counts struct {
		Pending         int `json:"pending"`
		Success         int `json:"success"`
		FailedRetrying  int `json:"failed_retrying"`
		FailedExhausted int `json:"failed_exhausted"`
	}
	Snapshot struct {
		SessionID       string    `json:"session_id"`
		SessionStart    time.Time `json:"session_start"`
		LastUpdated     time.Time `json:"last_updated"`
		TotalTasks      int       `json:"total_researchers"`
		Pending         []string  `json:"pending"`
		Success         []string  `json:"success"`
		FailedRetrying  []string  `json:"failed_retrying"`
		FailedExhausted []string  `json:"failed_exhausted"`
		Counts          Counts    `json:"counts"`
	}
)

func (s *Snapshot) partition(status task.Status) *[]string {
	switch status {
	case task.StatusPending:
		return &s.Pending
	case task.StatusSuccess:
		return &s.Success
	case task.StatusFailedRetrying:
		return &s.FailedRetrying
	case task.StatusFailedExhausted:
		return &s.FailedExhausted
	}
	return nil
}

// StatusOf reports the partition holding name.
func (s *Snapshot) StatusOf(name string) (task.Status, bool) {
	for _, st := range task.Statuses {
		if slices.Contains(*s.partition(st), name) {
			return st, true
		}
	}
	return "", false
}

func (s *Snapshot) recount() {
	s.Counts = Counts{
		Pending:         len(s.Pending),
		Success:         len(s.Success),
		FailedRetrying:  len(s.FailedRetrying),
		FailedExhausted: len(s.FailedExhausted),
	}
	s.TotalTasks = s.Counts.Pending + s.Counts.Success + s.Counts.FailedRetrying + s.Counts.FailedExhausted
}

// Validate checks the partition invariant: every name in exactly one
// partition and counts matching partition sizes.
func (s *Snapshot) Validate() error {
	seen := make(map[string]task.Status)
	for _, st := range task.Statuses {
		for _, name := range *s.partition(st) {
			if prev, dup := seen[name]; dup {
				return fmt.Errorf("%w: %q in both %s and %s", ErrCorrupt, name, prev, st)
			}
			seen[name] = st
		}
	}
	if len(seen) != s.TotalTasks {
		return fmt.Errorf("%w: total %d does not match %d tasks", ErrCorrupt, s.TotalTasks, len(seen))
	}
	want := Counts{len(s.Pending), len(s.Success), len(s.FailedRetrying), len(s.FailedExhausted)}
	if s.Counts != want {
		return fmt.Errorf("%w: counts %+v do not match partitions %+v", ErrCorrupt, s.Counts, want)
	}
	return nil
}

func (s Snapshot) clone() Snapshot {
	c := s
	c.Pending = slices.Clone(s.Pending)
	c.Success = slices.Clone(s.Success)
	c.FailedRetrying = slices.Clone(s.FailedRetrying)
	c.FailedExhausted = slices.Clone(s.FailedExhausted)
	return c
}

type Store struct {
	mu      sync.Mutex
	backend storage.SnapshotStore
	key     string
	snap    Snapshot
	now     func() time.Time
	// onPersistError is invoked, under the lock, when a write fails.
	onPersistError func(error)
}

func New(backend storage.SnapshotStore, key string) *Store {
	if key == "" {
		key = DefaultKey
	}
	return &Store{
		backend: backend,
		key:     key,
		now:     time.Now,
		snap:    emptySnapshot(),
	}
}

func emptySnapshot() Snapshot {
	return Snapshot{
		Pending:         []string{},
		Success:         []string{},
		FailedRetrying:  []string{},
		FailedExhausted: []string{},
	}
}

// OnPersistError registers a hook for failed writes (metrics, alerts).
func (s *Store) OnPersistError(fn func(error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onPersistError = fn
}

// Initialize discards any prior state and marks every name Pending.
func (s *Store) Initialize(ctx context.Context, sessionID string, names []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.snap = emptySnapshot()
	s.snap.SessionID = sessionID
	s.snap.SessionStart = now
	s.snap.LastUpdated = now
	for _, name := range names {
		if slices.Contains(s.snap.Pending, name) {
			continue
		}
		s.snap.Pending = append(s.snap.Pending, name)
	}
	s.snap.recount()

	return s.persistLocked(ctx)
}

// Adopt replaces in-memory state with a previously persisted snapshot.
func (s *Store) Adopt(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.snap = snap.clone()
	for _, st := range task.Statuses {
		if p := s.snap.partition(st); *p == nil {
			*p = []string{}
		}
	}
	s.snap.recount()
}

// Transition moves name into the partition for status and persists the full
// snapshot before returning. On a write failure the in-memory state still
// reflects the transition and the write error is returned.
func (s *Store) Transition(ctx context.Context, name string, status task.Status) error {
	if !status.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.snap.StatusOf(name); !ok {
		return fmt.Errorf("%w: %q", ErrUnknownTask, name)
	}
	s.moveLocked(name, status)

	return s.persistLocked(ctx)
}

func (s *Store) moveLocked(name string, status task.Status) {
	for _, st := range task.Statuses {
		p := s.snap.partition(st)
		if i := slices.Index(*p, name); i >= 0 {
			*p = slices.Delete(*p, i, i+1)
		}
	}
	p := s.snap.partition(status)
	*p = append(*p, name)
	s.snap.recount()
	s.snap.LastUpdated = s.now()
}

// Resume prepares an adopted snapshot for another pass over names and
// returns the names that must be queued, in input order:
//   - names unknown to the snapshot are added as Pending;
//   - Pending and FailedRetrying names are queued as Pending;
//   - Success names are skipped;
//   - FailedExhausted names are skipped unless resumeExhausted is set.
func (s *Store) Resume(ctx context.Context, sessionID string, names []string, resumeExhausted bool) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.snap.SessionID = sessionID
	eligible := make([]string, 0, len(names))
	queued := make(map[string]bool, len(names))
	for _, name := range names {
		if queued[name] {
			continue
		}
		st, known := s.snap.StatusOf(name)
		switch {
		case !known:
			s.snap.Pending = append(s.snap.Pending, name)
		case st == task.StatusSuccess:
			continue
		case st == task.StatusFailedExhausted && !resumeExhausted:
			continue
		case st != task.StatusPending:
			s.moveLocked(name, task.StatusPending)
		}
		queued[name] = true
		eligible = append(eligible, name)
	}
	s.snap.recount()
	s.snap.LastUpdated = s.now()

	return eligible, s.persistLocked(ctx)
}

// Flush persists the current snapshot again.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.persistLocked(ctx)
}

func (s *Store) persistLocked(ctx context.Context) error {
	data, err := json.MarshalIndent(s.snap, "", "  ")
	if err == nil {
		err = s.backend.WriteSnapshot(ctx, s.key, data)
	}
	if err != nil {
		log.WithFields(log.Fields{
			"event":    "checkpoint_write_failed",
			"location": s.backend.Location(),
		}).Error(err)
		if s.onPersistError != nil {
			s.onPersistError(err)
		}
		return fmt.Errorf("persist checkpoint: %w", err)
	}
	return nil
}

// Snapshot returns a copy of the current state.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.snap.clone()
}

func (s *Store) StatusOf(name string) (task.Status, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.snap.StatusOf(name)
}

func (s *Store) Counts() Counts {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.snap.Counts
}

// LoadExisting reads a persisted snapshot. It returns storage.ErrNotFound when
// nothing was written and ErrCorrupt when the data cannot be trusted; callers
// fall back to Initialize in both cases.
func LoadExisting(ctx context.Context, backend storage.SnapshotStore, key string) (Snapshot, error) {
	if key == "" {
		key = DefaultKey
	}
	data, err := backend.ReadSnapshot(ctx, key)
	if err != nil {
		return Snapshot{}, err
	}

	snap := emptySnapshot()
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if err := snap.Validate(); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}
