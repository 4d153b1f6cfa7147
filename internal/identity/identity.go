// Package identity talks to the anonymizing network that provides exit
// identities: asking for a fresh circuit and reporting the current exit IP.
package identity

import (
	"context"
	"sync"
)

// Unknown is reported when the current exit identity cannot be determined.
const Unknown = "unknown"

type Rotator interface {
	// Rotate asks for a new identity. Failure is not fatal to callers.
	Rotate(ctx context.Context) error
	// CurrentIdentity returns the exit identity, or Unknown.
	CurrentIdentity(ctx context.Context) string
}

// Pinger is implemented by rotators that can verify reachability at startup.
type Pinger interface {
	Ping(ctx context.Context) error
}

func IsKnown(identity string) bool {
	return identity != "" && identity != Unknown
}

// Serialized funnels every Rotate through one mutex so two workers never
// rotate the shared circuit at the same time.
type Serialized struct {
	mu    sync.Mutex
	inner Rotator
}

func NewSerialized(inner Rotator) *Serialized {
	return &Serialized{inner: inner}
}

// phasedRotator splits a rotation into the request, which must not overlap
// another request, and the settle wait, which may.
type phasedRotator interface {
	RequestNewIdentity(ctx context.Context) error
	Settle(ctx context.Context) error
}

// Rotate holds the lock only while the new identity is requested when the
// inner rotator can separate that from settling.
func (s *Serialized) Rotate(ctx context.Context) error {
	p, ok := s.inner.(phasedRotator)
	if !ok {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.inner.Rotate(ctx)
	}

	s.mu.Lock()
	err := p.RequestNewIdentity(ctx)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return p.Settle(ctx)
}

func (s *Serialized) CurrentIdentity(ctx context.Context) string {
	return s.inner.CurrentIdentity(ctx)
}

func (s *Serialized) Ping(ctx context.Context) error {
	if p, ok := s.inner.(Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}
