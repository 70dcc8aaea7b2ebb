// Package circuitbreaker gates task execution per executor type. A store
// counts recent failures per executor name; once the count reaches the
// threshold the breaker opens and attempts fail fast until the reset window
// elapses. A success closes the breaker and clears the count.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by Allow while the breaker for a name is open.
var ErrCircuitOpen = errors.New("circuit breaker open")

const (
	// DefaultThreshold is the failure count that opens a breaker.
	DefaultThreshold = 5

	// DefaultResetTimeout is how long an open breaker rejects attempts.
	DefaultResetTimeout = 300 * time.Second
)

// Store tracks failures per executor name. Implementations must be safe for
// concurrent use; the Redis store additionally shares state across workers.
type Store interface {
	// Allow returns ErrCircuitOpen if the breaker for name is open.
	Allow(ctx context.Context, name string) error

	// RecordFailure increments the failure count and stamps the open time
	// when the threshold is reached.
	RecordFailure(ctx context.Context, name string) error

	// RecordSuccess closes the breaker and clears the failure count.
	RecordSuccess(ctx context.Context, name string) error
}

type counter struct {
	failures int
	openedAt time.Time
}

// MemoryStore is the in-process Store. Suitable for a single worker or for
// tests; multi-worker deployments share state through the Redis store.
type MemoryStore struct {
	mu        sync.Mutex
	counters  map[string]*counter
	threshold int
	reset     time.Duration
	now       func() time.Time
}

// NewMemoryStore returns a memory store with the given threshold and reset
// window. Zero values select the defaults.
func NewMemoryStore(threshold int, reset time.Duration) *MemoryStore {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if reset <= 0 {
		reset = DefaultResetTimeout
	}
	return &MemoryStore{
		counters:  make(map[string]*counter),
		threshold: threshold,
		reset:     reset,
		now:       time.Now,
	}
}

func (s *MemoryStore) Allow(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.counters[name]
	if !ok || c.failures < s.threshold {
		return nil
	}
	if s.now().Sub(c.openedAt) >= s.reset {
		// reset window elapsed: close and forget
		delete(s.counters, name)
		return nil
	}
	return ErrCircuitOpen
}

func (s *MemoryStore) RecordFailure(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.counters[name]
	if !ok {
		c = &counter{}
		s.counters[name] = c
	}
	c.failures++
	if c.failures >= s.threshold && c.openedAt.IsZero() {
		c.openedAt = s.now()
	}
	return nil
}

func (s *MemoryStore) RecordSuccess(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.counters, name)
	return nil
}
