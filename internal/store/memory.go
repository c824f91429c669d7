// Package store provides CounterStore implementations backing the rate
// limiter and the deduplication frequency pre-check. The in-memory store
// serves a single process; the redis store shares counters across processes
// behind the same interface.
package store

import (
	"context"
	"sync"
	"time"

	"relaypoint/internal/types"
)

// Compile-time assertion.
var _ types.CounterStore = (*MemoryCounterStore)(nil)

type memCounter struct {
	count   int
	resetAt time.Time
}

// MemoryCounterStore is a process-local CounterStore. Each operation holds
// the store lock only for a single key's critical section; background
// sweeps never pin the lock across the whole map scan result processing.
type MemoryCounterStore struct {
	mu       sync.Mutex
	counters map[string]*memCounter
	clock    types.Clock
}

// NewMemoryCounterStore creates an empty in-memory counter store.
func NewMemoryCounterStore(clock types.Clock) *MemoryCounterStore {
	if clock == nil {
		clock = types.RealClock{}
	}
	return &MemoryCounterStore{
		counters: make(map[string]*memCounter),
		clock:    clock,
	}
}

// Incr increments the counter at key within the rolling window, resetting an
// expired window first. Counts never go negative.
func (s *MemoryCounterStore) Incr(_ context.Context, key string, window time.Duration) (int, time.Time, error) {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.counters[key]
	if !ok || !now.Before(c.resetAt) {
		c = &memCounter{count: 0, resetAt: now.Add(window)}
		s.counters[key] = c
	}
	c.count++
	return c.count, c.resetAt, nil
}

// Peek returns the current count without incrementing. An absent or expired
// counter reports zero with a reset one window from now.
func (s *MemoryCounterStore) Peek(_ context.Context, key string, window time.Duration) (int, time.Time, error) {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.counters[key]
	if !ok || !now.Before(c.resetAt) {
		return 0, now.Add(window), nil
	}
	return c.count, c.resetAt, nil
}

// Sweep evicts counters whose windows have elapsed and returns the count of
// evicted entries.
func (s *MemoryCounterStore) Sweep(_ context.Context) int {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	evicted := 0
	for key, c := range s.counters {
		if !now.Before(c.resetAt) {
			delete(s.counters, key)
			evicted++
		}
	}
	return evicted
}

// Len reports the number of live counters. Used by tests and metrics.
func (s *MemoryCounterStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.counters)
}
