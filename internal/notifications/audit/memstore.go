package audit

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"relaypoint/internal/types"
)

// Compile-time assertion.
var _ Store = (*MemoryStore)(nil)

// MemoryStore is an in-memory audit Store used in tests and local
// development when no database is configured.
type MemoryStore struct {
	mu      sync.Mutex
	entries []*types.AuditLogEntry
}

// NewMemoryStore creates an empty in-memory audit store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// WriteBatch appends a copy of the batch.
func (s *MemoryStore) WriteBatch(_ context.Context, entries []*types.AuditLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entries...)
	return nil
}

// Query filters the stored entries, newest first. The cursor is the numeric
// offset into the filtered result set.
func (s *MemoryStore) Query(_ context.Context, f Filter) ([]*types.AuditLogEntry, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	matched := make([]*types.AuditLogEntry, 0)
	for _, e := range s.entries {
		if entryMatches(e, f) {
			matched = append(matched, e)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].Timestamp.After(matched[j].Timestamp)
	})

	offset := 0
	if f.Cursor != "" {
		offset, _ = strconv.Atoi(f.Cursor)
	}
	if offset >= len(matched) {
		return nil, "", nil
	}
	matched = matched[offset:]

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	next := ""
	if len(matched) > limit {
		matched = matched[:limit]
		next = strconv.Itoa(offset + limit)
	}
	return matched, next, nil
}

// DeleteOlderThan removes entries older than cutoff.
func (s *MemoryStore) DeleteOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.entries[:0]
	var deleted int64
	for _, e := range s.entries {
		if e.Timestamp.Before(cutoff) {
			deleted++
			continue
		}
		kept = append(kept, e)
	}
	s.entries = kept
	return deleted, nil
}

// All returns a snapshot of every stored entry, oldest first. Test helper.
func (s *MemoryStore) All() []*types.AuditLogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*types.AuditLogEntry, len(s.entries))
	copy(out, s.entries)
	return out
}
