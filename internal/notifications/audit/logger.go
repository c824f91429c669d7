// Package audit implements the durable, batched, append-only record of every
// decision made by the notification pipeline. Entries are buffered in a
// bounded queue and flushed in batches by a background writer; the hot path
// never blocks on storage.
//
// Backpressure policy: drop-oldest. When the buffer is full the oldest
// buffered entry is discarded (and counted) in favor of the new one, so the
// most recent decisions survive a storage stall.
package audit

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"relaypoint/internal/config"
	"relaypoint/internal/types"
)

// Store is the persistence surface the audit logger writes to and queries
// from. Implemented by db.AuditRepository; tests substitute an in-memory
// store.
type Store interface {
	types.AuditSink

	// Query returns entries matching the filter, newest first, with a
	// cursor for pagination.
	Query(ctx context.Context, f Filter) ([]*types.AuditLogEntry, string, error)

	// DeleteOlderThan removes entries older than the cutoff and returns the
	// number deleted.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// Filter selects audit entries. Zero-valued fields are ignored.
type Filter struct {
	Action         string
	NotificationID string
	UserID         string
	TenantID       string
	EventType      types.EventType
	Priority       types.Priority
	Channel        types.ChannelType
	Status         types.AuditStatus
	From           time.Time
	To             time.Time
	Limit          int
	Cursor         string
}

// sensitiveMetadataKeys are stripped from entry metadata before buffering.
var sensitiveMetadataKeys = []string{"password", "token", "apikey", "api_key", "card", "secret", "cvv"}

// maxMetadataBytes bounds serialized entry metadata. Oversized metadata is
// replaced by a truncation marker noting the original size.
const maxMetadataBytes = 8 * 1024

// Stats exposes the logger's internal counters. Dropped entries are counted,
// never silently lost.
type Stats struct {
	Enqueued      uint64
	Flushed       uint64
	Dropped       uint64
	FailedBatches uint64
	Retries       uint64
}

// Logger is the batched audit writer. Log is fire-and-forget; the background
// flusher writes batches when either the batch size or the flush interval is
// reached, whichever first.
type Logger struct {
	store Store
	cfg   config.AuditConfig
	clock types.Clock
	log   types.Logger

	buf  chan *types.AuditLogEntry
	stop chan struct{}
	done chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once

	enqueued      atomic.Uint64
	flushed       atomic.Uint64
	dropped       atomic.Uint64
	failedBatches atomic.Uint64
	retries       atomic.Uint64
}

// NewLogger creates a Logger. Start must be called before entries are
// flushed; Log before Start buffers up to the configured size.
func NewLogger(store Store, cfg config.AuditConfig, clock types.Clock, log types.Logger) *Logger {
	if clock == nil {
		clock = types.RealClock{}
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1024
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 2 * time.Second
	}
	return &Logger{
		store: store,
		cfg:   cfg,
		clock: clock,
		log:   log,
		buf:   make(chan *types.AuditLogEntry, cfg.BufferSize),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// Log buffers an entry for asynchronous persistence. Missing ids and
// timestamps are filled in; sensitive metadata is stripped and oversized
// metadata truncated before buffering. Never blocks: on a full buffer the
// oldest entry is dropped and counted.
func (l *Logger) Log(entry *types.AuditLogEntry) {
	if entry == nil {
		return
	}
	if entry.ID == "" {
		entry.ID = "audit_" + uuid.New().String()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = l.clock.Now()
	}
	entry.Metadata = sanitizeMetadata(entry.Metadata)

	l.enqueued.Add(1)
	for {
		select {
		case l.buf <- entry:
			return
		default:
		}
		// Buffer full: drop the oldest entry to make room.
		select {
		case <-l.buf:
			l.dropped.Add(1)
		default:
		}
	}
}

// Start launches the background flusher.
func (l *Logger) Start() {
	l.startOnce.Do(func() {
		go l.run()
	})
}

// Close flushes remaining entries and stops the flusher. Safe to call more
// than once.
func (l *Logger) Close() {
	l.stopOnce.Do(func() {
		close(l.stop)
	})
	<-l.done
}

// Stats returns the current counter snapshot.
func (l *Logger) Stats() Stats {
	return Stats{
		Enqueued:      l.enqueued.Load(),
		Flushed:       l.flushed.Load(),
		Dropped:       l.dropped.Load(),
		FailedBatches: l.failedBatches.Load(),
		Retries:       l.retries.Load(),
	}
}

func (l *Logger) run() {
	defer close(l.done)

	ticker := time.NewTicker(l.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]*types.AuditLogEntry, 0, l.cfg.BatchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		l.writeBatch(batch)
		batch = batch[:0]
	}

	for {
		select {
		case entry := <-l.buf:
			batch = append(batch, entry)
			if len(batch) >= l.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-l.stop:
			// Drain whatever is buffered, then exit.
			for {
				select {
				case entry := <-l.buf:
					batch = append(batch, entry)
					if len(batch) >= l.cfg.BatchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

// writeBatch persists one batch, retrying up to the configured bound before
// dropping it. Dropped batches are counted in FailedBatches.
func (l *Logger) writeBatch(batch []*types.AuditLogEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var err error
	for attempt := 0; attempt <= l.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			l.retries.Add(1)
		}
		if err = l.store.WriteBatch(ctx, batch); err == nil {
			l.flushed.Add(uint64(len(batch)))
			return
		}
	}

	l.failedBatches.Add(1)
	l.dropped.Add(uint64(len(batch)))
	if l.log != nil {
		l.log.Error("audit batch dropped after retries",
			"batch_size", len(batch),
			"retries", l.cfg.MaxRetries,
			"error", err.Error(),
		)
	}
}

// Query proxies to the store.
func (l *Logger) Query(ctx context.Context, f Filter) ([]*types.AuditLogEntry, string, error) {
	return l.store.Query(ctx, f)
}

// Cleanup deletes entries older than the configured retention and logs its
// own completion as an audit entry.
func (l *Logger) Cleanup(ctx context.Context) (int64, error) {
	cutoff := l.clock.Now().Add(-l.cfg.Retention)
	deleted, err := l.store.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	l.Log(&types.AuditLogEntry{
		Action: types.AuditActionRetentionCleanup,
		Status: types.AuditStatusSuccess,
		Metadata: types.Metadata{
			"deleted": deleted,
			"cutoff":  cutoff.Format(time.RFC3339),
		},
	})
	return deleted, nil
}

// sanitizeMetadata strips sensitive keys and truncates oversized metadata
// with a marker noting the original serialized size.
func sanitizeMetadata(m types.Metadata) types.Metadata {
	if m == nil {
		return nil
	}

	clean := make(types.Metadata, len(m))
	for k, v := range m {
		if isSensitiveKey(k) {
			continue
		}
		clean[k] = v
	}

	data, err := json.Marshal(clean)
	if err != nil || len(data) > maxMetadataBytes {
		size := len(data)
		return types.Metadata{
			"truncated":     true,
			"original_size": size,
		}
	}
	return clean
}

func isSensitiveKey(key string) bool {
	k := strings.ToLower(key)
	for _, s := range sensitiveMetadataKeys {
		if strings.Contains(k, s) {
			return true
		}
	}
	return false
}
