package types

import (
	"context"
	"time"
)

// Logger defines the structured logging interface used throughout the
// pipeline. Backed by log/slog at the edges; library packages depend only
// on this facade.
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
	With(args ...any) Logger
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

// RealClock implements Clock using the real system time (always UTC).
type RealClock struct{}

// Now returns the current time in UTC.
func (RealClock) Now() time.Time { return time.Now().UTC() }

// CounterStore is the injectable key-value counter backing the rate limiter
// and the deduplication frequency pre-check. The in-memory implementation
// serves a single process; the redis implementation lets counters be shared
// across processes without changing pipeline logic.
//
// Incr and Peek operate on rolling windows: a counter whose window has
// elapsed is reset before the operation. Callers needing read-check-increment
// atomicity for a scope serialize their own calls per scope key; the store
// guarantees each individual operation is atomic per key.
type CounterStore interface {
	// Incr increments the counter at key and returns the count after the
	// increment along with the window's reset time.
	Incr(ctx context.Context, key string, window time.Duration) (count int, resetAt time.Time, err error)

	// Peek returns the current count and reset time without incrementing.
	// A key that has never been incremented (or whose window elapsed)
	// reports zero with a reset one window from now.
	Peek(ctx context.Context, key string, window time.Duration) (count int, resetAt time.Time, err error)

	// Sweep removes expired entries and returns how many were evicted.
	// Stores with native TTL support may implement this as a no-op.
	Sweep(ctx context.Context) int
}

// ChannelAdapter is the external delivery capability for one channel. The
// engine treats all adapters uniformly; a missing adapter for a selected
// channel is recorded as a per-channel failure, not a pipeline error.
type ChannelAdapter interface {
	// Type returns the channel this adapter delivers to.
	Type() ChannelType

	// Deliver transmits the payload to one recipient. Implementations must
	// honor ctx cancellation; the engine bounds every call with a timeout.
	Deliver(ctx context.Context, payload DeliveryPayload) (*DeliveryResult, error)
}

// RecipientResolver expands a resolution hint into concrete recipient ids.
// The pipeline consumes the returned list; it does not own user storage.
type RecipientResolver interface {
	Resolve(ctx context.Context, tenantID string, hint ResolutionHint, userID string, role UserRole) ([]string, error)
}

// ReminderScheduler schedules follow-up reminders for a persisted
// notification. The pipeline only triggers scheduling; it does not own the
// timers.
type ReminderScheduler interface {
	Schedule(ctx context.Context, notificationID string, priority Priority, eventType EventType) (handle string, err error)
}

// NotificationStore is the durable persistence collaborator for
// notifications and their per-channel delivery state.
type NotificationStore interface {
	Create(ctx context.Context, n *Notification) error
	UpdateChannelState(ctx context.Context, id string, channel ChannelType, state *ChannelState) error
	GetByID(ctx context.Context, id string) (*Notification, error)
	ListByRecipient(ctx context.Context, tenantID, userID string, limit int, cursor string) ([]*Notification, string, error)
}

// AuditSink receives flushed batches of audit entries. Implemented by the
// pgx audit repository; tests substitute an in-memory sink.
type AuditSink interface {
	WriteBatch(ctx context.Context, entries []*AuditLogEntry) error
}
