package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"

	"relaypoint/internal/types"
)

// exportPageSize is the number of entries fetched per store round-trip
// during export.
const exportPageSize = 500

// Export streams all entries matching the filter to w as gzip-compressed
// NDJSON, paging through the store until exhausted. The filter's Limit and
// Cursor fields are managed by the exporter.
func (l *Logger) Export(ctx context.Context, f Filter, w io.Writer) (int64, error) {
	gz := gzip.NewWriter(w)
	enc := json.NewEncoder(gz)

	var total int64
	f.Limit = exportPageSize
	f.Cursor = ""

	for {
		entries, next, err := l.store.Query(ctx, f)
		if err != nil {
			_ = gz.Close()
			return total, fmt.Errorf("audit export query: %w", err)
		}

		for _, e := range entries {
			if err := enc.Encode(e); err != nil {
				_ = gz.Close()
				return total, fmt.Errorf("audit export encode: %w", err)
			}
			total++
		}

		if next == "" || len(entries) == 0 {
			break
		}
		f.Cursor = next
	}

	if err := gz.Close(); err != nil {
		return total, fmt.Errorf("audit export close: %w", err)
	}
	return total, nil
}

// entryMatches reports whether an entry satisfies the filter. Shared by the
// in-memory store used in tests and by filter assembly checks.
func entryMatches(e *types.AuditLogEntry, f Filter) bool {
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if f.NotificationID != "" && e.NotificationID != f.NotificationID {
		return false
	}
	if f.UserID != "" && e.UserID != f.UserID {
		return false
	}
	if f.TenantID != "" && e.TenantID != f.TenantID {
		return false
	}
	if f.EventType != "" && e.EventType != f.EventType {
		return false
	}
	if f.Priority != "" && e.Priority != f.Priority {
		return false
	}
	if f.Channel != "" && e.Channel != f.Channel {
		return false
	}
	if f.Status != "" && e.Status != f.Status {
		return false
	}
	if !f.From.IsZero() && e.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && e.Timestamp.After(f.To) {
		return false
	}
	return true
}
