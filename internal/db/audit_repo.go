package db

import (
	"context"
	"fmt"
	"strings"
	"time"

	"relaypoint/internal/notifications/audit"
	"relaypoint/internal/types"
)

// AuditRepository is the PostgreSQL-backed audit store. Writes arrive in
// batches from the audit logger's flusher; queries serve the operator API.
type AuditRepository struct {
	db DBTX
}

var _ audit.Store = (*AuditRepository)(nil)

// NewAuditRepository creates an AuditRepository backed by the given database
// connection (pool or transaction).
func NewAuditRepository(db DBTX) *AuditRepository {
	return &AuditRepository{db: db}
}

// WriteBatch inserts a batch of audit entries with a single multi-row
// INSERT. The batch is all-or-nothing; the logger retries failed batches.
func (r *AuditRepository) WriteBatch(ctx context.Context, entries []*types.AuditLogEntry) error {
	if len(entries) == 0 {
		return nil
	}

	var (
		placeholders []string
		args         []any
	)
	for i, e := range entries {
		base := i * 13
		placeholders = append(placeholders, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7,
			base+8, base+9, base+10, base+11, base+12, base+13,
		))
		args = append(args,
			e.ID,
			e.Action,
			e.Timestamp,
			nilIfEmpty(e.NotificationID),
			nilIfEmpty(e.ActorID),
			nilIfEmpty(e.UserID),
			nilIfEmpty(e.TenantID),
			nilIfEmpty(string(e.EventType)),
			nilIfEmpty(string(e.Priority)),
			nilIfEmpty(string(e.Channel)),
			string(e.Status),
			nilIfEmpty(e.Error),
			e.Metadata,
		)
	}

	query := fmt.Sprintf(
		`INSERT INTO audit_log
		 (id, action, timestamp, notification_id, actor_id, user_id,
		  tenant_id, event_type, priority, channel, status, error, metadata)
		 VALUES %s`,
		strings.Join(placeholders, ", "),
	)

	if _, err := r.db.Exec(ctx, query, args...); err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to write audit batch", err)
	}
	return nil
}

// Query returns entries matching the filter, newest first, paginated with a
// timestamp cursor.
func (r *AuditRepository) Query(ctx context.Context, f audit.Filter) ([]*types.AuditLogEntry, string, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}

	conditions := []string{"1=1"}
	args := []any{}
	argIdx := 1

	addCondition := func(clause string, value any) {
		conditions = append(conditions, fmt.Sprintf(clause, argIdx))
		args = append(args, value)
		argIdx++
	}

	if f.Action != "" {
		addCondition("action = $%d", f.Action)
	}
	if f.NotificationID != "" {
		addCondition("notification_id = $%d", f.NotificationID)
	}
	if f.UserID != "" {
		addCondition("user_id = $%d", f.UserID)
	}
	if f.TenantID != "" {
		addCondition("tenant_id = $%d", f.TenantID)
	}
	if f.EventType != "" {
		addCondition("event_type = $%d", string(f.EventType))
	}
	if f.Priority != "" {
		addCondition("priority = $%d", string(f.Priority))
	}
	if f.Channel != "" {
		addCondition("channel = $%d", string(f.Channel))
	}
	if f.Status != "" {
		addCondition("status = $%d", string(f.Status))
	}
	if !f.From.IsZero() {
		addCondition("timestamp >= $%d", f.From)
	}
	if !f.To.IsZero() {
		addCondition("timestamp <= $%d", f.To)
	}
	if f.Cursor != "" {
		cursorTime, err := time.Parse(time.RFC3339Nano, f.Cursor)
		if err != nil {
			return nil, "", types.NewAppError(types.ErrCodeValidationMissingField, "invalid cursor format; expected RFC3339 timestamp", err)
		}
		addCondition("timestamp < $%d", cursorTime)
	}

	query := fmt.Sprintf(
		`SELECT id, action, timestamp, COALESCE(notification_id, ''),
		        COALESCE(actor_id, ''), COALESCE(user_id, ''),
		        COALESCE(tenant_id, ''), COALESCE(event_type, ''),
		        COALESCE(priority, ''), COALESCE(channel, ''), status,
		        COALESCE(error, ''), metadata
		 FROM audit_log
		 WHERE %s
		 ORDER BY timestamp DESC
		 LIMIT $%d`,
		strings.Join(conditions, " AND "), argIdx,
	)
	args = append(args, limit+1)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, "", types.NewAppError(types.ErrCodeInternalDB, "failed to query audit log", err)
	}
	defer rows.Close()

	var results []*types.AuditLogEntry
	for rows.Next() {
		var (
			e        types.AuditLogEntry
			metadata types.Metadata
		)
		err := rows.Scan(
			&e.ID, &e.Action, &e.Timestamp, &e.NotificationID, &e.ActorID,
			&e.UserID, &e.TenantID, &e.EventType, &e.Priority, &e.Channel,
			&e.Status, &e.Error, &metadata,
		)
		if err != nil {
			return nil, "", types.NewAppError(types.ErrCodeInternalDB, "failed to scan audit entry", err)
		}
		e.Metadata = metadata
		results = append(results, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, "", types.NewAppError(types.ErrCodeInternalDB, "failed to iterate audit entries", err)
	}

	nextCursor := ""
	if len(results) > limit {
		results = results[:limit]
		nextCursor = results[len(results)-1].Timestamp.Format(time.RFC3339Nano)
	}
	return results, nextCursor, nil
}

// DeleteOlderThan removes entries past the retention cutoff and reports how
// many were deleted. Called by the engine's retention sweep.
func (r *AuditRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM audit_log WHERE timestamp < $1`, cutoff)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to delete expired audit entries", err)
	}
	return tag.RowsAffected(), nil
}

func nilIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
