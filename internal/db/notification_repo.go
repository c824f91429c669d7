package db

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"context"

	"github.com/jackc/pgx/v5"

	"relaypoint/internal/types"
)

// NotificationRepository provides data access for the notifications table.
// Per-channel delivery state is stored as a JSONB column and hydrated into
// types.ChannelStateMap; the engine owns all mutations of that state.
type NotificationRepository struct {
	db DBTX
}

// Compile-time interface check.
var _ types.NotificationStore = (*NotificationRepository)(nil)

// NewNotificationRepository creates a NotificationRepository backed by the
// given database connection (pool or transaction).
func NewNotificationRepository(db DBTX) *NotificationRepository {
	return &NotificationRepository{db: db}
}

// Create inserts a new notification record. The caller must set the ID and
// required fields before calling.
func (r *NotificationRepository) Create(ctx context.Context, n *types.Notification) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO notifications
		 (id, tenant_id, user_id, event_type, priority, category, title,
		  message, channels, metadata, requires_ack, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, COALESCE($12, NOW()), $13)`,
		n.ID,
		n.TenantID,
		n.UserID,
		string(n.EventType),
		string(n.Priority),
		string(n.Category),
		n.Title,
		n.Message,
		types.ChannelStateMap(n.Channels),
		n.Metadata,
		n.RequiresAck,
		nilIfZeroTime(n.CreatedAt),
		n.ExpiresAt,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create notification", err)
	}
	return nil
}

// UpdateChannelState overwrites one channel's delivery state inside the
// channels JSONB column. The jsonb_set path update keeps other channels'
// state untouched, so concurrent per-channel updates never clobber each
// other.
func (r *NotificationRepository) UpdateChannelState(ctx context.Context, id string, channel types.ChannelType, state *types.ChannelState) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE notifications
		 SET channels = jsonb_set(channels, ARRAY[$2::text], $3::jsonb, true)
		 WHERE id = $1`,
		id,
		string(channel),
		state,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to update channel state", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundNotification, fmt.Sprintf("notification %s not found", id), nil)
	}
	return nil
}

// GetByID fetches one notification.
func (r *NotificationRepository) GetByID(ctx context.Context, id string) (*types.Notification, error) {
	row := r.db.QueryRow(ctx,
		`SELECT id, tenant_id, user_id, event_type, priority, category,
		        title, message, channels, metadata, requires_ack, created_at,
		        expires_at
		 FROM notifications WHERE id = $1`,
		id,
	)
	n, err := scanNotification(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundNotification, fmt.Sprintf("notification %s not found", id), nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get notification", err)
	}
	return n, nil
}

// ListByRecipient returns a recipient's notifications newest first.
// Pagination is cursor-based on created_at; an empty returned cursor means
// no more pages.
func (r *NotificationRepository) ListByRecipient(ctx context.Context, tenantID, userID string, limit int, cursor string) ([]*types.Notification, string, error) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}

	conditions := []string{"tenant_id = $1", "user_id = $2"}
	args := []any{tenantID, userID}
	argIdx := 3

	if cursor != "" {
		cursorTime, err := time.Parse(time.RFC3339Nano, cursor)
		if err != nil {
			return nil, "", types.NewAppError(types.ErrCodeValidationMissingField, "invalid cursor format; expected RFC3339 timestamp", err)
		}
		conditions = append(conditions, fmt.Sprintf("created_at < $%d", argIdx))
		args = append(args, cursorTime)
		argIdx++
	}

	// Fetch limit+1 rows to detect whether a next page exists.
	query := fmt.Sprintf(
		`SELECT id, tenant_id, user_id, event_type, priority, category,
		        title, message, channels, metadata, requires_ack, created_at,
		        expires_at
		 FROM notifications
		 WHERE %s
		 ORDER BY created_at DESC
		 LIMIT $%d`,
		strings.Join(conditions, " AND "), argIdx,
	)
	args = append(args, limit+1)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, "", types.NewAppError(types.ErrCodeInternalDB, "failed to list notifications", err)
	}
	defer rows.Close()

	var results []*types.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, "", types.NewAppError(types.ErrCodeInternalDB, "failed to scan notification", err)
		}
		results = append(results, n)
	}
	if err := rows.Err(); err != nil {
		return nil, "", types.NewAppError(types.ErrCodeInternalDB, "failed to iterate notifications", err)
	}

	nextCursor := ""
	if len(results) > limit {
		results = results[:limit]
		nextCursor = results[len(results)-1].CreatedAt.Format(time.RFC3339Nano)
	}
	return results, nextCursor, nil
}

// scanner is the shared subset of pgx.Row and pgx.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanNotification(row scanner) (*types.Notification, error) {
	var (
		n        types.Notification
		channels types.ChannelStateMap
		metadata types.Metadata
	)
	err := row.Scan(
		&n.ID, &n.TenantID, &n.UserID, &n.EventType, &n.Priority,
		&n.Category, &n.Title, &n.Message, &channels, &metadata,
		&n.RequiresAck, &n.CreatedAt, &n.ExpiresAt,
	)
	if err != nil {
		return nil, err
	}
	n.Channels = channels
	n.Metadata = metadata
	return &n, nil
}

func nilIfZeroTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
