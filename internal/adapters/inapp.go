package adapters

import (
	"context"

	"github.com/google/uuid"

	"relaypoint/internal/db"
	"relaypoint/internal/types"
)

// InAppAdapter delivers to the recipient's in-app feed by inserting a feed
// row. In-app is the always-available fallback channel; it has no external
// provider to fail.
type InAppAdapter struct {
	db db.DBTX
}

var _ types.ChannelAdapter = (*InAppAdapter)(nil)

// NewInAppAdapter creates an InAppAdapter backed by the given database
// connection.
func NewInAppAdapter(dbtx db.DBTX) *InAppAdapter {
	return &InAppAdapter{db: dbtx}
}

// Type returns the channel this adapter delivers to.
func (a *InAppAdapter) Type() types.ChannelType { return types.ChannelInApp }

// Deliver inserts one unread feed entry for the recipient.
func (a *InAppAdapter) Deliver(ctx context.Context, p types.DeliveryPayload) (*types.DeliveryResult, error) {
	feedID := "feed_" + uuid.NewString()
	_, err := a.db.Exec(ctx,
		`INSERT INTO in_app_feed
		 (id, notification_id, tenant_id, user_id, title, summary, priority,
		  category, action_ref, read, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, false, NOW())`,
		feedID,
		p.NotificationID,
		p.TenantID,
		p.Recipient,
		p.Title,
		p.Summary,
		string(p.Priority),
		string(p.Category),
		p.ActionRef,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamAdapter, "failed to write in-app feed entry", err)
	}
	return &types.DeliveryResult{ProviderMessageID: feedID}, nil
}
