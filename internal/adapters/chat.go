package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"relaypoint/internal/types"
)

// chatMessage is the JSON body posted to a tenant's chat webhook.
type chatMessage struct {
	NotificationID string `json:"notification_id"`
	Title          string `json:"title"`
	Text           string `json:"text"`
	Priority       string `json:"priority"`
	Category       string `json:"category,omitempty"`
	ActionRef      string `json:"action_ref,omitempty"`
	Recipient      string `json:"recipient"`
}

// ChatAdapter posts notifications to a tenant-configured chat webhook
// through the resilient BaseClient. When signing is configured, each post
// carries an HMAC signature header the receiver can verify.
type ChatAdapter struct {
	client    *BaseClient
	directory Directory
	logger    types.Logger
	signing   SigningConfig
	clock     types.Clock
}

var _ types.ChannelAdapter = (*ChatAdapter)(nil)

// ChatOption customizes a ChatAdapter.
type ChatOption func(*ChatAdapter)

// WithChatSigning enables HMAC signing of outbound posts.
func WithChatSigning(cfg SigningConfig) ChatOption {
	return func(a *ChatAdapter) { a.signing = cfg }
}

// WithChatClock overrides the signing timestamp source.
func WithChatClock(clock types.Clock) ChatOption {
	return func(a *ChatAdapter) { a.clock = clock }
}

// NewChatAdapter creates a ChatAdapter.
func NewChatAdapter(client *BaseClient, directory Directory, logger types.Logger, opts ...ChatOption) *ChatAdapter {
	a := &ChatAdapter{client: client, directory: directory, logger: logger, clock: types.RealClock{}}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Type returns the channel this adapter delivers to.
func (a *ChatAdapter) Type() types.ChannelType { return types.ChannelChat }

// Deliver posts the payload to the tenant's webhook. Any non-2xx response
// is a delivery failure.
func (a *ChatAdapter) Deliver(ctx context.Context, p types.DeliveryPayload) (*types.DeliveryResult, error) {
	url, err := a.directory.ChatWebhook(ctx, p.TenantID)
	if err != nil {
		return nil, err
	}
	if url == "" {
		return nil, types.NewAppError(types.ErrCodeUpstreamAdapter, fmt.Sprintf("tenant %s has no chat webhook configured", p.TenantID), nil)
	}

	body, err := json.Marshal(chatMessage{
		NotificationID: p.NotificationID,
		Title:          p.Title,
		Text:           p.Summary,
		Priority:       string(p.Priority),
		Category:       string(p.Category),
		ActionRef:      p.ActionRef,
		Recipient:      p.Recipient,
	})
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to encode chat message", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to build chat request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	if a.signing.Enabled() {
		sig, err := SignPayload(body, a.signing, a.clock.Now())
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to sign chat message", err)
		}
		req.Header.Set(SignatureHeader, sig)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, types.NewAppError(types.ErrCodeUpstreamAdapter, fmt.Sprintf("chat webhook returned %d", resp.StatusCode), nil)
	}
	return &types.DeliveryResult{}, nil
}
