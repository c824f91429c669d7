package adapters

import (
	"context"
	"fmt"
	"unicode/utf8"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"

	"relaypoint/internal/types"
)

// SNSAPI defines the subset of the SNS client used by the SMS and push
// adapters. Extracted for testability.
type SNSAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SMSAdapter delivers SMS via AWS SNS direct phone-number publish.
type SMSAdapter struct {
	api       SNSAPI
	directory Directory
	logger    types.Logger
}

var _ types.ChannelAdapter = (*SMSAdapter)(nil)

// NewSMSAdapter creates an SMSAdapter.
func NewSMSAdapter(api SNSAPI, directory Directory, logger types.Logger) *SMSAdapter {
	return &SMSAdapter{api: api, directory: directory, logger: logger}
}

// Type returns the channel this adapter delivers to.
func (a *SMSAdapter) Type() types.ChannelType { return types.ChannelSMS }

// Deliver resolves the recipient's phone number and publishes one SMS. The
// message is the title alone when present; SMS has no room for prose.
func (a *SMSAdapter) Deliver(ctx context.Context, p types.DeliveryPayload) (*types.DeliveryResult, error) {
	phone, err := a.directory.PhoneNumber(ctx, p.TenantID, p.Recipient)
	if err != nil {
		return nil, err
	}
	if phone == "" {
		return nil, types.NewAppError(types.ErrCodeUpstreamAdapter, fmt.Sprintf("recipient %s has no phone number", p.Recipient), nil)
	}

	text := p.Title
	if text == "" {
		text = p.Summary
	}
	text = truncateSMS(text)

	out, err := a.api.Publish(ctx, &sns.PublishInput{
		PhoneNumber: aws.String(phone),
		Message:     aws.String(text),
	})
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamAdapter, "sns sms publish failed", err)
	}
	return &types.DeliveryResult{ProviderMessageID: aws.ToString(out.MessageId)}, nil
}

// truncateSMS caps the message at 160 bytes without splitting a multi-byte
// rune at the cut.
func truncateSMS(text string) string {
	if len(text) <= 160 {
		return text
	}
	cut := 157
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut] + "..."
}

// PushAdapter delivers push notifications via AWS SNS platform endpoints.
type PushAdapter struct {
	api       SNSAPI
	directory Directory
	logger    types.Logger
}

var _ types.ChannelAdapter = (*PushAdapter)(nil)

// NewPushAdapter creates a PushAdapter.
func NewPushAdapter(api SNSAPI, directory Directory, logger types.Logger) *PushAdapter {
	return &PushAdapter{api: api, directory: directory, logger: logger}
}

// Type returns the channel this adapter delivers to.
func (a *PushAdapter) Type() types.ChannelType { return types.ChannelPush }

// Deliver resolves the recipient's device endpoint and publishes one push
// message.
func (a *PushAdapter) Deliver(ctx context.Context, p types.DeliveryPayload) (*types.DeliveryResult, error) {
	endpoint, err := a.directory.DeviceEndpoint(ctx, p.TenantID, p.Recipient)
	if err != nil {
		return nil, err
	}
	if endpoint == "" {
		return nil, types.NewAppError(types.ErrCodeUpstreamAdapter, fmt.Sprintf("recipient %s has no registered device", p.Recipient), nil)
	}

	out, err := a.api.Publish(ctx, &sns.PublishInput{
		TargetArn: aws.String(endpoint),
		Subject:   aws.String(p.Title),
		Message:   aws.String(p.Summary),
	})
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamAdapter, "sns push publish failed", err)
	}
	return &types.DeliveryResult{ProviderMessageID: aws.ToString(out.MessageId)}, nil
}
