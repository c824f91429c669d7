package adapters

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	sestypes "github.com/aws/aws-sdk-go-v2/service/ses/types"

	"relaypoint/internal/types"
)

// SESAPI defines the subset of the SES client used by EmailAdapter.
// Extracted for testability.
type SESAPI interface {
	SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

// EmailAdapter delivers email via AWS SES. Authentication is handled via
// IAM roles; the AWS SDK provides built-in retry logic, so no BaseClient
// wrapper is needed.
type EmailAdapter struct {
	api       SESAPI
	directory Directory
	from      string
	logger    types.Logger
}

var _ types.ChannelAdapter = (*EmailAdapter)(nil)

// NewEmailAdapter creates an EmailAdapter. from is the verified sender
// address.
func NewEmailAdapter(api SESAPI, directory Directory, from string, logger types.Logger) *EmailAdapter {
	return &EmailAdapter{api: api, directory: directory, from: from, logger: logger}
}

// Type returns the channel this adapter delivers to.
func (a *EmailAdapter) Type() types.ChannelType { return types.ChannelEmail }

// Deliver resolves the recipient's address and sends one email.
func (a *EmailAdapter) Deliver(ctx context.Context, p types.DeliveryPayload) (*types.DeliveryResult, error) {
	addr, err := a.directory.EmailAddress(ctx, p.TenantID, p.Recipient)
	if err != nil {
		return nil, err
	}
	if addr == "" {
		return nil, types.NewAppError(types.ErrCodeUpstreamAdapter, fmt.Sprintf("recipient %s has no email address", p.Recipient), nil)
	}

	subject := p.Title
	if subject == "" {
		subject = fmt.Sprintf("[%s] notification", p.Priority)
	}

	out, err := a.api.SendEmail(ctx, &ses.SendEmailInput{
		Source: aws.String(a.from),
		Destination: &sestypes.Destination{
			ToAddresses: []string{addr},
		},
		Message: &sestypes.Message{
			Subject: &sestypes.Content{
				Data:    aws.String(subject),
				Charset: aws.String("UTF-8"),
			},
			Body: &sestypes.Body{
				Text: &sestypes.Content{
					Data:    aws.String(p.Summary),
					Charset: aws.String("UTF-8"),
				},
			},
		},
	})
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamAdapter, "ses send failed", err)
	}

	messageID := ""
	if out != nil && out.MessageId != nil {
		messageID = *out.MessageId
	}
	a.logger.Info("email delivered", "notification_id", p.NotificationID, "message_id", messageID)
	return &types.DeliveryResult{ProviderMessageID: messageID}, nil
}
