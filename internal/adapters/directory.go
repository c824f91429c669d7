package adapters

import "context"

// Directory resolves recipient ids to channel-specific addresses. The
// pipeline works in user ids; only the adapters need real addresses.
// Implemented by db.RecipientRepository.
type Directory interface {
	// EmailAddress returns the recipient's email address.
	EmailAddress(ctx context.Context, tenantID, userID string) (string, error)

	// PhoneNumber returns the recipient's E.164 phone number.
	PhoneNumber(ctx context.Context, tenantID, userID string) (string, error)

	// DeviceEndpoint returns the recipient's SNS platform endpoint ARN for
	// push delivery.
	DeviceEndpoint(ctx context.Context, tenantID, userID string) (string, error)

	// ChatWebhook returns the tenant's chat webhook URL.
	ChatWebhook(ctx context.Context, tenantID string) (string, error)
}
