package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"relaypoint/internal/notifications/selector"
	"relaypoint/internal/types"
)

// RecipientRepository resolves recipient hints against the users table and
// serves per-user channel opt-outs from user_channel_preferences.
type RecipientRepository struct {
	db DBTX
}

var (
	_ types.RecipientResolver   = (*RecipientRepository)(nil)
	_ selector.PreferenceSource = (*RecipientRepository)(nil)
)

// NewRecipientRepository creates a RecipientRepository backed by the given
// database connection (pool or transaction).
func NewRecipientRepository(db DBTX) *RecipientRepository {
	return &RecipientRepository{db: db}
}

// Resolve expands a resolution hint into concrete user ids. Only active
// users are returned; an unknown hint is a validation error.
func (r *RecipientRepository) Resolve(ctx context.Context, tenantID string, hint types.ResolutionHint, userID string, role types.UserRole) ([]string, error) {
	switch hint {
	case types.ResolveSingleUser, "":
		if userID == "" {
			return nil, types.NewAppError(types.ErrCodeValidationInvalidTarget, "single_user resolution requires a user id", nil)
		}
		return r.resolveSingleUser(ctx, tenantID, userID)
	case types.ResolveTenantUsers:
		return r.queryUserIDs(ctx,
			`SELECT id FROM users WHERE tenant_id = $1 AND active ORDER BY id`,
			tenantID)
	case types.ResolveTenantByRole:
		if role == "" {
			return nil, types.NewAppError(types.ErrCodeValidationInvalidTarget, "tenant_role resolution requires a role", nil)
		}
		return r.queryUserIDs(ctx,
			`SELECT id FROM users WHERE tenant_id = $1 AND role = $2 AND active ORDER BY id`,
			tenantID, string(role))
	default:
		return nil, types.NewAppError(types.ErrCodeValidationInvalidTarget, fmt.Sprintf("unknown resolution hint %q", hint), nil)
	}
}

func (r *RecipientRepository) resolveSingleUser(ctx context.Context, tenantID, userID string) ([]string, error) {
	var id string
	err := r.db.QueryRow(ctx,
		`SELECT id FROM users WHERE tenant_id = $1 AND id = $2 AND active`,
		tenantID, userID,
	).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundUser, fmt.Sprintf("user %s not found in tenant %s", userID, tenantID), nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to resolve user", err)
	}
	return []string{id}, nil
}

func (r *RecipientRepository) queryUserIDs(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to resolve recipients", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan recipient id", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to iterate recipients", err)
	}
	return ids, nil
}

// EmailAddress returns the user's email address for email delivery.
func (r *RecipientRepository) EmailAddress(ctx context.Context, tenantID, userID string) (string, error) {
	return r.contactField(ctx, `SELECT COALESCE(email, '') FROM users WHERE tenant_id = $1 AND id = $2`, tenantID, userID)
}

// PhoneNumber returns the user's phone number for SMS delivery.
func (r *RecipientRepository) PhoneNumber(ctx context.Context, tenantID, userID string) (string, error) {
	return r.contactField(ctx, `SELECT COALESCE(phone, '') FROM users WHERE tenant_id = $1 AND id = $2`, tenantID, userID)
}

// DeviceEndpoint returns the user's SNS platform endpoint ARN for push
// delivery.
func (r *RecipientRepository) DeviceEndpoint(ctx context.Context, tenantID, userID string) (string, error) {
	return r.contactField(ctx, `SELECT COALESCE(device_endpoint_arn, '') FROM users WHERE tenant_id = $1 AND id = $2`, tenantID, userID)
}

// ChatWebhook returns the tenant's chat webhook URL, empty when none is
// configured.
func (r *RecipientRepository) ChatWebhook(ctx context.Context, tenantID string) (string, error) {
	var url string
	err := r.db.QueryRow(ctx,
		`SELECT COALESCE(chat_webhook_url, '') FROM tenants WHERE id = $1`,
		tenantID,
	).Scan(&url)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", types.NewAppError(types.ErrCodeNotFoundTenant, fmt.Sprintf("tenant %s not found", tenantID), nil)
		}
		return "", types.NewAppError(types.ErrCodeInternalDB, "failed to load tenant webhook", err)
	}
	return url, nil
}

func (r *RecipientRepository) contactField(ctx context.Context, query, tenantID, userID string) (string, error) {
	var value string
	err := r.db.QueryRow(ctx, query, tenantID, userID).Scan(&value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", types.NewAppError(types.ErrCodeNotFoundUser, fmt.Sprintf("user %s not found in tenant %s", userID, tenantID), nil)
		}
		return "", types.NewAppError(types.ErrCodeInternalDB, "failed to load recipient contact", err)
	}
	return value, nil
}

// DisabledChannels returns the channels a user has opted out of. A user with
// no preference row has disabled nothing.
func (r *RecipientRepository) DisabledChannels(ctx context.Context, tenantID, userID string) ([]types.ChannelType, error) {
	rows, err := r.db.Query(ctx,
		`SELECT channel FROM user_channel_preferences
		 WHERE tenant_id = $1 AND user_id = $2 AND disabled`,
		tenantID, userID,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load channel preferences", err)
	}
	defer rows.Close()

	var disabled []types.ChannelType
	for rows.Next() {
		var ch string
		if err := rows.Scan(&ch); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan channel preference", err)
		}
		disabled = append(disabled, types.ChannelType(ch))
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to iterate channel preferences", err)
	}
	return disabled, nil
}
