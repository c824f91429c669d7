package types

import (
	"time"
)

// Notification is the unit of work flowing through the delivery pipeline.
// Priority is immutable once assigned for a processing pass: the engine sets
// it exactly once, to the more severe of any explicitly supplied priority
// and the classifier's computed priority.
type Notification struct {
	ID         string   `json:"id" db:"id"`
	TenantID   string   `json:"tenant_id,omitempty" db:"tenant_id"`
	UserID     string   `json:"user_id,omitempty" db:"user_id"`
	Recipients []string `json:"recipients,omitempty" db:"-"`

	EventType EventType `json:"event_type" db:"event_type"`
	Priority  Priority  `json:"priority" db:"priority"`
	Category  Category  `json:"category" db:"category"`

	Title   string `json:"title" db:"title"`
	Message string `json:"message" db:"message"`

	// Channels maps channel name to its delivery state. Populated by the
	// channel selector; mutated only by the engine's delivery phase.
	Channels map[ChannelType]*ChannelState `json:"channels" db:"channels"`

	// Metadata is an open bag (amount, businessImpact, securityLevel,
	// isTimeSensitive, recipientRole, ...). Masked before persistence.
	Metadata Metadata `json:"metadata,omitempty" db:"metadata"`

	RequiresAck bool       `json:"requires_ack" db:"requires_ack"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty" db:"expires_at"`
}

// ChannelState tracks the delivery lifecycle of one channel for one
// notification. Once Status reaches delivered it is never reverted to
// pending by retries of other channels.
type ChannelState struct {
	Selected      bool           `json:"selected"`
	Status        DeliveryStatus `json:"status"`
	Attempts      int            `json:"attempts"`
	LastAttemptAt *time.Time     `json:"last_attempt_at,omitempty"`
	DeliveredAt   *time.Time     `json:"delivered_at,omitempty"`
	ProviderMsgID string         `json:"provider_message_id,omitempty"`
	Error         string         `json:"error,omitempty"`
}

// SetExpiry derives ExpiresAt from the notification's priority. P0 never
// expires.
func (n *Notification) SetExpiry(now time.Time) {
	ttl := n.Priority.ExpiryTTL()
	if ttl == 0 {
		n.ExpiresAt = nil
		return
	}
	t := now.Add(ttl)
	n.ExpiresAt = &t
}

// SelectedChannels returns the channels currently marked selected, in the
// canonical AllChannels order for deterministic iteration.
func (n *Notification) SelectedChannels() []ChannelType {
	out := make([]ChannelType, 0, len(n.Channels))
	for _, ch := range AllChannels {
		if st, ok := n.Channels[ch]; ok && st.Selected {
			out = append(out, ch)
		}
	}
	return out
}

// RateWindow is one rolling window of a rate-limit counter. Count never goes
// negative; incrementing an expired window resets it first.
type RateWindow struct {
	Count   int       `json:"count"`
	ResetAt time.Time `json:"reset_at"`
}

// RateLimitCounter holds the four rolling windows plus burst-mode state for
// one scope key (global, user:<id>, tenant:<id>, channel:<name>,
// eventType:<type>).
type RateLimitCounter struct {
	Key    string     `json:"key"`
	Second RateWindow `json:"second"`
	Minute RateWindow `json:"minute"`
	Hour   RateWindow `json:"hour"`
	Day    RateWindow `json:"day"`

	BurstActive    bool      `json:"burst_active"`
	BurstStartedAt time.Time `json:"burst_started_at"`
	LastBurstAt    time.Time `json:"last_burst_at"`
}

// DeduplicationRecord remembers a delivered notification's content hash so
// later identical submissions inside the priority window can be suppressed.
type DeduplicationRecord struct {
	ContentHash    string    `json:"content_hash"`
	NotificationID string    `json:"notification_id"`
	TenantID       string    `json:"tenant_id"`
	UserID         string    `json:"user_id"`
	EventType      EventType `json:"event_type"`
	Title          string    `json:"title"`
	Message        string    `json:"message"`
	Priority       Priority  `json:"priority"`
	CreatedAt      time.Time `json:"created_at"`
}

// AuditLogEntry is the append-only record of one pipeline decision. Entries
// are never mutated after write; they are only queried or removed by
// retention age.
type AuditLogEntry struct {
	ID             string      `json:"id" db:"id"`
	Action         string      `json:"action" db:"action"`
	Timestamp      time.Time   `json:"timestamp" db:"timestamp"`
	NotificationID string      `json:"notification_id,omitempty" db:"notification_id"`
	ActorID        string      `json:"actor_id,omitempty" db:"actor_id"`
	UserID         string      `json:"user_id,omitempty" db:"user_id"`
	TenantID       string      `json:"tenant_id,omitempty" db:"tenant_id"`
	EventType      EventType   `json:"event_type,omitempty" db:"event_type"`
	Priority       Priority    `json:"priority,omitempty" db:"priority"`
	Channel        ChannelType `json:"channel,omitempty" db:"channel"`
	Status         AuditStatus `json:"status" db:"status"`
	Error          string      `json:"error,omitempty" db:"error"`
	ProcessingMs   int64       `json:"processing_ms,omitempty" db:"processing_ms"`
	Metadata       Metadata    `json:"metadata,omitempty" db:"metadata"`
}

// Standard audit action strings. Pipeline components MUST use these
// constants so audit queries stay stable.
const (
	AuditActionReceived           = "notification.received"
	AuditActionClassified         = "notification.classified"
	AuditActionClassifyFailed     = "notification.classify_failed"
	AuditActionDedupChecked       = "notification.dedup_checked"
	AuditActionDedupSuppressed    = "notification.dedup_suppressed"
	AuditActionDedupRateLimited   = "notification.dedup_rate_limited"
	AuditActionChannelsSelected   = "notification.channels_selected"
	AuditActionRateChecked        = "notification.rate_checked"
	AuditActionRateLimited        = "notification.rate_limited"
	AuditActionSecurityValidated  = "notification.security_validated"
	AuditActionSecurityRejected   = "notification.security_rejected"
	AuditActionCrossTenantAllowed = "security.cross_tenant_allowed"
	AuditActionSecurityRateLimit  = "security.rate_limit_exceeded"
	AuditActionSuspiciousActivity = "security.suspicious_activity"
	AuditActionMasked             = "notification.masked"
	AuditActionPersisted          = "notification.persisted"
	AuditActionChannelDelivered   = "delivery.channel_delivered"
	AuditActionChannelFailed      = "delivery.channel_failed"
	AuditActionRemindersScheduled = "notification.reminders_scheduled"
	AuditActionCompleted          = "notification.completed"
	AuditActionRetentionCleanup   = "audit.retention_cleanup"
)

// SecurityEvent records a security-relevant occurrence (blocklist hit,
// suspicious burst, cross-tenant access) for the suspicion counters.
type SecurityEvent struct {
	EventType  string    `json:"event_type"`
	EntityKey  string    `json:"entity_key"` // "user:<id>" or "tenant:<id>"
	SourceAddr string    `json:"source_addr,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
	Hard       bool      `json:"hard"` // hard violation vs soft signal
	Reason     string    `json:"reason,omitempty"`
}

// DeliveryPayload is the channel-agnostic payload handed to delivery
// adapters. Adapters own any channel-specific rendering.
type DeliveryPayload struct {
	NotificationID string      `json:"notification_id"`
	TenantID       string      `json:"tenant_id,omitempty"`
	Recipient      string      `json:"recipient"`
	Title          string      `json:"title"`
	Summary        string      `json:"summary"`
	Priority       Priority    `json:"priority"`
	Category       Category    `json:"category"`
	ActionRef      string      `json:"action_ref,omitempty"`
	Metadata       Metadata    `json:"metadata,omitempty"`
	Channel        ChannelType `json:"channel"`
}

// DeliveryResult is what an adapter returns on success.
type DeliveryResult struct {
	ProviderMessageID string `json:"provider_message_id,omitempty"`
}
