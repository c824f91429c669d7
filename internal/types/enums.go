package types

import "time"

// Priority is the severity tier assigned to a notification. P0 is the most
// severe (critical, immediate) and P4 is silent/system-only.
type Priority string

const (
	PriorityP0 Priority = "P0"
	PriorityP1 Priority = "P1"
	PriorityP2 Priority = "P2"
	PriorityP3 Priority = "P3"
	PriorityP4 Priority = "P4"
)

// severityRank orders priorities for comparison. Lower rank = more severe.
var severityRank = map[Priority]int{
	PriorityP0: 0,
	PriorityP1: 1,
	PriorityP2: 2,
	PriorityP3: 3,
	PriorityP4: 4,
}

// Valid reports whether p is a recognized priority tier.
func (p Priority) Valid() bool {
	_, ok := severityRank[p]
	return ok
}

// Rank returns the numeric severity rank (0 = most severe). Unknown
// priorities rank below P4 so that comparisons treat them as least severe.
func (p Priority) Rank() int {
	if r, ok := severityRank[p]; ok {
		return r
	}
	return len(severityRank)
}

// MoreSevere returns the more severe of the two priorities.
func MoreSevere(a, b Priority) Priority {
	if a.Rank() <= b.Rank() {
		return a
	}
	return b
}

// Bump shifts the priority by delta severity steps. Negative delta increases
// severity (toward P0), positive decreases it (toward P4). The result is
// clamped to the P0..P4 range.
func (p Priority) Bump(delta int) Priority {
	r := p.Rank() + delta
	if r < 0 {
		r = 0
	}
	if r > 4 {
		r = 4
	}
	for pr, rank := range severityRank {
		if rank == r {
			return pr
		}
	}
	return p
}

// RequiresAck reports whether notifications at this priority must be
// acknowledged by the recipient.
func (p Priority) RequiresAck() bool {
	return p == PriorityP0 || p == PriorityP1
}

// ExpiryTTL returns how long a notification at this priority stays live.
// P0 notifications never expire (zero duration).
func (p Priority) ExpiryTTL() time.Duration {
	switch p {
	case PriorityP0:
		return 0
	case PriorityP1:
		return 7 * 24 * time.Hour
	case PriorityP2:
		return 72 * time.Hour
	case PriorityP3:
		return 24 * time.Hour
	default:
		return 12 * time.Hour
	}
}

// DedupWindow returns the time window during which an identical notification
// at this priority is suppressed as a duplicate. P0 is never deduplicated
// by time window (zero duration).
func (p Priority) DedupWindow() time.Duration {
	switch p {
	case PriorityP0:
		return 0
	case PriorityP1:
		return 5 * time.Minute
	case PriorityP2:
		return 15 * time.Minute
	case PriorityP3:
		return time.Hour
	default:
		return 24 * time.Hour
	}
}

// ChannelType identifies a delivery medium.
type ChannelType string

const (
	ChannelInApp ChannelType = "in_app"
	ChannelEmail ChannelType = "email"
	ChannelSMS   ChannelType = "sms"
	ChannelPush  ChannelType = "push"
	ChannelChat  ChannelType = "chat"
)

// AllChannels is the superset a P0 escalation draws from.
var AllChannels = []ChannelType{ChannelInApp, ChannelEmail, ChannelSMS, ChannelPush, ChannelChat}

// Category is the coarse grouping of a notification.
type Category string

const (
	CategorySystem    Category = "SYSTEM"
	CategorySecurity  Category = "SECURITY"
	CategoryBilling   Category = "BILLING"
	CategoryOrder     Category = "ORDER"
	CategoryStaff     Category = "STAFF"
	CategoryMarketing Category = "MARKETING"
)

// EventType identifies the kind of inbound event.
type EventType string

// Well-known event types referenced by classification overrides, the
// never-deduplicate list, and channel override tables. Tenants may submit
// arbitrary event types; these are the ones with special handling.
const (
	EventSecurityBreach    EventType = "security_breach"
	EventCrossTenantAccess EventType = "cross_tenant_access"
	EventPaymentMismatch   EventType = "payment_mismatch"
	EventPaymentFailed     EventType = "payment_failed"
	EventPaymentReceived   EventType = "payment_received"
	EventOrderCreated      EventType = "order_created"
	EventOrderUpdated      EventType = "order_updated"
	EventOrderDelivered    EventType = "order_delivered"
	EventOrderCancelled    EventType = "order_cancelled"
	EventStaffAssigned     EventType = "staff_assigned"
	EventBranchClosed      EventType = "branch_closed"
	EventSystemMaintenance EventType = "system_maintenance"
	EventFraudAlert        EventType = "fraud_alert"
	EventTestEvent         EventType = "test_event"
)

// DeliveryStatus is the per-channel delivery state.
type DeliveryStatus string

const (
	DeliveryStatusPending   DeliveryStatus = "pending"
	DeliveryStatusSent      DeliveryStatus = "sent"
	DeliveryStatusDelivered DeliveryStatus = "delivered"
	DeliveryStatusFailed    DeliveryStatus = "failed"
	DeliveryStatusSkipped   DeliveryStatus = "skipped"
)

// AuditStatus is the status recorded on an audit log entry.
type AuditStatus string

const (
	AuditStatusSuccess  AuditStatus = "success"
	AuditStatusPartial  AuditStatus = "partial"
	AuditStatusFailed   AuditStatus = "failed"
	AuditStatusPending  AuditStatus = "pending"
	AuditStatusRetrying AuditStatus = "retrying"
)

// UserRole defines authorization levels within a tenant.
type UserRole string

const (
	RoleOwner   UserRole = "owner"
	RoleAdmin   UserRole = "admin"
	RoleManager UserRole = "manager"
	RoleStaff   UserRole = "staff"
	RoleSystem  UserRole = "system"
)

// ResolutionHint tells the recipient resolver how to expand a target
// specification into concrete user ids.
type ResolutionHint string

const (
	ResolveSingleUser   ResolutionHint = "single_user"
	ResolveTenantUsers  ResolutionHint = "tenant_users"
	ResolveTenantByRole ResolutionHint = "tenant_role"
)
