package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"relaypoint/internal/types"
)

// PolicySet is the complete delivery policy: classification tables, the
// escalation matrix, deduplication windows, rate-limit ceilings, and
// security thresholds. It is loaded at startup and swapped wholesale on
// reload; call sites never mutate a PolicySet in place.
type PolicySet struct {
	Classifier ClassifierPolicy `json:"classifier"`
	Selector   SelectorPolicy   `json:"selector"`
	Dedup      DedupPolicy      `json:"dedup"`
	RateLimit  RateLimitPolicy  `json:"rate_limit"`
	Security   SecurityPolicy   `json:"security"`
}

// ClassifierPolicy drives the priority classifier.
type ClassifierPolicy struct {
	// Overrides maps an event type directly to a priority. A null entry
	// means "contextual": the event is known but classification falls
	// through to the tier logic.
	Overrides map[types.EventType]*types.Priority `json:"overrides"`

	// Tiers are checked highest severity first; the first matching tier wins.
	Tiers []TierRule `json:"tiers"`

	// RoleAdjustments override the priority when the recipient role and an
	// event-type substring both match.
	RoleAdjustments []RoleAdjustment `json:"role_adjustments"`
}

// TierRule describes one priority tier's membership tests.
type TierRule struct {
	Priority        types.Priority    `json:"priority"`
	Events          []types.EventType `json:"events,omitempty"`
	Keywords        []string          `json:"keywords,omitempty"`
	MinAmount       *float64          `json:"min_amount,omitempty"`
	SecurityLevels  []string          `json:"security_levels,omitempty"`
	BusinessImpacts []string          `json:"business_impacts,omitempty"`
	SystemOnly      bool              `json:"system_only,omitempty"`
}

// RoleAdjustment overrides the priority for a recipient role when the event
// type contains the given substring.
type RoleAdjustment struct {
	Role           types.UserRole `json:"role"`
	EventSubstring string         `json:"event_substring"`
	Priority       types.Priority `json:"priority"`
}

// SelectorPolicy drives the channel selector.
type SelectorPolicy struct {
	// Escalation is the base priority -> channel-set matrix.
	Escalation map[types.Priority][]types.ChannelType `json:"escalation"`

	// EventOverrides replace (not merge with) the base set when present.
	EventOverrides map[types.EventType][]types.ChannelType `json:"event_overrides"`

	// Business hours in UTC; outside them SMS/chat channels are removed
	// unless priority is P0.
	BusinessHoursStart int `json:"business_hours_start"`
	BusinessHoursEnd   int `json:"business_hours_end"`

	// TenantDisabled lists channels each tenant has explicitly turned off.
	TenantDisabled map[string][]types.ChannelType `json:"tenant_disabled,omitempty"`

	// SecurityForceSMS lists event types that force-add SMS on P0.
	SecurityForceSMS []types.EventType `json:"security_force_sms"`

	// Capabilities declare per-channel payload limits and ack support, used
	// by the selector's validation step (warn, don't block).
	Capabilities map[types.ChannelType]ChannelCapability `json:"capabilities"`
}

// ChannelCapability declares what a channel can carry.
type ChannelCapability struct {
	MaxPayloadLen int  `json:"max_payload_len"`
	SupportsAck   bool `json:"supports_ack"`
}

// DedupPolicy drives the deduplication service.
type DedupPolicy struct {
	NeverDedup          []types.EventType               `json:"never_dedup"`
	HighRiskEventTypes  []types.EventType               `json:"high_risk_event_types"`
	SimilarityThreshold float64                         `json:"similarity_threshold"`
	FrequencyCaps       map[types.Priority]FrequencyCap `json:"frequency_caps"`
}

// FrequencyCap is the dedup-side sliding cap, separate from the rate limiter.
type FrequencyCap struct {
	UserPerMinute   int `json:"user_per_minute"`
	UserPerHour     int `json:"user_per_hour"`
	UserPerDay      int `json:"user_per_day"`
	TenantPerMinute int `json:"tenant_per_minute"`
	TenantPerHour   int `json:"tenant_per_hour"`
	TenantPerDay    int `json:"tenant_per_day"`
}

// WindowCeilings holds the four per-window ceilings for one rate-limit scope.
type WindowCeilings struct {
	Second int `json:"second"`
	Minute int `json:"minute"`
	Hour   int `json:"hour"`
	Day    int `json:"day"`
}

// RateLimitPolicy drives the rate limiter.
type RateLimitPolicy struct {
	Global       WindowCeilings                       `json:"global"`
	PerUser      map[types.Priority]WindowCeilings    `json:"per_user"`
	PerTenant    WindowCeilings                       `json:"per_tenant"`
	PerChannel   map[types.ChannelType]WindowCeilings `json:"per_channel"`
	PerEventType map[types.EventType]WindowCeilings   `json:"per_event_type,omitempty"`

	// Burst mode: entering at BurstThresholdPct of the minute ceiling,
	// multiplying ceilings by BurstMultiplier for BurstDuration, with
	// BurstCooldown before re-triggering. Only the scope classes listed in
	// BurstScopes are eligible; per-user and per-event ceilings stay
	// strict so one noisy actor cannot widen their own limits.
	BurstScopes       []string      `json:"burst_scopes"`
	BurstThresholdPct float64       `json:"burst_threshold_pct"`
	BurstMultiplier   float64       `json:"burst_multiplier"`
	BurstDuration     time.Duration `json:"burst_duration"`
	BurstCooldown     time.Duration `json:"burst_cooldown"`
}

// SecurityPolicy drives the security guard.
type SecurityPolicy struct {
	MandatoryTenantIsolation bool             `json:"mandatory_tenant_isolation"`
	CrossTenantAllowedRoles  []types.UserRole `json:"cross_tenant_allowed_roles"`

	StrictPII         bool     `json:"strict_pii"`
	PIIFieldBlocklist []string `json:"pii_field_blocklist"`

	RatePerUserHour   int `json:"rate_per_user_hour"`
	RatePerTenantHour int `json:"rate_per_tenant_hour"`

	BlockedUsers   []string `json:"blocked_users,omitempty"`
	BlockedTenants []string `json:"blocked_tenants,omitempty"`
	BlockedSources []string `json:"blocked_sources,omitempty"`

	SuspicionWindow    time.Duration `json:"suspicion_window"`
	SuspicionThreshold int           `json:"suspicion_threshold"`

	MaskAmountThreshold     float64  `json:"mask_amount_threshold"`
	SensitiveMetadataFields []string `json:"sensitive_metadata_fields"`
}

// DefaultPolicy returns the built-in policy. A policy file overrides it
// wholesale per section.
func DefaultPolicy() *PolicySet {
	p0 := types.PriorityP0
	p1 := types.PriorityP1
	return &PolicySet{
		Classifier: ClassifierPolicy{
			Overrides: map[types.EventType]*types.Priority{
				types.EventSecurityBreach:    &p0,
				types.EventPaymentMismatch:   &p0,
				types.EventCrossTenantAccess: &p0,
				types.EventFraudAlert:        &p0,
				types.EventPaymentFailed:     &p1,
				types.EventBranchClosed:      &p1,
				// Contextual: known events whose priority depends on context.
				types.EventOrderCancelled:  nil,
				types.EventPaymentReceived: nil,
			},
			Tiers: []TierRule{
				{
					Priority:       types.PriorityP0,
					Events:         []types.EventType{types.EventSecurityBreach, types.EventPaymentMismatch, types.EventFraudAlert},
					Keywords:       []string{"breach", "fraud", "unauthorized"},
					SecurityLevels: []string{"critical"},
				},
				{
					Priority:        types.PriorityP1,
					Events:          []types.EventType{types.EventPaymentFailed, types.EventBranchClosed},
					Keywords:        []string{"failed", "urgent", "overdue"},
					MinAmount:       f64(10000),
					BusinessImpacts: []string{"high"},
				},
				{
					Priority:        types.PriorityP2,
					Events:          []types.EventType{types.EventOrderCancelled, types.EventStaffAssigned},
					Keywords:        []string{"cancelled", "reassigned"},
					MinAmount:       f64(1000),
					BusinessImpacts: []string{"medium"},
				},
				{
					Priority: types.PriorityP3,
					Events:   []types.EventType{types.EventOrderCreated, types.EventOrderUpdated, types.EventPaymentReceived},
				},
				{
					Priority:   types.PriorityP4,
					Events:     []types.EventType{types.EventSystemMaintenance, types.EventTestEvent},
					SystemOnly: true,
				},
			},
			RoleAdjustments: []RoleAdjustment{
				{Role: types.RoleOwner, EventSubstring: "payment", Priority: types.PriorityP1},
				{Role: types.RoleAdmin, EventSubstring: "security", Priority: types.PriorityP0},
				{Role: types.RoleStaff, EventSubstring: "order", Priority: types.PriorityP3},
			},
		},
		Selector: SelectorPolicy{
			Escalation: map[types.Priority][]types.ChannelType{
				types.PriorityP0: {types.ChannelInApp, types.ChannelEmail, types.ChannelSMS, types.ChannelPush, types.ChannelChat},
				types.PriorityP1: {types.ChannelInApp, types.ChannelEmail, types.ChannelPush},
				types.PriorityP2: {types.ChannelInApp, types.ChannelEmail},
				types.PriorityP3: {types.ChannelInApp},
				types.PriorityP4: {},
			},
			EventOverrides: map[types.EventType][]types.ChannelType{
				types.EventOrderDelivered: {types.ChannelInApp, types.ChannelPush},
			},
			BusinessHoursStart: 8,
			BusinessHoursEnd:   20,
			SecurityForceSMS:   []types.EventType{types.EventSecurityBreach, types.EventFraudAlert},
			Capabilities: map[types.ChannelType]ChannelCapability{
				types.ChannelInApp: {MaxPayloadLen: 4096, SupportsAck: true},
				types.ChannelEmail: {MaxPayloadLen: 65536, SupportsAck: false},
				types.ChannelSMS:   {MaxPayloadLen: 160, SupportsAck: false},
				types.ChannelPush:  {MaxPayloadLen: 1024, SupportsAck: true},
				types.ChannelChat:  {MaxPayloadLen: 2048, SupportsAck: false},
			},
		},
		Dedup: DedupPolicy{
			NeverDedup: []types.EventType{
				types.EventPaymentMismatch,
				types.EventSecurityBreach,
				types.EventCrossTenantAccess,
				types.EventOrderDelivered,
			},
			HighRiskEventTypes:  []types.EventType{types.EventOrderUpdated, types.EventStaffAssigned, types.EventSystemMaintenance},
			SimilarityThreshold: 0.8,
			// Frequency caps are a dedup-side backstop and must sit
			// strictly above the corresponding rate-limit ceilings:
			// throttling has to surface as rate_limited with retry
			// guidance, not as dedup suppression.
			FrequencyCaps: map[types.Priority]FrequencyCap{
				types.PriorityP0: {UserPerMinute: 200, UserPerHour: 1000, UserPerDay: 4000, TenantPerMinute: 4000, TenantPerHour: 80000, TenantPerDay: 800000},
				types.PriorityP1: {UserPerMinute: 100, UserPerHour: 600, UserPerDay: 2400, TenantPerMinute: 3000, TenantPerHour: 60000, TenantPerDay: 600000},
				types.PriorityP2: {UserPerMinute: 60, UserPerHour: 300, UserPerDay: 1200, TenantPerMinute: 2500, TenantPerHour: 50000, TenantPerDay: 500000},
				types.PriorityP3: {UserPerMinute: 40, UserPerHour: 200, UserPerDay: 800, TenantPerMinute: 2000, TenantPerHour: 40000, TenantPerDay: 400000},
				types.PriorityP4: {UserPerMinute: 20, UserPerHour: 100, UserPerDay: 400, TenantPerMinute: 1500, TenantPerHour: 30000, TenantPerDay: 300000},
			},
		},
		RateLimit: RateLimitPolicy{
			Global: WindowCeilings{Second: 200, Minute: 5000, Hour: 100000, Day: 1000000},
			PerUser: map[types.Priority]WindowCeilings{
				types.PriorityP0: {Second: 10, Minute: 100, Hour: 500, Day: 2000},
				types.PriorityP1: {Second: 5, Minute: 50, Hour: 300, Day: 1200},
				types.PriorityP2: {Second: 3, Minute: 30, Hour: 150, Day: 600},
				types.PriorityP3: {Second: 2, Minute: 20, Hour: 100, Day: 400},
				types.PriorityP4: {Second: 1, Minute: 10, Hour: 50, Day: 200},
			},
			PerTenant: WindowCeilings{Second: 50, Minute: 1000, Hour: 20000, Day: 200000},
			PerChannel: map[types.ChannelType]WindowCeilings{
				types.ChannelInApp: {Second: 100, Minute: 2500, Hour: 50000, Day: 500000},
				types.ChannelEmail: {Second: 5, Minute: 100, Hour: 2000, Day: 20000},
				types.ChannelSMS:   {Second: 2, Minute: 30, Hour: 500, Day: 2000},
				types.ChannelPush:  {Second: 50, Minute: 1000, Hour: 20000, Day: 200000},
				types.ChannelChat:  {Second: 10, Minute: 200, Hour: 4000, Day: 40000},
			},
			PerEventType: map[types.EventType]WindowCeilings{
				types.EventSystemMaintenance: {Second: 1, Minute: 5, Hour: 20, Day: 50},
				types.EventTestEvent:         {Second: 1, Minute: 10, Hour: 50, Day: 100},
			},
			BurstScopes:       []string{"global", "tenant", "channel"},
			BurstThresholdPct: 0.8,
			BurstMultiplier:   2.0,
			BurstDuration:     2 * time.Minute,
			BurstCooldown:     10 * time.Minute,
		},
		Security: SecurityPolicy{
			MandatoryTenantIsolation: true,
			CrossTenantAllowedRoles:  []types.UserRole{types.RoleSystem},
			StrictPII:                false,
			PIIFieldBlocklist: []string{
				"ssn", "national_id", "card_number", "cvv", "password",
				"token", "api_key", "secret",
			},
			RatePerUserHour:   1000,
			RatePerTenantHour: 10000,
			SuspicionWindow:   time.Minute,
			// Must exceed every per-user minute rate ceiling; a user
			// at their allowed rate is throttled, not flagged.
			SuspicionThreshold:      150,
			MaskAmountThreshold:     10000,
			SensitiveMetadataFields: []string{"amount", "account", "phone", "email"},
		},
	}
}

func f64(v float64) *float64 { return &v }

// LoadPolicyFile reads a policy file and overlays it on the defaults. Only
// sections present in the file replace the corresponding default section.
func LoadPolicyFile(path string) (*PolicySet, error) {
	base := DefaultPolicy()
	if path == "" {
		return base, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("policy file %s: %w", path, err)
	}

	// Decode into raw sections first so absent sections keep their defaults.
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("policy file %s: %w", path, err)
	}

	sections := map[string]any{
		"classifier": &base.Classifier,
		"selector":   &base.Selector,
		"dedup":      &base.Dedup,
		"rate_limit": &base.RateLimit,
		"security":   &base.Security,
	}
	for name, dest := range sections {
		if msg, ok := raw[name]; ok {
			if err := json.Unmarshal(msg, dest); err != nil {
				return nil, fmt.Errorf("policy file %s, section %s: %w", path, name, err)
			}
		}
	}

	return base, nil
}

// PolicyProvider holds the active PolicySet behind an atomic pointer so the
// hot path reads it lock-free while the admin reload operation swaps it.
type PolicyProvider struct {
	path    string
	current atomic.Pointer[PolicySet]
}

// NewPolicyProvider loads the initial policy (defaults overlaid with the
// optional file) and returns a provider ready for hot reloads.
func NewPolicyProvider(path string) (*PolicyProvider, error) {
	p := &PolicyProvider{path: path}
	ps, err := LoadPolicyFile(path)
	if err != nil {
		return nil, err
	}
	p.current.Store(ps)
	return p, nil
}

// Get returns the active policy set. Callers must treat it as immutable.
func (p *PolicyProvider) Get() *PolicySet {
	return p.current.Load()
}

// Reload re-reads the policy file and atomically swaps in the new set.
// On error the previous policy stays active.
func (p *PolicyProvider) Reload() (*PolicySet, error) {
	ps, err := LoadPolicyFile(p.path)
	if err != nil {
		return nil, err
	}
	p.current.Store(ps)
	return ps, nil
}
