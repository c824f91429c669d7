// Package selector implements the channel selector: given a classified
// notification it decides which delivery channels to attempt, applying the
// escalation matrix, event overrides, user preferences, business hours,
// tenant restrictions and the P0 emergency override.
package selector

import (
	"context"
	"fmt"
	"sync/atomic"

	"relaypoint/internal/config"
	"relaypoint/internal/types"
)

// Decision is the outcome of one selection call.
type Decision struct {
	Channels []types.ChannelType
	Warnings []string
}

// PreferenceSource supplies per-user channel opt-outs. Implementations are
// best effort: a lookup error is logged and preferences are skipped.
type PreferenceSource interface {
	DisabledChannels(ctx context.Context, tenantID, userID string) ([]types.ChannelType, error)
}

// AuditLogger is the subset of the audit logger the selector needs.
type AuditLogger interface {
	Log(entry *types.AuditLogEntry)
}

// Selector picks delivery channels from the active selector policy.
type Selector struct {
	policy atomic.Pointer[config.SelectorPolicy]
	prefs  PreferenceSource
	audit  AuditLogger
	logger types.Logger
	clock  types.Clock
}

// New creates a Selector. prefs may be nil when user preferences are not
// wired; clock defaults to real time.
func New(policy config.SelectorPolicy, prefs PreferenceSource, audit AuditLogger, logger types.Logger, clock types.Clock) *Selector {
	if clock == nil {
		clock = types.RealClock{}
	}
	s := &Selector{prefs: prefs, audit: audit, logger: logger, clock: clock}
	s.policy.Store(&policy)
	return s
}

// Reload swaps in a new selector policy.
func (s *Selector) Reload(policy config.SelectorPolicy) {
	s.policy.Store(&policy)
}

// Select decides the channel set for n. The result is ordered by the
// canonical channel order and never empty for priorities above P4.
func (s *Selector) Select(ctx context.Context, n *types.Notification) Decision {
	policy := s.policy.Load()
	isP0 := n.Priority == types.PriorityP0

	// Base set from the escalation matrix, or the event override table when
	// the event type has an entry (replace, not merge).
	base := policy.Escalation[n.Priority]
	if override, ok := policy.EventOverrides[n.EventType]; ok {
		base = override
	}

	set := make(map[types.ChannelType]bool, len(base))
	for _, ch := range base {
		set[ch] = true
	}

	// User preferences filter the set. In-app is never filtered: it is the
	// record of the notification, not an interruption.
	if s.prefs != nil && n.UserID != "" {
		disabled, err := s.prefs.DisabledChannels(ctx, n.TenantID, n.UserID)
		if err != nil {
			s.logger.Warn("channel preference lookup failed, skipping",
				"tenant_id", n.TenantID,
				"user_id", n.UserID,
				"error", err.Error(),
			)
		} else {
			for _, ch := range disabled {
				if ch != types.ChannelInApp {
					delete(set, ch)
				}
			}
		}
	}

	// Outside business hours interruptive channels are dropped unless P0.
	if !isP0 && !s.withinBusinessHours(policy) {
		delete(set, types.ChannelSMS)
		delete(set, types.ChannelChat)
	}

	// Tenant-level restrictions.
	for _, ch := range policy.TenantDisabled[n.TenantID] {
		delete(set, ch)
	}

	// P0 emergency override: the critical set comes back regardless of
	// preferences or restrictions.
	if isP0 {
		set[types.ChannelInApp] = true
		set[types.ChannelEmail] = true
		set[types.ChannelPush] = true
		for _, e := range policy.SecurityForceSMS {
			if e == n.EventType {
				set[types.ChannelSMS] = true
				break
			}
		}
	}

	// Fallback: everything above silent reaches the user somewhere.
	if len(set) == 0 && n.Priority != types.PriorityP4 {
		set[types.ChannelInApp] = true
	}

	channels := make([]types.ChannelType, 0, len(set))
	for _, ch := range types.AllChannels {
		if set[ch] {
			channels = append(channels, ch)
		}
	}

	warnings := s.validate(policy, n, channels)
	s.auditDecision(n, channels, warnings)

	return Decision{Channels: channels, Warnings: warnings}
}

// validate checks the chosen set against channel capabilities. Problems are
// warnings only; delivery proceeds.
func (s *Selector) validate(policy *config.SelectorPolicy, n *types.Notification, channels []types.ChannelType) []string {
	var warnings []string

	if len(channels) == 0 && n.Priority != types.PriorityP4 {
		warnings = append(warnings, "no channels selected for non-silent priority")
	}

	payloadLen := len(n.Title) + len(n.Message)
	ackCovered := !n.RequiresAck

	for _, ch := range channels {
		capability, ok := policy.Capabilities[ch]
		if !ok {
			continue
		}
		if capability.MaxPayloadLen > 0 && payloadLen > capability.MaxPayloadLen {
			warnings = append(warnings, fmt.Sprintf("payload length %d exceeds %s limit %d, content will be truncated", payloadLen, ch, capability.MaxPayloadLen))
		}
		if capability.SupportsAck {
			ackCovered = true
		}
	}

	if !ackCovered && len(channels) > 0 {
		warnings = append(warnings, "acknowledgment required but no selected channel supports acks")
	}

	return warnings
}

func (s *Selector) withinBusinessHours(policy *config.SelectorPolicy) bool {
	if policy.BusinessHoursStart == 0 && policy.BusinessHoursEnd == 0 {
		return true
	}
	hour := s.clock.Now().UTC().Hour()
	return hour >= policy.BusinessHoursStart && hour < policy.BusinessHoursEnd
}

func (s *Selector) auditDecision(n *types.Notification, channels []types.ChannelType, warnings []string) {
	if s.audit == nil {
		return
	}
	names := make([]string, len(channels))
	for i, ch := range channels {
		names[i] = string(ch)
	}
	meta := types.Metadata{"channels": names}
	if len(warnings) > 0 {
		meta["warnings"] = warnings
	}
	s.audit.Log(&types.AuditLogEntry{
		NotificationID: n.ID,
		TenantID:       n.TenantID,
		UserID:         n.UserID,
		Action:         types.AuditActionChannelsSelected,
		EventType:      n.EventType,
		Priority:       n.Priority,
		Status:         types.AuditStatusSuccess,
		Metadata:       meta,
	})
}
