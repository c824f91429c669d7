// Package classify implements the priority classifier: the first pipeline
// stage, mapping an inbound event plus its submission context to a severity
// tier (P0 critical .. P4 silent).
package classify

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"relaypoint/internal/config"
	"relaypoint/internal/types"
)

// Method records how a classification was decided, for the audit trail.
type Method string

const (
	MethodOverride Method = "explicit_override"
	MethodLogic    Method = "classification_logic"
	MethodDefault  Method = "audience_default"
	MethodFailsafe Method = "internal_error_failsafe"
)

// Result is the outcome of one classification call.
type Result struct {
	Priority types.Priority
	Method   Method
	Reason   string
}

// AuditLogger is the subset of the audit logger the classifier needs.
type AuditLogger interface {
	Log(entry *types.AuditLogEntry)
}

// Classifier maps events to priority tiers using the active classifier
// policy. The policy pointer is swapped atomically on reload; Classify never
// observes a partially updated policy.
type Classifier struct {
	policy atomic.Pointer[config.ClassifierPolicy]
	audit  AuditLogger
	logger types.Logger
}

// New creates a Classifier with the given policy.
func New(policy config.ClassifierPolicy, audit AuditLogger, logger types.Logger) *Classifier {
	c := &Classifier{audit: audit, logger: logger}
	c.policy.Store(&policy)
	return c
}

// Reload swaps in a new classifier policy.
func (c *Classifier) Reload(policy config.ClassifierPolicy) {
	c.policy.Store(&policy)
}

// Classify determines the priority for an event. It never panics outward:
// any internal failure yields P2 with the failure logged and audited.
//
// Steps, in order:
//  1. Exact event-type override table (a nil entry falls through to logic).
//  2. Tier logic, highest severity first: event list membership, keyword
//     match on title/message, structured conditions.
//  3. Role-based adjustment table.
//  4. Contextual modifiers (time-sensitive / high-value / repeat bump
//     severity one tier, floor P0; off-hours lowers one tier, never below
//     P1 and never applied to P0/P1).
//  5. Audience default.
func (c *Classifier) Classify(ctx context.Context, eventType types.EventType, title, message string, meta types.Metadata, rc *types.RequestContext) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			result = Result{
				Priority: types.PriorityP2,
				Method:   MethodFailsafe,
				Reason:   fmt.Sprintf("classifier panic: %v", r),
			}
			if c.logger != nil {
				c.logger.Error("classifier failed, defaulting to P2",
					"event_type", string(eventType),
					"panic", fmt.Sprint(r),
				)
			}
			c.auditResult(eventType, rc, result, types.AuditStatusFailed)
		}
	}()

	policy := c.policy.Load()

	result = c.classify(policy, eventType, title, message, meta, rc)
	c.auditResult(eventType, rc, result, types.AuditStatusSuccess)
	return result
}

func (c *Classifier) classify(policy *config.ClassifierPolicy, eventType types.EventType, title, message string, meta types.Metadata, rc *types.RequestContext) Result {
	var (
		base   types.Priority
		method Method
		reason string
	)

	// Step 1: exact override. A present-but-nil entry means "contextual":
	// fall through to the tier logic.
	if override, ok := policy.Overrides[eventType]; ok && override != nil {
		base = *override
		method = MethodOverride
		reason = "event override table"
	} else if p, r, ok := matchTier(policy.Tiers, eventType, title, message, meta); ok {
		// Step 2: tier logic, highest severity first.
		base = p
		method = MethodLogic
		reason = r
	} else {
		// Step 5: audience default.
		base = audienceDefault(rc)
		method = MethodDefault
		reason = "audience default"
	}

	// Step 3: role adjustments.
	if rc != nil && rc.RecipientRole != "" {
		for _, adj := range policy.RoleAdjustments {
			if adj.Role == rc.RecipientRole && strings.Contains(string(eventType), adj.EventSubstring) {
				base = adj.Priority
				reason = fmt.Sprintf("role adjustment (%s/%s)", adj.Role, adj.EventSubstring)
				break
			}
		}
	}

	// Step 4: contextual modifiers.
	base = applyModifiers(base, rc)

	return Result{Priority: base, Method: method, Reason: reason}
}

// matchTier returns the first matching tier, assuming tiers are ordered
// highest severity first.
func matchTier(tiers []config.TierRule, eventType types.EventType, title, message string, meta types.Metadata) (types.Priority, string, bool) {
	text := strings.ToLower(title + " " + message)

	for _, tier := range tiers {
		// (a) event list membership.
		for _, e := range tier.Events {
			if e == eventType {
				return tier.Priority, fmt.Sprintf("event list (%s)", tier.Priority), true
			}
		}
		// (b) keyword match against title/message.
		for _, kw := range tier.Keywords {
			if kw != "" && strings.Contains(text, strings.ToLower(kw)) {
				return tier.Priority, fmt.Sprintf("keyword %q (%s)", kw, tier.Priority), true
			}
		}
		// (c) structured conditions.
		if tier.MinAmount != nil {
			if amount, ok := meta.GetFloat("amount"); ok && amount >= *tier.MinAmount {
				return tier.Priority, fmt.Sprintf("amount >= %.0f (%s)", *tier.MinAmount, tier.Priority), true
			}
		}
		if level := meta.GetString("securityLevel"); level != "" {
			for _, l := range tier.SecurityLevels {
				if l == level {
					return tier.Priority, fmt.Sprintf("security level %q (%s)", level, tier.Priority), true
				}
			}
		}
		if impact := meta.GetString("businessImpact"); impact != "" {
			for _, b := range tier.BusinessImpacts {
				if b == impact {
					return tier.Priority, fmt.Sprintf("business impact %q (%s)", impact, tier.Priority), true
				}
			}
		}
		if tier.SystemOnly && meta.GetBool("systemOnly") {
			return tier.Priority, fmt.Sprintf("system-only flag (%s)", tier.Priority), true
		}
	}
	return "", "", false
}

// applyModifiers adjusts the base priority by submission context.
// Escalating flags each bump severity one tier (floor P0). Off-hours lowers
// severity one tier but never below P1 and never for P0/P1.
func applyModifiers(p types.Priority, rc *types.RequestContext) types.Priority {
	if rc == nil {
		return p
	}
	if rc.TimeSensitive {
		p = p.Bump(-1)
	}
	if rc.HighValue {
		p = p.Bump(-1)
	}
	if rc.Repeat {
		p = p.Bump(-1)
	}
	// Off-hours never lowers P0/P1; critical severity survives the night.
	if rc.OffHours && p != types.PriorityP0 && p != types.PriorityP1 {
		p = p.Bump(1)
	}
	return p
}

// audienceDefault picks the fallback priority when nothing matched.
func audienceDefault(rc *types.RequestContext) types.Priority {
	switch {
	case rc == nil:
		return types.PriorityP3
	case rc.SystemOnly:
		return types.PriorityP4
	case rc.UserFacing:
		return types.PriorityP3
	case rc.AdminOnly:
		return types.PriorityP2
	default:
		return types.PriorityP3
	}
}

func (c *Classifier) auditResult(eventType types.EventType, rc *types.RequestContext, result Result, status types.AuditStatus) {
	if c.audit == nil {
		return
	}
	entry := &types.AuditLogEntry{
		Action:    types.AuditActionClassified,
		EventType: eventType,
		Priority:  result.Priority,
		Status:    status,
		Metadata: types.Metadata{
			"method": string(result.Method),
			"reason": result.Reason,
		},
	}
	if status == types.AuditStatusFailed {
		entry.Action = types.AuditActionClassifyFailed
		entry.Error = result.Reason
	}
	if rc != nil {
		entry.ActorID = rc.Actor.ID
		entry.TenantID = rc.TargetTenantID
	}
	c.audit.Log(entry)
}
