// Package guard implements the security guard: tenant isolation, PII
// minimization, blocklists, a security-focused rate ceiling and suspicious
// activity detection, plus content masking before persistence. Unlike the
// rate limiter, the guard fails closed: when it cannot decide, it rejects.
package guard

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"relaypoint/internal/config"
	"relaypoint/internal/types"
)

// Security levels annotated on a verdict.
const (
	LevelNormal = "normal"
	LevelHigh   = "high"
)

// Violation codes surfaced in rejections.
const (
	ViolationMissingTenant      = "missing_tenant_context"
	ViolationCrossTenant        = "cross_tenant_access_denied"
	ViolationPII                = "pii_detected"
	ViolationSecurityRate       = "security_rate_limit_exceeded"
	ViolationBlockedUser        = "blocked_user"
	ViolationBlockedTenant      = "blocked_tenant"
	ViolationBlockedSource      = "blocked_source"
	ViolationSuspicionThreshold = "suspicious_activity_threshold"
	ViolationInternal           = "security_check_failed"
)

// Verdict is the outcome of one validation pass.
type Verdict struct {
	Passed     bool
	Violations []string
	Warnings   []string
	Level      string
}

// AuditLogger is the subset of the audit logger the guard needs.
type AuditLogger interface {
	Log(entry *types.AuditLogEntry)
}

// Guard validates notifications against the active security policy.
type Guard struct {
	policy   atomic.Pointer[config.SecurityPolicy]
	counters types.CounterStore
	audit    AuditLogger
	logger   types.Logger
	clock    types.Clock
}

// New creates a Guard. clock defaults to real time.
func New(policy config.SecurityPolicy, counters types.CounterStore, audit AuditLogger, logger types.Logger, clock types.Clock) *Guard {
	if clock == nil {
		clock = types.RealClock{}
	}
	g := &Guard{counters: counters, audit: audit, logger: logger, clock: clock}
	g.policy.Store(&policy)
	return g
}

// Reload swaps in a new security policy.
func (g *Guard) Reload(policy config.SecurityPolicy) {
	g.policy.Store(&policy)
}

// Validate runs every security check against n. Checks are accumulated, not
// short-circuited, so a rejection names every violation at once. Any
// internal failure rejects.
func (g *Guard) Validate(ctx context.Context, n *types.Notification, rc *types.RequestContext) (verdict Verdict) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("security validation failed, rejecting",
				"notification_id", n.ID,
				"panic", fmt.Sprint(r),
			)
			verdict = Verdict{Violations: []string{ViolationInternal}, Level: LevelHigh}
			g.auditVerdict(n, rc, verdict)
		}
	}()

	policy := g.policy.Load()
	verdict.Level = LevelNormal

	g.checkTenantIsolation(policy, n, rc, &verdict)
	g.checkPII(policy, n, &verdict)
	g.checkSecurityRate(ctx, policy, n, &verdict)
	g.checkBlocklists(policy, n, rc, &verdict)
	g.checkSuspicion(ctx, policy, n, rc, &verdict)
	g.checkContent(n, &verdict)

	verdict.Passed = len(verdict.Violations) == 0
	g.auditVerdict(n, rc, verdict)
	return verdict
}

func (g *Guard) checkTenantIsolation(policy *config.SecurityPolicy, n *types.Notification, rc *types.RequestContext, v *Verdict) {
	if policy.MandatoryTenantIsolation && n.TenantID == "" {
		v.Violations = append(v.Violations, ViolationMissingTenant)
		return
	}
	if rc == nil {
		return
	}

	actorTenant := rc.Actor.TenantID
	target := rc.TargetTenantID
	if target == "" {
		target = n.TenantID
	}
	if actorTenant == "" || target == "" || actorTenant == target {
		return
	}

	for _, role := range policy.CrossTenantAllowedRoles {
		if role == rc.Actor.Role {
			// Allowed cross-tenant access is still a security event.
			g.logAudit(&types.AuditLogEntry{
				NotificationID: n.ID,
				ActorID:        rc.Actor.ID,
				TenantID:       target,
				Action:         types.AuditActionCrossTenantAllowed,
				Status:         types.AuditStatusSuccess,
				Metadata: types.Metadata{
					"actor_tenant": actorTenant,
					"actor_role":   string(rc.Actor.Role),
				},
			})
			return
		}
	}
	v.Violations = append(v.Violations, ViolationCrossTenant)
	v.Level = LevelHigh
}

// checkPII scans text and metadata. Field-name blocklist hits and pattern
// hits are violations in strict mode, warnings otherwise.
func (g *Guard) checkPII(policy *config.SecurityPolicy, n *types.Notification, v *Verdict) {
	var findings []string

	for _, field := range policy.PIIFieldBlocklist {
		if _, ok := n.Metadata[field]; ok {
			findings = append(findings, "metadata field "+field)
		}
	}

	text := n.Title + " " + n.Message
	for _, p := range piiPatterns {
		if p.pattern.MatchString(text) {
			findings = append(findings, p.label+" in content")
		}
	}
	for key, val := range n.Metadata {
		s, ok := val.(string)
		if !ok {
			continue
		}
		for _, p := range piiPatterns {
			if p.pattern.MatchString(s) {
				findings = append(findings, fmt.Sprintf("%s in metadata %s", p.label, key))
			}
		}
	}

	if len(findings) == 0 {
		return
	}
	if policy.StrictPII {
		v.Violations = append(v.Violations, ViolationPII)
		v.Level = LevelHigh
	}
	for _, f := range findings {
		v.Warnings = append(v.Warnings, "possible PII: "+f)
	}
}

// checkSecurityRate enforces the guard's own hourly ceiling, independent of
// the rate limiter. A store failure counts as a violation: the guard does
// not guess.
func (g *Guard) checkSecurityRate(ctx context.Context, policy *config.SecurityPolicy, n *types.Notification, v *Verdict) {
	if g.counters == nil {
		return
	}
	type ceiling struct {
		key string
		max int
	}
	var checks []ceiling
	if policy.RatePerUserHour > 0 && n.UserID != "" {
		checks = append(checks, ceiling{"sec:user:" + n.TenantID + ":" + n.UserID, policy.RatePerUserHour})
	}
	if policy.RatePerTenantHour > 0 && n.TenantID != "" {
		checks = append(checks, ceiling{"sec:tenant:" + n.TenantID, policy.RatePerTenantHour})
	}

	for _, c := range checks {
		count, _, err := g.counters.Incr(ctx, c.key, time.Hour)
		if err != nil {
			g.logger.Error("security rate counter unavailable, rejecting",
				"key", c.key,
				"error", err.Error(),
			)
			v.Violations = append(v.Violations, ViolationInternal)
			return
		}
		if count > c.max {
			v.Violations = append(v.Violations, ViolationSecurityRate)
			v.Level = LevelHigh
			g.logAudit(&types.AuditLogEntry{
				NotificationID: n.ID,
				TenantID:       n.TenantID,
				UserID:         n.UserID,
				Action:         types.AuditActionSecurityRateLimit,
				Status:         types.AuditStatusFailed,
				Metadata:       types.Metadata{"key": c.key, "count": count, "ceiling": c.max},
			})
			return
		}
	}
}

func (g *Guard) checkBlocklists(policy *config.SecurityPolicy, n *types.Notification, rc *types.RequestContext, v *Verdict) {
	if contains(policy.BlockedUsers, n.UserID) {
		v.Violations = append(v.Violations, ViolationBlockedUser)
	}
	if contains(policy.BlockedTenants, n.TenantID) {
		v.Violations = append(v.Violations, ViolationBlockedTenant)
	}
	if rc != nil && contains(policy.BlockedSources, rc.Actor.SourceAddr) {
		v.Violations = append(v.Violations, ViolationBlockedSource)
	}
	if len(v.Violations) > 0 {
		v.Level = LevelHigh
	}
}

// checkSuspicion tracks rapid creation per user inside the sliding window.
// Suspicion annotates; only crossing the hard threshold rejects.
func (g *Guard) checkSuspicion(ctx context.Context, policy *config.SecurityPolicy, n *types.Notification, rc *types.RequestContext, v *Verdict) {
	suspicious := false

	if g.counters != nil && policy.SuspicionThreshold > 0 && n.UserID != "" && policy.SuspicionWindow > 0 {
		key := "susp:" + n.TenantID + ":" + n.UserID
		count, _, err := g.counters.Incr(ctx, key, policy.SuspicionWindow)
		if err != nil {
			g.logger.Warn("suspicion counter unavailable", "key", key, "error", err.Error())
		} else if count > policy.SuspicionThreshold {
			v.Violations = append(v.Violations, ViolationSuspicionThreshold)
			v.Level = LevelHigh
			g.logAudit(&types.AuditLogEntry{
				NotificationID: n.ID,
				TenantID:       n.TenantID,
				UserID:         n.UserID,
				Action:         types.AuditActionSuspiciousActivity,
				Status:         types.AuditStatusFailed,
				Metadata:       types.Metadata{"count": count, "threshold": policy.SuspicionThreshold},
			})
			return
		} else if float64(count) > float64(policy.SuspicionThreshold)*0.5 {
			suspicious = true
			v.Warnings = append(v.Warnings, fmt.Sprintf("rapid notification creation: %d in window", count))
		}
	}

	if rc != nil {
		if rc.OffHours && n.EventType == types.EventTestEvent {
			suspicious = true
			v.Warnings = append(v.Warnings, "test event submitted off-hours")
		}
		if rc.Actor.IsTestMode && n.Priority == types.PriorityP0 {
			suspicious = true
			v.Warnings = append(v.Warnings, "critical priority from test-mode actor")
		}
	}

	if suspicious {
		v.Level = LevelHigh
	}
}

// checkContent scans for injection patterns and shortlink domains. Always
// warnings; rendering layers do their own rejection.
func (g *Guard) checkContent(n *types.Notification, v *Verdict) {
	text := n.Title + " " + n.Message
	if scriptPattern.MatchString(text) {
		v.Warnings = append(v.Warnings, "possible script injection in content")
	}
	if sqlPattern.MatchString(text) {
		v.Warnings = append(v.Warnings, "possible SQL injection pattern in content")
	}
	lower := strings.ToLower(text)
	for _, domain := range shortlinkDomains {
		if strings.Contains(lower, domain) {
			v.Warnings = append(v.Warnings, "shortlink domain in content: "+domain)
			break
		}
	}
}

// Mask returns a copy of n with phone numbers, email addresses and
// high-value amounts replaced by placeholder tokens in the title, message
// and declared sensitive metadata fields. The original is not modified.
func (g *Guard) Mask(n *types.Notification) *types.Notification {
	policy := g.policy.Load()

	masked := *n
	masked.Title = g.maskText(policy, n.Title)
	masked.Message = g.maskText(policy, n.Message)

	if len(n.Metadata) > 0 {
		masked.Metadata = n.Metadata.Clone()
		for _, field := range policy.SensitiveMetadataFields {
			val, ok := masked.Metadata[field]
			if !ok {
				continue
			}
			switch tv := val.(type) {
			case string:
				masked.Metadata[field] = g.maskText(policy, tv)
			case float64:
				if policy.MaskAmountThreshold > 0 && tv > policy.MaskAmountThreshold {
					masked.Metadata[field] = maskAmount
				}
			case int:
				if policy.MaskAmountThreshold > 0 && float64(tv) > policy.MaskAmountThreshold {
					masked.Metadata[field] = maskAmount
				}
			}
		}
	}

	if g.audit != nil && (masked.Title != n.Title || masked.Message != n.Message) {
		g.logAudit(&types.AuditLogEntry{
			NotificationID: n.ID,
			TenantID:       n.TenantID,
			UserID:         n.UserID,
			Action:         types.AuditActionMasked,
			Status:         types.AuditStatusSuccess,
		})
	}
	return &masked
}

func (g *Guard) maskText(policy *config.SecurityPolicy, text string) string {
	out := emailPattern.ReplaceAllString(text, maskEmail)
	out = phonePattern.ReplaceAllString(out, maskPhone)
	if policy.MaskAmountThreshold > 0 {
		out = amountPattern.ReplaceAllStringFunc(out, func(m string) string {
			val, err := strconv.ParseFloat(strings.TrimPrefix(m, "$"), 64)
			if err != nil {
				return m
			}
			if val > policy.MaskAmountThreshold {
				return maskAmount
			}
			return m
		})
	}
	return out
}

func contains(list []string, s string) bool {
	if s == "" {
		return false
	}
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

func (g *Guard) auditVerdict(n *types.Notification, rc *types.RequestContext, v Verdict) {
	if g.audit == nil {
		return
	}
	entry := &types.AuditLogEntry{
		NotificationID: n.ID,
		TenantID:       n.TenantID,
		UserID:         n.UserID,
		Action:         types.AuditActionSecurityValidated,
		EventType:      n.EventType,
		Priority:       n.Priority,
		Status:         types.AuditStatusSuccess,
		Metadata:       types.Metadata{"level": v.Level},
	}
	if rc != nil {
		entry.ActorID = rc.Actor.ID
	}
	if len(v.Warnings) > 0 {
		entry.Metadata["warnings"] = v.Warnings
	}
	if !v.Passed {
		entry.Action = types.AuditActionSecurityRejected
		entry.Status = types.AuditStatusFailed
		entry.Metadata["violations"] = v.Violations
	}
	g.audit.Log(entry)
}

func (g *Guard) logAudit(entry *types.AuditLogEntry) {
	if g.audit != nil {
		g.audit.Log(entry)
	}
}
