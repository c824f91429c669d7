// Package ratelimit implements the multi-scope rate limiter. Five scopes
// are checked independently (global, per-user, per-tenant, per-channel,
// per-event-type), each over four rolling windows, with scope-local burst
// tolerance. The limiter fails open: an unavailable counter store lets the
// notification through with a log line.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"relaypoint/internal/config"
	"relaypoint/internal/types"
)

// Result is the outcome of one rate-limit check.
type Result struct {
	Allowed bool
	// RetryAfter comes from the most restrictive violated scope's reset
	// time. Zero when allowed.
	RetryAfter time.Duration
	// Scope and Window name the finest-grained violation when rejected.
	Scope  string
	Window string
	// Burst reports whether any checked scope was in burst mode.
	Burst bool
}

// AuditLogger is the subset of the audit logger the limiter needs.
type AuditLogger interface {
	Log(entry *types.AuditLogEntry)
}

// burstState tracks one scope's burst mode. Burst is scope-local: one hot
// user entering burst never widens another user's ceilings.
type burstState struct {
	activeUntil  time.Time
	lastBurstEnd time.Time
}

// windowSpec pairs a window name with its duration, finest first. Rejection
// reports the finest exceeded window.
var windowSpecs = []struct {
	name string
	d    time.Duration
}{
	{"second", time.Second},
	{"minute", time.Minute},
	{"hour", time.Hour},
	{"day", 24 * time.Hour},
}

// Limiter evaluates scope ceilings against the counter store. The
// evaluation plus record sequence runs under one mutex so concurrent
// submissions in this process observe consistent counts; the store itself
// guarantees per-operation atomicity across processes.
type Limiter struct {
	policy   atomic.Pointer[config.RateLimitPolicy]
	counters types.CounterStore
	audit    AuditLogger
	logger   types.Logger
	clock    types.Clock

	mu     sync.Mutex
	bursts map[string]*burstState
}

// New creates a Limiter. clock defaults to real time.
func New(policy config.RateLimitPolicy, counters types.CounterStore, audit AuditLogger, logger types.Logger, clock types.Clock) *Limiter {
	if clock == nil {
		clock = types.RealClock{}
	}
	l := &Limiter{
		counters: counters,
		audit:    audit,
		logger:   logger,
		clock:    clock,
		bursts:   make(map[string]*burstState),
	}
	l.policy.Store(&policy)
	return l
}

// Reload swaps in a new rate-limit policy.
func (l *Limiter) Reload(policy config.RateLimitPolicy) {
	l.policy.Store(&policy)
}

// scope is one ceiling set to evaluate for a notification. class names the
// scope family for burst eligibility.
type scope struct {
	key      string
	class    string
	ceilings config.WindowCeilings
}

// violation records one scope's finest exceeded window.
type violation struct {
	scope   string
	window  string
	resetAt time.Time
}

// Check evaluates every applicable scope for n and the selected channels.
// On allow, all checked scopes' window counters are incremented. On any
// internal store failure the check allows and logs; throttling is a
// protection, not a correctness gate.
func (l *Limiter) Check(ctx context.Context, n *types.Notification, channels []types.ChannelType) Result {
	policy := l.policy.Load()
	scopes := l.buildScopes(policy, n, channels)
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	var (
		violations []violation
		anyBurst   bool
		storeErr   error
	)

	for _, sc := range scopes {
		burst := l.updateBurstLocked(ctx, policy, sc, now)
		if burst {
			anyBurst = true
		}
		if v, err := l.evaluateScope(ctx, policy, sc, burst); err != nil {
			storeErr = err
		} else if v != nil {
			violations = append(violations, *v)
		}
	}

	if storeErr != nil && len(violations) == 0 {
		l.logger.Warn("rate limit store unavailable, allowing",
			"notification_id", n.ID,
			"error", storeErr.Error(),
		)
		l.auditResult(n, Result{Allowed: true, Burst: anyBurst}, "store_error")
		return Result{Allowed: true, Burst: anyBurst}
	}

	if len(violations) > 0 {
		// Report the most restrictive violation: scope, window and retry
		// guidance must all describe the same ceiling.
		most := violations[0]
		for _, v := range violations[1:] {
			if v.resetAt.After(most.resetAt) {
				most = v
			}
		}
		retryAfter := most.resetAt.Sub(now)
		if retryAfter < time.Second {
			retryAfter = time.Second
		}
		res := Result{
			Allowed:    false,
			RetryAfter: retryAfter,
			Scope:      most.scope,
			Window:     most.window,
			Burst:      anyBurst,
		}
		l.auditResult(n, res, "")
		return res
	}

	// Record on allow: every checked scope's four windows, incremented
	// together while the lock is held.
	for _, sc := range scopes {
		for _, w := range windowSpecs {
			if _, _, err := l.counters.Incr(ctx, sc.key+":"+w.name, w.d); err != nil {
				l.logger.Warn("rate limit counter increment failed",
					"scope", sc.key,
					"window", w.name,
					"error", err.Error(),
				)
			}
		}
	}

	res := Result{Allowed: true, Burst: anyBurst}
	l.auditResult(n, res, "")
	return res
}

// buildScopes lists the ceilings applicable to this notification.
func (l *Limiter) buildScopes(policy *config.RateLimitPolicy, n *types.Notification, channels []types.ChannelType) []scope {
	scopes := []scope{{key: "rate:global", class: "global", ceilings: policy.Global}}

	if n.UserID != "" {
		if ceilings, ok := policy.PerUser[n.Priority]; ok {
			scopes = append(scopes, scope{
				key:      fmt.Sprintf("rate:user:%s:%s", n.UserID, n.Priority),
				class:    "user",
				ceilings: ceilings,
			})
		}
	}
	if n.TenantID != "" {
		scopes = append(scopes, scope{
			key:      "rate:tenant:" + n.TenantID,
			class:    "tenant",
			ceilings: policy.PerTenant,
		})
	}
	for _, ch := range channels {
		if ceilings, ok := policy.PerChannel[ch]; ok {
			scopes = append(scopes, scope{
				key:      "rate:channel:" + string(ch),
				class:    "channel",
				ceilings: ceilings,
			})
		}
	}
	if ceilings, ok := policy.PerEventType[n.EventType]; ok {
		scopes = append(scopes, scope{
			key:      "rate:event:" + string(n.EventType),
			class:    "event",
			ceilings: ceilings,
		})
	}
	return scopes
}

// updateBurstLocked maintains the scope's burst state and reports whether
// burst ceilings apply right now. Caller holds l.mu.
func (l *Limiter) updateBurstLocked(ctx context.Context, policy *config.RateLimitPolicy, sc scope, now time.Time) bool {
	if !burstEligible(policy, sc.class) {
		return false
	}
	state, ok := l.bursts[sc.key]
	if !ok {
		state = &burstState{}
		l.bursts[sc.key] = state
	}

	if now.Before(state.activeUntil) {
		return true
	}
	if !state.activeUntil.IsZero() && state.lastBurstEnd.Before(state.activeUntil) {
		// The burst just lapsed; remember when it ended for the cooldown.
		state.lastBurstEnd = state.activeUntil
	}

	if policy.BurstThresholdPct <= 0 || policy.BurstDuration <= 0 || sc.ceilings.Minute <= 0 {
		return false
	}
	if !state.lastBurstEnd.IsZero() && now.Sub(state.lastBurstEnd) < policy.BurstCooldown {
		return false
	}

	count, _, err := l.counters.Peek(ctx, sc.key+":minute", time.Minute)
	if err != nil {
		return false
	}
	if float64(count) >= policy.BurstThresholdPct*float64(sc.ceilings.Minute) {
		state.activeUntil = now.Add(policy.BurstDuration)
		l.logger.Info("rate limit burst mode entered",
			"scope", sc.key,
			"until", state.activeUntil,
		)
		return true
	}
	return false
}

// evaluateScope returns the finest exceeded window for the scope, nil when
// the scope allows.
func (l *Limiter) evaluateScope(ctx context.Context, policy *config.RateLimitPolicy, sc scope, burst bool) (*violation, error) {
	for _, w := range windowSpecs {
		ceiling := ceilingFor(sc.ceilings, w.name)
		if ceiling <= 0 {
			continue
		}
		if burst && policy.BurstMultiplier > 1 {
			ceiling = int(float64(ceiling) * policy.BurstMultiplier)
		}
		count, resetAt, err := l.counters.Peek(ctx, sc.key+":"+w.name, w.d)
		if err != nil {
			return nil, err
		}
		if count >= ceiling {
			return &violation{scope: sc.key, window: w.name, resetAt: resetAt}, nil
		}
	}
	return nil, nil
}

func burstEligible(policy *config.RateLimitPolicy, class string) bool {
	for _, c := range policy.BurstScopes {
		if c == class {
			return true
		}
	}
	return false
}

func ceilingFor(c config.WindowCeilings, window string) int {
	switch window {
	case "second":
		return c.Second
	case "minute":
		return c.Minute
	case "hour":
		return c.Hour
	default:
		return c.Day
	}
}

func (l *Limiter) auditResult(n *types.Notification, res Result, note string) {
	if l.audit == nil {
		return
	}
	entry := &types.AuditLogEntry{
		NotificationID: n.ID,
		TenantID:       n.TenantID,
		UserID:         n.UserID,
		Action:         types.AuditActionRateChecked,
		EventType:      n.EventType,
		Priority:       n.Priority,
		Status:         types.AuditStatusSuccess,
		Metadata:       types.Metadata{"allowed": res.Allowed, "burst": res.Burst},
	}
	if note != "" {
		entry.Metadata["note"] = note
	}
	if !res.Allowed {
		entry.Action = types.AuditActionRateLimited
		entry.Status = types.AuditStatusFailed
		entry.Metadata["scope"] = res.Scope
		entry.Metadata["window"] = res.Window
		entry.Metadata["retry_after_seconds"] = int(res.RetryAfter.Seconds())
	}
	l.audit.Log(entry)
}
