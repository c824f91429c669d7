// Package dedup implements the deduplication service: it suppresses exact
// and near-duplicate notifications and enforces per-user/per-tenant
// frequency caps that are separate from the rate limiter.
package dedup

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"relaypoint/internal/config"
	"relaypoint/internal/types"
)

// recordTTL bounds how long any dedup record survives, regardless of the
// priority window that created it.
const recordTTL = 24 * time.Hour

// Outcome is the result of one dedup check.
type Outcome struct {
	Suppress bool
	// Reason is one of "never_dedup", "frequency_cap", "exact_duplicate",
	// "near_duplicate" or empty when allowed with no special handling.
	Reason string
	// OriginalID references the earlier notification a duplicate collided
	// with, when known.
	OriginalID string
}

// AuditLogger is the subset of the audit logger the service needs.
type AuditLogger interface {
	Log(entry *types.AuditLogEntry)
}

// Service tracks recent notification content and decides suppression.
// Records are process-local; the frequency counters ride on the shared
// CounterStore so caps hold across processes when redis backs it.
type Service struct {
	policy   atomic.Pointer[config.DedupPolicy]
	counters types.CounterStore
	audit    AuditLogger
	logger   types.Logger
	clock    types.Clock

	mu      sync.Mutex
	byHash  map[string]*types.DeduplicationRecord
	byOwner map[string][]*types.DeduplicationRecord
}

// New creates a Service. clock defaults to real time.
func New(policy config.DedupPolicy, counters types.CounterStore, audit AuditLogger, logger types.Logger, clock types.Clock) *Service {
	if clock == nil {
		clock = types.RealClock{}
	}
	s := &Service{
		counters: counters,
		audit:    audit,
		logger:   logger,
		clock:    clock,
		byHash:   make(map[string]*types.DeduplicationRecord),
		byOwner:  make(map[string][]*types.DeduplicationRecord),
	}
	s.policy.Store(&policy)
	return s
}

// Reload swaps in a new dedup policy.
func (s *Service) Reload(policy config.DedupPolicy) {
	s.policy.Store(&policy)
}

// Check decides whether n should be suppressed. When allowed, the
// notification's content is recorded so later duplicates can be caught.
// Counter store failures allow the notification through with a log line;
// availability wins over strict dedup.
func (s *Service) Check(ctx context.Context, n *types.Notification) Outcome {
	policy := s.policy.Load()
	now := s.clock.Now()

	// Never-dedup events short-circuit: a second payment mismatch is news,
	// not noise.
	for _, e := range policy.NeverDedup {
		if e == n.EventType {
			out := Outcome{Reason: "never_dedup"}
			s.auditCheck(n, out, types.AuditActionDedupChecked)
			return out
		}
	}

	if out, capped := s.checkFrequency(ctx, policy, n); capped {
		s.auditCheck(n, out, types.AuditActionDedupRateLimited)
		return out
	}

	hash := contentHash(n)
	window := n.Priority.DedupWindow()

	s.mu.Lock()
	defer s.mu.Unlock()

	if window > 0 {
		if rec, ok := s.byHash[hash]; ok && now.Sub(rec.CreatedAt) < window {
			out := Outcome{Suppress: true, Reason: "exact_duplicate", OriginalID: rec.NotificationID}
			s.auditCheck(n, out, types.AuditActionDedupSuppressed)
			return out
		}
	}

	if window > 0 && s.isHighRisk(policy, n.EventType) {
		if rec := s.findNearDuplicate(policy, n, now, window); rec != nil {
			out := Outcome{Suppress: true, Reason: "near_duplicate", OriginalID: rec.NotificationID}
			s.auditCheck(n, out, types.AuditActionDedupSuppressed)
			return out
		}
	}

	s.recordLocked(n, hash, now)
	out := Outcome{}
	s.auditCheck(n, out, types.AuditActionDedupChecked)
	return out
}

// checkFrequency enforces the dedup-side caps. These are deliberately
// separate counters from the rate limiter's.
func (s *Service) checkFrequency(ctx context.Context, policy *config.DedupPolicy, n *types.Notification) (Outcome, bool) {
	caps, ok := policy.FrequencyCaps[n.Priority]
	if !ok || s.counters == nil {
		return Outcome{}, false
	}

	checks := []struct {
		key    string
		window time.Duration
		cap    int
	}{
		{s.counterKey("user", n.TenantID, n.UserID, "minute"), time.Minute, caps.UserPerMinute},
		{s.counterKey("user", n.TenantID, n.UserID, "hour"), time.Hour, caps.UserPerHour},
		{s.counterKey("user", n.TenantID, n.UserID, "day"), 24 * time.Hour, caps.UserPerDay},
		{s.counterKey("tenant", n.TenantID, "", "minute"), time.Minute, caps.TenantPerMinute},
		{s.counterKey("tenant", n.TenantID, "", "hour"), time.Hour, caps.TenantPerHour},
		{s.counterKey("tenant", n.TenantID, "", "day"), 24 * time.Hour, caps.TenantPerDay},
	}

	for _, c := range checks {
		if c.cap <= 0 {
			continue
		}
		count, _, err := s.counters.Incr(ctx, c.key, c.window)
		if err != nil {
			s.logger.Warn("dedup frequency counter unavailable, allowing",
				"key", c.key,
				"error", err.Error(),
			)
			continue
		}
		if count > c.cap {
			return Outcome{Suppress: true, Reason: "frequency_cap"}, true
		}
	}
	return Outcome{}, false
}

func (s *Service) counterKey(scope, tenantID, userID, window string) string {
	if userID != "" {
		return fmt.Sprintf("dedup:%s:%s:%s:%s", scope, tenantID, userID, window)
	}
	return fmt.Sprintf("dedup:%s:%s:%s", scope, tenantID, window)
}

func (s *Service) isHighRisk(policy *config.DedupPolicy, eventType types.EventType) bool {
	for _, e := range policy.HighRiskEventTypes {
		if e == eventType {
			return true
		}
	}
	return false
}

// findNearDuplicate scans recent same-owner records of the same event type
// for token-set similarity at or above the configured threshold. Caller
// holds s.mu.
func (s *Service) findNearDuplicate(policy *config.DedupPolicy, n *types.Notification, now time.Time, window time.Duration) *types.DeduplicationRecord {
	threshold := policy.SimilarityThreshold
	if threshold <= 0 {
		return nil
	}
	current := tokenize(n.Title + " " + n.Message)
	for _, rec := range s.byOwner[ownerKey(n.TenantID, n.UserID, n.EventType)] {
		if now.Sub(rec.CreatedAt) >= window {
			continue
		}
		if jaccard(current, tokenize(rec.Title+" "+rec.Message)) >= threshold {
			return rec
		}
	}
	return nil
}

func ownerKey(tenantID, userID string, eventType types.EventType) string {
	return tenantID + "|" + userID + "|" + string(eventType)
}

// recordLocked stores n for future duplicate checks. Caller holds s.mu.
func (s *Service) recordLocked(n *types.Notification, hash string, now time.Time) {
	rec := &types.DeduplicationRecord{
		ContentHash:    hash,
		NotificationID: n.ID,
		TenantID:       n.TenantID,
		UserID:         n.UserID,
		EventType:      n.EventType,
		Title:          n.Title,
		Message:        n.Message,
		Priority:       n.Priority,
		CreatedAt:      now,
	}
	s.byHash[hash] = rec
	key := ownerKey(n.TenantID, n.UserID, n.EventType)
	s.byOwner[key] = append(s.byOwner[key], rec)
}

// Sweep evicts records older than the hard TTL and returns how many were
// removed. Run it on a ticker; it holds the lock for the whole pass.
func (s *Service) Sweep(ctx context.Context) int {
	cutoff := s.clock.Now().Add(-recordTTL)

	s.mu.Lock()
	defer s.mu.Unlock()

	evicted := 0
	for hash, rec := range s.byHash {
		if rec.CreatedAt.Before(cutoff) {
			delete(s.byHash, hash)
			evicted++
		}
	}
	for key, recs := range s.byOwner {
		kept := recs[:0]
		for _, rec := range recs {
			if !rec.CreatedAt.Before(cutoff) {
				kept = append(kept, rec)
			}
		}
		if len(kept) == 0 {
			delete(s.byOwner, key)
		} else {
			s.byOwner[key] = kept
		}
	}
	return evicted
}

// Len reports how many distinct content hashes are currently tracked.
func (s *Service) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byHash)
}

func (s *Service) auditCheck(n *types.Notification, out Outcome, action string) {
	if s.audit == nil {
		return
	}
	status := types.AuditStatusSuccess
	meta := types.Metadata{"suppressed": out.Suppress}
	if out.Reason != "" {
		meta["reason"] = out.Reason
	}
	if out.OriginalID != "" {
		meta["original_id"] = out.OriginalID
	}
	s.audit.Log(&types.AuditLogEntry{
		NotificationID: n.ID,
		TenantID:       n.TenantID,
		UserID:         n.UserID,
		Action:         action,
		EventType:      n.EventType,
		Priority:       n.Priority,
		Status:         status,
		Metadata:       meta,
	})
}
