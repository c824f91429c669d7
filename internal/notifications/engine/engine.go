// Package engine orchestrates the notification pipeline: classification,
// deduplication, channel selection, rate limiting, security validation,
// masking, persistence, fan-out delivery and reminder scheduling. Each
// Submit call is one independent pipeline pass; shared state lives only in
// the counter stores the stages consume.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"relaypoint/internal/config"
	"relaypoint/internal/notifications/classify"
	"relaypoint/internal/notifications/dedup"
	"relaypoint/internal/notifications/guard"
	"relaypoint/internal/notifications/ratelimit"
	"relaypoint/internal/notifications/selector"
	"relaypoint/internal/types"
)

// Request is one inbound submission. TenantID is the target tenant; UserID
// is the primary recipient when no explicit recipient list or hint is
// given.
type Request struct {
	EventType types.EventType
	TenantID  string
	UserID    string

	Title    string
	Message  string
	Category types.Category

	// ExplicitPriority is honored only upward: the final priority is the
	// more severe of this and the classified priority.
	ExplicitPriority types.Priority

	Metadata types.Metadata
	Context  *types.RequestContext
}

// Status is the caller-visible terminal state of one pipeline pass.
type Status string

const (
	StatusDelivered          Status = "delivered"
	StatusPartiallyDelivered Status = "partially_delivered"
	StatusFailed             Status = "failed"
	StatusSuppressed         Status = "suppressed"
	StatusRateLimited        Status = "rate_limited"
	StatusRejected           Status = "rejected"
)

// Outcome is the structured result of a Submit. Every terminal state is
// distinguishable; nothing is silently dropped.
type Outcome struct {
	Status         Status         `json:"status"`
	NotificationID string         `json:"notification_id,omitempty"`
	Priority       types.Priority `json:"priority,omitempty"`

	// Channels reports per-channel delivery state for delivered, partial
	// and failed outcomes.
	Channels map[types.ChannelType]types.DeliveryStatus `json:"channels,omitempty"`

	// SuppressedBy references the prior notification a duplicate collided
	// with.
	SuppressedBy   string `json:"suppressed_by,omitempty"`
	SuppressReason string `json:"suppress_reason,omitempty"`

	// RetryAfterSeconds carries rate-limit guidance. Zero otherwise.
	RetryAfterSeconds int    `json:"retry_after_seconds,omitempty"`
	LimitScope        string `json:"limit_scope,omitempty"`

	// Violations and Warnings come from the security guard.
	Violations []string `json:"violations,omitempty"`
	Warnings   []string `json:"warnings,omitempty"`

	ReminderHandle string `json:"reminder_handle,omitempty"`
}

// AuditLogger is the subset of the audit logger the engine needs.
type AuditLogger interface {
	Log(entry *types.AuditLogEntry)
}

// MetricsEmitter receives per-channel delivery metrics. A nil emitter
// disables metrics.
type MetricsEmitter interface {
	RecordDelivery(ctx context.Context, channel types.ChannelType, success bool, latency time.Duration)
}

// Deps wires the engine's collaborators. Store, Audit and the five pipeline
// stages are required; Resolver, Scheduler, Metrics and individual adapters
// are optional capabilities.
type Deps struct {
	Classifier *classify.Classifier
	Dedup      *dedup.Service
	Selector   *selector.Selector
	Limiter    *ratelimit.Limiter
	Guard      *guard.Guard

	Store     types.NotificationStore
	Resolver  types.RecipientResolver
	Scheduler types.ReminderScheduler
	Adapters  map[types.ChannelType]types.ChannelAdapter
	Audit     AuditLogger
	Metrics   MetricsEmitter
	Counters  types.CounterStore

	Logger types.Logger
	Clock  types.Clock
}

// Engine runs the pipeline. Construct with New, then either call Submit
// directly or feed Enqueue and run Start for ticked draining.
type Engine struct {
	cfg  config.PipelineConfig
	deps Deps

	intake chan *Request
	stop   chan struct{}
	done   chan struct{}
}

// New creates an Engine. A nil Clock defaults to real time.
func New(cfg config.PipelineConfig, deps Deps) *Engine {
	if deps.Clock == nil {
		deps.Clock = types.RealClock{}
	}
	if cfg.IntakeQueueSize <= 0 {
		cfg.IntakeQueueSize = 1024
	}
	if cfg.DrainBatchSize <= 0 {
		cfg.DrainBatchSize = 32
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = 10 * time.Second
	}
	if cfg.DeliveryConcurrency <= 0 {
		cfg.DeliveryConcurrency = 5
	}
	return &Engine{
		cfg:    cfg,
		deps:   deps,
		intake: make(chan *Request, cfg.IntakeQueueSize),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Submit runs one full pipeline pass. Early terminals (suppressed,
// rate-limited, rejected) return a structured Outcome with a nil error;
// the error return is reserved for request validation and internal
// failures.
func (e *Engine) Submit(ctx context.Context, req *Request) (*Outcome, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	rc := req.Context
	now := e.deps.Clock.Now()

	recipients, err := e.resolveRecipients(ctx, req)
	if err != nil {
		return nil, err
	}

	n := &types.Notification{
		ID:         "ntf_" + uuid.NewString(),
		TenantID:   req.TenantID,
		UserID:     recipients[0],
		Recipients: recipients,
		EventType:  req.EventType,
		Category:   req.Category,
		Title:      req.Title,
		Message:    req.Message,
		Metadata:   req.Metadata,
		CreatedAt:  now,
	}
	e.audit(&types.AuditLogEntry{
		Action:         types.AuditActionReceived,
		NotificationID: n.ID,
		ActorID:        rc.Actor.ID,
		UserID:         n.UserID,
		TenantID:       n.TenantID,
		EventType:      n.EventType,
		Status:         types.AuditStatusSuccess,
	})

	// Classify; the final priority is the more severe of explicit and
	// classified, never the less severe.
	cls := e.deps.Classifier.Classify(ctx, n.EventType, n.Title, n.Message, n.Metadata, rc)
	n.Priority = cls.Priority
	if req.ExplicitPriority.Valid() {
		n.Priority = types.MoreSevere(req.ExplicitPriority, cls.Priority)
	}
	n.RequiresAck = n.Priority.RequiresAck()
	n.SetExpiry(now)

	if out := e.deps.Dedup.Check(ctx, n); out.Suppress {
		return &Outcome{
			Status:         StatusSuppressed,
			NotificationID: n.ID,
			Priority:       n.Priority,
			SuppressedBy:   out.OriginalID,
			SuppressReason: out.Reason,
		}, nil
	}

	decision := e.deps.Selector.Select(ctx, n)
	n.Channels = make(map[types.ChannelType]*types.ChannelState, len(decision.Channels))
	for _, ch := range decision.Channels {
		n.Channels[ch] = &types.ChannelState{Selected: true, Status: types.DeliveryStatusPending}
	}

	if res := e.deps.Limiter.Check(ctx, n, decision.Channels); !res.Allowed {
		retryAfter := int(res.RetryAfter / time.Second)
		if retryAfter < 1 {
			retryAfter = 1
		}
		return &Outcome{
			Status:            StatusRateLimited,
			NotificationID:    n.ID,
			Priority:          n.Priority,
			RetryAfterSeconds: retryAfter,
			LimitScope:        res.Scope,
		}, nil
	}

	verdict := e.deps.Guard.Validate(ctx, n, rc)
	if !verdict.Passed {
		return &Outcome{
			Status:         StatusRejected,
			NotificationID: n.ID,
			Priority:       n.Priority,
			Violations:     verdict.Violations,
			Warnings:       verdict.Warnings,
		}, nil
	}

	masked := e.deps.Guard.Mask(n)
	masked.Channels = n.Channels

	if err := e.deps.Store.Create(ctx, masked); err != nil {
		e.auditFailure(masked, types.AuditActionPersisted, err)
		return nil, types.NewAppError(types.ErrCodeInternalPipeline, "failed to persist notification", err)
	}
	e.audit(&types.AuditLogEntry{
		Action:         types.AuditActionPersisted,
		NotificationID: masked.ID,
		UserID:         masked.UserID,
		TenantID:       masked.TenantID,
		EventType:      masked.EventType,
		Priority:       masked.Priority,
		Status:         types.AuditStatusSuccess,
	})

	// Persistence is the point of no return: from here cancellation is not
	// honored and partial delivery is recorded, never rolled back.
	outcome := e.deliver(ctx, masked, decision.Channels)
	outcome.Warnings = append(outcome.Warnings, verdict.Warnings...)
	outcome.Warnings = append(outcome.Warnings, decision.Warnings...)

	if outcome.Status != StatusFailed {
		e.scheduleReminders(ctx, masked, outcome)
	}

	e.audit(&types.AuditLogEntry{
		Action:         types.AuditActionCompleted,
		NotificationID: masked.ID,
		UserID:         masked.UserID,
		TenantID:       masked.TenantID,
		EventType:      masked.EventType,
		Priority:       masked.Priority,
		Status:         completionStatus(outcome.Status),
		Metadata:       types.Metadata{"outcome": string(outcome.Status)},
		ProcessingMs:   e.deps.Clock.Now().Sub(now).Milliseconds(),
	})
	return outcome, nil
}

func validateRequest(req *Request) error {
	if req == nil || req.Context == nil {
		return types.NewAppError(types.ErrCodeValidationMissingField, "request context is required", nil)
	}
	if req.EventType == "" {
		return types.NewAppError(types.ErrCodeValidationInvalidEvent, "event type is required", nil)
	}
	if req.Title == "" && req.Message == "" {
		return types.NewAppError(types.ErrCodeValidationMissingField, "title or message is required", nil)
	}
	return nil
}

// resolveRecipients returns the concrete recipient list: explicit
// recipients win, then the resolver expands a hint, then the request's
// primary user id.
func (e *Engine) resolveRecipients(ctx context.Context, req *Request) ([]string, error) {
	rc := req.Context
	if len(rc.Recipients) > 0 {
		return rc.Recipients, nil
	}
	if rc.Hint != "" && rc.Hint != types.ResolveSingleUser {
		if e.deps.Resolver == nil {
			return nil, types.NewAppError(types.ErrCodeUpstreamResolver, "recipient resolution is not configured", nil)
		}
		ids, err := e.deps.Resolver.Resolve(ctx, req.TenantID, rc.Hint, req.UserID, rc.HintRole)
		if err != nil {
			return nil, err
		}
		if len(ids) == 0 {
			return nil, types.NewAppError(types.ErrCodeValidationInvalidTarget, fmt.Sprintf("hint %q resolved no recipients", rc.Hint), nil)
		}
		return ids, nil
	}
	if req.UserID == "" {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidTarget, "no recipients given", nil)
	}
	return []string{req.UserID}, nil
}

// deliver fans out to every selected channel concurrently. Channels fail
// independently; a missing adapter or a timed-out call is a per-channel
// failure.
func (e *Engine) deliver(ctx context.Context, n *types.Notification, channels []types.ChannelType) *Outcome {
	outcome := &Outcome{
		NotificationID: n.ID,
		Priority:       n.Priority,
		Channels:       make(map[types.ChannelType]types.DeliveryStatus, len(channels)),
	}

	g, gctx := errgroup.WithContext(context.WithoutCancel(ctx))
	g.SetLimit(e.cfg.DeliveryConcurrency)
	results := make([]types.DeliveryStatus, len(channels))

	for i, ch := range channels {
		g.Go(func() error {
			results[i] = e.deliverChannel(gctx, n, ch)
			return nil
		})
	}
	_ = g.Wait() // goroutines report through results

	delivered, failed := 0, 0
	for i, ch := range channels {
		outcome.Channels[ch] = results[i]
		if results[i] == types.DeliveryStatusDelivered {
			delivered++
		} else {
			failed++
		}
	}
	switch {
	case failed == 0:
		outcome.Status = StatusDelivered
	case delivered == 0:
		outcome.Status = StatusFailed
	default:
		outcome.Status = StatusPartiallyDelivered
	}
	return outcome
}

// deliverChannel attempts one channel for every recipient and records the
// resulting state. A channel already marked delivered is never reverted.
func (e *Engine) deliverChannel(ctx context.Context, n *types.Notification, ch types.ChannelType) types.DeliveryStatus {
	state := n.Channels[ch]
	if state == nil {
		state = &types.ChannelState{Selected: true}
		n.Channels[ch] = state
	}
	if state.Status == types.DeliveryStatusDelivered {
		return state.Status
	}

	start := e.deps.Clock.Now()
	state.Attempts++
	state.LastAttemptAt = &start

	adapter, ok := e.deps.Adapters[ch]
	if !ok {
		e.finishChannel(ctx, n, ch, state, fmt.Errorf("no adapter configured for channel %s", ch), start)
		return state.Status
	}

	var deliverErr error
	var providerID string
	for _, recipient := range n.Recipients {
		callCtx, cancel := context.WithTimeout(ctx, e.cfg.DeliveryTimeout)
		res, err := adapter.Deliver(callCtx, types.DeliveryPayload{
			NotificationID: n.ID,
			TenantID:       n.TenantID,
			Recipient:      recipient,
			Title:          n.Title,
			Summary:        n.Message,
			Priority:       n.Priority,
			Category:       n.Category,
			Metadata:       n.Metadata,
			Channel:        ch,
		})
		cancel()
		if err != nil {
			deliverErr = err
			continue
		}
		if res != nil && res.ProviderMessageID != "" {
			providerID = res.ProviderMessageID
		}
	}
	state.ProviderMsgID = providerID
	e.finishChannel(ctx, n, ch, state, deliverErr, start)
	return state.Status
}

func (e *Engine) finishChannel(ctx context.Context, n *types.Notification, ch types.ChannelType, state *types.ChannelState, deliverErr error, start time.Time) {
	now := e.deps.Clock.Now()
	action := types.AuditActionChannelDelivered
	status := types.AuditStatusSuccess
	if deliverErr != nil {
		state.Status = types.DeliveryStatusFailed
		state.Error = deliverErr.Error()
		action = types.AuditActionChannelFailed
		status = types.AuditStatusFailed
	} else {
		state.Status = types.DeliveryStatusDelivered
		state.DeliveredAt = &now
		state.Error = ""
	}

	if err := e.deps.Store.UpdateChannelState(ctx, n.ID, ch, state); err != nil {
		e.logError("failed to persist channel state", err, "notification_id", n.ID, "channel", string(ch))
	}
	if e.deps.Metrics != nil {
		e.deps.Metrics.RecordDelivery(ctx, ch, deliverErr == nil, now.Sub(start))
	}
	entry := &types.AuditLogEntry{
		Action:         action,
		NotificationID: n.ID,
		UserID:         n.UserID,
		TenantID:       n.TenantID,
		EventType:      n.EventType,
		Priority:       n.Priority,
		Channel:        ch,
		Status:         status,
		ProcessingMs:   now.Sub(start).Milliseconds(),
	}
	if deliverErr != nil {
		entry.Error = deliverErr.Error()
	}
	e.audit(entry)
}

// scheduleReminders triggers the external reminder scheduler for
// acknowledgement-requiring notifications. Scheduling failure does not fail
// the pipeline; the delivery already happened.
func (e *Engine) scheduleReminders(ctx context.Context, n *types.Notification, outcome *Outcome) {
	if e.deps.Scheduler == nil || !n.RequiresAck {
		return
	}
	handle, err := e.deps.Scheduler.Schedule(ctx, n.ID, n.Priority, n.EventType)
	if err != nil {
		e.logError("failed to schedule reminders", err, "notification_id", n.ID)
		e.auditFailure(n, types.AuditActionRemindersScheduled, err)
		return
	}
	outcome.ReminderHandle = handle
	e.audit(&types.AuditLogEntry{
		Action:         types.AuditActionRemindersScheduled,
		NotificationID: n.ID,
		UserID:         n.UserID,
		TenantID:       n.TenantID,
		Priority:       n.Priority,
		Status:         types.AuditStatusSuccess,
		Metadata:       types.Metadata{"handle": handle},
	})
}

func completionStatus(s Status) types.AuditStatus {
	switch s {
	case StatusDelivered:
		return types.AuditStatusSuccess
	case StatusPartiallyDelivered:
		return types.AuditStatusPartial
	default:
		return types.AuditStatusFailed
	}
}

func (e *Engine) audit(entry *types.AuditLogEntry) {
	if e.deps.Audit == nil {
		return
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = e.deps.Clock.Now()
	}
	e.deps.Audit.Log(entry)
}

func (e *Engine) auditFailure(n *types.Notification, action string, err error) {
	e.audit(&types.AuditLogEntry{
		Action:         action,
		NotificationID: n.ID,
		UserID:         n.UserID,
		TenantID:       n.TenantID,
		Priority:       n.Priority,
		Status:         types.AuditStatusFailed,
		Error:          err.Error(),
	})
}

func (e *Engine) logError(msg string, err error, args ...any) {
	if e.deps.Logger == nil {
		return
	}
	e.deps.Logger.Error(msg, append([]any{"error", err}, args...)...)
}
