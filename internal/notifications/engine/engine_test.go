package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"relaypoint/internal/config"
	"relaypoint/internal/notifications/classify"
	"relaypoint/internal/notifications/dedup"
	"relaypoint/internal/notifications/guard"
	"relaypoint/internal/notifications/ratelimit"
	"relaypoint/internal/notifications/selector"
	"relaypoint/internal/store"
	"relaypoint/internal/types"
)

// --- fakes ---

type mockClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *mockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *mockClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type nopLogger struct{}

func (nopLogger) Info(string, ...any)      {}
func (nopLogger) Error(string, ...any)     {}
func (nopLogger) Warn(string, ...any)      {}
func (nopLogger) With(...any) types.Logger { return nopLogger{} }

type recordingAudit struct {
	mu      sync.Mutex
	entries []*types.AuditLogEntry
}

func (a *recordingAudit) Log(e *types.AuditLogEntry) {
	a.mu.Lock()
	a.entries = append(a.entries, e)
	a.mu.Unlock()
}

func (a *recordingAudit) count(action string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, e := range a.entries {
		if e.Action == action {
			n++
		}
	}
	return n
}

func (a *recordingAudit) last() *types.AuditLogEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.entries) == 0 {
		return nil
	}
	return a.entries[len(a.entries)-1]
}

type fakeStore struct {
	mu           sync.Mutex
	created      []*types.Notification
	stateUpdates map[string]map[types.ChannelType]*types.ChannelState
	createErr    error
}

func newFakeStore() *fakeStore {
	return &fakeStore{stateUpdates: make(map[string]map[types.ChannelType]*types.ChannelState)}
}

func (s *fakeStore) Create(_ context.Context, n *types.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return s.createErr
	}
	s.created = append(s.created, n)
	return nil
}

func (s *fakeStore) UpdateChannelState(_ context.Context, id string, ch types.ChannelType, state *types.ChannelState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.stateUpdates[id]
	if m == nil {
		m = make(map[types.ChannelType]*types.ChannelState)
		s.stateUpdates[id] = m
	}
	copied := *state
	m[ch] = &copied
	return nil
}

func (s *fakeStore) GetByID(_ context.Context, id string) (*types.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range s.created {
		if n.ID == id {
			return n, nil
		}
	}
	return nil, types.NewAppError(types.ErrCodeNotFoundNotification, "not found", nil)
}

func (s *fakeStore) ListByRecipient(context.Context, string, string, int, string) ([]*types.Notification, string, error) {
	return nil, "", nil
}

func (s *fakeStore) createdCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.created)
}

type fakeAdapter struct {
	mu       sync.Mutex
	channel  types.ChannelType
	err      error
	payloads []types.DeliveryPayload
}

func (a *fakeAdapter) Type() types.ChannelType { return a.channel }

func (a *fakeAdapter) Deliver(_ context.Context, p types.DeliveryPayload) (*types.DeliveryResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return nil, a.err
	}
	a.payloads = append(a.payloads, p)
	return &types.DeliveryResult{ProviderMessageID: "prov_" + string(a.channel)}, nil
}

func (a *fakeAdapter) delivered() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.payloads)
}

type fakeScheduler struct {
	mu     sync.Mutex
	calls  int
	err    error
	handle string
}

func (s *fakeScheduler) Schedule(_ context.Context, notificationID string, _ types.Priority, _ types.EventType) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	s.calls++
	if s.handle != "" {
		return s.handle, nil
	}
	return "rem_" + notificationID, nil
}

// --- harness ---

type harness struct {
	engine    *Engine
	store     *fakeStore
	audit     *recordingAudit
	clock     *mockClock
	scheduler *fakeScheduler
	adapters  map[types.ChannelType]*fakeAdapter
}

func newHarness(t *testing.T, mutate func(p *config.PolicySet)) *harness {
	t.Helper()
	policy := config.DefaultPolicy()
	if mutate != nil {
		mutate(policy)
	}

	clock := &mockClock{now: time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)} // within business hours
	auditLog := &recordingAudit{}
	logger := nopLogger{}
	counters := store.NewMemoryCounterStore(clock)
	st := newFakeStore()
	scheduler := &fakeScheduler{}

	adapters := make(map[types.ChannelType]*fakeAdapter)
	adapterIfaces := make(map[types.ChannelType]types.ChannelAdapter)
	for _, ch := range types.AllChannels {
		a := &fakeAdapter{channel: ch}
		adapters[ch] = a
		adapterIfaces[ch] = a
	}

	eng := New(config.PipelineConfig{DeliveryTimeout: time.Second, DeliveryConcurrency: 5}, Deps{
		Classifier: classify.New(policy.Classifier, auditLog, logger),
		Dedup:      dedup.New(policy.Dedup, counters, auditLog, logger, clock),
		Selector:   selector.New(policy.Selector, nil, auditLog, logger, clock),
		Limiter:    ratelimit.New(policy.RateLimit, counters, auditLog, logger, clock),
		Guard:      guard.New(policy.Security, counters, auditLog, logger, clock),
		Store:      st,
		Scheduler:  scheduler,
		Adapters:   adapterIfaces,
		Audit:      auditLog,
		Counters:   counters,
		Logger:     logger,
		Clock:      clock,
	})
	return &harness{engine: eng, store: st, audit: auditLog, clock: clock, scheduler: scheduler, adapters: adapters}
}

func userRequest(eventType types.EventType, title, message string) *Request {
	return &Request{
		EventType: eventType,
		TenantID:  "t1",
		UserID:    "u1",
		Title:     title,
		Message:   message,
		Category:  types.CategoryOrder,
		Metadata:  types.Metadata{},
		Context: &types.RequestContext{
			Actor:      types.Actor{ID: "u1", Type: types.ActorTypeUser, TenantID: "t1", Role: types.RoleManager},
			UserFacing: true,
		},
	}
}

// --- tests ---

func TestSubmit_DeliveredHappyPath(t *testing.T) {
	h := newHarness(t, nil)

	out, err := h.engine.Submit(context.Background(), userRequest(types.EventOrderUpdated, "Order update", "Your order moved along"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if out.Status != StatusDelivered {
		t.Fatalf("status = %s, want delivered", out.Status)
	}
	if out.Priority != types.PriorityP3 {
		t.Errorf("priority = %s, want P3 for user-facing default", out.Priority)
	}
	if got := out.Channels[types.ChannelInApp]; got != types.DeliveryStatusDelivered {
		t.Errorf("in-app state = %s, want delivered", got)
	}
	if len(out.Channels) != 1 {
		t.Errorf("P3 selects in-app only, got %v", out.Channels)
	}
	if h.store.createdCount() != 1 {
		t.Fatalf("created = %d, want 1", h.store.createdCount())
	}
	if h.adapters[types.ChannelInApp].delivered() != 1 {
		t.Errorf("in-app deliveries = %d, want 1", h.adapters[types.ChannelInApp].delivered())
	}

	state := h.store.stateUpdates[out.NotificationID][types.ChannelInApp]
	if state == nil || state.Status != types.DeliveryStatusDelivered {
		t.Errorf("persisted channel state = %+v, want delivered", state)
	}
}

func TestSubmit_OneAuditEntryPerStage(t *testing.T) {
	h := newHarness(t, nil)

	out, err := h.engine.Submit(context.Background(), userRequest(types.EventOrderUpdated, "Order update", "No numbers here"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	for _, action := range []string{
		types.AuditActionReceived,
		types.AuditActionClassified,
		types.AuditActionDedupChecked,
		types.AuditActionChannelsSelected,
		types.AuditActionRateChecked,
		types.AuditActionSecurityValidated,
		types.AuditActionPersisted,
		types.AuditActionChannelDelivered,
		types.AuditActionCompleted,
	} {
		if got := h.audit.count(action); got != 1 {
			t.Errorf("audit %s count = %d, want 1", action, got)
		}
	}
	last := h.audit.last()
	if last.Action != types.AuditActionCompleted {
		t.Fatalf("last audit action = %s, want completed", last.Action)
	}
	if last.Status != types.AuditStatusSuccess {
		t.Errorf("last audit status = %s, want success for outcome %s", last.Status, out.Status)
	}
}

func TestSubmit_ExplicitPriorityOnlyRaises(t *testing.T) {
	h := newHarness(t, nil)

	// Explicit P0 on an otherwise-P3 event raises.
	req := userRequest(types.EventOrderUpdated, "Order update", "body one")
	req.ExplicitPriority = types.PriorityP0
	out, err := h.engine.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if out.Priority != types.PriorityP0 {
		t.Errorf("priority = %s, want explicit P0", out.Priority)
	}

	// Explicit P4 on a P0 event never lowers.
	req2 := userRequest(types.EventPaymentMismatch, "Ledger check", "amounts disagree")
	req2.ExplicitPriority = types.PriorityP4
	out2, err := h.engine.Submit(context.Background(), req2)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if out2.Priority != types.PriorityP0 {
		t.Errorf("priority = %s, want classified P0 to win over explicit P4", out2.Priority)
	}
}

func TestSubmit_SecondIdenticalIsSuppressed(t *testing.T) {
	h := newHarness(t, nil)

	first, err := h.engine.Submit(context.Background(), userRequest(types.EventOrderCreated, "Order placed", "same body"))
	if err != nil {
		t.Fatalf("first Submit: %v", err)
	}
	if first.Status != StatusDelivered {
		t.Fatalf("first status = %s, want delivered", first.Status)
	}

	h.clock.Advance(10 * time.Minute) // within the P3 window

	second, err := h.engine.Submit(context.Background(), userRequest(types.EventOrderCreated, "Order placed", "same body"))
	if err != nil {
		t.Fatalf("second Submit: %v", err)
	}
	if second.Status != StatusSuppressed {
		t.Fatalf("second status = %s, want suppressed", second.Status)
	}
	if second.SuppressedBy != first.NotificationID {
		t.Errorf("SuppressedBy = %s, want %s", second.SuppressedBy, first.NotificationID)
	}
	if h.store.createdCount() != 1 {
		t.Errorf("created = %d, want exactly one persisted notification", h.store.createdCount())
	}
	if got := h.audit.count(types.AuditActionDedupSuppressed); got != 1 {
		t.Errorf("suppression audit count = %d, want 1", got)
	}
}

func TestSubmit_RateLimitedReturnsRetryAfter(t *testing.T) {
	h := newHarness(t, func(p *config.PolicySet) {
		p.RateLimit.PerUser[types.PriorityP3] = config.WindowCeilings{Second: 100, Minute: 2, Hour: 1000, Day: 1000}
	})

	for i := 0; i < 2; i++ {
		out, err := h.engine.Submit(context.Background(), userRequest(types.EventOrderUpdated, "Order update", fmt.Sprintf("body %d", i)))
		if err != nil || out.Status != StatusDelivered {
			t.Fatalf("submission %d: status=%v err=%v", i, out, err)
		}
		h.clock.Advance(2 * time.Second)
	}

	out, err := h.engine.Submit(context.Background(), userRequest(types.EventOrderUpdated, "Order update", "body over the limit"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if out.Status != StatusRateLimited {
		t.Fatalf("status = %s, want rate_limited", out.Status)
	}
	if out.RetryAfterSeconds <= 0 {
		t.Errorf("RetryAfterSeconds = %d, want > 0", out.RetryAfterSeconds)
	}
	if h.store.createdCount() != 2 {
		t.Errorf("rate-limited submission must not be persisted, created = %d", h.store.createdCount())
	}
}

// Under the default policy the per-user rate ceiling must be the binding
// per-user constraint: the 51st P1 submission from one user inside a minute
// is rate-limited with retry guidance, while the first 50 deliver. Neither
// the dedup frequency caps nor the guard's suspicion threshold may trip
// first and turn the outcome into suppressed or rejected.
func TestSubmit_DefaultPolicyPerUserCeilingBinds(t *testing.T) {
	h := newHarness(t, nil)

	for i := 1; i <= 50; i++ {
		req := userRequest(types.EventPaymentFailed,
			fmt.Sprintf("Payment %d failed", i),
			fmt.Sprintf("Charge %d was declined", i),
		)
		out, err := h.engine.Submit(context.Background(), req)
		if err != nil {
			t.Fatalf("submission %d: %v", i, err)
		}
		if out.Priority != types.PriorityP1 {
			t.Fatalf("submission %d: priority = %s, want P1", i, out.Priority)
		}
		if out.Status != StatusDelivered {
			t.Fatalf("submission %d: status = %s, want delivered", i, out.Status)
		}
		// One second apart keeps every submission inside the same minute
		// window without tripping the per-second ceilings.
		h.clock.Advance(time.Second)
	}

	out, err := h.engine.Submit(context.Background(), userRequest(types.EventPaymentFailed, "Payment 51 failed", "Charge 51 was declined"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if out.Status != StatusRateLimited {
		t.Fatalf("51st submission status = %s, want rate_limited", out.Status)
	}
	if out.RetryAfterSeconds <= 0 {
		t.Errorf("RetryAfterSeconds = %d, want > 0", out.RetryAfterSeconds)
	}
	if !strings.Contains(out.LimitScope, "user") {
		t.Errorf("LimitScope = %q, want the per-user scope", out.LimitScope)
	}
	if h.store.createdCount() != 50 {
		t.Errorf("persisted notifications = %d, want 50", h.store.createdCount())
	}
}

func TestSubmit_CrossTenantRejected(t *testing.T) {
	h := newHarness(t, nil)

	req := userRequest(types.EventOrderUpdated, "Cross tenant probe", "body")
	req.TenantID = "t2"
	req.Context.Actor.Role = types.RoleAdmin
	req.Context.TargetTenantID = "t2"

	out, err := h.engine.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if out.Status != StatusRejected {
		t.Fatalf("status = %s, want rejected", out.Status)
	}
	found := false
	for _, v := range out.Violations {
		if v == guard.ViolationCrossTenant {
			found = true
		}
	}
	if !found {
		t.Errorf("violations = %v, want %s", out.Violations, guard.ViolationCrossTenant)
	}
	if h.store.createdCount() != 0 {
		t.Errorf("rejected submission must not be persisted")
	}
}

func TestSubmit_MissingAdapterIsPerChannelFailure(t *testing.T) {
	h := newHarness(t, nil)
	delete(h.engine.deps.Adapters, types.ChannelEmail)

	req := userRequest(types.EventOrderCancelled, "Order cancelled", "the order was cancelled")
	out, err := h.engine.Submit(context.Background(), req) // P2: in-app + email
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if out.Status != StatusPartiallyDelivered {
		t.Fatalf("status = %s, want partially_delivered", out.Status)
	}
	if out.Channels[types.ChannelInApp] != types.DeliveryStatusDelivered {
		t.Errorf("in-app = %s, want delivered", out.Channels[types.ChannelInApp])
	}
	if out.Channels[types.ChannelEmail] != types.DeliveryStatusFailed {
		t.Errorf("email = %s, want failed", out.Channels[types.ChannelEmail])
	}

	state := h.store.stateUpdates[out.NotificationID][types.ChannelEmail]
	if state == nil || !strings.Contains(state.Error, "no adapter") {
		t.Errorf("email state error = %+v, want missing-adapter error", state)
	}
	if h.audit.count(types.AuditActionChannelFailed) != 1 {
		t.Errorf("channel failure must be audited")
	}
}

func TestSubmit_AllChannelsFailing(t *testing.T) {
	h := newHarness(t, nil)
	h.adapters[types.ChannelInApp].err = errors.New("provider down")

	out, err := h.engine.Submit(context.Background(), userRequest(types.EventOrderUpdated, "Order update", "body"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if out.Status != StatusFailed {
		t.Fatalf("status = %s, want failed", out.Status)
	}
	if h.scheduler.calls != 0 {
		t.Errorf("reminders must not be scheduled on full failure")
	}
	if h.audit.last().Status != types.AuditStatusFailed {
		t.Errorf("last audit status = %s, want failed", h.audit.last().Status)
	}
}

func TestSubmit_RemindersScheduledForAckPriorities(t *testing.T) {
	h := newHarness(t, nil)

	out, err := h.engine.Submit(context.Background(), userRequest(types.EventPaymentFailed, "Payment failed", "the charge did not go through"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if out.Status != StatusDelivered {
		t.Fatalf("status = %s, want delivered", out.Status)
	}
	if out.Priority != types.PriorityP1 {
		t.Fatalf("priority = %s, want P1", out.Priority)
	}
	if h.scheduler.calls != 1 {
		t.Errorf("scheduler calls = %d, want 1", h.scheduler.calls)
	}
	if out.ReminderHandle == "" {
		t.Errorf("outcome missing reminder handle")
	}
	if h.audit.count(types.AuditActionRemindersScheduled) != 1 {
		t.Errorf("reminder scheduling must be audited")
	}
}

func TestSubmit_SchedulerFailureDoesNotFailPipeline(t *testing.T) {
	h := newHarness(t, nil)
	h.scheduler.err = errors.New("queue unavailable")

	out, err := h.engine.Submit(context.Background(), userRequest(types.EventPaymentFailed, "Payment failed", "charge declined"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if out.Status != StatusDelivered {
		t.Fatalf("status = %s, want delivered despite scheduler failure", out.Status)
	}
	if out.ReminderHandle != "" {
		t.Errorf("no handle expected on scheduler failure")
	}
}

func TestSubmit_PersistenceFailureIsPipelineError(t *testing.T) {
	h := newHarness(t, nil)
	h.store.createErr = errors.New("db down")

	_, err := h.engine.Submit(context.Background(), userRequest(types.EventOrderUpdated, "Order update", "body"))
	if err == nil {
		t.Fatal("expected error")
	}
	var appErr *types.AppError
	if !errors.As(err, &appErr) || appErr.Code != types.ErrCodeInternalPipeline {
		t.Fatalf("err = %v, want internal pipeline AppError", err)
	}
}

func TestSubmit_ExplicitRecipientsFanOut(t *testing.T) {
	h := newHarness(t, nil)

	req := userRequest(types.EventOrderUpdated, "Order update", "body")
	req.Context.Recipients = []string{"u1", "u2", "u3"}

	out, err := h.engine.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if out.Status != StatusDelivered {
		t.Fatalf("status = %s, want delivered", out.Status)
	}
	if got := h.adapters[types.ChannelInApp].delivered(); got != 3 {
		t.Errorf("in-app deliveries = %d, want one per recipient", got)
	}
}

func TestSubmit_ValidationErrors(t *testing.T) {
	h := newHarness(t, nil)

	cases := []struct {
		name string
		req  *Request
	}{
		{"nil context", &Request{EventType: types.EventOrderCreated, Title: "x"}},
		{"missing event type", &Request{Title: "x", Context: &types.RequestContext{}}},
		{"empty body", &Request{EventType: types.EventOrderCreated, Context: &types.RequestContext{}}},
	}
	for _, tc := range cases {
		if _, err := h.engine.Submit(context.Background(), tc.req); err == nil {
			t.Errorf("%s: expected validation error", tc.name)
		}
	}
}

func TestEnqueue_FullQueueRejects(t *testing.T) {
	h := newHarness(t, nil)
	eng := New(config.PipelineConfig{IntakeQueueSize: 1}, h.engine.deps)

	if err := eng.Enqueue(userRequest(types.EventOrderCreated, "a", "b")); err != nil {
		t.Fatalf("first Enqueue: %v", err)
	}
	err := eng.Enqueue(userRequest(types.EventOrderCreated, "a", "b"))
	if err == nil {
		t.Fatal("expected full-queue rejection")
	}
	var appErr *types.AppError
	if !errors.As(err, &appErr) || appErr.Code != types.ErrCodeRateLimit {
		t.Fatalf("err = %v, want rate-limit AppError", err)
	}
}

func TestDrainBatch_ProcessesQueued(t *testing.T) {
	h := newHarness(t, nil)

	for i := 0; i < 3; i++ {
		req := userRequest(types.EventOrderCreated, "Order placed", fmt.Sprintf("body %d", i))
		if err := h.engine.Enqueue(req); err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
	}
	h.engine.drainBatch(context.Background(), 10)

	if h.store.createdCount() != 3 {
		t.Errorf("created = %d, want 3", h.store.createdCount())
	}
	if h.engine.QueueDepth() != 0 {
		t.Errorf("queue depth = %d, want drained", h.engine.QueueDepth())
	}
}

func TestSubmit_DeliveredNeverReverts(t *testing.T) {
	h := newHarness(t, nil)

	req := userRequest(types.EventOrderUpdated, "Order update", "body")
	out, err := h.engine.Submit(context.Background(), req)
	if err != nil || out.Status != StatusDelivered {
		t.Fatalf("setup: status=%v err=%v", out, err)
	}

	// A later pass over the same notification must not reset a delivered
	// channel back to pending.
	n, _ := h.store.GetByID(context.Background(), out.NotificationID)
	got := h.engine.deliverChannel(context.Background(), n, types.ChannelInApp)
	if got != types.DeliveryStatusDelivered {
		t.Fatalf("state after retry = %s, want delivered preserved", got)
	}
	if h.adapters[types.ChannelInApp].delivered() != 1 {
		t.Errorf("delivered channel must not be re-sent")
	}
}
