package classify

import (
	"context"
	"sync"
	"testing"

	"relaypoint/internal/config"
	"relaypoint/internal/types"
)

// recordingAudit captures audit entries for assertions.
type recordingAudit struct {
	mu      sync.Mutex
	entries []*types.AuditLogEntry
}

func (a *recordingAudit) Log(e *types.AuditLogEntry) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, e)
}

func (a *recordingAudit) last() *types.AuditLogEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.entries) == 0 {
		return nil
	}
	return a.entries[len(a.entries)-1]
}

type nopLogger struct{}

func (nopLogger) Info(string, ...any)      {}
func (nopLogger) Error(string, ...any)     {}
func (nopLogger) Warn(string, ...any)      {}
func (nopLogger) With(...any) types.Logger { return nopLogger{} }

func newTestClassifier(audit AuditLogger) *Classifier {
	return New(config.DefaultPolicy().Classifier, audit, nopLogger{})
}

func TestClassify_ExplicitOverride(t *testing.T) {
	audit := &recordingAudit{}
	c := newTestClassifier(audit)

	res := c.Classify(context.Background(), types.EventSecurityBreach, "Breach", "details", nil, nil)
	if res.Priority != types.PriorityP0 {
		t.Errorf("security_breach = %s, want P0", res.Priority)
	}
	if res.Method != MethodOverride {
		t.Errorf("method = %s, want %s", res.Method, MethodOverride)
	}
	if audit.last() == nil || audit.last().Action != types.AuditActionClassified {
		t.Error("classification not audited")
	}
}

func TestClassify_PaymentMismatchIsP0(t *testing.T) {
	c := newTestClassifier(&recordingAudit{})

	res := c.Classify(context.Background(), types.EventPaymentMismatch, "Payment mismatch", "order 42", nil, nil)
	if res.Priority != types.PriorityP0 {
		t.Errorf("payment_mismatch = %s, want P0", res.Priority)
	}
}

func TestClassify_ContextualOverrideFallsThrough(t *testing.T) {
	c := newTestClassifier(&recordingAudit{})

	// order_cancelled has a nil override entry: tier logic applies (P2 tier
	// event list).
	res := c.Classify(context.Background(), types.EventOrderCancelled, "Order cancelled", "", nil, nil)
	if res.Priority != types.PriorityP2 {
		t.Errorf("order_cancelled = %s, want P2", res.Priority)
	}
	if res.Method != MethodLogic {
		t.Errorf("method = %s, want %s", res.Method, MethodLogic)
	}
}

func TestClassify_KeywordMatch(t *testing.T) {
	c := newTestClassifier(&recordingAudit{})

	res := c.Classify(context.Background(), types.EventType("custom_event"), "Unauthorized access attempt", "", nil, nil)
	if res.Priority != types.PriorityP0 {
		t.Errorf("keyword 'unauthorized' = %s, want P0", res.Priority)
	}
}

func TestClassify_AmountThreshold(t *testing.T) {
	c := newTestClassifier(&recordingAudit{})

	res := c.Classify(context.Background(), types.EventType("custom_event"), "Invoice", "",
		types.Metadata{"amount": 15000.0}, nil)
	if res.Priority != types.PriorityP1 {
		t.Errorf("amount 15000 = %s, want P1", res.Priority)
	}
}

func TestClassify_AudienceDefaults(t *testing.T) {
	c := newTestClassifier(&recordingAudit{})
	ctx := context.Background()

	cases := []struct {
		name string
		rc   *types.RequestContext
		want types.Priority
	}{
		{"user facing", &types.RequestContext{UserFacing: true}, types.PriorityP3},
		{"system only", &types.RequestContext{SystemOnly: true}, types.PriorityP4},
		{"admin only", &types.RequestContext{AdminOnly: true}, types.PriorityP2},
		{"no context", nil, types.PriorityP3},
		{"no flags", &types.RequestContext{}, types.PriorityP3},
	}
	for _, tc := range cases {
		res := c.Classify(ctx, types.EventType("unmapped_event"), "plain", "plain", nil, tc.rc)
		if res.Priority != tc.want {
			t.Errorf("%s: priority = %s, want %s", tc.name, res.Priority, tc.want)
		}
		if res.Method != MethodDefault {
			t.Errorf("%s: method = %s, want %s", tc.name, res.Method, MethodDefault)
		}
	}
}

func TestClassify_RoleAdjustment(t *testing.T) {
	c := newTestClassifier(&recordingAudit{})

	// Staff receiving order events get P3 even if the tier said otherwise.
	res := c.Classify(context.Background(), types.EventOrderCancelled, "Order cancelled", "",
		nil, &types.RequestContext{RecipientRole: types.RoleStaff})
	if res.Priority != types.PriorityP3 {
		t.Errorf("staff order event = %s, want P3", res.Priority)
	}
}

func TestClassify_ContextualModifiers(t *testing.T) {
	c := newTestClassifier(&recordingAudit{})
	ctx := context.Background()

	// Time-sensitive bumps P3->P2.
	res := c.Classify(ctx, types.EventOrderUpdated, "Order updated", "", nil,
		&types.RequestContext{TimeSensitive: true})
	if res.Priority != types.PriorityP2 {
		t.Errorf("time-sensitive order_updated = %s, want P2", res.Priority)
	}

	// Bumps floor at P0.
	res = c.Classify(ctx, types.EventSecurityBreach, "Breach", "", nil,
		&types.RequestContext{TimeSensitive: true, HighValue: true, Repeat: true})
	if res.Priority != types.PriorityP0 {
		t.Errorf("stacked bumps on P0 = %s, want P0", res.Priority)
	}

	// Off-hours lowers P2->P3.
	res = c.Classify(ctx, types.EventOrderCancelled, "Order cancelled", "", nil,
		&types.RequestContext{OffHours: true})
	if res.Priority != types.PriorityP3 {
		t.Errorf("off-hours order_cancelled = %s, want P3", res.Priority)
	}

	// Off-hours never lowers P0 or P1.
	res = c.Classify(ctx, types.EventPaymentFailed, "Payment failed", "", nil,
		&types.RequestContext{OffHours: true})
	if res.Priority != types.PriorityP1 {
		t.Errorf("off-hours payment_failed = %s, want P1", res.Priority)
	}
}

func TestClassify_EmptyPolicyUsesAudienceDefault(t *testing.T) {
	c := New(config.ClassifierPolicy{}, &recordingAudit{}, nopLogger{})

	res := c.Classify(context.Background(), types.EventType("x"), "t", "m", nil, nil)
	if res.Priority != types.PriorityP3 {
		t.Errorf("empty policy = %s, want P3 default", res.Priority)
	}
	if res.Method != MethodDefault {
		t.Errorf("method = %s, want %s", res.Method, MethodDefault)
	}
}

func TestClassify_ReloadSwapsPolicy(t *testing.T) {
	c := newTestClassifier(&recordingAudit{})

	p4 := types.PriorityP4
	c.Reload(config.ClassifierPolicy{
		Overrides: map[types.EventType]*types.Priority{
			types.EventSecurityBreach: &p4,
		},
	})

	res := c.Classify(context.Background(), types.EventSecurityBreach, "Breach", "", nil, nil)
	if res.Priority != types.PriorityP4 {
		t.Errorf("reloaded override = %s, want P4", res.Priority)
	}
}
