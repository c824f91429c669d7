package types

import (
	"testing"
	"time"
)

func TestMoreSevere(t *testing.T) {
	cases := []struct {
		a, b, want Priority
	}{
		{PriorityP0, PriorityP3, PriorityP0},
		{PriorityP3, PriorityP0, PriorityP0},
		{PriorityP2, PriorityP2, PriorityP2},
		{PriorityP4, PriorityP1, PriorityP1},
		{"", PriorityP4, PriorityP4}, // unknown ranks below P4
	}
	for _, c := range cases {
		if got := MoreSevere(c.a, c.b); got != c.want {
			t.Errorf("MoreSevere(%q, %q) = %q, want %q", c.a, c.b, got, c.want)
		}
	}
}

func TestPriorityBump(t *testing.T) {
	if got := PriorityP3.Bump(-1); got != PriorityP2 {
		t.Errorf("P3 bumped up = %q, want P2", got)
	}
	if got := PriorityP0.Bump(-1); got != PriorityP0 {
		t.Errorf("P0 bumped up must stay P0, got %q", got)
	}
	if got := PriorityP4.Bump(1); got != PriorityP4 {
		t.Errorf("P4 bumped down must stay P4, got %q", got)
	}
	if got := PriorityP1.Bump(1); got != PriorityP2 {
		t.Errorf("P1 bumped down = %q, want P2", got)
	}
}

func TestPriorityRequiresAck(t *testing.T) {
	for _, p := range []Priority{PriorityP0, PriorityP1} {
		if !p.RequiresAck() {
			t.Errorf("%s must require ack", p)
		}
	}
	for _, p := range []Priority{PriorityP2, PriorityP3, PriorityP4} {
		if p.RequiresAck() {
			t.Errorf("%s must not require ack", p)
		}
	}
}

func TestSetExpiry_P0NeverExpires(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	n := &Notification{Priority: PriorityP0}
	n.SetExpiry(now)
	if n.ExpiresAt != nil {
		t.Fatalf("P0 notification must not expire, got %v", n.ExpiresAt)
	}

	n = &Notification{Priority: PriorityP3}
	n.SetExpiry(now)
	if n.ExpiresAt == nil {
		t.Fatal("P3 notification must carry an expiry")
	}
	if want := now.Add(24 * time.Hour); !n.ExpiresAt.Equal(want) {
		t.Errorf("P3 expiry = %v, want %v", n.ExpiresAt, want)
	}
}

func TestDedupWindow(t *testing.T) {
	if PriorityP0.DedupWindow() != 0 {
		t.Error("P0 must never deduplicate by time window")
	}
	if PriorityP2.DedupWindow() != 15*time.Minute {
		t.Errorf("P2 window = %v, want 15m", PriorityP2.DedupWindow())
	}
	if PriorityP4.DedupWindow() != 24*time.Hour {
		t.Errorf("P4 window = %v, want 24h", PriorityP4.DedupWindow())
	}
}

func TestSelectedChannels_DeterministicOrder(t *testing.T) {
	n := &Notification{
		Channels: map[ChannelType]*ChannelState{
			ChannelPush:  {Selected: true},
			ChannelInApp: {Selected: true},
			ChannelSMS:   {Selected: false},
			ChannelEmail: {Selected: true},
		},
	}
	got := n.SelectedChannels()
	want := []ChannelType{ChannelInApp, ChannelEmail, ChannelPush}
	if len(got) != len(want) {
		t.Fatalf("selected = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("selected = %v, want %v", got, want)
		}
	}
}
