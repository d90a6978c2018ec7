package registry

import (
	"testing"
)

func TestTransitionTable(t *testing.T) {
	legal := []struct {
		from State
		to   State
	}{
		{New, PendingVerification},
		{PendingVerification, Verified},
		{Verified, Provisioned},
		{Provisioned, Active},
		{Provisioned, Verified}, // rollback after a failed tunnel
		{Active, Suspended},
		{Suspended, Active},
		{New, Removed},
		{PendingVerification, Removed},
		{Verified, Removed},
		{Provisioned, Removed},
		{Active, Removed},
		{Suspended, Removed},
	}
	for _, tr := range legal {
		if !ValidTransition(tr.from, tr.to) {
			t.Errorf("%v -> %v should be legal", tr.from, tr.to)
		}
	}

	illegal := []struct {
		from State
		to   State
	}{
		{New, Verified},
		{New, Active},
		{PendingVerification, Provisioned},
		{Verified, Active},
		{Active, Verified},
		{Suspended, Provisioned},
		{Removed, Active},
		{Removed, Removed},
	}
	for _, tr := range illegal {
		if ValidTransition(tr.from, tr.to) {
			t.Errorf("%v -> %v should be illegal", tr.from, tr.to)
		}
	}
}

func TestTransitionRejectsIllegalMove(t *testing.T) {
	c := NewClient("+15555550100")

	if err := c.Transition(Active); err == nil {
		t.Fatal("New -> Active should be rejected")
	}
	if c.State != New {
		t.Fatalf("failed transition should not change state, got %v", c.State)
	}
}

func TestRemovalClearsResources(t *testing.T) {
	c := NewClient("+15555550100")
	c.State = Suspended
	c.MeshIP = "10.70.0.4"
	c.Subnets = []string{"10.70.0.4/32"}
	c.Code = "123456"

	if err := c.Transition(Removed); err != nil {
		t.Fatal(err)
	}

	if c.MeshIP != "" {
		t.Fatalf("removal should release the address, still holding %s", c.MeshIP)
	}
	if len(c.Subnets) != 0 {
		t.Fatalf("removal should clear subnets, still holding %v", c.Subnets)
	}
	if c.Contact != "" {
		t.Fatal("removal should clear the contact binding")
	}
	if c.Code != "" {
		t.Fatal("removal should clear the verification code")
	}
}

func TestSuspendedAtTracking(t *testing.T) {
	c := NewClient("+15555550100")
	c.State = Active

	if err := c.Transition(Suspended); err != nil {
		t.Fatal(err)
	}
	if c.SuspendedAt.IsZero() {
		t.Fatal("entering Suspended should record the time")
	}

	if err := c.Transition(Active); err != nil {
		t.Fatal(err)
	}
	if !c.SuspendedAt.IsZero() {
		t.Fatal("leaving Suspended should clear the time")
	}
}

func TestClientMarshalRoundTrip(t *testing.T) {
	c := NewClient("+15555550100")
	c.State = Active
	c.MeshIP = "10.70.0.4"
	c.Subnets = []string{"10.70.0.4/32"}
	c.Debt = 42
	c.Version = 7

	data, err := c.Marshal()
	if err != nil {
		t.Fatal(err)
	}

	got := new(Client)
	if err := got.Unmarshal(data); err != nil {
		t.Fatal(err)
	}

	if got.ID != c.ID ||
		got.State != c.State ||
		got.MeshIP != c.MeshIP ||
		got.Debt != c.Debt ||
		got.Version != c.Version {
		t.Fatalf("round trip mismatch: %+v != %+v", got, c)
	}
}

func TestParseState(t *testing.T) {
	for _, s := range []State{New, PendingVerification, Verified, Provisioned, Active, Suspended, Removed} {
		got, ok := ParseState(s.String())
		if !ok || got != s {
			t.Errorf("ParseState(%q) = %v, %v", s.String(), got, ok)
		}
	}
	if _, ok := ParseState("Gossiping"); ok {
		t.Error("unknown state should not parse")
	}
}
