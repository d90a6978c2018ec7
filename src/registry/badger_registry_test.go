package registry

import (
	"testing"

	cm "github.com/telamesh/exitd/src/common"
)

func initBadgerRegistry(t *testing.T) *BadgerRegistry {
	reg, err := NewBadgerRegistry(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return reg
}

func TestBadgerCreateAndGet(t *testing.T) {
	reg := initBadgerRegistry(t)
	defer reg.Close()

	c := NewClient("+15555550100")
	if err := reg.Create(c); err != nil {
		t.Fatal(err)
	}

	got, err := reg.Get(c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Contact != c.Contact {
		t.Fatalf("Contact should be %s, not %s", c.Contact, got.Contact)
	}

	byContact, err := reg.GetByContact(c.Contact)
	if err != nil {
		t.Fatal(err)
	}
	if byContact.ID != c.ID {
		t.Fatalf("GetByContact should return %s, not %s", c.ID, byContact.ID)
	}

	err = reg.Create(NewClient("+15555550100"))
	if !cm.Is(err, cm.AlreadyRegistered) {
		t.Fatalf("bound contact should fail with AlreadyRegistered, got %v", err)
	}
}

func TestBadgerConflictCheckedUpdate(t *testing.T) {
	reg := initBadgerRegistry(t)
	defer reg.Close()

	c := NewClient("+15555550100")
	if err := reg.Create(c); err != nil {
		t.Fatal(err)
	}

	first, _ := reg.Get(c.ID)
	second, _ := reg.Get(c.ID)

	first.Debt = 10
	if err := reg.Update(first); err != nil {
		t.Fatal(err)
	}

	second.Debt = 20
	err := reg.Update(second)
	if !cm.Is(err, cm.Conflict) {
		t.Fatalf("stale update should fail with Conflict, got %v", err)
	}

	fresh, _ := reg.Get(c.ID)
	if fresh.Debt != 10 {
		t.Fatalf("first update should have won, got debt %d", fresh.Debt)
	}
}

func TestBadgerPersistence(t *testing.T) {
	path := t.TempDir()

	reg, err := NewBadgerRegistry(path)
	if err != nil {
		t.Fatal(err)
	}

	c := NewClient("+15555550100")
	if err := reg.Create(c); err != nil {
		t.Fatal(err)
	}
	c.Transition(PendingVerification)
	c.Transition(Verified)
	c.MeshIP = "10.70.0.2"
	c.Subnets = []string{"10.70.0.2/32"}
	c.Transition(Provisioned)
	if err := reg.Update(c); err != nil {
		t.Fatal(err)
	}
	if err := reg.Close(); err != nil {
		t.Fatal(err)
	}

	// records, and with them address allocations, survive a restart
	reg2, err := NewBadgerRegistry(path)
	if err != nil {
		t.Fatal(err)
	}
	defer reg2.Close()

	got, err := reg2.Get(c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != Provisioned {
		t.Fatalf("State should be %v, not %v", Provisioned, got.State)
	}
	if got.MeshIP != "10.70.0.2" {
		t.Fatalf("MeshIP should be 10.70.0.2, not %s", got.MeshIP)
	}
	if got.Version != c.Version {
		t.Fatalf("Version should be %d, not %d", c.Version, got.Version)
	}
}

func TestBadgerRemovalClearsContactBinding(t *testing.T) {
	reg := initBadgerRegistry(t)
	defer reg.Close()

	c := NewClient("+15555550100")
	if err := reg.Create(c); err != nil {
		t.Fatal(err)
	}
	c.Transition(PendingVerification)
	if err := reg.Update(c); err != nil {
		t.Fatal(err)
	}
	if err := c.Transition(Removed); err != nil {
		t.Fatal(err)
	}
	if err := reg.Update(c); err != nil {
		t.Fatal(err)
	}

	if _, err := reg.GetByContact("+15555550100"); !cm.Is(err, cm.NotFound) {
		t.Fatalf("removed client should not be found by contact, got %v", err)
	}

	if err := reg.Create(NewClient("+15555550100")); err != nil {
		t.Fatal(err)
	}
}

func TestBadgerAddressUniqueness(t *testing.T) {
	reg := initBadgerRegistry(t)
	defer reg.Close()

	a := NewClient("+15555550100")
	b := NewClient("+15555550101")
	for _, c := range []*Client{a, b} {
		if err := reg.Create(c); err != nil {
			t.Fatal(err)
		}
	}

	a.MeshIP = "10.70.0.2"
	if err := reg.Update(a); err != nil {
		t.Fatal(err)
	}

	b.MeshIP = "10.70.0.2"
	if err := reg.Update(b); !cm.Is(err, cm.Conflict) {
		t.Fatalf("second holder of an address should fail with Conflict, got %v", err)
	}

	b.MeshIP = "10.70.0.3"
	if err := reg.Update(b); err != nil {
		t.Fatal(err)
	}

	// releasing the address frees it for the next holder
	a.MeshIP = ""
	if err := reg.Update(a); err != nil {
		t.Fatal(err)
	}
	c := NewClient("+15555550102")
	if err := reg.Create(c); err != nil {
		t.Fatal(err)
	}
	c.MeshIP = "10.70.0.2"
	if err := reg.Update(c); err != nil {
		t.Fatal(err)
	}
}

func TestBadgerListByState(t *testing.T) {
	reg := initBadgerRegistry(t)
	defer reg.Close()

	a := NewClient("+15555550100")
	b := NewClient("+15555550101")
	for _, c := range []*Client{a, b} {
		if err := reg.Create(c); err != nil {
			t.Fatal(err)
		}
	}
	a.Transition(PendingVerification)
	if err := reg.Update(a); err != nil {
		t.Fatal(err)
	}

	pending, err := reg.ListByState(PendingVerification)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].ID != a.ID {
		t.Fatalf("expected only %s in PendingVerification", a.ID)
	}
}

func TestBadgerDelete(t *testing.T) {
	reg := initBadgerRegistry(t)
	defer reg.Close()

	c := NewClient("+15555550100")
	if err := reg.Create(c); err != nil {
		t.Fatal(err)
	}
	if err := reg.Delete(c.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := reg.Get(c.ID); !cm.Is(err, cm.NotFound) {
		t.Fatalf("deleted client should not be found, got %v", err)
	}
	if _, err := reg.GetByContact(c.Contact); !cm.Is(err, cm.NotFound) {
		t.Fatalf("deleted client should not be indexed by contact, got %v", err)
	}
}
