package mesh

import (
	"testing"

	cm "github.com/telamesh/exitd/src/common"
	"github.com/telamesh/exitd/src/registry"
)

func TestAdvertiseAndWithdraw(t *testing.T) {
	daemon := NewInmemDaemon()
	adv := NewAdvertiser(daemon, cm.NewTestEntry(t))

	c := registry.NewClient("+15555550100")
	c.Subnets = []string{"10.0.0.4/32"}

	if err := adv.Advertise(c); err != nil {
		t.Fatal(err)
	}
	if !daemon.Advertised("10.0.0.4/32") {
		t.Fatal("subnet should be advertised")
	}

	// re-advertising is harmless
	if err := adv.Advertise(c); err != nil {
		t.Fatal(err)
	}

	if err := adv.Withdraw(c); err != nil {
		t.Fatal(err)
	}
	if daemon.Advertised("10.0.0.4/32") {
		t.Fatal("subnet should be withdrawn")
	}
}

func TestAdvertiseFailure(t *testing.T) {
	daemon := NewInmemDaemon()
	daemon.SetFail(true)
	adv := NewAdvertiser(daemon, cm.NewTestEntry(t))

	c := registry.NewClient("+15555550100")
	c.Subnets = []string{"10.0.0.4/32"}

	err := adv.Advertise(c)
	if !cm.Is(err, cm.RoutingFailure) {
		t.Fatalf("daemon refusal should surface as RoutingFailure, got %v", err)
	}
}
