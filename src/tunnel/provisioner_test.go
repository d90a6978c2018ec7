package tunnel

import (
	"testing"

	cm "github.com/telamesh/exitd/src/common"
)

func TestProvisionIdempotent(t *testing.T) {
	kernel := NewInmemKernel()
	p := NewProvisioner(kernel, cm.NewTestEntry(t))

	if err := p.Provision("c1", "10.0.0.4", "pubkey1"); err != nil {
		t.Fatal(err)
	}
	if err := p.Provision("c1", "10.0.0.4", "pubkey1"); err != nil {
		t.Fatal(err)
	}

	if kernel.Creates() != 1 {
		t.Fatalf("identical repeat call should not touch the kernel, got %d creates", kernel.Creates())
	}
	if !p.Provisioned("c1") {
		t.Fatal("client should have a live tunnel")
	}
}

func TestProvisionReplacesOnChangedParams(t *testing.T) {
	kernel := NewInmemKernel()
	p := NewProvisioner(kernel, cm.NewTestEntry(t))

	if err := p.Provision("c1", "10.0.0.4", "pubkey1"); err != nil {
		t.Fatal(err)
	}
	if err := p.Provision("c1", "10.0.0.4", "pubkey2"); err != nil {
		t.Fatal(err)
	}

	if kernel.Destroys() != 1 {
		t.Fatalf("changed params should tear down the prior tunnel, got %d destroys", kernel.Destroys())
	}
	if kernel.Creates() != 2 {
		t.Fatalf("changed params should create a new tunnel, got %d creates", kernel.Creates())
	}
}

func TestProvisionKernelFailure(t *testing.T) {
	kernel := NewInmemKernel()
	kernel.SetFail(true)
	p := NewProvisioner(kernel, cm.NewTestEntry(t))

	err := p.Provision("c1", "10.0.0.4", "pubkey1")
	if !cm.Is(err, cm.KernelFailure) {
		t.Fatalf("kernel refusal should surface as KernelFailure, got %v", err)
	}
	if p.Provisioned("c1") {
		t.Fatal("failed provision should not leave a tunnel on record")
	}
}

func TestDeprovision(t *testing.T) {
	kernel := NewInmemKernel()
	p := NewProvisioner(kernel, cm.NewTestEntry(t))

	// deprovisioning a client with no tunnel is a no-op
	if err := p.Deprovision("c1"); err != nil {
		t.Fatal(err)
	}
	if kernel.Destroys() != 0 {
		t.Fatal("no-op deprovision should not touch the kernel")
	}

	if err := p.Provision("c1", "10.0.0.4", "pubkey1"); err != nil {
		t.Fatal(err)
	}
	if err := p.Deprovision("c1"); err != nil {
		t.Fatal(err)
	}
	if p.Provisioned("c1") {
		t.Fatal("deprovisioned client should have no tunnel")
	}
	if kernel.Destroys() != 1 {
		t.Fatalf("expected 1 destroy, got %d", kernel.Destroys())
	}
}
