package tunnel

import (
	"sync"

	"github.com/sirupsen/logrus"
	cm "github.com/telamesh/exitd/src/common"
)

// Kernel is the narrow interface onto the kernel network-interface
// collaborator that owns tunnel devices. Everything below it, device
// naming and key handling included, is out of the controller's hands.
type Kernel interface {
	CreateTunnel(address string, publicKey string) error
	DestroyTunnel(clientID string) error
}

// params are what a tunnel is keyed on. Same params, same tunnel.
type params struct {
	address   string
	publicKey string
}

// Provisioner creates and destroys point-to-point tunnels. Provision is
// idempotent: repeating a call with identical parameters is a no-op
// success, while changed parameters tear the previous tunnel down first.
// The applied-params cache only short-circuits kernel calls; the registry
// stays the source of truth for who should have a tunnel.
type Provisioner struct {
	sync.Mutex

	kernel  Kernel
	applied map[string]params // client id => last applied params
	logger  *logrus.Entry
}

// NewProvisioner ...
func NewProvisioner(kernel Kernel, logger *logrus.Entry) *Provisioner {
	return &Provisioner{
		kernel:  kernel,
		applied: make(map[string]params),
		logger:  logger,
	}
}

// Provision ensures a tunnel exists for the client with exactly the given
// address and public key. Kernel refusals surface as KernelFailure; the
// caller rolls the client back so it never holds an address with no
// working tunnel.
func (p *Provisioner) Provision(clientID string, address string, publicKey string) error {
	p.Lock()
	defer p.Unlock()

	want := params{address: address, publicKey: publicKey}

	if have, ok := p.applied[clientID]; ok {
		if have == want {
			p.logger.WithField("client", clientID).Debug("Tunnel already provisioned")
			return nil
		}
		// parameters changed; replace the device
		if err := p.kernel.DestroyTunnel(clientID); err != nil {
			return cm.NewCoreErr("Tunnel", cm.KernelFailure, clientID)
		}
		delete(p.applied, clientID)
	}

	if err := p.kernel.CreateTunnel(address, publicKey); err != nil {
		p.logger.WithFields(logrus.Fields{
			"client":  clientID,
			"address": address,
		}).WithError(err).Error("Creating tunnel")

		return cm.NewCoreErr("Tunnel", cm.KernelFailure, clientID)
	}

	p.applied[clientID] = want

	p.logger.WithFields(logrus.Fields{
		"client":  clientID,
		"address": address,
	}).Debug("Tunnel provisioned")

	return nil
}

// Deprovision removes the client's tunnel device. Deprovisioning a client
// with no tunnel is a no-op.
func (p *Provisioner) Deprovision(clientID string) error {
	p.Lock()
	defer p.Unlock()

	if _, ok := p.applied[clientID]; !ok {
		return nil
	}

	if err := p.kernel.DestroyTunnel(clientID); err != nil {
		p.logger.WithField("client", clientID).WithError(err).Error("Destroying tunnel")

		return cm.NewCoreErr("Tunnel", cm.KernelFailure, clientID)
	}

	delete(p.applied, clientID)

	p.logger.WithField("client", clientID).Debug("Tunnel deprovisioned")

	return nil
}

// Provisioned says whether the provisioner has a live tunnel for the
// client.
func (p *Provisioner) Provisioned(clientID string) bool {
	p.Lock()
	defer p.Unlock()
	_, ok := p.applied[clientID]
	return ok
}
