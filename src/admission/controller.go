package admission

import (
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	cm "github.com/telamesh/exitd/src/common"
	"github.com/telamesh/exitd/src/mesh"
	"github.com/telamesh/exitd/src/registry"
	"github.com/telamesh/exitd/src/tunnel"
	"github.com/telamesh/exitd/src/verify"
)

// updateRetries bounds how often a lost update race is retried before the
// Conflict is surfaced. Races are per-client, so a handful is plenty.
const updateRetries = 10

// Controller sequences the verifier, allocator, provisioner and advertiser
// around the client state machine.
type Controller struct {
	reg         registry.Registry
	verifier    *verify.Verifier
	allocator   *mesh.Allocator
	provisioner *tunnel.Provisioner
	advertiser  *mesh.Advertiser

	// suspendTeardown selects the suspension policy: true deprovisions the
	// tunnel device along with the route, false only withdraws the route.
	suspendTeardown bool

	logger *logrus.Entry
}

// NewController ...
func NewController(
	reg registry.Registry,
	verifier *verify.Verifier,
	allocator *mesh.Allocator,
	provisioner *tunnel.Provisioner,
	advertiser *mesh.Advertiser,
	suspendTeardown bool,
	logger *logrus.Entry,
) *Controller {
	return &Controller{
		reg:             reg,
		verifier:        verifier,
		allocator:       allocator,
		provisioner:     provisioner,
		advertiser:      advertiser,
		suspendTeardown: suspendTeardown,
		logger:          logger,
	}
}

// Register handles first contact. An unbound contact gets a new
// PendingVerification record and a code; a client still waiting on a code
// gets a fresh one, subject to the cooldown; anything further along is
// AlreadyRegistered.
func (ctrl *Controller) Register(contact string, publicKey string) error {
	for attempt := 0; attempt < updateRetries; attempt++ {
		c, err := ctrl.reg.GetByContact(contact)

		if err != nil {
			if !cm.Is(err, cm.NotFound) {
				return err
			}

			c = registry.NewClient(contact)
			c.PublicKey = publicKey

			if err := ctrl.reg.Create(c); err != nil {
				// a concurrent register for the same contact won the race
				return err
			}
		} else {
			if c.State != registry.New && c.State != registry.PendingVerification {
				return cm.NewCoreErr("Client", cm.AlreadyRegistered, contact)
			}
			if publicKey != "" {
				c.PublicKey = publicKey
			}
		}

		if err := ctrl.verifier.RequestCode(c); err != nil {
			return err
		}

		if c.State == registry.New {
			if err := c.Transition(registry.PendingVerification); err != nil {
				return err
			}
		}
		c.LastSeen = time.Now().UTC()

		if err := ctrl.reg.Update(c); err != nil {
			if cm.Is(err, cm.Conflict) {
				continue
			}
			return err
		}

		ctrl.logger.WithFields(logrus.Fields{
			"client":  c.ID,
			"contact": contact,
		}).Info("Verification code issued")

		return nil
	}

	return cm.NewCoreErr("Client", cm.Conflict, contact)
}

// Verify checks a submitted code and, on success, drives the client all
// the way to Active: allocate the lowest free address, provision the
// tunnel, advertise the routes. Each step is persisted before the next
// begins; any failure past Verified rolls the client back to Verified with
// no address held.
func (ctrl *Controller) Verify(contact string, code string) (*registry.Client, error) {
	var c *registry.Client

	for attempt := 0; attempt < updateRetries; attempt++ {
		var err error
		c, err = ctrl.reg.GetByContact(contact)
		if err != nil {
			if cm.Is(err, cm.NotFound) {
				return nil, cm.NewCoreErr("Code", cm.NotFound, contact)
			}
			return nil, err
		}

		if c.HasAddress() {
			// already past verification; nothing to redo
			return c, nil
		}

		if c.State == registry.Verified {
			// a previous activation failed after the code was consumed. An
			// empty code retries provisioning; anything else cannot be
			// checked against the record and is rejected
			if code != "" {
				return nil, cm.NewCoreErr("Code", cm.Mismatch, contact)
			}
			return ctrl.activate(c)
		}

		if err := ctrl.verifier.CheckCode(c, code); err != nil {
			return nil, err
		}

		if err := c.Transition(registry.Verified); err != nil {
			return nil, err
		}
		c.LastSeen = time.Now().UTC()

		if err := ctrl.reg.Update(c); err != nil {
			if cm.Is(err, cm.Conflict) {
				continue
			}
			return nil, err
		}

		ctrl.logger.WithFields(logrus.Fields{
			"client":  c.ID,
			"contact": contact,
		}).Info("Client verified")

		return ctrl.activate(c)
	}

	return nil, cm.NewCoreErr("Client", cm.Conflict, contact)
}

// activate takes a Verified client to Active. The address pick and the
// Provisioned transition are persisted in one conflict-checked update; a
// lost race re-reads and re-picks rather than reusing the stale choice.
func (ctrl *Controller) activate(c *registry.Client) (*registry.Client, error) {
	for attempt := 0; attempt < updateRetries; attempt++ {
		address, err := ctrl.allocator.NextFree()
		if err != nil {
			return nil, err
		}

		c.MeshIP = address
		c.Subnets = []string{mesh.HostSubnet(address)}
		if err := c.Transition(registry.Provisioned); err != nil {
			return nil, err
		}

		if err := ctrl.reg.Update(c); err != nil {
			if cm.Is(err, cm.Conflict) {
				fresh, ferr := ctrl.reg.Get(c.ID)
				if ferr != nil {
					return nil, ferr
				}
				c = fresh
				continue
			}
			return nil, err
		}

		ctrl.logger.WithFields(logrus.Fields{
			"client":  c.ID,
			"address": address,
		}).Info("Address allocated")

		if err := ctrl.provisioner.Provision(c.ID, address, c.PublicKey); err != nil {
			ctrl.rollbackToVerified(c)
			return nil, err
		}

		if err := ctrl.advertiser.Advertise(c); err != nil {
			ctrl.provisioner.Deprovision(c.ID)
			ctrl.rollbackToVerified(c)
			return nil, err
		}

		if err := ctrl.transition(c, registry.Active); err != nil {
			return nil, err
		}

		ctrl.logger.WithFields(logrus.Fields{
			"client":  c.ID,
			"address": address,
		}).Info("Client active")

		return c, nil
	}

	return nil, cm.NewCoreErr("Client", cm.Conflict, c.ID)
}

// rollbackToVerified releases the address and returns the client to
// Verified after a failed provisioning step, so a client never holds an
// address with no working tunnel.
func (ctrl *Controller) rollbackToVerified(c *registry.Client) {
	c.MeshIP = ""
	c.Subnets = nil
	if err := c.Transition(registry.Verified); err != nil {
		ctrl.logger.WithField("client", c.ID).WithError(err).Error("Rolling back")
		return
	}
	if err := ctrl.reg.Update(c); err != nil {
		ctrl.logger.WithField("client", c.ID).WithError(err).Error("Persisting rollback")
	}
}

// Status returns the client record and refreshes its last-contact
// timestamp. A lost race on the timestamp is ignored; the next contact
// refreshes it again.
func (ctrl *Controller) Status(clientID string) (*registry.Client, error) {
	c, err := ctrl.reg.Get(clientID)
	if err != nil {
		return nil, err
	}

	touched := c.Copy()
	touched.LastSeen = time.Now().UTC()
	if err := ctrl.reg.Update(touched); err == nil {
		return touched, nil
	}

	return c, nil
}

// SuspendClient cuts an Active client off: withdraw its routes and, when
// the teardown policy says so, remove its tunnel device. It keeps its
// address either way so resuming is cheap.
func (ctrl *Controller) SuspendClient(clientID string) error {
	for attempt := 0; attempt < updateRetries; attempt++ {
		c, err := ctrl.reg.Get(clientID)
		if err != nil {
			return err
		}
		if c.State != registry.Active {
			return nil
		}

		if err := ctrl.advertiser.Withdraw(c); err != nil {
			// routes are still up; stay Active and let the next cycle retry
			return err
		}

		if ctrl.suspendTeardown {
			if err := ctrl.provisioner.Deprovision(c.ID); err != nil {
				ctrl.logger.WithField("client", c.ID).WithError(err).Error("Suspend teardown")
			}
		}

		if err := c.Transition(registry.Suspended); err != nil {
			return err
		}
		if err := ctrl.reg.Update(c); err != nil {
			if cm.Is(err, cm.Conflict) {
				// someone else moved the client; routes were withdrawn, so
				// re-advertise if it turns out to still be Active
				ctrl.repairAdvertisement(clientID)
				continue
			}
			return err
		}

		ctrl.logger.WithField("client", c.ID).Info("Client suspended")
		return nil
	}

	return cm.NewCoreErr("Client", cm.Conflict, clientID)
}

// ResumeClient brings a Suspended client back: re-provision the tunnel if
// the suspension tore it down, re-advertise, go Active. The address never
// changed while Suspended.
func (ctrl *Controller) ResumeClient(clientID string) error {
	for attempt := 0; attempt < updateRetries; attempt++ {
		c, err := ctrl.reg.Get(clientID)
		if err != nil {
			return err
		}
		if c.State != registry.Suspended {
			return nil
		}

		if !ctrl.provisioner.Provisioned(c.ID) {
			if err := ctrl.provisioner.Provision(c.ID, c.MeshIP, c.PublicKey); err != nil {
				return err
			}
		}

		if err := ctrl.advertiser.Advertise(c); err != nil {
			return err
		}

		if err := c.Transition(registry.Active); err != nil {
			return err
		}
		if err := ctrl.reg.Update(c); err != nil {
			if cm.Is(err, cm.Conflict) {
				ctrl.repairAdvertisement(clientID)
				continue
			}
			return err
		}

		ctrl.logger.WithField("client", c.ID).Info("Client resumed")
		return nil
	}

	return cm.NewCoreErr("Client", cm.Conflict, clientID)
}

// RemoveClient decommissions a client from any state: withdraw routes,
// destroy the tunnel, release the address, clear the contact binding.
func (ctrl *Controller) RemoveClient(clientID string) error {
	for attempt := 0; attempt < updateRetries; attempt++ {
		c, err := ctrl.reg.Get(clientID)
		if err != nil {
			return err
		}
		if c.State == registry.Removed {
			return nil
		}

		if c.State == registry.Active {
			if err := ctrl.advertiser.Withdraw(c); err != nil {
				return err
			}
		}

		if err := ctrl.provisioner.Deprovision(c.ID); err != nil {
			ctrl.logger.WithField("client", c.ID).WithError(err).Error("Removing tunnel")
		}

		if err := c.Transition(registry.Removed); err != nil {
			return err
		}
		if err := ctrl.reg.Update(c); err != nil {
			if cm.Is(err, cm.Conflict) {
				continue
			}
			return err
		}

		ctrl.logger.WithField("client", clientID).Info("Client removed")
		return nil
	}

	return cm.NewCoreErr("Client", cm.Conflict, clientID)
}

// RecordDebt refreshes the cached debt snapshot on the client record.
func (ctrl *Controller) RecordDebt(clientID string, debt int64) error {
	for attempt := 0; attempt < updateRetries; attempt++ {
		c, err := ctrl.reg.Get(clientID)
		if err != nil {
			return err
		}
		if c.Debt == debt {
			return nil
		}
		c.Debt = debt
		if err := ctrl.reg.Update(c); err != nil {
			if cm.Is(err, cm.Conflict) {
				continue
			}
			return err
		}
		return nil
	}
	return cm.NewCoreErr("Client", cm.Conflict, clientID)
}

// Recover reconciles collaborator state with the registry after a restart.
// A client found Provisioned lost its tunnel with the process, so it is
// rolled back to Verified and its address freed; Active and Suspended
// clients get their tunnels rebuilt, and Active ones their routes
// re-announced. Re-advertising an already known route is harmless.
func (ctrl *Controller) Recover() error {
	clients, err := ctrl.reg.ListByState(
		registry.Provisioned,
		registry.Active,
		registry.Suspended,
	)
	if err != nil {
		return err
	}

	for _, c := range clients {
		switch c.State {
		case registry.Provisioned:
			ctrl.logger.WithField("client", c.ID).Warn("Recovering half-provisioned client")
			ctrl.rollbackToVerified(c)

		case registry.Active:
			if err := ctrl.provisioner.Provision(c.ID, c.MeshIP, c.PublicKey); err != nil {
				ctrl.logger.WithField("client", c.ID).WithError(err).Error("Recovering tunnel")
				continue
			}
			if err := ctrl.advertiser.Advertise(c); err != nil {
				ctrl.logger.WithField("client", c.ID).WithError(err).Error("Recovering routes")
			}

		case registry.Suspended:
			if !ctrl.suspendTeardown {
				if err := ctrl.provisioner.Provision(c.ID, c.MeshIP, c.PublicKey); err != nil {
					ctrl.logger.WithField("client", c.ID).WithError(err).Error("Recovering tunnel")
				}
			}
		}
	}

	return nil
}

// repairAdvertisement re-announces a client's routes if it is Active. It
// runs after a lost suspend/resume race to make the daemon agree with
// whichever state won.
func (ctrl *Controller) repairAdvertisement(clientID string) {
	c, err := ctrl.reg.Get(clientID)
	if err != nil {
		return
	}
	if c.State == registry.Active {
		if err := ctrl.advertiser.Advertise(c); err != nil {
			ctrl.logger.WithField("client", c.ID).WithError(err).Error("Repairing routes")
		}
	}
}

// transition persists a plain state change with conflict retries.
func (ctrl *Controller) transition(c *registry.Client, to registry.State) error {
	for attempt := 0; attempt < updateRetries; attempt++ {
		if err := c.Transition(to); err != nil {
			return err
		}
		if err := ctrl.reg.Update(c); err != nil {
			if cm.Is(err, cm.Conflict) {
				fresh, ferr := ctrl.reg.Get(c.ID)
				if ferr != nil {
					return ferr
				}
				*c = *fresh
				continue
			}
			return err
		}
		return nil
	}
	return cm.NewCoreErr("Client", cm.Conflict, c.ID)
}

// AllClients returns every client record.
func (ctrl *Controller) AllClients() ([]*registry.Client, error) {
	return ctrl.reg.List()
}

// ClientsByState returns the clients in the given states.
func (ctrl *Controller) ClientsByState(states ...registry.State) ([]*registry.Client, error) {
	return ctrl.reg.ListByState(states...)
}

// Stats returns controller counters for the stats endpoint.
func (ctrl *Controller) Stats() (map[string]string, error) {
	clients, err := ctrl.reg.List()
	if err != nil {
		return nil, err
	}

	counts := map[registry.State]int{}
	held := 0
	for _, c := range clients {
		counts[c.State]++
		if c.MeshIP != "" {
			held++
		}
	}

	stats := map[string]string{
		"clients":              itoa(len(clients)),
		"pending_verification": itoa(counts[registry.PendingVerification]),
		"verified":             itoa(counts[registry.Verified]),
		"provisioned":          itoa(counts[registry.Provisioned]),
		"active":               itoa(counts[registry.Active]),
		"suspended":            itoa(counts[registry.Suspended]),
		"removed":              itoa(counts[registry.Removed]),
		"addresses_held":       itoa(held),
		"pool_size":            itoa(ctrl.allocator.PoolSize()),
		"gateway":              ctrl.allocator.Gateway(),
	}
	return stats, nil
}

func itoa(i int) string {
	return strconv.Itoa(i)
}
