package mesh

import (
	"github.com/sirupsen/logrus"
	cm "github.com/telamesh/exitd/src/common"
	"github.com/telamesh/exitd/src/registry"
)

// RoutingDaemon is the narrow interface onto the mesh routing daemon. The
// daemon is authoritative over what actually propagates; re-announcing a
// subnet it already carries is harmless.
type RoutingDaemon interface {
	AdvertiseRoute(subnet string) error
	WithdrawRoute(subnet string) error
}

// Advertiser announces and withdraws client subnets. It is invoked only on
// entry to and exit from the Active state.
type Advertiser struct {
	daemon RoutingDaemon
	logger *logrus.Entry
}

// NewAdvertiser ...
func NewAdvertiser(daemon RoutingDaemon, logger *logrus.Entry) *Advertiser {
	return &Advertiser{
		daemon: daemon,
		logger: logger,
	}
}

// Advertise announces all of a client's subnets. The first daemon refusal
// aborts and is surfaced as RoutingFailure; whatever was announced before
// the failure is withdrawn again so the daemon never carries routes for a
// client that isn't Active.
func (a *Advertiser) Advertise(c *registry.Client) error {
	announced := []string{}
	for _, subnet := range c.Subnets {
		if err := a.daemon.AdvertiseRoute(subnet); err != nil {
			a.logger.WithFields(logrus.Fields{
				"client": c.ID,
				"subnet": subnet,
			}).WithError(err).Error("Advertising route")

			for _, s := range announced {
				a.daemon.WithdrawRoute(s)
			}

			return cm.NewCoreErr("Route", cm.RoutingFailure, subnet)
		}
		announced = append(announced, subnet)

		a.logger.WithFields(logrus.Fields{
			"client": c.ID,
			"subnet": subnet,
		}).Debug("Route advertised")
	}
	return nil
}

// Withdraw removes all of a client's subnets from the mesh.
func (a *Advertiser) Withdraw(c *registry.Client) error {
	for _, subnet := range c.Subnets {
		if err := a.daemon.WithdrawRoute(subnet); err != nil {
			a.logger.WithFields(logrus.Fields{
				"client": c.ID,
				"subnet": subnet,
			}).WithError(err).Error("Withdrawing route")

			return cm.NewCoreErr("Route", cm.RoutingFailure, subnet)
		}

		a.logger.WithFields(logrus.Fields{
			"client": c.ID,
			"subnet": subnet,
		}).Debug("Route withdrawn")
	}
	return nil
}
