package mesh

import (
	"errors"
	"sync"
)

var errRefused = errors.New("routing daemon refused")

// InmemDaemon implements the RoutingDaemon interface in memory. It is the
// test double for the routing daemon and can be told to refuse calls.
type InmemDaemon struct {
	sync.Mutex

	routes map[string]bool
	fail   bool
}

// NewInmemDaemon ...
func NewInmemDaemon() *InmemDaemon {
	return &InmemDaemon{
		routes: make(map[string]bool),
	}
}

// AdvertiseRoute implements the RoutingDaemon interface.
func (d *InmemDaemon) AdvertiseRoute(subnet string) error {
	d.Lock()
	defer d.Unlock()

	if d.fail {
		return errRefused
	}
	d.routes[subnet] = true
	return nil
}

// WithdrawRoute implements the RoutingDaemon interface. Withdrawing an
// unknown subnet is a no-op, as with a real daemon.
func (d *InmemDaemon) WithdrawRoute(subnet string) error {
	d.Lock()
	defer d.Unlock()

	if d.fail {
		return errRefused
	}
	delete(d.routes, subnet)
	return nil
}

// Advertised says whether a subnet is currently announced.
func (d *InmemDaemon) Advertised(subnet string) bool {
	d.Lock()
	defer d.Unlock()
	return d.routes[subnet]
}

// SetFail makes subsequent calls fail, to exercise RoutingFailure paths.
func (d *InmemDaemon) SetFail(fail bool) {
	d.Lock()
	defer d.Unlock()
	d.fail = fail
}
