package mesh

import (
	"fmt"
	"net"

	cm "github.com/telamesh/exitd/src/common"
	"github.com/telamesh/exitd/src/registry"
)

// Allocator hands out mesh-internal addresses from a fixed range. It keeps
// no pool state of its own: the free set is derived on demand from the
// registry, which makes it impossible for the pool to drift from the
// records it serves, across crashes included. The network address and the
// first host, which the exit itself answers on, are never allocated.
type Allocator struct {
	network *net.IPNet
	gateway net.IP
	reg     registry.Registry
}

// NewAllocator parses the pool CIDR and binds the allocator to a registry.
func NewAllocator(poolCIDR string, reg registry.Registry) (*Allocator, error) {
	_, network, err := net.ParseCIDR(poolCIDR)
	if err != nil {
		return nil, fmt.Errorf("parsing pool %s: %v", poolCIDR, err)
	}

	gateway := nextIP(network.IP)
	if !network.Contains(gateway) {
		return nil, fmt.Errorf("pool %s has no usable host addresses", poolCIDR)
	}

	return &Allocator{
		network: network,
		gateway: gateway,
		reg:     reg,
	}, nil
}

// Gateway returns the exit's own address inside the pool.
func (a *Allocator) Gateway() string {
	return a.gateway.String()
}

// PoolSize returns the number of allocatable addresses.
func (a *Allocator) PoolSize() int {
	ones, bits := a.network.Mask.Size()
	total := 1 << uint(bits-ones)
	// network, gateway and, for IPv4, broadcast
	reserved := 2
	if a.network.IP.To4() != nil {
		reserved = 3
	}
	if total < reserved {
		return 0
	}
	return total - reserved
}

// NextFree derives the free set from a registry snapshot and returns the
// lowest free address. Lowest-first keeps allocation deterministic and
// auditable. The caller persists the pick together with the state
// transition in one conflict-checked update, and re-picks from a fresh
// snapshot if that update loses a race.
func (a *Allocator) NextFree() (string, error) {
	clients, err := a.reg.List()
	if err != nil {
		return "", err
	}

	held := make(map[string]bool)
	for _, c := range clients {
		if c.State != registry.Removed && c.MeshIP != "" {
			held[c.MeshIP] = true
		}
	}

	broadcast := a.broadcast()

	for ip := nextIP(a.network.IP); a.network.Contains(ip); ip = nextIP(ip) {
		if ip.Equal(a.gateway) {
			continue
		}
		if broadcast != nil && ip.Equal(broadcast) {
			continue
		}
		if !held[ip.String()] {
			return ip.String(), nil
		}
	}

	return "", cm.NewCoreErr("Address", cm.PoolExhausted, a.network.String())
}

// broadcast returns the highest address of an IPv4 pool, nil for IPv6.
func (a *Allocator) broadcast() net.IP {
	v4 := a.network.IP.To4()
	if v4 == nil {
		return nil
	}
	b := make(net.IP, len(v4))
	copy(b, v4)
	for i := range b {
		b[i] |= ^a.network.Mask[i]
	}
	return b
}

// nextIP returns ip+1 without mutating its argument.
func nextIP(ip net.IP) net.IP {
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}
	next := make(net.IP, len(ip))
	copy(next, ip)
	for i := len(next) - 1; i >= 0; i-- {
		next[i]++
		if next[i] != 0 {
			break
		}
	}
	return next
}

// HostSubnet returns the /32 (or /128) subnet routing a single mesh
// address, which is what gets advertised for a client by default.
func HostSubnet(address string) string {
	ip := net.ParseIP(address)
	if ip != nil && ip.To4() != nil {
		return address + "/32"
	}
	return address + "/128"
}
