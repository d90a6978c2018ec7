package tunnel

import (
	"errors"
	"sync"
)

var errKernelRefused = errors.New("kernel refused")

// InmemKernel implements the Kernel interface in memory. It counts calls
// and can be told to refuse them, standing in for the kernel interface
// collaborator in tests.
type InmemKernel struct {
	sync.Mutex

	devices  map[string]string // address => public key
	creates  int
	destroys int
	fail     bool
}

// NewInmemKernel ...
func NewInmemKernel() *InmemKernel {
	return &InmemKernel{
		devices: make(map[string]string),
	}
}

// CreateTunnel implements the Kernel interface.
func (k *InmemKernel) CreateTunnel(address string, publicKey string) error {
	k.Lock()
	defer k.Unlock()

	if k.fail {
		return errKernelRefused
	}
	k.devices[address] = publicKey
	k.creates++
	return nil
}

// DestroyTunnel implements the Kernel interface.
func (k *InmemKernel) DestroyTunnel(clientID string) error {
	k.Lock()
	defer k.Unlock()

	if k.fail {
		return errKernelRefused
	}
	k.destroys++
	return nil
}

// Creates returns how many devices were created.
func (k *InmemKernel) Creates() int {
	k.Lock()
	defer k.Unlock()
	return k.creates
}

// Destroys returns how many devices were destroyed.
func (k *InmemKernel) Destroys() int {
	k.Lock()
	defer k.Unlock()
	return k.destroys
}

// SetFail makes subsequent calls fail, to exercise KernelFailure paths.
func (k *InmemKernel) SetFail(fail bool) {
	k.Lock()
	defer k.Unlock()
	k.fail = fail
}
