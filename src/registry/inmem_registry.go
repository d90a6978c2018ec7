package registry

import (
	"sort"
	"sync"
	"time"

	cm "github.com/telamesh/exitd/src/common"
)

// InmemRegistry implements the Registry interface with plain maps guarded
// by a mutex. It is the default backend and the reference implementation
// for the conflict-check semantics; the badger backend mirrors it.
type InmemRegistry struct {
	sync.Mutex

	clients   map[string]*Client // id => record
	byContact map[string]string  // contact => id, non-Removed only
	byAddress map[string]string  // address => id, non-Removed only
}

// NewInmemRegistry ...
func NewInmemRegistry() *InmemRegistry {
	return &InmemRegistry{
		clients:   make(map[string]*Client),
		byContact: make(map[string]string),
		byAddress: make(map[string]string),
	}
}

// Create implements the Registry interface.
func (r *InmemRegistry) Create(c *Client) error {
	r.Lock()
	defer r.Unlock()

	if _, ok := r.clients[c.ID]; ok {
		return cm.NewCoreErr("Client", cm.AlreadyExists, c.ID)
	}
	if _, ok := r.byContact[c.Contact]; ok {
		return cm.NewCoreErr("Client", cm.AlreadyRegistered, c.Contact)
	}
	if c.MeshIP != "" {
		if _, ok := r.byAddress[c.MeshIP]; ok {
			return cm.NewCoreErr("Address", cm.Conflict, c.MeshIP)
		}
	}

	stored := c.Copy()
	stored.UpdatedAt = time.Now().UTC()
	r.clients[c.ID] = stored
	if c.Contact != "" {
		r.byContact[c.Contact] = c.ID
	}
	if c.MeshIP != "" && c.State != Removed {
		r.byAddress[c.MeshIP] = c.ID
	}

	return nil
}

// Get implements the Registry interface.
func (r *InmemRegistry) Get(id string) (*Client, error) {
	r.Lock()
	defer r.Unlock()

	c, ok := r.clients[id]
	if !ok {
		return nil, cm.NewCoreErr("Client", cm.NotFound, id)
	}
	return c.Copy(), nil
}

// GetByContact implements the Registry interface.
func (r *InmemRegistry) GetByContact(contact string) (*Client, error) {
	r.Lock()
	defer r.Unlock()

	id, ok := r.byContact[contact]
	if !ok {
		return nil, cm.NewCoreErr("Client", cm.NotFound, contact)
	}
	return r.clients[id].Copy(), nil
}

// Update implements the Registry interface.
func (r *InmemRegistry) Update(c *Client) error {
	r.Lock()
	defer r.Unlock()

	stored, ok := r.clients[c.ID]
	if !ok {
		return cm.NewCoreErr("Client", cm.NotFound, c.ID)
	}
	if stored.Version != c.Version {
		return cm.NewCoreErr("Client", cm.Conflict, c.ID)
	}

	// the version check alone cannot see a race between two different
	// records picking the same address from one pool snapshot; the
	// address index makes the second writer lose and re-pick
	if c.MeshIP != "" && c.State != Removed {
		if holder, ok := r.byAddress[c.MeshIP]; ok && holder != c.ID {
			return cm.NewCoreErr("Address", cm.Conflict, c.MeshIP)
		}
	}

	c.Version++
	c.UpdatedAt = time.Now().UTC()

	// keep the contact and address indexes in step with the record
	if stored.Contact != "" && stored.Contact != c.Contact {
		delete(r.byContact, stored.Contact)
	}
	if c.Contact != "" && c.State != Removed {
		r.byContact[c.Contact] = c.ID
	}
	if stored.MeshIP != "" {
		delete(r.byAddress, stored.MeshIP)
	}
	if c.MeshIP != "" && c.State != Removed {
		r.byAddress[c.MeshIP] = c.ID
	}

	r.clients[c.ID] = c.Copy()

	return nil
}

// List implements the Registry interface. Results are ordered by creation
// time so listings are stable.
func (r *InmemRegistry) List() ([]*Client, error) {
	r.Lock()
	defer r.Unlock()

	res := []*Client{}
	for _, c := range r.clients {
		res = append(res, c.Copy())
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].CreatedAt.Equal(res[j].CreatedAt) {
			return res[i].ID < res[j].ID
		}
		return res[i].CreatedAt.Before(res[j].CreatedAt)
	})
	return res, nil
}

// ListByState implements the Registry interface.
func (r *InmemRegistry) ListByState(states ...State) ([]*Client, error) {
	all, err := r.List()
	if err != nil {
		return nil, err
	}
	res := []*Client{}
	for _, c := range all {
		for _, s := range states {
			if c.State == s {
				res = append(res, c)
				break
			}
		}
	}
	return res, nil
}

// Delete implements the Registry interface.
func (r *InmemRegistry) Delete(id string) error {
	r.Lock()
	defer r.Unlock()

	c, ok := r.clients[id]
	if !ok {
		return cm.NewCoreErr("Client", cm.NotFound, id)
	}
	if c.Contact != "" {
		delete(r.byContact, c.Contact)
	}
	if c.MeshIP != "" {
		delete(r.byAddress, c.MeshIP)
	}
	delete(r.clients, id)
	return nil
}

// Close implements the Registry interface.
func (r *InmemRegistry) Close() error {
	return nil
}
