package registry

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/dgraph-io/badger"
	cm "github.com/telamesh/exitd/src/common"
)

const (
	clientPrefix  = "client"
	contactPrefix = "contact"
	addressPrefix = "address"
)

// BadgerRegistry implements the Registry interface on top of a Badger
// database, so client records, and with them address allocations, survive
// process restarts. Records are stored under client_<id>; two further
// keyspaces, contact_<contact> and address_<ip>, index non-Removed clients
// by contact and by held address.
type BadgerRegistry struct {
	db   *badger.DB
	path string
}

// NewBadgerRegistry opens or creates a database at path.
func NewBadgerRegistry(path string) (*BadgerRegistry, error) {
	if err := os.MkdirAll(path, 0700); err != nil {
		return nil, err
	}

	opts := badger.DefaultOptions(path)
	opts.SyncWrites = false
	opts.Logger = nil
	handle, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}

	return &BadgerRegistry{
		db:   handle,
		path: path,
	}, nil
}

//==============================================================================
// Keys

func clientKey(id string) []byte {
	return []byte(fmt.Sprintf("%s_%s", clientPrefix, id))
}

func contactKey(contact string) []byte {
	return []byte(fmt.Sprintf("%s_%s", contactPrefix, contact))
}

func addressKey(address string) []byte {
	return []byte(fmt.Sprintf("%s_%s", addressPrefix, address))
}

//==============================================================================
// Implement the Registry interface

// Create implements the Registry interface.
func (r *BadgerRegistry) Create(c *Client) error {
	err := r.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(clientKey(c.ID)); err == nil {
			return cm.NewCoreErr("Client", cm.AlreadyExists, c.ID)
		}
		if _, err := txn.Get(contactKey(c.Contact)); err == nil {
			return cm.NewCoreErr("Client", cm.AlreadyRegistered, c.Contact)
		}
		if c.MeshIP != "" {
			if _, err := txn.Get(addressKey(c.MeshIP)); err == nil {
				return cm.NewCoreErr("Address", cm.Conflict, c.MeshIP)
			}
		}

		stored := c.Copy()
		stored.UpdatedAt = time.Now().UTC()
		val, err := stored.Marshal()
		if err != nil {
			return err
		}
		if err := txn.Set(clientKey(c.ID), val); err != nil {
			return err
		}
		if c.Contact != "" {
			if err := txn.Set(contactKey(c.Contact), []byte(c.ID)); err != nil {
				return err
			}
		}
		if c.MeshIP != "" && c.State != Removed {
			if err := txn.Set(addressKey(c.MeshIP), []byte(c.ID)); err != nil {
				return err
			}
		}
		return nil
	})
	return mapBadgerError(err, c.ID)
}

// Get implements the Registry interface.
func (r *BadgerRegistry) Get(id string) (*Client, error) {
	var c *Client
	err := r.db.View(func(txn *badger.Txn) error {
		var err error
		c, err = txnGetClient(txn, id)
		return err
	})
	if err != nil {
		return nil, mapBadgerError(err, id)
	}
	return c, nil
}

// GetByContact implements the Registry interface.
func (r *BadgerRegistry) GetByContact(contact string) (*Client, error) {
	var c *Client
	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(contactKey(contact))
		if err != nil {
			return err
		}
		id, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		c, err = txnGetClient(txn, string(id))
		return err
	})
	if err != nil {
		return nil, mapBadgerError(err, contact)
	}
	return c, nil
}

// Update implements the Registry interface. The version check runs inside
// the write transaction, so two racing updates of the same client cannot
// both succeed.
func (r *BadgerRegistry) Update(c *Client) error {
	err := r.db.Update(func(txn *badger.Txn) error {
		stored, err := txnGetClient(txn, c.ID)
		if err != nil {
			return err
		}
		if stored.Version != c.Version {
			return cm.NewCoreErr("Client", cm.Conflict, c.ID)
		}

		// the version check alone cannot see a race between two different
		// records picking the same address from one pool snapshot; the
		// address keyspace makes the second writer lose and re-pick
		if c.MeshIP != "" && c.State != Removed {
			if item, err := txn.Get(addressKey(c.MeshIP)); err == nil {
				holder, err := item.ValueCopy(nil)
				if err != nil {
					return err
				}
				if string(holder) != c.ID {
					return cm.NewCoreErr("Address", cm.Conflict, c.MeshIP)
				}
			}
		}

		next := c.Copy()
		next.Version++
		next.UpdatedAt = time.Now().UTC()
		val, err := next.Marshal()
		if err != nil {
			return err
		}
		if err := txn.Set(clientKey(c.ID), val); err != nil {
			return err
		}

		if stored.Contact != "" && stored.Contact != next.Contact {
			if err := txn.Delete(contactKey(stored.Contact)); err != nil {
				return err
			}
		}
		if next.Contact != "" && next.State != Removed {
			if err := txn.Set(contactKey(next.Contact), []byte(next.ID)); err != nil {
				return err
			}
		}
		if stored.MeshIP != "" {
			if err := txn.Delete(addressKey(stored.MeshIP)); err != nil {
				return err
			}
		}
		if next.MeshIP != "" && next.State != Removed {
			if err := txn.Set(addressKey(next.MeshIP), []byte(next.ID)); err != nil {
				return err
			}
		}

		c.Version = next.Version
		c.UpdatedAt = next.UpdatedAt
		return nil
	})
	return mapBadgerError(err, c.ID)
}

// List implements the Registry interface.
func (r *BadgerRegistry) List() ([]*Client, error) {
	res := []*Client{}
	err := r.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(clientPrefix + "_")
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			val, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			c := new(Client)
			if err := c.Unmarshal(val); err != nil {
				return err
			}
			res = append(res, c)
		}
		return nil
	})
	if err != nil {
		return nil, err
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
func (r *BadgerRegistry) ListByState(states ...State) ([]*Client, error) {
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
func (r *BadgerRegistry) Delete(id string) error {
	err := r.db.Update(func(txn *badger.Txn) error {
		c, err := txnGetClient(txn, id)
		if err != nil {
			return err
		}
		if c.Contact != "" {
			if err := txn.Delete(contactKey(c.Contact)); err != nil {
				return err
			}
		}
		if c.MeshIP != "" {
			if err := txn.Delete(addressKey(c.MeshIP)); err != nil {
				return err
			}
		}
		return txn.Delete(clientKey(id))
	})
	return mapBadgerError(err, id)
}

// Close implements the Registry interface.
func (r *BadgerRegistry) Close() error {
	return r.db.Close()
}

// StorePath returns the filepath of the underlying database.
func (r *BadgerRegistry) StorePath() string {
	return r.path
}

//==============================================================================

func txnGetClient(txn *badger.Txn, id string) (*Client, error) {
	item, err := txn.Get(clientKey(id))
	if err != nil {
		return nil, err
	}
	val, err := item.ValueCopy(nil)
	if err != nil {
		return nil, err
	}
	c := new(Client)
	if err := c.Unmarshal(val); err != nil {
		return nil, err
	}
	return c, nil
}

// mapBadgerError folds badger's own errors into the shared taxonomy. A
// badger transaction conflict is reported as Conflict so callers retry it
// like any lost version race.
func mapBadgerError(err error, key string) error {
	switch err {
	case nil:
		return nil
	case badger.ErrKeyNotFound:
		return cm.NewCoreErr("Client", cm.NotFound, key)
	case badger.ErrConflict:
		return cm.NewCoreErr("Client", cm.Conflict, key)
	}
	return err
}
