package registry

import (
	"fmt"

	cm "github.com/telamesh/exitd/src/common"
)

// Registry is the single source of truth for client records and, through
// them, for address allocation. Both backends implement the same
// conflict-checked update: Update fails with a Conflict error when the
// stored record changed since the caller read it, and the caller retries
// from a fresh read. That check is the only concurrency primitive the
// controller relies on.
type Registry interface {
	// Create inserts a new client. It fails with AlreadyExists if the ID is
	// taken, and with AlreadyRegistered if the contact is bound to a
	// non-Removed client.
	Create(c *Client) error
	// Get returns a copy of the client with the given ID.
	Get(id string) (*Client, error)
	// GetByContact returns a copy of the non-Removed client bound to the
	// contact.
	GetByContact(contact string) (*Client, error)
	// Update overwrites the stored record if its version still matches the
	// one the caller read. On success the version is bumped, both in the
	// store and on the passed record. It also fails with Conflict when the
	// record's address is already held by a different non-Removed client,
	// so an allocator that picked from a stale snapshot re-picks from a
	// fresh one.
	Update(c *Client) error
	// List returns all clients.
	List() ([]*Client, error)
	// ListByState returns the clients whose state is one of the given ones.
	ListByState(states ...State) ([]*Client, error)
	// Delete erases a record entirely. Lifecycle removal goes through
	// Update with a Removed state; Delete is for operators scrubbing
	// history.
	Delete(id string) error
	// Close releases the underlying database.
	Close() error
}

// NewBadTransitionErr ...
func NewBadTransitionErr(id string, from, to State) error {
	return cm.NewCoreErr("Client", cm.BadTransition,
		fmt.Sprintf("%s: %s->%s", id, from, to))
}
