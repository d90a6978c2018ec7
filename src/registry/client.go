package registry

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"time"

	"github.com/ugorji/go/codec"
)

// State captures the lifecycle of an exit client: New, PendingVerification,
// Verified, Provisioned, Active, Suspended, or Removed.
type State uint32

const (
	// New is the state of a freshly created client, before a verification
	// code has been issued.
	New State = iota

	// PendingVerification is the state in which a verification code has been
	// sent and the client has yet to echo it back.
	PendingVerification

	// Verified is the state in which the client's contact has been proven
	// but no network resources are held yet.
	Verified

	// Provisioned is the state in which the client holds a mesh-internal
	// address and a working tunnel, but no route is advertised yet.
	Provisioned

	// Active is the state in which the client's subnets are advertised into
	// the mesh and traffic flows through the exit.
	Active

	// Suspended is the state of a client cut off for non-payment. It keeps
	// its address so resuming is cheap, but its routes are withdrawn.
	Suspended

	// Removed is the terminal state. The address is back in the free pool
	// and the contact binding is cleared.
	Removed
)

// String ...
func (s State) String() string {
	switch s {
	case New:
		return "New"
	case PendingVerification:
		return "PendingVerification"
	case Verified:
		return "Verified"
	case Provisioned:
		return "Provisioned"
	case Active:
		return "Active"
	case Suspended:
		return "Suspended"
	case Removed:
		return "Removed"
	default:
		return "Unknown"
	}
}

// ParseState is the inverse of State.String. The boolean is false for
// unrecognised input.
func ParseState(s string) (State, bool) {
	switch s {
	case "New":
		return New, true
	case "PendingVerification":
		return PendingVerification, true
	case "Verified":
		return Verified, true
	case "Provisioned":
		return Provisioned, true
	case "Active":
		return Active, true
	case "Suspended":
		return Suspended, true
	case "Removed":
		return Removed, true
	}
	return New, false
}

// transitions is the table of legal state changes. It is consulted at the
// single place where states are changed (Client.Transition), so illegal
// transitions are rejected structurally rather than by scattered checks.
var transitions = map[State][]State{
	New:                 {PendingVerification},
	PendingVerification: {Verified},
	Verified:            {Provisioned},
	Provisioned:         {Active, Verified},
	Active:              {Suspended},
	Suspended:           {Active},
	Removed:             {},
}

// ValidTransition says whether from -> to is in the transition table.
// Removed is reachable from any state.
func ValidTransition(from, to State) bool {
	if to == Removed {
		return from != Removed
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Client is the record of one mesh participant using this exit. One exists
// per contact; everything the controller knows about a client lives here.
type Client struct {
	// ID is the stable identifier, assigned at registration.
	ID string

	// Contact is the opaque reference codes are delivered to (phone number).
	// It is unique among non-Removed clients and cleared on removal.
	Contact string

	// Email is an optional secondary contact.
	Email string

	// PublicKey is the client's tunnel public key, opaque to the controller.
	PublicKey string

	// State is the lifecycle state.
	State State

	// MeshIP is the allocated mesh-internal address. Empty unless the state
	// is Provisioned, Active or Suspended.
	MeshIP string

	// Subnets are the client subnets advertised into the mesh while Active.
	Subnets []string

	// Debt is the last debt snapshot read from the payment ledger.
	Debt int64

	// Code and CodeExpiry hold the current verification code. A new code
	// overwrites the previous one; checking a code clears it.
	Code       string
	CodeExpiry time.Time

	// CodeIssued is when the current code was sent, for the cooldown window.
	CodeIssued time.Time

	// SuspendedAt is when the client entered Suspended, zero otherwise.
	SuspendedAt time.Time

	// LastSeen is the last client-initiated contact.
	LastSeen time.Time

	CreatedAt time.Time
	UpdatedAt time.Time

	// Version is bumped by every registry update; a stale version makes the
	// update fail with Conflict.
	Version int
}

// NewClient creates a New-state client bound to a contact.
func NewClient(contact string) *Client {
	now := time.Now().UTC()
	return &Client{
		ID:        newID(),
		Contact:   contact,
		State:     New,
		LastSeen:  now,
		CreatedAt: now,
	}
}

func newID() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// Transition moves the client to a new state, consulting the transition
// table. It only mutates the in-memory record; the caller persists it
// through a conflict-checked registry update.
func (c *Client) Transition(to State) error {
	if !ValidTransition(c.State, to) {
		return NewBadTransitionErr(c.ID, c.State, to)
	}
	if to == Suspended {
		c.SuspendedAt = time.Now().UTC()
	}
	if c.State == Suspended && to != Suspended {
		c.SuspendedAt = time.Time{}
	}
	if to == Removed {
		c.MeshIP = ""
		c.Subnets = nil
		c.Contact = ""
		c.Code = ""
	}
	c.State = to
	return nil
}

// HasAddress says whether the client's state entitles it to hold a
// mesh-internal address.
func (c *Client) HasAddress() bool {
	switch c.State {
	case Provisioned, Active, Suspended:
		return true
	}
	return false
}

// Copy returns a deep copy of the client.
func (c *Client) Copy() *Client {
	cc := *c
	if c.Subnets != nil {
		cc.Subnets = append([]string(nil), c.Subnets...)
	}
	return &cc
}

// Marshal - json encoding of Client
func (c *Client) Marshal() ([]byte, error) {
	b := new(bytes.Buffer)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	enc := codec.NewEncoder(b, jh)

	if err := enc.Encode(c); err != nil {
		return nil, err
	}

	return b.Bytes(), nil
}

// Unmarshal ...
func (c *Client) Unmarshal(data []byte) error {
	b := bytes.NewBuffer(data)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	dec := codec.NewDecoder(b, jh)

	if err := dec.Decode(c); err != nil {
		return err
	}

	return nil
}
