// Package admission implements the exit's client state machine. The
// controller owns a client's full life cycle, from first contact to
// decommissioning, and is the only place where identity verification,
// address allocation, tunnel provisioning, route advertisement and payment
// enforcement meet.
//
// Every state change is a read-modify-write against the registry's
// conflict-checked update. A losing writer retries from a fresh read, which
// makes the machine linearizable per client without any lock around the
// collaborator calls.
package admission
