package common

import "fmt"

// ErrType ...
type ErrType uint32

const (
	// NotFound ...
	NotFound ErrType = iota
	// AlreadyExists ...
	AlreadyExists
	// Conflict signals that a conflict-checked update lost a race and should
	// be retried from a fresh read.
	Conflict
	// PoolExhausted ...
	PoolExhausted
	// TooSoon signals a code request inside the cooldown window.
	TooSoon
	// Expired ...
	Expired
	// Mismatch ...
	Mismatch
	// AlreadyRegistered ...
	AlreadyRegistered
	// KernelFailure ...
	KernelFailure
	// RoutingFailure ...
	RoutingFailure
	// LedgerUnreachable ...
	LedgerUnreachable
	// BadTransition ...
	BadTransition
)

// CoreErr ...
type CoreErr struct {
	dataType string
	errType  ErrType
	key      string
}

// NewCoreErr ...
func NewCoreErr(dataType string, errType ErrType, key string) CoreErr {
	return CoreErr{
		dataType: dataType,
		errType:  errType,
		key:      key,
	}
}

// Error ...
func (e CoreErr) Error() string {
	m := ""
	switch e.errType {
	case NotFound:
		m = "Not Found"
	case AlreadyExists:
		m = "Already Exists"
	case Conflict:
		m = "Conflict"
	case PoolExhausted:
		m = "Pool Exhausted"
	case TooSoon:
		m = "Too Soon"
	case Expired:
		m = "Expired"
	case Mismatch:
		m = "Mismatch"
	case AlreadyRegistered:
		m = "Already Registered"
	case KernelFailure:
		m = "Kernel Failure"
	case RoutingFailure:
		m = "Routing Failure"
	case LedgerUnreachable:
		m = "Ledger Unreachable"
	case BadTransition:
		m = "Bad Transition"
	}

	return fmt.Sprintf("%s, %s, %s", e.dataType, e.key, m)
}

// Is checks that an error is of type CoreErr and that its code matches the
// provided ErrType code.
func Is(err error, t ErrType) bool {
	coreErr, ok := err.(CoreErr)
	return ok && coreErr.errType == t
}
