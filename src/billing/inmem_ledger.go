package billing

import (
	"sync"

	cm "github.com/telamesh/exitd/src/common"
)

// InmemLedger implements the Ledger interface with a map of debts. It
// stands in for the blockchain payment client in tests and can simulate an
// unreachable ledger.
type InmemLedger struct {
	sync.Mutex

	debts       map[string]int64
	unreachable bool
}

// NewInmemLedger ...
func NewInmemLedger() *InmemLedger {
	return &InmemLedger{
		debts: make(map[string]int64),
	}
}

// GetDebt implements the Ledger interface. Unknown clients owe nothing.
func (l *InmemLedger) GetDebt(clientID string) (int64, error) {
	l.Lock()
	defer l.Unlock()

	if l.unreachable {
		return 0, cm.NewCoreErr("Ledger", cm.LedgerUnreachable, clientID)
	}
	return l.debts[clientID], nil
}

// SetDebt sets a client's debt.
func (l *InmemLedger) SetDebt(clientID string, debt int64) {
	l.Lock()
	defer l.Unlock()
	l.debts[clientID] = debt
}

// SetUnreachable toggles simulated ledger outages.
func (l *InmemLedger) SetUnreachable(unreachable bool) {
	l.Lock()
	defer l.Unlock()
	l.unreachable = unreachable
}
