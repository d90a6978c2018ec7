package billing

// Ledger is the narrow interface onto the external payment ledger. Debt is
// expressed in base token units; conversion and transaction construction
// belong to the ledger client, not here.
type Ledger interface {
	// GetDebt returns the client's accumulated unpaid usage cost. A ledger
	// that cannot be reached returns an error; it never returns a guessed
	// amount.
	GetDebt(clientID string) (int64, error)
}
