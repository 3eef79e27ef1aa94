package ledger

import (
	"fmt"

	"github.com/holiman/uint256"
)

// Vault is the capability handle for a controlled account. Only the holder of
// the handle can move funds into or out of the account; the public Transfer,
// Deposit and Withdraw methods reject it.
type Vault struct {
	ledger *Ledger
	id     string
}

// OpenVault creates a controlled account with a zero balance and returns the
// only handle able to operate on it.
func (l *Ledger) OpenVault(id string) (*Vault, error) {
	normalized, err := normalizeID(id)
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	if _, exists := l.accounts[normalized]; exists {
		l.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateAccount, normalized)
	}
	l.accounts[normalized] = &entry{controlled: true}
	l.emitter.Emit(newAccountCreatedEvent(normalized, new(uint256.Int), true))
	l.mu.Unlock()
	return &Vault{ledger: l, id: normalized}, nil
}

// ID returns the controlled account identifier.
func (v *Vault) ID() string { return v.id }

// Balance returns the current vault balance.
func (v *Vault) Balance() *uint256.Int {
	bal, err := v.ledger.BalanceOf(v.id)
	if err != nil {
		return new(uint256.Int)
	}
	return bal
}

// Collect pulls amount from a regular account into the vault. Another vault is
// never a valid source.
func (v *Vault) Collect(from string, amount *uint256.Int) error {
	return v.ledger.transfer(from, v.id, amount, v.id)
}

// Disburse pays amount out of the vault to a regular account. Another vault is
// never a valid destination.
func (v *Vault) Disburse(to string, amount *uint256.Int) error {
	return v.ledger.transfer(v.id, to, amount, v.id)
}
