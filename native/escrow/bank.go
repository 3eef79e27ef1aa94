package escrow

import (
	"github.com/holiman/uint256"

	"escrowsim/native/ledger"
)

// Vault is the controlled escrow account a contract holds funds in.
type Vault interface {
	ID() string
	Balance() *uint256.Int
	Collect(from string, amount *uint256.Int) error
	Disburse(to string, amount *uint256.Int) error
}

// Bank opens vaults for new contracts.
type Bank interface {
	OpenVault(id string) (Vault, error)
	// IsControlled reports whether id is an account held by some vault.
	IsControlled(id string) bool
}

type ledgerBank struct {
	ledger *ledger.Ledger
}

// LedgerBank adapts an in-memory ledger to the Bank interface.
func LedgerBank(l *ledger.Ledger) Bank {
	return ledgerBank{ledger: l}
}

func (b ledgerBank) OpenVault(id string) (Vault, error) {
	vault, err := b.ledger.OpenVault(id)
	if err != nil {
		return nil, err
	}
	return vault, nil
}

func (b ledgerBank) IsControlled(id string) bool {
	return b.ledger.IsControlled(id)
}
