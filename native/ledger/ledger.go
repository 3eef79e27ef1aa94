package ledger

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/holiman/uint256"

	"escrowsim/core/events"
)

var (
	ErrDuplicateAccount  = errors.New("ledger: account already exists")
	ErrUnknownAccount    = errors.New("ledger: unknown account")
	ErrInsufficientFunds = errors.New("ledger: insufficient funds")
	ErrInvalidAmount     = errors.New("ledger: amount must be positive")
	ErrInvalidAccount    = errors.New("ledger: account id required")
	ErrControlledAccount = errors.New("ledger: account is controlled by a vault")
	ErrBalanceOverflow   = errors.New("ledger: balance overflow")
)

// Account is a read-only view of a single ledger entry.
type Account struct {
	ID         string
	Balance    *uint256.Int
	Controlled bool
}

type entry struct {
	balance    uint256.Int
	controlled bool
}

// Ledger holds named account balances. All mutations are serialised by a
// single mutex so a transfer is never observable half-applied.
type Ledger struct {
	mu       sync.RWMutex
	accounts map[string]*entry
	emitter  events.Emitter
}

// New returns an empty ledger with a no-op emitter.
func New() *Ledger {
	return &Ledger{
		accounts: make(map[string]*entry),
		emitter:  events.NoopEmitter{},
	}
}

// SetEmitter configures the event emitter used by the ledger. Passing nil resets
// the emitter to a no-op implementation. Events are emitted while the ledger
// lock is held, so they arrive in the order mutations were applied; emitters
// must not call back into the ledger.
func (l *Ledger) SetEmitter(emitter events.Emitter) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if emitter == nil {
		l.emitter = events.NoopEmitter{}
		return
	}
	l.emitter = emitter
}

func normalizeID(id string) (string, error) {
	trimmed := strings.TrimSpace(id)
	if trimmed == "" {
		return "", ErrInvalidAccount
	}
	return trimmed, nil
}

func cloneAmount(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return v.Clone()
}

// CreateAccount registers id with the supplied opening balance. A nil balance
// opens the account empty.
func (l *Ledger) CreateAccount(id string, initial *uint256.Int) error {
	normalized, err := normalizeID(id)
	if err != nil {
		return err
	}
	amount := cloneAmount(initial)
	l.mu.Lock()
	if _, exists := l.accounts[normalized]; exists {
		l.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateAccount, normalized)
	}
	acc := &entry{}
	acc.balance.Set(amount)
	l.accounts[normalized] = acc
	l.emitter.Emit(newAccountCreatedEvent(normalized, amount, false))
	l.mu.Unlock()
	return nil
}

// IsControlled reports whether id names an existing vault account.
func (l *Ledger) IsControlled(id string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	acc, ok := l.accounts[strings.TrimSpace(id)]
	return ok && acc.controlled
}

// BalanceOf returns a copy of the current balance for id.
func (l *Ledger) BalanceOf(id string) (*uint256.Int, error) {
	normalized, err := normalizeID(id)
	if err != nil {
		return nil, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	acc, ok := l.accounts[normalized]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAccount, normalized)
	}
	return acc.balance.Clone(), nil
}

// Transfer moves amount from one account to another. Vault-controlled accounts
// cannot be touched through this method.
func (l *Ledger) Transfer(from, to string, amount *uint256.Int) error {
	return l.transfer(from, to, amount, "")
}

// transfer moves funds between two accounts. A controlled account may only
// take part when it is vault, the account whose handle authorised the move.
func (l *Ledger) transfer(from, to string, amount *uint256.Int, vault string) error {
	src, err := normalizeID(from)
	if err != nil {
		return err
	}
	dst, err := normalizeID(to)
	if err != nil {
		return err
	}
	if amount == nil || amount.IsZero() {
		return ErrInvalidAmount
	}
	amt := amount.Clone()

	l.mu.Lock()
	fromAcc, ok := l.accounts[src]
	if !ok {
		l.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownAccount, src)
	}
	toAcc, ok := l.accounts[dst]
	if !ok {
		l.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownAccount, dst)
	}
	if (fromAcc.controlled && src != vault) || (toAcc.controlled && dst != vault) {
		l.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrControlledAccount, src, dst)
	}
	if fromAcc.balance.Lt(amt) {
		l.mu.Unlock()
		return fmt.Errorf("%w: %s has %s, needs %s", ErrInsufficientFunds, src, fromAcc.balance.Dec(), amt.Dec())
	}
	if src != dst {
		if _, overflow := new(uint256.Int).AddOverflow(&toAcc.balance, amt); overflow {
			l.mu.Unlock()
			return ErrBalanceOverflow
		}
		fromAcc.balance.Sub(&fromAcc.balance, amt)
		toAcc.balance.Add(&toAcc.balance, amt)
	}
	l.emitter.Emit(newTransferEvent(src, dst, amt))
	l.mu.Unlock()
	return nil
}

// Deposit credits an account with externally sourced funds. It is one of the
// two operations that change the total supply.
func (l *Ledger) Deposit(id string, amount *uint256.Int) error {
	normalized, err := normalizeID(id)
	if err != nil {
		return err
	}
	if amount == nil || amount.IsZero() {
		return ErrInvalidAmount
	}
	amt := amount.Clone()
	l.mu.Lock()
	acc, ok := l.accounts[normalized]
	if !ok {
		l.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownAccount, normalized)
	}
	if acc.controlled {
		l.mu.Unlock()
		return ErrControlledAccount
	}
	if _, overflow := new(uint256.Int).AddOverflow(&acc.balance, amt); overflow {
		l.mu.Unlock()
		return ErrBalanceOverflow
	}
	acc.balance.Add(&acc.balance, amt)
	l.emitter.Emit(newSupplyEvent(EventTypeDeposit, normalized, amt))
	l.mu.Unlock()
	return nil
}

// Withdraw debits an account for funds leaving the system.
func (l *Ledger) Withdraw(id string, amount *uint256.Int) error {
	normalized, err := normalizeID(id)
	if err != nil {
		return err
	}
	if amount == nil || amount.IsZero() {
		return ErrInvalidAmount
	}
	amt := amount.Clone()
	l.mu.Lock()
	acc, ok := l.accounts[normalized]
	if !ok {
		l.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownAccount, normalized)
	}
	if acc.controlled {
		l.mu.Unlock()
		return ErrControlledAccount
	}
	if acc.balance.Lt(amt) {
		l.mu.Unlock()
		return fmt.Errorf("%w: %s has %s, needs %s", ErrInsufficientFunds, normalized, acc.balance.Dec(), amt.Dec())
	}
	acc.balance.Sub(&acc.balance, amt)
	l.emitter.Emit(newSupplyEvent(EventTypeWithdraw, normalized, amt))
	l.mu.Unlock()
	return nil
}

// TotalSupply sums every balance, vaults included.
func (l *Ledger) TotalSupply() *uint256.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	total := new(uint256.Int)
	for _, acc := range l.accounts {
		total.Add(total, &acc.balance)
	}
	return total
}

// Accounts returns a snapshot of every account sorted by identifier.
func (l *Ledger) Accounts() []Account {
	l.mu.RLock()
	out := make([]Account, 0, len(l.accounts))
	for id, acc := range l.accounts {
		out = append(out, Account{ID: id, Balance: acc.balance.Clone(), Controlled: acc.controlled})
	}
	l.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
