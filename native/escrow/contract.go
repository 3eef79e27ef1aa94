package escrow

import (
	"encoding/binary"
	"errors"
	"fmt"
	"iter"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"escrowsim/core/events"
	"escrowsim/native/ledger"
)

const maxDeriveAttempts = 64

// Params describes a purchase agreement at creation time.
type Params struct {
	Seller   string
	Buyer    string
	Item     string
	Price    *uint256.Int
	Deadline int64
}

// Validate checks the definition against the supplied creation time.
func (p Params) Validate(now int64) error {
	if strings.TrimSpace(p.Seller) == "" || strings.TrimSpace(p.Buyer) == "" {
		return ErrInvalidParty
	}
	if p.Deadline <= now {
		return ErrInvalidDeadline
	}
	if p.Price == nil || p.Price.IsZero() {
		return ErrInvalidPrice
	}
	if strings.TrimSpace(p.Seller) == strings.TrimSpace(p.Buyer) {
		return ErrSameParty
	}
	return nil
}

// DeriveID returns the deterministic escrow account identifier for a
// definition. The salt disambiguates identical definitions on one ledger.
func DeriveID(p Params, salt uint64) string {
	var price [32]byte
	if p.Price != nil {
		price = p.Price.Bytes32()
	}
	var deadline, nonce [8]byte
	binary.BigEndian.PutUint64(deadline[:], uint64(p.Deadline))
	binary.BigEndian.PutUint64(nonce[:], salt)
	hash := ethcrypto.Keccak256(
		[]byte(strings.TrimSpace(p.Seller)), []byte{0},
		[]byte(strings.TrimSpace(p.Buyer)), []byte{0},
		[]byte(p.Item), []byte{0},
		price[:], deadline[:], nonce[:],
	)
	return common.BytesToAddress(hash).Hex()
}

// Snapshot is an immutable copy of a contract's fields.
type Snapshot struct {
	ID        string
	Seller    string
	Buyer     string
	Item      string
	Price     uint256.Int
	Deadline  int64
	CreatedAt int64
	State     State
	HeldFunds uint256.Int
	Events    int
}

// Option customises a contract at construction.
type Option func(*Contract)

// WithEmitter broadcasts every log entry to emitter. Emitters run while the
// contract lock is held and must not call back into the contract.
func WithEmitter(emitter events.Emitter) Option {
	return func(c *Contract) {
		if emitter != nil {
			c.emitter = emitter
		}
	}
}

// Contract is a single two-party purchase agreement. A mutex serialises every
// lifecycle operation; the state change, held balance, log entry and ledger
// transfer of one call are applied together or not at all.
type Contract struct {
	mu sync.Mutex

	seller    string
	buyer     string
	item      string
	price     uint256.Int
	deadline  int64
	createdAt int64

	state State
	held  uint256.Int
	log   []Event

	vault   Vault
	emitter events.Emitter
}

// New validates params, opens the contract's escrow vault through bank and
// returns the agreement in Draft. The seller is recorded as the creator.
func New(bank Bank, params Params, now int64, opts ...Option) (*Contract, error) {
	if bank == nil {
		return nil, fmt.Errorf("escrow: bank not configured")
	}
	if err := params.Validate(now); err != nil {
		return nil, err
	}
	if bank.IsControlled(params.Seller) || bank.IsControlled(params.Buyer) {
		return nil, ErrEscrowParty
	}
	vault, err := openVault(bank, params)
	if err != nil {
		return nil, err
	}
	c := &Contract{
		seller:    strings.TrimSpace(params.Seller),
		buyer:     strings.TrimSpace(params.Buyer),
		item:      params.Item,
		deadline:  params.Deadline,
		createdAt: now,
		state:     StateDraft,
		vault:     vault,
		emitter:   events.NoopEmitter{},
	}
	c.price.Set(params.Price)
	for _, opt := range opts {
		opt(c)
	}
	c.mu.Lock()
	c.appendLocked(EventCreated, c.seller, c.price, now)
	c.mu.Unlock()
	return c, nil
}

func openVault(bank Bank, params Params) (Vault, error) {
	for salt := uint64(0); salt < maxDeriveAttempts; salt++ {
		vault, err := bank.OpenVault(DeriveID(params, salt))
		if err == nil {
			return vault, nil
		}
		if !errors.Is(err, ledger.ErrDuplicateAccount) {
			return nil, fmt.Errorf("escrow: open vault: %w", err)
		}
	}
	return nil, fmt.Errorf("escrow: no free escrow account after %d attempts", maxDeriveAttempts)
}

func (c *Contract) isParty(actor string) bool {
	return actor == c.seller || actor == c.buyer
}

// appendLocked records a log entry and broadcasts it. Callers hold c.mu.
func (c *Contract) appendLocked(kind EventKind, actor string, amount uint256.Int, now int64) {
	evt := Event{
		Sequence:  uint64(len(c.log)),
		Kind:      kind,
		Actor:     actor,
		Amount:    amount,
		Timestamp: now,
	}
	c.log = append(c.log, evt)
	c.emitter.Emit(newEscrowEvent(c.snapshotLocked(), evt))
}

// Sign moves a Draft agreement to Active. Either party may sign; the first
// signature activates the agreement.
func (c *Contract) Sign(actor string, now int64) error {
	actor = strings.TrimSpace(actor)
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.isParty(actor) {
		return ErrNotAParty
	}
	if c.state != StateDraft {
		return ErrNotInDraft
	}
	if now >= c.deadline {
		return ErrDeadlinePassed
	}
	c.state = StateActive
	c.appendLocked(EventSigned, actor, uint256.Int{}, now)
	return nil
}

// Pay moves exactly the agreed price from the buyer into the escrow vault.
func (c *Contract) Pay(actor string, amount *uint256.Int, now int64) error {
	actor = strings.TrimSpace(actor)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateActive {
		return ErrNotActive
	}
	if actor != c.buyer {
		return ErrNotBuyer
	}
	if amount == nil || !amount.Eq(&c.price) {
		return ErrWrongAmount
	}
	if !c.held.IsZero() {
		return ErrAlreadyPaid
	}
	if err := c.vault.Collect(c.buyer, &c.price); err != nil {
		if errors.Is(err, ledger.ErrInsufficientFunds) {
			return fmt.Errorf("%w: %w", ErrInsufficientFunds, err)
		}
		return fmt.Errorf("%w: %w", ErrPaymentFailed, err)
	}
	c.held = c.price
	c.appendLocked(EventPaid, actor, c.price, now)
	return nil
}

// ConfirmDelivery releases the held funds to the seller and resolves the
// agreement. Only the buyer attests delivery.
func (c *Contract) ConfirmDelivery(actor string, now int64) error {
	actor = strings.TrimSpace(actor)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateActive {
		return ErrNotActive
	}
	if actor != c.buyer {
		return ErrNotBuyer
	}
	if !c.held.Eq(&c.price) {
		return ErrNotPaid
	}
	payout := c.held
	if err := c.vault.Disburse(c.seller, &payout); err != nil {
		return fmt.Errorf("%w: %w", ErrPayoutFailed, err)
	}
	c.held.Clear()
	c.state = StateResolved
	c.appendLocked(EventDeliveryConfirmed, actor, payout, now)
	return nil
}

// Cancel terminates a Draft or Active agreement, refunding whatever the vault
// holds to the buyer. Cancelling before payment refunds nothing.
func (c *Contract) Cancel(actor string, now int64) error {
	actor = strings.TrimSpace(actor)
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.isParty(actor) {
		return ErrNotAParty
	}
	if c.state != StateDraft && c.state != StateActive {
		return ErrNotCancellable
	}
	refund := c.held
	if !refund.IsZero() {
		if err := c.vault.Disburse(c.buyer, &refund); err != nil {
			return fmt.Errorf("%w: %w", ErrRefundFailed, err)
		}
	}
	c.held.Clear()
	c.state = StateCancelled
	c.appendLocked(EventCancelled, actor, refund, now)
	return nil
}

// TimeRemaining returns the seconds left before the deadline, never negative.
func (c *Contract) TimeRemaining(now int64) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if now >= c.deadline {
		return 0
	}
	return c.deadline - now
}

// ID returns the escrow account identifier, which doubles as the contract id.
func (c *Contract) ID() string { return c.vault.ID() }

// Account is an alias of ID kept for ledger-facing callers.
func (c *Contract) Account() string { return c.vault.ID() }

func (c *Contract) Seller() string { return c.seller }

func (c *Contract) Buyer() string { return c.buyer }

func (c *Contract) Item() string { return c.item }

func (c *Contract) Deadline() int64 { return c.deadline }

// Price returns a copy of the agreed price.
func (c *Contract) Price() *uint256.Int { return c.price.Clone() }

// State returns the current lifecycle state.
func (c *Contract) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// HeldFunds returns a copy of the amount currently escrowed.
func (c *Contract) HeldFunds() *uint256.Int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.held.Clone()
}

// EventCount returns the current log length.
func (c *Contract) EventCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.log)
}

// Events returns the audit log as a finite sequence. Each iteration copies the
// log when it starts, so the sequence can be ranged over repeatedly and later
// iterations observe entries appended in between.
func (c *Contract) Events() iter.Seq[Event] {
	return func(yield func(Event) bool) {
		c.mu.Lock()
		entries := make([]Event, len(c.log))
		copy(entries, c.log)
		c.mu.Unlock()
		for _, evt := range entries {
			if !yield(evt) {
				return
			}
		}
	}
}

// Snapshot returns a consistent copy of every field.
func (c *Contract) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Contract) snapshotLocked() Snapshot {
	return Snapshot{
		ID:        c.vault.ID(),
		Seller:    c.seller,
		Buyer:     c.buyer,
		Item:      c.item,
		Price:     c.price,
		Deadline:  c.deadline,
		CreatedAt: c.createdAt,
		State:     c.state,
		HeldFunds: c.held,
		Events:    len(c.log),
	}
}
