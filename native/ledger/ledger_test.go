package ledger

import (
	"errors"
	"reflect"
	"sync"
	"testing"

	"github.com/holiman/uint256"

	"escrowsim/core/events"
)

func amt(v uint64) *uint256.Int { return uint256.NewInt(v) }

func mustBalance(t *testing.T, l *Ledger, id string) uint64 {
	t.Helper()
	bal, err := l.BalanceOf(id)
	if err != nil {
		t.Fatalf("balance of %s: %v", id, err)
	}
	return bal.Uint64()
}

func TestCreateAccountRejectsDuplicates(t *testing.T) {
	l := New()
	if err := l.CreateAccount("alice", amt(10)); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := l.CreateAccount(" alice ", amt(5)); !errors.Is(err, ErrDuplicateAccount) {
		t.Fatalf("expected duplicate account error, got %v", err)
	}
	if got := mustBalance(t, l, "alice"); got != 10 {
		t.Fatalf("duplicate create mutated balance: %d", got)
	}
	if err := l.CreateAccount("  ", nil); !errors.Is(err, ErrInvalidAccount) {
		t.Fatalf("expected invalid account error, got %v", err)
	}
}

func TestCreateAccountNilBalanceOpensEmpty(t *testing.T) {
	l := New()
	if err := l.CreateAccount("bob", nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	if got := mustBalance(t, l, "bob"); got != 0 {
		t.Fatalf("expected empty account, got %d", got)
	}
}

func TestBalanceOfUnknownAccount(t *testing.T) {
	l := New()
	if _, err := l.BalanceOf("ghost"); !errors.Is(err, ErrUnknownAccount) {
		t.Fatalf("expected unknown account, got %v", err)
	}
}

func TestBalanceOfReturnsCopy(t *testing.T) {
	l := New()
	_ = l.CreateAccount("alice", amt(10))
	bal, _ := l.BalanceOf("alice")
	bal.SetUint64(999)
	if got := mustBalance(t, l, "alice"); got != 10 {
		t.Fatalf("caller mutation leaked into ledger: %d", got)
	}
}

func TestTransfer(t *testing.T) {
	cases := []struct {
		name      string
		from, to  string
		amount    *uint256.Int
		wantErr   error
		wantAlice uint64
		wantBob   uint64
	}{
		{name: "moves funds", from: "alice", to: "bob", amount: amt(40), wantAlice: 60, wantBob: 40},
		{name: "exact balance", from: "alice", to: "bob", amount: amt(100), wantAlice: 0, wantBob: 100},
		{name: "insufficient", from: "alice", to: "bob", amount: amt(101), wantErr: ErrInsufficientFunds, wantAlice: 100},
		{name: "zero amount", from: "alice", to: "bob", amount: amt(0), wantErr: ErrInvalidAmount, wantAlice: 100},
		{name: "nil amount", from: "alice", to: "bob", amount: nil, wantErr: ErrInvalidAmount, wantAlice: 100},
		{name: "unknown sender", from: "carol", to: "bob", amount: amt(1), wantErr: ErrUnknownAccount, wantAlice: 100},
		{name: "unknown recipient", from: "alice", to: "carol", amount: amt(1), wantErr: ErrUnknownAccount, wantAlice: 100},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			l := New()
			_ = l.CreateAccount("alice", amt(100))
			_ = l.CreateAccount("bob", nil)
			err := l.Transfer(tc.from, tc.to, tc.amount)
			if tc.wantErr == nil && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tc.wantErr != nil && !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected %v, got %v", tc.wantErr, err)
			}
			if got := mustBalance(t, l, "alice"); got != tc.wantAlice {
				t.Fatalf("alice balance: got %d want %d", got, tc.wantAlice)
			}
			if got := mustBalance(t, l, "bob"); got != tc.wantBob {
				t.Fatalf("bob balance: got %d want %d", got, tc.wantBob)
			}
			if got := l.TotalSupply().Uint64(); got != 100 {
				t.Fatalf("total supply changed: %d", got)
			}
		})
	}
}

func TestTransferOverflowLeavesBalancesUntouched(t *testing.T) {
	l := New()
	maxed := new(uint256.Int).SetAllOne()
	_ = l.CreateAccount("whale", maxed)
	_ = l.CreateAccount("alice", amt(1))
	if err := l.Transfer("alice", "whale", amt(1)); !errors.Is(err, ErrBalanceOverflow) {
		t.Fatalf("expected overflow, got %v", err)
	}
	if got := mustBalance(t, l, "alice"); got != 1 {
		t.Fatalf("sender debited on failed transfer: %d", got)
	}
}

func TestDepositAndWithdrawChangeSupply(t *testing.T) {
	l := New()
	_ = l.CreateAccount("alice", amt(10))
	if err := l.Deposit("alice", amt(5)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := l.Withdraw("alice", amt(3)); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if got := l.TotalSupply().Uint64(); got != 12 {
		t.Fatalf("unexpected supply %d", got)
	}
	if err := l.Withdraw("alice", amt(13)); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}
	if err := l.Deposit("ghost", amt(1)); !errors.Is(err, ErrUnknownAccount) {
		t.Fatalf("expected unknown account, got %v", err)
	}
}

func TestVaultIsolation(t *testing.T) {
	l := New()
	_ = l.CreateAccount("buyer", amt(100))
	_ = l.CreateAccount("seller", nil)
	vault, err := l.OpenVault("escrow-1")
	if err != nil {
		t.Fatalf("open vault: %v", err)
	}
	if _, err := l.OpenVault("escrow-1"); !errors.Is(err, ErrDuplicateAccount) {
		t.Fatalf("expected duplicate vault error, got %v", err)
	}
	if err := l.Transfer("buyer", vault.ID(), amt(10)); !errors.Is(err, ErrControlledAccount) {
		t.Fatalf("public transfer into vault should fail, got %v", err)
	}
	if err := vault.Collect("buyer", amt(40)); err != nil {
		t.Fatalf("collect: %v", err)
	}
	if err := l.Transfer(vault.ID(), "seller", amt(40)); !errors.Is(err, ErrControlledAccount) {
		t.Fatalf("public transfer out of vault should fail, got %v", err)
	}
	if err := l.Withdraw(vault.ID(), amt(1)); !errors.Is(err, ErrControlledAccount) {
		t.Fatalf("withdraw from vault should fail, got %v", err)
	}
	if err := l.Deposit(vault.ID(), amt(1)); !errors.Is(err, ErrControlledAccount) {
		t.Fatalf("deposit into vault should fail, got %v", err)
	}
	if got := vault.Balance().Uint64(); got != 40 {
		t.Fatalf("vault balance: %d", got)
	}
	if err := vault.Disburse("seller", amt(40)); err != nil {
		t.Fatalf("disburse: %v", err)
	}
	if err := vault.Disburse("seller", amt(1)); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected empty vault to fail, got %v", err)
	}
	if got := mustBalance(t, l, "seller"); got != 40 {
		t.Fatalf("seller balance: %d", got)
	}
	if !l.IsControlled(vault.ID()) || l.IsControlled("seller") || l.IsControlled("missing") {
		t.Fatalf("unexpected controlled flags")
	}
}

func TestVaultCannotMoveFundsOfAnotherVault(t *testing.T) {
	l := New()
	_ = l.CreateAccount("alice", amt(100))
	_ = l.CreateAccount("mallory", nil)
	victim, err := l.OpenVault("escrow-a")
	if err != nil {
		t.Fatalf("open victim vault: %v", err)
	}
	thief, err := l.OpenVault("escrow-b")
	if err != nil {
		t.Fatalf("open thief vault: %v", err)
	}
	if err := victim.Collect("alice", amt(40)); err != nil {
		t.Fatalf("collect: %v", err)
	}
	if err := thief.Collect(victim.ID(), amt(40)); !errors.Is(err, ErrControlledAccount) {
		t.Fatalf("collect from another vault should fail, got %v", err)
	}
	if err := victim.Disburse(thief.ID(), amt(40)); !errors.Is(err, ErrControlledAccount) {
		t.Fatalf("disburse into another vault should fail, got %v", err)
	}
	if err := thief.Disburse(victim.ID(), amt(1)); !errors.Is(err, ErrControlledAccount) {
		t.Fatalf("disburse into another vault should fail, got %v", err)
	}
	if got := victim.Balance().Uint64(); got != 40 {
		t.Fatalf("victim vault balance: %d", got)
	}
	if got := thief.Balance().Uint64(); got != 0 {
		t.Fatalf("thief vault balance: %d", got)
	}
	if got := mustBalance(t, l, "mallory"); got != 0 {
		t.Fatalf("mallory balance: %d", got)
	}
	if got := l.TotalSupply().Uint64(); got != 100 {
		t.Fatalf("supply: %d", got)
	}
}

func TestAccountsSnapshotSorted(t *testing.T) {
	l := New()
	_ = l.CreateAccount("carol", amt(3))
	_ = l.CreateAccount("alice", amt(1))
	_, _ = l.OpenVault("bob")
	got := l.Accounts()
	ids := []string{got[0].ID, got[1].ID, got[2].ID}
	if !reflect.DeepEqual(ids, []string{"alice", "bob", "carol"}) {
		t.Fatalf("unexpected order: %v", ids)
	}
	if !got[1].Controlled {
		t.Fatalf("vault should be reported as controlled")
	}
}

func TestLedgerEmitsEvents(t *testing.T) {
	l := New()
	rec := &events.Recorder{}
	l.SetEmitter(rec)
	_ = l.CreateAccount("alice", amt(5))
	_ = l.CreateAccount("bob", nil)
	_ = l.Transfer("alice", "bob", amt(2))
	_ = l.Transfer("alice", "bob", amt(50))
	_ = l.Deposit("bob", amt(1))
	want := []string{EventTypeAccountCreated, EventTypeAccountCreated, EventTypeTransfer, EventTypeDeposit}
	if got := rec.Types(); !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected event sequence: %v", got)
	}
	transfer := rec.Events()[2].(events.Record)
	if transfer.Attributes["amount"] != "2" || transfer.Attributes["from"] != "alice" {
		t.Fatalf("unexpected transfer attributes: %#v", transfer.Attributes)
	}
}

func TestConcurrentTransfersConserveSupply(t *testing.T) {
	l := New()
	ids := []string{"a", "b", "c", "d"}
	for _, id := range ids {
		_ = l.CreateAccount(id, amt(1_000))
	}
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(seed int) {
			defer wg.Done()
			for j := 0; j < 500; j++ {
				from := ids[(seed+j)%len(ids)]
				to := ids[(seed+j+1)%len(ids)]
				_ = l.Transfer(from, to, amt(uint64(1+j%7)))
			}
		}(i)
	}
	wg.Wait()
	if got := l.TotalSupply().Uint64(); got != 4_000 {
		t.Fatalf("supply drifted under concurrency: %d", got)
	}
}

func TestConcurrentTransferEventsReplayInOrder(t *testing.T) {
	l := New()
	rec := &events.Recorder{}
	ids := []string{"a", "b", "c"}
	for _, id := range ids {
		_ = l.CreateAccount(id, amt(10))
	}
	l.SetEmitter(rec)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(seed int) {
			defer wg.Done()
			for j := 0; j < 300; j++ {
				from := ids[(seed+j)%len(ids)]
				to := ids[(seed+j+1)%len(ids)]
				_ = l.Transfer(from, to, amt(uint64(1+(seed+j)%10)))
			}
		}(i)
	}
	wg.Wait()

	// Replaying the emitted transfers must never overdraw an account and must
	// land on the live balances.
	shadow := map[string]uint64{"a": 10, "b": 10, "c": 10}
	for i, evt := range rec.Events() {
		record := evt.(events.Record)
		if record.Type != EventTypeTransfer {
			t.Fatalf("unexpected event %s", record.Type)
		}
		value, err := uint256.FromDecimal(record.Attributes["amount"])
		if err != nil {
			t.Fatalf("amount: %v", err)
		}
		from, to := record.Attributes["from"], record.Attributes["to"]
		if shadow[from] < value.Uint64() {
			t.Fatalf("event %d overdraws %s: has %d, moves %d", i, from, shadow[from], value.Uint64())
		}
		shadow[from] -= value.Uint64()
		shadow[to] += value.Uint64()
	}
	for _, id := range ids {
		if got := mustBalance(t, l, id); got != shadow[id] {
			t.Fatalf("%s: live %d, replayed %d", id, got, shadow[id])
		}
	}
}
