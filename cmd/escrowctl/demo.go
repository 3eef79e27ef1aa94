package main

import (
	"fmt"
	"io"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"escrowsim/native/escrow"
	"escrowsim/native/ledger"
)

const (
	demoBuyerFunds = 100
	demoPrice      = 40
	demoWindow     = 3600
)

func newDemoAccount() (string, error) {
	key, err := ethcrypto.GenerateKey()
	if err != nil {
		return "", err
	}
	return ethcrypto.PubkeyToAddress(key.PublicKey).Hex(), nil
}

// runDemo walks one agreement through deploy, sign, pay and confirm against a
// private ledger. Each step's outcome is reported, including expected
// rejections such as the second signature.
func runDemo(out io.Writer, now int64) error {
	seller, err := newDemoAccount()
	if err != nil {
		return fmt.Errorf("generate seller: %w", err)
	}
	buyer, err := newDemoAccount()
	if err != nil {
		return fmt.Errorf("generate buyer: %w", err)
	}

	l := ledger.New()
	if err := l.CreateAccount(seller, nil); err != nil {
		return err
	}
	if err := l.CreateAccount(buyer, uint256.NewInt(demoBuyerFunds)); err != nil {
		return err
	}
	fmt.Fprintf(out, "seller %s\nbuyer  %s\n", seller, buyer)
	printBalances(out, l, seller, buyer, "")

	contract, err := escrow.New(escrow.LedgerBank(l), escrow.Params{
		Seller:   seller,
		Buyer:    buyer,
		Item:     "demo item",
		Price:    uint256.NewInt(demoPrice),
		Deadline: now + demoWindow,
	}, now)
	if err != nil {
		return fmt.Errorf("deploy: %w", err)
	}
	fmt.Fprintf(out, "deployed escrow %s (price %d, state %s)\n", contract.ID(), demoPrice, contract.State())

	for _, signer := range []struct{ role, id string }{{"seller", seller}, {"buyer", buyer}} {
		if err := contract.Sign(signer.id, now); err != nil {
			fmt.Fprintf(out, "sign as %s: rejected (%s)\n", signer.role, escrow.ErrorCode(err))
			continue
		}
		fmt.Fprintf(out, "sign as %s: ok, state %s\n", signer.role, contract.State())
	}

	if err := contract.Pay(buyer, uint256.NewInt(demoPrice), now); err != nil {
		return fmt.Errorf("pay: %w", err)
	}
	fmt.Fprintf(out, "pay: ok, held %s\n", contract.HeldFunds().Dec())

	if err := contract.ConfirmDelivery(buyer, now); err != nil {
		return fmt.Errorf("confirm delivery: %w", err)
	}
	fmt.Fprintf(out, "confirm delivery: ok, state %s\n", contract.State())
	printBalances(out, l, seller, buyer, contract.ID())

	fmt.Fprintln(out, "audit log:")
	for evt := range contract.Events() {
		fmt.Fprintf(out, "  #%d %-18s actor=%s amount=%s\n", evt.Sequence, evt.Kind, evt.Actor, evt.Amount.Dec())
	}
	return nil
}

func printBalances(out io.Writer, l *ledger.Ledger, seller, buyer, vault string) {
	ids := []struct{ label, id string }{{"seller", seller}, {"buyer", buyer}}
	if vault != "" {
		ids = append(ids, struct{ label, id string }{"escrow", vault})
	}
	for _, entry := range ids {
		balance, err := l.BalanceOf(entry.id)
		if err != nil {
			fmt.Fprintf(out, "  %-6s balance unavailable: %v\n", entry.label, err)
			continue
		}
		fmt.Fprintf(out, "  %-6s balance %s\n", entry.label, balance.Dec())
	}
}
