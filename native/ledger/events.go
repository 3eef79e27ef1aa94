package ledger

import (
	"strconv"

	"github.com/holiman/uint256"

	"escrowsim/core/events"
)

const (
	EventTypeAccountCreated = "ledger.account_created"
	EventTypeTransfer       = "ledger.transfer"
	EventTypeDeposit        = "ledger.deposit"
	EventTypeWithdraw       = "ledger.withdraw"
)

func newAccountCreatedEvent(id string, balance *uint256.Int, controlled bool) events.Record {
	return events.Record{
		Type: EventTypeAccountCreated,
		Attributes: map[string]string{
			"account":    id,
			"balance":    balance.Dec(),
			"controlled": strconv.FormatBool(controlled),
		},
	}
}

func newTransferEvent(from, to string, amount *uint256.Int) events.Record {
	return events.Record{
		Type: EventTypeTransfer,
		Attributes: map[string]string{
			"from":   from,
			"to":     to,
			"amount": amount.Dec(),
		},
	}
}

func newSupplyEvent(eventType, id string, amount *uint256.Int) events.Record {
	return events.Record{
		Type: eventType,
		Attributes: map[string]string{
			"account": id,
			"amount":  amount.Dec(),
		},
	}
}
