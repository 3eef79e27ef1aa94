package escrow

import (
	"strconv"

	"github.com/holiman/uint256"

	"escrowsim/core/events"
)

// EventKind identifies an entry in a contract's audit log.
type EventKind string

const (
	EventCreated           EventKind = "created"
	EventSigned            EventKind = "signed"
	EventPaid              EventKind = "paid"
	EventDeliveryConfirmed EventKind = "delivery_confirmed"
	EventCancelled         EventKind = "cancelled"
)

const (
	EventTypeEscrowCreated           = "escrow.created"
	EventTypeEscrowSigned            = "escrow.signed"
	EventTypeEscrowPaid              = "escrow.paid"
	EventTypeEscrowDeliveryConfirmed = "escrow.delivery_confirmed"
	EventTypeEscrowCancelled         = "escrow.cancelled"
)

// Event is a single append-only audit log entry. Amount is a value copy so a
// yielded event can never alias contract state.
type Event struct {
	Sequence  uint64
	Kind      EventKind
	Actor     string
	Amount    uint256.Int
	Timestamp int64
}

// EventType maps the log kind onto the emitted event type.
func (k EventKind) EventType() string {
	switch k {
	case EventCreated:
		return EventTypeEscrowCreated
	case EventSigned:
		return EventTypeEscrowSigned
	case EventPaid:
		return EventTypeEscrowPaid
	case EventDeliveryConfirmed:
		return EventTypeEscrowDeliveryConfirmed
	case EventCancelled:
		return EventTypeEscrowCancelled
	default:
		return "escrow." + string(k)
	}
}

// newEscrowEvent returns the canonical broadcast payload for a log entry.
// Attributes are deterministic for a given contract snapshot and entry.
func newEscrowEvent(snap Snapshot, evt Event) events.Record {
	attrs := map[string]string{
		"id":        snap.ID,
		"seller":    snap.Seller,
		"buyer":     snap.Buyer,
		"actor":     evt.Actor,
		"amount":    evt.Amount.Dec(),
		"price":     snap.Price.Dec(),
		"held":      snap.HeldFunds.Dec(),
		"state":     snap.State.String(),
		"sequence":  strconv.FormatUint(evt.Sequence, 10),
		"timestamp": strconv.FormatInt(evt.Timestamp, 10),
	}
	return events.Record{Type: evt.Kind.EventType(), Attributes: attrs}
}
