package escrow

import "errors"

// Error classes. Every error returned by a contract operation matches exactly
// one of these through errors.Is.
var (
	// ErrPreconditionViolation covers wrong actor, wrong state, wrong amount and
	// deadline failures. Nothing is mutated.
	ErrPreconditionViolation = errors.New("escrow: precondition violation")
	// ErrConservationViolation is reported when a ledger transfer would break a
	// balance invariant, e.g. the buyer cannot cover the price.
	ErrConservationViolation = errors.New("escrow: conservation violation")
	// ErrAtomicityFailure is reported when the ledger rejects the transfer that
	// accompanies a transition. The contract is left exactly as it was.
	ErrAtomicityFailure = errors.New("escrow: atomicity failure")
)

// ErrContractNotFound is returned by Registry lookups for unknown identifiers.
var ErrContractNotFound = errors.New("escrow: contract not found")

type contractError struct {
	class error
	code  string
	msg   string
}

func (e *contractError) Error() string { return "escrow: " + e.msg }

// Is matches the error class in addition to identity.
func (e *contractError) Is(target error) bool { return target == e.class }

func newError(class error, code, msg string) *contractError {
	return &contractError{class: class, code: code, msg: msg}
}

var (
	ErrInvalidParty    = newError(ErrPreconditionViolation, "invalid_party", "seller and buyer identifiers are required")
	ErrSameParty       = newError(ErrPreconditionViolation, "same_party", "seller and buyer must be distinct accounts")
	ErrInvalidPrice    = newError(ErrPreconditionViolation, "invalid_price", "price must be positive")
	ErrInvalidDeadline = newError(ErrPreconditionViolation, "invalid_deadline", "deadline must be in the future")
	ErrEscrowParty     = newError(ErrPreconditionViolation, "escrow_party", "an escrow account cannot be a party")

	ErrNotAParty      = newError(ErrPreconditionViolation, "not_a_party", "caller is not a party to the agreement")
	ErrNotBuyer       = newError(ErrPreconditionViolation, "not_buyer", "only the buyer may call this operation")
	ErrNotInDraft     = newError(ErrPreconditionViolation, "not_in_draft", "agreement is not in draft")
	ErrNotActive      = newError(ErrPreconditionViolation, "not_active", "agreement is not active")
	ErrNotCancellable = newError(ErrPreconditionViolation, "not_cancellable", "agreement can no longer be cancelled")
	ErrDeadlinePassed = newError(ErrPreconditionViolation, "deadline_passed", "deadline has passed")
	ErrWrongAmount    = newError(ErrPreconditionViolation, "wrong_amount", "payment must equal the agreed price")
	ErrAlreadyPaid    = newError(ErrPreconditionViolation, "already_paid", "payment has already been made")
	ErrNotPaid        = newError(ErrPreconditionViolation, "not_paid", "no payment has been recorded")

	ErrInsufficientFunds = newError(ErrConservationViolation, "insufficient_funds", "buyer balance does not cover the price")

	ErrPaymentFailed = newError(ErrAtomicityFailure, "payment_failed", "payment transfer failed")
	ErrPayoutFailed  = newError(ErrAtomicityFailure, "payout_failed", "payout to seller failed")
	ErrRefundFailed  = newError(ErrAtomicityFailure, "refund_failed", "refund to buyer failed")
)

// ErrorCode returns the stable machine-readable code for a contract error, or
// an empty string when err did not originate from a contract operation.
func ErrorCode(err error) string {
	var ce *contractError
	if errors.As(err, &ce) {
		return ce.code
	}
	return ""
}

// ErrorClass returns the class sentinel err belongs to, or nil.
func ErrorClass(err error) error {
	var ce *contractError
	if errors.As(err, &ce) {
		return ce.class
	}
	return nil
}
