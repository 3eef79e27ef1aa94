package escrow

import "fmt"

// State represents the lifecycle position of a purchase agreement.
type State uint8

const (
	StateDraft State = iota
	StateActive
	StateResolved
	StateCancelled
)

// String returns the canonical lowercase name used in events and RPC payloads.
func (s State) String() string {
	switch s {
	case StateDraft:
		return "draft"
	case StateActive:
		return "active"
	case StateResolved:
		return "resolved"
	case StateCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// Valid reports whether the state value is within the supported range.
func (s State) Valid() bool {
	return s <= StateCancelled
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateResolved || s == StateCancelled
}

// ParseState converts the canonical name back into a State.
func ParseState(name string) (State, error) {
	switch name {
	case "draft":
		return StateDraft, nil
	case "active":
		return StateActive, nil
	case "resolved":
		return StateResolved, nil
	case "cancelled":
		return StateCancelled, nil
	default:
		return 0, fmt.Errorf("escrow: unknown state %q", name)
	}
}

// MarshalText lets State render as its name in JSON payloads.
func (s State) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("escrow: invalid state %d", uint8(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText parses the canonical name.
func (s *State) UnmarshalText(text []byte) error {
	parsed, err := ParseState(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
