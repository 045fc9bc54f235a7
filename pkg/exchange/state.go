package exchange

import (
	"errors"
	"fmt"
)

// State is the state of one credential exchange.
type State uint8

const (
	// StateIdle is a request that has not been sent yet.
	StateIdle State = iota

	// StateRequestSent is a request on the wire.
	StateRequestSent

	// StateAwaitingApproval is a request waiting for a human decision.
	StateAwaitingApproval

	// StateApproved is an approval that is being delivered.
	StateApproved

	// StateDenied is a denial that is being delivered.
	StateDenied

	// StateDelivered means the credential reached the agent.
	StateDelivered

	// StateFailed means the exchange ended without a credential.
	StateFailed

	// StateTerminated means the session was revoked mid-exchange.
	StateTerminated
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateRequestSent:
		return "REQUEST_SENT"
	case StateAwaitingApproval:
		return "AWAITING_APPROVAL"
	case StateApproved:
		return "APPROVED"
	case StateDenied:
		return "DENIED"
	case StateDelivered:
		return "DELIVERED"
	case StateFailed:
		return "FAILED"
	case StateTerminated:
		return "TERMINATED"
	default:
		return "UNKNOWN"
	}
}

// IsTerminal reports whether no further transition is possible.
func (s State) IsTerminal() bool {
	return s == StateDelivered || s == StateFailed || s == StateTerminated
}

// ErrInvalidTransition is returned for a transition the table does not allow.
var ErrInvalidTransition = errors.New("invalid exchange state transition")

// transitions lists the allowed targets per state. Failed and Terminated are
// reachable from every non-terminal state.
var transitions = map[State][]State{
	StateIdle:             {StateRequestSent},
	StateRequestSent:      {StateAwaitingApproval, StateApproved, StateDenied},
	StateAwaitingApproval: {StateApproved, StateDenied},
	StateApproved:         {StateDelivered},
	StateDenied:           {},
}

// CanTransition reports whether from may move to to.
func CanTransition(from, to State) bool {
	if from.IsTerminal() {
		return false
	}
	if to == StateFailed || to == StateTerminated {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func checkTransition(from, to State) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}
