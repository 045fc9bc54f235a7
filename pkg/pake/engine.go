package pake

import (
	"errors"
	"sync"

	"github.com/vaultlink/vaultlink-go/pkg/fault"
)

// SessionKeySize is the size of the key produced by a successful handshake.
const SessionKeySize = 32

// Engine errors.
var (
	ErrAttemptCompleted = errors.New("pake attempt already completed")
	ErrInvalidRole      = errors.New("invalid pake role")
)

// Role identifies which side of the handshake an attempt plays.
type Role uint8

const (
	// RoleInitiator is the agent side. It sends the first message.
	RoleInitiator Role = 1

	// RoleResponder is the approver side.
	RoleResponder Role = 2
)

// String returns the role name.
func (r Role) String() string {
	switch r {
	case RoleInitiator:
		return "INITIATOR"
	case RoleResponder:
		return "RESPONDER"
	default:
		return "UNKNOWN"
	}
}

// Peer returns the opposite role.
func (r Role) Peer() Role {
	if r == RoleInitiator {
		return RoleResponder
	}
	return RoleInitiator
}

// IsValid reports whether r is a known role.
func (r Role) IsValid() bool {
	return r == RoleInitiator || r == RoleResponder
}

// Engine is the two-call PAKE capability.
type Engine interface {
	// Initiate starts an attempt for role using the shared code. context binds
	// the attempt to a pairing (the code id). The returned message is sent to
	// the peer.
	Initiate(role Role, code DisplayCode, context []byte) (*Attempt, []byte, error)

	// Complete consumes the peer's message and returns the session key.
	// Returns an error wrapping fault.ErrMalformedMessage for undecodable
	// input and fault.ErrAuthenticationFailed for input that decodes but is
	// not a valid protocol value.
	Complete(attempt *Attempt, inbound []byte) ([]byte, error)
}

// Attempt holds the ephemeral state of one handshake attempt. It belongs to
// the engine that created it and completes at most once.
type Attempt struct {
	mu sync.Mutex

	role    Role
	context []byte

	local []byte // our protocol message
	peer  []byte // peer protocol message (after Complete)

	done  bool
	state primitiveState
}

// primitiveState is the primitive-specific secret state of an attempt.
type primitiveState interface {
	// derive computes the session key from the peer message.
	derive(peer []byte) ([]byte, error)
	// wipe clears secret material.
	wipe()
}

// Role returns the attempt's role.
func (a *Attempt) Role() Role {
	return a.role
}

// Context returns the context the attempt is bound to.
func (a *Attempt) Context() []byte {
	return a.context
}

// Transcript returns context || initiator message || responder message.
// Only meaningful after Complete.
func (a *Attempt) Transcript() []byte {
	a.mu.Lock()
	defer a.mu.Unlock()

	initiatorMsg, responderMsg := a.local, a.peer
	if a.role == RoleResponder {
		initiatorMsg, responderMsg = a.peer, a.local
	}

	out := make([]byte, 0, len(a.context)+len(initiatorMsg)+len(responderMsg))
	out = append(out, a.context...)
	out = append(out, initiatorMsg...)
	out = append(out, responderMsg...)
	return out
}

// complete runs the attempt's derivation exactly once.
func (a *Attempt) complete(inbound []byte) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.done {
		return nil, ErrAttemptCompleted
	}
	a.done = true
	defer a.state.wipe()

	key, err := a.state.derive(inbound)
	if err != nil {
		return nil, err
	}
	a.peer = append([]byte(nil), inbound...)
	return key, nil
}

// Discard abandons the attempt and clears its secret state.
func (a *Attempt) Discard() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.done {
		a.done = true
		a.state.wipe()
	}
}

// malformed wraps a decoding problem.
func malformed(reason string) error {
	return &primitiveError{reason: reason, kind: fault.ErrMalformedMessage}
}

// rejected wraps a verification problem.
func rejected(reason string) error {
	return &primitiveError{reason: reason, kind: fault.ErrAuthenticationFailed}
}

type primitiveError struct {
	reason string
	kind   error
}

func (e *primitiveError) Error() string { return e.kind.Error() + ": " + e.reason }
func (e *primitiveError) Unwrap() error { return e.kind }
