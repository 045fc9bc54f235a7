package pairing

import (
	"errors"
	"fmt"
	"sync"

	"github.com/vaultlink/vaultlink-go/internal/memzero"
	"github.com/vaultlink/vaultlink-go/pkg/pake"
)

// ErrHandshakeState is returned when a Handshake method is called out of
// order or after the handshake ended.
var ErrHandshakeState = errors.New("handshake not in required state")

type handshakeStep uint8

const (
	stepStarted handshakeStep = iota
	stepKeyed
	stepVerified
	stepDone
)

// Handshake is one side of a pairing handshake.
//
// Responder order: Complete, Confirmation, Verify, Finish.
// Initiator order: Complete, Verify, Confirmation, Finish.
//
// Any failure ends the handshake and wipes the key. A Handshake is not
// reusable; a new attempt needs a new code.
type Handshake struct {
	mu sync.Mutex

	codeID  string
	engine  pake.Engine
	attempt *pake.Attempt
	message []byte

	step handshakeStep
	key  []byte

	// reg is nil on the agent side.
	reg *Registry
}

// Start begins a handshake that is not backed by a registry. The agent uses
// it with the code id it was offered and the display code the human entered.
func Start(engine pake.Engine, role pake.Role, codeID string, code pake.DisplayCode) (*Handshake, error) {
	return start(engine, role, codeID, code, nil)
}

func start(engine pake.Engine, role pake.Role, codeID string, code pake.DisplayCode, reg *Registry) (*Handshake, error) {
	attempt, msg, err := engine.Initiate(role, code, []byte(codeID))
	if err != nil {
		return nil, fmt.Errorf("start handshake: %w", err)
	}
	return &Handshake{
		codeID:  codeID,
		engine:  engine,
		attempt: attempt,
		message: msg,
		reg:     reg,
	}, nil
}

// CodeID returns the id of the code this handshake redeems.
func (h *Handshake) CodeID() string {
	return h.codeID
}

// Role returns the local role.
func (h *Handshake) Role() pake.Role {
	return h.attempt.Role()
}

// Message returns the local PAKE message to send to the peer.
func (h *Handshake) Message() []byte {
	return h.message
}

// Complete consumes the peer's PAKE message and derives the session key.
func (h *Handshake) Complete(inbound []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.step != stepStarted {
		return ErrHandshakeState
	}
	key, err := h.engine.Complete(h.attempt, inbound)
	if err != nil {
		h.failLocked(err)
		return err
	}
	h.key = key
	h.step = stepKeyed
	return nil
}

// Confirmation returns the local key confirmation for the peer.
func (h *Handshake) Confirmation() ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.step != stepKeyed && h.step != stepVerified {
		return nil, ErrHandshakeState
	}
	return pake.Confirm(h.key, h.attempt.Role(), h.attempt.Transcript())
}

// Verify checks the peer's key confirmation. A mismatch ends the handshake
// with fault.ErrAuthenticationFailed and, on the approver, counts as a failed
// attempt against the code.
func (h *Handshake) Verify(confirmation []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.step != stepKeyed {
		return ErrHandshakeState
	}
	if err := pake.VerifyConfirmation(h.key, h.attempt.Role().Peer(), h.attempt.Transcript(), confirmation); err != nil {
		h.failLocked(err)
		return err
	}
	h.step = stepVerified
	return nil
}

// Finish ends a verified handshake and hands the session key to the caller.
// On the approver it consumes the code first; if consumption fails the key
// is wiped and the error returned.
func (h *Handshake) Finish() ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.step != stepVerified {
		return nil, ErrHandshakeState
	}
	if h.reg != nil {
		if err := h.reg.Consume(h.codeID); err != nil {
			h.wipeLocked()
			return nil, err
		}
	}
	key := h.key
	h.key = nil
	h.step = stepDone
	return key, nil
}

// Reject ends the handshake and records a failed attempt, for failures the
// peer reports or a confirmation that never arrives.
func (h *Handshake) Reject(cause error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.step == stepDone {
		return
	}
	h.failLocked(cause)
}

// Abort ends the handshake without a failure being recorded.
func (h *Handshake) Abort() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.wipeLocked()
}

func (h *Handshake) failLocked(err error) {
	h.wipeLocked()
	if h.reg != nil {
		h.reg.Fail(h.codeID, err)
	}
}

func (h *Handshake) wipeLocked() {
	h.attempt.Discard()
	if h.key != nil {
		memzero.Zero(h.key)
		h.key = nil
	}
	h.step = stepDone
}
