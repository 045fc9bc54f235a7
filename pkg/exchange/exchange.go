package exchange

import (
	"errors"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/vaultlink/vaultlink-go/pkg/fault"
)

// ErrDenied is the error of an exchange the approver denied.
var ErrDenied = errors.New("credential request denied")

// Transition is one recorded state change.
type Transition struct {
	From State
	To   State
	At   time.Time
	Kind fault.Kind
}

// Exchange is the record of one credential request. It is safe for
// concurrent use; all accessors return copies.
type Exchange struct {
	requestID string
	sessionID string
	request   CredentialRequest
	startedAt time.Time
	clock     func() time.Time

	mu      sync.Mutex
	state   State
	err     error
	reason  string
	payload map[string]string
	history []Transition
	done    chan struct{}
}

func newExchange(req CredentialRequest, sessionID string, initial State, clock func() time.Time) *Exchange {
	return &Exchange{
		requestID: req.RequestID,
		sessionID: sessionID,
		request:   req,
		startedAt: clock(),
		clock:     clock,
		state:     initial,
		done:      make(chan struct{}),
	}
}

// RequestID returns the request id.
func (e *Exchange) RequestID() string { return e.requestID }

// SessionID returns the session the exchange runs on.
func (e *Exchange) SessionID() string { return e.sessionID }

// Request returns the credential request.
func (e *Exchange) Request() CredentialRequest {
	r := e.request
	r.Fields = slices.Clone(r.Fields)
	return r
}

// State returns the current state.
func (e *Exchange) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Err returns the terminal error, nil for Delivered or while running.
func (e *Exchange) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

// Reason returns the denial reason.
func (e *Exchange) Reason() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.reason
}

// Payload returns a copy of the delivered credential, nil unless Delivered.
func (e *Exchange) Payload() map[string]string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return maps.Clone(e.payload)
}

// History returns the recorded transitions in order.
func (e *Exchange) History() []Transition {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.history)
}

// Done is closed once the exchange reaches a terminal state.
func (e *Exchange) Done() <-chan struct{} {
	return e.done
}

// Duration returns the time since the exchange started.
func (e *Exchange) Duration() time.Duration {
	return e.clock().Sub(e.startedAt)
}

// transition moves the exchange to to. err is kept as the terminal error.
func (e *Exchange) transition(to State, err error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.transitionLocked(to, err)
}

func (e *Exchange) transitionLocked(to State, err error) error {
	if err := checkTransition(e.state, to); err != nil {
		return err
	}
	e.history = append(e.history, Transition{From: e.state, To: to, At: e.clock(), Kind: fault.KindOf(err)})
	e.state = to
	if to.IsTerminal() {
		e.err = err
		close(e.done)
	}
	return nil
}

// finish moves a non-terminal exchange to Failed or Terminated depending on
// err. Returns false if the exchange had already ended.
func (e *Exchange) finish(err error) bool {
	to := StateFailed
	if errors.Is(err, fault.ErrSessionRevoked) {
		to = StateTerminated
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state.IsTerminal() {
		return false
	}
	return e.transitionLocked(to, err) == nil
}

// deliver applies a response to an exchange in RequestSent.
func (e *Exchange) deliver(resp *CredentialResponse) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if resp.Approved {
		if err := e.transitionLocked(StateApproved, nil); err != nil {
			return err
		}
		e.payload = maps.Clone(resp.Payload)
		return e.transitionLocked(StateDelivered, nil)
	}

	if err := e.transitionLocked(StateDenied, nil); err != nil {
		return err
	}
	e.reason = resp.Reason
	return e.transitionLocked(StateFailed, ErrDenied)
}
