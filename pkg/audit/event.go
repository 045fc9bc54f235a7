package audit

import (
	mathrand "math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/vaultlink/vaultlink-go/pkg/fault"
)

// Event is one audit record. CBOR encoding uses integer keys.
type Event struct {
	// ID is a lexicographically sortable event identifier.
	ID ulid.ULID `cbor:"1,keyasint"`

	// Timestamp when the event occurred (nanosecond precision).
	Timestamp time.Time `cbor:"2,keyasint"`

	// Subject is the code id or session id the event is about.
	Subject string `cbor:"3,keyasint"`

	// SubjectType says which kind of identifier Subject holds.
	SubjectType SubjectType `cbor:"4,keyasint"`

	// Action is what happened.
	Action Action `cbor:"5,keyasint"`

	// Outcome is success or failure.
	Outcome Outcome `cbor:"6,keyasint"`

	// ErrorKind classifies a failure.
	ErrorKind fault.Kind `cbor:"7,keyasint,omitempty"`

	// Role is the local side that recorded the event.
	Role Role `cbor:"8,keyasint,omitempty"`

	// Detail is free-form context. Never secret material.
	Detail string `cbor:"9,keyasint,omitempty"`
}

// SubjectType indicates what Subject identifies.
type SubjectType uint8

const (
	// SubjectCode is a pairing code id.
	SubjectCode SubjectType = 0
	// SubjectSession is a session id.
	SubjectSession SubjectType = 1
	// SubjectConnection is a transport connection id.
	SubjectConnection SubjectType = 2
)

// String returns the subject type name.
func (s SubjectType) String() string {
	switch s {
	case SubjectCode:
		return "CODE"
	case SubjectSession:
		return "SESSION"
	case SubjectConnection:
		return "CONNECTION"
	default:
		return "UNKNOWN"
	}
}

// Action identifies what an event records.
type Action uint8

const (
	ActionCodeIssued Action = iota + 1
	ActionHandshakeStarted
	ActionHandshakeFailed
	ActionCodeConsumed
	ActionCodeExpired
	ActionCodeRetired
	ActionSessionCreated
	ActionSessionRevoked
	ActionSessionExpired
	ActionSessionRestored
	ActionRequestSent
	ActionRequestReceived
	ActionRequestApproved
	ActionRequestDenied
	ActionCredentialDelivered
	ActionExchangeFailed
	ActionExchangeTerminated
	ActionLateReplyDiscarded
	ActionMessageRejected
)

var actionNames = map[Action]string{
	ActionCodeIssued:          "code_issued",
	ActionHandshakeStarted:    "handshake_started",
	ActionHandshakeFailed:     "handshake_failed",
	ActionCodeConsumed:        "code_consumed",
	ActionCodeExpired:         "code_expired",
	ActionCodeRetired:         "code_retired",
	ActionSessionCreated:      "session_created",
	ActionSessionRevoked:      "session_revoked",
	ActionSessionExpired:      "session_expired",
	ActionSessionRestored:     "session_restored",
	ActionRequestSent:         "request_sent",
	ActionRequestReceived:     "request_received",
	ActionRequestApproved:     "request_approved",
	ActionRequestDenied:       "request_denied",
	ActionCredentialDelivered: "credential_delivered",
	ActionExchangeFailed:      "exchange_failed",
	ActionExchangeTerminated:  "exchange_terminated",
	ActionLateReplyDiscarded:  "late_reply_discarded",
	ActionMessageRejected:     "message_rejected",
}

// String returns the action name.
func (a Action) String() string {
	if name, ok := actionNames[a]; ok {
		return name
	}
	return "unknown"
}

// ParseAction returns the action with the given name.
func ParseAction(name string) (Action, bool) {
	for a, n := range actionNames {
		if n == name {
			return a, true
		}
	}
	return 0, false
}

// Outcome is the result of the audited operation.
type Outcome uint8

const (
	// OutcomeSuccess indicates the operation succeeded.
	OutcomeSuccess Outcome = 0
	// OutcomeFailure indicates the operation failed.
	OutcomeFailure Outcome = 1
)

// String returns the outcome name.
func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "SUCCESS"
	case OutcomeFailure:
		return "FAILURE"
	default:
		return "UNKNOWN"
	}
}

// Role indicates which side recorded the event.
type Role uint8

const (
	// RoleUnspecified is the zero role.
	RoleUnspecified Role = 0
	// RoleAgent indicates the requester side.
	RoleAgent Role = 1
	// RoleApprover indicates the credential holder side.
	RoleApprover Role = 2
)

// String returns the role name.
func (r Role) String() string {
	switch r {
	case RoleAgent:
		return "AGENT"
	case RoleApprover:
		return "APPROVER"
	default:
		return "UNSPECIFIED"
	}
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0)
)

// NewID returns a new monotonic event identifier for time t.
func NewID(t time.Time) ulid.ULID {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), entropy)
}

// NewEvent returns a successful event with a fresh ID and timestamp.
func NewEvent(action Action, subjectType SubjectType, subject string) Event {
	now := time.Now()
	return Event{
		ID:          NewID(now),
		Timestamp:   now,
		Subject:     subject,
		SubjectType: subjectType,
		Action:      action,
	}
}

// WithError marks the event as failed and classifies err.
func (e Event) WithError(err error) Event {
	e.Outcome = OutcomeFailure
	e.ErrorKind = fault.KindOf(err)
	return e
}

// WithDetail sets the event detail.
func (e Event) WithDetail(detail string) Event {
	e.Detail = detail
	return e
}

// WithRole sets the recording role.
func (e Event) WithRole(role Role) Event {
	e.Role = role
	return e
}
