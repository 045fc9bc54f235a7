package fault

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies an error for audit records and wire error messages.
type Kind uint8

const (
	// KindNone indicates no error.
	KindNone Kind = 0

	// KindPairingExpired indicates the pairing code is past its expiry.
	KindPairingExpired Kind = 1

	// KindPairingAlreadyConsumed indicates the pairing code was already used.
	KindPairingAlreadyConsumed Kind = 2

	// KindAuthenticationFailed indicates a MAC, tag or key confirmation mismatch.
	KindAuthenticationFailed Kind = 3

	// KindMalformedMessage indicates a message that could not be decoded.
	KindMalformedMessage Kind = 4

	// KindSessionRevoked indicates the session was revoked.
	KindSessionRevoked Kind = 5

	// KindSessionExpired indicates the session is past its expiry.
	KindSessionExpired Kind = 6

	// KindReplayDetected indicates an envelope with an unexpected sequence number.
	KindReplayDetected Kind = 7

	// KindTimeout indicates the peer did not answer in time.
	KindTimeout Kind = 8

	// KindNotFound indicates an unknown pairing code or session.
	KindNotFound Kind = 9

	// KindInternal indicates any error outside the taxonomy.
	KindInternal Kind = 255
)

// Sentinel errors, one per Kind.
var (
	ErrPairingExpired         = errors.New("pairing code expired")
	ErrPairingAlreadyConsumed = errors.New("pairing code already consumed")
	ErrAuthenticationFailed   = errors.New("authentication failed")
	ErrMalformedMessage       = errors.New("malformed message")
	ErrSessionRevoked         = errors.New("session revoked")
	ErrSessionExpired         = errors.New("session expired")
	ErrReplayDetected         = errors.New("replay detected")
	ErrTimeout                = errors.New("timeout")
	ErrNotFound               = errors.New("not found")
)

var sentinels = []struct {
	kind Kind
	err  error
}{
	{KindPairingExpired, ErrPairingExpired},
	{KindPairingAlreadyConsumed, ErrPairingAlreadyConsumed},
	{KindAuthenticationFailed, ErrAuthenticationFailed},
	{KindMalformedMessage, ErrMalformedMessage},
	{KindSessionRevoked, ErrSessionRevoked},
	{KindSessionExpired, ErrSessionExpired},
	{KindReplayDetected, ErrReplayDetected},
	{KindTimeout, ErrTimeout},
	{KindNotFound, ErrNotFound},
}

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindNone:
		return "NONE"
	case KindPairingExpired:
		return "PAIRING_EXPIRED"
	case KindPairingAlreadyConsumed:
		return "PAIRING_ALREADY_CONSUMED"
	case KindAuthenticationFailed:
		return "AUTHENTICATION_FAILED"
	case KindMalformedMessage:
		return "MALFORMED_MESSAGE"
	case KindSessionRevoked:
		return "SESSION_REVOKED"
	case KindSessionExpired:
		return "SESSION_EXPIRED"
	case KindReplayDetected:
		return "REPLAY_DETECTED"
	case KindTimeout:
		return "TIMEOUT"
	case KindNotFound:
		return "NOT_FOUND"
	case KindInternal:
		return "INTERNAL"
	default:
		return "UNKNOWN"
	}
}

// Err returns the sentinel error for the kind, or nil for KindNone.
// Unknown kinds map to a generic error carrying the kind name.
func (k Kind) Err() error {
	if k == KindNone {
		return nil
	}
	for _, s := range sentinels {
		if s.kind == k {
			return s.err
		}
	}
	return fmt.Errorf("%s", k)
}

// IsHandshakeStage reports whether the kind terminates only a pairing attempt.
func (k Kind) IsHandshakeStage() bool {
	return k == KindPairingExpired || k == KindPairingAlreadyConsumed
}

// EndsSession reports whether the kind means the session is no longer usable.
func (k Kind) EndsSession() bool {
	return k == KindSessionRevoked || k == KindSessionExpired
}

// KindOf classifies err. Context and I/O deadline errors map to KindTimeout;
// nil maps to KindNone.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	for _, s := range sentinels {
		if errors.Is(err, s.err) {
			return s.kind
		}
	}
	if errors.Is(err, errDeadline) || errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindInternal
}
