package wire

import (
	"fmt"
	"time"

	"github.com/vaultlink/vaultlink-go/pkg/fault"
)

// MsgType identifies a wire message.
type MsgType uint8

// Message types.
const (
	// MsgPairingCodeRequest asks the approver to issue a code.
	MsgPairingCodeRequest MsgType = 1

	// MsgPairingCodeOffer carries the id of a freshly issued code.
	MsgPairingCodeOffer MsgType = 2

	// MsgPairingInit carries the agent's PAKE message.
	MsgPairingInit MsgType = 3

	// MsgPairingResponse carries the approver's PAKE message and confirmation.
	MsgPairingResponse MsgType = 4

	// MsgPairingConfirm carries the agent's confirmation.
	MsgPairingConfirm MsgType = 5

	// MsgPairingComplete announces the established session.
	MsgPairingComplete MsgType = 6

	// MsgCredentialRequest carries a sealed credential request.
	MsgCredentialRequest MsgType = 10

	// MsgCredentialApproval carries a sealed approval or denial.
	MsgCredentialApproval MsgType = 11

	// MsgRevoke ends a session.
	MsgRevoke MsgType = 20

	// MsgError reports a failure to the peer.
	MsgError MsgType = 255
)

// String returns the message type name.
func (t MsgType) String() string {
	switch t {
	case MsgPairingCodeRequest:
		return "PAIRING_CODE_REQUEST"
	case MsgPairingCodeOffer:
		return "PAIRING_CODE_OFFER"
	case MsgPairingInit:
		return "PAIRING_INIT"
	case MsgPairingResponse:
		return "PAIRING_RESPONSE"
	case MsgPairingConfirm:
		return "PAIRING_CONFIRM"
	case MsgPairingComplete:
		return "PAIRING_COMPLETE"
	case MsgCredentialRequest:
		return "CREDENTIAL_REQUEST"
	case MsgCredentialApproval:
		return "CREDENTIAL_APPROVAL"
	case MsgRevoke:
		return "REVOKE"
	case MsgError:
		return "ERROR"
	default:
		return fmt.Sprintf("MsgType(%d)", uint8(t))
	}
}

// Message is implemented by every wire message.
type Message interface {
	// Type returns the message type.
	Type() MsgType

	// Validate checks required fields. Errors wrap fault.ErrMalformedMessage.
	Validate() error

	stamp()
}

// Envelope is an AEAD-sealed payload produced by the channel codec.
// CBOR: { 1: ciphertext, 2: nonce, 3: sequence, 4: tag }
type Envelope struct {
	Ciphertext []byte `cbor:"1,keyasint"`
	Nonce      []byte `cbor:"2,keyasint"`
	Sequence   uint64 `cbor:"3,keyasint"`
	Tag        []byte `cbor:"4,keyasint"`
}

// Validate checks that the envelope carries a nonce and a tag.
func (e *Envelope) Validate() error {
	if e == nil {
		return missing("envelope")
	}
	if len(e.Nonce) == 0 {
		return missing("nonce")
	}
	if len(e.Tag) == 0 {
		return missing("tag")
	}
	return nil
}

// PairingCodeRequest asks the approver to issue a pairing code.
// CBOR: { 1: msgType, 2: agentName }
type PairingCodeRequest struct {
	MsgType   MsgType `cbor:"1,keyasint"`
	AgentName string  `cbor:"2,keyasint,omitempty"`
}

// PairingCodeOffer returns the id of an issued code. The display code itself
// is only shown on the approver.
// CBOR: { 1: msgType, 2: codeId, 3: expiresAt }
type PairingCodeOffer struct {
	MsgType   MsgType `cbor:"1,keyasint"`
	CodeID    string  `cbor:"2,keyasint"`
	ExpiresAt int64   `cbor:"3,keyasint"` // Unix seconds
}

// Expiry returns ExpiresAt as a time.
func (m *PairingCodeOffer) Expiry() time.Time {
	return time.Unix(m.ExpiresAt, 0)
}

// PairingInit is the agent's first PAKE message.
// CBOR: { 1: msgType, 2: codeId, 3: pakeMessage }
type PairingInit struct {
	MsgType     MsgType `cbor:"1,keyasint"`
	CodeID      string  `cbor:"2,keyasint"`
	PakeMessage []byte  `cbor:"3,keyasint"`
}

// PairingResponse is the approver's PAKE message plus its key confirmation.
// CBOR: { 1: msgType, 2: codeId, 3: pakeMessage, 4: confirmation }
type PairingResponse struct {
	MsgType      MsgType `cbor:"1,keyasint"`
	CodeID       string  `cbor:"2,keyasint"`
	PakeMessage  []byte  `cbor:"3,keyasint"`
	Confirmation []byte  `cbor:"4,keyasint"`
}

// PairingConfirm is the agent's key confirmation.
// CBOR: { 1: msgType, 2: codeId, 3: confirmation }
type PairingConfirm struct {
	MsgType      MsgType `cbor:"1,keyasint"`
	CodeID       string  `cbor:"2,keyasint"`
	Confirmation []byte  `cbor:"3,keyasint"`
}

// PairingComplete announces the session created from a pairing.
// CBOR: { 1: msgType, 2: codeId, 3: sessionId, 4: expiresAt }
type PairingComplete struct {
	MsgType   MsgType `cbor:"1,keyasint"`
	CodeID    string  `cbor:"2,keyasint"`
	SessionID string  `cbor:"3,keyasint"`
	ExpiresAt int64   `cbor:"4,keyasint"` // Unix seconds
}

// Expiry returns ExpiresAt as a time.
func (m *PairingComplete) Expiry() time.Time {
	return time.Unix(m.ExpiresAt, 0)
}

// CredentialRequestMsg carries a sealed credential request.
// CBOR: { 1: msgType, 2: sessionId, 3: envelope }
type CredentialRequestMsg struct {
	MsgType   MsgType   `cbor:"1,keyasint"`
	SessionID string    `cbor:"2,keyasint"`
	Envelope  *Envelope `cbor:"3,keyasint"`
}

// CredentialApprovalMsg carries a sealed approval or denial.
// CBOR: { 1: msgType, 2: sessionId, 3: envelope }
type CredentialApprovalMsg struct {
	MsgType   MsgType   `cbor:"1,keyasint"`
	SessionID string    `cbor:"2,keyasint"`
	Envelope  *Envelope `cbor:"3,keyasint"`
}

// RevokeMsg tells the agent that a session has been revoked.
// CBOR: { 1: msgType, 2: sessionId, 3: reason, 4: tag }
type RevokeMsg struct {
	MsgType   MsgType `cbor:"1,keyasint"`
	SessionID string  `cbor:"2,keyasint"`
	Reason    string  `cbor:"3,keyasint,omitempty"`
	Tag       []byte  `cbor:"4,keyasint"`
}

// ErrorMsg reports a failure. Subject is a code id or session id.
// CBOR: { 1: msgType, 2: subject, 3: kind, 4: message }
type ErrorMsg struct {
	MsgType MsgType    `cbor:"1,keyasint"`
	Subject string     `cbor:"2,keyasint,omitempty"`
	Kind    fault.Kind `cbor:"3,keyasint"`
	Message string     `cbor:"4,keyasint,omitempty"`
}

// Err returns the sentinel matching the reported kind, wrapped with the
// peer's message.
func (m *ErrorMsg) Err() error {
	kind := m.Kind
	if kind == fault.KindNone {
		kind = fault.KindInternal
	}
	if m.Message == "" {
		return fmt.Errorf("peer: %w", kind.Err())
	}
	return fmt.Errorf("peer: %w: %s", kind.Err(), m.Message)
}

func (m *PairingCodeRequest) Type() MsgType    { return MsgPairingCodeRequest }
func (m *PairingCodeOffer) Type() MsgType      { return MsgPairingCodeOffer }
func (m *PairingInit) Type() MsgType           { return MsgPairingInit }
func (m *PairingResponse) Type() MsgType       { return MsgPairingResponse }
func (m *PairingConfirm) Type() MsgType        { return MsgPairingConfirm }
func (m *PairingComplete) Type() MsgType       { return MsgPairingComplete }
func (m *CredentialRequestMsg) Type() MsgType  { return MsgCredentialRequest }
func (m *CredentialApprovalMsg) Type() MsgType { return MsgCredentialApproval }
func (m *RevokeMsg) Type() MsgType             { return MsgRevoke }
func (m *ErrorMsg) Type() MsgType              { return MsgError }

func (m *PairingCodeRequest) stamp()    { m.MsgType = m.Type() }
func (m *PairingCodeOffer) stamp()      { m.MsgType = m.Type() }
func (m *PairingInit) stamp()           { m.MsgType = m.Type() }
func (m *PairingResponse) stamp()       { m.MsgType = m.Type() }
func (m *PairingConfirm) stamp()        { m.MsgType = m.Type() }
func (m *PairingComplete) stamp()       { m.MsgType = m.Type() }
func (m *CredentialRequestMsg) stamp()  { m.MsgType = m.Type() }
func (m *CredentialApprovalMsg) stamp() { m.MsgType = m.Type() }
func (m *RevokeMsg) stamp()             { m.MsgType = m.Type() }
func (m *ErrorMsg) stamp()              { m.MsgType = m.Type() }

// Validate implements Message.
func (m *PairingCodeRequest) Validate() error { return nil }

// Validate implements Message.
func (m *PairingCodeOffer) Validate() error {
	if m.CodeID == "" {
		return missing("code id")
	}
	return nil
}

// Validate implements Message.
func (m *PairingInit) Validate() error {
	if m.CodeID == "" {
		return missing("code id")
	}
	if len(m.PakeMessage) == 0 {
		return missing("pake message")
	}
	return nil
}

// Validate implements Message.
func (m *PairingResponse) Validate() error {
	if m.CodeID == "" {
		return missing("code id")
	}
	if len(m.PakeMessage) == 0 {
		return missing("pake message")
	}
	if len(m.Confirmation) == 0 {
		return missing("confirmation")
	}
	return nil
}

// Validate implements Message.
func (m *PairingConfirm) Validate() error {
	if m.CodeID == "" {
		return missing("code id")
	}
	if len(m.Confirmation) == 0 {
		return missing("confirmation")
	}
	return nil
}

// Validate implements Message.
func (m *PairingComplete) Validate() error {
	if m.CodeID == "" {
		return missing("code id")
	}
	if m.SessionID == "" {
		return missing("session id")
	}
	return nil
}

// Validate implements Message.
func (m *CredentialRequestMsg) Validate() error {
	if m.SessionID == "" {
		return missing("session id")
	}
	return m.Envelope.Validate()
}

// Validate implements Message.
func (m *CredentialApprovalMsg) Validate() error {
	if m.SessionID == "" {
		return missing("session id")
	}
	return m.Envelope.Validate()
}

// Validate implements Message.
func (m *RevokeMsg) Validate() error {
	if m.SessionID == "" {
		return missing("session id")
	}
	if len(m.Tag) == 0 {
		return missing("tag")
	}
	return nil
}

// Validate implements Message.
func (m *ErrorMsg) Validate() error { return nil }

func missing(field string) error {
	return fmt.Errorf("%w: missing %s", fault.ErrMalformedMessage, field)
}
