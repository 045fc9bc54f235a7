package exchange

import (
	"fmt"

	"github.com/vaultlink/vaultlink-go/pkg/fault"
	"github.com/vaultlink/vaultlink-go/pkg/wire"
)

// CredentialRequest asks the approver for a credential.
// CBOR: { 1: requestId, 2: target, 3: fields }
type CredentialRequest struct {
	RequestID string   `cbor:"1,keyasint"`
	Target    string   `cbor:"2,keyasint"`
	Fields    []string `cbor:"3,keyasint,omitempty"`
}

// Validate checks the required fields.
func (r *CredentialRequest) Validate() error {
	if r.RequestID == "" {
		return fmt.Errorf("%w: missing request id", fault.ErrMalformedMessage)
	}
	if r.Target == "" {
		return fmt.Errorf("%w: missing target", fault.ErrMalformedMessage)
	}
	if len(r.Fields) == 0 {
		return fmt.Errorf("%w: no fields requested", fault.ErrMalformedMessage)
	}
	return nil
}

// CredentialResponse answers a CredentialRequest. Payload is set only when
// approved, Reason only when denied.
// CBOR: { 1: requestId, 2: approved, 3: payload, 4: reason }
type CredentialResponse struct {
	RequestID string            `cbor:"1,keyasint"`
	Approved  bool              `cbor:"2,keyasint"`
	Payload   map[string]string `cbor:"3,keyasint,omitempty"`
	Reason    string            `cbor:"4,keyasint,omitempty"`
}

// Validate checks the required fields and the approved/denied exclusivity.
func (r *CredentialResponse) Validate() error {
	if r.RequestID == "" {
		return fmt.Errorf("%w: missing request id", fault.ErrMalformedMessage)
	}
	if r.Approved && r.Reason != "" {
		return fmt.Errorf("%w: reason on approval", fault.ErrMalformedMessage)
	}
	if !r.Approved && len(r.Payload) > 0 {
		return fmt.Errorf("%w: payload on denial", fault.ErrMalformedMessage)
	}
	return nil
}

// wipe clears the payload values in place.
func (r *CredentialResponse) wipe() {
	for k := range r.Payload {
		r.Payload[k] = ""
	}
	r.Payload = nil
}

type validator interface {
	Validate() error
}

func encodePayload(v validator) ([]byte, error) {
	if err := v.Validate(); err != nil {
		return nil, err
	}
	return wire.Marshal(v)
}

func decodePayload(data []byte, v validator) error {
	if err := wire.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", fault.ErrMalformedMessage, err)
	}
	return v.Validate()
}
