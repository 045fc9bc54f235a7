package wire

import (
	"bytes"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"

	"github.com/vaultlink/vaultlink-go/pkg/fault"
)

// encMode is the CBOR encoder mode for vaultlink messages.
// Configured for deterministic encoding with integer keys.
var encMode cbor.EncMode

// decMode is the CBOR decoder mode for vaultlink messages.
var decMode cbor.DecMode

func init() {
	var err error

	encOpts := cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsNull,
		Time:          cbor.TimeUnix,
	}
	encMode, err = encOpts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create CBOR encoder mode: %v", err))
	}

	// Input comes from an unauthenticated peer: reject duplicate keys and
	// indefinite lengths.
	decOpts := cbor.DecOptions{
		DupMapKey:         cbor.DupMapKeyEnforcedAPF,
		IndefLength:       cbor.IndefLengthForbidden,
		MaxNestedLevels:   16,
		ExtraReturnErrors: cbor.ExtraDecErrorNone,
	}
	decMode, err = decOpts.DecMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create CBOR decoder mode: %v", err))
	}
}

// Marshal encodes a value to CBOR bytes.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR bytes into a value.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// NewEncoder creates a new CBOR encoder that writes to w.
func NewEncoder(w io.Writer) *cbor.Encoder {
	return encMode.NewEncoder(w)
}

// NewDecoder creates a new CBOR decoder that reads from r.
func NewDecoder(r io.Reader) *cbor.Decoder {
	return decMode.NewDecoder(r)
}

// Encode stamps msg with its type, validates it and encodes it.
func Encode(msg Message) ([]byte, error) {
	msg.stamp()
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return Marshal(msg)
}

// Decode decodes CBOR bytes into the message type named by key 1.
// All failures wrap fault.ErrMalformedMessage.
func Decode(data []byte) (Message, error) {
	var header struct {
		MsgType MsgType `cbor:"1,keyasint"`
	}
	if err := Unmarshal(data, &header); err != nil {
		return nil, fmt.Errorf("%w: %v", fault.ErrMalformedMessage, err)
	}

	msg := newMessage(header.MsgType)
	if msg == nil {
		return nil, fmt.Errorf("%w: unknown message type %d", fault.ErrMalformedMessage, header.MsgType)
	}
	if err := Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("%w: %v", fault.ErrMalformedMessage, err)
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return msg, nil
}

// PeekType returns the message type without decoding the rest.
func PeekType(data []byte) (MsgType, error) {
	var header struct {
		MsgType MsgType `cbor:"1,keyasint"`
	}
	if err := Unmarshal(data, &header); err != nil {
		return 0, fmt.Errorf("%w: %v", fault.ErrMalformedMessage, err)
	}
	return header.MsgType, nil
}

func newMessage(t MsgType) Message {
	switch t {
	case MsgPairingCodeRequest:
		return &PairingCodeRequest{}
	case MsgPairingCodeOffer:
		return &PairingCodeOffer{}
	case MsgPairingInit:
		return &PairingInit{}
	case MsgPairingResponse:
		return &PairingResponse{}
	case MsgPairingConfirm:
		return &PairingConfirm{}
	case MsgPairingComplete:
		return &PairingComplete{}
	case MsgCredentialRequest:
		return &CredentialRequestMsg{}
	case MsgCredentialApproval:
		return &CredentialApprovalMsg{}
	case MsgRevoke:
		return &RevokeMsg{}
	case MsgError:
		return &ErrorMsg{}
	default:
		return nil
	}
}

// Equal compares two values by their CBOR encoding.
func Equal(a, b any) bool {
	dataA, errA := Marshal(a)
	dataB, errB := Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(dataA, dataB)
}
