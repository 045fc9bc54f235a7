package pake

import (
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/vaultlink/vaultlink-go/internal/memzero"
	"github.com/vaultlink/vaultlink-go/pkg/fault"
)

// ConfirmationSize is the size of a key confirmation MAC.
const ConfirmationSize = 32

var confirmInfo = []byte("vaultlink key confirmation")

// Confirm returns role's key confirmation MAC over the handshake transcript.
func Confirm(key []byte, role Role, transcript []byte) ([]byte, error) {
	ck, err := confirmKey(key)
	if err != nil {
		return nil, err
	}
	defer memzero.Zero(ck)

	mac := hmac.New(sha256.New, ck)
	mac.Write([]byte(role.String()))
	mac.Write(transcript)
	return mac.Sum(nil), nil
}

// VerifyConfirmation checks the peer's confirmation MAC in constant time.
// Any mismatch, including a wrong length, yields fault.ErrAuthenticationFailed.
func VerifyConfirmation(key []byte, peer Role, transcript, confirmation []byte) error {
	expected, err := Confirm(key, peer, transcript)
	if err != nil {
		return err
	}
	if !hmac.Equal(expected, confirmation) {
		return fmt.Errorf("%w: key confirmation mismatch", fault.ErrAuthenticationFailed)
	}
	return nil
}

func confirmKey(key []byte) ([]byte, error) {
	ck := make([]byte, sha256.Size)
	if _, err := io.ReadFull(hkdf.New(sha256.New, key, nil, confirmInfo), ck); err != nil {
		return nil, fmt.Errorf("failed to derive confirmation key: %w", err)
	}
	return ck, nil
}
