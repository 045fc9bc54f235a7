package channel

import (
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/vaultlink/vaultlink-go/internal/memzero"
	"github.com/vaultlink/vaultlink-go/pkg/fault"
	"github.com/vaultlink/vaultlink-go/pkg/session"
)

var infoRevoke = []byte("vaultlink revoke")

// SignRevocation returns the tag authenticating a revocation notice for the
// session. The session must still be active.
func SignRevocation(sess *session.Session, reason string) ([]byte, error) {
	var tag []byte
	err := sess.WithKey(func(key []byte) error {
		t, err := revocationTag(key, sess.ID(), reason)
		tag = t
		return err
	})
	return tag, err
}

// VerifyRevocation checks a revocation notice received for the session.
func VerifyRevocation(sess *session.Session, reason string, tag []byte) error {
	return sess.WithKey(func(key []byte) error {
		want, err := revocationTag(key, sess.ID(), reason)
		if err != nil {
			return err
		}
		if !hmac.Equal(want, tag) {
			return fmt.Errorf("%w: revocation tag", fault.ErrAuthenticationFailed)
		}
		return nil
	})
}

func revocationTag(sessionKey []byte, sessionID, reason string) ([]byte, error) {
	macKey := make([]byte, sha256.Size)
	defer memzero.Zero(macKey)
	if _, err := io.ReadFull(hkdf.New(sha256.New, sessionKey, []byte(sessionID), infoRevoke), macKey); err != nil {
		return nil, fmt.Errorf("derive revocation key: %w", err)
	}

	mac := hmac.New(sha256.New, macKey)
	mac.Write([]byte("revoke"))
	mac.Write([]byte(sessionID))
	mac.Write([]byte{0})
	mac.Write([]byte(reason))
	return mac.Sum(nil), nil
}
