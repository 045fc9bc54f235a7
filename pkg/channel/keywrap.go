package channel

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/vaultlink/vaultlink-go/internal/memzero"
	"github.com/vaultlink/vaultlink-go/pkg/fault"
	"github.com/vaultlink/vaultlink-go/pkg/session"
)

// SaltSize is the Argon2id salt size carried in every sealed key.
const SaltSize = 16

const keyWrapVersion byte = 1

// ErrEmptyPassphrase is returned by NewKeyWrapper for an empty passphrase.
var ErrEmptyPassphrase = errors.New("channel: empty passphrase")

// KDFParams are the Argon2id cost parameters.
type KDFParams struct {
	Time      uint32
	MemoryKiB uint32
	Threads   uint8
}

// DefaultKDFParams follows the second recommended option of RFC 9106.
var DefaultKDFParams = KDFParams{Time: 3, MemoryKiB: 64 * 1024, Threads: 4}

// KeyWrapper seals session keys under a passphrase.
//
// Layout: version(1) || salt(16) || nonce(24) || XChaCha20-Poly1305(key).
// The session id is the additional data, so a sealed key cannot be moved
// to another session.
type KeyWrapper struct {
	passphrase []byte
	params     KDFParams
	rand       io.Reader
}

var _ session.KeySealer = (*KeyWrapper)(nil)

// NewKeyWrapper creates a KeyWrapper with DefaultKDFParams.
func NewKeyWrapper(passphrase string) (*KeyWrapper, error) {
	return NewKeyWrapperWithParams(passphrase, DefaultKDFParams)
}

// NewKeyWrapperWithParams creates a KeyWrapper with explicit cost parameters.
func NewKeyWrapperWithParams(passphrase string, params KDFParams) (*KeyWrapper, error) {
	if passphrase == "" {
		return nil, ErrEmptyPassphrase
	}
	if params.Time == 0 || params.MemoryKiB == 0 || params.Threads == 0 {
		return nil, fmt.Errorf("channel: invalid kdf params %+v", params)
	}
	return &KeyWrapper{passphrase: []byte(passphrase), params: params, rand: rand.Reader}, nil
}

// Seal implements session.KeySealer.
func (w *KeyWrapper) Seal(key []byte, sessionID string) ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := io.ReadFull(w.rand, salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := io.ReadFull(w.rand, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	kek := w.deriveKEK(salt)
	defer memzero.Zero(kek)
	aead, err := chacha20poly1305.NewX(kek)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, 1+SaltSize+len(nonce)+len(key)+aead.Overhead())
	out = append(out, keyWrapVersion)
	out = append(out, salt...)
	out = append(out, nonce...)
	return aead.Seal(out, nonce, key, []byte(sessionID)), nil
}

// Open implements session.KeySealer.
func (w *KeyWrapper) Open(sealed []byte, sessionID string) ([]byte, error) {
	headerSize := 1 + SaltSize + chacha20poly1305.NonceSizeX
	if len(sealed) < headerSize+chacha20poly1305.Overhead {
		return nil, fmt.Errorf("%w: sealed key too short", fault.ErrMalformedMessage)
	}
	if sealed[0] != keyWrapVersion {
		return nil, fmt.Errorf("%w: sealed key version %d", fault.ErrMalformedMessage, sealed[0])
	}
	salt := sealed[1 : 1+SaltSize]
	nonce := sealed[1+SaltSize : headerSize]

	kek := w.deriveKEK(salt)
	defer memzero.Zero(kek)
	aead, err := chacha20poly1305.NewX(kek)
	if err != nil {
		return nil, err
	}

	key, err := aead.Open(nil, nonce, sealed[headerSize:], []byte(sessionID))
	if err != nil {
		return nil, fmt.Errorf("%w: wrong passphrase or session id", fault.ErrAuthenticationFailed)
	}
	return key, nil
}

func (w *KeyWrapper) deriveKEK(salt []byte) []byte {
	return argon2.IDKey(w.passphrase, salt, w.params.Time, w.params.MemoryKiB, w.params.Threads, chacha20poly1305.KeySize)
}
