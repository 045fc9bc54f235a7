package channel

import (
	"crypto/cipher"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/vaultlink/vaultlink-go/internal/memzero"
	"github.com/vaultlink/vaultlink-go/pkg/fault"
	"github.com/vaultlink/vaultlink-go/pkg/metrics"
	"github.com/vaultlink/vaultlink-go/pkg/session"
	"github.com/vaultlink/vaultlink-go/pkg/wire"
)

// Sizes.
const (
	NonceSize = chacha20poly1305.NonceSize
	TagSize   = chacha20poly1305.Overhead
)

// Direction is the flow an envelope travels in.
type Direction uint8

const (
	// AgentToApprover carries requests.
	AgentToApprover Direction = 1

	// ApproverToAgent carries approvals and denials.
	ApproverToAgent Direction = 2
)

// String returns the direction name.
func (d Direction) String() string {
	switch d {
	case AgentToApprover:
		return "AGENT_TO_APPROVER"
	case ApproverToAgent:
		return "APPROVER_TO_AGENT"
	default:
		return "UNKNOWN"
	}
}

var (
	infoAgentToApprover = []byte("vaultlink channel agent->approver")
	infoApproverToAgent = []byte("vaultlink channel approver->agent")
	aadLabel            = []byte("vaultlink-v1")
)

// sendDirection returns the direction a session of the given role sends in.
func sendDirection(role session.Role) Direction {
	if role == session.RoleAgent {
		return AgentToApprover
	}
	return ApproverToAgent
}

// receiveDirection returns the direction a session of the given role
// receives in.
func receiveDirection(role session.Role) Direction {
	if role == session.RoleAgent {
		return ApproverToAgent
	}
	return AgentToApprover
}

// Codec encrypts and decrypts envelopes for sessions.
// It holds no per-session state; keys and counters live in the session.
type Codec struct {
	metrics *metrics.Metrics
}

// NewCodec creates a Codec. m may be nil.
func NewCodec(m *metrics.Metrics) *Codec {
	return &Codec{metrics: m}
}

// Encrypt seals plaintext with the session's next send sequence.
// Fails with fault.ErrSessionRevoked or fault.ErrSessionExpired once the
// session has ended.
func (c *Codec) Encrypt(sess *session.Session, plaintext []byte) (*wire.Envelope, error) {
	dir := sendDirection(sess.Role())

	var env *wire.Envelope
	err := sess.Send(func(key []byte, seq uint64) error {
		aead, err := directionalAEAD(key, sess.ID(), dir)
		if err != nil {
			return err
		}
		nonce := buildNonce(dir, sess.ID(), seq)
		sealed := aead.Seal(nil, nonce, plaintext, buildAAD(sess.ID(), dir, seq))

		split := len(sealed) - TagSize
		env = &wire.Envelope{
			Ciphertext: sealed[:split:split],
			Nonce:      nonce,
			Sequence:   seq,
			Tag:        sealed[split:],
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return env, nil
}

// Decrypt opens an envelope. The sequence must be exactly the next expected
// receive sequence. The receive counter advances only on success, so a
// rejected envelope never disturbs the order.
func (c *Codec) Decrypt(sess *session.Session, env *wire.Envelope) ([]byte, error) {
	plaintext, err := c.decrypt(sess, env)
	if err != nil {
		c.metrics.ChannelReject(fault.KindOf(err).String())
		return nil, err
	}
	return plaintext, nil
}

func (c *Codec) decrypt(sess *session.Session, env *wire.Envelope) ([]byte, error) {
	if env == nil || len(env.Nonce) != NonceSize || len(env.Tag) != TagSize {
		// Still report ended sessions first.
		if err := sess.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: bad envelope shape", fault.ErrMalformedMessage)
	}

	dir := receiveDirection(sess.Role())

	var plaintext []byte
	err := sess.Receive(func(key []byte, expected uint64) error {
		if env.Sequence != expected {
			return fmt.Errorf("%w: sequence %d, expected %d", fault.ErrReplayDetected, env.Sequence, expected)
		}

		nonce := buildNonce(dir, sess.ID(), env.Sequence)
		if !equalBytes(nonce, env.Nonce) {
			return fmt.Errorf("%w: nonce mismatch", fault.ErrAuthenticationFailed)
		}

		aead, err := directionalAEAD(key, sess.ID(), dir)
		if err != nil {
			return err
		}

		sealed := make([]byte, 0, len(env.Ciphertext)+TagSize)
		sealed = append(sealed, env.Ciphertext...)
		sealed = append(sealed, env.Tag...)

		pt, err := aead.Open(nil, nonce, sealed, buildAAD(sess.ID(), dir, env.Sequence))
		if err != nil {
			return fmt.Errorf("%w: envelope tag", fault.ErrAuthenticationFailed)
		}
		plaintext = pt
		return nil
	})
	if err != nil {
		return nil, err
	}
	return plaintext, nil
}

// directionalAEAD derives the key for one direction of a session.
func directionalAEAD(sessionKey []byte, sessionID string, dir Direction) (cipher.AEAD, error) {
	info := infoAgentToApprover
	if dir == ApproverToAgent {
		info = infoApproverToAgent
	}

	k := make([]byte, chacha20poly1305.KeySize)
	defer memzero.Zero(k)
	if _, err := io.ReadFull(hkdf.New(sha256.New, sessionKey, []byte(sessionID), info), k); err != nil {
		return nil, fmt.Errorf("derive channel key: %w", err)
	}
	return chacha20poly1305.New(k)
}

// buildNonce returns direction(1) || sha256(session id)[:3] || sequence(8).
func buildNonce(dir Direction, sessionID string, seq uint64) []byte {
	digest := sha256.Sum256([]byte(sessionID))

	nonce := make([]byte, NonceSize)
	nonce[0] = byte(dir)
	copy(nonce[1:4], digest[:3])
	binary.BigEndian.PutUint64(nonce[4:], seq)
	return nonce
}

// buildAAD binds the envelope to its session, direction and sequence.
func buildAAD(sessionID string, dir Direction, seq uint64) []byte {
	aad := make([]byte, 0, len(aadLabel)+len(sessionID)+1+8)
	aad = append(aad, aadLabel...)
	aad = append(aad, sessionID...)
	aad = append(aad, byte(dir))
	aad = binary.BigEndian.AppendUint64(aad, seq)
	return aad
}

func equalBytes(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var v byte
	for i := range a {
		v |= a[i] ^ b[i]
	}
	return v == 0
}
