package pake

import (
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"math/big"

	"golang.org/x/crypto/hkdf"

	"github.com/vaultlink/vaultlink-go/internal/memzero"
)

// PointSize is the size of an uncompressed P-256 point, the SPAKE2+ message.
const PointSize = 65

// Curve parameters for P-256.
var curve = elliptic.P256()

// M and N are fixed generator points for SPAKE2+ on P-256.
// Values from RFC 9383 for P-256.
var (
	pointM = &curvePoint{
		x: mustHexBigInt("886e2f97ace46e55ba9dd7242579f2993b64e16ef3dcab95afd497333d8fa12f"),
		y: mustHexBigInt("5ff355163e43ce224e0b0e65ff02ac8e5c7be09419c785e0ca547d55a12e2d20"),
	}

	pointN = &curvePoint{
		x: mustHexBigInt("d8bbd6c639c62937b04d997f38c3770719c629d7014d49a24b4f98baa1292b49"),
		y: mustHexBigInt("07d60aa6bfade45008a636337f5168c64d9bd36034808cd564490b1e656edbe7"),
	}
)

type curvePoint struct {
	x, y *big.Int
}

func mustHexBigInt(s string) *big.Int {
	n, ok := new(big.Int).SetString(s, 16)
	if !ok {
		panic("invalid hex string: " + s)
	}
	return n
}

// SPAKE2Plus is an Engine running SPAKE2+ over P-256.
//
// The initiator plays the SPAKE2+ client holding (w0, w1). The responder
// knows the code as well, so it derives the verifier (w0, L = w1*G) on the
// fly instead of loading a stored one.
type SPAKE2Plus struct {
	// InitiatorIdentity and ResponderIdentity are mixed into the password
	// derivation and the key transcript. Both sides must agree on them.
	InitiatorIdentity []byte
	ResponderIdentity []byte

	// Rand is the entropy source for ephemeral scalars. Defaults to crypto/rand.
	Rand io.Reader
}

// NewSPAKE2Plus creates a SPAKE2+ engine with the default vaultlink identities.
func NewSPAKE2Plus() *SPAKE2Plus {
	return &SPAKE2Plus{
		InitiatorIdentity: []byte("vaultlink-agent"),
		ResponderIdentity: []byte("vaultlink-approver"),
	}
}

// Compile-time interface satisfaction check.
var _ Engine = (*SPAKE2Plus)(nil)

// Initiate implements Engine.
func (e *SPAKE2Plus) Initiate(role Role, code DisplayCode, context []byte) (*Attempt, []byte, error) {
	if !role.IsValid() {
		return nil, nil, ErrInvalidRole
	}
	if err := code.Validate(); err != nil {
		return nil, nil, err
	}

	w0, w1, err := e.deriveW(code, context)
	if err != nil {
		return nil, nil, err
	}

	scalar, err := rand.Int(e.entropy(), curve.Params().N)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate ephemeral key: %w", err)
	}

	base := &spakeState{
		engine:  e,
		context: append([]byte(nil), context...),
		scalar:  scalar,
		w0:      w0,
	}

	var msg []byte
	var state primitiveState
	switch role {
	case RoleInitiator:
		// pA = x*G + w0*M
		msg = publicValue(scalar, w0, pointM)
		state = &initiatorState{spakeState: base, w1: w1, pA: msg}
	case RoleResponder:
		// L = w1*G
		lx, ly := curve.ScalarBaseMult(w1.Bytes())
		w1.SetInt64(0)
		// pB = y*G + w0*N
		msg = publicValue(scalar, w0, pointN)
		state = &responderState{spakeState: base, lx: lx, ly: ly, pB: msg}
	}

	return &Attempt{
		role:    role,
		context: base.context,
		local:   msg,
		state:   state,
	}, msg, nil
}

// Complete implements Engine.
func (e *SPAKE2Plus) Complete(attempt *Attempt, inbound []byte) ([]byte, error) {
	if attempt == nil {
		return nil, ErrAttemptCompleted
	}
	return attempt.complete(inbound)
}

func (e *SPAKE2Plus) entropy() io.Reader {
	if e.Rand != nil {
		return e.Rand
	}
	return rand.Reader
}

// deriveW derives the SPAKE2+ password scalars w0 and w1 from the code.
func (e *SPAKE2Plus) deriveW(code DisplayCode, context []byte) (*big.Int, *big.Int, error) {
	salt := make([]byte, 0, len(e.InitiatorIdentity)+len(e.ResponderIdentity)+len(context))
	salt = append(salt, e.InitiatorIdentity...)
	salt = append(salt, e.ResponderIdentity...)
	salt = append(salt, context...)

	password := code.Bytes()
	defer memzero.Zero(password)
	hkdfReader := hkdf.New(sha256.New, password, salt, []byte("SPAKE2+-P256-SHA256 w"))

	w0Bytes := make([]byte, 40)
	w1Bytes := make([]byte, 40)
	defer memzero.Zero(w0Bytes)
	defer memzero.Zero(w1Bytes)
	if _, err := io.ReadFull(hkdfReader, w0Bytes); err != nil {
		return nil, nil, fmt.Errorf("failed to derive w0: %w", err)
	}
	if _, err := io.ReadFull(hkdfReader, w1Bytes); err != nil {
		return nil, nil, fmt.Errorf("failed to derive w1: %w", err)
	}

	w0 := new(big.Int).SetBytes(w0Bytes)
	w1 := new(big.Int).SetBytes(w1Bytes)
	w0.Mod(w0, curve.Params().N)
	w1.Mod(w1, curve.Params().N)
	return w0, w1, nil
}

// publicValue returns scalar*G + w0*P, uncompressed.
func publicValue(scalar, w0 *big.Int, p *curvePoint) []byte {
	gx, gy := curve.ScalarBaseMult(scalar.Bytes())
	wx, wy := curve.ScalarMult(p.x, p.y, w0.Bytes())
	x, y := curve.Add(gx, gy, wx, wy)
	return elliptic.Marshal(curve, x, y)
}

// parsePoint decodes an uncompressed point sent by the peer.
func parsePoint(data []byte) (*big.Int, *big.Int, error) {
	if len(data) != PointSize || data[0] != 4 {
		return nil, nil, malformed(fmt.Sprintf("expected %d-byte uncompressed point", PointSize))
	}
	x, y := elliptic.Unmarshal(curve, data)
	if x == nil {
		return nil, nil, rejected("point not on curve")
	}
	return x, y, nil
}

// unblind returns (px,py) - w0*blind. Fails if the result is the identity.
func unblind(px, py, w0 *big.Int, blind *curvePoint) (*big.Int, *big.Int, error) {
	bx, by := curve.ScalarMult(blind.x, blind.y, w0.Bytes())
	byNeg := new(big.Int).Neg(by)
	byNeg.Mod(byNeg, curve.Params().P)

	x, y := curve.Add(px, py, bx, byNeg)
	if x.Sign() == 0 && y.Sign() == 0 {
		return nil, nil, rejected("identity point")
	}
	return x, y, nil
}

// spakeState is the part of the attempt state shared by both roles.
type spakeState struct {
	engine  *SPAKE2Plus
	context []byte
	scalar  *big.Int
	w0      *big.Int
}

func (s *spakeState) wipe() {
	s.scalar.SetInt64(0)
	s.w0.SetInt64(0)
}

// sessionKey hashes the transcript and expands it into the session key.
// Transcript: identities || context || pA || pB || Z || V || w0
func (s *spakeState) sessionKey(pA, pB []byte, zx, zy, vx, vy *big.Int) ([]byte, error) {
	h := sha256.New()
	h.Write(s.engine.InitiatorIdentity)
	h.Write(s.engine.ResponderIdentity)
	h.Write(s.context)
	h.Write(pA)
	h.Write(pB)
	h.Write(elliptic.Marshal(curve, zx, zy))
	h.Write(elliptic.Marshal(curve, vx, vy))
	h.Write(s.w0.Bytes())
	transcript := h.Sum(nil)
	defer memzero.Zero(transcript)

	key := make([]byte, SessionKeySize)
	hkdfReader := hkdf.New(sha256.New, transcript, nil, []byte("SPAKE2+-P256-SHA256"))
	if _, err := io.ReadFull(hkdfReader, key); err != nil {
		return nil, fmt.Errorf("failed to derive session key: %w", err)
	}
	return key, nil
}

// initiatorState is the SPAKE2+ client side.
type initiatorState struct {
	*spakeState
	w1 *big.Int
	pA []byte
}

func (s *initiatorState) derive(pB []byte) ([]byte, error) {
	px, py, err := parsePoint(pB)
	if err != nil {
		return nil, err
	}

	// Y = pB - w0*N
	yx, yy, err := unblind(px, py, s.w0, pointN)
	if err != nil {
		return nil, err
	}

	// Z = x*Y, V = w1*Y
	zx, zy := curve.ScalarMult(yx, yy, s.scalar.Bytes())
	vx, vy := curve.ScalarMult(yx, yy, s.w1.Bytes())

	return s.sessionKey(s.pA, pB, zx, zy, vx, vy)
}

func (s *initiatorState) wipe() {
	s.spakeState.wipe()
	s.w1.SetInt64(0)
}

// responderState is the SPAKE2+ server side.
type responderState struct {
	*spakeState
	lx, ly *big.Int
	pB     []byte
}

func (s *responderState) derive(pA []byte) ([]byte, error) {
	px, py, err := parsePoint(pA)
	if err != nil {
		return nil, err
	}

	// X = pA - w0*M
	xx, xy, err := unblind(px, py, s.w0, pointM)
	if err != nil {
		return nil, err
	}

	// Z = y*X, V = y*L
	zx, zy := curve.ScalarMult(xx, xy, s.scalar.Bytes())
	vx, vy := curve.ScalarMult(s.lx, s.ly, s.scalar.Bytes())

	return s.sessionKey(pA, s.pB, zx, zy, vx, vy)
}
