// Package pake implements password-authenticated key agreement for vaultlink
// pairing.
//
// # Overview
//
// An agent (initiator) and an approver (responder) share a short display code
// that a human relays out of band. Each side runs the PAKE engine once; the
// code itself never crosses the wire, only two protocol messages do. A
// successful run on both sides yields the same 32-byte session key.
//
// # Engine Capability
//
// The rest of vaultlink depends only on the Engine interface:
//
//	attempt, out, err := engine.Initiate(pake.RoleInitiator, code, codeID)
//	// send out, receive peer message in
//	key, err := engine.Complete(attempt, in)
//
// SPAKE2Plus is the bundled primitive. Any two-message PAKE (SRP, CPace) can
// be plugged in by satisfying Engine.
//
// # Key Confirmation
//
// A wrong code does not fail Complete; it yields mismatching keys. Confirm and
// VerifyConfirmation let each side prove key possession over the handshake
// transcript. Verification is constant-time and reports only
// ErrAuthenticationFailed, so a wrong code and a tampered message are
// indistinguishable to the caller.
//
// # Cryptographic Parameters
//
//   - Curve: P-256 (NIST)
//   - Hash: SHA-256
//   - KDF: HKDF-SHA256
//   - MAC: HMAC-SHA256
package pake
