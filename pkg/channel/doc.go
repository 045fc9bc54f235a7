// Package channel seals application messages under a session key.
//
// Each direction has its own ChaCha20-Poly1305 key derived from the session
// key with HKDF, and its own sequence counter starting at 0. The nonce is
// built from the direction, a digest of the session id and the sequence, so
// a nonce is never reused under one key. Decrypt accepts only the exact next
// sequence of its direction: replays and reorders both fail with
// fault.ErrReplayDetected, tampering fails with fault.ErrAuthenticationFailed.
//
// The package also signs revocation notices with a session-derived MAC key
// and seals session keys at rest with a passphrase (KeyWrapper).
package channel
