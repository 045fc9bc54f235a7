// Package session holds established sessions.
//
// A Session is created only after a pairing handshake has been verified and
// its code consumed. It carries the derived key, a status and the two
// per-direction sequence counters. Status is monotone: Active moves to
// Revoked or Expired and never back. Leaving Active wipes the key.
//
// The channel codec reaches the key and counters only through Session.Send,
// Session.Receive and Session.WithKey, which check the status under the
// session lock before every use.
//
// Persistence is opt-in: a FileStore snapshots active sessions to JSON with
// their keys sealed by a KeySealer, and Store.Restore loads the snapshot once.
package session
