// Package fault defines the error taxonomy shared by every vaultlink layer.
//
// Each Kind has a sentinel error. Components wrap the sentinel with context
// using fmt.Errorf("%w") and callers classify with errors.Is or KindOf:
//
//	if errors.Is(err, fault.ErrReplayDetected) { ... }
//	kind := fault.KindOf(err) // fault.KindReplayDetected
//
// Handshake-stage kinds (PairingExpired, PairingAlreadyConsumed and
// AuthenticationFailed during pairing) end only the pairing attempt.
// Session-stage kinds end the in-progress exchange; the session itself stays
// active unless the kind is SessionRevoked or SessionExpired.
package fault
