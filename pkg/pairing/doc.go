// Package pairing issues one-time pairing codes and runs the pairing
// handshake on top of a pake.Engine.
//
// The approver owns a Registry. Issue generates a code id, which travels on
// the wire, and a display code, which a human relays to the agent.
// BeginHandshake starts a responder attempt for a live code; the agent starts
// its initiator attempt with Start. Both sides exchange PAKE messages and key
// confirmations through a Handshake.
//
// Consume marks a code used. It is atomic per code: under concurrent
// redemption exactly one caller wins and the rest get
// fault.ErrPairingAlreadyConsumed. Expired codes are rejected on access and
// reclaimed by Sweep after a retention window.
package pairing
