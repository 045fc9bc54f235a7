// Package wire defines the CBOR wire format of the vaultlink protocol.
//
// Every message is a CBOR map with integer keys. Key 1 always carries the
// message type so a receiver can dispatch before decoding the rest.
//
// # Message Types
//
// Pairing (cleartext, the PAKE values are not secret):
//   - PairingCodeRequest: agent asks the approver to issue a code
//   - PairingCodeOffer: approver returns the code id, the display code is
//     shown to the human only
//   - PairingInit, PairingResponse, PairingConfirm: the key agreement
//     with mutual key confirmation
//   - PairingComplete: approver announces the new session
//
// Session (payload sealed by the channel codec):
//   - CredentialRequestMsg, CredentialApprovalMsg
//   - RevokeMsg, authenticated with a session-derived tag
//
// ErrorMsg may be sent by either side to fail the peer fast.
package wire
