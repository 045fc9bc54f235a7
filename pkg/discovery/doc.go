// Package discovery advertises approvers on the local network with mDNS so
// an agent can find one without a configured address.
//
// An approver registers a "_vaultlink._tcp" service. Its TXT records carry
// the protocol version and a display name; they carry no pairing material.
// The display code is still relayed by the person pairing the two sides.
package discovery
