// Package transport moves opaque messages between an agent and an approver.
//
// The core only needs a Conn: send bytes, receive bytes, ordered per
// connection. This package provides the reference implementation over any
// net.Conn using length-prefixed frames, plus a TCP Server and Dial.
//
// # Framing
//
//	┌──────────────────┬─────────────────────────┐
//	│ length (4B, BE)  │ payload (1..MaxSize B)  │
//	└──────────────────┴─────────────────────────┘
//
// The default maximum payload is 64 KiB. There is no TLS; every message
// after pairing is sealed by the channel package.
package transport
