// Package audit records the security-relevant history of pairings and
// sessions.
//
// It is separate from operational logging (slog). Every issued code,
// handshake, session transition, exchange outcome and rejected message
// produces one Event. Events carry identifiers, kinds and outcomes only,
// never display codes, keys or credential payloads.
//
// # Basic Usage
//
//	// Development: mirror events to the console
//	cfg.Audit = audit.NewSlogAdapter(slog.Default())
//
//	// Production: append to a CBOR file
//	cfg.Audit, _ = audit.NewFileLogger("/var/lib/vaultlink/audit.vlog")
//
//	// Both
//	cfg.Audit = audit.NewMultiLogger(console, file)
//
// # File Format
//
// Audit files are a stream of CBOR-encoded events with integer keys. The
// "vaultlink audit view" command reads and filters them.
package audit
