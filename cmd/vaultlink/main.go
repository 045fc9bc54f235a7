// Command vaultlink pairs automated agents with a human approver and
// brokers credential requests between them.
//
// Usage:
//
//	vaultlink <command> [flags]
//
// Commands:
//
//	approver         Run the approver console
//	agent discover   Find approvers on the local network
//	agent pair       Pair with an approver using its one-time code
//	agent request    Request a credential over a paired session
//	agent sessions   List the agent's stored sessions
//	audit view       Print an audit file
//	audit stats      Summarize an audit file
//
// Examples:
//
//	# Run the approver with the vault in ~/.vaultlink/vault.yaml
//	vaultlink approver
//
//	# Pair an agent, then request a password
//	vaultlink agent pair --approver desk.local:7847
//	vaultlink agent request aa.com --field password
//
//	# Show failed handshakes from the audit trail
//	vaultlink audit view --action handshake_failed ~/.vaultlink/audit.cbor
//
// The session passphrase is read from VAULTLINK_PASSPHRASE, or prompted for.
package main

import (
	"os"

	"github.com/vaultlink/vaultlink-go/cmd/vaultlink/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
