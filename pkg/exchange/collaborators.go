package exchange

import (
	"context"
	"time"

	"github.com/vaultlink/vaultlink-go/pkg/wire"
)

// Sender delivers a message to the peer of a session.
type Sender interface {
	Send(ctx context.Context, msg wire.Message) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, msg wire.Message) error

// Send implements Sender.
func (f SenderFunc) Send(ctx context.Context, msg wire.Message) error {
	return f(ctx, msg)
}

// Vault looks up credential material for approved requests.
type Vault interface {
	// Lookup returns the requested fields for target. An unknown target
	// returns an error wrapping fault.ErrNotFound. The returned map is
	// handed to the caller, which zeroes its values once the response is
	// sent; return a fresh map on every call.
	Lookup(ctx context.Context, target string, fields []string) (map[string]string, error)
}

// Pending describes a request waiting for a decision. It carries no secret
// material.
type Pending struct {
	RequestID  string
	SessionID  string
	Target     string
	Fields     []string
	ReceivedAt time.Time
}

// Prompter surfaces pending requests to a human. Notify must not block; the
// decision comes back through Approver.Approve or Approver.Deny.
type Prompter interface {
	Notify(p Pending)

	// Resolved reports that a pending request left AwaitingApproval.
	Resolved(requestID string, state State)
}
