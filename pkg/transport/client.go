package transport

import (
	"context"
	"fmt"
	"net"
	"time"
)

// DefaultConnectTimeout bounds Dial when the context has no deadline.
const DefaultConnectTimeout = 10 * time.Second

// DialConfig configures Dial.
type DialConfig struct {
	// MaxMessageSize is the maximum message size (default: 64 KiB).
	MaxMessageSize uint32

	// ConnectTimeout is the connection timeout (default: 10s).
	ConnectTimeout time.Duration
}

// Dial connects to an approver at address.
func Dial(ctx context.Context, address string, config DialConfig) (*StreamConn, error) {
	if config.ConnectTimeout == 0 {
		config.ConnectTimeout = DefaultConnectTimeout
	}
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, config.ConnectTimeout)
		defer cancel()
	}

	dialer := &net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("dial failed: %w", err)
	}
	return NewStreamConn(conn, config.MaxMessageSize), nil
}

// Pipe returns two connected in-memory Conns.
func Pipe() (*StreamConn, *StreamConn) {
	a, b := net.Pipe()
	return NewStreamConn(a, 0), NewStreamConn(b, 0)
}
