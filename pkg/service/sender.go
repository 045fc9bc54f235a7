package service

import (
	"context"
	"fmt"

	"github.com/vaultlink/vaultlink-go/pkg/exchange"
	"github.com/vaultlink/vaultlink-go/pkg/transport"
	"github.com/vaultlink/vaultlink-go/pkg/wire"
)

// ConnSender adapts a transport connection to exchange.Sender.
//
// It encodes each message with the wire codec and writes it as one frame, so
// the exchange layer never touches framing.
type ConnSender struct {
	conn transport.Conn
}

// NewConnSender creates a sender that writes to conn.
func NewConnSender(conn transport.Conn) *ConnSender {
	return &ConnSender{conn: conn}
}

// Send implements exchange.Sender.
func (s *ConnSender) Send(ctx context.Context, msg wire.Message) error {
	data, err := wire.Encode(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.Type(), err)
	}
	return s.conn.Send(ctx, data)
}

var _ exchange.Sender = (*ConnSender)(nil)
