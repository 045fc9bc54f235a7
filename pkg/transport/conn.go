package transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrConnectionClosed is returned by operations on a closed Conn.
var ErrConnectionClosed = errors.New("connection closed")

// Conn is an ordered, message-oriented connection to a peer.
type Conn interface {
	// ID identifies the connection in logs and audit records.
	ID() string

	// Send writes one message. Concurrent calls are serialized.
	Send(ctx context.Context, data []byte) error

	// Receive reads the next message, blocking until one arrives, the
	// context ends or the connection closes.
	Receive(ctx context.Context) ([]byte, error)

	// RemoteAddr returns the peer address.
	RemoteAddr() net.Addr

	// Close closes the connection. Safe to call more than once.
	Close() error
}

// StreamConn is a Conn over a net.Conn using length-prefixed frames.
type StreamConn struct {
	id     string
	conn   net.Conn
	framer *Framer

	closeOnce sync.Once
	closeCh   chan struct{}
	writeMu   sync.Mutex
	readMu    sync.Mutex
}

var _ Conn = (*StreamConn)(nil)

// NewStreamConn wraps c. A zero maxSize uses DefaultMaxMessageSize.
func NewStreamConn(c net.Conn, maxSize uint32) *StreamConn {
	return &StreamConn{
		id:      uuid.New().String(),
		conn:    c,
		framer:  NewFramer(c, maxSize),
		closeCh: make(chan struct{}),
	}
}

// ID implements Conn.
func (c *StreamConn) ID() string {
	return c.id
}

// RemoteAddr implements Conn.
func (c *StreamConn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// LocalAddr returns the local address.
func (c *StreamConn) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

// Done is closed when the connection closes.
func (c *StreamConn) Done() <-chan struct{} {
	return c.closeCh
}

// Send implements Conn. The context deadline bounds the write.
func (c *StreamConn) Send(ctx context.Context, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.closed() {
		return ErrConnectionClosed
	}
	stop := c.bindDeadline(ctx, c.conn.SetWriteDeadline)
	defer stop()

	if err := c.framer.WriteFrame(data); err != nil {
		return c.wrap(ctx, err)
	}
	return nil
}

// Receive implements Conn. The context deadline bounds the read.
func (c *StreamConn) Receive(ctx context.Context) ([]byte, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	if c.closed() {
		return nil, ErrConnectionClosed
	}
	stop := c.bindDeadline(ctx, c.conn.SetReadDeadline)
	defer stop()

	data, err := c.framer.ReadFrame()
	if err != nil {
		return nil, c.wrap(ctx, err)
	}
	return data, nil
}

// Close implements Conn.
func (c *StreamConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closeCh)
		err = c.conn.Close()
	})
	return err
}

func (c *StreamConn) closed() bool {
	select {
	case <-c.closeCh:
		return true
	default:
		return false
	}
}

// bindDeadline applies the context deadline to the connection and
// interrupts the I/O when the context is cancelled.
func (c *StreamConn) bindDeadline(ctx context.Context, set func(time.Time) error) func() {
	if d, ok := ctx.Deadline(); ok {
		_ = set(d)
	}
	fired := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		_ = set(time.Now())
		close(fired)
	})
	return func() {
		if !stop() {
			<-fired
		}
		_ = set(time.Time{})
	}
}

// wrap reports context and close errors in place of the raw I/O error.
func (c *StreamConn) wrap(ctx context.Context, err error) error {
	if c.closed() {
		return ErrConnectionClosed
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return errors.Join(ctxErr, err)
	}
	return err
}
