package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vaultlink/vaultlink-go/internal/memzero"
	"github.com/vaultlink/vaultlink-go/pkg/audit"
	"github.com/vaultlink/vaultlink-go/pkg/fault"
	"github.com/vaultlink/vaultlink-go/pkg/pairing"
	"github.com/vaultlink/vaultlink-go/pkg/pake"
	"github.com/vaultlink/vaultlink-go/pkg/session"
	"github.com/vaultlink/vaultlink-go/pkg/transport"
	"github.com/vaultlink/vaultlink-go/pkg/wire"
)

// approverConn is the approver's state for one agent connection.
type approverConn struct {
	svc    *ApproverService
	conn   transport.Conn
	sender *ConnSender

	mu        sync.Mutex
	agentName string
	pending   *pendingHandshake
	bound     map[string]struct{}
}

// pendingHandshake is a handshake waiting for the agent's confirmation.
type pendingHandshake struct {
	h     *pairing.Handshake
	timer *time.Timer
}

// ServeConn serves one agent connection until it closes or ctx ends.
// It is the transport handler of a started service and can be called
// directly with any transport.Conn.
func (s *ApproverService) ServeConn(ctx context.Context, conn transport.Conn) {
	c := &approverConn{
		svc:    s,
		conn:   conn,
		sender: NewConnSender(conn),
		bound:  make(map[string]struct{}),
	}

	s.tracker.Add(conn)
	s.emit(Event{Type: EventConnected, ConnID: conn.ID()})
	defer func() {
		s.tracker.Remove(conn)
		c.close()
		s.emit(Event{Type: EventDisconnected, ConnID: conn.ID()})
	}()

	for {
		data, err := conn.Receive(ctx)
		if err != nil {
			if !errors.Is(err, transport.ErrConnectionClosed) && ctx.Err() == nil {
				s.debug("receive failed", slog.String("conn_id", conn.ID()), slog.Any("error", err))
			}
			return
		}

		msg, err := wire.Decode(data)
		if err != nil {
			s.event(audit.ActionMessageRejected, conn.ID(), err, "undecodable frame")
			c.replyError(ctx, "", err)
			continue
		}
		if err := c.handle(ctx, msg); err != nil {
			s.debug("message failed",
				slog.String("conn_id", conn.ID()),
				slog.String("type", msg.Type().String()),
				slog.Any("error", err))
		}
	}
}

func (c *approverConn) handle(ctx context.Context, msg wire.Message) error {
	switch m := msg.(type) {
	case *wire.PairingCodeRequest:
		return c.handleCodeRequest(ctx, m)
	case *wire.PairingInit:
		return c.handleInit(ctx, m)
	case *wire.PairingConfirm:
		return c.handleConfirm(ctx, m)
	case *wire.CredentialRequestMsg:
		c.svc.tracker.Remove(c.conn)
		c.track(m.SessionID)
		return c.svc.approver.HandleRequest(ctx, m, c.sender)
	case *wire.ErrorMsg:
		c.handlePeerError(m)
		return nil
	default:
		err := fmt.Errorf("%w: %w: %s", fault.ErrMalformedMessage, ErrUnexpectedMessage, msg.Type())
		c.svc.event(audit.ActionMessageRejected, c.conn.ID(), err, msg.Type().String())
		c.replyError(ctx, "", err)
		return err
	}
}

func (c *approverConn) handleCodeRequest(ctx context.Context, m *wire.PairingCodeRequest) error {
	if !c.svc.limiter.Allow() {
		c.replyError(ctx, "", ErrRateLimited)
		return ErrRateLimited
	}

	code, err := c.svc.registry.Issue(0)
	if err != nil {
		c.replyError(ctx, "", err)
		return err
	}

	c.mu.Lock()
	c.agentName = m.AgentName
	c.mu.Unlock()

	c.svc.emit(Event{
		Type:      EventCodeIssued,
		ConnID:    c.conn.ID(),
		AgentName: m.AgentName,
		CodeID:    code.ID,
		Code:      &code,
	})
	return c.sender.Send(ctx, &wire.PairingCodeOffer{CodeID: code.ID, ExpiresAt: code.ExpiresAt.Unix()})
}

func (c *approverConn) handleInit(ctx context.Context, m *wire.PairingInit) error {
	if !c.svc.limiter.Allow() {
		c.replyError(ctx, m.CodeID, ErrRateLimited)
		return ErrRateLimited
	}
	if err := c.svc.backoff(ctx); err != nil {
		return err
	}

	h, err := c.svc.registry.BeginHandshake(m.CodeID, pake.RoleResponder)
	if err != nil {
		c.pairingFailed(ctx, m.CodeID, err)
		return err
	}
	if err := h.Complete(m.PakeMessage); err != nil {
		c.pairingFailed(ctx, m.CodeID, err)
		return err
	}
	confirmation, err := h.Confirmation()
	if err != nil {
		h.Abort()
		c.pairingFailed(ctx, m.CodeID, err)
		return err
	}

	c.setHandshake(h)
	resp := &wire.PairingResponse{CodeID: m.CodeID, PakeMessage: h.Message(), Confirmation: confirmation}
	if err := c.sender.Send(ctx, resp); err != nil {
		if h := c.takeHandshake(m.CodeID); h != nil {
			h.Reject(err)
		}
		return err
	}
	return nil
}

func (c *approverConn) handleConfirm(ctx context.Context, m *wire.PairingConfirm) error {
	h := c.takeHandshake(m.CodeID)
	if h == nil {
		err := fmt.Errorf("%w: %w", fault.ErrMalformedMessage, ErrNoHandshake)
		c.replyError(ctx, m.CodeID, err)
		return err
	}

	if err := h.Verify(m.Confirmation); err != nil {
		c.pairingFailed(ctx, m.CodeID, err)
		return err
	}
	key, err := h.Finish()
	if err != nil {
		c.pairingFailed(ctx, m.CodeID, err)
		return err
	}

	sess, err := c.svc.sessions.Create("", key, session.RoleApprover, c.svc.config.SessionTTL)
	if err != nil {
		memzero.Zero(key)
		c.pairingFailed(ctx, m.CodeID, err)
		return err
	}

	complete := &wire.PairingComplete{CodeID: m.CodeID, SessionID: sess.ID(), ExpiresAt: sess.ExpiresAt().Unix()}
	if err := c.sender.Send(ctx, complete); err != nil {
		// The agent never learned the session id.
		_ = c.svc.sessions.Revoke(sess.ID(), "pairing not delivered")
		return err
	}

	c.svc.tracker.Remove(c.conn)
	c.track(sess.ID())
	c.svc.approver.Bind(sess.ID(), c.sender)

	c.mu.Lock()
	agent := c.agentName
	c.mu.Unlock()
	c.svc.emit(Event{Type: EventPaired, ConnID: c.conn.ID(), AgentName: agent, CodeID: m.CodeID, SessionID: sess.ID()})
	c.svc.info("agent paired", slog.String("session_id", sess.ID()), slog.String("agent", agent))
	return nil
}

// handlePeerError ends the pending handshake the agent gave up on, so the
// failure counts against the code.
func (c *approverConn) handlePeerError(m *wire.ErrorMsg) {
	h := c.takeHandshake(m.Subject)
	if h == nil {
		c.svc.debug("peer error", slog.String("conn_id", c.conn.ID()), slog.String("subject", m.Subject), slog.String("kind", m.Kind.String()))
		return
	}
	err := m.Err()
	h.Reject(err)
	c.svc.emit(Event{Type: EventPairingFailed, ConnID: c.conn.ID(), CodeID: m.Subject, Error: err})
}

func (c *approverConn) pairingFailed(ctx context.Context, codeID string, err error) {
	c.replyError(ctx, codeID, err)
	c.svc.emit(Event{Type: EventPairingFailed, ConnID: c.conn.ID(), CodeID: codeID, Error: err})
	c.svc.info("pairing failed", slog.String("code_id", codeID), slog.String("kind", fault.KindOf(err).String()))
}

// replyError tells the agent why its message was refused. Best effort.
func (c *approverConn) replyError(ctx context.Context, subject string, cause error) {
	msg := &wire.ErrorMsg{Subject: subject, Kind: fault.KindOf(cause), Message: cause.Error()}
	if err := c.sender.Send(ctx, msg); err != nil {
		c.svc.debug("error reply failed", slog.String("conn_id", c.conn.ID()), slog.Any("error", err))
	}
}

// setHandshake makes h the connection's pending handshake. A handshake it
// replaces counts as failed.
func (c *approverConn) setHandshake(h *pairing.Handshake) {
	ph := &pendingHandshake{h: h}

	c.mu.Lock()
	prev := c.pending
	c.pending = ph
	ph.timer = time.AfterFunc(c.svc.config.HandshakeTimeout, func() { c.expireHandshake(ph) })
	c.mu.Unlock()

	if prev != nil {
		prev.timer.Stop()
		prev.h.Reject(ErrPairingInProgress)
	}
}

// takeHandshake removes and returns the pending handshake for codeID.
func (c *approverConn) takeHandshake(codeID string) *pairing.Handshake {
	c.mu.Lock()
	defer c.mu.Unlock()
	ph := c.pending
	if ph == nil || ph.h.CodeID() != codeID {
		return nil
	}
	c.pending = nil
	ph.timer.Stop()
	return ph.h
}

func (c *approverConn) expireHandshake(ph *pendingHandshake) {
	c.mu.Lock()
	if c.pending != ph {
		c.mu.Unlock()
		return
	}
	c.pending = nil
	c.mu.Unlock()

	codeID := ph.h.CodeID()
	err := fmt.Errorf("%w: no confirmation", fault.ErrTimeout)
	ph.h.Reject(err)

	ctx, cancel := context.WithTimeout(context.Background(), c.svc.config.HandshakeTimeout)
	defer cancel()
	c.pairingFailed(ctx, codeID, err)
}

func (c *approverConn) track(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bound[sessionID] = struct{}{}
}

// close ends an unfinished handshake and unbinds the connection's sessions.
func (c *approverConn) close() {
	c.mu.Lock()
	ph := c.pending
	c.pending = nil
	bound := c.bound
	c.bound = make(map[string]struct{})
	c.mu.Unlock()

	if ph != nil {
		ph.timer.Stop()
		ph.h.Reject(transport.ErrConnectionClosed)
	}
	for id := range bound {
		c.svc.approver.Unbind(id, c.sender)
	}
}
