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
	"github.com/vaultlink/vaultlink-go/pkg/channel"
	"github.com/vaultlink/vaultlink-go/pkg/connection"
	"github.com/vaultlink/vaultlink-go/pkg/exchange"
	"github.com/vaultlink/vaultlink-go/pkg/fault"
	"github.com/vaultlink/vaultlink-go/pkg/pairing"
	"github.com/vaultlink/vaultlink-go/pkg/pake"
	"github.com/vaultlink/vaultlink-go/pkg/session"
	"github.com/vaultlink/vaultlink-go/pkg/transport"
	"github.com/vaultlink/vaultlink-go/pkg/wire"
)

// AgentService is the requesting side of vaultlink.
type AgentService struct {
	config    AgentConfig
	engine    pake.Engine
	sessions  *session.Store
	requester *exchange.Requester
	fileStore *session.FileStore

	mu      sync.RWMutex
	state   ServiceState
	link    *agentLink
	handler EventHandler

	// pairing routes pairing replies to the waiting RequestCode or Pair.
	pairing *pairingWait
}

// agentLink is one connection to an approver.
type agentLink struct {
	conn   transport.Conn
	sender *ConnSender
	done   chan struct{}
}

type pairingWait struct {
	codeID string
	inbox  chan wire.Message
}

// NewAgentService creates an agent.
func NewAgentService(config AgentConfig) (*AgentService, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	storeConfig := session.DefaultConfig()
	storeConfig.Audit = config.Audit
	storeConfig.AuditRole = audit.RoleAgent
	storeConfig.Metrics = config.Metrics
	storeConfig.Logger = config.Logger

	s := &AgentService{
		config:   config,
		engine:   config.Engine,
		sessions: session.NewStore(storeConfig),
		state:    StateIdle,
	}
	if s.engine == nil {
		s.engine = pake.NewSPAKE2Plus()
	}

	requester, err := exchange.NewRequester(exchange.RequesterConfig{
		Sessions: s.sessions,
		Timeout:  config.RequestTimeout,
		Codec:    channel.NewCodec(config.Metrics),
		Audit:    config.Audit,
		Metrics:  config.Metrics,
		Logger:   config.Logger,
	}, exchange.SenderFunc(s.send))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	s.requester = requester

	if config.SessionFile != "" {
		s.fileStore = session.NewFileStore(config.SessionFile)
	}
	return s, nil
}

// State returns the current service state.
func (s *AgentService) State() ServiceState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// OnEvent registers the event handler.
func (s *AgentService) OnEvent(handler EventHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = handler
}

// Sessions returns the session store.
func (s *AgentService) Sessions() *session.Store {
	return s.sessions
}

// Requester returns the exchange requester.
func (s *AgentService) Requester() *exchange.Requester {
	return s.requester
}

// Start restores persisted sessions.
func (s *AgentService) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateRunning {
		return ErrAlreadyStarted
	}

	if s.fileStore != nil {
		n, err := s.sessions.Restore(s.fileStore, s.config.KeySealer)
		if err != nil {
			return fmt.Errorf("restore sessions: %w", err)
		}
		s.debug("sessions restored", slog.Int("count", n))
	}
	s.state = StateRunning
	return nil
}

// Stop closes the connection and saves sessions if a session file is
// configured.
func (s *AgentService) Stop() error {
	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		return ErrNotStarted
	}
	s.state = StateStopped
	link := s.link
	s.link = nil
	s.mu.Unlock()

	var err error
	if link != nil {
		err = link.conn.Close()
		<-link.done
	}
	if s.fileStore != nil {
		if _, saveErr := s.sessions.Save(s.fileStore, s.config.KeySealer); saveErr != nil {
			err = errors.Join(err, fmt.Errorf("save sessions: %w", saveErr))
		}
	}
	return err
}

// Connect dials the approver at address, or at the configured address if
// address is empty, and attaches the connection. Failed dials are retried
// with backoff up to ConnectAttempts times.
func (s *AgentService) Connect(ctx context.Context, address string) error {
	if address == "" {
		address = s.config.ApproverAddress
	}
	if s.State() != StateRunning {
		return ErrNotStarted
	}

	var conn *transport.StreamConn
	backoff := connection.NewBackoff(s.config.ConnectBackoff)
	err := connection.Retry(ctx, backoff, s.config.ConnectAttempts, func(ctx context.Context) error {
		var err error
		conn, err = transport.Dial(ctx, address, transport.DialConfig{
			MaxMessageSize: s.config.MaxMessageSize,
			ConnectTimeout: s.config.ConnectTimeout,
		})
		if err != nil {
			s.debug("dial failed", slog.String("address", address), slog.Any("error", err))
		}
		return err
	})
	if err != nil {
		return err
	}
	return s.Attach(ctx, conn)
}

// Attach starts reading from conn, replacing any earlier connection.
// ctx bounds the read loop.
func (s *AgentService) Attach(ctx context.Context, conn transport.Conn) error {
	link := &agentLink{conn: conn, sender: NewConnSender(conn), done: make(chan struct{})}

	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		return ErrNotStarted
	}
	prev := s.link
	s.link = link
	s.mu.Unlock()

	if prev != nil {
		_ = prev.conn.Close()
	}
	go s.readLoop(ctx, link)
	s.debug("connected", slog.String("conn_id", conn.ID()), slog.Any("remote", conn.RemoteAddr()))
	return nil
}

// RequestCode asks the approver to issue a pairing code. The approver shows
// the display code to its operator; the agent only learns the code id.
func (s *AgentService) RequestCode(ctx context.Context) (*wire.PairingCodeOffer, error) {
	ctx, cancel := context.WithTimeout(ctx, s.config.HandshakeTimeout)
	defer cancel()

	wait, link, err := s.beginPairing("")
	if err != nil {
		return nil, err
	}
	defer s.endPairing(wait)

	if err := link.sender.Send(ctx, &wire.PairingCodeRequest{AgentName: s.config.AgentName}); err != nil {
		return nil, err
	}
	msg, err := s.await(ctx, link, wait)
	if err != nil {
		return nil, err
	}
	offer, ok := msg.(*wire.PairingCodeOffer)
	if !ok {
		return nil, unexpected(msg)
	}
	return offer, nil
}

// Pair runs the pairing handshake for codeID with the display code the
// human read off the approver, and stores the resulting session.
func (s *AgentService) Pair(ctx context.Context, codeID string, code pake.DisplayCode) (*session.Session, error) {
	ctx, cancel := context.WithTimeout(ctx, s.config.HandshakeTimeout)
	defer cancel()

	wait, link, err := s.beginPairing(codeID)
	if err != nil {
		return nil, err
	}
	defer s.endPairing(wait)

	h, err := pairing.Start(s.engine, pake.RoleInitiator, codeID, code)
	if err != nil {
		return nil, err
	}

	if err := link.sender.Send(ctx, &wire.PairingInit{CodeID: codeID, PakeMessage: h.Message()}); err != nil {
		h.Abort()
		return nil, err
	}
	msg, err := s.await(ctx, link, wait)
	if err != nil {
		h.Abort()
		return nil, err
	}
	resp, ok := msg.(*wire.PairingResponse)
	if !ok {
		h.Abort()
		return nil, unexpected(msg)
	}

	if err := h.Complete(resp.PakeMessage); err != nil {
		s.abandonPairing(ctx, link, codeID, err)
		return nil, err
	}
	if err := h.Verify(resp.Confirmation); err != nil {
		s.abandonPairing(ctx, link, codeID, err)
		return nil, err
	}
	confirmation, err := h.Confirmation()
	if err != nil {
		h.Abort()
		s.abandonPairing(ctx, link, codeID, err)
		return nil, err
	}

	if err := link.sender.Send(ctx, &wire.PairingConfirm{CodeID: codeID, Confirmation: confirmation}); err != nil {
		h.Abort()
		return nil, err
	}
	msg, err = s.await(ctx, link, wait)
	if err != nil {
		h.Abort()
		return nil, err
	}
	complete, ok := msg.(*wire.PairingComplete)
	if !ok {
		h.Abort()
		return nil, unexpected(msg)
	}

	key, err := h.Finish()
	if err != nil {
		return nil, err
	}
	ttl := time.Until(complete.Expiry())
	if ttl <= 0 {
		memzero.Zero(key)
		return nil, fmt.Errorf("%w: approver granted an expired session", fault.ErrSessionExpired)
	}
	sess, err := s.sessions.Create(complete.SessionID, key, session.RoleAgent, ttl)
	if err != nil {
		memzero.Zero(key)
		return nil, err
	}

	s.emit(Event{Type: EventPaired, ConnID: link.conn.ID(), CodeID: codeID, SessionID: sess.ID()})
	s.debug("paired", slog.String("session_id", sess.ID()))
	return sess, nil
}

// Request submits a credential request on sessionID and waits for the
// outcome. An empty sessionID uses the only active session.
func (s *AgentService) Request(ctx context.Context, sessionID string, req exchange.CredentialRequest) (*exchange.Exchange, error) {
	if sessionID == "" {
		id, err := s.activeSession()
		if err != nil {
			return nil, err
		}
		sessionID = id
	}
	return s.requester.Submit(ctx, sessionID, req)
}

func (s *AgentService) activeSession() (string, error) {
	var active []string
	for _, info := range s.sessions.List() {
		if info.Status == session.StatusActive {
			active = append(active, info.ID)
		}
	}
	switch len(active) {
	case 0:
		return "", ErrNoActiveSession
	case 1:
		return active[0], nil
	default:
		return "", ErrAmbiguousSession
	}
}

// send is the requester's Sender.
func (s *AgentService) send(ctx context.Context, msg wire.Message) error {
	s.mu.RLock()
	link := s.link
	s.mu.RUnlock()
	if link == nil {
		return ErrNotConnected
	}
	return link.sender.Send(ctx, msg)
}

func (s *AgentService) readLoop(ctx context.Context, link *agentLink) {
	defer close(link.done)
	defer s.detach(link)

	for {
		data, err := link.conn.Receive(ctx)
		if err != nil {
			if !errors.Is(err, transport.ErrConnectionClosed) && ctx.Err() == nil {
				s.debug("receive failed", slog.String("conn_id", link.conn.ID()), slog.Any("error", err))
			}
			return
		}
		msg, err := wire.Decode(data)
		if err != nil {
			s.debug("undecodable message", slog.String("conn_id", link.conn.ID()), slog.Any("error", err))
			continue
		}
		s.dispatch(msg)
	}
}

func (s *AgentService) detach(link *agentLink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.link == link {
		s.link = nil
	}
}

func (s *AgentService) dispatch(msg wire.Message) {
	var err error
	switch m := msg.(type) {
	case *wire.CredentialApprovalMsg:
		err = s.requester.HandleApproval(m)
	case *wire.RevokeMsg:
		if err = s.requester.HandleRevoke(m); err == nil {
			s.emit(Event{Type: EventSessionRevoked, SessionID: m.SessionID})
		}
	case *wire.ErrorMsg:
		if s.deliverPairing(m) {
			return
		}
		err = s.requester.HandleError(m)
	case *wire.PairingCodeOffer, *wire.PairingResponse, *wire.PairingComplete:
		if !s.deliverPairing(msg) {
			err = unexpected(msg)
		}
	default:
		err = unexpected(msg)
	}
	if err != nil {
		s.debug("message failed", slog.String("type", msg.Type().String()), slog.Any("error", err))
	}
}

// deliverPairing hands msg to the waiting pairing call if it belongs to it.
func (s *AgentService) deliverPairing(msg wire.Message) bool {
	s.mu.RLock()
	wait := s.pairing
	s.mu.RUnlock()
	if wait == nil {
		return false
	}

	var codeID string
	switch m := msg.(type) {
	case *wire.ErrorMsg:
		if m.Subject != "" && m.Subject != wait.codeID {
			return false
		}
		codeID = wait.codeID
	case *wire.PairingCodeOffer:
		codeID = wait.codeID
	case *wire.PairingResponse:
		codeID = m.CodeID
	case *wire.PairingComplete:
		codeID = m.CodeID
	}
	if codeID != wait.codeID {
		return false
	}

	select {
	case wait.inbox <- msg:
		return true
	default:
		return false
	}
}

func (s *AgentService) beginPairing(codeID string) (*pairingWait, *agentLink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.link == nil {
		return nil, nil, ErrNotConnected
	}
	if s.pairing != nil {
		return nil, nil, ErrPairingInProgress
	}
	s.pairing = &pairingWait{codeID: codeID, inbox: make(chan wire.Message, 1)}
	return s.pairing, s.link, nil
}

func (s *AgentService) endPairing(wait *pairingWait) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pairing == wait {
		s.pairing = nil
	}
}

// await returns the next pairing reply. An ErrorMsg from the approver is
// returned as its error.
func (s *AgentService) await(ctx context.Context, link *agentLink, wait *pairingWait) (wire.Message, error) {
	select {
	case msg := <-wait.inbox:
		if em, ok := msg.(*wire.ErrorMsg); ok {
			return nil, em.Err()
		}
		return msg, nil
	case <-link.done:
		return nil, ErrNotConnected
	case <-ctx.Done():
		return nil, fault.FromContext(ctx.Err())
	}
}

// abandonPairing tells the approver the attempt failed on this side, so it
// counts against the code there too.
func (s *AgentService) abandonPairing(ctx context.Context, link *agentLink, codeID string, cause error) {
	msg := &wire.ErrorMsg{Subject: codeID, Kind: fault.KindOf(cause), Message: "pairing rejected by agent"}
	if err := link.sender.Send(ctx, msg); err != nil {
		s.debug("error report failed", slog.String("code_id", codeID), slog.Any("error", err))
	}
	s.emit(Event{Type: EventPairingFailed, ConnID: link.conn.ID(), CodeID: codeID, Error: cause})
}

func (s *AgentService) emit(event Event) {
	s.mu.RLock()
	handler := s.handler
	s.mu.RUnlock()
	if handler != nil {
		handler(event)
	}
}

func (s *AgentService) debug(msg string, args ...any) {
	if s.config.Logger != nil {
		s.config.Logger.Debug(msg, args...)
	}
}

func unexpected(msg wire.Message) error {
	return fmt.Errorf("%w: %s", ErrUnexpectedMessage, msg.Type())
}
