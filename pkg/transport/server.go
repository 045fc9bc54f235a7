package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
)

// DefaultPort is the default approver listen port.
const DefaultPort = 7847

// ServerConfig configures a Server.
type ServerConfig struct {
	// Address to listen on (e.g., ":7847" or "127.0.0.1:0").
	Address string

	// MaxMessageSize is the maximum message size (default: 64 KiB).
	MaxMessageSize uint32

	// MaxConnections caps concurrent connections. Zero means no cap.
	MaxConnections int

	// Handler serves one connection. The connection is closed when it
	// returns. ctx ends when the server stops.
	Handler func(ctx context.Context, conn Conn)

	// OnError is called for accept errors and rejected connections.
	OnError func(err error)

	// Logger for operational logging (optional).
	Logger *slog.Logger
}

// Server accepts TCP connections and runs the handler for each.
type Server struct {
	config   ServerConfig
	listener net.Listener

	conns   map[*StreamConn]struct{}
	connsMu sync.RWMutex

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// ErrServerRunning is returned by Start on a running server.
var ErrServerRunning = errors.New("server already running")

// ErrTooManyConnections is reported through OnError when the cap is reached.
var ErrTooManyConnections = errors.New("too many connections")

// NewServer creates a Server.
func NewServer(config ServerConfig) (*Server, error) {
	if config.Handler == nil {
		return nil, fmt.Errorf("handler is required")
	}
	if config.Address == "" {
		config.Address = fmt.Sprintf(":%d", DefaultPort)
	}
	if config.MaxMessageSize == 0 {
		config.MaxMessageSize = DefaultMaxMessageSize
	}
	return &Server{
		config: config,
		conns:  make(map[*StreamConn]struct{}),
	}, nil
}

// Start listens and begins accepting connections.
func (s *Server) Start(ctx context.Context) error {
	if s.running.Load() {
		return ErrServerRunning
	}

	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return s.Serve(ctx, listener)
}

// Serve accepts connections on an existing listener.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrServerRunning
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.listener = listener

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Stop closes the listener and all connections and waits for handlers.
func (s *Server) Stop() error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}
	s.cancel()
	err := s.listener.Close()

	s.connsMu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.connsMu.Unlock()

	s.wg.Wait()
	return err
}

// Addr returns the listen address.
func (s *Server) Addr() net.Addr {
	if s.listener != nil {
		return s.listener.Addr()
	}
	return nil
}

// ConnectionCount returns the number of active connections.
func (s *Server) ConnectionCount() int {
	s.connsMu.RLock()
	defer s.connsMu.RUnlock()
	return len(s.conns)
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for s.running.Load() {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.running.Load() {
				s.reportError(fmt.Errorf("accept error: %w", err))
				if errors.Is(err, net.ErrClosed) {
					return
				}
			}
			continue
		}

		sc := NewStreamConn(conn, s.config.MaxMessageSize)
		if !s.track(sc) {
			sc.Close()
			s.reportError(fmt.Errorf("%w: rejected %s", ErrTooManyConnections, conn.RemoteAddr()))
			continue
		}

		s.wg.Add(1)
		go s.handleConnection(sc)
	}
}

func (s *Server) track(sc *StreamConn) bool {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	if s.config.MaxConnections > 0 && len(s.conns) >= s.config.MaxConnections {
		return false
	}
	s.conns[sc] = struct{}{}
	return true
}

func (s *Server) handleConnection(sc *StreamConn) {
	defer s.wg.Done()
	defer func() {
		sc.Close()
		s.connsMu.Lock()
		delete(s.conns, sc)
		s.connsMu.Unlock()
	}()

	if s.config.Logger != nil {
		s.config.Logger.Debug("connection accepted", slog.String("conn_id", sc.ID()), slog.String("remote", sc.RemoteAddr().String()))
	}
	s.config.Handler(s.ctx, sc)
	if s.config.Logger != nil {
		s.config.Logger.Debug("connection closed", slog.String("conn_id", sc.ID()))
	}
}

func (s *Server) reportError(err error) {
	if s.config.OnError != nil {
		s.config.OnError(err)
	}
	if s.config.Logger != nil {
		s.config.Logger.Warn("transport error", slog.Any("error", err))
	}
}
