package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/vaultlink/vaultlink-go/pkg/audit"
	"github.com/vaultlink/vaultlink-go/pkg/channel"
	"github.com/vaultlink/vaultlink-go/pkg/discovery"
	"github.com/vaultlink/vaultlink-go/pkg/exchange"
	"github.com/vaultlink/vaultlink-go/pkg/fault"
	"github.com/vaultlink/vaultlink-go/pkg/pairing"
	"github.com/vaultlink/vaultlink-go/pkg/session"
	"github.com/vaultlink/vaultlink-go/pkg/transport"
)

// ApproverService is the credential-holding side of vaultlink.
type ApproverService struct {
	config    ApproverConfig
	registry  *pairing.Registry
	sessions  *session.Store
	approver  *exchange.Approver
	limiter   *rate.Limiter
	tracker   *connTracker
	fileStore *session.FileStore

	mu         sync.RWMutex
	state      ServiceState
	server     *transport.Server
	advertiser discovery.Advertiser
	handler    EventHandler
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// NewApproverService creates an approver.
func NewApproverService(config ApproverConfig) (*ApproverService, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	storeConfig := session.DefaultConfig()
	storeConfig.TTL = config.SessionTTL
	storeConfig.Audit = config.Audit
	storeConfig.AuditRole = audit.RoleApprover
	storeConfig.Metrics = config.Metrics
	storeConfig.Logger = config.Logger
	sessions := session.NewStore(storeConfig)

	pairingConfig := config.Pairing
	pairingConfig.Audit = config.Audit
	pairingConfig.Metrics = config.Metrics
	pairingConfig.Logger = config.Logger
	registry, err := pairing.NewRegistry(pairingConfig)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	approver, err := exchange.NewApprover(exchange.ApproverConfig{
		Sessions: sessions,
		Vault:    config.Vault,
		Prompter: config.Prompter,
		Codec:    channel.NewCodec(config.Metrics),
		Audit:    config.Audit,
		Metrics:  config.Metrics,
		Logger:   config.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	s := &ApproverService{
		config:   config,
		registry: registry,
		sessions: sessions,
		approver: approver,
		limiter:  rate.NewLimiter(rate.Limit(config.PairingRate), config.PairingBurst),
		tracker:  newConnTracker(nil),
		state:    StateIdle,
	}
	if config.SessionFile != "" {
		s.fileStore = session.NewFileStore(config.SessionFile)
	}
	return s, nil
}

// State returns the current service state.
func (s *ApproverService) State() ServiceState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// OnEvent registers the event handler.
func (s *ApproverService) OnEvent(handler EventHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = handler
}

// SetAdvertiser replaces the mDNS advertiser. Call before Start.
func (s *ApproverService) SetAdvertiser(advertiser discovery.Advertiser) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.advertiser = advertiser
}

// Sessions returns the session store.
func (s *ApproverService) Sessions() *session.Store {
	return s.sessions
}

// Approver returns the exchange approver for decisions and revocations.
func (s *ApproverService) Approver() *exchange.Approver {
	return s.approver
}

// Registry returns the pairing code registry.
func (s *ApproverService) Registry() *pairing.Registry {
	return s.registry
}

// Addr returns the listen address, or nil before Start.
func (s *ApproverService) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.server == nil {
		return nil
	}
	return s.server.Addr()
}

// Start restores persisted sessions, starts listening and advertises the
// approver if discovery is enabled.
func (s *ApproverService) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateRunning {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.state = StateRunning
	s.mu.Unlock()

	if err := s.start(ctx); err != nil {
		s.mu.Lock()
		s.state = StateIdle
		s.mu.Unlock()
		return err
	}
	return nil
}

func (s *ApproverService) start(ctx context.Context) error {
	if s.fileStore != nil {
		n, err := s.sessions.Restore(s.fileStore, s.config.KeySealer)
		if err != nil {
			return fmt.Errorf("restore sessions: %w", err)
		}
		s.info("sessions restored", slog.Int("count", n))
	}

	ctx, cancel := context.WithCancel(ctx)
	server, err := transport.NewServer(transport.ServerConfig{
		Address:        s.config.ListenAddress,
		MaxMessageSize: s.config.MaxMessageSize,
		MaxConnections: s.config.MaxConnections,
		Handler:        s.ServeConn,
		Logger:         s.config.Logger,
	})
	if err != nil {
		cancel()
		return err
	}
	if err := server.Start(ctx); err != nil {
		cancel()
		return err
	}

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.registry.Run(ctx)
	}()
	go func() {
		defer s.wg.Done()
		s.sessions.Run(ctx)
	}()
	if s.config.StaleConnectionTimeout > 0 && s.config.ReaperInterval > 0 {
		s.wg.Add(1)
		go s.runStaleConnectionReaper(ctx)
	}

	s.mu.Lock()
	s.server = server
	s.cancel = cancel
	advertiser := s.advertiser
	if advertiser == nil && s.config.EnableDiscovery {
		advertiser = discovery.NewMDNSAdvertiser(discovery.AdvertiserConfig{})
		s.advertiser = advertiser
	}
	s.mu.Unlock()

	if s.config.EnableDiscovery && advertiser != nil {
		info := &discovery.ApproverInfo{
			InstanceName: s.instanceName(),
			Name:         s.config.DisplayName,
			Port:         parsePort(server.Addr().String()),
		}
		if err := advertiser.Advertise(ctx, info); err != nil {
			_ = server.Stop()
			cancel()
			s.wg.Wait()
			return fmt.Errorf("advertise: %w", err)
		}
		s.info("advertising approver", slog.String("instance", info.InstanceName), slog.Int("port", int(info.Port)))
	}

	s.info("approver listening", slog.String("address", server.Addr().String()))
	return nil
}

// Stop stops advertising and listening, and saves sessions if a session
// file is configured. Pending requests are not decided.
func (s *ApproverService) Stop() error {
	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		return ErrNotStarted
	}
	s.state = StateStopped
	server, advertiser, cancel := s.server, s.advertiser, s.cancel
	s.mu.Unlock()

	if advertiser != nil {
		advertiser.Stop()
	}
	var err error
	if server != nil {
		err = server.Stop()
	}
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()

	if s.fileStore != nil {
		n, saveErr := s.sessions.Save(s.fileStore, s.config.KeySealer)
		if saveErr != nil {
			err = errors.Join(err, fmt.Errorf("save sessions: %w", saveErr))
		} else {
			s.info("sessions saved", slog.Int("count", n))
		}
	}
	return err
}

// runStaleConnectionReaper periodically closes connections that never
// paired or sent a request within StaleConnectionTimeout.
func (s *ApproverService) runStaleConnectionReaper(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.config.ReaperInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.tracker.CloseStale(s.config.StaleConnectionTimeout); n > 0 {
				s.debug("closed stale connections", slog.Int("count", n))
			}
		}
	}
}

// backoff waits out the registry's failed-attempt delay.
func (s *ApproverService) backoff(ctx context.Context) error {
	d := s.registry.Delay()
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return fault.FromContext(ctx.Err())
	}
}

func (s *ApproverService) instanceName() string {
	name := s.config.InstanceName
	if name == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "vaultlink"
		}
		name = "vaultlink-" + host
	}
	if len(name) > discovery.MaxInstanceNameLen {
		name = name[:discovery.MaxInstanceNameLen]
	}
	return name
}

func (s *ApproverService) emit(event Event) {
	s.mu.RLock()
	handler := s.handler
	s.mu.RUnlock()
	if handler != nil {
		handler(event)
	}
}

func (s *ApproverService) event(action audit.Action, connID string, err error, detail string) {
	if s.config.Audit == nil {
		return
	}
	ev := audit.NewEvent(action, audit.SubjectConnection, connID).WithRole(audit.RoleApprover).WithDetail(detail)
	if err != nil {
		ev = ev.WithError(err)
	}
	s.config.Audit.Log(ev)
}

func (s *ApproverService) debug(msg string, args ...any) {
	if s.config.Logger != nil {
		s.config.Logger.Debug(msg, args...)
	}
}

func (s *ApproverService) info(msg string, args ...any) {
	if s.config.Logger != nil {
		s.config.Logger.Info(msg, args...)
	}
}

// parsePort extracts the port from a host:port address.
func parsePort(addr string) uint16 {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return 0
	}
	return uint16(port)
}
