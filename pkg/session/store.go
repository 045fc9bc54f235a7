package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vaultlink/vaultlink-go/pkg/audit"
	"github.com/vaultlink/vaultlink-go/pkg/fault"
	"github.com/vaultlink/vaultlink-go/pkg/metrics"
)

// Defaults.
const (
	DefaultTTL           = time.Hour
	DefaultRetention     = 10 * time.Minute
	DefaultSweepInterval = 30 * time.Second
)

// Store errors.
var (
	ErrDuplicateSession = errors.New("session id already exists")
	ErrInvalidKey       = errors.New("invalid session key size")
	ErrInvalidRole      = errors.New("invalid session role")
)

// Config configures a Store.
type Config struct {
	// TTL is the session lifetime when Create is called with zero.
	TTL time.Duration

	// Retention keeps ended sessions so late operations report revoked or
	// expired instead of not found. Sweep removes them afterwards.
	Retention time.Duration

	// SweepInterval is how often Run sweeps.
	SweepInterval time.Duration

	// Clock returns the current time. Defaults to time.Now.
	Clock func() time.Time

	// Audit receives session lifecycle events.
	Audit audit.Logger

	// AuditRole tags events with the local side.
	AuditRole audit.Role

	// Metrics records the active session gauge. Optional.
	Metrics *metrics.Metrics

	// Logger is the operational logger. Nil disables logging.
	Logger *slog.Logger
}

// DefaultConfig returns the default store configuration.
func DefaultConfig() Config {
	return Config{
		TTL:           DefaultTTL,
		Retention:     DefaultRetention,
		SweepInterval: DefaultSweepInterval,
	}
}

// Store holds sessions keyed by id.
//
// The map is guarded by mu. Status transitions take only the session's own
// lock, so work on different sessions never contends beyond the map lock.
type Store struct {
	cfg Config

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewStore creates a Store.
func NewStore(cfg Config) *Store {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	cfg.Audit = audit.OrNoop(cfg.Audit)
	return &Store{
		cfg:      cfg,
		sessions: make(map[string]*Session),
	}
}

// Create stores a new active session. The store takes ownership of key.
// An empty id generates a UUID; a zero ttl uses the configured TTL.
func (s *Store) Create(id string, key []byte, role Role, ttl time.Duration) (*Session, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}
	if role != RoleAgent && role != RoleApprover {
		return nil, ErrInvalidRole
	}
	if id == "" {
		id = uuid.New().String()
	}
	if ttl <= 0 {
		ttl = s.cfg.TTL
	}

	now := s.cfg.Clock()
	sess, err := s.insert(id, key, role, now, now.Add(ttl))
	if err != nil {
		return nil, err
	}
	s.event(audit.ActionSessionCreated, id, nil, fmt.Sprintf("role=%s ttl=%s", role, ttl))
	s.log("session created", slog.String("session_id", id), slog.String("role", role.String()))
	return sess, nil
}

func (s *Store) insert(id string, key []byte, role Role, createdAt, expiresAt time.Time) (*Session, error) {
	sess := &Session{
		id:        id,
		role:      role,
		createdAt: createdAt,
		expiresAt: expiresAt,
		clock:     s.cfg.Clock,
		closed:    make(chan struct{}),
		onClose:   s.onClose,
		key:       key,
	}

	s.mu.Lock()
	if _, exists := s.sessions[id]; exists {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateSession, id)
	}
	s.sessions[id] = sess
	s.mu.Unlock()

	s.cfg.Metrics.SessionOpened()
	return sess, nil
}

// Get returns the session with id, or fault.ErrNotFound.
func (s *Store) Get(id string) (*Session, error) {
	s.mu.RLock()
	sess, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: session %s", fault.ErrNotFound, id)
	}
	return sess, nil
}

// Revoke ends the session. Revoking an ended session is a no-op.
func (s *Store) Revoke(id, reason string) error {
	sess, err := s.Get(id)
	if err != nil {
		return err
	}
	sess.end(StatusRevoked, reason)
	return nil
}

// Sweep expires sessions past their expiry and removes sessions that ended
// more than the retention window ago. Returns the number removed.
func (s *Store) Sweep() int {
	now := s.cfg.Clock()

	s.mu.RLock()
	all := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		all = append(all, sess)
	}
	s.mu.RUnlock()

	var stale []string
	for _, sess := range all {
		sess.Status()
		if endedAt, ended := sess.ended(); ended && now.Sub(endedAt) >= s.cfg.Retention {
			stale = append(stale, sess.id)
		}
	}
	if len(stale) == 0 {
		return 0
	}

	s.mu.Lock()
	for _, id := range stale {
		delete(s.sessions, id)
	}
	s.mu.Unlock()
	return len(stale)
}

// Run sweeps every SweepInterval until ctx is done.
func (s *Store) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.Sweep(); n > 0 {
				s.log("swept sessions", slog.Int("removed", n))
			}
		}
	}
}

// List returns snapshots of all sessions, oldest first.
func (s *Store) List() []Info {
	s.mu.RLock()
	all := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		all = append(all, sess)
	}
	s.mu.RUnlock()

	out := make([]Info, 0, len(all))
	for _, sess := range all {
		sess.Status()
		out = append(out, sess.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Len returns the number of tracked sessions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

func (s *Store) onClose(sess *Session, status Status, reason string) {
	s.cfg.Metrics.SessionClosed(status.String())

	action := audit.ActionSessionRevoked
	if status == StatusExpired {
		action = audit.ActionSessionExpired
	}
	s.event(action, sess.id, nil, reason)
	s.log("session ended",
		slog.String("session_id", sess.id),
		slog.String("status", status.String()),
		slog.String("reason", reason))
}

func (s *Store) event(action audit.Action, id string, err error, detail string) {
	e := audit.NewEvent(action, audit.SubjectSession, id).WithRole(s.cfg.AuditRole).WithDetail(detail)
	if err != nil {
		e = e.WithError(err)
	}
	s.cfg.Audit.Log(e)
}

func (s *Store) log(msg string, attrs ...slog.Attr) {
	if s.cfg.Logger == nil {
		return
	}
	s.cfg.Logger.LogAttrs(context.Background(), slog.LevelDebug, msg, attrs...)
}
