package session

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/vaultlink/vaultlink-go/internal/memzero"
	"github.com/vaultlink/vaultlink-go/pkg/fault"
)

// KeySize is the size of a session key.
const KeySize = 32

// Status is the lifecycle state of a session.
type Status uint8

const (
	// StatusActive sessions may encrypt and decrypt.
	StatusActive Status = iota

	// StatusRevoked sessions were ended by the approver.
	StatusRevoked

	// StatusExpired sessions ran past their expiry.
	StatusExpired
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case StatusActive:
		return "ACTIVE"
	case StatusRevoked:
		return "REVOKED"
	case StatusExpired:
		return "EXPIRED"
	default:
		return "UNKNOWN"
	}
}

// Err returns the error operations on a session in this status fail with,
// or nil for an active session.
func (s Status) Err() error {
	switch s {
	case StatusRevoked:
		return fault.ErrSessionRevoked
	case StatusExpired:
		return fault.ErrSessionExpired
	default:
		return nil
	}
}

// Role is the local side of a session.
type Role uint8

const (
	// RoleAgent is the requester.
	RoleAgent Role = 1

	// RoleApprover is the credential holder.
	RoleApprover Role = 2
)

// String returns the role name.
func (r Role) String() string {
	switch r {
	case RoleAgent:
		return "AGENT"
	case RoleApprover:
		return "APPROVER"
	default:
		return "UNKNOWN"
	}
}

// Session is an established session.
type Session struct {
	id        string
	role      Role
	createdAt time.Time
	expiresAt time.Time
	clock     func() time.Time

	// closed is closed when the session leaves Active.
	closed chan struct{}

	// onClose is called outside the lock after a status transition.
	onClose func(s *Session, status Status, reason string)

	mu          sync.Mutex
	key         []byte
	status      Status
	reason      string
	endedAt     time.Time
	sendCounter uint64
	recvCounter uint64
}

// Info is a snapshot of a session without its key.
type Info struct {
	ID          string
	Role        Role
	Status      Status
	Reason      string
	CreatedAt   time.Time
	ExpiresAt   time.Time
	SendCounter uint64
	RecvCounter uint64
}

// ID returns the session id.
func (s *Session) ID() string {
	return s.id
}

// Role returns the local role.
func (s *Session) Role() Role {
	return s.role
}

// ExpiresAt returns the expiry time.
func (s *Session) ExpiresAt() time.Time {
	return s.expiresAt
}

// Done returns a channel closed when the session leaves Active.
func (s *Session) Done() <-chan struct{} {
	return s.closed
}

// Status returns the current status, applying expiry.
func (s *Session) Status() Status {
	s.mu.Lock()
	status, fire := s.checkLocked()
	s.mu.Unlock()
	s.fire(fire)
	return status
}

// Err returns nil while the session is active, otherwise
// fault.ErrSessionRevoked or fault.ErrSessionExpired.
func (s *Session) Err() error {
	return s.Status().Err()
}

// Info returns a snapshot of the session.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		ID:          s.id,
		Role:        s.role,
		Status:      s.status,
		Reason:      s.reason,
		CreatedAt:   s.createdAt,
		ExpiresAt:   s.expiresAt,
		SendCounter: s.sendCounter,
		RecvCounter: s.recvCounter,
	}
}

// Send runs fn with the key and the next send sequence under the session
// lock. The counter advances only if fn succeeds.
func (s *Session) Send(fn func(key []byte, seq uint64) error) error {
	s.mu.Lock()
	status, fire := s.checkLocked()
	if status != StatusActive {
		s.mu.Unlock()
		s.fire(fire)
		return status.Err()
	}
	defer s.mu.Unlock()

	if s.sendCounter == math.MaxUint64 {
		return fmt.Errorf("%w: send sequence exhausted", fault.ErrSessionExpired)
	}
	if err := fn(s.key, s.sendCounter); err != nil {
		return err
	}
	s.sendCounter++
	return nil
}

// Receive runs fn with the key and the expected receive sequence under the
// session lock. The counter advances only if fn succeeds.
func (s *Session) Receive(fn func(key []byte, expected uint64) error) error {
	s.mu.Lock()
	status, fire := s.checkLocked()
	if status != StatusActive {
		s.mu.Unlock()
		s.fire(fire)
		return status.Err()
	}
	defer s.mu.Unlock()

	if s.recvCounter == math.MaxUint64 {
		return fmt.Errorf("%w: receive sequence exhausted", fault.ErrSessionExpired)
	}
	if err := fn(s.key, s.recvCounter); err != nil {
		return err
	}
	s.recvCounter++
	return nil
}

// WithKey runs fn with the key under the session lock while the session is
// active. fn must not retain the key.
func (s *Session) WithKey(fn func(key []byte) error) error {
	s.mu.Lock()
	status, fire := s.checkLocked()
	if status != StatusActive {
		s.mu.Unlock()
		s.fire(fire)
		return status.Err()
	}
	defer s.mu.Unlock()
	return fn(s.key)
}

// end moves an active session to status. Returns false if the session had
// already ended.
func (s *Session) end(status Status, reason string) bool {
	s.mu.Lock()
	ok := s.endLocked(status, reason)
	s.mu.Unlock()
	if ok {
		s.fire(&transition{status: status, reason: reason})
	}
	return ok
}

type transition struct {
	status Status
	reason string
}

// checkLocked applies lazy expiry. The returned transition, if any, must be
// fired after unlocking.
func (s *Session) checkLocked() (Status, *transition) {
	if s.status == StatusActive && !s.clock().Before(s.expiresAt) {
		s.endLocked(StatusExpired, "")
		return s.status, &transition{status: StatusExpired}
	}
	return s.status, nil
}

func (s *Session) endLocked(status Status, reason string) bool {
	if s.status != StatusActive || status == StatusActive {
		return false
	}
	s.status = status
	s.reason = reason
	s.endedAt = s.clock()
	memzero.Zero(s.key)
	s.key = nil
	close(s.closed)
	return true
}

func (s *Session) fire(t *transition) {
	if t == nil || s.onClose == nil {
		return
	}
	s.onClose(s, t.status, t.reason)
}

// restore overwrites counters for a session loaded from a snapshot.
func (s *Session) restore(send, recv uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendCounter = send
	s.recvCounter = recv
}

func (s *Session) ended() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endedAt, s.status != StatusActive
}
