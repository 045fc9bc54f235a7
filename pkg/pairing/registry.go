package pairing

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/vaultlink/vaultlink-go/pkg/audit"
	"github.com/vaultlink/vaultlink-go/pkg/fault"
	"github.com/vaultlink/vaultlink-go/pkg/pake"
)

// CodeIDSize is the number of random bytes in a code id.
const CodeIDSize = 16

// Code is a snapshot of an issued pairing code.
type Code struct {
	ID             string
	Display        pake.DisplayCode
	CreatedAt      time.Time
	ExpiresAt      time.Time
	Consumed       bool
	Retired        bool
	FailedAttempts int
}

// Expired reports whether the code is past its expiry at now.
func (c Code) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// Usable reports whether the code can still start a handshake at now.
func (c Code) Usable(now time.Time) bool {
	return !c.Consumed && !c.Retired && !c.Expired(now)
}

type record struct {
	mu   sync.Mutex
	code Code

	// endedAt is when the code stopped being usable; zero while usable.
	endedAt time.Time
}

// Registry issues pairing codes and guards their one-time use.
//
// The map is guarded by mu; each record has its own mutex so operations on
// different codes only share the map read lock.
type Registry struct {
	cfg     Config
	tracker *AttemptTracker

	mu    sync.RWMutex
	codes map[string]*record
}

// NewRegistry creates a Registry.
func NewRegistry(cfg Config) (*Registry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &Registry{
		cfg:     cfg,
		tracker: NewAttemptTracker(cfg.BackoffTiers),
		codes:   make(map[string]*record),
	}, nil
}

// Issue generates a new code. A zero ttl uses the configured TTL.
func (r *Registry) Issue(ttl time.Duration) (Code, error) {
	if ttl == 0 {
		ttl = r.cfg.TTL
	}
	if ttl < 0 {
		return Code{}, ErrInvalidTTL
	}

	id, err := r.newCodeID()
	if err != nil {
		return Code{}, err
	}
	display, err := pake.GenerateDisplayCode(r.cfg.CodeLength, r.cfg.Rand)
	if err != nil {
		return Code{}, err
	}

	now := r.cfg.Clock()
	rec := &record{code: Code{
		ID:        id,
		Display:   display,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}}

	r.mu.Lock()
	r.codes[id] = rec
	r.mu.Unlock()

	r.event(audit.ActionCodeIssued, id, nil, fmt.Sprintf("ttl=%s", ttl))
	r.cfg.Metrics.CodeEvent("issued")
	r.log("pairing code issued", slog.String("code_id", id), slog.Time("expires_at", rec.code.ExpiresAt))
	return rec.code, nil
}

// BeginHandshake starts a handshake against a live code. role is normally
// pake.RoleResponder on the approver.
//
// Returns fault.ErrPairingExpired for expired or unknown codes and
// fault.ErrPairingAlreadyConsumed for consumed or retired ones.
func (r *Registry) BeginHandshake(codeID string, role pake.Role) (*Handshake, error) {
	rec, err := r.usable(codeID)
	if err != nil {
		r.event(audit.ActionHandshakeStarted, codeID, err, "")
		return nil, err
	}

	display := rec.code.Display
	rec.mu.Unlock()

	h, err := start(r.cfg.Engine, role, codeID, display, r)
	if err != nil {
		r.event(audit.ActionHandshakeStarted, codeID, err, "")
		return nil, err
	}
	r.event(audit.ActionHandshakeStarted, codeID, nil, role.String())
	return h, nil
}

// Consume marks the code used. Exactly one caller succeeds per code; the
// rest get fault.ErrPairingAlreadyConsumed.
func (r *Registry) Consume(codeID string) error {
	rec, err := r.usable(codeID)
	if err != nil {
		r.cfg.Metrics.Handshake(fault.KindOf(err).String())
		r.event(audit.ActionCodeConsumed, codeID, err, "")
		return err
	}
	rec.code.Consumed = true
	rec.endedAt = r.cfg.Clock()
	rec.mu.Unlock()

	r.tracker.Reset()
	r.cfg.Metrics.CodeEvent("consumed")
	r.cfg.Metrics.Handshake("success")
	r.event(audit.ActionCodeConsumed, codeID, nil, "")
	r.log("pairing code consumed", slog.String("code_id", codeID))
	return nil
}

// Fail records a failed handshake on the code. When MaxFailedAttempts is
// reached the code is retired.
func (r *Registry) Fail(codeID string, cause error) {
	if cause == nil {
		cause = fault.ErrAuthenticationFailed
	}
	r.tracker.RecordFailure()
	r.cfg.Metrics.Handshake(fault.KindOf(cause).String())
	r.event(audit.ActionHandshakeFailed, codeID, cause, "")

	rec := r.lookup(codeID)
	if rec == nil {
		return
	}

	rec.mu.Lock()
	rec.code.FailedAttempts++
	retire := !rec.code.Retired && !rec.code.Consumed && rec.code.FailedAttempts >= r.cfg.MaxFailedAttempts
	if retire {
		rec.code.Retired = true
		rec.endedAt = r.cfg.Clock()
	}
	attempts := rec.code.FailedAttempts
	rec.mu.Unlock()

	if retire {
		r.cfg.Metrics.CodeEvent("retired")
		r.event(audit.ActionCodeRetired, codeID, nil, fmt.Sprintf("failed_attempts=%d", attempts))
		r.log("pairing code retired", slog.String("code_id", codeID), slog.Int("failed_attempts", attempts))
	}
}

// Delay returns the backoff to apply before answering the next handshake.
func (r *Registry) Delay() time.Duration {
	return r.tracker.Delay()
}

// Get returns a snapshot of the code.
func (r *Registry) Get(codeID string) (Code, bool) {
	rec := r.lookup(codeID)
	if rec == nil {
		return Code{}, false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.code, true
}

// List returns snapshots of all tracked codes, oldest first.
func (r *Registry) List() []Code {
	r.mu.RLock()
	recs := make([]*record, 0, len(r.codes))
	for _, rec := range r.codes {
		recs = append(recs, rec)
	}
	r.mu.RUnlock()

	out := make([]Code, 0, len(recs))
	for _, rec := range recs {
		rec.mu.Lock()
		out = append(out, rec.code)
		rec.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Sweep marks expired codes and removes codes that ended more than the
// retention window ago. Returns the number of removed codes.
func (r *Registry) Sweep() int {
	now := r.cfg.Clock()

	r.mu.Lock()
	var expired []string
	removed := 0
	for id, rec := range r.codes {
		rec.mu.Lock()
		if rec.endedAt.IsZero() && rec.code.Expired(now) {
			rec.endedAt = rec.code.ExpiresAt
			expired = append(expired, id)
		}
		if !rec.endedAt.IsZero() && now.Sub(rec.endedAt) >= r.cfg.Retention {
			delete(r.codes, id)
			removed++
		}
		rec.mu.Unlock()
	}
	r.mu.Unlock()

	for _, id := range expired {
		r.expired(id)
	}
	return removed
}

// Run sweeps every SweepInterval until ctx is done.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.Sweep(); n > 0 {
				r.log("swept pairing codes", slog.Int("removed", n))
			}
		}
	}
}

// usable returns the locked record for a code that may still be used.
// The caller must unlock rec.mu on success.
func (r *Registry) usable(codeID string) (*record, error) {
	rec := r.lookup(codeID)
	if rec == nil {
		return nil, fmt.Errorf("%w: unknown code", fault.ErrPairingExpired)
	}

	now := r.cfg.Clock()
	rec.mu.Lock()
	switch {
	case rec.code.Consumed || rec.code.Retired:
		rec.mu.Unlock()
		return nil, fault.ErrPairingAlreadyConsumed
	case rec.code.Expired(now):
		first := rec.endedAt.IsZero()
		if first {
			rec.endedAt = rec.code.ExpiresAt
		}
		rec.mu.Unlock()
		if first {
			r.expired(codeID)
		}
		return nil, fault.ErrPairingExpired
	}
	return rec, nil
}

func (r *Registry) lookup(codeID string) *record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.codes[codeID]
}

func (r *Registry) expired(codeID string) {
	r.cfg.Metrics.CodeEvent("expired")
	r.event(audit.ActionCodeExpired, codeID, nil, "")
}

func (r *Registry) newCodeID() (string, error) {
	src := r.cfg.Rand
	if src == nil {
		src = rand.Reader
	}
	b := make([]byte, CodeIDSize)
	if _, err := io.ReadFull(src, b); err != nil {
		return "", fmt.Errorf("generate code id: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func (r *Registry) event(action audit.Action, codeID string, err error, detail string) {
	e := audit.NewEvent(action, audit.SubjectCode, codeID).WithRole(audit.RoleApprover).WithDetail(detail)
	if err != nil {
		e = e.WithError(err)
	}
	r.cfg.Audit.Log(e)
}

func (r *Registry) log(msg string, attrs ...slog.Attr) {
	if r.cfg.Logger == nil {
		return
	}
	r.cfg.Logger.LogAttrs(context.Background(), slog.LevelDebug, msg, attrs...)
}
