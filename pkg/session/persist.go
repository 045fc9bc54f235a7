package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/vaultlink/vaultlink-go/internal/memzero"
	"github.com/vaultlink/vaultlink-go/pkg/audit"
)

// SnapshotVersion is the current version of the snapshot file format.
const SnapshotVersion = 1

// KeySealer protects session keys at rest. The channel package provides a
// passphrase-based implementation.
type KeySealer interface {
	// Seal encrypts key, binding it to sessionID.
	Seal(key []byte, sessionID string) ([]byte, error)

	// Open decrypts a sealed key. A wrong passphrase or a sealed key moved
	// to another session id fails with fault.ErrAuthenticationFailed.
	Open(sealed []byte, sessionID string) ([]byte, error)
}

// Snapshot is the persisted form of a store.
type Snapshot struct {
	// Version is the snapshot file format version.
	Version int `json:"version"`

	// SavedAt is when the snapshot was written.
	SavedAt time.Time `json:"saved_at"`

	// Sessions holds the active sessions.
	Sessions []SessionRecord `json:"sessions,omitempty"`
}

// SessionRecord is one persisted session.
type SessionRecord struct {
	ID          string    `json:"id"`
	Role        Role      `json:"role"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	SendCounter uint64    `json:"send_counter"`
	RecvCounter uint64    `json:"recv_counter"`

	// SealedKey is the session key sealed by a KeySealer.
	SealedKey []byte `json:"sealed_key"`
}

// FileStore reads and writes a snapshot file.
type FileStore struct {
	mu   sync.Mutex
	path string
}

// NewFileStore creates a FileStore for path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the snapshot file path.
func (f *FileStore) Path() string {
	return f.path
}

// Save writes the snapshot with mode 0600.
func (f *FileStore) Save(snap *Snapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return err
	}

	snap.Version = SnapshotVersion
	if snap.SavedAt.IsZero() {
		snap.SavedAt = time.Now()
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}

	// Write then rename.
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, f.path)
}

// Load reads the snapshot. Returns nil, nil if the file doesn't exist.
func (f *FileStore) Load() (*Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{}
	if err := json.Unmarshal(data, snap); err != nil {
		return nil, fmt.Errorf("decode session snapshot: %w", err)
	}
	if snap.Version != SnapshotVersion {
		return nil, fmt.Errorf("unsupported session snapshot version %d", snap.Version)
	}
	return snap, nil
}

// Clear removes the snapshot file.
func (f *FileStore) Clear() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	err := os.Remove(f.path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// Save snapshots all active sessions with their keys sealed by sealer.
// Call it on shutdown, after exchanges have stopped.
func (s *Store) Save(fs *FileStore, sealer KeySealer) (int, error) {
	s.mu.RLock()
	all := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		all = append(all, sess)
	}
	s.mu.RUnlock()

	snap := &Snapshot{SavedAt: s.cfg.Clock()}
	for _, sess := range all {
		var rec SessionRecord
		err := sess.WithKey(func(key []byte) error {
			sealed, err := sealer.Seal(key, sess.id)
			if err != nil {
				return err
			}
			rec = SessionRecord{
				ID:          sess.id,
				Role:        sess.role,
				CreatedAt:   sess.createdAt,
				ExpiresAt:   sess.expiresAt,
				SendCounter: sess.sendCounter,
				RecvCounter: sess.recvCounter,
				SealedKey:   sealed,
			}
			return nil
		})
		if err != nil {
			if sess.Err() != nil {
				continue // ended meanwhile
			}
			return 0, fmt.Errorf("seal session %s: %w", sess.id, err)
		}
		snap.Sessions = append(snap.Sessions, rec)
	}

	if err := fs.Save(snap); err != nil {
		return 0, err
	}
	return len(snap.Sessions), nil
}

// Restore loads the snapshot into the store and removes the file, so a
// snapshot is restored at most once and counters are never rewound.
// Sessions that expired while stored are skipped. Returns the number of
// restored sessions.
func (s *Store) Restore(fs *FileStore, sealer KeySealer) (int, error) {
	snap, err := fs.Load()
	if err != nil {
		return 0, err
	}
	if snap == nil {
		return 0, nil
	}

	now := s.cfg.Clock()
	type opened struct {
		rec SessionRecord
		key []byte
	}
	var keys []opened
	for _, rec := range snap.Sessions {
		if !now.Before(rec.ExpiresAt) {
			continue
		}
		key, err := sealer.Open(rec.SealedKey, rec.ID)
		if err != nil {
			for _, o := range keys {
				memzero.Zero(o.key)
			}
			return 0, fmt.Errorf("open session %s: %w", rec.ID, err)
		}
		keys = append(keys, opened{rec: rec, key: key})
	}

	// Keys not handed to a session are wiped on an early return.
	wipeFrom := func(i int) {
		for _, o := range keys[i:] {
			memzero.Zero(o.key)
		}
	}

	restored := 0
	for i, o := range keys {
		if len(o.key) != KeySize {
			wipeFrom(i)
			return restored, ErrInvalidKey
		}
		sess, err := s.insert(o.rec.ID, o.key, o.rec.Role, o.rec.CreatedAt, o.rec.ExpiresAt)
		if err != nil {
			wipeFrom(i)
			return restored, err
		}
		sess.restore(o.rec.SendCounter, o.rec.RecvCounter)
		s.event(audit.ActionSessionRestored, o.rec.ID, nil, "")
		restored++
	}

	if err := fs.Clear(); err != nil {
		return restored, err
	}
	return restored, nil
}
