package session

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaultlink/vaultlink-go/pkg/fault"
)

// prefixSealer is a reversible stand-in for the channel key wrapper.
type prefixSealer struct {
	secret string
}

func (p prefixSealer) Seal(key []byte, id string) ([]byte, error) {
	return append([]byte(p.secret+"|"+id+"|"), key...), nil
}

func (p prefixSealer) Open(sealed []byte, id string) ([]byte, error) {
	prefix := []byte(p.secret + "|" + id + "|")
	if !bytes.HasPrefix(sealed, prefix) {
		return nil, fmt.Errorf("%w: bad passphrase", fault.ErrAuthenticationFailed)
	}
	return append([]byte(nil), sealed[len(prefix):]...), nil
}

// keepingSealer remembers every key it opens.
type keepingSealer struct {
	prefixSealer
	opened [][]byte
}

func (k *keepingSealer) Open(sealed []byte, id string) ([]byte, error) {
	key, err := k.prefixSealer.Open(sealed, id)
	if err == nil {
		k.opened = append(k.opened, key)
	}
	return key, err
}

func TestFileStoreLoadMissing(t *testing.T) {
	fs := NewFileStore(filepath.Join(t.TempDir(), "sessions.json"))
	snap, err := fs.Load()
	require.NoError(t, err)
	assert.Nil(t, snap)
	assert.NoError(t, fs.Clear())
}

func TestSaveRestoreRoundTrip(t *testing.T) {
	store, clock, _ := newTestStore(t)
	sealer := prefixSealer{secret: "pw"}
	fs := NewFileStore(filepath.Join(t.TempDir(), "state", "sessions.json"))

	a, _ := store.Create("a", testKey(), RoleApprover, time.Hour)
	require.NoError(t, a.Send(func([]byte, uint64) error { return nil }))
	require.NoError(t, a.Receive(func([]byte, uint64) error { return nil }))
	require.NoError(t, a.Receive(func([]byte, uint64) error { return nil }))
	_, _ = store.Create("gone", testKey(), RoleApprover, time.Hour)
	require.NoError(t, store.Revoke("gone", ""))

	n, err := store.Save(fs, sealer)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	info, err := os.Stat(fs.Path())
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	data, _ := os.ReadFile(fs.Path())
	assert.NotContains(t, string(data), "gone")

	// A fresh process restores the session with its counters.
	cfg := DefaultConfig()
	cfg.Clock = clock.Now
	restoredStore := NewStore(cfg)
	n, err = restoredStore.Restore(fs, sealer)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := restoredStore.Get("a")
	require.NoError(t, err)
	gi := got.Info()
	assert.Equal(t, uint64(1), gi.SendCounter)
	assert.Equal(t, uint64(2), gi.RecvCounter)
	assert.Equal(t, a.Info().ExpiresAt, gi.ExpiresAt)
	require.NoError(t, got.WithKey(func(key []byte) error {
		if !bytes.Equal(key, testKey()) {
			return errors.New("key mismatch")
		}
		return nil
	}))

	// The snapshot is consumed.
	_, err = os.Stat(fs.Path())
	assert.True(t, os.IsNotExist(err))
}

func TestRestoreWrongPassphrase(t *testing.T) {
	store, clock, _ := newTestStore(t)
	fs := NewFileStore(filepath.Join(t.TempDir(), "sessions.json"))
	_, _ = store.Create("a", testKey(), RoleAgent, time.Hour)
	_, err := store.Save(fs, prefixSealer{secret: "right"})
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.Clock = clock.Now
	other := NewStore(cfg)
	_, err = other.Restore(fs, prefixSealer{secret: "wrong"})
	assert.ErrorIs(t, err, fault.ErrAuthenticationFailed)
	assert.Zero(t, other.Len())

	// The file survives a failed restore.
	_, err = os.Stat(fs.Path())
	assert.NoError(t, err)
}

func TestRestoreSkipsExpired(t *testing.T) {
	store, clock, _ := newTestStore(t)
	fs := NewFileStore(filepath.Join(t.TempDir(), "sessions.json"))
	_, _ = store.Create("short", testKey(), RoleAgent, time.Minute)
	_, _ = store.Create("long", testKey(), RoleAgent, time.Hour)
	_, err := store.Save(fs, prefixSealer{})
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)
	cfg := DefaultConfig()
	cfg.Clock = clock.Now
	other := NewStore(cfg)
	n, err := other.Restore(fs, prefixSealer{})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = other.Get("short")
	assert.ErrorIs(t, err, fault.ErrNotFound)
}

func TestLoadRejectsUnknownVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"version": 99}`), 0o600))

	_, err := NewFileStore(path).Load()
	assert.Error(t, err)
}

func TestRestoreFailureWipesOpenedKeys(t *testing.T) {
	store, _, _ := newTestStore(t)
	sealer := &keepingSealer{prefixSealer: prefixSealer{secret: "pw"}}
	fs := NewFileStore(filepath.Join(t.TempDir(), "sessions.json"))

	_, _ = store.Create("a", testKey(), RoleApprover, time.Hour)
	_, _ = store.Create("b", testKey(), RoleApprover, time.Hour)
	n, err := store.Save(fs, sealer)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	// Both ids are still live, so the first insert fails.
	restored, err := store.Restore(fs, sealer)
	require.ErrorIs(t, err, ErrDuplicateSession)
	assert.Zero(t, restored)

	require.Len(t, sealer.opened, 2)
	zero := make([]byte, KeySize)
	for _, key := range sealer.opened {
		assert.Equal(t, zero, key)
	}
}
