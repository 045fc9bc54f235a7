package audit

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaultlink/vaultlink-go/pkg/fault"
)

func TestFileLoggerCreatesPrivateFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.vlog")

	logger, err := NewFileLogger(path)
	require.NoError(t, err)
	defer logger.Close()

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestFileLoggerRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.vlog")

	logger, err := NewFileLogger(path)
	require.NoError(t, err)

	event := NewEvent(ActionSessionCreated, SubjectSession, "s-1").
		WithRole(RoleApprover).
		WithDetail("agent=build")
	logger.Log(event)
	require.NoError(t, logger.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	decoded, err := DecodeEvent(data)
	require.NoError(t, err)
	assert.Equal(t, event.ID, decoded.ID)
	assert.True(t, event.Timestamp.Equal(decoded.Timestamp))
	assert.Equal(t, "s-1", decoded.Subject)
	assert.Equal(t, ActionSessionCreated, decoded.Action)
	assert.Equal(t, RoleApprover, decoded.Role)
	assert.Equal(t, "agent=build", decoded.Detail)
}

func TestFileLoggerAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.vlog")

	for i := 0; i < 2; i++ {
		logger, err := NewFileLogger(path)
		require.NoError(t, err)
		logger.Log(NewEvent(ActionCodeIssued, SubjectCode, "c"))
		require.NoError(t, logger.Close())
	}

	r, err := NewReader(path)
	require.NoError(t, err)
	defer r.Close()

	events, err := r.All()
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestFileLoggerCloseIdempotent(t *testing.T) {
	logger, err := NewFileLogger(filepath.Join(t.TempDir(), "audit.vlog"))
	require.NoError(t, err)

	require.NoError(t, logger.Close())
	require.NoError(t, logger.Close())

	// Ignored after close.
	logger.Log(NewEvent(ActionCodeIssued, SubjectCode, "c"))
	assert.NoError(t, logger.Sync())
}

func TestFileLoggerConcurrent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.vlog")
	logger, err := NewFileLogger(path)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				logger.Log(NewEvent(ActionRequestSent, SubjectSession, "s"))
			}
		}()
	}
	wg.Wait()
	require.NoError(t, logger.Close())
	assert.Zero(t, logger.WriteErrors())

	r, err := NewReader(path)
	require.NoError(t, err)
	defer r.Close()
	events, err := r.All()
	require.NoError(t, err)
	assert.Len(t, events, 200)
}

func TestReaderFilter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.vlog")
	logger, err := NewFileLogger(path)
	require.NoError(t, err)

	base := time.Now()
	events := []Event{
		NewEvent(ActionCodeIssued, SubjectCode, "c1"),
		NewEvent(ActionHandshakeFailed, SubjectCode, "c1").WithError(fault.ErrAuthenticationFailed),
		NewEvent(ActionSessionCreated, SubjectSession, "s1").WithRole(RoleApprover),
		NewEvent(ActionSessionRevoked, SubjectSession, "s1").WithRole(RoleApprover),
	}
	for i := range events {
		events[i].Timestamp = base.Add(time.Duration(i) * time.Second)
		logger.Log(events[i])
	}
	require.NoError(t, logger.Close())

	failure := OutcomeFailure
	session := SubjectSession
	revoked := ActionSessionRevoked
	authFailed := fault.KindAuthenticationFailed
	approver := RoleApprover
	start := base.Add(time.Second)
	end := base.Add(3 * time.Second)

	tests := []struct {
		name   string
		filter Filter
		want   int
	}{
		{"all", Filter{}, 4},
		{"by subject", Filter{Subject: "c1"}, 2},
		{"by subject type", Filter{SubjectType: &session}, 2},
		{"by action", Filter{Action: &revoked}, 1},
		{"by outcome", Filter{Outcome: &failure}, 1},
		{"by error kind", Filter{ErrorKind: &authFailed}, 1},
		{"by role", Filter{Role: &approver}, 2},
		{"time window", Filter{TimeStart: &start, TimeEnd: &end}, 2},
		{"no match", Filter{Subject: "zzz"}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := NewFilteredReader(path, tt.filter)
			require.NoError(t, err)
			defer r.Close()

			got, err := r.All()
			require.NoError(t, err)
			assert.Len(t, got, tt.want)
		})
	}
}

func TestReaderMissingFile(t *testing.T) {
	_, err := NewReader(filepath.Join(t.TempDir(), "missing.vlog"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
