package audit

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaultlink/vaultlink-go/pkg/fault"
)

func TestOrNoop(t *testing.T) {
	assert.Equal(t, NoopLogger{}, OrNoop(nil))

	mem := NewMemoryLogger()
	assert.Same(t, mem, OrNoop(mem))
}

func TestMemoryLogger(t *testing.T) {
	mem := NewMemoryLogger()
	mem.Log(NewEvent(ActionCodeIssued, SubjectCode, "c1"))
	mem.Log(NewEvent(ActionCodeConsumed, SubjectCode, "c1"))
	mem.Log(NewEvent(ActionSessionCreated, SubjectSession, "s1"))

	assert.Equal(t, []Action{ActionCodeIssued, ActionCodeConsumed, ActionSessionCreated}, mem.Actions())
	assert.Len(t, mem.Filter(Filter{Subject: "c1"}), 2)
	assert.Len(t, mem.Events(), 3)
}

func TestMultiLogger(t *testing.T) {
	a := NewMemoryLogger()
	b := NewMemoryLogger()
	multi := NewMultiLogger(a, nil, b)

	multi.Log(NewEvent(ActionCodeIssued, SubjectCode, "c1"))

	assert.Len(t, a.Events(), 1)
	assert.Len(t, b.Events(), 1)
}

func TestSlogAdapter(t *testing.T) {
	var buf bytes.Buffer
	handler := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	adapter := NewSlogAdapter(slog.New(handler))

	adapter.Log(NewEvent(ActionHandshakeFailed, SubjectCode, "c1").
		WithError(fault.ErrAuthenticationFailed).
		WithRole(RoleApprover))

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))

	assert.Equal(t, "audit", record["msg"])
	assert.Equal(t, "WARN", record["level"])
	assert.Equal(t, "handshake_failed", record["action"])
	assert.Equal(t, "c1", record["subject"])
	assert.Equal(t, "AUTHENTICATION_FAILED", record["error_kind"])
	assert.Equal(t, "APPROVER", record["role"])
	assert.NotContains(t, record, "detail")
}
