package config

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaultlink/vaultlink-go/pkg/fault"
	"github.com/vaultlink/vaultlink-go/pkg/service"
)

const sampleConfig = `
log_level: debug
audit_file: audit.cbor
metrics_address: 127.0.0.1:9847
approver:
  listen: ":9000"
  display_name: Desk
  discovery: false
  pairing_ttl: 2m
  code_length: 8
  handshake_timeout: 10s
  pairing_rate: 0.5
  session_file: approver.json
  vault_file: vault.yaml
agent:
  name: build-bot
  approver: desk.local:9000
  request_timeout: 1m
`

func TestParseAndApply(t *testing.T) {
	f, err := Parse([]byte(sampleConfig))
	require.NoError(t, err)

	level, err := f.Level()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, level)

	acfg := service.DefaultApproverConfig()
	f.ApplyApprover(&acfg)
	assert.Equal(t, ":9000", acfg.ListenAddress)
	assert.Equal(t, "Desk", acfg.DisplayName)
	assert.False(t, acfg.EnableDiscovery)
	assert.Equal(t, 2*time.Minute, acfg.Pairing.TTL)
	assert.Equal(t, 8, acfg.Pairing.CodeLength)
	assert.Equal(t, 10*time.Second, acfg.HandshakeTimeout)
	assert.Equal(t, 0.5, acfg.PairingRate)

	// Unset values keep the defaults.
	def := service.DefaultApproverConfig()
	assert.Equal(t, def.MaxConnections, acfg.MaxConnections)
	assert.Equal(t, def.PairingBurst, acfg.PairingBurst)

	gcfg := service.DefaultAgentConfig()
	f.ApplyAgent(&gcfg)
	assert.Equal(t, "build-bot", gcfg.AgentName)
	assert.Equal(t, "desk.local:9000", gcfg.ApproverAddress)
	assert.Equal(t, time.Minute, gcfg.RequestTimeout)
	assert.Equal(t, service.DefaultAgentConfig().ConnectTimeout, gcfg.ConnectTimeout)
}

func TestParseErrors(t *testing.T) {
	_, err := Parse([]byte("approver: [unclosed"))
	var le *LoadError
	require.ErrorAs(t, err, &le)
	assert.Contains(t, le.Error(), "failed to parse YAML")

	_, err = Parse([]byte("unknown_key: 1"))
	assert.Error(t, err)

	_, err = Parse([]byte("log_level: loud"))
	require.ErrorAs(t, err, &le)
	assert.Contains(t, le.Error(), "invalid log_level")
}

func TestParseEmpty(t *testing.T) {
	f, err := Parse(nil)
	require.NoError(t, err)
	level, err := f.Level()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelInfo, level)
}

func TestLoadResolvesPaths(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0o600))

	f, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "audit.cbor"), f.AuditFile)
	assert.Equal(t, filepath.Join(dir, "vault.yaml"), f.Approver.VaultFile)
	assert.Equal(t, filepath.Join(dir, "approver.json"), f.Approver.SessionFile)
	assert.Empty(t, f.Agent.SessionFile)
}

func TestLoadMissingFile(t *testing.T) {
	f, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Empty(t, f.Approver.Listen)
}

func TestLoadBadFileNamesPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("agent: ["), 0o600))

	_, err := Load(path)
	var le *LoadError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, path, le.File)
	assert.NotNil(t, le.Unwrap())
}

func TestDefaultDirHonoursEnv(t *testing.T) {
	t.Setenv("VAULTLINK_HOME", "/tmp/vl")
	assert.Equal(t, "/tmp/vl", DefaultDir())
	assert.Equal(t, "/tmp/vl/config.yaml", DefaultPath())
}

func TestStaticVaultLookup(t *testing.T) {
	src := map[string]map[string]string{
		"aa.com": {"username": "alice", "password": "hunter2"},
	}
	v := NewStaticVault(src)
	src["aa.com"]["password"] = "changed"

	got, err := v.Lookup(context.Background(), "aa.com", []string{"password"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"password": "hunter2"}, got)

	_, err = v.Lookup(context.Background(), "bb.com", []string{"password"})
	assert.ErrorIs(t, err, fault.ErrNotFound)

	_, err = v.Lookup(context.Background(), "aa.com", []string{"otp"})
	assert.ErrorIs(t, err, fault.ErrNotFound)

	assert.Equal(t, []string{"aa.com"}, v.Targets())
	assert.NoError(t, v.Reload())
}

func TestLoadVaultAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vault.yaml")
	require.NoError(t, os.WriteFile(path, []byte("targets:\n  aa.com:\n    password: one\n"), 0o600))

	v, err := LoadVault(path)
	require.NoError(t, err)
	got, err := v.Lookup(context.Background(), "aa.com", []string{"password"})
	require.NoError(t, err)
	assert.Equal(t, "one", got["password"])

	require.NoError(t, os.WriteFile(path, []byte("targets:\n  bb.com:\n    password: two\n"), 0o600))
	require.NoError(t, v.Reload())
	assert.Equal(t, []string{"bb.com"}, v.Targets())
}

func TestLoadVaultRejectsOpenPermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vault.yaml")
	require.NoError(t, os.WriteFile(path, []byte("targets: {}\n"), 0o600))
	require.NoError(t, os.Chmod(path, 0o644))

	_, err := LoadVault(path)
	var le *LoadError
	require.ErrorAs(t, err, &le)
	assert.Contains(t, le.Error(), "too open")
}
