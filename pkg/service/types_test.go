package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaultlink/vaultlink-go/pkg/exchange/mocks"
	"github.com/vaultlink/vaultlink-go/pkg/pairing"
)

func TestDefaultConfigsValidate(t *testing.T) {
	acfg := DefaultApproverConfig()
	acfg.Vault = mocks.NewMockVault(t)
	require.NoError(t, acfg.Validate())

	gcfg := DefaultAgentConfig()
	require.NoError(t, gcfg.Validate())
}

func TestApproverConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*ApproverConfig)
		want   error
	}{
		{"no vault", func(c *ApproverConfig) { c.Vault = nil }, ErrInvalidConfig},
		{"zero session ttl", func(c *ApproverConfig) { c.SessionTTL = 0 }, ErrNonPositiveTimeout},
		{"zero handshake timeout", func(c *ApproverConfig) { c.HandshakeTimeout = 0 }, ErrNonPositiveTimeout},
		{"zero rate", func(c *ApproverConfig) { c.PairingRate = 0 }, ErrInvalidConfig},
		{"zero burst", func(c *ApproverConfig) { c.PairingBurst = 0 }, ErrInvalidConfig},
		{"file without sealer", func(c *ApproverConfig) { c.SessionFile = "s.json" }, ErrSessionFileSealer},
		{"bad code length", func(c *ApproverConfig) { c.Pairing.CodeLength = 3 }, pairing.ErrInvalidCodeLength},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultApproverConfig()
			cfg.Vault = mocks.NewMockVault(t)
			tt.mutate(&cfg)
			err := cfg.Validate()
			assert.ErrorIs(t, err, tt.want)
			assert.ErrorIs(t, err, ErrInvalidConfig)

			_, err = NewApproverService(cfg)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestAgentConfigValidate(t *testing.T) {
	cfg := DefaultAgentConfig()
	cfg.RequestTimeout = 0
	assert.ErrorIs(t, cfg.Validate(), ErrNonPositiveTimeout)

	cfg = DefaultAgentConfig()
	cfg.SessionFile = "agent.json"
	assert.ErrorIs(t, cfg.Validate(), ErrSessionFileSealer)
}

func TestStateAndEventStrings(t *testing.T) {
	assert.Equal(t, "RUNNING", StateRunning.String())
	assert.Equal(t, "UNKNOWN", ServiceState(99).String())
	assert.Equal(t, "CODE_ISSUED", EventCodeIssued.String())
	assert.Equal(t, "SESSION_REVOKED", EventSessionRevoked.String())
	assert.Equal(t, "UNKNOWN", EventType(99).String())
}

func TestParsePort(t *testing.T) {
	assert.Equal(t, uint16(7847), parsePort("[::]:7847"))
	assert.Equal(t, uint16(8443), parsePort("127.0.0.1:8443"))
	assert.Zero(t, parsePort("no-port"))
}

func TestAgentRequiresStart(t *testing.T) {
	agent, err := NewAgentService(DefaultAgentConfig())
	require.NoError(t, err)
	assert.Equal(t, StateIdle, agent.State())

	_, err = agent.RequestCode(t.Context())
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.ErrorIs(t, agent.Stop(), ErrNotStarted)
}
