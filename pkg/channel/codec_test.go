package channel

import (
	"bytes"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaultlink/vaultlink-go/pkg/fault"
	"github.com/vaultlink/vaultlink-go/pkg/session"
	"github.com/vaultlink/vaultlink-go/pkg/wire"
)

// pairedSessions returns the agent and approver ends of one session.
func pairedSessions(t *testing.T) (agent, approver *session.Session) {
	t.Helper()
	key := bytes.Repeat([]byte{0x42}, session.KeySize)

	agentStore := session.NewStore(session.DefaultConfig())
	approverStore := session.NewStore(session.DefaultConfig())

	approver, err := approverStore.Create("", append([]byte(nil), key...), session.RoleApprover, 0)
	require.NoError(t, err)
	agent, err = agentStore.Create(approver.ID(), append([]byte(nil), key...), session.RoleAgent, 0)
	require.NoError(t, err)
	return agent, approver
}

func TestRoundTripExactlyOnce(t *testing.T) {
	agent, approver := pairedSessions(t)
	c := NewCodec(nil)

	env, err := c.Encrypt(agent, []byte("github token please"))
	require.NoError(t, err)
	assert.Equal(t, uint64(0), env.Sequence)
	assert.Len(t, env.Nonce, NonceSize)
	assert.Len(t, env.Tag, TagSize)
	assert.NotContains(t, string(env.Ciphertext), "github")

	pt, err := c.Decrypt(approver, env)
	require.NoError(t, err)
	assert.Equal(t, "github token please", string(pt))

	_, err = c.Decrypt(approver, env)
	assert.ErrorIs(t, err, fault.ErrReplayDetected)
}

func TestBothDirections(t *testing.T) {
	agent, approver := pairedSessions(t)
	c := NewCodec(nil)

	req, err := c.Encrypt(agent, []byte("request"))
	require.NoError(t, err)
	reply, err := c.Encrypt(approver, []byte("reply"))
	require.NoError(t, err)

	// Both directions start at sequence 0 but never share a nonce.
	assert.Equal(t, req.Sequence, reply.Sequence)
	assert.NotEqual(t, req.Nonce, reply.Nonce)

	pt, err := c.Decrypt(agent, reply)
	require.NoError(t, err)
	assert.Equal(t, "reply", string(pt))

	pt, err = c.Decrypt(approver, req)
	require.NoError(t, err)
	assert.Equal(t, "request", string(pt))
}

func TestOwnEnvelopeIsRejected(t *testing.T) {
	agent, _ := pairedSessions(t)
	c := NewCodec(nil)

	env, err := c.Encrypt(agent, []byte("loop"))
	require.NoError(t, err)

	_, err = c.Decrypt(agent, env)
	assert.ErrorIs(t, err, fault.ErrAuthenticationFailed)
}

func TestReorderIsRejected(t *testing.T) {
	agent, approver := pairedSessions(t)
	c := NewCodec(nil)

	first, err := c.Encrypt(agent, []byte("one"))
	require.NoError(t, err)
	second, err := c.Encrypt(agent, []byte("two"))
	require.NoError(t, err)

	_, err = c.Decrypt(approver, second)
	assert.ErrorIs(t, err, fault.ErrReplayDetected)

	// The rejected envelope did not move the counter.
	pt, err := c.Decrypt(approver, first)
	require.NoError(t, err)
	assert.Equal(t, "one", string(pt))

	pt, err = c.Decrypt(approver, second)
	require.NoError(t, err)
	assert.Equal(t, "two", string(pt))
}

func TestTamperingIsRejected(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(env *wire.Envelope)
		want   error
	}{
		{"ciphertext", func(env *wire.Envelope) { env.Ciphertext[0] ^= 0x01 }, fault.ErrAuthenticationFailed},
		{"tag", func(env *wire.Envelope) { env.Tag[15] ^= 0x80 }, fault.ErrAuthenticationFailed},
		{"nonce", func(env *wire.Envelope) { env.Nonce[2] ^= 0x01 }, fault.ErrAuthenticationFailed},
		{"short tag", func(env *wire.Envelope) { env.Tag = env.Tag[:8] }, fault.ErrMalformedMessage},
		{"short nonce", func(env *wire.Envelope) { env.Nonce = env.Nonce[:4] }, fault.ErrMalformedMessage},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			agent, approver := pairedSessions(t)
			c := NewCodec(nil)

			env, err := c.Encrypt(agent, []byte("payload"))
			require.NoError(t, err)
			tt.mutate(env)

			_, err = c.Decrypt(approver, env)
			assert.ErrorIs(t, err, tt.want)

			// A rejected envelope leaves the session usable.
			next, err := c.Encrypt(agent, []byte("again"))
			require.NoError(t, err)
			_, err = c.Decrypt(approver, next)
			assert.ErrorIs(t, err, fault.ErrReplayDetected, "sequence 1 while 0 is still expected")
		})
	}
}

func TestDecryptNilEnvelope(t *testing.T) {
	_, approver := pairedSessions(t)
	_, err := NewCodec(nil).Decrypt(approver, nil)
	assert.ErrorIs(t, err, fault.ErrMalformedMessage)
}

func TestDifferentKeysFail(t *testing.T) {
	agentStore := session.NewStore(session.DefaultConfig())
	approverStore := session.NewStore(session.DefaultConfig())

	agent, err := agentStore.Create("s1", bytes.Repeat([]byte{1}, session.KeySize), session.RoleAgent, 0)
	require.NoError(t, err)
	approver, err := approverStore.Create("s1", bytes.Repeat([]byte{2}, session.KeySize), session.RoleApprover, 0)
	require.NoError(t, err)

	c := NewCodec(nil)
	env, err := c.Encrypt(agent, []byte("x"))
	require.NoError(t, err)
	_, err = c.Decrypt(approver, env)
	assert.ErrorIs(t, err, fault.ErrAuthenticationFailed)
}

func TestRevokedSessionFailsBothWays(t *testing.T) {
	agentStore := session.NewStore(session.DefaultConfig())
	key := bytes.Repeat([]byte{7}, session.KeySize)
	agent, err := agentStore.Create("s1", key, session.RoleAgent, 0)
	require.NoError(t, err)

	c := NewCodec(nil)
	env, err := c.Encrypt(agent, []byte("before"))
	require.NoError(t, err)

	require.NoError(t, agentStore.Revoke("s1", "test"))

	_, err = c.Encrypt(agent, []byte("after"))
	assert.ErrorIs(t, err, fault.ErrSessionRevoked)
	_, err = c.Decrypt(agent, env)
	assert.ErrorIs(t, err, fault.ErrSessionRevoked)
	_, err = c.Decrypt(agent, nil)
	assert.ErrorIs(t, err, fault.ErrSessionRevoked)
}

func TestConcurrentEncryptUsesDistinctSequences(t *testing.T) {
	agent, approver := pairedSessions(t)
	c := NewCodec(nil)

	const n = 50
	envs := make([]*wire.Envelope, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			env, err := c.Encrypt(agent, []byte{byte(i)})
			if err == nil {
				envs[i] = env
			}
		}(i)
	}
	wg.Wait()

	bySeq := make(map[uint64]*wire.Envelope, n)
	for _, env := range envs {
		require.NotNil(t, env)
		bySeq[env.Sequence] = env
	}
	require.Len(t, bySeq, n)

	for seq := range uint64(n) {
		_, err := c.Decrypt(approver, bySeq[seq])
		require.NoError(t, err, "sequence %d", seq)
	}
}

func TestPendingCallsFailOnRevoke(t *testing.T) {
	agentStore := session.NewStore(session.DefaultConfig())
	agent, err := agentStore.Create("s1", bytes.Repeat([]byte{9}, session.KeySize), session.RoleAgent, 0)
	require.NoError(t, err)

	c := NewCodec(nil)
	start := make(chan struct{})
	results := make(chan error, 20)
	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := c.Encrypt(agent, []byte("x"))
			results <- err
		}()
	}

	close(start)
	require.NoError(t, agentStore.Revoke("s1", "user"))
	wg.Wait()
	close(results)

	// Every call either finished before the revoke or saw it.
	for err := range results {
		if err != nil {
			assert.True(t, errors.Is(err, fault.ErrSessionRevoked), "got %v", err)
		}
	}
	_, err = c.Encrypt(agent, []byte("x"))
	assert.ErrorIs(t, err, fault.ErrSessionRevoked)
}

func TestDirectionString(t *testing.T) {
	assert.Equal(t, "AGENT_TO_APPROVER", AgentToApprover.String())
	assert.Equal(t, "APPROVER_TO_AGENT", ApproverToAgent.String())
	assert.Equal(t, "UNKNOWN", Direction(9).String())
}
