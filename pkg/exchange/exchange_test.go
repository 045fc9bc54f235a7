package exchange_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/vaultlink/vaultlink-go/pkg/audit"
	"github.com/vaultlink/vaultlink-go/pkg/exchange"
	"github.com/vaultlink/vaultlink-go/pkg/fault"
	"github.com/vaultlink/vaultlink-go/pkg/session"
	"github.com/vaultlink/vaultlink-go/pkg/wire"
)

var credentialFields = []string{"username", "password"}

func aaRequest() exchange.CredentialRequest {
	return exchange.CredentialRequest{Target: "aa.com", Fields: credentialFields}
}

// aliceCredential returns a fresh map per call; Approve zeroes the map it
// receives.
func aliceCredential(context.Context, string, []string) (map[string]string, error) {
	return map[string]string{"username": "alice", "password": "hunter2"}, nil
}

func TestApprovedCredentialIsDelivered(t *testing.T) {
	h := newHarness(t, 2*time.Second)
	h.vault.EXPECT().Lookup(mock.Anything, "aa.com", credentialFields).
		RunAndReturn(aliceCredential).Once()

	done := h.submit(aaRequest())

	p := h.nextPending()
	assert.Equal(t, "aa.com", p.Target)
	assert.Equal(t, h.sessionID, p.SessionID)
	assert.Equal(t, credentialFields, p.Fields)
	require.Len(t, h.approver.Pending(), 1)

	approved, err := h.approver.Approve(context.Background(), p.RequestID)
	require.NoError(t, err)
	assert.Equal(t, exchange.StateDelivered, approved.State())

	r := h.await(done)
	require.NoError(t, r.err)
	assert.Equal(t, exchange.StateDelivered, r.ex.State())
	assert.Equal(t, map[string]string{"username": "alice", "password": "hunter2"}, r.ex.Payload())
	assert.Equal(t, p.RequestID, r.ex.RequestID())
	assert.Empty(t, h.approver.Pending())
	assert.Zero(t, h.requester.Pending())

	states := make([]exchange.State, 0)
	for _, tr := range r.ex.History() {
		states = append(states, tr.To)
	}
	assert.Equal(t, []exchange.State{exchange.StateRequestSent, exchange.StateApproved, exchange.StateDelivered}, states)

	assert.Contains(t, h.agentAudit.Actions(), audit.ActionRequestSent)
	assert.Contains(t, h.agentAudit.Actions(), audit.ActionCredentialDelivered)
	assert.Contains(t, h.approverAudit.Actions(), audit.ActionRequestReceived)
	assert.Contains(t, h.approverAudit.Actions(), audit.ActionRequestApproved)

	// No credential value reaches the audit trail.
	for _, ev := range append(h.agentAudit.Events(), h.approverAudit.Events()...) {
		assert.NotContains(t, ev.Detail, "hunter2")
		assert.NotContains(t, ev.Detail, "alice")
	}
}

func TestDeniedRequestFailsWithReason(t *testing.T) {
	h := newHarness(t, 2*time.Second)

	done := h.submit(aaRequest())
	p := h.nextPending()

	denied, err := h.approver.Deny(context.Background(), p.RequestID, "not authorized")
	require.NoError(t, err)
	assert.Equal(t, exchange.StateFailed, denied.State())

	r := h.await(done)
	require.ErrorIs(t, r.err, exchange.ErrDenied)
	assert.Equal(t, exchange.StateFailed, r.ex.State())
	assert.Equal(t, "not authorized", r.ex.Reason())
	assert.Nil(t, r.ex.Payload())

	last := r.ex.History()
	require.Len(t, last, 3)
	assert.Equal(t, exchange.StateDenied, last[1].To)

	assert.Contains(t, h.agentAudit.Actions(), audit.ActionRequestDenied)
	h.vault.AssertNotCalled(t, "Lookup", mock.Anything, mock.Anything, mock.Anything)

	// The session stays usable.
	assert.Equal(t, session.StatusActive, h.approverSession().Status())
}

func TestTimeoutDiscardsLateReply(t *testing.T) {
	h := newHarness(t, 50*time.Millisecond)
	h.vault.EXPECT().Lookup(mock.Anything, "aa.com", credentialFields).
		RunAndReturn(aliceCredential).Twice()

	done := h.submit(aaRequest())
	p := h.nextPending()

	r := h.await(done)
	require.ErrorIs(t, r.err, fault.ErrTimeout)
	assert.Equal(t, exchange.StateFailed, r.ex.State())
	assert.Nil(t, r.ex.Payload())

	// The human approves after the agent gave up.
	_, err := h.approver.Approve(context.Background(), p.RequestID)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(h.agentAudit.Filter(audit.Filter{Action: ptr(audit.ActionLateReplyDiscarded)})) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, exchange.StateFailed, r.ex.State())
	assert.Nil(t, r.ex.Payload())

	// The discarded reply kept the sequence in step, so a new request works.
	done = h.submit(aaRequest())
	p = h.nextPending()
	_, err = h.approver.Approve(context.Background(), p.RequestID)
	require.NoError(t, err)

	// A slow machine may time out again. A broken sequence would surface as
	// a replay instead.
	r = h.await(done)
	if r.err != nil {
		require.ErrorIs(t, r.err, fault.ErrTimeout)
		return
	}
	assert.Equal(t, "hunter2", r.ex.Payload()["password"])
}

func TestRevokeWhileAwaitingApproval(t *testing.T) {
	h := newHarness(t, 2*time.Second)

	done := h.submit(aaRequest())
	p := h.nextPending()

	require.NoError(t, h.approver.Revoke(context.Background(), h.sessionID, "user revoked"))

	r := h.await(done)
	require.ErrorIs(t, r.err, fault.ErrSessionRevoked)
	assert.Equal(t, exchange.StateTerminated, r.ex.State())

	_, err := h.approver.Approve(context.Background(), p.RequestID)
	assert.ErrorIs(t, err, fault.ErrNotFound)

	// The next agent operation on the session fails.
	ex, err := h.requester.Submit(context.Background(), h.sessionID, aaRequest())
	require.ErrorIs(t, err, fault.ErrSessionRevoked)
	assert.True(t, ex.State().IsTerminal())

	assert.Contains(t, h.approverAudit.Actions(), audit.ActionExchangeTerminated)
	assert.Contains(t, h.agentAudit.Actions(), audit.ActionExchangeTerminated)
}

func TestRevokeAfterLocalDecisionBeforeSend(t *testing.T) {
	h := newHarness(t, 2*time.Second)

	done := h.submit(aaRequest())
	p := h.nextPending()

	// The vault lookup is the window between the decision and the send.
	h.vault.EXPECT().Lookup(mock.Anything, "aa.com", credentialFields).
		RunAndReturn(func(ctx context.Context, target string, fields []string) (map[string]string, error) {
			require.NoError(t, h.approver.Revoke(ctx, h.sessionID, "changed my mind"))
			return map[string]string{"username": "alice", "password": "hunter2"}, nil
		}).Once()

	ex, err := h.approver.Approve(context.Background(), p.RequestID)
	require.ErrorIs(t, err, fault.ErrSessionRevoked)
	assert.Equal(t, exchange.StateTerminated, ex.State())

	r := h.await(done)
	require.ErrorIs(t, r.err, fault.ErrSessionRevoked)
	assert.Nil(t, r.ex.Payload())
}

func TestForgedRevokeIsRejected(t *testing.T) {
	h := newHarness(t, 2*time.Second)

	err := h.requester.HandleRevoke(&wire.RevokeMsg{SessionID: h.sessionID, Reason: "forged", Tag: make([]byte, 32)})
	require.ErrorIs(t, err, fault.ErrAuthenticationFailed)

	sess, err := h.agentStore.Get(h.sessionID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusActive, sess.Status())
	assert.Contains(t, h.agentAudit.Actions(), audit.ActionMessageRejected)
}

func TestPeerErrorLeavesSessionActive(t *testing.T) {
	h := newHarness(t, 2*time.Second)

	done := h.submit(aaRequest())
	h.nextPending()

	// An ErrorMsg carries no tag, so it only fails the pending request.
	require.NoError(t, h.requester.HandleError(&wire.ErrorMsg{Subject: h.sessionID, Kind: fault.KindSessionRevoked}))

	r := h.await(done)
	require.ErrorIs(t, r.err, fault.ErrSessionRevoked)
	assert.Zero(t, h.requester.Pending())

	sess, err := h.agentStore.Get(h.sessionID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusActive, sess.Status())
}

func TestTamperedRequestFailsFast(t *testing.T) {
	h := newHarness(t, 2*time.Second)
	h.tamper = func(msg wire.Message) {
		if m, ok := msg.(*wire.CredentialRequestMsg); ok {
			m.Envelope.Tag[0] ^= 0xff
		}
	}

	r := h.await(h.submit(aaRequest()))
	require.ErrorIs(t, r.err, fault.ErrAuthenticationFailed)
	assert.Equal(t, exchange.StateFailed, r.ex.State())

	// Both ends keep the session.
	assert.Equal(t, session.StatusActive, h.approverSession().Status())
	assert.Contains(t, h.approverAudit.Actions(), audit.ActionMessageRejected)
}

func TestSubmitUnknownSession(t *testing.T) {
	h := newHarness(t, time.Second)
	ex, err := h.requester.Submit(context.Background(), "missing", aaRequest())
	assert.Nil(t, ex)
	assert.ErrorIs(t, err, fault.ErrNotFound)
}

func TestSubmitHonoursContext(t *testing.T) {
	h := newHarness(t, time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	ex, err := h.requester.Submit(ctx, h.sessionID, aaRequest())
	require.Error(t, err)
	assert.ErrorIs(t, err, fault.ErrTimeout)
	assert.Equal(t, exchange.StateFailed, ex.State())
	_ = h.nextPending()
}

func TestVaultErrorKeepsRequestPending(t *testing.T) {
	h := newHarness(t, 2*time.Second)
	h.vault.EXPECT().Lookup(mock.Anything, "aa.com", credentialFields).
		Return(nil, errors.Join(fault.ErrNotFound, errors.New("no entry"))).Once()

	done := h.submit(aaRequest())
	p := h.nextPending()

	_, err := h.approver.Approve(context.Background(), p.RequestID)
	require.ErrorIs(t, err, fault.ErrNotFound)
	require.Len(t, h.approver.Pending(), 1)

	_, err = h.approver.Deny(context.Background(), p.RequestID, "nothing stored")
	require.NoError(t, err)

	r := h.await(done)
	assert.ErrorIs(t, r.err, exchange.ErrDenied)
	assert.Equal(t, "nothing stored", r.ex.Reason())
}

func TestApproveZeroesLookupResult(t *testing.T) {
	h := newHarness(t, 2*time.Second)
	handed := map[string]string{"username": "alice", "password": "hunter2"}
	h.vault.EXPECT().Lookup(mock.Anything, "aa.com", credentialFields).Return(handed, nil).Once()

	done := h.submit(aaRequest())
	p := h.nextPending()

	_, err := h.approver.Approve(context.Background(), p.RequestID)
	require.NoError(t, err)

	r := h.await(done)
	require.NoError(t, r.err)
	assert.Equal(t, "hunter2", r.ex.Payload()["password"])
	assert.Equal(t, map[string]string{"username": "", "password": ""}, handed)
}

func TestSubmitWithoutFieldsIsRejected(t *testing.T) {
	h := newHarness(t, 2*time.Second)

	ex, err := h.requester.Submit(context.Background(), h.sessionID, exchange.CredentialRequest{Target: "aa.com"})
	require.ErrorIs(t, err, fault.ErrMalformedMessage)
	assert.Equal(t, exchange.StateFailed, ex.State())
	assert.Empty(t, h.approver.Pending())
	h.vault.AssertNotCalled(t, "Lookup", mock.Anything, mock.Anything, mock.Anything)
}

func TestDecideTwice(t *testing.T) {
	h := newHarness(t, 2*time.Second)
	done := h.submit(aaRequest())
	p := h.nextPending()

	_, err := h.approver.Deny(context.Background(), p.RequestID, "no")
	require.NoError(t, err)
	_, err = h.approver.Deny(context.Background(), p.RequestID, "no")
	assert.ErrorIs(t, err, exchange.ErrNotPending)
	h.await(done)
}

func TestNewValidation(t *testing.T) {
	_, err := exchange.NewRequester(exchange.RequesterConfig{}, exchange.SenderFunc(nil))
	assert.ErrorIs(t, err, exchange.ErrNoSessions)

	store := session.NewStore(session.DefaultConfig())
	_, err = exchange.NewRequester(exchange.RequesterConfig{Sessions: store}, nil)
	assert.ErrorIs(t, err, exchange.ErrNoSender)

	_, err = exchange.NewApprover(exchange.ApproverConfig{Sessions: store})
	assert.ErrorIs(t, err, exchange.ErrNoVault)
}

func ptr[T any](v T) *T { return &v }
