package exchange_test

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/vaultlink/vaultlink-go/pkg/audit"
	"github.com/vaultlink/vaultlink-go/pkg/exchange"
	"github.com/vaultlink/vaultlink-go/pkg/exchange/mocks"
	"github.com/vaultlink/vaultlink-go/pkg/session"
	"github.com/vaultlink/vaultlink-go/pkg/wire"
)

// harness connects a Requester and an Approver through encoded messages
// carried over channels, one pump goroutine per direction.
type harness struct {
	t *testing.T

	agentStore    *session.Store
	approverStore *session.Store
	agentAudit    *audit.MemoryLogger
	approverAudit *audit.MemoryLogger

	vault    *mocks.MockVault
	prompter *mocks.MockPrompter

	requester *exchange.Requester
	approver  *exchange.Approver
	sessionID string

	pending    chan exchange.Pending
	toApprover chan []byte
	toAgent    chan []byte

	// tamper, when set, mutates agent messages before encoding.
	tamper func(wire.Message)
}

func newHarness(t *testing.T, timeout time.Duration) *harness {
	t.Helper()

	h := &harness{
		t:             t,
		agentAudit:    audit.NewMemoryLogger(),
		approverAudit: audit.NewMemoryLogger(),
		vault:         mocks.NewMockVault(t),
		prompter:      mocks.NewMockPrompter(t),
		pending:       make(chan exchange.Pending, 8),
		toApprover:    make(chan []byte, 16),
		toAgent:       make(chan []byte, 16),
	}

	agentCfg := session.DefaultConfig()
	agentCfg.Audit = h.agentAudit
	agentCfg.AuditRole = audit.RoleAgent
	h.agentStore = session.NewStore(agentCfg)

	approverCfg := session.DefaultConfig()
	approverCfg.Audit = h.approverAudit
	approverCfg.AuditRole = audit.RoleApprover
	h.approverStore = session.NewStore(approverCfg)

	key := bytes.Repeat([]byte{0x24}, session.KeySize)
	sess, err := h.approverStore.Create("", bytes.Clone(key), session.RoleApprover, 0)
	require.NoError(t, err)
	h.sessionID = sess.ID()
	_, err = h.agentStore.Create(h.sessionID, bytes.Clone(key), session.RoleAgent, 0)
	require.NoError(t, err)

	h.prompter.EXPECT().Notify(mock.Anything).Run(func(p exchange.Pending) {
		h.pending <- p
	}).Maybe()
	h.prompter.EXPECT().Resolved(mock.Anything, mock.Anything).Maybe()

	h.approver, err = exchange.NewApprover(exchange.ApproverConfig{
		Sessions: h.approverStore,
		Vault:    h.vault,
		Prompter: h.prompter,
		Audit:    h.approverAudit,
	})
	require.NoError(t, err)

	h.requester, err = exchange.NewRequester(exchange.RequesterConfig{
		Sessions: h.agentStore,
		Timeout:  timeout,
		Audit:    h.agentAudit,
	}, exchange.SenderFunc(h.sendToApprover))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go h.pumpApprover(ctx)
	go h.pumpAgent(ctx)
	return h
}

func (h *harness) sendToApprover(_ context.Context, msg wire.Message) error {
	if h.tamper != nil {
		h.tamper(msg)
	}
	data, err := wire.Encode(msg)
	if err != nil {
		return err
	}
	h.toApprover <- data
	return nil
}

func (h *harness) sendToAgent(_ context.Context, msg wire.Message) error {
	data, err := wire.Encode(msg)
	if err != nil {
		return err
	}
	h.toAgent <- data
	return nil
}

func (h *harness) pumpApprover(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-h.toApprover:
			msg, err := wire.Decode(data)
			if err != nil {
				continue
			}
			if m, ok := msg.(*wire.CredentialRequestMsg); ok {
				_ = h.approver.HandleRequest(ctx, m, exchange.SenderFunc(h.sendToAgent))
			}
		}
	}
}

func (h *harness) pumpAgent(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-h.toAgent:
			msg, err := wire.Decode(data)
			if err != nil {
				continue
			}
			switch m := msg.(type) {
			case *wire.CredentialApprovalMsg:
				_ = h.requester.HandleApproval(m)
			case *wire.RevokeMsg:
				_ = h.requester.HandleRevoke(m)
			case *wire.ErrorMsg:
				_ = h.requester.HandleError(m)
			}
		}
	}
}

type result struct {
	ex  *exchange.Exchange
	err error
}

func (h *harness) submit(req exchange.CredentialRequest) <-chan result {
	ch := make(chan result, 1)
	go func() {
		ex, err := h.requester.Submit(context.Background(), h.sessionID, req)
		ch <- result{ex: ex, err: err}
	}()
	return ch
}

func (h *harness) nextPending() exchange.Pending {
	h.t.Helper()
	select {
	case p := <-h.pending:
		return p
	case <-time.After(2 * time.Second):
		h.t.Fatal("no pending request surfaced")
		return exchange.Pending{}
	}
}

func (h *harness) await(ch <-chan result) result {
	h.t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(3 * time.Second):
		h.t.Fatal("submit did not return")
		return result{}
	}
}

// approverSession returns the approver's end of the session.
func (h *harness) approverSession() *session.Session {
	h.t.Helper()
	sess, err := h.approverStore.Get(h.sessionID)
	require.NoError(h.t, err)
	return sess
}
