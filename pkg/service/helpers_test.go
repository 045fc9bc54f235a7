package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vaultlink/vaultlink-go/pkg/audit"
	"github.com/vaultlink/vaultlink-go/pkg/exchange"
	"github.com/vaultlink/vaultlink-go/pkg/exchange/mocks"
	"github.com/vaultlink/vaultlink-go/pkg/pairing"
	"github.com/vaultlink/vaultlink-go/pkg/session"
	"github.com/vaultlink/vaultlink-go/pkg/transport"
)

const testWait = 2 * time.Second

// chanPrompter forwards pending requests to a channel.
type chanPrompter struct {
	pending chan exchange.Pending
}

func (p *chanPrompter) Notify(pe exchange.Pending)       { p.pending <- pe }
func (p *chanPrompter) Resolved(string, exchange.State) {}

// testPair is an approver and an agent joined by an in-memory connection.
type testPair struct {
	ctx context.Context

	approver *ApproverService
	agent    *AgentService

	vault    *mocks.MockVault
	prompter *chanPrompter

	approverAudit *audit.MemoryLogger
	agentAudit    *audit.MemoryLogger

	codes          chan pairing.Code
	approverEvents chan Event
	agentEvents    chan Event

	// agentConn is the agent end of the pipe.
	agentConn *transport.StreamConn
}

func testApproverConfig(vault exchange.Vault) ApproverConfig {
	cfg := DefaultApproverConfig()
	cfg.ListenAddress = "127.0.0.1:0"
	cfg.EnableDiscovery = false
	cfg.Vault = vault
	cfg.HandshakeTimeout = testWait
	cfg.PairingRate = 100
	cfg.PairingBurst = 100
	return cfg
}

func testAgentConfig() AgentConfig {
	cfg := DefaultAgentConfig()
	cfg.AgentName = "ci-runner"
	cfg.HandshakeTimeout = testWait
	cfg.RequestTimeout = testWait
	return cfg
}

func newTestPair(t *testing.T, mutate func(*ApproverConfig, *AgentConfig)) *testPair {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	p := &testPair{
		ctx:            ctx,
		vault:          mocks.NewMockVault(t),
		prompter:       &chanPrompter{pending: make(chan exchange.Pending, 8)},
		approverAudit:  audit.NewMemoryLogger(),
		agentAudit:     audit.NewMemoryLogger(),
		codes:          make(chan pairing.Code, 8),
		approverEvents: make(chan Event, 64),
		agentEvents:    make(chan Event, 64),
	}

	acfg := testApproverConfig(p.vault)
	acfg.Prompter = p.prompter
	acfg.Audit = p.approverAudit
	gcfg := testAgentConfig()
	gcfg.Audit = p.agentAudit
	if mutate != nil {
		mutate(&acfg, &gcfg)
	}

	var err error
	p.approver, err = NewApproverService(acfg)
	require.NoError(t, err)
	p.agent, err = NewAgentService(gcfg)
	require.NoError(t, err)

	p.approver.OnEvent(func(e Event) {
		if e.Type == EventCodeIssued {
			p.codes <- *e.Code
		}
		select {
		case p.approverEvents <- e:
		default:
		}
	})
	p.agent.OnEvent(func(e Event) {
		select {
		case p.agentEvents <- e:
		default:
		}
	})

	require.NoError(t, p.agent.Start(ctx))
	t.Cleanup(func() { _ = p.agent.Stop() })

	approverEnd, agentEnd := transport.Pipe()
	p.agentConn = agentEnd
	go p.approver.ServeConn(ctx, approverEnd)
	require.NoError(t, p.agent.Attach(ctx, agentEnd))
	return p
}

// nextCode returns the code the approver showed its operator.
func (p *testPair) nextCode(t *testing.T) pairing.Code {
	t.Helper()
	select {
	case code := <-p.codes:
		return code
	case <-time.After(testWait):
		t.Fatal("no code issued")
		return pairing.Code{}
	}
}

func (p *testPair) nextPending(t *testing.T) exchange.Pending {
	t.Helper()
	select {
	case pe := <-p.prompter.pending:
		return pe
	case <-time.After(testWait):
		t.Fatal("no pending request")
		return exchange.Pending{}
	}
}

// waitEvent returns the next event of type want from events.
func waitEvent(t *testing.T, events <-chan Event, want EventType) Event {
	t.Helper()
	deadline := time.After(testWait)
	for {
		select {
		case e := <-events:
			if e.Type == want {
				return e
			}
		case <-deadline:
			t.Fatalf("no %s event", want)
			return Event{}
		}
	}
}

// pair runs the full pairing flow with the correct code.
func (p *testPair) pair(t *testing.T) *session.Session {
	t.Helper()
	offer, err := p.agent.RequestCode(p.ctx)
	require.NoError(t, err)
	code := p.nextCode(t)
	require.Equal(t, code.ID, offer.CodeID)

	sess, err := p.agent.Pair(p.ctx, offer.CodeID, code.Display)
	require.NoError(t, err)
	return sess
}

type result struct {
	ex  *exchange.Exchange
	err error
}

func (p *testPair) request(req exchange.CredentialRequest) <-chan result {
	done := make(chan result, 1)
	go func() {
		ex, err := p.agent.Request(p.ctx, "", req)
		done <- result{ex: ex, err: err}
	}()
	return done
}

func awaitResult(t *testing.T, done <-chan result) result {
	t.Helper()
	select {
	case r := <-done:
		return r
	case <-time.After(2 * testWait):
		t.Fatal("request did not finish")
		return result{}
	}
}
