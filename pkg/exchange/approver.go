package exchange

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/vaultlink/vaultlink-go/internal/memzero"
	"github.com/vaultlink/vaultlink-go/pkg/audit"
	"github.com/vaultlink/vaultlink-go/pkg/channel"
	"github.com/vaultlink/vaultlink-go/pkg/fault"
	"github.com/vaultlink/vaultlink-go/pkg/metrics"
	"github.com/vaultlink/vaultlink-go/pkg/session"
	"github.com/vaultlink/vaultlink-go/pkg/wire"
)

// Approver errors.
var (
	ErrNoVault        = errors.New("exchange: vault required")
	ErrNotPending     = fmt.Errorf("%w: no pending request", fault.ErrNotFound)
	ErrAlreadyDecided = errors.New("exchange: request already decided")
	ErrNotConnected   = errors.New("exchange: no connection for session")
)

// ApproverConfig configures the approver side.
type ApproverConfig struct {
	// Sessions holds the approver's sessions. Required.
	Sessions *session.Store

	// Vault supplies approved credentials. Required.
	Vault Vault

	// Prompter is told about pending requests. Optional.
	Prompter Prompter

	// Codec seals envelopes. Defaults to a codec without metrics.
	Codec *channel.Codec

	Audit   audit.Logger
	Metrics *metrics.Metrics
	Logger  *slog.Logger
	Clock   func() time.Time
}

type waiting struct {
	ex       *Exchange
	sender   Sender
	deciding bool
}

// Approver is the approver half of the exchange. Pending requests wait for
// a decision without a timeout.
type Approver struct {
	cfg ApproverConfig

	sendLocks keyedMutex

	mu      sync.Mutex
	pending map[string]*waiting
	senders map[string]Sender
}

// NewApprover creates an Approver.
func NewApprover(cfg ApproverConfig) (*Approver, error) {
	if cfg.Sessions == nil {
		return nil, ErrNoSessions
	}
	if cfg.Vault == nil {
		return nil, ErrNoVault
	}
	if cfg.Codec == nil {
		cfg.Codec = channel.NewCodec(cfg.Metrics)
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	cfg.Audit = audit.OrNoop(cfg.Audit)
	return &Approver{
		cfg:     cfg,
		pending: make(map[string]*waiting),
		senders: make(map[string]Sender),
	}, nil
}

// Bind routes outbound messages for the session through s.
func (a *Approver) Bind(sessionID string, s Sender) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.senders[sessionID] = s
}

// Unbind removes s as the sender of the session if it is still bound, so a
// closing connection does not unbind a session a newer one took over. s must
// be a comparable value such as a pointer. Pending requests stay pending;
// their replies fail when sent.
func (a *Approver) Unbind(sessionID string, s Sender) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if cur, ok := a.senders[sessionID]; ok && cur == s {
		delete(a.senders, sessionID)
	}
}

func (a *Approver) senderFor(sessionID string) Sender {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.senders[sessionID]
}

// HandleRequest opens a credential request and parks it for a decision.
// Rejected requests are answered with an ErrorMsg through reply.
func (a *Approver) HandleRequest(ctx context.Context, msg *wire.CredentialRequestMsg, reply Sender) error {
	if reply != nil {
		a.Bind(msg.SessionID, reply)
	} else {
		reply = a.senderFor(msg.SessionID)
	}

	req, sess, err := a.open(msg)
	if err != nil {
		a.event(audit.ActionMessageRejected, msg.SessionID, err, msg.Type().String())
		a.reject(ctx, reply, msg.SessionID, err)
		return err
	}

	ex := newExchange(req, msg.SessionID, StateRequestSent, a.cfg.Clock)
	_ = ex.transition(StateAwaitingApproval, nil)

	a.mu.Lock()
	if _, dup := a.pending[req.RequestID]; dup {
		a.mu.Unlock()
		err := fmt.Errorf("%w: duplicate request id", fault.ErrMalformedMessage)
		a.event(audit.ActionMessageRejected, msg.SessionID, err, msg.Type().String())
		a.reject(ctx, reply, msg.SessionID, err)
		return err
	}
	a.pending[req.RequestID] = &waiting{ex: ex, sender: reply}
	a.mu.Unlock()

	a.event(audit.ActionRequestReceived, msg.SessionID, nil, requestDetail(req))
	a.log("request pending", slog.String("session_id", msg.SessionID), slog.String("request_id", req.RequestID), slog.String("target", req.Target))

	if a.cfg.Prompter != nil {
		a.cfg.Prompter.Notify(Pending{
			RequestID:  req.RequestID,
			SessionID:  msg.SessionID,
			Target:     req.Target,
			Fields:     slices.Clone(req.Fields),
			ReceivedAt: ex.startedAt,
		})
	}

	go a.watch(ex, sess)
	return nil
}

func (a *Approver) open(msg *wire.CredentialRequestMsg) (CredentialRequest, *session.Session, error) {
	var req CredentialRequest
	sess, err := a.cfg.Sessions.Get(msg.SessionID)
	if err != nil {
		return req, nil, err
	}
	plaintext, err := a.cfg.Codec.Decrypt(sess, msg.Envelope)
	if err != nil {
		return req, nil, err
	}
	defer memzero.Zero(plaintext)
	if err := decodePayload(plaintext, &req); err != nil {
		return req, nil, err
	}
	return req, sess, nil
}

// reject tells the agent why its message was refused. Best effort.
func (a *Approver) reject(ctx context.Context, reply Sender, sessionID string, cause error) {
	if reply == nil {
		return
	}
	kind := fault.KindOf(cause)
	if err := reply.Send(ctx, &wire.ErrorMsg{Subject: sessionID, Kind: kind, Message: "request rejected"}); err != nil {
		a.log("error reply failed", slog.String("session_id", sessionID), slog.Any("error", err))
	}
}

// watch ends the exchange when its session ends first.
func (a *Approver) watch(ex *Exchange, sess *session.Session) {
	select {
	case <-ex.Done():
	case <-sess.Done():
		a.abandon(ex.requestID, sess.Err())
	}
}

// abandon ends a pending request that was not decided yet.
func (a *Approver) abandon(requestID string, err error) {
	a.mu.Lock()
	w, ok := a.pending[requestID]
	if !ok || w.deciding {
		a.mu.Unlock()
		return
	}
	delete(a.pending, requestID)
	a.mu.Unlock()

	a.fail(w.ex, err)
}

// Pending returns the requests waiting for a decision, oldest first.
func (a *Approver) Pending() []Pending {
	a.mu.Lock()
	out := make([]Pending, 0, len(a.pending))
	for _, w := range a.pending {
		if w.deciding {
			continue
		}
		req := w.ex.request
		out = append(out, Pending{
			RequestID:  req.RequestID,
			SessionID:  w.ex.sessionID,
			Target:     req.Target,
			Fields:     slices.Clone(req.Fields),
			ReceivedAt: w.ex.startedAt,
		})
	}
	a.mu.Unlock()

	slices.SortFunc(out, func(x, y Pending) int { return x.ReceivedAt.Compare(y.ReceivedAt) })
	return out
}

// Exchange returns the record of a pending request.
func (a *Approver) Exchange(requestID string) (*Exchange, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	w, ok := a.pending[requestID]
	if !ok {
		return nil, false
	}
	return w.ex, true
}

// Approve answers the request with the credential from the vault. A vault
// error leaves the request pending.
func (a *Approver) Approve(ctx context.Context, requestID string) (*Exchange, error) {
	w, err := a.begin(requestID)
	if err != nil {
		return nil, err
	}

	req := w.ex.request
	payload, err := a.cfg.Vault.Lookup(ctx, req.Target, slices.Clone(req.Fields))
	if err != nil {
		a.cancelDecision(requestID)
		return w.ex, fmt.Errorf("vault lookup %s: %w", req.Target, err)
	}

	resp := &CredentialResponse{RequestID: requestID, Approved: true, Payload: payload}
	defer resp.wipe()
	return w.ex, a.respond(ctx, w, resp)
}

// Deny answers the request with a denial carrying reason.
func (a *Approver) Deny(ctx context.Context, requestID, reason string) (*Exchange, error) {
	w, err := a.begin(requestID)
	if err != nil {
		return nil, err
	}
	return w.ex, a.respond(ctx, w, &CredentialResponse{RequestID: requestID, Reason: reason})
}

// begin marks a pending request as being decided so revocation and a second
// decision cannot race it.
func (a *Approver) begin(requestID string) (*waiting, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	w, ok := a.pending[requestID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotPending, requestID)
	}
	if w.deciding {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyDecided, requestID)
	}
	w.deciding = true
	return w, nil
}

// cancelDecision returns a request to the pending set. If its session ended
// meanwhile the request is abandoned instead.
func (a *Approver) cancelDecision(requestID string) {
	a.mu.Lock()
	w, ok := a.pending[requestID]
	if ok {
		w.deciding = false
	}
	a.mu.Unlock()
	if !ok {
		return
	}

	if sess, err := a.cfg.Sessions.Get(w.ex.sessionID); err != nil || sess.Err() != nil {
		if err == nil {
			err = sess.Err()
		}
		a.abandon(requestID, err)
	}
}

func (a *Approver) respond(ctx context.Context, w *waiting, resp *CredentialResponse) error {
	a.mu.Lock()
	delete(a.pending, resp.RequestID)
	a.mu.Unlock()

	ex := w.ex
	decided := StateDenied
	if resp.Approved {
		decided = StateApproved
	}
	if err := ex.transition(decided, nil); err != nil {
		return err
	}
	if a.cfg.Prompter != nil {
		a.cfg.Prompter.Resolved(ex.requestID, decided)
	}

	if err := a.send(ctx, ex.sessionID, w.sender, resp); err != nil {
		a.fail(ex, err)
		return err
	}

	if resp.Approved {
		_ = ex.transition(StateDelivered, nil)
		a.event(audit.ActionRequestApproved, ex.sessionID, nil, requestDetail(ex.request))
		a.log("request approved", slog.String("session_id", ex.sessionID), slog.String("request_id", ex.requestID))
	} else {
		ex.mu.Lock()
		ex.reason = resp.Reason
		_ = ex.transitionLocked(StateFailed, ErrDenied)
		ex.mu.Unlock()
		a.event(audit.ActionRequestDenied, ex.sessionID, ErrDenied, "request_id="+ex.requestID+" reason="+resp.Reason)
		a.log("request denied", slog.String("session_id", ex.sessionID), slog.String("request_id", ex.requestID))
	}
	a.cfg.Metrics.ExchangeFinished(ex.State().String(), ex.Duration().Seconds())
	return nil
}

// send seals and sends the response under the session's lock.
func (a *Approver) send(ctx context.Context, sessionID string, sender Sender, resp *CredentialResponse) error {
	sess, err := a.cfg.Sessions.Get(sessionID)
	if err != nil {
		return err
	}
	if bound := a.senderFor(sessionID); bound != nil {
		sender = bound
	}
	if sender == nil {
		return fmt.Errorf("%w: %s", ErrNotConnected, sessionID)
	}

	plaintext, err := encodePayload(resp)
	if err != nil {
		return err
	}
	defer memzero.Zero(plaintext)

	unlock := a.sendLocks.lock(sessionID)
	defer unlock()

	env, err := a.cfg.Codec.Encrypt(sess, plaintext)
	if err != nil {
		return err
	}
	if err := sender.Send(ctx, &wire.CredentialApprovalMsg{SessionID: sessionID, Envelope: env}); err != nil {
		return fmt.Errorf("send response: %w", err)
	}
	return nil
}

func (a *Approver) fail(ex *Exchange, err error) {
	if !ex.finish(err) {
		return
	}
	action := audit.ActionExchangeFailed
	if ex.State() == StateTerminated {
		action = audit.ActionExchangeTerminated
	}
	a.event(action, ex.sessionID, err, "request_id="+ex.requestID)
	a.log("exchange failed", slog.String("session_id", ex.sessionID), slog.String("request_id", ex.requestID), slog.Any("error", err))
	if a.cfg.Prompter != nil {
		a.cfg.Prompter.Resolved(ex.requestID, ex.State())
	}
	a.cfg.Metrics.ExchangeFinished(ex.State().String(), ex.Duration().Seconds())
}

// Revoke revokes the session, ends its pending requests and sends an
// authenticated RevokeMsg to the agent if a connection is bound. The
// revocation takes effect locally even if the notice cannot be sent.
func (a *Approver) Revoke(ctx context.Context, sessionID, reason string) error {
	sess, err := a.cfg.Sessions.Get(sessionID)
	if err != nil {
		return err
	}
	tag, tagErr := channel.SignRevocation(sess, reason)

	unlock := a.sendLocks.lock(sessionID)
	err = a.cfg.Sessions.Revoke(sessionID, reason)
	unlock()
	if err != nil {
		return err
	}

	a.mu.Lock()
	var ids []string
	for id, w := range a.pending {
		if w.ex.sessionID == sessionID {
			ids = append(ids, id)
		}
	}
	a.mu.Unlock()
	for _, id := range ids {
		a.abandon(id, fault.ErrSessionRevoked)
	}

	if tagErr != nil {
		// Already ended; nothing to tell the agent.
		return nil
	}
	sender := a.senderFor(sessionID)
	if sender == nil {
		return nil
	}
	if err := sender.Send(ctx, &wire.RevokeMsg{SessionID: sessionID, Reason: reason, Tag: tag}); err != nil {
		return fmt.Errorf("send revoke: %w", err)
	}
	return nil
}

func (a *Approver) event(action audit.Action, sessionID string, err error, detail string) {
	ev := audit.NewEvent(action, audit.SubjectSession, sessionID).WithRole(audit.RoleApprover).WithDetail(detail)
	if err != nil {
		ev = ev.WithError(err)
	}
	a.cfg.Audit.Log(ev)
}

func (a *Approver) log(msg string, attrs ...any) {
	if a.cfg.Logger != nil {
		a.cfg.Logger.Debug(msg, attrs...)
	}
}
