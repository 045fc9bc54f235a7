package exchange

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vaultlink/vaultlink-go/pkg/audit"
	"github.com/vaultlink/vaultlink-go/pkg/channel"
	"github.com/vaultlink/vaultlink-go/pkg/fault"
	"github.com/vaultlink/vaultlink-go/pkg/metrics"
	"github.com/vaultlink/vaultlink-go/pkg/session"
	"github.com/vaultlink/vaultlink-go/pkg/wire"
)

// DefaultTimeout is the default round-trip timeout of a request.
const DefaultTimeout = 5 * time.Second

// Requester errors.
var (
	ErrNoSessions       = errors.New("exchange: session store required")
	ErrNoSender         = errors.New("exchange: sender required")
	ErrDuplicateRequest = errors.New("exchange: duplicate request id")
)

// RequesterConfig configures the agent side.
type RequesterConfig struct {
	// Sessions holds the agent's sessions. Required.
	Sessions *session.Store

	// Timeout bounds the wait for a reply. Defaults to DefaultTimeout.
	Timeout time.Duration

	// Codec seals envelopes. Defaults to a codec without metrics.
	Codec *channel.Codec

	Audit   audit.Logger
	Metrics *metrics.Metrics
	Logger  *slog.Logger
	Clock   func() time.Time
}

// outstanding is a request waiting for its reply.
type outstanding struct {
	ex    *Exchange
	reply chan *CredentialResponse
	fail  chan error
}

// Requester is the agent half of the exchange.
type Requester struct {
	cfg    RequesterConfig
	sender Sender

	sendLocks keyedMutex

	mu      sync.Mutex
	pending map[string]*outstanding
}

// NewRequester creates a Requester sending through sender.
func NewRequester(cfg RequesterConfig, sender Sender) (*Requester, error) {
	if cfg.Sessions == nil {
		return nil, ErrNoSessions
	}
	if sender == nil {
		return nil, ErrNoSender
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Codec == nil {
		cfg.Codec = channel.NewCodec(cfg.Metrics)
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	cfg.Audit = audit.OrNoop(cfg.Audit)
	return &Requester{
		cfg:     cfg,
		sender:  sender,
		pending: make(map[string]*outstanding),
	}, nil
}

// Submit sends a credential request on the session and waits for the
// outcome. An empty RequestID is generated. The returned exchange is always
// terminal; the error is its terminal error. A session that cannot be found
// returns a nil exchange.
func (r *Requester) Submit(ctx context.Context, sessionID string, req CredentialRequest) (*Exchange, error) {
	sess, err := r.cfg.Sessions.Get(sessionID)
	if err != nil {
		return nil, err
	}
	if req.RequestID == "" {
		req.RequestID = uuid.New().String()
	}

	ex := newExchange(req, sessionID, StateIdle, r.cfg.Clock)
	o := &outstanding{
		ex:    ex,
		reply: make(chan *CredentialResponse, 1),
		fail:  make(chan error, 1),
	}

	r.mu.Lock()
	if _, dup := r.pending[req.RequestID]; dup {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateRequest, req.RequestID)
	}
	r.pending[req.RequestID] = o
	r.mu.Unlock()

	if err := r.send(ctx, sess, req); err != nil {
		r.claim(req.RequestID)
		r.fail(ex, err)
		return ex, ex.Err()
	}
	_ = ex.transition(StateRequestSent, nil)
	r.event(audit.ActionRequestSent, sessionID, nil, requestDetail(req))
	r.log("request sent", slog.String("session_id", sessionID), slog.String("request_id", req.RequestID))

	r.wait(ctx, sess, o)
	return ex, ex.Err()
}

// send seals and sends the request. Encrypt and send run under the
// session's lock so sequence order matches wire order.
func (r *Requester) send(ctx context.Context, sess *session.Session, req CredentialRequest) error {
	plaintext, err := encodePayload(&req)
	if err != nil {
		return err
	}

	unlock := r.sendLocks.lock(sess.ID())
	defer unlock()

	env, err := r.cfg.Codec.Encrypt(sess, plaintext)
	if err != nil {
		return err
	}
	if err := r.sender.Send(ctx, &wire.CredentialRequestMsg{SessionID: sess.ID(), Envelope: env}); err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	return nil
}

func (r *Requester) wait(ctx context.Context, sess *session.Session, o *outstanding) {
	timer := time.NewTimer(r.cfg.Timeout)
	defer timer.Stop()

	select {
	case resp := <-o.reply:
		r.apply(o.ex, resp)
		return
	case err := <-o.fail:
		r.fail(o.ex, err)
		return
	case <-sess.Done():
		if r.claim(o.ex.requestID) {
			r.fail(o.ex, sess.Err())
			return
		}
	case <-timer.C:
		if r.claim(o.ex.requestID) {
			r.fail(o.ex, fmt.Errorf("%w: no reply within %s", fault.ErrTimeout, r.cfg.Timeout))
			return
		}
	case <-ctx.Done():
		if r.claim(o.ex.requestID) {
			r.fail(o.ex, fault.FromContext(ctx.Err()))
			return
		}
	}

	// A reply or failure claimed the request first and is already queued.
	select {
	case resp := <-o.reply:
		r.apply(o.ex, resp)
	case err := <-o.fail:
		r.fail(o.ex, err)
	}
}

// claim removes the request from the pending set. Only the caller that
// removes it may resolve the exchange.
func (r *Requester) claim(requestID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.pending[requestID]; !ok {
		return false
	}
	delete(r.pending, requestID)
	return true
}

func (r *Requester) apply(ex *Exchange, resp *CredentialResponse) {
	defer resp.wipe()
	if err := ex.deliver(resp); err != nil {
		r.fail(ex, err)
		return
	}

	if resp.Approved {
		r.event(audit.ActionCredentialDelivered, ex.sessionID, nil, requestDetail(ex.request))
		r.log("credential delivered", slog.String("session_id", ex.sessionID), slog.String("request_id", ex.requestID))
	} else {
		r.event(audit.ActionRequestDenied, ex.sessionID, ErrDenied, "request_id="+ex.requestID+" reason="+resp.Reason)
		r.log("request denied", slog.String("session_id", ex.sessionID), slog.String("request_id", ex.requestID))
	}
	r.cfg.Metrics.ExchangeFinished(ex.State().String(), ex.Duration().Seconds())
}

func (r *Requester) fail(ex *Exchange, err error) {
	if !ex.finish(err) {
		return
	}
	action := audit.ActionExchangeFailed
	if ex.State() == StateTerminated {
		action = audit.ActionExchangeTerminated
	}
	r.event(action, ex.sessionID, err, "request_id="+ex.requestID)
	r.log("exchange failed", slog.String("session_id", ex.sessionID), slog.String("request_id", ex.requestID), slog.Any("error", err))
	r.cfg.Metrics.ExchangeFinished(ex.State().String(), ex.Duration().Seconds())
}

// HandleApproval processes a reply from the approver. A reply for a request
// that is no longer pending is decrypted to keep the sequence in step and
// then discarded.
func (r *Requester) HandleApproval(msg *wire.CredentialApprovalMsg) error {
	sess, err := r.cfg.Sessions.Get(msg.SessionID)
	if err != nil {
		r.event(audit.ActionMessageRejected, msg.SessionID, err, msg.Type().String())
		return err
	}

	plaintext, err := r.cfg.Codec.Decrypt(sess, msg.Envelope)
	if err != nil {
		r.event(audit.ActionMessageRejected, msg.SessionID, err, msg.Type().String())
		r.failSession(msg.SessionID, err)
		return err
	}

	resp := &CredentialResponse{}
	if err := decodePayload(plaintext, resp); err != nil {
		r.event(audit.ActionMessageRejected, msg.SessionID, err, msg.Type().String())
		r.failSession(msg.SessionID, err)
		return err
	}

	r.mu.Lock()
	o, ok := r.pending[resp.RequestID]
	if ok && o.ex.sessionID == msg.SessionID {
		delete(r.pending, resp.RequestID)
	} else {
		ok = false
	}
	r.mu.Unlock()

	if !ok {
		resp.wipe()
		r.event(audit.ActionLateReplyDiscarded, msg.SessionID, nil, "request_id="+resp.RequestID)
		r.log("late reply discarded", slog.String("session_id", msg.SessionID), slog.String("request_id", resp.RequestID))
		return nil
	}
	o.reply <- resp
	return nil
}

// HandleRevoke processes an authenticated revocation from the approver.
// A notice with a bad tag is rejected and the session stays active.
func (r *Requester) HandleRevoke(msg *wire.RevokeMsg) error {
	sess, err := r.cfg.Sessions.Get(msg.SessionID)
	if err != nil {
		return err
	}
	if err := channel.VerifyRevocation(sess, msg.Reason, msg.Tag); err != nil {
		if fault.KindOf(err).EndsSession() {
			return nil
		}
		r.event(audit.ActionMessageRejected, msg.SessionID, err, msg.Type().String())
		return err
	}
	// Closing the session wakes every waiter on it.
	return r.cfg.Sessions.Revoke(msg.SessionID, "peer: "+msg.Reason)
}

// HandleError fails pending requests on the session the peer reported.
// An ErrorMsg is unauthenticated, so it never changes session status; only
// a tagged RevokeMsg ends a session.
func (r *Requester) HandleError(msg *wire.ErrorMsg) error {
	err := msg.Err()
	r.event(audit.ActionExchangeFailed, msg.Subject, err, "peer error")
	r.failSession(msg.Subject, err)
	return nil
}

// failSession fails every pending request on the session with err.
func (r *Requester) failSession(sessionID string, err error) {
	r.mu.Lock()
	var claimed []*outstanding
	for id, o := range r.pending {
		if o.ex.sessionID == sessionID {
			delete(r.pending, id)
			claimed = append(claimed, o)
		}
	}
	r.mu.Unlock()

	for _, o := range claimed {
		o.fail <- err
	}
}

// Pending returns the number of requests waiting for a reply.
func (r *Requester) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

func (r *Requester) event(action audit.Action, sessionID string, err error, detail string) {
	ev := audit.NewEvent(action, audit.SubjectSession, sessionID).WithRole(audit.RoleAgent).WithDetail(detail)
	if err != nil {
		ev = ev.WithError(err)
	}
	r.cfg.Audit.Log(ev)
}

func (r *Requester) log(msg string, attrs ...any) {
	if r.cfg.Logger != nil {
		r.cfg.Logger.Debug(msg, attrs...)
	}
}

// requestDetail describes a request for audit records. Field names and the
// target are not secret; values never appear.
func requestDetail(req CredentialRequest) string {
	d := "request_id=" + req.RequestID + " target=" + req.Target
	if len(req.Fields) > 0 {
		d += fmt.Sprintf(" fields=%v", req.Fields)
	}
	return d
}
