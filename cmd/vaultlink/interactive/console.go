// Package interactive provides the approver's interactive console.
//
// The console shows pairing codes and pending credential requests as they
// arrive and takes the human's decisions.
package interactive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/chzyer/readline"

	"github.com/vaultlink/vaultlink-go/pkg/exchange"
	"github.com/vaultlink/vaultlink-go/pkg/service"
)

// Console errors.
var (
	ErrNoMatch        = errors.New("no id matches")
	ErrAmbiguousMatch = errors.New("prefix matches more than one id")
)

// Vault is the part of the credential vault the console manages.
type Vault interface {
	Reload() error
	Targets() []string
}

// Console is the approver's command console. It implements
// exchange.Prompter.
type Console struct {
	rl    *readline.Instance
	out   io.Writer
	svc   *service.ApproverService
	vault Vault

	mu      sync.Mutex
	pending map[string]exchange.Pending
}

// New creates a console reading from the terminal.
func New() (*Console, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "vaultlink> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create readline: %w", err)
	}
	c := newConsole(rl.Stdout())
	c.rl = rl
	return c, nil
}

func newConsole(out io.Writer) *Console {
	return &Console{
		out:     out,
		pending: make(map[string]exchange.Pending),
	}
}

// Attach connects the console to a running approver and its vault.
func (c *Console) Attach(svc *service.ApproverService, vault Vault) {
	c.svc = svc
	c.vault = vault
	svc.OnEvent(c.HandleEvent)
}

// Stdout returns a writer that coordinates with the prompt. Use it for log
// output.
func (c *Console) Stdout() io.Writer {
	return c.out
}

// ReadPassword prompts for a secret without echo.
func (c *Console) ReadPassword(prompt string) ([]byte, error) {
	return c.rl.ReadPassword(prompt)
}

// Close releases the terminal.
func (c *Console) Close() error {
	if c.rl == nil {
		return nil
	}
	return c.rl.Close()
}

// Notify implements exchange.Prompter.
func (c *Console) Notify(p exchange.Pending) {
	c.mu.Lock()
	c.pending[p.RequestID] = p
	c.mu.Unlock()

	fmt.Fprintf(c.out, "\n[REQUEST] %s wants %s (%s) on session %s\n",
		shortID(p.RequestID), p.Target, strings.Join(p.Fields, ", "), shortID(p.SessionID))
	fmt.Fprintf(c.out, "          approve %s | deny %s [reason]\n", shortID(p.RequestID), shortID(p.RequestID))
}

// Resolved implements exchange.Prompter.
func (c *Console) Resolved(requestID string, state exchange.State) {
	c.mu.Lock()
	_, ok := c.pending[requestID]
	delete(c.pending, requestID)
	c.mu.Unlock()

	if ok {
		fmt.Fprintf(c.out, "[REQUEST] %s %s\n", shortID(requestID), strings.ToLower(state.String()))
	}
}

// HandleEvent prints service events.
func (c *Console) HandleEvent(event service.Event) {
	switch event.Type {
	case service.EventCodeIssued:
		if event.Code == nil {
			return
		}
		fmt.Fprintf(c.out, "\n[PAIRING] %s asks to pair. Code: %s (expires %s)\n",
			agentLabel(event.AgentName), event.Code.Display.Grouped(), event.Code.ExpiresAt.Format(time.Kitchen))
	case service.EventPaired:
		fmt.Fprintf(c.out, "[PAIRING] %s paired, session %s\n", agentLabel(event.AgentName), shortID(event.SessionID))
	case service.EventPairingFailed:
		fmt.Fprintf(c.out, "[PAIRING] pairing %s failed: %v\n", shortID(event.CodeID), event.Error)
	case service.EventSessionRevoked:
		fmt.Fprintf(c.out, "[SESSION] %s revoked\n", shortID(event.SessionID))
	case service.EventConnected:
		fmt.Fprintf(c.out, "[CONN] %s connected\n", shortID(event.ConnID))
	case service.EventDisconnected:
		fmt.Fprintf(c.out, "[CONN] %s disconnected\n", shortID(event.ConnID))
	}
}

// Run starts the interactive command loop. It calls cancel when the user
// quits.
func (c *Console) Run(ctx context.Context, cancel context.CancelFunc) {
	c.printHelp()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line, err := c.rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				continue
			}
			fmt.Fprintln(c.out, "Exiting...")
			cancel()
			return
		}

		if !c.Exec(ctx, line) {
			fmt.Fprintln(c.out, "Exiting...")
			cancel()
			return
		}
	}
}

// Exec runs one command line. It returns false when the user quits.
func (c *Console) Exec(ctx context.Context, line string) bool {
	parts := strings.Fields(strings.TrimSpace(line))
	if len(parts) == 0 {
		return true
	}
	cmd := strings.ToLower(parts[0])
	args := parts[1:]

	switch cmd {
	case "help", "?":
		c.printHelp()
	case "pending", "p":
		c.cmdPending()
	case "approve", "a":
		c.cmdApprove(ctx, args)
	case "deny", "d":
		c.cmdDeny(ctx, args)
	case "sessions", "s":
		c.cmdSessions()
	case "revoke":
		c.cmdRevoke(ctx, args)
	case "codes":
		c.cmdCodes()
	case "targets":
		c.cmdTargets()
	case "reload":
		c.cmdReload()
	case "quit", "exit", "q":
		return false
	default:
		fmt.Fprintf(c.out, "Unknown command: %s (type 'help' for commands)\n", cmd)
	}
	return true
}

func (c *Console) printHelp() {
	fmt.Fprintln(c.out, `
vaultlink approver commands:
  Requests:
    pending                       - List requests waiting for a decision
    approve <request-id>          - Release the requested credential
    deny <request-id> [reason]    - Refuse the request

  Sessions:
    sessions                      - List sessions
    revoke <session-id> [reason]  - End a session
    codes                         - List pairing codes

  Vault:
    targets                       - List vault targets
    reload                        - Reread the vault file

  General:
    help                          - Show this help
    quit                          - Stop the approver

  Ids may be shortened to any unique prefix.`)
}

func (c *Console) cmdPending() {
	pending := c.svc.Approver().Pending()
	if len(pending) == 0 {
		fmt.Fprintln(c.out, "No pending requests")
		return
	}
	for _, p := range pending {
		fmt.Fprintf(c.out, "  %s  %-24s %-20s session %s  %s ago\n",
			shortID(p.RequestID), p.Target, strings.Join(p.Fields, ","), shortID(p.SessionID),
			time.Since(p.ReceivedAt).Round(time.Second))
	}
}

func (c *Console) cmdApprove(ctx context.Context, args []string) {
	if len(args) < 1 {
		fmt.Fprintln(c.out, "Usage: approve <request-id>")
		return
	}
	id, err := c.resolveRequest(args[0])
	if err != nil {
		fmt.Fprintf(c.out, "Error: %v\n", err)
		return
	}
	ex, err := c.svc.Approver().Approve(ctx, id)
	if err != nil {
		fmt.Fprintf(c.out, "Approve failed: %v\n", err)
		return
	}
	fmt.Fprintf(c.out, "Approved %s (%s)\n", shortID(id), strings.ToLower(ex.State().String()))
}

func (c *Console) cmdDeny(ctx context.Context, args []string) {
	if len(args) < 1 {
		fmt.Fprintln(c.out, "Usage: deny <request-id> [reason]")
		return
	}
	id, err := c.resolveRequest(args[0])
	if err != nil {
		fmt.Fprintf(c.out, "Error: %v\n", err)
		return
	}
	reason := strings.Join(args[1:], " ")
	if reason == "" {
		reason = "denied by user"
	}
	if _, err := c.svc.Approver().Deny(ctx, id, reason); err != nil {
		fmt.Fprintf(c.out, "Deny failed: %v\n", err)
		return
	}
	fmt.Fprintf(c.out, "Denied %s\n", shortID(id))
}

func (c *Console) cmdSessions() {
	sessions := c.svc.Sessions().List()
	if len(sessions) == 0 {
		fmt.Fprintln(c.out, "No sessions")
		return
	}
	fmt.Fprintf(c.out, "\nSessions (%d):\n", len(sessions))
	fmt.Fprintln(c.out, "-------------------------------------------")
	for _, s := range sessions {
		fmt.Fprintf(c.out, "  %s  %-8s expires %s  sent %d  received %d\n",
			s.ID, s.Status, s.ExpiresAt.Format(time.RFC3339), s.SendCounter, s.RecvCounter)
		if s.Reason != "" {
			fmt.Fprintf(c.out, "      Reason: %s\n", s.Reason)
		}
	}
}

func (c *Console) cmdRevoke(ctx context.Context, args []string) {
	if len(args) < 1 {
		fmt.Fprintln(c.out, "Usage: revoke <session-id> [reason]")
		return
	}
	id, err := c.resolveSession(args[0])
	if err != nil {
		fmt.Fprintf(c.out, "Error: %v\n", err)
		return
	}
	reason := strings.Join(args[1:], " ")
	if reason == "" {
		reason = "revoked by user"
	}
	if err := c.svc.Approver().Revoke(ctx, id, reason); err != nil {
		fmt.Fprintf(c.out, "Revoke failed: %v\n", err)
		return
	}
	fmt.Fprintf(c.out, "Revoked %s\n", shortID(id))
}

func (c *Console) cmdCodes() {
	codes := c.svc.Registry().List()
	if len(codes) == 0 {
		fmt.Fprintln(c.out, "No pairing codes")
		return
	}
	now := time.Now()
	for _, code := range codes {
		status := "usable"
		switch {
		case code.Consumed:
			status = "consumed"
		case code.Retired:
			status = "retired"
		case code.Expired(now):
			status = "expired"
		}
		fmt.Fprintf(c.out, "  %s  %-8s failed %d  expires %s\n",
			shortID(code.ID), status, code.FailedAttempts, code.ExpiresAt.Format(time.Kitchen))
	}
}

func (c *Console) cmdTargets() {
	targets := c.vault.Targets()
	if len(targets) == 0 {
		fmt.Fprintln(c.out, "Vault is empty")
		return
	}
	for _, t := range targets {
		fmt.Fprintf(c.out, "  %s\n", t)
	}
}

func (c *Console) cmdReload() {
	if err := c.vault.Reload(); err != nil {
		fmt.Fprintf(c.out, "Reload failed: %v\n", err)
		return
	}
	fmt.Fprintf(c.out, "Vault reloaded (%d targets)\n", len(c.vault.Targets()))
}

func (c *Console) resolveRequest(prefix string) (string, error) {
	var ids []string
	for _, p := range c.svc.Approver().Pending() {
		ids = append(ids, p.RequestID)
	}
	return matchPrefix(prefix, ids)
}

func (c *Console) resolveSession(prefix string) (string, error) {
	var ids []string
	for _, s := range c.svc.Sessions().List() {
		ids = append(ids, s.ID)
	}
	return matchPrefix(prefix, ids)
}

// matchPrefix returns the single id starting with prefix. An exact match
// wins over longer ids sharing the prefix.
func matchPrefix(prefix string, ids []string) (string, error) {
	var found []string
	for _, id := range ids {
		if id == prefix {
			return id, nil
		}
		if strings.HasPrefix(id, prefix) {
			found = append(found, id)
		}
	}
	switch len(found) {
	case 0:
		return "", fmt.Errorf("%w: %s", ErrNoMatch, prefix)
	case 1:
		return found[0], nil
	default:
		return "", fmt.Errorf("%w: %s", ErrAmbiguousMatch, prefix)
	}
}

// shortID returns the first 8 characters of an id.
func shortID(id string) string {
	if len(id) >= 8 {
		return id[:8]
	}
	return id
}

func agentLabel(name string) string {
	if name == "" {
		return "An agent"
	}
	return fmt.Sprintf("Agent %q", name)
}
