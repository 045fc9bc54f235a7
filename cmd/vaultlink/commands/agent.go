package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/vaultlink/vaultlink-go/pkg/discovery"
	"github.com/vaultlink/vaultlink-go/pkg/exchange"
	"github.com/vaultlink/vaultlink-go/pkg/pake"
	"github.com/vaultlink/vaultlink-go/pkg/service"
)

// discoverTimeout bounds mDNS browsing when no approver address is known.
const discoverTimeout = 5 * time.Second

func agentCmd() *cobra.Command {
	var address string

	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Pair with an approver and request credentials",
	}
	cmd.PersistentFlags().StringVar(&address, "approver", "", "approver host:port (default from config, then mDNS)")

	cmd.AddCommand(
		agentDiscoverCmd(),
		agentPairCmd(&address),
		agentRequestCmd(&address),
		agentSessionsCmd(),
	)
	return cmd
}

func agentDiscoverCmd() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Find approvers on the local network",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			found, err := discoverApprovers(ctx)
			if err != nil {
				return err
			}
			printApprovers(cmd.OutOrStdout(), found)
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", discoverTimeout, "how long to browse")
	return cmd
}

func agentPairCmd(address *string) *cobra.Command {
	return &cobra.Command{
		Use:   "pair",
		Short: "Pair with an approver using the code it displays",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openAgent(cmd.Context(), *address)
			if err != nil {
				return err
			}
			defer a.close()

			out := cmd.OutOrStdout()
			offer, err := a.svc.RequestCode(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Enter the code shown on the approver (expires %s).\n", offer.Expiry().Format(time.Kitchen))

			line, err := readLine("code> ")
			if err != nil {
				return err
			}
			code, err := pake.ParseDisplayCode(line)
			if err != nil {
				return err
			}

			sess, err := a.svc.Pair(cmd.Context(), offer.CodeID, code)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Paired. Session %s valid until %s\n", sess.ID(), sess.ExpiresAt().Format(time.RFC3339))
			return nil
		},
	}
}

func agentRequestCmd(address *string) *cobra.Command {
	var (
		fields    []string
		sessionID string
		asJSON    bool
	)

	cmd := &cobra.Command{
		Use:   "request <target>",
		Short: "Request a credential and wait for the approver's decision",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openAgent(cmd.Context(), *address)
			if err != nil {
				return err
			}
			defer a.close()

			fmt.Fprintln(cmd.ErrOrStderr(), "Waiting for approval...")
			ex, err := a.svc.Request(cmd.Context(), sessionID, exchange.CredentialRequest{
				Target: args[0],
				Fields: fields,
			})
			if err != nil {
				if errors.Is(err, exchange.ErrDenied) && ex != nil {
					return fmt.Errorf("request denied: %s", ex.Reason())
				}
				return err
			}
			return printPayload(cmd.OutOrStdout(), ex.Payload(), asJSON)
		},
	}
	cmd.Flags().StringSliceVar(&fields, "field", []string{"username", "password"}, "credential fields to request")
	cmd.Flags().StringVar(&sessionID, "session", "", "session id (default: the only active session)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the credential as JSON")
	return cmd
}

func agentSessionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List the agent's stored sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newAgent(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			out := cmd.OutOrStdout()
			sessions := a.svc.Sessions().List()
			if len(sessions) == 0 {
				fmt.Fprintln(out, "No sessions")
				return nil
			}
			for _, s := range sessions {
				fmt.Fprintf(out, "%s  %-8s expires %s\n", s.ID, s.Status, s.ExpiresAt.Format(time.RFC3339))
			}
			return nil
		},
	}
}

// agentHandle is a started agent service with its runtime.
type agentHandle struct {
	svc *service.AgentService
	rt  *runtime
}

// newAgent starts an agent service with its stored sessions restored.
func newAgent(ctx context.Context) (*agentHandle, error) {
	cfg := service.DefaultAgentConfig()
	fileCfg.ApplyAgent(&cfg)
	cfg.SessionFile = defaultFile(cfg.SessionFile, "agent-sessions.json")

	rt, err := newRuntime(fileCfg, os.Stderr)
	if err != nil {
		return nil, err
	}
	sealer, err := keySealer(readPassword)
	if err != nil {
		_ = rt.Close()
		return nil, err
	}
	cfg.KeySealer = sealer
	cfg.Audit = rt.audit
	cfg.Metrics = rt.metrics
	cfg.Logger = rt.logger

	svc, err := service.NewAgentService(cfg)
	if err != nil {
		_ = rt.Close()
		return nil, err
	}
	if err := svc.Start(ctx); err != nil {
		_ = rt.Close()
		return nil, err
	}
	return &agentHandle{svc: svc, rt: rt}, nil
}

// openAgent starts an agent and connects it to the approver at address,
// falling back to the configured address and then to mDNS.
func openAgent(ctx context.Context, address string) (*agentHandle, error) {
	a, err := newAgent(ctx)
	if err != nil {
		return nil, err
	}

	if address == "" {
		address = fileCfg.Agent.Approver
	}
	if address == "" {
		address, err = discoverAddress(ctx)
		if err != nil {
			a.close()
			return nil, err
		}
		a.rt.logger.Info("using discovered approver", "address", address)
	}

	if err := a.svc.Connect(ctx, address); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

// close stops the agent, which saves its sessions.
func (a *agentHandle) close() {
	if err := a.svc.Stop(); err != nil {
		a.rt.logger.Warn("stop agent", "error", err)
	}
	_ = a.rt.Close()
}

func discoverApprovers(ctx context.Context) ([]*discovery.ApproverService, error) {
	browser := discovery.NewMDNSBrowser(discovery.BrowserConfig{})
	results, err := browser.Browse(ctx)
	if err != nil {
		return nil, err
	}
	var found []*discovery.ApproverService
	for svc := range results {
		found = append(found, svc)
	}
	sort.Slice(found, func(i, j int) bool { return found[i].InstanceName < found[j].InstanceName })
	return found, nil
}

// discoverAddress returns the address of the only approver on the network.
func discoverAddress(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, discoverTimeout)
	defer cancel()

	found, err := discoverApprovers(ctx)
	if err != nil {
		return "", err
	}
	switch len(found) {
	case 0:
		return "", fmt.Errorf("no approver found on the network (use --approver)")
	case 1:
		return found[0].Address(), nil
	default:
		return "", fmt.Errorf("%d approvers found, choose one with --approver", len(found))
	}
}

func printApprovers(w io.Writer, found []*discovery.ApproverService) {
	if len(found) == 0 {
		fmt.Fprintln(w, "No approvers found")
		return
	}
	fmt.Fprintf(w, "Found %d approver(s):\n", len(found))
	for i, a := range found {
		name := a.Name
		if name == "" {
			name = a.InstanceName
		}
		fmt.Fprintf(w, "  %d. %s (%s)\n", i+1, name, a.Address())
	}
}

// printPayload writes the credential fields sorted by name.
func printPayload(w io.Writer, payload map[string]string, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(payload)
	}
	keys := make([]string, 0, len(payload))
	for k := range payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "%s=%s\n", k, payload[k])
	}
	return nil
}

func readLine(prompt string) (string, error) {
	rl, err := readline.NewEx(&readline.Config{Prompt: prompt})
	if err != nil {
		return "", err
	}
	defer rl.Close()
	line, err := rl.Readline()
	return strings.TrimSpace(line), err
}

func readPassword(prompt string) ([]byte, error) {
	rl, err := readline.NewEx(&readline.Config{})
	if err != nil {
		return nil, err
	}
	defer rl.Close()
	return rl.ReadPassword(prompt)
}
