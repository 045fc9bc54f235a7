package commands

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/vaultlink/vaultlink-go/pkg/audit"
)

// ViewOptions holds the audit view flags.
type ViewOptions struct {
	Action    string
	Subject   string
	Role      string
	Failures  bool
	TimeStart string
	TimeEnd   string
}

func auditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect audit files",
	}
	cmd.AddCommand(auditViewCmd(), auditStatsCmd())
	return cmd
}

func auditViewCmd() *cobra.Command {
	var opts ViewOptions

	cmd := &cobra.Command{
		Use:   "view <file>",
		Short: "Print audit events in human-readable form",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			filter, err := opts.Filter()
			if err != nil {
				return err
			}
			return RunView(args[0], filter, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&opts.Action, "action", "", "filter by action (e.g. handshake_failed)")
	cmd.Flags().StringVar(&opts.Subject, "subject", "", "filter by code, session or connection id")
	cmd.Flags().StringVar(&opts.Role, "role", "", "filter by role (agent, approver)")
	cmd.Flags().BoolVar(&opts.Failures, "failures", false, "show only failed operations")
	cmd.Flags().StringVar(&opts.TimeStart, "time-start", "", "show events at or after (RFC3339)")
	cmd.Flags().StringVar(&opts.TimeEnd, "time-end", "", "show events before (RFC3339)")
	return cmd
}

func auditStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats <file>",
		Short: "Summarize an audit file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return RunStats(args[0], cmd.OutOrStdout())
		},
	}
}

// Filter converts the options into an audit filter.
func (o ViewOptions) Filter() (audit.Filter, error) {
	f := audit.Filter{Subject: o.Subject}

	if o.Action != "" {
		a, ok := audit.ParseAction(strings.ToLower(o.Action))
		if !ok {
			return f, fmt.Errorf("invalid action: %s", o.Action)
		}
		f.Action = &a
	}

	if o.Role != "" {
		var r audit.Role
		switch strings.ToLower(o.Role) {
		case "agent":
			r = audit.RoleAgent
		case "approver":
			r = audit.RoleApprover
		default:
			return f, fmt.Errorf("invalid role: %s (must be agent or approver)", o.Role)
		}
		f.Role = &r
	}

	if o.Failures {
		failure := audit.OutcomeFailure
		f.Outcome = &failure
	}

	if o.TimeStart != "" {
		t, err := time.Parse(time.RFC3339, o.TimeStart)
		if err != nil {
			return f, fmt.Errorf("invalid time-start: %w", err)
		}
		f.TimeStart = &t
	}
	if o.TimeEnd != "" {
		t, err := time.Parse(time.RFC3339, o.TimeEnd)
		if err != nil {
			return f, fmt.Errorf("invalid time-end: %w", err)
		}
		f.TimeEnd = &t
	}
	return f, nil
}

// RunView writes every event matching filter to w.
func RunView(path string, filter audit.Filter, w io.Writer) error {
	reader, err := audit.NewFilteredReader(path, filter)
	if err != nil {
		return fmt.Errorf("failed to open audit file: %w", err)
	}
	defer reader.Close()

	for {
		event, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read event: %w", err)
		}
		formatEvent(w, event)
	}
}

// formatEvent writes one event: timestamp, role, action, subject and
// outcome on the first line, details indented below.
func formatEvent(w io.Writer, event audit.Event) {
	ts := event.Timestamp.UTC().Format("2006-01-02T15:04:05.000000Z")
	fmt.Fprintf(w, "%s %-8s %-22s %s:%s %s\n",
		ts, event.Role, event.Action, event.SubjectType, shortenID(event.Subject), event.Outcome)
	if event.ErrorKind != 0 {
		fmt.Fprintf(w, "  Error: %s\n", event.ErrorKind)
	}
	if event.Detail != "" {
		fmt.Fprintf(w, "  Detail: %s\n", event.Detail)
	}
}

// shortenID returns the first 8 characters of an id.
func shortenID(id string) string {
	if len(id) >= 8 {
		return id[:8]
	}
	return id
}

// Stats holds aggregate statistics about an audit file.
type Stats struct {
	TotalEvents    int
	Failures       int
	EventsByAction map[audit.Action]int
	FailuresByKind map[string]int
	Sessions       map[string]struct{}
	TimeRange      struct {
		Start time.Time
		End   time.Time
	}
}

// RunStats reads the audit file and prints statistics.
func RunStats(path string, w io.Writer) error {
	reader, err := audit.NewReader(path)
	if err != nil {
		return fmt.Errorf("failed to open audit file: %w", err)
	}
	defer reader.Close()

	stats := &Stats{
		EventsByAction: make(map[audit.Action]int),
		FailuresByKind: make(map[string]int),
		Sessions:       make(map[string]struct{}),
	}

	for {
		event, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read event: %w", err)
		}

		stats.TotalEvents++
		stats.EventsByAction[event.Action]++
		if event.Outcome == audit.OutcomeFailure {
			stats.Failures++
			stats.FailuresByKind[event.ErrorKind.String()]++
		}
		if event.SubjectType == audit.SubjectSession && event.Subject != "" {
			stats.Sessions[event.Subject] = struct{}{}
		}

		if stats.TimeRange.Start.IsZero() || event.Timestamp.Before(stats.TimeRange.Start) {
			stats.TimeRange.Start = event.Timestamp
		}
		if event.Timestamp.After(stats.TimeRange.End) {
			stats.TimeRange.End = event.Timestamp
		}
	}

	printStats(w, stats)
	return nil
}

func printStats(w io.Writer, stats *Stats) {
	fmt.Fprintf(w, "Total events: %d\n", stats.TotalEvents)
	if stats.TotalEvents == 0 {
		return
	}
	fmt.Fprintf(w, "Time range:   %s - %s (%s)\n",
		stats.TimeRange.Start.UTC().Format(time.RFC3339),
		stats.TimeRange.End.UTC().Format(time.RFC3339),
		stats.TimeRange.End.Sub(stats.TimeRange.Start).Round(time.Second))
	fmt.Fprintf(w, "Sessions:     %d\n", len(stats.Sessions))
	fmt.Fprintf(w, "Failures:     %d\n", stats.Failures)

	fmt.Fprintln(w, "\nBy action:")
	actions := make([]audit.Action, 0, len(stats.EventsByAction))
	for a := range stats.EventsByAction {
		actions = append(actions, a)
	}
	sort.Slice(actions, func(i, j int) bool { return actions[i] < actions[j] })
	for _, a := range actions {
		fmt.Fprintf(w, "  %-22s %d\n", a, stats.EventsByAction[a])
	}

	if len(stats.FailuresByKind) > 0 {
		fmt.Fprintln(w, "\nFailures by kind:")
		kinds := make([]string, 0, len(stats.FailuresByKind))
		for k := range stats.FailuresByKind {
			kinds = append(kinds, k)
		}
		sort.Strings(kinds)
		for _, k := range kinds {
			fmt.Fprintf(w, "  %-22s %d\n", k, stats.FailuresByKind[k])
		}
	}
}
