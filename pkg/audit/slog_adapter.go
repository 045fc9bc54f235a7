package audit

import (
	"context"
	"log/slog"
)

// SlogAdapter mirrors audit events to an slog.Logger.
// Successful events are logged at Info, failures at Warn.
type SlogAdapter struct {
	logger *slog.Logger
}

// NewSlogAdapter creates a SlogAdapter writing to logger.
func NewSlogAdapter(logger *slog.Logger) *SlogAdapter {
	return &SlogAdapter{logger: logger}
}

// Log writes the event.
func (a *SlogAdapter) Log(event Event) {
	attrs := []slog.Attr{
		slog.String("event_id", event.ID.String()),
		slog.String("action", event.Action.String()),
		slog.String("subject_type", event.SubjectType.String()),
		slog.String("subject", event.Subject),
		slog.String("outcome", event.Outcome.String()),
	}
	if event.Role != RoleUnspecified {
		attrs = append(attrs, slog.String("role", event.Role.String()))
	}
	if event.ErrorKind != 0 {
		attrs = append(attrs, slog.String("error_kind", event.ErrorKind.String()))
	}
	if event.Detail != "" {
		attrs = append(attrs, slog.String("detail", event.Detail))
	}

	level := slog.LevelInfo
	if event.Outcome == OutcomeFailure {
		level = slog.LevelWarn
	}
	a.logger.LogAttrs(context.Background(), level, "audit", attrs...)
}

// Compile-time interface satisfaction check.
var _ Logger = (*SlogAdapter)(nil)
