package audit

import "sync"

// MemoryLogger keeps events in memory. Used by tests and the approver
// console's history view.
type MemoryLogger struct {
	mu     sync.Mutex
	events []Event
}

// NewMemoryLogger creates an empty MemoryLogger.
func NewMemoryLogger() *MemoryLogger {
	return &MemoryLogger{}
}

// Log appends the event.
func (l *MemoryLogger) Log(event Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
}

// Events returns a copy of all recorded events.
func (l *MemoryLogger) Events() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Event, len(l.events))
	copy(out, l.events)
	return out
}

// Filter returns the recorded events matching f.
func (l *MemoryLogger) Filter(f Filter) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Event
	for _, e := range l.events {
		if f.matches(e) {
			out = append(out, e)
		}
	}
	return out
}

// Actions returns the recorded actions in order.
func (l *MemoryLogger) Actions() []Action {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Action, len(l.events))
	for i, e := range l.events {
		out[i] = e.Action
	}
	return out
}

// Compile-time interface satisfaction check.
var _ Logger = (*MemoryLogger)(nil)
