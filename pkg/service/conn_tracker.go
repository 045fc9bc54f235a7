package service

import (
	"sync"
	"time"

	"github.com/vaultlink/vaultlink-go/pkg/transport"
)

// connTracker tracks connections that have not yet done anything useful
// (paired or sent a credential request), so the stale reaper can close
// connections that sit idle holding a connection slot.
type connTracker struct {
	mu    sync.Mutex
	clock func() time.Time
	conns map[transport.Conn]time.Time
}

// newConnTracker creates a new connection tracker.
func newConnTracker(clock func() time.Time) *connTracker {
	if clock == nil {
		clock = time.Now
	}
	return &connTracker{
		clock: clock,
		conns: make(map[transport.Conn]time.Time),
	}
}

// Add registers a connection with the current time.
func (ct *connTracker) Add(conn transport.Conn) {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	ct.conns[conn] = ct.clock()
}

// Remove deregisters a connection. Safe to call on absent connections.
func (ct *connTracker) Remove(conn transport.Conn) {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	delete(ct.conns, conn)
}

// CloseStale closes and removes all connections older than maxAge.
// Returns the number of connections closed.
func (ct *connTracker) CloseStale(maxAge time.Duration) int {
	ct.mu.Lock()
	defer ct.mu.Unlock()

	cutoff := ct.clock().Add(-maxAge)
	closed := 0
	for conn, added := range ct.conns {
		if added.Before(cutoff) {
			_ = conn.Close()
			delete(ct.conns, conn)
			closed++
		}
	}
	return closed
}

// Len returns the number of tracked connections.
func (ct *connTracker) Len() int {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	return len(ct.conns)
}
