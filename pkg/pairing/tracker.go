package pairing

import (
	"sync"
	"time"
)

// AttemptTracker counts failed handshakes across all codes and maps the
// count to a backoff delay, slowing down online guessing of display codes.
//
// Tiers:
//   - Failures 0-2: tier 1 (normally no delay, a mistyped code)
//   - Failures 3-5: tier 2
//   - Failures 6-9: tier 3
//   - Failures 10+: tier 4
//
// The counter resets on a successful pairing.
type AttemptTracker struct {
	mu             sync.Mutex
	failedAttempts int
	backoffTiers   [4]time.Duration
}

// NewAttemptTracker creates a tracker with the given backoff tiers.
func NewAttemptTracker(tiers [4]time.Duration) *AttemptTracker {
	return &AttemptTracker{backoffTiers: tiers}
}

// Delay returns the delay to apply before answering the next attempt.
func (t *AttemptTracker) Delay() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()

	attemptNumber := t.failedAttempts + 1
	switch {
	case attemptNumber <= 3:
		return t.backoffTiers[0]
	case attemptNumber <= 6:
		return t.backoffTiers[1]
	case attemptNumber <= 10:
		return t.backoffTiers[2]
	default:
		return t.backoffTiers[3]
	}
}

// RecordFailure increments the failed attempt counter.
func (t *AttemptTracker) RecordFailure() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failedAttempts++
}

// Reset clears the failed attempt counter.
func (t *AttemptTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failedAttempts = 0
}

// Failures returns the current number of failed attempts.
func (t *AttemptTracker) Failures() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.failedAttempts
}
