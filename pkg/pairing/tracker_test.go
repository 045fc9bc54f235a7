package pairing

import (
	"testing"
	"time"
)

func TestAttemptTracker_Delay(t *testing.T) {
	tiers := [4]time.Duration{0, time.Second, 3 * time.Second, 10 * time.Second}
	tracker := NewAttemptTracker(tiers)

	tests := []struct {
		failedBefore int
		want         time.Duration
	}{
		{0, 0},
		{2, 0},
		{3, time.Second},
		{5, time.Second},
		{6, 3 * time.Second},
		{9, 3 * time.Second},
		{10, 10 * time.Second},
		{25, 10 * time.Second},
	}

	for _, tt := range tests {
		tracker.Reset()
		for i := 0; i < tt.failedBefore; i++ {
			tracker.RecordFailure()
		}
		if got := tracker.Delay(); got != tt.want {
			t.Errorf("after %d failures: Delay() = %v, want %v", tt.failedBefore, got, tt.want)
		}
	}
}

func TestAttemptTracker_Reset(t *testing.T) {
	tracker := NewAttemptTracker(DefaultBackoffTiers)
	tracker.RecordFailure()
	tracker.RecordFailure()
	if tracker.Failures() != 2 {
		t.Fatalf("Failures() = %d, want 2", tracker.Failures())
	}
	tracker.Reset()
	if tracker.Failures() != 0 {
		t.Errorf("Failures() after Reset = %d, want 0", tracker.Failures())
	}
}
