package exchange

import (
	"testing"
	"time"
)

func TestPolicy_Backoff(t *testing.T) {
	p := Policy{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}
	none := func(time.Duration) time.Duration { return 0 }
	full := func(d time.Duration) time.Duration { return d }

	tests := []struct {
		n        int
		min, max time.Duration
	}{
		{1, 50 * time.Millisecond, 100 * time.Millisecond},
		{2, 100 * time.Millisecond, 200 * time.Millisecond},
		{3, 200 * time.Millisecond, 400 * time.Millisecond},
		{5, 500 * time.Millisecond, time.Second},
		{30, 500 * time.Millisecond, time.Second},
	}
	for _, tt := range tests {
		if got := p.Backoff(tt.n, none); got != tt.min {
			t.Errorf("Backoff(%d) without jitter = %s, want %s", tt.n, got, tt.min)
		}
		if got := p.Backoff(tt.n, full); got != tt.max {
			t.Errorf("Backoff(%d) with full jitter = %s, want %s", tt.n, got, tt.max)
		}
	}
}

func TestPolicy_BackoffRandomJitterStaysInRange(t *testing.T) {
	p := DefaultPolicy()
	for i := 0; i < 200; i++ {
		got := p.Backoff(2, nil)
		if got < 200*time.Millisecond || got > 400*time.Millisecond {
			t.Fatalf("jittered backoff %s out of range", got)
		}
	}
}

func TestPolicy_Normalized(t *testing.T) {
	p := Policy{MaxAttempts: -1, BaseDelay: time.Second, MaxDelay: time.Millisecond}.normalized()
	if p.MaxAttempts != 1 {
		t.Errorf("expected at least one attempt, got %d", p.MaxAttempts)
	}
	if p.MaxDelay != time.Second {
		t.Errorf("expected max delay raised to base, got %s", p.MaxDelay)
	}
	d := DefaultPolicy()
	if p.AttemptTimeout != d.AttemptTimeout || p.SlotWait != d.SlotWait || p.MaxConcurrency != d.MaxConcurrency {
		t.Errorf("expected defaults filled in, got %+v", p)
	}
}
