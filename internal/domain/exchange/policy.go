package exchange

import (
	"math/rand/v2"
	"time"
)

// Policy bounds the retry loop and the per-system slot pool.
type Policy struct {
	MaxAttempts    int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	AttemptTimeout time.Duration
	SlotWait       time.Duration
	// MaxConcurrency applies to systems that do not set their own.
	MaxConcurrency int
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    4,
		BaseDelay:      200 * time.Millisecond,
		MaxDelay:       5 * time.Second,
		AttemptTimeout: 10 * time.Second,
		SlotWait:       2 * time.Second,
		MaxConcurrency: 4,
	}
}

func (p Policy) normalized() Policy {
	d := DefaultPolicy()
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = d.BaseDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.AttemptTimeout <= 0 {
		p.AttemptTimeout = d.AttemptTimeout
	}
	if p.SlotWait <= 0 {
		p.SlotWait = d.SlotWait
	}
	if p.MaxConcurrency < 1 {
		p.MaxConcurrency = d.MaxConcurrency
	}
	return p
}

// Backoff is the wait before attempt n+1 after attempt n failed:
// BaseDelay doubled per attempt, capped at MaxDelay, with the upper half
// jittered.
func (p Policy) Backoff(n int, jitter func(time.Duration) time.Duration) time.Duration {
	d := p.BaseDelay
	for i := 1; i < n && d < p.MaxDelay; i++ {
		d *= 2
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	half := d / 2
	if jitter == nil {
		jitter = randomJitter
	}
	return half + jitter(d-half)
}

func randomJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return rand.N(max + 1)
}
