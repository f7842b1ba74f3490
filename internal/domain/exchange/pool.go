package exchange

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/ehr/interop/internal/platform/faults"
)

// SlotObserver receives slot pool activity.
type SlotObserver interface {
	SlotAcquired(system string, waited time.Duration)
	SlotReleased(system string)
	SlotTimedOut(system string)
}

// Pool limits concurrent outbound calls per system. A caller that cannot
// get a slot within the wait bound fails with NetworkTimeout rather than
// queueing indefinitely.
type Pool struct {
	mu       sync.Mutex
	sems     map[string]*semaphore.Weighted
	wait     time.Duration
	observer SlotObserver
}

func NewPool(wait time.Duration, observer SlotObserver) *Pool {
	return &Pool{sems: make(map[string]*semaphore.Weighted), wait: wait, observer: observer}
}

// The size of a system's semaphore is fixed by the first caller.
func (p *Pool) sem(system string, size int) *semaphore.Weighted {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.sems[system]
	if !ok {
		s = semaphore.NewWeighted(int64(size))
		p.sems[system] = s
	}
	return s
}

// Acquire blocks until a slot for system is free, the wait bound passes,
// or ctx ends. The returned release must be called exactly once.
func (p *Pool) Acquire(ctx context.Context, system string, size int) (func(), error) {
	if size < 1 {
		size = 1
	}
	s := p.sem(system, size)
	start := time.Now()

	wctx, cancel := context.WithTimeout(ctx, p.wait)
	defer cancel()
	if err := s.Acquire(wctx, 1); err != nil {
		if p.observer != nil {
			p.observer.SlotTimedOut(system)
		}
		if ctx.Err() != nil {
			return nil, faults.Wrap(faults.NetworkTimeout, ctx.Err(), "waiting for a %s slot", system)
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, faults.New(faults.NetworkTimeout, "no %s slot free within %s", system, p.wait)
		}
		return nil, faults.Wrap(faults.NetworkTimeout, err, "waiting for a %s slot", system)
	}
	if p.observer != nil {
		p.observer.SlotAcquired(system, time.Since(start))
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			s.Release(1)
			if p.observer != nil {
				p.observer.SlotReleased(system)
			}
		})
	}, nil
}
