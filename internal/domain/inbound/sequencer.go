package inbound

import (
	"context"
	"sync"
)

// sequencer runs work for the same key one at a time in the order Acquire
// was called. Different keys do not wait for each other.
type sequencer struct {
	mu    sync.Mutex
	tails map[string]chan struct{}
}

func newSequencer() *sequencer {
	return &sequencer{tails: make(map[string]chan struct{})}
}

// Acquire waits until every earlier holder of key has released. If ctx ends
// first, the caller's place in the queue is still honored: later callers
// wait for the earlier holders, not for this one.
func (s *sequencer) Acquire(ctx context.Context, key string) (release func(), err error) {
	done := make(chan struct{})
	s.mu.Lock()
	prev := s.tails[key]
	s.tails[key] = done
	s.mu.Unlock()

	var once sync.Once
	release = func() {
		once.Do(func() {
			s.mu.Lock()
			if s.tails[key] == done {
				delete(s.tails, key)
			}
			s.mu.Unlock()
			close(done)
		})
	}

	if prev == nil {
		return release, nil
	}
	select {
	case <-prev:
		return release, nil
	case <-ctx.Done():
		go func() {
			<-prev
			release()
		}()
		return nil, ctx.Err()
	}
}

// pending reports the number of keys with a holder or waiter.
func (s *sequencer) pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tails)
}
