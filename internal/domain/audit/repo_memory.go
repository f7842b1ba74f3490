package audit

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// MemoryStore is an in-process append-only log.
type MemoryStore struct {
	mu   sync.RWMutex
	rows []*Transaction
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Append(_ context.Context, t *Transaction) error {
	cp := *t
	s.mu.Lock()
	s.rows = append(s.rows, &cp)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id uuid.UUID) (*Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.rows {
		if t.ID == id {
			cp := *t
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) Search(_ context.Context, q Query) ([]*Transaction, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var matched []*Transaction
	for _, t := range s.rows {
		if q.matches(t) {
			cp := *t
			matched = append(matched, &cp)
		}
	}
	total := len(matched)
	if q.Offset >= total {
		return nil, total, nil
	}
	matched = matched[q.Offset:]
	if q.Limit > 0 && len(matched) > q.Limit {
		matched = matched[:q.Limit]
	}
	return matched, total, nil
}

// All returns every row in append order.
func (s *MemoryStore) All() []*Transaction {
	rows, _, _ := s.Search(context.Background(), Query{})
	return rows
}
