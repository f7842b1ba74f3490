package inbound

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

type MemoryStore struct {
	mu       sync.RWMutex
	messages map[uuid.UUID]*Message
	attempts map[uuid.UUID]*Attempt
	byMsg    map[uuid.UUID][]uuid.UUID
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		messages: make(map[uuid.UUID]*Message),
		attempts: make(map[uuid.UUID]*Attempt),
		byMsg:    make(map[uuid.UUID][]uuid.UUID),
	}
}

func cloneAttempt(a *Attempt) *Attempt {
	cp := *a
	cp.EntityIDs = append([]uuid.UUID(nil), a.EntityIDs...)
	cp.Structure = append([]byte(nil), a.Structure...)
	return &cp
}

func (s *MemoryStore) CreateMessage(_ context.Context, m *Message, first *Attempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.messages[m.ID]; ok {
		return ErrConflict
	}
	cp := *m
	cp.Raw = append([]byte(nil), m.Raw...)
	s.messages[m.ID] = &cp
	s.attempts[first.ID] = cloneAttempt(first)
	s.byMsg[m.ID] = []uuid.UUID{first.ID}
	return nil
}

func (s *MemoryStore) GetMessage(_ context.Context, id uuid.UUID) (*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *MemoryStore) AddAttempt(_ context.Context, a *Attempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids, ok := s.byMsg[a.MessageID]
	if !ok {
		return ErrNotFound
	}
	if a.Number != len(ids)+1 {
		return ErrConflict
	}
	s.attempts[a.ID] = cloneAttempt(a)
	s.byMsg[a.MessageID] = append(ids, a.ID)
	return nil
}

func (s *MemoryStore) GetAttempt(_ context.Context, id uuid.UUID) (*Attempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.attempts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneAttempt(a), nil
}

func (s *MemoryStore) Attempts(_ context.Context, messageID uuid.UUID) ([]*Attempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids, ok := s.byMsg[messageID]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]*Attempt, 0, len(ids))
	for _, id := range ids {
		out = append(out, cloneAttempt(s.attempts[id]))
	}
	return out, nil
}

func (s *MemoryStore) UpdateAttempt(_ context.Context, a *Attempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.attempts[a.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != a.Version {
		return ErrConflict
	}
	a.Version++
	s.attempts[a.ID] = cloneAttempt(a)
	return nil
}
