package system

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memoryRepo struct {
	mu      sync.RWMutex
	systems map[uuid.UUID]*System
}

// NewMemoryRepo returns a process-local repository.
func NewMemoryRepo() Repository {
	return &memoryRepo{systems: make(map[uuid.UUID]*System)}
}

func (r *memoryRepo) byName(name string) *System {
	for _, s := range r.systems {
		if s.Name == name {
			return s
		}
	}
	return nil
}

func (r *memoryRepo) Upsert(_ context.Context, s *System) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now().UTC()
	if cur := r.byName(s.Name); cur != nil {
		s.ID = cur.ID
		s.CreatedAt = cur.CreatedAt
		s.Connectivity = cur.Connectivity
		s.LastConnectedAt = cur.LastConnectedAt
		s.LastProbeAt = cur.LastProbeAt
		s.UpdatedAt = now
		cp := *s
		r.systems[s.ID] = &cp
		return nil
	}
	s.ID = uuid.New()
	if s.Connectivity == "" {
		s.Connectivity = ConnUnknown
	}
	s.CreatedAt, s.UpdatedAt = now, now
	cp := *s
	r.systems[s.ID] = &cp
	return nil
}

func (r *memoryRepo) GetByID(_ context.Context, id uuid.UUID) (*System, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.systems[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (r *memoryRepo) GetByName(_ context.Context, name string) (*System, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := r.byName(name)
	if s == nil {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (r *memoryRepo) List(_ context.Context) ([]*System, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*System, 0, len(r.systems))
	for _, s := range r.systems {
		cp := *s
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (r *memoryRepo) SetConnectivity(_ context.Context, id uuid.UUID, state Connectivity, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.systems[id]
	if !ok {
		return ErrNotFound
	}
	s.Connectivity = state
	s.LastProbeAt = &at
	if state == ConnConnected {
		s.LastConnectedAt = &at
	}
	s.UpdatedAt = at
	return nil
}

func (r *memoryRepo) Deactivate(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.systems[id]
	if !ok {
		return ErrNotFound
	}
	s.Active = false
	s.UpdatedAt = time.Now().UTC()
	return nil
}
