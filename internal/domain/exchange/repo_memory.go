package exchange

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type resourceKey struct {
	system       uuid.UUID
	resourceType string
	externalID   string
}

type MemoryStore struct {
	mu        sync.RWMutex
	resources map[resourceKey]*Resource
	history   map[uuid.UUID][]Revision
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		resources: make(map[resourceKey]*Resource),
		history:   make(map[uuid.UUID][]Revision),
	}
}

func (s *MemoryStore) Sync(_ context.Context, r *Resource) (*Resource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := resourceKey{r.SystemID, r.ResourceType, r.ExternalID}
	cur, ok := s.resources[k]
	if !ok {
		cp := *r
		cp.ID = uuid.New()
		cp.CreatedAt = r.SyncedAt
		s.resources[k] = &cp
		out := cp
		return &out, nil
	}
	s.history[cur.ID] = append(s.history[cur.ID], Revision{
		ResourceID:   cur.ID,
		VersionID:    cur.VersionID,
		Valid:        cur.Valid,
		SyncedAt:     cur.SyncedAt,
		SupersededAt: r.SyncedAt,
	})
	cur.VersionID = r.VersionID
	cur.Valid = r.Valid
	cur.SyncedAt = r.SyncedAt
	if r.EntityID != nil {
		cur.Entity, cur.EntityID = r.Entity, r.EntityID
	}
	out := *cur
	return &out, nil
}

func (s *MemoryStore) Get(_ context.Context, systemID uuid.UUID, resourceType, externalID string) (*Resource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.resources[resourceKey{systemID, resourceType, externalID}]
	if !ok {
		return nil, ErrNotFound
	}
	out := *r
	return &out, nil
}

func (s *MemoryStore) FindByEntity(_ context.Context, systemID uuid.UUID, entity string, entityID uuid.UUID) (*Resource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.resources {
		if r.SystemID == systemID && r.Entity == entity && r.EntityID != nil && *r.EntityID == entityID {
			out := *r
			return &out, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) Invalidate(_ context.Context, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.resources {
		if r.ID != id {
			continue
		}
		if !r.Valid {
			return nil
		}
		s.history[id] = append(s.history[id], Revision{
			ResourceID: id, VersionID: r.VersionID, Valid: r.Valid, SyncedAt: r.SyncedAt, SupersededAt: at,
		})
		r.Valid = false
		r.SyncedAt = at
		return nil
	}
	return ErrNotFound
}

func (s *MemoryStore) History(_ context.Context, id uuid.UUID) ([]Revision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Revision(nil), s.history[id]...), nil
}
