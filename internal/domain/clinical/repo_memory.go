package clinical

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memKey struct {
	kind   string
	system uuid.UUID
	key    string
}

type memoryRepo struct {
	mu    sync.RWMutex
	byID  map[uuid.UUID]*Entity
	byKey map[memKey]uuid.UUID
	now   func() time.Time
}

func NewMemoryRepo() Repository {
	return &memoryRepo{
		byID:  make(map[uuid.UUID]*Entity),
		byKey: make(map[memKey]uuid.UUID),
		now:   time.Now,
	}
}

func clone(e *Entity) *Entity {
	cp := *e
	cp.Attributes = merge(e.Attributes, nil)
	return &cp
}

func (r *memoryRepo) Apply(_ context.Context, unit []*Entity) ([]*Entity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Stage against private copies so a failing entity leaves nothing behind.
	staged := make(map[memKey]*Entity, len(unit))
	out := make([]*Entity, 0, len(unit))
	now := r.now().UTC()
	for _, e := range unit {
		if e.Kind == "" || e.Key == "" {
			return nil, ErrNoKey
		}
		k := memKey{e.Kind, e.SystemID, e.Key}
		cur, ok := staged[k]
		if !ok {
			if id, found := r.byKey[k]; found {
				cur = clone(r.byID[id])
			}
		}
		switch {
		case cur == nil:
			cur = clone(e)
			cur.ID = uuid.New()
			cur.Version = 1
			cur.CreatedAt, cur.UpdatedAt = now, now
		case changed(cur.Attributes, e.Attributes):
			cur.Attributes = merge(cur.Attributes, e.Attributes)
			cur.PatientID = e.PatientID
			cur.SourceMessageID = e.SourceMessageID
			cur.Version++
			cur.UpdatedAt = now
		}
		staged[k] = cur
		out = append(out, cur)
	}
	for k, e := range staged {
		r.byID[e.ID] = e
		r.byKey[k] = e.ID
	}

	result := make([]*Entity, len(out))
	for i, e := range out {
		result[i] = clone(e)
	}
	return result, nil
}

func (r *memoryRepo) Get(_ context.Context, id uuid.UUID) (*Entity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(e), nil
}

func (r *memoryRepo) FindByKey(_ context.Context, kind string, systemID uuid.UUID, key string) (*Entity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byKey[memKey{kind, systemID, key}]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(r.byID[id]), nil
}

func (r *memoryRepo) ListByPatient(_ context.Context, patientID, kind string) ([]*Entity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Entity
	for _, e := range r.byID {
		if e.PatientID == patientID && (kind == "" || e.Kind == kind) {
			out = append(out, clone(e))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Key < out[j].Key
	})
	return out, nil
}
