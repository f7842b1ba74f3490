package consent

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore keeps consent records in process. Writes are infrequent and
// out of band; reads are concurrent.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string][]Record
}

func NewMemoryStore(records ...Record) *MemoryStore {
	s := &MemoryStore{records: make(map[string][]Record)}
	for _, r := range records {
		s.Put(r)
	}
	return s
}

// Put adds a record, replacing one with the same id.
func (s *MemoryStore) Put(r Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.records[r.PatientID]
	for i := range list {
		if list[i].ID == r.ID {
			list[i] = r
			return
		}
	}
	s.records[r.PatientID] = append(list, r)
}

func (s *MemoryStore) RecordsForPatient(_ context.Context, patientID string) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Record(nil), s.records[patientID]...), nil
}

// Snapshot returns a frozen copy unaffected by later writes.
func (s *MemoryStore) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	frozen := make(frozenSnapshot, len(s.records))
	for k, v := range s.records {
		frozen[k] = append([]Record(nil), v...)
	}
	return frozen
}

// All lists every record ordered by patient then decision time.
func (s *MemoryStore) All() []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Record
	for _, v := range s.records {
		out = append(out, v...)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PatientID != out[j].PatientID {
			return out[i].PatientID < out[j].PatientID
		}
		return out[i].DecidedAt.Before(out[j].DecidedAt)
	})
	return out
}

type frozenSnapshot map[string][]Record

func (f frozenSnapshot) RecordsForPatient(_ context.Context, patientID string) ([]Record, error) {
	return append([]Record(nil), f[patientID]...), nil
}
