package record

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"

	"suiverify.org/internal/attest"
)

var ErrInvalidRecord = errors.New("record id is required")

// InMemory implements attest.RecordStore with in-process concurrency safety.
// It backs tests, the CLI and deployments without Postgres.
type InMemory struct {
	mu      sync.RWMutex
	records map[string]attest.Record
}

// NewInMemory creates an empty store, optionally seeded with records.
func NewInMemory(seed ...attest.Record) *InMemory {
	s := &InMemory{records: make(map[string]attest.Record)}
	for _, rec := range seed {
		_ = s.Put(rec)
	}
	return s
}

// Put inserts or replaces a record keyed by its id.
func (s *InMemory) Put(rec attest.Record) error {
	if strings.TrimSpace(rec.ID) == "" {
		return ErrInvalidRecord
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[strings.ToLower(rec.ID)] = clone(rec)
	return nil
}

func (s *InMemory) FetchRecord(ctx context.Context, id string) (attest.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[strings.ToLower(id)]
	if !ok {
		return attest.Record{}, attest.ErrNotFound
	}
	return clone(rec), nil
}

// ListRecords returns the owner's records ordered by id.
func (s *InMemory) ListRecords(ctx context.Context, owner string) ([]attest.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var res []attest.Record
	for _, rec := range s.records {
		if owner != "" && strings.EqualFold(rec.Owner, owner) {
			res = append(res, clone(rec))
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res, nil
}

// Len reports the number of stored records.
func (s *InMemory) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// return copy
func clone(rec attest.Record) attest.Record {
	rec.EvidenceHash = append([]byte(nil), rec.EvidenceHash...)
	rec.Signature = append([]byte(nil), rec.Signature...)
	return rec
}
