package store

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/atmx/black76-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu      sync.RWMutex
	batches map[string]*model.Batch
	records map[string][]model.PricedRecord
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		batches: make(map[string]*model.Batch),
		records: make(map[string][]model.PricedRecord),
	}
}

func (s *MemoryStore) SaveBatch(_ context.Context, b *model.Batch, records []model.PricedRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.batches[b.ID]; ok {
		return fmt.Errorf("%w: %s", ErrBatchExists, b.ID)
	}

	// Store copies to avoid external mutation.
	s.batches[b.ID] = cloneBatch(b)
	s.records[b.ID] = slices.Clone(records)
	return nil
}

func (s *MemoryStore) GetBatch(_ context.Context, id string) (*model.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.batches[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return cloneBatch(b), nil
}

func (s *MemoryStore) ListBatches(_ context.Context) ([]model.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	batches := make([]model.Batch, 0, len(s.batches))
	for _, b := range s.batches {
		batches = append(batches, *cloneBatch(b))
	}
	slices.SortFunc(batches, func(a, b model.Batch) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	return batches, nil
}

func (s *MemoryStore) GetBatchRecords(_ context.Context, id string) ([]model.PricedRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	recs, ok := s.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return slices.Clone(recs), nil
}

func cloneBatch(b *model.Batch) *model.Batch {
	c := *b
	c.FailedKinds = maps.Clone(b.FailedKinds)
	return &c
}
