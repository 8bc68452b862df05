package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/black76-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Batches are immutable once saved, so entries only expire by TTL;
// writes go to the primary and then warm the cache.
type CachedStore struct {
	primary Store
	rdb     redis.Cmdable
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb redis.Cmdable, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, warm cache) ---

func (s *CachedStore) SaveBatch(ctx context.Context, b *model.Batch, records []model.PricedRecord) error {
	if err := s.primary.SaveBatch(ctx, b, records); err != nil {
		return err
	}
	s.cache(ctx, batchKey(b.ID), b)
	s.cache(ctx, recordsKey(b.ID), records)
	// The listing changed; next read will re-populate.
	s.rdb.Del(ctx, listKey)
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetBatch(ctx context.Context, id string) (*model.Batch, error) {
	var b model.Batch
	if s.lookup(ctx, batchKey(id), &b) {
		return &b, nil
	}

	// Cache miss: read from primary.
	got, err := s.primary.GetBatch(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, batchKey(id), got)
	return got, nil
}

func (s *CachedStore) GetBatchRecords(ctx context.Context, id string) ([]model.PricedRecord, error) {
	var records []model.PricedRecord
	if s.lookup(ctx, recordsKey(id), &records) {
		return records, nil
	}

	records, err := s.primary.GetBatchRecords(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, recordsKey(id), records)
	return records, nil
}

func (s *CachedStore) ListBatches(ctx context.Context) ([]model.Batch, error) {
	var batches []model.Batch
	if s.lookup(ctx, listKey, &batches) {
		return batches, nil
	}

	batches, err := s.primary.ListBatches(ctx)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, listKey, batches)
	return batches, nil
}

// --- Cache helpers ---

func (s *CachedStore) lookup(ctx context.Context, key string, out any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, out) == nil
}

func (s *CachedStore) cache(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

const listKey = "batches"

func batchKey(id string) string   { return fmt.Sprintf("batch:%s", id) }
func recordsKey(id string) string { return fmt.Sprintf("batch:%s:records", id) }
