package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/black76-engine/internal/model"
)

func ptr(v float64) *float64 { return &v }

func fixture(id string, created time.Time) (*model.Batch, []model.PricedRecord) {
	b := &model.Batch{
		ID:          id,
		Status:      model.BatchPartial,
		Total:       2,
		Failed:      1,
		FailedKinds: map[string]int{"InvalidOptionType": 1},
		DurationMS:  12,
		CreatedAt:   created,
	}
	records := []model.PricedRecord{
		{
			TradeRecord:  model.TradeRecord{UniqueID: "0", Strike: 50000, Type: "Call", Action: "Bought", Premium: 3426.97, ContractSize: 1},
			ForwardPrice: ptr(50000), Delta: ptr(0.5), Gamma: ptr(0.0001), Vega: ptr(5700), Theta: ptr(-57),
		},
		{
			TradeRecord: model.TradeRecord{UniqueID: "1", Strike: 50000, Type: "Invalid", Action: "Sold", Premium: 100, ContractSize: 1},
			ErrorKind:   "InvalidOptionType",
			Error:       "black76: invalid option type",
		},
	}
	return b, records
}

// --- MemoryStore ---

func TestMemoryStore_SaveAndGet(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	b, records := fixture("b1", time.Now())

	if err := st.SaveBatch(ctx, b, records); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := st.GetBatch(ctx, "b1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Total != 2 || got.FailedKinds["InvalidOptionType"] != 1 {
		t.Errorf("unexpected batch: %+v", got)
	}

	// Mutating the caller's copy must not leak into the store.
	b.FailedKinds["InvalidOptionType"] = 99
	got, _ = st.GetBatch(ctx, "b1")
	if got.FailedKinds["InvalidOptionType"] != 1 {
		t.Error("store should hold its own copy of the batch")
	}

	recs, err := st.GetBatchRecords(ctx, "b1")
	if err != nil {
		t.Fatalf("records: %v", err)
	}
	if len(recs) != 2 || recs[0].UniqueID != "0" || recs[1].ErrorKind != "InvalidOptionType" {
		t.Errorf("unexpected records: %+v", recs)
	}
}

func TestMemoryStore_Duplicate(t *testing.T) {
	st := NewMemoryStore()
	b, records := fixture("dup", time.Now())
	if err := st.SaveBatch(context.Background(), b, records); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := st.SaveBatch(context.Background(), b, records); !errors.Is(err, ErrBatchExists) {
		t.Errorf("expected ErrBatchExists, got %v", err)
	}
}

func TestPostgresStore_MalformedIDNotFound(t *testing.T) {
	// A nil pool panics if queried, so these must resolve before any query.
	st := NewPostgresStore(nil)
	for _, id := range []string{"nope", "", "123", "b76-batch-1"} {
		if _, err := st.GetBatch(context.Background(), id); !errors.Is(err, ErrNotFound) {
			t.Errorf("GetBatch(%q): expected ErrNotFound, got %v", id, err)
		}
		if _, err := st.GetBatchRecords(context.Background(), id); !errors.Is(err, ErrNotFound) {
			t.Errorf("GetBatchRecords(%q): expected ErrNotFound, got %v", id, err)
		}
	}
}

func TestMemoryStore_NotFound(t *testing.T) {
	st := NewMemoryStore()
	if _, err := st.GetBatch(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := st.GetBatchRecords(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStore_ListNewestFirst(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	base := time.Date(2024, 12, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"old", "new", "mid"} {
		offsets := []time.Duration{0, 2 * time.Hour, time.Hour}
		b, recs := fixture(id, base.Add(offsets[i]))
		if err := st.SaveBatch(ctx, b, recs); err != nil {
			t.Fatalf("save %s: %v", id, err)
		}
	}

	list, err := st.ListBatches(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var ids []string
	for _, b := range list {
		ids = append(ids, b.ID)
	}
	if len(ids) != 3 || ids[0] != "new" || ids[1] != "mid" || ids[2] != "old" {
		t.Errorf("expected [new mid old], got %v", ids)
	}
}

// --- CachedStore ---

// fakeRedis implements the subset of redis.Cmdable used by CachedStore.
type fakeRedis struct {
	redis.Cmdable
	mu   sync.Mutex
	data map[string][]byte
	hits int
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{data: make(map[string][]byte)}
}

func (f *fakeRedis) Get(_ context.Context, key string) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	f.hits++
	return redis.NewStringResult(string(v), nil)
}

func (f *fakeRedis) Set(_ context.Context, key string, value interface{}, _ time.Duration) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = value.([]byte)
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) Del(_ context.Context, keys ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, k := range keys {
		if _, ok := f.data[k]; ok {
			delete(f.data, k)
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

// countingStore counts primary reads.
type countingStore struct {
	Store
	reads int
}

func (c *countingStore) GetBatch(ctx context.Context, id string) (*model.Batch, error) {
	c.reads++
	return c.Store.GetBatch(ctx, id)
}

func (c *countingStore) ListBatches(ctx context.Context) ([]model.Batch, error) {
	c.reads++
	return c.Store.ListBatches(ctx)
}

func TestCachedStore_ReadThrough(t *testing.T) {
	ctx := context.Background()
	primary := &countingStore{Store: NewMemoryStore()}
	rdb := newFakeRedis()
	st := NewCachedStore(primary, rdb, time.Minute)

	b, records := fixture("c1", time.Now().UTC())
	if err := st.SaveBatch(ctx, b, records); err != nil {
		t.Fatalf("save: %v", err)
	}

	// Warmed on save: served from cache.
	got, err := st.GetBatch(ctx, "c1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ID != "c1" || primary.reads != 0 {
		t.Errorf("expected cache hit, primary reads=%d", primary.reads)
	}

	recs, err := st.GetBatchRecords(ctx, "c1")
	if err != nil {
		t.Fatalf("records: %v", err)
	}
	if len(recs) != 2 || recs[0].Delta == nil || *recs[0].Delta != 0.5 || recs[1].Delta != nil {
		t.Errorf("unexpected cached records: %+v", recs)
	}

	// Listing misses once, then hits.
	if _, err := st.ListBatches(ctx); err != nil {
		t.Fatalf("list: %v", err)
	}
	if _, err := st.ListBatches(ctx); err != nil {
		t.Fatalf("list: %v", err)
	}
	if primary.reads != 1 {
		t.Errorf("expected one primary read for listing, got %d", primary.reads)
	}

	// A new batch invalidates the listing.
	b2, recs2 := fixture("c2", time.Now().UTC())
	if err := st.SaveBatch(ctx, b2, recs2); err != nil {
		t.Fatalf("save: %v", err)
	}
	list, _ := st.ListBatches(ctx)
	if len(list) != 2 || primary.reads != 2 {
		t.Errorf("expected fresh listing of 2, got %d (reads=%d)", len(list), primary.reads)
	}
}

func TestCachedStore_MissFallsBackToPrimary(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryStore()
	b, records := fixture("p1", time.Now().UTC())
	if err := mem.SaveBatch(ctx, b, records); err != nil {
		t.Fatalf("save: %v", err)
	}

	primary := &countingStore{Store: mem}
	rdb := newFakeRedis()
	st := NewCachedStore(primary, rdb, time.Minute)

	if _, err := st.GetBatch(ctx, "p1"); err != nil {
		t.Fatalf("get: %v", err)
	}
	if _, err := st.GetBatch(ctx, "p1"); err != nil {
		t.Fatalf("get: %v", err)
	}
	if primary.reads != 1 || rdb.hits != 1 {
		t.Errorf("expected 1 primary read and 1 cache hit, got reads=%d hits=%d", primary.reads, rdb.hits)
	}

	if _, err := st.GetBatch(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
