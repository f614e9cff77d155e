package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/memdb/gateway"
)

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestEngine(t *testing.T) (*Engine, *gateway.Memory, *fakeClock) {
	t.Helper()
	gw := gateway.NewMemory()
	clk := newFakeClock()
	eng := New(gw, func(o *Options) {
		o.IdleThreshold = time.Minute
		o.FlushAge = time.Minute
		o.Clock = clk.Now
	})
	return eng, gw, clk
}

func TestInsertThenGet(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	ctx := context.Background()

	payload := map[string]any{"name": "Alice", "tags": []any{"a", "b"}}
	require.NoError(t, eng.Insert(ctx, "users", "u1", payload))

	got, ok, err := eng.Get(ctx, "users", "u1", true)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, payload, got)

	// Returned payload is a copy; mutating it must not leak into the cache.
	got["name"] = "Mallory"
	again, ok, err := eng.Get(ctx, "users", "u1", true)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Alice", again["name"])
}

func TestInsertCopiesPayload(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	ctx := context.Background()

	payload := map[string]any{"status": "active"}
	require.NoError(t, eng.Insert(ctx, "calls", "c1", payload))

	// Caller mutation after insert must not reach the cached entry.
	payload["status"] = "ended"

	got, ok, err := eng.Get(ctx, "calls", "c1", true)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "active", got["status"])
}

func TestLastInsertWins(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, eng.Insert(ctx, "users", "u1", map[string]any{"v": float64(1)}))
	require.NoError(t, eng.Insert(ctx, "users", "u1", map[string]any{"v": float64(2)}))

	got, ok, err := eng.Get(ctx, "users", "u1", true)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, float64(2), got["v"])
	assert.Equal(t, uint64(2), eng.Stats().Inserts)
}

func TestDirtyNeverEvicted(t *testing.T) {
	eng, gw, clk := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, eng.Insert(ctx, "users", "u1", map[string]any{"name": "Alice"}))

	// Far past the idle threshold; the entry is still dirty.
	clk.Advance(time.Hour)
	assert.Equal(t, 0, eng.EvictIdle(clk.Now()))

	// Still served from cache, no backing-store read.
	got, ok, err := eng.Get(ctx, "users", "u1", true)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Alice", got["name"])
	assert.Equal(t, int64(0), gw.ReadCalls.Load())
}

func TestFlushClearsDirty(t *testing.T) {
	eng, gw, _ := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, eng.Insert(ctx, "users", "u1", map[string]any{"name": "Alice"}))
	require.NoError(t, eng.Insert(ctx, "users", "u2", map[string]any{"name": "Bob"}))
	assert.Equal(t, 2, eng.Stats().DirtyRecords)

	require.NoError(t, eng.Flush(ctx, "users"))

	s := eng.Stats()
	assert.Equal(t, 0, s.DirtyRecords)
	assert.Equal(t, uint64(2), s.Flushes)

	stored, ok := gw.Stored("users", "u1")
	require.True(t, ok)
	assert.Equal(t, "Alice", stored["name"])
}

func TestFlushIdempotent(t *testing.T) {
	eng, gw, _ := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, eng.Insert(ctx, "users", "u1", map[string]any{"name": "Alice"}))
	require.NoError(t, eng.Flush(ctx, ""))
	calls := gw.BatchUpsertCalls.Load()

	// No intervening writes: the second flush must not reach the gateway.
	require.NoError(t, eng.Flush(ctx, ""))
	assert.Equal(t, calls, gw.BatchUpsertCalls.Load())
}

func TestFlushFailureKeepsDirty(t *testing.T) {
	eng, gw, _ := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, eng.Insert(ctx, "users", "u1", map[string]any{"name": "Alice"}))

	boom := errors.New("connection reset")
	gw.FailBatchUpserts(boom)

	err := eng.Flush(ctx, "")
	require.ErrorIs(t, err, boom)

	// Nothing was marked clean; nothing was persisted.
	s := eng.Stats()
	assert.Equal(t, 1, s.DirtyRecords)
	assert.Equal(t, uint64(0), s.Flushes)
	_, ok := gw.Stored("users", "u1")
	assert.False(t, ok)

	// A later flush naturally retries the same batch.
	gw.FailBatchUpserts(nil)
	require.NoError(t, eng.Flush(ctx, ""))
	assert.Equal(t, 0, eng.Stats().DirtyRecords)
	stored, ok := gw.Stored("users", "u1")
	require.True(t, ok)
	assert.Equal(t, "Alice", stored["name"])
}

func TestEvictOnlyCleanAndIdle(t *testing.T) {
	eng, _, clk := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, eng.Insert(ctx, "users", "stale", map[string]any{"n": float64(1)}))
	require.NoError(t, eng.Insert(ctx, "users", "fresh", map[string]any{"n": float64(2)}))
	require.NoError(t, eng.Flush(ctx, ""))

	// Age both entries past the threshold, then touch one.
	clk.Advance(2 * time.Minute)
	_, ok, err := eng.Get(ctx, "users", "fresh", true)
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, 1, eng.EvictIdle(clk.Now()))

	s := eng.Stats()
	assert.Equal(t, 1, s.CachedRecords)
	assert.Equal(t, uint64(1), s.Evictions)
}

func TestCacheHitCounting(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, eng.Insert(ctx, "users", "u1", map[string]any{"name": "Alice"}))

	before := eng.Stats()
	_, ok, err := eng.Get(ctx, "users", "u1", true)
	require.NoError(t, err)
	require.True(t, ok)

	after := eng.Stats()
	assert.Equal(t, before.CacheHits+1, after.CacheHits)
	assert.Equal(t, before.CacheMisses, after.CacheMisses)
}

func TestUnregisteredTableIsAbsent(t *testing.T) {
	eng, gw, _ := newTestEngine(t)
	ctx := context.Background()

	_, ok, err := eng.Get(ctx, "ghost", "k", true)
	require.NoError(t, err)
	assert.False(t, ok)

	rows, err := eng.Query(ctx, "ghost", "", 10)
	require.NoError(t, err)
	assert.Empty(t, rows)

	// Neither operation may reach the gateway.
	assert.Equal(t, int64(0), gw.ReadCalls.Load())
	assert.Equal(t, int64(0), gw.QueryCalls.Load())
	assert.Equal(t, uint64(1), eng.Stats().CacheMisses)
}

func TestGetMissReadThrough(t *testing.T) {
	eng, gw, _ := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, eng.Insert(ctx, "users", "u1", map[string]any{"name": "Alice"}))
	require.NoError(t, eng.Flush(ctx, ""))
	require.Equal(t, 1, eng.EvictIdle(eng.Now().Add(2*time.Minute)))

	// Cache miss falls through to the gateway and repopulates the cache.
	got, ok, err := eng.Get(ctx, "users", "u1", true)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Alice", got["name"])
	assert.Equal(t, int64(1), gw.ReadCalls.Load())
	assert.Equal(t, uint64(1), eng.Stats().CacheMisses)

	// Second read is a hit, no further gateway call.
	_, ok, err = eng.Get(ctx, "users", "u1", true)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(1), gw.ReadCalls.Load())

	// The loaded entry is clean: flushing issues no gateway call.
	upserts := gw.BatchUpsertCalls.Load()
	require.NoError(t, eng.Flush(ctx, ""))
	assert.Equal(t, upserts, gw.BatchUpsertCalls.Load())
}

func TestGetWithoutCache(t *testing.T) {
	eng, gw, _ := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, eng.CreateTable(ctx, "users", nil))
	require.NoError(t, gw.BatchUpsert(ctx, "users", []gateway.Row{
		{Key: "u1", Payload: map[string]any{"name": "Alice"}},
	}))

	got, ok, err := eng.Get(ctx, "users", "u1", false)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Alice", got["name"])

	// The bypassing read must not have materialized a cache entry.
	assert.Equal(t, 0, eng.Stats().CachedRecords)
}

func TestGetMissGatewayError(t *testing.T) {
	gw := &failingReadGateway{Memory: gateway.NewMemory(), err: errors.New("timeout")}
	eng := New(gw)
	ctx := context.Background()

	require.NoError(t, eng.CreateTable(ctx, "users", nil))

	_, ok, err := eng.Get(ctx, "users", "u1", true)
	require.ErrorIs(t, err, gw.err)
	assert.False(t, ok)

	// No negative result cached.
	assert.Equal(t, 0, eng.Stats().CachedRecords)
}

// failingReadGateway overrides Read to always fail.
type failingReadGateway struct {
	*gateway.Memory
	err error
}

func (f *failingReadGateway) Read(context.Context, string, string) (map[string]any, error) {
	return nil, f.err
}

func TestQueryPassThrough(t *testing.T) {
	eng, gw, _ := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, eng.Insert(ctx, "users", "u2", map[string]any{"name": "Bob"}))
	require.NoError(t, eng.Insert(ctx, "users", "u1", map[string]any{"name": "Alice"}))
	require.NoError(t, eng.Flush(ctx, ""))

	rows, err := eng.Query(ctx, "users", "data->>'name' IS NOT NULL", 10)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	// The fragment reaches the gateway untouched.
	assert.Equal(t, "data->>'name' IS NOT NULL", gw.LastPredicate())

	// Each payload is tagged with its key under the reserved field.
	assert.Equal(t, "u1", rows[0][gateway.KeyField])
	assert.Equal(t, "Alice", rows[0]["name"])
	assert.Equal(t, "u2", rows[1][gateway.KeyField])
}

func TestQueryLimit(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		key := fmt.Sprintf("u%d", i)
		require.NoError(t, eng.Insert(ctx, "users", key, map[string]any{"i": float64(i)}))
	}
	require.NoError(t, eng.Flush(ctx, ""))

	rows, err := eng.Query(ctx, "users", "", 3)
	require.NoError(t, err)
	assert.Len(t, rows, 3)
}

func TestConcurrentInserts(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	ctx := context.Background()

	const n = 64
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("k%d", i)
			assert.NoError(t, eng.Insert(ctx, "sessions", key, map[string]any{"i": float64(i)}))
		}(i)
	}
	wg.Wait()

	assert.Equal(t, uint64(n), eng.Stats().Inserts)
	for i := 0; i < n; i++ {
		got, ok, err := eng.Get(ctx, "sessions", fmt.Sprintf("k%d", i), true)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, float64(i), got["i"])
	}
}

func TestNeedsFlushAgeGate(t *testing.T) {
	eng, _, clk := newTestEngine(t)
	ctx := context.Background()

	assert.False(t, eng.NeedsFlush(clk.Now()))

	require.NoError(t, eng.Insert(ctx, "users", "u1", map[string]any{"name": "Alice"}))

	// Freshly dirtied entries wait for their own age threshold.
	assert.False(t, eng.NeedsFlush(clk.Now()))
	clk.Advance(30 * time.Second)
	assert.False(t, eng.NeedsFlush(clk.Now()))
	clk.Advance(30 * time.Second)
	assert.True(t, eng.NeedsFlush(clk.Now()))

	// Rewriting the record resets its flush age.
	require.NoError(t, eng.Insert(ctx, "users", "u1", map[string]any{"name": "Alice2"}))
	assert.False(t, eng.NeedsFlush(clk.Now()))
}

func TestCreateTableIdempotent(t *testing.T) {
	eng, gw, _ := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, eng.CreateTable(ctx, "users", map[string]any{"desc": "user records"}))
	require.NoError(t, eng.CreateTable(ctx, "users", nil))

	// The second create is served from the registry.
	assert.Equal(t, int64(1), gw.CreateTableCalls.Load())
	assert.Equal(t, 1, eng.Stats().Tables)
}

func TestScenario(t *testing.T) {
	eng, gw, clk := newTestEngine(t)
	ctx := context.Background()

	// insert("users","u1",{"name":"Alice"})
	require.NoError(t, eng.Insert(ctx, "users", "u1", map[string]any{"name": "Alice"}))

	// get → cache hit
	got, ok, err := eng.Get(ctx, "users", "u1", true)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Alice", got["name"])
	assert.Equal(t, uint64(1), eng.Stats().CacheHits)

	// flush → no dirty records left
	require.NoError(t, eng.Flush(ctx, "users"))
	assert.Equal(t, 0, eng.Stats().DirtyRecords)

	// advance past the idle threshold, evict
	clk.Advance(2 * time.Minute)
	assert.Equal(t, 1, eng.EvictIdle(clk.Now()))

	// get falls through to the gateway and returns the same record
	got, ok, err = eng.Get(ctx, "users", "u1", true)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Alice", got["name"])
	assert.Equal(t, uint64(1), eng.Stats().CacheMisses)
	assert.Equal(t, int64(1), gw.ReadCalls.Load())
}
