package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hupe1980/memdb/gateway"
)

// Options configures an Engine.
type Options struct {
	// IdleThreshold is how long a clean entry may go without access before
	// EvictIdle removes it.
	IdleThreshold time.Duration

	// FlushAge is the minimum time an entry must have been dirty before
	// NeedsFlush reports pending work. Zero means any dirty entry counts.
	FlushAge time.Duration

	// Clock returns the current time. Overridden in tests.
	Clock func() time.Time
}

// DefaultOptions are the defaults used by New.
var DefaultOptions = Options{
	IdleThreshold: 10 * time.Minute,
	FlushAge:      10 * time.Minute,
	Clock:         time.Now,
}

// Engine is the locked cache core. All exported methods are safe for
// concurrent use; each one holds the single engine mutex for its full
// logical duration, including gateway calls made on the Get miss path and
// during Flush.
type Engine struct {
	mu sync.Mutex

	gw      gateway.Gateway
	tables  map[string]map[string]*entry
	dirty   map[string]map[string]struct{}
	schemas map[string]map[string]any

	idleThreshold time.Duration
	flushAge      time.Duration
	now           func() time.Time

	// Counters, guarded by mu.
	cacheHits   uint64
	cacheMisses uint64
	inserts     uint64
	flushes     uint64
	evictions   uint64
}

// New creates an Engine persisting through gw.
func New(gw gateway.Gateway, optFns ...func(o *Options)) *Engine {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	return &Engine{
		gw:            gw,
		tables:        make(map[string]map[string]*entry),
		dirty:         make(map[string]map[string]struct{}),
		schemas:       make(map[string]map[string]any),
		idleThreshold: opts.IdleThreshold,
		flushAge:      opts.FlushAge,
		now:           opts.Clock,
	}
}

// CreateTable registers the table and propagates an idempotent create to the
// gateway. Registering a table that already exists is a no-op with no
// gateway call.
func (e *Engine) CreateTable(ctx context.Context, name string, schema map[string]any) error {
	e.mu.Lock()
	if _, ok := e.schemas[name]; ok {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	// The gateway call is idempotent, so two racing creators both calling
	// it is harmless; registration below is last-writer-wins on the schema.
	if err := e.gw.CreateTable(ctx, name, schema); err != nil {
		return fmt.Errorf("create table %q: %w", name, err)
	}

	e.mu.Lock()
	if _, ok := e.schemas[name]; !ok {
		if schema == nil {
			schema = map[string]any{}
		}
		e.schemas[name] = schema
	}
	e.mu.Unlock()
	return nil
}

// Insert replaces or creates the cached entry for key with a deep copy of
// payload, marks it dirty, and records it in the table's dirty-key set. The
// table is auto-created if unregistered. Insert only fails if that
// create-table call fails; cache state itself cannot reject a write.
func (e *Engine) Insert(ctx context.Context, table, key string, payload map[string]any) error {
	if err := e.CreateTable(ctx, table, nil); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	en := &entry{payload: gateway.ClonePayload(payload)}
	en.markDirty(e.now())

	if e.tables[table] == nil {
		e.tables[table] = make(map[string]*entry)
	}
	e.tables[table][key] = en

	if e.dirty[table] == nil {
		e.dirty[table] = make(map[string]struct{})
	}
	e.dirty[table][key] = struct{}{}

	e.inserts++
	return nil
}

// Get returns a copy of the record's payload. With useCache, a cached entry
// is a terminal hit; otherwise (or on a miss) the gateway is point-read and,
// if useCache, the loaded entry is cached clean for future hits. ok=false
// means the record exists neither in cache nor in the backing store. An
// unregistered table is absent without a gateway call.
//
// The engine lock is held across the miss-path read; see the package
// documentation for the reasoning.
func (e *Engine) Get(ctx context.Context, table, key string, useCache bool) (map[string]any, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if useCache {
		if en, ok := e.tables[table][key]; ok {
			en.touch(e.now())
			e.cacheHits++
			return gateway.ClonePayload(en.payload), true, nil
		}
	}

	e.cacheMisses++
	if _, ok := e.schemas[table]; !ok {
		return nil, false, nil
	}

	payload, err := e.gw.Read(ctx, table, key)
	if errors.Is(err, gateway.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read %s/%s: %w", table, key, err)
	}

	if useCache {
		en := &entry{payload: gateway.ClonePayload(payload)}
		en.touch(e.now())
		if e.tables[table] == nil {
			e.tables[table] = make(map[string]*entry)
		}
		e.tables[table][key] = en
	}
	return payload, true, nil
}

// Query bypasses the cache and delegates the predicate fragment to the
// gateway. Each returned payload carries its key under gateway.KeyField.
// An unregistered table yields an empty result with no gateway call.
func (e *Engine) Query(ctx context.Context, table, predicate string, limit int) ([]map[string]any, error) {
	e.mu.Lock()
	_, registered := e.schemas[table]
	e.mu.Unlock()
	if !registered {
		return nil, nil
	}

	rows, err := e.gw.Query(ctx, table, predicate, limit)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", table, err)
	}

	results := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		payload := row.Payload
		if payload == nil {
			payload = map[string]any{}
		}
		payload[gateway.KeyField] = row.Key
		results = append(results, payload)
	}
	return results, nil
}

// Flush pushes dirty entries to the gateway. table selects one table; the
// empty string flushes every table holding dirty keys. Each table's batch is
// all-or-nothing: on gateway failure nothing is marked clean and the dirty
// set is untouched, so a later Flush retries the same records. Tables with
// no dirty keys are skipped without a gateway call.
func (e *Engine) Flush(ctx context.Context, table string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var tables []string
	if table != "" {
		tables = []string{table}
	} else {
		for t := range e.dirty {
			tables = append(tables, t)
		}
	}

	for _, t := range tables {
		set := e.dirty[t]
		if len(set) == 0 {
			continue
		}

		rows := make([]gateway.Row, 0, len(set))
		keys := make([]string, 0, len(set))
		for key := range set {
			en, ok := e.tables[t][key]
			if !ok || !en.dirty {
				continue
			}
			rows = append(rows, gateway.Row{Key: key, Payload: en.payload})
			keys = append(keys, key)
		}
		if len(rows) == 0 {
			continue
		}

		if err := e.gw.BatchUpsert(ctx, t, rows); err != nil {
			return fmt.Errorf("flush %s: %w", t, err)
		}

		// Same critical section as the snapshot: an entry is never
		// observable as neither dirty-pending nor clean.
		for _, key := range keys {
			if en, ok := e.tables[t][key]; ok {
				en.dirty = false
			}
			delete(set, key)
		}
		e.flushes += uint64(len(rows))
	}
	return nil
}

// EvictIdle removes every clean entry whose last access is older than the
// idle threshold relative to now, and returns the number removed. Dirty
// entries are never evicted. Eviction never touches the backing store.
func (e *Engine) EvictIdle(now time.Time) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	evicted := 0
	for _, cache := range e.tables {
		for key, en := range cache {
			if en.dirty {
				continue
			}
			if now.Sub(en.lastAccess) > e.idleThreshold {
				delete(cache, key)
				evicted++
			}
		}
	}
	e.evictions += uint64(evicted)
	return evicted
}

// NeedsFlush reports whether any entry has been dirty for at least the
// configured flush age. The maintenance scheduler polls this to avoid
// spurious no-op flush passes.
func (e *Engine) NeedsFlush(now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	for t, set := range e.dirty {
		for key := range set {
			en, ok := e.tables[t][key]
			if !ok || !en.dirty {
				continue
			}
			if now.Sub(en.lastWrite) >= e.flushAge {
				return true
			}
		}
	}
	return false
}

// Stats returns a consistent snapshot of counters and derived totals.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := Stats{
		CacheHits:   e.cacheHits,
		CacheMisses: e.cacheMisses,
		Inserts:     e.inserts,
		Flushes:     e.flushes,
		Evictions:   e.evictions,
		Tables:      len(e.schemas),
	}
	for _, cache := range e.tables {
		s.CachedRecords += len(cache)
	}
	for _, set := range e.dirty {
		s.DirtyRecords += len(set)
	}
	return s
}

// Now returns the engine's current clock reading.
func (e *Engine) Now() time.Time {
	return e.now()
}
