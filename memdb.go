package memdb

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/hupe1980/memdb/engine"
	"github.com/hupe1980/memdb/gateway"
)

// Stats is a snapshot of engine counters and derived totals.
type Stats = engine.Stats

// MemDB is a hybrid memory/disk record store: a write-back, read-through
// cache in front of a pluggable persistence gateway, with background flush
// and idle-eviction maintenance.
type MemDB struct {
	engine  *engine.Engine
	gw      gateway.Gateway
	metrics MetricsCollector
	logger  *Logger

	flushInterval time.Duration
	evictInterval time.Duration

	mu      sync.Mutex // protects lifecycle state
	cancel  context.CancelFunc
	loops   *maintenance
	started bool
	closed  bool
}

// New creates a MemDB persisting through gw. The store is inert until Start
// is called; operations work before Start, but nothing flushes or evicts in
// the background.
func New(gw gateway.Gateway, optFns ...Option) *MemDB {
	opts := applyOptions(optFns)

	eng := engine.New(gw, func(o *engine.Options) {
		o.IdleThreshold = opts.evictInterval
		o.FlushAge = opts.flushInterval
		o.Clock = opts.clock
	})

	return &MemDB{
		engine:        eng,
		gw:            gw,
		metrics:       opts.metricsCollector,
		logger:        opts.logger,
		flushInterval: opts.flushInterval,
		evictInterval: opts.evictInterval,
	}
}

// Start launches the background flush and eviction loops. The loops outlive
// ctx's cancellation; they stop only via Stop.
func (db *MemDB) Start(ctx context.Context) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.closed {
		return ErrClosed
	}
	if db.started {
		return ErrAlreadyStarted
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	db.cancel = cancel
	db.loops = newMaintenance(db.engine, db.logger, db.metrics, db.flushInterval, db.evictInterval)
	db.loops.start(loopCtx)
	db.started = true

	db.logger.LogLifecycle(ctx, "memdb started", db.flushInterval, db.evictInterval)
	return nil
}

// Stop cancels both maintenance loops, waits for them to exit, performs a
// final flush of all dirty records, and closes the gateway. An in-flight
// maintenance pass is not completed after cancellation; the final flush here
// is what guarantees durability of remaining dirty state.
func (db *MemDB) Stop(ctx context.Context) error {
	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		return nil
	}
	db.closed = true
	cancel := db.cancel
	loops := db.loops
	db.mu.Unlock()

	if cancel != nil {
		cancel()
		loops.wait()
	}

	err := db.engine.Flush(ctx, "")
	if cerr := db.gw.Close(ctx); cerr != nil {
		err = errors.Join(err, cerr)
	}

	db.logger.LogLifecycle(ctx, "memdb stopped", db.flushInterval, db.evictInterval)
	return err
}

// CreateTable registers a table and propagates an idempotent create to the
// gateway. The schema description is free-form; it gates nothing beyond
// table existence.
func (db *MemDB) CreateTable(ctx context.Context, table string, schema map[string]any) error {
	return db.engine.CreateTable(ctx, table, schema)
}

// Insert writes a record into the cache, marked dirty for later
// persistence. The table is auto-created if it does not exist yet.
func (db *MemDB) Insert(ctx context.Context, table, key string, payload map[string]any) error {
	start := time.Now()
	err := db.engine.Insert(ctx, table, key, payload)
	db.metrics.RecordInsert(time.Since(start), err)
	db.logger.LogInsert(ctx, table, key, err)
	return err
}

// Upsert is a semantic alias for Insert: the cache always replaces the
// record for key, whether or not one existed.
func (db *MemDB) Upsert(ctx context.Context, table, key string, payload map[string]any) error {
	return db.Insert(ctx, table, key, payload)
}

// Get returns a copy of the record's payload. Cache hits are terminal; on a
// miss the record is loaded from the gateway and cached clean. ok=false
// means the record does not exist (including for unregistered tables, which
// never reach the gateway). Use WithoutCache to read straight through.
func (db *MemDB) Get(ctx context.Context, table, key string, optFns ...GetOption) (map[string]any, bool, error) {
	gopts := getOptions{useCache: true}
	for _, fn := range optFns {
		fn(&gopts)
	}

	start := time.Now()
	payload, ok, err := db.engine.Get(ctx, table, key, gopts.useCache)
	db.metrics.RecordGet(ok && err == nil, time.Since(start), err)
	return payload, ok, err
}

// Query bypasses the cache and passes the predicate fragment straight to
// the gateway. Each result payload carries its key under gateway.KeyField.
// An unregistered table yields an empty result without a gateway call.
func (db *MemDB) Query(ctx context.Context, table, predicate string, limit int) ([]map[string]any, error) {
	start := time.Now()
	rows, err := db.engine.Query(ctx, table, predicate, limit)
	db.metrics.RecordQuery(len(rows), time.Since(start), err)
	return rows, err
}

// Flush persists dirty records: the named tables, or every table when none
// are given. On gateway failure nothing is marked clean and the same batch
// is retried by the next flush.
func (db *MemDB) Flush(ctx context.Context, tables ...string) error {
	start := time.Now()
	before := db.engine.Stats().Flushes

	var err error
	if len(tables) == 0 {
		err = db.engine.Flush(ctx, "")
	} else {
		for _, t := range tables {
			if err = db.engine.Flush(ctx, t); err != nil {
				break
			}
		}
	}

	flushed := int(db.engine.Stats().Flushes - before)
	db.metrics.RecordFlush(flushed, time.Since(start), err)
	db.logger.LogFlush(ctx, "", flushed, err)
	return err
}

// EvictIdle removes clean records idle past the eviction threshold and
// returns how many were dropped. Dirty records are never evicted.
func (db *MemDB) EvictIdle(ctx context.Context) int {
	start := time.Now()
	evicted := db.engine.EvictIdle(db.engine.Now())
	db.metrics.RecordEvict(evicted, time.Since(start))
	db.logger.LogEvict(ctx, evicted)
	return evicted
}

// Stats returns a consistent snapshot of cache counters.
func (db *MemDB) Stats() Stats {
	return db.engine.Stats()
}
