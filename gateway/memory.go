package gateway

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Memory is an in-memory Gateway implementation for testing.
// It stores deep copies of payloads and counts every backing-store call so
// tests can assert exactly when the engine reaches the gateway.
// Thread-safe for concurrent use.
type Memory struct {
	mu     sync.RWMutex
	tables map[string]map[string]memoryRow

	// Call counters, readable without the lock.
	CreateTableCalls atomic.Int64
	ReadCalls        atomic.Int64
	BatchUpsertCalls atomic.Int64
	QueryCalls       atomic.Int64

	upsertErr     error
	lastPredicate string
}

type memoryRow struct {
	payload   map[string]any
	updatedAt time.Time
}

// NewMemory creates a new in-memory gateway.
func NewMemory() *Memory {
	return &Memory{
		tables: make(map[string]map[string]memoryRow),
	}
}

// CreateTable registers the table. Idempotent.
func (m *Memory) CreateTable(_ context.Context, name string, _ map[string]any) error {
	m.CreateTableCalls.Add(1)

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.tables[name]; !ok {
		m.tables[name] = make(map[string]memoryRow)
	}
	return nil
}

// Read returns a copy of the stored payload, or ErrNotFound.
func (m *Memory) Read(_ context.Context, table, key string) (map[string]any, error) {
	m.ReadCalls.Add(1)

	m.mu.RLock()
	defer m.mu.RUnlock()

	row, ok := m.tables[table][key]
	if !ok {
		return nil, ErrNotFound
	}
	return ClonePayload(row.payload), nil
}

// BatchUpsert stores copies of all rows, or returns the injected error.
func (m *Memory) BatchUpsert(_ context.Context, table string, rows []Row) error {
	m.BatchUpsertCalls.Add(1)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.upsertErr != nil {
		return m.upsertErr
	}

	t, ok := m.tables[table]
	if !ok {
		t = make(map[string]memoryRow)
		m.tables[table] = t
	}
	now := time.Now()
	for _, r := range rows {
		t[r.Key] = memoryRow{payload: ClonePayload(r.Payload), updatedAt: now}
	}
	return nil
}

// Query returns up to limit rows in key order. The predicate fragment is
// recorded for pass-through assertions but not interpreted.
func (m *Memory) Query(_ context.Context, table, predicate string, limit int) ([]Row, error) {
	m.QueryCalls.Add(1)

	m.mu.Lock()
	defer m.mu.Unlock()

	m.lastPredicate = predicate

	keys := make([]string, 0, len(m.tables[table]))
	for k := range m.tables[table] {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var rows []Row
	for _, k := range keys {
		if limit > 0 && len(rows) >= limit {
			break
		}
		rows = append(rows, Row{Key: k, Payload: ClonePayload(m.tables[table][k].payload)})
	}
	return rows, nil
}

// Close is a no-op.
func (m *Memory) Close(context.Context) error { return nil }

// FailBatchUpserts makes subsequent BatchUpsert calls return err.
// Pass nil to restore normal behavior.
func (m *Memory) FailBatchUpserts(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upsertErr = err
}

// LastPredicate returns the predicate fragment of the most recent Query call.
func (m *Memory) LastPredicate() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastPredicate
}

// Stored returns a copy of the payload currently persisted for key, without
// counting as a Read call. ok=false if missing.
func (m *Memory) Stored(table, key string) (map[string]any, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	row, ok := m.tables[table][key]
	if !ok {
		return nil, false
	}
	return ClonePayload(row.payload), true
}
