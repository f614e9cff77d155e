package memdb

import (
	"sync/atomic"
	"time"
)

// MetricsCollector defines an interface for collecting operational metrics.
// Implement this interface to integrate with monitoring systems like
// Prometheus. These are latency/outcome metrics around each public
// operation; the engine's own counters (hits, misses, dirty records) are
// exposed separately through Stats.
type MetricsCollector interface {
	// RecordInsert is called after each insert or upsert.
	RecordInsert(duration time.Duration, err error)

	// RecordGet is called after each get. hit reports whether the cache
	// served the read.
	RecordGet(hit bool, duration time.Duration, err error)

	// RecordQuery is called after each query. rows is the result count.
	RecordQuery(rows int, duration time.Duration, err error)

	// RecordFlush is called after each flush pass. records is the number
	// of records persisted by the pass.
	RecordFlush(records int, duration time.Duration, err error)

	// RecordEvict is called after each eviction pass.
	RecordEvict(evicted int, duration time.Duration)
}

// NoopMetricsCollector is a no-op implementation of MetricsCollector.
// Use this when metrics collection is not needed.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordInsert(time.Duration, error)     {}
func (NoopMetricsCollector) RecordGet(bool, time.Duration, error)  {}
func (NoopMetricsCollector) RecordQuery(int, time.Duration, error) {}
func (NoopMetricsCollector) RecordFlush(int, time.Duration, error) {}
func (NoopMetricsCollector) RecordEvict(int, time.Duration)        {}

// BasicMetricsCollector provides simple in-memory metrics collection.
// Useful for debugging and basic monitoring without external dependencies.
type BasicMetricsCollector struct {
	InsertCount      atomic.Int64
	InsertErrors     atomic.Int64
	InsertTotalNanos atomic.Int64
	GetCount         atomic.Int64
	GetHits          atomic.Int64
	GetErrors        atomic.Int64
	GetTotalNanos    atomic.Int64
	QueryCount       atomic.Int64
	QueryErrors      atomic.Int64
	QueryRows        atomic.Int64
	FlushCount       atomic.Int64
	FlushErrors      atomic.Int64
	FlushRecords     atomic.Int64
	EvictCount       atomic.Int64
	EvictRecords     atomic.Int64
}

// RecordInsert implements MetricsCollector.
func (b *BasicMetricsCollector) RecordInsert(duration time.Duration, err error) {
	b.InsertCount.Add(1)
	b.InsertTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.InsertErrors.Add(1)
	}
}

// RecordGet implements MetricsCollector.
func (b *BasicMetricsCollector) RecordGet(hit bool, duration time.Duration, err error) {
	b.GetCount.Add(1)
	b.GetTotalNanos.Add(duration.Nanoseconds())
	if hit {
		b.GetHits.Add(1)
	}
	if err != nil {
		b.GetErrors.Add(1)
	}
}

// RecordQuery implements MetricsCollector.
func (b *BasicMetricsCollector) RecordQuery(rows int, duration time.Duration, err error) {
	b.QueryCount.Add(1)
	b.QueryRows.Add(int64(rows))
	if err != nil {
		b.QueryErrors.Add(1)
	}
}

// RecordFlush implements MetricsCollector.
func (b *BasicMetricsCollector) RecordFlush(records int, duration time.Duration, err error) {
	b.FlushCount.Add(1)
	b.FlushRecords.Add(int64(records))
	if err != nil {
		b.FlushErrors.Add(1)
	}
}

// RecordEvict implements MetricsCollector.
func (b *BasicMetricsCollector) RecordEvict(evicted int, duration time.Duration) {
	b.EvictCount.Add(1)
	b.EvictRecords.Add(int64(evicted))
}

// GetStats returns a snapshot of current metrics.
func (b *BasicMetricsCollector) GetStats() BasicMetricsStats {
	return BasicMetricsStats{
		InsertCount:    b.InsertCount.Load(),
		InsertErrors:   b.InsertErrors.Load(),
		InsertAvgNanos: avgNanos(b.InsertTotalNanos.Load(), b.InsertCount.Load()),
		GetCount:       b.GetCount.Load(),
		GetHits:        b.GetHits.Load(),
		GetErrors:      b.GetErrors.Load(),
		GetAvgNanos:    avgNanos(b.GetTotalNanos.Load(), b.GetCount.Load()),
		QueryCount:     b.QueryCount.Load(),
		QueryErrors:    b.QueryErrors.Load(),
		QueryRows:      b.QueryRows.Load(),
		FlushCount:     b.FlushCount.Load(),
		FlushErrors:    b.FlushErrors.Load(),
		FlushRecords:   b.FlushRecords.Load(),
		EvictCount:     b.EvictCount.Load(),
		EvictRecords:   b.EvictRecords.Load(),
	}
}

func avgNanos(total, count int64) int64 {
	if count == 0 {
		return 0
	}
	return total / count
}

// BasicMetricsStats is a snapshot of BasicMetricsCollector state.
type BasicMetricsStats struct {
	InsertCount    int64
	InsertErrors   int64
	InsertAvgNanos int64
	GetCount       int64
	GetHits        int64
	GetErrors      int64
	GetAvgNanos    int64
	QueryCount     int64
	QueryErrors    int64
	QueryRows      int64
	FlushCount     int64
	FlushErrors    int64
	FlushRecords   int64
	EvictCount     int64
	EvictRecords   int64
}
