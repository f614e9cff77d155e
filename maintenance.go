package memdb

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/memdb/engine"
)

// maintenance runs the two background loops: age-gated flush and idle
// eviction. The loops are independent; each has its own ticker and neither
// cancels the other. They stop together when the owning context is
// canceled.
type maintenance struct {
	engine  *engine.Engine
	logger  *Logger
	metrics MetricsCollector

	flushInterval time.Duration
	evictInterval time.Duration

	g *errgroup.Group
}

func newMaintenance(eng *engine.Engine, logger *Logger, metrics MetricsCollector, flushInterval, evictInterval time.Duration) *maintenance {
	return &maintenance{
		engine:        eng,
		logger:        logger,
		metrics:       metrics,
		flushInterval: flushInterval,
		evictInterval: evictInterval,
	}
}

// start launches both loops. They run until ctx is canceled.
func (m *maintenance) start(ctx context.Context) {
	m.g = &errgroup.Group{}
	m.g.Go(func() error {
		m.flushLoop(ctx)
		return nil
	})
	m.g.Go(func() error {
		m.evictLoop(ctx)
		return nil
	})
}

// wait blocks until both loops have exited.
func (m *maintenance) wait() {
	if m.g != nil {
		_ = m.g.Wait()
	}
}

// flushLoop sleeps for the flush interval, then triggers a full flush only
// if some record has been dirty for at least that interval. The trigger is
// age-gated rather than unconditional, so records churning faster than the
// interval don't amplify writes; the cost is that a record dirtied right
// after a tick can wait up to two intervals before persisting.
func (m *maintenance) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(m.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !m.engine.NeedsFlush(m.engine.Now()) {
				continue
			}
			start := time.Now()
			before := m.engine.Stats().Flushes
			err := m.engine.Flush(ctx, "")
			flushed := int(m.engine.Stats().Flushes - before)
			m.metrics.RecordFlush(flushed, time.Since(start), err)
			if err != nil {
				m.logger.LogMaintenanceError(ctx, "flush", err)
				continue
			}
			m.logger.LogFlush(ctx, "", flushed, nil)
		}
	}
}

// evictLoop sleeps for the eviction interval, then evicts unconditionally.
// EvictIdle itself never errors and never reaches the backing store.
func (m *maintenance) evictLoop(ctx context.Context) {
	ticker := time.NewTicker(m.evictInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			evicted := m.engine.EvictIdle(m.engine.Now())
			m.metrics.RecordEvict(evicted, time.Since(start))
			m.logger.LogEvict(ctx, evicted)
		}
	}
}
