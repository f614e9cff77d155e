// Package resource bounds the load a gateway may put on its backing store.
package resource

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Config holds resource limits for backing-store access.
type Config struct {
	// MaxConcurrentCalls is the maximum number of in-flight gateway calls.
	// If 0, defaults to 1.
	MaxConcurrentCalls int64

	// RowLimitPerSec caps how many rows per second may be pushed to the
	// backing store. If 0, unlimited.
	RowLimitPerSec int64
}

// Controller serializes access to a limited backing store. Gateways acquire
// a call slot around each network operation and row tokens before batch
// writes.
type Controller struct {
	cfg Config

	callSem  *semaphore.Weighted
	inFlight atomic.Int64

	rowLimiter *rate.Limiter
}

// NewController creates a new resource controller.
func NewController(cfg Config) *Controller {
	if cfg.MaxConcurrentCalls <= 0 {
		cfg.MaxConcurrentCalls = 1
	}

	c := &Controller{
		cfg:     cfg,
		callSem: semaphore.NewWeighted(cfg.MaxConcurrentCalls),
	}

	if cfg.RowLimitPerSec > 0 {
		c.rowLimiter = rate.NewLimiter(rate.Limit(cfg.RowLimitPerSec), int(cfg.RowLimitPerSec))
	}

	return c
}

// AcquireCall reserves a gateway call slot, blocking until one is free or
// ctx is canceled. A nil controller imposes no limit.
func (c *Controller) AcquireCall(ctx context.Context) error {
	if c == nil {
		return nil
	}
	if err := c.callSem.Acquire(ctx, 1); err != nil {
		return err
	}
	c.inFlight.Add(1)
	return nil
}

// ReleaseCall releases a gateway call slot.
func (c *Controller) ReleaseCall() {
	if c == nil {
		return
	}
	c.callSem.Release(1)
	c.inFlight.Add(-1)
}

// InFlight returns the number of gateway calls currently holding a slot.
func (c *Controller) InFlight() int64 {
	if c == nil {
		return 0
	}
	return c.inFlight.Load()
}

// AcquireRows waits until the rate limit allows n more rows to be written.
func (c *Controller) AcquireRows(ctx context.Context, n int) error {
	if c == nil || c.rowLimiter == nil {
		return nil
	}
	return c.rowLimiter.WaitN(ctx, n)
}
