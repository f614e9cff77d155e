package memdb

import (
	"log/slog"
	"time"
)

type options struct {
	flushInterval    time.Duration
	evictInterval    time.Duration
	metricsCollector MetricsCollector
	logger           *Logger
	clock            func() time.Time
}

// Option configures MemDB construction. All values are process-lifetime
// constants; there is no runtime reconfiguration.
type Option func(*options)

// WithFlushInterval sets the period of the background flush loop. It is
// also the age a record must have been dirty before the loop forces
// persistence, so a record dirtied right after a tick can wait up to two
// intervals. Defaults to 10 minutes.
func WithFlushInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.flushInterval = d
		}
	}
}

// WithEvictInterval sets the period of the background eviction loop. It is
// also the idle threshold: a clean record unread for longer than this is
// dropped from memory on the next pass. Defaults to 10 minutes.
func WithEvictInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.evictInterval = d
		}
	}
}

// WithMetricsCollector configures a metrics collector for monitoring
// operations. Pass nil to disable metrics collection.
//
// Example with BasicMetricsCollector:
//
//	metrics := &memdb.BasicMetricsCollector{}
//	db := memdb.New(gw, memdb.WithMetricsCollector(metrics))
//	// ... use db ...
//	stats := metrics.GetStats()
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(o *options) {
		if mc == nil {
			mc = NoopMetricsCollector{}
		}
		o.metricsCollector = mc
	}
}

// WithLogger configures structured logging for operations.
// Pass nil to disable logging.
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		if logger == nil {
			logger = NoopLogger()
		}
		o.logger = logger
	}
}

// WithLogLevel creates a text logger with the specified level and sets it.
// Convenience wrapper for WithLogger(NewTextLogger(level)).
func WithLogLevel(level slog.Level) Option {
	return func(o *options) {
		o.logger = NewTextLogger(level)
	}
}

// WithClock overrides the time source. Used by tests to control eviction
// and flush aging deterministically.
func WithClock(clock func() time.Time) Option {
	return func(o *options) {
		if clock != nil {
			o.clock = clock
		}
	}
}

func applyOptions(optFns []Option) options {
	o := options{
		flushInterval:    10 * time.Minute,
		evictInterval:    10 * time.Minute,
		metricsCollector: NoopMetricsCollector{},
		logger:           NoopLogger(),
		clock:            time.Now,
	}
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	return o
}

// GetOption configures a single Get call.
type GetOption func(*getOptions)

type getOptions struct {
	useCache bool
}

// WithoutCache makes Get bypass the cache check and skip caching the loaded
// record, reading straight through to the backing store.
func WithoutCache() GetOption {
	return func(o *getOptions) {
		o.useCache = false
	}
}
