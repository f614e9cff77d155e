package engine

// Stats is a point-in-time snapshot of engine counters, taken under the
// engine lock. Counters are monotonic for the lifetime of the process.
type Stats struct {
	CacheHits   uint64 `json:"cache_hits"`
	CacheMisses uint64 `json:"cache_misses"`
	Inserts     uint64 `json:"inserts"`
	Flushes     uint64 `json:"flushes"`
	Evictions   uint64 `json:"evictions"`

	// Derived totals.
	CachedRecords int `json:"cached_records"`
	DirtyRecords  int `json:"dirty_records"`
	Tables        int `json:"tables"`
}
