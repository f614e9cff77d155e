package engine

import "time"

// entry is the unit of cached state for one record.
//
// The payload map is owned exclusively by the entry; callers of the engine
// only ever see copies. lastAccess drives eviction, lastWrite drives the
// age-gated flush trigger.
type entry struct {
	payload    map[string]any
	dirty      bool
	lastAccess time.Time
	lastWrite  time.Time
}

// touch records a read access. It never changes the dirty state.
func (en *entry) touch(now time.Time) {
	en.lastAccess = now
}

// markDirty records a mutation. lastWrite is monotonically non-decreasing
// while the entry stays dirty because now comes from a single clock.
func (en *entry) markDirty(now time.Time) {
	en.dirty = true
	en.lastAccess = now
	en.lastWrite = now
}
