// Package engine implements the cache-consistency core of memdb.
//
// The engine owns all mutable cache state: per-table entry maps, per-table
// dirty-key sets, the schema registry, and the statistics counters. A single
// mutex serializes every logical operation, so an entry's dirty flag and its
// dirty-set membership always change together and no caller can observe a
// half-updated entry.
//
// # Write-back
//
// Insert lands in memory and marks the entry dirty; Flush later pushes all
// dirty entries of a table to the gateway in one batch and clears their
// flags inside the same critical section as the snapshot. A failed batch
// leaves every entry dirty, so the next Flush naturally retries.
//
// # Read-through
//
// Get serves cache hits from memory. On a miss it point-reads the gateway
// while still holding the engine lock and caches the loaded entry clean.
// Holding the lock across the read trades throughput for a hard guarantee:
// a concurrent flush can never interleave with the insertion of a freshly
// loaded clean entry into the same slot. This is the accepted bottleneck of
// the coarse-grained design; shard the lock if it ever matters, but keep
// the per-key linearizability and the never-evict-dirty invariant.
//
// # Eviction
//
// EvictIdle removes entries that are clean and idle past the configured
// threshold. Dirty entries are never evicted, regardless of idle time.
package engine
