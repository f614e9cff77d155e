// Package gateway defines the persistence contract between the cache engine
// and the backing store.
//
// The engine depends only on the Gateway interface; the concrete backing
// store lives in a subpackage (postgres, dynamo, bolt) or, for tests, in the
// in-memory implementation of this package.
//
// # Built-in Implementations
//
//   - postgres.Gateway: PostgreSQL with JSONB rows and a GIN payload index
//   - dynamo.Gateway: DynamoDB with filter-expression queries
//   - bolt.Gateway: embedded bbolt store (no predicate queries)
//   - Memory: in-memory store for testing
package gateway

import (
	"context"
	"errors"
)

// KeyField is the reserved field name under which query results carry their
// record key. Payloads must not use it for their own data.
const KeyField = "_key"

var (
	// ErrNotFound is returned by Read when no record exists for the key.
	ErrNotFound = errors.New("gateway: not found")

	// ErrPredicateUnsupported is returned by Query when the backing store
	// cannot interpret a non-empty predicate fragment.
	ErrPredicateUnsupported = errors.New("gateway: predicate not supported")
)

// Row is a (key, payload) pair exchanged with the backing store.
type Row struct {
	Key     string
	Payload map[string]any
}

// Gateway is the narrow interface to the backing store.
//
// Implementations must be safe for concurrent use. Payload maps passed to
// BatchUpsert are only valid for the duration of the call; implementations
// that retain data must copy or serialize it before returning.
type Gateway interface {
	// CreateTable ensures the named table exists, with an index suitable
	// for predicate queries on the payload. It must be idempotent: creating
	// a table that already exists succeeds. The schema description is
	// free-form and not validated against payload shape.
	CreateTable(ctx context.Context, name string, schema map[string]any) error

	// Read returns the payload stored for key, or ErrNotFound.
	Read(ctx context.Context, table, key string) (map[string]any, error)

	// BatchUpsert inserts or updates every row, setting the store-side
	// last-updated timestamp. Partial failure must fail the whole call;
	// the engine never sees partial success.
	BatchUpsert(ctx context.Context, table string, rows []Row) error

	// Query returns up to limit rows matching the predicate fragment. The
	// fragment is opaque to the engine and interpreted by the backing
	// store's native query language; an empty fragment matches all rows.
	Query(ctx context.Context, table, predicate string, limit int) ([]Row, error)

	// Close releases backing-store resources.
	Close(ctx context.Context) error
}
