package memdb_test

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/hupe1980/memdb"
	"github.com/hupe1980/memdb/gateway"
)

// Example demonstrates the memory-first write path: inserts land in the
// cache immediately and reach the backing store on flush.
func Example() {
	ctx := context.Background()

	db := memdb.New(gateway.NewMemory())
	if err := db.Start(ctx); err != nil {
		log.Fatal(err)
	}
	defer db.Stop(ctx)

	if err := db.Insert(ctx, "users", "u1", map[string]any{"name": "Alice"}); err != nil {
		log.Fatal(err)
	}

	user, ok, err := db.Get(ctx, "users", "u1")
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(ok, user["name"])
	// Output: true Alice
}

// Example_flush demonstrates forcing persistence instead of waiting for
// the background flush loop.
func Example_flush() {
	ctx := context.Background()

	db := memdb.New(gateway.NewMemory(),
		memdb.WithFlushInterval(time.Minute),
		memdb.WithEvictInterval(time.Minute),
	)
	if err := db.Start(ctx); err != nil {
		log.Fatal(err)
	}
	defer db.Stop(ctx)

	if err := db.Insert(ctx, "orders", "o1", map[string]any{"total": 42}); err != nil {
		log.Fatal(err)
	}
	if err := db.Flush(ctx, "orders"); err != nil {
		log.Fatal(err)
	}

	stats := db.Stats()
	fmt.Println(stats.DirtyRecords, stats.Flushes)
	// Output: 0 1
}
