// Package bolt implements the persistence gateway on an embedded bbolt
// database: one bucket per table, one file for the whole store. Useful for
// single-node deployments that want durability without a database server.
//
// bbolt has no query language, so Query supports only the empty predicate
// (all rows, in key order); any other fragment returns
// gateway.ErrPredicateUnsupported.
package bolt

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	bbolt "go.etcd.io/bbolt"

	"github.com/hupe1980/memdb/codec"
	"github.com/hupe1980/memdb/gateway"
)

// defaultQueryLimit bounds Query results when the caller passes limit <= 0.
const defaultQueryLimit = 100

// Options configures the gateway.
type Options struct {
	// BucketPrefix is prepended to every bucket name.
	BucketPrefix string

	// Codec serializes payloads into bucket values. Defaults to
	// codec.Default; wrap with codec.NewZstd for compressed storage.
	Codec codec.Codec

	// OpenTimeout bounds how long Open waits for the file lock.
	OpenTimeout time.Duration
}

// DefaultOptions are the defaults used by Open.
var DefaultOptions = Options{
	BucketPrefix: "memdb_",
	Codec:        codec.Default,
	OpenTimeout:  time.Second,
}

// Gateway is a bbolt-backed persistence gateway.
type Gateway struct {
	db     *bbolt.DB
	prefix string
	codec  codec.Codec
}

// Open initializes or opens the store at path.
func Open(path string, optFns ...func(o *Options)) (*Gateway, error) {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Codec == nil {
		opts.Codec = codec.Default
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: opts.OpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt store: %w", err)
	}

	return &Gateway{
		db:     db,
		prefix: opts.BucketPrefix,
		codec:  opts.Codec,
	}, nil
}

func (g *Gateway) bucketName(table string) []byte {
	return []byte(g.prefix + table)
}

// CreateTable creates the table's bucket. Idempotent.
func (g *Gateway) CreateTable(_ context.Context, name string, _ map[string]any) error {
	return g.db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(g.bucketName(name))
		return err
	})
}

// Read returns the payload stored for key, or gateway.ErrNotFound.
func (g *Gateway) Read(_ context.Context, table, key string) (map[string]any, error) {
	var payload map[string]any
	err := g.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(g.bucketName(table))
		if b == nil {
			return gateway.ErrNotFound
		}
		v := b.Get([]byte(key))
		if v == nil {
			return gateway.ErrNotFound
		}
		return g.decodeValue(v, &payload)
	})
	if err != nil {
		return nil, err
	}
	return payload, nil
}

// BatchUpsert writes all rows in a single transaction, so the batch is
// atomic: any failure rolls back every row.
func (g *Gateway) BatchUpsert(_ context.Context, table string, rows []gateway.Row) error {
	if len(rows) == 0 {
		return nil
	}

	now := time.Now().UnixNano()
	return g.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(g.bucketName(table))
		if err != nil {
			return err
		}
		for _, r := range rows {
			data, err := g.codec.Marshal(r.Payload)
			if err != nil {
				return fmt.Errorf("failed to encode payload for %s/%s: %w", table, r.Key, err)
			}
			// Layout: 8 bytes big endian updated-at nanos || codec bytes
			buf := make([]byte, 8+len(data))
			binary.BigEndian.PutUint64(buf[:8], uint64(now))
			copy(buf[8:], data)

			if err := b.Put([]byte(r.Key), buf); err != nil {
				return err
			}
		}
		return nil
	})
}

// Query returns up to limit rows in key order. Only the empty predicate is
// supported.
func (g *Gateway) Query(_ context.Context, table, predicate string, limit int) ([]gateway.Row, error) {
	if predicate != "" {
		return nil, fmt.Errorf("%w: bolt cannot evaluate %q", gateway.ErrPredicateUnsupported, predicate)
	}
	if limit <= 0 {
		limit = defaultQueryLimit
	}

	var rows []gateway.Row
	err := g.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(g.bucketName(table))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.First(); k != nil && len(rows) < limit; k, v = c.Next() {
			var payload map[string]any
			if err := g.decodeValue(v, &payload); err != nil {
				return fmt.Errorf("failed to decode payload for %s/%s: %w", table, k, err)
			}
			rows = append(rows, gateway.Row{Key: string(k), Payload: payload})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// Close closes the underlying database.
func (g *Gateway) Close(context.Context) error {
	return g.db.Close()
}

func (g *Gateway) decodeValue(v []byte, payload *map[string]any) error {
	if len(v) < 8 {
		return fmt.Errorf("corrupt value: %d bytes", len(v))
	}
	return g.codec.Unmarshal(v[8:], payload)
}
