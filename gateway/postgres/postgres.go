// Package postgres implements the persistence gateway on PostgreSQL.
//
// Each table is stored as memdb_<name> with a TEXT primary key and a JSONB
// payload column carrying a GIN index, so predicate fragments can use the
// full JSONB operator set (e.g. `data->>'status' = 'active'`).
//
// The predicate fragment is spliced into the query verbatim; it is part of
// the trusted configuration surface, not end-user input.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hupe1980/memdb/codec"
	"github.com/hupe1980/memdb/gateway"
)

// defaultQueryLimit bounds Query results when the caller passes limit <= 0.
const defaultQueryLimit = 100

var identRE = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Options configures the gateway.
type Options struct {
	// MaxConns is the connection pool size.
	MaxConns int32

	// TablePrefix is prepended to every table name in the database.
	TablePrefix string

	// Codec serializes payloads into the JSONB column. Must produce valid
	// JSON; defaults to codec.Default.
	Codec codec.Codec
}

// DefaultOptions are the defaults used by Open.
var DefaultOptions = Options{
	MaxConns:    10,
	TablePrefix: "memdb_",
	Codec:       codec.Default,
}

// Gateway is a PostgreSQL-backed persistence gateway.
type Gateway struct {
	pool   *pgxpool.Pool
	prefix string
	codec  codec.Codec
}

// Open connects to PostgreSQL and returns a Gateway.
func Open(ctx context.Context, connString string, optFns ...func(o *Options)) (*Gateway, error) {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Codec == nil {
		opts.Codec = codec.Default
	}

	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	if opts.MaxConns > 0 {
		cfg.MaxConns = opts.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	return &Gateway{
		pool:   pool,
		prefix: opts.TablePrefix,
		codec:  opts.Codec,
	}, nil
}

// tableName maps a logical table to its database identifier, rejecting
// anything that is not a plain identifier (table names end up spliced into
// DDL and queries).
func (g *Gateway) tableName(name string) (string, error) {
	full := g.prefix + name
	if !identRE.MatchString(full) {
		return "", fmt.Errorf("invalid table name %q", name)
	}
	return full, nil
}

// CreateTable creates the backing table and its GIN payload index.
// Idempotent via IF NOT EXISTS.
func (g *Gateway) CreateTable(ctx context.Context, name string, _ map[string]any) error {
	tbl, err := g.tableName(name)
	if err != nil {
		return err
	}

	ddl := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			key TEXT PRIMARY KEY,
			data JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`, tbl)
	if _, err := g.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("failed to create table %s: %w", tbl, err)
	}

	idx := fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_data ON %s USING GIN (data)", tbl, tbl)
	if _, err := g.pool.Exec(ctx, idx); err != nil {
		return fmt.Errorf("failed to create index on %s: %w", tbl, err)
	}
	return nil
}

// Read returns the payload stored for key, or gateway.ErrNotFound.
func (g *Gateway) Read(ctx context.Context, table, key string) (map[string]any, error) {
	tbl, err := g.tableName(table)
	if err != nil {
		return nil, err
	}

	var raw []byte
	err = g.pool.QueryRow(ctx, fmt.Sprintf("SELECT data FROM %s WHERE key = $1", tbl), key).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, gateway.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s/%s: %w", table, key, err)
	}

	var payload map[string]any
	if err := g.codec.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("failed to decode payload for %s/%s: %w", table, key, err)
	}
	return payload, nil
}

// BatchUpsert inserts or updates all rows in one transaction, bumping
// updated_at server-side. The transaction makes the whole batch atomic: any
// failure rolls back every row.
func (g *Gateway) BatchUpsert(ctx context.Context, table string, rows []gateway.Row) error {
	if len(rows) == 0 {
		return nil
	}
	tbl, err := g.tableName(table)
	if err != nil {
		return err
	}

	sql := fmt.Sprintf(`
		INSERT INTO %s (key, data, updated_at) VALUES ($1, $2, NOW())
		ON CONFLICT (key) DO UPDATE SET data = EXCLUDED.data, updated_at = NOW()`, tbl)

	batch := &pgx.Batch{}
	for _, r := range rows {
		data, err := g.codec.Marshal(r.Payload)
		if err != nil {
			return fmt.Errorf("failed to encode payload for %s/%s: %w", table, r.Key, err)
		}
		batch.Queue(sql, r.Key, data)
	}

	tx, err := g.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin upsert transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	br := tx.SendBatch(ctx, batch)
	for range rows {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return fmt.Errorf("failed to upsert into %s: %w", table, err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("failed to close upsert batch: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit upsert: %w", err)
	}
	return nil
}

// Query returns up to limit rows matching the predicate fragment, which is
// appended as a raw WHERE clause. An empty fragment matches all rows.
func (g *Gateway) Query(ctx context.Context, table, predicate string, limit int) ([]gateway.Row, error) {
	tbl, err := g.tableName(table)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultQueryLimit
	}

	sql := fmt.Sprintf("SELECT key, data FROM %s", tbl)
	if predicate != "" {
		sql += " WHERE " + predicate
	}
	sql += fmt.Sprintf(" LIMIT %d", limit)

	rows, err := g.pool.Query(ctx, sql)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", table, err)
	}
	defer rows.Close()

	var out []gateway.Row
	for rows.Next() {
		var key string
		var raw []byte
		if err := rows.Scan(&key, &raw); err != nil {
			return nil, fmt.Errorf("failed to scan row from %s: %w", table, err)
		}
		var payload map[string]any
		if err := g.codec.Unmarshal(raw, &payload); err != nil {
			return nil, fmt.Errorf("failed to decode payload for %s/%s: %w", table, key, err)
		}
		out = append(out, gateway.Row{Key: key, Payload: payload})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", table, err)
	}
	return out, nil
}

// Close releases the connection pool.
func (g *Gateway) Close(context.Context) error {
	g.pool.Close()
	return nil
}
