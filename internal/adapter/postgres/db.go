// Package postgres stores finalized entities, the failed-URL audit trail and
// the dedup registry in PostgreSQL.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DB is the subset of *pgxpool.Pool the repositories use.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

var _ DB = (*pgxpool.Pool)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS merged_entities (
	entity_key    TEXT PRIMARY KEY,
	namespace     TEXT NOT NULL,
	primary_name  TEXT NOT NULL,
	variant_year  INTEGER NOT NULL,
	variant_label TEXT NOT NULL,
	fields        JSONB NOT NULL,
	source_urls   TEXT[] NOT NULL,
	assets        JSONB NOT NULL DEFAULT '[]',
	conflicts     TEXT[] NOT NULL DEFAULT '{}',
	first_seen_at TIMESTAMPTZ NOT NULL,
	updated_at    TIMESTAMPTZ NOT NULL,
	finalized_at  TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS failed_urls (
	id                     BIGSERIAL PRIMARY KEY,
	url                    TEXT NOT NULL UNIQUE,
	failure_reason         TEXT NOT NULL,
	http_status_code       INTEGER NOT NULL DEFAULT 0,
	last_attempt_timestamp TIMESTAMPTZ NOT NULL,
	retry_count            INTEGER NOT NULL DEFAULT 0,
	next_retry_at          TIMESTAMPTZ,
	permanent              BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE TABLE IF NOT EXISTS dedup_assets (
	content_hash     TEXT PRIMARY KEY,
	canonical_path   TEXT NOT NULL,
	reference_count  INTEGER NOT NULL,
	first_source_url TEXT NOT NULL DEFAULT '',
	size_bytes       BIGINT NOT NULL DEFAULT 0,
	created_at       TIMESTAMPTZ NOT NULL
);`

// Connect opens a pool and makes sure the schema exists.
func Connect(ctx context.Context, url string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// Migrate creates the tables when they are missing.
func Migrate(ctx context.Context, db DB) error {
	if _, err := db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("create postgres schema: %w", err)
	}
	return nil
}
