// Package sqlite is the single-file local backend: crawl snapshots, finalized
// entities, the failed-URL audit trail and the dedup registry.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

const fileName = "crawler.db"

const schema = `
CREATE TABLE IF NOT EXISTS snapshots (
	namespace TEXT PRIMARY KEY,
	data      BLOB NOT NULL,
	taken_at  TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS entities (
	entity_key TEXT PRIMARY KEY,
	namespace  TEXT NOT NULL,
	data       TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS failed_urls (
	url              TEXT PRIMARY KEY,
	failure_reason   TEXT NOT NULL,
	http_status_code INTEGER NOT NULL DEFAULT 0,
	last_attempt_at  TEXT NOT NULL,
	retry_count      INTEGER NOT NULL DEFAULT 0,
	next_retry_at    TEXT,
	permanent        INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS dedup_assets (
	content_hash     TEXT PRIMARY KEY,
	canonical_path   TEXT NOT NULL,
	reference_count  INTEGER NOT NULL,
	first_source_url TEXT NOT NULL DEFAULT '',
	size_bytes       INTEGER NOT NULL DEFAULT 0,
	created_at       TEXT NOT NULL
);`

// Store owns the database handle shared by the repositories.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database under dir.
func Open(ctx context.Context, dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	db, err := sql.Open("sqlite", filepath.Join(dir, fileName)+"?mode=rwc")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	for _, stmt := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		schema,
	} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init sqlite: %w", err)
		}
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// State returns the snapshot repository for namespace.
func (s *Store) State(namespace string) *StateRepo {
	return &StateRepo{db: s.db, namespace: namespace}
}

// Entities returns the finalized entity repository.
func (s *Store) Entities() *EntityRepo { return &EntityRepo{db: s.db} }

// FailedURLs returns the failed-URL repository.
func (s *Store) FailedURLs() *FailedURLRepo { return &FailedURLRepo{db: s.db} }

// Assets returns the dedup entry repository.
func (s *Store) Assets() *AssetRepo { return &AssetRepo{db: s.db} }

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
