package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/user/catalog-crawler/internal/entity"
	"github.com/user/catalog-crawler/internal/repository"
)

var (
	_ repository.StateRepository     = (*StateRepo)(nil)
	_ repository.EntityRepository    = (*EntityRepo)(nil)
	_ repository.FailedURLRepository = (*FailedURLRepo)(nil)
	_ repository.AssetRepository     = (*AssetRepo)(nil)
)

// StateRepo keeps one snapshot per namespace.
type StateRepo struct {
	db        *sql.DB
	namespace string
}

// Save replaces the stored snapshot.
func (r *StateRepo) Save(ctx context.Context, snap *entity.CrawlSnapshot) error {
	data, err := entity.EncodeSnapshot(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO snapshots (namespace, data, taken_at) VALUES (?, ?, ?)
		ON CONFLICT (namespace) DO UPDATE SET data = excluded.data, taken_at = excluded.taken_at`,
		r.key(), data, formatTime(snap.TakenAt))
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// Load returns the stored snapshot.
func (r *StateRepo) Load(ctx context.Context) (*entity.CrawlSnapshot, error) {
	var data []byte
	err := r.db.QueryRowContext(ctx, `SELECT data FROM snapshots WHERE namespace = ?`, r.key()).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	return entity.DecodeSnapshot(data)
}

// Clear removes the stored snapshot.
func (r *StateRepo) Clear(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM snapshots WHERE namespace = ?`, r.key())
	return err
}

func (r *StateRepo) key() string {
	return strings.ToLower(strings.TrimSpace(r.namespace))
}

// EntityRepo stores finalized entities as JSON documents.
type EntityRepo struct {
	db *sql.DB
}

// Save stores or replaces e.
func (r *EntityRepo) Save(ctx context.Context, e *entity.MergedEntity) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal entity: %w", err)
	}
	k := e.Key.Canonical()
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO entities (entity_key, namespace, data, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (entity_key) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		k.String(), k.Namespace, string(data), formatTime(e.UpdatedAt))
	if err != nil {
		return fmt.Errorf("save entity %s: %w", k, err)
	}
	return nil
}

// FindByKey loads a saved entity.
func (r *EntityRepo) FindByKey(ctx context.Context, key entity.EntityKey) (*entity.MergedEntity, error) {
	var data string
	err := r.db.QueryRowContext(ctx, `SELECT data FROM entities WHERE entity_key = ?`, key.String()).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find entity %s: %w", key, err)
	}
	var e entity.MergedEntity
	if err := json.Unmarshal([]byte(data), &e); err != nil {
		return nil, fmt.Errorf("decode entity %s: %w", key, err)
	}
	return &e, nil
}

// FailedURLRepo is the failed-URL audit trail.
type FailedURLRepo struct {
	db *sql.DB
}

// SaveOrUpdate creates or updates the record for a failed URL.
func (r *FailedURLRepo) SaveOrUpdate(ctx context.Context, f *entity.FailedURL) error {
	var next sql.NullString
	if f.NextRetryAt != nil {
		next = sql.NullString{String: formatTime(*f.NextRetryAt), Valid: true}
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO failed_urls (url, failure_reason, http_status_code, last_attempt_at, retry_count, next_retry_at, permanent)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (url) DO UPDATE SET
			failure_reason = excluded.failure_reason,
			http_status_code = excluded.http_status_code,
			last_attempt_at = excluded.last_attempt_at,
			retry_count = excluded.retry_count,
			next_retry_at = excluded.next_retry_at,
			permanent = excluded.permanent`,
		f.URL, f.FailureReason, f.HTTPStatusCode, formatTime(f.LastAttemptTimestamp), f.RetryCount, next, f.Permanent)
	if err != nil {
		return fmt.Errorf("save failed url %s: %w", f.URL, err)
	}
	return nil
}

// FindByURL returns the record for url.
func (r *FailedURLRepo) FindByURL(ctx context.Context, url string) (*entity.FailedURL, error) {
	var (
		f         entity.FailedURL
		id        int64
		last      string
		next      sql.NullString
		permanent bool
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT rowid, url, failure_reason, http_status_code, last_attempt_at, retry_count, next_retry_at, permanent
		FROM failed_urls WHERE url = ?`, url).
		Scan(&id, &f.URL, &f.FailureReason, &f.HTTPStatusCode, &last, &f.RetryCount, &next, &permanent)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find failed url %s: %w", url, err)
	}
	f.ID, f.Permanent = id, permanent
	if f.LastAttemptTimestamp, err = parseTime(last); err != nil {
		return nil, fmt.Errorf("parse last attempt of %s: %w", url, err)
	}
	if next.Valid {
		t, err := parseTime(next.String)
		if err != nil {
			return nil, fmt.Errorf("parse next retry of %s: %w", url, err)
		}
		f.NextRetryAt = &t
	}
	return &f, nil
}

// Delete removes the record for url.
func (r *FailedURLRepo) Delete(ctx context.Context, url string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM failed_urls WHERE url = ?`, url)
	if err != nil {
		return fmt.Errorf("delete failed url %s: %w", url, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// AssetRepo persists dedup entries.
type AssetRepo struct {
	db *sql.DB
}

// Upsert stores e. Only the reference count of an existing entry changes.
func (r *AssetRepo) Upsert(ctx context.Context, e *entity.DedupEntry) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO dedup_assets (content_hash, canonical_path, reference_count, first_source_url, size_bytes, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (content_hash) DO UPDATE SET
			reference_count = max(dedup_assets.reference_count, excluded.reference_count)`,
		e.ContentHash, e.CanonicalPath, e.ReferenceCount, e.FirstSourceURL, e.SizeBytes, formatTime(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("upsert asset %s: %w", e.ContentHash, err)
	}
	return nil
}

// List returns every entry ordered by hash.
func (r *AssetRepo) List(ctx context.Context) ([]*entity.DedupEntry, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT content_hash, canonical_path, reference_count, first_source_url, size_bytes, created_at
		FROM dedup_assets ORDER BY content_hash`)
	if err != nil {
		return nil, fmt.Errorf("list assets: %w", err)
	}
	defer rows.Close()

	var out []*entity.DedupEntry
	for rows.Next() {
		var (
			e       entity.DedupEntry
			created string
		)
		if err := rows.Scan(&e.ContentHash, &e.CanonicalPath, &e.ReferenceCount, &e.FirstSourceURL, &e.SizeBytes, &created); err != nil {
			return nil, fmt.Errorf("scan asset: %w", err)
		}
		if e.CreatedAt, err = parseTime(created); err != nil {
			return nil, fmt.Errorf("parse asset time: %w", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}
