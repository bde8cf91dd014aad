package postgres

import (
	"context"
	"fmt"

	"github.com/user/catalog-crawler/internal/entity"
	"github.com/user/catalog-crawler/internal/repository"
)

// AssetRepoImpl implements repository.AssetRepository on the dedup_assets table.
type AssetRepoImpl struct {
	db DB
}

var _ repository.AssetRepository = (*AssetRepoImpl)(nil)

// NewAssetRepo creates a new instance of AssetRepoImpl.
func NewAssetRepo(db DB) *AssetRepoImpl {
	return &AssetRepoImpl{db: db}
}

// Upsert stores a dedup entry. The stored path and first source never change.
func (r *AssetRepoImpl) Upsert(ctx context.Context, e *entity.DedupEntry) error {
	query := `
		INSERT INTO dedup_assets (content_hash, canonical_path, reference_count, first_source_url, size_bytes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (content_hash) DO UPDATE SET
			reference_count = GREATEST(dedup_assets.reference_count, EXCLUDED.reference_count);
	`
	_, err := r.db.Exec(ctx, query,
		e.ContentHash,
		e.CanonicalPath,
		e.ReferenceCount,
		e.FirstSourceURL,
		e.SizeBytes,
		e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert asset %s: %w", e.ContentHash, err)
	}
	return nil
}

// List returns every stored entry.
func (r *AssetRepoImpl) List(ctx context.Context) ([]*entity.DedupEntry, error) {
	rows, err := r.db.Query(ctx, `
		SELECT content_hash, canonical_path, reference_count, first_source_url, size_bytes, created_at
		FROM dedup_assets
		ORDER BY content_hash;
	`)
	if err != nil {
		return nil, fmt.Errorf("list assets: %w", err)
	}
	defer rows.Close()

	var out []*entity.DedupEntry
	for rows.Next() {
		var e entity.DedupEntry
		if err := rows.Scan(&e.ContentHash, &e.CanonicalPath, &e.ReferenceCount, &e.FirstSourceURL, &e.SizeBytes, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan asset: %w", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}
