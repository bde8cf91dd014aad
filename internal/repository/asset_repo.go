package repository

import (
	"context"

	"github.com/user/catalog-crawler/internal/entity"
)

// AssetStore writes asset bytes under a relative path.
type AssetStore interface {
	Write(ctx context.Context, relPath string, data []byte) error
	Exists(ctx context.Context, relPath string) (bool, error)
}

// AssetRepository persists dedup entries so they survive restarts.
type AssetRepository interface {
	Upsert(ctx context.Context, e *entity.DedupEntry) error
	List(ctx context.Context) ([]*entity.DedupEntry, error)
}
