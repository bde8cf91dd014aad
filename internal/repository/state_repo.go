package repository

import (
	"context"

	"github.com/user/catalog-crawler/internal/entity"
)

// StateRepository persists crawl snapshots for resumption.
type StateRepository interface {
	// Save replaces the stored snapshot.
	Save(ctx context.Context, snap *entity.CrawlSnapshot) error
	// Load returns ErrNotFound when nothing is stored and ErrSnapshotCorrupt
	// when the stored bytes cannot be decoded.
	Load(ctx context.Context) (*entity.CrawlSnapshot, error)
	// Clear removes the stored snapshot.
	Clear(ctx context.Context) error
}
