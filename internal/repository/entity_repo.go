package repository

import (
	"context"

	"github.com/user/catalog-crawler/internal/entity"
)

// EntityRepository is the writer for finalized entities.
type EntityRepository interface {
	// Save stores a merged entity. Saving the same key again replaces it.
	Save(ctx context.Context, e *entity.MergedEntity) error
	// FindByKey returns ErrNotFound when the key was never saved.
	FindByKey(ctx context.Context, key entity.EntityKey) (*entity.MergedEntity, error)
}
