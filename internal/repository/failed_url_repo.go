package repository

import (
	"context"

	"github.com/user/catalog-crawler/internal/entity"
)

// FailedURLRepository keeps an audit trail of URLs that could not be fetched.
type FailedURLRepository interface {
	// SaveOrUpdate creates or updates a record for a failed URL.
	SaveOrUpdate(ctx context.Context, failedURL *entity.FailedURL) error
	// FindByURL returns ErrNotFound when the URL has no record.
	FindByURL(ctx context.Context, url string) (*entity.FailedURL, error)
	// Delete removes a failed URL record, typically after a successful crawl.
	Delete(ctx context.Context, url string) error
}
