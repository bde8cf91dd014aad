package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/user/catalog-crawler/internal/entity"
	"github.com/user/catalog-crawler/internal/repository"
)

// FailedURLRepoImpl implements repository.FailedURLRepository on the failed_urls table.
type FailedURLRepoImpl struct {
	db DB
}

var _ repository.FailedURLRepository = (*FailedURLRepoImpl)(nil)

// NewFailedURLRepo creates a new instance of FailedURLRepoImpl.
func NewFailedURLRepo(db DB) *FailedURLRepoImpl {
	return &FailedURLRepoImpl{db: db}
}

// SaveOrUpdate creates or updates a record for a failed URL. The retry count
// comes from the frontier, which caps it at the retry budget.
func (r *FailedURLRepoImpl) SaveOrUpdate(ctx context.Context, failedURL *entity.FailedURL) error {
	query := `
		INSERT INTO failed_urls (url, failure_reason, http_status_code, last_attempt_timestamp, retry_count, next_retry_at, permanent)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (url) DO UPDATE SET
			failure_reason = EXCLUDED.failure_reason,
			http_status_code = EXCLUDED.http_status_code,
			last_attempt_timestamp = EXCLUDED.last_attempt_timestamp,
			retry_count = EXCLUDED.retry_count,
			next_retry_at = EXCLUDED.next_retry_at,
			permanent = EXCLUDED.permanent;
	`
	_, err := r.db.Exec(ctx, query,
		failedURL.URL,
		failedURL.FailureReason,
		failedURL.HTTPStatusCode,
		failedURL.LastAttemptTimestamp,
		failedURL.RetryCount,
		failedURL.NextRetryAt,
		failedURL.Permanent,
	)
	if err != nil {
		return fmt.Errorf("save failed url %s: %w", failedURL.URL, err)
	}
	return nil
}

// FindByURL returns the record for url.
func (r *FailedURLRepoImpl) FindByURL(ctx context.Context, url string) (*entity.FailedURL, error) {
	query := `
		SELECT id, url, failure_reason, http_status_code, last_attempt_timestamp, retry_count, next_retry_at, permanent
		FROM failed_urls
		WHERE url = $1;
	`
	var fu entity.FailedURL
	err := r.db.QueryRow(ctx, query, url).Scan(
		&fu.ID,
		&fu.URL,
		&fu.FailureReason,
		&fu.HTTPStatusCode,
		&fu.LastAttemptTimestamp,
		&fu.RetryCount,
		&fu.NextRetryAt,
		&fu.Permanent,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find failed url %s: %w", url, err)
	}
	return &fu, nil
}

// Delete removes a failed URL record, typically after a successful crawl.
func (r *FailedURLRepoImpl) Delete(ctx context.Context, url string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM failed_urls WHERE url = $1;`, url)
	if err != nil {
		return fmt.Errorf("delete failed url %s: %w", url, err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}
