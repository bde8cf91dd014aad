package usecase

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/user/catalog-crawler/internal/entity"
	"github.com/user/catalog-crawler/internal/repository"
	"github.com/user/catalog-crawler/pkg/utils"
)

var (
	ErrURLRecentlyCrawled = errors.New("URL has already been crawled and force_crawl is false")
	ErrInvalidURL         = errors.New("URL is not a valid http(s) URL")
	ErrURLRejected        = errors.New("URL is outside the crawl bounds or disallowed")
)

// URLManager answers questions about a running crawl and accepts extra URLs.
type URLManager interface {
	Submit(ctx context.Context, url string, force bool) (string, error)
	GetStatus(ctx context.Context, url string) (*entity.CrawlStatus, error)
	GetEntity(ctx context.Context, key string) (*entity.MergedEntity, error)
	Stats() entity.CrawlStats
}

type urlManagerUseCase struct {
	frontier      *Frontier
	grouper       *Grouper
	entityRepo    repository.EntityRepository
	failedURLRepo repository.FailedURLRepository
	logger        *zap.Logger
}

// NewURLManager creates a new URLManager use case. failedURLRepo may be nil.
func NewURLManager(
	frontier *Frontier,
	grouper *Grouper,
	entityRepo repository.EntityRepository,
	failedURLRepo repository.FailedURLRepository,
	logger *zap.Logger,
) URLManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &urlManagerUseCase{
		frontier:      frontier,
		grouper:       grouper,
		entityRepo:    entityRepo,
		failedURLRepo: failedURLRepo,
		logger:        logger.Named("url_manager"),
	}
}

// Submit queues url in the running crawl and returns its crawl id. With
// force, a URL already fetched in this run is fetched again.
func (uc *urlManagerUseCase) Submit(ctx context.Context, url string, force bool) (string, error) {
	n := utils.Normalize(url)
	if n == utils.InvalidURL {
		return "", ErrInvalidURL
	}
	crawlID := utils.HashURL(n)

	if uc.frontier.IsVisited(n) {
		if !force {
			return crawlID, ErrURLRecentlyCrawled
		}
		uc.frontier.Forget(n)
		uc.logger.Info("Forced recrawl", zap.String("url", n))
	}
	if uc.frontier.IsPending(n) {
		return crawlID, nil
	}
	if !uc.frontier.Enqueue(n) {
		return crawlID, ErrURLRejected
	}
	return crawlID, nil
}

// GetStatus reports the URL's state in this run, falling back to the failure
// audit trail of earlier runs.
func (uc *urlManagerUseCase) GetStatus(ctx context.Context, url string) (*entity.CrawlStatus, error) {
	st := uc.frontier.Status(url)
	if st.CurrentStatus != entity.StatusNotFound || uc.failedURLRepo == nil {
		return &st, nil
	}

	rec, err := uc.failedURLRepo.FindByURL(ctx, st.URL)
	if errors.Is(err, repository.ErrNotFound) {
		return &st, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find failed url: %w", err)
	}
	t := rec.LastAttemptTimestamp
	st.CurrentStatus = entity.StatusFailed
	st.AttemptCount = rec.RetryCount
	st.FailureReason = rec.FailureReason
	st.LastCrawlTimestamp = &t
	return &st, nil
}

// GetEntity returns a finalized entity from the writer, or the live state of
// an entity still being merged.
func (uc *urlManagerUseCase) GetEntity(ctx context.Context, key string) (*entity.MergedEntity, error) {
	k, err := entity.ParseEntityKey(key)
	if err != nil {
		return nil, err
	}
	if uc.entityRepo != nil {
		e, err := uc.entityRepo.FindByKey(ctx, k)
		if err == nil {
			return e, nil
		}
		if !errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("find entity: %w", err)
		}
	}
	if uc.grouper != nil {
		if e, ok := uc.grouper.Get(k); ok {
			return e, nil
		}
	}
	return nil, repository.ErrNotFound
}

// Stats summarizes the crawl.
func (uc *urlManagerUseCase) Stats() entity.CrawlStats {
	return uc.frontier.Stats()
}
