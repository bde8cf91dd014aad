package repository

import (
	"context"

	"github.com/user/catalog-crawler/internal/entity"
)

// Fetcher retrieves a page and its outbound links. A non-2xx response is
// returned as a result with its status code, not as an error; errors are
// reserved for failures to obtain any response.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (*entity.FetchResult, error)
}

// AssetFetcher downloads a binary asset such as an image.
type AssetFetcher interface {
	FetchAsset(ctx context.Context, url string) (data []byte, contentType string, err error)
}

// Extractor turns page content into site-specific raw facts.
type Extractor interface {
	Extract(pageURL string, content []byte) (map[string]entity.RawValue, error)
}
