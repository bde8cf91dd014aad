// Package httpfetch fetches pages and assets over plain HTTP.
package httpfetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/user/catalog-crawler/internal/entity"
	"github.com/user/catalog-crawler/internal/repository"
	"github.com/user/catalog-crawler/pkg/utils"
)

// Options controls HTTP fetching.
type Options struct {
	Timeout       time.Duration
	MaxBodyBytes  int64
	MaxAssetBytes int64
	Proxies       []string
	UserAgents    []string
	Headers       map[string]string
}

// Fetcher implements repository.Fetcher and repository.AssetFetcher.
type Fetcher struct {
	client        *http.Client
	rotator       *Rotator
	headers       map[string]string
	maxBodyBytes  int64
	maxAssetBytes int64
	logger        *zap.Logger
}

var (
	_ repository.Fetcher      = (*Fetcher)(nil)
	_ repository.AssetFetcher = (*Fetcher)(nil)
)

// New creates a fetcher.
func New(opts Options, logger *zap.Logger) (*Fetcher, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 10 << 20
	}
	if opts.MaxAssetBytes <= 0 {
		opts.MaxAssetBytes = 25 << 20
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	rotator, err := NewRotator(opts.Proxies, opts.UserAgents)
	if err != nil {
		return nil, err
	}

	transport := &http.Transport{
		Proxy:                 rotator.Proxy,
		DialContext:           (&net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
	return &Fetcher{
		client:        &http.Client{Timeout: opts.Timeout, Transport: transport},
		rotator:       rotator,
		headers:       opts.Headers,
		maxBodyBytes:  opts.MaxBodyBytes,
		maxAssetBytes: opts.MaxAssetBytes,
		logger:        logger.Named("httpfetch"),
	}, nil
}

// Fetch downloads pageURL. Non-2xx responses are returned as results.
func (f *Fetcher) Fetch(ctx context.Context, pageURL string) (*entity.FetchResult, error) {
	start := time.Now()
	resp, err := f.do(ctx, pageURL, "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := readLimited(resp.Body, f.maxBodyBytes)
	if err != nil {
		return nil, &entity.FetchError{Kind: entity.Transient, StatusCode: resp.StatusCode, Err: fmt.Errorf("%w: %w", repository.ErrExtractionFailed, err)}
	}

	res := &entity.FetchResult{
		URL:         pageURL,
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Content:     body,
		Duration:    time.Since(start),
	}
	if resp.StatusCode < 300 && isHTML(res.ContentType) {
		final := pageURL
		if resp.Request != nil && resp.Request.URL != nil {
			final = resp.Request.URL.String()
		}
		res.Links = ExtractLinks(final, body)
	}
	f.logger.Debug("Fetched",
		zap.String("url", pageURL),
		zap.Int("status", resp.StatusCode),
		zap.Int("bytes", len(body)),
		zap.Duration("duration", res.Duration),
	)
	return res, nil
}

// FetchAsset downloads a binary asset. Non-2xx responses are errors.
func (f *Fetcher) FetchAsset(ctx context.Context, assetURL string) ([]byte, string, error) {
	resp, err := f.do(ctx, assetURL, "image/avif,image/webp,image/*,*/*;q=0.8")
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, "", entity.NewStatusError(resp.StatusCode)
	}
	data, err := readLimited(resp.Body, f.maxAssetBytes)
	if err != nil {
		return nil, "", fmt.Errorf("read asset %s: %w", assetURL, err)
	}
	return data, resp.Header.Get("Content-Type"), nil
}

func (f *Fetcher) do(ctx context.Context, target, accept string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, &entity.FetchError{Kind: entity.Permanent, Err: fmt.Errorf("%w: build request: %w", repository.ErrNavigationFailed, err)}
	}
	req.Header.Set("User-Agent", f.rotator.UserAgent())
	req.Header.Set("Accept", accept)
	req.Header.Set("Accept-Language", "en-US,en;q=0.8")
	for k, v := range f.headers {
		req.Header.Set(k, v)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) || isTimeout(err) {
			return nil, &entity.FetchError{Kind: entity.Transient, Err: fmt.Errorf("%w: %w", repository.ErrCrawlTimeout, err)}
		}
		// No response at all: dropped connections, resets, DNS and TLS
		// failures may all clear up, so only status codes are permanent.
		return nil, &entity.FetchError{Kind: entity.Transient, Err: fmt.Errorf("%w: %w", repository.ErrNavigationFailed, err)}
	}
	return resp, nil
}

// ExtractLinks returns the normalized same-site links of an HTML page.
func ExtractLinks(pageURL string, content []byte) []string {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(content))
	if err != nil {
		return nil
	}
	var hrefs []string
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		if rel, _ := s.Attr("rel"); strings.Contains(rel, "nofollow") {
			return
		}
		href, _ := s.Attr("href")
		hrefs = append(hrefs, href)
	})

	out := make([]string, 0, len(hrefs))
	for _, link := range utils.ResolveAll(pageURL, hrefs) {
		if utils.IsInternal(pageURL, link) {
			out = append(out, link)
		}
	}
	return out
}

func readLimited(r io.Reader, limit int64) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > limit {
		return nil, fmt.Errorf("response body exceeds limit of %d bytes", limit)
	}
	return body, nil
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func isHTML(contentType string) bool {
	ct := strings.ToLower(contentType)
	return ct == "" || strings.Contains(ct, "html")
}
