// Package chromedp_crawler fetches pages with a headless browser for sites
// that render their catalog client-side.
package chromedp_crawler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/user/catalog-crawler/internal/entity"
	"github.com/user/catalog-crawler/internal/repository"
	"github.com/user/catalog-crawler/pkg/utils"
)

const linksScript = `Array.from(document.querySelectorAll('a[href]'))
	.filter(a => !(a.rel || '').includes('nofollow'))
	.map(a => a.href)`

// Options configures the browser.
type Options struct {
	UserAgent       string
	PageLoadTimeout time.Duration
	Headless        bool
}

// ChromedpCrawler implements repository.Fetcher. One browser process is
// shared; every fetch runs in its own tab.
type ChromedpCrawler struct {
	browserCtx  context.Context
	cancelAlloc context.CancelFunc
	cancelTabs  context.CancelFunc
	timeout     time.Duration
	logger      *zap.Logger
}

var _ repository.Fetcher = (*ChromedpCrawler)(nil)

// NewChromedpCrawler starts the browser. Close releases it.
func NewChromedpCrawler(opts Options, logger *zap.Logger) (*ChromedpCrawler, error) {
	if opts.PageLoadTimeout <= 0 {
		opts.PageLoadTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", opts.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
	)
	if opts.UserAgent != "" {
		allocOpts = append(allocOpts, chromedp.UserAgent(opts.UserAgent))
	}
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(context.Background(), allocOpts...)
	browserCtx, cancelTabs := chromedp.NewContext(allocCtx, chromedp.WithLogf(logger.Sugar().Debugf))

	// Start the browser now so configuration errors surface at startup.
	if err := chromedp.Run(browserCtx); err != nil {
		cancelTabs()
		cancelAlloc()
		return nil, fmt.Errorf("start browser: %w", err)
	}
	return &ChromedpCrawler{
		browserCtx:  browserCtx,
		cancelAlloc: cancelAlloc,
		cancelTabs:  cancelTabs,
		timeout:     opts.PageLoadTimeout,
		logger:      logger.Named("chromedp"),
	}, nil
}

// Fetch loads pageURL in a new tab and returns the rendered HTML, the status
// of the main document and its same-site links.
func (c *ChromedpCrawler) Fetch(ctx context.Context, pageURL string) (*entity.FetchResult, error) {
	tabCtx, cancel := chromedp.NewContext(c.browserCtx)
	defer cancel()
	tabCtx, cancelTimeout := context.WithTimeout(tabCtx, c.timeout)
	defer cancelTimeout()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	doc := &documentResponse{}
	chromedp.ListenTarget(tabCtx, doc.listen)

	var (
		html  string
		hrefs []string
	)
	start := time.Now()
	err := chromedp.Run(tabCtx,
		network.Enable(),
		chromedp.Navigate(pageURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
		chromedp.Evaluate(linksScript, &hrefs),
	)
	elapsed := time.Since(start)
	if err != nil {
		c.logger.Warn("Navigation failed", zap.String("url", pageURL), zap.Error(err))
		return nil, classify(ctx, tabCtx, err)
	}

	status, contentType := doc.get()
	if status == 0 {
		status = 200
	}
	c.logger.Debug("Page rendered",
		zap.String("url", pageURL),
		zap.Int("status", status),
		zap.Duration("duration", elapsed),
	)
	return &entity.FetchResult{
		URL:         pageURL,
		StatusCode:  status,
		ContentType: contentType,
		Content:     []byte(html),
		Links:       sameSiteLinks(pageURL, hrefs),
		Duration:    elapsed,
	}, nil
}

// Close shuts the browser down.
func (c *ChromedpCrawler) Close() {
	c.cancelTabs()
	c.cancelAlloc()
}

// documentResponse captures the first document response of a tab.
type documentResponse struct {
	mu          sync.Mutex
	status      int
	contentType string
}

func (d *documentResponse) listen(ev any) {
	e, ok := ev.(*network.EventResponseReceived)
	if !ok || e.Type != network.ResourceTypeDocument || e.Response == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.status == 0 {
		d.status = int(e.Response.Status)
		d.contentType = e.Response.MimeType
	}
}

func (d *documentResponse) get() (int, string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status, d.contentType
}

func classify(callerCtx, tabCtx context.Context, err error) error {
	if errors.Is(tabCtx.Err(), context.DeadlineExceeded) || errors.Is(callerCtx.Err(), context.DeadlineExceeded) {
		return &entity.FetchError{Kind: entity.Transient, Err: fmt.Errorf("%w: %w", repository.ErrCrawlTimeout, err)}
	}
	return &entity.FetchError{Kind: entity.Transient, Err: fmt.Errorf("%w: %w", repository.ErrNavigationFailed, err)}
}

func sameSiteLinks(pageURL string, hrefs []string) []string {
	out := make([]string, 0, len(hrefs))
	for _, link := range utils.ResolveAll(pageURL, hrefs) {
		if utils.IsInternal(pageURL, link) {
			out = append(out, link)
		}
	}
	return out
}
