package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/user/catalog-crawler/internal/entity"
	"github.com/user/catalog-crawler/internal/repository"
	"github.com/user/catalog-crawler/pkg/metrics"
	"github.com/user/catalog-crawler/pkg/utils"
)

// Flush policies, matching the FLUSH_POLICY configuration values.
const (
	FlushEndOfCrawl = "end_of_crawl"
	FlushIdle       = "idle"
)

// CrawlerConfig holds the orchestration settings.
type CrawlerConfig struct {
	SeedURLs          []string
	Namespace         string
	Workers           int
	FetchTimeout      time.Duration
	SnapshotInterval  time.Duration
	ShutdownGrace     time.Duration
	FlushPolicy       string
	EntityIdleTimeout time.Duration
}

// StrategyFactory builds the discovery strategies once the start page is known.
type StrategyFactory func(ctx context.Context, start string) []Strategy

// CrawlerDeps are the collaborators of a crawl. FailedURLs, Assets and
// Registry are optional.
type CrawlerDeps struct {
	Frontier   *Frontier
	Slots      *FetchSlots
	Fetcher    repository.Fetcher
	Classifier *Classifier
	Grouper    *Grouper
	Strategies StrategyFactory
	State      repository.StateRepository
	Writer     repository.EntityRepository
	FailedURLs repository.FailedURLRepository
	Assets     *AssetDownloader
	Registry   *DedupRegistry
}

// Crawler runs one crawl: discovery feeds the frontier, workers fetch and
// classify pages, the grouper merges them and finished entities go to the
// writer. Crawl state is snapshotted periodically and on exit.
type Crawler struct {
	cfg    CrawlerConfig
	deps   CrawlerDeps
	logger *zap.Logger
	base   string

	mu      sync.Mutex
	unsaved []*entity.MergedEntity
}

// NewCrawler creates a crawler.
func NewCrawler(cfg CrawlerConfig, deps CrawlerDeps, logger *zap.Logger) *Crawler {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 30 * time.Second
	}
	if cfg.FlushPolicy == "" {
		cfg.FlushPolicy = FlushEndOfCrawl
	}
	if deps.Slots == nil {
		deps.Slots = NewFetchSlots(cfg.Workers, 0, 0)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	base := ""
	if len(cfg.SeedURLs) > 0 {
		base = utils.Normalize(cfg.SeedURLs[0])
	}
	return &Crawler{cfg: cfg, deps: deps, logger: logger.Named("crawler"), base: base}
}

// Frontier exposes the crawl state for status queries.
func (c *Crawler) Frontier() *Frontier { return c.deps.Frontier }

// Run crawls until the frontier is exhausted or ctx is cancelled. On
// exhaustion every live entity is finalized. On cancellation in-flight
// fetches get the shutdown grace period and the state is snapshotted
// without finalizing anything; ctx.Err() is returned.
func (c *Crawler) Run(ctx context.Context) error {
	resumed, err := c.restore(ctx)
	if err != nil {
		return err
	}

	start := c.base
	if !resumed {
		start, err = c.bootstrap(ctx)
		if err != nil {
			return err
		}
	}
	c.logger.Info("Crawl started", zap.String("start_url", start), zap.Bool("resumed", resumed), zap.Int("workers", c.cfg.Workers))

	// Fetches in flight outlive ctx by the shutdown grace period.
	fetchCtx, cancelFetch := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelFetch()
	go func() {
		select {
		case <-ctx.Done():
		case <-fetchCtx.Done():
			return
		}
		t := time.NewTimer(c.cfg.ShutdownGrace)
		defer t.Stop()
		select {
		case <-t.C:
			cancelFetch()
		case <-fetchCtx.Done():
		}
	}()

	var g errgroup.Group
	if c.deps.Strategies != nil {
		for _, s := range c.deps.Strategies(ctx, start) {
			done := c.deps.Frontier.AddProducer()
			g.Go(func() error {
				defer done()
				n := 0
				for u := range s.Discover(ctx) {
					if c.deps.Frontier.Enqueue(u) {
						n++
					}
				}
				c.logger.Info("Discovery finished", zap.String("strategy", s.Name()), zap.Int("queued", n))
				return nil
			})
		}
	}
	for i := 0; i < c.cfg.Workers; i++ {
		g.Go(func() error { return c.work(ctx, fetchCtx, i) })
	}

	stop := make(chan struct{})
	var background sync.WaitGroup
	background.Add(1)
	go func() {
		defer background.Done()
		c.snapshotLoop(stop)
	}()
	if c.cfg.FlushPolicy == FlushIdle && c.cfg.EntityIdleTimeout > 0 {
		background.Add(1)
		go func() {
			defer background.Done()
			c.idleFlushLoop(fetchCtx, stop)
		}()
	}

	werr := g.Wait()
	close(stop)
	background.Wait()

	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	if ctx.Err() != nil {
		c.logger.Warn("Crawl interrupted, saving state", zap.Int("live_entities", c.deps.Grouper.Len()))
		c.flushRegistry(persistCtx)
		c.snapshot(persistCtx)
		return ctx.Err()
	}
	if werr != nil {
		c.snapshot(persistCtx)
		return werr
	}

	for _, e := range c.deps.Grouper.FlushAll() {
		c.finalize(persistCtx, e)
	}
	c.flushRegistry(persistCtx)
	c.snapshot(persistCtx)

	stats := c.deps.Frontier.Stats()
	c.logger.Info("Crawl finished",
		zap.Int("visited", stats.Visited),
		zap.Int("failed", stats.Failed),
		zap.Int("entities", stats.ProcessedEntities),
	)
	return nil
}

// restore loads the last snapshot. A corrupt snapshot or one taken for a
// different site is discarded and the crawl starts empty.
func (c *Crawler) restore(ctx context.Context) (bool, error) {
	if c.deps.State == nil {
		return false, nil
	}
	snap, err := c.deps.State.Load(ctx)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return false, nil
	case errors.Is(err, repository.ErrSnapshotCorrupt):
		c.logger.Warn("Discarding corrupt crawl snapshot", zap.Error(err))
		return false, nil
	case err != nil:
		return false, fmt.Errorf("load crawl snapshot: %w", err)
	}
	if snap.BaseURL != c.base || !strings.EqualFold(snap.Namespace, c.cfg.Namespace) {
		c.logger.Warn("Discarding crawl snapshot of another site",
			zap.String("snapshot_base_url", snap.BaseURL),
			zap.String("base_url", c.base),
		)
		return false, nil
	}

	c.deps.Frontier.Restore(snap)
	c.deps.Grouper.MarkFinalized(snap.ProcessedEntities...)
	c.deps.Grouper.Import(snap.Entities)
	stats := c.deps.Frontier.Stats()
	c.logger.Info("Crawl state restored",
		zap.Int("visited", stats.Visited),
		zap.Int("pending", stats.Pending),
		zap.Int("failed", stats.Failed),
		zap.Int("live_entities", c.deps.Grouper.Len()),
	)
	return stats.Visited > 0, nil
}

// bootstrap tries the seeds in order and processes the first one that
// answers. Seeds that fail stay queued for the workers.
func (c *Crawler) bootstrap(ctx context.Context) (string, error) {
	for _, seed := range c.cfg.SeedURLs {
		item, ok := c.deps.Frontier.Begin(seed)
		if !ok {
			if n := utils.Normalize(seed); n != utils.InvalidURL {
				// Already known from a restored snapshot.
				return n, nil
			}
			continue
		}
		res, err := c.fetch(ctx, item.URL)
		if err == nil && res.StatusCode < 400 {
			c.handle(ctx, item, res, nil)
			return item.URL, nil
		}
		if err == nil {
			err = entity.NewStatusError(res.StatusCode)
		}
		c.logger.Warn("Seed unreachable", zap.String("url", item.URL), zap.Error(err))
		c.deps.Frontier.Release(item.URL)
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
	}
	return "", fmt.Errorf("%w: tried %s", repository.ErrSeedUnreachable, strings.Join(c.cfg.SeedURLs, ", "))
}

// work is one fetch worker bound to a politeness slot.
func (c *Crawler) work(ctx, fetchCtx context.Context, slot int) error {
	for {
		item, err := c.deps.Frontier.Next(ctx)
		if errors.Is(err, repository.ErrFrontierEmpty) {
			return nil
		}
		if err != nil {
			return nil // cancelled
		}

		if err := c.deps.Slots.Wait(ctx, slot, utils.Host(item.URL)); err != nil {
			c.deps.Frontier.Release(item.URL)
			return nil
		}

		res, ferr := c.fetch(fetchCtx, item.URL)
		if ferr != nil && fetchCtx.Err() != nil {
			c.deps.Frontier.Release(item.URL)
			return nil
		}
		c.handle(fetchCtx, item, res, ferr)
	}
}

func (c *Crawler) fetch(ctx context.Context, pageURL string) (*entity.FetchResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.FetchTimeout)
	defer cancel()

	started := time.Now()
	res, err := c.deps.Fetcher.Fetch(ctx, pageURL)
	metrics.CrawlDuration.WithLabelValues(utils.Host(pageURL)).Observe(time.Since(started).Seconds())
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) && !errors.Is(err, repository.ErrCrawlTimeout) {
		err = fmt.Errorf("%w: %w", repository.ErrCrawlTimeout, err)
	}
	return res, err
}

// handle merges a fetched page and reports the outcome to the frontier.
func (c *Crawler) handle(ctx context.Context, item entity.FrontierItem, res *entity.FetchResult, ferr error) {
	log := c.logger.With(zap.String("url", item.URL), zap.Int("attempt", item.Attempt+1))

	if ferr == nil && res.StatusCode >= 400 {
		ferr = entity.NewStatusError(res.StatusCode)
	}
	if ferr != nil {
		status := 0
		if res != nil {
			status = res.StatusCode
		}
		disp, rec := c.deps.Frontier.MarkFetched(item.URL, FetchOutcome{Err: ferr, StatusCode: status})
		metrics.CrawlsTotal.WithLabelValues("failure", errorType(ferr)).Inc()
		switch disp {
		case DispositionRetrying:
			log.Warn("Fetch failed, retry scheduled", zap.Time("next_retry_at", rec.NextRetryAt), zap.Error(ferr))
		case DispositionExhausted:
			log.Error("Fetch failed, retries exhausted", zap.Int("attempt_count", rec.AttemptCount), zap.Error(ferr))
			c.recordFailure(ctx, rec, false)
		case DispositionRejected:
			log.Error("Fetch failed permanently", zap.Int("status", status), zap.Error(ferr))
			c.recordFailure(ctx, rec, true)
		}
		return
	}

	if isHTML(res.ContentType) {
		for _, page := range c.deps.Classifier.Classify(item.URL, res.Content) {
			c.ingest(log, page)
		}
	}
	c.deps.Frontier.MarkFetched(item.URL, FetchOutcome{StatusCode: res.StatusCode, Links: res.Links})
	metrics.CrawlsTotal.WithLabelValues("success", "").Inc()
	log.Debug("Page fetched", zap.Int("links", len(res.Links)))

	if item.Attempt > 0 && c.deps.FailedURLs != nil {
		if err := c.deps.FailedURLs.Delete(ctx, item.URL); err != nil && !errors.Is(err, repository.ErrNotFound) {
			log.Warn("Failed to clear failure record", zap.Error(err))
		}
	}
}

func (c *Crawler) ingest(log *zap.Logger, page entity.ClassifiedPage) {
	if page.EntityKey == nil {
		return
	}
	if c.deps.Frontier.IsEntityProcessed(*page.EntityKey) {
		log.Debug("Entity already processed", zap.String("entity_key", page.EntityKey.String()))
		return
	}
	if err := c.deps.Grouper.Ingest(page); err != nil {
		log.Debug("Page not merged", zap.String("entity_key", page.EntityKey.String()), zap.Error(err))
	}
}

func (c *Crawler) recordFailure(ctx context.Context, rec entity.FailureRecord, permanent bool) {
	if c.deps.FailedURLs == nil {
		return
	}
	if err := c.deps.FailedURLs.SaveOrUpdate(ctx, rec.ToFailedURL(permanent)); err != nil {
		c.logger.Warn("Failed to record failed URL", zap.String("url", rec.URL), zap.Error(err))
	}
}

// finalize downloads the entity's assets, hands it to the writer and marks
// the key processed. An entity the writer rejects is kept for the snapshot
// so the next run can finalize it again.
func (c *Crawler) finalize(ctx context.Context, e *entity.MergedEntity) {
	log := c.logger.With(zap.String("entity_key", e.Key.String()))
	if c.deps.Assets != nil {
		c.deps.Assets.Download(ctx, e)
	}
	if err := c.deps.Writer.Save(ctx, e); err != nil {
		log.Error("Failed to save entity", zap.Error(err))
		c.mu.Lock()
		c.unsaved = append(c.unsaved, e)
		c.mu.Unlock()
		return
	}
	c.deps.Frontier.MarkEntityProcessed(e.Key)
	log.Info("Entity finalized",
		zap.Int("fields", len(e.Fields)),
		zap.Int("sources", len(e.SourceURLs)),
		zap.Strings("conflicts", e.Conflicts()),
	)
}

func (c *Crawler) snapshot(ctx context.Context) {
	if c.deps.State == nil {
		return
	}
	snap := c.deps.Frontier.Snapshot()
	snap.BaseURL = c.base
	snap.Namespace = c.cfg.Namespace
	snap.Entities = c.deps.Grouper.Export()
	c.mu.Lock()
	for _, e := range c.unsaved {
		snap.Entities = append(snap.Entities, e.Clone())
	}
	c.mu.Unlock()

	if err := c.deps.State.Save(ctx, snap); err != nil {
		metrics.SnapshotsTotal.WithLabelValues("error").Inc()
		c.logger.Error("Failed to save crawl snapshot", zap.Error(err))
		return
	}
	metrics.SnapshotsTotal.WithLabelValues("ok").Inc()
	c.logger.Debug("Crawl snapshot saved",
		zap.Int("visited", len(snap.Visited)),
		zap.Int("pending", len(snap.Pending)),
		zap.Int("entities", len(snap.Entities)),
	)
}

func (c *Crawler) snapshotLoop(stop <-chan struct{}) {
	if c.cfg.SnapshotInterval <= 0 {
		return
	}
	ticker := time.NewTicker(c.cfg.SnapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			c.snapshot(ctx)
			cancel()
		}
	}
}

// idleFlushLoop finalizes entities that received no page for the idle timeout.
func (c *Crawler) idleFlushLoop(ctx context.Context, stop <-chan struct{}) {
	ticker := time.NewTicker(max(c.cfg.EntityIdleTimeout/2, 10*time.Millisecond))
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			for _, key := range c.deps.Grouper.IdleKeys(c.cfg.EntityIdleTimeout) {
				e, err := c.deps.Grouper.Finalize(key)
				if err != nil {
					continue
				}
				c.finalize(ctx, e)
			}
		}
	}
}

func (c *Crawler) flushRegistry(ctx context.Context) {
	if c.deps.Registry == nil {
		return
	}
	if err := c.deps.Registry.Flush(ctx); err != nil {
		c.logger.Warn("Failed to persist dedup registry", zap.Error(err))
	}
}

func errorType(err error) string {
	var fe *entity.FetchError
	switch {
	case errors.Is(err, repository.ErrCrawlTimeout), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, repository.ErrNavigationFailed):
		return "navigation"
	case errors.Is(err, repository.ErrExtractionFailed):
		return "extraction"
	case errors.Is(err, repository.ErrContentRestricted):
		return "restricted"
	case errors.As(err, &fe) && fe.StatusCode > 0:
		return fmt.Sprintf("http_%d", fe.StatusCode)
	default:
		return "unknown"
	}
}

func isHTML(contentType string) bool {
	ct := strings.ToLower(contentType)
	return ct == "" || strings.Contains(ct, "html")
}
