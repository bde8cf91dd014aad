package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/user/catalog-crawler/internal/adapter/chromedp_crawler"
	"github.com/user/catalog-crawler/internal/adapter/extract"
	"github.com/user/catalog-crawler/internal/adapter/filestore"
	"github.com/user/catalog-crawler/internal/adapter/httpfetch"
	"github.com/user/catalog-crawler/internal/adapter/postgres"
	redis_adapter "github.com/user/catalog-crawler/internal/adapter/redis"
	"github.com/user/catalog-crawler/internal/adapter/sqlite"
	"github.com/user/catalog-crawler/internal/delivery/http/handler"
	"github.com/user/catalog-crawler/internal/delivery/http/router"
	"github.com/user/catalog-crawler/internal/repository"
	"github.com/user/catalog-crawler/internal/usecase"
	"github.com/user/catalog-crawler/pkg/config"
	"github.com/user/catalog-crawler/pkg/logger"
	"github.com/user/catalog-crawler/pkg/utils"
)

func main() {
	configPath := flag.String("config", "", "path to a config file (default .env)")
	flag.Parse()

	// --- Configuration ---
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}

	// --- Logger ---
	log, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(2)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("Crawler stopped with error", zap.Error(err))
		os.Exit(1)
	}
}

// storage groups the repositories picked by configuration.
type storage struct {
	state    repository.StateRepository
	entities repository.EntityRepository
	failed   repository.FailedURLRepository
	assets   repository.AssetRepository
	closers  []func()
}

func (s *storage) close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

func openStorage(ctx context.Context, cfg *config.Config, namespace string, log *zap.Logger) (*storage, error) {
	st := &storage{}

	// SQLite is always available and backs whatever is not configured elsewhere.
	db, err := sqlite.Open(ctx, cfg.StateDir)
	if err != nil {
		return nil, err
	}
	st.closers = append(st.closers, func() { _ = db.Close() })
	st.state = db.State(namespace)
	st.entities = db.Entities()
	st.failed = db.FailedURLs()
	st.assets = db.Assets()
	log.Info("SQLite store opened", zap.String("dir", cfg.StateDir))

	if cfg.StateBackend == "redis" {
		rdb, err := redis_adapter.NewClient(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			st.close()
			return nil, err
		}
		st.closers = append(st.closers, func() { _ = rdb.Close() })
		st.state = redis_adapter.NewStateRepo(rdb, namespace, 0)
		log.Info("Redis connection established", zap.String("addr", cfg.RedisAddr))
	}

	if cfg.PostgresURL != "" {
		pool, err := postgres.Connect(ctx, cfg.PostgresURL)
		if err != nil {
			st.close()
			return nil, err
		}
		st.closers = append(st.closers, pool.Close)
		st.entities = postgres.NewEntityRepo(pool)
		st.failed = postgres.NewFailedURLRepo(pool)
		st.assets = postgres.NewAssetRepo(pool)
		log.Info("PostgreSQL connection pool established")
	}
	return st, nil
}

func run(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	base := utils.Normalize(cfg.SeedURLs[0])
	if base == utils.InvalidURL {
		return fmt.Errorf("seed URL %q is not a valid http(s) URL", cfg.SeedURLs[0])
	}
	namespace := cfg.Namespace
	if namespace == "" {
		namespace = defaultNamespace(base)
	}
	log = log.With(zap.String("namespace", namespace))

	// --- Storage ---
	st, err := openStorage(ctx, cfg, namespace, log)
	if err != nil {
		return err
	}
	defer st.close()

	// --- Fetchers ---
	httpFetcher, err := httpfetch.New(httpfetch.Options{
		Timeout:    cfg.FetchTimeout,
		Proxies:    cfg.Proxies,
		UserAgents: cfg.UserAgents,
	}, log)
	if err != nil {
		return err
	}
	var pageFetcher repository.Fetcher = httpFetcher
	if cfg.Fetcher == "chromedp" {
		ua := ""
		if len(cfg.UserAgents) > 0 {
			ua = cfg.UserAgents[0]
		}
		browser, err := chromedp_crawler.NewChromedpCrawler(chromedp_crawler.Options{
			UserAgent:       ua,
			PageLoadTimeout: cfg.FetchTimeout,
			Headless:        true,
		}, log)
		if err != nil {
			return err
		}
		defer browser.Close()
		pageFetcher = browser
	}

	// Workers own slots 0..n-1; discovery and robots.txt share slot n.
	slots := usecase.NewFetchSlots(cfg.CrawlWorkers+1, cfg.MinRequestDelay, cfg.MaxRequestDelay)
	seeds := usecase.NewPageMemo(pageFetcher, cfg.SeedURLs...)
	discoveryFetcher := usecase.NewPoliteFetcher(httpFetcher, slots, cfg.CrawlWorkers).WithMemo(seeds)

	// --- Crawl state ---
	robots := usecase.NewRobotsPolicy(discoveryFetcher, "", log)
	admit := func(u string) bool {
		if !utils.IsInternal(base, u) {
			return false
		}
		return !cfg.RespectRobots || robots.Admit(u)
	}
	frontier := usecase.NewFrontier(usecase.FrontierConfig{
		MaxPages: cfg.MaxPages,
		MaxDepth: cfg.MaxDepth,
		Retry: usecase.RetryPolicy{
			MaxAttempts: cfg.MaxAttempts,
			Backoff:     cfg.RetryBackoffs,
			Staleness:   cfg.FailedStaleness,
		},
	}, usecase.WithAdmission(admit), usecase.WithFrontierLogger(log))

	// --- Classification and merging ---
	classifier := usecase.NewClassifier(
		usecase.DefaultClassifierConfig(namespace, time.Now()),
		extract.NewSpecTableExtractor(nil, log),
		log,
	)
	priority, err := usecase.NewRolePriority(cfg.RoleOrder)
	if err != nil {
		return fmt.Errorf("ROLE_PRIORITY: %w", err)
	}
	mergerCfg := usecase.DefaultMergerConfig()
	mergerCfg.Priority = priority
	grouper := usecase.NewGrouper(usecase.NewMerger(mergerCfg, log), log)

	// --- Assets ---
	files, err := filestore.New(cfg.AssetDir)
	if err != nil {
		return err
	}
	registry := usecase.NewDedupRegistry(files, st.assets, log)
	if err := registry.Load(ctx); err != nil {
		log.Warn("Dedup registry not restored, starting empty", zap.Error(err))
	}
	downloader := usecase.NewAssetDownloader(httpFetcher, registry, files, nil, log)

	// --- Discovery ---
	strategies := func(ctx context.Context, start string) []usecase.Strategy {
		var sitemaps []string
		if cfg.RespectRobots {
			sitemaps = robots.Sitemaps(ctx, start)
		}
		return []usecase.Strategy{
			usecase.NewStaticStrategy(cfg.SeedURLs...),
			usecase.NewSitemapStrategy(discoveryFetcher, start, sitemaps, log),
			usecase.NewNavMenuStrategy(discoveryFetcher, start, log),
			usecase.NewSearchStrategy(discoveryFetcher, start, cfg.SearchPath, cfg.SearchTerms, log),
		}
	}

	crawler := usecase.NewCrawler(usecase.CrawlerConfig{
		SeedURLs:          cfg.SeedURLs,
		Namespace:         namespace,
		Workers:           cfg.CrawlWorkers,
		FetchTimeout:      cfg.FetchTimeout,
		SnapshotInterval:  cfg.SnapshotInterval,
		ShutdownGrace:     cfg.ShutdownGrace,
		FlushPolicy:       cfg.FlushPolicy,
		EntityIdleTimeout: cfg.EntityIdleTimeout,
	}, usecase.CrawlerDeps{
		Frontier:   frontier,
		Slots:      slots,
		Fetcher:    seeds,
		Classifier: classifier,
		Grouper:    grouper,
		Strategies: strategies,
		State:      st.state,
		Writer:     st.entities,
		FailedURLs: st.failed,
		Assets:     downloader,
		Registry:   registry,
	}, log)

	// --- HTTP Server ---
	urlManager := usecase.NewURLManager(frontier, grouper, st.entities, st.failed, log)
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router.New(handler.NewHandler(urlManager, log), log),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	go func() {
		log.Info("Starting server", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Could not listen on port", zap.String("port", cfg.ServerPort), zap.Error(err))
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warn("HTTP server shutdown", zap.Error(err))
		}
	}()

	err = crawler.Run(ctx)
	switch {
	case err == nil:
		s := frontier.Stats()
		log.Info("Crawl finished",
			zap.Int("visited", s.Visited),
			zap.Int("failed", s.Failed),
			zap.Int("entities", s.ProcessedEntities),
		)
		return nil
	case errors.Is(err, context.Canceled):
		log.Info("Crawl interrupted, state saved for resumption")
		return nil
	default:
		return err
	}
}

// defaultNamespace is the first label of the seed's registrable domain,
// e.g. "ducati" for https://www.ducati.com/.
func defaultNamespace(base string) string {
	domain := utils.RegistrableDomain(utils.Host(base))
	if label, _, ok := strings.Cut(domain, "."); ok {
		return label
	}
	return domain
}
