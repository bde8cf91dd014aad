package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/catalog-crawler/internal/entity"
	"github.com/user/catalog-crawler/internal/repository"
)

const (
	homeURL    = "https://acme.com/"
	monsterURL = "https://acme.com/bikes/monster/2024"
	specsURL   = "https://acme.com/bikes/monster/2024/specs"
	aboutURL   = "https://acme.com/about"
	monsterKey = "acme/monster/2024/base"
)

// stateStore keeps the encoded snapshot in memory, the way a real store would.
type stateStore struct {
	mu    sync.Mutex
	data  []byte
	saves int
}

func (s *stateStore) Save(_ context.Context, snap *entity.CrawlSnapshot) error {
	b, err := entity.EncodeSnapshot(snap)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = b
	s.saves++
	return nil
}

func (s *stateStore) Load(context.Context) (*entity.CrawlSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data == nil {
		return nil, repository.ErrNotFound
	}
	return entity.DecodeSnapshot(s.data)
}

func (s *stateStore) Clear(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = nil
	return nil
}

func (s *stateStore) snapshot(t *testing.T) *entity.CrawlSnapshot {
	t.Helper()
	snap, err := s.Load(context.Background())
	require.NoError(t, err)
	return snap
}

type entityStore struct {
	mu       sync.Mutex
	entities map[string]*entity.MergedEntity
	saves    int
	err      error
}

func newEntityStore() *entityStore {
	return &entityStore{entities: map[string]*entity.MergedEntity{}}
}

func (s *entityStore) Save(_ context.Context, e *entity.MergedEntity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.saves++
	s.entities[e.Key.String()] = e.Clone()
	return nil
}

func (s *entityStore) FindByKey(_ context.Context, key entity.EntityKey) (*entity.MergedEntity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entities[key.String()]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return e.Clone(), nil
}

func (s *entityStore) get(key string) (*entity.MergedEntity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entities[key]
	return e, ok
}

type failedStore struct {
	mu      sync.Mutex
	records map[string]*entity.FailedURL
	deleted []string
}

func newFailedStore() *failedStore {
	return &failedStore{records: map[string]*entity.FailedURL{}}
}

func (s *failedStore) SaveOrUpdate(_ context.Context, f *entity.FailedURL) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *f
	s.records[f.URL] = &cp
	return nil
}

func (s *failedStore) FindByURL(_ context.Context, url string) (*entity.FailedURL, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.records[url]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *f
	return &cp, nil
}

func (s *failedStore) Delete(_ context.Context, url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = append(s.deleted, url)
	if _, ok := s.records[url]; !ok {
		return repository.ErrNotFound
	}
	delete(s.records, url)
	return nil
}

// gatedFetcher holds fetches of one URL until wait returns.
type gatedFetcher struct {
	*siteFetcher
	gate    string
	wait    func(ctx context.Context) error
	once    sync.Once
	started chan struct{}
}

func newGatedFetcher(f *siteFetcher, gate string, wait func(ctx context.Context) error) *gatedFetcher {
	return &gatedFetcher{siteFetcher: f, gate: gate, wait: wait, started: make(chan struct{})}
}

func (g *gatedFetcher) Fetch(ctx context.Context, url string) (*entity.FetchResult, error) {
	if url == g.gate {
		g.once.Do(func() { close(g.started) })
		if err := g.wait(ctx); err != nil {
			return nil, err
		}
	}
	return g.siteFetcher.Fetch(ctx, url)
}

func newTestSite() *siteFetcher {
	f := newSiteFetcher()
	f.pages[homeURL] = string(page(`<h1>Acme</h1>`))
	f.links[homeURL] = []string{monsterURL, specsURL, aboutURL}
	f.pages[monsterURL] = string(page(`<h1>Monster</h1><span data-fact="power">82 kW</span><span data-fact="color">red</span>`))
	f.pages[specsURL] = string(page(`<span data-fact="power">84 kW</span>`))
	f.pages[aboutURL] = string(page(`<p>About us</p>`))
	return f
}

type crawlFixture struct {
	cfg      CrawlerConfig
	fetcher  repository.Fetcher
	state    *stateStore
	writer   *entityStore
	failed   *failedStore
	frontier *Frontier
	grouper  *Grouper
	strategy StrategyFactory
}

func newCrawlFixture(fetcher repository.Fetcher, state *stateStore, writer *entityStore) *crawlFixture {
	return &crawlFixture{
		cfg: CrawlerConfig{
			SeedURLs:      []string{homeURL},
			Namespace:     "acme",
			Workers:       2,
			FetchTimeout:  2 * time.Second,
			ShutdownGrace: 20 * time.Millisecond,
		},
		fetcher: fetcher,
		state:   state,
		writer:  writer,
		failed:  newFailedStore(),
	}
}

func (fx *crawlFixture) build() *Crawler {
	fx.frontier = NewFrontier(FrontierConfig{Retry: RetryPolicy{MaxAttempts: 2, Backoff: []time.Duration{5 * time.Millisecond}}})
	fx.grouper = NewGrouper(NewMerger(DefaultMergerConfig(), nil), nil)
	return NewCrawler(fx.cfg, CrawlerDeps{
		Frontier:   fx.frontier,
		Fetcher:    fx.fetcher,
		Classifier: newTestClassifier(),
		Grouper:    fx.grouper,
		Strategies: fx.strategy,
		State:      fx.state,
		Writer:     fx.writer,
		FailedURLs: fx.failed,
	}, nil)
}

func runCrawl(t *testing.T, c *Crawler) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return c.Run(ctx)
}

func TestCrawlerFinalizesMergedEntity(t *testing.T) {
	site := newTestSite()
	fx := newCrawlFixture(site, &stateStore{}, newEntityStore())
	require.NoError(t, runCrawl(t, fx.build()))

	e, ok := fx.writer.get(monsterKey)
	require.True(t, ok)
	assert.ElementsMatch(t, []string{monsterURL, specsURL}, e.SourceURLs)
	assert.Equal(t, "84 kW", e.Fields["power"].Value.Text)
	assert.Equal(t, entity.RoleDetail, e.Fields["power"].ContributingRole)
	assert.Equal(t, "red", e.Fields["color"].Value.Text)
	assert.Equal(t, 1, fx.writer.saves)

	snap := fx.state.snapshot(t)
	assert.Equal(t, homeURL, snap.BaseURL)
	assert.ElementsMatch(t, []string{homeURL, monsterURL, specsURL, aboutURL}, snap.Visited)
	assert.Empty(t, snap.Pending)
	assert.Equal(t, []string{monsterKey}, snap.ProcessedEntities)
	assert.Empty(t, snap.Entities)
}

func TestCrawlerResumeSkipsVisitedAndProcessed(t *testing.T) {
	site := newTestSite()
	state := &stateStore{}
	writer := newEntityStore()

	fx := newCrawlFixture(site, state, writer)
	fx.strategy = func(_ context.Context, start string) []Strategy {
		return []Strategy{NewStaticStrategy(start, monsterURL)}
	}
	require.NoError(t, runCrawl(t, fx.build()))
	require.Equal(t, 1, writer.saves)

	// A second run over the same state fetches nothing and writes nothing.
	require.NoError(t, runCrawl(t, fx.build()))
	assert.Equal(t, 1, writer.saves)
	for _, u := range []string{homeURL, monsterURL, specsURL, aboutURL} {
		assert.Equal(t, 1, site.callCount(u), u)
	}
	assert.True(t, fx.frontier.IsEntityProcessed(entity.EntityKey{Namespace: "acme", PrimaryName: "Monster", VariantYear: 2024}))
}

func TestCrawlerCancellationSnapshotsLiveEntities(t *testing.T) {
	site := newTestSite()
	site.links[homeURL] = []string{monsterURL, aboutURL, specsURL}
	state := &stateStore{}
	writer := newEntityStore()

	gated := newGatedFetcher(site, aboutURL, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	fx := newCrawlFixture(gated, state, writer)
	fx.cfg.Workers = 1
	c := fx.build()

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- c.Run(ctx) }()

	select {
	case <-gated.started:
	case <-time.After(5 * time.Second):
		t.Fatal("gated fetch never started")
	}
	cancel()

	select {
	case err := <-errc:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("crawler did not stop")
	}

	assert.Zero(t, writer.saves)
	snap := state.snapshot(t)
	assert.Empty(t, snap.ProcessedEntities)
	require.Len(t, snap.Entities, 1)
	assert.Equal(t, monsterKey, snap.Entities[0].Key.String())
	pending := make([]string, 0, len(snap.Pending))
	for _, p := range snap.Pending {
		pending = append(pending, p.URL)
	}
	assert.ElementsMatch(t, []string{aboutURL, specsURL}, pending)
	assert.NotContains(t, snap.Visited, aboutURL)

	// Resuming finishes the interrupted work and keeps the earlier merge.
	fx.fetcher = site
	require.NoError(t, runCrawl(t, fx.build()))
	e, ok := writer.get(monsterKey)
	require.True(t, ok)
	assert.ElementsMatch(t, []string{monsterURL, specsURL}, e.SourceURLs)
	assert.Equal(t, "84 kW", e.Fields["power"].Value.Text)
	assert.Equal(t, 1, site.callCount(monsterURL))
	assert.Equal(t, 1, site.callCount(aboutURL))
}

func TestCrawlerDiscardsCorruptSnapshot(t *testing.T) {
	site := newTestSite()
	state := &stateStore{data: []byte(`{"version":`)}
	fx := newCrawlFixture(site, state, newEntityStore())

	require.NoError(t, runCrawl(t, fx.build()))
	assert.Equal(t, 1, site.callCount(homeURL))
	_, ok := fx.writer.get(monsterKey)
	assert.True(t, ok)
	assert.Equal(t, homeURL, state.snapshot(t).BaseURL)
}

func TestCrawlerDiscardsSnapshotOfAnotherSite(t *testing.T) {
	site := newTestSite()
	state := &stateStore{}
	require.NoError(t, state.Save(context.Background(), &entity.CrawlSnapshot{
		Version:   entity.SnapshotVersion,
		BaseURL:   "https://other.example/",
		Namespace: "other",
		TakenAt:   time.Now(),
		Visited:   []string{homeURL, monsterURL},
	}))
	fx := newCrawlFixture(site, state, newEntityStore())

	require.NoError(t, runCrawl(t, fx.build()))
	assert.Equal(t, 1, site.callCount(homeURL))
	assert.Equal(t, 1, site.callCount(monsterURL))
}

func TestCrawlerFallsBackToNextSeed(t *testing.T) {
	site := newTestSite()
	site.errs["https://down.acme.com/"] = errors.New("dial tcp: no such host")
	fx := newCrawlFixture(site, &stateStore{}, newEntityStore())
	fx.cfg.SeedURLs = []string{"https://down.acme.com/", homeURL}

	require.NoError(t, runCrawl(t, fx.build()))
	_, ok := fx.writer.get(monsterKey)
	assert.True(t, ok)

	rec, err := fx.failed.FindByURL(context.Background(), "https://down.acme.com/")
	require.NoError(t, err)
	assert.False(t, rec.Permanent)
}

func TestCrawlerAllSeedsUnreachable(t *testing.T) {
	site := newSiteFetcher()
	site.errs["https://down.acme.com/"] = errors.New("connection refused")
	fx := newCrawlFixture(site, &stateStore{}, newEntityStore())
	fx.cfg.SeedURLs = []string{"https://down.acme.com/", "https://acme.com/missing"}

	err := runCrawl(t, fx.build())
	require.ErrorIs(t, err, repository.ErrSeedUnreachable)
	assert.Zero(t, fx.state.saves)
}

func TestCrawlerRetriesAndRecordsFailures(t *testing.T) {
	site := newTestSite()
	broken := "https://acme.com/broken"
	gone := "https://acme.com/gone"
	site.links[homeURL] = append(site.links[homeURL], broken, gone)
	site.flaky[specsURL] = 1
	site.errs[broken] = errors.New("connection reset by peer")

	fx := newCrawlFixture(site, &stateStore{}, newEntityStore())
	require.NoError(t, runCrawl(t, fx.build()))

	// The flaky page succeeded on retry and its facts were merged.
	assert.Equal(t, 2, site.callCount(specsURL))
	e, ok := fx.writer.get(monsterKey)
	require.True(t, ok)
	assert.Contains(t, e.SourceURLs, specsURL)
	assert.Contains(t, fx.failed.deleted, specsURL)

	// Transient failures stop after the retry budget.
	assert.Equal(t, 3, site.callCount(broken))
	rec, err := fx.failed.FindByURL(context.Background(), broken)
	require.NoError(t, err)
	assert.Equal(t, 2, rec.RetryCount)
	assert.False(t, rec.Permanent)

	// A 404 is permanent and never retried.
	assert.Equal(t, 1, site.callCount(gone))
	rec, err = fx.failed.FindByURL(context.Background(), gone)
	require.NoError(t, err)
	assert.True(t, rec.Permanent)
	assert.Equal(t, 404, rec.HTTPStatusCode)

	snap := fx.state.snapshot(t)
	assert.Contains(t, snap.Visited, gone)
	require.Len(t, snap.Failed, 1)
	assert.Equal(t, broken, snap.Failed[0].URL)
	assert.True(t, snap.Failed[0].Exhausted)
	assert.Equal(t, 2, snap.Failed[0].AttemptCount)
}

func TestCrawlerKeepsUnsavedEntitiesInSnapshot(t *testing.T) {
	writer := newEntityStore()
	writer.err = errors.New("disk full")
	fx := newCrawlFixture(newTestSite(), &stateStore{}, writer)

	require.NoError(t, runCrawl(t, fx.build()))
	snap := fx.state.snapshot(t)
	assert.Empty(t, snap.ProcessedEntities)
	require.Len(t, snap.Entities, 1)
	assert.Equal(t, monsterKey, snap.Entities[0].Key.String())
}

func TestCrawlerIdleFlushFinalizesBeforeCrawlEnds(t *testing.T) {
	site := newTestSite()
	site.links[homeURL] = []string{monsterURL, aboutURL}
	writer := newEntityStore()

	// The about page is only served once the idle entity has been written.
	gated := newGatedFetcher(site, aboutURL, func(ctx context.Context) error {
		deadline := time.After(3 * time.Second)
		for {
			if _, ok := writer.get(monsterKey); ok {
				return nil
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-deadline:
				return errors.New("entity was not flushed")
			case <-time.After(5 * time.Millisecond):
			}
		}
	})
	fx := newCrawlFixture(gated, &stateStore{}, writer)
	fx.cfg.Workers = 1
	fx.cfg.FlushPolicy = FlushIdle
	fx.cfg.EntityIdleTimeout = 20 * time.Millisecond

	require.NoError(t, runCrawl(t, fx.build()))
	assert.Equal(t, 1, site.callCount(aboutURL))
	assert.Equal(t, 1, writer.saves)
	assert.True(t, fx.frontier.IsVisited(aboutURL))
}

func TestErrorType(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{repository.ErrCrawlTimeout, "timeout"},
		{context.DeadlineExceeded, "timeout"},
		{repository.ErrNavigationFailed, "navigation"},
		{entity.NewStatusError(503), "http_503"},
		{entity.NewStatusError(404), "http_404"},
		{entity.NewStatusError(403), "restricted"},
		{fmt.Errorf("fetch: %w", entity.NewStatusError(401)), "restricted"},
		{errors.New("boom"), "unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, errorType(tt.err), tt.err.Error())
	}
}
