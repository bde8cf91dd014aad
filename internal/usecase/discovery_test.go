package usecase

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/catalog-crawler/internal/entity"
)

// siteFetcher serves canned pages by URL. Unknown URLs return 404.
type siteFetcher struct {
	mu     sync.Mutex
	pages  map[string]string
	links  map[string][]string
	errs   map[string]error
	status map[string]int
	flaky  map[string]int // remaining transient failures per URL
	calls  map[string]int
	stamps []time.Time
}

func newSiteFetcher() *siteFetcher {
	return &siteFetcher{
		pages:  map[string]string{},
		links:  map[string][]string{},
		errs:   map[string]error{},
		status: map[string]int{},
		flaky:  map[string]int{},
		calls:  map[string]int{},
	}
}

func (f *siteFetcher) Fetch(ctx context.Context, url string) (*entity.FetchResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[url]++
	f.stamps = append(f.stamps, time.Now())
	if err, ok := f.errs[url]; ok {
		return nil, err
	}
	if f.flaky[url] > 0 {
		f.flaky[url]--
		return nil, errors.New("connection reset by peer")
	}
	body, ok := f.pages[url]
	if !ok {
		return &entity.FetchResult{URL: url, StatusCode: 404}, nil
	}
	code := 200
	if c, ok := f.status[url]; ok {
		code = c
	}
	return &entity.FetchResult{URL: url, StatusCode: code, Content: []byte(body), Links: f.links[url]}, nil
}

func (f *siteFetcher) callCount(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[url]
}

func (f *siteFetcher) requestTimes() []time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := slices.Clone(f.stamps)
	slices.SortFunc(out, func(a, b time.Time) int { return a.Compare(b) })
	return out
}

func collect(t *testing.T, s Strategy) []string {
	t.Helper()
	return slices.Collect(s.Discover(context.Background()))
}

func TestStaticStrategy(t *testing.T) {
	s := NewStaticStrategy("https://acme.com/a", "https://acme.com/b")
	assert.Equal(t, "static", s.Name())
	assert.Equal(t, []string{"https://acme.com/a", "https://acme.com/b"}, collect(t, s))
}

func TestSitemapStrategyFollowsIndex(t *testing.T) {
	f := newSiteFetcher()
	f.pages["https://acme.com/sitemap.xml"] = `<?xml version="1.0" encoding="UTF-8"?>
<sitemapindex xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <sitemap><loc>https://acme.com/sitemap-bikes.xml</loc></sitemap>
  <sitemap><loc>https://acme.com/sitemap.xml</loc></sitemap>
</sitemapindex>`
	f.pages["https://acme.com/sitemap-bikes.xml"] = `<?xml version="1.0" encoding="UTF-8"?>
<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <url><loc>https://acme.com/bikes/monster/2024/</loc></url>
  <url><loc> https://acme.com/bikes/diavel/2024 </loc></url>
  <url><loc>https://elsewhere.org/bikes/x</loc></url>
</urlset>`
	f.pages["https://acme.com/sitemap_index.xml"] = `not xml at all <<<`

	s := NewSitemapStrategy(f, "https://acme.com/", nil, nil)
	got := collect(t, s)
	assert.Equal(t, []string{"https://acme.com/bikes/monster/2024", "https://acme.com/bikes/diavel/2024"}, got)
	assert.Equal(t, 1, f.callCount("https://acme.com/sitemap.xml"))
}

func TestSitemapStrategyExtraSources(t *testing.T) {
	f := newSiteFetcher()
	f.pages["https://acme.com/maps/en.xml"] = `<urlset><url><loc>https://acme.com/en/bikes/scrambler/2023</loc></url></urlset>`

	got := collect(t, NewSitemapStrategy(f, "https://acme.com", []string{"https://acme.com/maps/en.xml"}, nil))
	assert.Equal(t, []string{"https://acme.com/en/bikes/scrambler/2023"}, got)
}

func TestSitemapStrategyStopsWhenConsumerStops(t *testing.T) {
	f := newSiteFetcher()
	f.pages["https://acme.com/sitemap.xml"] = `<urlset>
<url><loc>https://acme.com/a</loc></url>
<url><loc>https://acme.com/b</loc></url>
</urlset>`
	f.pages["https://acme.com/sitemap_index.xml"] = `<urlset><url><loc>https://acme.com/c</loc></url></urlset>`

	var got []string
	for u := range NewSitemapStrategy(f, "https://acme.com", nil, nil).Discover(context.Background()) {
		got = append(got, u)
		break
	}
	assert.Equal(t, []string{"https://acme.com/a"}, got)
	assert.Zero(t, f.callCount("https://acme.com/sitemap_index.xml"))
}

func TestNavMenuStrategy(t *testing.T) {
	f := newSiteFetcher()
	f.pages["https://acme.com/en"] = `<html><body>
<header><a href="/en/bikes/monster">Monster</a></header>
<nav><ul><li><a href="bikes/diavel#top">Diavel</a></li><li><a href="https://other.org/x">Ext</a></li></ul></nav>
<div class="mega-menu"><a href="/en/bikes/panigale">Panigale</a></div>
<main><a href="/en/news/1">News</a></main>
</body></html>`

	got := collect(t, NewNavMenuStrategy(f, "https://acme.com/en", nil))
	assert.ElementsMatch(t, []string{
		"https://acme.com/en/bikes/monster",
		"https://acme.com/bikes/diavel",
		"https://acme.com/en/bikes/panigale",
	}, got)
}

func TestNavMenuStrategyFetchError(t *testing.T) {
	f := newSiteFetcher()
	f.errs["https://acme.com/"] = errors.New("connection reset")
	assert.Empty(t, collect(t, NewNavMenuStrategy(f, "https://acme.com/", nil)))
}

func TestSearchStrategy(t *testing.T) {
	f := newSiteFetcher()
	f.pages["https://acme.com/search?q=bike"] = `<html><body>
<nav><a href="/nav">nav</a></nav>
<div class="results"><a href="/bikes/monster">Monster</a><a href="/bikes/diavel">Diavel</a></div>
</body></html>`
	f.pages["https://acme.com/search?q=model"] = `<html><body><a href="/bikes/monster">Monster</a></body></html>`

	got := collect(t, NewSearchStrategy(f, "https://acme.com", "", []string{"bike", "missing", "model"}, nil))
	assert.Equal(t, []string{
		"https://acme.com/bikes/monster",
		"https://acme.com/bikes/diavel",
		"https://acme.com/bikes/monster",
	}, got)
}

func TestStrategiesFeedFrontierDedup(t *testing.T) {
	f := newSiteFetcher()
	f.pages["https://acme.com/sitemap.xml"] = `<urlset><url><loc>https://acme.com/bikes/monster</loc></url></urlset>`
	f.pages["https://acme.com/"] = `<nav><a href="/bikes/monster/">Monster</a><a href="/bikes/diavel">Diavel</a></nav>`

	fr := NewFrontier(FrontierConfig{Retry: DefaultRetryPolicy()})
	for _, s := range []Strategy{
		NewSitemapStrategy(f, "https://acme.com/", nil, nil),
		NewNavMenuStrategy(f, "https://acme.com/", nil),
		NewStaticStrategy("https://acme.com/bikes/monster#specs"),
	} {
		for u := range s.Discover(context.Background()) {
			fr.Enqueue(u)
		}
	}
	require.Equal(t, 2, fr.Stats().Pending)
}

func TestRobotsPolicy(t *testing.T) {
	f := newSiteFetcher()
	f.pages["https://acme.com/robots.txt"] = "User-agent: *\nDisallow: /private\n\nUser-agent: catalogbot\nDisallow: /search\n\nSitemap: https://acme.com/maps/main.xml\n"

	p := NewRobotsPolicy(f, "catalogbot", nil)
	assert.True(t, p.Admit("https://acme.com/bikes/monster"))
	assert.False(t, p.Admit("https://acme.com/search?q=x"))
	assert.Equal(t, []string{"https://acme.com/maps/main.xml"}, p.Sitemaps(context.Background(), "https://acme.com/"))
	assert.Equal(t, 1, f.callCount("https://acme.com/robots.txt"))

	generic := NewRobotsPolicy(f, "", nil)
	assert.False(t, generic.Admit("https://acme.com/private/page"))
	assert.True(t, generic.Admit("https://acme.com/search"))
}

func TestRobotsPolicyFailsOpen(t *testing.T) {
	f := newSiteFetcher()
	f.errs["https://down.example/robots.txt"] = errors.New("timeout")
	p := NewRobotsPolicy(f, "catalogbot", nil)
	assert.True(t, p.Admit("https://down.example/anything"))
	// Missing robots.txt (404) allows everything.
	assert.True(t, p.Admit("https://acme.com/anything"))
	assert.False(t, p.Admit("/relative"))
}

func TestPoliteFetcherSpacesDiscoveryRequests(t *testing.T) {
	const minDelay = 40 * time.Millisecond
	f := newSiteFetcher()
	f.pages["https://acme.com/sitemap.xml"] = `<sitemapindex>
  <sitemap><loc>https://acme.com/sitemap-a.xml</loc></sitemap>
  <sitemap><loc>https://acme.com/sitemap-b.xml</loc></sitemap>
</sitemapindex>`
	f.pages["https://acme.com/sitemap-a.xml"] = `<urlset><url><loc>https://acme.com/bikes/a</loc></url></urlset>`
	f.pages["https://acme.com/sitemap-b.xml"] = `<urlset><url><loc>https://acme.com/bikes/b</loc></url></urlset>`
	f.pages["https://acme.com/search?q=bike"] = `<div class="results"><a href="/bikes/c">C</a></div>`

	// Workers hold slot 0; discovery shares slot 1 across strategies.
	slots := NewFetchSlots(2, minDelay, minDelay)
	polite := NewPoliteFetcher(f, slots, 1)

	var wg sync.WaitGroup
	for _, s := range []Strategy{
		NewSitemapStrategy(polite, "https://acme.com/", nil, nil),
		NewSearchStrategy(polite, "https://acme.com", "", []string{"bike", "model"}, nil),
	} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			collect(t, s)
		}()
	}
	wg.Wait()

	times := f.requestTimes()
	require.GreaterOrEqual(t, len(times), 5)
	for i := 1; i < len(times); i++ {
		assert.GreaterOrEqual(t, times[i].Sub(times[i-1]), minDelay-5*time.Millisecond, "request %d", i)
	}
}

func TestPoliteFetcherHonoursContext(t *testing.T) {
	f := newSiteFetcher()
	f.pages["https://acme.com/a"] = "a"
	polite := NewPoliteFetcher(f, NewFetchSlots(1, time.Second, time.Second), 0)

	_, err := polite.Fetch(context.Background(), "https://acme.com/a")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = polite.Fetch(ctx, "https://acme.com/a")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, f.callCount("https://acme.com/a"))
}

func TestPageMemoSharesStartPage(t *testing.T) {
	f := newSiteFetcher()
	f.pages["https://acme.com/en"] = `<nav><a href="/en/bikes/monster">Monster</a></nav>`
	f.pages["https://acme.com/en/bikes/monster"] = "monster"

	memo := NewPageMemo(f, "https://acme.com/en/")
	res, err := memo.Fetch(context.Background(), "https://acme.com/en")
	require.NoError(t, err)
	require.Equal(t, 200, res.StatusCode)

	polite := NewPoliteFetcher(f, NewFetchSlots(1, 0, 0), 0).WithMemo(memo)
	got := collect(t, NewNavMenuStrategy(polite, "https://acme.com/en", nil))
	assert.Equal(t, []string{"https://acme.com/en/bikes/monster"}, got)
	assert.Equal(t, 1, f.callCount("https://acme.com/en"))

	// Only the listed URLs are kept.
	for range 2 {
		_, err := memo.Fetch(context.Background(), "https://acme.com/en/bikes/monster")
		require.NoError(t, err)
	}
	assert.Equal(t, 2, f.callCount("https://acme.com/en/bikes/monster"))
}

func TestPageMemoSkipsFailures(t *testing.T) {
	f := newSiteFetcher()
	f.flaky["https://acme.com/"] = 1
	f.pages["https://acme.com/"] = "home"
	memo := NewPageMemo(f, "https://acme.com/")

	_, err := memo.Fetch(context.Background(), "https://acme.com/")
	require.Error(t, err)
	_, ok := memo.Lookup("https://acme.com/")
	assert.False(t, ok)

	res, err := memo.Fetch(context.Background(), "https://acme.com/")
	require.NoError(t, err)
	assert.Equal(t, "home", string(res.Content))
	_, ok = memo.Lookup("https://acme.com/")
	assert.True(t, ok)
}
