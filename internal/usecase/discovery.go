package usecase

import (
	"bytes"
	"context"
	"iter"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/antchfx/xmlquery"
	"go.uber.org/zap"

	"github.com/user/catalog-crawler/internal/repository"
	"github.com/user/catalog-crawler/pkg/utils"
)

// Strategy produces candidate URLs. Strategies run independently and may
// overlap; the frontier removes duplicates. Following links out of fetched
// pages is not a Strategy: the frontier feeds them back on MarkFetched.
type Strategy interface {
	Name() string
	Discover(ctx context.Context) iter.Seq[string]
}

// internalOnly yields the normalized forms of urls that stay on base's site.
func internalOnly(base string, urls []string, yield func(string) bool) bool {
	for _, u := range urls {
		n := utils.Normalize(u)
		if !utils.IsValid(n) || !utils.IsInternal(base, n) {
			continue
		}
		if !yield(n) {
			return false
		}
	}
	return true
}

// StaticStrategy yields a fixed list of URLs such as seeds and known key pages.
type StaticStrategy struct {
	urls []string
}

// NewStaticStrategy creates a strategy yielding urls in order.
func NewStaticStrategy(urls ...string) *StaticStrategy {
	return &StaticStrategy{urls: urls}
}

func (s *StaticStrategy) Name() string { return "static" }

func (s *StaticStrategy) Discover(ctx context.Context) iter.Seq[string] {
	return func(yield func(string) bool) {
		for _, u := range s.urls {
			if ctx.Err() != nil {
				return
			}
			if !yield(u) {
				return
			}
		}
	}
}

// SitemapStrategy reads sitemap.xml files, following sitemap indexes.
type SitemapStrategy struct {
	fetcher  repository.Fetcher
	base     string
	sources  []string
	maxDepth int
	logger   *zap.Logger
}

// NewSitemapStrategy reads /sitemap.xml and /sitemap_index.xml on base plus
// any extra sitemap URLs, for example those announced in robots.txt.
func NewSitemapStrategy(fetcher repository.Fetcher, base string, extra []string, logger *zap.Logger) *SitemapStrategy {
	if logger == nil {
		logger = zap.NewNop()
	}
	var sources []string
	if u, err := url.Parse(base); err == nil {
		root := u.Scheme + "://" + u.Host
		sources = append(sources, root+"/sitemap.xml", root+"/sitemap_index.xml")
	}
	sources = append(sources, extra...)
	return &SitemapStrategy{
		fetcher:  fetcher,
		base:     base,
		sources:  sources,
		maxDepth: 3,
		logger:   logger.Named("sitemap"),
	}
}

func (s *SitemapStrategy) Name() string { return "sitemap" }

func (s *SitemapStrategy) Discover(ctx context.Context) iter.Seq[string] {
	return func(yield func(string) bool) {
		seen := make(map[string]bool)
		for _, src := range s.sources {
			if !s.walk(ctx, src, 0, seen, yield) {
				return
			}
		}
	}
}

// walk yields the page URLs of one sitemap and recurses into index entries.
// It returns false once the consumer stops.
func (s *SitemapStrategy) walk(ctx context.Context, src string, depth int, seen map[string]bool, yield func(string) bool) bool {
	src = utils.Normalize(src)
	if seen[src] || depth > s.maxDepth || ctx.Err() != nil {
		return ctx.Err() == nil
	}
	seen[src] = true

	res, err := s.fetcher.Fetch(ctx, src)
	if err != nil || res.StatusCode >= 400 {
		s.logger.Debug("Sitemap unavailable", zap.String("url", src), zap.Error(err))
		return true
	}
	doc, err := xmlquery.Parse(bytes.NewReader(res.Content))
	if err != nil {
		s.logger.Warn("Sitemap is not valid XML", zap.String("url", src), zap.Error(err))
		return true
	}

	for _, n := range xmlquery.Find(doc, "//sitemapindex/sitemap/loc") {
		if !s.walk(ctx, strings.TrimSpace(n.InnerText()), depth+1, seen, yield) {
			return false
		}
	}

	var pages []string
	for _, n := range xmlquery.Find(doc, "//urlset/url/loc") {
		pages = append(pages, strings.TrimSpace(n.InnerText()))
	}
	return internalOnly(s.base, pages, yield)
}

// navSelectors match links inside site navigation.
const navSelectors = `nav a[href], header a[href], [role="navigation"] a[href], [class*="menu"] a[href]`

// NavMenuStrategy walks the navigation menus of the start page.
type NavMenuStrategy struct {
	fetcher repository.Fetcher
	start   string
	logger  *zap.Logger
}

// NewNavMenuStrategy reads navigation links from start.
func NewNavMenuStrategy(fetcher repository.Fetcher, start string, logger *zap.Logger) *NavMenuStrategy {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NavMenuStrategy{fetcher: fetcher, start: start, logger: logger.Named("navmenu")}
}

func (s *NavMenuStrategy) Name() string { return "navmenu" }

func (s *NavMenuStrategy) Discover(ctx context.Context) iter.Seq[string] {
	return func(yield func(string) bool) {
		doc, ok := fetchDocument(ctx, s.fetcher, s.start, s.logger)
		if !ok {
			return
		}
		var hrefs []string
		doc.Find(navSelectors).Each(func(_ int, a *goquery.Selection) {
			href, _ := a.Attr("href")
			hrefs = append(hrefs, href)
		})
		internalOnly(s.start, utils.ResolveAll(s.start, hrefs), yield)
	}
}

// SearchStrategy queries the site's own search for each term and yields the
// result links found in the main content.
type SearchStrategy struct {
	fetcher repository.Fetcher
	base    string
	path    string
	terms   []string
	logger  *zap.Logger
}

// NewSearchStrategy searches base+path?q=term for every term.
func NewSearchStrategy(fetcher repository.Fetcher, base, path string, terms []string, logger *zap.Logger) *SearchStrategy {
	if logger == nil {
		logger = zap.NewNop()
	}
	if path == "" {
		path = "/search"
	}
	return &SearchStrategy{fetcher: fetcher, base: base, path: path, terms: terms, logger: logger.Named("search")}
}

func (s *SearchStrategy) Name() string { return "search" }

func (s *SearchStrategy) Discover(ctx context.Context) iter.Seq[string] {
	return func(yield func(string) bool) {
		b, err := url.Parse(s.base)
		if err != nil {
			return
		}
		for _, term := range s.terms {
			q := url.URL{Scheme: b.Scheme, Host: b.Host, Path: s.path, RawQuery: url.Values{"q": {term}}.Encode()}
			page := q.String()
			doc, ok := fetchDocument(ctx, s.fetcher, page, s.logger)
			if !ok {
				if ctx.Err() != nil {
					return
				}
				continue
			}
			var hrefs []string
			doc.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
				if a.ParentsFiltered("nav, header, footer").Length() > 0 {
					return
				}
				href, _ := a.Attr("href")
				hrefs = append(hrefs, href)
			})
			if !internalOnly(s.base, utils.ResolveAll(page, hrefs), yield) {
				return
			}
		}
	}
}

func fetchDocument(ctx context.Context, f repository.Fetcher, pageURL string, logger *zap.Logger) (*goquery.Document, bool) {
	res, err := f.Fetch(ctx, pageURL)
	if err != nil {
		logger.Warn("Discovery fetch failed", zap.String("url", pageURL), zap.Error(err))
		return nil, false
	}
	if res.StatusCode >= 400 {
		logger.Debug("Discovery page unavailable", zap.String("url", pageURL), zap.Int("status", res.StatusCode))
		return nil, false
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(res.Content))
	if err != nil {
		logger.Warn("Discovery page unparseable", zap.String("url", pageURL), zap.Error(err))
		return nil, false
	}
	return doc, true
}
