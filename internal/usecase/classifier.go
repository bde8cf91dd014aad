package usecase

import (
	"bytes"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/user/catalog-crawler/internal/entity"
	"github.com/user/catalog-crawler/internal/repository"
	"github.com/user/catalog-crawler/pkg/metrics"
	"github.com/user/catalog-crawler/pkg/utils"
)

// ClassifierConfig tunes the page classifier.
type ClassifierConfig struct {
	Namespace string
	// CatalogSegments are path segments that precede a model slug.
	CatalogSegments []string
	// ListingMarkers are path segments that mark listing or comparison pages.
	ListingMarkers []string
	MinYear        int
	MaxYear        int
	// ListingThreshold is how many distinct other models a page must link
	// with equal prominence to count as a listing.
	ListingThreshold int
	// GalleryImages is the image count inside gallery containers that marks
	// a gallery page.
	GalleryImages int
	// SpecRows is the row count of a two-column table or definition list that
	// marks a specification page.
	SpecRows int
	// MinFactsPerYear is the support a year section needs before a page is
	// split per year.
	MinFactsPerYear int
}

// DefaultClassifierConfig returns the defaults with years bounded by now.
func DefaultClassifierConfig(namespace string, now time.Time) ClassifierConfig {
	return ClassifierConfig{
		Namespace:        namespace,
		CatalogSegments:  []string{"bike", "bikes", "motorcycle", "motorcycles", "model", "models", "heritage"},
		ListingMarkers:   []string{"compare", "list", "all", "browse"},
		MinYear:          1900,
		MaxYear:          now.Year() + 2,
		ListingThreshold: 3,
		GalleryImages:    6,
		SpecRows:         3,
		MinFactsPerYear:  2,
	}
}

var (
	detailSegments  = []string{"specification", "specifications", "specs", "spec", "technical", "tech-data", "technical-data", "data-sheet"}
	gallerySegments = []string{"gallery", "photos", "images", "media", "pictures"}
	primarySegments = []string{"overview", "details", "home"}
	rolePrecedence  = []entity.PageRole{entity.RolePrimary, entity.RoleDetail, entity.RoleGallery, entity.RoleOther}
)

// Classifier decides whether a fetched page describes a catalogued entity. It
// holds no mutable state, so identical inputs always give identical output.
type Classifier struct {
	cfg        ClassifierConfig
	extractor  repository.Extractor
	strategies []KeyStrategy
	catalog    map[string]bool
	listing    map[string]bool
	logger     *zap.Logger
}

// NewClassifier creates a classifier. extractor may be nil, in which case
// pages carry no raw facts.
func NewClassifier(cfg ClassifierConfig, extractor repository.Extractor, logger *zap.Logger) *Classifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Classifier{
		cfg:        cfg,
		extractor:  extractor,
		strategies: []KeyStrategy{urlKeyStrategy{}, metadataKeyStrategy{}, textKeyStrategy{}},
		catalog:    toSet(cfg.CatalogSegments),
		listing:    toSet(cfg.ListingMarkers),
		logger:     logger.Named("classifier"),
	}
	return c
}

// Strategies returns the key strategies in the order they are tried.
func (c *Classifier) Strategies() []KeyStrategy { return c.strategies }

// Classify returns one page, or one page per model year when the content
// carries several well supported years.
func (c *Classifier) Classify(pageURL string, content []byte) []entity.ClassifiedPage {
	pages := c.classify(pageURL, content)
	for _, p := range pages {
		metrics.PagesClassified.WithLabelValues(string(p.Role)).Inc()
	}
	return pages
}

func (c *Classifier) classify(pageURL string, content []byte) []entity.ClassifiedPage {
	other := []entity.ClassifiedPage{{URL: pageURL, Role: entity.RoleOther}}

	p, ok := c.parse(pageURL, content)
	if !ok {
		return other
	}
	if c.isListing(p) {
		other[0].Listing = true
		return other
	}

	var (
		cand     keyCandidate
		strategy KeyStrategy
	)
	for _, s := range c.strategies {
		if got := s.resolve(c, p); got.complete() {
			cand, strategy = got, s
			break
		}
	}
	if strategy == nil {
		return other
	}
	if cand.Variant == "" {
		// Variant labels in the path apply whichever strategy found the key.
		_, rest := c.modelSlug(p.segments)
		for _, seg := range rest {
			if v := variantFromSegment(seg); v != "" {
				cand.Variant = v
				break
			}
		}
	}

	role, urlSignal := c.role(p)
	confidence := strategy.Confidence()
	if urlSignal {
		confidence = min(1, confidence+0.05)
	}

	if sections := c.yearSections(p); len(sections) > 1 {
		out := make([]entity.ClassifiedPage, 0, len(sections))
		for _, sec := range sections {
			key := entity.EntityKey{
				Namespace:    c.cfg.Namespace,
				PrimaryName:  cand.Name,
				VariantYear:  sec.year,
				VariantLabel: cand.Variant,
			}.Canonical()
			out = append(out, entity.ClassifiedPage{
				URL:        pageURL,
				EntityKey:  &key,
				Role:       role,
				Confidence: confidence,
				RawFacts:   sec.facts,
			})
		}
		return out
	}

	key := entity.EntityKey{
		Namespace:    c.cfg.Namespace,
		PrimaryName:  cand.Name,
		VariantYear:  cand.Year,
		VariantLabel: cand.Variant,
	}.Canonical()
	return []entity.ClassifiedPage{{
		URL:        pageURL,
		EntityKey:  &key,
		Role:       role,
		Confidence: confidence,
		RawFacts:   c.extract(pageURL, content),
	}}
}

func (c *Classifier) parse(pageURL string, content []byte) (*pageDoc, bool) {
	u, err := url.Parse(pageURL)
	if err != nil || !utils.IsValid(pageURL) {
		return nil, false
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(content))
	if err != nil {
		c.logger.Warn("Unparseable page content", zap.String("url", pageURL), zap.Error(err))
		return nil, false
	}
	var segments []string
	for _, seg := range strings.Split(u.Path, "/") {
		if seg != "" {
			segments = append(segments, strings.ToLower(seg))
		}
	}
	body := doc.Find("body").Clone()
	body.Find("script, style, noscript").Remove()
	return &pageDoc{
		url:      u,
		segments: segments,
		doc:      doc,
		text:     strings.Join(strings.Fields(body.Text()), " "),
	}, true
}

// role picks the highest precedence role among the signals that fire. The
// second result reports whether the URL shape agreed with the chosen role.
func (c *Classifier) role(p *pageDoc) (entity.PageRole, bool) {
	urlSignals := map[entity.PageRole]bool{}
	slug, rest := c.modelSlug(p.segments)
	if slug != "" {
		subpage := ""
		for _, seg := range rest {
			if !yearSegmentPattern.MatchString(seg) && variantFromSegment(seg) == "" {
				subpage = seg
				break
			}
		}
		if subpage == "" || containsSegment(primarySegments, subpage) {
			urlSignals[entity.RolePrimary] = true
		}
	}
	for _, seg := range p.segments {
		if containsSegment(detailSegments, seg) {
			urlSignals[entity.RoleDetail] = true
		}
		if containsSegment(gallerySegments, seg) {
			urlSignals[entity.RoleGallery] = true
		}
	}

	signals := map[entity.PageRole]bool{}
	for r := range urlSignals {
		signals[r] = true
	}
	if c.hasSpecTable(p) {
		signals[entity.RoleDetail] = true
	}
	if c.galleryImages(p) >= c.cfg.GalleryImages {
		signals[entity.RoleGallery] = true
	}

	for _, r := range rolePrecedence {
		if signals[r] {
			return r, urlSignals[r]
		}
	}
	return entity.RoleOther, false
}

func (c *Classifier) hasSpecTable(p *pageDoc) bool {
	found := false
	p.doc.Find("table").EachWithBreak(func(_ int, t *goquery.Selection) bool {
		rows := 0
		t.Find("tr").Each(func(_ int, tr *goquery.Selection) {
			if tr.Children().Filter("th, td").Length() == 2 {
				rows++
			}
		})
		found = rows >= c.cfg.SpecRows
		return !found
	})
	if found {
		return true
	}
	p.doc.Find("dl").EachWithBreak(func(_ int, dl *goquery.Selection) bool {
		found = dl.Find("dt").Length() >= c.cfg.SpecRows && dl.Find("dd").Length() >= c.cfg.SpecRows
		return !found
	})
	return found
}

func (c *Classifier) galleryImages(p *pageDoc) int {
	return p.doc.Find(`[class*="gallery"] img, [class*="carousel"] img, [class*="slider"] img, [id*="gallery"] img`).Length()
}

// isListing reports listing and comparison pages: a listing marker in the
// path, or links to several other models with none of them dominating.
func (c *Classifier) isListing(p *pageDoc) bool {
	for _, seg := range p.segments {
		if c.listing[seg] {
			return true
		}
	}

	own, _ := c.modelSlug(p.segments)
	counts := map[string]int{}
	p.doc.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		if a.ParentsFiltered("nav, header, footer").Length() > 0 {
			return
		}
		href, _ := a.Attr("href")
		ref, err := p.url.Parse(strings.TrimSpace(href))
		if err != nil || !strings.EqualFold(ref.Host, p.url.Host) {
			return
		}
		var segs []string
		for _, s := range strings.Split(ref.Path, "/") {
			if s != "" {
				segs = append(segs, strings.ToLower(s))
			}
		}
		slug, _ := c.modelSlug(segs)
		if slug == "" || slug == own {
			return
		}
		counts[slug]++
	})
	if len(counts) < c.cfg.ListingThreshold {
		return false
	}

	lo, hi := -1, 0
	for _, n := range counts {
		if lo < 0 || n < lo {
			lo = n
		}
		hi = max(hi, n)
	}
	if hi > 3*lo {
		return false
	}
	// A model page with a "related models" strip names itself in the heading.
	if own != "" {
		heading := strings.ToLower(p.doc.Find("h1").First().Text())
		name := strings.ToLower(slugToName(own))
		if heading != "" && strings.Contains(heading, name) {
			return false
		}
	}
	return true
}

type yearSection struct {
	year  int
	facts map[string]entity.RawValue
}

// yearSections returns one section per distinct valid year marked with a
// data-year attribute, keeping only years with enough facts.
func (c *Classifier) yearSections(p *pageDoc) []yearSection {
	if c.extractor == nil {
		return nil
	}
	byYear := map[int][]byte{}
	p.doc.Find("[data-year], [data-model-year]").Each(func(_ int, s *goquery.Selection) {
		raw, ok := s.Attr("data-year")
		if !ok {
			raw, _ = s.Attr("data-model-year")
		}
		y := c.validYear(raw)
		if y == 0 {
			return
		}
		html, err := goquery.OuterHtml(s)
		if err != nil {
			return
		}
		byYear[y] = append(byYear[y], html...)
	})
	if len(byYear) < 2 {
		return nil
	}

	years := make([]int, 0, len(byYear))
	for y := range byYear {
		years = append(years, y)
	}
	sort.Ints(years)

	var out []yearSection
	for _, y := range years {
		facts := c.extract(p.url.String(), byYear[y])
		if len(facts) < c.cfg.MinFactsPerYear {
			continue
		}
		out = append(out, yearSection{year: y, facts: facts})
	}
	if len(out) < 2 {
		return nil
	}
	return out
}

func (c *Classifier) extract(pageURL string, content []byte) map[string]entity.RawValue {
	if c.extractor == nil {
		return nil
	}
	facts, err := c.extractor.Extract(pageURL, content)
	if err != nil {
		c.logger.Warn("Fact extraction failed", zap.String("url", pageURL), zap.Error(err))
		return nil
	}
	return facts
}

func containsSegment(list []string, seg string) bool {
	for _, s := range list {
		if s == seg {
			return true
		}
	}
	return false
}

func toSet(items []string) map[string]bool {
	out := make(map[string]bool, len(items))
	for _, s := range items {
		out[strings.ToLower(s)] = true
	}
	return out
}
