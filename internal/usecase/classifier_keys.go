package usecase

import (
	"encoding/json"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// pageDoc is a fetched page parsed once and shared by every classification step.
type pageDoc struct {
	url      *url.URL
	segments []string // lowercased, non-empty path segments
	doc      *goquery.Document
	text     string // visible body text
}

// keyCandidate is what a key strategy could derive from a page.
type keyCandidate struct {
	Name    string
	Year    int
	Variant string
}

func (k keyCandidate) complete() bool { return k.Name != "" && k.Year != 0 }

// KeyStrategy derives an entity name and year from one kind of evidence.
// Strategies are tried in a fixed order and the first complete candidate wins.
type KeyStrategy interface {
	Name() string
	Confidence() float64
	resolve(c *Classifier, p *pageDoc) keyCandidate
}

var (
	yearSegmentPattern  = regexp.MustCompile(`^(\d{4})$`)
	anyYearPattern      = regexp.MustCompile(`\b(19\d{2}|20\d{2})\b`)
	contentYearPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(\d{4})\s+model\b`),
		regexp.MustCompile(`(?i)\bmodel\s+year[:\s]+(\d{4})\b`),
		regexp.MustCompile(`\bMY\s*(\d{4})\b`),
	}
	titleSeparators = []string{" | ", " – ", " — ", " - ", " :: "}
	yearQueryParams = []string{"year", "model_year", "modelyear", "my"}
)

// variantTokens are labels that name a variant rather than a model.
var variantTokens = map[string]string{
	"s":   "S",
	"r":   "R",
	"sp":  "SP",
	"rs":  "RS",
	"rr":  "RR",
	"abs": "ABS",
	"se":  "SE",
}

// urlKeyStrategy reads /bikes/<slug>/<year> style paths and year query parameters.
type urlKeyStrategy struct{}

func (urlKeyStrategy) Name() string        { return "url" }
func (urlKeyStrategy) Confidence() float64 { return 0.9 }

func (urlKeyStrategy) resolve(c *Classifier, p *pageDoc) keyCandidate {
	var cand keyCandidate
	slug, rest := c.modelSlug(p.segments)
	if slug != "" {
		cand.Name, cand.Variant = splitVariant(slugToName(slug), c.cfg.Namespace)
		if cand.Variant == "" {
			for _, seg := range rest {
				if v := variantFromSegment(seg); v != "" {
					cand.Variant = v
					break
				}
			}
		}
	}
	for _, seg := range p.segments {
		if m := yearSegmentPattern.FindStringSubmatch(seg); m != nil {
			if y := c.validYear(m[1]); y != 0 {
				cand.Year = y
				break
			}
		}
	}
	if cand.Year == 0 {
		q := p.url.Query()
		for _, k := range yearQueryParams {
			if y := c.validYear(q.Get(k)); y != 0 {
				cand.Year = y
				break
			}
		}
	}
	return cand
}

// metadataKeyStrategy reads JSON-LD product data and meta tags.
type metadataKeyStrategy struct{}

func (metadataKeyStrategy) Name() string        { return "metadata" }
func (metadataKeyStrategy) Confidence() float64 { return 0.8 }

func (metadataKeyStrategy) resolve(c *Classifier, p *pageDoc) keyCandidate {
	var name, variant string
	var year int

	p.doc.Find(`script[type="application/ld+json"]`).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		for _, obj := range jsonLDObjects(s.Text()) {
			n, _ := obj["name"].(string)
			if n == "" {
				continue
			}
			for _, field := range []string{"vehicleModelDate", "modelDate", "productionDate", "releaseDate"} {
				if v, ok := obj[field]; ok {
					if y := c.firstYear(stringify(v)); y != 0 {
						name, year = n, y
						return false
					}
				}
			}
			if name == "" {
				name = n
			}
		}
		return true
	})

	if metaName := metaContent(p.doc, "model"); metaName != "" {
		name = metaName
	}
	if y := c.validYear(metaContent(p.doc, "model-year")); y != 0 {
		year = y
	}

	if name == "" || year == 0 {
		if og := metaContent(p.doc, "og:title"); og != "" {
			ogName, ogYear := c.nameAndYear(og)
			if name == "" {
				name = ogName
			}
			if year == 0 {
				year = ogYear
			}
		}
	}

	name, variant = splitVariant(c.stripYear(name), c.cfg.Namespace)
	return keyCandidate{Name: name, Year: year, Variant: variant}
}

// textKeyStrategy falls back to the page heading and year phrases in the body text.
type textKeyStrategy struct{}

func (textKeyStrategy) Name() string        { return "text" }
func (textKeyStrategy) Confidence() float64 { return 0.6 }

func (textKeyStrategy) resolve(c *Classifier, p *pageDoc) keyCandidate {
	heading := strings.TrimSpace(p.doc.Find("h1").First().Text())
	if heading == "" {
		heading = strings.TrimSpace(p.doc.Find("title").First().Text())
	}
	name, year := c.nameAndYear(heading)
	if year == 0 {
		for _, re := range contentYearPatterns {
			if m := re.FindStringSubmatch(p.text); m != nil {
				if y := c.validYear(m[1]); y != 0 {
					year = y
					break
				}
			}
		}
	}
	var variant string
	name, variant = splitVariant(name, c.cfg.Namespace)
	return keyCandidate{Name: name, Year: year, Variant: variant}
}

// modelSlug returns the path segment naming the model, found right after a
// catalog segment such as "bikes", plus the segments that follow it.
func (c *Classifier) modelSlug(segments []string) (string, []string) {
	for i, seg := range segments {
		if !c.catalog[seg] {
			continue
		}
		for j := i + 1; j < len(segments); j++ {
			if yearSegmentPattern.MatchString(segments[j]) {
				continue
			}
			return segments[j], segments[j+1:]
		}
	}
	return "", nil
}

func (c *Classifier) validYear(s string) int {
	y, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || y < c.cfg.MinYear || y > c.cfg.MaxYear {
		return 0
	}
	return y
}

func (c *Classifier) firstYear(s string) int {
	for _, m := range anyYearPattern.FindAllString(s, -1) {
		if y := c.validYear(m); y != 0 {
			return y
		}
	}
	return 0
}

// nameAndYear splits a heading such as "2024 Monster SP | Acme" into name and year.
func (c *Classifier) nameAndYear(heading string) (string, int) {
	for _, sep := range titleSeparators {
		if i := strings.Index(heading, sep); i > 0 {
			heading = heading[:i]
			break
		}
	}
	return c.stripYear(heading), c.firstYear(heading)
}

func (c *Classifier) stripYear(s string) string {
	out := anyYearPattern.ReplaceAllStringFunc(s, func(m string) string {
		if c.validYear(m) != 0 {
			return ""
		}
		return m
	})
	return strings.Join(strings.Fields(out), " ")
}

// splitVariant separates trailing variant labels from a model name and drops
// a leading brand name equal to namespace.
func splitVariant(name, namespace string) (string, string) {
	words := strings.Fields(name)
	if namespace != "" && len(words) > 1 && strings.EqualFold(words[0], namespace) {
		words = words[1:]
	}
	n := len(words)
	if n >= 3 && strings.EqualFold(words[n-2], "limited") && strings.EqualFold(words[n-1], "edition") {
		return strings.Join(words[:n-2], " "), "Limited Edition"
	}
	if n >= 2 {
		if v, ok := variantTokens[strings.ToLower(words[n-1])]; ok {
			return strings.Join(words[:n-1], " "), v
		}
	}
	return strings.Join(words, " "), ""
}

func variantFromSegment(seg string) string {
	if seg == "limited-edition" {
		return "Limited Edition"
	}
	return variantTokens[seg]
}

func slugToName(slug string) string {
	slug = strings.NewReplacer("-", " ", "_", " ", "+", " ").Replace(slug)
	if u, err := url.PathUnescape(slug); err == nil {
		slug = u
	}
	// A Caser keeps state, so each call gets its own.
	return cases.Title(language.Und).String(strings.Join(strings.Fields(slug), " "))
}

func metaContent(doc *goquery.Document, name string) string {
	sel := doc.Find(`meta[name="` + name + `"], meta[property="` + name + `"], meta[itemprop="` + name + `"]`).First()
	v, _ := sel.Attr("content")
	return strings.TrimSpace(v)
}

// jsonLDObjects flattens a JSON-LD payload (object, array or @graph) into its objects.
func jsonLDObjects(raw string) []map[string]any {
	var v any
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &v); err != nil {
		return nil
	}
	var out []map[string]any
	var walk func(any)
	walk = func(v any) {
		switch t := v.(type) {
		case []any:
			for _, e := range t {
				walk(e)
			}
		case map[string]any:
			out = append(out, t)
			if g, ok := t["@graph"]; ok {
				walk(g)
			}
		}
	}
	walk(v)
	return out
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return ""
	}
}
