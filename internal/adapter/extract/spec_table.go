// Package extract turns catalog pages into raw facts for the merger.
package extract

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/user/catalog-crawler/internal/entity"
	"github.com/user/catalog-crawler/internal/repository"
	"github.com/user/catalog-crawler/pkg/units"
	"github.com/user/catalog-crawler/pkg/utils"
)

// DefaultAliases maps spec labels, lowercased, to field names.
var DefaultAliases = map[string]string{
	"power":              "power",
	"max power":          "power",
	"maximum power":      "power",
	"horsepower":         "power",
	"torque":             "torque",
	"max torque":         "torque",
	"maximum torque":     "torque",
	"displacement":       "displacement",
	"engine capacity":    "displacement",
	"capacity":           "displacement",
	"engine":             "engine",
	"engine type":        "engine",
	"bore x stroke":      "bore_stroke",
	"compression ratio":  "compression_ratio",
	"transmission":       "transmission",
	"gearbox":            "transmission",
	"dry weight":         "dry_weight",
	"wet weight":         "wet_weight",
	"curb weight":        "wet_weight",
	"kerb weight":        "wet_weight",
	"weight":             "weight",
	"seat height":        "seat_height",
	"wheelbase":          "wheelbase",
	"fuel tank capacity": "fuel_capacity",
	"fuel capacity":      "fuel_capacity",
	"tank capacity":      "fuel_capacity",
	"top speed":          "top_speed",
	"fuel consumption":   "fuel_consumption",
	"price":              "price",
	"msrp":               "price",
	"starting at":        "price",
	"colors":             "colors",
	"colours":            "colors",
	"color options":      "colors",
}

// textFields are kept as text even when they start with a number.
var textFields = map[string]bool{
	"engine":            true,
	"bore_stroke":       true,
	"compression_ratio": true,
	"transmission":      true,
	"price":             true,
}

// listFields are split into items.
var listFields = map[string]bool{"colors": true}

var (
	labelCleaner  = regexp.MustCompile(`[^a-z0-9]+`)
	listSeparator = regexp.MustCompile(`\s*[,/;|]\s*`)
)

const (
	maxLabelLength      = 40
	minDescriptionChars = 80
)

// SpecTableExtractor reads spec tables, definition lists, feature lists,
// descriptions and gallery images.
type SpecTableExtractor struct {
	aliases map[string]string
	logger  *zap.Logger
}

var _ repository.Extractor = (*SpecTableExtractor)(nil)

// NewSpecTableExtractor creates an extractor. A nil aliases map uses DefaultAliases.
func NewSpecTableExtractor(aliases map[string]string, logger *zap.Logger) *SpecTableExtractor {
	if aliases == nil {
		aliases = DefaultAliases
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SpecTableExtractor{aliases: aliases, logger: logger.Named("extract")}
}

// Extract implements repository.Extractor.
func (x *SpecTableExtractor) Extract(pageURL string, content []byte) (map[string]entity.RawValue, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(content))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", repository.ErrExtractionFailed, err)
	}
	facts := make(map[string]entity.RawValue)

	doc.Find("table tr").Each(func(_ int, row *goquery.Selection) {
		cells := row.Find("th, td")
		if cells.Length() < 2 {
			return
		}
		x.add(facts, cells.Eq(0).Text(), cells.Eq(1).Text())
	})
	doc.Find("dl").Each(func(_ int, dl *goquery.Selection) {
		dl.Find("dt").Each(func(_ int, dt *goquery.Selection) {
			x.add(facts, dt.Text(), dt.NextFiltered("dd").Text())
		})
	})
	doc.Find(`[class*="spec"] li`).Each(func(_ int, li *goquery.Selection) {
		label, value, ok := strings.Cut(li.Text(), ":")
		if ok {
			x.add(facts, label, value)
		}
	})

	if features := features(doc); len(features) > 0 {
		facts["features"] = entity.ListValue(features...)
	}
	if d := description(doc); d != "" {
		facts["description"] = entity.TextValue(d)
	}
	if imgs := images(doc, pageURL); len(imgs) > 0 {
		facts["images"] = entity.ListValue(imgs...)
	}
	x.logger.Debug("Facts extracted", zap.String("url", pageURL), zap.Int("facts", len(facts)))
	return facts, nil
}

func (x *SpecTableExtractor) add(facts map[string]entity.RawValue, rawLabel, rawValue string) {
	value := collapse(rawValue)
	name := x.field(rawLabel)
	if name == "" || value == "" {
		return
	}
	if _, dup := facts[name]; dup {
		return
	}
	facts[name] = Value(name, value)
}

// field maps a label onto a field name. Unknown labels become snake_case.
func (x *SpecTableExtractor) field(label string) string {
	l := strings.ToLower(collapse(strings.TrimSuffix(strings.TrimSpace(label), ":")))
	if l == "" || len(l) > maxLabelLength {
		return ""
	}
	if name, ok := x.aliases[l]; ok {
		return name
	}
	return strings.Trim(labelCleaner.ReplaceAllString(l, "_"), "_")
}

// Value converts a spec value into a RawValue, normalizing numbers to metric.
func Value(field, text string) entity.RawValue {
	switch {
	case listFields[field]:
		return entity.ListValue(splitItems(text)...)
	case textFields[field] || !looksNumeric(text):
		return entity.TextValue(text)
	}
	v, unit, ok := units.ParseValue(text)
	if !ok {
		return entity.TextValue(text)
	}
	metric, metricUnit := units.ToMetric(v, unit)
	out := entity.NumericValue(text, metric, metricUnit)
	if units.IsImperial(unit) {
		out = out.WithOriginal(v, unit)
	}
	return out
}

func looksNumeric(text string) bool {
	t := strings.TrimLeft(strings.ToLower(text), "~ ")
	t = strings.TrimSpace(strings.TrimPrefix(strings.TrimPrefix(t, "approx."), "approximately"))
	r, _ := utf8.DecodeRuneInString(t)
	return unicode.IsDigit(r)
}

func splitItems(text string) []string {
	var out []string
	for _, p := range listSeparator.Split(text, -1) {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func features(doc *goquery.Document) []string {
	seen := make(map[string]bool)
	var out []string
	doc.Find(`[class*="feature"] li, [id*="feature"] li`).Each(func(_ int, li *goquery.Selection) {
		item := collapse(li.Text())
		if item == "" || seen[item] {
			return
		}
		seen[item] = true
		out = append(out, item)
	})
	return out
}

func description(doc *goquery.Document) string {
	if d, ok := doc.Find(`meta[name="description"]`).Attr("content"); ok && collapse(d) != "" {
		return collapse(d)
	}
	var out string
	doc.Find("p").EachWithBreak(func(_ int, p *goquery.Selection) bool {
		if t := collapse(p.Text()); len(t) >= minDescriptionChars {
			out = t
			return false
		}
		return true
	})
	return out
}

func images(doc *goquery.Document, pageURL string) []string {
	var srcs []string
	if og, ok := doc.Find(`meta[property="og:image"]`).Attr("content"); ok {
		srcs = append(srcs, og)
	}
	doc.Find(`[class*="gallery"] img, [class*="carousel"] img, [class*="slider"] img, [class*="hero"] img`).Each(func(_ int, img *goquery.Selection) {
		src, ok := img.Attr("data-src")
		if !ok || src == "" {
			src, _ = img.Attr("src")
		}
		if src != "" && !strings.HasPrefix(src, "data:") {
			srcs = append(srcs, src)
		}
	})
	return utils.ResolveAll(pageURL, srcs)
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
