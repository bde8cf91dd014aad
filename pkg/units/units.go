// Package units parses spec values such as "100 hp @ 9000 rpm" and converts
// imperial units to their metric counterparts.
package units

import (
	"math"
	"regexp"
	"strconv"
	"strings"
)

// Conversion factors to metric.
const (
	HPToKW        = 0.7457
	LbFtToNm      = 1.3558
	InchToMM      = 25.4
	FootToMM      = 304.8
	LbToKg        = 0.453592
	MPHToKMH      = 1.60934
	GallonToLiter = 3.78541
	MPGToL100KM   = 235.214
)

var (
	valueUnitPattern = regexp.MustCompile(`(\d+(?:[.,]\d+)?)(?:\s*[-–]\s*(\d+(?:[.,]\d+)?))?\s*([a-zA-Z"'][a-zA-Z./\-]*)?`)
	approxReplacer   = strings.NewReplacer("~", "", "approximately", "", "approx.", "", "approx", "", "ca.", "")
)

type conversion struct {
	target string
	apply  func(float64) float64
}

func scale(f float64) func(float64) float64 {
	return func(v float64) float64 { return v * f }
}

var conversions = map[string]conversion{
	"hp":         {"kW", scale(HPToKW)},
	"bhp":        {"kW", scale(HPToKW)},
	"horsepower": {"kW", scale(HPToKW)},
	"lb-ft":      {"Nm", scale(LbFtToNm)},
	"lbft":       {"Nm", scale(LbFtToNm)},
	"lb.ft":      {"Nm", scale(LbFtToNm)},
	"ft-lb":      {"Nm", scale(LbFtToNm)},
	"ft.lb":      {"Nm", scale(LbFtToNm)},
	"in":         {"mm", scale(InchToMM)},
	"inch":       {"mm", scale(InchToMM)},
	"inches":     {"mm", scale(InchToMM)},
	`"`:          {"mm", scale(InchToMM)},
	"ft":         {"mm", scale(FootToMM)},
	"foot":       {"mm", scale(FootToMM)},
	"feet":       {"mm", scale(FootToMM)},
	"lb":         {"kg", scale(LbToKg)},
	"lbs":        {"kg", scale(LbToKg)},
	"pound":      {"kg", scale(LbToKg)},
	"pounds":     {"kg", scale(LbToKg)},
	"mph":        {"km/h", scale(MPHToKMH)},
	"mi/h":       {"km/h", scale(MPHToKMH)},
	"gal":        {"L", scale(GallonToLiter)},
	"gallon":     {"L", scale(GallonToLiter)},
	"gallons":    {"L", scale(GallonToLiter)},
	"mpg": {"L/100km", func(v float64) float64 {
		if v <= 0 {
			return 0
		}
		return MPGToL100KM / v
	}},
}

// metricAliases maps spellings of metric units to one canonical form so that
// values from different pages compare equal.
var metricAliases = map[string]string{
	"kw": "kW", "kilowatt": "kW", "kilowatts": "kW",
	"nm": "Nm", "n-m": "Nm", "n.m": "Nm",
	"mm": "mm", "cm": "cm", "m": "m",
	"kg": "kg", "kgs": "kg",
	"l": "L", "liter": "L", "liters": "L", "litre": "L", "litres": "L", "lt": "L",
	"cc": "cc", "cm3": "cc", "ccm": "cc",
	"km/h": "km/h", "kmh": "km/h", "kph": "km/h",
	"l/100km": "L/100km",
	"rpm":     "rpm",
	"ps":      "PS", "cv": "PS",
	"v": "V", "ah": "Ah",
}

// ParseValue extracts the first number and its unit from text. Ranges
// ("150-200 kg") yield their midpoint and approximation markers are ignored.
// ok is false when text holds no number.
func ParseValue(text string) (value float64, unit string, ok bool) {
	clean := strings.TrimSpace(approxReplacer.Replace(strings.ToLower(text)))
	if clean == "" {
		return 0, "", false
	}
	m := valueUnitPattern.FindStringSubmatch(clean)
	if m == nil {
		return 0, "", false
	}
	v1, err := parseNumber(m[1])
	if err != nil {
		return 0, "", false
	}
	value = v1
	if m[2] != "" {
		if v2, err := parseNumber(m[2]); err == nil {
			value = (v1 + v2) / 2
		}
	}
	return value, strings.Trim(m[3], "-."), true
}

func parseNumber(s string) (float64, error) {
	return strconv.ParseFloat(strings.ReplaceAll(s, ",", "."), 64)
}

// ToMetric converts value from unit to its metric counterpart. Metric units
// are returned in canonical spelling; unknown units pass through lowercased.
func ToMetric(value float64, unit string) (float64, string) {
	u := strings.ToLower(strings.TrimSpace(unit))
	if c, ok := conversions[u]; ok {
		return round(c.apply(value), 2), c.target
	}
	if canon, ok := metricAliases[u]; ok {
		return value, canon
	}
	return value, u
}

// IsImperial reports whether unit has a metric conversion.
func IsImperial(unit string) bool {
	_, ok := conversions[strings.ToLower(strings.TrimSpace(unit))]
	return ok
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
