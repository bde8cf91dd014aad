package entity

import "time"

// PageRole is the part a page plays in describing an entity.
type PageRole string

const (
	RolePrimary PageRole = "primary" // landing/overview page of the entity
	RoleDetail  PageRole = "detail"  // technical specification page
	RoleGallery PageRole = "gallery" // image-dominant page
	RoleOther   PageRole = "other"
)

// ParsePageRole maps a config string onto a role.
func ParsePageRole(s string) (PageRole, bool) {
	switch PageRole(s) {
	case RolePrimary, RoleDetail, RoleGallery, RoleOther:
		return PageRole(s), true
	}
	return "", false
}

// RawValue is a single extracted fact. Numeric is set when the text parsed as
// a number; Unit is then the metric unit it was converted to, and
// OriginalNumeric/OriginalUnit keep the figure as printed when a conversion
// happened. Items holds the members of a list-valued field such as a feature
// set.
type RawValue struct {
	Text            string   `json:"text"`
	Numeric         *float64 `json:"numeric,omitempty"`
	Unit            string   `json:"unit,omitempty"`
	OriginalNumeric *float64 `json:"original_numeric,omitempty"`
	OriginalUnit    string   `json:"original_unit,omitempty"`
	Items           []string `json:"items,omitempty"`
}

// IsList reports whether the value is list-valued.
func (v RawValue) IsList() bool { return v.Items != nil }

// IsNumeric reports whether the value carries a parsed number.
func (v RawValue) IsNumeric() bool { return v.Numeric != nil }

// Same reports whether two values are identical observations.
func (v RawValue) Same(o RawValue) bool {
	if v.IsList() || o.IsList() {
		if len(v.Items) != len(o.Items) {
			return false
		}
		for i := range v.Items {
			if v.Items[i] != o.Items[i] {
				return false
			}
		}
		return true
	}
	if v.IsNumeric() && o.IsNumeric() {
		return *v.Numeric == *o.Numeric && v.Unit == o.Unit
	}
	return v.Text == o.Text
}

// Clone returns a deep copy.
func (v RawValue) Clone() RawValue {
	out := v
	if v.Numeric != nil {
		n := *v.Numeric
		out.Numeric = &n
	}
	if v.OriginalNumeric != nil {
		n := *v.OriginalNumeric
		out.OriginalNumeric = &n
	}
	if v.Items != nil {
		out.Items = append([]string{}, v.Items...)
	}
	return out
}

// NumericValue builds a RawValue holding a number.
func NumericValue(text string, value float64, unit string) RawValue {
	return RawValue{Text: text, Numeric: &value, Unit: unit}
}

// WithOriginal records the number and unit v was converted from.
func (v RawValue) WithOriginal(value float64, unit string) RawValue {
	v.OriginalNumeric = &value
	v.OriginalUnit = unit
	return v
}

// TextValue builds a plain text RawValue.
func TextValue(text string) RawValue {
	return RawValue{Text: text}
}

// ListValue builds a list-valued RawValue.
func ListValue(items ...string) RawValue {
	if items == nil {
		items = []string{}
	}
	return RawValue{Items: items}
}

// ClassifiedPage is the classifier's verdict for one fetched page. EntityKey is
// nil when the page has no resolvable identity.
type ClassifiedPage struct {
	URL        string              `json:"url"`
	EntityKey  *EntityKey          `json:"entity_key,omitempty"`
	Role       PageRole            `json:"role"`
	Confidence float64             `json:"confidence"`
	RawFacts   map[string]RawValue `json:"raw_facts,omitempty"`
	Listing    bool                `json:"listing,omitempty"`
}

// FetchResult is what a fetcher returns for a URL.
type FetchResult struct {
	URL         string
	StatusCode  int
	ContentType string
	Content     []byte
	Links       []string
	Duration    time.Duration
}

// FrontierItem is a URL leased from the frontier to a worker.
type FrontierItem struct {
	URL     string `json:"url"`
	Depth   int    `json:"depth"`
	Attempt int    `json:"attempt"`
}
