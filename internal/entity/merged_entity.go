package entity

import (
	"sort"
	"time"
)

// FieldState distinguishes a field nobody observed from one observed once or
// one observed differently by several sources.
type FieldState int

const (
	FieldAbsent FieldState = iota
	FieldSingle
	FieldConflicted
)

func (s FieldState) String() string {
	switch s {
	case FieldSingle:
		return "single"
	case FieldConflicted:
		return "conflicted"
	default:
		return "absent"
	}
}

// AlternateValue is a losing observation kept for audit.
type AlternateValue struct {
	Value     RawValue `json:"value"`
	Role      PageRole `json:"role"`
	SourceURL string   `json:"source_url"`
}

// ResolvedField is the merged value of one field.
type ResolvedField struct {
	Value            RawValue         `json:"value"`
	ContributingRole PageRole         `json:"contributing_role"`
	SourceURL        string           `json:"source_url"`
	Conflict         bool             `json:"conflict"`
	Alternates       []AlternateValue `json:"alternates,omitempty"`
}

// State reports the field's tag.
func (f *ResolvedField) State() FieldState {
	switch {
	case f == nil || f.ContributingRole == "":
		return FieldAbsent
	case f.Conflict:
		return FieldConflicted
	default:
		return FieldSingle
	}
}

// Clone returns a deep copy.
func (f ResolvedField) Clone() ResolvedField {
	out := f
	out.Value = f.Value.Clone()
	if f.Alternates != nil {
		out.Alternates = make([]AlternateValue, len(f.Alternates))
		for i, a := range f.Alternates {
			a.Value = a.Value.Clone()
			out.Alternates[i] = a
		}
	}
	return out
}

// AssetRef points at a stored, content-addressed asset.
type AssetRef struct {
	SourceURL    string `json:"source_url"`
	ContentHash  string `json:"content_hash,omitempty"`
	Path         string `json:"path"`
	Deduplicated bool   `json:"deduplicated"`
}

// MergedEntity is the fused view of every page that shares an EntityKey.
type MergedEntity struct {
	Key         EntityKey                `json:"key"`
	Fields      map[string]ResolvedField `json:"fields"`
	SourceURLs  []string                 `json:"source_urls"`
	Assets      []AssetRef               `json:"assets,omitempty"`
	FirstSeenAt time.Time                `json:"first_seen_at"`
	UpdatedAt   time.Time                `json:"updated_at"`
	FinalizedAt *time.Time               `json:"finalized_at,omitempty"`
}

// NewMergedEntity returns an empty entity for key.
func NewMergedEntity(key EntityKey, now time.Time) *MergedEntity {
	return &MergedEntity{
		Key:         key.Canonical(),
		Fields:      make(map[string]ResolvedField),
		SourceURLs:  []string{},
		FirstSeenAt: now,
		UpdatedAt:   now,
	}
}

// AddSource appends url to SourceURLs unless it is already present.
func (e *MergedEntity) AddSource(url string) {
	for _, u := range e.SourceURLs {
		if u == url {
			return
		}
	}
	e.SourceURLs = append(e.SourceURLs, url)
}

// Field returns the resolved field and whether it is present.
func (e *MergedEntity) Field(name string) (ResolvedField, bool) {
	f, ok := e.Fields[name]
	return f, ok
}

// FieldNames returns field names in sorted order.
func (e *MergedEntity) FieldNames() []string {
	names := make([]string, 0, len(e.Fields))
	for n := range e.Fields {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Conflicts returns the names of conflicted fields in sorted order.
func (e *MergedEntity) Conflicts() []string {
	var out []string
	for _, n := range e.FieldNames() {
		if e.Fields[n].Conflict {
			out = append(out, n)
		}
	}
	return out
}

// Clone returns a deep copy safe to hand to another goroutine.
func (e *MergedEntity) Clone() *MergedEntity {
	out := *e
	out.Fields = make(map[string]ResolvedField, len(e.Fields))
	for k, f := range e.Fields {
		out.Fields[k] = f.Clone()
	}
	out.SourceURLs = append([]string{}, e.SourceURLs...)
	if e.Assets != nil {
		out.Assets = append([]AssetRef{}, e.Assets...)
	}
	if e.FinalizedAt != nil {
		t := *e.FinalizedAt
		out.FinalizedAt = &t
	}
	return &out
}
