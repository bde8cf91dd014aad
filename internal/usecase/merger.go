package usecase

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/user/catalog-crawler/internal/entity"
	"github.com/user/catalog-crawler/pkg/metrics"
)

// RolePriority ranks page roles; a higher rank wins a conflict.
type RolePriority map[entity.PageRole]int

// DefaultRolePriority is DETAIL > PRIMARY > OTHER > GALLERY.
func DefaultRolePriority() RolePriority {
	p, _ := NewRolePriority([]string{"detail", "primary", "other", "gallery"})
	return p
}

// NewRolePriority builds a priority table from roles listed strongest first.
// Roles left out rank below every listed role.
func NewRolePriority(order []string) (RolePriority, error) {
	p := make(RolePriority, len(order))
	for i, name := range order {
		role, ok := entity.ParsePageRole(strings.ToLower(strings.TrimSpace(name)))
		if !ok {
			return nil, fmt.Errorf("unknown page role %q", name)
		}
		if _, dup := p[role]; dup {
			return nil, fmt.Errorf("page role %q listed twice", name)
		}
		p[role] = len(order) - i
	}
	return p, nil
}

// Rank returns the priority of role.
func (p RolePriority) Rank(role entity.PageRole) int { return p[role] }

// MergerConfig tunes conflict resolution.
type MergerConfig struct {
	Priority RolePriority
	// FreeTextFields prefer the longer, more detailed string.
	FreeTextFields []string
	// ConflictThreshold is the relative difference above which two numbers
	// are flagged as a conflict.
	ConflictThreshold float64
}

// DefaultMergerConfig returns the 10% conflict threshold and the default priority.
func DefaultMergerConfig() MergerConfig {
	return MergerConfig{
		Priority:          DefaultRolePriority(),
		FreeTextFields:    []string{"description", "summary", "overview", "story"},
		ConflictThreshold: 0.10,
	}
}

// Merger folds the raw facts of classified pages into merged entities. It is
// stateless; callers serialize access per entity.
type Merger struct {
	cfg      MergerConfig
	freeText map[string]bool
	logger   *zap.Logger
}

// NewMerger creates a merger.
func NewMerger(cfg MergerConfig, logger *zap.Logger) *Merger {
	if cfg.Priority == nil {
		cfg.Priority = DefaultRolePriority()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Merger{
		cfg:      cfg,
		freeText: toSet(cfg.FreeTextFields),
		logger:   logger.Named("merger"),
	}
}

// Merge folds page into e. Fields are visited in name order so the audit
// trail is reproducible.
func (m *Merger) Merge(e *entity.MergedEntity, page entity.ClassifiedPage) {
	e.AddSource(page.URL)

	names := make([]string, 0, len(page.RawFacts))
	for name := range page.RawFacts {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		incoming := page.RawFacts[name].Clone()
		existing, ok := e.Fields[name]
		if !ok || existing.State() == entity.FieldAbsent {
			e.Fields[name] = entity.ResolvedField{
				Value:            incoming,
				ContributingRole: page.Role,
				SourceURL:        page.URL,
			}
			continue
		}
		merged := m.resolve(name, existing, incoming, page.Role, page.URL)
		if merged.Conflict && !existing.Conflict {
			metrics.MergeConflicts.WithLabelValues(name).Inc()
			m.logger.Info("Merge conflict",
				zap.String("entity_key", e.Key.String()),
				zap.String("field", name),
				zap.String("kept", merged.Value.Text),
				zap.String("kept_role", string(merged.ContributingRole)),
				zap.String("other", incoming.Text),
				zap.String("other_url", page.URL),
			)
		}
		e.Fields[name] = merged
	}
}

// resolve applies the conflict rules to one field. Equal ranks are broken by
// the smaller source URL so the winner does not depend on arrival order.
func (m *Merger) resolve(name string, cur entity.ResolvedField, in entity.RawValue, role entity.PageRole, url string) entity.ResolvedField {
	newRank, curRank := m.cfg.Priority.Rank(role), m.cfg.Priority.Rank(cur.ContributingRole)
	wins := newRank > curRank || (newRank == curRank && url < cur.SourceURL)

	switch {
	case in.Same(cur.Value):
		if wins {
			cur.ContributingRole, cur.SourceURL = role, url
		}
		return cur

	case cur.Value.IsList() || in.IsList():
		cur.Value = unionList(cur.Value, in)
		if wins {
			cur.ContributingRole, cur.SourceURL = role, url
		}
		return cur

	case comparableNumbers(cur.Value, in):
		// Every observed value stays on the field, so checking the newcomer
		// against all of them flags the same conflicts in any order.
		if m.conflicts(in, cur) {
			cur.Conflict = true
		}
		if wins {
			return replace(cur, in, role, url)
		}
		return keep(cur, in, role, url)

	case m.freeText[name]:
		inLen, curLen := len([]rune(in.Text)), len([]rune(cur.Value.Text))
		if inLen > curLen || (inLen == curLen && wins) {
			return replace(cur, in, role, url)
		}
		return keep(cur, in, role, url)

	default:
		if wins {
			return replace(cur, in, role, url)
		}
		return keep(cur, in, role, url)
	}
}

// conflicts reports whether in differs from the value or any alternate of
// cur by more than the conflict threshold.
func (m *Merger) conflicts(in entity.RawValue, cur entity.ResolvedField) bool {
	if comparableNumbers(in, cur.Value) && relativeDifference(*in.Numeric, *cur.Value.Numeric) > m.cfg.ConflictThreshold {
		return true
	}
	for _, a := range cur.Alternates {
		if comparableNumbers(in, a.Value) && relativeDifference(*in.Numeric, *a.Value.Numeric) > m.cfg.ConflictThreshold {
			return true
		}
	}
	return false
}

// replace makes in the value of cur and keeps the prior value as an alternate.
func replace(cur entity.ResolvedField, in entity.RawValue, role entity.PageRole, url string) entity.ResolvedField {
	loser := entity.AlternateValue{Value: cur.Value, Role: cur.ContributingRole, SourceURL: cur.SourceURL}
	cur.Value, cur.ContributingRole, cur.SourceURL = in, role, url
	cur.Alternates = appendAlternate(cur.Alternates, loser)
	return cur
}

// keep leaves cur in place and records in as an alternate.
func keep(cur entity.ResolvedField, in entity.RawValue, role entity.PageRole, url string) entity.ResolvedField {
	cur.Alternates = appendAlternate(cur.Alternates, entity.AlternateValue{Value: in, Role: role, SourceURL: url})
	return cur
}

func appendAlternate(alts []entity.AlternateValue, a entity.AlternateValue) []entity.AlternateValue {
	for _, x := range alts {
		if x.Role == a.Role && x.SourceURL == a.SourceURL && x.Value.Same(a.Value) {
			return alts
		}
	}
	return append(alts, a)
}

func comparableNumbers(a, b entity.RawValue) bool {
	return a.IsNumeric() && b.IsNumeric() && a.Unit == b.Unit
}

// relativeDifference is |a-b| measured against the smaller magnitude.
func relativeDifference(a, b float64) float64 {
	if a == b {
		return 0
	}
	base := math.Min(math.Abs(a), math.Abs(b))
	if base == 0 {
		return math.Inf(1)
	}
	return math.Abs(a-b) / base
}

// unionList merges list items in first-seen order with exact-text dedup. A
// scalar on either side counts as a one-item list.
func unionList(a, b entity.RawValue) entity.RawValue {
	items := func(v entity.RawValue) []string {
		if v.IsList() {
			return v.Items
		}
		if t := strings.TrimSpace(v.Text); t != "" {
			return []string{t}
		}
		return nil
	}
	seen := make(map[string]bool)
	out := make([]string, 0, len(a.Items)+len(b.Items))
	for _, src := range [][]string{items(a), items(b)} {
		for _, it := range src {
			if !seen[it] {
				seen[it] = true
				out = append(out, it)
			}
		}
	}
	return entity.ListValue(out...)
}
