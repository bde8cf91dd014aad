package entity

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// BaseVariant is the label used for an entity without a named variant.
const BaseVariant = "base"

// ErrInvalidEntityKey is returned when a serialized key cannot be parsed.
var ErrInvalidEntityKey = errors.New("invalid entity key")

// EntityKey identifies a real-world entity: a model name plus a model year,
// optionally narrowed by a variant label such as "SP" or "S".
type EntityKey struct {
	Namespace    string `json:"namespace"`
	PrimaryName  string `json:"primary_name"`
	VariantYear  int    `json:"variant_year"`
	VariantLabel string `json:"variant_label,omitempty"` // empty means no variant
}

// Valid reports whether the key carries both a name and a year.
func (k EntityKey) Valid() bool {
	return strings.TrimSpace(k.PrimaryName) != "" && k.VariantYear > 0
}

// Canonical returns the key in the form used for equality: whitespace in the
// name collapsed and an empty variant replaced by BaseVariant.
func (k EntityKey) Canonical() EntityKey {
	k.Namespace = strings.ToLower(strings.TrimSpace(k.Namespace))
	k.PrimaryName = strings.Join(strings.Fields(k.PrimaryName), " ")
	label := strings.Join(strings.Fields(k.VariantLabel), " ")
	if label == "" {
		label = BaseVariant
	}
	k.VariantLabel = label
	return k
}

// Equal compares keys in canonical form. Name comparison is case-insensitive.
func (k EntityKey) Equal(other EntityKey) bool {
	return k.String() == other.String()
}

// String serializes the key as namespace/name/year/variant with each part path-escaped.
// The result is stable and is what snapshots and storage use as the key id.
func (k EntityKey) String() string {
	c := k.Canonical()
	return strings.Join([]string{
		url.PathEscape(c.Namespace),
		url.PathEscape(strings.ToLower(c.PrimaryName)),
		strconv.Itoa(c.VariantYear),
		url.PathEscape(strings.ToLower(c.VariantLabel)),
	}, "/")
}

// ParseEntityKey is the inverse of EntityKey.String. Names come back lowercased.
func ParseEntityKey(s string) (EntityKey, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 4 {
		return EntityKey{}, fmt.Errorf("%w: %q", ErrInvalidEntityKey, s)
	}
	unescaped := make([]string, 4)
	for i, p := range parts {
		u, err := url.PathUnescape(p)
		if err != nil {
			return EntityKey{}, fmt.Errorf("%w: %q: %v", ErrInvalidEntityKey, s, err)
		}
		unescaped[i] = u
	}
	year, err := strconv.Atoi(unescaped[2])
	if err != nil {
		return EntityKey{}, fmt.Errorf("%w: bad year in %q", ErrInvalidEntityKey, s)
	}
	key := EntityKey{
		Namespace:    unescaped[0],
		PrimaryName:  unescaped[1],
		VariantYear:  year,
		VariantLabel: unescaped[3],
	}
	if !key.Valid() {
		return EntityKey{}, fmt.Errorf("%w: %q", ErrInvalidEntityKey, s)
	}
	return key, nil
}
