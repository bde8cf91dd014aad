package utils

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strings"

	"golang.org/x/net/publicsuffix"
)

// InvalidURL is the canonical form every malformed input normalizes to.
// Discovery discards it before it reaches the frontier.
const InvalidURL = "invalid:"

// HashURL creates a SHA256 hash of a URL string.
// This is useful for creating consistent, safe keys for Redis.
func HashURL(rawURL string) string {
	h := sha256.New()
	h.Write([]byte(rawURL))
	return hex.EncodeToString(h.Sum(nil))
}

// Normalize maps a raw URL to its canonical form. It lowercases the scheme
// and host, drops the fragment, strips a single trailing slash from any
// non-root path and keeps the query string byte for byte. Normalize never
// fails; anything it cannot canonicalize becomes InvalidURL.
func Normalize(rawURL string) string {
	raw := strings.TrimSpace(rawURL)
	if raw == "" || raw == InvalidURL {
		return InvalidURL
	}
	u, err := url.Parse(raw)
	if err != nil {
		return InvalidURL
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return InvalidURL
	}
	if u.Host == "" || u.Opaque != "" {
		return InvalidURL
	}

	var b strings.Builder
	b.WriteString(scheme)
	b.WriteString("://")
	if u.User != nil {
		b.WriteString(u.User.String())
		b.WriteByte('@')
	}
	b.WriteString(strings.ToLower(u.Host))

	path := u.EscapedPath()
	switch {
	case path == "":
		path = "/"
	case path != "/" && strings.HasSuffix(path, "/"):
		path = path[:len(path)-1]
	}
	b.WriteString(path)

	if u.RawQuery != "" || u.ForceQuery {
		b.WriteByte('?')
		b.WriteString(u.RawQuery)
	}
	return b.String()
}

// IsValid reports whether rawURL normalizes to something other than the sentinel.
func IsValid(rawURL string) bool {
	return Normalize(rawURL) != InvalidURL
}

// ToAbsoluteURL converts a relative URL to an absolute URL given a base URL.
func ToAbsoluteURL(base *url.URL, relative string) (string, error) {
	relURL, err := url.Parse(relative)
	if err != nil {
		return "", err
	}
	return base.ResolveReference(relURL).String(), nil
}

// ResolveAll resolves every href against pageURL and returns the normalized,
// valid results in input order with duplicates removed.
func ResolveAll(pageURL string, hrefs []string) []string {
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil
	}
	seen := make(map[string]struct{}, len(hrefs))
	out := make([]string, 0, len(hrefs))
	for _, href := range hrefs {
		href = strings.TrimSpace(href)
		if href == "" || strings.HasPrefix(href, "#") ||
			strings.HasPrefix(href, "javascript:") || strings.HasPrefix(href, "mailto:") || strings.HasPrefix(href, "tel:") {
			continue
		}
		abs, err := ToAbsoluteURL(base, href)
		if err != nil {
			continue
		}
		n := Normalize(abs)
		if n == InvalidURL {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}

// Host returns the lowercased hostname of rawURL, or "" when it cannot be parsed.
func Host(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

// RegistrableDomain returns the eTLD+1 of host, falling back to the host itself.
func RegistrableDomain(host string) string {
	d, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return host
	}
	return d
}

// IsInternal reports whether candidate belongs to the same registrable domain as base.
// Regional subdomains (www.example.com, ca.example.com) count as internal.
func IsInternal(base, candidate string) bool {
	bh, ch := Host(base), Host(candidate)
	if bh == "" || ch == "" {
		return false
	}
	return RegistrableDomain(bh) == RegistrableDomain(ch)
}
