package usecase

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/user/catalog-crawler/internal/repository"
)

// RobotsPolicy evaluates robots.txt rules per host with caching. Fetch or
// parse errors fail open.
type RobotsPolicy struct {
	fetcher   repository.Fetcher
	userAgent string
	ttl       time.Duration
	timeout   time.Duration
	logger    *zap.Logger

	flight singleflight.Group
	mu     sync.RWMutex
	cache  map[string]robotsEntry
}

type robotsEntry struct {
	fetched time.Time
	rules   *robotstxt.RobotsData
}

// NewRobotsPolicy creates a policy that fetches robots.txt through fetcher.
func NewRobotsPolicy(fetcher repository.Fetcher, userAgent string, logger *zap.Logger) *RobotsPolicy {
	if logger == nil {
		logger = zap.NewNop()
	}
	if userAgent == "" {
		userAgent = "*"
	}
	return &RobotsPolicy{
		fetcher:   fetcher,
		userAgent: userAgent,
		ttl:       30 * time.Minute,
		timeout:   10 * time.Second,
		logger:    logger.Named("robots"),
		cache:     make(map[string]robotsEntry),
	}
}

// Admit reports whether rawURL may be crawled. It matches the frontier's
// admission hook.
func (p *RobotsPolicy) Admit(rawURL string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	return p.Allowed(ctx, rawURL)
}

// Allowed reports whether rawURL may be crawled.
func (p *RobotsPolicy) Allowed(ctx context.Context, rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil || !u.IsAbs() {
		return false
	}
	rules := p.rules(ctx, u)
	if rules == nil {
		return true
	}
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	if u.RawQuery != "" {
		path += "?" + u.RawQuery
	}
	return rules.TestAgent(path, p.userAgent)
}

// Sitemaps returns the sitemap URLs announced in the robots.txt of rawURL's host.
func (p *RobotsPolicy) Sitemaps(ctx context.Context, rawURL string) []string {
	u, err := url.Parse(rawURL)
	if err != nil || !u.IsAbs() {
		return nil
	}
	if rules := p.rules(ctx, u); rules != nil {
		return rules.Sitemaps
	}
	return nil
}

func (p *RobotsPolicy) rules(ctx context.Context, target *url.URL) *robotstxt.RobotsData {
	host := strings.ToLower(target.Host)

	p.mu.RLock()
	entry, ok := p.cache[host]
	p.mu.RUnlock()
	if ok && time.Since(entry.fetched) < p.ttl {
		return entry.rules
	}

	v, _, _ := p.flight.Do(host, func() (any, error) {
		robotsURL := target.Scheme + "://" + target.Host + "/robots.txt"
		var rules *robotstxt.RobotsData
		res, err := p.fetcher.Fetch(ctx, robotsURL)
		switch {
		case err != nil:
			p.logger.Debug("robots.txt unavailable", zap.String("host", host), zap.Error(err))
		default:
			rules, err = robotstxt.FromStatusAndBytes(res.StatusCode, res.Content)
			if err != nil {
				p.logger.Warn("robots.txt unparseable", zap.String("host", host), zap.Error(err))
				rules = nil
			}
		}
		p.mu.Lock()
		p.cache[host] = robotsEntry{fetched: time.Now(), rules: rules}
		p.mu.Unlock()
		return rules, nil
	})
	rules, _ := v.(*robotstxt.RobotsData)
	return rules
}
