package usecase

import (
	"context"
	"math/rand/v2"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/user/catalog-crawler/internal/entity"
	"github.com/user/catalog-crawler/internal/repository"
	"github.com/user/catalog-crawler/pkg/utils"
)

// FetchSlots enforces politeness for a fixed number of fetch slots. Each slot
// runs at most one fetch at a time and waits a randomized delay between
// MinDelay and MaxDelay before reusing a host. A per-host token bucket caps
// the combined rate of all slots against one host.
type FetchSlots struct {
	n        int
	minDelay time.Duration
	maxDelay time.Duration
	jitter   func(time.Duration) time.Duration

	mu       sync.Mutex
	last     map[string]time.Time
	limiters map[string]*rate.Limiter
}

// NewFetchSlots creates n slots with the given inter-request delay range.
func NewFetchSlots(n int, minDelay, maxDelay time.Duration) *FetchSlots {
	if n < 1 {
		n = 1
	}
	if maxDelay < minDelay {
		maxDelay = minDelay
	}
	return &FetchSlots{
		n:        n,
		minDelay: minDelay,
		maxDelay: maxDelay,
		jitter: func(span time.Duration) time.Duration {
			if span <= 0 {
				return 0
			}
			return rand.N(span)
		},
		last:     make(map[string]time.Time),
		limiters: make(map[string]*rate.Limiter),
	}
}

// Len returns the number of slots.
func (s *FetchSlots) Len() int { return s.n }

// Wait blocks until slot may fetch from host.
func (s *FetchSlots) Wait(ctx context.Context, slot int, host string) error {
	if s == nil {
		return nil
	}
	host = strings.ToLower(host)
	key := strconv.Itoa(slot%s.n) + "|" + host
	delay := s.minDelay + s.jitter(s.maxDelay-s.minDelay)

	var sleep time.Duration
	now := time.Now()
	s.mu.Lock()
	if last, ok := s.last[key]; ok {
		if rest := last.Add(delay).Sub(now); rest > 0 {
			sleep = rest
		}
	}
	limiter := s.hostLimiterLocked(host)
	s.mu.Unlock()

	if sleep > 0 {
		timer := time.NewTimer(sleep)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return err
		}
	}

	s.mu.Lock()
	s.last[key] = time.Now()
	s.mu.Unlock()
	return nil
}

func (s *FetchSlots) hostLimiterLocked(host string) *rate.Limiter {
	if s.minDelay <= 0 {
		return nil
	}
	l, ok := s.limiters[host]
	if !ok {
		// n slots each waiting minDelay give at most n requests per minDelay.
		l = rate.NewLimiter(rate.Every(s.minDelay/time.Duration(s.n)), s.n)
		s.limiters[host] = l
	}
	return l
}

// PoliteFetcher runs every fetch through one slot of a FetchSlots, one fetch
// at a time. Discovery and robots.txt requests use it so they share the
// delay and per-host budget of the workers.
type PoliteFetcher struct {
	next  repository.Fetcher
	slots *FetchSlots
	slot  int
	memo  *PageMemo
	busy  chan struct{}
}

// NewPoliteFetcher binds next to slot.
func NewPoliteFetcher(next repository.Fetcher, slots *FetchSlots, slot int) *PoliteFetcher {
	return &PoliteFetcher{next: next, slots: slots, slot: slot, busy: make(chan struct{}, 1)}
}

// WithMemo serves pages already held by memo without a request.
func (p *PoliteFetcher) WithMemo(memo *PageMemo) *PoliteFetcher {
	p.memo = memo
	return p
}

func (p *PoliteFetcher) Fetch(ctx context.Context, pageURL string) (*entity.FetchResult, error) {
	if res, ok := p.memo.Lookup(pageURL); ok {
		return res, nil
	}
	select {
	case p.busy <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-p.busy }()
	if err := p.slots.Wait(ctx, p.slot, utils.Host(pageURL)); err != nil {
		return nil, err
	}
	return p.next.Fetch(ctx, pageURL)
}

// PageMemo keeps the successful responses for a fixed set of URLs, so the
// start page fetched by bootstrap is not requested again by discovery.
type PageMemo struct {
	next  repository.Fetcher
	keep  map[string]bool
	mu    sync.Mutex
	pages map[string]*entity.FetchResult
}

// NewPageMemo remembers the responses for urls fetched through next.
func NewPageMemo(next repository.Fetcher, urls ...string) *PageMemo {
	keep := make(map[string]bool, len(urls))
	for _, u := range urls {
		if n := utils.Normalize(u); n != utils.InvalidURL {
			keep[n] = true
		}
	}
	return &PageMemo{next: next, keep: keep, pages: make(map[string]*entity.FetchResult)}
}

func (m *PageMemo) Fetch(ctx context.Context, pageURL string) (*entity.FetchResult, error) {
	if res, ok := m.Lookup(pageURL); ok {
		return res, nil
	}
	res, err := m.next.Fetch(ctx, pageURL)
	if err != nil || res == nil || res.StatusCode >= 400 {
		return res, err
	}
	if key := utils.Normalize(pageURL); m.keep[key] {
		m.mu.Lock()
		m.pages[key] = res
		m.mu.Unlock()
	}
	return res, nil
}

// Lookup returns the remembered response for pageURL.
func (m *PageMemo) Lookup(pageURL string) (*entity.FetchResult, bool) {
	if m == nil {
		return nil, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	res, ok := m.pages[utils.Normalize(pageURL)]
	return res, ok
}
