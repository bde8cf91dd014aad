package usecase

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/user/catalog-crawler/internal/entity"
	"github.com/user/catalog-crawler/internal/repository"
	"github.com/user/catalog-crawler/pkg/metrics"
	"github.com/user/catalog-crawler/pkg/utils"
)

// RetryPolicy bounds how often a transiently failing URL is refetched.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     []time.Duration
	// Staleness is how old an exhausted failure must be before a later run retries it.
	Staleness time.Duration
}

// DefaultRetryPolicy is three retries at 2s, 5s and 10s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		Backoff:     []time.Duration{2 * time.Second, 5 * time.Second, 10 * time.Second},
		Staleness:   24 * time.Hour,
	}
}

func (p RetryPolicy) delay(attempt int) time.Duration {
	if len(p.Backoff) == 0 || attempt < 1 {
		return 0
	}
	if attempt > len(p.Backoff) {
		attempt = len(p.Backoff)
	}
	return p.Backoff[attempt-1]
}

// Disposition is what the frontier did with a fetched URL.
type Disposition int

const (
	DispositionDone      Disposition = iota // fetched, now visited
	DispositionRetrying                     // transient failure, requeued with backoff
	DispositionExhausted                    // transient failures used up every retry
	DispositionRejected                     // permanent failure, now visited
)

func (d Disposition) String() string {
	switch d {
	case DispositionRetrying:
		return "retrying"
	case DispositionExhausted:
		return "exhausted"
	case DispositionRejected:
		return "rejected"
	default:
		return "done"
	}
}

// FetchOutcome reports the result of fetching a leased URL.
type FetchOutcome struct {
	Err        error
	StatusCode int
	Links      []string
}

// FrontierConfig bounds the crawl. Zero MaxPages or MaxDepth means unbounded.
type FrontierConfig struct {
	MaxPages int
	MaxDepth int
	Retry    RetryPolicy
}

// FrontierOption customizes a Frontier.
type FrontierOption func(*Frontier)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) FrontierOption {
	return func(f *Frontier) { f.now = now }
}

// WithAdmission installs a filter consulted before a URL is queued, such as robots.txt rules.
func WithAdmission(admit func(url string) bool) FrontierOption {
	return func(f *Frontier) { f.admit = admit }
}

// WithFrontierLogger sets the logger.
func WithFrontierLogger(l *zap.Logger) FrontierOption {
	return func(f *Frontier) { f.logger = l }
}

type pendingItem struct {
	url       string
	depth     int
	notBefore time.Time
}

// Frontier owns the crawl state: the visited set, the pending queue, the
// failure records and the set of finalized entity keys. All mutation goes
// through its methods and every method is safe for concurrent use.
type Frontier struct {
	cfg    FrontierConfig
	logger *zap.Logger
	now    func() time.Time
	admit  func(string) bool

	mu        sync.Mutex
	visited   map[string]struct{}
	pending   []pendingItem
	queued    map[string]struct{}
	inFlight  map[string]entity.FrontierItem
	failed    map[string]*entity.FailureRecord
	exhausted int
	processed map[string]struct{}
	producers int
	changed   chan struct{}
}

// NewFrontier creates an empty frontier.
func NewFrontier(cfg FrontierConfig, opts ...FrontierOption) *Frontier {
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = DefaultRetryPolicy()
	}
	f := &Frontier{
		cfg:       cfg,
		logger:    zap.NewNop(),
		now:       time.Now,
		visited:   make(map[string]struct{}),
		queued:    make(map[string]struct{}),
		inFlight:  make(map[string]entity.FrontierItem),
		failed:    make(map[string]*entity.FailureRecord),
		processed: make(map[string]struct{}),
		changed:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// broadcastLocked wakes every goroutine blocked in Next.
func (f *Frontier) broadcastLocked() {
	close(f.changed)
	f.changed = make(chan struct{})
	metrics.URLsPending.Set(float64(len(f.pending)))
	metrics.URLsVisited.Set(float64(len(f.visited)))
}

// knownLocked reports whether url is pending, in flight, visited or exhausted.
func (f *Frontier) knownLocked(url string) bool {
	if _, ok := f.visited[url]; ok {
		return true
	}
	if _, ok := f.queued[url]; ok {
		return true
	}
	if _, ok := f.inFlight[url]; ok {
		return true
	}
	if rec, ok := f.failed[url]; ok && rec.Exhausted {
		return true
	}
	return false
}

func (f *Frontier) sizeLocked() int {
	return len(f.visited) + len(f.queued) + len(f.inFlight) + f.exhausted
}

// Enqueue adds url at depth zero. It reports whether the URL was queued;
// known URLs, invalid URLs and URLs beyond the configured bounds are dropped silently.
func (f *Frontier) Enqueue(url string) bool {
	return f.EnqueueAt(url, 0)
}

// EnqueueAt adds url discovered at the given link depth.
func (f *Frontier) EnqueueAt(url string, depth int) bool {
	n := utils.Normalize(url)
	if n == utils.InvalidURL {
		return false
	}
	if f.cfg.MaxDepth > 0 && depth > f.cfg.MaxDepth {
		return false
	}

	f.mu.Lock()
	known := f.knownLocked(n)
	f.mu.Unlock()
	if known {
		return false
	}

	// Admission may hit the network (robots.txt), so it runs unlocked.
	if f.admit != nil && !f.admit(n) {
		f.logger.Debug("url not admitted", zap.String("url", n))
		return false
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.knownLocked(n) {
		return false
	}
	if f.cfg.MaxPages > 0 && f.sizeLocked() >= f.cfg.MaxPages {
		return false
	}
	f.pending = append(f.pending, pendingItem{url: n, depth: depth})
	f.queued[n] = struct{}{}
	f.broadcastLocked()
	return true
}

// Begin leases url directly without queueing it, for the first contact with a
// seed. It returns false when the URL is already known.
func (f *Frontier) Begin(url string) (entity.FrontierItem, bool) {
	n := utils.Normalize(url)
	if n == utils.InvalidURL {
		return entity.FrontierItem{}, false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.knownLocked(n) {
		return entity.FrontierItem{}, false
	}
	item := entity.FrontierItem{URL: n}
	f.inFlight[n] = item
	return item, true
}

// Next leases the next eligible URL. It blocks while the queue holds only
// retries waiting out their backoff, or while it is empty but fetches are in
// flight or producers are still running. It returns repository.ErrFrontierEmpty
// once nothing is pending, nothing is in flight and every producer is done.
func (f *Frontier) Next(ctx context.Context) (entity.FrontierItem, error) {
	for {
		f.mu.Lock()
		now := f.now()
		var earliest time.Time
		for i, it := range f.pending {
			if !it.notBefore.After(now) {
				f.pending = append(f.pending[:i], f.pending[i+1:]...)
				delete(f.queued, it.url)
				item := entity.FrontierItem{URL: it.url, Depth: it.depth}
				if rec, ok := f.failed[it.url]; ok {
					item.Attempt = rec.AttemptCount
				}
				f.inFlight[it.url] = item
				metrics.URLsPending.Set(float64(len(f.pending)))
				f.mu.Unlock()
				return item, nil
			}
			if earliest.IsZero() || it.notBefore.Before(earliest) {
				earliest = it.notBefore
			}
		}
		if len(f.pending) == 0 && len(f.inFlight) == 0 && f.producers == 0 {
			f.mu.Unlock()
			return entity.FrontierItem{}, repository.ErrFrontierEmpty
		}
		changed := f.changed
		f.mu.Unlock()

		var timer *time.Timer
		var timeout <-chan time.Time
		if !earliest.IsZero() {
			timer = time.NewTimer(earliest.Sub(now))
			timeout = timer.C
		}
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return entity.FrontierItem{}, ctx.Err()
		case <-changed:
		case <-timeout:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// MarkFetched records the outcome of a leased URL. On success the URL becomes
// visited and its outbound links are queued one level deeper. Transient
// failures are requeued at the front with backoff until the retry budget is
// spent; permanent failures are marked visited and never retried.
func (f *Frontier) MarkFetched(url string, outcome FetchOutcome) (Disposition, entity.FailureRecord) {
	n := utils.Normalize(url)

	if outcome.Err == nil {
		f.mu.Lock()
		item := f.inFlight[n]
		f.mu.Unlock()
		// Links are queued while the URL is still in flight so that Next
		// never observes an empty frontier in between.
		for _, link := range outcome.Links {
			f.EnqueueAt(link, item.Depth+1)
		}
		f.mu.Lock()
		delete(f.inFlight, n)
		f.visited[n] = struct{}{}
		delete(f.failed, n)
		f.broadcastLocked()
		f.mu.Unlock()
		return DispositionDone, entity.FailureRecord{}
	}

	f.mu.Lock()
	item := f.inFlight[n]
	delete(f.inFlight, n)
	now := f.now()
	defer f.mu.Unlock()
	defer f.broadcastLocked()

	rec, ok := f.failed[n]
	if !ok {
		rec = &entity.FailureRecord{URL: n}
	}
	rec.LastError = outcome.Err.Error()
	rec.HTTPStatusCode = outcome.StatusCode
	rec.LastAttemptAt = now

	if entity.IsPermanent(outcome.Err) {
		// Permanent failures join the visited set, so no failure record is kept.
		delete(f.failed, n)
		f.visited[n] = struct{}{}
		out := *rec
		out.AttemptCount++
		return DispositionRejected, out
	}

	if rec.AttemptCount >= f.cfg.Retry.MaxAttempts {
		rec.Exhausted = true
		rec.NextRetryAt = time.Time{}
		f.failed[n] = rec
		f.exhausted++
		return DispositionExhausted, *rec
	}

	rec.AttemptCount++
	rec.NextRetryAt = now.Add(f.cfg.Retry.delay(rec.AttemptCount))
	f.failed[n] = rec
	f.pending = append([]pendingItem{{url: n, depth: item.Depth, notBefore: rec.NextRetryAt}}, f.pending...)
	f.queued[n] = struct{}{}
	metrics.RetriesTotal.Inc()
	return DispositionRetrying, *rec
}

// Release returns a leased URL to the front of the queue without counting an
// attempt. Workers use it when shutdown interrupts a fetch.
func (f *Frontier) Release(url string) {
	n := utils.Normalize(url)
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.inFlight[n]
	if !ok {
		return
	}
	delete(f.inFlight, n)
	f.pending = append([]pendingItem{{url: n, depth: item.Depth}}, f.pending...)
	f.queued[n] = struct{}{}
	f.broadcastLocked()
}

// Forget drops url from the visited set and the failure records so it can be
// queued again. URLs pending or in flight are left alone.
func (f *Frontier) Forget(url string) {
	n := utils.Normalize(url)
	f.mu.Lock()
	defer f.mu.Unlock()
	if rec, ok := f.failed[n]; ok && rec.Exhausted {
		f.exhausted--
	}
	delete(f.failed, n)
	delete(f.visited, n)
}

// AddProducer registers a discovery strategy. Next does not report the
// frontier empty until the returned done func has been called.
func (f *Frontier) AddProducer() (done func()) {
	f.mu.Lock()
	f.producers++
	f.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			f.producers--
			f.broadcastLocked()
			f.mu.Unlock()
		})
	}
}

// MarkEntityProcessed records that key has been finalized.
func (f *Frontier) MarkEntityProcessed(key entity.EntityKey) {
	f.mu.Lock()
	f.processed[key.String()] = struct{}{}
	f.mu.Unlock()
}

// IsEntityProcessed reports whether key was finalized in this or an earlier run.
func (f *Frontier) IsEntityProcessed(key entity.EntityKey) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.processed[key.String()]
	return ok
}

// IsVisited reports whether url has been fetched or rejected.
func (f *Frontier) IsVisited(url string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.visited[utils.Normalize(url)]
	return ok
}

// Failure returns a copy of the failure record for url, if any.
func (f *Frontier) Failure(url string) (entity.FailureRecord, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.failed[utils.Normalize(url)]
	if !ok {
		return entity.FailureRecord{}, false
	}
	return *rec, true
}

// IsPending reports whether url is waiting in the queue.
func (f *Frontier) IsPending(url string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.queued[utils.Normalize(url)]
	return ok
}

// Status reports where url stands in this crawl.
func (f *Frontier) Status(url string) entity.CrawlStatus {
	n := utils.Normalize(url)
	f.mu.Lock()
	defer f.mu.Unlock()
	st := entity.CrawlStatus{URL: n, CurrentStatus: entity.StatusNotFound}
	rec, failed := f.failed[n]
	if failed {
		st.AttemptCount = rec.AttemptCount
		st.FailureReason = rec.LastError
		t := rec.LastAttemptAt
		st.LastCrawlTimestamp = &t
	}
	switch {
	case failed && rec.Exhausted:
		st.CurrentStatus = entity.StatusFailed
	case hasKey(f.inFlight, n):
		st.CurrentStatus = entity.StatusCrawling
	case failed:
		st.CurrentStatus = entity.StatusRetrying
		t := rec.NextRetryAt
		st.NextRetryAt = &t
	case hasKey(f.queued, n):
		st.CurrentStatus = entity.StatusPending
	case hasKey(f.visited, n):
		st.CurrentStatus = entity.StatusCompleted
	}
	return st
}

func hasKey[V any](m map[string]V, k string) bool {
	_, ok := m[k]
	return ok
}

// Stats summarizes the frontier.
func (f *Frontier) Stats() entity.CrawlStats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return entity.CrawlStats{
		Visited:           len(f.visited),
		Pending:           len(f.pending),
		InFlight:          len(f.inFlight),
		Failed:            len(f.failed),
		Exhausted:         f.exhausted,
		ProcessedEntities: len(f.processed),
		ActiveProducers:   f.producers,
	}
}

// Snapshot captures the crawl state. URLs in flight are recorded as pending
// so that a resumed run fetches them again.
func (f *Frontier) Snapshot() *entity.CrawlSnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()

	snap := &entity.CrawlSnapshot{
		Version:           entity.SnapshotVersion,
		TakenAt:           f.now().UTC(),
		Visited:           make([]string, 0, len(f.visited)),
		Pending:           make([]entity.PendingEntry, 0, len(f.pending)+len(f.inFlight)),
		Failed:            make([]entity.FailureRecord, 0, len(f.failed)),
		ProcessedEntities: make([]string, 0, len(f.processed)),
	}
	for u := range f.visited {
		snap.Visited = append(snap.Visited, u)
	}
	sort.Strings(snap.Visited)

	inFlight := make([]entity.FrontierItem, 0, len(f.inFlight))
	for _, it := range f.inFlight {
		inFlight = append(inFlight, it)
	}
	sort.Slice(inFlight, func(i, j int) bool { return inFlight[i].URL < inFlight[j].URL })
	for _, it := range inFlight {
		snap.Pending = append(snap.Pending, entity.PendingEntry{URL: it.URL, Depth: it.Depth})
	}
	for _, it := range f.pending {
		snap.Pending = append(snap.Pending, entity.PendingEntry{URL: it.url, Depth: it.depth})
	}

	for _, rec := range f.failed {
		snap.Failed = append(snap.Failed, *rec)
	}
	sort.Slice(snap.Failed, func(i, j int) bool { return snap.Failed[i].URL < snap.Failed[j].URL })

	for k := range f.processed {
		snap.ProcessedEntities = append(snap.ProcessedEntities, k)
	}
	sort.Strings(snap.ProcessedEntities)
	return snap
}

// Restore replaces the crawl state with snap. Exhausted failures older than
// the staleness window are forgotten and queued again; newer ones stay failed.
func (f *Frontier) Restore(snap *entity.CrawlSnapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.visited = make(map[string]struct{}, len(snap.Visited))
	f.pending = f.pending[:0]
	f.queued = make(map[string]struct{}, len(snap.Pending))
	f.inFlight = make(map[string]entity.FrontierItem)
	f.failed = make(map[string]*entity.FailureRecord, len(snap.Failed))
	f.exhausted = 0
	f.processed = make(map[string]struct{}, len(snap.ProcessedEntities))

	for _, u := range snap.Visited {
		f.visited[utils.Normalize(u)] = struct{}{}
	}
	for _, k := range snap.ProcessedEntities {
		f.processed[k] = struct{}{}
	}

	now := f.now()
	var stale []string
	for i := range snap.Failed {
		rec := snap.Failed[i]
		rec.URL = utils.Normalize(rec.URL)
		if hasKey(f.visited, rec.URL) {
			continue
		}
		if rec.Exhausted && f.cfg.Retry.Staleness > 0 && now.Sub(rec.LastAttemptAt) >= f.cfg.Retry.Staleness {
			stale = append(stale, rec.URL)
			continue
		}
		if rec.Exhausted {
			f.exhausted++
		}
		f.failed[rec.URL] = &rec
	}

	for _, p := range snap.Pending {
		n := utils.Normalize(p.URL)
		if n == utils.InvalidURL || f.knownLocked(n) {
			continue
		}
		f.pending = append(f.pending, pendingItem{url: n, depth: p.Depth})
		f.queued[n] = struct{}{}
	}
	for _, u := range stale {
		if f.knownLocked(u) {
			continue
		}
		f.pending = append(f.pending, pendingItem{url: u})
		f.queued[u] = struct{}{}
	}
	if len(stale) > 0 {
		f.logger.Info("requeued stale failures", zap.Int("count", len(stale)))
	}
	f.broadcastLocked()
}
