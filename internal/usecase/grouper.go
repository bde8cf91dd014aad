package usecase

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/user/catalog-crawler/internal/entity"
	"github.com/user/catalog-crawler/internal/repository"
	"github.com/user/catalog-crawler/pkg/metrics"
)

// ErrEntityFinalized is returned when a page targets an entity that was
// already finalized.
var ErrEntityFinalized = errors.New("entity already finalized")

// bucket holds the live state of one entity. Its mutex serializes merges for
// that key only.
type bucket struct {
	mu         sync.Mutex
	entity     *entity.MergedEntity
	lastIngest time.Time
}

// Grouper buckets classified pages by entity key and merges them.
type Grouper struct {
	merger *Merger
	now    func() time.Time
	logger *zap.Logger

	mu        sync.Mutex
	buckets   map[string]*bucket
	finalized map[string]bool
}

// NewGrouper creates a grouper using merger for conflict resolution.
func NewGrouper(merger *Merger, logger *zap.Logger) *Grouper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Grouper{
		merger:    merger,
		now:       time.Now,
		logger:    logger.Named("grouper"),
		buckets:   make(map[string]*bucket),
		finalized: make(map[string]bool),
	}
}

// Ingest folds page into the entity for its key, creating it when absent.
// Pages without a key are discarded.
func (g *Grouper) Ingest(page entity.ClassifiedPage) error {
	if page.EntityKey == nil || !page.EntityKey.Valid() {
		return nil
	}
	key := page.EntityKey.Canonical()
	id := key.String()
	now := g.now()

	g.mu.Lock()
	if g.finalized[id] {
		g.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrEntityFinalized, id)
	}
	b, ok := g.buckets[id]
	if !ok {
		b = &bucket{entity: entity.NewMergedEntity(key, now)}
		g.buckets[id] = b
	}
	g.mu.Unlock()

	b.mu.Lock()
	defer b.mu.Unlock()
	g.merger.Merge(b.entity, page)
	b.entity.UpdatedAt = now
	b.lastIngest = now
	g.logger.Debug("Page merged",
		zap.String("entity_key", id),
		zap.String("url", page.URL),
		zap.String("role", string(page.Role)),
	)
	return nil
}

// Finalize freezes the entity for key and evicts it from live state. No
// further pages may target the key.
func (g *Grouper) Finalize(key entity.EntityKey) (*entity.MergedEntity, error) {
	id := key.String()

	g.mu.Lock()
	if g.finalized[id] {
		g.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrEntityFinalized, id)
	}
	b, ok := g.buckets[id]
	if !ok {
		g.mu.Unlock()
		return nil, fmt.Errorf("entity %s: %w", id, repository.ErrNotFound)
	}
	delete(g.buckets, id)
	g.finalized[id] = true
	g.mu.Unlock()

	// Wait for an in-progress merge on this key to finish.
	b.mu.Lock()
	defer b.mu.Unlock()
	now := g.now()
	b.entity.FinalizedAt = &now
	metrics.EntitiesFinalized.Inc()
	return b.entity, nil
}

// FlushAll finalizes every live entity, in key order.
func (g *Grouper) FlushAll() []*entity.MergedEntity {
	var out []*entity.MergedEntity
	for _, key := range g.Keys() {
		e, err := g.Finalize(key)
		if err != nil {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Keys returns the keys of live entities in key order.
func (g *Grouper) Keys() []entity.EntityKey {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.keysLocked(func(*bucket) bool { return true })
}

// IdleKeys returns live keys that received no page for at least idle.
func (g *Grouper) IdleKeys(idle time.Duration) []entity.EntityKey {
	cutoff := g.now().Add(-idle)
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.keysLocked(func(b *bucket) bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		return !b.lastIngest.After(cutoff)
	})
}

func (g *Grouper) keysLocked(keep func(*bucket) bool) []entity.EntityKey {
	ids := make([]string, 0, len(g.buckets))
	for id, b := range g.buckets {
		if keep(b) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	out := make([]entity.EntityKey, 0, len(ids))
	for _, id := range ids {
		out = append(out, g.buckets[id].entity.Key)
	}
	return out
}

// Get returns a copy of the live entity for key.
func (g *Grouper) Get(key entity.EntityKey) (*entity.MergedEntity, bool) {
	g.mu.Lock()
	b, ok := g.buckets[key.String()]
	g.mu.Unlock()
	if !ok {
		return nil, false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.entity.Clone(), true
}

// Len returns the number of live entities.
func (g *Grouper) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.buckets)
}

// MarkFinalized records keys finalized in an earlier run.
func (g *Grouper) MarkFinalized(keys ...string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, id := range keys {
		g.finalized[id] = true
		delete(g.buckets, id)
	}
}

// Export returns copies of all live entities for a snapshot.
func (g *Grouper) Export() []*entity.MergedEntity {
	var out []*entity.MergedEntity
	for _, key := range g.Keys() {
		if e, ok := g.Get(key); ok {
			out = append(out, e)
		}
	}
	return out
}

// Import restores live entities from a snapshot. Entities already finalized
// are skipped.
func (g *Grouper) Import(entities []*entity.MergedEntity) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, e := range entities {
		if e == nil || !e.Key.Valid() {
			continue
		}
		id := e.Key.String()
		if g.finalized[id] {
			continue
		}
		c := e.Clone()
		if c.Fields == nil {
			c.Fields = make(map[string]entity.ResolvedField)
		}
		g.buckets[id] = &bucket{entity: c, lastIngest: c.UpdatedAt}
	}
}
