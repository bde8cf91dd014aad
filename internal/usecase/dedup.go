package usecase

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/user/catalog-crawler/internal/entity"
	"github.com/user/catalog-crawler/internal/repository"
	"github.com/user/catalog-crawler/pkg/metrics"
)

// ContentHash returns the hex SHA-256 of data.
func ContentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ContentPath is the content-addressed location of an asset: the first two
// hash characters form a directory.
func ContentPath(hash, ext string) string {
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return path.Join(hash[:2], hash[2:]+strings.ToLower(ext))
}

// DedupRegistry maps content hashes to the one stored copy of each asset.
// Concurrent registrations of the same bytes write at most once; different
// hashes proceed in parallel.
type DedupRegistry struct {
	store  repository.AssetStore
	repo   repository.AssetRepository
	now    func() time.Time
	logger *zap.Logger

	flight singleflight.Group

	mu      sync.Mutex
	entries map[string]*entity.DedupEntry
	dirty   map[string]bool
}

// NewDedupRegistry creates a registry writing through store. repo is
// optional and persists entries across runs.
func NewDedupRegistry(store repository.AssetStore, repo repository.AssetRepository, logger *zap.Logger) *DedupRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DedupRegistry{
		store:   store,
		repo:    repo,
		now:     time.Now,
		logger:  logger.Named("dedup"),
		entries: make(map[string]*entity.DedupEntry),
		dirty:   make(map[string]bool),
	}
}

// Load restores entries from the repository.
func (r *DedupRegistry) Load(ctx context.Context) error {
	if r.repo == nil {
		return nil
	}
	list, err := r.repo.List(ctx)
	if err != nil {
		return fmt.Errorf("load dedup entries: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range list {
		cp := *e
		r.entries[e.ContentHash] = &cp
	}
	return nil
}

// RegisterOrGet stores content unless identical bytes are already stored and
// returns the canonical path. isNew is true only for the caller that wrote.
// Every call counts as one reference.
func (r *DedupRegistry) RegisterOrGet(ctx context.Context, content []byte, ext, sourceURL string) (string, bool, error) {
	hash := ContentHash(content)

	r.mu.Lock()
	if e, ok := r.entries[hash]; ok {
		e.ReferenceCount++
		r.dirty[hash] = true
		p := e.CanonicalPath
		r.mu.Unlock()
		metrics.DedupLookups.WithLabelValues("hit").Inc()
		return p, false, nil
	}
	r.mu.Unlock()

	wrote := false
	v, err, _ := r.flight.Do(hash, func() (any, error) {
		r.mu.Lock()
		if e, ok := r.entries[hash]; ok {
			r.mu.Unlock()
			return e.CanonicalPath, nil
		}
		r.mu.Unlock()

		rel := ContentPath(hash, ext)
		if err := r.store.Write(ctx, rel, content); err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.entries[hash] = &entity.DedupEntry{
			ContentHash:    hash,
			CanonicalPath:  rel,
			FirstSourceURL: sourceURL,
			SizeBytes:      int64(len(content)),
			CreatedAt:      r.now(),
		}
		r.mu.Unlock()
		wrote = true
		return rel, nil
	})
	if err != nil {
		metrics.DedupLookups.WithLabelValues("error").Inc()
		return "", false, fmt.Errorf("store asset %s: %w", hash[:12], err)
	}

	r.mu.Lock()
	if e, ok := r.entries[hash]; ok {
		e.ReferenceCount++
		r.dirty[hash] = true
	}
	r.mu.Unlock()

	if wrote {
		metrics.DedupLookups.WithLabelValues("miss").Inc()
	} else {
		metrics.DedupLookups.WithLabelValues("hit").Inc()
	}
	return v.(string), wrote, nil
}

// Lookup returns a copy of the entry for hash.
func (r *DedupRegistry) Lookup(hash string) (entity.DedupEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[hash]
	if !ok {
		return entity.DedupEntry{}, false
	}
	return *e, true
}

// Entries returns copies of all entries ordered by hash.
func (r *DedupRegistry) Entries() []entity.DedupEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]entity.DedupEntry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ContentHash < out[j].ContentHash })
	return out
}

// Flush persists entries changed since the last flush.
func (r *DedupRegistry) Flush(ctx context.Context) error {
	if r.repo == nil {
		return nil
	}
	r.mu.Lock()
	pending := make([]entity.DedupEntry, 0, len(r.dirty))
	for hash := range r.dirty {
		pending = append(pending, *r.entries[hash])
	}
	r.dirty = make(map[string]bool)
	r.mu.Unlock()

	for i := range pending {
		if err := r.repo.Upsert(ctx, &pending[i]); err != nil {
			r.mu.Lock()
			for _, e := range pending[i:] {
				r.dirty[e.ContentHash] = true
			}
			r.mu.Unlock()
			return fmt.Errorf("persist dedup entry %s: %w", pending[i].ContentHash, err)
		}
	}
	return nil
}
