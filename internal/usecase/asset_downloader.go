package usecase

import (
	"context"
	"mime"
	"net/url"
	"path"
	"strings"

	"go.uber.org/zap"

	"github.com/user/catalog-crawler/internal/entity"
	"github.com/user/catalog-crawler/internal/repository"
	"github.com/user/catalog-crawler/pkg/utils"
)

// AssetDownloader fetches the images referenced by a merged entity and
// stores each distinct image once.
type AssetDownloader struct {
	fetcher  repository.AssetFetcher
	registry *DedupRegistry
	store    repository.AssetStore
	fields   []string
	logger   *zap.Logger
}

// NewAssetDownloader creates a downloader reading image URLs from fields.
func NewAssetDownloader(fetcher repository.AssetFetcher, registry *DedupRegistry, store repository.AssetStore, fields []string, logger *zap.Logger) *AssetDownloader {
	if len(fields) == 0 {
		fields = []string{"images"}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AssetDownloader{
		fetcher:  fetcher,
		registry: registry,
		store:    store,
		fields:   fields,
		logger:   logger.Named("assets"),
	}
}

// Download fetches every image of e and appends an AssetRef per stored image.
// Failures are logged per image and never abort the entity.
func (d *AssetDownloader) Download(ctx context.Context, e *entity.MergedEntity) {
	seen := make(map[string]bool)
	for _, ref := range e.Assets {
		seen[ref.SourceURL] = true
	}
	for _, src := range d.imageURLs(e) {
		if seen[src] {
			continue
		}
		seen[src] = true
		if ctx.Err() != nil {
			return
		}
		ref, ok := d.downloadOne(ctx, src)
		if ok {
			e.Assets = append(e.Assets, ref)
		}
	}
}

func (d *AssetDownloader) downloadOne(ctx context.Context, src string) (entity.AssetRef, bool) {
	data, contentType, err := d.fetcher.FetchAsset(ctx, src)
	if err != nil {
		d.logger.Warn("Asset fetch failed", zap.String("url", src), zap.Error(err))
		return entity.AssetRef{}, false
	}
	ext := assetExtension(src, contentType)

	rel, isNew, err := d.registry.RegisterOrGet(ctx, data, ext, src)
	if err == nil {
		if isNew {
			d.logger.Debug("Asset stored", zap.String("url", src), zap.String("path", rel))
		}
		return entity.AssetRef{SourceURL: src, ContentHash: ContentHash(data), Path: rel, Deduplicated: !isNew}, true
	}

	// The registry could not record the asset; keep the bytes anyway.
	d.logger.Warn("Dedup registry failed, storing asset unindexed", zap.String("url", src), zap.Error(err))
	rel = path.Join("unindexed", utils.HashURL(src)+ext)
	if werr := d.store.Write(ctx, rel, data); werr != nil {
		d.logger.Error("Asset write failed", zap.String("url", src), zap.Error(werr))
		return entity.AssetRef{}, false
	}
	return entity.AssetRef{SourceURL: src, Path: rel}, true
}

func (d *AssetDownloader) imageURLs(e *entity.MergedEntity) []string {
	var out []string
	for _, name := range d.fields {
		f, ok := e.Fields[name]
		if !ok {
			continue
		}
		items := f.Value.Items
		if !f.Value.IsList() && f.Value.Text != "" {
			items = []string{f.Value.Text}
		}
		for _, it := range items {
			if utils.IsValid(it) {
				out = append(out, it)
			}
		}
	}
	return out
}

// assetExtension prefers the URL's file extension and falls back to the
// response content type.
func assetExtension(src, contentType string) string {
	if u, err := url.Parse(src); err == nil {
		if ext := strings.ToLower(path.Ext(u.Path)); ext != "" && len(ext) <= 5 {
			return ext
		}
	}
	if mt, _, err := mime.ParseMediaType(contentType); err == nil {
		switch mt {
		case "image/jpeg":
			return ".jpg"
		case "image/png":
			return ".png"
		case "image/webp":
			return ".webp"
		case "image/gif":
			return ".gif"
		case "image/svg+xml":
			return ".svg"
		}
		if exts, _ := mime.ExtensionsByType(mt); len(exts) > 0 {
			return exts[0]
		}
	}
	return ""
}
