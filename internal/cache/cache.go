// Package cache implements the content-addressed snapshot store. Files live in a directory tree that a
// static file server can expose directly; asset rows in the store track which URLs reference each file.
package cache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/recrawler/internal/crawler"
	"github.com/JakeFAU/recrawler/internal/hash/sha256"
	"github.com/JakeFAU/recrawler/internal/metrics"
	"github.com/JakeFAU/recrawler/internal/storage/local"
)

// HashLength is the number of hex digits of the content digest embedded in filenames.
const HashLength = 10

// Config controls filename derivation and asset fetching.
type Config struct {
	// Root is the directory holding the snapshot tree.
	Root string `mapstructure:"root"`
	// URLPrefix is prepended to filenames when rewriting references in snapshots.
	URLPrefix         string `mapstructure:"url_prefix"`
	MaxFilenameLength int    `mapstructure:"max_filename_length"`
	// MaxAssetBytes bounds the size of a fetched sub-asset. Zero means unlimited.
	MaxAssetBytes int64 `mapstructure:"max_asset_bytes"`
}

// Result is the outcome of GetOrFetch. Page is nil when the cached file was reused; otherwise the caller
// stores Page.Content through Write.
type Result struct {
	Asset   crawler.Asset
	Content []byte
	Page    *crawler.Page
}

// Hit reports whether the cached file was reused.
func (r Result) Hit() bool {
	return r.Page == nil
}

type verdict int

const (
	stale verdict = iota
	fresh
	revalidate
)

// Cache reads and writes snapshot files and their reference counts.
type Cache struct {
	cfg     Config
	store   crawler.AssetStore
	tree    *local.Tree
	fetcher crawler.Fetcher
	clock   crawler.Clock
	logger  *zap.Logger
}

// New wires a Cache. fetcher is used for sub-assets and revalidation.
func New(cfg Config, store crawler.AssetStore, tree *local.Tree, fetcher crawler.Fetcher, clock crawler.Clock,
	logger *zap.Logger,
) *Cache {
	if cfg.MaxFilenameLength <= 0 {
		cfg.MaxFilenameLength = DefaultMaxFilenameLength
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{cfg: cfg, store: store, tree: tree, fetcher: fetcher, clock: clock, logger: logger}
}

// Config returns the effective configuration.
func (c *Cache) Config() Config {
	return c.cfg
}

// GetOrFetch reuses the newest cached asset of url while it is fresh and fetches it otherwise. A reused
// asset gains one reference.
func (c *Cache) GetOrFetch(ctx context.Context, url string, maxBytes int64) (Result, error) {
	asset, err := c.store.LatestForURL(ctx, url)
	switch {
	case errors.Is(err, crawler.ErrNotFound):
	case err != nil:
		return Result{}, crawler.Fatal("lookup asset", err)
	default:
		now := c.clock.Now()
		v, cond := freshness(asset, now)
		switch v {
		case fresh:
			res, ok, err := c.reuse(ctx, asset)
			if err != nil || ok {
				return res, err
			}
		case revalidate:
			page, err := c.fetch(ctx, url, maxBytes, cond)
			if err != nil {
				return Result{}, err
			}
			if !page.NotModified() {
				metrics.ObserveCacheLookup("refresh")
				return Result{Page: &page}, nil
			}
			applyHeaders(&asset, page.Headers, now)
			if err := c.store.UpdateCacheMeta(ctx, asset); err != nil {
				return Result{}, crawler.Fatal("update asset metadata", err)
			}
			res, ok, err := c.reuse(ctx, asset)
			if err != nil || ok {
				return res, err
			}
		case stale:
		}
	}

	page, err := c.fetch(ctx, url, maxBytes, nil)
	if err != nil {
		return Result{}, err
	}
	metrics.ObserveCacheLookup("miss")
	return Result{Page: &page}, nil
}

// reuse takes a reference on asset when its file is still on disk.
func (c *Cache) reuse(ctx context.Context, asset crawler.Asset) (Result, bool, error) {
	exists, err := c.tree.Exists(asset.Filename)
	if err != nil {
		return Result{}, false, crawler.Fatal("stat snapshot file", err)
	}
	if !exists {
		c.logger.Warn("cached file missing, refetching", zap.String("url", asset.URL),
			zap.String("filename", asset.Filename))
		return Result{}, false, nil
	}
	content, err := c.tree.Read(asset.Filename)
	if err != nil {
		return Result{}, false, crawler.Fatal("read snapshot file", err)
	}
	if err := c.store.IncrementRef(ctx, asset.ID); err != nil {
		return Result{}, false, crawler.Fatal("increment asset reference", err)
	}
	asset.RefCount++
	metrics.ObserveCacheLookup("hit")
	return Result{Asset: asset, Content: content}, true, nil
}

func (c *Cache) fetch(ctx context.Context, url string, maxBytes int64, cond *crawler.Conditional) (crawler.Page, error) {
	page, err := c.fetcher.Fetch(ctx, crawler.FetchRequest{
		URL:         url,
		Headers:     http.Header{"Accept": []string{"*/*"}},
		Conditional: cond,
		MaxBytes:    maxBytes,
	})
	if err != nil {
		return crawler.Page{}, fmt.Errorf("fetch asset %s: %w", url, err)
	}
	return page, nil
}

// freshness classifies a cached asset. Explicit max-age or validators take precedence over the
// heuristic of a tenth of the content age at download time.
func freshness(a crawler.Asset, now time.Time) (verdict, *crawler.Conditional) {
	if a.DownloadDate == nil {
		return stale, nil
	}
	explicit := a.MaxAge != nil && a.LastModified != nil
	if explicit || a.ETag != nil {
		if explicit && !a.LastModified.Add(time.Duration(*a.MaxAge)*time.Second).Before(now) {
			return fresh, nil
		}
		if !a.HasCacheControl {
			return stale, nil
		}
		since := *a.DownloadDate
		cond := &crawler.Conditional{IfModifiedSince: &since}
		if a.ETag != nil {
			cond.ETag = *a.ETag
		}
		return revalidate, cond
	}
	if a.LastModified != nil {
		age := a.DownloadDate.Sub(*a.LastModified)
		if now.Before(a.DownloadDate.Add(age / 10)) {
			return fresh, nil
		}
	}
	return stale, nil
}

// Filename returns the path below the cache root that content fetched from url is stored under.
func (c *Cache) Filename(url string, content []byte, mimetype string) string {
	return DeriveFilename(url, sha256.Short(content, HashLength), Extension(url, mimetype), c.cfg.MaxFilenameLength)
}

// Write stores content for url and takes one reference on the (url, filename) row. Identical content
// maps to the same file, which is written only once.
func (c *Cache) Write(ctx context.Context, url string, content []byte, mimetype string, headers http.Header) (
	crawler.Asset, error,
) {
	filename := c.Filename(url, content, mimetype)
	written, err := c.tree.WriteIfMissing(filename, content)
	if err != nil {
		return crawler.Asset{}, crawler.Fatal("write snapshot file", err)
	}
	if written {
		metrics.ObserveCacheFile("write")
	}

	asset, created, err := c.store.GetOrCreateAsset(ctx, url, filename)
	if err != nil {
		return crawler.Asset{}, crawler.Fatal("create asset", err)
	}
	if err := c.store.IncrementRef(ctx, asset.ID); err != nil {
		return crawler.Asset{}, crawler.Fatal("increment asset reference", err)
	}
	asset.RefCount++
	applyHeaders(&asset, headers, c.clock.Now())
	if err := c.store.UpdateCacheMeta(ctx, asset); err != nil {
		return crawler.Asset{}, crawler.Fatal("update asset metadata", err)
	}
	c.logger.Debug("asset written", zap.String("url", url), zap.String("filename", filename),
		zap.Bool("new_row", created), zap.Bool("new_file", written))
	return asset, nil
}

// Release drops the reference held through asset.
func (c *Cache) Release(ctx context.Context, asset crawler.Asset) error {
	if err := c.store.DecrementRef(ctx, asset.ID); err != nil {
		return crawler.Fatal("decrement asset reference", err)
	}
	return c.collect(ctx, asset.Filename)
}

// ReleaseFile drops one reference to filename, whichever row holds it.
func (c *Cache) ReleaseFile(ctx context.Context, filename string) error {
	ok, err := c.store.DecrementRefByFilename(ctx, filename)
	if err != nil {
		return crawler.Fatal("decrement asset reference", err)
	}
	if !ok {
		c.logger.Debug("no referenced asset row", zap.String("filename", filename))
	}
	return c.collect(ctx, filename)
}

// References returns the number of live references to filename.
func (c *Cache) References(ctx context.Context, filename string) (int64, error) {
	n, err := c.store.SumRefCount(ctx, filename)
	if err != nil {
		return 0, fmt.Errorf("count references: %w", err)
	}
	return n, nil
}

// collect removes filename once no row references it. Only the caller whose delete removed the rows
// touches the file.
func (c *Cache) collect(ctx context.Context, filename string) error {
	n, err := c.store.DeleteUnreferenced(ctx, filename)
	if err != nil {
		return crawler.Fatal("delete unreferenced assets", err)
	}
	if n == 0 {
		return nil
	}
	if err := c.tree.Remove(filename); err != nil {
		return crawler.Fatal("remove snapshot file", err)
	}
	metrics.ObserveCacheFile("remove")
	c.logger.Debug("snapshot file removed", zap.String("filename", filename))
	return nil
}
