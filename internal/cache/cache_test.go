package cache

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/recrawler/internal/crawler"
	"github.com/JakeFAU/recrawler/internal/storage/local"
	"github.com/JakeFAU/recrawler/internal/storage/sqlite"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	cache   *Cache
	store   *sqlite.Store
	tree    *local.Tree
	fetcher *fakeFetcher
	clock   *fakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	store, err := sqlite.Open(context.Background(), filepath.Join(dir, "crawl.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	tree, err := local.New(local.Config{BaseDir: filepath.Join(dir, "snapshots")})
	require.NoError(t, err)
	f := &fixture{
		store:   store,
		tree:    tree,
		fetcher: &fakeFetcher{pages: map[string]crawler.Page{}},
		clock:   &fakeClock{now: testNow},
	}
	f.cache = New(Config{Root: tree.Root(), URLPrefix: "/snap/"}, store, tree, f.fetcher, f.clock, zap.NewNop())
	return f
}

func ptrTime(t time.Time) *time.Time { return &t }
func ptrInt(v int64) *int64          { return &v }
func ptrStr(s string) *string        { return &s }

func TestFreshnessMaxAgeBoundary(t *testing.T) {
	t.Parallel()

	hit := crawler.Asset{
		DownloadDate: ptrTime(testNow.Add(-59 * time.Second)),
		LastModified: ptrTime(testNow.Add(-59 * time.Second)),
		MaxAge:       ptrInt(60),
	}
	v, _ := freshness(hit, testNow)
	assert.Equal(t, fresh, v)

	miss := hit
	miss.DownloadDate = ptrTime(testNow.Add(-61 * time.Second))
	miss.LastModified = ptrTime(testNow.Add(-61 * time.Second))
	v, _ = freshness(miss, testNow)
	assert.Equal(t, stale, v)
}

func TestFreshnessRevalidatesWithCacheControl(t *testing.T) {
	t.Parallel()

	a := crawler.Asset{
		DownloadDate:    ptrTime(testNow.Add(-time.Hour)),
		LastModified:    ptrTime(testNow.Add(-time.Hour)),
		MaxAge:          ptrInt(60),
		HasCacheControl: true,
		ETag:            ptrStr(`"v1"`),
	}
	v, cond := freshness(a, testNow)
	assert.Equal(t, revalidate, v)
	require.NotNil(t, cond)
	assert.Equal(t, `"v1"`, cond.ETag)
	assert.True(t, cond.IfModifiedSince.Equal(testNow.Add(-time.Hour)))
}

func TestFreshnessHeuristic(t *testing.T) {
	t.Parallel()

	downloaded := testNow.Add(-time.Hour)
	old := crawler.Asset{DownloadDate: &downloaded, LastModified: ptrTime(downloaded.Add(-100 * time.Hour))}
	v, _ := freshness(old, testNow)
	assert.Equal(t, fresh, v, "fresh for a tenth of the 100h age")

	recent := crawler.Asset{DownloadDate: &downloaded, LastModified: ptrTime(downloaded.Add(-5 * time.Hour))}
	v, _ = freshness(recent, testNow)
	assert.Equal(t, stale, v)

	v, _ = freshness(crawler.Asset{}, testNow)
	assert.Equal(t, stale, v, "never downloaded")
}

func TestApplyHeaders(t *testing.T) {
	t.Parallel()

	date := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	t.Run("max-age with age", func(t *testing.T) {
		t.Parallel()
		var a crawler.Asset
		applyHeaders(&a, http.Header{
			"Date":          {date.Format(http.TimeFormat)},
			"Cache-Control": {"public, max-age=300"},
			"Age":           {"20"},
			"Etag":          {`"abc"`},
		}, testNow)
		require.NotNil(t, a.MaxAge)
		assert.Equal(t, int64(300), *a.MaxAge)
		assert.True(t, a.HasCacheControl)
		assert.True(t, a.LastModified.Equal(date.Add(-20*time.Second)))
		assert.True(t, a.DownloadDate.Equal(date))
		assert.Equal(t, `"abc"`, *a.ETag)
	})
	t.Run("expires relative to last-modified", func(t *testing.T) {
		t.Parallel()
		var a crawler.Asset
		applyHeaders(&a, http.Header{
			"Last-Modified": {date.Add(-time.Hour).Format(http.TimeFormat)},
			"Expires":       {date.Add(time.Hour).Format(http.TimeFormat)},
		}, testNow)
		require.NotNil(t, a.MaxAge)
		assert.Equal(t, int64(7200), *a.MaxAge)
		assert.False(t, a.HasCacheControl)
		assert.True(t, a.DownloadDate.Equal(testNow))
	})
	t.Run("no headers", func(t *testing.T) {
		t.Parallel()
		var a crawler.Asset
		applyHeaders(&a, http.Header{}, testNow)
		assert.Nil(t, a.MaxAge)
		assert.Nil(t, a.LastModified)
		assert.Nil(t, a.ETag)
		assert.True(t, a.DownloadDate.Equal(testNow))
	})
}

func TestGetOrFetchMissThenHit(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	const url = "http://127.0.0.1/logo.png"
	f.fetcher.pages[url] = crawler.Page{
		URL: url, StatusCode: http.StatusOK, Content: []byte("png"), Mimetype: "image/png",
		Headers: http.Header{"Cache-Control": {"max-age=3600"}},
	}

	res, err := f.cache.GetOrFetch(ctx, url, 1024)
	require.NoError(t, err)
	require.False(t, res.Hit())
	assert.Equal(t, "*/*", f.fetcher.last().Headers.Get("Accept"))
	assert.Equal(t, int64(1024), f.fetcher.last().MaxBytes)

	asset, err := f.cache.Write(ctx, url, res.Page.Content, res.Page.Mimetype, res.Page.Headers)
	require.NoError(t, err)
	assert.Equal(t, int64(1), asset.RefCount)

	f.clock.now = testNow.Add(10 * time.Minute)
	res, err = f.cache.GetOrFetch(ctx, url, 1024)
	require.NoError(t, err)
	require.True(t, res.Hit())
	assert.Equal(t, []byte("png"), res.Content)
	assert.Equal(t, asset.Filename, res.Asset.Filename)
	assert.Equal(t, 1, f.fetcher.count())

	refs, err := f.cache.References(ctx, asset.Filename)
	require.NoError(t, err)
	assert.Equal(t, int64(2), refs)
}

func TestGetOrFetchMissingFileRefetches(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	const url = "http://127.0.0.1/app.js"
	page := crawler.Page{URL: url, StatusCode: http.StatusOK, Content: []byte("js"), Mimetype: "text/javascript",
		Headers: http.Header{"Cache-Control": {"max-age=3600"}}}
	f.fetcher.pages[url] = page
	asset, err := f.cache.Write(ctx, url, page.Content, page.Mimetype, page.Headers)
	require.NoError(t, err)
	path, err := f.tree.Path(asset.Filename)
	require.NoError(t, err)
	require.NoError(t, os.Remove(path))

	res, err := f.cache.GetOrFetch(ctx, url, 0)
	require.NoError(t, err)
	assert.False(t, res.Hit())
	assert.Equal(t, 1, f.fetcher.count())
}

func TestGetOrFetchRevalidation(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	const url = "http://127.0.0.1/style.css"
	headers := http.Header{"Cache-Control": {"max-age=60"}, "Etag": {`"v1"`}}
	asset, err := f.cache.Write(ctx, url, []byte("body{}"), "text/css", headers)
	require.NoError(t, err)
	f.clock.now = testNow.Add(time.Hour)

	f.fetcher.pages[url] = crawler.Page{
		URL: url, StatusCode: http.StatusNotModified,
		Headers: http.Header{"Cache-Control": {"max-age=120"}, "Etag": {`"v1"`}},
	}
	res, err := f.cache.GetOrFetch(ctx, url, 0)
	require.NoError(t, err)
	require.True(t, res.Hit())
	assert.Equal(t, []byte("body{}"), res.Content)
	req := f.fetcher.last()
	require.NotNil(t, req.Conditional)
	assert.Equal(t, `"v1"`, req.Conditional.ETag)

	latest, err := f.store.LatestForURL(ctx, url)
	require.NoError(t, err)
	assert.Equal(t, int64(120), *latest.MaxAge)
	assert.Equal(t, asset.ID, latest.ID)
	assert.Equal(t, int64(2), latest.RefCount)

	f.clock.now = testNow.Add(3 * time.Hour)
	f.fetcher.pages[url] = crawler.Page{URL: url, StatusCode: http.StatusOK, Content: []byte("p{}"),
		Mimetype: "text/css"}
	res, err = f.cache.GetOrFetch(ctx, url, 0)
	require.NoError(t, err)
	assert.False(t, res.Hit())
	assert.Equal(t, []byte("p{}"), res.Page.Content)
}

func TestReleaseSharedFileDeletedOnce(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	content := []byte("same bytes")
	a, err := f.cache.Write(ctx, "http://127.0.0.1/logo.png", content, "image/png", http.Header{})
	require.NoError(t, err)
	b, err := f.cache.Write(ctx, "http://127.0.0.1//logo.png", content, "image/png", http.Header{})
	require.NoError(t, err)
	require.Equal(t, a.Filename, b.Filename)
	require.NotEqual(t, a.ID, b.ID)

	require.NoError(t, f.cache.Release(ctx, a))
	exists, err := f.tree.Exists(a.Filename)
	require.NoError(t, err)
	assert.True(t, exists, "still referenced through the second url")

	require.NoError(t, f.cache.Release(ctx, b))
	exists, err = f.tree.Exists(a.Filename)
	require.NoError(t, err)
	assert.False(t, exists)
	_, err = f.store.LatestForURL(ctx, "http://127.0.0.1/logo.png")
	require.ErrorIs(t, err, crawler.ErrNotFound)

	// A second release of an already collected file is a no-op.
	require.NoError(t, f.cache.Release(ctx, b))
	entries, err := os.ReadDir(f.tree.Root())
	require.NoError(t, err)
	assert.Empty(t, entries, "empty parent directories are pruned")
}

func TestReleaseToleratesMissingFile(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	a, err := f.cache.Write(ctx, "http://127.0.0.1/gone.txt", []byte("x"), "text/plain", http.Header{})
	require.NoError(t, err)
	path, err := f.tree.Path(a.Filename)
	require.NoError(t, err)
	require.NoError(t, os.Remove(path))

	require.NoError(t, f.cache.ReleaseFile(ctx, a.Filename))
	refs, err := f.cache.References(ctx, a.Filename)
	require.NoError(t, err)
	assert.Zero(t, refs)
}

func TestConcurrentReleaseRemovesOnce(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	a, err := f.cache.Write(ctx, "http://127.0.0.1/race.bin", []byte("r"), "application/octet-stream", http.Header{})
	require.NoError(t, err)
	_, err = f.cache.Write(ctx, "http://127.0.0.1/race.bin", []byte("r"), "application/octet-stream", http.Header{})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, f.cache.ReleaseFile(ctx, a.Filename))
		}()
	}
	wg.Wait()

	exists, err := f.tree.Exists(a.Filename)
	require.NoError(t, err)
	assert.False(t, exists)
}

// --- fakes ---

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

type fakeFetcher struct {
	mu       sync.Mutex
	pages    map[string]crawler.Page
	requests []crawler.FetchRequest
}

func (f *fakeFetcher) Fetch(_ context.Context, req crawler.FetchRequest) (crawler.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	page, ok := f.pages[req.URL]
	if !ok {
		return crawler.Page{URL: req.URL, StatusCode: http.StatusNotFound}, nil
	}
	return page, nil
}

func (f *fakeFetcher) last() crawler.FetchRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

func (f *fakeFetcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}
