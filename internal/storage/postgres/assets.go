package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/recrawler/internal/crawler"
)

const assetColumns = `id, url, filename, ref_count, download_date, last_modified, max_age, has_cache_control, etag`

func scanAsset(row pgx.Row) (crawler.Asset, error) {
	var (
		a            crawler.Asset
		downloadDate *time.Time
		lastModified *time.Time
	)
	err := row.Scan(&a.ID, &a.URL, &a.Filename, &a.RefCount, &downloadDate, &lastModified, &a.MaxAge,
		&a.HasCacheControl, &a.ETag)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.Asset{}, crawler.ErrNotFound
	}
	if err != nil {
		return crawler.Asset{}, err
	}
	a.DownloadDate = utc(downloadDate)
	a.LastModified = utc(lastModified)
	return a, nil
}

// LatestForURL returns the most recently downloaded asset row for url.
func (s *Store) LatestForURL(ctx context.Context, url string) (crawler.Asset, error) {
	a, err := scanAsset(s.pool.QueryRow(ctx, `SELECT `+assetColumns+` FROM assets
WHERE url = $1 ORDER BY download_date DESC NULLS LAST, id DESC LIMIT 1`, url))
	if err != nil && !errors.Is(err, crawler.ErrNotFound) {
		return crawler.Asset{}, fmt.Errorf("select latest asset: %w", err)
	}
	return a, err
}

// GetOrCreateAsset returns the (url, filename) row, inserting it with a zero ref_count.
func (s *Store) GetOrCreateAsset(ctx context.Context, url, filename string) (crawler.Asset, bool, error) {
	a, err := scanAsset(s.pool.QueryRow(ctx, `INSERT INTO assets (url, filename) VALUES ($1, $2)
ON CONFLICT (url, filename) DO NOTHING RETURNING `+assetColumns, url, filename))
	if err == nil {
		return a, true, nil
	}
	if !errors.Is(err, crawler.ErrNotFound) {
		return crawler.Asset{}, false, fmt.Errorf("insert asset: %w", err)
	}
	a, err = scanAsset(s.pool.QueryRow(ctx, `SELECT `+assetColumns+` FROM assets
WHERE url = $1 AND filename = $2`, url, filename))
	if err != nil {
		return crawler.Asset{}, false, fmt.Errorf("select asset: %w", err)
	}
	return a, false, nil
}

// IncrementRef adds one reference to a row.
func (s *Store) IncrementRef(ctx context.Context, id int64) error {
	if _, err := s.pool.Exec(ctx, `UPDATE assets SET ref_count = ref_count + 1 WHERE id = $1`, id); err != nil {
		return fmt.Errorf("increment ref_count: %w", err)
	}
	return nil
}

// DecrementRef removes one reference from a row, flooring at zero.
func (s *Store) DecrementRef(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx, `UPDATE assets SET ref_count = GREATEST(ref_count - 1, 0) WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("decrement ref_count: %w", err)
	}
	return nil
}

// decrementAttempts bounds the retries of DecrementRefByFilename when concurrent releasers keep
// emptying the row it picked.
const decrementAttempts = 5

// DecrementRefByFilename removes one reference from the newest referenced row sharing filename. Under
// READ COMMITTED a concurrent releaser can empty the picked row between the subselect and the update;
// the statement is retried while the filename still carries references.
func (s *Store) DecrementRefByFilename(ctx context.Context, filename string) (bool, error) {
	for range decrementAttempts {
		tag, err := s.pool.Exec(ctx, `UPDATE assets SET ref_count = ref_count - 1
WHERE ref_count > 0 AND id = (
	SELECT id FROM assets WHERE filename = $1 AND ref_count > 0
	ORDER BY download_date DESC NULLS LAST, id DESC LIMIT 1
)`, filename)
		if err != nil {
			return false, fmt.Errorf("decrement ref_count by filename: %w", err)
		}
		if tag.RowsAffected() > 0 {
			return true, nil
		}
		n, err := s.SumRefCount(ctx, filename)
		if err != nil {
			return false, err
		}
		if n <= 0 {
			return false, nil
		}
	}
	return false, fmt.Errorf("decrement ref_count by filename %q: contended after %d attempts", filename,
		decrementAttempts)
}

// SumRefCount returns the physical reference count of filename.
func (s *Store) SumRefCount(ctx context.Context, filename string) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `SELECT COALESCE(SUM(ref_count), 0) FROM assets WHERE filename = $1`, filename).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("sum ref_count: %w", err)
	}
	return n, nil
}

// DeleteUnreferenced removes every row of filename when none is referenced.
func (s *Store) DeleteUnreferenced(ctx context.Context, filename string) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM assets WHERE filename = $1 AND ref_count <= 0
AND NOT EXISTS (SELECT 1 FROM assets WHERE filename = $1 AND ref_count > 0)`, filename)
	if err != nil {
		return 0, fmt.Errorf("delete unreferenced assets: %w", err)
	}
	return tag.RowsAffected(), nil
}

// UpdateCacheMeta stores the freshness metadata of a row.
func (s *Store) UpdateCacheMeta(ctx context.Context, a crawler.Asset) error {
	_, err := s.pool.Exec(ctx, `UPDATE assets SET download_date = $2, last_modified = $3, max_age = $4,
	has_cache_control = $5, etag = $6 WHERE id = $1`,
		a.ID, a.DownloadDate, a.LastModified, a.MaxAge, a.HasCacheControl, a.ETag)
	if err != nil {
		return fmt.Errorf("update cache metadata: %w", err)
	}
	return nil
}
