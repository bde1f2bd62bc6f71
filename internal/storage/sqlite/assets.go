package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/JakeFAU/recrawler/internal/crawler"
)

const assetColumns = `id, url, filename, ref_count, download_date, last_modified, max_age, has_cache_control, etag`

func scanAsset(row scanner) (crawler.Asset, error) {
	var (
		a                          crawler.Asset
		downloadDate, lastModified sql.NullInt64
		maxAge                     sql.NullInt64
		etag                       sql.NullString
	)
	err := row.Scan(&a.ID, &a.URL, &a.Filename, &a.RefCount, &downloadDate, &lastModified, &maxAge,
		&a.HasCacheControl, &etag)
	if errors.Is(err, sql.ErrNoRows) {
		return crawler.Asset{}, crawler.ErrNotFound
	}
	if err != nil {
		return crawler.Asset{}, err
	}
	a.DownloadDate = fromNanos(downloadDate)
	a.LastModified = fromNanos(lastModified)
	if maxAge.Valid {
		v := maxAge.Int64
		a.MaxAge = &v
	}
	a.ETag = nullString(etag)
	return a, nil
}

// LatestForURL returns the most recently downloaded asset row for url.
func (s *Store) LatestForURL(ctx context.Context, url string) (crawler.Asset, error) {
	a, err := scanAsset(s.db.QueryRowContext(ctx, `SELECT `+assetColumns+` FROM assets
WHERE url = ? ORDER BY download_date IS NULL, download_date DESC, id DESC LIMIT 1`, url))
	if err != nil && !errors.Is(err, crawler.ErrNotFound) {
		return crawler.Asset{}, fmt.Errorf("select latest asset: %w", err)
	}
	return a, err
}

// GetOrCreateAsset returns the (url, filename) row, inserting it with a zero ref_count.
func (s *Store) GetOrCreateAsset(ctx context.Context, url, filename string) (crawler.Asset, bool, error) {
	res, err := s.db.ExecContext(ctx, `INSERT INTO assets (url, filename) VALUES (?, ?)
ON CONFLICT (url, filename) DO NOTHING`, url, filename)
	if err != nil {
		return crawler.Asset{}, false, fmt.Errorf("insert asset: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return crawler.Asset{}, false, fmt.Errorf("insert asset rows affected: %w", err)
	}
	a, err := scanAsset(s.db.QueryRowContext(ctx, `SELECT `+assetColumns+` FROM assets
WHERE url = ? AND filename = ?`, url, filename))
	if err != nil {
		return crawler.Asset{}, false, fmt.Errorf("select asset: %w", err)
	}
	return a, n == 1, nil
}

func (s *Store) execAsset(ctx context.Context, op, query string, args ...any) (int64, error) {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%s rows affected: %w", op, err)
	}
	return n, nil
}

// IncrementRef adds one reference to a row.
func (s *Store) IncrementRef(ctx context.Context, id int64) error {
	_, err := s.execAsset(ctx, "increment ref_count", `UPDATE assets SET ref_count = ref_count + 1 WHERE id = ?`, id)
	return err
}

// DecrementRef removes one reference from a row, flooring at zero.
func (s *Store) DecrementRef(ctx context.Context, id int64) error {
	_, err := s.execAsset(ctx, "decrement ref_count",
		`UPDATE assets SET ref_count = MAX(ref_count - 1, 0) WHERE id = ?`, id)
	return err
}

// DecrementRefByFilename removes one reference from the newest referenced row sharing filename.
func (s *Store) DecrementRefByFilename(ctx context.Context, filename string) (bool, error) {
	n, err := s.execAsset(ctx, "decrement ref_count by filename", `UPDATE assets SET ref_count = ref_count - 1
WHERE ref_count > 0 AND id = (
	SELECT id FROM assets WHERE filename = ? AND ref_count > 0
	ORDER BY download_date IS NULL, download_date DESC, id DESC LIMIT 1
)`, filename)
	return n > 0, err
}

// SumRefCount returns the physical reference count of filename.
func (s *Store) SumRefCount(ctx context.Context, filename string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(ref_count), 0) FROM assets WHERE filename = ?`,
		filename).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("sum ref_count: %w", err)
	}
	return n, nil
}

// DeleteUnreferenced removes every row of filename when none is referenced.
func (s *Store) DeleteUnreferenced(ctx context.Context, filename string) (int64, error) {
	return s.execAsset(ctx, "delete unreferenced assets", `DELETE FROM assets WHERE filename = ? AND ref_count <= 0
AND NOT EXISTS (SELECT 1 FROM assets WHERE filename = ? AND ref_count > 0)`, filename, filename)
}

// UpdateCacheMeta stores the freshness metadata of a row.
func (s *Store) UpdateCacheMeta(ctx context.Context, a crawler.Asset) error {
	var maxAge, etag any
	if a.MaxAge != nil {
		maxAge = *a.MaxAge
	}
	if a.ETag != nil {
		etag = *a.ETag
	}
	_, err := s.execAsset(ctx, "update cache metadata", `UPDATE assets SET download_date = ?, last_modified = ?,
	max_age = ?, has_cache_control = ?, etag = ? WHERE id = ?`,
		toNanos(a.DownloadDate), toNanos(a.LastModified), maxAge, a.HasCacheControl, etag, a.ID)
	return err
}
