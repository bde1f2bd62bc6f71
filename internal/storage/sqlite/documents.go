package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/recrawler/internal/crawler"
)

const documentColumns = `id, url, worker_no, crawl_first, crawl_last, crawl_next, crawl_dt_ns, crawl_recurse,
	content_hash, redirect_target, error, error_fingerprint, manual, mimetype, snapshot_files, too_many_redirects`

type scanner interface {
	Scan(dest ...any) error
}

func scanDocument(row scanner) (crawler.Document, error) {
	var (
		doc                         crawler.Document
		workerNo, dtNS              sql.NullInt64
		first, last, next           sql.NullInt64
		contentHash, redirectTarget sql.NullString
		files                       string
	)
	err := row.Scan(&doc.ID, &doc.URL, &workerNo, &first, &last, &next, &dtNS, &doc.CrawlRecurse,
		&contentHash, &redirectTarget, &doc.Error, &doc.ErrorFingerprint, &doc.Manual, &doc.Mimetype,
		&files, &doc.TooManyRedirects)
	if errors.Is(err, sql.ErrNoRows) {
		return crawler.Document{}, crawler.ErrNotFound
	}
	if err != nil {
		return crawler.Document{}, err
	}
	if workerNo.Valid {
		w := int(workerNo.Int64)
		doc.WorkerNo = &w
	}
	doc.CrawlFirst = fromNanos(first)
	doc.CrawlLast = fromNanos(last)
	doc.CrawlNext = fromNanos(next)
	if dtNS.Valid {
		dt := time.Duration(dtNS.Int64)
		doc.CrawlDT = &dt
	}
	doc.ContentHash = nullString(contentHash)
	doc.RedirectTarget = nullString(redirectTarget)
	if files != "" {
		if err := json.Unmarshal([]byte(files), &doc.SnapshotFiles); err != nil {
			return crawler.Document{}, fmt.Errorf("decode snapshot_files: %w", err)
		}
	}
	return doc, nil
}

func (s *Store) queryDocument(ctx context.Context, query string, args ...any) (crawler.Document, error) {
	return scanDocument(s.db.QueryRowContext(ctx, query, args...))
}

// NextCandidate returns never-crawled rows first, then due rows.
func (s *Store) NextCandidate(ctx context.Context, now time.Time) (crawler.Document, bool, error) {
	doc, err := s.queryDocument(ctx, `SELECT `+documentColumns+` FROM documents
WHERE worker_no IS NULL AND crawl_last IS NULL ORDER BY id LIMIT 1`)
	if err == nil {
		return doc, true, nil
	}
	if !errors.Is(err, crawler.ErrNotFound) {
		return crawler.Document{}, false, fmt.Errorf("select new document: %w", err)
	}
	doc, err = s.queryDocument(ctx, `SELECT `+documentColumns+` FROM documents
WHERE worker_no IS NULL AND crawl_next IS NOT NULL AND crawl_next <= ? ORDER BY crawl_next, id LIMIT 1`,
		now.UnixNano())
	if errors.Is(err, crawler.ErrNotFound) {
		return crawler.Document{}, false, nil
	}
	if err != nil {
		return crawler.Document{}, false, fmt.Errorf("select due document: %w", err)
	}
	return doc, true, nil
}

// Claim is a single compare-and-set on worker_no.
func (s *Store) Claim(ctx context.Context, id int64, workerNo int) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE documents SET worker_no = ? WHERE id = ? AND worker_no IS NULL`,
		workerNo, id)
	if err != nil {
		return false, fmt.Errorf("claim document: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim rows affected: %w", err)
	}
	return n == 1, nil
}

func (s *Store) insertDocument(ctx context.Context, url string, workerNo *int) (crawler.Document, bool, error) {
	var w any
	if workerNo != nil {
		w = *workerNo
	}
	res, err := s.db.ExecContext(ctx, `INSERT INTO documents (url, worker_no) VALUES (?, ?)
ON CONFLICT (url) DO NOTHING`, url, w)
	if err != nil {
		return crawler.Document{}, false, fmt.Errorf("insert document: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return crawler.Document{}, false, fmt.Errorf("insert rows affected: %w", err)
	}
	doc, err := s.GetByURL(ctx, url)
	if err != nil {
		return crawler.Document{}, false, err
	}
	return doc, n == 1, nil
}

// GetOrCreate inserts url unless it exists.
func (s *Store) GetOrCreate(ctx context.Context, url string) (crawler.Document, bool, error) {
	return s.insertDocument(ctx, url, nil)
}

// CreateClaimed inserts url already owned by workerNo.
func (s *Store) CreateClaimed(ctx context.Context, url string, workerNo int) (crawler.Document, bool, error) {
	return s.insertDocument(ctx, url, &workerNo)
}

// GetByURL returns crawler.ErrNotFound when url is unknown.
func (s *Store) GetByURL(ctx context.Context, url string) (crawler.Document, error) {
	doc, err := s.queryDocument(ctx, `SELECT `+documentColumns+` FROM documents WHERE url = ?`, url)
	if err != nil && !errors.Is(err, crawler.ErrNotFound) {
		return crawler.Document{}, fmt.Errorf("select document by url: %w", err)
	}
	return doc, err
}

// Get returns crawler.ErrNotFound when id is unknown.
func (s *Store) Get(ctx context.Context, id int64) (crawler.Document, error) {
	doc, err := s.queryDocument(ctx, `SELECT `+documentColumns+` FROM documents WHERE id = ?`, id)
	if err != nil && !errors.Is(err, crawler.ErrNotFound) {
		return crawler.Document{}, fmt.Errorf("select document: %w", err)
	}
	return doc, err
}

// Save writes every mutable column of doc.
func (s *Store) Save(ctx context.Context, doc crawler.Document) error {
	files := doc.SnapshotFiles
	if files == nil {
		files = []string{}
	}
	rawFiles, err := json.Marshal(files)
	if err != nil {
		return fmt.Errorf("encode snapshot_files: %w", err)
	}
	var workerNo, dtNS any
	if doc.WorkerNo != nil {
		workerNo = *doc.WorkerNo
	}
	if doc.CrawlDT != nil {
		dtNS = int64(*doc.CrawlDT)
	}
	var contentHash, redirectTarget any
	if doc.ContentHash != nil {
		contentHash = *doc.ContentHash
	}
	if doc.RedirectTarget != nil {
		redirectTarget = *doc.RedirectTarget
	}
	_, err = s.db.ExecContext(ctx, `UPDATE documents SET
	worker_no = ?, crawl_first = ?, crawl_last = ?, crawl_next = ?, crawl_dt_ns = ?, crawl_recurse = ?,
	content_hash = ?, redirect_target = ?, error = ?, error_fingerprint = ?, manual = ?, mimetype = ?,
	snapshot_files = ?, too_many_redirects = ?
WHERE id = ?`,
		workerNo, toNanos(doc.CrawlFirst), toNanos(doc.CrawlLast), toNanos(doc.CrawlNext), dtNS, doc.CrawlRecurse,
		contentHash, redirectTarget, doc.Error, doc.ErrorFingerprint, doc.Manual, doc.Mimetype,
		string(rawFiles), doc.TooManyRedirects, doc.ID,
	)
	if err != nil {
		return fmt.Errorf("update document: %w", err)
	}
	return nil
}

// SetRecurse updates the remaining recursion budget.
func (s *Store) SetRecurse(ctx context.Context, id int64, recurse int) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE documents SET crawl_recurse = ? WHERE id = ?`, recurse, id); err != nil {
		return fmt.Errorf("update crawl_recurse: %w", err)
	}
	return nil
}

// SetManual flags id for an operator-forced reindex and makes it due at now.
func (s *Store) SetManual(ctx context.Context, id int64, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE documents SET manual = 1,
	crawl_next = CASE WHEN crawl_last IS NULL THEN crawl_next ELSE ? END WHERE id = ?`, now.UnixNano(), id)
	if err != nil {
		return fmt.Errorf("flag manual document: %w", err)
	}
	return nil
}

// ReleaseClaim clears worker_no only.
func (s *Store) ReleaseClaim(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE documents SET worker_no = NULL WHERE id = ?`, id); err != nil {
		return fmt.Errorf("release claim: %w", err)
	}
	return nil
}

// ReleaseAllClaims clears every claim and reports how many rows were held.
func (s *Store) ReleaseAllClaims(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE documents SET worker_no = NULL WHERE worker_no IS NOT NULL`)
	if err != nil {
		return 0, fmt.Errorf("release all claims: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("release rows affected: %w", err)
	}
	return n, nil
}

// Delete removes the document row.
func (s *Store) Delete(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	return nil
}

// QueueStatus counts documents by queue state at now.
func (s *Store) QueueStatus(ctx context.Context, now time.Time) (crawler.QueueStatus, error) {
	var st crawler.QueueStatus
	err := s.db.QueryRowContext(ctx, `SELECT
	COUNT(CASE WHEN crawl_last IS NULL THEN 1 END),
	COUNT(CASE WHEN crawl_last IS NOT NULL AND crawl_next IS NOT NULL THEN 1 END),
	COUNT(CASE WHEN worker_no IS NULL AND (crawl_last IS NULL OR crawl_next <= ?) THEN 1 END),
	COUNT(CASE WHEN worker_no IS NOT NULL THEN 1 END)
FROM documents`, now.UnixNano()).Scan(&st.New, &st.Recurring, &st.Pending, &st.Claimed)
	if err != nil {
		return crawler.QueueStatus{}, fmt.Errorf("count queue: %w", err)
	}
	return st, nil
}
