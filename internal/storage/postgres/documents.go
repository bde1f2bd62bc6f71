package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/recrawler/internal/crawler"
)

const documentColumns = `id, url, worker_no, crawl_first, crawl_last, crawl_next, crawl_dt_ns, crawl_recurse,
	content_hash, redirect_target, error, error_fingerprint, manual, mimetype, snapshot_files, too_many_redirects`

func scanDocument(row pgx.Row) (crawler.Document, error) {
	var (
		doc        crawler.Document
		dtNS       *int64
		files      string
		crawlFirst *time.Time
		crawlLast  *time.Time
		crawlNext  *time.Time
	)
	err := row.Scan(
		&doc.ID, &doc.URL, &doc.WorkerNo, &crawlFirst, &crawlLast, &crawlNext, &dtNS, &doc.CrawlRecurse,
		&doc.ContentHash, &doc.RedirectTarget, &doc.Error, &doc.ErrorFingerprint, &doc.Manual, &doc.Mimetype,
		&files, &doc.TooManyRedirects,
	)
	if err != nil {
		return crawler.Document{}, err
	}
	doc.CrawlFirst = utc(crawlFirst)
	doc.CrawlLast = utc(crawlLast)
	doc.CrawlNext = utc(crawlNext)
	if dtNS != nil {
		dt := time.Duration(*dtNS)
		doc.CrawlDT = &dt
	}
	if files != "" {
		if err := json.Unmarshal([]byte(files), &doc.SnapshotFiles); err != nil {
			return crawler.Document{}, fmt.Errorf("decode snapshot_files: %w", err)
		}
	}
	return doc, nil
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}

func (s *Store) queryDocument(ctx context.Context, query string, args ...any) (crawler.Document, error) {
	doc, err := scanDocument(s.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.Document{}, crawler.ErrNotFound
	}
	return doc, err
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
WHERE worker_no IS NULL AND crawl_next <= $1 ORDER BY crawl_next, id LIMIT 1`, now)
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
	tag, err := s.pool.Exec(ctx, `UPDATE documents SET worker_no = $1 WHERE id = $2 AND worker_no IS NULL`, workerNo, id)
	if err != nil {
		return false, fmt.Errorf("claim document: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// GetOrCreate inserts url unless it exists. The losing side of a concurrent insert reads the winner's row.
func (s *Store) GetOrCreate(ctx context.Context, url string) (crawler.Document, bool, error) {
	doc, err := s.queryDocument(ctx, `INSERT INTO documents (url) VALUES ($1)
ON CONFLICT (url) DO NOTHING RETURNING `+documentColumns, url)
	if err == nil {
		return doc, true, nil
	}
	if !errors.Is(err, crawler.ErrNotFound) {
		return crawler.Document{}, false, fmt.Errorf("insert document: %w", err)
	}
	doc, err = s.GetByURL(ctx, url)
	if err != nil {
		return crawler.Document{}, false, err
	}
	return doc, false, nil
}

// CreateClaimed inserts url already owned by workerNo.
func (s *Store) CreateClaimed(ctx context.Context, url string, workerNo int) (crawler.Document, bool, error) {
	doc, err := s.queryDocument(ctx, `INSERT INTO documents (url, worker_no) VALUES ($1, $2)
ON CONFLICT (url) DO NOTHING RETURNING `+documentColumns, url, workerNo)
	if err == nil {
		return doc, true, nil
	}
	if !errors.Is(err, crawler.ErrNotFound) {
		return crawler.Document{}, false, fmt.Errorf("insert claimed document: %w", err)
	}
	doc, err = s.GetByURL(ctx, url)
	if err != nil {
		return crawler.Document{}, false, err
	}
	return doc, false, nil
}

// GetByURL returns crawler.ErrNotFound when url is unknown.
func (s *Store) GetByURL(ctx context.Context, url string) (crawler.Document, error) {
	doc, err := s.queryDocument(ctx, `SELECT `+documentColumns+` FROM documents WHERE url = $1`, url)
	if err != nil && !errors.Is(err, crawler.ErrNotFound) {
		return crawler.Document{}, fmt.Errorf("select document by url: %w", err)
	}
	return doc, err
}

// Get returns crawler.ErrNotFound when id is unknown.
func (s *Store) Get(ctx context.Context, id int64) (crawler.Document, error) {
	doc, err := s.queryDocument(ctx, `SELECT `+documentColumns+` FROM documents WHERE id = $1`, id)
	if err != nil && !errors.Is(err, crawler.ErrNotFound) {
		return crawler.Document{}, fmt.Errorf("select document: %w", err)
	}
	return doc, err
}

// Save writes every mutable column of doc.
func (s *Store) Save(ctx context.Context, doc crawler.Document) error {
	files, err := encodeFiles(doc.SnapshotFiles)
	if err != nil {
		return err
	}
	var dtNS *int64
	if doc.CrawlDT != nil {
		v := int64(*doc.CrawlDT)
		dtNS = &v
	}
	_, err = s.pool.Exec(ctx, `UPDATE documents SET
	worker_no = $2, crawl_first = $3, crawl_last = $4, crawl_next = $5, crawl_dt_ns = $6, crawl_recurse = $7,
	content_hash = $8, redirect_target = $9, error = $10, error_fingerprint = $11, manual = $12, mimetype = $13,
	snapshot_files = $14, too_many_redirects = $15
WHERE id = $1`,
		doc.ID, doc.WorkerNo, doc.CrawlFirst, doc.CrawlLast, doc.CrawlNext, dtNS, doc.CrawlRecurse,
		doc.ContentHash, doc.RedirectTarget, doc.Error, doc.ErrorFingerprint, doc.Manual, doc.Mimetype,
		files, doc.TooManyRedirects,
	)
	if err != nil {
		return fmt.Errorf("update document: %w", err)
	}
	return nil
}

func encodeFiles(files []string) (string, error) {
	if files == nil {
		files = []string{}
	}
	raw, err := json.Marshal(files)
	if err != nil {
		return "", fmt.Errorf("encode snapshot_files: %w", err)
	}
	return string(raw), nil
}

// SetRecurse updates the remaining recursion budget.
func (s *Store) SetRecurse(ctx context.Context, id int64, recurse int) error {
	if _, err := s.pool.Exec(ctx, `UPDATE documents SET crawl_recurse = $2 WHERE id = $1`, id, recurse); err != nil {
		return fmt.Errorf("update crawl_recurse: %w", err)
	}
	return nil
}

// SetManual flags id for an operator-forced reindex and makes it due at now.
func (s *Store) SetManual(ctx context.Context, id int64, now time.Time) error {
	_, err := s.pool.Exec(ctx, `UPDATE documents SET manual = TRUE,
	crawl_next = CASE WHEN crawl_last IS NULL THEN crawl_next ELSE $2 END WHERE id = $1`, id, now)
	if err != nil {
		return fmt.Errorf("flag manual document: %w", err)
	}
	return nil
}

// ReleaseClaim clears worker_no only.
func (s *Store) ReleaseClaim(ctx context.Context, id int64) error {
	if _, err := s.pool.Exec(ctx, `UPDATE documents SET worker_no = NULL WHERE id = $1`, id); err != nil {
		return fmt.Errorf("release claim: %w", err)
	}
	return nil
}

// ReleaseAllClaims clears every claim and reports how many rows were held.
func (s *Store) ReleaseAllClaims(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `UPDATE documents SET worker_no = NULL WHERE worker_no IS NOT NULL`)
	if err != nil {
		return 0, fmt.Errorf("release all claims: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Delete removes the document row.
func (s *Store) Delete(ctx context.Context, id int64) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM documents WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	return nil
}

// QueueStatus counts documents by queue state at now.
func (s *Store) QueueStatus(ctx context.Context, now time.Time) (crawler.QueueStatus, error) {
	var st crawler.QueueStatus
	err := s.pool.QueryRow(ctx, `SELECT
	COUNT(*) FILTER (WHERE crawl_last IS NULL),
	COUNT(*) FILTER (WHERE crawl_last IS NOT NULL AND crawl_next IS NOT NULL),
	COUNT(*) FILTER (WHERE worker_no IS NULL AND (crawl_last IS NULL OR crawl_next <= $1)),
	COUNT(*) FILTER (WHERE worker_no IS NOT NULL)
FROM documents`, now).Scan(&st.New, &st.Recurring, &st.Pending, &st.Claimed)
	if err != nil {
		return crawler.QueueStatus{}, fmt.Errorf("count queue: %w", err)
	}
	return st, nil
}
