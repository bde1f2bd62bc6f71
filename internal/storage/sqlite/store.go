// Package sqlite provides a single-file crawl store on modernc.org/sqlite for single-host deployments.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/JakeFAU/recrawler/internal/crawler"
)

// Store implements crawler.Store on SQLite. Timestamps are stored as unix nanoseconds.
type Store struct {
	db *sql.DB
}

var _ crawler.Store = (*Store)(nil)

// Open opens (creating if needed) the database at path and applies the schema. Writers are serialized
// through a single connection; busy_timeout covers other processes sharing the file.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db}
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func dsn(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
}

// Close closes the database.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close sqlite: %w", err)
	}
	return nil
}

// Migrate creates the crawl tables when they are missing.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS documents (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	url TEXT NOT NULL UNIQUE,
	worker_no INTEGER,
	crawl_first INTEGER,
	crawl_last INTEGER,
	crawl_next INTEGER,
	crawl_dt_ns INTEGER,
	crawl_recurse INTEGER NOT NULL DEFAULT 0,
	content_hash TEXT,
	redirect_target TEXT,
	error TEXT NOT NULL DEFAULT '',
	error_fingerprint TEXT NOT NULL DEFAULT '',
	manual INTEGER NOT NULL DEFAULT 0,
	mimetype TEXT NOT NULL DEFAULT '',
	snapshot_files TEXT NOT NULL DEFAULT '[]',
	too_many_redirects INTEGER NOT NULL DEFAULT 0
)`,
	`CREATE INDEX IF NOT EXISTS documents_crawl_next_idx ON documents (crawl_next, id)`,
	`CREATE TABLE IF NOT EXISTS assets (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	url TEXT NOT NULL,
	filename TEXT NOT NULL,
	ref_count INTEGER NOT NULL DEFAULT 0,
	download_date INTEGER,
	last_modified INTEGER,
	max_age INTEGER,
	has_cache_control INTEGER NOT NULL DEFAULT 0,
	etag TEXT,
	UNIQUE (url, filename)
)`,
	`CREATE INDEX IF NOT EXISTS assets_filename_idx ON assets (filename)`,
	`CREATE TABLE IF NOT EXISTS domain_settings (
	domain TEXT PRIMARY KEY,
	browse_mode TEXT NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS workers (
	worker_no INTEGER PRIMARY KEY,
	state TEXT NOT NULL,
	doc_processed INTEGER NOT NULL DEFAULT 0,
	updated_at INTEGER NOT NULL
)`,
}

func toNanos(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

func fromNanos(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(0, v.Int64).UTC()
	return &t
}

func nullString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}
