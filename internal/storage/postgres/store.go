// Package postgres provides the Postgres-backed crawl store.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/recrawler/internal/crawler"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// Store implements crawler.Store on Postgres.
type Store struct {
	pool pool
}

var _ crawler.Store = (*Store)(nil)

// New connects a pgx pool using cfg.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := p.Ping(ctx); err != nil {
		p.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{pool: p}, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(p pool) (*Store, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{pool: p}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

// Migrate creates the crawl tables when they are missing.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS documents (
	id BIGSERIAL PRIMARY KEY,
	url TEXT NOT NULL UNIQUE,
	worker_no INTEGER,
	crawl_first TIMESTAMPTZ,
	crawl_last TIMESTAMPTZ,
	crawl_next TIMESTAMPTZ,
	crawl_dt_ns BIGINT,
	crawl_recurse INTEGER NOT NULL DEFAULT 0,
	content_hash TEXT,
	redirect_target TEXT,
	error TEXT NOT NULL DEFAULT '',
	error_fingerprint TEXT NOT NULL DEFAULT '',
	manual BOOLEAN NOT NULL DEFAULT FALSE,
	mimetype TEXT NOT NULL DEFAULT '',
	snapshot_files TEXT NOT NULL DEFAULT '[]',
	too_many_redirects BOOLEAN NOT NULL DEFAULT FALSE
)`,
	`CREATE INDEX IF NOT EXISTS documents_crawl_next_idx ON documents (crawl_next, id) WHERE worker_no IS NULL`,
	`CREATE TABLE IF NOT EXISTS assets (
	id BIGSERIAL PRIMARY KEY,
	url TEXT NOT NULL,
	filename TEXT NOT NULL,
	ref_count BIGINT NOT NULL DEFAULT 0,
	download_date TIMESTAMPTZ,
	last_modified TIMESTAMPTZ,
	max_age BIGINT,
	has_cache_control BOOLEAN NOT NULL DEFAULT FALSE,
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
	doc_processed BIGINT NOT NULL DEFAULT 0,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
}
