package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/recrawler/internal/crawler"
)

// GetBrowseMode returns the reconciled mode of domain, or detect when none was pinned yet.
func (s *Store) GetBrowseMode(ctx context.Context, domain string) (crawler.BrowseMode, error) {
	var mode string
	err := s.pool.QueryRow(ctx, `SELECT browse_mode FROM domain_settings WHERE domain = $1`, domain).Scan(&mode)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.BrowseDetect, nil
	}
	if err != nil {
		return "", fmt.Errorf("select browse mode: %w", err)
	}
	return crawler.BrowseMode(mode), nil
}

// SetBrowseMode pins the browse mode of domain.
func (s *Store) SetBrowseMode(ctx context.Context, domain string, mode crawler.BrowseMode) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO domain_settings (domain, browse_mode) VALUES ($1, $2)
ON CONFLICT (domain) DO UPDATE SET browse_mode = EXCLUDED.browse_mode`, domain, string(mode))
	if err != nil {
		return fmt.Errorf("upsert browse mode: %w", err)
	}
	return nil
}

// EnsureWorker registers workerNo as idle unless it already has a row.
func (s *Store) EnsureWorker(ctx context.Context, workerNo int) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO workers (worker_no, state) VALUES ($1, $2)
ON CONFLICT (worker_no) DO NOTHING`, workerNo, string(crawler.WorkerIdle))
	if err != nil {
		return fmt.Errorf("register worker: %w", err)
	}
	return nil
}

// GetWorker returns crawler.ErrNotFound for an unregistered worker.
func (s *Store) GetWorker(ctx context.Context, workerNo int) (crawler.WorkerStats, error) {
	var (
		w     crawler.WorkerStats
		state string
	)
	err := s.pool.QueryRow(ctx, `SELECT worker_no, state, doc_processed, updated_at FROM workers WHERE worker_no = $1`,
		workerNo).Scan(&w.WorkerNo, &state, &w.DocProcessed, &w.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.WorkerStats{}, crawler.ErrNotFound
	}
	if err != nil {
		return crawler.WorkerStats{}, fmt.Errorf("select worker: %w", err)
	}
	w.State = crawler.WorkerState(state)
	w.UpdatedAt = w.UpdatedAt.UTC()
	return w, nil
}

// SetWorkerState updates a non-paused worker.
func (s *Store) SetWorkerState(ctx context.Context, workerNo int, state crawler.WorkerState) error {
	_, err := s.pool.Exec(ctx, `UPDATE workers SET state = $2, updated_at = now()
WHERE worker_no = $1 AND state <> $3`, workerNo, string(state), string(crawler.WorkerPaused))
	if err != nil {
		return fmt.Errorf("update worker state: %w", err)
	}
	return nil
}

// SetAllWorkersState sets state on every registered worker.
func (s *Store) SetAllWorkersState(ctx context.Context, state crawler.WorkerState) error {
	if _, err := s.pool.Exec(ctx, `UPDATE workers SET state = $1, updated_at = now()`, string(state)); err != nil {
		return fmt.Errorf("update all worker states: %w", err)
	}
	return nil
}

// IncProcessed bumps the processed counter of workerNo.
func (s *Store) IncProcessed(ctx context.Context, workerNo int) error {
	_, err := s.pool.Exec(ctx, `UPDATE workers SET doc_processed = doc_processed + 1, updated_at = now()
WHERE worker_no = $1`, workerNo)
	if err != nil {
		return fmt.Errorf("increment processed: %w", err)
	}
	return nil
}

// ListWorkers returns every registered worker ordered by number.
func (s *Store) ListWorkers(ctx context.Context) ([]crawler.WorkerStats, error) {
	rows, err := s.pool.Query(ctx, `SELECT worker_no, state, doc_processed, updated_at FROM workers ORDER BY worker_no`)
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	defer rows.Close()
	var out []crawler.WorkerStats
	for rows.Next() {
		var (
			w     crawler.WorkerStats
			state string
		)
		if err := rows.Scan(&w.WorkerNo, &state, &w.DocProcessed, &w.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan worker: %w", err)
		}
		w.State = crawler.WorkerState(state)
		w.UpdatedAt = w.UpdatedAt.UTC()
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate workers: %w", err)
	}
	return out, nil
}
