package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/recrawler/internal/crawler"
)

// GetBrowseMode returns the reconciled mode of domain, or detect when none was pinned yet.
func (s *Store) GetBrowseMode(ctx context.Context, domain string) (crawler.BrowseMode, error) {
	var mode string
	err := s.db.QueryRowContext(ctx, `SELECT browse_mode FROM domain_settings WHERE domain = ?`, domain).Scan(&mode)
	if errors.Is(err, sql.ErrNoRows) {
		return crawler.BrowseDetect, nil
	}
	if err != nil {
		return "", fmt.Errorf("select browse mode: %w", err)
	}
	return crawler.BrowseMode(mode), nil
}

// SetBrowseMode pins the browse mode of domain.
func (s *Store) SetBrowseMode(ctx context.Context, domain string, mode crawler.BrowseMode) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO domain_settings (domain, browse_mode) VALUES (?, ?)
ON CONFLICT (domain) DO UPDATE SET browse_mode = excluded.browse_mode`, domain, string(mode))
	if err != nil {
		return fmt.Errorf("upsert browse mode: %w", err)
	}
	return nil
}

// EnsureWorker registers workerNo as idle unless it already has a row.
func (s *Store) EnsureWorker(ctx context.Context, workerNo int) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO workers (worker_no, state, updated_at) VALUES (?, ?, ?)
ON CONFLICT (worker_no) DO NOTHING`, workerNo, string(crawler.WorkerIdle), time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("register worker: %w", err)
	}
	return nil
}

func scanWorker(row scanner) (crawler.WorkerStats, error) {
	var (
		w         crawler.WorkerStats
		state     string
		updatedAt int64
	)
	if err := row.Scan(&w.WorkerNo, &state, &w.DocProcessed, &updatedAt); err != nil {
		return crawler.WorkerStats{}, err
	}
	w.State = crawler.WorkerState(state)
	w.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return w, nil
}

// GetWorker returns crawler.ErrNotFound for an unregistered worker.
func (s *Store) GetWorker(ctx context.Context, workerNo int) (crawler.WorkerStats, error) {
	w, err := scanWorker(s.db.QueryRowContext(ctx,
		`SELECT worker_no, state, doc_processed, updated_at FROM workers WHERE worker_no = ?`, workerNo))
	if errors.Is(err, sql.ErrNoRows) {
		return crawler.WorkerStats{}, crawler.ErrNotFound
	}
	if err != nil {
		return crawler.WorkerStats{}, fmt.Errorf("select worker: %w", err)
	}
	return w, nil
}

// SetWorkerState updates a non-paused worker.
func (s *Store) SetWorkerState(ctx context.Context, workerNo int, state crawler.WorkerState) error {
	_, err := s.db.ExecContext(ctx, `UPDATE workers SET state = ?, updated_at = ? WHERE worker_no = ? AND state <> ?`,
		string(state), time.Now().UnixNano(), workerNo, string(crawler.WorkerPaused))
	if err != nil {
		return fmt.Errorf("update worker state: %w", err)
	}
	return nil
}

// SetAllWorkersState sets state on every registered worker.
func (s *Store) SetAllWorkersState(ctx context.Context, state crawler.WorkerState) error {
	_, err := s.db.ExecContext(ctx, `UPDATE workers SET state = ?, updated_at = ?`, string(state), time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("update all worker states: %w", err)
	}
	return nil
}

// IncProcessed bumps the processed counter of workerNo.
func (s *Store) IncProcessed(ctx context.Context, workerNo int) error {
	_, err := s.db.ExecContext(ctx, `UPDATE workers SET doc_processed = doc_processed + 1, updated_at = ?
WHERE worker_no = ?`, time.Now().UnixNano(), workerNo)
	if err != nil {
		return fmt.Errorf("increment processed: %w", err)
	}
	return nil
}

// ListWorkers returns every registered worker ordered by number.
func (s *Store) ListWorkers(ctx context.Context) ([]crawler.WorkerStats, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT worker_no, state, doc_processed, updated_at FROM workers ORDER BY worker_no`)
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	defer rows.Close()
	var out []crawler.WorkerStats
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, fmt.Errorf("scan worker: %w", err)
		}
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate workers: %w", err)
	}
	return out, nil
}
