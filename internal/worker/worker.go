// Package worker implements the per-worker crawl loop.
package worker

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/recrawler/internal/crawler"
)

// Crawler runs one crawl cycle on behalf of a worker.
type Crawler interface {
	CrawlOnce(ctx context.Context, workerNo int) (bool, error)
}

// Clock provides interruptible sleeps.
type Clock interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// Config controls Worker behavior.
type Config struct {
	// IdleSleep is slept when no document was due.
	IdleSleep time.Duration
}

// Worker repeatedly runs crawl cycles under a fixed worker number.
type Worker struct {
	no      int
	crawler Crawler
	store   crawler.WorkerStore
	clock   Clock
	cfg     Config
	logger  *zap.Logger
}

// New constructs a Worker.
func New(no int, c Crawler, store crawler.WorkerStore, clock Clock, cfg Config, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.IdleSleep <= 0 {
		cfg.IdleSleep = 5 * time.Second
	}
	return &Worker{
		no:      no,
		crawler: c,
		store:   store,
		clock:   clock,
		cfg:     cfg,
		logger:  logger.Named("worker").With(zap.Int("worker_no", no)),
	}
}

// No returns the worker number.
func (w *Worker) No() int {
	return w.no
}

// Run processes documents until ctx is canceled or a fatal error occurs. Cancellation is a clean stop
// and returns nil.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.store.EnsureWorker(ctx, w.no); err != nil {
		return crawler.Fatal("register worker", err)
	}
	w.logger.Info("worker started")
	defer func() {
		if err := w.store.SetWorkerState(context.WithoutCancel(ctx), w.no, crawler.WorkerIdle); err != nil {
			w.logger.Warn("reset worker state", zap.Error(err))
		}
		w.logger.Info("worker stopped")
	}()

	for {
		if ctx.Err() != nil {
			return nil
		}
		worked, err := w.crawler.CrawlOnce(ctx, w.no)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.logger.Error("crawl cycle failed", zap.Error(err))
			return fmt.Errorf("worker %d: %w", w.no, err)
		}
		if worked {
			continue
		}
		if err := w.store.SetWorkerState(ctx, w.no, crawler.WorkerIdle); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return crawler.Fatal("set worker state", err)
		}
		if err := w.clock.Sleep(ctx, w.cfg.IdleSleep); err != nil {
			return nil
		}
	}
}
