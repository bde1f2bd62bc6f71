// Package dispatcher manages worker fan-out.
package dispatcher

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Runner is a long-running worker loop.
type Runner interface {
	Run(ctx context.Context) error
}

// Dispatcher runs a pool of workers and stops all of them when one fails.
type Dispatcher struct {
	workers []Runner
	logger  *zap.Logger
}

// New creates a Dispatcher.
func New(workers []Runner, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		workers: workers,
		logger:  logger,
	}
}

// Run starts all workers and blocks until the context finishes or a worker returns an error. The first
// worker error cancels the others and is returned.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, w := range d.workers {
		g.Go(func() error {
			return w.Run(gctx)
		})
	}
	d.logger.Info("workers started", zap.Int("count", len(d.workers)))
	err := g.Wait()
	if err != nil {
		d.logger.Error("dispatcher stopped on worker failure", zap.Error(err))
	}
	return err
}
