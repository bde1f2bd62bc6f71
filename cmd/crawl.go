// Package cmd defines and implements the CLI commands for the recrawler executable.
package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/recrawler/internal/api"
	"github.com/JakeFAU/recrawler/internal/app"
	"github.com/JakeFAU/recrawler/internal/crawler"
	"github.com/JakeFAU/recrawler/internal/id/uuid"
)

// newCrawlCmd creates the 'crawl' subcommand, which runs the worker pool until interrupted.
func newCrawlCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "crawl",
		Short: "Runs the crawl workers",
		Long: `Releases claims left behind by an unclean shutdown, then runs the configured
number of workers until SIGINT/SIGTERM or a fatal store error. The ops server
(/healthz, /readyz, /metrics, /v1/status) runs alongside when metrics.listen_addr is set.`,
		RunE: runCrawlCommand,
	}
}

func runCrawlCommand(cmd *cobra.Command, _ []string) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return runCrawl(ctx, appInstance)
}

func runCrawl(ctx context.Context, a *app.App) error {
	runID, err := uuid.New().NewID()
	if err != nil {
		return err
	}
	logger := a.GetLogger().With(zap.String("run_id", runID))

	if _, err := a.GetRegistry().ResetClaims(ctx); err != nil {
		return err
	}
	d, err := a.Crawler()
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	// runCtx ends when the dispatcher returns so the ops server follows it down.
	runCtx, cancel := context.WithCancel(gctx)
	defer cancel()

	if addr := a.GetConfig().Metrics.ListenAddr; addr != "" {
		srv := api.NewServer(statusSource{a: a}, runID, logger)
		g.Go(func() error {
			return srv.ListenAndServe(runCtx, addr)
		})
	}
	g.Go(func() error {
		defer cancel()
		return d.Run(runCtx)
	})

	logger.Info("crawl started", zap.Int("workers", a.GetConfig().Crawler.Workers))
	if err := g.Wait(); err != nil {
		return fmt.Errorf("run crawler: %w", err)
	}
	logger.Info("Crawl command finished.")
	return nil
}

// statusSource adapts the app to api.StatusSource.
type statusSource struct {
	a *app.App
}

func (s statusSource) QueueStatus(ctx context.Context) (crawler.QueueStatus, error) {
	return s.a.GetRegistry().QueueStatus(ctx)
}

func (s statusSource) ListWorkers(ctx context.Context) ([]crawler.WorkerStats, error) {
	return s.a.GetStore().ListWorkers(ctx)
}
