// Package app initializes and holds long-lived application services, acting as a dependency injection container.
package app

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/recrawler/internal/cache"
	"github.com/JakeFAU/recrawler/internal/clock/system"
	"github.com/JakeFAU/recrawler/internal/config"
	"github.com/JakeFAU/recrawler/internal/crawler"
	"github.com/JakeFAU/recrawler/internal/dispatcher"
	"github.com/JakeFAU/recrawler/internal/fetcher"
	collyfetcher "github.com/JakeFAU/recrawler/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/recrawler/internal/fetcher/headless"
	"github.com/JakeFAU/recrawler/internal/hash/sha256"
	"github.com/JakeFAU/recrawler/internal/policy"
	"github.com/JakeFAU/recrawler/internal/policy/ratelimit"
	"github.com/JakeFAU/recrawler/internal/registry"
	"github.com/JakeFAU/recrawler/internal/scheduler"
	"github.com/JakeFAU/recrawler/internal/storage/local"
	pgstore "github.com/JakeFAU/recrawler/internal/storage/postgres"
	"github.com/JakeFAU/recrawler/internal/storage/sqlite"
	"github.com/JakeFAU/recrawler/internal/worker"
)

// Store is the persistence surface the application needs, schema management included.
type Store interface {
	crawler.Store
	Migrate(ctx context.Context) error
}

// App holds the shared, long-lived services: store, policies, registry and snapshot cache. It is built once
// per command invocation.
type App struct {
	cfg      config.Config
	logger   *zap.Logger
	store    Store
	clock    *system.Clock
	registry *registry.Registry
	cache    *cache.Cache
	plain    *collyfetcher.Fetcher
	closers  []func()
}

// GetLogger returns the shared zap logger.
func (a *App) GetLogger() *zap.Logger {
	return a.logger
}

// GetConfig returns the loaded configuration.
func (a *App) GetConfig() config.Config {
	return a.cfg
}

// GetStore exposes the crawl store.
func (a *App) GetStore() crawler.Store {
	return a.store
}

// GetRegistry returns the document registry.
func (a *App) GetRegistry() *registry.Registry {
	return a.registry
}

// GetCache returns the snapshot cache.
func (a *App) GetCache() *cache.Cache {
	return a.cache
}

// OpenStore connects the store selected by cfg and applies the schema.
func OpenStore(ctx context.Context, cfg config.DatabaseConfig) (Store, error) {
	switch cfg.Driver {
	case config.DriverSQLite:
		s, err := sqlite.Open(ctx, cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return s, nil
	case config.DriverPostgres:
		s, err := pgstore.New(ctx, pgstore.Config{
			DSN:             cfg.DSN,
			MaxConns:        cfg.MaxConns,
			MinConns:        cfg.MinConns,
			MaxConnLifetime: cfg.MaxConnLifetime,
		})
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		if err := s.Migrate(ctx); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("migrate postgres store: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown database driver: %s", cfg.Driver)
	}
}

// NewApp creates and initializes a new App from cfg. It fails fast if any critical service cannot be
// initialized.
func NewApp(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("Initializing application services...", zap.String("driver", cfg.Database.Driver))

	store, err := OpenStore(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	a, err := newWithStore(cfg, store, logger)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return a, nil
}

func newWithStore(cfg config.Config, store Store, logger *zap.Logger) (*App, error) {
	resolver, err := policy.NewResolver(cfg.Policies, cfg.DefaultPolicy)
	if err != nil {
		return nil, fmt.Errorf("compile policies: %w", err)
	}
	tree, err := local.New(local.Config{BaseDir: cfg.Cache.Root})
	if err != nil {
		return nil, fmt.Errorf("open snapshot tree: %w", err)
	}

	clock := system.New()
	limiter := ratelimit.New(cfg.Crawler.RateLimit)
	plain := collyfetcher.New(collyfetcher.Config{
		UserAgent:    cfg.Crawler.UserAgent,
		Timeout:      cfg.Crawler.Timeout,
		MaxRedirects: cfg.Crawler.MaxRedirects,
	}, limiter)
	c := cache.New(cfg.Cache, store, tree, plain, clock, logger.Named("cache"))

	return &App{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		clock:    clock,
		registry: registry.New(store, resolver, c, clock, logger.Named("registry")),
		cache:    c,
		plain:    plain,
	}, nil
}

// Crawler assembles the fetch router, scheduler and worker pool. The returned dispatcher runs until its
// context is canceled or a worker hits a fatal error.
func (a *App) Crawler() (*dispatcher.Dispatcher, error) {
	cfg := a.cfg
	var scripted crawler.Fetcher = headlessfetcher.NewNoop()
	if cfg.Headless.Enabled {
		hf, err := headlessfetcher.NewChromedp(cfg.Headless)
		if err != nil {
			return nil, fmt.Errorf("init headless fetcher: %w", err)
		}
		a.closers = append(a.closers, hf.Close)
		scripted = hf
	}
	robots := fetcher.NewRobots(fetcher.RobotsConfig{
		Respect:   cfg.Crawler.RespectRobots,
		UserAgent: cfg.Crawler.UserAgent,
		Timeout:   cfg.Crawler.Timeout,
		TTL:       cfg.Crawler.RobotsTTL,
	}, a.logger.Named("robots"))
	router := fetcher.NewRouter(a.plain, scripted, robots, a.store, a.logger)

	sched := scheduler.New(
		scheduler.Config{
			MaxRedirects: cfg.Crawler.MaxRedirects,
			ClaimBackoff: cfg.Crawler.ClaimBackoff,
			IdleSleep:    cfg.Crawler.IdleSleep,
		},
		a.store,
		a.registry,
		router,
		cache.NewSnapshotter(a.cache, a.logger.Named("snapshot")),
		a.cache,
		sha256.New(),
		a.clock,
		a.logger.Named("scheduler"),
	)

	runners := make([]dispatcher.Runner, 0, cfg.Crawler.Workers)
	for i := 1; i <= cfg.Crawler.Workers; i++ {
		runners = append(runners, worker.New(i, sched, a.store, a.clock,
			worker.Config{IdleSleep: cfg.Crawler.IdleSleep}, a.logger))
	}
	return dispatcher.New(runners, a.logger.Named("dispatcher")), nil
}

// Close releases every service. It is safe to call once.
func (a *App) Close() error {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	var errs []error
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
	}
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	return errors.Join(errs...)
}
