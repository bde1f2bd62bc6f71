// Package fetcher routes each fetch to the plain or scripted transport. It applies the robots.txt gate
// first and reconciles the browse mode of domains whose policy asks for detection.
package fetcher

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/JakeFAU/recrawler/internal/crawler"
	"github.com/JakeFAU/recrawler/internal/headless/detector"
	"github.com/JakeFAU/recrawler/internal/metrics"
)

// RobotsChecker decides whether a URL may be fetched.
type RobotsChecker interface {
	Allowed(ctx context.Context, rawURL string) bool
}

// Router implements crawler.Fetcher on top of a plain and a scripted transport.
type Router struct {
	plain    crawler.Fetcher
	scripted crawler.Fetcher
	robots   RobotsChecker
	domains  crawler.DomainStore
	logger   *zap.Logger
}

// NewRouter wires a Router. robots may be nil to skip the gate.
func NewRouter(plain, scripted crawler.Fetcher, robots RobotsChecker, domains crawler.DomainStore,
	logger *zap.Logger,
) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		plain:    plain,
		scripted: scripted,
		robots:   robots,
		domains:  domains,
		logger:   logger.Named("fetcher"),
	}
}

// Fetch implements crawler.Fetcher.
func (r *Router) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.Page, error) {
	if r.robots != nil && !r.robots.Allowed(ctx, request.URL) {
		return crawler.Page{}, crawler.SkipIndexing("disallowed by robots.txt")
	}
	mode, err := r.browseMode(ctx, request)
	if err != nil {
		return crawler.Page{}, err
	}
	switch mode {
	case crawler.BrowseScripted:
		return r.scripted.Fetch(ctx, request)
	case crawler.BrowseDetect:
		return r.reconcile(ctx, request)
	default:
		return r.plain.Fetch(ctx, request)
	}
}

// browseMode returns the policy's mode, or for detect policies the mode already pinned on the domain.
func (r *Router) browseMode(ctx context.Context, request crawler.FetchRequest) (crawler.BrowseMode, error) {
	mode := request.Policy.BrowseMode
	if mode != crawler.BrowseDetect {
		return mode, nil
	}
	pinned, err := r.domains.GetBrowseMode(ctx, crawler.Domain(request.URL))
	if err != nil {
		return "", crawler.Fatal("get browse mode", err)
	}
	return pinned, nil
}

// reconcile fetches with both transports, pins the domain to scripted when rendering changes the visible
// text and to plain otherwise, and returns the page of the pinned transport.
func (r *Router) reconcile(ctx context.Context, request crawler.FetchRequest) (crawler.Page, error) {
	plainPage, err := r.plain.Fetch(ctx, request)
	if err != nil {
		return crawler.Page{}, err
	}
	scriptedPage, err := r.scripted.Fetch(ctx, request)
	if errors.Is(err, crawler.ErrScriptedUnavailable) {
		// Left unpinned so enabling the browser later still triggers detection.
		return plainPage, nil
	}
	if err != nil {
		return crawler.Page{}, err
	}

	domain := crawler.Domain(request.URL)
	mode := detector.Decide(plainPage, scriptedPage)
	if err := r.domains.SetBrowseMode(ctx, domain, mode); err != nil {
		return crawler.Page{}, crawler.Fatal("set browse mode", err)
	}
	metrics.ObserveBrowseModeReconciled(string(mode))
	r.logger.Info("browse mode reconciled", zap.String("domain", domain), zap.String("mode", string(mode)))

	if mode == crawler.BrowseScripted {
		return scriptedPage, nil
	}
	return plainPage, nil
}

var _ crawler.Fetcher = (*Router)(nil)
