// Package registry owns the lifecycle of crawl documents: discovery, operator enqueue, claim release and
// deletion.
package registry

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/recrawler/internal/crawler"
	"github.com/JakeFAU/recrawler/internal/policy"
)

// FileReleaser drops one reference to a cached snapshot file.
type FileReleaser interface {
	ReleaseFile(ctx context.Context, filename string) error
}

// Registry creates and looks up documents according to the policy set.
type Registry struct {
	store    crawler.DocumentStore
	resolver *policy.Resolver
	files    FileReleaser
	clock    crawler.Clock
	logger   *zap.Logger
}

// New wires a Registry. files may be nil when snapshots are never released through it.
func New(store crawler.DocumentStore, resolver *policy.Resolver, files FileReleaser, clock crawler.Clock,
	logger *zap.Logger,
) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{store: store, resolver: resolver, files: files, clock: clock, logger: logger}
}

// Resolver exposes the policy resolver shared with the scheduler.
func (r *Registry) Resolver() *policy.Resolver {
	return r.resolver
}

// Enqueue registers rawURL discovered on parent (nil for a seed). It returns the document when one exists
// or was created, and nil when recursion rules forbid queueing an unknown URL.
func (r *Registry) Enqueue(ctx context.Context, rawURL string, parentPolicy crawler.Policy,
	parent *crawler.Document,
) (*crawler.Document, error) {
	url, err := crawler.NormalizeURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("enqueue %q: %w", rawURL, err)
	}
	decision := policy.DecideRecursion(parentPolicy, parent, r.resolver.Resolve(url))

	switch decision.Action {
	case policy.Queue:
		doc, created, err := r.store.GetOrCreate(ctx, url)
		if err != nil {
			return nil, crawler.Fatal("get or create document", err)
		}
		if created {
			r.logger.Debug("document queued", zap.String("url", url))
		}
		return &doc, nil
	case policy.QueueWithBudget:
		doc, created, err := r.store.GetOrCreate(ctx, url)
		if err != nil {
			return nil, crawler.Fatal("get or create document", err)
		}
		budget := decision.Budget(doc.CrawlRecurse)
		if budget != doc.CrawlRecurse {
			if err := r.store.SetRecurse(ctx, doc.ID, budget); err != nil {
				return nil, crawler.Fatal("set recursion budget", err)
			}
			doc.CrawlRecurse = budget
		}
		if created {
			r.logger.Debug("document queued", zap.String("url", url), zap.Int("recurse", budget))
		}
		return &doc, nil
	default:
		doc, err := r.store.GetByURL(ctx, url)
		if errors.Is(err, crawler.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, crawler.Fatal("lookup document", err)
		}
		return &doc, nil
	}
}

// GetOrCreate returns the document for rawURL, creating it when missing. Safe under concurrent callers.
func (r *Registry) GetOrCreate(ctx context.Context, rawURL string) (crawler.Document, bool, error) {
	url, err := crawler.NormalizeURL(rawURL)
	if err != nil {
		return crawler.Document{}, false, fmt.Errorf("get or create %q: %w", rawURL, err)
	}
	doc, created, err := r.store.GetOrCreate(ctx, url)
	if err != nil {
		return crawler.Document{}, false, crawler.Fatal("get or create document", err)
	}
	return doc, created, nil
}

// EnqueueManual registers rawURL on behalf of an operator. The document is flagged manual so its next
// crawl reindexes it even when the content hash is unchanged, and an already crawled row becomes due now.
func (r *Registry) EnqueueManual(ctx context.Context, rawURL string) (crawler.Document, error) {
	doc, _, err := r.GetOrCreate(ctx, rawURL)
	if err != nil {
		return crawler.Document{}, err
	}
	if err := r.store.SetManual(ctx, doc.ID, r.clock.Now()); err != nil {
		return crawler.Document{}, fmt.Errorf("flag manual: %w", err)
	}
	doc, err = r.store.Get(ctx, doc.ID)
	if err != nil {
		return crawler.Document{}, fmt.Errorf("reload document: %w", err)
	}
	r.logger.Info("manual enqueue", zap.String("url", doc.URL), zap.Int64("doc_id", doc.ID))
	return doc, nil
}

// Release clears the claim on doc without touching its schedule.
func (r *Registry) Release(ctx context.Context, doc crawler.Document) error {
	if err := r.store.ReleaseClaim(ctx, doc.ID); err != nil {
		return crawler.Fatal("release claim", err)
	}
	return nil
}

// ResetClaims clears claims left behind by a crawler that did not shut down cleanly.
func (r *Registry) ResetClaims(ctx context.Context) (int64, error) {
	n, err := r.store.ReleaseAllClaims(ctx)
	if err != nil {
		return 0, fmt.Errorf("reset claims: %w", err)
	}
	if n > 0 {
		r.logger.Warn("released stale claims", zap.Int64("count", n))
	}
	return n, nil
}

// Delete removes the document for rawURL and drops its snapshot references.
func (r *Registry) Delete(ctx context.Context, rawURL string) error {
	url, err := crawler.NormalizeURL(rawURL)
	if err != nil {
		return fmt.Errorf("delete %q: %w", rawURL, err)
	}
	doc, err := r.store.GetByURL(ctx, url)
	if err != nil {
		return fmt.Errorf("delete %q: %w", url, err)
	}
	if doc.Claimed() {
		return fmt.Errorf("delete %q: document is claimed by worker %d", url, *doc.WorkerNo)
	}
	if r.files != nil {
		for _, f := range doc.SnapshotFiles {
			if err := r.files.ReleaseFile(ctx, f); err != nil {
				return fmt.Errorf("release snapshot %q: %w", f, err)
			}
		}
	}
	if err := r.store.Delete(ctx, doc.ID); err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	r.logger.Info("document deleted", zap.String("url", url), zap.Int("released_files", len(doc.SnapshotFiles)))
	return nil
}

// QueueStatus summarizes the queue at the current time.
func (r *Registry) QueueStatus(ctx context.Context) (crawler.QueueStatus, error) {
	st, err := r.store.QueueStatus(ctx, r.clock.Now())
	if err != nil {
		return crawler.QueueStatus{}, fmt.Errorf("queue status: %w", err)
	}
	return st, nil
}
