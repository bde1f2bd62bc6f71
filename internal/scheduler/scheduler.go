// Package scheduler runs crawl cycles: it claims due documents, fetches them, follows redirects across
// documents, indexes terminal pages and computes the next visit.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/recrawler/internal/cache"
	"github.com/JakeFAU/recrawler/internal/crawler"
	"github.com/JakeFAU/recrawler/internal/hash/sha256"
	"github.com/JakeFAU/recrawler/internal/metrics"
	"github.com/JakeFAU/recrawler/internal/registry"
)

// Config controls the crawl loop.
type Config struct {
	// MaxRedirects bounds the number of documents followed through redirects in one cycle.
	MaxRedirects int
	// ClaimBackoff is slept after losing a claim race.
	ClaimBackoff time.Duration
	// IdleSleep is slept when nothing is due or the crawler is paused.
	IdleSleep time.Duration
}

// Clock provides time and interruptible sleeps.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

// Store is the persistence the scheduler needs.
type Store interface {
	crawler.DocumentStore
	crawler.WorkerStore
}

// Snapshotter archives a terminal page and returns the cache filenames it references.
type Snapshotter interface {
	Snapshot(ctx context.Context, page crawler.Page) ([]string, error)
}

// ContentHasher digests page content under a hash mode.
type ContentHasher interface {
	Content(mode crawler.HashMode, body []byte) (string, error)
}

// Scheduler executes crawl cycles for any number of workers. It holds no per-worker state.
type Scheduler struct {
	cfg       Config
	store     Store
	registry  *registry.Registry
	fetcher   crawler.Fetcher
	snapshots Snapshotter
	files     registry.FileReleaser
	hasher    ContentHasher
	clock     Clock
	logger    *zap.Logger
}

// New wires a Scheduler. snapshots and files may be nil to disable archiving.
func New(
	cfg Config,
	store Store,
	reg *registry.Registry,
	fetcher crawler.Fetcher,
	snapshots Snapshotter,
	files registry.FileReleaser,
	hasher ContentHasher,
	clock Clock,
	logger *zap.Logger,
) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ClaimBackoff <= 0 {
		cfg.ClaimBackoff = 100 * time.Millisecond
	}
	if cfg.IdleSleep <= 0 {
		cfg.IdleSleep = 5 * time.Second
	}
	return &Scheduler{
		cfg:       cfg,
		store:     store,
		registry:  reg,
		fetcher:   fetcher,
		snapshots: snapshots,
		files:     files,
		hasher:    hasher,
		clock:     clock,
		logger:    logger,
	}
}

// Paused reports whether workerNo has been asked to pause.
func (s *Scheduler) Paused(ctx context.Context, workerNo int) (bool, error) {
	w, err := s.store.GetWorker(ctx, workerNo)
	if errors.Is(err, crawler.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, crawler.Fatal("read worker state", err)
	}
	return w.State == crawler.WorkerPaused, nil
}

// PickQueued claims the next due document for workerNo. It returns nil when nothing is due or the
// worker is paused. Lost claim races are retried after ClaimBackoff.
func (s *Scheduler) PickQueued(ctx context.Context, workerNo int) (*crawler.Document, error) {
	for {
		if paused, err := s.Paused(ctx, workerNo); err != nil || paused {
			return nil, err
		}
		doc, ok, err := s.store.NextCandidate(ctx, s.clock.Now())
		if err != nil {
			return nil, crawler.Fatal("select candidate", err)
		}
		if !ok {
			return nil, nil
		}
		won, err := s.store.Claim(ctx, doc.ID, workerNo)
		if err != nil {
			return nil, crawler.Fatal("claim document", err)
		}
		if won {
			doc.WorkerNo = &workerNo
			return &doc, nil
		}
		metrics.ObserveClaimConflict()
		s.logger.Debug("claim lost", zap.Int("worker_no", workerNo), zap.Int64("doc_id", doc.ID))
		if err := s.clock.Sleep(ctx, s.cfg.ClaimBackoff); err != nil {
			return nil, err
		}
	}
}

// CrawlOnce claims one document and runs a full cycle on it. worked is false when nothing was claimed.
// Only fatal errors and context cancellation are returned; every other failure is recorded on the
// document.
func (s *Scheduler) CrawlOnce(ctx context.Context, workerNo int) (worked bool, err error) {
	doc, err := s.PickQueued(ctx, workerNo)
	if err != nil || doc == nil {
		return false, err
	}

	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()
	if err := s.store.SetWorkerState(ctx, workerNo, crawler.WorkerRunning); err != nil {
		s.release(ctx, *doc)
		return true, crawler.Fatal("set worker state", err)
	}

	current, err := s.cycle(ctx, doc, workerNo)
	if err != nil {
		if current != nil {
			s.release(ctx, *current)
		}
		return true, err
	}
	if err := s.store.IncProcessed(ctx, workerNo); err != nil {
		return true, crawler.Fatal("increment processed", err)
	}
	return true, nil
}

// cycle follows doc through redirects until a terminal page, a failure, an existing redirect target or
// a pause. On error it returns the document whose claim must still be released.
func (s *Scheduler) cycle(ctx context.Context, doc *crawler.Document, workerNo int) (current *crawler.Document,
	err error,
) {
	current = doc
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("crawl cycle panicked", zap.String("url", current.URL), zap.Any("panic", r))
			err = s.fail(ctx, current, s.registry.Resolver().Resolve(current.URL), fmt.Errorf("panic: %v", r))
			if err != nil {
				return
			}
			current = nil
		}
	}()

	logger := s.logger.With(zap.Int("worker_no", workerNo))
	for hops := 0; ; {
		pol := s.registry.Resolver().Resolve(current.URL)
		logger.Debug("fetching", zap.String("url", current.URL), zap.String("policy", pol.Name))
		page, err := s.fetcher.Fetch(ctx, crawler.FetchRequest{
			URL:      current.URL,
			Policy:   pol,
			MaxBytes: pol.MaxPageBytes,
		})
		if err == nil && page.StatusCode >= http.StatusBadRequest {
			err = fmt.Errorf("unexpected status %d", page.StatusCode)
		}
		if err != nil {
			if ctx.Err() != nil {
				return current, ctx.Err()
			}
			return current, s.fail(ctx, current, pol, err)
		}

		target := current.URL
		if page.URL != "" {
			if target, err = crawler.NormalizeURL(page.URL); err != nil {
				return current, s.fail(ctx, current, pol, fmt.Errorf("redirect target: %w", err))
			}
		}
		if target == current.URL {
			return current, s.index(ctx, current, pol, page)
		}

		if hops >= s.cfg.MaxRedirects {
			return current, s.fail(ctx, current, pol, crawler.ErrTooManyRedirects)
		}
		hops++
		if err := s.redirect(ctx, current, pol, target); err != nil {
			return current, err
		}
		if paused, err := s.Paused(ctx, workerNo); err != nil || paused {
			if paused {
				logger.Info("paused between redirects", zap.String("url", current.URL))
			}
			return nil, err
		}
		next, created, err := s.store.CreateClaimed(ctx, target, workerNo)
		if err != nil {
			return nil, crawler.Fatal("create redirect target", err)
		}
		if !created {
			logger.Debug("redirect target already known", zap.String("url", target))
			return nil, nil
		}
		current = &next
	}
}

// redirect records that doc now points to target and releases its claim.
func (s *Scheduler) redirect(ctx context.Context, doc *crawler.Document, pol crawler.Policy, target string) error {
	now := s.clock.Now()
	changed := doc.RedirectTarget == nil || *doc.RedirectTarget != target
	if err := s.releaseFiles(ctx, doc.SnapshotFiles); err != nil {
		return err
	}
	doc.SnapshotFiles = nil
	doc.ContentHash = nil
	doc.Mimetype = ""
	doc.Error = ""
	doc.ErrorFingerprint = ""
	doc.TooManyRedirects = false
	doc.RedirectTarget = &target
	s.stamp(doc, now)
	ScheduleNext(changed, pol, doc, now)
	doc.WorkerNo = nil
	if err := s.store.Save(ctx, *doc); err != nil {
		return crawler.Fatal("save redirected document", err)
	}
	metrics.ObserveCrawl(doc.URL, "redirect", 0)
	return nil
}

// index stores the outcome of a terminal page.
func (s *Scheduler) index(ctx context.Context, doc *crawler.Document, pol crawler.Policy, page crawler.Page) error {
	now := s.clock.Now()
	digest, err := s.hasher.Content(pol.HashMode, page.Content)
	if err != nil {
		return s.fail(ctx, doc, pol, fmt.Errorf("hash content: %w", err))
	}
	changed := doc.ContentHash == nil || *doc.ContentHash != digest
	s.stamp(doc, now)

	if changed || doc.Manual {
		if err := s.archive(ctx, doc, pol, page); err != nil {
			return err
		}
		if cache.IsHTML(page.Mimetype) {
			if err := s.enqueueLinks(ctx, doc, pol, page); err != nil {
				return err
			}
		}
	}

	doc.ContentHash = &digest
	doc.Mimetype = page.Mimetype
	doc.RedirectTarget = nil
	doc.TooManyRedirects = false
	doc.Error = ""
	doc.ErrorFingerprint = ""
	doc.Manual = false
	ScheduleNext(changed, pol, doc, now)
	doc.WorkerNo = nil
	if err := s.store.Save(ctx, *doc); err != nil {
		return crawler.Fatal("save indexed document", err)
	}

	outcome := "unchanged"
	if changed {
		outcome = "indexed"
	}
	metrics.ObserveCrawl(doc.URL, outcome, len(page.Content))
	s.logger.Info("document crawled", zap.String("url", doc.URL), zap.Bool("changed", changed),
		zap.Timep("crawl_next", doc.CrawlNext))
	return nil
}

// archive replaces the snapshot of doc. New references are taken before old ones are dropped so files
// shared between both snapshots survive.
func (s *Scheduler) archive(ctx context.Context, doc *crawler.Document, pol crawler.Policy, page crawler.Page) error {
	var files []string
	if pol.Snapshot && s.snapshots != nil {
		snap, err := s.snapshots.Snapshot(ctx, page)
		switch {
		case crawler.IsFatal(err):
			return err
		case err != nil:
			s.logger.Warn("snapshot failed", zap.String("url", doc.URL), zap.Error(err))
		default:
			files = snap
		}
	}
	if err := s.releaseFiles(ctx, doc.SnapshotFiles); err != nil {
		return err
	}
	doc.SnapshotFiles = files
	return nil
}

func (s *Scheduler) enqueueLinks(ctx context.Context, doc *crawler.Document, pol crawler.Policy,
	page crawler.Page,
) error {
	links, err := ExtractLinks(doc.URL, page.Content)
	if err != nil {
		s.logger.Warn("link extraction failed", zap.String("url", doc.URL), zap.Error(err))
		return nil
	}
	queued := 0
	for _, link := range links {
		child, err := s.registry.Enqueue(ctx, link, pol, doc)
		if crawler.IsFatal(err) {
			return err
		}
		if err != nil {
			s.logger.Debug("link not queued", zap.String("url", link), zap.Error(err))
			continue
		}
		if child != nil {
			queued++
		}
	}
	s.logger.Debug("links processed", zap.String("url", doc.URL), zap.Int("found", len(links)),
		zap.Int("known", queued))
	return nil
}

// fail records err on doc. Fatal errors are returned unchanged; everything else is absorbed.
func (s *Scheduler) fail(ctx context.Context, doc *crawler.Document, pol crawler.Policy, err error) error {
	if crawler.IsFatal(err) {
		return err
	}
	now := s.clock.Now()
	changed := true
	outcome := "failed"
	msg := err.Error()
	switch {
	case crawler.IsSkippable(err):
		changed = false
		outcome = "skipped"
		// skipped pages leave the index together with their snapshot
		if err := s.releaseFiles(ctx, doc.SnapshotFiles); err != nil {
			return err
		}
		doc.SnapshotFiles = nil
		doc.ContentHash = nil
		doc.Mimetype = ""
	case errors.Is(err, crawler.ErrAuthRequired):
		outcome = "auth_failed"
		msg = "authentication failed: " + msg
	}
	doc.Error = msg
	doc.ErrorFingerprint = sha256.Fingerprint(msg)
	doc.TooManyRedirects = errors.Is(err, crawler.ErrTooManyRedirects)
	s.stamp(doc, now)
	ScheduleNext(changed, pol, doc, now)
	doc.WorkerNo = nil
	if err := s.store.Save(ctx, *doc); err != nil {
		return crawler.Fatal("save failed document", err)
	}
	metrics.ObserveCrawl(doc.URL, outcome, 0)
	s.logger.Warn("crawl failed", zap.String("url", doc.URL), zap.String("outcome", outcome), zap.Error(err))
	return nil
}

func (s *Scheduler) stamp(doc *crawler.Document, now time.Time) {
	if doc.CrawlFirst == nil {
		first := now
		doc.CrawlFirst = &first
	}
	last := now
	doc.CrawlLast = &last
}

func (s *Scheduler) releaseFiles(ctx context.Context, files []string) error {
	if s.files == nil {
		return nil
	}
	for _, f := range files {
		if err := s.files.ReleaseFile(ctx, f); err != nil {
			return err
		}
	}
	return nil
}

// release clears a claim after a fatal error. The store may be the failing component, so errors are
// only logged.
func (s *Scheduler) release(ctx context.Context, doc crawler.Document) {
	if err := s.store.ReleaseClaim(context.WithoutCancel(ctx), doc.ID); err != nil {
		s.logger.Error("release claim after failure", zap.Int64("doc_id", doc.ID), zap.Error(err))
	}
}
