// Package main hosts the recrawler entrypoint.
//
// Architecture overview:
//   - Store: crawl documents, per-domain browse modes, snapshot assets and worker rows live in SQLite
//     (internal/storage/sqlite) or Postgres (internal/storage/postgres). Both implement crawler.Store and
//     claim work atomically so any number of workers, in one process or several, never crawl a URL twice
//     at once.
//   - Dispatcher & workers: the dispatcher runs config.Crawler.Workers workers. Each loops claim, crawl,
//     schedule; it sleeps when the queue is empty and stops claiming while the global pause flag is set.
//     A fatal store error cancels every worker.
//   - Fetch pipeline: the fetcher router checks robots.txt, resolves the domain browse mode and fetches with
//     the Colly plain fetcher or the chromedp browser. In detect mode both run once and the domain is pinned
//     to whichever the visible text needs.
//   - Scheduling: the scheduler hashes the page (raw or visible text), reindexes on change, extracts links
//     through the registry and computes the next crawl time (constant or adaptive interval per policy).
//   - Snapshots: pages under a snapshot policy are rewritten to reference cached copies of their assets,
//     stored in a reference-counted file tree under cache.root and served from cache.url_prefix.
//   - Configuration & plumbing: Viper populates config from a YAML file and RECRAWLER_* env vars; zap (with
//     lumberjack rotation) provides structured logging; Prometheus metrics and health probes are served on
//     metrics.listen_addr.
//
// Quick checklist:
//   - recrawler enqueue https://example.com/ seeds the queue.
//   - recrawler crawl --config recrawler.yaml runs the workers until SIGINT/SIGTERM.
//   - recrawler pause / resume / queue / delete / release-asset operate on a running deployment through the
//     shared store.
package main
