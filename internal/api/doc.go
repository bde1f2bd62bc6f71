// Package api hosts the operations HTTP server run alongside the crawl workers.
// Routes:
//   - GET /healthz and /readyz for liveness and store reachability probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/status for queue counts and per-worker state.
package api
