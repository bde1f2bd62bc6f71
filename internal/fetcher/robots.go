package fetcher

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
	"go.uber.org/zap"

	"github.com/JakeFAU/recrawler/internal/metrics"
)

// RobotsConfig controls the robots.txt gate.
type RobotsConfig struct {
	Respect   bool          `mapstructure:"respect"`
	UserAgent string        `mapstructure:"user_agent"`
	Timeout   time.Duration `mapstructure:"timeout"`
	// TTL bounds how long a host's robots.txt is trusted before it is fetched again.
	TTL time.Duration `mapstructure:"ttl"`
}

// Robots enforces robots.txt directives per host. It is shared by every worker.
type Robots struct {
	cfg    RobotsConfig
	client *http.Client
	cache  sync.Map
	now    func() time.Time
	logger *zap.Logger
}

type robotsEntry struct {
	data    *robotstxt.RobotsData
	fetched time.Time
}

// NewRobots builds the gate. A gate with Respect unset allows everything without fetching.
func NewRobots(cfg RobotsConfig, logger *zap.Logger) *Robots {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Robots{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		now:    time.Now,
		logger: logger,
	}
}

// Allowed reports whether rawURL may be fetched. Failures to obtain robots.txt allow access.
func (r *Robots) Allowed(ctx context.Context, rawURL string) bool {
	if r == nil || !r.cfg.Respect {
		return true
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	data, err := r.load(ctx, parsed)
	if err != nil {
		metrics.ObserveRobotsFailure(parsed.Hostname())
		r.logger.Warn("robots fetch failed; allowing access", zap.String("host", parsed.Host), zap.Error(err))
		return true
	}
	group := data.FindGroup(r.cfg.UserAgent)
	if group == nil {
		return true
	}
	target := parsed.EscapedPath()
	if target == "" {
		target = "/"
	}
	if parsed.RawQuery != "" {
		target += "?" + parsed.RawQuery
	}
	return group.Test(target)
}

func (r *Robots) load(ctx context.Context, parsed *url.URL) (*robotstxt.RobotsData, error) {
	hostKey := strings.ToLower(parsed.Scheme + "://" + parsed.Host)
	if v, ok := r.cache.Load(hostKey); ok {
		entry, assertOK := v.(robotsEntry)
		if !assertOK {
			return nil, fmt.Errorf("robots cache type mismatch: %T", v)
		}
		if r.now().Sub(entry.fetched) < r.cfg.TTL {
			return entry.data, nil
		}
	}

	robotsURL := url.URL{Scheme: parsed.Scheme, Host: parsed.Host, Path: "/robots.txt"}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("new robots request: %w", err)
	}
	if r.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", r.cfg.UserAgent)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch robots: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			r.logger.Debug("Failed to close robots response body", zap.Error(cerr))
		}
	}()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read robots body: %w", err)
	}
	data, err := robotstxt.FromStatusAndBytes(resp.StatusCode, body)
	if err != nil {
		return nil, fmt.Errorf("parse robots: %w", err)
	}
	r.cache.Store(hostKey, robotsEntry{data: data, fetched: r.now()})
	return data, nil
}
