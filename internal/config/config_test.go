package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/JakeFAU/recrawler/internal/crawler"
)

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Database.Driver != DriverSQLite || cfg.Database.Path != "recrawler.db" {
		t.Fatalf("unexpected database defaults: %+v", cfg.Database)
	}
	if cfg.Crawler.Workers != 4 || cfg.Crawler.Timeout != 30*time.Second || cfg.Crawler.IdleSleep != 5*time.Second {
		t.Fatalf("unexpected crawler defaults: %+v", cfg.Crawler)
	}
	if cfg.Cache.MaxFilenameLength != 255 {
		t.Fatalf("expected max filename length 255, got %d", cfg.Cache.MaxFilenameLength)
	}
	if cfg.DefaultPolicy.Condition != crawler.ConditionNever || cfg.DefaultPolicy.BrowseMode != crawler.BrowsePlain {
		t.Fatalf("unexpected default policy: %+v", cfg.DefaultPolicy)
	}
	if cfg.Headless.UserAgent != cfg.Crawler.UserAgent || cfg.Headless.MaxRedirects != 10 {
		t.Fatalf("expected headless to inherit crawler settings: %+v", cfg.Headless)
	}
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
database:
  driver: postgres
  dsn: postgres://crawler@localhost/crawl
crawler:
  workers: 8
  user_agent: test-agent
  max_redirects: 3
  claim_backoff: 250ms
  rate_limit:
    requests_per_second: 0.5
    burst: 2
headless:
  enabled: true
  max_parallel: 2
  navigation_timeout: 20s
cache:
  root: /var/lib/recrawler/snapshots
  url_prefix: https://static.example.com/
  max_filename_length: 128
logging:
  development: false
  file: /var/log/recrawler.log
default_policy:
  condition: never
policies:
  - name: docs
    unlimited_regex: |
      ^https://docs\.example\.com/
      # legacy host
      ^https://help\.example\.com/
    condition: always
    recursion_depth: 2
    recrawl_mode: adaptive
    recrawl_dt_min: 1h
    recrawl_dt_max: 168h
    hash_mode: normalized
    browse_mode: detect
    snapshot: true
    max_page_bytes: 1048576
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Database.Driver != DriverPostgres || cfg.Database.DSN == "" {
		t.Fatalf("expected postgres database, got %+v", cfg.Database)
	}
	if cfg.Crawler.Workers != 8 || cfg.Crawler.ClaimBackoff != 250*time.Millisecond {
		t.Fatalf("expected crawler overrides to apply: %+v", cfg.Crawler)
	}
	if cfg.Crawler.RateLimit.RequestsPerSecond != 0.5 || cfg.Crawler.RateLimit.Burst != 2 {
		t.Fatalf("expected rate limit overrides: %+v", cfg.Crawler.RateLimit)
	}
	if cfg.Headless.NavigationTimeout != 20*time.Second || cfg.Headless.MaxRedirects != 3 {
		t.Fatalf("unexpected headless config: %+v", cfg.Headless)
	}
	if cfg.Cache.URLPrefix != "https://static.example.com/" || cfg.Cache.MaxFilenameLength != 128 {
		t.Fatalf("unexpected cache config: %+v", cfg.Cache)
	}
	if len(cfg.Policies) != 1 {
		t.Fatalf("expected one policy, got %d", len(cfg.Policies))
	}
	p := cfg.Policies[0]
	if p.RecrawlDTMin != time.Hour || p.RecrawlDTMax != 168*time.Hour {
		t.Fatalf("expected durations decoded from strings: %+v", p)
	}
	if p.BrowseMode != crawler.BrowseDetect || !p.Snapshot || p.MaxPageBytes != 1<<20 {
		t.Fatalf("unexpected policy: %+v", p)
	}
	if !strings.Contains(p.UnlimitedRegex, "help") {
		t.Fatalf("expected multiline pattern preserved: %q", p.UnlimitedRegex)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("RECRAWLER_CRAWLER_WORKERS", "12")
	t.Setenv("RECRAWLER_CACHE_ROOT", "/tmp/snaps")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Crawler.Workers != 12 || cfg.Cache.Root != "/tmp/snaps" {
		t.Fatalf("expected env overrides, got workers=%d root=%q", cfg.Crawler.Workers, cfg.Cache.Root)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := Config{
		Database:      DatabaseConfig{Driver: DriverSQLite, Path: "crawl.db"},
		Crawler:       CrawlerConfig{Workers: 1, Timeout: time.Second, MaxRedirects: 5},
		DefaultPolicy: validPolicy("default"),
	}
	base.Cache.Root = "snapshots"
	if err := base.Validate(); err != nil {
		t.Fatalf("base config must be valid: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unknown driver", func(c *Config) { c.Database.Driver = "mysql" }, "database.driver"},
		{"postgres without dsn", func(c *Config) { c.Database.Driver = DriverPostgres }, "database.dsn"},
		{"no workers", func(c *Config) { c.Crawler.Workers = 0 }, "crawler.workers"},
		{"no redirects", func(c *Config) { c.Crawler.MaxRedirects = 0 }, "crawler.max_redirects"},
		{"headless missing max parallel", func(c *Config) { c.Headless.Enabled = true }, "headless.max_parallel"},
		{"no cache root", func(c *Config) { c.Cache.Root = " " }, "cache.root"},
		{"short filenames", func(c *Config) { c.Cache.MaxFilenameLength = 12 }, "cache.max_filename_length"},
		{"bad condition", func(c *Config) { c.DefaultPolicy.Condition = "sometimes" }, "default_policy.condition"},
		{"duplicate policy", func(c *Config) {
			c.Policies = []crawler.Policy{validPolicy("a"), validPolicy("a")}
		}, "not unique"},
		{"adaptive bounds", func(c *Config) {
			p := validPolicy("a")
			p.RecrawlMode = crawler.RecrawlAdaptive
			p.RecrawlDTMin, p.RecrawlDTMax = 2*time.Hour, time.Hour
			c.Policies = []crawler.Policy{p}
		}, "policies[0].recrawl_dt_min"},
		{"constant without interval", func(c *Config) {
			p := validPolicy("a")
			p.RecrawlMode = crawler.RecrawlConstant
			c.Policies = []crawler.Policy{p}
		}, "recrawl_dt_min"},
		{"bad browse mode", func(c *Config) {
			p := validPolicy("a")
			p.BrowseMode = "magic"
			c.Policies = []crawler.Policy{p}
		}, "browse_mode"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := base
			tt.mutate(&c)
			err := c.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func validPolicy(name string) crawler.Policy {
	return crawler.Policy{
		Name:        name,
		Condition:   crawler.ConditionDepth,
		RecrawlMode: crawler.RecrawlNone,
		HashMode:    crawler.HashRaw,
		BrowseMode:  crawler.BrowsePlain,
	}
}
