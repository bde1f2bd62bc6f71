// Package config loads and validates crawler configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/recrawler/internal/cache"
	"github.com/JakeFAU/recrawler/internal/crawler"
	"github.com/JakeFAU/recrawler/internal/fetcher/headless"
	"github.com/JakeFAU/recrawler/internal/policy/ratelimit"
)

// Database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Database      DatabaseConfig   `mapstructure:"database"`
	Crawler       CrawlerConfig    `mapstructure:"crawler"`
	Headless      headless.Config  `mapstructure:"headless"`
	Cache         cache.Config     `mapstructure:"cache"`
	Logging       LoggingConfig    `mapstructure:"logging"`
	Metrics       MetricsConfig    `mapstructure:"metrics"`
	DefaultPolicy crawler.Policy   `mapstructure:"default_policy"`
	Policies      []crawler.Policy `mapstructure:"policies"`
}

// DatabaseConfig selects and tunes the crawl store.
type DatabaseConfig struct {
	Driver string `mapstructure:"driver"`
	// Path is the SQLite database file.
	Path string `mapstructure:"path"`
	// DSN is the Postgres connection string.
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// CrawlerConfig governs workers and the plain transport.
type CrawlerConfig struct {
	Workers       int              `mapstructure:"workers"`
	UserAgent     string           `mapstructure:"user_agent"`
	Timeout       time.Duration    `mapstructure:"timeout"`
	MaxRedirects  int              `mapstructure:"max_redirects"`
	ClaimBackoff  time.Duration    `mapstructure:"claim_backoff"`
	IdleSleep     time.Duration    `mapstructure:"idle_sleep"`
	RespectRobots bool             `mapstructure:"respect_robots"`
	RobotsTTL     time.Duration    `mapstructure:"robots_ttl"`
	RateLimit     ratelimit.Config `mapstructure:"rate_limit"`
}

// LoggingConfig toggles zap development features and the rotated log file.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	File        string `mapstructure:"file"`
	MaxSizeMB   int    `mapstructure:"max_size_mb"`
	MaxBackups  int    `mapstructure:"max_backups"`
	MaxAgeDays  int    `mapstructure:"max_age_days"`
}

// MetricsConfig controls the operations endpoint served while crawling.
type MetricsConfig struct {
	// ListenAddr is the ops server address; empty disables it.
	ListenAddr string `mapstructure:"listen_addr"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("RECRAWLER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.driver", DriverSQLite)
	v.SetDefault("database.path", "recrawler.db")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("crawler.workers", 4)
	v.SetDefault("crawler.user_agent", "recrawler/1.0")
	v.SetDefault("crawler.timeout", "30s")
	v.SetDefault("crawler.max_redirects", 10)
	v.SetDefault("crawler.claim_backoff", "100ms")
	v.SetDefault("crawler.idle_sleep", "5s")
	v.SetDefault("crawler.respect_robots", true)
	v.SetDefault("crawler.robots_ttl", "24h")
	v.SetDefault("crawler.rate_limit.requests_per_second", 1.0)
	v.SetDefault("crawler.rate_limit.burst", 1)
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.navigation_timeout", "45s")
	v.SetDefault("headless.settle_delay", "500ms")
	v.SetDefault("cache.root", "snapshots")
	v.SetDefault("cache.url_prefix", "/snapshots/")
	v.SetDefault("cache.max_filename_length", cache.DefaultMaxFilenameLength)
	v.SetDefault("cache.max_asset_bytes", 20<<20)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age_days", 28)
	v.SetDefault("metrics.listen_addr", ":9090")
	v.SetDefault("default_policy.name", "default")
	v.SetDefault("default_policy.condition", string(crawler.ConditionNever))
	v.SetDefault("default_policy.recrawl_mode", string(crawler.RecrawlNone))
}

// normalize fills per-policy defaults viper cannot express for list elements.
func (c *Config) normalize() {
	normalizePolicy(&c.DefaultPolicy)
	for i := range c.Policies {
		normalizePolicy(&c.Policies[i])
	}
	if c.Headless.UserAgent == "" {
		c.Headless.UserAgent = c.Crawler.UserAgent
	}
	if c.Headless.MaxRedirects == 0 {
		c.Headless.MaxRedirects = c.Crawler.MaxRedirects
	}
}

func normalizePolicy(p *crawler.Policy) {
	if p.RecrawlMode == "" {
		p.RecrawlMode = crawler.RecrawlNone
	}
	if p.HashMode == "" {
		p.HashMode = crawler.HashRaw
	}
	if p.BrowseMode == "" {
		p.BrowseMode = crawler.BrowsePlain
	}
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	switch c.Database.Driver {
	case DriverSQLite:
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required for the sqlite driver")
		}
	case DriverPostgres:
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("database.driver must be %q or %q, got %q", DriverSQLite, DriverPostgres, c.Database.Driver)
	}
	if c.Crawler.Workers <= 0 {
		return fmt.Errorf("crawler.workers must be > 0")
	}
	if c.Crawler.Timeout <= 0 {
		return fmt.Errorf("crawler.timeout must be > 0")
	}
	if c.Crawler.MaxRedirects <= 0 {
		return fmt.Errorf("crawler.max_redirects must be > 0")
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	if strings.TrimSpace(c.Cache.Root) == "" {
		return fmt.Errorf("cache.root is required")
	}
	if c.Cache.MaxFilenameLength != 0 && c.Cache.MaxFilenameLength <= cache.HashLength+8 {
		return fmt.Errorf("cache.max_filename_length must leave room for the content hash")
	}
	if err := validatePolicy("default_policy", c.DefaultPolicy); err != nil {
		return err
	}
	seen := map[string]bool{c.DefaultPolicy.Name: true}
	for i, p := range c.Policies {
		field := fmt.Sprintf("policies[%d]", i)
		if p.Name == "" {
			return fmt.Errorf("%s.name is required", field)
		}
		if seen[p.Name] {
			return fmt.Errorf("%s.name %q is not unique", field, p.Name)
		}
		seen[p.Name] = true
		if err := validatePolicy(field, p); err != nil {
			return err
		}
	}
	return nil
}

func validatePolicy(field string, p crawler.Policy) error {
	switch p.Condition {
	case crawler.ConditionAlways, crawler.ConditionDepth, crawler.ConditionNever:
	default:
		return fmt.Errorf("%s.condition %q is invalid", field, p.Condition)
	}
	if p.RecursionDepth < 0 {
		return fmt.Errorf("%s.recursion_depth must be >= 0", field)
	}
	switch p.RecrawlMode {
	case crawler.RecrawlNone:
	case crawler.RecrawlConstant:
		if p.RecrawlDTMin <= 0 {
			return fmt.Errorf("%s.recrawl_dt_min must be > 0 for constant recrawl", field)
		}
	case crawler.RecrawlAdaptive:
		if p.RecrawlDTMin <= 0 || p.RecrawlDTMax < p.RecrawlDTMin {
			return fmt.Errorf("%s.recrawl_dt_min must be > 0 and <= recrawl_dt_max for adaptive recrawl", field)
		}
	default:
		return fmt.Errorf("%s.recrawl_mode %q is invalid", field, p.RecrawlMode)
	}
	switch p.HashMode {
	case crawler.HashRaw, crawler.HashNormalized:
	default:
		return fmt.Errorf("%s.hash_mode %q is invalid", field, p.HashMode)
	}
	switch p.BrowseMode {
	case crawler.BrowsePlain, crawler.BrowseScripted, crawler.BrowseDetect:
	default:
		return fmt.Errorf("%s.browse_mode %q is invalid", field, p.BrowseMode)
	}
	if p.MaxPageBytes < 0 {
		return fmt.Errorf("%s.max_page_bytes must be >= 0", field)
	}
	return nil
}
