package crawler

import (
	"net/http"
	"time"
)

// Condition controls whether URLs matched by a Policy are crawled and how recursion propagates.
type Condition string

// Crawl conditions.
const (
	// ConditionAlways queues every matching URL; links found on it inherit the policy depth.
	ConditionAlways Condition = "always"
	// ConditionDepth queues matching URLs while the parent's recursion budget lasts.
	ConditionDepth Condition = "depth"
	// ConditionNever never queues matching URLs.
	ConditionNever Condition = "never"
)

// RecrawlMode selects how crawl_next is derived after a cycle.
type RecrawlMode string

// Recrawl modes.
const (
	RecrawlNone     RecrawlMode = "none"
	RecrawlConstant RecrawlMode = "constant"
	RecrawlAdaptive RecrawlMode = "adaptive"
)

// HashMode selects the content normalization applied before hashing.
type HashMode string

// Hash modes.
const (
	HashRaw        HashMode = "raw"
	HashNormalized HashMode = "normalized"
)

// BrowseMode selects the fetch transport.
type BrowseMode string

// Browse modes. BrowseDetect is only valid on a Policy or an unreconciled domain.
const (
	BrowsePlain    BrowseMode = "plain"
	BrowseScripted BrowseMode = "scripted"
	BrowseDetect   BrowseMode = "detect"
)

// Policy governs recursion and recrawl behavior for the URLs it matches.
type Policy struct {
	Name           string        `mapstructure:"name"`
	UnlimitedRegex string        `mapstructure:"unlimited_regex"`
	LimitedRegex   string        `mapstructure:"limited_regex"`
	ExcludedRegex  string        `mapstructure:"excluded_regex"`
	Condition      Condition     `mapstructure:"condition"`
	RecursionDepth int           `mapstructure:"recursion_depth"`
	RecrawlMode    RecrawlMode   `mapstructure:"recrawl_mode"`
	RecrawlDTMin   time.Duration `mapstructure:"recrawl_dt_min"`
	RecrawlDTMax   time.Duration `mapstructure:"recrawl_dt_max"`
	HashMode       HashMode      `mapstructure:"hash_mode"`
	BrowseMode     BrowseMode    `mapstructure:"browse_mode"`
	Snapshot       bool          `mapstructure:"snapshot"`
	MaxPageBytes   int64         `mapstructure:"max_page_bytes"`
}

// Document is the durable record of one crawl target.
type Document struct {
	ID               int64
	URL              string
	WorkerNo         *int
	CrawlFirst       *time.Time
	CrawlLast        *time.Time
	CrawlNext        *time.Time
	CrawlDT          *time.Duration
	CrawlRecurse     int
	ContentHash      *string
	RedirectTarget   *string
	Error            string
	ErrorFingerprint string
	Manual           bool
	Mimetype         string
	SnapshotFiles    []string
	TooManyRedirects bool
}

// Claimed reports whether a worker currently holds the document.
func (d Document) Claimed() bool {
	return d.WorkerNo != nil
}

// Asset is a content-addressed cache record. Several rows may share one Filename.
type Asset struct {
	ID              int64
	URL             string
	Filename        string
	RefCount        int64
	DownloadDate    *time.Time
	LastModified    *time.Time
	MaxAge          *int64
	HasCacheControl bool
	ETag            *string
}

// WorkerState is the persisted run state of one worker.
type WorkerState string

// Worker states. WorkerPaused is the global pause flag polled by workers.
const (
	WorkerRunning WorkerState = "running"
	WorkerIdle    WorkerState = "idle"
	WorkerPaused  WorkerState = "paused"
)

// WorkerStats is the persisted per-worker status row.
type WorkerStats struct {
	WorkerNo     int
	State        WorkerState
	DocProcessed int64
	UpdatedAt    time.Time
}

// QueueStatus summarizes the crawl queue.
type QueueStatus struct {
	New       int64
	Recurring int64
	Pending   int64
	Claimed   int64
}

// Conditional carries revalidation headers for a conditional fetch.
type Conditional struct {
	ETag            string
	IfModifiedSince *time.Time
}

// FetchRequest captures everything needed to fetch a URL.
type FetchRequest struct {
	URL         string
	Policy      Policy
	Headers     http.Header
	Conditional *Conditional
	MaxBytes    int64
}

// Page is the result returned by a Fetcher implementation.
type Page struct {
	URL           string
	StatusCode    int
	Content       []byte
	Mimetype      string
	Headers       http.Header
	RedirectCount int
	Cookies       []*http.Cookie
	Duration      time.Duration
	UsedScripted  bool
}

// NotModified reports whether a conditional fetch was answered with 304.
func (p Page) NotModified() bool {
	return p.StatusCode == http.StatusNotModified
}
