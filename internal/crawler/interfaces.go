package crawler

import (
	"context"
	"time"
)

// DocumentStore persists documents. Claim is the only contended operation and must be a single
// conditional update.
type DocumentStore interface {
	// NextCandidate returns the best unclaimed document: never-crawled rows by id, else due rows by
	// (crawl_next, id). ok is false when nothing is claimable.
	NextCandidate(ctx context.Context, now time.Time) (doc Document, ok bool, err error)
	// Claim sets worker_no on id if and only if it is currently NULL.
	Claim(ctx context.Context, id int64, workerNo int) (bool, error)
	// GetOrCreate returns the row for url, inserting it when missing. Concurrent creators all receive
	// the same row.
	GetOrCreate(ctx context.Context, url string) (doc Document, created bool, err error)
	// CreateClaimed inserts url already claimed by workerNo. created is false when the row existed; in
	// that case the existing row is returned untouched.
	CreateClaimed(ctx context.Context, url string, workerNo int) (doc Document, created bool, err error)
	GetByURL(ctx context.Context, url string) (Document, error)
	Get(ctx context.Context, id int64) (Document, error)
	// Save persists every mutable field of doc, including worker_no.
	Save(ctx context.Context, doc Document) error
	SetRecurse(ctx context.Context, id int64, recurse int) error
	// SetManual flags id for an operator-forced reindex; an already crawled row becomes due at now.
	SetManual(ctx context.Context, id int64, now time.Time) error
	ReleaseClaim(ctx context.Context, id int64) error
	ReleaseAllClaims(ctx context.Context) (int64, error)
	Delete(ctx context.Context, id int64) error
	QueueStatus(ctx context.Context, now time.Time) (QueueStatus, error)
}

// AssetStore persists cache asset rows.
type AssetStore interface {
	// LatestForURL returns the most recently downloaded asset for url.
	LatestForURL(ctx context.Context, url string) (Asset, error)
	// GetOrCreateAsset returns the (url, filename) row, inserting it with ref_count 0 when missing.
	GetOrCreateAsset(ctx context.Context, url, filename string) (asset Asset, created bool, err error)
	IncrementRef(ctx context.Context, id int64) error
	// DecrementRef lowers ref_count of one row by one, flooring at zero.
	DecrementRef(ctx context.Context, id int64) error
	// DecrementRefByFilename lowers one referenced row sharing filename. ok is false when no row
	// carries a positive count.
	DecrementRefByFilename(ctx context.Context, filename string) (ok bool, err error)
	SumRefCount(ctx context.Context, filename string) (int64, error)
	// DeleteUnreferenced deletes every row of filename when their ref_count sum is <= 0 and returns the
	// number of rows removed. Only the caller observing a positive count owns the physical delete.
	DeleteUnreferenced(ctx context.Context, filename string) (int64, error)
	UpdateCacheMeta(ctx context.Context, asset Asset) error
}

// DomainStore persists reconciled browse modes per domain.
type DomainStore interface {
	GetBrowseMode(ctx context.Context, domain string) (BrowseMode, error)
	SetBrowseMode(ctx context.Context, domain string, mode BrowseMode) error
}

// WorkerStore persists worker run state. A paused state is the pause flag.
type WorkerStore interface {
	// EnsureWorker registers workerNo as idle unless a row already exists.
	EnsureWorker(ctx context.Context, workerNo int) error
	GetWorker(ctx context.Context, workerNo int) (WorkerStats, error)
	// SetWorkerState moves a worker between running and idle. Paused rows are left untouched; only
	// SetAllWorkersState clears a pause.
	SetWorkerState(ctx context.Context, workerNo int, state WorkerState) error
	SetAllWorkersState(ctx context.Context, state WorkerState) error
	IncProcessed(ctx context.Context, workerNo int) error
	ListWorkers(ctx context.Context) ([]WorkerStats, error)
}

// Store bundles every persistence dependency of the crawler.
type Store interface {
	DocumentStore
	AssetStore
	DomainStore
	WorkerStore
	Close() error
}

// Fetcher fetches a URL and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (Page, error)
}

// Hasher computes digests for deduplication and fingerprints.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces process run IDs.
type IDGenerator interface {
	NewID() (string, error)
}
