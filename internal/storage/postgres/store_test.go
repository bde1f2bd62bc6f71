package postgres

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/recrawler/internal/crawler"
)

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	store, err := NewWithPool(mock)
	require.NoError(t, err)
	return store, mock
}

func docColumns() []string {
	return []string{
		"id", "url", "worker_no", "crawl_first", "crawl_last", "crawl_next", "crawl_dt_ns", "crawl_recurse",
		"content_hash", "redirect_target", "error", "error_fingerprint", "manual", "mimetype", "snapshot_files",
		"too_many_redirects",
	}
}

func docRow(id int64, url string, workerNo *int, files string) []any {
	return []any{
		id, url, workerNo, (*time.Time)(nil), (*time.Time)(nil), (*time.Time)(nil), (*int64)(nil), 0,
		(*string)(nil), (*string)(nil), "", "", false, "", files, false,
	}
}

func TestNewWithPoolRequiresPool(t *testing.T) {
	t.Parallel()

	_, err := NewWithPool(nil)
	require.Error(t, err)
}

func TestClaimWinsWhenRowUpdated(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec(regexp.QuoteMeta("UPDATE documents SET worker_no = $1 WHERE id = $2 AND worker_no IS NULL")).
		WithArgs(3, int64(42)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	ok, err := store.Claim(context.Background(), 42, 3)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimLosesWhenNoRowUpdated(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec(regexp.QuoteMeta("UPDATE documents SET worker_no = $1 WHERE id = $2 AND worker_no IS NULL")).
		WithArgs(4, int64(42)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	ok, err := store.Claim(context.Background(), 42, 4)
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetOrCreateReturnsExistingRowOnConflict(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	url := "https://a.com/"
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO documents (url) VALUES ($1)")).
		WithArgs(url).
		WillReturnError(pgx.ErrNoRows)
	worker := 2
	mock.ExpectQuery(regexp.QuoteMeta("FROM documents WHERE url = $1")).
		WithArgs(url).
		WillReturnRows(pgxmock.NewRows(docColumns()).AddRow(docRow(9, url, &worker, `["a.com/x.html"]`)...))

	doc, created, err := store.GetOrCreate(context.Background(), url)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, int64(9), doc.ID)
	require.NotNil(t, doc.WorkerNo)
	assert.Equal(t, 2, *doc.WorkerNo)
	assert.Equal(t, []string{"a.com/x.html"}, doc.SnapshotFiles)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetOrCreateInsertsNewRow(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	url := "https://b.com/"
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO documents (url) VALUES ($1)")).
		WithArgs(url).
		WillReturnRows(pgxmock.NewRows(docColumns()).AddRow(docRow(10, url, nil, "[]")...))

	doc, created, err := store.GetOrCreate(context.Background(), url)
	require.NoError(t, err)
	assert.True(t, created)
	assert.False(t, doc.Claimed())
	assert.Empty(t, doc.SnapshotFiles)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNextCandidateFallsBackToDueRows(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()
	mock.ExpectQuery(regexp.QuoteMeta("WHERE worker_no IS NULL AND crawl_last IS NULL ORDER BY id")).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery(regexp.QuoteMeta("WHERE worker_no IS NULL AND crawl_next <= $1 ORDER BY crawl_next, id")).
		WithArgs(now).
		WillReturnRows(pgxmock.NewRows(docColumns()).AddRow(docRow(5, "https://c.com/", nil, "[]")...))

	doc, ok, err := store.NextCandidate(context.Background(), now)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(5), doc.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNextCandidateEmptyQueue(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()
	mock.ExpectQuery("crawl_last IS NULL").WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery("crawl_next <=").WithArgs(now).WillReturnError(pgx.ErrNoRows)

	_, ok, err := store.NextCandidate(context.Background(), now)
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSavePersistsIntervalAsNanoseconds(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	dt := 24 * time.Hour
	doc := crawler.Document{ID: 1, URL: "https://a.com/", CrawlDT: &dt, SnapshotFiles: []string{"a.com/i.html"}}
	mock.ExpectExec("UPDATE documents SET").
		WithArgs(int64(1), doc.WorkerNo, doc.CrawlFirst, doc.CrawlLast, doc.CrawlNext, pgxmock.AnyArg(), 0,
			doc.ContentHash, doc.RedirectTarget, "", "", false, "", `["a.com/i.html"]`, false).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, store.Save(context.Background(), doc))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDecrementRefFloorsAtZero(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec(regexp.QuoteMeta("SET ref_count = GREATEST(ref_count - 1, 0) WHERE id = $1")).
		WithArgs(int64(8)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, store.DecrementRef(context.Background(), 8))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDecrementRefByFilenameRetriesWhileReferenced(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	decrement := regexp.QuoteMeta("UPDATE assets SET ref_count = ref_count - 1")
	sum := regexp.QuoteMeta("SELECT COALESCE(SUM(ref_count), 0) FROM assets WHERE filename = $1")
	// a concurrent release emptied the picked row; another row still holds a reference
	mock.ExpectExec(decrement).WithArgs("a.com/_x.html").WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery(sum).WithArgs("a.com/_x.html").WillReturnRows(pgxmock.NewRows([]string{"sum"}).AddRow(int64(1)))
	mock.ExpectExec(decrement).WithArgs("a.com/_x.html").WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	ok, err := store.DecrementRefByFilename(context.Background(), "a.com/_x.html")
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDecrementRefByFilenameUnreferenced(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec(regexp.QuoteMeta("UPDATE assets SET ref_count = ref_count - 1")).
		WithArgs("a.com/_x.html").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COALESCE(SUM(ref_count), 0) FROM assets WHERE filename = $1")).
		WithArgs("a.com/_x.html").
		WillReturnRows(pgxmock.NewRows([]string{"sum"}).AddRow(int64(0)))

	ok, err := store.DecrementRefByFilename(context.Background(), "a.com/_x.html")
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteUnreferencedReportsRemovedRows(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM assets WHERE filename = $1 AND ref_count <= 0")).
		WithArgs("a.com/x_abc.html").
		WillReturnResult(pgxmock.NewResult("DELETE", 2))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM assets WHERE filename = $1 AND ref_count <= 0")).
		WithArgs("a.com/x_abc.html").
		WillReturnResult(pgxmock.NewResult("DELETE", 0))

	n, err := store.DeleteUnreferenced(context.Background(), "a.com/x_abc.html")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	n, err = store.DeleteUnreferenced(context.Background(), "a.com/x_abc.html")
	require.NoError(t, err)
	assert.Zero(t, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetBrowseModeDefaultsToDetect(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT browse_mode FROM domain_settings").
		WithArgs("a.com").
		WillReturnError(pgx.ErrNoRows)

	mode, err := store.GetBrowseMode(context.Background(), "a.com")
	require.NoError(t, err)
	assert.Equal(t, crawler.BrowseDetect, mode)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSetWorkerStateSkipsPausedRows(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec(regexp.QuoteMeta("WHERE worker_no = $1 AND state <> $3")).
		WithArgs(1, "running", "paused").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	require.NoError(t, store.SetWorkerState(context.Background(), 1, crawler.WorkerRunning))
	require.NoError(t, mock.ExpectationsWereMet())
}
