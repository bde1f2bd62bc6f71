package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/recrawler/internal/crawler"
	"github.com/JakeFAU/recrawler/internal/storage/sqlite"
)

func TestServer_Healthz(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	newTestServer(&fakeStatus{}).Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "ok")
}

func TestServer_Readyz(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	newTestServer(&fakeStatus{}).Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	down := &fakeStatus{err: errors.New("connection refused")}
	newTestServer(down).Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServer_Metrics(t *testing.T) {
	t.Parallel()

	srv := newTestServer(&fakeStatus{})
	// Serve one request first so the HTTP collectors have samples.
	srv.Handler().ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "recrawler_http_requests_total")
}

func TestServer_StatusFromStore(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, err := sqlite.Open(ctx, filepath.Join(t.TempDir(), "crawl.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	_, _, err = store.GetOrCreate(ctx, "https://a.com/")
	require.NoError(t, err)
	_, _, err = store.CreateClaimed(ctx, "https://a.com/claimed", 1)
	require.NoError(t, err)
	require.NoError(t, store.EnsureWorker(ctx, 1))
	require.NoError(t, store.SetWorkerState(ctx, 1, crawler.WorkerRunning))

	srv := NewServer(storeStatus{store}, "run-1", zap.NewNop())
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp StatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "run-1", resp.RunID)
	assert.Equal(t, int64(1), resp.Queue.Claimed)
	assert.Equal(t, int64(2), resp.Queue.New)
	require.Len(t, resp.Workers, 1)
	assert.Equal(t, "running", resp.Workers[0].State)
}

func TestServer_StatusErrors(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	srv := newTestServer(&fakeStatus{workersErr: errors.New("boom")})
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/status", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Contains(t, rec.Body.String(), "failed to list workers")
}

func TestServer_ListenAndServeStopsOnCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- newTestServer(&fakeStatus{}).ListenAndServe(ctx, "127.0.0.1:0") }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestServer_ListenAndServeBadAddr(t *testing.T) {
	t.Parallel()

	err := newTestServer(&fakeStatus{}).ListenAndServe(context.Background(), "not-an-address")
	require.Error(t, err)
}

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()

	s := newTestServer(&fakeStatus{})
	h := s.recoverMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("kaboom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.True(t, strings.Contains(rec.Body.String(), "internal server error"))
}

func TestRequestIDMiddlewareSetsHeader(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	newTestServer(&fakeStatus{}).Handler().ServeHTTP(rec, req)

	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestResponseWriterHijackBehavior(t *testing.T) {
	t.Parallel()

	rw := &responseWriter{ResponseWriter: httptest.NewRecorder()}
	if _, _, err := rw.Hijack(); err == nil || err.Error() != "hijacker not supported" {
		t.Fatalf("expected unsupported hijacker error, got %v", err)
	}

	h := &hijackableRecorder{ResponseRecorder: httptest.NewRecorder()}
	rw = &responseWriter{ResponseWriter: h}
	conn, buf, err := rw.Hijack()
	if err != nil {
		t.Fatalf("expected successful hijack, got %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("close hijacked conn: %v", err)
	}
	if err := h.CloseClient(); err != nil {
		t.Fatalf("close hijacked client: %v", err)
	}
	if buf == nil {
		t.Fatal("expected buf to be non-nil")
	}
}

// --- helpers/fakes ---

func newTestServer(status StatusSource) *Server {
	return NewServer(status, "run-test", zap.NewNop())
}

type storeStatus struct {
	store *sqlite.Store
}

func (s storeStatus) QueueStatus(ctx context.Context) (crawler.QueueStatus, error) {
	return s.store.QueueStatus(ctx, time.Now())
}

func (s storeStatus) ListWorkers(ctx context.Context) ([]crawler.WorkerStats, error) {
	return s.store.ListWorkers(ctx)
}

type fakeStatus struct {
	err        error
	workersErr error
}

func (f *fakeStatus) QueueStatus(context.Context) (crawler.QueueStatus, error) {
	return crawler.QueueStatus{Pending: 3}, f.err
}

func (f *fakeStatus) ListWorkers(context.Context) ([]crawler.WorkerStats, error) {
	return nil, f.workersErr
}

type hijackableRecorder struct {
	*httptest.ResponseRecorder
	client net.Conn
}

func (h *hijackableRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	server, client := net.Pipe()
	h.client = client
	return server, bufio.NewReadWriter(bufio.NewReader(client), bufio.NewWriter(client)), nil
}

func (h *hijackableRecorder) CloseClient() error {
	if h.client != nil {
		if err := h.client.Close(); err != nil {
			return fmt.Errorf("close hijacker client: %w", err)
		}
	}
	return nil
}
