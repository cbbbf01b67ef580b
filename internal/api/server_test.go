package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/speculum/speculum/internal/archive"
	"github.com/speculum/speculum/internal/metrics"
)

type fakeEngine struct {
	enqueueStarted bool
	enqueueErr     error
	cancelOK       bool
	cancelMsg      string
	crawls         []archive.LiveCrawl
	progress       map[string]archive.Progress
	logs           map[string][]string

	lastJobID string
	lastTailN int
}

func (f *fakeEngine) EnqueueCrawl(_ context.Context, jobID string) (bool, error) {
	f.lastJobID = jobID
	return f.enqueueStarted, f.enqueueErr
}

func (f *fakeEngine) CancelCrawl(_ context.Context, jobID string) (bool, string) {
	f.lastJobID = jobID
	return f.cancelOK, f.cancelMsg
}

func (f *fakeEngine) ListLiveCrawls() []archive.LiveCrawl {
	return f.crawls
}

func (f *fakeEngine) GetProgress(jobID string) (archive.Progress, bool) {
	p, ok := f.progress[jobID]
	return p, ok
}

func (f *fakeEngine) GetLiveLogTail(jobID string, n int) ([]string, bool) {
	f.lastTailN = n
	lines, ok := f.logs[jobID]
	return lines, ok
}

func newTestServer(t *testing.T, engine *fakeEngine, auth AuthConfig) *httptest.Server {
	t.Helper()
	metrics.Init()
	srv := NewServer(engine, auth, zap.NewNop())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func doJSON(t *testing.T, method, url string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, url, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, resp.Body.Close()) })

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return resp, body
}

func TestHealthEndpoints(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, &fakeEngine{}, AuthConfig{})
	for _, path := range []string{"/healthz", "/readyz"} {
		resp, _ := doJSON(t, http.MethodGet, ts.URL+path)
		require.Equal(t, http.StatusOK, resp.StatusCode, path)
	}
}

func TestListLiveCrawls(t *testing.T) {
	t.Parallel()

	engine := &fakeEngine{crawls: []archive.LiveCrawl{{
		JobID:          "job-1",
		TargetURL:      "https://example.com",
		StartedAt:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		ElapsedSeconds: 42,
		LogLineCount:   10,
	}}}
	ts := newTestServer(t, engine, AuthConfig{})

	resp, body := doJSON(t, http.MethodGet, ts.URL+"/v1/crawls")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	crawls, ok := body["crawls"].([]any)
	require.True(t, ok)
	require.Len(t, crawls, 1)
	first := crawls[0].(map[string]any)
	require.Equal(t, "job-1", first["job_id"])
	require.Equal(t, float64(42), first["elapsed_seconds"])
}

func TestListLiveCrawlsEmpty(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, &fakeEngine{}, AuthConfig{})
	resp, body := doJSON(t, http.MethodGet, ts.URL+"/v1/crawls")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	crawls, ok := body["crawls"].([]any)
	require.True(t, ok)
	require.Empty(t, crawls)
}

func TestEnqueueCrawl(t *testing.T) {
	t.Parallel()

	engine := &fakeEngine{enqueueStarted: true}
	ts := newTestServer(t, engine, AuthConfig{})

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/v1/jobs/job-1/crawl")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Equal(t, "job-1", engine.lastJobID)
	require.Equal(t, true, body["started"])
}

func TestEnqueueCrawlAlreadyLive(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, &fakeEngine{enqueueStarted: false}, AuthConfig{})
	resp, body := doJSON(t, http.MethodPost, ts.URL+"/v1/jobs/job-1/crawl")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Equal(t, false, body["started"])
}

func TestEnqueueCrawlUnknownJob(t *testing.T) {
	t.Parallel()

	engine := &fakeEngine{enqueueErr: fmt.Errorf("job x: %w", archive.ErrNotFound)}
	ts := newTestServer(t, engine, AuthConfig{})
	resp, _ := doJSON(t, http.MethodPost, ts.URL+"/v1/jobs/missing/crawl")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestEnqueueCrawlEngineFault(t *testing.T) {
	t.Parallel()

	engine := &fakeEngine{enqueueErr: errors.New("registry unavailable")}
	ts := newTestServer(t, engine, AuthConfig{})
	resp, _ := doJSON(t, http.MethodPost, ts.URL+"/v1/jobs/job-1/crawl")
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestCancelCrawl(t *testing.T) {
	t.Parallel()

	engine := &fakeEngine{cancelOK: true, cancelMsg: "crawl terminated"}
	ts := newTestServer(t, engine, AuthConfig{})

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/v1/jobs/job-1/cancel")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, true, body["cancelled"])
	require.Equal(t, "crawl terminated", body["message"])
}

func TestCancelCrawlNothingLive(t *testing.T) {
	t.Parallel()

	engine := &fakeEngine{cancelOK: false, cancelMsg: "nothing to cancel"}
	ts := newTestServer(t, engine, AuthConfig{})

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/v1/jobs/job-1/cancel")
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	require.Equal(t, false, body["cancelled"])
	require.Equal(t, "nothing to cancel", body["message"])
}

func TestGetProgress(t *testing.T) {
	t.Parallel()

	engine := &fakeEngine{progress: map[string]archive.Progress{
		"job-1": {
			JobID:          "job-1",
			ElapsedSeconds: 30,
			CurrentFile:    "example.com/index.html",
			ItemsSoFar:     2,
			RecentLines:    []string{"line"},
		},
	}}
	ts := newTestServer(t, engine, AuthConfig{})

	resp, body := doJSON(t, http.MethodGet, ts.URL+"/v1/jobs/job-1/progress")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "example.com/index.html", body["current_file"])
	require.Equal(t, float64(2), body["items_so_far"])

	resp, _ = doJSON(t, http.MethodGet, ts.URL+"/v1/jobs/other/progress")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGetLogTail(t *testing.T) {
	t.Parallel()

	engine := &fakeEngine{logs: map[string][]string{"job-1": {"a", "b"}}}
	ts := newTestServer(t, engine, AuthConfig{})

	resp, body := doJSON(t, http.MethodGet, ts.URL+"/v1/jobs/job-1/log?n=2")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, 2, engine.lastTailN)
	lines, ok := body["lines"].([]any)
	require.True(t, ok)
	require.Equal(t, []any{"a", "b"}, lines)

	// Default tail size applies when n is omitted.
	resp, _ = doJSON(t, http.MethodGet, ts.URL+"/v1/jobs/job-1/log")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, defaultLogTail, engine.lastTailN)

	resp, _ = doJSON(t, http.MethodGet, ts.URL+"/v1/jobs/job-1/log?n=zero")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodGet, ts.URL+"/v1/jobs/gone/log")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPIKeyMiddleware(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, &fakeEngine{}, AuthConfig{Enabled: true, APIKey: "secret"})

	resp, err := http.Get(ts.URL + "/v1/crawls")
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/v1/crawls", nil)
	require.NoError(t, err)
	req.Header.Set("X-API-Key", "secret")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRequestIDHeader(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, &fakeEngine{}, AuthConfig{})
	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}
