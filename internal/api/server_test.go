package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/harvester/internal/config"
	"github.com/JakeFAU/harvester/internal/harvest"
	"github.com/JakeFAU/harvester/internal/ingest"
	"github.com/JakeFAU/harvester/internal/publisher/memory"
	"github.com/JakeFAU/harvester/internal/scrape"
)

type fakeRuns struct {
	run scrape.RunResult
	ok  bool
}

func (f fakeRuns) Latest() (scrape.RunResult, bool) { return f.run, f.ok }

type fakeProcessor struct {
	calls []string
	err   error
}

func (f *fakeProcessor) Process(_ context.Context, domain string) (ingest.BatchResult, error) {
	f.calls = append(f.calls, domain)
	if f.err != nil {
		return ingest.BatchResult{}, f.err
	}
	return ingest.BatchResult{Domain: domain, Read: 3, Processed: 2, Skipped: 1}, nil
}

type fakeCursors map[string]time.Time

func (f fakeCursors) Read(_ context.Context, domain string) (time.Time, error) {
	if domain == "broken.org" {
		return time.Time{}, errors.New("db down")
	}
	return f[domain], nil
}

var watermark = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newTestServer(t *testing.T, cfg config.Config) (*Server, *fakeProcessor, *memory.Publisher) {
	t.Helper()
	proc := &fakeProcessor{}
	events := memory.New(10)
	run := scrape.RunResult{
		RunID: "run-1",
		Sources: []scrape.SourceResult{
			{Name: "acct1", Domain: "x.com", State: scrape.StateFailed, Reason: "OtpTimeout"},
			{Name: "acct2", Domain: "x.com", State: scrape.StateDone, Posts: 2},
		},
	}
	srv := NewServer(Deps{
		Runs:      fakeRuns{run: run, ok: true},
		Processor: proc,
		Cursors:   fakeCursors{"x.com": watermark},
		Events:    events,
		Domains:   []string{"x.com", "blog.org", "broken.org"},
	}, cfg, zap.NewNop())
	return srv, proc, events
}

func serve(t *testing.T, srv *Server, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestHealthEndpoints(t *testing.T) {
	t.Parallel()

	srv, _, _ := newTestServer(t, config.Config{})
	rec := serve(t, srv, http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = serve(t, srv, http.MethodGet, "/readyz")
	assert.Equal(t, http.StatusOK, rec.Code)

	bare := NewServer(Deps{}, config.Config{}, nil)
	rec = serve(t, bare, http.MethodGet, "/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRequestIDIsEchoed(t *testing.T) {
	t.Parallel()

	srv, _, _ := newTestServer(t, config.Config{})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "abc")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, "abc", rec.Header().Get("X-Request-ID"))
}

func TestLatestRun(t *testing.T) {
	t.Parallel()

	srv, _, _ := newTestServer(t, config.Config{})
	rec := serve(t, srv, http.MethodGet, "/v1/runs/latest")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "run-1", body["run_id"])
	assert.InDelta(t, 1, body["succeeded"], 0)
	assert.InDelta(t, 1, body["failed"], 0)
	assert.InDelta(t, 2, body["posts"], 0)

	empty := NewServer(Deps{Runs: fakeRuns{}}, config.Config{}, zap.NewNop())
	rec = serve(t, empty, http.MethodGet, "/v1/runs/latest")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCursor(t *testing.T) {
	t.Parallel()

	srv, _, _ := newTestServer(t, config.Config{})

	rec := serve(t, srv, http.MethodGet, "/v1/cursors/x.com")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "x.com", body["domain"])
	assert.Equal(t, watermark.Format(time.RFC3339), body["watermark"])

	rec = serve(t, srv, http.MethodGet, "/v1/cursors/blog.org")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Nil(t, decode(t, rec)["watermark"])

	rec = serve(t, srv, http.MethodGet, "/v1/cursors/unknown.net")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = serve(t, srv, http.MethodGet, "/v1/cursors/broken.org")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestProcess(t *testing.T) {
	t.Parallel()

	srv, proc, _ := newTestServer(t, config.Config{})

	rec := serve(t, srv, http.MethodPost, "/v1/process/X.com")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "x.com", body["domain"])
	assert.InDelta(t, 2, body["processed"], 0)
	assert.Equal(t, []string{"x.com"}, proc.calls)

	rec = serve(t, srv, http.MethodPost, "/v1/process/unknown.net")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Len(t, proc.calls, 1)

	rec = serve(t, srv, http.MethodGet, "/v1/process/x.com")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	proc.err = context.DeadlineExceeded
	rec = serve(t, srv, http.MethodPost, "/v1/process/blog.org")
	assert.Equal(t, http.StatusRequestTimeout, rec.Code)

	proc.err = errors.New("boom")
	rec = serve(t, srv, http.MethodPost, "/v1/process/blog.org")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "boom", decode(t, rec)["error"])
}

func TestEvents(t *testing.T) {
	t.Parallel()

	srv, _, events := newTestServer(t, config.Config{})
	_, err := events.Publish(context.Background(), harvest.TopicScrapeRun, map[string]int{"posts": 2})
	require.NoError(t, err)
	_, err = events.Publish(context.Background(), harvest.TopicIngestBatch, map[string]int{"processed": 1})
	require.NoError(t, err)

	rec := serve(t, srv, http.MethodGet, "/v1/events")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode(t, rec)["events"], 2)

	rec = serve(t, srv, http.MethodGet, "/v1/events?topic="+harvest.TopicIngestBatch)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode(t, rec)["events"], 1)
}

func TestAPIKey(t *testing.T) {
	t.Parallel()

	srv, _, _ := newTestServer(t, config.Config{Auth: config.AuthConfig{Enabled: true, APIKey: "secret"}})

	rec := serve(t, srv, http.MethodGet, "/v1/runs/latest")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/runs/latest", nil)
	req.Header.Set("X-API-Key", "secret")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = serve(t, srv, http.MethodGet, "/v1/runs/latest?api_key=secret")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = serve(t, srv, http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code, "health endpoints stay open")
}

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()

	srv, _, _ := newTestServer(t, config.Config{})
	h := srv.recoverMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
