package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/quarryd/quarryd/internal/clock/system"
	"github.com/quarryd/quarryd/internal/config"
	"github.com/quarryd/quarryd/internal/jobs"
	"github.com/quarryd/quarryd/internal/politeness"
	publisherMemory "github.com/quarryd/quarryd/internal/publisher/memory"
	queueMemory "github.com/quarryd/quarryd/internal/queue/memory"
	"github.com/quarryd/quarryd/internal/resilience"
	"github.com/quarryd/quarryd/internal/scrape"
	storageMemory "github.com/quarryd/quarryd/internal/storage/memory"
)

type scraperFunc func(ctx context.Context, jobID string, req scrape.Request, report func(string)) (*scrape.Result, error)

func (f scraperFunc) Scrape(ctx context.Context, jobID string, req scrape.Request, report func(string)) (*scrape.Result, error) {
	return f(ctx, jobID, req, report)
}

type seqIDs struct {
	n atomic.Int64
}

func (s *seqIDs) NewID() (string, error) {
	return fmt.Sprintf("job-%04d", s.n.Add(1)), nil
}

type apiFixture struct {
	server  *Server
	manager *jobs.Manager
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Jobs.MaxConcurrentJobs = 2
	cfg.Jobs.MaxRenderInstances = 1
	return cfg
}

func newTestServer(t *testing.T, cfg config.Config, queueCap int, s jobs.Scraper) *apiFixture {
	t.Helper()
	clk := system.New()
	manager := jobs.New(
		jobs.Config{
			MaxConcurrentJobs:  cfg.Jobs.MaxConcurrentJobs,
			MaxRenderInstances: cfg.Jobs.MaxRenderInstances,
			WorkerCount:        cfg.Jobs.WorkerCount,
		},
		jobs.NewStore(clk),
		queueMemory.New(queueCap),
		s,
		storageMemory.NewBlobStore(),
		publisherMemory.New(),
		nil,
		clk,
		&seqIDs{},
		scrape.NewGate(cfg.Jobs.MaxRenderInstances),
		zap.NewNop(),
	)
	admission := politeness.NewCoordinator(
		politeness.CoordinatorConfig{},
		nil,
		politeness.NewLimiter(politeness.LimiterConfig{DefaultDelay: time.Millisecond}, nil),
		politeness.NewRotator(nil),
		zap.NewNop(),
	)
	resil := resilience.NewCoordinator(resilience.BreakerConfig{}, zap.NewNop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = manager.Stop(ctx)
	})
	return &apiFixture{
		server:  NewServer(manager, admission, resil, cfg, "1.0.0", zap.NewNop()),
		manager: manager,
	}
}

func (fix *apiFixture) do(method, target, body string) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body == "" {
		reader = bytes.NewReader(nil)
	} else {
		reader = bytes.NewReader([]byte(body))
	}
	req := httptest.NewRequest(method, target, reader)
	rec := httptest.NewRecorder()
	fix.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeMap(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func okScraper(items int) scraperFunc {
	return func(_ context.Context, jobID string, req scrape.Request, _ func(string)) (*scrape.Result, error) {
		out := &scrape.Result{
			JobID:     jobID,
			SourceURL: req.Target,
			Timestamp: time.Now().UTC(),
			Status:    "completed",
			Method:    scrape.MethodStatic,
		}
		for i := 0; i < items; i++ {
			out.Items = append(out.Items, scrape.Item{Title: fmt.Sprintf("item %d", i)})
		}
		return out, nil
	}
}

func TestServer_SubmitScrape_Succeeds(t *testing.T) {
	t.Parallel()

	fix := newTestServer(t, testConfig(t), 4, nil)
	rec := fix.do(http.MethodPost, "/scrape", `{"input_type":"url","target":"https://example.com"}`)

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	body := decodeMap(t, rec)
	require.Equal(t, "queued", body["status"])
	jobID, _ := body["job_id"].(string)
	require.NotEmpty(t, jobID)
	require.Equal(t,
		fmt.Sprintf("Job %s submitted successfully and queued for processing", jobID),
		body["message"])
}

func TestServer_SubmitScrape_DefaultsToURLInput(t *testing.T) {
	t.Parallel()

	fix := newTestServer(t, testConfig(t), 4, nil)
	rec := fix.do(http.MethodPost, "/scrape", `{"target":"https://example.com"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
}

func TestServer_SubmitScrape_InvalidJSON(t *testing.T) {
	t.Parallel()

	fix := newTestServer(t, testConfig(t), 4, nil)
	rec := fix.do(http.MethodPost, "/scrape", "{invalid")

	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "invalid_request", decodeMap(t, rec)["error"])
}

func TestServer_SubmitScrape_InvalidURL(t *testing.T) {
	t.Parallel()

	fix := newTestServer(t, testConfig(t), 4, nil)
	rec := fix.do(http.MethodPost, "/scrape", `{"input_type":"url","target":"example.com/no-scheme"}`)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "invalid_request", decodeMap(t, rec)["error"])
}

func TestServer_SubmitScrape_QueueFull(t *testing.T) {
	t.Parallel()

	fix := newTestServer(t, testConfig(t), 1, nil)
	rec := fix.do(http.MethodPost, "/scrape", `{"input_type":"url","target":"https://example.com/1"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = fix.do(http.MethodPost, "/scrape", `{"input_type":"url","target":"https://example.com/2"}`)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Equal(t, "queue_full", decodeMap(t, rec)["error"])
}

func TestServer_SubmitScrape_FileValidation(t *testing.T) {
	t.Parallel()

	fix := newTestServer(t, testConfig(t), 4, nil)

	rec := fix.do(http.MethodPost, "/scrape", `{"input_type":"file","target":"does_not_exist.json"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "input file not found")

	rec = fix.do(http.MethodPost, "/scrape", `{"input_type":"file","target":"../outside.json"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "outside the working directory")
}

func TestServer_JobStatus_Unknown(t *testing.T) {
	t.Parallel()

	fix := newTestServer(t, testConfig(t), 4, nil)
	rec := fix.do(http.MethodGet, "/status/nope", "")

	require.Equal(t, http.StatusNotFound, rec.Code)
	body := decodeMap(t, rec)
	require.Equal(t, "job_not_found", body["error"])
	require.Equal(t, "Job nope not found", body["message"])
}

func TestServer_JobLifecycle(t *testing.T) {
	t.Parallel()

	fix := newTestServer(t, testConfig(t), 4, okScraper(2))
	fix.manager.Start()

	rec := fix.do(http.MethodPost, "/scrape", `{"input_type":"url","target":"https://example.com"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	jobID := decodeMap(t, rec)["job_id"].(string)

	require.Eventually(t, func() bool {
		status := fix.do(http.MethodGet, "/status/"+jobID, "")
		return status.Code == http.StatusOK &&
			decodeMap(t, status)["status"] == "completed"
	}, 2*time.Second, 10*time.Millisecond)

	status := decodeMap(t, fix.do(http.MethodGet, "/status/"+jobID, ""))
	require.Equal(t, "Completed with 2 items", status["progress"])
	require.NotEmpty(t, status["result_uri"])

	results := fix.do(http.MethodGet, "/results/"+jobID, "")
	require.Equal(t, http.StatusOK, results.Code)
	require.Equal(t,
		fmt.Sprintf("attachment; filename=scrape_result_%s.json", jobID),
		results.Header().Get("Content-Disposition"))

	var doc scrape.Result
	require.NoError(t, json.Unmarshal(results.Body.Bytes(), &doc))
	require.Equal(t, jobID, doc.JobID)
	require.Equal(t, scrape.MethodStatic, doc.Method)
	require.Len(t, doc.Items, 2)
}

func TestServer_JobResults_NotCompleted(t *testing.T) {
	t.Parallel()

	fix := newTestServer(t, testConfig(t), 4, nil)
	rec := fix.do(http.MethodPost, "/scrape", `{"input_type":"url","target":"https://example.com"}`)
	jobID := decodeMap(t, rec)["job_id"].(string)

	results := fix.do(http.MethodGet, "/results/"+jobID, "")
	require.Equal(t, http.StatusBadRequest, results.Code)
	body := decodeMap(t, results)
	require.Equal(t, "job_not_completed", body["error"])
	require.Equal(t, "queued", body["current_status"])
	require.Equal(t, "Waiting in queue", body["progress"])
}

func TestServer_JobResults_Unknown(t *testing.T) {
	t.Parallel()

	fix := newTestServer(t, testConfig(t), 4, nil)
	rec := fix.do(http.MethodGet, "/results/nope", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, "job_not_found", decodeMap(t, rec)["error"])
}

func TestServer_ListJobs(t *testing.T) {
	t.Parallel()

	fix := newTestServer(t, testConfig(t), 10, nil)
	for i := 0; i < 3; i++ {
		rec := fix.do(http.MethodPost, "/scrape",
			fmt.Sprintf(`{"input_type":"url","target":"https://example.com/%d"}`, i))
		require.Equal(t, http.StatusAccepted, rec.Code)
	}

	rec := fix.do(http.MethodGet, "/jobs?limit=2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeMap(t, rec)
	require.Len(t, body["jobs"], 2)
	require.EqualValues(t, 3, body["total"])

	rec = fix.do(http.MethodGet, "/jobs", "")
	require.Len(t, decodeMap(t, rec)["jobs"], 3)

	rec = fix.do(http.MethodGet, "/jobs?limit=abc", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_CancelJob(t *testing.T) {
	t.Parallel()

	fix := newTestServer(t, testConfig(t), 4, nil)
	rec := fix.do(http.MethodPost, "/scrape", `{"input_type":"url","target":"https://example.com"}`)
	jobID := decodeMap(t, rec)["job_id"].(string)

	rec = fix.do(http.MethodDelete, "/jobs/"+jobID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeMap(t, rec)
	require.Equal(t, fmt.Sprintf("Job %s has been cancelled", jobID), body["message"])
	require.Equal(t, "cancelled", body["status"])

	rec = fix.do(http.MethodDelete, "/jobs/"+jobID, "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	body = decodeMap(t, rec)
	require.Equal(t, "job_not_cancellable", body["error"])
	require.Equal(t, "cancelled", body["current_status"])

	rec = fix.do(http.MethodDelete, "/jobs/nope", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_Health(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	fix := newTestServer(t, cfg, 100, nil)

	rec := fix.do(http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeMap(t, rec)
	require.Equal(t, "healthy", body["status"])
	require.EqualValues(t, 0, body["queue_size"])
	require.EqualValues(t, 0, body["active_jobs"])

	// A deep queue flips the status to degraded.
	for i := 0; i < 50; i++ {
		rec := fix.do(http.MethodPost, "/scrape",
			fmt.Sprintf(`{"input_type":"url","target":"https://example.com/%d"}`, i))
		require.Equal(t, http.StatusAccepted, rec.Code)
	}
	rec = fix.do(http.MethodGet, "/health", "")
	require.Equal(t, "degraded", decodeMap(t, rec)["status"])
}

func TestServer_Stats_Sections(t *testing.T) {
	t.Parallel()

	fix := newTestServer(t, testConfig(t), 4, nil)
	rec := fix.do(http.MethodGet, "/stats", "")

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeMap(t, rec)
	require.Contains(t, body, "jobs")
	require.Contains(t, body, "admission")
	require.Contains(t, body, "errors")
	require.Contains(t, body, "breakers")

	jobStats, ok := body["jobs"].(map[string]any)
	require.True(t, ok)
	require.EqualValues(t, 2, jobStats["max_concurrent_jobs"])
}

func TestServer_ConfigEcho_Sanitized(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Storage.GCSBucket = "private-bucket"
	fix := newTestServer(t, cfg, 4, nil)

	rec := fix.do(http.MethodGet, "/config", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, decodeMap(t, rec), "jobs")
	require.NotContains(t, rec.Body.String(), "private-bucket")
}

func TestServer_Metrics(t *testing.T) {
	t.Parallel()

	fix := newTestServer(t, testConfig(t), 4, nil)
	rec := fix.do(http.MethodGet, "/metrics", "")

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "# HELP")
}

func TestServer_RateLimit(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Server.RateLimit = config.RateLimitConfig{Enabled: true, Requests: 2, WindowSeconds: 3600}
	fix := newTestServer(t, cfg, 4, nil)

	for i := 0; i < 2; i++ {
		rec := fix.do(http.MethodGet, "/health", "")
		require.Equal(t, http.StatusOK, rec.Code, "request %d within budget", i)
	}

	rec := fix.do(http.MethodGet, "/health", "")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, "rate_limited", decodeMap(t, rec)["error"])
	require.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestServer_NotFound(t *testing.T) {
	t.Parallel()

	fix := newTestServer(t, testConfig(t), 4, nil)
	rec := fix.do(http.MethodGet, "/nope", "")

	require.Equal(t, http.StatusNotFound, rec.Code)
	body := decodeMap(t, rec)
	require.Equal(t, "not_found", body["error"])
	require.Equal(t, "/nope", body["path"])
}

func TestServer_Root(t *testing.T) {
	t.Parallel()

	fix := newTestServer(t, testConfig(t), 4, nil)
	rec := fix.do(http.MethodGet, "/", "")

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeMap(t, rec)
	require.Equal(t, "quarryd", body["name"])
	require.Equal(t, "1.0.0", body["version"])
	require.True(t, strings.HasPrefix(body["environment"].(string), "prod"))
}
