package scraper

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/quarryd/quarryd/internal/clock/system"
	"github.com/quarryd/quarryd/internal/events"
	sha "github.com/quarryd/quarryd/internal/hash/sha256"
	"github.com/quarryd/quarryd/internal/politeness"
	"github.com/quarryd/quarryd/internal/resilience"
	"github.com/quarryd/quarryd/internal/scrape"
)

const (
	staticBody   = "<html><body><p>server rendered</p></body></html>"
	renderedBody = "<html><body><p>client rendered</p></body></html>"
)

type stubFetcher struct {
	mu      sync.Mutex
	calls   int
	respond func(url string) (scrape.FetchResponse, error)
}

func (s *stubFetcher) Fetch(_ context.Context, req scrape.FetchRequest) (scrape.FetchResponse, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	return s.respond(req.URL)
}

func (s *stubFetcher) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type stubRenderer struct {
	mu       sync.Mutex
	calls    int
	onRender func()
	respond  func(url string) (scrape.FetchResponse, error)
}

func (s *stubRenderer) Render(_ context.Context, req scrape.FetchRequest) (scrape.FetchResponse, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.onRender != nil {
		s.onRender()
	}
	return s.respond(req.URL)
}

func (s *stubRenderer) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type stubDetector struct {
	mu        sync.Mutex
	calls     int
	detection scrape.Detection
}

func (s *stubDetector) Detect(_ []byte) scrape.Detection {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	return s.detection
}

func (s *stubDetector) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type stubExtractor struct {
	mu    sync.Mutex
	items []scrape.Item
	err   error
	htmls []string
	urls  []string
}

func (s *stubExtractor) Extract(html []byte, pageURL string, _ map[string]string) ([]scrape.Item, error) {
	s.mu.Lock()
	s.htmls = append(s.htmls, string(html))
	s.urls = append(s.urls, pageURL)
	s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return s.items, nil
}

func (s *stubExtractor) seenHTML() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.htmls...)
}

type eventLog struct {
	mu   sync.Mutex
	evts []events.Event
}

func (l *eventLog) Emit(evt events.Event) {
	l.mu.Lock()
	l.evts = append(l.evts, evt)
	l.mu.Unlock()
}

func (l *eventLog) stages() []events.Stage {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]events.Stage, 0, len(l.evts))
	for _, e := range l.evts {
		out = append(out, e.Stage)
	}
	return out
}

func (l *eventLog) all() []events.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]events.Event(nil), l.evts...)
}

type pipelineFixture struct {
	fetcher   *stubFetcher
	renderer  *stubRenderer
	detector  *stubDetector
	extractor *stubExtractor
	gate      *scrape.Gate
	events    *eventLog
	pipeline  *Pipeline
}

func okResponse(url, body string, rendered bool) (scrape.FetchResponse, error) {
	return scrape.FetchResponse{
		URL:        url,
		StatusCode: http.StatusOK,
		Headers:    http.Header{},
		Body:       []byte(body),
		Duration:   10 * time.Millisecond,
		Rendered:   rendered,
	}, nil
}

// notFound is critical for the retry planner, so tests exercising
// failure paths finish without backoff sleeps.
func notFound(url string) (scrape.FetchResponse, error) {
	return scrape.FetchResponse{}, &scrape.HTTPError{
		StatusCode: http.StatusNotFound,
		Status:     http.StatusText(http.StatusNotFound),
		URL:        url,
	}
}

func newTestPipeline(t *testing.T) *pipelineFixture {
	t.Helper()

	fx := &pipelineFixture{
		fetcher: &stubFetcher{respond: func(url string) (scrape.FetchResponse, error) {
			return okResponse(url, staticBody, false)
		}},
		renderer: &stubRenderer{respond: func(url string) (scrape.FetchResponse, error) {
			return okResponse(url, renderedBody, true)
		}},
		detector:  &stubDetector{},
		extractor: &stubExtractor{items: []scrape.Item{{Title: "quote", Text: "hello"}}},
		gate:      scrape.NewGate(2),
		events:    &eventLog{},
	}
	admission := politeness.NewCoordinator(
		politeness.CoordinatorConfig{},
		nil,
		politeness.NewLimiter(politeness.LimiterConfig{}, nil),
		nil,
		zap.NewNop(),
	)
	fx.pipeline = NewPipeline(
		fx.fetcher,
		fx.renderer,
		fx.detector,
		fx.extractor,
		admission,
		resilience.NewCoordinator(resilience.BreakerConfig{}, zap.NewNop()),
		fx.gate,
		sha.New(),
		system.New(),
		fx.events,
		zap.NewNop(),
	)
	return fx
}

func urlRequest(target string) scrape.Request {
	return scrape.Request{InputKind: scrape.InputURL, Target: target}
}

// TestScrapeStaticPage verifies the plain path: static fetch, no
// promotion, metadata assembled from the fetched document.
func TestScrapeStaticPage(t *testing.T) {
	t.Parallel()

	fx := newTestPipeline(t)
	var progress []string
	result, err := fx.pipeline.Scrape(context.Background(), "job-1111", urlRequest("https://example.com/page"), func(p string) {
		progress = append(progress, p)
	})
	require.NoError(t, err)

	require.Equal(t, scrape.MethodStatic, result.Method)
	require.Equal(t, "https://example.com/page", result.SourceURL)
	require.Equal(t, string(scrape.JobStatusCompleted), result.Status)
	require.Len(t, result.Items, 1)

	require.Equal(t, 1, result.Metadata["data_items_count"])
	require.Equal(t, len(staticBody), result.Metadata["html_size_bytes"])
	sum := sha256.Sum256([]byte(staticBody))
	require.Equal(t, hex.EncodeToString(sum[:]), result.Metadata["content_sha256"])
	require.Contains(t, result.Metadata, "processing_time_seconds")

	require.Equal(t, 0, fx.renderer.callCount())
	require.Equal(t, []string{"Scraping https://example.com/page"}, progress)

	require.Equal(t, []events.Stage{events.StageFetchStart, events.StageFetchDone}, fx.events.stages())
	done := fx.events.all()[1]
	require.Equal(t, "https://example.com", done.Site)
	require.Equal(t, events.Status2xx, done.StatusClass)
	require.Equal(t, int64(len(staticBody)), done.Bytes)
	require.Equal(t, "job-1111", done.JobID)
}

// TestScrapePromotesToRender verifies that a positive detection renders
// the page under a lazily acquired permit and reports method dynamic.
func TestScrapePromotesToRender(t *testing.T) {
	t.Parallel()

	fx := newTestPipeline(t)
	fx.detector.detection = scrape.Detection{NeedsRender: true, Confidence: 0.9}

	activeDuringRender := -1
	fx.renderer.onRender = func() {
		activeDuringRender = fx.gate.Active()
	}

	result, err := fx.pipeline.Scrape(context.Background(), "job-2222", urlRequest("https://spa.example.com/app"), nil)
	require.NoError(t, err)

	require.Equal(t, scrape.MethodDynamic, result.Method)
	require.Equal(t, 1, fx.fetcher.callCount())
	require.Equal(t, 1, fx.renderer.callCount())
	require.Equal(t, 1, activeDuringRender)
	require.Equal(t, 0, fx.gate.Active())
	require.Equal(t, renderedBody, fx.extractor.seenHTML()[0])
}

// TestScrapeRenderFailureKeepsStatic verifies the degradation rule: the
// already-fetched static document survives a dead renderer.
func TestScrapeRenderFailureKeepsStatic(t *testing.T) {
	t.Parallel()

	fx := newTestPipeline(t)
	fx.detector.detection = scrape.Detection{NeedsRender: true, Confidence: 0.8}
	fx.renderer.respond = notFound

	result, err := fx.pipeline.Scrape(context.Background(), "job-3333", urlRequest("https://spa.example.com/app"), nil)
	require.NoError(t, err)

	require.Equal(t, scrape.MethodStatic, result.Method)
	require.Equal(t, staticBody, fx.extractor.seenHTML()[0])
	require.Equal(t, 0, fx.gate.Active())
}

// TestScrapeStaticFailureFallsBackToRender verifies that a failed
// static fetch retries the page through the renderer instead of
// failing the job.
func TestScrapeStaticFailureFallsBackToRender(t *testing.T) {
	t.Parallel()

	fx := newTestPipeline(t)
	fx.fetcher.respond = notFound

	result, err := fx.pipeline.Scrape(context.Background(), "job-4444", urlRequest("https://example.com/page"), nil)
	require.NoError(t, err)

	require.Equal(t, scrape.MethodDynamic, result.Method)
	require.Equal(t, 1, fx.renderer.callCount())
	require.Equal(t, 0, fx.detector.callCount())
	require.Equal(t, renderedBody, fx.extractor.seenHTML()[0])
}

// TestScrapeBothFetchesFailing verifies that the renderer's failure
// surfaces once the static fallback chain is out of options.
func TestScrapeBothFetchesFailing(t *testing.T) {
	t.Parallel()

	fx := newTestPipeline(t)
	fx.fetcher.respond = notFound
	fx.renderer.respond = notFound

	_, err := fx.pipeline.Scrape(context.Background(), "job-5555", urlRequest("https://example.com/page"), nil)
	require.Error(t, err)
	var httpErr *scrape.HTTPError
	require.ErrorAs(t, err, &httpErr)
	require.Equal(t, 0, fx.gate.Active())
}

// TestScrapeBlockedByRobots verifies that a robots denial refuses the
// URL outright without touching the fetcher or the renderer.
func TestScrapeBlockedByRobots(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			_, _ = io.WriteString(w, "User-agent: *\nDisallow: /\n")
			return
		}
		_, _ = io.WriteString(w, staticBody)
	}))
	defer srv.Close()

	fx := newTestPipeline(t)
	admission := politeness.NewCoordinator(
		politeness.CoordinatorConfig{RespectRobots: true},
		politeness.NewChecker(politeness.CheckerConfig{}, nil, nil, zap.NewNop()),
		politeness.NewLimiter(politeness.LimiterConfig{}, nil),
		nil,
		zap.NewNop(),
	)
	fx.pipeline.admission = admission

	_, err := fx.pipeline.Scrape(context.Background(), "job-6666", urlRequest(srv.URL+"/private"), nil)
	require.ErrorIs(t, err, scrape.ErrBlockedByPolicy)
	require.Equal(t, 0, fx.fetcher.callCount())
	require.Equal(t, 0, fx.renderer.callCount())
}

// TestScrapeForceDynamicSkipsStaticAndGate verifies that force-dynamic
// requests render directly and never double-acquire the render permit
// the job manager already holds.
func TestScrapeForceDynamicSkipsStaticAndGate(t *testing.T) {
	t.Parallel()

	fx := newTestPipeline(t)
	activeDuringRender := -1
	fx.renderer.onRender = func() {
		activeDuringRender = fx.gate.Active()
	}

	req := urlRequest("https://spa.example.com/app")
	req.ForceDynamic = true
	result, err := fx.pipeline.Scrape(context.Background(), "job-7777", req, nil)
	require.NoError(t, err)

	require.Equal(t, scrape.MethodDynamic, result.Method)
	require.Equal(t, 0, fx.fetcher.callCount())
	require.Equal(t, 0, fx.detector.callCount())
	require.Equal(t, 0, activeDuringRender)
}

// TestScrapeExtractionError verifies that extractor failures surface as
// job errors rather than empty results.
func TestScrapeExtractionError(t *testing.T) {
	t.Parallel()

	fx := newTestPipeline(t)
	fx.extractor.err = errors.New("malformed document")

	_, err := fx.pipeline.Scrape(context.Background(), "job-8888", urlRequest("https://example.com/page"), nil)
	require.ErrorContains(t, err, "extract content")
}

// TestScrapeFileBatchJSON verifies batch loading with mixed entry
// shapes, per-URL progress, and skip-on-failure aggregation.
func TestScrapeFileBatchJSON(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "urls.json")
	content := `[{"url":"https://good.example/1"},"https://bad.example/2"]`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	fx := newTestPipeline(t)
	fx.fetcher.respond = func(url string) (scrape.FetchResponse, error) {
		if url == "https://good.example/1" {
			return okResponse(url, staticBody, false)
		}
		return notFound(url)
	}
	fx.renderer.respond = notFound

	var progress []string
	req := scrape.Request{InputKind: scrape.InputFile, Target: path}
	result, err := fx.pipeline.Scrape(context.Background(), "job-9999", req, func(p string) {
		progress = append(progress, p)
	})
	require.NoError(t, err)

	require.Equal(t, "file://"+path, result.SourceURL)
	require.Equal(t, scrape.MethodStatic, result.Method)
	require.Len(t, result.Items, 1)
	require.Equal(t, 2, result.Metadata["urls_processed"])
	require.Equal(t, 1, result.Metadata["data_items_count"])
	require.Equal(t, path, result.Metadata["source_file"])

	require.Equal(t, []string{
		"Processing URL 1/2: https://good.example/1",
		"Processing URL 2/2: https://bad.example/2",
	}, progress)
}

// TestScrapeFileBatchCSV verifies the csv loader finds the url column
// and skips blank rows.
func TestScrapeFileBatchCSV(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "urls.csv")
	content := "name,url\nfirst,https://a.example/x\nblank,\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	fx := newTestPipeline(t)
	req := scrape.Request{InputKind: scrape.InputFile, Target: path}
	result, err := fx.pipeline.Scrape(context.Background(), "job-aaaa", req, nil)
	require.NoError(t, err)

	require.Equal(t, 1, result.Metadata["urls_processed"])
	require.Equal(t, []string{"https://a.example/x"}, fx.extractor.urls)
}

// TestScrapeFileBatchRendered verifies the batch method flips to
// dynamic as soon as any page needed the renderer.
func TestScrapeFileBatchRendered(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "urls.json")
	content := `["https://plain.example/a","https://spa.example/b"]`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	fx := newTestPipeline(t)
	fx.detector.detection = scrape.Detection{NeedsRender: true, Confidence: 0.7}

	req := scrape.Request{InputKind: scrape.InputFile, Target: path}
	result, err := fx.pipeline.Scrape(context.Background(), "job-bbbb", req, nil)
	require.NoError(t, err)
	require.Equal(t, scrape.MethodDynamic, result.Method)
	require.Equal(t, 2, fx.renderer.callCount())
}

func TestLoadURLFileErrors(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	empty := filepath.Join(dir, "empty.json")
	require.NoError(t, os.WriteFile(empty, []byte("[]"), 0o600))
	noColumn := filepath.Join(dir, "nocol.csv")
	require.NoError(t, os.WriteFile(noColumn, []byte("a,b\n1,2\n"), 0o600))

	tests := []struct {
		name    string
		path    string
		wantErr string
	}{
		{name: "unsupported extension", path: filepath.Join(dir, "urls.txt"), wantErr: "unsupported input file format"},
		{name: "missing file", path: filepath.Join(dir, "missing.json"), wantErr: "read url file"},
		{name: "empty list", path: empty, wantErr: "no urls found"},
		{name: "csv without url column", path: noColumn, wantErr: "no url column"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := LoadURLFile(tc.path)
			require.ErrorContains(t, err, tc.wantErr)
		})
	}
}

func TestLoadURLFileJSONShapes(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "mixed.json")
	content := `["https://a.example", {"url": "https://b.example"}, {"url": ""}, ""]`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	urls, err := LoadURLFile(path)
	require.NoError(t, err)
	require.Equal(t, []string{"https://a.example", "https://b.example"}, urls)
}

func TestLoadURLFileJSONWrapper(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "wrapped.json")
	content := `{"urls": [{"url": "https://a.example"}, "https://b.example"]}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	urls, err := LoadURLFile(path)
	require.NoError(t, err)
	require.Equal(t, []string{"https://a.example", "https://b.example"}, urls)
}

func TestScrapeReportsNilSafe(t *testing.T) {
	t.Parallel()

	fx := newTestPipeline(t)
	_, err := fx.pipeline.Scrape(context.Background(), fmt.Sprintf("job-%04d", 1), urlRequest("https://example.com/page"), nil)
	require.NoError(t, err)
}
