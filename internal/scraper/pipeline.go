// Package scraper runs the fetch, detection, and extraction pipeline
// behind the job manager. Every network call clears the admission
// coordinator first and travels through the resilience coordinator, so
// retries re-pace the domain and breaker state accumulates per site.
package scraper

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/quarryd/quarryd/internal/events"
	"github.com/quarryd/quarryd/internal/metrics"
	"github.com/quarryd/quarryd/internal/politeness"
	"github.com/quarryd/quarryd/internal/resilience"
	"github.com/quarryd/quarryd/internal/scrape"
)

// Pipeline implements the jobs.Scraper contract for single URLs and
// URL-list files.
type Pipeline struct {
	fetcher    scrape.Fetcher
	renderer   scrape.Renderer
	detector   scrape.Detector
	extractor  scrape.Extractor
	admission  *politeness.Coordinator
	resilience *resilience.Coordinator
	renderGate *scrape.Gate
	hasher     scrape.Hasher
	clock      scrape.Clock
	emitter    events.Emitter
	logger     *zap.Logger
}

// NewPipeline wires the scrape stages together. The render gate is the
// same instance the job manager holds permits on for force-dynamic
// jobs; the pipeline acquires from it only when promotion or fallback
// makes a render necessary.
func NewPipeline(
	fetcher scrape.Fetcher,
	renderer scrape.Renderer,
	detector scrape.Detector,
	extractor scrape.Extractor,
	admission *politeness.Coordinator,
	resil *resilience.Coordinator,
	renderGate *scrape.Gate,
	hasher scrape.Hasher,
	clock scrape.Clock,
	emitter events.Emitter,
	logger *zap.Logger,
) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		fetcher:    fetcher,
		renderer:   renderer,
		detector:   detector,
		extractor:  extractor,
		admission:  admission,
		resilience: resil,
		renderGate: renderGate,
		hasher:     hasher,
		clock:      clock,
		emitter:    emitter,
		logger:     logger.Named("scraper"),
	}
}

// Scrape executes the request and assembles the result document.
func (p *Pipeline) Scrape(ctx context.Context, jobID string, req scrape.Request, report func(string)) (*scrape.Result, error) {
	if report == nil {
		report = func(string) {}
	}
	start := p.clock.Now()
	if req.InputKind == scrape.InputFile {
		return p.scrapeFile(ctx, jobID, req, report, start)
	}
	return p.scrapeURL(ctx, jobID, req, report, start)
}

// Probe performs a single static fetch outside any job, still subject
// to admission and the domain breaker. Selector validation uses it to
// pull a live page without enqueuing work.
func (p *Pipeline) Probe(ctx context.Context, target string) (scrape.FetchResponse, error) {
	return p.fetchStatic(ctx, "probe", target)
}

func (p *Pipeline) scrapeURL(ctx context.Context, jobID string, req scrape.Request, report func(string), start time.Time) (*scrape.Result, error) {
	report("Scraping " + req.Target)

	page, err := p.fetchPage(ctx, jobID, req.Target, req.ForceDynamic)
	if err != nil {
		return nil, err
	}

	items, err := p.extractor.Extract(page.Body, req.Target, req.Selectors)
	if err != nil {
		return nil, fmt.Errorf("extract content: %w", err)
	}

	method := scrape.MethodStatic
	if page.Rendered {
		method = scrape.MethodDynamic
	}
	metadata := map[string]any{
		"processing_time_seconds": p.clock.Now().Sub(start).Seconds(),
		"data_items_count":        len(items),
		"html_size_bytes":         len(page.Body),
	}
	if digest, err := p.hasher.Hash(page.Body); err == nil {
		metadata["content_sha256"] = digest
	}

	return &scrape.Result{
		JobID:     jobID,
		SourceURL: req.Target,
		Timestamp: start,
		Status:    string(scrape.JobStatusCompleted),
		Method:    method,
		Items:     items,
		Metadata:  metadata,
	}, nil
}

func (p *Pipeline) scrapeFile(ctx context.Context, jobID string, req scrape.Request, report func(string), start time.Time) (*scrape.Result, error) {
	urls, err := LoadURLFile(req.Target)
	if err != nil {
		return nil, err
	}
	p.logger.Info("scraping url batch",
		zap.String("job_id", jobID),
		zap.String("file", req.Target),
		zap.Int("urls", len(urls)))

	var (
		items    []scrape.Item
		rendered bool
	)
	for i, target := range urls {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("batch aborted: %w", ctx.Err())
		}
		report(fmt.Sprintf("Processing URL %d/%d: %s", i+1, len(urls), target))

		page, err := p.fetchPage(ctx, jobID, target, req.ForceDynamic)
		if err != nil {
			p.logger.Warn("batch url failed",
				zap.String("job_id", jobID),
				zap.String("url", target),
				zap.Error(err))
			continue
		}
		pageItems, err := p.extractor.Extract(page.Body, target, req.Selectors)
		if err != nil {
			p.logger.Warn("batch extraction failed",
				zap.String("job_id", jobID),
				zap.String("url", target),
				zap.Error(err))
			continue
		}
		items = append(items, pageItems...)
		if page.Rendered {
			rendered = true
		}
	}

	method := scrape.MethodStatic
	if rendered {
		method = scrape.MethodDynamic
	}
	return &scrape.Result{
		JobID:     jobID,
		SourceURL: "file://" + req.Target,
		Timestamp: start,
		Status:    string(scrape.JobStatusCompleted),
		Method:    method,
		Items:     items,
		Metadata: map[string]any{
			"urls_processed":          len(urls),
			"data_items_count":        len(items),
			"source_file":             req.Target,
			"processing_time_seconds": p.clock.Now().Sub(start).Seconds(),
		},
	}, nil
}

// fetchPage returns the final document for target. Force-dynamic
// requests go straight to the renderer, with the permit already held by
// the job manager. Auto requests fetch statically first and promote to
// the renderer when the detector scores the page as JavaScript-driven.
func (p *Pipeline) fetchPage(ctx context.Context, jobID, target string, forceDynamic bool) (scrape.FetchResponse, error) {
	if forceDynamic {
		return p.fetchDynamic(ctx, jobID, target)
	}

	static, staticErr := p.fetchStatic(ctx, jobID, target)
	if staticErr != nil {
		if errors.Is(staticErr, scrape.ErrBlockedByPolicy) || ctx.Err() != nil {
			return scrape.FetchResponse{}, staticErr
		}
		p.logger.Warn("static fetch failed, trying dynamic",
			zap.String("job_id", jobID),
			zap.String("url", target),
			zap.Error(staticErr))
		return p.fetchDynamicGated(ctx, jobID, target)
	}

	detection := p.detector.Detect(static.Body)
	if !detection.NeedsRender {
		return static, nil
	}
	p.logger.Info("promoting to headless render",
		zap.String("job_id", jobID),
		zap.String("url", target),
		zap.Float64("confidence", detection.Confidence))

	rendered, renderErr := p.fetchDynamicGated(ctx, jobID, target)
	if renderErr != nil {
		if ctx.Err() != nil {
			return scrape.FetchResponse{}, renderErr
		}
		// The static document is already in hand and legitimately
		// fetched, so a dead renderer degrades the result instead of
		// failing the job.
		p.logger.Warn("render failed, keeping static document",
			zap.String("job_id", jobID),
			zap.String("url", target),
			zap.Error(renderErr))
		return static, nil
	}
	return rendered, nil
}

// fetchStatic runs admission plus the plain-HTTP fetch as one resilient
// operation keyed by domain, so every retry re-paces the domain and
// re-rolls the user agent.
func (p *Pipeline) fetchStatic(ctx context.Context, jobID, target string) (scrape.FetchResponse, error) {
	domainKey, err := scrape.DomainKey(target)
	if err != nil {
		return scrape.FetchResponse{}, err
	}

	var page scrape.FetchResponse
	op := func(ctx context.Context) error {
		decision, err := p.admission.Prepare(ctx, target)
		if err != nil {
			return err
		}
		if !decision.Allowed {
			return fmt.Errorf("%s: %w", target, scrape.ErrBlockedByPolicy)
		}
		p.emitFetchStart(jobID, domainKey, target)
		resp, err := p.fetcher.Fetch(ctx, scrape.FetchRequest{URL: target, Headers: decision.Headers})
		if err != nil {
			return err
		}
		page = resp
		p.emitFetchDone(jobID, domainKey, target, resp)
		return nil
	}
	if err := p.resilience.Execute(ctx, domainKey, op); err != nil {
		return scrape.FetchResponse{}, err
	}
	return page, nil
}

// fetchDynamicGated acquires a render permit for the duration of the
// render. Only the auto-detected paths come through here; force-dynamic
// jobs already hold their permit.
func (p *Pipeline) fetchDynamicGated(ctx context.Context, jobID, target string) (scrape.FetchResponse, error) {
	if p.renderGate != nil {
		if err := p.renderGate.Acquire(ctx); err != nil {
			return scrape.FetchResponse{}, fmt.Errorf("render permit wait: %w", err)
		}
		metrics.SetRenderPermits(p.renderGate.Active())
		defer func() {
			p.renderGate.Release()
			metrics.SetRenderPermits(p.renderGate.Active())
		}()
	}
	return p.fetchDynamic(ctx, jobID, target)
}

func (p *Pipeline) fetchDynamic(ctx context.Context, jobID, target string) (scrape.FetchResponse, error) {
	domainKey, err := scrape.DomainKey(target)
	if err != nil {
		return scrape.FetchResponse{}, err
	}

	var page scrape.FetchResponse
	op := func(ctx context.Context) error {
		decision, err := p.admission.Prepare(ctx, target)
		if err != nil {
			return err
		}
		if !decision.Allowed {
			return fmt.Errorf("%s: %w", target, scrape.ErrBlockedByPolicy)
		}
		p.emitFetchStart(jobID, domainKey, target)
		resp, err := p.renderer.Render(ctx, scrape.FetchRequest{URL: target, Headers: decision.Headers})
		if err != nil {
			return err
		}
		page = resp
		p.emitFetchDone(jobID, domainKey, target, resp)
		return nil
	}
	if err := p.resilience.Execute(ctx, domainKey, op); err != nil {
		return scrape.FetchResponse{}, err
	}
	return page, nil
}

func (p *Pipeline) emitFetchStart(jobID, site, url string) {
	if p.emitter == nil {
		return
	}
	p.emitter.Emit(events.Event{
		JobID: jobID,
		TS:    p.clock.Now(),
		Stage: events.StageFetchStart,
		Site:  site,
		URL:   url,
	})
}

func (p *Pipeline) emitFetchDone(jobID, site, url string, resp scrape.FetchResponse) {
	if p.emitter == nil {
		return
	}
	p.emitter.Emit(events.Event{
		JobID:       jobID,
		TS:          p.clock.Now(),
		Stage:       events.StageFetchDone,
		Site:        site,
		URL:         url,
		Bytes:       int64(len(resp.Body)),
		StatusClass: events.ClassifyStatus(resp.StatusCode),
		Dur:         resp.Duration,
	})
}

// LoadURLFile reads scrape targets from a .json array of strings or
// {url} objects (optionally under a top-level "urls" key), or a .csv
// with a url column.
func LoadURLFile(path string) ([]string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return loadJSONURLs(path)
	case ".csv":
		return loadCSVURLs(path)
	default:
		return nil, fmt.Errorf("unsupported input file format %q", filepath.Ext(path))
	}
}

func loadJSONURLs(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read url file: %w", err)
	}
	var entries []json.RawMessage
	if err := json.Unmarshal(data, &entries); err != nil {
		var wrapper struct {
			URLs []json.RawMessage `json:"urls"`
		}
		if err := json.Unmarshal(data, &wrapper); err != nil {
			return nil, fmt.Errorf("parse url file %s: %w", path, err)
		}
		entries = wrapper.URLs
	}
	urls := make([]string, 0, len(entries))
	for _, entry := range entries {
		var plain string
		if err := json.Unmarshal(entry, &plain); err == nil {
			if plain != "" {
				urls = append(urls, plain)
			}
			continue
		}
		var obj struct {
			URL string `json:"url"`
		}
		if err := json.Unmarshal(entry, &obj); err != nil {
			return nil, fmt.Errorf("parse url entry in %s: %w", path, err)
		}
		if obj.URL != "" {
			urls = append(urls, obj.URL)
		}
	}
	if len(urls) == 0 {
		return nil, fmt.Errorf("no urls found in %s", path)
	}
	return urls, nil
}

func loadCSVURLs(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open url file: %w", err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}
	column := -1
	for i, name := range header {
		if strings.EqualFold(strings.TrimSpace(name), "url") {
			column = i
			break
		}
	}
	if column < 0 {
		return nil, fmt.Errorf("csv file %s has no url column", path)
	}

	var urls []string
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv row: %w", err)
		}
		if column < len(record) {
			if u := strings.TrimSpace(record[column]); u != "" {
				urls = append(urls, u)
			}
		}
	}
	if len(urls) == 0 {
		return nil, fmt.Errorf("no urls found in %s", path)
	}
	return urls, nil
}
