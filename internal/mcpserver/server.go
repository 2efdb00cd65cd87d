// Package mcpserver exposes scraping as Model Context Protocol tools
// over stdio, so AI agents can drive the job manager directly.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/quarryd/quarryd/internal/jobs"
	"github.com/quarryd/quarryd/internal/scrape"
	"go.uber.org/zap"
)

// defaultPollInterval is the job-status polling cadence while a tool
// call waits for completion.
const defaultPollInterval = 500 * time.Millisecond

// maxSamplesPerSelector caps the sample matches reported per selector so
// a selector hitting hundreds of nodes stays readable.
const maxSamplesPerSelector = 5

// sampleLimit truncates individual sample texts.
const sampleLimit = 100

// Prober pulls a single live page outside the job path, still subject
// to admission control and the domain breaker.
type Prober interface {
	Probe(ctx context.Context, url string) (scrape.FetchResponse, error)
}

// Config tunes the server.
type Config struct {
	// Version is reported to MCP clients.
	Version string
	// PollInterval overrides the completion polling cadence; zero keeps
	// the default.
	PollInterval time.Duration
}

// Server wraps the job manager and exposes it via MCP tools.
type Server struct {
	cfg        Config
	manager    *jobs.Manager
	prober     Prober
	extract    scrape.Extractor
	configEcho map[string]any
	logger     *zap.Logger
	mcp        *server.MCPServer
}

// New builds the server and registers its tools and resources. The
// configEcho map is served on the config resource and should already be
// sanitized.
func New(cfg Config, manager *jobs.Manager, prober Prober, extract scrape.Extractor, configEcho map[string]any, logger *zap.Logger) *Server {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		cfg:        cfg,
		manager:    manager,
		prober:     prober,
		extract:    extract,
		configEcho: configEcho,
		logger:     logger.Named("mcp"),
	}
	s.mcp = server.NewMCPServer(
		"quarryd",
		cfg.Version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(true, true),
	)
	s.registerTools()
	s.registerResources()
	return s
}

// Serve runs the server over stdio until the client disconnects.
func (s *Server) Serve() error {
	return server.ServeStdio(s.mcp)
}

func (s *Server) registerTools() {
	scrapeURLTool := mcp.NewTool("scrape_url",
		mcp.WithDescription("Scrape a single URL and extract structured data"),
		mcp.WithString("url",
			mcp.Required(),
			mcp.Description("The URL to scrape"),
		),
		mcp.WithObject("selectors",
			mcp.Description("Optional CSS selectors for custom extraction, selector name to CSS selector"),
		),
		mcp.WithBoolean("force_dynamic",
			mcp.Description("Force headless rendering instead of static fetching (default: false)"),
		),
	)
	s.mcp.AddTool(scrapeURLTool, s.handleScrapeURL)

	scrapeBatchTool := mcp.NewTool("scrape_batch",
		mcp.WithDescription("Scrape multiple URLs as one batch job and return combined results"),
		mcp.WithArray("urls",
			mcp.Required(),
			mcp.Description("URLs to scrape"),
		),
		mcp.WithObject("selectors",
			mcp.Description("Optional CSS selectors applied to every URL"),
		),
		mcp.WithBoolean("force_dynamic",
			mcp.Description("Force headless rendering for every URL (default: false)"),
		),
	)
	s.mcp.AddTool(scrapeBatchTool, s.handleScrapeBatch)

	validateTool := mcp.NewTool("validate_selectors",
		mcp.WithDescription("Test CSS selectors against a URL and report which ones match"),
		mcp.WithString("url",
			mcp.Required(),
			mcp.Description("The URL to test selectors against"),
		),
		mcp.WithObject("selectors",
			mcp.Required(),
			mcp.Description("Selector name to CSS selector string"),
		),
	)
	s.mcp.AddTool(validateTool, s.handleValidateSelectors)

	statusTool := mcp.NewTool("get_job_status",
		mcp.WithDescription("Look up the current status of a previously submitted job"),
		mcp.WithString("job_id",
			mcp.Required(),
			mcp.Description("Job identifier returned by a scrape tool"),
		),
	)
	s.mcp.AddTool(statusTool, s.handleJobStatus)
}

func (s *Server) registerResources() {
	configRes := mcp.NewResource("config://quarryd", "quarryd configuration",
		mcp.WithResourceDescription("Sanitized runtime configuration"),
		mcp.WithMIMEType("application/json"),
	)
	s.mcp.AddResource(configRes, s.readConfig)

	jobsRes := mcp.NewResource("status://jobs", "job queue status",
		mcp.WithResourceDescription("Queue statistics and recent jobs"),
		mcp.WithMIMEType("application/json"),
	)
	s.mcp.AddResource(jobsRes, s.readJobs)
}

// scrapeURLResult is the structured payload returned by scrape_url.
type scrapeURLResult struct {
	JobID            string        `json:"job_id"`
	Status           string        `json:"status"`
	URL              string        `json:"url"`
	DataCount        int           `json:"data_count"`
	ExtractionMethod scrape.Method `json:"extraction_method"`
	ProcessingTime   float64       `json:"processing_time"`
	Data             []scrape.Item `json:"data"`
}

func (s *Server) handleScrapeURL(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	start := time.Now()

	url, err := request.RequireString("url")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	selectors := stringMapArg(request, "selectors")
	forceDynamic := request.GetBool("force_dynamic", false)

	s.logger.Info("tool scrape_url called", zap.String("url", url))

	job, err := s.manager.Submit(scrape.Request{
		InputKind:    scrape.InputURL,
		Target:       url,
		Selectors:    selectors,
		ForceDynamic: forceDynamic,
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("submit failed: %v", err)), nil
	}

	final, err := s.awaitJob(ctx, job.ID)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if final.Status != scrape.JobStatusCompleted {
		return mcp.NewToolResultError(fmt.Sprintf("scraping failed: %s", final.Progress)), nil
	}
	result, err := s.manager.Result(job.ID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("result not available: %v", err)), nil
	}

	return jsonResult(scrapeURLResult{
		JobID:            job.ID,
		Status:           string(final.Status),
		URL:              url,
		DataCount:        len(result.Items),
		ExtractionMethod: result.Method,
		ProcessingTime:   time.Since(start).Seconds(),
		Data:             result.Items,
	})
}

// batchScrapeResult is the structured payload returned by scrape_batch.
type batchScrapeResult struct {
	JobID          string        `json:"job_id"`
	Status         string        `json:"status"`
	TotalURLs      int           `json:"total_urls"`
	SuccessfulURLs int           `json:"successful_urls"`
	TotalItems     int           `json:"total_items"`
	ProcessingTime float64       `json:"processing_time"`
	Results        []scrape.Item `json:"results"`
}

func (s *Server) handleScrapeBatch(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	start := time.Now()

	urls := stringSliceArg(request, "urls")
	if len(urls) == 0 {
		return mcp.NewToolResultError("urls is required and must be a non-empty array of strings"), nil
	}
	selectors := stringMapArg(request, "selectors")
	forceDynamic := request.GetBool("force_dynamic", false)

	s.logger.Info("tool scrape_batch called", zap.Int("urls", len(urls)))

	listFile, err := writeURLFile(urls)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("stage url list: %v", err)), nil
	}
	defer os.Remove(listFile)

	job, err := s.manager.Submit(scrape.Request{
		InputKind:    scrape.InputFile,
		Target:       listFile,
		Selectors:    selectors,
		ForceDynamic: forceDynamic,
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("submit failed: %v", err)), nil
	}

	final, err := s.awaitJob(ctx, job.ID)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if final.Status != scrape.JobStatusCompleted {
		return mcp.NewToolResultError(fmt.Sprintf("batch scraping failed: %s", final.Progress)), nil
	}
	result, err := s.manager.Result(job.ID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("result not available: %v", err)), nil
	}

	return jsonResult(batchScrapeResult{
		JobID:          job.ID,
		Status:         string(final.Status),
		TotalURLs:      len(urls),
		SuccessfulURLs: metadataInt(result.Metadata, "urls_processed"),
		TotalItems:     len(result.Items),
		ProcessingTime: time.Since(start).Seconds(),
		Results:        result.Items,
	})
}

// validationResult is the structured payload returned by
// validate_selectors.
type validationResult struct {
	URL              string              `json:"url"`
	SelectorsTested  int                 `json:"selectors_tested"`
	ValidSelectors   []string            `json:"valid_selectors"`
	InvalidSelectors []string            `json:"invalid_selectors"`
	SampleMatches    map[string][]string `json:"sample_matches"`
}

func (s *Server) handleValidateSelectors(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	url, err := request.RequireString("url")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	selectors := stringMapArg(request, "selectors")
	if len(selectors) == 0 {
		return mcp.NewToolResultError("selectors is required and must map names to CSS selectors"), nil
	}

	s.logger.Info("tool validate_selectors called", zap.String("url", url))

	page, err := s.prober.Probe(ctx, url)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("fetch failed: %v", err)), nil
	}
	items, err := s.extract.Extract(page.Body, url, selectors)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("extraction failed: %v", err)), nil
	}

	return jsonResult(validateAgainstItems(url, selectors, items))
}

// validateAgainstItems classifies each selector by whether any extracted
// item carries a value for it. The container selector has no field of
// its own; it is valid when it produced items at all.
func validateAgainstItems(url string, selectors map[string]string, items []scrape.Item) validationResult {
	matched := make(map[string]bool, len(selectors))
	samples := make(map[string][]string)

	for _, item := range items {
		for field, value := range item.Metadata {
			if _, wanted := selectors[field]; !wanted {
				continue
			}
			for _, text := range sampleTexts(value) {
				if !matched[field] {
					matched[field] = true
				}
				if len(samples[field]) < maxSamplesPerSelector {
					samples[field] = append(samples[field], truncateSample(text))
				}
			}
		}
	}
	if _, hasContainer := selectors["container"]; hasContainer && len(items) > 0 {
		matched["container"] = true
	}

	valid := []string{}
	invalid := []string{}
	for name := range selectors {
		if matched[name] {
			valid = append(valid, name)
		} else {
			invalid = append(invalid, name)
		}
	}
	sort.Strings(valid)
	sort.Strings(invalid)

	return validationResult{
		URL:              url,
		SelectorsTested:  len(selectors),
		ValidSelectors:   valid,
		InvalidSelectors: invalid,
		SampleMatches:    samples,
	}
}

func (s *Server) handleJobStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	jobID, err := request.RequireString("job_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	job, err := s.manager.Status(jobID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("job %s not found", jobID)), nil
	}
	return jsonResult(job)
}

func (s *Server) readConfig(_ context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	data, err := json.MarshalIndent(s.configEcho, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      request.Params.URI,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) readJobs(_ context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	payload := map[string]any{
		"queue_stats": s.manager.Stats(),
		"recent_jobs": s.manager.List(10),
	}
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal job status: %w", err)
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      request.Params.URI,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

// awaitJob polls until the job reaches a terminal state or the context
// ends.
func (s *Server) awaitJob(ctx context.Context, jobID string) (scrape.Job, error) {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		job, err := s.manager.Status(jobID)
		if err != nil {
			return scrape.Job{}, fmt.Errorf("job %s vanished: %w", jobID, err)
		}
		switch job.Status {
		case scrape.JobStatusCompleted, scrape.JobStatusFailed, scrape.JobStatusCancelled:
			return job, nil
		}
		select {
		case <-ctx.Done():
			return scrape.Job{}, fmt.Errorf("waiting for job %s: %w", jobID, ctx.Err())
		case <-ticker.C:
		}
	}
}

// writeURLFile stages the batch URLs as a temporary JSON list file in
// the format the batch loader reads.
func writeURLFile(urls []string) (string, error) {
	type entry struct {
		URL string `json:"url"`
	}
	entries := make([]entry, len(urls))
	for i, u := range urls {
		entries[i] = entry{URL: u}
	}
	data, err := json.Marshal(map[string][]entry{"urls": entries})
	if err != nil {
		return "", err
	}
	f, err := os.CreateTemp("", "quarryd-batch-*.json")
	if err != nil {
		return "", err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

// jsonResult marshals the payload as the tool's text content.
func jsonResult(payload any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// stringMapArg reads an object argument as a string-to-string map,
// dropping non-string values.
func stringMapArg(request mcp.CallToolRequest, key string) map[string]string {
	raw, ok := request.GetArguments()[key].(map[string]any)
	if !ok || len(raw) == 0 {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		if s, ok := v.(string); ok && s != "" {
			out[k] = s
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// stringSliceArg reads an array argument as a string slice, dropping
// non-string elements.
func stringSliceArg(request mcp.CallToolRequest, key string) []string {
	raw, ok := request.GetArguments()[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}

// sampleTexts flattens a metadata value into its sampleable strings.
func sampleTexts(value any) []string {
	switch v := value.(type) {
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	case []string:
		return v
	case []any:
		var out []string
		for _, e := range v {
			if s, ok := e.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func truncateSample(text string) string {
	runes := []rune(text)
	if len(runes) > sampleLimit {
		return string(runes[:sampleLimit]) + "..."
	}
	return text
}

// metadataInt reads a numeric metadata value regardless of whether it
// arrived as an int or a JSON float.
func metadataInt(meta map[string]any, key string) int {
	switch v := meta[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}
