// Package scrape defines core types shared across subsystems.
package scrape

import (
	"net/http"
	"time"
)

// JobStatus represents the lifecycle state of a scrape job.
type JobStatus string

// Job status values held in the job store.
const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether the status is a final state.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// InputKind distinguishes single-URL requests from URL-list files.
type InputKind string

// Input kinds accepted by Submit.
const (
	InputURL  InputKind = "url"
	InputFile InputKind = "file"
)

// Method records how page content was ultimately obtained.
type Method string

// Extraction methods reported in results.
const (
	MethodStatic  Method = "static"
	MethodDynamic Method = "dynamic"
)

// Request captures per-job configuration requested by the client.
type Request struct {
	InputKind    InputKind         `json:"input_type"`
	Target       string            `json:"target"`
	OutputDir    string            `json:"output_dir,omitempty"`
	ForceDynamic bool              `json:"force_dynamic"`
	Selectors    map[string]string `json:"custom_selectors,omitempty"`
}

// Job represents the metadata held for each submitted scrape request.
type Job struct {
	ID        string     `json:"job_id"`
	Status    JobStatus  `json:"status"`
	Created   time.Time  `json:"created_at"`
	Started   *time.Time `json:"started_at,omitempty"`
	Finished  *time.Time `json:"completed_at,omitempty"`
	Target    string     `json:"source_url,omitempty"`
	Kind      InputKind  `json:"input_type"`
	Progress  string     `json:"progress,omitempty"`
	ResultURI string     `json:"result_uri,omitempty"`
	Request   Request    `json:"-"`
}

// Item is a single extracted content unit.
type Item struct {
	Title    string         `json:"title,omitempty"`
	Text     string         `json:"text,omitempty"`
	URL      string         `json:"url,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Result is the artifact produced by a finished scrape.
type Result struct {
	JobID     string         `json:"job_id"`
	SourceURL string         `json:"source_url"`
	Timestamp time.Time      `json:"scrape_timestamp"`
	Status    string         `json:"status"`
	Method    Method         `json:"extraction_method"`
	Items     []Item         `json:"data"`
	Error     string         `json:"error_message,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Stats summarizes manager occupancy for health and stats endpoints.
type Stats struct {
	QueuedJobs         int `json:"queued_jobs"`
	ActiveJobs         int `json:"active_jobs"`
	TotalJobs          int `json:"total_jobs"`
	ActiveRenders      int `json:"active_render_instances"`
	MaxConcurrentJobs  int `json:"max_concurrent_jobs"`
	MaxRenderInstances int `json:"max_render_instances"`
}

// FetchRequest captures everything needed to fetch a URL.
type FetchRequest struct {
	URL     string
	Headers http.Header
}

// FetchResponse is the result returned by a Fetcher or Renderer.
type FetchResponse struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
	Rendered   bool
}
