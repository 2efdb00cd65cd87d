package scrape

import (
	"context"
	"time"
)

// Fetcher retrieves a URL over plain HTTP and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// Renderer retrieves a URL through a headless browser, executing scripts
// before capturing the DOM. Implementations carry no concurrency limit of
// their own; callers must hold a render gate permit.
type Renderer interface {
	Render(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// Detection is the outcome of scoring static HTML for script dependence.
type Detection struct {
	NeedsRender bool               `json:"needs_javascript"`
	Confidence  float64            `json:"confidence"`
	Indicators  map[string]float64 `json:"indicators"`
	Reasons     []string           `json:"reasons"`
}

// Detector decides whether a dynamic re-fetch is warranted.
type Detector interface {
	Detect(html []byte) Detection
}

// Extractor turns fetched HTML into structured items.
type Extractor interface {
	Extract(html []byte, pageURL string, selectors map[string]string) ([]Item, error)
}

// BlobStore writes result artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Publisher pushes terminal job events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Queue provides enqueue/dequeue semantics for scrape jobs. TryEnqueue
// never blocks; a full queue is the submission backpressure signal.
type Queue interface {
	TryEnqueue(item QueueItem) error
	Dequeue(ctx context.Context) (QueueItem, error)
	Len() int
	Close()
}

// Hasher computes digests for result integrity metadata.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs.
type IDGenerator interface {
	NewID() (string, error)
}

// QueueItem wraps a job ready to run.
type QueueItem struct {
	JobID     string
	Submitted int64
}
