package scrape

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors returned by the job manager and admission layer.
var (
	// ErrQueueFull is returned by Submit when the job queue is at capacity.
	ErrQueueFull = errors.New("job queue is full")

	// ErrQueueClosed is returned by queue operations after shutdown.
	ErrQueueClosed = errors.New("job queue is closed")

	// ErrNotFound is returned for lookups of unknown job ids.
	ErrNotFound = errors.New("job not found")

	// ErrNotReady is returned when a result is requested before completion.
	ErrNotReady = errors.New("job result not ready")

	// ErrNotCancellable is returned when cancelling a job already in a
	// terminal state.
	ErrNotCancellable = errors.New("job not cancellable")

	// ErrBlockedByPolicy is returned when robots policy denies a URL. It is
	// a refusal, not a failure: callers must not retry it.
	ErrBlockedByPolicy = errors.New("blocked by robots policy")
)

// HTTPError marks a response that completed with an error status code.
type HTTPError struct {
	StatusCode int
	Status     string
	URL        string
	// RetryAfter holds the parsed Retry-After header, if the server sent
	// a usable one.
	RetryAfter time.Duration
}

func (e *HTTPError) Error() string {
	if e.Status != "" {
		return fmt.Sprintf("http %s for %s", e.Status, e.URL)
	}
	return fmt.Sprintf("http status %d for %s", e.StatusCode, e.URL)
}

// RenderError marks a headless render failure.
type RenderError struct {
	URL     string
	Timeout bool
	Err     error
}

func (e *RenderError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("render timed out for %s: %v", e.URL, e.Err)
	}
	return fmt.Sprintf("render failed for %s: %v", e.URL, e.Err)
}

func (e *RenderError) Unwrap() error { return e.Err }
