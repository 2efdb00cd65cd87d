package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/quarryd/quarryd/internal/scrape"
)

// Category buckets every failure into one of a closed set of causes.
type Category string

// Error categories.
const (
	CategoryNetwork   Category = "network"
	CategoryHTTP      Category = "http"
	CategoryParsing   Category = "parsing"
	CategoryRender    Category = "render"
	CategoryRateLimit Category = "rate_limit"
	CategoryAuth      Category = "auth"
	CategoryContent   Category = "content"
	CategorySystem    Category = "system"
	CategoryUnknown   Category = "unknown"
)

// Severity grades how hard a failure should be treated.
type Severity string

// Error severities. Critical is never retried.
const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// ClassifiedError wraps a failure with its category, severity, and an
// optional server-suggested retry delay. Immutable once constructed.
type ClassifiedError struct {
	Category   Category
	Severity   Severity
	Target     string
	RetryAfter time.Duration
	Err        error
	At         time.Time
}

func (e *ClassifiedError) Error() string {
	return fmt.Sprintf("%s/%s: %v", e.Category, e.Severity, e.Err)
}

func (e *ClassifiedError) Unwrap() error { return e.Err }

func newClassified(cat Category, sev Severity, target string, retryAfter time.Duration, err error) *ClassifiedError {
	return &ClassifiedError{
		Category:   cat,
		Severity:   sev,
		Target:     target,
		RetryAfter: retryAfter,
		Err:        err,
		At:         time.Now(),
	}
}

// NewAuthError builds an auth-category error. Auth, parsing, and content
// are never derived automatically; call sites construct them directly.
func NewAuthError(target string, err error) *ClassifiedError {
	return newClassified(CategoryAuth, SeverityHigh, target, 0, err)
}

// NewParsingError builds a parsing-category error for malformed documents.
func NewParsingError(target string, err error) *ClassifiedError {
	return newClassified(CategoryParsing, SeverityMedium, target, 0, err)
}

// NewContentError builds a content-category error for pages that fetched
// fine but yielded nothing usable.
func NewContentError(target string, err error) *ClassifiedError {
	return newClassified(CategoryContent, SeverityLow, target, 0, err)
}

// Classify maps an arbitrary failure into the taxonomy. Already-classified
// errors pass through unchanged.
func Classify(err error, target string) *ClassifiedError {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce
	}

	var httpErr *scrape.HTTPError
	if errors.As(err, &httpErr) {
		return classifyHTTP(httpErr, target, err)
	}

	var renderErr *scrape.RenderError
	if errors.As(err, &renderErr) {
		if renderErr.Timeout {
			return newClassified(CategoryRender, SeverityMedium, target, 15*time.Second, err)
		}
		return newClassified(CategoryRender, SeverityHigh, target, 0, err)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return newClassified(CategoryNetwork, SeverityLow, target, 5*time.Second, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return newClassified(CategoryNetwork, SeverityLow, target, 5*time.Second, err)
	}

	var dnsErr *net.DNSError
	var opErr *net.OpError
	if errors.As(err, &dnsErr) || errors.As(err, &opErr) || errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return newClassified(CategoryNetwork, SeverityLow, target, 10*time.Second, err)
	}

	if errors.Is(err, syscall.ENOMEM) {
		return newClassified(CategorySystem, SeverityCritical, target, 0, err)
	}

	return newClassified(CategoryUnknown, SeverityMedium, target, 0, err)
}

func classifyHTTP(httpErr *scrape.HTTPError, target string, err error) *ClassifiedError {
	switch {
	case httpErr.StatusCode == http.StatusTooManyRequests:
		retryAfter := httpErr.RetryAfter
		if retryAfter <= 0 {
			retryAfter = 60 * time.Second
		}
		return newClassified(CategoryRateLimit, SeverityLow, target, retryAfter, err)
	case httpErr.StatusCode >= 400 && httpErr.StatusCode < 500:
		return newClassified(CategoryHTTP, SeverityCritical, target, 0, err)
	case httpErr.StatusCode >= 500:
		return newClassified(CategoryHTTP, SeverityMedium, target, 0, err)
	default:
		return newClassified(CategoryHTTP, SeverityMedium, target, 0, err)
	}
}
