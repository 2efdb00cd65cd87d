package politeness

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
	"go.uber.org/zap"

	"github.com/quarryd/quarryd/internal/scrape"
)

const maxRobotsBody = 1 << 20

// CheckerConfig holds robots checker configuration.
type CheckerConfig struct {
	// Agent is the group evaluated against robots directives.
	Agent string
	// TTL bounds how long a fetched document is trusted.
	TTL time.Duration
	// FetchTimeout bounds each robots.txt request.
	FetchTimeout time.Duration
}

func (c CheckerConfig) withDefaults() CheckerConfig {
	if c.Agent == "" {
		c.Agent = "*"
	}
	if c.TTL <= 0 {
		c.TTL = time.Hour
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 10 * time.Second
	}
	return c
}

// Verdict is the outcome of a robots policy check.
type Verdict struct {
	Allowed    bool
	CrawlDelay time.Duration
}

type robotsEntry struct {
	mu        sync.Mutex
	data      *robotstxt.RobotsData
	fetchedAt time.Time
}

// Checker fetches and caches robots.txt policy per domain key. Only
// successfully parsed 200 responses are cached; any fetch failure is
// fail-open and leaves the cache untouched so the next check retries.
type Checker struct {
	cfg    CheckerConfig
	client *http.Client
	clock  scrape.Clock
	logger *zap.Logger

	mu      sync.Mutex
	entries map[string]*robotsEntry
}

// NewChecker builds a checker. A nil client gets a default with the
// configured fetch timeout; a nil clock uses the system clock.
func NewChecker(cfg CheckerConfig, client *http.Client, clock scrape.Clock, logger *zap.Logger) *Checker {
	cfg = cfg.withDefaults()
	if client == nil {
		client = &http.Client{Timeout: cfg.FetchTimeout}
	}
	if clock == nil {
		clock = systemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Checker{
		cfg:     cfg,
		client:  client,
		clock:   clock,
		logger:  logger.Named("robots"),
		entries: make(map[string]*robotsEntry),
	}
}

// Check evaluates rawURL against the domain's robots policy. The per-entry
// mutex serializes refresh so concurrent misses on one domain fetch once.
func (c *Checker) Check(ctx context.Context, rawURL string) Verdict {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		c.logger.Warn("unparsable url; allowing access", zap.String("url", rawURL), zap.Error(err))
		return Verdict{Allowed: true}
	}
	domainKey, err := scrape.DomainKey(rawURL)
	if err != nil {
		c.logger.Warn("no domain key; allowing access", zap.String("url", rawURL), zap.Error(err))
		return Verdict{Allowed: true}
	}

	entry := c.entry(domainKey)
	entry.mu.Lock()
	if entry.data == nil || c.clock.Now().Sub(entry.fetchedAt) > c.cfg.TTL {
		data, fetchErr := c.fetch(ctx, domainKey)
		if fetchErr != nil {
			entry.mu.Unlock()
			c.logger.Debug("robots fetch failed; allowing access",
				zap.String("domain", domainKey), zap.Error(fetchErr))
			return Verdict{Allowed: true}
		}
		entry.data = data
		entry.fetchedAt = c.clock.Now()
	}
	data := entry.data
	entry.mu.Unlock()

	group := data.FindGroup(c.cfg.Agent)
	if group == nil {
		return Verdict{Allowed: true}
	}
	path := parsed.Path
	if path == "" {
		path = "/"
	}
	return Verdict{Allowed: group.Test(path), CrawlDelay: group.CrawlDelay}
}

func (c *Checker) entry(domainKey string) *robotsEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[domainKey]
	if !ok {
		entry = &robotsEntry{}
		c.entries[domainKey] = entry
	}
	return entry
}

func (c *Checker) fetch(ctx context.Context, domainKey string) (*robotstxt.RobotsData, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.FetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, domainKey+"/robots.txt", nil)
	if err != nil {
		return nil, fmt.Errorf("new robots request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch robots: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			c.logger.Debug("close robots body", zap.Error(cerr))
		}
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("robots status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRobotsBody))
	if err != nil {
		return nil, fmt.Errorf("read robots body: %w", err)
	}
	data, err := robotstxt.FromStatusAndBytes(resp.StatusCode, body)
	if err != nil {
		return nil, fmt.Errorf("parse robots: %w", err)
	}
	return data, nil
}
