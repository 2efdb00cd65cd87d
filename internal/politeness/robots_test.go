package politeness

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newRobotsServer(t *testing.T, body string, status int) (*httptest.Server, *atomic.Int64) {
	t.Helper()
	fetches := &atomic.Int64{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/robots.txt", r.URL.Path)
		fetches.Add(1)
		w.WriteHeader(status)
		fmt.Fprint(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv, fetches
}

// TestCheckerDeniesDisallowedPath verifies a disallow directive blocks the
// matching path and leaves others open.
func TestCheckerDeniesDisallowedPath(t *testing.T) {
	t.Parallel()

	srv, _ := newRobotsServer(t, "User-agent: *\nDisallow: /private\n", http.StatusOK)
	c := NewChecker(CheckerConfig{}, srv.Client(), nil, zap.NewNop())

	blocked := c.Check(context.Background(), srv.URL+"/private/page")
	require.False(t, blocked.Allowed)

	open := c.Check(context.Background(), srv.URL+"/public")
	require.True(t, open.Allowed)
}

// TestCheckerReportsCrawlDelay verifies the crawl-delay directive is
// surfaced with the verdict.
func TestCheckerReportsCrawlDelay(t *testing.T) {
	t.Parallel()

	srv, _ := newRobotsServer(t, "User-agent: *\nCrawl-delay: 2\n", http.StatusOK)
	c := NewChecker(CheckerConfig{}, srv.Client(), nil, zap.NewNop())

	v := c.Check(context.Background(), srv.URL+"/anything")
	require.True(t, v.Allowed)
	require.Equal(t, 2*time.Second, v.CrawlDelay)
}

// TestCheckerFailsOpenUncached verifies a non-200 robots response admits
// the request and is not cached, so the next check fetches again.
func TestCheckerFailsOpenUncached(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	status := http.StatusNotFound
	fetches := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		fetches++
		current := status
		mu.Unlock()
		w.WriteHeader(current)
		fmt.Fprint(w, "User-agent: *\nDisallow: /\n")
	}))
	t.Cleanup(srv.Close)

	c := NewChecker(CheckerConfig{}, srv.Client(), nil, zap.NewNop())
	ctx := context.Background()

	require.True(t, c.Check(ctx, srv.URL+"/page").Allowed)

	// The failure was not cached: once the document turns up, the deny
	// takes effect on the very next check.
	mu.Lock()
	status = http.StatusOK
	mu.Unlock()
	require.False(t, c.Check(ctx, srv.URL+"/page").Allowed)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 2, fetches)
}

// TestCheckerFailsOpenOnFetchError verifies unreachable robots endpoints
// admit the request.
func TestCheckerFailsOpenOnFetchError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	client := srv.Client()
	url := srv.URL
	srv.Close()

	c := NewChecker(CheckerConfig{FetchTimeout: time.Second}, client, nil, zap.NewNop())
	require.True(t, c.Check(context.Background(), url+"/page").Allowed)
}

// TestCheckerCachesWithinTTL verifies a cached document is trusted until
// the TTL expires and re-fetched after.
func TestCheckerCachesWithinTTL(t *testing.T) {
	t.Parallel()

	srv, fetches := newRobotsServer(t, "User-agent: *\nDisallow: /\n", http.StatusOK)
	clock := newTestClock()
	c := NewChecker(CheckerConfig{TTL: time.Hour}, srv.Client(), clock, zap.NewNop())
	ctx := context.Background()

	require.False(t, c.Check(ctx, srv.URL+"/a").Allowed)
	require.False(t, c.Check(ctx, srv.URL+"/b").Allowed)
	require.Equal(t, int64(1), fetches.Load())

	clock.Advance(61 * time.Minute)
	require.False(t, c.Check(ctx, srv.URL+"/c").Allowed)
	require.Equal(t, int64(2), fetches.Load())
}

// TestCheckerConcurrentMissesFetchOnce verifies per-domain serialization
// collapses a burst of cold checks into one fetch.
func TestCheckerConcurrentMissesFetchOnce(t *testing.T) {
	t.Parallel()

	srv, fetches := newRobotsServer(t, "User-agent: *\nAllow: /\n", http.StatusOK)
	c := NewChecker(CheckerConfig{}, srv.Client(), nil, zap.NewNop())

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.True(t, c.Check(context.Background(), srv.URL+"/x").Allowed)
		}()
	}
	wg.Wait()
	require.Equal(t, int64(1), fetches.Load())
}

// TestCheckerEvaluatesConfiguredAgent verifies agent-specific groups
// override the wildcard group.
func TestCheckerEvaluatesConfiguredAgent(t *testing.T) {
	t.Parallel()

	body := "User-agent: *\nAllow: /\n\nUser-agent: quarrybot\nDisallow: /internal\n"
	srv, _ := newRobotsServer(t, body, http.StatusOK)

	bot := NewChecker(CheckerConfig{Agent: "quarrybot"}, srv.Client(), nil, zap.NewNop())
	require.False(t, bot.Check(context.Background(), srv.URL+"/internal/x").Allowed)

	anon := NewChecker(CheckerConfig{}, srv.Client(), nil, zap.NewNop())
	require.True(t, anon.Check(context.Background(), srv.URL+"/internal/x").Allowed)
}

func TestCheckerAllowsUnparsableURL(t *testing.T) {
	t.Parallel()

	c := NewChecker(CheckerConfig{}, &http.Client{}, nil, zap.NewNop())
	require.True(t, c.Check(context.Background(), "::not-a-url").Allowed)
}
