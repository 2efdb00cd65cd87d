package politeness

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/quarryd/quarryd/internal/scrape"
)

// Decision is the admission outcome for one outbound request.
type Decision struct {
	Allowed bool
	Headers http.Header
	// Delay is the robots crawl-delay imposed on the domain, zero when
	// the default pacing applied.
	Delay time.Duration
}

// CoordinatorConfig toggles the admission stages.
type CoordinatorConfig struct {
	RespectRobots bool
	RotateAgents  bool
}

// Coordinator composes robots policy, rate limiting, and identity
// rotation into a single admission decision per request.
type Coordinator struct {
	cfg     CoordinatorConfig
	robots  *Checker
	limiter *Limiter
	rotator *Rotator
	logger  *zap.Logger

	total   atomic.Int64
	blocked atomic.Int64
	delayed atomic.Int64
}

// AdmissionStats mirrors the counters accumulated across Prepare calls.
type AdmissionStats struct {
	TotalRequests   int64 `json:"total_requests"`
	BlockedByRobots int64 `json:"requests_blocked_by_robots"`
	Delayed         int64 `json:"requests_delayed"`
}

// NewCoordinator wires the admission stages together.
func NewCoordinator(cfg CoordinatorConfig, robots *Checker, limiter *Limiter, rotator *Rotator, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		cfg:     cfg,
		robots:  robots,
		limiter: limiter,
		rotator: rotator,
		logger:  logger.Named("admission"),
	}
}

// Prepare decides whether a request to rawURL may proceed. Policy runs
// before pacing: a robots-denied URL is refused without consuming a rate
// slot, so blocked traffic never delays allowed traffic.
func (a *Coordinator) Prepare(ctx context.Context, rawURL string) (Decision, error) {
	a.total.Add(1)

	domainKey, err := scrape.DomainKey(rawURL)
	if err != nil {
		return Decision{}, err
	}

	var policyDelay time.Duration
	if a.cfg.RespectRobots && a.robots != nil {
		verdict := a.robots.Check(ctx, rawURL)
		if !verdict.Allowed {
			a.blocked.Add(1)
			a.logger.Info("request blocked by robots policy", zap.String("url", rawURL))
			return Decision{Allowed: false}, nil
		}
		policyDelay = verdict.CrawlDelay
	}

	headers := http.Header{}
	if a.cfg.RotateAgents && a.rotator != nil {
		headers.Set("User-Agent", a.rotator.Random())
	}

	if err := a.limiter.WaitIfNeeded(ctx, domainKey, policyDelay); err != nil {
		return Decision{}, err
	}
	if policyDelay > 0 {
		a.delayed.Add(1)
	}
	return Decision{Allowed: true, Headers: headers, Delay: policyDelay}, nil
}

// Stats returns the admission counters.
func (a *Coordinator) Stats() AdmissionStats {
	return AdmissionStats{
		TotalRequests:   a.total.Load(),
		BlockedByRobots: a.blocked.Load(),
		Delayed:         a.delayed.Load(),
	}
}
