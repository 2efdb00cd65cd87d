package politeness

import (
	"context"
	"sync"
	"time"

	"github.com/quarryd/quarryd/internal/metrics"
	"github.com/quarryd/quarryd/internal/scrape"
)

// LimiterConfig holds rate limiter configuration.
type LimiterConfig struct {
	// DefaultDelay is the minimum gap between request starts per domain.
	DefaultDelay time.Duration
	// MaxPerDomain caps simultaneous admission waits per domain.
	MaxPerDomain int
}

// domainState carries the pacing reservation and admission gate for one
// domain key.
type domainState struct {
	gate *scrape.Gate

	mu sync.Mutex
	// next is the earliest start time the next request may reserve.
	next time.Time
}

// Limiter paces requests per domain key. Each caller reserves a start
// slot under the domain lock and then sleeps until its slot, so the gap
// between consecutive starts on one domain never drops below the
// effective delay even under concurrent admission.
type Limiter struct {
	cfg   LimiterConfig
	clock scrape.Clock

	// pause is swapped in tests to observe waits without sleeping.
	pause func(ctx context.Context, d time.Duration) error

	mu     sync.Mutex
	states map[string]*domainState
}

// NewLimiter constructs a limiter. A nil clock uses the system clock.
func NewLimiter(cfg LimiterConfig, clock scrape.Clock) *Limiter {
	if cfg.MaxPerDomain < 1 {
		cfg.MaxPerDomain = 1
	}
	if clock == nil {
		clock = systemClock{}
	}
	return &Limiter{
		cfg:    cfg,
		clock:  clock,
		pause:  pauseCtx,
		states: make(map[string]*domainState),
	}
}

// WaitIfNeeded blocks until the request may start against domainKey. The
// effective delay is the larger of the configured default and the robots
// crawl-delay for the domain. The admission gate is held only while
// waiting, never across the subsequent network call.
func (l *Limiter) WaitIfNeeded(ctx context.Context, domainKey string, policyDelay time.Duration) error {
	st := l.state(domainKey)
	if err := st.gate.Acquire(ctx); err != nil {
		return err
	}
	defer st.gate.Release()

	delay := l.cfg.DefaultDelay
	if policyDelay > delay {
		delay = policyDelay
	}

	st.mu.Lock()
	now := l.clock.Now()
	earliest := st.next
	if earliest.Before(now) {
		earliest = now
	}
	st.next = earliest.Add(delay)
	st.mu.Unlock()

	wait := earliest.Sub(now)
	if wait <= 0 {
		return nil
	}
	metrics.ObserveRateLimitDelay(scrape.Host(domainKey), wait)
	return l.pause(ctx, wait)
}

// Pending reports how many admissions are waiting on the domain right now.
func (l *Limiter) Pending(domainKey string) int {
	return l.state(domainKey).gate.Active()
}

func (l *Limiter) state(domainKey string) *domainState {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.states[domainKey]
	if !ok {
		st = &domainState{gate: scrape.NewGate(l.cfg.MaxPerDomain)}
		l.states[domainKey] = st
	}
	return st
}

func pauseCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }
