package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/quarryd/quarryd/internal/scrape"
)

// Coordinator wraps operations with classification, per-key circuit
// breaking, and category-driven retries. It is the single entry point for
// every fallible fetch or render call.
type Coordinator struct {
	breakers *BreakerSet
	logger   *zap.Logger

	statsMu sync.Mutex
	stats   map[string]int64

	// waitFn is swapped in tests to observe waits without sleeping.
	waitFn func(ctx context.Context, d time.Duration) error
}

// NewCoordinator builds a coordinator sharing one breaker config across
// all keys.
func NewCoordinator(cfg BreakerConfig, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		breakers: NewBreakerSet(cfg),
		logger:   logger.Named("resilience"),
		stats:    make(map[string]int64),
		waitFn:   sleepCtx,
	}
}

// Execute runs op until it succeeds, the retry budget for its failure
// class is spent, or the context ends. Every attempt passes through the
// breaker for key. An open circuit and a robots refusal abort immediately:
// the first is backpressure, the second a deliberate refusal, and neither
// is improved by retrying.
func (c *Coordinator) Execute(ctx context.Context, key string, op func(ctx context.Context) error) error {
	attempt := 1
	for {
		err := c.breakers.Get(key).Execute(ctx, op)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrCircuitOpen) {
			c.record(CategorySystem, SeverityHigh)
			return err
		}
		if errors.Is(err, scrape.ErrBlockedByPolicy) {
			return err
		}
		if ctx.Err() != nil {
			return err
		}

		ce := Classify(err, key)
		c.record(ce.Category, ce.Severity)

		plan := PlanFor(ce)
		if attempt >= plan.MaxAttempts {
			if plan.MaxAttempts > 1 {
				c.logger.Warn("retry budget exhausted",
					zap.String("key", key),
					zap.String("category", string(ce.Category)),
					zap.Int("attempts", attempt),
					zap.Error(ce.Err))
			}
			return ce
		}

		delay := plan.Delay(attempt)
		c.logger.Debug("retrying after failure",
			zap.String("key", key),
			zap.String("category", string(ce.Category)),
			zap.String("severity", string(ce.Severity)),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay))
		if waitErr := c.waitFn(ctx, delay); waitErr != nil {
			return ce
		}
		attempt++
	}
}

func (c *Coordinator) record(cat Category, sev Severity) {
	c.statsMu.Lock()
	c.stats[string(cat)+"_"+string(sev)]++
	c.statsMu.Unlock()
}

// ErrorStats returns a snapshot of failure counts keyed by
// category_severity.
func (c *Coordinator) ErrorStats() map[string]int64 {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	out := make(map[string]int64, len(c.stats))
	for k, v := range c.stats {
		out[k] = v
	}
	return out
}

// BreakerSnapshot exports per-key breaker stats.
func (c *Coordinator) BreakerSnapshot() map[string]BreakerStats {
	return c.breakers.Snapshot()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
