package resilience

import (
	"math"
	"time"
)

// Plan bounds the retry behavior for one classified failure. A zero Fixed
// means exponential backoff from Initial to Max; waits are deterministic
// (doubling, capped, no jitter) so pacing is predictable per category.
type Plan struct {
	MaxAttempts int
	Initial     time.Duration
	Max         time.Duration
	Multiplier  float64
	Fixed       time.Duration
}

// PlanFor selects the retry plan for a classified error. Critical failures
// get a single attempt regardless of category.
func PlanFor(ce *ClassifiedError) Plan {
	if ce.Severity == SeverityCritical {
		return Plan{MaxAttempts: 1}
	}

	switch ce.Category {
	case CategoryRateLimit:
		wait := ce.RetryAfter
		if wait <= 0 {
			wait = 60 * time.Second
		}
		return Plan{MaxAttempts: 3, Fixed: wait}
	case CategoryNetwork:
		return Plan{MaxAttempts: 5, Initial: 2 * time.Second, Max: 30 * time.Second, Multiplier: 2}
	case CategoryRender:
		return Plan{MaxAttempts: 3, Initial: 5 * time.Second, Max: 60 * time.Second, Multiplier: 2}
	case CategoryHTTP:
		if ce.Severity == SeverityHigh {
			return Plan{MaxAttempts: 2, Fixed: 5 * time.Second}
		}
		return Plan{MaxAttempts: 4, Initial: time.Second, Max: 20 * time.Second, Multiplier: 2}
	default:
		return Plan{MaxAttempts: 3, Initial: time.Second, Max: 10 * time.Second, Multiplier: 2}
	}
}

// Delay returns the wait before the attempt following the given one.
// Attempts are 1-based: Delay(1) is the wait between the first failure and
// the second try.
func (p Plan) Delay(attempt int) time.Duration {
	if p.Fixed > 0 {
		return p.Fixed
	}
	if p.Initial <= 0 {
		return 0
	}
	mult := p.Multiplier
	if mult <= 0 {
		mult = 2
	}
	d := float64(p.Initial) * math.Pow(mult, float64(attempt-1))
	if max := float64(p.Max); p.Max > 0 && d > max {
		d = max
	}
	return time.Duration(d)
}
