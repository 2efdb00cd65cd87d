// Package resilience provides error classification, circuit breaking, and
// retry orchestration for fetch operations.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when a breaker rejects a call without
// executing it.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State represents the state of a circuit breaker.
type State int

// Breaker states.
const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

// String returns the wire representation used in stats payloads.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures a circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the consecutive-failure count that opens the
	// circuit.
	FailureThreshold int
	// RecoveryTimeout is how long the circuit stays open before a single
	// trial call is admitted.
	RecoveryTimeout time.Duration
	// OnStateChange fires on every transition.
	OnStateChange func(key string, from, to State)
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = 60 * time.Second
	}
	return c
}

// Breaker short-circuits calls to a persistently failing target. In the
// half-open state exactly one trial call is admitted; concurrent calls are
// rejected until the trial resolves.
type Breaker struct {
	key string
	cfg BreakerConfig
	now func() time.Time

	mu            sync.RWMutex
	state         State
	failures      int
	lastFailure   time.Time
	trialInFlight bool
}

// NewBreaker constructs a closed breaker for the given key.
func NewBreaker(key string, cfg BreakerConfig) *Breaker {
	return &Breaker{
		key: key,
		cfg: cfg.withDefaults(),
		now: time.Now,
	}
}

// Execute runs fn under breaker protection. A rejected call returns
// ErrCircuitOpen without invoking fn.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.beforeCall(); err != nil {
		return err
	}
	err := fn(ctx)
	b.afterCall(err)
	return err
}

func (b *Breaker) beforeCall() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen {
		if b.now().Sub(b.lastFailure) < b.cfg.RecoveryTimeout {
			return fmt.Errorf("%w for %s (failures: %d)", ErrCircuitOpen, b.key, b.failures)
		}
		b.transitionTo(StateHalfOpen)
	}

	if b.state == StateHalfOpen {
		if b.trialInFlight {
			return fmt.Errorf("%w for %s (trial in flight)", ErrCircuitOpen, b.key)
		}
		b.trialInFlight = true
	}
	return nil
}

func (b *Breaker) afterCall(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen {
		b.trialInFlight = false
	}

	if err != nil {
		b.failures++
		b.lastFailure = b.now()
		switch b.state {
		case StateClosed:
			if b.failures >= b.cfg.FailureThreshold {
				b.transitionTo(StateOpen)
			}
		case StateHalfOpen:
			b.transitionTo(StateOpen)
		}
		return
	}

	b.failures = 0
	if b.state == StateHalfOpen {
		b.transitionTo(StateClosed)
	}
}

// transitionTo must be called with the lock held. The failure count is
// deliberately preserved across transitions so stats report it.
func (b *Breaker) transitionTo(next State) {
	if b.state == next {
		return
	}
	prev := b.state
	b.state = next
	if next == StateHalfOpen {
		b.trialInFlight = false
	}
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.key, prev, next)
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// BreakerStats is a point-in-time view of one breaker.
type BreakerStats struct {
	State       string     `json:"state"`
	Failures    int        `json:"failure_count"`
	LastFailure *time.Time `json:"last_failure,omitempty"`
}

// Stats returns the current counters.
func (b *Breaker) Stats() BreakerStats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	st := BreakerStats{State: b.state.String(), Failures: b.failures}
	if !b.lastFailure.IsZero() {
		lf := b.lastFailure
		st.LastFailure = &lf
	}
	return st
}

// BreakerSet manages one breaker per key, created lazily.
type BreakerSet struct {
	cfg BreakerConfig

	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// NewBreakerSet constructs an empty set sharing one config.
func NewBreakerSet(cfg BreakerConfig) *BreakerSet {
	return &BreakerSet{
		cfg:      cfg.withDefaults(),
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for key, creating it on first use.
func (s *BreakerSet) Get(key string) *Breaker {
	s.mu.RLock()
	b, ok := s.breakers[key]
	s.mu.RUnlock()
	if ok {
		return b
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.breakers[key]; ok {
		return b
	}
	b = NewBreaker(key, s.cfg)
	s.breakers[key] = b
	return b
}

// Snapshot exports per-key stats for the stats endpoint.
func (s *BreakerSet) Snapshot() map[string]BreakerStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]BreakerStats, len(s.breakers))
	for key, b := range s.breakers {
		out[key] = b.Stats()
	}
	return out
}
