// Package politeness implements per-domain admission control: request
// pacing, robots.txt policy, and outbound identity rotation.
package politeness

import (
	"math/rand/v2"
	"sync"
)

// defaultUserAgents covers current desktop Chrome, Firefox, Safari, and
// Edge across Windows and macOS.
var defaultUserAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/119.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/119.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:121.0) Gecko/20100101 Firefox/121.0",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:120.0) Gecko/20100101 Firefox/120.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10.15; rv:121.0) Gecko/20100101 Firefox/121.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.1 Safari/605.1.15",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36 Edg/120.0.0.0",
}

// Rotator hands out User-Agent strings from a fixed pool.
type Rotator struct {
	mu     sync.Mutex
	agents []string
	next   int
}

// NewRotator builds a rotator over the given pool, or the default browser
// pool when none is provided.
func NewRotator(agents []string) *Rotator {
	if len(agents) == 0 {
		agents = defaultUserAgents
	}
	pool := make([]string, len(agents))
	copy(pool, agents)
	return &Rotator{agents: pool}
}

// Random returns a uniformly chosen agent.
func (r *Rotator) Random() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.agents[rand.IntN(len(r.agents))]
}

// Next returns agents in round-robin order.
func (r *Rotator) Next() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ua := r.agents[r.next]
	r.next = (r.next + 1) % len(r.agents)
	return ua
}

// Add appends an agent to the pool, ignoring duplicates.
func (r *Rotator) Add(agent string) {
	if agent == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.agents {
		if existing == agent {
			return
		}
	}
	r.agents = append(r.agents, agent)
}

// Pool returns a copy of the current agent list.
func (r *Rotator) Pool() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.agents))
	copy(out, r.agents)
	return out
}
