package scrape

import (
	"context"
	"fmt"
)

// Gate is a counting permit pool built on a buffered channel. The job
// manager owns one gate for job slots and one for headless render slots;
// the scraper shares the render gate for lazy acquisition.
type Gate struct {
	slots chan struct{}
}

// NewGate constructs a gate with the given number of permits. Sizes below
// one are clamped to one.
func NewGate(permits int) *Gate {
	if permits < 1 {
		permits = 1
	}
	return &Gate{slots: make(chan struct{}, permits)}
}

// Acquire blocks until a permit is free or the context ends.
func (g *Gate) Acquire(ctx context.Context) error {
	select {
	case g.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("permit wait canceled: %w", ctx.Err())
	}
}

// TryAcquire grabs a permit without blocking.
func (g *Gate) TryAcquire() bool {
	select {
	case g.slots <- struct{}{}:
		return true
	default:
		return false
	}
}

// Release returns a permit. Releasing more than acquired panics.
func (g *Gate) Release() {
	select {
	case <-g.slots:
	default:
		panic("scrape: gate release without acquire")
	}
}

// Active reports the number of permits currently held.
func (g *Gate) Active() int { return len(g.slots) }

// Cap reports the total permit count.
func (g *Gate) Cap() int { return cap(g.slots) }
