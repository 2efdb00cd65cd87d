// Package memory provides the in-process bounded job queue.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/quarryd/quarryd/internal/scrape"
)

// Queue is a bounded in-memory FIFO with context-aware dequeue. Capacity
// is fixed at construction; a full queue rejects submissions immediately
// rather than blocking them.
type Queue struct {
	ch      chan scrape.QueueItem
	closeMu sync.Mutex
	closed  bool
}

// New constructs a queue with the provided capacity.
func New(capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{
		ch: make(chan scrape.QueueItem, capacity),
	}
}

// TryEnqueue pushes a job without blocking. A full queue returns
// scrape.ErrQueueFull so Submit can fail fast.
func (q *Queue) TryEnqueue(item scrape.QueueItem) error {
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	if q.closed {
		return scrape.ErrQueueClosed
	}
	select {
	case q.ch <- item:
		return nil
	default:
		return scrape.ErrQueueFull
	}
}

// Dequeue pops the next job, respecting context cancellation.
func (q *Queue) Dequeue(ctx context.Context) (scrape.QueueItem, error) {
	select {
	case <-ctx.Done():
		return scrape.QueueItem{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case item, ok := <-q.ch:
		if !ok {
			return scrape.QueueItem{}, scrape.ErrQueueClosed
		}
		return item, nil
	}
}

// Len reports how many jobs are waiting.
func (q *Queue) Len() int { return len(q.ch) }

// Close closes the underlying channel for shutdown. Safe to call more
// than once.
func (q *Queue) Close() {
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	if q.closed {
		return
	}
	close(q.ch)
	q.closed = true
}
