// Package jobs contains the job record store and the manager that runs
// the worker pool over the bounded queue.
package jobs

import (
	"fmt"
	"sort"
	"sync"

	"github.com/quarryd/quarryd/internal/scrape"
)

// Store keeps job records and finished results in memory. All status
// transitions happen under its lock, so workers and API handlers never
// observe a half-applied update.
type Store struct {
	mu      sync.RWMutex
	jobs    map[string]scrape.Job
	results map[string]*scrape.Result
	clock   scrape.Clock
}

// NewStore constructs an empty Store stamping transitions with clock.
func NewStore(clock scrape.Clock) *Store {
	return &Store{
		jobs:    make(map[string]scrape.Job),
		results: make(map[string]*scrape.Result),
		clock:   clock,
	}
}

// Insert adds a new job record. The ID must not already exist.
func (s *Store) Insert(job scrape.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; ok {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	s.jobs[job.ID] = job
	return nil
}

// Get returns a copy of the job record.
func (s *Store) Get(id string) (scrape.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return scrape.Job{}, scrape.ErrNotFound
	}
	return job, nil
}

// Delete removes a record entirely. Submit uses it to roll back the
// job it inserted when the queue turns out to be full.
func (s *Store) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, id)
	delete(s.results, id)
}

// Len reports how many job records exist.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.jobs)
}

// List returns up to limit jobs ordered newest first. Jobs created at
// the same instant are ordered by ID, descending, so pagination stays
// stable.
func (s *Store) List(limit int) []scrape.Job {
	s.mu.RLock()
	out := make([]scrape.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, job)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].Created.Equal(out[j].Created) {
			return out[i].Created.After(out[j].Created)
		}
		return out[i].ID > out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// MarkRunning transitions a QUEUED job to RUNNING, stamping its start
// time. It returns false when the job is in any other state, which is
// how a worker discovers the job was cancelled while it waited.
func (s *Store) MarkRunning(id string) (scrape.Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok || job.Status != scrape.JobStatusQueued {
		return scrape.Job{}, false
	}
	now := s.clock.Now().UTC()
	job.Status = scrape.JobStatusRunning
	job.Started = &now
	job.Progress = "Processing..."
	s.jobs[id] = job
	return job, true
}

// Finish transitions a RUNNING job to the given terminal status. A job
// cancelled mid-flight stays CANCELLED: the transition is refused and
// false is returned.
func (s *Store) Finish(id string, status scrape.JobStatus, progress string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok || job.Status != scrape.JobStatusRunning {
		return false
	}
	now := s.clock.Now().UTC()
	job.Status = status
	job.Finished = &now
	job.Progress = progress
	s.jobs[id] = job
	return true
}

// Cancel moves a non-terminal job to CANCELLED. Terminal jobs return
// scrape.ErrNotCancellable.
func (s *Store) Cancel(id string) (scrape.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return scrape.Job{}, scrape.ErrNotFound
	}
	if job.Status.Terminal() {
		return scrape.Job{}, scrape.ErrNotCancellable
	}
	now := s.clock.Now().UTC()
	job.Status = scrape.JobStatusCancelled
	job.Finished = &now
	job.Progress = "Cancelled"
	s.jobs[id] = job
	return job, nil
}

// SetProgress updates the human-readable progress line for a RUNNING
// job. Updates for jobs in any other state are dropped so a late
// callback cannot scribble over a terminal record.
func (s *Store) SetProgress(id, progress string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok || job.Status != scrape.JobStatusRunning {
		return
	}
	job.Progress = progress
	s.jobs[id] = job
}

// SetResult attaches the finished result artifact to a job.
func (s *Store) SetResult(id string, result *scrape.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return
	}
	s.results[id] = result
}

// SetResultURI records where the result artifact was persisted.
func (s *Store) SetResultURI(id, uri string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return
	}
	job.ResultURI = uri
	s.jobs[id] = job
}

// Result returns the stored result for a COMPLETED job. Jobs that are
// still in flight return scrape.ErrNotReady.
func (s *Store) Result(id string) (*scrape.Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, scrape.ErrNotFound
	}
	if job.Status != scrape.JobStatusCompleted {
		return nil, fmt.Errorf("job %s is %s: %w", id, job.Status, scrape.ErrNotReady)
	}
	result, ok := s.results[id]
	if !ok {
		return nil, fmt.Errorf("job %s has no stored result: %w", id, scrape.ErrNotReady)
	}
	return result, nil
}
