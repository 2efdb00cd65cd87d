package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/quarryd/quarryd/internal/events"
	"github.com/quarryd/quarryd/internal/metrics"
	"github.com/quarryd/quarryd/internal/scrape"
)

// Scraper runs the fetch and extraction pipeline for a single request.
// The report callback receives human-readable progress lines.
type Scraper interface {
	Scrape(ctx context.Context, jobID string, req scrape.Request, report func(string)) (*scrape.Result, error)
}

// Config sizes the manager's pool and queue behavior.
type Config struct {
	MaxConcurrentJobs  int
	MaxRenderInstances int
	WorkerCount        int
	PublishTopic       string
	// ArtifactPrefix is prepended to every artifact path in the store.
	ArtifactPrefix string
	// ContentType is attached to stored artifacts; empty means JSON.
	ContentType string
}

// workers resolves the configured worker count. Zero means derive it
// from the job limit, capped at three so a large job limit does not
// spawn a thread-heavy pool by default.
func (c Config) workers() int {
	n := c.WorkerCount
	if n <= 0 {
		n = min(c.MaxConcurrentJobs, 3)
	}
	if n < 1 {
		n = 1
	}
	return n
}

// Manager owns the job records, the bounded queue, and the worker pool
// that drains it. Submission is fail-fast: a full queue rejects the job
// immediately instead of blocking the caller.
type Manager struct {
	cfg        Config
	store      *Store
	queue      scrape.Queue
	scraper    Scraper
	blobStore  scrape.BlobStore
	publisher  scrape.Publisher
	emitter    events.Emitter
	clock      scrape.Clock
	ids        scrape.IDGenerator
	jobGate    *scrape.Gate
	renderGate *scrape.Gate
	logger     *zap.Logger

	runCtx  context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started atomic.Bool
}

// New wires the manager. The render gate is shared with the scrape
// pipeline, which acquires permits lazily when the detector promotes a
// static page to headless rendering.
func New(
	cfg Config,
	store *Store,
	queue scrape.Queue,
	scraper Scraper,
	blobStore scrape.BlobStore,
	publisher scrape.Publisher,
	emitter events.Emitter,
	clock scrape.Clock,
	ids scrape.IDGenerator,
	renderGate *scrape.Gate,
	logger *zap.Logger,
) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	runCtx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:        cfg,
		store:      store,
		queue:      queue,
		scraper:    scraper,
		blobStore:  blobStore,
		publisher:  publisher,
		emitter:    emitter,
		clock:      clock,
		ids:        ids,
		jobGate:    scrape.NewGate(cfg.MaxConcurrentJobs),
		renderGate: renderGate,
		logger:     logger.Named("jobs"),
		runCtx:     runCtx,
		cancel:     cancel,
	}
}

// Submit validates the request, creates a QUEUED record, and enqueues
// it. When the queue is full the record is rolled back and
// scrape.ErrQueueFull is returned, so a rejected submission leaves no
// phantom job behind.
func (m *Manager) Submit(req scrape.Request) (scrape.Job, error) {
	req.Target = strings.TrimSpace(req.Target)
	if req.Target == "" {
		return scrape.Job{}, errors.New("target is required")
	}
	switch req.InputKind {
	case scrape.InputURL:
		if _, err := scrape.DomainKey(req.Target); err != nil {
			return scrape.Job{}, fmt.Errorf("invalid url: %w", err)
		}
	case scrape.InputFile:
	default:
		return scrape.Job{}, fmt.Errorf("unsupported input type %q", req.InputKind)
	}

	id, err := m.ids.NewID()
	if err != nil {
		return scrape.Job{}, fmt.Errorf("generate job id: %w", err)
	}
	now := m.clock.Now().UTC()
	job := scrape.Job{
		ID:       id,
		Status:   scrape.JobStatusQueued,
		Created:  now,
		Kind:     req.InputKind,
		Progress: "Waiting in queue",
		Request:  req,
	}
	if req.InputKind == scrape.InputURL {
		job.Target = req.Target
	}

	if err := m.store.Insert(job); err != nil {
		return scrape.Job{}, fmt.Errorf("insert job: %w", err)
	}
	if err := m.queue.TryEnqueue(scrape.QueueItem{JobID: id, Submitted: now.Unix()}); err != nil {
		m.store.Delete(id)
		return scrape.Job{}, fmt.Errorf("enqueue job: %w", err)
	}
	metrics.SetQueueDepth(m.queue.Len())
	m.logger.Info("job accepted",
		zap.String("job_id", id),
		zap.String("input_type", string(req.InputKind)),
		zap.String("target", req.Target),
	)
	return job, nil
}

// Status returns a copy of the job record.
func (m *Manager) Status(id string) (scrape.Job, error) {
	return m.store.Get(id)
}

// List returns recent jobs, newest first. Limits outside [1,100] are
// clamped; zero means the default page of 50.
func (m *Manager) List(limit int) []scrape.Job {
	if limit <= 0 {
		limit = 50
	}
	if limit > 100 {
		limit = 100
	}
	return m.store.List(limit)
}

// Result returns the stored result of a COMPLETED job.
func (m *Manager) Result(id string) (*scrape.Result, error) {
	return m.store.Result(id)
}

// Cancel moves a QUEUED or RUNNING job to CANCELLED. Queued jobs are
// never picked up afterwards; running jobs finish their in-flight call
// and observe the cancellation at the next checkpoint.
func (m *Manager) Cancel(ctx context.Context, id string) (scrape.Job, error) {
	job, err := m.store.Cancel(id)
	if err != nil {
		return scrape.Job{}, err
	}
	metrics.ObserveJob("cancelled")
	now := m.clock.Now().UTC()
	var dur time.Duration
	if job.Started != nil {
		dur = now.Sub(*job.Started)
	}
	m.emit(events.Event{JobID: id, TS: now, Stage: events.StageJobCancelled, URL: job.Target, Dur: dur})
	m.publishTerminal(ctx, job, "", "cancelled by client")
	m.logger.Info("job cancelled", zap.String("job_id", id))
	return job, nil
}

// Stats reports current occupancy for the health and stats endpoints.
func (m *Manager) Stats() scrape.Stats {
	return scrape.Stats{
		QueuedJobs:         m.queue.Len(),
		ActiveJobs:         m.jobGate.Active(),
		TotalJobs:          m.store.Len(),
		ActiveRenders:      m.renderGate.Active(),
		MaxConcurrentJobs:  m.cfg.MaxConcurrentJobs,
		MaxRenderInstances: m.renderGate.Cap(),
	}
}

// Start spawns the worker pool. Calling it twice is a no-op.
func (m *Manager) Start() {
	if !m.started.CompareAndSwap(false, true) {
		return
	}
	n := m.cfg.workers()
	m.logger.Info("starting workers", zap.Int("count", n))
	for i := 0; i < n; i++ {
		m.wg.Add(1)
		go m.runWorker(i)
	}
}

// Stop cancels the dequeue context, waits for the workers to drain
// (bounded by ctx), and closes the queue. Jobs still queued keep their
// QUEUED records; in-flight scrapes run to completion because the
// scrape context is detached from the run context.
func (m *Manager) Stop(ctx context.Context) error {
	m.cancel()
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		m.queue.Close()
		return nil
	case <-ctx.Done():
		return fmt.Errorf("manager stop wait: %w", ctx.Err())
	}
}

func (m *Manager) runWorker(id int) {
	defer m.wg.Done()
	log := m.logger.With(zap.Int("worker", id))
	log.Debug("worker started")
	for {
		item, err := m.queue.Dequeue(m.runCtx)
		if err != nil {
			if m.runCtx.Err() != nil || errors.Is(err, scrape.ErrQueueClosed) {
				log.Debug("worker stopping")
				return
			}
			log.Error("dequeue failed", zap.Error(err))
			continue
		}
		metrics.SetQueueDepth(m.queue.Len())
		m.process(item, log)
	}
}

// process runs a single dequeued job through permits, the scrape
// pipeline, and the terminal transition. A panic or error in one job
// never takes the worker down.
func (m *Manager) process(item scrape.QueueItem, log *zap.Logger) {
	job, err := m.store.Get(item.JobID)
	if err != nil {
		log.Warn("dequeued unknown job", zap.String("job_id", item.JobID))
		return
	}
	if job.Status != scrape.JobStatusQueued {
		log.Debug("skipping job no longer queued",
			zap.String("job_id", item.JobID),
			zap.String("status", string(job.Status)),
		)
		return
	}

	if err := m.jobGate.Acquire(m.runCtx); err != nil {
		// Shutdown while waiting for a permit; the record stays QUEUED.
		return
	}
	defer m.jobGate.Release()

	job, ok := m.store.MarkRunning(item.JobID)
	if !ok {
		log.Debug("job cancelled before start", zap.String("job_id", item.JobID))
		return
	}
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	m.emit(events.Event{
		JobID: job.ID,
		TS:    m.clock.Now().UTC(),
		Stage: events.StageJobStart,
		URL:   job.Target,
	})

	// Force-dynamic jobs hold a render permit for the whole scrape.
	// Auto-detected jobs acquire one lazily inside the pipeline.
	if job.Request.ForceDynamic {
		if err := m.renderGate.Acquire(m.runCtx); err != nil {
			m.finishFailure(job, fmt.Errorf("render permit wait: %w", err), log)
			return
		}
		metrics.SetRenderPermits(m.renderGate.Active())
		defer func() {
			m.renderGate.Release()
			metrics.SetRenderPermits(m.renderGate.Active())
		}()
	}

	m.run(job, log)
}

func (m *Manager) run(job scrape.Job, log *zap.Logger) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error("panic during scrape",
				zap.String("job_id", job.ID),
				zap.Any("panic", rec),
			)
			m.finishFailure(job, fmt.Errorf("scrape panicked: %v", rec), log)
		}
	}()

	start := m.clock.Now()
	// Detached so Stop never aborts a scrape that already started.
	scrapeCtx := context.WithoutCancel(m.runCtx)

	result, err := m.scraper.Scrape(scrapeCtx, job.ID, job.Request, func(msg string) {
		m.store.SetProgress(job.ID, msg)
	})
	if err != nil {
		m.finishFailure(job, err, log)
		return
	}

	uri, err := m.persistResult(scrapeCtx, job, result)
	if err != nil {
		m.finishFailure(job, fmt.Errorf("persist result: %w", err), log)
		return
	}
	m.store.SetResult(job.ID, result)
	if uri != "" {
		m.store.SetResultURI(job.ID, uri)
	}

	progress := fmt.Sprintf("Completed with %d items", len(result.Items))
	if !m.store.Finish(job.ID, scrape.JobStatusCompleted, progress) {
		log.Info("completion discarded for cancelled job", zap.String("job_id", job.ID))
		return
	}
	dur := m.clock.Now().Sub(start)
	metrics.ObserveJob("completed")
	m.emit(events.Event{
		JobID: job.ID,
		TS:    m.clock.Now().UTC(),
		Stage: events.StageJobDone,
		URL:   job.Target,
		Dur:   dur,
		Note:  progress,
	})
	m.publishTerminal(scrapeCtx, job, uri, "")
	log.Info("job completed",
		zap.String("job_id", job.ID),
		zap.Int("items", len(result.Items)),
		zap.Duration("duration", dur),
	)
}

func (m *Manager) finishFailure(job scrape.Job, cause error, log *zap.Logger) {
	progress := "Failed: " + cause.Error()
	if !m.store.Finish(job.ID, scrape.JobStatusFailed, progress) {
		log.Debug("failure discarded for cancelled job", zap.String("job_id", job.ID))
		return
	}
	metrics.ObserveJob("failed")
	now := m.clock.Now().UTC()
	var dur time.Duration
	if job.Started != nil {
		dur = now.Sub(*job.Started)
	}
	m.emit(events.Event{
		JobID: job.ID,
		TS:    now,
		Stage: events.StageJobError,
		URL:   job.Target,
		Dur:   dur,
		Note:  cause.Error(),
	})
	m.publishTerminal(context.WithoutCancel(m.runCtx), job, "", cause.Error())
	log.Warn("job failed", zap.String("job_id", job.ID), zap.Error(cause))
}

// persistResult writes the result artifact as pretty-printed JSON under
// the job's output prefix. An empty URI with nil error means the store
// is disabled.
func (m *Manager) persistResult(ctx context.Context, job scrape.Job, result *scrape.Result) (string, error) {
	if m.blobStore == nil {
		return "", nil
	}
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal result: %w", err)
	}
	contentType := m.cfg.ContentType
	if contentType == "" {
		contentType = "application/json"
	}
	uri, err := m.blobStore.PutObject(ctx, m.artifactPath(job), contentType, data)
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return uri, nil
}

// artifactPath places results under the configured store prefix, then
// under the request's output prefix when one was supplied.
func (m *Manager) artifactPath(job scrape.Job) string {
	parts := make([]string, 0, 3)
	if p := strings.Trim(m.cfg.ArtifactPrefix, "/"); p != "" {
		parts = append(parts, p)
	}
	if p := strings.Trim(job.Request.OutputDir, "/"); p != "" {
		parts = append(parts, p)
	}
	parts = append(parts, job.ID+".json")
	return path.Join(parts...)
}

func (m *Manager) publishTerminal(ctx context.Context, job scrape.Job, uri, errText string) {
	if m.publisher == nil || m.cfg.PublishTopic == "" {
		return
	}
	current, err := m.store.Get(job.ID)
	if err != nil {
		current = job
	}
	payload := map[string]any{
		"job_id":     job.ID,
		"status":     string(current.Status),
		"source_url": job.Target,
		"timestamp":  m.clock.Now().UTC().Format(time.RFC3339),
	}
	if uri != "" {
		payload["result_uri"] = uri
	}
	if errText != "" {
		payload["error"] = errText
	}
	if _, err := m.publisher.Publish(ctx, m.cfg.PublishTopic, payload); err != nil {
		m.logger.Warn("publish terminal event failed", zap.String("job_id", job.ID), zap.Error(err))
	}
}

func (m *Manager) emit(evt events.Event) {
	if m.emitter == nil {
		return
	}
	m.emitter.Emit(evt)
}
