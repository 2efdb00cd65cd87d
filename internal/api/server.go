package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/quarryd/quarryd/internal/config"
	"github.com/quarryd/quarryd/internal/jobs"
	"github.com/quarryd/quarryd/internal/metrics"
	"github.com/quarryd/quarryd/internal/politeness"
	"github.com/quarryd/quarryd/internal/resilience"
	"github.com/quarryd/quarryd/internal/scrape"
)

// Server wires HTTP handlers to the job manager and the admission and
// resilience coordinators.
type Server struct {
	router    chi.Router
	manager   *jobs.Manager
	admission *politeness.Coordinator
	resil     *resilience.Coordinator
	cfg       config.Config
	version   string
	logger    *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	manager *jobs.Manager,
	admission *politeness.Coordinator,
	resil *resilience.Coordinator,
	cfg config.Config,
	version string,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		manager:   manager,
		admission: admission,
		resil:     resil,
		cfg:       cfg,
		version:   version,
		logger:    logger.Named("api"),
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)
	if cfg.Server.RateLimit.Enabled {
		r.Use(rateLimitMiddleware(cfg.Server.RateLimit))
	}
	r.Use(timeoutMiddleware(cfg.Server.RequestTimeout()))

	r.Get("/", s.root)
	r.Post("/scrape", s.submitScrape)
	r.Get("/status/{job_id}", s.jobStatus)
	r.Get("/results/{job_id}", s.jobResults)
	r.Get("/jobs", s.listJobs)
	r.Delete("/jobs/{job_id}", s.cancelJob)
	r.Get("/stats", s.stats)
	r.Get("/health", s.health)
	r.Get("/config", s.configEcho)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	r.NotFound(s.notFound)

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) root(w http.ResponseWriter, _ *http.Request) {
	environment := "production"
	if s.cfg.Logging.Development {
		environment = "development"
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"name":        "quarryd",
		"version":     s.version,
		"description": "Web scraping service with dynamic page support",
		"status":      "running",
		"environment": environment,
	})
}

// submitScrape accepts a scrape request, validates it, and enqueues a
// job. A full queue answers 503 so clients can back off and resubmit.
func (s *Server) submitScrape(w http.ResponseWriter, r *http.Request) {
	var req scrape.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	if req.InputKind == "" {
		req.InputKind = scrape.InputURL
	}
	if req.InputKind == scrape.InputFile {
		if msg := validateInputFile(req.Target); msg != "" {
			writeError(w, http.StatusBadRequest, "invalid_request", msg)
			return
		}
	}

	job, err := s.manager.Submit(req)
	if err != nil {
		switch {
		case errors.Is(err, scrape.ErrQueueFull):
			writeError(w, http.StatusServiceUnavailable, "queue_full",
				"job queue is full, retry later")
		case errors.Is(err, scrape.ErrQueueClosed):
			writeError(w, http.StatusServiceUnavailable, "shutting_down",
				"service is shutting down")
		default:
			writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		}
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"job_id": job.ID,
		"status": string(job.Status),
		"message": fmt.Sprintf(
			"Job %s submitted successfully and queued for processing", job.ID),
	})
}

// validateInputFile rejects missing files and paths escaping the
// working directory. Returns an empty string when the path is usable.
func validateInputFile(target string) string {
	abs, err := filepath.Abs(target)
	if err != nil {
		return fmt.Sprintf("invalid input file path: %s", target)
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "cannot resolve working directory"
	}
	rel, err := filepath.Rel(cwd, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "file path outside the working directory is not allowed"
	}
	if _, err := os.Stat(abs); err != nil {
		return fmt.Sprintf("input file not found: %s", target)
	}
	return ""
}

func (s *Server) jobStatus(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	job, err := s.manager.Status(jobID)
	if err != nil {
		writeError(w, http.StatusNotFound, "job_not_found",
			fmt.Sprintf("Job %s not found", jobID))
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// jobResults serves the result document of a COMPLETED job. Unfinished
// jobs answer 400 with the live status so pollers can keep waiting.
func (s *Server) jobResults(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	job, err := s.manager.Status(jobID)
	if err != nil {
		writeError(w, http.StatusNotFound, "job_not_found",
			fmt.Sprintf("Job %s not found", jobID))
		return
	}
	if job.Status != scrape.JobStatusCompleted {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error": "job_not_completed",
			"message": fmt.Sprintf("Job %s is not completed (status: %s)",
				jobID, job.Status),
			"current_status": string(job.Status),
			"progress":       job.Progress,
		})
		return
	}
	result, err := s.manager.Result(jobID)
	if err != nil {
		writeError(w, http.StatusNotFound, "result_not_found",
			fmt.Sprintf("Result for job %s not found", jobID))
		return
	}
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=scrape_result_%s.json", jobID))
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "limit must be an integer")
			return
		}
		limit = parsed
	}
	listed := s.manager.List(limit)
	if listed == nil {
		listed = []scrape.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":  listed,
		"total": s.manager.Stats().TotalJobs,
	})
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	job, err := s.manager.Status(jobID)
	if err != nil {
		writeError(w, http.StatusNotFound, "job_not_found",
			fmt.Sprintf("Job %s not found", jobID))
		return
	}
	cancelled, err := s.manager.Cancel(r.Context(), jobID)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error": "job_not_cancellable",
			"message": fmt.Sprintf("Job %s cannot be cancelled (status: %s)",
				jobID, job.Status),
			"current_status": string(job.Status),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"message": fmt.Sprintf("Job %s has been cancelled", jobID),
		"job_id":  jobID,
		"status":  string(cancelled.Status),
	})
}

func (s *Server) stats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":      s.manager.Stats(),
		"admission": s.admission.Stats(),
		"errors":    s.resil.ErrorStats(),
		"breakers":  s.resil.BreakerSnapshot(),
	})
}

// health reports degraded before the service actually saturates: a
// full worker pool or a deep queue flips the status while requests are
// still being accepted.
func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	stats := s.manager.Stats()
	healthy := stats.ActiveJobs < stats.MaxConcurrentJobs && stats.QueuedJobs < 50
	status := "healthy"
	if !healthy {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      status,
		"timestamp":   time.Now().UTC().Format(time.RFC3339),
		"queue_size":  stats.QueuedJobs,
		"active_jobs": stats.ActiveJobs,
		"total_jobs":  stats.TotalJobs,
	})
}

func (s *Server) configEcho(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.Sanitized())
}

func (s *Server) notFound(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusNotFound, map[string]string{
		"error":   "not_found",
		"message": "The requested resource was not found",
		"path":    r.URL.Path,
	})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("request_id", RequestID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered",
					zap.Any("panic", rec),
					zap.String("path", r.URL.Path),
				)
				writeError(w, http.StatusInternalServerError,
					"internal_server_error", "An internal server error occurred")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// rateLimitMiddleware spreads the configured request budget evenly over
// the window with a token bucket sized to the full budget, so idle
// clients can burst up to it.
func rateLimitMiddleware(cfg config.RateLimitConfig) func(http.Handler) http.Handler {
	interval := cfg.Window() / time.Duration(cfg.Requests)
	limiter := rate.NewLimiter(rate.Every(interval), cfg.Requests)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reservation := limiter.Reserve()
			if !reservation.OK() {
				writeError(w, http.StatusTooManyRequests, "rate_limited", "Too many requests")
				return
			}
			if delay := reservation.Delay(); delay > 0 {
				reservation.Cancel()
				w.Header().Set("Retry-After",
					strconv.Itoa(int(math.Ceil(delay.Seconds()))))
				writeError(w, http.StatusTooManyRequests, "rate_limited", "Too many requests")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type requestIDKey struct{}

// RequestID returns the request id attached by the middleware, or an
// empty string.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		http.Error(w, "encoding failure", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": code, "message": message})
}
