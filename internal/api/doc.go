// Package api hosts the HTTP server, middleware, and REST handlers for
// client access. Notable routes:
//   - POST /scrape for job submission.
//   - GET /status/{job_id} and /results/{job_id} for polling.
//   - GET /jobs and DELETE /jobs/{job_id} for listing and cancellation.
//   - GET /health, /stats, /config for monitoring.
//   - GET /metrics for Prometheus scraping.
package api
