// Package api hosts the HTTP server, middleware, and REST handlers for
// operator access. Notable routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/crawls for the live crawl list.
//   - POST /v1/jobs/{id}/crawl and /cancel for crawl control.
//   - GET /v1/jobs/{id}/progress and /log for live progress reporting.
package api
