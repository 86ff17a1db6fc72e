// Package api hosts the HTTP server, middleware, and REST handlers used by the
// review client. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /api/state and /api/resume to bootstrap a review session.
//   - GET /api/frame-check/{rowId} and /api/proxy/{rowId} for the embedding
//     fallback, plus /api/proxy/resource for linked downloads.
//   - GET/POST /api/annotation/{rowId} for reading and saving annotations.
//   - GET /api/progress for per-reviewer totals via the ProgressHandler.
package api
