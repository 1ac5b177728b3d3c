// Package api hosts the HTTP server, middleware and REST handlers of the
// harvester. Notable routes:
//   - GET /healthz and /readyz for liveness and readiness checks.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/publications for keyword search, /v1/publications/latest and
//     /v1/publications/{id} for lookups including enrichments.
//   - POST /v1/sync and /v1/backfill to queue background runs.
//   - GET /v1/runs and /v1/runs/{run_id} for run history via the
//     RunRepository interface.
package api
