// Package api hosts the operator HTTP surface of the harvester:
//   - GET /healthz and /readyz for liveness and readiness checks.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/runs/latest for the last scrape summary.
//   - GET /v1/cursors/{domain} for the ingestion watermark of a domain.
//   - POST /v1/process/{domain} to run one ingestion batch on demand.
//   - GET /v1/events for recent run and batch notifications.
package api
