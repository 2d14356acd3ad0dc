// Package api hosts the HTTP server, middleware, and handlers for the
// webhook service. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /webhooks/{scan_id}/... for provider callbacks (status, new
//     result, result export, crawled, pdf, export completion).
//   - POST /v1/scans and GET /v1/scans/{scan_id} for scan initiation and
//     progress reads.
package api
