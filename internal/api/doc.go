// Package api hosts the HTTP server, middleware, and REST handlers of the
// registrar. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/registrations/{app,web}/{source,trigger} to queue registrations.
//   - POST /v1/passes to run one queue pass on demand.
package api
