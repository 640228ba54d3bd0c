// Package api hosts the HTTP server, middleware, and component endpoints.
// Notable routes:
//   - GET /healthz / readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/trigger, /v1/split, /v1/work, /v1/launch and /v1/reap, which
//     accept either a direct JSON body or a Pub/Sub push envelope and answer
//     with the component's {statusCode, body} result.
package api
