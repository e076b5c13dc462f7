// Package http provides the HTTP REST API.
//
// The HTTP server exposes endpoints for:
//   - Run submission and queries
//   - Live run events over Server-Sent Events
//   - Health checks
//   - Prometheus metrics
//
// Callers identify themselves with the X-User-ID header; every run and
// pipeline lookup is scoped to that user.
package http
