// Package http provides the HTTP REST API implementation.
//
// The HTTP server exposes endpoints for:
//   - Synchronous task submission and cancellation
//   - Completed-task record lookup
//   - Worker and queue introspection
//   - Health checks
//   - Prometheus metrics
package http
