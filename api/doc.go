// Package api exposes the coordination core over HTTP: a synchronous tool
// dispatch surface, a websocket push channel for live message delivery, and
// health/metrics endpoints.
//
// # Endpoints
//
//   - POST /v1/tools/call                — tool dispatch: {"name": ..., "arguments": {...}}
//   - GET  /v1/agents/{id}/subscribe     — websocket push channel
//   - GET  /health                       — per-backend health flags and aggregate counts
//   - GET  /metrics                      — Prometheus metrics
//
// Each tool call maps to exactly one core operation on one component.
// Responses use a uniform envelope; typed errors carry a stable code and the
// identifying keys involved.
package api
