// Package telemetry provides structured logging, Prometheus metrics, and
// optional tracing for the Skylift engine.
//
// Logging is built on zerolog with component child loggers and
// deployment-scoped field helpers. Metrics are registered on a private
// registry and exposed through the API server's /metrics endpoint. Tracing
// wraps OpenTelemetry and produces one span per pipeline stage when enabled.
package telemetry
