// Package telemetry provides structured logging, Prometheus metrics, and
// OpenTelemetry tracing for the loom engine.
//
// The Logger wraps zerolog with field helpers for the identifiers that recur
// throughout an apply (apply ID, resource address, action). Metrics records
// apply/action/provider counters and durations and can expose them over HTTP.
// The Tracer emits spans around plan computation, applies, and individual
// actions; export is configurable (OTLP gRPC, stdout, or none).
package telemetry
