// Package observability provides the process-wide logging, metrics, and
// tracing plumbing: a structured logrus logger, Prometheus instrumentation
// for the loader, poller, and repositories, and optional OpenTelemetry
// trace export.
package observability
