// Package telemetry installs an OpenTelemetry meter provider that exports
// pool and execution metrics over OTLP/HTTP.
//
// The exporter is configured through the standard OTEL_EXPORTER_OTLP_*
// environment variables. When telemetry is disabled the global no-op
// provider stays in place and instruments cost nothing.
package telemetry
