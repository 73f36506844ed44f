// Package telemetry centralizes OpenTelemetry SDK initialization: one
// TracerProvider and MeterProvider wired to OTLP gRPC exporters, or noop
// implementations when telemetry is disabled.
package telemetry
