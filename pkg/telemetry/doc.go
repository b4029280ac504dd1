// Package telemetry wires metrics and tracing for the credential broker.
//
// Metrics are exposed in Prometheus format from a per-process registry and
// mirrored to the global OpenTelemetry meter provider. SetupProvider installs
// an OTLP trace exporter, and the span helpers attach guard decisions to the
// spans opened by the proxy engine.
package telemetry
