// Package telemetry provides logging, tracing and metrics for Capstan.
//
// Structured logging uses zerolog through the Logger wrapper, which adds
// component, operation, descriptor and step fields. Tracing uses
// OpenTelemetry with OTLP or stdout exporters; the executor opens one span
// per operation and one per forward or rollback step. Metrics are
// Prometheus collectors on a private registry, optionally served over HTTP.
//
// Initialize telemetry at startup:
//
//	tel, err := telemetry.NewTelemetry(telemetry.DefaultConfig())
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
// A nil *Tracer or *Metrics is valid and records nothing, so library code
// can accept them as optional dependencies.
package telemetry
