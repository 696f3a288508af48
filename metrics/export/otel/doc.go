// Package otel exposes clinicauth metrics as OpenTelemetry observable
// instruments.
//
// [NewOTelExporter] registers one observable counter per clinicauth counter,
// a counter for audit events the async sink dropped, one gauge per live flow
// (open challenge, pending signup, active session, resend cooldown) and a
// family of gauges for the API latency histogram. Values are read on every
// collection; nothing is pushed.
//
// # What this package must NOT do
//
//   - Install a global MeterProvider.
//   - Mutate orchestrator state.
package otel
