// Package prometheus renders clinicauth metrics in Prometheus text format.
//
// [NewPrometheusExporter] reads an [clinicauth.Orchestrator] and exposes an
// [http.Handler]. Counter names are clinicauth_*_total, including
// clinicauth_audit_dropped_total for events an [clinicauth.AsyncSink] shed.
// Flow gauges such as clinicauth_challenge_live report what is open right now;
// the single histogram is clinicauth_api_latency_seconds.
//
// # What this package must NOT do
//
//   - Register metrics in a global Prometheus registry. Callers mount the Handler.
//   - Mutate orchestrator state.
package prometheus
