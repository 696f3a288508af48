package internaldefs

import (
	"github.com/clinicportal/clinicauth"
)

// CounterDef names one orchestrator counter.
type CounterDef struct {
	ID   clinicauth.MetricID
	Name string
	Help string
}

// HistogramDef names one orchestrator histogram.
type HistogramDef struct {
	ID   clinicauth.MetricID
	Name string
	Help string
}

// CounterDefs lists every exported counter in exposition order.
var CounterDefs = []CounterDef{
	{ID: clinicauth.MetricLoginSuccess, Name: "clinicauth_login_success_total", Help: "Logins that established a session without a second factor."},
	{ID: clinicauth.MetricLoginFailure, Name: "clinicauth_login_failure_total", Help: "Logins rejected by the Auth API."},
	{ID: clinicauth.MetricValidationRejected, Name: "clinicauth_validation_rejected_total", Help: "Submissions rejected locally before any request."},
	{ID: clinicauth.MetricTwoFactorRequired, Name: "clinicauth_two_factor_required_total", Help: "Logins that opened a two-factor challenge."},
	{ID: clinicauth.MetricTwoFactorSuccess, Name: "clinicauth_two_factor_success_total", Help: "Two-factor challenges verified."},
	{ID: clinicauth.MetricTwoFactorFailure, Name: "clinicauth_two_factor_failure_total", Help: "Two-factor codes rejected by the Auth API."},
	{ID: clinicauth.MetricBackupCodeReused, Name: "clinicauth_backup_code_reused_total", Help: "Backup codes reported as already consumed."},
	{ID: clinicauth.MetricTwoFactorResend, Name: "clinicauth_two_factor_resend_total", Help: "Two-factor codes re-sent."},
	{ID: clinicauth.MetricTwoFactorResendRejected, Name: "clinicauth_two_factor_resend_rejected_total", Help: "Resend requests rejected by the Auth API."},
	{ID: clinicauth.MetricTwoFactorEmailFallback, Name: "clinicauth_two_factor_email_fallback_total", Help: "Challenges switched from SMS to email."},
	{ID: clinicauth.MetricTwoFactorCancelled, Name: "clinicauth_two_factor_cancelled_total", Help: "Challenges cancelled or superseded."},
	{ID: clinicauth.MetricStaleResponseDiscarded, Name: "clinicauth_stale_response_discarded_total", Help: "Responses discarded because their challenge had closed."},
	{ID: clinicauth.MetricRegistrationRequested, Name: "clinicauth_registration_requested_total", Help: "Signups accepted and awaiting email confirmation."},
	{ID: clinicauth.MetricRegistrationVerified, Name: "clinicauth_registration_verified_total", Help: "Registrations confirmed with the emailed code."},
	{ID: clinicauth.MetricRegistrationFailure, Name: "clinicauth_registration_failure_total", Help: "Signup or confirmation requests rejected."},
	{ID: clinicauth.MetricFederatedSuccess, Name: "clinicauth_federated_success_total", Help: "Federated sign-ins that established a session."},
	{ID: clinicauth.MetricFederatedFailure, Name: "clinicauth_federated_failure_total", Help: "Federated sign-ins rejected locally or by the Auth API."},
	{ID: clinicauth.MetricRateLimited, Name: "clinicauth_rate_limited_total", Help: "Requests throttled by the Auth API."},
	{ID: clinicauth.MetricTransportFailure, Name: "clinicauth_transport_failure_total", Help: "Requests that failed without a structured response."},
	{ID: clinicauth.MetricSessionEstablished, Name: "clinicauth_session_established_total", Help: "Sessions written to both stores."},
	{ID: clinicauth.MetricSessionPersistFailure, Name: "clinicauth_session_persist_failure_total", Help: "Sessions that could not be persisted."},
	{ID: clinicauth.MetricSessionCleared, Name: "clinicauth_session_cleared_total", Help: "Sessions torn down by logout."},
	{ID: clinicauth.MetricSessionRestored, Name: "clinicauth_session_restored_total", Help: "Sessions reloaded from the stores at startup."},
}

// GaugeDef names one flow-state gauge and how to read it.
type GaugeDef struct {
	Name  string
	Help  string
	Value func(clinicauth.FlowState) int64
}

const (
	AuditDroppedName = "clinicauth_audit_dropped_total"
	AuditDroppedHelp = "Audit events dropped because the async sink buffer was full."
)

// GaugeDefs lists every exported flow-state gauge in exposition order.
var GaugeDefs = []GaugeDef{
	{Name: "clinicauth_challenge_live", Help: "1 while a two-factor challenge is open.", Value: func(s clinicauth.FlowState) int64 { return boolGauge(s.ChallengeLive) }},
	{Name: "clinicauth_challenge_verifying", Help: "1 while a two-factor verify request is in flight.", Value: func(s clinicauth.FlowState) int64 {
		return boolGauge(s.ChallengeLive && s.ChallengeState == clinicauth.StateVerifying)
	}},
	{Name: "clinicauth_resend_cooldown_seconds", Help: "Seconds until the open challenge may resend a code.", Value: func(s clinicauth.FlowState) int64 { return int64(s.ResendCooldown) }},
	{Name: "clinicauth_registration_pending", Help: "1 while a signup awaits its emailed code.", Value: func(s clinicauth.FlowState) int64 { return boolGauge(s.RegistrationPending) }},
	{Name: "clinicauth_session_active", Help: "1 while a session is established.", Value: func(s clinicauth.FlowState) int64 { return boolGauge(s.SessionActive) }},
}

func boolGauge(v bool) int64 {
	if v {
		return 1
	}
	return 0
}

// HistogramDefs lists every exported histogram.
var HistogramDefs = []HistogramDef{
	{ID: clinicauth.MetricAPILatency, Name: "clinicauth_api_latency_seconds", Help: "Auth API round-trip latency."},
}

// HistogramBounds are the upper bounds in seconds, matching the core buckets.
var HistogramBounds = []string{
	"0.05",
	"0.1",
	"0.25",
	"0.5",
	"1",
	"2.5",
	"5",
	"+Inf",
}

// HistogramBoundSuffix are instrument-name-safe forms of HistogramBounds.
var HistogramBoundSuffix = []string{
	"0_05",
	"0_1",
	"0_25",
	"0_5",
	"1",
	"2_5",
	"5",
	"inf",
}

// NormalizeBuckets copies raw into a fixed-size array, zero-filling short input.
func NormalizeBuckets(raw []uint64) [8]uint64 {
	var out [8]uint64
	for i := 0; i < len(out) && i < len(raw); i++ {
		out[i] = raw[i]
	}
	return out
}

// CumulativeBuckets turns per-bucket counts into running totals.
func CumulativeBuckets(raw [8]uint64) [8]uint64 {
	var out [8]uint64
	var running uint64
	for i := 0; i < len(raw); i++ {
		running += raw[i]
		out[i] = running
	}
	return out
}
