// Package clinicauth is the client-side authentication and session
// establishment orchestrator of the clinic portal.
//
// It drives credential login, post-registration email OTP confirmation,
// multi-channel two-factor verification (SMS, email, backup code) with resend
// cooldowns and email fallback, federated sign-in, and dual-store session
// persistence with role-based routing. The remote authentication service is
// reached over HTTP; nothing here verifies codes or tokens itself.
//
// # Architecture boundaries
//
// clinicauth is the public surface. It exposes [Orchestrator], [Builder],
// [Config], [Challenge], [Establisher] and value types. The Auth API wire
// client, input rules and the cooldown ticker live under internal/. Session
// persistence lives in the [github.com/clinicportal/clinicauth/session]
// package and a fake Auth API for tests in authtest.
//
// # State invariants
//
//   - At most one of {registration draft, two-factor challenge} is live.
//   - A live session implies neither is live.
//   - Only [Establisher] writes the session stores and the [Identity].
//   - A response that arrives for a challenge that is no longer live is
//     discarded.
//
// # Trust boundary
//
// Backup-code single use, attempt lockout and resend throttling are enforced
// by the server. The client keeps no ledger of consumed backup codes; it only
// surfaces the server's verdicts (attemptsLeft, canResendAt, reuse).
package clinicauth
