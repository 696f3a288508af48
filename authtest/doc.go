// Package authtest runs an in-process fake of the clinic Auth API for tests.
//
// The fake keeps accounts, pending signups and two-factor challenges in
// memory and mirrors the server's wire contract: JSON bodies, error
// envelopes with message/code/attemptsLeft, 429 with canResendAt on resend
// throttling, and single-use backup codes. Hold lets a test park one request
// to observe ordering.
package authtest
