package clinicauth

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrValidation marks local input failures. They never reach the network.
	ErrValidation = errors.New("validation failed")
	// ErrCredentials marks login or registration fields rejected by the server.
	ErrCredentials = errors.New("credentials rejected")
	// ErrChallenge marks a verification code rejected by the server.
	ErrChallenge = errors.New("verification code rejected")
	// ErrBackupCodeReused marks a backup code the server reports as already consumed.
	ErrBackupCodeReused = errors.New("backup code already used")
	// ErrChallengeExpired marks a challenge the server no longer accepts (tempToken invalidated).
	ErrChallengeExpired = errors.New("verification challenge expired")
	// ErrRateLimited marks a request throttled by the server.
	ErrRateLimited = errors.New("rate limited")
	// ErrTransport marks network or server failures without a structured payload.
	ErrTransport = errors.New("authentication service unavailable")
	// ErrFederatedRejected is the single error of the federated sign-in path.
	ErrFederatedRejected = errors.New("federated sign-in failed")

	// ErrChannelUnavailable is returned when a channel is not offered by the challenge.
	ErrChannelUnavailable = errors.New("verification channel unavailable")
	// ErrRequestInFlight is returned while the challenge awaits a response.
	ErrRequestInFlight = errors.New("verification request in flight")
	// ErrCooldownActive is returned by Resend while the cooldown is running.
	ErrCooldownActive = errors.New("resend cooldown active")
	// ErrFallbackUnavailable is returned by EmailFallback when SMS is not the active channel.
	ErrFallbackUnavailable = errors.New("email fallback unavailable")
	// ErrChallengeClosed is returned for operations on, or responses to, a challenge
	// that was cancelled, superseded or completed.
	ErrChallengeClosed = errors.New("verification challenge closed")
	// ErrNoDraft is returned by registration verification without a live draft.
	ErrNoDraft = errors.New("no registration awaiting verification")
	// ErrSessionActive is returned when an entry path is started while signed in.
	ErrSessionActive = errors.New("session already established")
	// ErrSessionPersist is returned when the session could not be written to both stores.
	ErrSessionPersist = errors.New("session persist failed")
	// ErrSessionClear is returned when logout could not clear a store.
	ErrSessionClear = errors.New("session clear failed")
	// ErrMalformedResponse marks a 2xx response missing fields the flow needs.
	ErrMalformedResponse = errors.New("malformed authentication response")
)

// ValidationError is a local input failure scoped to one form field.
type ValidationError struct {
	Field string
	Err   error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %v", e.Field, e.Err)
}

func (e *ValidationError) Unwrap() []error {
	return withCause(ErrValidation, e.Err)
}

func invalid(field string, err error) error {
	return &ValidationError{Field: field, Err: err}
}

// CredentialError carries the server's message for rejected login or
// registration fields. The form stays populated.
type CredentialError struct {
	Message string
	Status  int
	cause   error
}

func (e *CredentialError) Error() string {
	return fmt.Sprintf("credentials rejected: %s", e.Message)
}

func (e *CredentialError) Unwrap() []error {
	return withCause(ErrCredentials, e.cause)
}

// ChallengeError is a rejected verification code. AttemptsLeft is only
// meaningful when AttemptsKnown is set.
type ChallengeError struct {
	Message       string
	AttemptsLeft  int
	AttemptsKnown bool
	// Reused marks a backup code the server reports as already consumed.
	Reused bool
	// Expired marks a challenge the server has invalidated.
	Expired bool
	cause   error
}

func (e *ChallengeError) Error() string {
	msg := fmt.Sprintf("verification failed: %s", e.Message)
	if e.AttemptsKnown {
		msg += fmt.Sprintf(" (%d attempts left)", e.AttemptsLeft)
	}
	return msg
}

func (e *ChallengeError) Unwrap() []error {
	errs := withCause(ErrChallenge, e.cause)
	if e.Reused {
		errs = append(errs, ErrBackupCodeReused)
	}
	if e.Expired {
		errs = append(errs, ErrChallengeExpired)
	}
	return errs
}

// RateLimitError is a throttled request. CanResendAt is the server's resume
// time and is zero when the server did not send one.
type RateLimitError struct {
	Message     string
	CanResendAt time.Time
	cause       error
}

func (e *RateLimitError) Error() string {
	if e.CanResendAt.IsZero() {
		return fmt.Sprintf("rate limited: %s", e.Message)
	}
	return fmt.Sprintf("rate limited until %s: %s", e.CanResendAt.Format(time.RFC3339), e.Message)
}

func (e *RateLimitError) Unwrap() []error {
	return withCause(ErrRateLimited, e.cause)
}

// TransportError is a failure with no usable server payload. Safe to retry.
type TransportError struct {
	cause error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("authentication service unavailable: %v", e.cause)
}

func (e *TransportError) Unwrap() []error {
	return withCause(ErrTransport, e.cause)
}

// FederatedError wraps every failure of the federated sign-in path.
type FederatedError struct {
	cause error
}

func (e *FederatedError) Error() string {
	return fmt.Sprintf("federated sign-in failed: %v", e.cause)
}

func (e *FederatedError) Unwrap() []error {
	return withCause(ErrFederatedRejected, e.cause)
}

func withCause(kind, cause error) []error {
	if cause == nil {
		return []error{kind}
	}
	return []error{kind, cause}
}

const genericMessage = "Something went wrong. Please try again."

// Message returns text safe to show to the user for any error returned by
// this package.
func Message(err error) string {
	if err == nil {
		return ""
	}

	var (
		verr  *ValidationError
		cerr  *CredentialError
		cherr *ChallengeError
		rerr  *RateLimitError
	)
	switch {
	case errors.Is(err, ErrFederatedRejected):
		return "Google sign-in failed. Please try again."
	case errors.As(err, &verr):
		return verr.Err.Error()
	case errors.As(err, &cherr):
		switch {
		case cherr.Reused:
			return "This backup code has already been used. Enter a different one."
		case cherr.Expired:
			return "This verification has expired. Go back and sign in again."
		case cherr.AttemptsKnown:
			return fmt.Sprintf("Invalid code. %d attempts left.", cherr.AttemptsLeft)
		case cherr.Message != "":
			return cherr.Message
		}
		return "Invalid code."
	case errors.As(err, &rerr):
		if !rerr.CanResendAt.IsZero() {
			return fmt.Sprintf("Too many requests. Try again after %s.", rerr.CanResendAt.Local().Format("15:04:05"))
		}
		return "Too many requests. Please wait before trying again."
	case errors.As(err, &cerr):
		if cerr.Message != "" {
			return cerr.Message
		}
		return "Invalid email or password."
	case errors.Is(err, ErrCooldownActive):
		return "Please wait before requesting another code."
	case errors.Is(err, ErrSessionActive):
		return "You are already signed in."
	}
	return genericMessage
}
