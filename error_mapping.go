package clinicauth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/clinicportal/clinicauth/internal/authapi"
)

type errorScope uint8

const (
	// scopeCredentials covers login and signup.
	scopeCredentials errorScope = iota
	// scopeCode covers registration OTP and two-factor verify/resend/fallback.
	scopeCode
)

const (
	codeBackupCodeUsed   = "backup_code_used"
	codeChallengeExpired = "challenge_expired"
	codeTempTokenInvalid = "invalid_temp_token"
)

// classify maps an Auth API failure into the error taxonomy. Anything that is
// not a structured *authapi.Error degrades to TransportError.
func classify(err error, scope errorScope) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, authapi.ErrTransport) {
		return &TransportError{cause: err}
	}
	var apiErr *authapi.Error
	if !errors.As(err, &apiErr) {
		return &TransportError{cause: err}
	}

	if apiErr.Status == http.StatusTooManyRequests || !apiErr.CanResendAt.IsZero() {
		return &RateLimitError{
			Message:     apiErr.Message,
			CanResendAt: apiErr.CanResendAt,
			cause:       err,
		}
	}

	switch scope {
	case scopeCode:
		cerr := &ChallengeError{
			Message: apiErr.Message,
			Reused:  isBackupReuse(apiErr),
			cause:   err,
		}
		if apiErr.AttemptsLeft != nil {
			cerr.AttemptsKnown = true
			cerr.AttemptsLeft = max(*apiErr.AttemptsLeft, 0)
		}
		cerr.Expired = apiErr.Code == codeChallengeExpired ||
			apiErr.Code == codeTempTokenInvalid ||
			(cerr.AttemptsKnown && cerr.AttemptsLeft == 0)
		return cerr
	default:
		return &CredentialError{
			Message: apiErr.Message,
			Status:  apiErr.Status,
			cause:   err,
		}
	}
}

func isBackupReuse(apiErr *authapi.Error) bool {
	if apiErr.Code == codeBackupCodeUsed {
		return true
	}
	msg := strings.ToLower(apiErr.Message)
	return strings.Contains(msg, "backup") &&
		(strings.Contains(msg, "already used") || strings.Contains(msg, "already been used"))
}
