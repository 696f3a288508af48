package clinicauth

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/clinicportal/clinicauth/internal/authapi"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

var (
	errAssertionEmpty     = errors.New("assertion is empty")
	errAssertionMalformed = errors.New("assertion is not a jwt")
	errAssertionExpired   = errors.New("assertion expired")
	errAssertionIssuer    = errors.New("assertion issuer not allowed")
	errAssertionAudience  = errors.New("assertion audience mismatch")
)

// SubmitAssertion exchanges an external identity credential (a Google ID
// token) for a session. The server is trusted to have applied equivalent
// assurance, so this path never yields a two-factor challenge. Every failure
// is a *FederatedError matching ErrFederatedRejected.
func (o *Orchestrator) SubmitAssertion(ctx context.Context, credential string) (*LoginOutcome, error) {
	if err := o.ensureSignedOut(); err != nil {
		return nil, err
	}
	if err := o.precheckAssertion(credential); err != nil {
		return nil, o.federatedFailure(ctx, err)
	}

	resp, err := o.api.Google(ctx, authapi.GoogleRequest{Token: strings.TrimSpace(credential)})
	if err != nil {
		mapped := classify(err, scopeCredentials)
		o.recordAPIFailure(mapped)
		return nil, o.federatedFailure(ctx, mapped)
	}
	if resp.Token == "" || resp.User == nil {
		return nil, o.federatedFailure(ctx, fmt.Errorf("%w: google response without token or user", ErrMalformedResponse))
	}

	o.discardFlows()
	user := fromWireUser(resp.User)
	out, err := o.establish(ctx, "federated", resp.Token, user)
	if err != nil {
		return nil, err
	}
	o.metrics.Inc(MetricFederatedSuccess)
	o.emitAudit(ctx, AuditEvent{EventType: auditEventFederatedSuccess, UserID: user.ID, Role: user.Role, Success: true})
	return out, nil
}

func (o *Orchestrator) federatedFailure(ctx context.Context, cause error) error {
	o.metrics.Inc(MetricFederatedFailure)
	o.logger.Info("federated sign-in rejected", zap.Error(cause))
	o.emitAudit(ctx, AuditEvent{EventType: auditEventFederatedFailure, Error: cause.Error()})
	return &FederatedError{cause: cause}
}

// precheckAssertion rejects credentials that cannot possibly succeed. The
// signature is not checked here.
func (o *Orchestrator) precheckAssertion(credential string) error {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return errAssertionEmpty
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(credential, claims); err != nil {
		return fmt.Errorf("%w: %v", errAssertionMalformed, err)
	}

	cfg := o.config.Federated
	exp, err := claims.GetExpirationTime()
	if err != nil {
		return fmt.Errorf("%w: %v", errAssertionMalformed, err)
	}
	if exp != nil && !o.clock.Now().Before(exp.Add(cfg.Leeway)) {
		return errAssertionExpired
	}

	if len(cfg.AllowedIssuers) > 0 {
		iss, _ := claims.GetIssuer()
		if !slices.Contains(cfg.AllowedIssuers, iss) {
			return errAssertionIssuer
		}
	}
	if cfg.Audience != "" {
		aud, _ := claims.GetAudience()
		if !slices.Contains([]string(aud), cfg.Audience) {
			return errAssertionAudience
		}
	}
	return nil
}
