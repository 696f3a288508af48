package clinicauth

import (
	"context"
	"fmt"

	"github.com/clinicportal/clinicauth/internal/authapi"
	"github.com/clinicportal/clinicauth/internal/validate"
	"go.uber.org/zap"
)

// SubmitLogin validates the credentials locally and posts them. The outcome
// is either an established session or a live two-factor challenge; in the
// latter case any previous challenge or draft is discarded.
func (o *Orchestrator) SubmitLogin(ctx context.Context, email, password string) (*LoginOutcome, error) {
	if err := o.ensureSignedOut(); err != nil {
		return nil, err
	}
	creds, err := checkLogin(email, password)
	if err != nil {
		o.metrics.Inc(MetricValidationRejected)
		return nil, err
	}

	resp, err := o.api.Login(ctx, authapi.LoginRequest{Email: creds.Email, Password: creds.Password})
	if err != nil {
		mapped := classify(err, scopeCredentials)
		o.recordAPIFailure(mapped)
		o.metrics.Inc(MetricLoginFailure)
		o.logger.Info("login rejected", zap.Error(mapped))
		o.emitAudit(ctx, AuditEvent{EventType: auditEventLoginFailure, Error: mapped.Error()})
		return nil, mapped
	}

	if resp.RequiresTwoFactor {
		if resp.TempToken == "" {
			err := &TransportError{cause: fmt.Errorf("%w: two-factor response without tempToken", ErrMalformedResponse)}
			o.metrics.Inc(MetricLoginFailure)
			return nil, err
		}
		c := newChallenge(o, resp.TempToken, resolveMethods(resp), resp.Phone, resp.Email)
		o.replaceChallenge(c)
		o.metrics.Inc(MetricTwoFactorRequired)
		o.logger.Info("two-factor required",
			zap.String("challenge_id", c.ID()),
			zap.Stringer("methods", c.Methods()),
			zap.Stringer("channel", c.Active()),
		)
		o.emitAudit(ctx, AuditEvent{
			EventType:   auditEventTwoFactorRequired,
			ChallengeID: c.ID(),
			Channel:     c.Active().String(),
			Success:     true,
			Metadata:    map[string]string{"methods": c.Methods().String()},
		})
		return &LoginOutcome{Challenge: c}, nil
	}

	if resp.Token == "" || resp.User == nil {
		err := &TransportError{cause: fmt.Errorf("%w: login response without token or user", ErrMalformedResponse)}
		o.metrics.Inc(MetricLoginFailure)
		return nil, err
	}

	o.discardFlows()
	user := fromWireUser(resp.User)
	out, err := o.establish(ctx, "login", resp.Token, user)
	if err != nil {
		return nil, err
	}
	o.metrics.Inc(MetricLoginSuccess)
	o.emitAudit(ctx, AuditEvent{EventType: auditEventLoginSuccess, UserID: user.ID, Role: user.Role, Success: true})
	return out, nil
}

func checkLogin(email, password string) (LoginCredentials, error) {
	addr, err := validate.Email(email)
	if err != nil {
		return LoginCredentials{}, invalid("email", err)
	}
	if err := validate.Password(password); err != nil {
		return LoginCredentials{}, invalid("password", err)
	}
	return LoginCredentials{Email: addr, Password: password}, nil
}

// resolveMethods turns the server's method list into a set. An empty or
// entirely unknown list falls back to SMS when a phone is on file, else
// email.
func resolveMethods(resp *authapi.LoginResponse) ChannelSet {
	set := ParseChannelSet(resp.AvailableMethods)
	if !set.Empty() {
		return set
	}
	if resp.Phone != "" {
		return NewChannelSet(ChannelSMS)
	}
	return NewChannelSet(ChannelEmail)
}
