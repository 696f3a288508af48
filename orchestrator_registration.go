package clinicauth

import (
	"context"
	"fmt"

	"github.com/clinicportal/clinicauth/internal/authapi"
	"github.com/clinicportal/clinicauth/internal/validate"
	"go.uber.org/zap"
)

// SubmitRegistration validates the signup form and requests an account. On
// success the returned draft is live and awaits VerifyRegistration; any live
// challenge is cancelled.
func (o *Orchestrator) SubmitRegistration(ctx context.Context, reg Registration) (*RegistrationDraft, error) {
	if err := o.ensureSignedOut(); err != nil {
		return nil, err
	}
	draft, err := o.checkRegistration(reg)
	if err != nil {
		o.metrics.Inc(MetricValidationRejected)
		return nil, err
	}

	if err := o.signup(ctx, draft); err != nil {
		return nil, err
	}

	o.replaceDraft(draft)
	o.metrics.Inc(MetricRegistrationRequested)
	o.logger.Info("registration awaiting email confirmation")
	o.emitAudit(ctx, AuditEvent{EventType: auditEventRegistrationRequested, Role: draft.Role, Success: true})

	out := *draft
	out.password = ""
	return &out, nil
}

func (o *Orchestrator) signup(ctx context.Context, d *RegistrationDraft) error {
	_, err := o.api.Signup(ctx, authapi.SignupRequest{
		Email:     d.Email,
		Password:  d.password,
		FirstName: d.FirstName,
		LastName:  d.LastName,
		Role:      d.Role,
		Phone:     d.Phone,
	})
	if err != nil {
		mapped := classify(err, scopeCredentials)
		o.recordAPIFailure(mapped)
		o.metrics.Inc(MetricRegistrationFailure)
		o.logger.Info("signup rejected", zap.Error(mapped))
		o.emitAudit(ctx, AuditEvent{EventType: auditEventRegistrationFailure, Error: mapped.Error(), Metadata: map[string]string{"step": "signup"}})
		return mapped
	}
	return nil
}

func (o *Orchestrator) checkRegistration(reg Registration) (*RegistrationDraft, error) {
	first, ok := validate.Name(reg.FirstName)
	if !ok {
		return nil, invalid("firstName", validate.ErrFirstNameRequired)
	}
	last, ok := validate.Name(reg.LastName)
	if !ok {
		return nil, invalid("lastName", validate.ErrLastNameRequired)
	}
	email, err := validate.Email(reg.Email)
	if err != nil {
		return nil, invalid("email", err)
	}
	if err := validate.Password(reg.Password); err != nil {
		return nil, invalid("password", err)
	}
	phone, err := validate.Phone(reg.Phone, o.config.Registration.PhonePrefix)
	if err != nil {
		return nil, invalid("phone", err)
	}
	return &RegistrationDraft{
		Email:     email,
		FirstName: first,
		LastName:  last,
		Phone:     phone,
		Role:      o.config.Registration.Role,
		password:  reg.Password,
	}, nil
}

// VerifyRegistration submits the emailed OTP. The server verifies the account
// and issues the session token in one call, so success establishes the
// session directly. A rejected code keeps the draft for another try.
func (o *Orchestrator) VerifyRegistration(ctx context.Context, code string) (*LoginOutcome, error) {
	otp, err := validate.OTP(code)
	if err != nil {
		return nil, invalid("code", err)
	}

	o.mu.Lock()
	draft := o.draft
	if draft != nil {
		draft.AttemptsMade++
	}
	o.mu.Unlock()
	if draft == nil {
		return nil, ErrNoDraft
	}

	resp, err := o.api.VerifyOTP(ctx, authapi.VerifyOTPRequest{
		Email:     draft.Email,
		OTP:       otp,
		Password:  draft.password,
		Purpose:   o.config.Registration.OTPPurpose,
		FirstName: draft.FirstName,
		LastName:  draft.LastName,
		Role:      draft.Role,
	})
	if err != nil {
		mapped := classify(err, scopeCode)
		o.recordAPIFailure(mapped)
		o.metrics.Inc(MetricRegistrationFailure)
		o.logger.Info("registration code rejected", zap.Error(mapped))
		o.emitAudit(ctx, AuditEvent{EventType: auditEventRegistrationFailure, Error: mapped.Error(), Metadata: map[string]string{"step": "verify"}})
		return nil, mapped
	}
	if resp.Token == "" {
		return nil, &TransportError{cause: fmt.Errorf("%w: verify-otp response without token", ErrMalformedResponse)}
	}

	o.mu.Lock()
	live := o.draft == draft
	if live {
		o.draft = nil
	}
	o.mu.Unlock()
	if !live {
		o.logger.Info("discarded verification for abandoned registration")
		return nil, ErrNoDraft
	}

	user := draftUser(draft)
	if resp.User != nil {
		user = fromWireUser(resp.User)
	}
	out, err := o.establish(ctx, "registration", resp.Token, user)
	if err != nil {
		return nil, err
	}
	o.metrics.Inc(MetricRegistrationVerified)
	o.emitAudit(ctx, AuditEvent{EventType: auditEventRegistrationVerified, UserID: user.ID, Role: user.Role, Success: true})
	return out, nil
}

// ResendRegistrationCode replays the original signup with identical fields so
// the server emails a fresh code. There is no local throttle.
func (o *Orchestrator) ResendRegistrationCode(ctx context.Context) error {
	o.mu.Lock()
	draft := o.draft
	o.mu.Unlock()
	if draft == nil {
		return ErrNoDraft
	}
	return o.signup(ctx, draft)
}

// AbandonRegistration drops the live draft, if any.
func (o *Orchestrator) AbandonRegistration(ctx context.Context) {
	o.mu.Lock()
	had := o.draft != nil
	o.draft = nil
	o.mu.Unlock()
	if had {
		o.emitAudit(ctx, AuditEvent{EventType: auditEventRegistrationAbandoned})
	}
}

func draftUser(d *RegistrationDraft) User {
	return User{
		Email:     d.Email,
		FirstName: d.FirstName,
		LastName:  d.LastName,
		Role:      d.Role,
		Phone:     d.Phone,
	}
}
