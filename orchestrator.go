package clinicauth

import (
	"context"
	"errors"
	"sync"

	"github.com/clinicportal/clinicauth/internal/authapi"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// Orchestrator owns the authentication flows of one portal client. Methods
// are safe to call from multiple goroutines; network calls block the caller
// and honor ctx.
//
// Lock order: the orchestrator mutex and a challenge mutex are never held at
// the same time.
type Orchestrator struct {
	config      Config
	api         *authapi.Client
	establisher *Establisher
	logger      *zap.Logger
	audit       AuditSink
	metrics     *Metrics
	clock       clockwork.Clock
	onCooldown  CooldownListener

	mu        sync.Mutex
	draft     *RegistrationDraft
	challenge *Challenge
}

// Config returns a copy of the active configuration.
func (o *Orchestrator) Config() Config {
	return cloneConfig(o.config)
}

// Establisher exposes the session establisher.
func (o *Orchestrator) Establisher() *Establisher {
	return o.establisher
}

// Identity is shorthand for Establisher().Identity().
func (o *Orchestrator) Identity() *Identity {
	return o.establisher.identity
}

// MetricsSnapshot returns the current counters.
func (o *Orchestrator) MetricsSnapshot() MetricsSnapshot {
	return o.metrics.Snapshot()
}

// AuditDropped reports audit events lost to a full buffer. It is zero unless
// the sink is an AsyncSink.
func (o *Orchestrator) AuditDropped() uint64 {
	if s, ok := o.audit.(*AsyncSink); ok {
		return s.Dropped()
	}
	return 0
}

// FlowState is a point-in-time view of the flows the orchestrator owns.
type FlowState struct {
	ChallengeLive       bool
	ChallengeState      ChallengeState
	ResendCooldown      int
	RegistrationPending bool
	SessionActive       bool
}

// FlowState reports which flows are live right now.
func (o *Orchestrator) FlowState() FlowState {
	o.mu.Lock()
	c := o.challenge
	pending := o.draft != nil
	o.mu.Unlock()

	st := FlowState{
		RegistrationPending: pending,
		SessionActive:       o.establisher.identity.Authenticated(),
	}
	if c != nil {
		st.ChallengeLive = true
		st.ChallengeState = c.State()
		st.ResendCooldown = c.Cooldown()
	}
	return st
}

// Challenge returns the live two-factor challenge, if any.
func (o *Orchestrator) Challenge() *Challenge {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.challenge
}

// Draft returns a copy of the registration awaiting verification, if any.
func (o *Orchestrator) Draft() (RegistrationDraft, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.draft == nil {
		return RegistrationDraft{}, false
	}
	cp := *o.draft
	cp.password = ""
	return cp, true
}

// Logout tears the session down and discards any live flow. Repeated calls
// are no-ops.
func (o *Orchestrator) Logout(ctx context.Context) error {
	o.discardFlows()
	_, had := o.establisher.identity.Current()
	err := o.establisher.Teardown(ctx)
	if had || err != nil {
		o.metrics.Inc(MetricSessionCleared)
		o.emitAudit(ctx, AuditEvent{EventType: auditEventSessionCleared, Success: err == nil, Error: errString(err)})
	}
	return err
}

// Restore reloads a persisted session at startup. It returns a nil session
// when none was persisted or the stores disagreed.
func (o *Orchestrator) Restore(ctx context.Context) (*Session, Destination, error) {
	s, dest, err := o.establisher.Restore(ctx)
	if err != nil || s == nil {
		return s, dest, err
	}
	o.discardFlows()
	o.metrics.Inc(MetricSessionRestored)
	o.emitAudit(ctx, AuditEvent{
		EventType: auditEventSessionRestored,
		UserID:    s.User.ID,
		Role:      s.User.Role,
		Success:   true,
	})
	return s, dest, nil
}

// Close stops any live challenge timer. The orchestrator stays usable.
func (o *Orchestrator) Close() {
	o.discardFlows()
}

func (o *Orchestrator) ensureSignedOut() error {
	if o.establisher.identity.Authenticated() {
		return ErrSessionActive
	}
	return nil
}

// replaceChallenge makes c the live challenge, cancelling any previous one and
// discarding the draft.
func (o *Orchestrator) replaceChallenge(c *Challenge) {
	o.mu.Lock()
	prev := o.challenge
	o.challenge = c
	o.draft = nil
	o.mu.Unlock()

	if prev != nil {
		prev.close(StateCancelled)
	}
}

// replaceDraft makes d the live draft, cancelling any live challenge.
func (o *Orchestrator) replaceDraft(d *RegistrationDraft) {
	o.mu.Lock()
	prev := o.challenge
	o.challenge = nil
	o.draft = d
	o.mu.Unlock()

	if prev != nil {
		prev.close(StateCancelled)
	}
}

func (o *Orchestrator) discardFlows() {
	o.replaceDraft(nil)
}

func (o *Orchestrator) isLive(c *Challenge) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.challenge == c
}

// release forgets c if it is still the live challenge. Reports whether it was.
func (o *Orchestrator) release(c *Challenge) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.challenge != c {
		return false
	}
	o.challenge = nil
	return true
}

// establish is the common tail of every entry path.
func (o *Orchestrator) establish(ctx context.Context, path, token string, user User) (*LoginOutcome, error) {
	dest, err := o.establisher.Establish(ctx, token, user)
	if err != nil {
		o.metrics.Inc(MetricSessionPersistFailure)
		o.emitAudit(ctx, AuditEvent{
			EventType: auditEventSessionPersistFailure,
			UserID:    user.ID,
			Role:      user.Role,
			Error:     err.Error(),
			Metadata:  map[string]string{"path": path},
		})
		return nil, err
	}
	o.metrics.Inc(MetricSessionEstablished)
	o.emitAudit(ctx, AuditEvent{
		EventType: auditEventSessionEstablished,
		UserID:    user.ID,
		Role:      user.Role,
		Success:   true,
		Metadata:  map[string]string{"path": path, "destination": string(dest)},
	})
	return &LoginOutcome{Session: &Session{Token: token, User: user}, Destination: dest}, nil
}

// recordAPIFailure bumps the shared counters for taxonomy errors.
func (o *Orchestrator) recordAPIFailure(err error) {
	switch {
	case errors.Is(err, ErrRateLimited):
		o.metrics.Inc(MetricRateLimited)
	case errors.Is(err, ErrTransport):
		o.metrics.Inc(MetricTransportFailure)
	}
}
