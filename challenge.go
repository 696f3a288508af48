package clinicauth

import (
	"context"
	"fmt"
	"sync"

	"github.com/clinicportal/clinicauth/internal/authapi"
	"github.com/clinicportal/clinicauth/internal/cooldown"
	"github.com/clinicportal/clinicauth/internal/validate"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ChallengeState is the controller state of a two-factor challenge.
type ChallengeState uint8

const (
	// StateChannelSelect awaits code entry on the active channel.
	StateChannelSelect ChallengeState = iota
	// StateVerifying has one verify request in flight.
	StateVerifying
	// StateFailed holds the last verification error; retry is allowed.
	StateFailed
	// StateCancelled is terminal: the user went back or a newer flow replaced it.
	StateCancelled
	// StateVerified is terminal: the session was handed to the Establisher.
	StateVerified
)

func (s ChallengeState) String() string {
	switch s {
	case StateChannelSelect:
		return "channel_select"
	case StateVerifying:
		return "verifying"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	case StateVerified:
		return "verified"
	default:
		return "unknown"
	}
}

func (s ChallengeState) closed() bool {
	return s == StateCancelled || s == StateVerified
}

// ChallengeSnapshot is an immutable view of a challenge for rendering.
type ChallengeSnapshot struct {
	ID            string
	State         ChallengeState
	Active        Channel
	Methods       ChannelSet
	MaskedPhone   string
	MaskedEmail   string
	Code          string
	AttemptsMade  int
	AttemptsLeft  int
	AttemptsKnown bool
	Err           error
	Cooldown      int
	InFlight      bool
}

// Challenge is the two-factor controller for one server challenge. The
// tempToken is echoed on every call and is the only correlation with the
// server; ID identifies this client-side instance.
type Challenge struct {
	id          string
	tempToken   string
	maskedPhone string
	owner       *Orchestrator
	cooldown    *cooldown.Timer
	logger      *zap.Logger

	mu            sync.Mutex
	maskedEmail   string
	methods       ChannelSet
	active        Channel
	state         ChallengeState
	codes         [channelCount]string
	err           error
	inFlight      bool
	attemptsMade  int
	attemptsLeft  int
	attemptsKnown bool
}

func newChallenge(owner *Orchestrator, tempToken string, methods ChannelSet, maskedPhone, maskedEmail string) *Challenge {
	c := &Challenge{
		id:          uuid.NewString(),
		tempToken:   tempToken,
		maskedPhone: maskedPhone,
		maskedEmail: maskedEmail,
		owner:       owner,
		methods:     methods,
		active:      defaultChannel(methods),
		state:       StateChannelSelect,
	}
	c.logger = owner.logger.With(zap.String("challenge_id", c.id))

	var onTick func(int)
	if owner.onCooldown != nil {
		listener := owner.onCooldown
		onTick = func(remaining int) { listener(c.id, remaining) }
	}
	c.cooldown = cooldown.New(owner.clock, owner.config.TwoFactor.ResendCooldown, owner.config.TwoFactor.TickInterval, onTick)
	return c
}

func defaultChannel(methods ChannelSet) Channel {
	switch {
	case methods.Has(ChannelSMS):
		return ChannelSMS
	case methods.Has(ChannelEmail):
		return ChannelEmail
	case methods.Has(ChannelBackup):
		return ChannelBackup
	default:
		return ChannelEmail
	}
}

func (c *Challenge) ID() string {
	return c.id
}

func (c *Challenge) MaskedPhone() string {
	return c.maskedPhone
}

func (c *Challenge) MaskedEmail() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maskedEmail
}

// Active returns the channel a submitted code targets.
func (c *Challenge) Active() Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Methods returns the channels this challenge accepts.
func (c *Challenge) Methods() ChannelSet {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.methods
}

func (c *Challenge) State() ChallengeState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the error shown inline, if any.
func (c *Challenge) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Cooldown returns the seconds left before Resend is allowed.
func (c *Challenge) Cooldown() int {
	return c.cooldown.Remaining()
}

// CooldownDone is closed when the current cooldown ticker stops.
func (c *Challenge) CooldownDone() <-chan struct{} {
	return c.cooldown.Done()
}

// CanResend reports whether Resend would currently be attempted.
func (c *Challenge) CanResend() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.state.closed() && !c.inFlight && c.active.Resendable() && !c.cooldown.Active()
}

// CanFallbackToEmail reports whether EmailFallback is offered.
func (c *Challenge) CanFallbackToEmail() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.state.closed() && !c.inFlight && c.active == ChannelSMS
}

func (c *Challenge) Snapshot() ChallengeSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ChallengeSnapshot{
		ID:            c.id,
		State:         c.state,
		Active:        c.active,
		Methods:       c.methods,
		MaskedPhone:   c.maskedPhone,
		MaskedEmail:   c.maskedEmail,
		Code:          c.codes[c.active],
		AttemptsMade:  c.attemptsMade,
		AttemptsLeft:  c.attemptsLeft,
		AttemptsKnown: c.attemptsKnown,
		Err:           c.err,
		Cooldown:      c.cooldown.Remaining(),
		InFlight:      c.inFlight,
	}
}

// Code returns the typed code of ch.
func (c *Challenge) Code(ch Channel) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ch >= channelCount {
		return ""
	}
	return c.codes[ch]
}

// SelectChannel makes ch active. ch must be one of Methods. The newly active
// field and any error are cleared; other channels keep their typed codes.
func (c *Challenge) SelectChannel(ch Channel) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.closed() {
		return ErrChallengeClosed
	}
	if c.inFlight {
		return ErrRequestInFlight
	}
	if !c.methods.Has(ch) {
		return fmt.Errorf("%w: %s not in %s", ErrChannelUnavailable, ch, c.methods)
	}
	c.active = ch
	c.codes[ch] = ""
	c.err = nil
	c.state = StateChannelSelect
	return nil
}

// SetCode stores the free-text code of the active channel.
func (c *Challenge) SetCode(code string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.closed() {
		return ErrChallengeClosed
	}
	c.codes[c.active] = code
	return nil
}

// SubmitCode verifies the active channel's code. On success the session is
// established and the challenge closes. On failure the challenge moves to
// StateFailed and stays usable until the server invalidates the tempToken.
func (c *Challenge) SubmitCode(ctx context.Context) (*LoginOutcome, error) {
	c.mu.Lock()
	if c.state.closed() {
		c.mu.Unlock()
		return nil, ErrChallengeClosed
	}
	if c.inFlight {
		c.mu.Unlock()
		return nil, ErrRequestInFlight
	}
	ch := c.active
	req, err := c.verifyRequest(ch, c.codes[ch])
	if err != nil {
		c.err = err
		c.mu.Unlock()
		c.owner.metrics.Inc(MetricValidationRejected)
		return nil, err
	}
	c.inFlight = true
	c.state = StateVerifying
	c.attemptsMade++
	c.mu.Unlock()

	resp, apiErr := c.owner.api.VerifyTwoFactor(ctx, req)

	if !c.owner.isLive(c) {
		c.finishStale("verify")
		return nil, ErrChallengeClosed
	}

	c.mu.Lock()
	c.inFlight = false
	if c.state.closed() {
		c.mu.Unlock()
		c.finishStale("verify")
		return nil, ErrChallengeClosed
	}

	if apiErr == nil && (resp.Token == "" || resp.User == nil) {
		apiErr = fmt.Errorf("%w: 2fa verify response without token or user", ErrMalformedResponse)
	}
	if apiErr != nil {
		mapped := classify(apiErr, scopeCode)
		c.state = StateFailed
		c.err = mapped
		if cerr, ok := mapped.(*ChallengeError); ok && cerr.AttemptsKnown {
			c.attemptsKnown = true
			c.attemptsLeft = cerr.AttemptsLeft
		}
		attemptsLeft, known := c.attemptsLeft, c.attemptsKnown
		c.mu.Unlock()

		c.owner.recordAPIFailure(mapped)
		c.owner.metrics.Inc(MetricTwoFactorFailure)
		if cerr, ok := mapped.(*ChallengeError); ok && cerr.Reused {
			c.owner.metrics.Inc(MetricBackupCodeReused)
		}
		fields := []zap.Field{zap.Stringer("channel", ch), zap.Error(mapped)}
		if known {
			fields = append(fields, zap.Int("attempts_left", attemptsLeft))
		}
		c.logger.Info("two-factor code rejected", fields...)
		c.owner.emitAudit(ctx, AuditEvent{
			EventType:   auditEventTwoFactorFailure,
			ChallengeID: c.id,
			Channel:     ch.String(),
			Error:       mapped.Error(),
		})
		return nil, mapped
	}

	c.state = StateVerified
	c.err = nil
	c.codes = [channelCount]string{}
	c.mu.Unlock()
	c.cooldown.Stop()
	c.owner.release(c)

	user := fromWireUser(resp.User)
	c.owner.metrics.Inc(MetricTwoFactorSuccess)
	c.owner.emitAudit(ctx, AuditEvent{
		EventType:   auditEventTwoFactorSuccess,
		ChallengeID: c.id,
		Channel:     ch.String(),
		UserID:      user.ID,
		Role:        user.Role,
		Success:     true,
	})
	return c.owner.establish(ctx, "two_factor", resp.Token, user)
}

// verifyRequest fills exactly one code field. Caller holds c.mu.
func (c *Challenge) verifyRequest(ch Channel, raw string) (authapi.TwoFactorVerifyRequest, error) {
	req := authapi.TwoFactorVerifyRequest{TempToken: c.tempToken}
	switch ch {
	case ChannelSMS:
		code, err := validate.OTP(raw)
		if err != nil {
			return req, invalid("smsCode", err)
		}
		req.SMSCode = code
	case ChannelEmail:
		code, err := validate.OTP(raw)
		if err != nil {
			return req, invalid("emailCode", err)
		}
		req.EmailCode = code
	case ChannelBackup:
		code, err := validate.BackupCode(raw)
		if err != nil {
			return req, invalid("backupCode", err)
		}
		req.BackupCode = code
	default:
		return req, ErrChannelUnavailable
	}
	return req, nil
}

// Resend asks the server for a new code on ch (sms or email). It is refused
// while the cooldown runs or a request is in flight. A successful resend
// restarts the cooldown; a failed one leaves it untouched.
func (c *Challenge) Resend(ctx context.Context, ch Channel) error {
	c.mu.Lock()
	if c.state.closed() {
		c.mu.Unlock()
		return ErrChallengeClosed
	}
	if !ch.Resendable() || !c.methods.Has(ch) {
		c.mu.Unlock()
		return fmt.Errorf("%w: cannot resend over %s", ErrChannelUnavailable, ch)
	}
	if c.inFlight {
		c.mu.Unlock()
		return ErrRequestInFlight
	}
	if remaining := c.cooldown.Remaining(); remaining > 0 {
		c.mu.Unlock()
		return fmt.Errorf("%w: %ds left", ErrCooldownActive, remaining)
	}
	c.inFlight = true
	c.mu.Unlock()

	_, apiErr := c.owner.api.ResendTwoFactor(ctx, authapi.TwoFactorResendRequest{
		TempToken: c.tempToken,
		Method:    ch.String(),
	})

	if !c.owner.isLive(c) {
		c.finishStale("resend")
		return ErrChallengeClosed
	}

	c.mu.Lock()
	c.inFlight = false
	if c.state.closed() {
		c.mu.Unlock()
		c.finishStale("resend")
		return ErrChallengeClosed
	}
	if apiErr != nil {
		mapped := classify(apiErr, scopeCode)
		c.err = mapped
		c.mu.Unlock()

		c.owner.recordAPIFailure(mapped)
		c.owner.metrics.Inc(MetricTwoFactorResendRejected)
		c.logger.Info("two-factor resend rejected", zap.Stringer("channel", ch), zap.Error(mapped))
		c.owner.emitAudit(ctx, AuditEvent{
			EventType:   auditEventTwoFactorResend,
			ChallengeID: c.id,
			Channel:     ch.String(),
			Error:       mapped.Error(),
		})
		return mapped
	}
	c.err = nil
	c.cooldown.Restart()
	c.mu.Unlock()

	c.owner.metrics.Inc(MetricTwoFactorResend)
	c.logger.Info("two-factor code resent", zap.Stringer("channel", ch))
	c.owner.emitAudit(ctx, AuditEvent{
		EventType:   auditEventTwoFactorResend,
		ChallengeID: c.id,
		Channel:     ch.String(),
		Success:     true,
	})
	return nil
}

// EmailFallback asks the server to send a code by email and switches the
// active channel to email. Only offered while SMS is active; email joins
// Methods even when the original challenge did not list it.
func (c *Challenge) EmailFallback(ctx context.Context) error {
	c.mu.Lock()
	if c.state.closed() {
		c.mu.Unlock()
		return ErrChallengeClosed
	}
	if c.active != ChannelSMS {
		c.mu.Unlock()
		return ErrFallbackUnavailable
	}
	if c.inFlight {
		c.mu.Unlock()
		return ErrRequestInFlight
	}
	c.inFlight = true
	c.mu.Unlock()

	resp, apiErr := c.owner.api.EmailFallback(ctx, authapi.EmailFallbackRequest{TempToken: c.tempToken})

	if !c.owner.isLive(c) {
		c.finishStale("email_fallback")
		return ErrChallengeClosed
	}

	c.mu.Lock()
	c.inFlight = false
	if c.state.closed() {
		c.mu.Unlock()
		c.finishStale("email_fallback")
		return ErrChallengeClosed
	}
	if apiErr != nil {
		mapped := classify(apiErr, scopeCode)
		c.err = mapped
		c.mu.Unlock()

		c.owner.recordAPIFailure(mapped)
		c.logger.Info("email fallback rejected", zap.Error(mapped))
		c.owner.emitAudit(ctx, AuditEvent{
			EventType:   auditEventTwoFactorFallback,
			ChallengeID: c.id,
			Channel:     ChannelEmail.String(),
			Error:       mapped.Error(),
		})
		return mapped
	}
	c.methods = c.methods.With(ChannelEmail)
	c.active = ChannelEmail
	c.codes[ChannelEmail] = ""
	c.err = nil
	c.state = StateChannelSelect
	if resp.Email != "" {
		c.maskedEmail = resp.Email
	}
	c.mu.Unlock()

	c.owner.metrics.Inc(MetricTwoFactorEmailFallback)
	c.logger.Info("switched to email fallback")
	c.owner.emitAudit(ctx, AuditEvent{
		EventType:   auditEventTwoFactorFallback,
		ChallengeID: c.id,
		Channel:     ChannelEmail.String(),
		Success:     true,
	})
	return nil
}

// Cancel abandons the challenge and returns control to credential entry. All
// channel state is discarded. Repeated calls are no-ops.
func (c *Challenge) Cancel() {
	if !c.close(StateCancelled) {
		return
	}
	c.owner.release(c)
}

// close moves c to a terminal state and stops its timer. Reports whether this
// call performed the transition.
func (c *Challenge) close(state ChallengeState) bool {
	c.mu.Lock()
	if c.state.closed() {
		c.mu.Unlock()
		return false
	}
	c.state = state
	c.codes = [channelCount]string{}
	c.err = nil
	c.mu.Unlock()
	c.cooldown.Stop()

	if state == StateCancelled {
		c.owner.metrics.Inc(MetricTwoFactorCancelled)
		c.logger.Info("two-factor challenge cancelled")
		c.owner.emitAudit(context.Background(), AuditEvent{
			EventType:   auditEventTwoFactorCancelled,
			ChallengeID: c.id,
		})
	}
	return true
}

// finishStale records a response that arrived after c stopped being live. The
// response is not applied.
func (c *Challenge) finishStale(op string) {
	c.mu.Lock()
	c.inFlight = false
	c.mu.Unlock()

	c.owner.metrics.Inc(MetricStaleResponseDiscarded)
	c.logger.Info("discarded response for closed challenge", zap.String("op", op))
	c.owner.emitAudit(context.Background(), AuditEvent{
		EventType:   auditEventStaleResponseDiscarded,
		ChallengeID: c.id,
		Metadata:    map[string]string{"op": op},
	})
}
