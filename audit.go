package clinicauth

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"
)

const (
	auditEventLoginSuccess           = "login_success"
	auditEventLoginFailure           = "login_failure"
	auditEventTwoFactorRequired      = "two_factor_required"
	auditEventTwoFactorSuccess       = "two_factor_success"
	auditEventTwoFactorFailure       = "two_factor_failure"
	auditEventTwoFactorResend        = "two_factor_resend"
	auditEventTwoFactorFallback      = "two_factor_email_fallback"
	auditEventTwoFactorCancelled     = "two_factor_cancelled"
	auditEventRegistrationRequested  = "registration_requested"
	auditEventRegistrationVerified   = "registration_verified"
	auditEventRegistrationFailure    = "registration_failure"
	auditEventRegistrationAbandoned  = "registration_abandoned"
	auditEventFederatedSuccess       = "federated_success"
	auditEventFederatedFailure       = "federated_failure"
	auditEventSessionEstablished     = "session_established"
	auditEventSessionPersistFailure  = "session_persist_failure"
	auditEventSessionCleared         = "session_cleared"
	auditEventSessionRestored        = "session_restored"
	auditEventStaleResponseDiscarded = "stale_response_discarded"
)

// AuditEvent is one orchestrator transition. It never carries codes,
// passwords or tokens.
type AuditEvent struct {
	Timestamp   time.Time         `json:"timestamp"`
	EventType   string            `json:"event_type"`
	UserID      string            `json:"user_id,omitempty"`
	Role        string            `json:"role,omitempty"`
	ChallengeID string            `json:"challenge_id,omitempty"`
	Channel     string            `json:"channel,omitempty"`
	Success     bool              `json:"success"`
	Error       string            `json:"error,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// AuditSink receives audit events synchronously from the calling goroutine.
type AuditSink interface {
	Emit(ctx context.Context, event AuditEvent)
}

type NoOpSink struct{}

func (NoOpSink) Emit(context.Context, AuditEvent) {}

// ChannelSink buffers events on a channel. Emit blocks when the buffer is full
// until the context is done.
type ChannelSink struct {
	events chan AuditEvent
}

func NewChannelSink(buffer int) *ChannelSink {
	if buffer <= 0 {
		buffer = 1
	}
	return &ChannelSink{
		events: make(chan AuditEvent, buffer),
	}
}

func (s *ChannelSink) Emit(ctx context.Context, event AuditEvent) {
	select {
	case s.events <- event:
	case <-ctx.Done():
	}
}

func (s *ChannelSink) Events() <-chan AuditEvent {
	return s.events
}

// JSONWriterSink writes one JSON document per line.
type JSONWriterSink struct {
	writer io.Writer
	mu     sync.Mutex
}

func NewJSONWriterSink(w io.Writer) *JSONWriterSink {
	return &JSONWriterSink{
		writer: w,
	}
}

func (s *JSONWriterSink) Emit(ctx context.Context, event AuditEvent) {
	if s == nil || s.writer == nil {
		return
	}
	data, err := json.Marshal(event)
	if err != nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, _ = s.writer.Write(data)
	_, _ = s.writer.Write([]byte("\n"))
}

func (o *Orchestrator) emitAudit(ctx context.Context, event AuditEvent) {
	if o.audit == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = o.clock.Now().UTC()
	}
	o.audit.Emit(ctx, event)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
