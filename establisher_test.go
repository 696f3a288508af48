package clinicauth

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/clinicportal/clinicauth/session"
)

func TestDestinationForRoles(t *testing.T) {
	routes := DefaultConfig().Routes
	cases := map[string]Destination{
		"patient":      "/patient/dashboard",
		"admin":        "/dashboard",
		"doctor":       "/dashboard",
		"receptionist": "/dashboard",
		"Patient":      "/dashboard",
		"":             "/dashboard",
	}
	for role, want := range cases {
		if got := DestinationFor(role, routes); got != want {
			t.Fatalf("DestinationFor(%q): got %q want %q", role, got, want)
		}
	}
}

func TestEstablishPersistFailurePublishesNothing(t *testing.T) {
	resident := &failingResident{MemoryResidentStore: session.NewMemoryResidentStore(), failSet: true}
	h := newHarness(t, withResident(resident))

	_, err := h.orch.SubmitLogin(context.Background(), patientEmail, testPassword)
	if !errors.Is(err, ErrSessionPersist) || !errors.Is(err, session.ErrPersist) {
		t.Fatalf("expected ErrSessionPersist, got %v", err)
	}
	if h.orch.Identity().Authenticated() {
		t.Fatal("failed persist must not publish an identity")
	}
	if _, ok, _ := h.cookies.Cookie(context.Background(), session.KeyToken); ok {
		t.Fatal("cookie write must be rolled back")
	}
	if h.orch.metrics.Value(MetricSessionPersistFailure) != 1 {
		t.Fatal("persist failure not counted")
	}
}

func TestEstablishKeepsUnknownUserFields(t *testing.T) {
	h := newHarness(t)
	user := User{
		ID:    "u-1",
		Role:  "patient",
		Extra: map[string]json.RawMessage{"clinicId": json.RawMessage(`"krk-01"`)},
	}

	if _, err := h.orch.Establisher().Establish(context.Background(), "tok-extra", user); err != nil {
		t.Fatalf("Establish failed: %v", err)
	}
	s, _, err := h.orch.Establisher().Restore(context.Background())
	if err != nil || s == nil {
		t.Fatalf("Restore failed: %v", err)
	}
	if string(s.User.Extra["clinicId"]) != `"krk-01"` {
		t.Fatalf("extra field lost: %v", s.User.Extra)
	}
}

// buildProcess builds an orchestrator the way a fresh client process would:
// nothing shared with h except Redis and the config.
func (h *harness) buildProcess(cfg Config) *Orchestrator {
	h.t.Helper()
	orch, err := New().WithConfig(cfg).WithRedis(h.rdb).Build()
	if err != nil {
		h.t.Fatalf("Build failed: %v", err)
	}
	h.t.Cleanup(orch.Close)
	return orch
}

func TestRestoreAfterRestart(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	cfg := h.orch.Config()
	cfg.Session.CookieFile = filepath.Join(t.TempDir(), "cookies.json")

	first := h.buildProcess(cfg)
	out, err := first.SubmitLogin(ctx, doctorEmail, testPassword)
	if err != nil {
		t.Fatalf("SubmitLogin failed: %v", err)
	}

	restarted := h.buildProcess(cfg)
	s, dest, err := restarted.Restore(ctx)
	if err != nil || s == nil {
		t.Fatalf("Restore failed: %v %v", s, err)
	}
	if s.Token != out.Session.Token || s.User.ID != "u-doctor" || dest != "/dashboard" {
		t.Fatalf("unexpected restored session %+v -> %q", s, dest)
	}
	if !restarted.Identity().Authenticated() {
		t.Fatal("restored session must be published")
	}
	if !h.mr.Exists("clinic:" + session.KeyToken) {
		t.Fatal("restore must keep the resident session")
	}

	if err := restarted.Logout(ctx); err != nil {
		t.Fatalf("Logout failed: %v", err)
	}
	again := h.buildProcess(cfg)
	if s, _, err := again.Restore(ctx); err != nil || s != nil {
		t.Fatalf("expected no session after logout, got %v %v", s, err)
	}
}

func TestRestoreWithoutCookieFileDiscardsResidentHalf(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	cfg := h.orch.Config()

	if _, err := h.buildProcess(cfg).SubmitLogin(ctx, doctorEmail, testPassword); err != nil {
		t.Fatalf("SubmitLogin failed: %v", err)
	}
	s, _, err := h.buildProcess(cfg).Restore(ctx)
	if err != nil || s != nil {
		t.Fatalf("memory cookies cannot restore, got %v %v", s, err)
	}
	if len(h.mr.Keys()) != 0 {
		t.Fatalf("half-present session must be cleared, keys %v", h.mr.Keys())
	}
}

func TestRestoreClearsInconsistentStores(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.orch.SubmitLogin(ctx, patientEmail, testPassword); err != nil {
		t.Fatalf("SubmitLogin failed: %v", err)
	}
	h.mr.Del("clinic:" + session.KeyUser)

	s, _, err := h.orch.Restore(ctx)
	if err != nil || s != nil {
		t.Fatalf("expected no session, got %v %v", s, err)
	}
	if h.orch.Identity().Authenticated() {
		t.Fatal("inconsistent stores must not leave an identity")
	}
	h.assertStoresEmpty()
}

func TestRestoreWithNothingPersisted(t *testing.T) {
	h := newHarness(t)

	s, dest, err := h.orch.Restore(context.Background())
	if err != nil || s != nil || dest != "" {
		t.Fatalf("expected empty restore, got %v %q %v", s, dest, err)
	}
}

func TestLogoutIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.orch.SubmitLogin(ctx, patientEmail, testPassword); err != nil {
		t.Fatalf("SubmitLogin failed: %v", err)
	}
	for i := range 2 {
		if err := h.orch.Logout(ctx); err != nil {
			t.Fatalf("Logout #%d failed: %v", i+1, err)
		}
	}
	if h.orch.Identity().Authenticated() {
		t.Fatal("identity must be cleared")
	}
	h.assertStoresEmpty()
	if h.mr.Exists("clinic:" + session.KeyToken) {
		t.Fatal("redis token must be deleted")
	}
	if h.orch.metrics.Value(MetricSessionCleared) != 1 {
		t.Fatalf("cleared counted %d times", h.orch.metrics.Value(MetricSessionCleared))
	}
}

func TestLogoutClearFailureStillDropsIdentity(t *testing.T) {
	resident := &failingResident{MemoryResidentStore: session.NewMemoryResidentStore()}
	h := newHarness(t, withResident(resident))
	ctx := context.Background()

	if _, err := h.orch.SubmitLogin(ctx, patientEmail, testPassword); err != nil {
		t.Fatalf("SubmitLogin failed: %v", err)
	}
	resident.failDelete = true

	err := h.orch.Logout(ctx)
	if !errors.Is(err, ErrSessionClear) {
		t.Fatalf("expected ErrSessionClear, got %v", err)
	}
	if h.orch.Identity().Authenticated() {
		t.Fatal("identity must be cleared even when a store fails")
	}
	if _, ok, _ := h.cookies.Cookie(ctx, session.KeyToken); ok {
		t.Fatal("cookies must still be cleared")
	}
}

func TestLogoutCancelsChallenge(t *testing.T) {
	h := newHarness(t)
	c := h.startChallenge(guardedEmail)

	if err := h.orch.Logout(context.Background()); err != nil {
		t.Fatalf("Logout failed: %v", err)
	}
	if c.State() != StateCancelled {
		t.Fatalf("challenge state: got %s", c.State())
	}
}

// logoutOnEstablish signs the user out as soon as the session is published.
type logoutOnEstablish struct {
	orch *Orchestrator
}

func (s *logoutOnEstablish) Emit(ctx context.Context, event AuditEvent) {
	if event.EventType == auditEventSessionEstablished && s.orch != nil {
		_ = s.orch.Establisher().Teardown(ctx)
	}
}

func TestEstablishOutcomeIgnoresLaterTeardown(t *testing.T) {
	sink := &logoutOnEstablish{}
	h := newHarness(t, func(_ *harness, b *Builder) {
		b.WithAuditSink(sink)
	})
	sink.orch = h.orch

	out, err := h.orch.SubmitLogin(context.Background(), doctorEmail, testPassword)
	if err != nil {
		t.Fatalf("SubmitLogin failed: %v", err)
	}
	if out.Session == nil || out.Session.Token == "" {
		t.Fatalf("outcome lost its session: %+v", out)
	}
	if out.Session.User.ID != "u-doctor" || out.Destination != "/dashboard" {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if h.orch.Identity().Authenticated() {
		t.Fatal("teardown should have cleared the identity")
	}
}
