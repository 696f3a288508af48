package clinicauth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/clinicportal/clinicauth/authtest"
	"github.com/clinicportal/clinicauth/internal/authapi"
	"github.com/clinicportal/clinicauth/session"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
)

const (
	patientEmail = "anna@clinic.test"
	doctorEmail  = "dr.kowalski@clinic.test"
	guardedEmail = "guarded@clinic.test"
	smsOnlyEmail = "smsonly@clinic.test"
	noEmailEmail = "smsbackup@clinic.test"
	testPassword = "correct-horse"
	backupCode   = "ABCD1234"
)

type harness struct {
	t       *testing.T
	srv     *authtest.Server
	orch    *Orchestrator
	clock   *clockwork.FakeClock
	mr      *miniredis.Miniredis
	rdb     *redis.Client
	cookies *session.JarCookieStore
	audit   *ChannelSink
}

type harnessOption func(*harness, *Builder)

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()

	srv := authtest.NewServer(t)
	seedAccounts(srv)

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run failed: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = rdb.Close()
		mr.Close()
	})

	cookies, err := session.NewJarCookieStore(nil, srv.BaseURL())
	if err != nil {
		t.Fatalf("NewJarCookieStore failed: %v", err)
	}

	h := &harness{
		t:       t,
		srv:     srv,
		clock:   clockwork.NewFakeClockAt(time.Now()),
		mr:      mr,
		rdb:     rdb,
		cookies: cookies,
		audit:   NewChannelSink(1024),
	}

	cfg := DefaultConfig()
	cfg.API.BaseURL = srv.BaseURL()
	cfg.API.Timeout = 5 * time.Second
	cfg.Federated.Audience = authtest.GoogleAudience
	cfg.Federated.AllowedIssuers = []string{authtest.GoogleIssuer}

	b := New().
		WithConfig(cfg).
		WithRedis(rdb).
		WithCookieStore(cookies).
		WithClock(h.clock).
		WithAuditSink(h.audit)
	for _, opt := range opts {
		opt(h, b)
	}

	h.orch, err = b.Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	t.Cleanup(h.orch.Close)
	return h
}

func seedAccounts(srv *authtest.Server) {
	srv.AddAccount(authtest.Account{
		Password: testPassword,
		User:     authapi.User{ID: "u-patient", Email: patientEmail, FirstName: "Anna", LastName: "Nowak", Role: "patient"},
	})
	srv.AddAccount(authtest.Account{
		Password: testPassword,
		User:     authapi.User{ID: "u-doctor", Email: doctorEmail, FirstName: "Jan", LastName: "Kowalski", Role: "doctor"},
	})
	srv.AddAccount(authtest.Account{
		Password:    testPassword,
		User:        authapi.User{ID: "u-guarded", Email: guardedEmail, Role: "admin", Phone: "+48123456789"},
		Methods:     []string{"sms", "email", "backup"},
		BackupCodes: []string{backupCode},
	})
	srv.AddAccount(authtest.Account{
		Password: testPassword,
		User:     authapi.User{ID: "u-smsonly", Email: smsOnlyEmail, Role: "patient", Phone: "+48987654321"},
		Methods:  []string{"sms"},
	})
	srv.AddAccount(authtest.Account{
		Password:    testPassword,
		User:        authapi.User{ID: "u-smsbackup", Email: noEmailEmail, Role: "doctor", Phone: "+48555666777"},
		Methods:     []string{"sms", "backup"},
		BackupCodes: []string{"WXYZ9876"},
	})
}

// startChallenge logs in as a two-factor account and returns the live
// challenge.
func (h *harness) startChallenge(email string) *Challenge {
	h.t.Helper()
	out, err := h.orch.SubmitLogin(context.Background(), email, testPassword)
	if err != nil {
		h.t.Fatalf("SubmitLogin(%s) failed: %v", email, err)
	}
	if !out.RequiresTwoFactor() {
		h.t.Fatalf("expected two-factor challenge for %s", email)
	}
	return out.Challenge
}

// assertStoresEmpty checks that neither store holds a session.
func (h *harness) assertStoresEmpty() {
	h.t.Helper()
	if _, err := h.orch.establisher.store.Load(context.Background()); !errors.Is(err, session.ErrNotFound) {
		h.t.Fatalf("expected empty stores, got %v", err)
	}
}

// assertStoredToken checks both stores hold token.
func (h *harness) assertStoredToken(token string) {
	h.t.Helper()
	rec, err := h.orch.establisher.store.Load(context.Background())
	if err != nil {
		h.t.Fatalf("Load failed: %v", err)
	}
	if rec.Token != token {
		h.t.Fatalf("stored token mismatch: got %q want %q", rec.Token, token)
	}
	cookie, ok, err := h.cookies.Cookie(context.Background(), session.KeyToken)
	if err != nil || !ok || cookie != token {
		h.t.Fatalf("cookie token mismatch: %q %v %v", cookie, ok, err)
	}
	resident, err := h.mr.Get("clinic:" + session.KeyToken)
	if err != nil || resident != token {
		h.t.Fatalf("redis token mismatch: %q %v", resident, err)
	}
}

// events drains buffered audit events without blocking.
func (h *harness) events() []AuditEvent {
	var out []AuditEvent
	for {
		select {
		case e := <-h.audit.Events():
			out = append(out, e)
		default:
			return out
		}
	}
}

func hasEvent(events []AuditEvent, eventType string) bool {
	for _, e := range events {
		if e.EventType == eventType {
			return true
		}
	}
	return false
}

type failingResident struct {
	*session.MemoryResidentStore
	failSet    bool
	failDelete bool
}

func (f *failingResident) SetValues(ctx context.Context, values map[string]string, ttl time.Duration) error {
	if f.failSet {
		return errors.New("quota exceeded")
	}
	return f.MemoryResidentStore.SetValues(ctx, values, ttl)
}

func (f *failingResident) DeleteValues(ctx context.Context, keys ...string) error {
	if f.failDelete {
		return errors.New("storage locked")
	}
	return f.MemoryResidentStore.DeleteValues(ctx, keys...)
}

func withResident(store session.ResidentStore) harnessOption {
	return func(_ *harness, b *Builder) {
		b.WithResidentStore(store)
	}
}
