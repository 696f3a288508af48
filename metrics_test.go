package clinicauth

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestMetricsDisabledNoIncrement(t *testing.T) {
	m := NewMetrics(MetricsConfig{Enabled: false})
	m.Inc(MetricLoginSuccess)

	if got := m.Value(MetricLoginSuccess); got != 0 {
		t.Fatalf("expected 0, got %d", got)
	}
	if snap := m.Snapshot(); len(snap.Counters) != 0 {
		t.Fatalf("disabled snapshot must be empty, got %v", snap.Counters)
	}
}

func TestMetricsEnabledIncrement(t *testing.T) {
	m := NewMetrics(MetricsConfig{Enabled: true})
	m.Inc(MetricLoginSuccess)
	m.Inc(MetricLoginSuccess)
	m.Inc(MetricLoginSuccess)

	if got := m.Value(MetricLoginSuccess); got != 3 {
		t.Fatalf("expected 3, got %d", got)
	}
}

func TestMetricsOutOfRangeIgnored(t *testing.T) {
	m := NewMetrics(MetricsConfig{Enabled: true})
	m.Inc(metricIDCount)
	if got := m.Value(metricIDCount); got != 0 {
		t.Fatalf("expected 0, got %d", got)
	}

	var nilMetrics *Metrics
	nilMetrics.Inc(MetricLoginSuccess)
	if nilMetrics.Enabled() {
		t.Fatal("nil metrics must report disabled")
	}
}

func TestMetricsConcurrentIncrementSafe(t *testing.T) {
	m := NewMetrics(MetricsConfig{Enabled: true})

	const goroutines = 32
	const perG = 4000

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < perG; j++ {
				m.Inc(MetricTwoFactorResend)
			}
		}()
	}
	wg.Wait()

	want := uint64(goroutines * perG)
	if got := m.Value(MetricTwoFactorResend); got != want {
		t.Fatalf("expected %d, got %d", want, got)
	}
}

func TestMetricsHistogramBucketCorrectness(t *testing.T) {
	m := NewMetrics(MetricsConfig{
		Enabled:                 true,
		EnableLatencyHistograms: true,
	})

	observations := []time.Duration{
		10 * time.Millisecond,
		75 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		900 * time.Millisecond,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
	}

	for _, d := range observations {
		m.Observe(MetricAPILatency, d)
	}
	// Only the latency metric carries a histogram.
	m.Observe(MetricLoginSuccess, time.Millisecond)

	snap := m.Snapshot()
	buckets := snap.Histograms[MetricAPILatency]
	if len(buckets) != 8 {
		t.Fatalf("expected 8 buckets, got %d", len(buckets))
	}

	for i, v := range buckets {
		if v != 1 {
			t.Fatalf("bucket %d expected 1, got %d", i, v)
		}
	}
	if _, ok := snap.Histograms[MetricLoginSuccess]; ok {
		t.Fatal("unexpected histogram for a counter")
	}
}

func TestMetricsSnapshotConsistency(t *testing.T) {
	m := NewMetrics(MetricsConfig{
		Enabled:                 true,
		EnableLatencyHistograms: true,
	})
	m.Inc(MetricLoginSuccess)
	m.Inc(MetricLoginFailure)
	m.Inc(MetricLoginFailure)
	m.Observe(MetricAPILatency, 2*time.Millisecond)

	snap := m.Snapshot()

	if snap.Counters[MetricLoginSuccess] != 1 {
		t.Fatalf("expected MetricLoginSuccess=1 got %d", snap.Counters[MetricLoginSuccess])
	}
	if snap.Counters[MetricLoginFailure] != 2 {
		t.Fatalf("expected MetricLoginFailure=2 got %d", snap.Counters[MetricLoginFailure])
	}
	if _, ok := snap.Counters[MetricAPILatency]; ok {
		t.Fatal("latency must not appear as a counter")
	}
	if snap.Histograms[MetricAPILatency][0] != 1 {
		t.Fatalf("expected first histogram bucket=1 got %d", snap.Histograms[MetricAPILatency][0])
	}
}

func TestOrchestratorRecordsAPILatency(t *testing.T) {
	h := newHarness(t)

	if _, err := h.orch.SubmitLogin(context.Background(), patientEmail, testPassword); err != nil {
		t.Fatalf("SubmitLogin failed: %v", err)
	}
	var total uint64
	for _, v := range h.orch.MetricsSnapshot().Histograms[MetricAPILatency] {
		total += v
	}
	if total != 1 {
		t.Fatalf("expected one latency observation, got %d", total)
	}
}

func TestOrchestratorMetricsDisabled(t *testing.T) {
	h := newHarness(t, func(_ *harness, b *Builder) { b.WithMetricsEnabled(false) })

	_, _ = h.orch.SubmitLogin(context.Background(), patientEmail, "wrong-password")
	if got := h.orch.metrics.Value(MetricLoginFailure); got != 0 {
		t.Fatalf("disabled metrics counted %d", got)
	}
}

func TestOrchestratorFlowState(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if st := h.orch.FlowState(); st != (FlowState{}) {
		t.Fatalf("idle orchestrator reported %+v", st)
	}

	c := h.startChallenge(guardedEmail)
	st := h.orch.FlowState()
	if !st.ChallengeLive || st.ChallengeState != StateChannelSelect || st.SessionActive {
		t.Fatalf("expected a live challenge, got %+v", st)
	}
	c.Cancel()

	if _, err := h.orch.SubmitRegistration(ctx, validRegistration()); err != nil {
		t.Fatalf("SubmitRegistration failed: %v", err)
	}
	if st := h.orch.FlowState(); st.ChallengeLive || !st.RegistrationPending {
		t.Fatalf("expected a pending registration only, got %+v", st)
	}
	h.orch.AbandonRegistration(ctx)

	if _, err := h.orch.SubmitLogin(ctx, patientEmail, testPassword); err != nil {
		t.Fatalf("SubmitLogin failed: %v", err)
	}
	if st := h.orch.FlowState(); st != (FlowState{SessionActive: true}) {
		t.Fatalf("expected an active session only, got %+v", st)
	}
}

func TestOrchestratorAuditDropped(t *testing.T) {
	inner := &blockingSink{gate: make(chan struct{})}
	async := NewAsyncSink(inner, 1, true)
	h := newHarness(t, func(_ *harness, b *Builder) { b.WithAuditSink(async) })
	defer func() {
		close(inner.gate)
		async.Close()
	}()

	deadline := time.Now().Add(2 * time.Second)
	for async.Dropped() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("expected drops with a stalled sink")
		}
		async.Emit(context.Background(), AuditEvent{EventType: auditEventLoginFailure})
	}
	if got, want := h.orch.AuditDropped(), async.Dropped(); got != want || got == 0 {
		t.Fatalf("AuditDropped: got %d want %d", got, want)
	}

	plain := newHarness(t)
	if plain.orch.AuditDropped() != 0 {
		t.Fatal("a synchronous sink never drops")
	}
}
