package otel

import (
	"context"
	"sync"
	"testing"

	"github.com/clinicportal/clinicauth"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

type fakeSource struct {
	mu       sync.RWMutex
	snapshot clinicauth.MetricsSnapshot
	dropped  uint64
	flow     clinicauth.FlowState
}

func (f *fakeSource) AuditDropped() uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.dropped
}

func (f *fakeSource) FlowState() clinicauth.FlowState {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.flow
}

func (f *fakeSource) MetricsSnapshot() clinicauth.MetricsSnapshot {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := clinicauth.MetricsSnapshot{
		Counters:   make(map[clinicauth.MetricID]uint64, len(f.snapshot.Counters)),
		Histograms: make(map[clinicauth.MetricID][]uint64, len(f.snapshot.Histograms)),
	}
	for k, v := range f.snapshot.Counters {
		out.Counters[k] = v
	}
	for k, buckets := range f.snapshot.Histograms {
		out.Histograms[k] = append([]uint64(nil), buckets...)
	}
	return out
}

type stalledSink struct {
	gate chan struct{}
}

func (s stalledSink) Emit(context.Context, clinicauth.AuditEvent) { <-s.gate }

func newMeter() (*sdkmetric.ManualReader, *sdkmetric.MeterProvider) {
	reader := sdkmetric.NewManualReader()
	return reader, sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
}

func findSum(rm metricdata.ResourceMetrics, name string) (int64, bool) {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok && len(sum.DataPoints) > 0 {
				return sum.DataPoints[0].Value, true
			}
		}
	}
	return 0, false
}

func findGauge(rm metricdata.ResourceMetrics, name string) (int64, bool) {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			if g, ok := m.Data.(metricdata.Gauge[int64]); ok && len(g.DataPoints) > 0 {
				return g.DataPoints[0].Value, true
			}
		}
	}
	return 0, false
}

func TestExporterRegistersAndCollects(t *testing.T) {
	reader, provider := newMeter()
	meter := provider.Meter("clinicauth-test")

	src := &fakeSource{
		snapshot: clinicauth.MetricsSnapshot{
			Counters: map[clinicauth.MetricID]uint64{
				clinicauth.MetricTwoFactorSuccess: 3,
			},
			Histograms: map[clinicauth.MetricID][]uint64{
				clinicauth.MetricAPILatency: {1, 1, 1, 1, 1, 1, 1, 1},
			},
		},
	}

	exp, err := NewOTelExporterFromSource(meter, src)
	if err != nil {
		t.Fatalf("NewOTelExporterFromSource failed: %v", err)
	}
	defer func() {
		if err := exp.Close(); err != nil {
			t.Fatalf("Close failed: %v", err)
		}
	}()

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	if v, ok := findSum(rm, "clinicauth_two_factor_success_total"); !ok || v != 3 {
		t.Fatalf("two-factor counter: got %d (found=%v)", v, ok)
	}
	if v, ok := findGauge(rm, "clinicauth_api_latency_seconds_count"); !ok || v != 8 {
		t.Fatalf("latency count: got %d (found=%v)", v, ok)
	}
	if v, ok := findGauge(rm, "clinicauth_api_latency_seconds_bucket_le_0_25"); !ok || v != 3 {
		t.Fatalf("latency bucket: got %d (found=%v)", v, ok)
	}
}

func TestExporterObservesAuditDropAndFlowState(t *testing.T) {
	reader, provider := newMeter()
	meter := provider.Meter("clinicauth-test")

	src := &fakeSource{
		dropped: 4,
		flow: clinicauth.FlowState{
			ChallengeLive:       true,
			ChallengeState:      clinicauth.StateVerifying,
			ResendCooldown:      12,
			RegistrationPending: true,
		},
	}

	exp, err := NewOTelExporterFromSource(meter, src)
	if err != nil {
		t.Fatalf("NewOTelExporterFromSource failed: %v", err)
	}
	defer func() {
		if err := exp.Close(); err != nil {
			t.Fatalf("Close failed: %v", err)
		}
	}()

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	if v, ok := findSum(rm, "clinicauth_audit_dropped_total"); !ok || v != 4 {
		t.Fatalf("audit dropped: got %d (found=%v)", v, ok)
	}
	for name, want := range map[string]int64{
		"clinicauth_challenge_live":          1,
		"clinicauth_challenge_verifying":     1,
		"clinicauth_resend_cooldown_seconds": 12,
		"clinicauth_registration_pending":    1,
		"clinicauth_session_active":          0,
	} {
		if v, ok := findGauge(rm, name); !ok || v != want {
			t.Fatalf("%s: got %d want %d (found=%v)", name, v, want, ok)
		}
	}

	src.mu.Lock()
	src.flow = clinicauth.FlowState{SessionActive: true}
	src.mu.Unlock()

	rm = metricdata.ResourceMetrics{}
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	if v, ok := findGauge(rm, "clinicauth_challenge_live"); !ok || v != 0 {
		t.Fatalf("challenge gauge after close: got %d (found=%v)", v, ok)
	}
	if v, ok := findGauge(rm, "clinicauth_session_active"); !ok || v != 1 {
		t.Fatalf("session gauge: got %d (found=%v)", v, ok)
	}
}

func TestExporterReadsOrchestratorAuditSink(t *testing.T) {
	reader, provider := newMeter()
	meter := provider.Meter("clinicauth-test")

	gate := make(chan struct{})
	sink := clinicauth.NewAsyncSink(stalledSink{gate: gate}, 1, true)
	defer func() {
		close(gate)
		sink.Close()
	}()
	orch, err := clinicauth.New().WithAuditSink(sink).Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	defer orch.Close()

	for sink.Dropped() == 0 {
		sink.Emit(context.Background(), clinicauth.AuditEvent{EventType: "two_factor_resend"})
	}

	exp, err := NewOTelExporter(meter, orch)
	if err != nil {
		t.Fatalf("NewOTelExporter failed: %v", err)
	}
	defer exp.Close()

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	if v, ok := findSum(rm, "clinicauth_audit_dropped_total"); !ok || v == 0 || v != int64(sink.Dropped()) {
		t.Fatalf("audit dropped: got %d want %d (found=%v)", v, sink.Dropped(), ok)
	}
	if v, ok := findGauge(rm, "clinicauth_session_active"); !ok || v != 0 {
		t.Fatalf("session gauge: got %d (found=%v)", v, ok)
	}
}

func TestExporterRejectsNil(t *testing.T) {
	_, provider := newMeter()
	meter := provider.Meter("clinicauth-test")

	if _, err := NewOTelExporterFromSource(meter, nil); err != ErrNilSource {
		t.Fatalf("expected ErrNilSource, got %v", err)
	}
	if _, err := NewOTelExporter(meter, nil); err != ErrNilSource {
		t.Fatalf("expected ErrNilSource, got %v", err)
	}
	if _, err := NewOTelExporterFromSource(nil, &fakeSource{}); err != ErrNilMeter {
		t.Fatalf("expected ErrNilMeter, got %v", err)
	}
}

func TestExporterConcurrentCollectNoPanic(t *testing.T) {
	reader, provider := newMeter()
	meter := provider.Meter("clinicauth-test")

	src := &fakeSource{
		snapshot: clinicauth.MetricsSnapshot{
			Counters: map[clinicauth.MetricID]uint64{
				clinicauth.MetricLoginSuccess: 1,
			},
			Histograms: map[clinicauth.MetricID][]uint64{
				clinicauth.MetricAPILatency: {1, 0, 0, 0, 0, 0, 0, 0},
			},
		},
	}

	exp, err := NewOTelExporterFromSource(meter, src)
	if err != nil {
		t.Fatalf("NewOTelExporterFromSource failed: %v", err)
	}
	defer func() {
		if err := exp.Close(); err != nil {
			t.Fatalf("Close failed: %v", err)
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(v uint64) {
			defer wg.Done()
			src.mu.Lock()
			src.snapshot.Counters[clinicauth.MetricLoginSuccess] = v
			src.mu.Unlock()

			var rm metricdata.ResourceMetrics
			_ = reader.Collect(context.Background(), &rm)
		}(uint64(i + 1))
	}
	wg.Wait()
}
