package monitor

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"audit-core/internal/events"
)

func TestPersistenceFaultLatchesUntilRecovered(t *testing.T) {
	bus := events.NewBus()
	faults, unsub := bus.Subscribe(events.TopicFault, 4)
	defer unsub()
	recoveries, unsubR := bus.Subscribe(events.TopicRecovered, 4)
	defer unsubR()

	h := NewHealth(bus)
	h.PersistenceFault(errors.New("disk full"), 3, true)

	if !h.Degraded() {
		t.Fatal("expected degraded after persistence fault")
	}
	if got := h.Count(PersistenceFault); got != 1 {
		t.Fatalf("count=%d", got)
	}
	msg := <-faults
	f, ok := msg.(Fault)
	if !ok || f.Kind != PersistenceFault || !strings.Contains(f.Message, "disk full") {
		t.Fatalf("unexpected bus payload %#v", msg)
	}

	snap := h.Snapshot()
	if snap.Status != "degraded" || len(snap.Active) != 1 || snap.LastFault == nil {
		t.Fatalf("unexpected snapshot %+v", snap)
	}

	h.PersistenceRecovered()
	if h.Degraded() {
		t.Fatal("expected recovery to clear degraded flag")
	}
	if r := (<-recoveries).(Recovery); r.Kind != PersistenceFault {
		t.Fatalf("recovery kind=%s", r.Kind)
	}
	if h.Snapshot().Status != "ok" {
		t.Fatal("expected ok status")
	}
	// counters survive recovery
	if h.Snapshot().Counts[PersistenceFault] != 1 {
		t.Fatal("expected fault count to be kept")
	}
}

func TestEvaluationFaultIsCountedNotLatched(t *testing.T) {
	h := NewHealth(nil)
	h.Report(Fault{Kind: EvaluationFault, Component: "risk", Message: "rule evaluation failure: exploding"})
	h.Report(Fault{Kind: EvaluationFault, Component: "explain", Message: "template panicked"})

	if h.Degraded() {
		t.Fatal("evaluation faults must not degrade the pipeline")
	}
	if got := h.Count(EvaluationFault); got != 2 {
		t.Fatalf("count=%d", got)
	}
}

func TestRecoveredIgnoresInactiveKind(t *testing.T) {
	bus := events.NewBus()
	recoveries, unsub := bus.Subscribe(events.TopicRecovered, 1)
	defer unsub()

	h := NewHealth(bus)
	h.Recovered(ReconciliationMismatch)
	select {
	case r := <-recoveries:
		t.Fatalf("unexpected recovery %v", r)
	default:
	}
}

func TestGRPCHealthFollowsDegradedFlag(t *testing.T) {
	h := NewHealth(nil)
	g := NewGRPCHealth(h)
	ctx := context.Background()

	check := func(service string) healthpb.HealthCheckResponse_ServingStatus {
		t.Helper()
		resp, err := g.HealthServer().Check(ctx, &healthpb.HealthCheckRequest{Service: service})
		if err != nil {
			t.Fatalf("Check(%q): %v", service, err)
		}
		return resp.GetStatus()
	}

	if got := check(ServiceName); got != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("initial status=%s", got)
	}

	h.Report(Fault{Kind: ReconciliationMismatch, Component: "reconciliation", Message: "2026-06-01: 3 missing"})
	if got := check(ServiceName); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("degraded status=%s", got)
	}
	if got := check(""); got != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("overall status=%s", got)
	}

	h.Recovered(ReconciliationMismatch)
	if got := check(ServiceName); got != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("recovered status=%s", got)
	}
}

func TestMonitorForwardsFaultsToSinks(t *testing.T) {
	bus := events.NewBus()
	sink := NewMemorySink(10)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := &Monitor{Bus: bus, Sinks: []AlertSink{sink}}
	m.Start(ctx)

	h := NewHealth(bus)
	h.QueueOverflow(10000)

	deadline := time.Now().Add(2 * time.Second)
	for len(sink.Messages()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("alert was not delivered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if msg := sink.Messages()[0]; !strings.Contains(msg, "queue_overflow") {
		t.Fatalf("alert=%q", msg)
	}
}

func TestLatencyHistogramStats(t *testing.T) {
	h := NewLatencyHistogram(4)
	for _, v := range []float64{10, 1, 2, 3, 4} {
		h.Record(v)
	}
	s := h.Stats()
	// 10 was shifted out of the window
	if s.Count != 4 || s.Min != 1 || s.Max != 4 {
		t.Fatalf("unexpected stats %+v", s)
	}
	if s.Avg != 2.5 {
		t.Fatalf("avg=%v", s.Avg)
	}

	m := NewSystemMetrics()
	m.RecordDecision(true, time.Millisecond)
	m.RecordDecision(false, 3*time.Millisecond)
	snap := m.GetSnapshot()
	if snap.Decisions != 2 || snap.Approvals != 1 || snap.Rejections != 1 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if snap.DecisionLatency.Count != 2 {
		t.Fatalf("latency count=%d", snap.DecisionLatency.Count)
	}
}

func TestTimerRecordsOnStop(t *testing.T) {
	h := NewLatencyHistogram(8)
	timer := NewTimer(h)
	time.Sleep(2 * time.Millisecond)
	elapsed := timer.Stop()
	if elapsed < 2*time.Millisecond {
		t.Fatalf("elapsed=%v", elapsed)
	}
	if s := h.Stats(); s.Count != 1 || s.Max < 2 {
		t.Fatalf("unexpected stats %+v", s)
	}

	// A nil histogram only measures.
	if NewTimer(nil).Stop() < 0 {
		t.Fatal("negative duration")
	}
}
