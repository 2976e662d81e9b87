package events

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"audit-core/internal/model"
)

func TestNewAssignsSortableIDs(t *testing.T) {
	ts := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	a, err := New("corr-1", 1, "BTCUSDT", TypeSignalGenerated, ts, SignalGenerated{Strategy: "ema"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	b, err := New("corr-1", 2, "BTCUSDT", TypeRiskChecked, ts.Add(time.Millisecond), RiskChecked{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if a.ID == b.ID {
		t.Fatalf("expected distinct ids, got %s twice", a.ID)
	}
	if a.ID >= b.ID {
		t.Fatalf("expected %s < %s", a.ID, b.ID)
	}
	if a.Day() != "2026-03-01" {
		t.Fatalf("Day=%s", a.Day())
	}
}

func TestNewRejectsBadInput(t *testing.T) {
	if _, err := New("", 1, "BTCUSDT", TypeDecision, time.Now(), nil); err == nil {
		t.Fatal("expected error for empty correlation id")
	}
	if _, err := New("c", 1, "BTCUSDT", Type("bogus"), time.Now(), nil); err == nil {
		t.Fatal("expected error for unknown type")
	}
}

func TestNewRejectsOversizedPayload(t *testing.T) {
	big := SignalGenerated{Strategy: strings.Repeat("x", MaxPayloadBytes)}
	if _, err := New("c", 1, "BTCUSDT", TypeSignalGenerated, time.Now(), big); !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("err=%v, want ErrPayloadTooLarge", err)
	}
	fits := SignalGenerated{Strategy: strings.Repeat("x", MaxPayloadBytes/2)}
	if _, err := New("c", 1, "BTCUSDT", TypeSignalGenerated, time.Now(), fits); err != nil {
		t.Fatalf("New: %v", err)
	}
}

func TestDecodeRoundTripsVerdictSeverity(t *testing.T) {
	v := Verdict{RuleID: "leverage_cap", Severity: SeverityBlock, Limit: 2, Observed: 3}
	ev, err := New("c", 4, "ETHUSDT", TypeDecision, time.Now(), DecisionRecorded{Approved: false, Verdict: &v})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	got, err := Decode[DecisionRecorded](ev)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Verdict == nil || got.Verdict.Severity != SeverityBlock || got.Verdict.RuleID != "leverage_cap" {
		t.Fatalf("unexpected verdict %+v", got.Verdict)
	}
}

func TestOrderEventMapping(t *testing.T) {
	tests := []struct {
		status model.OrderStatus
		want   Type
	}{
		{model.OrderSubmitted, TypeOrderSubmitted},
		{model.OrderFilled, TypeOrderFilled},
		{model.OrderRejected, TypeOrderRejected},
		{model.OrderCancelled, TypeOrderCancelled},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			typ, _, err := OrderEvent(model.OrderOutcome{
				CorrelationID: "c",
				Status:        tt.status,
				Price:         decimal.RequireFromString("100.5"),
				Qty:           decimal.RequireFromString("2"),
			})
			if err != nil {
				t.Fatalf("OrderEvent: %v", err)
			}
			if typ != tt.want {
				t.Fatalf("type=%s, expected %s", typ, tt.want)
			}
		})
	}

	_, payload, _ := OrderEvent(model.OrderOutcome{
		Status: model.OrderFilled,
		Price:  decimal.RequireFromString("100.5"),
		Qty:    decimal.RequireFromString("2"),
	})
	fill := payload.(OrderFilled)
	if !fill.Notional.Equal(decimal.RequireFromString("201")) {
		t.Fatalf("notional=%s", fill.Notional)
	}
}

func TestBusDropsForSlowSubscriber(t *testing.T) {
	bus := NewBus()
	ch, unsub := bus.Subscribe(TopicFault, 1)
	defer unsub()

	bus.Publish(TopicFault, "first")
	bus.Publish(TopicFault, "second")

	if got := <-ch; got != "first" {
		t.Fatalf("got %v", got)
	}
	select {
	case extra := <-ch:
		t.Fatalf("expected drop, got %v", extra)
	default:
	}
}
