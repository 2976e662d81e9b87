package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"

	"audit-core/internal/model"
)

// DayLayout is the calendar-day key used by both log sinks.
const DayLayout = "2006-01-02"

// MaxPayloadBytes caps the encoded payload of one event.
const MaxPayloadBytes = 256 << 10

// ErrPayloadTooLarge is returned by New for payloads over MaxPayloadBytes.
var ErrPayloadTooLarge = errors.New("event payload too large")

// AuditEvent is the append-only envelope for every stage of a decision.
// Events are created by the orchestrator and only persisted by the store.
type AuditEvent struct {
	ID            string          `json:"event_id"`
	CorrelationID string          `json:"correlation_id"`
	Seq           int             `json:"seq"`
	Timestamp     time.Time       `json:"ts"`
	Symbol        string          `json:"symbol"`
	Type          Type            `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
}

// New builds an envelope with a fresh ULID and the payload encoded as JSON.
func New(correlationID string, seq int, symbol string, typ Type, ts time.Time, payload any) (AuditEvent, error) {
	if correlationID == "" {
		return AuditEvent{}, errors.New("event correlation id is empty")
	}
	if !typ.Valid() {
		return AuditEvent{}, fmt.Errorf("unknown event type %q", typ)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return AuditEvent{}, fmt.Errorf("marshal %s payload: %w", typ, err)
	}
	if len(raw) > MaxPayloadBytes {
		return AuditEvent{}, fmt.Errorf("%w: %s payload is %d bytes, limit %d", ErrPayloadTooLarge, typ, len(raw), MaxPayloadBytes)
	}
	ts = ts.UTC()
	return AuditEvent{
		ID:            ulid.MustNew(ulid.Timestamp(ts), ulid.DefaultEntropy()).String(),
		CorrelationID: correlationID,
		Seq:           seq,
		Timestamp:     ts,
		Symbol:        symbol,
		Type:          typ,
		Payload:       raw,
	}, nil
}

// Day returns the UTC calendar day the event belongs to.
func (e AuditEvent) Day() string {
	return e.Timestamp.UTC().Format(DayLayout)
}

// Decode unmarshals the payload of e into T.
func Decode[T any](e AuditEvent) (T, error) {
	var out T
	if err := json.Unmarshal(e.Payload, &out); err != nil {
		return out, fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return out, nil
}

// SignalGenerated records the inbound signal and the risk-state snapshot.
type SignalGenerated struct {
	Strategy   string             `json:"strategy"`
	Direction  model.Direction    `json:"direction"`
	Indicators map[string]float64 `json:"indicators"`
	RiskState  model.RiskState    `json:"risk_state"`
	AccountID  string             `json:"account_id,omitempty"`
	Venue      string             `json:"venue,omitempty"`
	Confidence float64            `json:"confidence,omitempty"`
	Strength   float64            `json:"strength,omitempty"`
}

// DecisionRecorded is the final allow/block outcome.
type DecisionRecorded struct {
	Approved      bool     `json:"approved"`
	Verdict       *Verdict `json:"verdict,omitempty"`
	TemplateID    string   `json:"template_id,omitempty"`
	External      bool     `json:"external_verdict,omitempty"`
	AuditDegraded bool     `json:"audit_degraded,omitempty"`
}

// OrderSubmitted is reported once the order reached the venue.
type OrderSubmitted struct {
	OrderID string          `json:"order_id"`
	Price   decimal.Decimal `json:"price"`
	Qty     decimal.Decimal `json:"qty"`
}

// OrderFilled is reported on a (possibly final) fill.
type OrderFilled struct {
	OrderID  string          `json:"order_id"`
	Price    decimal.Decimal `json:"price"`
	Qty      decimal.Decimal `json:"qty"`
	Notional decimal.Decimal `json:"notional"`
}

// OrderRejected is reported when the venue refused the order.
type OrderRejected struct {
	OrderID string `json:"order_id"`
	Reason  string `json:"reason"`
}

// OrderCancelled is reported when an open order was cancelled.
type OrderCancelled struct {
	OrderID string          `json:"order_id"`
	Qty     decimal.Decimal `json:"qty"`
	Reason  string          `json:"reason,omitempty"`
}

// OrderEvent maps an outcome report onto its event type and payload.
func OrderEvent(o model.OrderOutcome) (Type, any, error) {
	switch o.Status {
	case model.OrderSubmitted:
		return TypeOrderSubmitted, OrderSubmitted{OrderID: o.OrderID, Price: o.Price, Qty: o.Qty}, nil
	case model.OrderFilled:
		return TypeOrderFilled, OrderFilled{OrderID: o.OrderID, Price: o.Price, Qty: o.Qty, Notional: o.Notional()}, nil
	case model.OrderRejected:
		return TypeOrderRejected, OrderRejected{OrderID: o.OrderID, Reason: o.Reason}, nil
	case model.OrderCancelled:
		return TypeOrderCancelled, OrderCancelled{OrderID: o.OrderID, Qty: o.Qty, Reason: o.Reason}, nil
	}
	return "", nil, fmt.Errorf("unknown order status %q", o.Status)
}
