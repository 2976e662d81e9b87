package events

// Topic enumerates in-process bus topics.
type Topic string

const (
	TopicFault     Topic = "fault"
	TopicRecovered Topic = "recovered"
	TopicDecision  Topic = "decision"
)

// Type tags the payload carried by an AuditEvent.
type Type string

const (
	TypeSignalGenerated Type = "signal_generated"
	TypeRiskChecked     Type = "risk_checked"
	TypeExplainCreated  Type = "explain_created"
	TypeDecision        Type = "decision"
	TypeOrderSubmitted  Type = "order_submitted"
	TypeOrderFilled     Type = "order_filled"
	TypeOrderRejected   Type = "order_rejected"
	TypeOrderCancelled  Type = "order_cancelled"
)

// AllTypes lists the event types in life-cycle order.
var AllTypes = []Type{
	TypeSignalGenerated,
	TypeRiskChecked,
	TypeExplainCreated,
	TypeDecision,
	TypeOrderSubmitted,
	TypeOrderFilled,
	TypeOrderRejected,
	TypeOrderCancelled,
}

// Valid reports whether t is a known event type.
func (t Type) Valid() bool {
	for _, k := range AllTypes {
		if k == t {
			return true
		}
	}
	return false
}

// IsOrder reports whether t is one of the asynchronous order events.
func (t Type) IsOrder() bool {
	switch t {
	case TypeOrderSubmitted, TypeOrderFilled, TypeOrderRejected, TypeOrderCancelled:
		return true
	}
	return false
}
