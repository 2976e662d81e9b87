package engine

import (
	"errors"
	"time"

	"audit-core/internal/events"
	"audit-core/internal/explain"
	"audit-core/internal/monitor"
	"audit-core/internal/persistence"
	"audit-core/internal/risk"
)

var (
	ErrUnknownCorrelation = errors.New("unknown correlation id")
	ErrCorrelationEmpty   = errors.New("correlation id is empty")
)

// Stage is a step of the per-decision state machine.
type Stage string

const (
	StageSignalReceived  Stage = "SIGNAL_RECEIVED"
	StageInFlight        Stage = "RISK_AND_EXPLAIN_IN_FLIGHT"
	StageVerdictReduced  Stage = "VERDICT_REDUCED"
	StageDecisionEmitted Stage = "DECISION_EMITTED"
	StageOrderReported   Stage = "ORDER_REPORTED"
	StageTerminalNoOrder Stage = "TERMINAL_NO_ORDER"
)

// Decision is the synchronous result of Decide.
type Decision struct {
	CorrelationID string                 `json:"correlation_id"`
	Symbol        string                 `json:"symbol"`
	Approved      bool                   `json:"approved"`
	Verdict       *events.Verdict        `json:"verdict,omitempty"`
	Explanation   *events.ExplainCreated `json:"explanation,omitempty"`
	Timestamp     time.Time              `json:"ts"`
	AuditDegraded bool                   `json:"audit_degraded"`

	// Full intermediate results, kept for callers that want more than the
	// outcome. They are already in the audit trail.
	Checked   events.RiskChecked    `json:"-"`
	Explained events.ExplainCreated `json:"-"`
	Stages    []Stage               `json:"-"`
}

// HealthStatus is the operator view of the pipeline.
type HealthStatus struct {
	Monitor monitor.Snapshot         `json:"monitor"`
	Store   persistence.StoreMetrics `json:"store"`
	Risk    risk.Metrics             `json:"risk"`
	Explain explain.Metrics          `json:"explain"`
	Cached  int                      `json:"cached_decisions"`
}

// decisionState is what the correlation cache remembers per decision.
type decisionState struct {
	symbol   string
	approved bool
	seq      int
	stage    Stage
}
