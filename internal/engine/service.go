// Package engine provides the decision orchestrator: the single entry point
// that turns a trading signal into an audited allow/block decision.
// The API layer only talks to the pipeline through Service.
package engine

import (
	"context"

	"audit-core/internal/events"
	"audit-core/internal/model"
	"audit-core/internal/persistence"
)

// Service defines the decision pipeline operations.
type Service interface {
	// Decisions
	Decide(ctx context.Context, sig model.Signal, state model.RiskState) Decision
	DecideWithVerdict(ctx context.Context, sig model.Signal, state model.RiskState, external *events.Verdict) Decision

	// Order life-cycle
	ReportOrderOutcome(ctx context.Context, outcome model.OrderOutcome) error

	// Queries
	GetDailyReport(ctx context.Context, date string) (persistence.DailyReport, error)
	GetDecisionTrail(ctx context.Context, correlationID string) ([]events.AuditEvent, error)

	// System
	Health(ctx context.Context) HealthStatus
}

// AuditStore is the part of persistence.Store the orchestrator needs.
type AuditStore interface {
	persistence.Reader
	Append(ev events.AuditEvent) error
	Flush(ctx context.Context) error
	Degraded() bool
	Metrics() persistence.StoreMetrics
}

// PreTradeChecker is a pre-existing risk manager owned by the caller. Its
// verdict is merged most-restrictive-wins; nil means no opinion.
type PreTradeChecker interface {
	Name() string
	Check(ctx context.Context, sig model.Signal, state model.RiskState) (*events.Verdict, error)
}
