package model

import (
	"fmt"
	"maps"
	"math"
	"strings"
	"time"
)

// Direction is the side a strategy wants to take.
type Direction string

const (
	DirectionBuy  Direction = "BUY"
	DirectionSell Direction = "SELL"
	DirectionHold Direction = "HOLD"
)

// ParseDirection accepts BUY/SELL/HOLD in any case, plus the long/short/flat
// aliases emitted by some strategy engines. An empty direction is an error.
func ParseDirection(s string) (Direction, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "BUY", "LONG":
		return DirectionBuy, nil
	case "SELL", "SHORT":
		return DirectionSell, nil
	case "HOLD", "FLAT":
		return DirectionHold, nil
	}
	return "", fmt.Errorf("unknown direction %q", s)
}

// Valid reports whether d is one of the known directions.
func (d Direction) Valid() bool {
	return d == DirectionBuy || d == DirectionSell || d == DirectionHold
}

// Signal is the raw trading signal handed over by the strategy engine.
type Signal struct {
	Symbol       string             `json:"symbol"`
	StrategyName string             `json:"strategy_name"`
	Direction    Direction          `json:"direction"`
	Indicators   map[string]float64 `json:"indicators"`

	// Optional metadata carried into the audit trail.
	AccountID  string  `json:"account_id,omitempty"`
	Venue      string  `json:"venue,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
	Strength   float64 `json:"strength,omitempty"`
}

// Validate checks the fields the pipeline cannot work without.
func (s Signal) Validate() error {
	if strings.TrimSpace(s.Symbol) == "" {
		return fmt.Errorf("signal symbol is empty")
	}
	if !s.Direction.Valid() {
		return fmt.Errorf("signal direction %q is invalid", s.Direction)
	}
	for name, v := range s.Indicators {
		if !finite(v) {
			return fmt.Errorf("indicator %s is not a finite number", name)
		}
	}
	if !finite(s.Confidence) || !finite(s.Strength) {
		return fmt.Errorf("signal confidence and strength must be finite")
	}
	return nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// RiskState is the position/account snapshot owned by the risk-state
// collaborator. It is refreshed before every call and only read here.
type RiskState struct {
	Leverage            float64 `json:"leverage"`
	DistToLiquidation   float64 `json:"distance_to_liquidation_pct"`
	DailyLossPct        float64 `json:"daily_loss_pct"`
	ConsecutiveLosses   int     `json:"consecutive_losses"`
	ProposedSlippageBps float64 `json:"proposed_slippage_bps"`
}

// Validate rejects snapshots no rule can judge: non-finite numbers, negative
// leverage and a negative loss streak.
func (r RiskState) Validate() error {
	fields := []struct {
		name string
		v    float64
	}{
		{"leverage", r.Leverage},
		{"distance_to_liquidation_pct", r.DistToLiquidation},
		{"daily_loss_pct", r.DailyLossPct},
		{"proposed_slippage_bps", r.ProposedSlippageBps},
	}
	for _, f := range fields {
		if !finite(f.v) {
			return fmt.Errorf("risk state %s is not a finite number", f.name)
		}
	}
	if r.Leverage < 0 {
		return fmt.Errorf("risk state leverage %.2f is negative", r.Leverage)
	}
	if r.ConsecutiveLosses < 0 {
		return fmt.Errorf("risk state consecutive_losses %d is negative", r.ConsecutiveLosses)
	}
	return nil
}

// DecisionContext is the immutable input snapshot for one evaluation.
type DecisionContext struct {
	correlationID string
	symbol        string
	strategy      string
	direction     Direction
	indicators    map[string]float64
	state         RiskState
	createdAt     time.Time
}

// NewDecisionContext copies the signal indicators so later mutation of the
// caller's map cannot leak into an in-flight evaluation.
func NewDecisionContext(correlationID string, sig Signal, state RiskState, now time.Time) DecisionContext {
	ind := make(map[string]float64, len(sig.Indicators))
	maps.Copy(ind, sig.Indicators)
	return DecisionContext{
		correlationID: correlationID,
		symbol:        sig.Symbol,
		strategy:      sig.StrategyName,
		direction:     sig.Direction,
		indicators:    ind,
		state:         state,
		createdAt:     now.UTC(),
	}
}

func (c DecisionContext) CorrelationID() string { return c.correlationID }
func (c DecisionContext) Symbol() string        { return c.symbol }
func (c DecisionContext) Strategy() string      { return c.strategy }
func (c DecisionContext) Direction() Direction  { return c.direction }
func (c DecisionContext) RiskState() RiskState  { return c.state }
func (c DecisionContext) CreatedAt() time.Time  { return c.createdAt }

// Indicator returns a single indicator value.
func (c DecisionContext) Indicator(name string) (float64, bool) {
	v, ok := c.indicators[name]
	return v, ok
}

// IndicatorOr returns the indicator value or def when it is missing.
func (c DecisionContext) IndicatorOr(name string, def float64) float64 {
	if v, ok := c.indicators[name]; ok {
		return v
	}
	return def
}

// Indicators returns a copy of the indicator map.
func (c DecisionContext) Indicators() map[string]float64 {
	out := make(map[string]float64, len(c.indicators))
	maps.Copy(out, c.indicators)
	return out
}

// IsDirectional reports whether the signal asks for a position change.
func (c DecisionContext) IsDirectional() bool {
	return c.direction == DirectionBuy || c.direction == DirectionSell
}
