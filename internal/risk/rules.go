package risk

import (
	"fmt"
	"math"
	"slices"

	"audit-core/internal/events"
	"audit-core/internal/model"
)

// Rule is one independently configured policy check. Implementations must be
// pure: they read the context and return a verdict, nothing else.
type Rule interface {
	ID() string
	Description() string
	// Severity is the class produced when the rule is breached.
	Severity() events.Severity
	Evaluate(ctx model.DecisionContext) events.Verdict
}

// DefaultRules builds the built-in rule set from cfg in declaration order,
// skipping disabled rules.
func DefaultRules(cfg Config) []Rule {
	all := []Rule{
		leverageCap{cap: cfg.LeverageCap},
		liquidationDistance{min: cfg.MinDistToLiqPct},
		dailyLoss{max: cfg.MaxDailyLossPct},
		lossCooldown{threshold: cfg.CooldownLosses},
		maxSlippage{max: cfg.MaxSlippageBps},
	}
	rules := make([]Rule, 0, len(all))
	for _, r := range all {
		if slices.Contains(cfg.DisabledRules, r.ID()) {
			continue
		}
		rules = append(rules, r)
	}
	return rules
}

func pass(r Rule, limit, observed float64, msg string) events.Verdict {
	return events.Verdict{
		RuleID:   r.ID(),
		Passed:   true,
		Severity: events.SeverityInfo,
		Message:  msg,
		Limit:    limit,
		Observed: observed,
	}
}

func breach(r Rule, limit, observed float64, msg string) events.Verdict {
	return events.Verdict{
		RuleID:   r.ID(),
		Passed:   false,
		Severity: r.Severity(),
		Message:  msg,
		Limit:    limit,
		Observed: observed,
	}
}

// above and below treat NaN as a breach; a comparison with NaN is always false.
func above(v, limit float64) bool { return math.IsNaN(v) || v > limit }
func below(v, limit float64) bool { return math.IsNaN(v) || v < limit }

type leverageCap struct{ cap float64 }

func (leverageCap) ID() string                { return RuleLeverageCap }
func (leverageCap) Description() string       { return "leverage must not exceed the configured cap" }
func (leverageCap) Severity() events.Severity { return events.SeverityBlock }

func (r leverageCap) Evaluate(ctx model.DecisionContext) events.Verdict {
	lev := ctx.RiskState().Leverage
	if above(lev, r.cap) {
		return breach(r, r.cap, lev, fmt.Sprintf("leverage %.2fx exceeds cap %.2fx", lev, r.cap))
	}
	return pass(r, r.cap, lev, fmt.Sprintf("leverage %.2fx within cap %.2fx", lev, r.cap))
}

type liquidationDistance struct{ min float64 }

func (liquidationDistance) ID() string { return RuleDistToLiquidation }
func (liquidationDistance) Description() string {
	return "distance to liquidation must stay above the configured minimum"
}
func (liquidationDistance) Severity() events.Severity { return events.SeverityBlock }

func (r liquidationDistance) Evaluate(ctx model.DecisionContext) events.Verdict {
	dist := ctx.RiskState().DistToLiquidation
	if below(dist, r.min) {
		return breach(r, r.min, dist, fmt.Sprintf("distance to liquidation %.1f%% below minimum %.1f%%", dist, r.min))
	}
	return pass(r, r.min, dist, fmt.Sprintf("distance to liquidation %.1f%% is safe", dist))
}

type dailyLoss struct{ max float64 }

func (dailyLoss) ID() string                { return RuleDailyMaxLoss }
func (dailyLoss) Description() string       { return "cumulative daily loss must not exceed the configured share of capital" }
func (dailyLoss) Severity() events.Severity { return events.SeverityBlock }

func (r dailyLoss) Evaluate(ctx model.DecisionContext) events.Verdict {
	loss := ctx.RiskState().DailyLossPct
	if above(loss, r.max) {
		return breach(r, r.max, loss, fmt.Sprintf("daily loss %.2f%% exceeds maximum %.2f%%", loss, r.max))
	}
	return pass(r, r.max, loss, fmt.Sprintf("daily loss %.2f%% within maximum %.2f%%", loss, r.max))
}

type lossCooldown struct{ threshold int }

func (lossCooldown) ID() string                { return RuleLossCooldown }
func (lossCooldown) Description() string       { return "trading pauses after the configured number of consecutive losses" }
func (lossCooldown) Severity() events.Severity { return events.SeverityBlock }

func (r lossCooldown) Evaluate(ctx model.DecisionContext) events.Verdict {
	n := ctx.RiskState().ConsecutiveLosses
	if n >= r.threshold {
		return breach(r, float64(r.threshold), float64(n),
			fmt.Sprintf("%d consecutive losses reached cooldown threshold %d; cooldown period must elapse", n, r.threshold))
	}
	return pass(r, float64(r.threshold), float64(n), fmt.Sprintf("%d consecutive losses below cooldown threshold %d", n, r.threshold))
}

type maxSlippage struct{ max float64 }

func (maxSlippage) ID() string                { return RuleMaxSlippage }
func (maxSlippage) Description() string       { return "proposed slippage should stay within the configured basis points" }
func (maxSlippage) Severity() events.Severity { return events.SeverityWarning }

func (r maxSlippage) Evaluate(ctx model.DecisionContext) events.Verdict {
	bps := ctx.RiskState().ProposedSlippageBps
	if above(bps, r.max) {
		return breach(r, r.max, bps, fmt.Sprintf("proposed slippage %.1fbps exceeds %.1fbps", bps, r.max))
	}
	return pass(r, r.max, bps, fmt.Sprintf("proposed slippage %.1fbps within %.1fbps", bps, r.max))
}
