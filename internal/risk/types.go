package risk

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

// Rule identifiers for the default policy set.
const (
	RuleLeverageCap       = "leverage_cap"
	RuleDistToLiquidation = "dist_to_liq_min"
	RuleDailyMaxLoss      = "daily_max_loss"
	RuleLossCooldown      = "consecutive_loss_cooldown"
	RuleMaxSlippage       = "max_slippage"

	// Synthetic ids for verdicts not produced by a configured rule.
	RuleSignalValidation    = "signal_validation"
	RuleRiskStateValidation = "risk_state_validation"
	RuleEngineFailure       = "risk_engine"
	RuleAuditUnavailable    = "audit_log_unavailable"
	ExternalPrefix          = "external:"
)

// DefaultRuleOrder is the declaration order of the built-in rules.
var DefaultRuleOrder = []string{
	RuleLeverageCap,
	RuleDistToLiquidation,
	RuleDailyMaxLoss,
	RuleLossCooldown,
	RuleMaxSlippage,
}

// Tie-break policies for verdicts of equal severity.
const (
	TieBreakDeclaration = "declaration" // first declared rule wins
	TieBreakPriority    = "priority"    // explicit Config.Priority list wins, then declaration
)

// Config holds the runtime policy knobs for the default rule set.
type Config struct {
	LeverageCap     float64  `json:"leverage_cap" yaml:"leverage_cap"`
	MinDistToLiqPct float64  `json:"min_dist_to_liq_pct" yaml:"min_dist_to_liq_pct"`
	MaxDailyLossPct float64  `json:"max_daily_loss_pct" yaml:"max_daily_loss_pct"`
	CooldownLosses  int      `json:"cooldown_losses" yaml:"cooldown_losses"`
	MaxSlippageBps  float64  `json:"max_slippage_bps" yaml:"max_slippage_bps"`
	DisabledRules   []string `json:"disabled_rules,omitempty" yaml:"disabled_rules,omitempty"`

	TieBreak string   `json:"tie_break" yaml:"tie_break"`
	Priority []string `json:"priority,omitempty" yaml:"priority,omitempty"`

	// Upper bound on a single rule evaluation; overruns are faults.
	EvalTimeout time.Duration `json:"eval_timeout" yaml:"eval_timeout"`
}

// DefaultConfig returns the thresholds used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		LeverageCap:     2.0,
		MinDistToLiqPct: 15.0,
		MaxDailyLossPct: 3.0,
		CooldownLosses:  3,
		MaxSlippageBps:  5.0,
		TieBreak:        TieBreakDeclaration,
		EvalTimeout:     50 * time.Millisecond,
	}
}

// ConfigError reports invalid policy thresholds. The subsystem must refuse to
// start when it sees one.
type ConfigError struct {
	Problems []string
}

func (e *ConfigError) Error() string {
	return "invalid risk config: " + strings.Join(e.Problems, "; ")
}

// Validate checks every threshold and returns a *ConfigError listing all problems.
func (c Config) Validate() error {
	var problems []string
	if c.LeverageCap <= 0 {
		problems = append(problems, fmt.Sprintf("leverage_cap must be > 0 (got %v)", c.LeverageCap))
	}
	if c.MinDistToLiqPct < 0 || c.MinDistToLiqPct > 100 {
		problems = append(problems, fmt.Sprintf("min_dist_to_liq_pct must be within [0,100] (got %v)", c.MinDistToLiqPct))
	}
	if c.MaxDailyLossPct <= 0 || c.MaxDailyLossPct > 100 {
		problems = append(problems, fmt.Sprintf("max_daily_loss_pct must be within (0,100] (got %v)", c.MaxDailyLossPct))
	}
	if c.CooldownLosses <= 0 {
		problems = append(problems, fmt.Sprintf("cooldown_losses must be > 0 (got %d)", c.CooldownLosses))
	}
	if c.MaxSlippageBps < 0 {
		problems = append(problems, fmt.Sprintf("max_slippage_bps must be >= 0 (got %v)", c.MaxSlippageBps))
	}
	if c.EvalTimeout <= 0 {
		problems = append(problems, fmt.Sprintf("eval_timeout must be > 0 (got %v)", c.EvalTimeout))
	}
	for _, id := range c.DisabledRules {
		if !slices.Contains(DefaultRuleOrder, id) {
			problems = append(problems, fmt.Sprintf("disabled_rules: unknown rule %q", id))
		}
	}
	switch c.TieBreak {
	case TieBreakDeclaration:
	case TieBreakPriority:
		if len(c.Priority) == 0 {
			problems = append(problems, "tie_break=priority requires a priority list")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown tie_break %q", c.TieBreak))
	}
	if len(problems) > 0 {
		return &ConfigError{Problems: problems}
	}
	return nil
}

// IsConfigError reports whether err carries a *ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// Metrics tracks engine activity.
type Metrics struct {
	ChecksTotal       uint64 `json:"checks_total"`
	RejectionsTotal   uint64 `json:"rejections_total"`
	WarningsTotal     uint64 `json:"warnings_total"`
	FaultsTotal       uint64 `json:"faults_total"`
	CheckLatencyNanos uint64 `json:"check_latency_nanos"`
	CheckLatencyCount uint64 `json:"check_latency_count"`
}
