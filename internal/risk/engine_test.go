package risk

import (
	"math"
	"testing"
	"time"

	"audit-core/internal/events"
	"audit-core/internal/model"
)

func baseState() model.RiskState {
	return model.RiskState{
		Leverage:            1.5,
		DistToLiquidation:   40,
		DailyLossPct:        1,
		ConsecutiveLosses:   0,
		ProposedSlippageBps: 2,
	}
}

func ctxWith(state model.RiskState) model.DecisionContext {
	sig := model.Signal{Symbol: "BTCUSDT", StrategyName: "trend", Direction: model.DirectionBuy}
	return model.NewDecisionContext("corr-test", sig, state, time.Now())
}

func mustEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()
	eng, err := NewEngine(cfg)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return eng
}

func TestEvaluateScenarios(t *testing.T) {
	eng := mustEngine(t, DefaultConfig())

	tests := []struct {
		name     string
		mutate   func(*model.RiskState)
		pass     bool
		blocked  bool
		ruleID   string
		severity events.Severity
	}{
		{
			name:     "all rules pass",
			mutate:   func(*model.RiskState) {},
			pass:     true,
			blocked:  false,
			severity: events.SeverityInfo,
		},
		{
			name:     "leverage above cap",
			mutate:   func(s *model.RiskState) { s.Leverage = 3.0 },
			blocked:  true,
			ruleID:   RuleLeverageCap,
			severity: events.SeverityBlock,
		},
		{
			name:     "cooldown reached",
			mutate:   func(s *model.RiskState) { s.ConsecutiveLosses = 3 },
			blocked:  true,
			ruleID:   RuleLossCooldown,
			severity: events.SeverityBlock,
		},
		{
			name:     "too close to liquidation",
			mutate:   func(s *model.RiskState) { s.DistToLiquidation = 10 },
			blocked:  true,
			ruleID:   RuleDistToLiquidation,
			severity: events.SeverityBlock,
		},
		{
			name:     "daily loss exceeded",
			mutate:   func(s *model.RiskState) { s.DailyLossPct = 3.5 },
			blocked:  true,
			ruleID:   RuleDailyMaxLoss,
			severity: events.SeverityBlock,
		},
		{
			name:     "slippage only warns",
			mutate:   func(s *model.RiskState) { s.ProposedSlippageBps = 8 },
			blocked:  false,
			ruleID:   RuleMaxSlippage,
			severity: events.SeverityWarning,
		},
		{
			name: "warning and block reduce to block",
			mutate: func(s *model.RiskState) {
				s.ProposedSlippageBps = 8
				s.Leverage = 5
			},
			blocked:  true,
			ruleID:   RuleLeverageCap,
			severity: events.SeverityBlock,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state := baseState()
			tt.mutate(&state)
			got := eng.Evaluate(ctxWith(state))

			if len(got.Verdicts) != len(DefaultRuleOrder) {
				t.Fatalf("expected %d verdicts, got %d", len(DefaultRuleOrder), len(got.Verdicts))
			}
			if got.OverallPass != tt.pass {
				t.Fatalf("overall_pass=%v, expected %v", got.OverallPass, tt.pass)
			}
			if got.Blocked != tt.blocked {
				t.Fatalf("blocked=%v, expected %v", got.Blocked, tt.blocked)
			}
			if got.MostRestrictive.Severity != tt.severity {
				t.Fatalf("severity=%s, expected %s", got.MostRestrictive.Severity, tt.severity)
			}
			if tt.ruleID != "" && got.MostRestrictive.RuleID != tt.ruleID {
				t.Fatalf("most restrictive=%s, expected %s", got.MostRestrictive.RuleID, tt.ruleID)
			}
		})
	}
}

func TestVerdictOrderFollowsDeclaration(t *testing.T) {
	eng := mustEngine(t, DefaultConfig())
	got := eng.Evaluate(ctxWith(baseState()))
	for i, id := range DefaultRuleOrder {
		if got.Verdicts[i].RuleID != id {
			t.Fatalf("verdict %d is %s, expected %s", i, got.Verdicts[i].RuleID, id)
		}
	}
}

func TestVerdictCarriesLimitAndObserved(t *testing.T) {
	eng := mustEngine(t, DefaultConfig())
	state := baseState()
	state.Leverage = 3
	got := eng.Evaluate(ctxWith(state))
	v := got.MostRestrictive
	if v.Limit != 2.0 || v.Observed != 3.0 {
		t.Fatalf("limit=%v observed=%v", v.Limit, v.Observed)
	}
	if v.Message == "" {
		t.Fatal("expected a message")
	}
}

func TestDisabledRulesAreSkipped(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DisabledRules = []string{RuleLeverageCap}
	eng := mustEngine(t, cfg)

	if len(eng.Rules()) != len(DefaultRuleOrder)-1 {
		t.Fatalf("expected %d rules, got %d", len(DefaultRuleOrder)-1, len(eng.Rules()))
	}
	state := baseState()
	state.Leverage = 10
	if got := eng.Evaluate(ctxWith(state)); got.Blocked {
		t.Fatalf("disabled leverage rule still blocked: %+v", got.MostRestrictive)
	}
}

func TestTieBreakDeclarationVsPriority(t *testing.T) {
	state := baseState()
	state.Leverage = 3
	state.ConsecutiveLosses = 4

	eng := mustEngine(t, DefaultConfig())
	if got := eng.Evaluate(ctxWith(state)); got.MostRestrictive.RuleID != RuleLeverageCap {
		t.Fatalf("declaration order picked %s", got.MostRestrictive.RuleID)
	}

	cfg := DefaultConfig()
	cfg.TieBreak = TieBreakPriority
	cfg.Priority = []string{RuleLossCooldown}
	eng = mustEngine(t, cfg)
	got := eng.Evaluate(ctxWith(state))
	if got.MostRestrictive.RuleID != RuleLossCooldown {
		t.Fatalf("priority order picked %s", got.MostRestrictive.RuleID)
	}
	if got.TieBreak != TieBreakPriority {
		t.Fatalf("tie_break=%s", got.TieBreak)
	}
}

type panicRule struct{}

func (panicRule) ID() string                { return "exploding" }
func (panicRule) Description() string       { return "always panics" }
func (panicRule) Severity() events.Severity { return events.SeverityInfo }
func (panicRule) Evaluate(model.DecisionContext) events.Verdict {
	panic("boom")
}

type slowRule struct{ d time.Duration }

func (slowRule) ID() string                { return "slow" }
func (slowRule) Description() string       { return "sleeps past the budget" }
func (slowRule) Severity() events.Severity { return events.SeverityInfo }
func (r slowRule) Evaluate(model.DecisionContext) events.Verdict {
	time.Sleep(r.d)
	return events.Verdict{Passed: true}
}

func TestPanickingRuleFailsClosed(t *testing.T) {
	cfg := DefaultConfig()
	rules := append(DefaultRules(cfg), panicRule{})
	eng, err := NewEngineWithRules(cfg, rules...)
	if err != nil {
		t.Fatalf("NewEngineWithRules: %v", err)
	}

	got := eng.Evaluate(ctxWith(baseState()))
	if !got.Blocked || got.OverallPass {
		t.Fatalf("expected fail-closed block, got %+v", got)
	}
	v := got.MostRestrictive
	if v.RuleID != "exploding" || !v.Fault {
		t.Fatalf("unexpected verdict %+v", v)
	}
	if v.Message != "rule evaluation failure: exploding" {
		t.Fatalf("message=%q", v.Message)
	}
	if m := eng.Metrics(); m.FaultsTotal != 1 || m.RejectionsTotal != 1 {
		t.Fatalf("metrics=%+v", m)
	}
}

func TestSlowRuleTimesOutAsFault(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EvalTimeout = 20 * time.Millisecond
	eng, err := NewEngineWithRules(cfg, slowRule{d: 500 * time.Millisecond})
	if err != nil {
		t.Fatalf("NewEngineWithRules: %v", err)
	}

	start := time.Now()
	got := eng.Evaluate(ctxWith(baseState()))
	if elapsed := time.Since(start); elapsed > 300*time.Millisecond {
		t.Fatalf("evaluation not bounded: %s", elapsed)
	}
	if !got.Blocked || !got.MostRestrictive.Fault || got.MostRestrictive.RuleID != "slow" {
		t.Fatalf("expected timeout fault, got %+v", got.MostRestrictive)
	}
}

func TestDuplicateRuleIDsRejected(t *testing.T) {
	_, err := NewEngineWithRules(DefaultConfig(), panicRule{}, panicRule{})
	if !IsConfigError(err) {
		t.Fatalf("expected config error, got %v", err)
	}
}

func TestCombineExternalVerdict(t *testing.T) {
	eng := mustEngine(t, DefaultConfig())
	checked := eng.Evaluate(ctxWith(baseState()))

	if same := eng.Combine(checked, nil); len(same.Verdicts) != len(checked.Verdicts) {
		t.Fatal("nil external verdict must not change the result")
	}

	ext := &events.Verdict{RuleID: "max_position", Passed: false, Severity: events.SeverityBlock, Message: "position too big"}
	got := eng.Combine(checked, ext)
	if !got.Blocked || got.OverallPass {
		t.Fatalf("external block ignored: %+v", got)
	}
	if got.MostRestrictive.RuleID != "external:max_position" {
		t.Fatalf("rule id=%s", got.MostRestrictive.RuleID)
	}
	if ext.RuleID != "max_position" {
		t.Fatal("Combine mutated its input")
	}

	// An engine block declared earlier wins a severity tie with an external one.
	state := baseState()
	state.Leverage = 4
	got = eng.Combine(eng.Evaluate(ctxWith(state)), ext)
	if got.MostRestrictive.RuleID != RuleLeverageCap {
		t.Fatalf("tie went to %s", got.MostRestrictive.RuleID)
	}
}

func TestCombineWeakerExternalNeverLoosens(t *testing.T) {
	eng := mustEngine(t, DefaultConfig())
	state := baseState()
	state.ConsecutiveLosses = 5
	checked := eng.Evaluate(ctxWith(state))

	ext := &events.Verdict{RuleID: "upstream", Passed: true, Severity: events.SeverityInfo}
	got := eng.Combine(checked, ext)
	if !got.Blocked || got.MostRestrictive.RuleID != RuleLossCooldown {
		t.Fatalf("external pass loosened the decision: %+v", got.MostRestrictive)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"defaults", func(*Config) {}, true},
		{"zero leverage cap", func(c *Config) { c.LeverageCap = 0 }, false},
		{"negative distance", func(c *Config) { c.MinDistToLiqPct = -1 }, false},
		{"loss over 100", func(c *Config) { c.MaxDailyLossPct = 120 }, false},
		{"zero cooldown", func(c *Config) { c.CooldownLosses = 0 }, false},
		{"negative slippage", func(c *Config) { c.MaxSlippageBps = -2 }, false},
		{"zero timeout", func(c *Config) { c.EvalTimeout = 0 }, false},
		{"unknown disabled rule", func(c *Config) { c.DisabledRules = []string{"nope"} }, false},
		{"unknown tie break", func(c *Config) { c.TieBreak = "random" }, false},
		{"priority without list", func(c *Config) { c.TieBreak = TieBreakPriority }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tt.ok && !IsConfigError(err) {
				t.Fatalf("expected *ConfigError, got %v", err)
			}
		})
	}

	if _, err := NewEngine(Config{}); !IsConfigError(err) {
		t.Fatalf("NewEngine accepted empty config: %v", err)
	}
}

func TestEvaluateConcurrentUse(t *testing.T) {
	eng := mustEngine(t, DefaultConfig())
	done := make(chan bool, 16)
	for i := 0; i < 16; i++ {
		go func(i int) {
			state := baseState()
			state.Leverage = float64(i%4) + 0.5
			got := eng.Evaluate(ctxWith(state))
			done <- got.Blocked == (state.Leverage > 2.0)
		}(i)
	}
	for i := 0; i < 16; i++ {
		if !<-done {
			t.Fatal("concurrent evaluation produced wrong verdict")
		}
	}
	if m := eng.Metrics(); m.ChecksTotal != 16 {
		t.Fatalf("checks=%d", m.ChecksTotal)
	}
}

func TestNonFiniteInputsBreach(t *testing.T) {
	eng := mustEngine(t, DefaultConfig())

	tests := []struct {
		name    string
		mutate  func(*model.RiskState)
		ruleID  string
		blocked bool
	}{
		{"NaN leverage", func(s *model.RiskState) { s.Leverage = math.NaN() }, RuleLeverageCap, true},
		{"+Inf leverage", func(s *model.RiskState) { s.Leverage = math.Inf(1) }, RuleLeverageCap, true},
		{"NaN distance", func(s *model.RiskState) { s.DistToLiquidation = math.NaN() }, RuleDistToLiquidation, true},
		{"-Inf distance", func(s *model.RiskState) { s.DistToLiquidation = math.Inf(-1) }, RuleDistToLiquidation, true},
		{"NaN daily loss", func(s *model.RiskState) { s.DailyLossPct = math.NaN() }, RuleDailyMaxLoss, true},
		{"NaN slippage", func(s *model.RiskState) { s.ProposedSlippageBps = math.NaN() }, RuleMaxSlippage, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state := baseState()
			tt.mutate(&state)
			got := eng.Evaluate(ctxWith(state))
			if got.OverallPass {
				t.Fatal("non-finite input passed every rule")
			}
			if got.Blocked != tt.blocked || got.MostRestrictive.RuleID != tt.ruleID {
				t.Fatalf("blocked=%v most=%s, want blocked=%v most=%s", got.Blocked, got.MostRestrictive.RuleID, tt.blocked, tt.ruleID)
			}
		})
	}
}

func TestPassedBlockVerdictCountsAsFailed(t *testing.T) {
	eng := mustEngine(t, DefaultConfig())
	state := baseState()
	state.ProposedSlippageBps = 9
	checked := eng.Evaluate(ctxWith(state))

	tests := []struct {
		name    string
		ext     events.Verdict
		blocked bool
		ruleID  string
	}{
		{"passed BLOCK", events.Verdict{RuleID: "desk", Passed: true, Severity: events.SeverityBlock}, true, "external:desk"},
		{"failed BLOCK", events.Verdict{RuleID: "desk", Passed: false, Severity: events.SeverityBlock}, true, "external:desk"},
		{"passed WARNING", events.Verdict{RuleID: "desk", Passed: true, Severity: events.SeverityWarning}, false, RuleMaxSlippage},
		{"failed INFO", events.Verdict{RuleID: "desk", Passed: false, Severity: events.SeverityInfo}, false, RuleMaxSlippage},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ext := tt.ext
			got := eng.Combine(checked, &ext)
			if got.Blocked != tt.blocked || got.MostRestrictive.RuleID != tt.ruleID {
				t.Fatalf("blocked=%v most=%s, want blocked=%v most=%s", got.Blocked, got.MostRestrictive.RuleID, tt.blocked, tt.ruleID)
			}
			for _, v := range got.Verdicts {
				if v.Passed && v.Severity == events.SeverityBlock {
					t.Fatalf("verdict %s passed at BLOCK", v.RuleID)
				}
			}
			if !ext.Passed && tt.ext.Passed {
				t.Fatal("Combine mutated its input")
			}
		})
	}
}
