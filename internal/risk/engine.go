package risk

import (
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"audit-core/internal/events"
	"audit-core/internal/model"
)

// Engine evaluates a fixed rule set against decision contexts. The rule set
// is frozen at construction; Evaluate is safe for concurrent use.
type Engine struct {
	cfg     Config
	tb      TieBreak
	rules   []Rule
	metrics Metrics
}

// NewEngine validates cfg and builds the default rule set from it.
func NewEngine(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return newEngine(cfg, DefaultRules(cfg))
}

// NewEngineWithRules builds an engine around an explicit rule set, in the
// given declaration order. Rule ids must be unique.
func NewEngineWithRules(cfg Config, rules ...Rule) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return newEngine(cfg, rules)
}

func newEngine(cfg Config, rules []Rule) (*Engine, error) {
	seen := make(map[string]bool, len(rules))
	for _, r := range rules {
		if seen[r.ID()] {
			return nil, &ConfigError{Problems: []string{fmt.Sprintf("duplicate rule id %q", r.ID())}}
		}
		seen[r.ID()] = true
	}
	log.Printf("Risk engine initialized: %d rules, tie_break=%s, eval_timeout=%s", len(rules), cfg.TieBreak, cfg.EvalTimeout)
	return &Engine{
		cfg:   cfg,
		tb:    cfg.Ordering(),
		rules: append([]Rule(nil), rules...),
	}, nil
}

// Rules returns the registered rules in declaration order.
func (e *Engine) Rules() []Rule {
	return append([]Rule(nil), e.rules...)
}

// Config returns the thresholds the engine was built with.
func (e *Engine) Config() Config {
	return e.cfg
}

// TieBreak returns the ordering used to reduce equal-severity verdicts.
func (e *Engine) TieBreak() TieBreak {
	return e.tb
}

type ruleResult struct {
	idx     int
	verdict events.Verdict
}

// Evaluate runs every rule against ctx and reduces the verdicts. Rules run
// concurrently; a rule that panics or does not return within EvalTimeout
// yields a fail-closed fault verdict.
func (e *Engine) Evaluate(ctx model.DecisionContext) events.RiskChecked {
	start := time.Now()

	verdicts := make([]events.Verdict, len(e.rules))
	done := make([]bool, len(e.rules))
	results := make(chan ruleResult, len(e.rules))

	for i, r := range e.rules {
		go func(i int, r Rule) {
			results <- ruleResult{idx: i, verdict: evaluateRule(r, ctx)}
		}(i, r)
	}

	timer := time.NewTimer(e.cfg.EvalTimeout)
	defer timer.Stop()

	pending := len(e.rules)
collect:
	for pending > 0 {
		select {
		case res := <-results:
			verdicts[res.idx] = res.verdict
			done[res.idx] = true
			pending--
		case <-timer.C:
			break collect
		}
	}
	for i, r := range e.rules {
		if !done[i] {
			log.Printf("[EVAL FAULT] rule %s exceeded %s for %s (corr=%s)", r.ID(), e.cfg.EvalTimeout, ctx.Symbol(), ctx.CorrelationID())
			verdicts[i] = FaultVerdict(r.ID())
		}
	}

	checked := Reduce(verdicts, e.tb)
	e.record(checked, time.Since(start))
	return checked
}

func evaluateRule(r Rule, ctx model.DecisionContext) (v events.Verdict) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("[EVAL FAULT] rule %s panicked for %s (corr=%s): %v", r.ID(), ctx.Symbol(), ctx.CorrelationID(), rec)
			v = FaultVerdict(r.ID())
		}
	}()
	v = r.Evaluate(ctx)
	v.RuleID = r.ID()
	return v
}

// FaultVerdict is the fail-closed verdict substituted for a rule that could
// not be evaluated.
func FaultVerdict(ruleID string) events.Verdict {
	return events.Verdict{
		RuleID:   ruleID,
		Passed:   false,
		Severity: events.SeverityBlock,
		Message:  "rule evaluation failure: " + ruleID,
		Fault:    true,
	}
}

// Combine merges an externally supplied verdict into checked under
// most-restrictive-wins. The external verdict is declared after every engine
// rule and its id is prefixed with ExternalPrefix.
func (e *Engine) Combine(checked events.RiskChecked, external *events.Verdict) events.RiskChecked {
	out := Combine(checked, external, e.tb)
	if external != nil && out.Blocked && !checked.Blocked {
		atomic.AddUint64(&e.metrics.RejectionsTotal, 1)
	}
	return out
}

func (e *Engine) record(checked events.RiskChecked, took time.Duration) {
	atomic.AddUint64(&e.metrics.ChecksTotal, 1)
	atomic.AddUint64(&e.metrics.CheckLatencyNanos, uint64(took.Nanoseconds()))
	atomic.AddUint64(&e.metrics.CheckLatencyCount, 1)
	if checked.Blocked {
		atomic.AddUint64(&e.metrics.RejectionsTotal, 1)
	}
	for _, v := range checked.Verdicts {
		if !v.Passed && v.Severity == events.SeverityWarning {
			atomic.AddUint64(&e.metrics.WarningsTotal, 1)
		}
		if v.Fault {
			atomic.AddUint64(&e.metrics.FaultsTotal, 1)
		}
	}
}

// Metrics returns a snapshot of the engine counters.
func (e *Engine) Metrics() Metrics {
	return Metrics{
		ChecksTotal:       atomic.LoadUint64(&e.metrics.ChecksTotal),
		RejectionsTotal:   atomic.LoadUint64(&e.metrics.RejectionsTotal),
		WarningsTotal:     atomic.LoadUint64(&e.metrics.WarningsTotal),
		FaultsTotal:       atomic.LoadUint64(&e.metrics.FaultsTotal),
		CheckLatencyNanos: atomic.LoadUint64(&e.metrics.CheckLatencyNanos),
		CheckLatencyCount: atomic.LoadUint64(&e.metrics.CheckLatencyCount),
	}
}

// AvgLatency is the mean evaluation latency observed so far.
func (m Metrics) AvgLatency() time.Duration {
	if m.CheckLatencyCount == 0 {
		return 0
	}
	return time.Duration(m.CheckLatencyNanos / m.CheckLatencyCount)
}
