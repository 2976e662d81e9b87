package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"audit-core/internal/events"
	"audit-core/internal/explain"
	"audit-core/internal/model"
	"audit-core/internal/monitor"
	"audit-core/internal/persistence"
	"audit-core/internal/risk"
	"audit-core/pkg/cache"
)

// Config holds the collaborators for creating an Orchestrator.
type Config struct {
	Risk    *risk.Engine
	Explain *explain.Generator
	Store   AuditStore
	Health  *monitor.Health
	Metrics *monitor.SystemMetrics
	Bus     *events.Bus

	// Checker is the caller's own risk manager (optional).
	Checker PreTradeChecker

	// FailClosed rejects decisions while the audit store is degraded.
	FailClosed bool

	// CacheTTL is how long a decision stays in the correlation cache.
	CacheTTL time.Duration
}

// Orchestrator implements Service by composing the risk engine, the
// explanation generator and the audit store.
type Orchestrator struct {
	risk       *risk.Engine
	explain    *explain.Generator
	store      AuditStore
	health     *monitor.Health
	metrics    *monitor.SystemMetrics
	bus        *events.Bus
	checker    PreTradeChecker
	failClosed bool
	ttl        time.Duration

	decisions *cache.ShardedCache[decisionState]

	now   func() time.Time
	newID func() string
}

var _ Service = (*Orchestrator)(nil)

// NewOrchestrator wires an orchestrator from cfg.
func NewOrchestrator(cfg Config) (*Orchestrator, error) {
	if cfg.Risk == nil || cfg.Explain == nil || cfg.Store == nil {
		return nil, errors.New("orchestrator needs a risk engine, an explanation generator and an audit store")
	}
	if cfg.Metrics == nil {
		cfg.Metrics = monitor.NewSystemMetrics()
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 24 * time.Hour
	}
	checker := "none"
	if cfg.Checker != nil {
		checker = cfg.Checker.Name()
	}
	log.Printf("Decision orchestrator initialized: fail_closed=%v checker=%s", cfg.FailClosed, checker)
	return &Orchestrator{
		risk:       cfg.Risk,
		explain:    cfg.Explain,
		store:      cfg.Store,
		health:     cfg.Health,
		metrics:    cfg.Metrics,
		bus:        cfg.Bus,
		checker:    cfg.Checker,
		failClosed: cfg.FailClosed,
		ttl:        cfg.CacheTTL,
		decisions:  cache.New[decisionState](),
		now:        time.Now,
		newID:      uuid.NewString,
	}, nil
}

// Start evicts expired decisions from the correlation cache until ctx ends.
func (o *Orchestrator) Start(ctx context.Context) {
	interval := o.ttl / 4
	if interval > time.Hour {
		interval = time.Hour
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := o.decisions.Cleanup(o.ttl); n > 0 {
					log.Printf("Orchestrator: evicted %d cached decisions", n)
				}
			}
		}
	}()
}

// --- Decisions ---

// Decide evaluates sig against the policy, consulting the configured
// PreTradeChecker if any. It never fails: every problem resolves to a
// rejected Decision.
func (o *Orchestrator) Decide(ctx context.Context, sig model.Signal, state model.RiskState) Decision {
	return o.decide(ctx, sig, state, nil, true)
}

// DecideWithVerdict is Decide with an externally computed verdict in place
// of the configured checker. A nil verdict means the caller has no opinion.
func (o *Orchestrator) DecideWithVerdict(ctx context.Context, sig model.Signal, state model.RiskState, external *events.Verdict) Decision {
	return o.decide(ctx, sig, state, external, false)
}

func (o *Orchestrator) decide(ctx context.Context, sig model.Signal, state model.RiskState, external *events.Verdict, useChecker bool) Decision {
	start := time.Now()
	corr := o.newID()
	dc := model.NewDecisionContext(corr, sig, state, o.now())
	d := Decision{CorrelationID: corr, Symbol: sig.Symbol, Stages: []Stage{StageSignalReceived}}

	lost := false
	emit := func(seq int, typ events.Type, payload any) {
		queued, encoded := o.emit(corr, seq, sig.Symbol, typ, payload)
		if !encoded {
			o.report(monitor.EvaluationFault, "audit", fmt.Sprintf("%s payload for %s not recordable (corr=%s seq=%d)", typ, sig.Symbol, corr, seq))
		}
		if !queued || !encoded {
			lost = true
		}
	}

	emit(1, events.TypeSignalGenerated, events.SignalGenerated{
		Strategy:   sig.StrategyName,
		Direction:  sig.Direction,
		Indicators: dc.Indicators(),
		RiskState:  state,
		AccountID:  sig.AccountID,
		Venue:      sig.Venue,
		Confidence: sig.Confidence,
		Strength:   sig.Strength,
	})

	d.Stages = append(d.Stages, StageInFlight)
	checked, explained, external := o.evaluate(ctx, dc, sig, state, external, useChecker)

	checked = o.risk.Combine(checked, external)
	if o.failClosed && o.store.Degraded() {
		verdicts := append(append([]events.Verdict(nil), checked.Verdicts...), events.Verdict{
			RuleID:   risk.RuleAuditUnavailable,
			Severity: events.SeverityBlock,
			Message:  "audit log unavailable",
		})
		checked = risk.Reduce(verdicts, o.risk.TieBreak())
	}
	d.Stages = append(d.Stages, StageVerdictReduced)

	if n := checked.Faults(); n > 0 {
		o.report(monitor.EvaluationFault, "risk", fmt.Sprintf("%d verdict(s) failed to evaluate for %s (corr=%s)", n, sig.Symbol, corr))
	}
	if explained.Fault {
		o.report(monitor.EvaluationFault, "explain", fmt.Sprintf("explanation fell back after a template fault for %s (corr=%s)", sig.Symbol, corr))
	}

	d.Approved = !checked.Blocked
	d.Checked = checked
	d.Explained = explained
	if d.Approved {
		e := explained
		d.Explanation = &e
	} else {
		v := checked.MostRestrictive
		d.Verdict = &v
	}

	emit(2, events.TypeRiskChecked, checked)
	emit(3, events.TypeExplainCreated, explained)
	d.AuditDegraded = lost || o.store.Degraded()
	emit(4, events.TypeDecision, events.DecisionRecorded{
		Approved:      d.Approved,
		Verdict:       d.Verdict,
		TemplateID:    explained.TemplateID,
		External:      external != nil,
		AuditDegraded: d.AuditDegraded,
	})
	// The decision event itself may be the one that was lost.
	d.AuditDegraded = d.AuditDegraded || lost
	d.Timestamp = o.now().UTC()

	stage := StageDecisionEmitted
	d.Stages = append(d.Stages, StageDecisionEmitted)
	if !d.Approved {
		stage = StageTerminalNoOrder
		d.Stages = append(d.Stages, StageTerminalNoOrder)
	}
	o.decisions.Set(corr, decisionState{symbol: sig.Symbol, approved: d.Approved, seq: 4, stage: stage})

	o.metrics.RecordDecision(d.Approved, time.Since(start))
	o.bus.Publish(events.TopicDecision, d)

	if d.Approved {
		log.Printf("✓ Decision %s %s %s approved (template=%s)", corr, sig.Direction, sig.Symbol, explained.TemplateID)
	} else {
		log.Printf("⛔ Decision %s %s %s rejected by %s: %s", corr, sig.Direction, sig.Symbol, d.Verdict.RuleID, d.Verdict.Message)
	}
	return d
}

// evaluate runs the risk engine, the explanation generator and the external
// checker concurrently and waits for all three.
func (o *Orchestrator) evaluate(ctx context.Context, dc model.DecisionContext, sig model.Signal, state model.RiskState, external *events.Verdict, useChecker bool) (events.RiskChecked, events.ExplainCreated, *events.Verdict) {
	ruleID, err := risk.RuleSignalValidation, sig.Validate()
	if err == nil {
		ruleID, err = risk.RuleRiskStateValidation, state.Validate()
	}
	if err != nil {
		log.Printf("⚠️ Orchestrator: rejecting malformed input (corr=%s): %v", dc.CorrelationID(), err)
		v := events.Verdict{RuleID: ruleID, Severity: events.SeverityBlock, Message: err.Error()}
		return risk.Reduce([]events.Verdict{v}, o.risk.TieBreak()), o.explain.Fallback(dc, false), external
	}

	var (
		wg        sync.WaitGroup
		checked   events.RiskChecked
		explained events.ExplainCreated
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer func() {
			if rec := recover(); rec != nil {
				log.Printf("[EVAL FAULT] risk engine panicked for %s (corr=%s): %v", dc.Symbol(), dc.CorrelationID(), rec)
				checked = risk.Reduce([]events.Verdict{risk.FaultVerdict(risk.RuleEngineFailure)}, o.risk.TieBreak())
			}
		}()
		checked = o.risk.Evaluate(dc)
	}()
	go func() {
		defer wg.Done()
		defer func() {
			if rec := recover(); rec != nil {
				log.Printf("[EVAL FAULT] explanation generator panicked for %s (corr=%s): %v", dc.Symbol(), dc.CorrelationID(), rec)
				explained = o.explain.Fallback(dc, true)
			}
		}()
		explained = o.explain.Generate(dc)
	}()
	if useChecker && o.checker != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			external = o.check(ctx, dc, sig, state)
		}()
	}
	wg.Wait()
	return checked, explained, external
}

// check consults the PreTradeChecker. An error or panic is a fail-closed
// fault verdict attributed to the checker.
func (o *Orchestrator) check(ctx context.Context, dc model.DecisionContext, sig model.Signal, state model.RiskState) (v *events.Verdict) {
	name := o.checker.Name()
	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("[EVAL FAULT] pre-trade checker %s panicked (corr=%s): %v", name, dc.CorrelationID(), rec)
			f := risk.FaultVerdict(name)
			v = &f
		}
	}()
	res, err := o.checker.Check(ctx, sig, state)
	if err != nil {
		log.Printf("[EVAL FAULT] pre-trade checker %s failed (corr=%s): %v", name, dc.CorrelationID(), err)
		f := risk.FaultVerdict(name)
		return &f
	}
	if res == nil {
		return nil
	}
	out := *res
	if out.RuleID == "" {
		out.RuleID = name
	}
	return &out
}

// emit builds one audit event and enqueues it. queued reports whether an
// event reached the store queue; encoded is false when the payload had to be
// replaced by an encode_error placeholder to keep the slot in the trail.
func (o *Orchestrator) emit(corr string, seq int, symbol string, typ events.Type, payload any) (queued, encoded bool) {
	encoded = true
	ev, err := events.New(corr, seq, symbol, typ, o.now(), payload)
	if err != nil {
		encoded = false
		log.Printf("[EVAL FAULT] Orchestrator: %v (corr=%s seq=%d)", err, corr, seq)
		ev, err = events.New(corr, seq, symbol, typ, o.now(), map[string]string{"encode_error": err.Error()})
		if err != nil {
			log.Printf("❌ Orchestrator: cannot build %s event (corr=%s): %v", typ, corr, err)
			return false, false
		}
	}
	if err := o.store.Append(ev); err != nil {
		o.metrics.IncrementErrors()
		log.Printf("❌ Orchestrator: audit append failed for %s seq=%d (corr=%s): %v", typ, seq, corr, err)
		return false, encoded
	}
	return true, encoded
}

func (o *Orchestrator) report(kind monitor.FaultKind, component, msg string) {
	if o.health == nil {
		return
	}
	o.health.Report(monitor.Fault{Kind: kind, Component: component, Message: msg})
}

// --- Order life-cycle ---

// ReportOrderOutcome records an order event for an earlier decision. The
// event takes the next seq of that decision's trail.
func (o *Orchestrator) ReportOrderOutcome(ctx context.Context, outcome model.OrderOutcome) error {
	if err := outcome.Validate(); err != nil {
		return err
	}
	typ, payload, err := events.OrderEvent(outcome)
	if err != nil {
		return err
	}

	st, err := o.nextSeq(ctx, outcome.CorrelationID)
	if err != nil {
		return err
	}
	if !st.approved {
		log.Printf("⚠️ Orchestrator: %s reported for rejected decision (corr=%s)", typ, outcome.CorrelationID)
	}

	ev, err := events.New(outcome.CorrelationID, st.seq, st.symbol, typ, o.now(), payload)
	if err != nil {
		return err
	}
	if err := o.store.Append(ev); err != nil {
		o.metrics.IncrementErrors()
		return fmt.Errorf("record %s: %w", typ, err)
	}
	o.metrics.IncrementOrderOutcomes()
	return nil
}

// nextSeq reserves the next seq for corr, loading the decision from the
// trail when it is no longer cached.
func (o *Orchestrator) nextSeq(ctx context.Context, corr string) (decisionState, error) {
	bump := func(cur decisionState, ok bool) (decisionState, bool) {
		if !ok {
			return cur, false
		}
		cur.seq++
		cur.stage = StageOrderReported
		return cur, true
	}
	if st, ok := o.decisions.Update(corr, bump); ok {
		return st, nil
	}

	trail, err := o.store.Trail(ctx, corr)
	if err != nil {
		return decisionState{}, fmt.Errorf("load trail %s: %w", corr, err)
	}
	if len(trail) == 0 {
		return decisionState{}, fmt.Errorf("%w: %s", ErrUnknownCorrelation, corr)
	}
	loaded := decisionState{symbol: trail[0].Symbol, stage: StageOrderReported}
	for _, ev := range trail {
		if ev.Seq > loaded.seq {
			loaded.seq = ev.Seq
		}
		if ev.Type != events.TypeDecision {
			continue
		}
		if rec, err := events.Decode[events.DecisionRecorded](ev); err == nil {
			loaded.approved = rec.Approved
		}
	}

	st, _ := o.decisions.Update(corr, func(cur decisionState, ok bool) (decisionState, bool) {
		if ok {
			return bump(cur, ok)
		}
		loaded.seq++
		return loaded, true
	})
	return st, nil
}

// --- Queries ---

// GetDailyReport returns the aggregate report of one UTC day (YYYY-MM-DD).
func (o *Orchestrator) GetDailyReport(ctx context.Context, date string) (persistence.DailyReport, error) {
	if _, err := persistence.ParseDay(date); err != nil {
		return persistence.DailyReport{}, err
	}
	return o.store.DailyReport(ctx, date)
}

// GetDecisionTrail returns the persisted events of one decision in order.
func (o *Orchestrator) GetDecisionTrail(ctx context.Context, correlationID string) ([]events.AuditEvent, error) {
	if correlationID == "" {
		return nil, ErrCorrelationEmpty
	}
	return o.store.Trail(ctx, correlationID)
}

// Flush waits until every event emitted so far is durable.
func (o *Orchestrator) Flush(ctx context.Context) error {
	return o.store.Flush(ctx)
}

// --- System ---

// Health returns the operator view of the pipeline.
func (o *Orchestrator) Health(ctx context.Context) HealthStatus {
	st := HealthStatus{
		Store:   o.store.Metrics(),
		Risk:    o.risk.Metrics(),
		Explain: o.explain.Metrics(),
		Cached:  o.decisions.Len(),
	}
	if o.health != nil {
		st.Monitor = o.health.Snapshot()
	}
	return st
}
