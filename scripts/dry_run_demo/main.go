package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"

	"audit-core/internal/engine"
	"audit-core/internal/events"
	"audit-core/internal/explain"
	"audit-core/internal/model"
	"audit-core/internal/monitor"
	"audit-core/internal/persistence"
	"audit-core/internal/risk"
)

// dry_run_demo runs a few realistic signals through an in-process pipeline
// writing to a throwaway audit directory.
//
// Usage:
//   go run ./scripts/dry_run_demo
//
// It will:
//   1) Approve a clean trend signal and report its fill.
//   2) Reject a signal over the leverage cap.
//   3) Reject a signal that breaches a WARNING and a BLOCK rule.
//   4) Reject a malformed signal.
//   5) Flush and print the daily report and one decision trail.

func main() {
	log.Println("=== DRY-RUN demo starting ===")

	dir, err := os.MkdirTemp("", "audit-demo-")
	if err != nil {
		log.Fatalf("temp dir error: %v", err)
	}
	defer os.RemoveAll(dir)

	storeCfg := persistence.DefaultConfig()
	storeCfg.Dir = filepath.Join(dir, "journal")
	storeCfg.DBPath = filepath.Join(dir, "index.db")
	storeCfg.BatchInterval = 20 * time.Millisecond

	health := monitor.NewHealth(nil)
	store, err := persistence.Open(storeCfg, persistence.WithFaultReporter(health))
	if err != nil {
		log.Fatalf("open store error: %v", err)
	}
	riskEngine, err := risk.NewEngine(risk.DefaultConfig())
	if err != nil {
		log.Fatalf("risk engine error: %v", err)
	}
	generator, err := explain.NewGenerator(explain.DefaultConfig())
	if err != nil {
		log.Fatalf("explain error: %v", err)
	}
	orch, err := engine.NewOrchestrator(engine.Config{
		Risk:    riskEngine,
		Explain: generator,
		Store:   store,
		Health:  health,
	})
	if err != nil {
		log.Fatalf("orchestrator error: %v", err)
	}

	ctx := context.Background()
	trend := model.Signal{
		Symbol:       "BTCUSDT",
		StrategyName: "ema_cross",
		Direction:    model.DirectionBuy,
		Indicators:   map[string]float64{"ema_5": 105, "ema_20": 100, "atr": 2, "atr_prev": 1.5, "price": 105},
	}
	healthy := model.RiskState{Leverage: 1.5, DistToLiquidation: 40, DailyLossPct: 1, ProposedSlippageBps: 2}

	log.Printf("[SCENARIO 1] Clean %s trend signal", trend.Symbol)
	approved := orch.Decide(ctx, trend, healthy)
	logDecision(approved)
	if approved.Approved {
		err := orch.ReportOrderOutcome(ctx, model.OrderOutcome{
			CorrelationID: approved.CorrelationID,
			Status:        model.OrderFilled,
			OrderID:       "demo-1",
			Price:         decimal.RequireFromString("105.10"),
			Qty:           decimal.RequireFromString("0.25"),
		})
		if err != nil {
			log.Printf("order outcome error: %v", err)
		}
	}

	log.Println("[SCENARIO 2] Leverage above cap")
	levered := healthy
	levered.Leverage = 3
	logDecision(orch.Decide(ctx, trend, levered))

	log.Println("[SCENARIO 3] Slippage WARNING plus liquidation BLOCK")
	stressed := healthy
	stressed.ProposedSlippageBps = 9
	stressed.DistToLiquidation = 5
	logDecision(orch.Decide(ctx, trend, stressed))

	log.Println("[SCENARIO 4] Malformed signal")
	logDecision(orch.Decide(ctx, model.Signal{Direction: model.DirectionBuy}, healthy))

	if err := orch.Flush(ctx); err != nil {
		log.Fatalf("flush error: %v", err)
	}

	log.Println("[SCENARIO 5] Daily report and trail")
	report, err := orch.GetDailyReport(ctx, time.Now().UTC().Format(events.DayLayout))
	if err != nil {
		log.Fatalf("report error: %v", err)
	}
	printJSON(report)

	trail, err := orch.GetDecisionTrail(ctx, approved.CorrelationID)
	if err != nil {
		log.Fatalf("trail error: %v", err)
	}
	for _, ev := range trail {
		log.Printf("  seq=%d %-16s %s", ev.Seq, ev.Type, ev.ID)
	}

	closeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := store.Close(closeCtx); err != nil {
		log.Printf("close error: %v", err)
	}
	log.Println("=== DRY-RUN demo finished ===")
}

func logDecision(d engine.Decision) {
	if d.Approved {
		log.Printf("  ✓ approved %s: %s", d.CorrelationID, d.Explanation.Text)
		return
	}
	log.Printf("  ⛔ rejected %s by %s (%s): %s", d.CorrelationID, d.Verdict.RuleID, d.Verdict.Severity, d.Verdict.Message)
}

func printJSON(v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	log.Println(string(b))
}
