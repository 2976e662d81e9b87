package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"audit-core/internal/events"
	"audit-core/pkg/db"
)

// OrderCounts groups order events by outcome.
type OrderCounts struct {
	Submitted int `json:"submitted"`
	Filled    int `json:"filled"`
	Rejected  int `json:"rejected"`
	Cancelled int `json:"cancelled"`
}

// Total is the number of order events of any kind.
func (o OrderCounts) Total() int {
	return o.Submitted + o.Filled + o.Rejected + o.Cancelled
}

func (o *OrderCounts) add(t events.Type) {
	switch t {
	case events.TypeOrderSubmitted:
		o.Submitted++
	case events.TypeOrderFilled:
		o.Filled++
	case events.TypeOrderRejected:
		o.Rejected++
	case events.TypeOrderCancelled:
		o.Cancelled++
	}
}

// SymbolStats is the per-symbol breakdown of a daily report.
type SymbolStats struct {
	Signals    int         `json:"signals"`
	Approvals  int         `json:"approvals"`
	Rejections int         `json:"rejections"`
	Orders     OrderCounts `json:"orders"`
}

// RuleStats is the per-rule breakdown of a daily report.
type RuleStats struct {
	Blocks   int `json:"blocks"`
	Warnings int `json:"warnings"`
	Faults   int `json:"faults"`
}

// DailyReport aggregates one UTC day of the index.
type DailyReport struct {
	Date                   string                  `json:"date"`
	TotalEvents            int                     `json:"total_events"`
	Signals                int                     `json:"signals"`
	Approvals              int                     `json:"approvals"`
	Rejections             int                     `json:"rejections"`
	Orders                 OrderCounts             `json:"orders"`
	PassRate               float64                 `json:"pass_rate"`
	FillRate               float64                 `json:"fill_rate"`
	LowQualityExplanations int                     `json:"low_quality_explanations"`
	EvaluationFaults       int                     `json:"evaluation_faults"`
	PerSymbol              map[string]*SymbolStats `json:"per_symbol"`
	PerRule                map[string]RuleStats    `json:"per_rule"`
}

// ParseDay validates a YYYY-MM-DD day key.
func ParseDay(day string) (time.Time, error) {
	t, err := time.Parse(events.DayLayout, day)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidDate, day)
	}
	return t, nil
}

// DailyReport builds the report for day from one read-only snapshot.
func (ix *Index) DailyReport(ctx context.Context, day string) (DailyReport, error) {
	if _, err := ParseDay(day); err != nil {
		return DailyReport{}, err
	}

	tx, err := ix.db.Reader.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return DailyReport{}, fmt.Errorf("begin report tx: %w", err)
	}
	defer tx.Rollback()

	evs, err := db.DayEvents(ctx, tx, day)
	if err != nil {
		return DailyReport{}, err
	}
	rules, err := db.RuleCounts(ctx, tx, day)
	if err != nil {
		return DailyReport{}, err
	}
	return buildReport(day, evs, rules), nil
}

func buildReport(day string, evs []db.DayEvent, rules []db.RuleCount) DailyReport {
	r := DailyReport{
		Date:      day,
		PerSymbol: make(map[string]*SymbolStats),
		PerRule:   make(map[string]RuleStats),
	}
	sym := func(s string) *SymbolStats {
		st, ok := r.PerSymbol[s]
		if !ok {
			st = &SymbolStats{}
			r.PerSymbol[s] = st
		}
		return st
	}

	for _, e := range evs {
		r.TotalEvents++
		t := events.Type(e.EventType)
		switch {
		case t == events.TypeSignalGenerated:
			r.Signals++
			sym(e.Symbol).Signals++
		case t == events.TypeDecision:
			if e.Approved {
				r.Approvals++
				sym(e.Symbol).Approvals++
			} else {
				r.Rejections++
				sym(e.Symbol).Rejections++
			}
		case t == events.TypeExplainCreated:
			if e.Quality == events.QualityLow {
				r.LowQualityExplanations++
			}
			if e.Fault {
				r.EvaluationFaults++
			}
		case t.IsOrder():
			r.Orders.add(t)
			st := sym(e.Symbol)
			st.Orders.add(t)
		}
	}

	for _, c := range rules {
		r.PerRule[c.RuleID] = RuleStats{Blocks: c.Blocks, Warnings: c.Warnings, Faults: c.Faults}
		r.EvaluationFaults += c.Faults
	}

	if decided := r.Approvals + r.Rejections; decided > 0 {
		r.PassRate = float64(r.Approvals) / float64(decided)
	}
	if r.Approvals > 0 {
		r.FillRate = float64(r.Orders.Filled) / float64(r.Approvals)
	}
	return r
}
