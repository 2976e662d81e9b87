package explain

import (
	"fmt"
	"math"

	"audit-core/internal/model"
)

// Template is a narrative pattern for one market regime. Implementations are
// pure functions of the context.
type Template interface {
	ID() string
	Applies(ctx model.DecisionContext) bool
	Render(ctx model.DecisionContext) (Rendering, error)
}

// Rendering is a filled template.
type Rendering struct {
	Lines []string
	Slots map[string]float64
	// Quality in [0,1]: how closely the indicators match the canonical pattern.
	Quality float64
}

const fallbackText = "signal generated; no narrative pattern matched"

type fallback struct{}

func (fallback) ID() string                         { return TemplateFallback }
func (fallback) Applies(model.DecisionContext) bool { return true }

func (fallback) Render(ctx model.DecisionContext) (Rendering, error) {
	return Rendering{Lines: []string{fallbackText}, Quality: 0}, nil
}

// registry maps template ids to their implementations.
var registry = map[string]Template{
	TemplateTrendATR:         trendATR{},
	TemplateRangeRevert:      rangeRevert{},
	TemplateBreakoutPullback: breakoutPullback{},
	TemplateMomentumVolume:   momentumVolume{},
	TemplateMeanReversion:    meanReversion{},
}

func clamp01(x float64) float64 {
	if math.IsNaN(x) {
		return 0
	}
	return math.Max(0, math.Min(1, x))
}

// has reports whether every named indicator is present.
func has(ctx model.DecisionContext, names ...string) bool {
	for _, n := range names {
		if _, ok := ctx.Indicator(n); !ok {
			return false
		}
	}
	return true
}

// sign returns +1 for BUY and -1 for SELL.
func sign(d model.Direction) float64 {
	if d == model.DirectionSell {
		return -1
	}
	return 1
}

func riskLine(ctx model.DecisionContext) string {
	s := ctx.RiskState()
	return fmt.Sprintf("risk state: leverage %.2fx, %.1f%% from liquidation, daily loss %.2f%%",
		s.Leverage, s.DistToLiquidation, s.DailyLossPct)
}

func rsiLine(rsi float64, dir model.Direction) string {
	switch {
	case rsi < 30:
		return fmt.Sprintf("RSI=%.1f is oversold, %s signal", rsi, dir)
	case rsi > 70:
		return fmt.Sprintf("RSI=%.1f is overbought, %s signal", rsi, dir)
	default:
		return fmt.Sprintf("RSI=%.1f is in the normal range, %s signal", rsi, dir)
	}
}
