package explain

import (
	"fmt"
	"math"

	"audit-core/internal/model"
)

// trendATR narrates a moving-average trend confirmed by volatility.
// Indicators: ema_5, ema_20, atr; optional atr_prev, rsi, price.
type trendATR struct{}

func (trendATR) ID() string { return TemplateTrendATR }

func (trendATR) Applies(ctx model.DecisionContext) bool {
	return ctx.IsDirectional() && has(ctx, "ema_5", "ema_20", "atr") && ctx.IndicatorOr("ema_20", 0) > 0
}

func (trendATR) Render(ctx model.DecisionContext) (Rendering, error) {
	fast := ctx.IndicatorOr("ema_5", 0)
	slow := ctx.IndicatorOr("ema_20", 0)
	atr := ctx.IndicatorOr("atr", 0)
	dir := ctx.Direction()

	gapPct := (fast - slow) / slow * 100
	aligned := gapPct*sign(dir) > 0
	slots := map[string]float64{"ema_5": fast, "ema_20": slow, "atr": atr, "ema_gap_pct": gapPct}

	trend := "downtrend"
	cmp := "below"
	if fast > slow {
		trend, cmp = "uptrend", "above"
	}
	lines := []string{
		fmt.Sprintf("%s %s: EMA5 (%.2f) %s EMA20 (%.2f), %s of %.2f%%", dir, ctx.Symbol(), fast, cmp, slow, trend, math.Abs(gapPct)),
	}
	if rsi, ok := ctx.Indicator("rsi"); ok {
		slots["rsi"] = rsi
		lines = append(lines, rsiLine(rsi, dir))
	}

	atrScore := 0.5
	if prev, ok := ctx.Indicator("atr_prev"); ok && prev > 0 {
		ratio := atr / prev
		slots["atr_ratio"] = ratio
		atrScore = clamp01(ratio - 1)
		lines = append(lines, fmt.Sprintf("ATR expanded %.2fx to %.4f", ratio, atr))
	}
	if price, ok := ctx.Indicator("price"); ok && price > 0 {
		atrPct := atr / price * 100
		slots["atr_pct"] = atrPct
		regime := "normal"
		switch {
		case atrPct > 2:
			regime = "high"
		case atrPct < 0.5:
			regime = "low"
		}
		lines = append(lines, fmt.Sprintf("ATR=%.4f (%.2f%% of price) shows %s volatility", atr, atrPct, regime))
	}
	lines = append(lines, riskLine(ctx))

	quality := 0.2 * clamp01(math.Abs(gapPct)/2)
	if aligned {
		quality = 0.3 + 0.4*clamp01(math.Abs(gapPct)/2) + 0.3*atrScore
	}
	return Rendering{Lines: lines, Slots: slots, Quality: clamp01(quality)}, nil
}

// rangeRevert narrates a reversal inside narrow Bollinger bands.
// Indicators: bb_upper, bb_lower, rsi, price.
type rangeRevert struct{}

const maxRangeWidthPct = 4.0

func (rangeRevert) ID() string { return TemplateRangeRevert }

func (rangeRevert) Applies(ctx model.DecisionContext) bool {
	if !ctx.IsDirectional() || !has(ctx, "bb_upper", "bb_lower", "rsi", "price") {
		return false
	}
	price := ctx.IndicatorOr("price", 0)
	upper, lower := ctx.IndicatorOr("bb_upper", 0), ctx.IndicatorOr("bb_lower", 0)
	return price > 0 && upper > lower && (upper-lower)/price*100 < maxRangeWidthPct
}

func (rangeRevert) Render(ctx model.DecisionContext) (Rendering, error) {
	price := ctx.IndicatorOr("price", 0)
	upper, lower := ctx.IndicatorOr("bb_upper", 0), ctx.IndicatorOr("bb_lower", 0)
	rsi := ctx.IndicatorOr("rsi", 50)
	dir := ctx.Direction()

	widthPct := (upper - lower) / price * 100
	// BUY wants a low RSI, SELL a high one.
	rsiScore := clamp01((50 - rsi) * sign(dir) / 20)
	narrow := clamp01((maxRangeWidthPct - widthPct) / maxRangeWidthPct)

	lines := []string{
		fmt.Sprintf("Bollinger width %.2f%% marks a ranging market on %s", widthPct, ctx.Symbol()),
		fmt.Sprintf("RSI=%.1f supports a %s reversal (strength %.0f%%)", rsi, dir, rsiScore*100),
		riskLine(ctx),
		"reversal setups call for a small position and a tight stop",
	}
	return Rendering{
		Lines:   lines,
		Slots:   map[string]float64{"bb_width_pct": widthPct, "rsi": rsi, "price": price},
		Quality: clamp01(0.6*rsiScore + 0.4*narrow),
	}, nil
}

// breakoutPullback narrates a volume-confirmed breakout.
// Indicators: volume, avg_volume, price_change_pct.
type breakoutPullback struct{}

func (breakoutPullback) ID() string { return TemplateBreakoutPullback }

func (breakoutPullback) Applies(ctx model.DecisionContext) bool {
	if !ctx.IsDirectional() || !has(ctx, "volume", "avg_volume", "price_change_pct") {
		return false
	}
	avg := ctx.IndicatorOr("avg_volume", 0)
	return avg > 0 && ctx.IndicatorOr("volume", 0) > avg
}

func (breakoutPullback) Render(ctx model.DecisionContext) (Rendering, error) {
	vol := ctx.IndicatorOr("volume", 0)
	avg := ctx.IndicatorOr("avg_volume", 0)
	change := ctx.IndicatorOr("price_change_pct", 0)
	dir := ctx.Direction()

	ratio := vol / avg
	volScore := clamp01(ratio - 1)
	momScore := 0.0
	if change*sign(dir) > 0 {
		momScore = clamp01(math.Abs(change) / 3)
	}

	confirm := "below the 1.5x breakout bar"
	if ratio >= 1.5 {
		confirm = "confirms the breakout"
	}
	lines := []string{
		fmt.Sprintf("volume %.0f is %.2fx the average %.0f and %s", vol, ratio, avg, confirm),
		fmt.Sprintf("price moved %.2f%%, momentum score %.0f%% for %s", change, momScore*100, dir),
		riskLine(ctx),
		"breakouts need a trailing stop against false breaks",
	}
	return Rendering{
		Lines:   lines,
		Slots:   map[string]float64{"volume_ratio": ratio, "price_change_pct": change},
		Quality: clamp01(0.5*volScore + 0.5*momScore),
	}, nil
}

// momentumVolume narrates a MACD crossover backed by volume.
// Indicators: macd, macd_signal; optional volume_ratio.
type momentumVolume struct{}

func (momentumVolume) ID() string { return TemplateMomentumVolume }

func (momentumVolume) Applies(ctx model.DecisionContext) bool {
	return ctx.IsDirectional() && has(ctx, "macd", "macd_signal")
}

func (momentumVolume) Render(ctx model.DecisionContext) (Rendering, error) {
	macd := ctx.IndicatorOr("macd", 0)
	signal := ctx.IndicatorOr("macd_signal", 0)
	vr := ctx.IndicatorOr("volume_ratio", 1)
	dir := ctx.Direction()

	hist := macd - signal
	quality := 0.5 * clamp01((vr-1)/0.5)
	cmp := "<"
	strength := "lacks momentum"
	if hist*sign(dir) > 0 {
		quality += 0.5
		strength = "has momentum"
	}
	if hist > 0 {
		cmp = ">"
	}
	flow := "thin"
	if vr > 1.2 {
		flow = "strong"
	}
	lines := []string{
		fmt.Sprintf("MACD (%.4f) %s signal line (%.4f): %s %s", macd, cmp, signal, dir, strength),
		fmt.Sprintf("volume ratio %.2f shows %s participation", vr, flow),
		riskLine(ctx),
		"momentum trades should be short-lived with tight stops",
	}
	return Rendering{
		Lines:   lines,
		Slots:   map[string]float64{"macd": macd, "macd_signal": signal, "macd_hist": hist, "volume_ratio": vr},
		Quality: clamp01(quality),
	}, nil
}

// meanReversion narrates a stretched price expected to return to its mean.
// Indicators: price_deviation, bb_position; optional rsi.
type meanReversion struct{}

func (meanReversion) ID() string { return TemplateMeanReversion }

func (meanReversion) Applies(ctx model.DecisionContext) bool {
	return ctx.IsDirectional() && has(ctx, "price_deviation", "bb_position")
}

func (meanReversion) Render(ctx model.DecisionContext) (Rendering, error) {
	dev := ctx.IndicatorOr("price_deviation", 0)
	pos := ctx.IndicatorOr("bb_position", 0.5)
	dir := ctx.Direction()
	s := sign(dir)

	// BUY expects price below the mean (negative deviation, low band position).
	devScore := 0.0
	if dev*s < 0 {
		devScore = clamp01(math.Abs(dev) / 3)
	}
	bbScore := clamp01((0.5 - pos) * s / 0.4)

	band := "the middle of the band"
	switch {
	case pos < 0.2:
		band = "the lower band"
	case pos > 0.8:
		band = "the upper band"
	}
	lines := []string{
		fmt.Sprintf("price deviates %.2f%% from its mean, %s reversion strength %.0f%%", dev, dir, devScore*100),
		fmt.Sprintf("price sits near %s (position %.2f)", band, pos),
	}
	slots := map[string]float64{"price_deviation": dev, "bb_position": pos}

	rsiScore := 0.0
	if rsi, ok := ctx.Indicator("rsi"); ok {
		slots["rsi"] = rsi
		if (dir == model.DirectionBuy && rsi < 40) || (dir == model.DirectionSell && rsi > 60) {
			rsiScore = 1
			lines = append(lines, fmt.Sprintf("RSI=%.1f confirms the %s reversion", rsi, dir))
		} else {
			lines = append(lines, fmt.Sprintf("RSI=%.1f gives little support to the %s reversion", rsi, dir))
		}
	}
	lines = append(lines, riskLine(ctx))

	return Rendering{
		Lines:   lines,
		Slots:   slots,
		Quality: clamp01(0.4*devScore + 0.4*bbScore + 0.2*rsiScore),
	}, nil
}
