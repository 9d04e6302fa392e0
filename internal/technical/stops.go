// Package technical computes protective stop prices from candle history.
//
// Stops are derived from market structure wherever the data supports it:
// clustered support/resistance levels first, then raw swing extremes, then
// volatility (ATR), and finally a flat percentage as the last resort. Each
// method is tried in order and a method whose stop violates the configured
// distance bounds falls through to the next one.
package technical

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"trading-risk-engine/internal/exchange"
)

// Method identifies which rung of the cascade produced the stop.
type Method string

const (
	MethodSupportResistance Method = "SUPPORT_RESISTANCE"
	MethodSwingPoint        Method = "SWING_POINT"
	MethodATR               Method = "ATR"
	MethodPercent           Method = "PERCENT"
)

// Confidence grades how much structure backs the stop placement.
type Confidence string

const (
	ConfidenceHigh   Confidence = "HIGH"
	ConfidenceMedium Confidence = "MEDIUM"
	ConfidenceLow    Confidence = "LOW"
)

// LevelKind distinguishes support from resistance.
type LevelKind string

const (
	LevelSupport    LevelKind = "SUPPORT"
	LevelResistance LevelKind = "RESISTANCE"
)

// Level is a clustered price zone built from swing points.
type Level struct {
	Price    decimal.Decimal `json:"price"`
	Touches  int             `json:"touches"`
	Strength int             `json:"strength"`
	Kind     LevelKind       `json:"kind"`
}

// StopResult describes the chosen stop and how it was derived.
type StopResult struct {
	StopPrice       decimal.Decimal `json:"stop_price"`
	Method          Method          `json:"method"`
	Confidence      Confidence      `json:"confidence"`
	Levels          []Level         `json:"levels,omitempty"`
	SelectedLevel   *Level          `json:"selected_level,omitempty"`
	ATR             decimal.Decimal `json:"atr,omitempty"`
	StopDistancePct decimal.Decimal `json:"stop_distance_pct"`
	Timeframe       string          `json:"timeframe"`
	Warnings        []string        `json:"warnings,omitempty"`
}

// StopConfig holds the thresholds the cascade works with. Percentages are
// expressed as whole numbers (0.5 means 0.5%).
type StopConfig struct {
	LevelTolerancePct decimal.Decimal // cluster width as % of entry price
	MinTouches        int             // touches required for a level to count
	LevelN            int             // which level to place the stop behind
	SwingLookback     int             // candles scanned by the swing fallback
	ATRPeriod         int             // true ranges averaged for ATR
	ATRMultiplier     decimal.Decimal // stop distance = ATR * multiplier
	BufferPct         decimal.Decimal // buffer past the level, % of entry
	PercentFallback   decimal.Decimal // flat stop distance, % of entry
	MinStopPct        decimal.Decimal // tightest acceptable stop distance
	MaxStopPct        decimal.Decimal // widest acceptable stop distance
}

// DefaultStopConfig returns the production defaults.
func DefaultStopConfig() StopConfig {
	return StopConfig{
		LevelTolerancePct: decimal.NewFromFloat(0.5),
		MinTouches:        2,
		LevelN:            2,
		SwingLookback:     20,
		ATRPeriod:         14,
		ATRMultiplier:     decimal.NewFromFloat(1.5),
		BufferPct:         decimal.NewFromFloat(0.1),
		PercentFallback:   decimal.NewFromFloat(2.0),
		MinStopPct:        decimal.NewFromFloat(0.1),
		MaxStopPct:        decimal.NewFromFloat(10.0),
	}
}

// Calculator derives stops from OHLCV candles.
type Calculator struct {
	cfg StopConfig
}

// NewCalculator creates a calculator with the given thresholds. Zero-valued
// fields are replaced with defaults so callers can override selectively.
func NewCalculator(cfg StopConfig) *Calculator {
	def := DefaultStopConfig()
	if cfg.LevelTolerancePct.IsZero() {
		cfg.LevelTolerancePct = def.LevelTolerancePct
	}
	if cfg.MinTouches == 0 {
		cfg.MinTouches = def.MinTouches
	}
	if cfg.LevelN == 0 {
		cfg.LevelN = def.LevelN
	}
	if cfg.SwingLookback == 0 {
		cfg.SwingLookback = def.SwingLookback
	}
	if cfg.ATRPeriod == 0 {
		cfg.ATRPeriod = def.ATRPeriod
	}
	if cfg.ATRMultiplier.IsZero() {
		cfg.ATRMultiplier = def.ATRMultiplier
	}
	if cfg.BufferPct.IsZero() {
		cfg.BufferPct = def.BufferPct
	}
	if cfg.PercentFallback.IsZero() {
		cfg.PercentFallback = def.PercentFallback
	}
	if cfg.MinStopPct.IsZero() {
		cfg.MinStopPct = def.MinStopPct
	}
	if cfg.MaxStopPct.IsZero() {
		cfg.MaxStopPct = def.MaxStopPct
	}
	return &Calculator{cfg: cfg}
}

// Calculate returns a stop price for the given entry and side. Candles must
// be in chronological order. For BUY the stop always lands below entry, for
// SELL above it.
func (c *Calculator) Calculate(candles []exchange.Candle, entry decimal.Decimal, side exchange.Side, timeframe string) (*StopResult, error) {
	if !side.Valid() {
		return nil, fmt.Errorf("invalid side %q", side)
	}
	if entry.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("entry price must be positive, got %s", entry)
	}

	res := &StopResult{Timeframe: timeframe}

	if len(candles) < c.cfg.ATRPeriod {
		res.warn(fmt.Sprintf("insufficient history (%d candles, need %d), using percent stop", len(candles), c.cfg.ATRPeriod))
		c.percentStop(res, entry, side)
		return res, nil
	}

	if c.supportResistanceStop(res, candles, entry, side) {
		return res, nil
	}
	if c.swingStop(res, candles, entry, side) {
		return res, nil
	}
	if c.atrStop(res, candles, entry, side) {
		return res, nil
	}
	c.percentStop(res, entry, side)
	return res, nil
}

// supportResistanceStop places the stop behind the N-th clustered level on
// the protective side of entry. Returns false when there is not enough
// structure or the resulting distance is out of bounds.
func (c *Calculator) supportResistanceStop(res *StopResult, candles []exchange.Candle, entry decimal.Decimal, side exchange.Side) bool {
	var points []decimal.Decimal
	var kind LevelKind
	if side == exchange.SideBuy {
		points = swingLows(candles)
		kind = LevelSupport
	} else {
		points = swingHighs(candles)
		kind = LevelResistance
	}
	if len(points) == 0 {
		return false
	}

	levels := clusterLevels(points, entry, c.cfg.LevelTolerancePct, kind)

	// Keep levels on the protective side of entry, nearest first, with
	// enough touches to be trusted.
	kept := levels[:0]
	for _, lv := range levels {
		if lv.Touches < c.cfg.MinTouches {
			continue
		}
		if side == exchange.SideBuy && lv.Price.LessThan(entry) {
			kept = append(kept, lv)
		} else if side == exchange.SideSell && lv.Price.GreaterThan(entry) {
			kept = append(kept, lv)
		}
	}
	if side == exchange.SideBuy {
		sort.Slice(kept, func(i, j int) bool { return kept[i].Price.GreaterThan(kept[j].Price) })
	} else {
		sort.Slice(kept, func(i, j int) bool { return kept[i].Price.LessThan(kept[j].Price) })
	}
	res.Levels = kept

	if len(kept) < c.cfg.LevelN {
		return false
	}

	selected := kept[c.cfg.LevelN-1]
	buffer := pctOf(c.cfg.BufferPct, entry)
	var stop decimal.Decimal
	if side == exchange.SideBuy {
		stop = selected.Price.Sub(buffer)
	} else {
		stop = selected.Price.Add(buffer)
	}
	if wrongSide(stop, entry, side) {
		res.warn("support/resistance stop landed on the wrong side of entry")
		return false
	}
	if !c.applyBounds(res, stop, entry, "support/resistance") {
		return false
	}

	conf := ConfidenceMedium
	if selected.Touches >= 3 {
		conf = ConfidenceHigh
	}
	res.StopPrice = stop
	res.Method = MethodSupportResistance
	res.Confidence = conf
	res.SelectedLevel = &selected
	return true
}

// swingStop uses the extreme of the recent lookback window.
func (c *Calculator) swingStop(res *StopResult, candles []exchange.Candle, entry decimal.Decimal, side exchange.Side) bool {
	window := candles
	if len(window) > c.cfg.SwingLookback {
		window = window[len(window)-c.cfg.SwingLookback:]
	}

	var extreme decimal.Decimal
	found := false
	for _, k := range window {
		if side == exchange.SideBuy {
			if k.Low.LessThan(entry) && (!found || k.Low.LessThan(extreme)) {
				extreme = k.Low
				found = true
			}
		} else {
			if k.High.GreaterThan(entry) && (!found || k.High.GreaterThan(extreme)) {
				extreme = k.High
				found = true
			}
		}
	}
	if !found {
		return false
	}

	buffer := pctOf(c.cfg.BufferPct, entry)
	var stop decimal.Decimal
	if side == exchange.SideBuy {
		stop = extreme.Sub(buffer)
	} else {
		stop = extreme.Add(buffer)
	}
	if wrongSide(stop, entry, side) {
		res.warn("swing stop landed on the wrong side of entry")
		return false
	}
	if !c.applyBounds(res, stop, entry, "swing point") {
		return false
	}

	res.StopPrice = stop
	res.Method = MethodSwingPoint
	res.Confidence = ConfidenceMedium
	return true
}

// atrStop sizes the stop distance from recent volatility.
func (c *Calculator) atrStop(res *StopResult, candles []exchange.Candle, entry decimal.Decimal, side exchange.Side) bool {
	atr, ok := averageTrueRange(candles, c.cfg.ATRPeriod)
	if !ok || atr.LessThanOrEqual(decimal.Zero) {
		return false
	}

	distance := atr.Mul(c.cfg.ATRMultiplier)
	var stop decimal.Decimal
	if side == exchange.SideBuy {
		stop = entry.Sub(distance)
	} else {
		stop = entry.Add(distance)
	}
	if wrongSide(stop, entry, side) {
		res.warn("ATR stop landed on the wrong side of entry")
		return false
	}
	if !c.applyBounds(res, stop, entry, "ATR") {
		return false
	}

	res.StopPrice = stop
	res.Method = MethodATR
	res.Confidence = ConfidenceLow
	res.ATR = atr
	return true
}

// percentStop is the terminal fallback and always succeeds.
func (c *Calculator) percentStop(res *StopResult, entry decimal.Decimal, side exchange.Side) {
	distance := pctOf(c.cfg.PercentFallback, entry)
	if side == exchange.SideBuy {
		res.StopPrice = entry.Sub(distance)
	} else {
		res.StopPrice = entry.Add(distance)
	}
	res.Method = MethodPercent
	res.Confidence = ConfidenceLow
	res.StopDistancePct = c.cfg.PercentFallback
}

// applyBounds records the stop distance and rejects stops outside the
// configured [min, max] band so the caller can fall through.
func (c *Calculator) applyBounds(res *StopResult, stop, entry decimal.Decimal, method string) bool {
	distPct := entry.Sub(stop).Abs().Div(entry).Mul(decimal.NewFromInt(100))
	if distPct.LessThan(c.cfg.MinStopPct) {
		res.warn(fmt.Sprintf("%s stop distance %s%% below minimum %s%%", method, distPct.StringFixed(3), c.cfg.MinStopPct))
		return false
	}
	if distPct.GreaterThan(c.cfg.MaxStopPct) {
		res.warn(fmt.Sprintf("%s stop distance %s%% above maximum %s%%", method, distPct.StringFixed(3), c.cfg.MaxStopPct))
		return false
	}
	res.StopDistancePct = distPct
	return true
}

func (r *StopResult) warn(msg string) {
	r.Warnings = append(r.Warnings, msg)
}

// swingLows finds bars whose low undercuts a 5-bar neighbourhood: strictly
// below the immediate neighbours and no higher than the bars two away.
func swingLows(candles []exchange.Candle) []decimal.Decimal {
	var out []decimal.Decimal
	for i := 2; i < len(candles)-2; i++ {
		low := candles[i].Low
		if low.LessThan(candles[i-1].Low) && low.LessThan(candles[i+1].Low) &&
			low.LessThanOrEqual(candles[i-2].Low) && low.LessThanOrEqual(candles[i+2].Low) {
			out = append(out, low)
		}
	}
	return out
}

// swingHighs is the mirror of swingLows on highs.
func swingHighs(candles []exchange.Candle) []decimal.Decimal {
	var out []decimal.Decimal
	for i := 2; i < len(candles)-2; i++ {
		high := candles[i].High
		if high.GreaterThan(candles[i-1].High) && high.GreaterThan(candles[i+1].High) &&
			high.GreaterThanOrEqual(candles[i-2].High) && high.GreaterThanOrEqual(candles[i+2].High) {
			out = append(out, high)
		}
	}
	return out
}

// clusterLevels merges swing points within tolerancePct of the reference
// price into levels. Points are processed in price order so a cluster is a
// maximal run of near-identical prices.
func clusterLevels(points []decimal.Decimal, reference, tolerancePct decimal.Decimal, kind LevelKind) []Level {
	if len(points) == 0 {
		return nil
	}
	sorted := make([]decimal.Decimal, len(points))
	copy(sorted, points)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].LessThan(sorted[j]) })

	tolerance := pctOf(tolerancePct, reference)

	var levels []Level
	start := 0
	sum := sorted[0]
	for i := 1; i <= len(sorted); i++ {
		if i < len(sorted) && sorted[i].Sub(sorted[start]).LessThanOrEqual(tolerance) {
			sum = sum.Add(sorted[i])
			continue
		}
		touches := i - start
		levels = append(levels, Level{
			Price:    sum.Div(decimal.NewFromInt(int64(touches))),
			Touches:  touches,
			Strength: minInt(100, touches*20),
			Kind:     kind,
		})
		if i < len(sorted) {
			start = i
			sum = sorted[i]
		}
	}
	return levels
}

// averageTrueRange is the simple average of the last period true ranges.
// Needs period+1 candles for the previous-close term.
func averageTrueRange(candles []exchange.Candle, period int) (decimal.Decimal, bool) {
	if len(candles) < period+1 {
		return decimal.Zero, false
	}
	sum := decimal.Zero
	for i := len(candles) - period; i < len(candles); i++ {
		prevClose := candles[i-1].Close
		hl := candles[i].High.Sub(candles[i].Low)
		hc := candles[i].High.Sub(prevClose).Abs()
		lc := candles[i].Low.Sub(prevClose).Abs()
		tr := hl
		if hc.GreaterThan(tr) {
			tr = hc
		}
		if lc.GreaterThan(tr) {
			tr = lc
		}
		sum = sum.Add(tr)
	}
	return sum.Div(decimal.NewFromInt(int64(period))), true
}

func pctOf(pct, base decimal.Decimal) decimal.Decimal {
	return base.Mul(pct).Div(decimal.NewFromInt(100))
}

func wrongSide(stop, entry decimal.Decimal, side exchange.Side) bool {
	if side == exchange.SideBuy {
		return stop.GreaterThanOrEqual(entry)
	}
	return stop.LessThanOrEqual(entry)
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
