// Package patterns recognizes candlestick and chart patterns in candle
// windows and manages their lifecycle.
//
// Detectors are pure functions of the window: the same candles always
// produce the same candidates. A detected instance starts FORMING and is
// keyed by (symbol, timeframe, pattern_code, detection_bar_ts), so
// re-scanning the same bars never duplicates it. Later scans move it to
// CONFIRMED when price closes beyond the entry level, or INVALIDATED when
// it closes through the invalidation level; both states are terminal.
package patterns

import (
	"time"

	"github.com/shopspring/decimal"

	"trading-risk-engine/internal/database"
	"trading-risk-engine/internal/exchange"
)

// Pattern codes.
const (
	CodeHammer           = "HAMMER"
	CodeInvertedHammer   = "INVERTED_HAMMER"
	CodeBullishEngulfing = "BULLISH_ENGULFING"
	CodeBearishEngulfing = "BEARISH_ENGULFING"
	CodeMorningStar      = "MORNING_STAR"
	CodeHeadShoulders    = "HEAD_AND_SHOULDERS"
	CodeInvHeadShoulders = "INVERTED_HEAD_AND_SHOULDERS"
)

// Directions.
const (
	DirectionBullish = "BULLISH"
	DirectionBearish = "BEARISH"
)

// Confidence grades.
const (
	ConfidenceHigh   = "HIGH"
	ConfidenceMedium = "MEDIUM"
	ConfidenceLow    = "LOW"
)

// Candidate is one pattern occurrence found in a window, with the levels
// that drive its lifecycle: price closing beyond Entry confirms it, price
// closing through Invalidation kills it.
type Candidate struct {
	PatternCode  string
	Direction    string
	BarIndex     int
	BarTS        time.Time // close time of the completing bar; the uniqueness key
	Entry        decimal.Decimal
	Invalidation decimal.Decimal
	Target       decimal.Decimal
	Confidence   string
	Features     map[string]string
}

// Detector recognizes one pattern family.
type Detector interface {
	Code() string
	Detect(window []exchange.Candle) []Candidate
	Confirmed(inst *database.PatternInstance, window []exchange.Candle) bool
	Invalidated(inst *database.PatternInstance, window []exchange.Candle) bool
}

// DefaultDetectors is the canonical suite the scanner runs.
func DefaultDetectors() []Detector {
	return []Detector{
		HammerDetector{},
		InvertedHammerDetector{},
		BullishEngulfingDetector{},
		BearishEngulfingDetector{},
		MorningStarDetector{},
		HeadShouldersDetector{},
		InvertedHeadShouldersDetector{},
	}
}

// ===== shared candle arithmetic =====

func body(c exchange.Candle) decimal.Decimal {
	return c.Close.Sub(c.Open).Abs()
}

func candleRange(c exchange.Candle) decimal.Decimal {
	return c.High.Sub(c.Low)
}

func upperWick(c exchange.Candle) decimal.Decimal {
	return c.High.Sub(decimal.Max(c.Open, c.Close))
}

func lowerWick(c exchange.Candle) decimal.Decimal {
	return decimal.Min(c.Open, c.Close).Sub(c.Low)
}

func isBullish(c exchange.Candle) bool {
	return c.Close.GreaterThan(c.Open)
}

func isBearish(c exchange.Candle) bool {
	return c.Close.LessThan(c.Open)
}

func midpoint(c exchange.Candle) decimal.Decimal {
	return c.Open.Add(c.Close).Div(decimal.NewFromInt(2))
}

// ===== shared lifecycle predicates =====
//
// All detectors store their levels on the instance, so confirmation and
// invalidation reduce to "did a bar after detection close beyond the
// level". Invalidation is checked on the same bars; the scanner gives it
// priority when both would fire.

// crossedAfter reports the first bar after the detection bar whose close
// crosses the level in the given direction.
func crossedAfter(inst *database.PatternInstance, window []exchange.Candle, level decimal.Decimal, above bool) (exchange.Candle, bool) {
	for _, c := range window {
		if !c.CloseTime.After(inst.DetectionBarTS) {
			continue
		}
		if above && c.Close.GreaterThan(level) {
			return c, true
		}
		if !above && c.Close.LessThan(level) {
			return c, true
		}
	}
	return exchange.Candle{}, false
}

func confirmedAfter(inst *database.PatternInstance, window []exchange.Candle) bool {
	_, ok := ConfirmingBar(inst, window)
	return ok
}

// ConfirmingBar returns the bar that confirms the instance: the first
// close beyond the entry level after detection. The scanner records its
// close time as confirmed_bar_ts.
func ConfirmingBar(inst *database.PatternInstance, window []exchange.Candle) (exchange.Candle, bool) {
	if inst.EntryPrice == nil {
		return exchange.Candle{}, false
	}
	return crossedAfter(inst, window, *inst.EntryPrice, inst.Direction == DirectionBullish)
}

func invalidatedAfter(inst *database.PatternInstance, window []exchange.Candle) bool {
	if inst.InvalidationPrice == nil {
		return false
	}
	_, ok := crossedAfter(inst, window, *inst.InvalidationPrice, inst.Direction == DirectionBearish)
	return ok
}
