package patterns

import (
	"github.com/shopspring/decimal"

	"trading-risk-engine/internal/database"
	"trading-risk-engine/internal/exchange"
)

var (
	two       = decimal.NewFromInt(2)
	three     = decimal.NewFromInt(3)
	pointSix  = decimal.RequireFromString("0.6")
	pointFour = decimal.RequireFromString("0.4")
	pointOne5 = decimal.RequireFromString("1.5")
	wickSlack = decimal.RequireFromString("0.3")
)

// HammerDetector finds hammers: a long lower wick after a down bar,
// price rejected the low.
type HammerDetector struct{}

func (HammerDetector) Code() string { return CodeHammer }

func (HammerDetector) Detect(window []exchange.Candle) []Candidate {
	var out []Candidate
	for i := 1; i < len(window); i++ {
		prev, c := window[i-1], window[i]
		if !isBearish(prev) || candleRange(c).IsZero() {
			continue
		}
		b := body(c)
		if lowerWick(c).LessThan(b.Mul(two)) {
			continue
		}
		if upperWick(c).GreaterThan(b.Mul(wickSlack)) {
			continue
		}
		confidence := ConfidenceMedium
		if lowerWick(c).GreaterThanOrEqual(b.Mul(three)) && isBullish(c) {
			confidence = ConfidenceHigh
		}
		out = append(out, Candidate{
			PatternCode:  CodeHammer,
			Direction:    DirectionBullish,
			BarIndex:     i,
			BarTS:        c.CloseTime,
			Entry:        c.High,
			Invalidation: c.Low,
			Target:       c.High.Add(candleRange(c)),
			Confidence:   confidence,
			Features: map[string]string{
				"body":       b.String(),
				"lower_wick": lowerWick(c).String(),
				"upper_wick": upperWick(c).String(),
			},
		})
	}
	return out
}

func (HammerDetector) Confirmed(inst *database.PatternInstance, window []exchange.Candle) bool {
	return confirmedAfter(inst, window)
}

func (HammerDetector) Invalidated(inst *database.PatternInstance, window []exchange.Candle) bool {
	return invalidatedAfter(inst, window)
}

// InvertedHammerDetector finds inverted hammers: a long upper wick after
// a down bar, an early buying probe.
type InvertedHammerDetector struct{}

func (InvertedHammerDetector) Code() string { return CodeInvertedHammer }

func (InvertedHammerDetector) Detect(window []exchange.Candle) []Candidate {
	var out []Candidate
	for i := 1; i < len(window); i++ {
		prev, c := window[i-1], window[i]
		if !isBearish(prev) || candleRange(c).IsZero() {
			continue
		}
		b := body(c)
		if upperWick(c).LessThan(b.Mul(two)) {
			continue
		}
		if lowerWick(c).GreaterThan(b.Mul(wickSlack)) {
			continue
		}
		confidence := ConfidenceMedium
		if upperWick(c).GreaterThanOrEqual(b.Mul(three)) {
			confidence = ConfidenceHigh
		}
		out = append(out, Candidate{
			PatternCode:  CodeInvertedHammer,
			Direction:    DirectionBullish,
			BarIndex:     i,
			BarTS:        c.CloseTime,
			Entry:        c.High,
			Invalidation: c.Low,
			Target:       c.High.Add(candleRange(c)),
			Confidence:   confidence,
			Features: map[string]string{
				"body":       b.String(),
				"upper_wick": upperWick(c).String(),
			},
		})
	}
	return out
}

func (InvertedHammerDetector) Confirmed(inst *database.PatternInstance, window []exchange.Candle) bool {
	return confirmedAfter(inst, window)
}

func (InvertedHammerDetector) Invalidated(inst *database.PatternInstance, window []exchange.Candle) bool {
	return invalidatedAfter(inst, window)
}

// BullishEngulfingDetector finds bullish engulfing pairs: an up body
// swallowing the previous down body whole.
type BullishEngulfingDetector struct{}

func (BullishEngulfingDetector) Code() string { return CodeBullishEngulfing }

func (BullishEngulfingDetector) Detect(window []exchange.Candle) []Candidate {
	var out []Candidate
	for i := 1; i < len(window); i++ {
		prev, c := window[i-1], window[i]
		if !isBearish(prev) || !isBullish(c) {
			continue
		}
		if c.Open.GreaterThan(prev.Close) || c.Close.LessThan(prev.Open) {
			continue
		}
		if body(c).LessThanOrEqual(body(prev)) {
			continue
		}
		confidence := ConfidenceMedium
		if body(c).GreaterThanOrEqual(body(prev).Mul(pointOne5)) {
			confidence = ConfidenceHigh
		}
		out = append(out, Candidate{
			PatternCode:  CodeBullishEngulfing,
			Direction:    DirectionBullish,
			BarIndex:     i,
			BarTS:        c.CloseTime,
			Entry:        c.High,
			Invalidation: c.Low,
			Target:       c.High.Add(body(c)),
			Confidence:   confidence,
			Features: map[string]string{
				"body":      body(c).String(),
				"prev_body": body(prev).String(),
			},
		})
	}
	return out
}

func (BullishEngulfingDetector) Confirmed(inst *database.PatternInstance, window []exchange.Candle) bool {
	return confirmedAfter(inst, window)
}

func (BullishEngulfingDetector) Invalidated(inst *database.PatternInstance, window []exchange.Candle) bool {
	return invalidatedAfter(inst, window)
}

// BearishEngulfingDetector mirrors the bullish variant to the downside.
type BearishEngulfingDetector struct{}

func (BearishEngulfingDetector) Code() string { return CodeBearishEngulfing }

func (BearishEngulfingDetector) Detect(window []exchange.Candle) []Candidate {
	var out []Candidate
	for i := 1; i < len(window); i++ {
		prev, c := window[i-1], window[i]
		if !isBullish(prev) || !isBearish(c) {
			continue
		}
		if c.Open.LessThan(prev.Close) || c.Close.GreaterThan(prev.Open) {
			continue
		}
		if body(c).LessThanOrEqual(body(prev)) {
			continue
		}
		confidence := ConfidenceMedium
		if body(c).GreaterThanOrEqual(body(prev).Mul(pointOne5)) {
			confidence = ConfidenceHigh
		}
		out = append(out, Candidate{
			PatternCode:  CodeBearishEngulfing,
			Direction:    DirectionBearish,
			BarIndex:     i,
			BarTS:        c.CloseTime,
			Entry:        c.Low,
			Invalidation: c.High,
			Target:       c.Low.Sub(body(c)),
			Confidence:   confidence,
			Features: map[string]string{
				"body":      body(c).String(),
				"prev_body": body(prev).String(),
			},
		})
	}
	return out
}

func (BearishEngulfingDetector) Confirmed(inst *database.PatternInstance, window []exchange.Candle) bool {
	return confirmedAfter(inst, window)
}

func (BearishEngulfingDetector) Invalidated(inst *database.PatternInstance, window []exchange.Candle) bool {
	return invalidatedAfter(inst, window)
}

// MorningStarDetector finds the three-bar bottom: a strong down bar, an
// indecision bar, then a strong up bar reclaiming at least half of the
// first bar's body.
type MorningStarDetector struct{}

func (MorningStarDetector) Code() string { return CodeMorningStar }

func (MorningStarDetector) Detect(window []exchange.Candle) []Candidate {
	var out []Candidate
	for i := 2; i < len(window); i++ {
		c1, c2, c3 := window[i-2], window[i-1], window[i]
		if !isBearish(c1) || candleRange(c1).IsZero() {
			continue
		}
		body1 := body(c1)
		if body1.LessThan(candleRange(c1).Mul(pointSix)) {
			continue
		}
		if body(c2).GreaterThan(body1.Mul(pointFour)) {
			continue
		}
		if !isBullish(c3) || candleRange(c3).IsZero() {
			continue
		}
		if body(c3).LessThan(candleRange(c3).Mul(pointSix)) {
			continue
		}
		if c3.Close.LessThan(midpoint(c1)) {
			continue
		}
		confidence := ConfidenceMedium
		if c3.Close.GreaterThan(c1.Open) {
			confidence = ConfidenceHigh
		}
		low := decimal.Min(c1.Low, c2.Low, c3.Low)
		out = append(out, Candidate{
			PatternCode:  CodeMorningStar,
			Direction:    DirectionBullish,
			BarIndex:     i,
			BarTS:        c3.CloseTime,
			Entry:        c3.High,
			Invalidation: low,
			Target:       c3.High.Add(body1),
			Confidence:   confidence,
			Features: map[string]string{
				"first_body":  body1.String(),
				"star_body":   body(c2).String(),
				"third_close": c3.Close.String(),
			},
		})
	}
	return out
}

func (MorningStarDetector) Confirmed(inst *database.PatternInstance, window []exchange.Candle) bool {
	return confirmedAfter(inst, window)
}

func (MorningStarDetector) Invalidated(inst *database.PatternInstance, window []exchange.Candle) bool {
	return invalidatedAfter(inst, window)
}
