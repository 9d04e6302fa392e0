package patterns

import (
	"github.com/shopspring/decimal"

	"trading-risk-engine/internal/database"
	"trading-risk-engine/internal/exchange"
)

// pivotSpan is how many bars on each side must be beaten for a swing
// point to count.
const pivotSpan = 2

var shoulderTolerance = decimal.RequireFromString("0.03")

var headProminence = decimal.RequireFromString("1.02")

type pivot struct {
	index int
	price decimal.Decimal
}

func pivotHighs(window []exchange.Candle, span int) []pivot {
	var out []pivot
	for i := span; i < len(window)-span; i++ {
		high := window[i].High
		best := true
		for j := i - span; j <= i+span; j++ {
			if j == i {
				continue
			}
			if window[j].High.GreaterThanOrEqual(high) {
				best = false
				break
			}
		}
		if best {
			out = append(out, pivot{index: i, price: high})
		}
	}
	return out
}

func pivotLows(window []exchange.Candle, span int) []pivot {
	var out []pivot
	for i := span; i < len(window)-span; i++ {
		low := window[i].Low
		best := true
		for j := i - span; j <= i+span; j++ {
			if j == i {
				continue
			}
			if window[j].Low.LessThanOrEqual(low) {
				best = false
				break
			}
		}
		if best {
			out = append(out, pivot{index: i, price: low})
		}
	}
	return out
}

func lowestLow(window []exchange.Candle, from, to int) decimal.Decimal {
	low := window[from].Low
	for i := from + 1; i <= to; i++ {
		low = decimal.Min(low, window[i].Low)
	}
	return low
}

func highestHigh(window []exchange.Candle, from, to int) decimal.Decimal {
	high := window[from].High
	for i := from + 1; i <= to; i++ {
		high = decimal.Max(high, window[i].High)
	}
	return high
}

// HeadShouldersDetector finds the three-peak top: a head above two
// roughly level shoulders, entry on the neckline break.
type HeadShouldersDetector struct{}

func (HeadShouldersDetector) Code() string { return CodeHeadShoulders }

func (HeadShouldersDetector) Detect(window []exchange.Candle) []Candidate {
	peaks := pivotHighs(window, pivotSpan)
	var out []Candidate
	for i := 0; i+2 < len(peaks); i++ {
		ls, head, rs := peaks[i], peaks[i+1], peaks[i+2]
		if !headShouldersShape(ls.price, head.price, rs.price) {
			continue
		}
		neckline := decimal.Min(
			lowestLow(window, ls.index, head.index),
			lowestLow(window, head.index, rs.index),
		)
		if neckline.GreaterThanOrEqual(rs.price) {
			continue
		}
		depth := head.price.Sub(neckline)
		confidence := ConfidenceMedium
		if head.price.GreaterThanOrEqual(decimal.Max(ls.price, rs.price).Mul(headProminence)) {
			confidence = ConfidenceHigh
		}
		out = append(out, Candidate{
			PatternCode:  CodeHeadShoulders,
			Direction:    DirectionBearish,
			BarIndex:     rs.index,
			BarTS:        window[rs.index].CloseTime,
			Entry:        neckline,
			Invalidation: rs.price,
			Target:       neckline.Sub(depth),
			Confidence:   confidence,
			Features: map[string]string{
				"left_shoulder":  ls.price.String(),
				"head":           head.price.String(),
				"right_shoulder": rs.price.String(),
				"neckline":       neckline.String(),
			},
		})
	}
	return out
}

func (HeadShouldersDetector) Confirmed(inst *database.PatternInstance, window []exchange.Candle) bool {
	return confirmedAfter(inst, window)
}

func (HeadShouldersDetector) Invalidated(inst *database.PatternInstance, window []exchange.Candle) bool {
	return invalidatedAfter(inst, window)
}

// InvertedHeadShouldersDetector mirrors the top formation into a bottom.
type InvertedHeadShouldersDetector struct{}

func (InvertedHeadShouldersDetector) Code() string { return CodeInvHeadShoulders }

func (InvertedHeadShouldersDetector) Detect(window []exchange.Candle) []Candidate {
	troughs := pivotLows(window, pivotSpan)
	var out []Candidate
	for i := 0; i+2 < len(troughs); i++ {
		ls, head, rs := troughs[i], troughs[i+1], troughs[i+2]
		if !invertedShape(ls.price, head.price, rs.price) {
			continue
		}
		neckline := decimal.Max(
			highestHigh(window, ls.index, head.index),
			highestHigh(window, head.index, rs.index),
		)
		if neckline.LessThanOrEqual(rs.price) {
			continue
		}
		depth := neckline.Sub(head.price)
		confidence := ConfidenceMedium
		if head.price.Mul(headProminence).LessThanOrEqual(decimal.Min(ls.price, rs.price)) {
			confidence = ConfidenceHigh
		}
		out = append(out, Candidate{
			PatternCode:  CodeInvHeadShoulders,
			Direction:    DirectionBullish,
			BarIndex:     rs.index,
			BarTS:        window[rs.index].CloseTime,
			Entry:        neckline,
			Invalidation: rs.price,
			Target:       neckline.Add(depth),
			Confidence:   confidence,
			Features: map[string]string{
				"left_shoulder":  ls.price.String(),
				"head":           head.price.String(),
				"right_shoulder": rs.price.String(),
				"neckline":       neckline.String(),
			},
		})
	}
	return out
}

func (InvertedHeadShouldersDetector) Confirmed(inst *database.PatternInstance, window []exchange.Candle) bool {
	return confirmedAfter(inst, window)
}

func (InvertedHeadShouldersDetector) Invalidated(inst *database.PatternInstance, window []exchange.Candle) bool {
	return invalidatedAfter(inst, window)
}

// headShouldersShape checks head above both shoulders with the shoulders
// within tolerance of each other.
func headShouldersShape(ls, head, rs decimal.Decimal) bool {
	if head.LessThanOrEqual(ls) || head.LessThanOrEqual(rs) {
		return false
	}
	return ls.Sub(rs).Abs().LessThanOrEqual(head.Mul(shoulderTolerance))
}

func invertedShape(ls, head, rs decimal.Decimal) bool {
	if head.GreaterThanOrEqual(ls) || head.GreaterThanOrEqual(rs) {
		return false
	}
	return ls.Sub(rs).Abs().LessThanOrEqual(head.Mul(shoulderTolerance))
}
