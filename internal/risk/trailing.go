package risk

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"trading-risk-engine/internal/exchange"
)

// Adjustment reasons.
const (
	ReasonNoAdjustment = "NO_ADJUSTMENT"
	ReasonBreakEven    = "BREAK_EVEN"
	ReasonTrailing     = "TRAILING"
)

// TrailingState is a snapshot of one position for the ladder calculation.
type TrailingState struct {
	PositionID   string
	Side         exchange.Side // BUY = long, SELL = short
	EntryPrice   decimal.Decimal
	InitialStop  decimal.Decimal
	CurrentStop  decimal.Decimal
	CurrentPrice decimal.Decimal
}

// StopAdjustment is the (possibly empty) stop move for one evaluation.
type StopAdjustment struct {
	OldStop         decimal.Decimal `json:"old_stop"`
	NewStop         decimal.Decimal `json:"new_stop"`
	Reason          string          `json:"reason"`
	StepIndex       int             `json:"step_index"`
	SpansCrossed    int             `json:"spans_crossed"`
	AdjustmentToken string          `json:"adjustment_token"`
}

// TrailingConfig covers the exit costs priced into the break-even stop.
type TrailingConfig struct {
	TradingFeePct     decimal.Decimal // round-trip fee, default 0.1%
	SlippageBufferPct decimal.Decimal // safety margin, default 0.05%
}

// DefaultTrailingConfig returns the production defaults.
func DefaultTrailingConfig() TrailingConfig {
	return TrailingConfig{
		TradingFeePct:     decimal.NewFromFloat(0.1),
		SlippageBufferPct: decimal.NewFromFloat(0.05),
	}
}

// TrailingCalculator moves stops up a ladder of full risk-spans.
//
// The span is the initial entry-to-stop distance. One span of profit moves
// the stop to break-even plus costs; each further span trails the stop one
// span behind. The stop only ever tightens: a calculation that would loosen
// it returns NO_ADJUSTMENT.
type TrailingCalculator struct {
	cfg TrailingConfig
}

// NewTrailingCalculator creates a calculator, filling zero-valued config
// fields with defaults.
func NewTrailingCalculator(cfg TrailingConfig) *TrailingCalculator {
	def := DefaultTrailingConfig()
	if cfg.TradingFeePct.IsZero() {
		cfg.TradingFeePct = def.TradingFeePct
	}
	if cfg.SlippageBufferPct.IsZero() {
		cfg.SlippageBufferPct = def.SlippageBufferPct
	}
	return &TrailingCalculator{cfg: cfg}
}

// Evaluate computes the next stop for the position at the given time. The
// result is pure: same state and second, same adjustment and token.
func (tc *TrailingCalculator) Evaluate(state TrailingState, now time.Time) StopAdjustment {
	adj := StopAdjustment{
		OldStop:         state.CurrentStop,
		NewStop:         state.CurrentStop,
		Reason:          ReasonNoAdjustment,
		AdjustmentToken: adjustmentToken(state.PositionID, now),
	}

	span := state.EntryPrice.Sub(state.InitialStop).Abs()
	if span.IsZero() {
		return adj
	}

	long := state.Side == exchange.SideBuy
	var profit decimal.Decimal
	if long {
		profit = state.CurrentPrice.Sub(state.EntryPrice)
	} else {
		profit = state.EntryPrice.Sub(state.CurrentPrice)
	}
	if profit.LessThanOrEqual(decimal.Zero) {
		return adj
	}

	spans := int(profit.Div(span).IntPart())
	adj.SpansCrossed = spans
	if spans < 1 {
		return adj
	}

	var candidate decimal.Decimal
	var reason string
	if spans == 1 {
		candidate = tc.breakEvenStop(state.EntryPrice, long)
		reason = ReasonBreakEven
	} else {
		distance := span.Mul(decimal.NewFromInt(int64(spans - 1)))
		if long {
			candidate = state.EntryPrice.Add(distance)
		} else {
			candidate = state.EntryPrice.Sub(distance)
		}
		reason = ReasonTrailing
	}

	// Never loosen.
	if long && candidate.LessThanOrEqual(state.CurrentStop) {
		return adj
	}
	if !long && candidate.GreaterThanOrEqual(state.CurrentStop) {
		return adj
	}

	adj.NewStop = candidate
	adj.Reason = reason
	adj.StepIndex = spans
	return adj
}

// breakEvenStop is entry adjusted so a fill at the stop still covers fees
// and expected slippage.
func (tc *TrailingCalculator) breakEvenStop(entry decimal.Decimal, long bool) decimal.Decimal {
	totalFee := tc.cfg.TradingFeePct.Add(tc.cfg.SlippageBufferPct)
	factor := decimal.NewFromInt(1).Add(totalFee.Div(decimal.NewFromInt(100)))
	if long {
		return entry.Mul(factor)
	}
	return entry.Div(factor)
}

// adjustmentToken dedupes adjustment submissions within the same second.
func adjustmentToken(positionID string, now time.Time) string {
	return fmt.Sprintf("%s:adjust:%d", positionID, now.Unix())
}
