// Package risk implements position sizing, the entry gate battery, the
// pre-execution guard checks and the trailing-stop ladder.
package risk

import (
	"fmt"

	"github.com/shopspring/decimal"

	"trading-risk-engine/internal/exchange"
)

// SizerConfig controls rounding and exposure caps.
type SizerConfig struct {
	QuantityPrecision int32           // fractional digits the exchange accepts
	MaxPositionPct    decimal.Decimal // position value cap as % of capital
	MinQuantity       decimal.Decimal // smallest tradable quantity
}

// DefaultSizerConfig returns the production defaults: 8 decimal places,
// 50% position cap, minimum one quantum.
func DefaultSizerConfig() SizerConfig {
	return SizerConfig{
		QuantityPrecision: 8,
		MaxPositionPct:    decimal.NewFromInt(50),
		MinQuantity:       decimal.New(1, -8),
	}
}

// SizeResult is the outcome of one sizing calculation.
type SizeResult struct {
	Quantity      decimal.Decimal  `json:"quantity"`
	PositionValue decimal.Decimal  `json:"position_value"`
	RiskAmount    decimal.Decimal  `json:"risk_amount"`
	RiskPercent   decimal.Decimal  `json:"risk_percent"`
	IsCapped      bool             `json:"is_capped"`
	CapReason     string           `json:"cap_reason,omitempty"`
	RiskReward    *decimal.Decimal `json:"risk_reward,omitempty"`
}

// PositionSizer turns capital and a stop distance into an order quantity.
//
// The core rule: quantity = (capital * risk_pct) / |entry - stop|. The risk
// amount is what is lost if the stop fills exactly; everything else here is
// rounding and capping around that identity.
type PositionSizer struct {
	cfg SizerConfig
}

// NewPositionSizer creates a sizer, filling zero-valued config fields with
// defaults.
func NewPositionSizer(cfg SizerConfig) *PositionSizer {
	def := DefaultSizerConfig()
	if cfg.QuantityPrecision == 0 {
		cfg.QuantityPrecision = def.QuantityPrecision
	}
	if cfg.MaxPositionPct.IsZero() {
		cfg.MaxPositionPct = def.MaxPositionPct
	}
	if cfg.MinQuantity.IsZero() {
		cfg.MinQuantity = decimal.New(1, -cfg.QuantityPrecision)
	}
	return &PositionSizer{cfg: cfg}
}

// Size computes the order quantity for the given capital, risk percentage,
// entry and stop. target may be nil; when present the result carries the
// risk/reward ratio.
func (s *PositionSizer) Size(capital, riskPct, entry, stop decimal.Decimal, side exchange.Side, target *decimal.Decimal) (*SizeResult, error) {
	if capital.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("capital must be positive, got %s", capital)
	}
	if entry.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("entry price must be positive, got %s", entry)
	}
	if !side.Valid() {
		return nil, fmt.Errorf("invalid side %q", side)
	}
	if side == exchange.SideBuy && stop.GreaterThan(entry) {
		return nil, fmt.Errorf("stop %s above entry %s for BUY", stop, entry)
	}
	if side == exchange.SideSell && stop.LessThan(entry) {
		return nil, fmt.Errorf("stop %s below entry %s for SELL", stop, entry)
	}

	stopDistance := entry.Sub(stop).Abs()
	if stopDistance.IsZero() {
		return &SizeResult{}, nil
	}

	hundred := decimal.NewFromInt(100)
	riskAmount := capital.Mul(riskPct).Div(hundred)
	quantity := riskAmount.Div(stopDistance).RoundDown(s.cfg.QuantityPrecision)
	positionValue := quantity.Mul(entry)

	res := &SizeResult{}

	maxValue := capital.Mul(s.cfg.MaxPositionPct).Div(hundred)
	if positionValue.GreaterThan(maxValue) {
		quantity = maxValue.Div(entry).RoundDown(s.cfg.QuantityPrecision)
		positionValue = quantity.Mul(entry)
		riskAmount = quantity.Mul(stopDistance)
		res.IsCapped = true
		res.CapReason = "position_cap"
	}

	if quantity.LessThan(s.cfg.MinQuantity) {
		quantity = s.cfg.MinQuantity
		positionValue = quantity.Mul(entry)
		riskAmount = quantity.Mul(stopDistance)
		res.IsCapped = true
		res.CapReason = "below_minimum"
	}

	res.Quantity = quantity
	res.PositionValue = positionValue
	res.RiskAmount = riskAmount
	res.RiskPercent = riskAmount.Div(capital).Mul(hundred)

	if target != nil && !target.IsZero() {
		ratio := target.Sub(entry).Abs().Div(stopDistance)
		res.RiskReward = &ratio
	}
	return res, nil
}
