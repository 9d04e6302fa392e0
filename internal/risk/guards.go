package risk

import (
	"fmt"

	"github.com/shopspring/decimal"

	"trading-risk-engine/internal/database"
	"trading-risk-engine/internal/exchange"
)

// Guard issue codes.
const (
	GuardStopRequired     = "stop_required"
	GuardStopWrongSide    = "stop_wrong_side"
	GuardRiskExceeded     = "risk_exceeded"
	GuardDrawdownCeiling  = "drawdown_ceiling"
	GuardStrategyRequired = "strategy_required"
	GuardNotAcknowledged  = "not_acknowledged"
)

// Monthly loss at which new entries are refused outright, as % of capital.
var drawdownCeilingPct = decimal.NewFromInt(4)

// GuardIssue is one failed guard with enough context to render to a caller.
type GuardIssue struct {
	Code    string `json:"code"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

func (i GuardIssue) String() string {
	if i.Field != "" {
		return fmt.Sprintf("%s (%s): %s", i.Code, i.Field, i.Message)
	}
	return fmt.Sprintf("%s: %s", i.Code, i.Message)
}

// CheckGuards runs the risk guard battery over a planned intent. monthlyPnL
// is the tenant's realized month-to-date P&L. live toggles the guards that
// only apply to live execution. All guards run; the returned slice is empty
// when the intent is clean.
func CheckGuards(intent *database.TradingIntent, monthlyPnL decimal.Decimal, live bool) []GuardIssue {
	var issues []GuardIssue

	if intent.StopPrice.LessThanOrEqual(decimal.Zero) {
		issues = append(issues, GuardIssue{
			Code:    GuardStopRequired,
			Field:   "stop_price",
			Message: "every position must carry a protective stop",
		})
	} else {
		side := exchange.Side(intent.Side)
		if side == exchange.SideBuy && intent.StopPrice.GreaterThanOrEqual(intent.EntryPrice) {
			issues = append(issues, GuardIssue{
				Code:    GuardStopWrongSide,
				Field:   "stop_price",
				Message: fmt.Sprintf("stop %s must be below entry %s for BUY", intent.StopPrice, intent.EntryPrice),
			})
		}
		if side == exchange.SideSell && intent.StopPrice.LessThanOrEqual(intent.EntryPrice) {
			issues = append(issues, GuardIssue{
				Code:    GuardStopWrongSide,
				Field:   "stop_price",
				Message: fmt.Sprintf("stop %s must be above entry %s for SELL", intent.StopPrice, intent.EntryPrice),
			})
		}
	}

	onePct := decimal.NewFromInt(1)
	hundred := decimal.NewFromInt(100)

	// The 1% rule: no single position risks more than 1% of capital.
	if intent.RiskPct.GreaterThan(onePct) {
		issues = append(issues, GuardIssue{
			Code:    GuardRiskExceeded,
			Field:   "risk_pct",
			Message: fmt.Sprintf("risk %s%% exceeds the 1%% per-position limit", intent.RiskPct),
		})
	}
	// The quantity carries the real exposure: |entry - stop| * qty is what
	// the stop loses, whatever risk_pct claims.
	if intent.Capital.IsPositive() && intent.Quantity.IsPositive() && intent.StopPrice.IsPositive() {
		actualPct := intent.EntryPrice.Sub(intent.StopPrice).Abs().
			Mul(intent.Quantity).Div(intent.Capital).Mul(hundred)
		if actualPct.GreaterThan(onePct) {
			issues = append(issues, GuardIssue{
				Code:    GuardRiskExceeded,
				Field:   "quantity",
				Message: fmt.Sprintf("quantity %s risks %s%% of capital, exceeding the 1%% per-position limit", intent.Quantity, actualPct.StringFixed(2)),
			})
		}
	}

	// The 4% rule: once the month is down 4% of capital, stop opening.
	if intent.Capital.GreaterThan(decimal.Zero) {
		lossPct := monthlyPnL.Div(intent.Capital).Mul(hundred).Neg()
		if lossPct.GreaterThanOrEqual(drawdownCeilingPct) {
			issues = append(issues, GuardIssue{
				Code:    GuardDrawdownCeiling,
				Message: fmt.Sprintf("monthly drawdown %s%% has reached the %s%% ceiling", lossPct.StringFixed(2), drawdownCeilingPct),
			})
		}
	}

	if live {
		if intent.StrategyName == "" {
			issues = append(issues, GuardIssue{
				Code:    GuardStrategyRequired,
				Field:   "strategy_name",
				Message: "live execution requires a strategy name",
			})
		}
		if !intent.Acknowledged {
			issues = append(issues, GuardIssue{
				Code:    GuardNotAcknowledged,
				Field:   "acknowledged",
				Message: "live execution requires explicit trade acknowledgement",
			})
		}
	}
	return issues
}
