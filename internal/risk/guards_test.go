package risk

import (
	"testing"

	"github.com/shopspring/decimal"

	"trading-risk-engine/internal/database"
)

func cleanIntent() *database.TradingIntent {
	return &database.TradingIntent{
		ID:           "intent-1",
		TenantID:     "default",
		Symbol:       "BTCUSDT",
		Side:         "BUY",
		StrategyName: "breakout-15m",
		Acknowledged: true,
		Capital:      decimal.NewFromInt(10000),
		RiskPct:      decimal.NewFromInt(1),
		EntryPrice:   decimal.NewFromInt(95000),
		StopPrice:    decimal.NewFromInt(93500),
		Quantity:     decimal.RequireFromString("0.06666666"),
	}
}

func hasIssue(issues []GuardIssue, code string) bool {
	for _, i := range issues {
		if i.Code == code {
			return true
		}
	}
	return false
}

// TestCheckGuardsClean passes a fully-formed intent in both modes.
func TestCheckGuardsClean(t *testing.T) {
	for _, live := range []bool{false, true} {
		if issues := CheckGuards(cleanIntent(), decimal.Zero, live); len(issues) != 0 {
			t.Errorf("live=%v: unexpected issues: %v", live, issues)
		}
	}
}

// TestCheckGuardsStopRequired refuses a position without a stop.
func TestCheckGuardsStopRequired(t *testing.T) {
	intent := cleanIntent()
	intent.StopPrice = decimal.Zero

	issues := CheckGuards(intent, decimal.Zero, false)
	if !hasIssue(issues, GuardStopRequired) {
		t.Errorf("expected %s, got %v", GuardStopRequired, issues)
	}
}

// TestCheckGuardsWrongSide catches stops that cannot protect.
func TestCheckGuardsWrongSide(t *testing.T) {
	intent := cleanIntent()
	intent.StopPrice = decimal.NewFromInt(96000)
	if issues := CheckGuards(intent, decimal.Zero, false); !hasIssue(issues, GuardStopWrongSide) {
		t.Errorf("BUY stop above entry: expected %s, got %v", GuardStopWrongSide, issues)
	}

	intent = cleanIntent()
	intent.Side = "SELL"
	intent.StopPrice = decimal.NewFromInt(94000)
	if issues := CheckGuards(intent, decimal.Zero, false); !hasIssue(issues, GuardStopWrongSide) {
		t.Errorf("SELL stop below entry: expected %s, got %v", GuardStopWrongSide, issues)
	}
}

// TestCheckGuardsOnePercentRule rejects risk above 1%.
func TestCheckGuardsOnePercentRule(t *testing.T) {
	intent := cleanIntent()
	intent.RiskPct = decimal.NewFromFloat(1.5)

	issues := CheckGuards(intent, decimal.Zero, false)
	if !hasIssue(issues, GuardRiskExceeded) {
		t.Errorf("expected %s, got %v", GuardRiskExceeded, issues)
	}

	intent.RiskPct = decimal.NewFromInt(1)
	if issues := CheckGuards(intent, decimal.Zero, false); hasIssue(issues, GuardRiskExceeded) {
		t.Error("exactly 1% must be allowed")
	}
}

// TestCheckGuardsQuantityRisk rejects a quantity whose real exposure
// breaks the 1% rule even when the risk_pct field sits under it.
func TestCheckGuardsQuantityRisk(t *testing.T) {
	intent := cleanIntent()
	intent.RiskPct = decimal.RequireFromString("0.5")
	// 0.14 * 1500 stop distance = 210 = 2.1% of the 10000 capital.
	intent.Quantity = decimal.RequireFromString("0.14")

	issues := CheckGuards(intent, decimal.Zero, false)
	if !hasIssue(issues, GuardRiskExceeded) {
		t.Errorf("expected %s for 2.1%% real risk, got %v", GuardRiskExceeded, issues)
	}

	// Exactly 1% of real risk is allowed.
	intent.Quantity = decimal.RequireFromString("0.06666666")
	if issues := CheckGuards(intent, decimal.Zero, false); hasIssue(issues, GuardRiskExceeded) {
		t.Errorf("1%% real risk must pass, got %v", issues)
	}
}

// TestCheckGuardsDrawdownCeiling stops new entries once the month is down
// 4% of capital.
func TestCheckGuardsDrawdownCeiling(t *testing.T) {
	intent := cleanIntent()

	// -$400 on $10000 is exactly the 4% ceiling.
	issues := CheckGuards(intent, decimal.NewFromInt(-400), false)
	if !hasIssue(issues, GuardDrawdownCeiling) {
		t.Errorf("expected %s at -4%%, got %v", GuardDrawdownCeiling, issues)
	}

	if issues := CheckGuards(intent, decimal.NewFromInt(-399), false); hasIssue(issues, GuardDrawdownCeiling) {
		t.Error("-3.99% must still allow entries")
	}
	if issues := CheckGuards(intent, decimal.NewFromInt(500), false); hasIssue(issues, GuardDrawdownCeiling) {
		t.Error("a profitable month must not trip the ceiling")
	}
}

// TestCheckGuardsLiveOnly enforces strategy and acknowledgement only for
// live execution.
func TestCheckGuardsLiveOnly(t *testing.T) {
	intent := cleanIntent()
	intent.StrategyName = ""
	intent.Acknowledged = false

	if issues := CheckGuards(intent, decimal.Zero, false); len(issues) != 0 {
		t.Errorf("dry-run should not require strategy/ack: %v", issues)
	}

	issues := CheckGuards(intent, decimal.Zero, true)
	if !hasIssue(issues, GuardStrategyRequired) {
		t.Errorf("expected %s, got %v", GuardStrategyRequired, issues)
	}
	if !hasIssue(issues, GuardNotAcknowledged) {
		t.Errorf("expected %s, got %v", GuardNotAcknowledged, issues)
	}
}
