package risk

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"trading-risk-engine/internal/database"
)

// Gate names as persisted in gate decisions.
const (
	GatePositionLimit   = "DynamicPositionLimit"
	GateStopOutCooldown = "StopOutCooldown"
	GateFundingRate     = "FundingRate"
	GateDataFreshness   = "DataFreshness"
)

// Monthly risk budget constants. The 4%/month base budget and the 1% unit
// per position are fixed and intentionally not configurable.
var (
	baseMonthlyBudgetPct = decimal.NewFromInt(4)
	riskUnitPct          = decimal.NewFromInt(1)
)

// GateCheck is the outcome of one gate in the battery.
type GateCheck struct {
	Name    string         `json:"gate_name"`
	Passed  bool           `json:"passed"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// GateResult aggregates the full battery. Allowed is true only when every
// check passed.
type GateResult struct {
	Allowed     bool        `json:"allowed"`
	Checks      []GateCheck `json:"checks"`
	Reasons     []string    `json:"reasons,omitempty"`
	EvaluatedAt time.Time   `json:"evaluated_at"`
}

// GateStore is the persistence the gate battery reads from and records to.
type GateStore interface {
	MonthlyRealizedPnL(ctx context.Context, tenantID string, ref time.Time) (decimal.Decimal, error)
	CountActiveOperations(ctx context.Context, tenantID string) (int, error)
	// LatestStopOutAt returns zero time when the tenant never stopped out.
	LatestStopOutAt(ctx context.Context, tenantID string) (time.Time, error)
	InsertGateDecision(ctx context.Context, d *database.GateDecision) error
}

// GateMarketData is the slice of the market data port the gates consume.
type GateMarketData interface {
	LatestFundingRate(ctx context.Context, symbol string) (decimal.Decimal, error)
	DataAge(ctx context.Context, symbol string) (time.Duration, error)
}

// EntryGate runs the pre-entry check battery. Checks never short-circuit:
// every gate runs so a denied decision still shows the full picture.
// Missing data fails the affected check rather than erroring out.
type EntryGate struct {
	store  GateStore
	market GateMarketData
	logger zerolog.Logger
	now    func() time.Time
}

// NewEntryGate wires the battery to its data sources.
func NewEntryGate(store GateStore, market GateMarketData, logger zerolog.Logger) *EntryGate {
	return &EntryGate{
		store:  store,
		market: market,
		logger: logger.With().Str("component", "entry_gate").Logger(),
		now:    time.Now,
	}
}

// Evaluate runs all gates for the tenant/symbol and persists the decision.
// The persisted record is append-only; persistence failure is logged but
// does not change the answer.
func (g *EntryGate) Evaluate(ctx context.Context, cfg *database.TenantConfig, symbol string) *GateResult {
	now := g.now()
	res := &GateResult{EvaluatedAt: now}

	res.add(g.checkPositionLimit(ctx, cfg))
	res.add(g.checkStopOutCooldown(ctx, cfg, now))
	res.add(g.checkFundingRate(ctx, cfg, symbol))
	res.add(g.checkDataFreshness(ctx, cfg, symbol))

	res.Allowed = true
	for _, c := range res.Checks {
		if !c.Passed {
			res.Allowed = false
			res.Reasons = append(res.Reasons, fmt.Sprintf("%s: %s", c.Name, c.Message))
		}
	}

	g.persist(ctx, cfg.TenantID, symbol, res)

	if !res.Allowed {
		g.logger.Info().
			Str("tenant_id", cfg.TenantID).
			Str("symbol", symbol).
			Strs("reasons", res.Reasons).
			Msg("entry denied")
	}
	return res
}

func (r *GateResult) add(c GateCheck) {
	r.Checks = append(r.Checks, c)
}

// checkPositionLimit derives the concurrent-position budget from the
// month-to-date realized P&L: available = 4% + pnl/capital, one position
// per whole percent.
func (g *EntryGate) checkPositionLimit(ctx context.Context, cfg *database.TenantConfig) GateCheck {
	check := GateCheck{Name: GatePositionLimit}
	if cfg.Capital.LessThanOrEqual(decimal.Zero) {
		check.Message = "tenant capital not configured"
		return check
	}

	monthlyPnL, err := g.store.MonthlyRealizedPnL(ctx, cfg.TenantID, g.now())
	if err != nil {
		check.Message = fmt.Sprintf("monthly P&L unavailable: %v", err)
		return check
	}
	active, err := g.store.CountActiveOperations(ctx, cfg.TenantID)
	if err != nil {
		check.Message = fmt.Sprintf("active position count unavailable: %v", err)
		return check
	}

	hundred := decimal.NewFromInt(100)
	available := baseMonthlyBudgetPct.Add(monthlyPnL.Div(cfg.Capital).Mul(hundred))
	maxConcurrent := 0
	if available.GreaterThan(decimal.Zero) {
		maxConcurrent = int(available.Div(riskUnitPct).IntPart())
	}

	check.Details = map[string]any{
		"monthly_pnl":    monthlyPnL.String(),
		"available_pct":  available.StringFixed(1),
		"active_count":   active,
		"max_concurrent": maxConcurrent,
	}
	if active >= maxConcurrent {
		check.Message = fmt.Sprintf("position limit reached (%d/%d, budget: %s%%)", active, maxConcurrent, available.StringFixed(1))
		return check
	}
	check.Passed = true
	check.Message = fmt.Sprintf("%d/%d positions in use (budget: %s%%)", active, maxConcurrent, available.StringFixed(1))
	return check
}

// checkStopOutCooldown blocks entries for cooldown_seconds after the most
// recent stop-out.
func (g *EntryGate) checkStopOutCooldown(ctx context.Context, cfg *database.TenantConfig, now time.Time) GateCheck {
	check := GateCheck{Name: GateStopOutCooldown}
	if !cfg.CooldownEnabled {
		check.Passed = true
		check.Message = "cooldown disabled"
		return check
	}

	latest, err := g.store.LatestStopOutAt(ctx, cfg.TenantID)
	if err != nil {
		check.Message = fmt.Sprintf("stop-out history unavailable: %v", err)
		return check
	}
	if latest.IsZero() {
		check.Passed = true
		check.Message = "no prior stop-out"
		return check
	}

	cooldown := time.Duration(cfg.CooldownSeconds) * time.Second
	elapsed := now.Sub(latest)
	if elapsed < cooldown {
		remaining := int((cooldown - elapsed).Seconds())
		check.Message = fmt.Sprintf("in cooldown after stop-out, remaining=%ds", remaining)
		check.Details = map[string]any{
			"latest_stop_out":   latest.UTC().Format(time.RFC3339),
			"cooldown_seconds":  cfg.CooldownSeconds,
			"remaining_seconds": remaining,
		}
		return check
	}
	check.Passed = true
	check.Message = fmt.Sprintf("last stop-out %ds ago", int(elapsed.Seconds()))
	return check
}

// checkFundingRate fails when the absolute funding rate exceeds the tenant
// threshold, and fails safe when the rate cannot be read.
func (g *EntryGate) checkFundingRate(ctx context.Context, cfg *database.TenantConfig, symbol string) GateCheck {
	check := GateCheck{Name: GateFundingRate}
	if !cfg.FundingCheckEnabled {
		check.Passed = true
		check.Message = "funding check disabled"
		return check
	}

	rate, err := g.market.LatestFundingRate(ctx, symbol)
	if err != nil {
		check.Message = fmt.Sprintf("funding rate unavailable: %v", err)
		return check
	}
	check.Details = map[string]any{
		"funding_rate": rate.String(),
		"threshold":    cfg.FundingRateThreshold.String(),
	}
	if rate.Abs().GreaterThan(cfg.FundingRateThreshold) {
		check.Message = fmt.Sprintf("funding rate %s exceeds threshold %s", rate, cfg.FundingRateThreshold)
		return check
	}
	check.Passed = true
	check.Message = fmt.Sprintf("funding rate %s within threshold", rate)
	return check
}

// checkDataFreshness fails when market data is older than the tenant's
// maximum age, and fails safe when the age cannot be determined.
func (g *EntryGate) checkDataFreshness(ctx context.Context, cfg *database.TenantConfig, symbol string) GateCheck {
	check := GateCheck{Name: GateDataFreshness}
	if !cfg.FreshnessCheckEnabled {
		check.Passed = true
		check.Message = "freshness check disabled"
		return check
	}

	age, err := g.market.DataAge(ctx, symbol)
	if err != nil {
		check.Message = fmt.Sprintf("data age unavailable: %v", err)
		return check
	}
	maxAge := time.Duration(cfg.MaxDataAgeSeconds) * time.Second
	check.Details = map[string]any{
		"age_seconds":     int(age.Seconds()),
		"max_age_seconds": cfg.MaxDataAgeSeconds,
	}
	if age > maxAge {
		check.Message = fmt.Sprintf("market data is %ds old, max %ds", int(age.Seconds()), cfg.MaxDataAgeSeconds)
		return check
	}
	check.Passed = true
	check.Message = fmt.Sprintf("market data is %ds old", int(age.Seconds()))
	return check
}

func (g *EntryGate) persist(ctx context.Context, tenantID, symbol string, res *GateResult) {
	payload, err := json.Marshal(res.Checks)
	if err != nil {
		g.logger.Error().Err(err).Msg("failed to marshal gate checks")
		return
	}
	dec := &database.GateDecision{
		TenantID:    tenantID,
		Symbol:      symbol,
		Allowed:     res.Allowed,
		Checks:      payload,
		Reasons:     res.Reasons,
		EvaluatedAt: res.EvaluatedAt,
	}
	if err := g.store.InsertGateDecision(ctx, dec); err != nil {
		g.logger.Error().Err(err).Str("tenant_id", tenantID).Msg("failed to persist gate decision")
	}
}
