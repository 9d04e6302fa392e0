// Package intent implements the trade entry pipeline. A TradingIntent
// moves PENDING -> VALIDATED -> EXECUTED (or FAILED); every hop is
// persisted before the next one runs, so a crash never loses a decision.
//
// The pipeline has three stages. PLAN fills the fields the caller left
// blank: capital from the tenant config, the entry from the order book,
// the stop from candle structure and the quantity from the sizing rule.
// VALIDATE runs field checks, the entry gate battery and the risk guards,
// and stores the verbatim result on the intent. EXECUTE (execute.go)
// either simulates or commits the order.
package intent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"trading-risk-engine/internal/database"
	"trading-risk-engine/internal/exchange"
	"trading-risk-engine/internal/risk"
	"trading-risk-engine/internal/technical"
)

// Store is the persistence surface the pipeline drives.
type Store interface {
	CreateIntent(ctx context.Context, it *database.TradingIntent) error
	GetIntent(ctx context.Context, tenantID, intentID string) (*database.TradingIntent, error)
	ListIntentsByStatus(ctx context.Context, tenantID, status string, limit int) ([]*database.TradingIntent, error)
	ListValidatedIntentsBySymbol(ctx context.Context, symbol string, limit int) ([]*database.TradingIntent, error)
	UpdateIntentPlan(ctx context.Context, it *database.TradingIntent) error
	SaveIntentValidation(ctx context.Context, tenantID, intentID string, passed bool, validationJSON []byte, failureReason string) error
	SaveDryRunExecution(ctx context.Context, tenantID, intentID string, executionJSON []byte) error
	MarkIntentFailed(ctx context.Context, tenantID, intentID, reason string) error
	GetOperationByIntent(ctx context.Context, tenantID, intentID string) (*database.Operation, error)
	ExecuteIntentTx(ctx context.Context, op *database.Operation, mv *database.AuditTransaction, executionJSON []byte, idempotencyKey string) error
	MonthlyRealizedPnL(ctx context.Context, tenantID string, ref time.Time) (decimal.Decimal, error)
}

// TenantSource resolves per-tenant risk configuration.
type TenantSource interface {
	Get(ctx context.Context, tenantID string) (*database.TenantConfig, error)
}

// GateEvaluator runs the entry gate battery.
type GateEvaluator interface {
	Evaluate(ctx context.Context, cfg *database.TenantConfig, symbol string) *risk.GateResult
}

// ExecutionLimiter rate-limits live order placement per tenant.
type ExecutionLimiter interface {
	Allow(ctx context.Context, cfg *database.TenantConfig) (bool, string, error)
}

// Pipeline wires the stages together. All dependencies are injected;
// the zero Pipeline is not usable.
type Pipeline struct {
	store    Store
	tenants  TenantSource
	market   exchange.MarketDataPort
	exec     exchange.ExecutionPort
	gate     GateEvaluator
	limiter  ExecutionLimiter
	stops    *technical.Calculator
	sizer    *risk.PositionSizer
	logger   zerolog.Logger
	now      func() time.Time
	// timeframe used when the caller does not name one for stop derivation
	defaultTimeframe string
	// candles fetched for stop derivation
	planWindow int
	// exchange call budget for live order placement
	execTimeout time.Duration
	// backoff base between transient order retries
	retryBase time.Duration
}

// Options tunes pipeline behavior beyond its dependencies.
type Options struct {
	DefaultTimeframe string        // stop derivation timeframe, default 1h
	PlanWindow       int           // candles fetched for stop derivation, default 100
	ExecTimeout      time.Duration // per-order exchange budget, default 10s
}

// NewPipeline builds the intent pipeline.
func NewPipeline(store Store, tenants TenantSource, market exchange.MarketDataPort, exec exchange.ExecutionPort,
	gate GateEvaluator, limiter ExecutionLimiter, stops *technical.Calculator, sizer *risk.PositionSizer,
	opts Options, logger zerolog.Logger) *Pipeline {
	if opts.DefaultTimeframe == "" {
		opts.DefaultTimeframe = "1h"
	}
	if opts.PlanWindow <= 0 {
		opts.PlanWindow = 100
	}
	if opts.ExecTimeout <= 0 {
		opts.ExecTimeout = 10 * time.Second
	}
	return &Pipeline{
		store:            store,
		tenants:          tenants,
		market:           market,
		exec:             exec,
		gate:             gate,
		limiter:          limiter,
		stops:            stops,
		sizer:            sizer,
		logger:           logger.With().Str("component", "intent_pipeline").Logger(),
		now:              time.Now,
		defaultTimeframe: opts.DefaultTimeframe,
		planWindow:       opts.PlanWindow,
		execTimeout:      opts.ExecTimeout,
		retryBase:        500 * time.Millisecond,
	}
}

// SubmitRequest is a caller's description of a trade. Zero-valued plan
// fields (capital, entry, stop, quantity, risk) are derived by PLAN.
type SubmitRequest struct {
	TenantID     string
	Symbol       string
	Side         string
	Mode         string // DRY_RUN (default) or LIVE
	Source       string // MANUAL (default) or PATTERN
	StrategyName string
	Acknowledged bool
	Timeframe    string // candle timeframe for stop derivation

	Capital  decimal.Decimal
	RiskPct  decimal.Decimal
	Entry    decimal.Decimal
	Stop     decimal.Decimal
	Target   decimal.Decimal
	Quantity decimal.Decimal

	// Pattern origin, set when Source is PATTERN.
	PatternCode    string
	PatternAlertID *int64
	TriggeredAt    *time.Time
}

// ValidationError reports a failed VALIDATE stage. The intent is
// persisted in FAILED state with the same issues; this error is the
// caller-facing view.
type ValidationError struct {
	IntentID string            `json:"intent_id"`
	Issues   []risk.GuardIssue `json:"issues,omitempty"`
	Reasons  []string          `json:"reasons,omitempty"`
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Issues)+len(e.Reasons))
	for _, i := range e.Issues {
		parts = append(parts, i.String())
	}
	parts = append(parts, e.Reasons...)
	return fmt.Sprintf("intent %s rejected: %s", e.IntentID, strings.Join(parts, "; "))
}

// ValidationResult is the verbatim outcome persisted on the intent.
type ValidationResult struct {
	Passed    bool              `json:"passed"`
	Issues    []risk.GuardIssue `json:"issues,omitempty"`
	Gate      *risk.GateResult  `json:"gate,omitempty"`
	CheckedAt time.Time         `json:"checked_at"`
}

// Submit runs PLAN and VALIDATE for a new intent. The returned intent is
// always non-nil once persisted, even when err is a *ValidationError;
// callers inspect Status to distinguish VALIDATED from FAILED.
func (p *Pipeline) Submit(ctx context.Context, req SubmitRequest) (*database.TradingIntent, error) {
	req = normalize(req)
	if err := checkShape(req); err != nil {
		return nil, err
	}

	cfg, err := p.tenants.Get(ctx, req.TenantID)
	if err != nil {
		return nil, fmt.Errorf("resolve tenant %s: %w", req.TenantID, err)
	}

	it := &database.TradingIntent{
		ID:             uuid.NewString(),
		TenantID:       req.TenantID,
		Symbol:         req.Symbol,
		Side:           req.Side,
		Mode:           req.Mode,
		Source:         req.Source,
		StrategyName:   req.StrategyName,
		Acknowledged:   req.Acknowledged,
		Capital:        req.Capital,
		RiskPct:        req.RiskPct,
		EntryPrice:     req.Entry,
		StopPrice:      req.Stop,
		Quantity:       req.Quantity,
		Status:         database.IntentStatusPending,
		PatternCode:    req.PatternCode,
		PatternAlertID: req.PatternAlertID,
		TriggeredAt:    req.TriggeredAt,
	}
	if req.Target.IsPositive() {
		t := req.Target
		it.TargetPrice = &t
	}

	if err := p.store.CreateIntent(ctx, it); err != nil {
		return nil, fmt.Errorf("persist intent: %w", err)
	}

	if err := p.plan(ctx, it, cfg, req.Timeframe); err != nil {
		reason := fmt.Sprintf("plan: %v", err)
		if ferr := p.store.MarkIntentFailed(ctx, it.TenantID, it.ID, reason); ferr != nil {
			p.logger.Error().Err(ferr).Str("intent_id", it.ID).Msg("failed to record plan failure")
		}
		it.Status = database.IntentStatusFailed
		it.FailureReason = reason
		return it, fmt.Errorf("plan intent %s: %w", it.ID, err)
	}
	if err := p.store.UpdateIntentPlan(ctx, it); err != nil {
		return it, fmt.Errorf("persist intent plan: %w", err)
	}

	return p.validate(ctx, it, cfg)
}

// Revalidate re-runs VALIDATE on an intent that is still PENDING. Used
// by the startup replay so intents interrupted mid-pipeline converge.
func (p *Pipeline) Revalidate(ctx context.Context, it *database.TradingIntent) (*database.TradingIntent, error) {
	cfg, err := p.tenants.Get(ctx, it.TenantID)
	if err != nil {
		return it, fmt.Errorf("resolve tenant %s: %w", it.TenantID, err)
	}
	return p.validate(ctx, it, cfg)
}

// ReplayPending re-validates every PENDING intent for a tenant. Intents
// that were interrupted between persistence and validation either pass
// and wait for execution, or fail with the recorded reasons.
func (p *Pipeline) ReplayPending(ctx context.Context, tenantID string) (int, error) {
	pending, err := p.store.ListIntentsByStatus(ctx, tenantID, database.IntentStatusPending, 0)
	if err != nil {
		return 0, fmt.Errorf("list pending intents: %w", err)
	}
	for _, it := range pending {
		if _, err := p.Revalidate(ctx, it); err != nil {
			var verr *ValidationError
			if errors.As(err, &verr) {
				continue // recorded on the intent, nothing to do
			}
			return 0, fmt.Errorf("replay intent %s: %w", it.ID, err)
		}
	}
	if len(pending) > 0 {
		p.logger.Info().Str("tenant_id", tenantID).Int("count", len(pending)).Msg("replayed pending intents")
	}
	return len(pending), nil
}

// plan derives the missing fields of a freshly persisted intent.
func (p *Pipeline) plan(ctx context.Context, it *database.TradingIntent, cfg *database.TenantConfig, timeframe string) error {
	if timeframe == "" {
		timeframe = p.defaultTimeframe
	}
	side := exchange.Side(it.Side)

	if it.Capital.LessThanOrEqual(decimal.Zero) {
		it.Capital = cfg.Capital
	}
	if it.RiskPct.LessThanOrEqual(decimal.Zero) {
		it.RiskPct = cfg.DefaultRiskPct
	}

	if it.EntryPrice.LessThanOrEqual(decimal.Zero) {
		var (
			price decimal.Decimal
			err   error
		)
		// Enter at the price the order would actually cross.
		if side == exchange.SideBuy {
			price, err = p.market.BestAsk(ctx, it.Symbol)
		} else {
			price, err = p.market.BestBid(ctx, it.Symbol)
		}
		if err != nil {
			return fmt.Errorf("fetch entry price for %s: %w", it.Symbol, err)
		}
		it.EntryPrice = price
	}

	if it.StopPrice.LessThanOrEqual(decimal.Zero) {
		candles, err := p.market.Klines(ctx, it.Symbol, timeframe, p.planWindow)
		if err != nil {
			return fmt.Errorf("fetch candles for %s %s: %w", it.Symbol, timeframe, err)
		}
		res, err := p.stops.Calculate(candles, it.EntryPrice, side, timeframe)
		if err != nil {
			return fmt.Errorf("derive stop: %w", err)
		}
		it.StopPrice = res.StopPrice
		it.StopMethod = string(res.Method)
		it.Confidence = string(res.Confidence)
		for _, w := range res.Warnings {
			p.logger.Warn().Str("intent_id", it.ID).Str("symbol", it.Symbol).Msg(w)
		}
	}

	if it.Quantity.LessThanOrEqual(decimal.Zero) {
		sized, err := p.sizer.Size(it.Capital, it.RiskPct, it.EntryPrice, it.StopPrice, side, it.TargetPrice)
		if err != nil {
			return fmt.Errorf("size position: %w", err)
		}
		it.Quantity = sized.Quantity
		it.RiskAmount = sized.RiskAmount
		if sized.IsCapped {
			p.logger.Info().
				Str("intent_id", it.ID).
				Str("cap_reason", sized.CapReason).
				Str("quantity", sized.Quantity.String()).
				Msg("position size capped")
		}
	} else {
		// An explicit quantity fixes the real risk; risk_pct follows it so
		// the guard battery judges what the position actually risks.
		it.RiskAmount = it.EntryPrice.Sub(it.StopPrice).Abs().Mul(it.Quantity)
		if it.Capital.IsPositive() {
			it.RiskPct = it.RiskAmount.Div(it.Capital).Mul(decimal.NewFromInt(100))
		}
	}
	return nil
}

// validate runs the field checks, the entry gate and the guard battery,
// persists the verbatim result and settles the intent in VALIDATED or
// FAILED state.
func (p *Pipeline) validate(ctx context.Context, it *database.TradingIntent, cfg *database.TenantConfig) (*database.TradingIntent, error) {
	res := &ValidationResult{CheckedAt: p.now()}
	res.Issues = append(res.Issues, fieldIssues(it)...)

	gateRes := p.gate.Evaluate(ctx, cfg, it.Symbol)
	res.Gate = gateRes

	monthlyPnL, err := p.store.MonthlyRealizedPnL(ctx, it.TenantID, p.now())
	if err != nil {
		return it, fmt.Errorf("load monthly pnl: %w", err)
	}
	live := it.Mode == database.IntentModeLive
	res.Issues = append(res.Issues, risk.CheckGuards(it, monthlyPnL, live)...)

	res.Passed = len(res.Issues) == 0 && gateRes.Allowed

	payload, err := json.Marshal(res)
	if err != nil {
		return it, fmt.Errorf("encode validation result: %w", err)
	}

	failureReason := ""
	if !res.Passed {
		verr := &ValidationError{IntentID: it.ID, Issues: res.Issues, Reasons: gateRes.Reasons}
		failureReason = verr.Error()
	}

	if err := p.store.SaveIntentValidation(ctx, it.TenantID, it.ID, res.Passed, payload, failureReason); err != nil {
		return it, fmt.Errorf("persist validation: %w", err)
	}

	it.ValidationJSON = payload
	if res.Passed {
		it.Status = database.IntentStatusValidated
		p.logger.Info().
			Str("intent_id", it.ID).
			Str("symbol", it.Symbol).
			Str("side", it.Side).
			Str("quantity", it.Quantity.String()).
			Str("stop", it.StopPrice.String()).
			Msg("intent validated")
		return it, nil
	}

	it.Status = database.IntentStatusFailed
	it.FailureReason = failureReason
	p.logger.Warn().
		Str("intent_id", it.ID).
		Str("symbol", it.Symbol).
		Str("reason", failureReason).
		Msg("intent rejected")
	return it, &ValidationError{IntentID: it.ID, Issues: res.Issues, Reasons: gateRes.Reasons}
}

// fieldIssues runs the deterministic field checks that need no I/O.
func fieldIssues(it *database.TradingIntent) []risk.GuardIssue {
	var issues []risk.GuardIssue
	add := func(field, msg string) {
		issues = append(issues, risk.GuardIssue{Code: "field_invalid", Field: field, Message: msg})
	}

	if it.EntryPrice.LessThanOrEqual(decimal.Zero) {
		add("entry_price", "entry price must be positive")
	}
	if it.Quantity.LessThanOrEqual(decimal.Zero) {
		add("quantity", "quantity must be positive")
	}
	if it.Capital.LessThanOrEqual(decimal.Zero) {
		add("capital", "capital must be positive")
	}
	if it.StopPrice.IsPositive() && it.StopPrice.Equal(it.EntryPrice) {
		add("stop_price", "stop price must differ from entry price")
	}
	if it.TargetPrice != nil && it.TargetPrice.IsPositive() {
		side := exchange.Side(it.Side)
		if side == exchange.SideBuy && it.TargetPrice.LessThanOrEqual(it.EntryPrice) {
			add("target_price", fmt.Sprintf("target %s must be above entry %s for BUY", it.TargetPrice, it.EntryPrice))
		}
		if side == exchange.SideSell && it.TargetPrice.GreaterThanOrEqual(it.EntryPrice) {
			add("target_price", fmt.Sprintf("target %s must be below entry %s for SELL", it.TargetPrice, it.EntryPrice))
		}
	}
	return issues
}

func normalize(req SubmitRequest) SubmitRequest {
	req.TenantID = strings.TrimSpace(req.TenantID)
	req.Symbol = strings.ToUpper(strings.TrimSpace(req.Symbol))
	req.Side = strings.ToUpper(strings.TrimSpace(req.Side))
	req.Mode = strings.ToUpper(strings.TrimSpace(req.Mode))
	req.Source = strings.ToUpper(strings.TrimSpace(req.Source))
	if req.Mode == "" {
		req.Mode = database.IntentModeDryRun
	}
	if req.Source == "" {
		req.Source = database.IntentSourceManual
	}
	return req
}

// checkShape rejects requests too malformed to persist as intents.
func checkShape(req SubmitRequest) error {
	var issues []risk.GuardIssue
	add := func(field, msg string) {
		issues = append(issues, risk.GuardIssue{Code: "field_required", Field: field, Message: msg})
	}

	if req.TenantID == "" {
		add("tenant_id", "tenant id is required")
	}
	if req.Symbol == "" {
		add("symbol", "symbol is required")
	}
	if !exchange.Side(req.Side).Valid() {
		add("side", fmt.Sprintf("side must be BUY or SELL, got %q", req.Side))
	}
	if req.Mode != database.IntentModeDryRun && req.Mode != database.IntentModeLive {
		add("mode", fmt.Sprintf("mode must be DRY_RUN or LIVE, got %q", req.Mode))
	}
	if req.Source != database.IntentSourceManual && req.Source != database.IntentSourcePattern {
		add("source", fmt.Sprintf("source must be MANUAL or PATTERN, got %q", req.Source))
	}
	if req.Source == database.IntentSourcePattern && req.PatternAlertID == nil {
		add("pattern_alert_id", "pattern-sourced intents must reference their alert")
	}
	if len(issues) > 0 {
		return &ValidationError{Issues: issues}
	}
	return nil
}
