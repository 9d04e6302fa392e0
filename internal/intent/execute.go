package intent

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"trading-risk-engine/internal/database"
	"trading-risk-engine/internal/exchange"
)

// ExecutionResult is the persisted outcome of the EXECUTE stage, for
// both simulated and live runs.
type ExecutionResult struct {
	Mode          string          `json:"mode"`
	Simulated     bool            `json:"simulated"`
	OperationID   string          `json:"operation_id,omitempty"`
	OrderID       int64           `json:"order_id,omitempty"`
	ClientOrderID string          `json:"client_order_id,omitempty"`
	Status        string          `json:"status"`
	FillPrice     decimal.Decimal `json:"fill_price"`
	RequestedQty  decimal.Decimal `json:"requested_qty"`
	ExecutedQty   decimal.Decimal `json:"executed_qty"`
	Fee           decimal.Decimal `json:"fee"`
	FeeAsset      string          `json:"fee_asset,omitempty"`
	ExecutedAt    time.Time       `json:"executed_at"`
	Message       string          `json:"message,omitempty"`
}

// ExecutionRejectedError reports a live execution refused by a
// pre-flight guard. The intent stays VALIDATED; nothing was placed.
type ExecutionRejectedError struct {
	IntentID string
	Guard    string
	Reason   string
}

func (e *ExecutionRejectedError) Error() string {
	return fmt.Sprintf("execution of intent %s rejected by %s: %s", e.IntentID, e.Guard, e.Reason)
}

// Execute runs the EXECUTE stage. mode overrides the intent's own mode
// when non-empty; DRY_RUN simulates without side effects, LIVE places a
// market order and commits the Operation, the entry audit row and the
// EXECUTED transition in one transaction.
func (p *Pipeline) Execute(ctx context.Context, tenantID, intentID, mode string) (*ExecutionResult, error) {
	it, err := p.store.GetIntent(ctx, tenantID, intentID)
	if err != nil {
		return nil, fmt.Errorf("load intent %s: %w", intentID, err)
	}
	if mode == "" {
		mode = it.Mode
	}

	switch mode {
	case database.IntentModeDryRun:
		return p.dryRun(ctx, it)
	case database.IntentModeLive:
		return p.liveExecute(ctx, it)
	default:
		return nil, fmt.Errorf("unknown execution mode %q", mode)
	}
}

// dryRun simulates the order at the planned entry price. No order is
// placed, no Operation is created and no audit row is written; the
// result lands on the intent and the status stays where it was.
func (p *Pipeline) dryRun(ctx context.Context, it *database.TradingIntent) (*ExecutionResult, error) {
	if it.Status == database.IntentStatusFailed {
		return nil, &ExecutionRejectedError{IntentID: it.ID, Guard: "status",
			Reason: fmt.Sprintf("intent is FAILED: %s", it.FailureReason)}
	}

	res := &ExecutionResult{
		Mode:         database.IntentModeDryRun,
		Simulated:    true,
		Status:       "SIMULATED",
		FillPrice:    it.EntryPrice,
		RequestedQty: it.Quantity,
		ExecutedQty:  it.Quantity,
		ExecutedAt:   p.now(),
		Message:      fmt.Sprintf("simulated %s %s %s at %s", it.Side, it.Quantity, it.Symbol, it.EntryPrice),
	}

	payload, err := json.Marshal(res)
	if err != nil {
		return nil, fmt.Errorf("encode dry-run result: %w", err)
	}
	if err := p.store.SaveDryRunExecution(ctx, it.TenantID, it.ID, payload); err != nil {
		return nil, fmt.Errorf("persist dry-run result: %w", err)
	}

	p.logger.Info().
		Str("intent_id", it.ID).
		Str("symbol", it.Symbol).
		Str("side", it.Side).
		Str("quantity", it.Quantity.String()).
		Msg("dry-run execution simulated")
	return res, nil
}

// liveExecute places the real order. Pre-flight guards run first; any
// refusal leaves the intent VALIDATED and untouched. After the order
// fills, the Operation, the audit row and the intent transition commit
// atomically; a duplicate commit (concurrent executor, retry) resolves
// to the already-created Operation.
func (p *Pipeline) liveExecute(ctx context.Context, it *database.TradingIntent) (*ExecutionResult, error) {
	// A finished intent resolves idempotently to its operation.
	if it.Status == database.IntentStatusExecuted {
		return p.resultFromExisting(ctx, it)
	}
	if it.Status != database.IntentStatusValidated {
		return nil, &ExecutionRejectedError{IntentID: it.ID, Guard: "status",
			Reason: fmt.Sprintf("intent is %s, must be VALIDATED", it.Status)}
	}
	if it.Source == database.IntentSourcePattern {
		return nil, &ExecutionRejectedError{IntentID: it.ID, Guard: "source",
			Reason: "pattern-sourced intents cannot execute live"}
	}

	cfg, err := p.tenants.Get(ctx, it.TenantID)
	if err != nil {
		return nil, fmt.Errorf("resolve tenant %s: %w", it.TenantID, err)
	}
	if !cfg.TradingEnabled {
		reason := "trading disabled"
		if cfg.KillSwitchReason != "" {
			reason = fmt.Sprintf("trading disabled: %s", cfg.KillSwitchReason)
		}
		return nil, &ExecutionRejectedError{IntentID: it.ID, Guard: "kill_switch", Reason: reason}
	}
	if !cfg.LiveEnabled {
		return nil, &ExecutionRejectedError{IntentID: it.ID, Guard: "live_enabled",
			Reason: "live execution is not enabled for this tenant"}
	}
	if !it.Acknowledged {
		return nil, &ExecutionRejectedError{IntentID: it.ID, Guard: "acknowledged",
			Reason: "live execution requires explicit trade acknowledgement"}
	}
	allowed, limitMsg, err := p.limiter.Allow(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("check execution limits: %w", err)
	}
	if !allowed {
		return nil, &ExecutionRejectedError{IntentID: it.ID, Guard: "execution_limit", Reason: limitMsg}
	}

	// A previous attempt may have committed after its caller gave up.
	if existing, err := p.store.GetOperationByIntent(ctx, it.TenantID, it.ID); err == nil {
		return resultFromOperation(existing), nil
	} else if !errors.Is(err, database.ErrNotFound) {
		return nil, fmt.Errorf("check existing operation: %w", err)
	}

	key := executionKey(it.ID)
	clientOrderID := engineOrderPrefix + key

	order, err := p.placeWithRetry(ctx, it, clientOrderID)
	if err != nil {
		reason := fmt.Sprintf("order placement failed: %v", err)
		if ferr := p.store.MarkIntentFailed(ctx, it.TenantID, it.ID, reason); ferr != nil {
			p.logger.Error().Err(ferr).Str("intent_id", it.ID).Msg("failed to record execution failure")
		}
		p.logger.Error().Err(err).
			Str("intent_id", it.ID).
			Str("symbol", it.Symbol).
			Bool("transient", exchange.IsTransient(err)).
			Msg("live order placement failed")
		return nil, fmt.Errorf("place order for intent %s: %w", it.ID, err)
	}

	now := p.now()
	op := &database.Operation{
		ID:               uuid.NewString(),
		TenantID:         it.TenantID,
		IntentID:         it.ID,
		StrategyName:     it.StrategyName,
		Symbol:           it.Symbol,
		Side:             it.Side,
		Status:           database.OperationStatusActive,
		EntryPrice:       it.EntryPrice,
		Quantity:         it.Quantity,
		StopPrice:        it.StopPrice,
		InitialStopPrice: it.StopPrice,
		TargetPrice:      it.TargetPrice,
		ExchangeOrderID:  strconv.FormatInt(order.OrderID, 10),
		ClientOrderID:    order.ClientOrderID,
		FilledQuantity:   order.ExecutedQty,
		AvgFillPrice:     order.AvgFillPrice(),
		OpenedAt:         now,
	}

	res := &ExecutionResult{
		Mode:          database.IntentModeLive,
		OperationID:   op.ID,
		OrderID:       order.OrderID,
		ClientOrderID: order.ClientOrderID,
		Status:        order.Status,
		FillPrice:     op.AvgFillPrice,
		RequestedQty:  it.Quantity,
		ExecutedQty:   order.ExecutedQty,
		Fee:           order.TotalCommission(),
		ExecutedAt:    now,
	}
	if len(order.Fills) > 0 {
		res.FeeAsset = order.Fills[0].CommissionAsset
	}

	payload, err := json.Marshal(res)
	if err != nil {
		return nil, fmt.Errorf("encode execution result: %w", err)
	}

	mv := entryMovement(op, order, now)
	if err := p.store.ExecuteIntentTx(ctx, op, mv, payload, key); err != nil {
		if errors.Is(err, database.ErrDuplicate) {
			// Lost the race to another executor; theirs is the record.
			existing, gerr := p.store.GetOperationByIntent(ctx, it.TenantID, it.ID)
			if gerr != nil {
				return nil, fmt.Errorf("resolve duplicate execution: %w", gerr)
			}
			p.logger.Warn().
				Str("intent_id", it.ID).
				Str("operation_id", existing.ID).
				Msg("duplicate execution resolved to existing operation")
			return resultFromOperation(existing), nil
		}
		return nil, fmt.Errorf("commit execution of intent %s: %w", it.ID, err)
	}

	p.logger.Info().
		Str("intent_id", it.ID).
		Str("operation_id", op.ID).
		Str("symbol", it.Symbol).
		Str("side", it.Side).
		Str("fill_price", op.AvgFillPrice.String()).
		Str("quantity", order.ExecutedQty.String()).
		Int64("order_id", order.OrderID).
		Msg("intent executed live")
	return res, nil
}

// placeOrderAttempts bounds in-call retries of transient order failures.
const placeOrderAttempts = 3

// placeWithRetry submits the market order, retrying transient failures
// with exponential backoff. The client order id is identical on every
// attempt so the exchange deduplicates a request that reached it before
// the response was lost.
func (p *Pipeline) placeWithRetry(ctx context.Context, it *database.TradingIntent, clientOrderID string) (*exchange.OrderResult, error) {
	var lastErr error
	for attempt := 1; attempt <= placeOrderAttempts; attempt++ {
		octx, cancel := context.WithTimeout(ctx, p.execTimeout)
		order, err := p.exec.PlaceMarketOrder(octx, it.Symbol, exchange.Side(it.Side), it.Quantity, clientOrderID)
		cancel()
		if err == nil {
			return order, nil
		}
		lastErr = err
		if !exchange.IsTransient(err) || attempt == placeOrderAttempts {
			break
		}
		delay := p.retryBase << (attempt - 1)
		p.logger.Warn().Err(err).
			Str("intent_id", it.ID).
			Int("attempt", attempt).
			Dur("backoff", delay).
			Msg("transient order failure, backing off")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	return nil, lastErr
}

// resultFromExisting rebuilds the execution result of an intent that
// already reached EXECUTED.
func (p *Pipeline) resultFromExisting(ctx context.Context, it *database.TradingIntent) (*ExecutionResult, error) {
	op, err := p.store.GetOperationByIntent(ctx, it.TenantID, it.ID)
	if err != nil {
		return nil, fmt.Errorf("load operation for executed intent %s: %w", it.ID, err)
	}
	return resultFromOperation(op), nil
}

func resultFromOperation(op *database.Operation) *ExecutionResult {
	orderID, _ := strconv.ParseInt(op.ExchangeOrderID, 10, 64)
	return &ExecutionResult{
		Mode:          database.IntentModeLive,
		OperationID:   op.ID,
		OrderID:       orderID,
		ClientOrderID: op.ClientOrderID,
		Status:        "FILLED",
		FillPrice:     op.AvgFillPrice,
		RequestedQty:  op.Quantity,
		ExecutedQty:   op.FilledQuantity,
		ExecutedAt:    op.OpenedAt,
		Message:       "already executed",
	}
}

// entryMovement builds the audit row for a live entry fill.
func entryMovement(op *database.Operation, order *exchange.OrderResult, at time.Time) *database.AuditTransaction {
	raw, _ := json.Marshal(order)
	opID := op.ID
	stop := op.StopPrice
	mv := &database.AuditTransaction{
		TenantID:        op.TenantID,
		OperationID:     &opID,
		ExchangeOrderID: op.ExchangeOrderID,
		TransactionType: database.TxTypeEntry,
		Symbol:          op.Symbol,
		Side:            op.Side,
		Price:           op.AvgFillPrice,
		Quantity:        op.FilledQuantity,
		TotalValue:      op.AvgFillPrice.Mul(op.FilledQuantity),
		Fee:             order.TotalCommission(),
		StopPrice:       &stop,
		RawResponse:     raw,
		Source:          database.TxSourceEngine,
		ExecutedAt:      at,
	}
	if len(order.Fills) > 0 {
		mv.FeeAsset = order.Fills[0].CommissionAsset
	}
	return mv
}

// executionKey derives the stable idempotency key for an intent's live
// execution. Hex-truncated to 32 chars so it also fits the exchange
// client-order-id budget.
func executionKey(intentID string) string {
	sum := sha256.Sum256([]byte(intentID + ":execute"))
	return hex.EncodeToString(sum[:])[:32]
}
