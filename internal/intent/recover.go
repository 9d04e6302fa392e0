package intent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"trading-risk-engine/internal/database"
	"trading-risk-engine/internal/exchange"
)

// engineOrderPrefix marks client order ids placed by the live executor.
const engineOrderPrefix = "re-"

// orphanMatchLimit caps how many VALIDATED intents are checked per
// symbol when matching an orphan order to its execution key.
const orphanMatchLimit = 200

// RecoverOrphan re-attaches an exchange order that carries the engine's
// client-order-id prefix but has no local Operation. That state arises
// when the exchange accepted the order and the commit transaction
// failed afterwards: the intent stays VALIDATED while the exchange
// holds a fill. The order is matched back to its intent through the
// execution key embedded in the client order id, and the lost commit
// is replayed through the same idempotent transaction the executor
// uses.
//
// Returns the operation id and true when an Operation exists for the
// order afterwards. Orders without the prefix, or whose key matches no
// VALIDATED intent, return false with no error; they are not ours to
// recover.
func (p *Pipeline) RecoverOrphan(ctx context.Context, order *exchange.OrderResult) (string, bool, error) {
	key, ok := strings.CutPrefix(order.ClientOrderID, engineOrderPrefix)
	if !ok {
		return "", false, nil
	}

	candidates, err := p.store.ListValidatedIntentsBySymbol(ctx, order.Symbol, orphanMatchLimit)
	if err != nil {
		return "", false, fmt.Errorf("list validated intents for %s: %w", order.Symbol, err)
	}
	var it *database.TradingIntent
	for _, c := range candidates {
		if executionKey(c.ID) == key {
			it = c
			break
		}
	}
	if it == nil {
		return "", false, nil
	}

	executedAt := order.TransactTime
	if executedAt.IsZero() {
		executedAt = p.now()
	}

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
		OpenedAt:         executedAt,
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
		ExecutedAt:    executedAt,
		Message:       "recovered from exchange order history",
	}
	if len(order.Fills) > 0 {
		res.FeeAsset = order.Fills[0].CommissionAsset
	}
	payload, err := json.Marshal(res)
	if err != nil {
		return "", false, fmt.Errorf("encode recovery result: %w", err)
	}

	mv := entryMovement(op, order, executedAt)
	mv.Source = database.TxSourceExchangeSync
	if err := p.store.ExecuteIntentTx(ctx, op, mv, payload, key); err != nil {
		if errors.Is(err, database.ErrDuplicate) {
			existing, gerr := p.store.GetOperationByIntent(ctx, it.TenantID, it.ID)
			if gerr != nil {
				return "", false, fmt.Errorf("resolve recovered operation: %w", gerr)
			}
			return existing.ID, true, nil
		}
		return "", false, fmt.Errorf("replay execution of intent %s: %w", it.ID, err)
	}

	p.logger.Warn().
		Str("intent_id", it.ID).
		Str("operation_id", op.ID).
		Str("symbol", order.Symbol).
		Int64("order_id", order.OrderID).
		Str("fill_price", op.AvgFillPrice.String()).
		Msg("orphan exchange order recovered into operation")
	return op.ID, true, nil
}
