// Package audit owns the append-only movement log and the exchange
// reconciliation sweep. Every state-changing action of the engine lands
// in the log exactly once; it is the sole ground truth for realized
// P&L.
package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"trading-risk-engine/internal/database"
)

// Store is the repository slice the recorder writes through.
type Store interface {
	InsertMovement(ctx context.Context, mv *database.AuditTransaction) (bool, error)
}

// Recorder appends movements with first-write-wins semantics on
// (exchange_order_id, transaction_type).
type Recorder struct {
	store  Store
	logger zerolog.Logger
	now    func() time.Time
}

// NewRecorder wires the movement recorder.
func NewRecorder(store Store, logger zerolog.Logger) *Recorder {
	return &Recorder{
		store:  store,
		logger: logger.With().Str("component", "audit").Logger(),
		now:    time.Now,
	}
}

var validTxTypes = map[string]bool{
	database.TxTypeEntry:      true,
	database.TxTypeStopExit:   true,
	database.TxTypeManualExit: true,
	database.TxTypeDeposit:    true,
	database.TxTypeWithdrawal: true,
	database.TxTypeTransfer:   true,
}

// Record persists one movement. Missing fields are defaulted: executed
// time to now, source to engine, total value to price times quantity.
// Returns false without error when the (exchange_order_id,
// transaction_type) pair already has a row; the first write wins.
func (r *Recorder) Record(ctx context.Context, mv *database.AuditTransaction) (bool, error) {
	switch {
	case mv == nil:
		return false, fmt.Errorf("nil movement")
	case mv.TenantID == "":
		return false, fmt.Errorf("movement missing tenant")
	case mv.ExchangeOrderID == "":
		return false, fmt.Errorf("movement missing exchange order id")
	case !validTxTypes[mv.TransactionType]:
		return false, fmt.Errorf("unknown transaction type %q", mv.TransactionType)
	case mv.Symbol == "":
		return false, fmt.Errorf("movement missing symbol")
	case !mv.Quantity.IsPositive():
		return false, fmt.Errorf("movement quantity %s not positive", mv.Quantity)
	}

	if mv.ExecutedAt.IsZero() {
		mv.ExecutedAt = r.now().UTC()
	}
	if mv.Source == "" {
		mv.Source = database.TxSourceEngine
	}
	if mv.TotalValue.IsZero() {
		mv.TotalValue = mv.Price.Mul(mv.Quantity)
	}

	inserted, err := r.store.InsertMovement(ctx, mv)
	if err != nil {
		return false, fmt.Errorf("insert movement: %w", err)
	}
	if !inserted {
		r.logger.Debug().
			Str("exchange_order_id", mv.ExchangeOrderID).
			Str("type", mv.TransactionType).
			Msg("movement already recorded")
		return false, nil
	}

	r.logger.Info().
		Str("tenant_id", mv.TenantID).
		Str("exchange_order_id", mv.ExchangeOrderID).
		Str("type", mv.TransactionType).
		Str("symbol", mv.Symbol).
		Str("side", mv.Side).
		Str("quantity", mv.Quantity.String()).
		Str("total_value", mv.TotalValue.String()).
		Str("source", mv.Source).
		Msg("movement recorded")
	return true, nil
}

// FundingMovement describes a deposit, withdrawal or balance transfer
// observed on the exchange. TransactionID is the exchange's own id for
// the event and keys deduplication.
type FundingMovement struct {
	TenantID      string
	TransactionID string
	Asset         string
	Quantity      decimal.Decimal
	// PriceBTC is the asset's BTC price at execution. Zero means
	// unknown; the portfolio projection then converts at the closest
	// known price.
	PriceBTC   decimal.Decimal
	ExecutedAt time.Time
	Raw        []byte
}

// Funding flow directions, stored in the movement's side column.
const (
	FlowIn  = "IN"
	FlowOut = "OUT"
)

// RecordDeposit appends a DEPOSIT movement.
func (r *Recorder) RecordDeposit(ctx context.Context, fm FundingMovement) (bool, error) {
	return r.Record(ctx, fundingRow(database.TxTypeDeposit, FlowIn, fm))
}

// RecordWithdrawal appends a WITHDRAWAL movement.
func (r *Recorder) RecordWithdrawal(ctx context.Context, fm FundingMovement) (bool, error) {
	return r.Record(ctx, fundingRow(database.TxTypeWithdrawal, FlowOut, fm))
}

// RecordTransfer appends a TRANSFER movement. out reports whether value
// left the tracked account.
func (r *Recorder) RecordTransfer(ctx context.Context, fm FundingMovement, out bool) (bool, error) {
	side := FlowIn
	if out {
		side = FlowOut
	}
	return r.Record(ctx, fundingRow(database.TxTypeTransfer, side, fm))
}

func fundingRow(txType, side string, fm FundingMovement) *database.AuditTransaction {
	return &database.AuditTransaction{
		TenantID:        fm.TenantID,
		ExchangeOrderID: fm.TransactionID,
		TransactionType: txType,
		Symbol:          fm.Asset,
		Asset:           fm.Asset,
		Side:            side,
		Price:           fm.PriceBTC,
		Quantity:        fm.Quantity,
		RawResponse:     fm.Raw,
		Source:          database.TxSourceExchangeSync,
		ExecutedAt:      fm.ExecutedAt,
	}
}
