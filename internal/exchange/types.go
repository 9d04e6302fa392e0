// Package exchange defines the market-data and execution ports of the
// engine plus the Binance implementation of both. All prices and
// quantities are fixed-precision decimals; float64 never carries money.
package exchange

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is an order side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Valid reports whether the side is BUY or SELL.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// Opposite returns the closing direction for a position opened with s.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType is an exchange order type.
type OrderType string

const (
	OrderTypeMarket          OrderType = "MARKET"
	OrderTypeLimit           OrderType = "LIMIT"
	OrderTypeStopLossLimit   OrderType = "STOP_LOSS_LIMIT"
	OrderTypeTakeProfitLimit OrderType = "TAKE_PROFIT_LIMIT"
)

// Candle is one OHLCV bar. Candles returned by Klines are ordered oldest
// first; the last candle may still be open.
type Candle struct {
	OpenTime  time.Time
	Open      decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Close     decimal.Decimal
	Volume    decimal.Decimal
	CloseTime time.Time
}

// Fill is a single execution inside an order.
type Fill struct {
	Price           decimal.Decimal `json:"price"`
	Quantity        decimal.Decimal `json:"quantity"`
	Commission      decimal.Decimal `json:"commission"`
	CommissionAsset string          `json:"commission_asset"`
}

// OrderResult is the committed outcome of an order placement. Every
// execution-port call returns either an OrderResult carrying an exchange
// order id or an error; there is no in-between.
type OrderResult struct {
	OrderID       int64           `json:"order_id"`
	ClientOrderID string          `json:"client_order_id"`
	Symbol        string          `json:"symbol"`
	Side          Side            `json:"side"`
	Type          OrderType       `json:"type"`
	Status        string          `json:"status"`
	Price         decimal.Decimal `json:"price"`
	OrigQuantity  decimal.Decimal `json:"orig_quantity"`
	ExecutedQty   decimal.Decimal `json:"executed_qty"`
	QuoteQty      decimal.Decimal `json:"quote_qty"`
	Fills         []Fill          `json:"fills,omitempty"`
	TransactTime  time.Time       `json:"transact_time"`
}

// AvgFillPrice returns the volume-weighted fill price. Falls back to
// quote/executed when fills are absent (order-history rows), and to the
// order price when nothing executed.
func (o *OrderResult) AvgFillPrice() decimal.Decimal {
	if len(o.Fills) > 0 {
		totalQty := decimal.Zero
		totalQuote := decimal.Zero
		for _, f := range o.Fills {
			totalQty = totalQty.Add(f.Quantity)
			totalQuote = totalQuote.Add(f.Price.Mul(f.Quantity))
		}
		if totalQty.IsPositive() {
			return totalQuote.Div(totalQty)
		}
	}
	if o.ExecutedQty.IsPositive() && o.QuoteQty.IsPositive() {
		return o.QuoteQty.Div(o.ExecutedQty)
	}
	return o.Price
}

// TotalCommission sums fill commissions in the given asset.
func (o *OrderResult) TotalCommission() decimal.Decimal {
	total := decimal.Zero
	for _, f := range o.Fills {
		total = total.Add(f.Commission)
	}
	return total
}

// Balance is a spot asset balance.
type Balance struct {
	Free   decimal.Decimal `json:"free"`
	Locked decimal.Decimal `json:"locked"`
}

// MarginAsset is one leg of an isolated margin account.
type MarginAsset struct {
	Asset    string          `json:"asset"`
	Free     decimal.Decimal `json:"free"`
	Borrowed decimal.Decimal `json:"borrowed"`
	Interest decimal.Decimal `json:"interest"`
	NetAsset decimal.Decimal `json:"net_asset"`
}

// MarginAccountInfo describes one isolated margin pair.
type MarginAccountInfo struct {
	Symbol       string          `json:"symbol"`
	BaseAsset    MarginAsset     `json:"base_asset"`
	QuoteAsset   MarginAsset     `json:"quote_asset"`
	MarginLevel  decimal.Decimal `json:"margin_level"`
	TradeEnabled bool            `json:"trade_enabled"`
}

// MarginOrderSpec parameterizes CreateMarginOrder. Price, StopPrice and
// TimeInForce apply only to the order types that require them.
type MarginOrderSpec struct {
	Symbol      string
	Side        Side
	Type        OrderType
	Quantity    decimal.Decimal
	Price       decimal.Decimal
	StopPrice   decimal.Decimal
	TimeInForce string
	Isolated    bool
	SideEffect  string // NO_SIDE_EFFECT, MARGIN_BUY, AUTO_REPAY
}

// TransferDirection routes a wallet transfer.
type TransferDirection string

const (
	TransferSpotToMargin TransferDirection = "SPOT_TO_MARGIN"
	TransferMarginToSpot TransferDirection = "MARGIN_TO_SPOT"
)

// TransferResult carries the exchange transaction id of a transfer.
type TransferResult struct {
	TransactionID int64 `json:"transaction_id"`
}
