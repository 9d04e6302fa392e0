package exchange

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// MarketDataPort supplies candles, quotes, funding rates and balances.
// All methods may fail; errors distinguish transient from permanent via
// IsTransient.
type MarketDataPort interface {
	BestBid(ctx context.Context, symbol string) (decimal.Decimal, error)
	BestAsk(ctx context.Context, symbol string) (decimal.Decimal, error)
	// Klines returns up to limit bars ordered oldest first.
	Klines(ctx context.Context, symbol, timeframe string, limit int) ([]Candle, error)
	LatestFundingRate(ctx context.Context, symbol string) (decimal.Decimal, error)
	// DataAge reports how old the freshest market data for symbol is.
	DataAge(ctx context.Context, symbol string) (time.Duration, error)
	AccountBalances(ctx context.Context) (map[string]Balance, error)
	IsolatedMarginAccount(ctx context.Context, symbol string) (*MarginAccountInfo, error)
}

// ExecutionPort places and cancels orders. Every call returns either a
// committed order id or a structured error; callers decide retry from
// IsTransient.
type ExecutionPort interface {
	// PlaceMarketOrder submits a spot market order. clientOrderID, when
	// non-empty, is forwarded as the exchange idempotency token.
	PlaceMarketOrder(ctx context.Context, symbol string, side Side, quantity decimal.Decimal, clientOrderID string) (*OrderResult, error)
	CreateMarginOrder(ctx context.Context, spec MarginOrderSpec) (*OrderResult, error)
	CancelOrder(ctx context.Context, symbol string, orderID int64) error
	Transfer(ctx context.Context, dir TransferDirection, asset string, amount decimal.Decimal, symbol string) (*TransferResult, error)
}

// HistoryPort reads past orders for the reconciliation sweep.
type HistoryPort interface {
	// ListOrders returns orders for symbol updated at or after since,
	// oldest first.
	ListOrders(ctx context.Context, symbol string, since time.Time) ([]OrderResult, error)
}

// AgeSource reports when streamed market data for a symbol was last
// refreshed. The price cache implements this; the Binance adapter
// prefers it over its own REST fetch times when answering DataAge.
type AgeSource interface {
	LastUpdate(symbol string) (time.Time, bool)
}
