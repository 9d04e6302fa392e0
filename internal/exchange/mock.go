package exchange

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// MockExchange is a deterministic in-memory exchange used in mock mode
// and by tests. Prices, candles, funding rates and balances are seeded
// by the caller; orders fill instantly at the current price with a
// configurable spread. All methods are safe for concurrent use.
type MockExchange struct {
	mu sync.RWMutex

	prices   map[string]decimal.Decimal            // last price per symbol
	updated  map[string]time.Time                  // per-symbol tick time
	candles  map[string][]Candle                   // key: symbol|timeframe
	funding  map[string]decimal.Decimal            // per-symbol funding rate
	balances map[string]Balance                    // spot balances
	margin   map[string]*MarginAccountInfo         // per-symbol isolated accounts
	history  map[string][]OrderResult              // per-symbol order history

	orderSeq    int64
	placed      []OrderResult // every accepted order, in submission order
	nextOrdErr  error         // injected failure for the next order call
	fillSlipPct decimal.Decimal

	now func() time.Time
}

var (
	_ MarketDataPort = (*MockExchange)(nil)
	_ ExecutionPort  = (*MockExchange)(nil)
	_ HistoryPort    = (*MockExchange)(nil)
)

// NewMockExchange seeds a mock with realistic base prices.
func NewMockExchange() *MockExchange {
	m := &MockExchange{
		prices:   make(map[string]decimal.Decimal),
		updated:  make(map[string]time.Time),
		candles:  make(map[string][]Candle),
		funding:  make(map[string]decimal.Decimal),
		balances: make(map[string]Balance),
		margin:   make(map[string]*MarginAccountInfo),
		history:  make(map[string][]OrderResult),
		now:      time.Now,
	}
	for symbol, px := range map[string]string{
		"BTCUSDT": "95000",
		"ETHUSDT": "3400",
		"BNBUSDT": "640",
		"SOLUSDT": "180",
		"BNBBTC":  "0.0067",
		"ETHBTC":  "0.0358",
	} {
		m.prices[symbol] = decimal.RequireFromString(px)
		m.updated[symbol] = m.now()
	}
	m.balances["USDT"] = Balance{Free: decimal.RequireFromString("10000")}
	m.balances["BTC"] = Balance{Free: decimal.RequireFromString("0.5")}
	return m
}

// SetNow overrides the clock (tests).
func (m *MockExchange) SetNow(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// SetPrice sets the current price and refreshes the symbol's tick time.
func (m *MockExchange) SetPrice(symbol string, price decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prices[symbol] = price
	m.updated[symbol] = m.now()
}

// SetPriceAt sets the price with an explicit tick time (staleness tests).
func (m *MockExchange) SetPriceAt(symbol string, price decimal.Decimal, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prices[symbol] = price
	m.updated[symbol] = at
}

// SetCandles seeds the kline window returned for symbol+timeframe.
func (m *MockExchange) SetCandles(symbol, timeframe string, candles []Candle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.candles[symbol+"|"+timeframe] = candles
	m.updated[symbol] = m.now()
}

// SetFundingRate seeds the funding rate for symbol.
func (m *MockExchange) SetFundingRate(symbol string, rate decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.funding[symbol] = rate
}

// SetBalance seeds a spot balance.
func (m *MockExchange) SetBalance(asset string, balance Balance) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[asset] = balance
}

// SetMarginAccount seeds an isolated margin account.
func (m *MockExchange) SetMarginAccount(symbol string, acct *MarginAccountInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.margin[symbol] = acct
}

// SetHistory seeds the order history returned by ListOrders.
func (m *MockExchange) SetHistory(symbol string, orders []OrderResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history[symbol] = orders
}

// FailNextOrder makes the next order placement return err.
func (m *MockExchange) FailNextOrder(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextOrdErr = err
}

// SetFillSlippagePct makes fills deviate from the set price by pct
// (positive pct fills BUYs higher and SELLs lower).
func (m *MockExchange) SetFillSlippagePct(pct decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fillSlipPct = pct
}

// PlacedOrders returns a copy of all accepted orders.
func (m *MockExchange) PlacedOrders() []OrderResult {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]OrderResult, len(m.placed))
	copy(out, m.placed)
	return out
}

// ===== MarketDataPort =====

func (m *MockExchange) BestBid(ctx context.Context, symbol string) (decimal.Decimal, error) {
	price, err := m.price(symbol)
	if err != nil {
		return decimal.Zero, err
	}
	// mock spread: bid one basis point under the mark
	return price.Mul(decimal.RequireFromString("0.9999")), nil
}

func (m *MockExchange) BestAsk(ctx context.Context, symbol string) (decimal.Decimal, error) {
	price, err := m.price(symbol)
	if err != nil {
		return decimal.Zero, err
	}
	return price.Mul(decimal.RequireFromString("1.0001")), nil
}

func (m *MockExchange) price(symbol string) (decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	price, ok := m.prices[symbol]
	if !ok {
		return decimal.Zero, &Error{Op: "price", Symbol: symbol, Message: "unknown symbol"}
	}
	return price, nil
}

func (m *MockExchange) Klines(ctx context.Context, symbol, timeframe string, limit int) ([]Candle, error) {
	m.mu.RLock()
	seeded, ok := m.candles[symbol+"|"+timeframe]
	base, hasPrice := m.prices[symbol]
	m.mu.RUnlock()

	if ok {
		if limit > 0 && len(seeded) > limit {
			seeded = seeded[len(seeded)-limit:]
		}
		out := make([]Candle, len(seeded))
		copy(out, seeded)
		return out, nil
	}
	if !hasPrice {
		return nil, &Error{Op: "klines", Symbol: symbol, Message: "unknown symbol"}
	}
	return m.generateCandles(base, timeframe, limit), nil
}

// generateCandles renders a random-walk window ending at the current
// price, for mock-mode runs without seeded data.
func (m *MockExchange) generateCandles(base decimal.Decimal, timeframe string, limit int) []Candle {
	step := timeframeDuration(timeframe)
	now := m.now().Truncate(step)
	candles := make([]Candle, 0, limit)
	price := base
	for i := limit - 1; i >= 0; i-- {
		openTime := now.Add(-time.Duration(i+1) * step)
		drift := decimal.NewFromFloat((rand.Float64() - 0.5) * 0.01)
		open := price
		closePx := open.Mul(decimal.NewFromInt(1).Add(drift))
		high := decimal.Max(open, closePx).Mul(decimal.RequireFromString("1.002"))
		low := decimal.Min(open, closePx).Mul(decimal.RequireFromString("0.998"))
		candles = append(candles, Candle{
			OpenTime:  openTime,
			Open:      open,
			High:      high,
			Low:       low,
			Close:     closePx,
			Volume:    decimal.NewFromInt(1000),
			CloseTime: openTime.Add(step),
		})
		price = closePx
	}
	return candles
}

func timeframeDuration(timeframe string) time.Duration {
	switch timeframe {
	case "1m":
		return time.Minute
	case "5m":
		return 5 * time.Minute
	case "15m":
		return 15 * time.Minute
	case "1h":
		return time.Hour
	case "4h":
		return 4 * time.Hour
	case "1d":
		return 24 * time.Hour
	default:
		return time.Minute
	}
}

func (m *MockExchange) LatestFundingRate(ctx context.Context, symbol string) (decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rate, ok := m.funding[symbol]
	if !ok {
		return decimal.Zero, &Error{Op: "funding_rate", Symbol: symbol, Message: "no funding data"}
	}
	return rate, nil
}

func (m *MockExchange) DataAge(ctx context.Context, symbol string) (time.Duration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	at, ok := m.updated[symbol]
	if !ok {
		return 0, &Error{Op: "data_age", Symbol: symbol, Message: "no market data seen for symbol"}
	}
	return m.now().Sub(at), nil
}

func (m *MockExchange) AccountBalances(ctx context.Context) (map[string]Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Balance, len(m.balances))
	for asset, b := range m.balances {
		out[asset] = b
	}
	return out, nil
}

func (m *MockExchange) IsolatedMarginAccount(ctx context.Context, symbol string) (*MarginAccountInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	acct, ok := m.margin[symbol]
	if !ok {
		return nil, &Error{Op: "isolated_margin_account", Symbol: symbol, Message: "no isolated margin account for symbol"}
	}
	cp := *acct
	return &cp, nil
}

// ===== ExecutionPort =====

func (m *MockExchange) PlaceMarketOrder(ctx context.Context, symbol string, side Side, quantity decimal.Decimal, clientOrderID string) (*OrderResult, error) {
	return m.fillOrder(symbol, side, OrderTypeMarket, quantity, clientOrderID)
}

func (m *MockExchange) CreateMarginOrder(ctx context.Context, spec MarginOrderSpec) (*OrderResult, error) {
	return m.fillOrder(spec.Symbol, spec.Side, spec.Type, spec.Quantity, "")
}

func (m *MockExchange) fillOrder(symbol string, side Side, typ OrderType, quantity decimal.Decimal, clientOrderID string) (*OrderResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.nextOrdErr != nil {
		err := m.nextOrdErr
		m.nextOrdErr = nil
		return nil, err
	}
	price, ok := m.prices[symbol]
	if !ok {
		return nil, &Error{Op: "place_order", Symbol: symbol, Message: "unknown symbol"}
	}
	if !quantity.IsPositive() {
		return nil, &Error{Op: "place_order", Symbol: symbol, Message: "quantity must be positive"}
	}

	fillPrice := price
	if !m.fillSlipPct.IsZero() {
		slip := price.Mul(m.fillSlipPct).Div(decimal.NewFromInt(100))
		if side == SideBuy {
			fillPrice = price.Add(slip)
		} else {
			fillPrice = price.Sub(slip)
		}
	}

	m.orderSeq++
	if clientOrderID == "" {
		clientOrderID = fmt.Sprintf("mock-%d", m.orderSeq)
	}
	res := OrderResult{
		OrderID:       m.orderSeq,
		ClientOrderID: clientOrderID,
		Symbol:        symbol,
		Side:          side,
		Type:          typ,
		Status:        "FILLED",
		Price:         fillPrice,
		OrigQuantity:  quantity,
		ExecutedQty:   quantity,
		QuoteQty:      fillPrice.Mul(quantity),
		Fills: []Fill{{
			Price:           fillPrice,
			Quantity:        quantity,
			Commission:      fillPrice.Mul(quantity).Mul(decimal.RequireFromString("0.001")),
			CommissionAsset: "USDT",
		}},
		TransactTime: m.now(),
	}
	m.placed = append(m.placed, res)
	m.history[symbol] = append(m.history[symbol], res)
	return &res, nil
}

func (m *MockExchange) CancelOrder(ctx context.Context, symbol string, orderID int64) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, o := range m.placed {
		if o.Symbol == symbol && o.OrderID == orderID {
			return nil
		}
	}
	return &Error{Op: "cancel_order", Symbol: symbol, Message: "unknown order"}
}

func (m *MockExchange) Transfer(ctx context.Context, dir TransferDirection, asset string, amount decimal.Decimal, symbol string) (*TransferResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orderSeq++
	return &TransferResult{TransactionID: m.orderSeq}, nil
}

// ===== HistoryPort =====

func (m *MockExchange) ListOrders(ctx context.Context, symbol string, since time.Time) ([]OrderResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []OrderResult
	for _, o := range m.history[symbol] {
		if since.IsZero() || !o.TransactTime.Before(since) {
			out = append(out, o)
		}
	}
	return out, nil
}
