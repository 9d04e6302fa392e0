package exchange

import (
	"context"
	"sync"
	"time"

	binance "github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// BinanceAdapter implements the market-data, execution and history ports
// against the Binance spot/margin REST API. Funding rates come from the
// futures premium index (spot has no funding). Wallet transfers route
// through the margin wallet transfer endpoint.
type BinanceAdapter struct {
	spot    *binance.Client
	futures *futures.Client
	limiter *RequestLimiter
	ages    AgeSource // stream freshness, may be nil
	logger  zerolog.Logger

	mu        sync.RWMutex
	lastFetch map[string]time.Time
}

var (
	_ MarketDataPort = (*BinanceAdapter)(nil)
	_ ExecutionPort  = (*BinanceAdapter)(nil)
	_ HistoryPort    = (*BinanceAdapter)(nil)
)

// NewBinanceAdapter builds the adapter. ages may be nil; then DataAge
// falls back to the adapter's own REST fetch times.
func NewBinanceAdapter(apiKey, secretKey string, testnet bool, limiter *RequestLimiter, ages AgeSource, logger zerolog.Logger) *BinanceAdapter {
	binance.UseTestnet = testnet
	futures.UseTestnet = testnet
	if limiter == nil {
		limiter = NewRequestLimiter(1200)
	}
	return &BinanceAdapter{
		spot:      binance.NewClient(apiKey, secretKey),
		futures:   binance.NewFuturesClient(apiKey, secretKey),
		limiter:   limiter,
		ages:      ages,
		logger:    logger.With().Str("component", "BinanceAdapter").Logger(),
		lastFetch: make(map[string]time.Time),
	}
}

// Limiter exposes the request limiter for ops reporting.
func (a *BinanceAdapter) Limiter() *RequestLimiter { return a.limiter }

func (a *BinanceAdapter) recordFetch(symbol string) {
	a.mu.Lock()
	a.lastFetch[symbol] = time.Now()
	a.mu.Unlock()
}

// ===== MarketDataPort =====

func (a *BinanceAdapter) BestBid(ctx context.Context, symbol string) (decimal.Decimal, error) {
	bid, _, err := a.bookTicker(ctx, symbol)
	return bid, err
}

func (a *BinanceAdapter) BestAsk(ctx context.Context, symbol string) (decimal.Decimal, error) {
	_, ask, err := a.bookTicker(ctx, symbol)
	return ask, err
}

func (a *BinanceAdapter) bookTicker(ctx context.Context, symbol string) (decimal.Decimal, decimal.Decimal, error) {
	if err := a.limiter.Acquire(ctx, weightBookTicker, PriorityNormal); err != nil {
		return decimal.Zero, decimal.Zero, wrapErr("book_ticker", symbol, err)
	}
	tickers, err := a.spot.NewListBookTickersService().Symbol(symbol).Do(ctx)
	if err != nil {
		return decimal.Zero, decimal.Zero, wrapErr("book_ticker", symbol, err)
	}
	if len(tickers) == 0 {
		return decimal.Zero, decimal.Zero, &Error{Op: "book_ticker", Symbol: symbol, Message: "no book ticker returned"}
	}
	a.recordFetch(symbol)
	return dec(tickers[0].BidPrice), dec(tickers[0].AskPrice), nil
}

func (a *BinanceAdapter) Klines(ctx context.Context, symbol, timeframe string, limit int) ([]Candle, error) {
	if err := a.limiter.Acquire(ctx, weightKlines, PriorityNormal); err != nil {
		return nil, wrapErr("klines", symbol, err)
	}
	raw, err := a.spot.NewKlinesService().Symbol(symbol).Interval(timeframe).Limit(limit).Do(ctx)
	if err != nil {
		return nil, wrapErr("klines", symbol, err)
	}
	candles := make([]Candle, 0, len(raw))
	for _, k := range raw {
		candles = append(candles, Candle{
			OpenTime:  time.UnixMilli(k.OpenTime),
			Open:      dec(k.Open),
			High:      dec(k.High),
			Low:       dec(k.Low),
			Close:     dec(k.Close),
			Volume:    dec(k.Volume),
			CloseTime: time.UnixMilli(k.CloseTime),
		})
	}
	a.recordFetch(symbol)
	return candles, nil
}

func (a *BinanceAdapter) LatestFundingRate(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if err := a.limiter.Acquire(ctx, weightFunding, PriorityNormal); err != nil {
		return decimal.Zero, wrapErr("funding_rate", symbol, err)
	}
	idx, err := a.futures.NewPremiumIndexService().Symbol(symbol).Do(ctx)
	if err != nil {
		return decimal.Zero, wrapErr("funding_rate", symbol, err)
	}
	if len(idx) == 0 {
		return decimal.Zero, &Error{Op: "funding_rate", Symbol: symbol, Message: "no premium index for symbol"}
	}
	return dec(idx[0].LastFundingRate), nil
}

func (a *BinanceAdapter) DataAge(ctx context.Context, symbol string) (time.Duration, error) {
	if a.ages != nil {
		if at, ok := a.ages.LastUpdate(symbol); ok {
			return time.Since(at), nil
		}
	}
	a.mu.RLock()
	at, ok := a.lastFetch[symbol]
	a.mu.RUnlock()
	if !ok {
		return 0, &Error{Op: "data_age", Symbol: symbol, Message: "no market data seen for symbol"}
	}
	return time.Since(at), nil
}

func (a *BinanceAdapter) AccountBalances(ctx context.Context) (map[string]Balance, error) {
	if err := a.limiter.Acquire(ctx, weightAccount, PriorityNormal); err != nil {
		return nil, wrapErr("account_balances", "", err)
	}
	acct, err := a.spot.NewGetAccountService().Do(ctx)
	if err != nil {
		return nil, wrapErr("account_balances", "", err)
	}
	balances := make(map[string]Balance, len(acct.Balances))
	for _, b := range acct.Balances {
		free, locked := dec(b.Free), dec(b.Locked)
		if free.IsZero() && locked.IsZero() {
			continue
		}
		balances[b.Asset] = Balance{Free: free, Locked: locked}
	}
	return balances, nil
}

func (a *BinanceAdapter) IsolatedMarginAccount(ctx context.Context, symbol string) (*MarginAccountInfo, error) {
	if err := a.limiter.Acquire(ctx, weightMarginAccount, PriorityNormal); err != nil {
		return nil, wrapErr("isolated_margin_account", symbol, err)
	}
	acct, err := a.spot.NewGetIsolatedMarginAccountService().Do(ctx)
	if err != nil {
		return nil, wrapErr("isolated_margin_account", symbol, err)
	}
	for _, asset := range acct.Assets {
		if asset.Symbol != symbol {
			continue
		}
		return &MarginAccountInfo{
			Symbol: asset.Symbol,
			BaseAsset: MarginAsset{
				Asset:    asset.BaseAsset.Asset,
				Free:     dec(asset.BaseAsset.Free),
				Borrowed: dec(asset.BaseAsset.Borrowed),
				Interest: dec(asset.BaseAsset.Interest),
				NetAsset: dec(asset.BaseAsset.NetAsset),
			},
			QuoteAsset: MarginAsset{
				Asset:    asset.QuoteAsset.Asset,
				Free:     dec(asset.QuoteAsset.Free),
				Borrowed: dec(asset.QuoteAsset.Borrowed),
				Interest: dec(asset.QuoteAsset.Interest),
				NetAsset: dec(asset.QuoteAsset.NetAsset),
			},
			MarginLevel:  dec(asset.MarginLevel),
			TradeEnabled: asset.TradeEnabled,
		}, nil
	}
	return nil, &Error{Op: "isolated_margin_account", Symbol: symbol, Message: "no isolated margin account for symbol"}
}

// ===== ExecutionPort =====

func (a *BinanceAdapter) PlaceMarketOrder(ctx context.Context, symbol string, side Side, quantity decimal.Decimal, clientOrderID string) (*OrderResult, error) {
	if err := a.limiter.Acquire(ctx, weightOrder, PriorityCritical); err != nil {
		return nil, wrapErr("place_market_order", symbol, err)
	}
	svc := a.spot.NewCreateOrderService().
		Symbol(symbol).
		Side(binance.SideType(side)).
		Type(binance.OrderTypeMarket).
		Quantity(quantity.String())
	if clientOrderID != "" {
		svc = svc.NewClientOrderID(clientOrderID)
	}
	res, err := svc.Do(ctx)
	if err != nil {
		return nil, wrapErr("place_market_order", symbol, err)
	}
	a.logger.Info().
		Str("symbol", symbol).
		Str("side", string(side)).
		Str("quantity", quantity.String()).
		Int64("order_id", res.OrderID).
		Msg("market order placed")
	return orderResultFromCreate(res), nil
}

func (a *BinanceAdapter) CreateMarginOrder(ctx context.Context, spec MarginOrderSpec) (*OrderResult, error) {
	if err := a.limiter.Acquire(ctx, weightOrder, PriorityCritical); err != nil {
		return nil, wrapErr("create_margin_order", spec.Symbol, err)
	}
	svc := a.spot.NewCreateMarginOrderService().
		Symbol(spec.Symbol).
		Side(binance.SideType(spec.Side)).
		Type(binance.OrderType(spec.Type)).
		Quantity(spec.Quantity.String()).
		IsIsolated(spec.Isolated)
	if !spec.Price.IsZero() {
		svc = svc.Price(spec.Price.String())
	}
	if !spec.StopPrice.IsZero() {
		svc = svc.StopPrice(spec.StopPrice.String())
	}
	if spec.TimeInForce != "" {
		svc = svc.TimeInForce(binance.TimeInForceType(spec.TimeInForce))
	}
	if spec.SideEffect != "" {
		svc = svc.SideEffectType(binance.SideEffectType(spec.SideEffect))
	}
	res, err := svc.Do(ctx)
	if err != nil {
		return nil, wrapErr("create_margin_order", spec.Symbol, err)
	}
	a.logger.Info().
		Str("symbol", spec.Symbol).
		Str("side", string(spec.Side)).
		Str("type", string(spec.Type)).
		Int64("order_id", res.OrderID).
		Msg("margin order placed")
	return orderResultFromCreate(res), nil
}

func (a *BinanceAdapter) CancelOrder(ctx context.Context, symbol string, orderID int64) error {
	if err := a.limiter.Acquire(ctx, weightCancel, PriorityCritical); err != nil {
		return wrapErr("cancel_order", symbol, err)
	}
	_, err := a.spot.NewCancelOrderService().Symbol(symbol).OrderID(orderID).Do(ctx)
	if err != nil {
		return wrapErr("cancel_order", symbol, err)
	}
	return nil
}

func (a *BinanceAdapter) Transfer(ctx context.Context, dir TransferDirection, asset string, amount decimal.Decimal, symbol string) (*TransferResult, error) {
	if err := a.limiter.Acquire(ctx, weightTransfer, PriorityCritical); err != nil {
		return nil, wrapErr("transfer", symbol, err)
	}
	transferType := binance.MarginTransferTypeToMargin
	if dir == TransferMarginToSpot {
		transferType = binance.MarginTransferTypeToMain
	}
	res, err := a.spot.NewMarginTransferService().
		Asset(asset).
		Amount(amount.String()).
		Type(transferType).
		Do(ctx)
	if err != nil {
		return nil, wrapErr("transfer", symbol, err)
	}
	return &TransferResult{TransactionID: res.TranID}, nil
}

// ===== HistoryPort =====

func (a *BinanceAdapter) ListOrders(ctx context.Context, symbol string, since time.Time) ([]OrderResult, error) {
	if err := a.limiter.Acquire(ctx, weightOrderHistory, PriorityLow); err != nil {
		return nil, wrapErr("list_orders", symbol, err)
	}
	svc := a.spot.NewListOrdersService().Symbol(symbol)
	if !since.IsZero() {
		svc = svc.StartTime(since.UnixMilli())
	}
	raw, err := svc.Do(ctx)
	if err != nil {
		return nil, wrapErr("list_orders", symbol, err)
	}
	orders := make([]OrderResult, 0, len(raw))
	for _, o := range raw {
		orders = append(orders, OrderResult{
			OrderID:       o.OrderID,
			ClientOrderID: o.ClientOrderID,
			Symbol:        o.Symbol,
			Side:          Side(o.Side),
			Type:          OrderType(o.Type),
			Status:        string(o.Status),
			Price:         dec(o.Price),
			OrigQuantity:  dec(o.OrigQuantity),
			ExecutedQty:   dec(o.ExecutedQuantity),
			QuoteQty:      dec(o.CummulativeQuoteQuantity),
			TransactTime:  time.UnixMilli(o.Time),
		})
	}
	return orders, nil
}

func orderResultFromCreate(res *binance.CreateOrderResponse) *OrderResult {
	out := &OrderResult{
		OrderID:       res.OrderID,
		ClientOrderID: res.ClientOrderID,
		Symbol:        res.Symbol,
		Side:          Side(res.Side),
		Type:          OrderType(res.Type),
		Status:        string(res.Status),
		Price:         dec(res.Price),
		OrigQuantity:  dec(res.OrigQuantity),
		ExecutedQty:   dec(res.ExecutedQuantity),
		QuoteQty:      dec(res.CummulativeQuoteQuantity),
		TransactTime:  time.UnixMilli(res.TransactTime),
	}
	for _, f := range res.Fills {
		out.Fills = append(out.Fills, Fill{
			Price:           dec(f.Price),
			Quantity:        dec(f.Quantity),
			Commission:      dec(f.Commission),
			CommissionAsset: f.CommissionAsset,
		})
	}
	return out
}

// dec parses an exchange decimal string, returning zero on garbage. The
// exchange never sends malformed numbers in practice; zero keeps the
// blast radius of a bad field contained.
func dec(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
