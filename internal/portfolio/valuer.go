// Package portfolio projects BTC-valued account state from spot
// balances, isolated margin accounts and the audit log. Valuations are
// read-only folds; nothing here mutates engine state.
package portfolio

import (
	"context"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"trading-risk-engine/internal/exchange"
)

// Discovered prices stay valid this long; portfolio math tolerates a
// minute of staleness.
const priceTTL = 60 * time.Second

// Stable quote currencies tried for cross-pair conversion, in order.
var crossQuotes = []string{"USDT", "BUSD"}

// Valuer resolves an asset's price in BTC through the pair ladder:
// direct ASSETBTC bid, then ASSETUSDT/BTCUSDT, then the same via BUSD.
// An asset with no path prices at zero with a logged warning, so one
// exotic dust balance cannot fail a whole projection.
type Valuer struct {
	market exchange.MarketDataPort
	cache  *gocache.Cache
	logger zerolog.Logger
}

// NewValuer creates the valuer with a fresh price cache.
func NewValuer(market exchange.MarketDataPort, logger zerolog.Logger) *Valuer {
	return &Valuer{
		market: market,
		cache:  gocache.New(priceTTL, 2*priceTTL),
		logger: logger.With().Str("component", "portfolio_valuer").Logger(),
	}
}

// PriceBTC returns the asset's BTC price, cached for priceTTL. Zero
// means no conversion path exists.
func (v *Valuer) PriceBTC(ctx context.Context, asset string) decimal.Decimal {
	asset = strings.ToUpper(strings.TrimSpace(asset))
	if asset == "" {
		return decimal.Zero
	}
	if asset == "BTC" {
		return decimal.NewFromInt(1)
	}
	if cached, ok := v.cache.Get(asset); ok {
		return cached.(decimal.Decimal)
	}

	price := v.discover(ctx, asset)
	v.cache.Set(asset, price, gocache.DefaultExpiration)
	return price
}

func (v *Valuer) discover(ctx context.Context, asset string) decimal.Decimal {
	// Stables invert the BTC pair: 1 USDT = 1 / bid(BTCUSDT).
	for _, quote := range crossQuotes {
		if asset != quote {
			continue
		}
		btcBid, err := v.market.BestBid(ctx, "BTC"+quote)
		if err == nil && btcBid.IsPositive() {
			return decimal.NewFromInt(1).Div(btcBid)
		}
		v.logger.Warn().Str("asset", asset).Msg("no BTC conversion path, valuing at zero")
		return decimal.Zero
	}

	if bid, err := v.market.BestBid(ctx, asset+"BTC"); err == nil && bid.IsPositive() {
		return bid
	}

	for _, quote := range crossQuotes {
		assetBid, err := v.market.BestBid(ctx, asset+quote)
		if err != nil || !assetBid.IsPositive() {
			continue
		}
		btcBid, err := v.market.BestBid(ctx, "BTC"+quote)
		if err != nil || !btcBid.IsPositive() {
			continue
		}
		return assetBid.Div(btcBid)
	}

	v.logger.Warn().Str("asset", asset).Msg("no BTC conversion path, valuing at zero")
	return decimal.Zero
}
