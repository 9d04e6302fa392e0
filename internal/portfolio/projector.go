package portfolio

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"trading-risk-engine/internal/database"
	"trading-risk-engine/internal/exchange"
)

// Store is the repository slice the projection folds.
type Store interface {
	ListMovementsByType(ctx context.Context, tenantID, transactionType string) ([]*database.AuditTransaction, error)
	ListActiveOperations(ctx context.Context, tenantID string) ([]*database.Operation, error)
}

// AssetValue is one valued holding inside a snapshot.
type AssetValue struct {
	Asset    string          `json:"asset"`
	Quantity decimal.Decimal `json:"quantity"`
	PriceBTC decimal.Decimal `json:"price_btc"`
	ValueBTC decimal.Decimal `json:"value_btc"`
}

// Snapshot is a point-in-time BTC valuation of a tenant's account.
// Profit folds the funding flows back in: what the account grew beyond
// what was put into it.
type Snapshot struct {
	TenantID       string          `json:"tenant_id"`
	TotalBTC       decimal.Decimal `json:"total_btc"`
	SpotBTC        decimal.Decimal `json:"spot_btc"`
	MarginBTC      decimal.Decimal `json:"margin_btc"`
	BorrowedBTC    decimal.Decimal `json:"borrowed_btc"`
	DepositsBTC    decimal.Decimal `json:"deposits_btc"`
	WithdrawalsBTC decimal.Decimal `json:"withdrawals_btc"`
	ProfitBTC      decimal.Decimal `json:"profit_btc"`
	Assets         []AssetValue    `json:"assets"`
	UnvaluedAssets []string        `json:"unvalued_assets,omitempty"`
	ComputedAt     time.Time       `json:"computed_at"`
}

// Projector computes snapshots on demand.
type Projector struct {
	store  Store
	market exchange.MarketDataPort
	valuer *Valuer
	logger zerolog.Logger
	now    func() time.Time
}

// NewProjector wires the portfolio projection.
func NewProjector(store Store, market exchange.MarketDataPort, valuer *Valuer, logger zerolog.Logger) *Projector {
	return &Projector{
		store:  store,
		market: market,
		valuer: valuer,
		logger: logger.With().Str("component", "portfolio").Logger(),
		now:    time.Now,
	}
}

// Recompute builds a fresh snapshot for the tenant: spot balances plus
// isolated margin on actively traded symbols, all valued in BTC, with
// profit derived from the audit log's funding flows.
func (p *Projector) Recompute(ctx context.Context, tenantID string) (*Snapshot, error) {
	snap := &Snapshot{
		TenantID:   tenantID,
		ComputedAt: p.now().UTC(),
	}

	if err := p.foldSpot(ctx, snap); err != nil {
		return nil, err
	}
	if err := p.foldMargin(ctx, tenantID, snap); err != nil {
		return nil, err
	}
	snap.TotalBTC = snap.SpotBTC.Add(snap.MarginBTC)

	deposits, err := p.sumFlows(ctx, tenantID, database.TxTypeDeposit)
	if err != nil {
		return nil, err
	}
	withdrawals, err := p.sumFlows(ctx, tenantID, database.TxTypeWithdrawal)
	if err != nil {
		return nil, err
	}
	snap.DepositsBTC = deposits
	snap.WithdrawalsBTC = withdrawals
	snap.ProfitBTC = snap.TotalBTC.Add(withdrawals).Sub(deposits)

	sort.Slice(snap.Assets, func(i, j int) bool {
		return snap.Assets[i].Asset < snap.Assets[j].Asset
	})

	p.logger.Info().
		Str("tenant_id", tenantID).
		Str("total_btc", snap.TotalBTC.String()).
		Str("profit_btc", snap.ProfitBTC.String()).
		Int("assets", len(snap.Assets)).
		Int("unvalued", len(snap.UnvaluedAssets)).
		Msg("portfolio recomputed")
	return snap, nil
}

func (p *Projector) foldSpot(ctx context.Context, snap *Snapshot) error {
	balances, err := p.market.AccountBalances(ctx)
	if err != nil {
		return fmt.Errorf("fetch account balances: %w", err)
	}

	for asset, bal := range balances {
		qty := bal.Free.Add(bal.Locked)
		if !qty.IsPositive() {
			continue
		}
		price := p.valuer.PriceBTC(ctx, asset)
		if price.IsZero() {
			snap.UnvaluedAssets = append(snap.UnvaluedAssets, asset)
			continue
		}
		value := qty.Mul(price)
		snap.SpotBTC = snap.SpotBTC.Add(value)
		snap.Assets = append(snap.Assets, AssetValue{
			Asset:    asset,
			Quantity: qty,
			PriceBTC: price,
			ValueBTC: value,
		})
	}
	sort.Strings(snap.UnvaluedAssets)
	return nil
}

// foldMargin adds the isolated margin accounts of actively traded
// symbols. Net asset legs already subtract borrowed and interest, so
// borrowed value only surfaces as a reported figure.
func (p *Projector) foldMargin(ctx context.Context, tenantID string, snap *Snapshot) error {
	ops, err := p.store.ListActiveOperations(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("list active operations: %w", err)
	}

	seen := make(map[string]bool)
	for _, op := range ops {
		if seen[op.Symbol] {
			continue
		}
		seen[op.Symbol] = true

		acct, err := p.market.IsolatedMarginAccount(ctx, op.Symbol)
		if err != nil {
			// Spot-only symbols have no isolated account.
			p.logger.Debug().Str("symbol", op.Symbol).Err(err).Msg("no isolated margin account")
			continue
		}
		for _, leg := range []exchange.MarginAsset{acct.BaseAsset, acct.QuoteAsset} {
			if leg.NetAsset.IsZero() && !leg.Borrowed.IsPositive() {
				continue
			}
			price := p.valuer.PriceBTC(ctx, leg.Asset)
			if price.IsZero() {
				snap.UnvaluedAssets = append(snap.UnvaluedAssets, leg.Asset)
				continue
			}
			snap.MarginBTC = snap.MarginBTC.Add(leg.NetAsset.Mul(price))
			snap.BorrowedBTC = snap.BorrowedBTC.Add(leg.Borrowed.Mul(price))
		}
	}
	return nil
}

// sumFlows values a funding-flow type in BTC. Rows recorded with their
// execution-time BTC price convert at that price; rows without one use
// the closest known, which is the current ladder price.
func (p *Projector) sumFlows(ctx context.Context, tenantID, txType string) (decimal.Decimal, error) {
	movements, err := p.store.ListMovementsByType(ctx, tenantID, txType)
	if err != nil {
		return decimal.Zero, fmt.Errorf("list %s movements: %w", txType, err)
	}

	total := decimal.Zero
	for _, mv := range movements {
		if mv.Price.IsPositive() {
			total = total.Add(mv.Quantity.Mul(mv.Price))
			continue
		}
		asset := mv.Asset
		if asset == "" {
			asset = mv.Symbol
		}
		price := p.valuer.PriceBTC(ctx, asset)
		if price.IsZero() {
			p.logger.Warn().
				Str("asset", asset).
				Str("type", txType).
				Int64("movement_id", mv.ID).
				Msg("funding flow has no BTC conversion, excluded from profit")
			continue
		}
		total = total.Add(mv.Quantity.Mul(price))
	}
	return total, nil
}
