package portfolio

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"trading-risk-engine/internal/database"
	"trading-risk-engine/internal/exchange"
)

var projBase = time.Date(2025, 6, 12, 12, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// bid mirrors the mock's one-basis-point bid spread.
func bid(px string) decimal.Decimal {
	return d(px).Mul(d("0.9999"))
}

type fakeProjStore struct {
	flows map[string][]*database.AuditTransaction
	ops   []*database.Operation
}

func newFakeProjStore() *fakeProjStore {
	return &fakeProjStore{flows: make(map[string][]*database.AuditTransaction)}
}

func (f *fakeProjStore) ListMovementsByType(_ context.Context, _ string, txType string) ([]*database.AuditTransaction, error) {
	return f.flows[txType], nil
}

func (f *fakeProjStore) ListActiveOperations(_ context.Context, _ string) ([]*database.Operation, error) {
	return f.ops, nil
}

func newProjEnv() (*Projector, *fakeProjStore, *exchange.MockExchange) {
	store := newFakeProjStore()
	mock := exchange.NewMockExchange()
	// Start from an empty balance sheet; each test seeds its own.
	mock.SetBalance("USDT", exchange.Balance{})
	mock.SetBalance("BTC", exchange.Balance{})

	proj := NewProjector(store, mock, NewValuer(mock, zerolog.Nop()), zerolog.Nop())
	proj.now = func() time.Time { return projBase }
	return proj, store, mock
}

func TestPriceLadder(t *testing.T) {
	mock := exchange.NewMockExchange()
	v := NewValuer(mock, zerolog.Nop())
	ctx := context.Background()

	tests := []struct {
		asset string
		want  decimal.Decimal
	}{
		{"BTC", decimal.NewFromInt(1)},
		{"ETH", bid("0.0358")},                            // direct ETHBTC pair
		{"SOL", bid("180").Div(bid("95000"))},             // USDT cross, no SOLBTC
		{"USDT", decimal.NewFromInt(1).Div(bid("95000"))}, // stable inverts BTCUSDT
		{"XYZ", decimal.Zero},                             // no path anywhere
	}
	for _, tt := range tests {
		if got := v.PriceBTC(ctx, tt.asset); !got.Equal(tt.want) {
			t.Errorf("PriceBTC(%s) = %s, want %s", tt.asset, got, tt.want)
		}
	}
}

func TestPriceCacheHoldsWithinTTL(t *testing.T) {
	mock := exchange.NewMockExchange()
	v := NewValuer(mock, zerolog.Nop())
	ctx := context.Background()

	first := v.PriceBTC(ctx, "ETH")
	mock.SetPrice("ETHBTC", d("0.05"))
	second := v.PriceBTC(ctx, "ETH")
	if !second.Equal(first) {
		t.Errorf("cached price moved: %s -> %s", first, second)
	}
}

func TestRecomputeSpotAndProfit(t *testing.T) {
	proj, store, mock := newProjEnv()
	mock.SetBalance("BTC", exchange.Balance{Free: d("0.5")})
	store.flows[database.TxTypeDeposit] = []*database.AuditTransaction{
		{Asset: "BTC", Quantity: d("1"), Price: d("1")},
	}
	store.flows[database.TxTypeWithdrawal] = []*database.AuditTransaction{
		{Asset: "BTC", Quantity: d("0.2"), Price: d("1")},
	}

	snap, err := proj.Recompute(context.Background(), "default")
	if err != nil {
		t.Fatalf("Recompute: %v", err)
	}

	if !snap.SpotBTC.Equal(d("0.5")) || !snap.TotalBTC.Equal(d("0.5")) {
		t.Errorf("spot=%s total=%s, want 0.5 both", snap.SpotBTC, snap.TotalBTC)
	}
	if !snap.DepositsBTC.Equal(d("1")) || !snap.WithdrawalsBTC.Equal(d("0.2")) {
		t.Errorf("deposits=%s withdrawals=%s", snap.DepositsBTC, snap.WithdrawalsBTC)
	}
	// 0.5 held + 0.2 withdrawn - 1 deposited.
	if !snap.ProfitBTC.Equal(d("-0.3")) {
		t.Errorf("profit = %s, want -0.3", snap.ProfitBTC)
	}
	if !snap.ComputedAt.Equal(projBase) {
		t.Errorf("computed_at = %s", snap.ComputedAt)
	}
}

func TestRecomputeValuesMixedAssets(t *testing.T) {
	proj, _, mock := newProjEnv()
	mock.SetBalance("BTC", exchange.Balance{Free: d("0.1"), Locked: d("0.1")})
	mock.SetBalance("ETH", exchange.Balance{Free: d("2")})
	mock.SetBalance("XYZ", exchange.Balance{Free: d("5")})

	snap, err := proj.Recompute(context.Background(), "default")
	if err != nil {
		t.Fatalf("Recompute: %v", err)
	}

	wantETH := d("2").Mul(bid("0.0358"))
	wantSpot := d("0.2").Add(wantETH)
	if !snap.SpotBTC.Equal(wantSpot) {
		t.Errorf("spot = %s, want %s", snap.SpotBTC, wantSpot)
	}
	if len(snap.Assets) != 2 || snap.Assets[0].Asset != "BTC" || snap.Assets[1].Asset != "ETH" {
		t.Fatalf("assets = %+v, want sorted [BTC ETH]", snap.Assets)
	}
	if !snap.Assets[0].Quantity.Equal(d("0.2")) {
		t.Errorf("BTC quantity = %s, want free+locked 0.2", snap.Assets[0].Quantity)
	}
	if len(snap.UnvaluedAssets) != 1 || snap.UnvaluedAssets[0] != "XYZ" {
		t.Errorf("unvalued = %v, want [XYZ]", snap.UnvaluedAssets)
	}
}

func TestRecomputeIncludesIsolatedMargin(t *testing.T) {
	proj, store, mock := newProjEnv()
	mock.SetBalance("BTC", exchange.Balance{Free: d("0.5")})
	store.ops = []*database.Operation{
		{ID: "op-1", TenantID: "default", Symbol: "ETHUSDT", Status: database.OperationStatusActive},
		{ID: "op-2", TenantID: "default", Symbol: "ETHUSDT", Status: database.OperationStatusActive},
	}
	mock.SetMarginAccount("ETHUSDT", &exchange.MarginAccountInfo{
		Symbol:     "ETHUSDT",
		BaseAsset:  exchange.MarginAsset{Asset: "ETH", NetAsset: d("1"), Borrowed: d("0.5")},
		QuoteAsset: exchange.MarginAsset{Asset: "USDT"},
	})

	snap, err := proj.Recompute(context.Background(), "default")
	if err != nil {
		t.Fatalf("Recompute: %v", err)
	}

	ethBTC := bid("0.0358")
	if !snap.MarginBTC.Equal(ethBTC) {
		t.Errorf("margin = %s, want %s (one account despite two operations)", snap.MarginBTC, ethBTC)
	}
	if !snap.BorrowedBTC.Equal(d("0.5").Mul(ethBTC)) {
		t.Errorf("borrowed = %s, want %s", snap.BorrowedBTC, d("0.5").Mul(ethBTC))
	}
	if !snap.TotalBTC.Equal(d("0.5").Add(ethBTC)) {
		t.Errorf("total = %s, want spot+margin %s", snap.TotalBTC, d("0.5").Add(ethBTC))
	}
}

func TestRecomputeConvertsUnpricedFlowsAtCurrentPrice(t *testing.T) {
	proj, store, _ := newProjEnv()
	store.flows[database.TxTypeDeposit] = []*database.AuditTransaction{
		{Asset: "ETH", Quantity: d("1")}, // recorded without a BTC price
	}
	store.flows[database.TxTypeWithdrawal] = []*database.AuditTransaction{
		{Asset: "XYZ", Quantity: d("1")}, // no conversion path at all
	}

	snap, err := proj.Recompute(context.Background(), "default")
	if err != nil {
		t.Fatalf("Recompute: %v", err)
	}

	if !snap.DepositsBTC.Equal(bid("0.0358")) {
		t.Errorf("deposits = %s, want current ETH ladder price", snap.DepositsBTC)
	}
	if !snap.WithdrawalsBTC.IsZero() {
		t.Errorf("withdrawals = %s, want zero for unconvertible asset", snap.WithdrawalsBTC)
	}
}

func TestRecomputeSkipsSpotOnlySymbols(t *testing.T) {
	proj, store, mock := newProjEnv()
	mock.SetBalance("BTC", exchange.Balance{Free: d("1")})
	// Active operation with no isolated margin account behind it.
	store.ops = []*database.Operation{
		{ID: "op-1", TenantID: "default", Symbol: "BTCUSDT", Status: database.OperationStatusActive},
	}

	snap, err := proj.Recompute(context.Background(), "default")
	if err != nil {
		t.Fatalf("Recompute: %v", err)
	}
	if !snap.MarginBTC.IsZero() {
		t.Errorf("margin = %s, want zero", snap.MarginBTC)
	}
	if !snap.TotalBTC.Equal(d("1")) {
		t.Errorf("total = %s, want 1", snap.TotalBTC)
	}
}
