package exchange

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

// TestMockFillsAtSetPrice verifies market orders fill exactly at the
// seeded price when no slippage is configured.
func TestMockFillsAtSetPrice(t *testing.T) {
	mock := NewMockExchange()
	mock.SetPrice("BTCUSDT", decimal.RequireFromString("95000"))

	res, err := mock.PlaceMarketOrder(context.Background(), "BTCUSDT", SideBuy, decimal.RequireFromString("0.01"), "client-1")
	if err != nil {
		t.Fatalf("PlaceMarketOrder failed: %v", err)
	}
	if !res.Price.Equal(decimal.RequireFromString("95000")) {
		t.Errorf("Expected fill at 95000, got %s", res.Price)
	}
	if res.ClientOrderID != "client-1" {
		t.Errorf("Expected client order id to round-trip, got %s", res.ClientOrderID)
	}
	if res.Status != "FILLED" {
		t.Errorf("Expected FILLED status, got %s", res.Status)
	}

	placed := mock.PlacedOrders()
	if len(placed) != 1 {
		t.Fatalf("Expected 1 recorded order, got %d", len(placed))
	}
}

// TestMockSlippageDirection verifies slippage moves against the taker:
// buys fill higher, sells fill lower.
func TestMockSlippageDirection(t *testing.T) {
	mock := NewMockExchange()
	mock.SetPrice("ETHUSDT", decimal.RequireFromString("3000"))
	mock.SetFillSlippagePct(decimal.RequireFromString("1")) // 1%

	buy, err := mock.PlaceMarketOrder(context.Background(), "ETHUSDT", SideBuy, decimal.NewFromInt(1), "")
	if err != nil {
		t.Fatalf("Buy failed: %v", err)
	}
	if !buy.Price.Equal(decimal.RequireFromString("3030")) {
		t.Errorf("Expected buy fill at 3030, got %s", buy.Price)
	}

	sell, err := mock.PlaceMarketOrder(context.Background(), "ETHUSDT", SideSell, decimal.NewFromInt(1), "")
	if err != nil {
		t.Fatalf("Sell failed: %v", err)
	}
	if !sell.Price.Equal(decimal.RequireFromString("2970")) {
		t.Errorf("Expected sell fill at 2970, got %s", sell.Price)
	}
}

// TestMockFailNextOrder verifies error injection applies exactly once.
func TestMockFailNextOrder(t *testing.T) {
	mock := NewMockExchange()
	injected := errors.New("exchange down")
	mock.FailNextOrder(injected)

	_, err := mock.PlaceMarketOrder(context.Background(), "BTCUSDT", SideBuy, decimal.NewFromInt(1), "")
	if !errors.Is(err, injected) {
		t.Fatalf("Expected injected error, got %v", err)
	}

	_, err = mock.PlaceMarketOrder(context.Background(), "BTCUSDT", SideBuy, decimal.NewFromInt(1), "")
	if err != nil {
		t.Fatalf("Second order should succeed, got %v", err)
	}
}

// TestMockDataAge verifies age tracking from the last seeded tick.
func TestMockDataAge(t *testing.T) {
	mock := NewMockExchange()
	base := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	mock.SetNow(func() time.Time { return base })
	mock.SetPriceAt("BTCUSDT", decimal.RequireFromString("95000"), base.Add(-42*time.Second))

	age, err := mock.DataAge(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatalf("DataAge failed: %v", err)
	}
	if age != 42*time.Second {
		t.Errorf("Expected age 42s, got %s", age)
	}

	_, err = mock.DataAge(context.Background(), "NOSUCHUSDT")
	if err == nil {
		t.Error("Expected error for symbol with no data")
	}
}

// TestMockBidAskSpread verifies bid < mark < ask.
func TestMockBidAskSpread(t *testing.T) {
	mock := NewMockExchange()
	mark := decimal.RequireFromString("100000")
	mock.SetPrice("BTCUSDT", mark)

	bid, err := mock.BestBid(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatalf("BestBid failed: %v", err)
	}
	ask, err := mock.BestAsk(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatalf("BestAsk failed: %v", err)
	}
	if !bid.LessThan(mark) {
		t.Errorf("Expected bid %s below mark %s", bid, mark)
	}
	if !ask.GreaterThan(mark) {
		t.Errorf("Expected ask %s above mark %s", ask, mark)
	}
}

// TestMockSeededCandlesWindow verifies seeded candles are returned and
// trimmed to the requested limit from the most recent end.
func TestMockSeededCandlesWindow(t *testing.T) {
	mock := NewMockExchange()
	candles := make([]Candle, 5)
	for i := range candles {
		candles[i] = Candle{Close: decimal.NewFromInt(int64(100 + i))}
	}
	mock.SetCandles("BTCUSDT", "1h", candles)

	got, err := mock.Klines(context.Background(), "BTCUSDT", "1h", 3)
	if err != nil {
		t.Fatalf("Klines failed: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("Expected 3 candles, got %d", len(got))
	}
	if !got[0].Close.Equal(decimal.NewFromInt(102)) {
		t.Errorf("Expected window to start at close 102, got %s", got[0].Close)
	}
}

// TestMockListOrdersSince verifies history filtering by time.
func TestMockListOrdersSince(t *testing.T) {
	mock := NewMockExchange()
	base := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	mock.SetHistory("BTCUSDT", []OrderResult{
		{OrderID: 1, Symbol: "BTCUSDT", TransactTime: base.Add(-2 * time.Hour)},
		{OrderID: 2, Symbol: "BTCUSDT", TransactTime: base.Add(-30 * time.Minute)},
	})

	got, err := mock.ListOrders(context.Background(), "BTCUSDT", base.Add(-time.Hour))
	if err != nil {
		t.Fatalf("ListOrders failed: %v", err)
	}
	if len(got) != 1 || got[0].OrderID != 2 {
		t.Fatalf("Expected only order 2 after the cutoff, got %+v", got)
	}
}
