package cache

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// TestPriceCacheMemoryRoundTrip verifies Put/Get in memory-only mode.
func TestPriceCacheMemoryRoundTrip(t *testing.T) {
	c := NewPriceCache(nil, zerolog.Nop())
	at := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	c.Put("BTCUSDT", decimal.RequireFromString("94999.5"), decimal.RequireFromString("95000.5"), at)

	q, ok := c.Get(context.Background(), "BTCUSDT")
	if !ok {
		t.Fatal("Expected quote for BTCUSDT")
	}
	if !q.Bid.Equal(decimal.RequireFromString("94999.5")) {
		t.Errorf("Expected bid 94999.5, got %s", q.Bid)
	}
	if !q.Ask.Equal(decimal.RequireFromString("95000.5")) {
		t.Errorf("Expected ask 95000.5, got %s", q.Ask)
	}
	if !q.At.Equal(at) {
		t.Errorf("Expected tick time %s, got %s", at, q.At)
	}
}

// TestPriceCacheMiss verifies unknown symbols report no quote.
func TestPriceCacheMiss(t *testing.T) {
	c := NewPriceCache(nil, zerolog.Nop())

	if _, ok := c.Get(context.Background(), "NOSUCHUSDT"); ok {
		t.Error("Expected miss for unknown symbol")
	}
	if _, ok := c.LastUpdate("NOSUCHUSDT"); ok {
		t.Error("Expected no last update for unknown symbol")
	}
}

// TestPriceCacheLastUpdate verifies the freshness source reflects the
// latest tick time.
func TestPriceCacheLastUpdate(t *testing.T) {
	c := NewPriceCache(nil, zerolog.Nop())
	first := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	second := first.Add(5 * time.Second)

	c.Put("ETHUSDT", decimal.NewFromInt(3400), decimal.NewFromInt(3401), first)
	c.Put("ETHUSDT", decimal.NewFromInt(3402), decimal.NewFromInt(3403), second)

	at, ok := c.LastUpdate("ETHUSDT")
	if !ok {
		t.Fatal("Expected last update for ETHUSDT")
	}
	if !at.Equal(second) {
		t.Errorf("Expected last update %s, got %s", second, at)
	}
}

// TestPriceCacheBidAskAccessors verifies side-specific reads.
func TestPriceCacheBidAskAccessors(t *testing.T) {
	c := NewPriceCache(nil, zerolog.Nop())
	at := time.Now()
	c.Put("SOLUSDT", decimal.NewFromInt(180), decimal.NewFromInt(181), at)

	bid, _, ok := c.Bid(context.Background(), "SOLUSDT")
	if !ok || !bid.Equal(decimal.NewFromInt(180)) {
		t.Errorf("Expected bid 180, got %s (ok=%v)", bid, ok)
	}
	ask, _, ok := c.Ask(context.Background(), "SOLUSDT")
	if !ok || !ask.Equal(decimal.NewFromInt(181)) {
		t.Errorf("Expected ask 181, got %s (ok=%v)", ask, ok)
	}
}
