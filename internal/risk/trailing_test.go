package risk

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"trading-risk-engine/internal/exchange"
)

func longState(currentPrice, currentStop int64) TrailingState {
	return TrailingState{
		PositionID:   "op-1",
		Side:         exchange.SideBuy,
		EntryPrice:   decimal.NewFromInt(50000),
		InitialStop:  decimal.NewFromInt(49000),
		CurrentStop:  decimal.NewFromInt(currentStop),
		CurrentPrice: decimal.NewFromInt(currentPrice),
	}
}

// TestTrailingLadder walks a long position up the span ladder: entry 50000,
// initial stop 49000 (span 1000), fees+buffer 0.15%.
func TestTrailingLadder(t *testing.T) {
	calc := NewTrailingCalculator(DefaultTrailingConfig())
	now := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)

	cases := []struct {
		name        string
		price       int64
		currentStop int64
		wantReason  string
		wantStop    string
	}{
		{"half a span", 50500, 49000, ReasonNoAdjustment, "49000"},
		{"one span", 51000, 49000, ReasonBreakEven, "50075"},
		{"two spans", 52000, 50075, ReasonTrailing, "51000"},
		{"three spans", 53000, 51000, ReasonTrailing, "52000"},
		{"pullback keeps stop", 52500, 52000, ReasonNoAdjustment, "52000"},
		{"under water", 49500, 49000, ReasonNoAdjustment, "49000"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			adj := calc.Evaluate(longState(tc.price, tc.currentStop), now)
			if adj.Reason != tc.wantReason {
				t.Errorf("reason = %s, want %s", adj.Reason, tc.wantReason)
			}
			if want := decimal.RequireFromString(tc.wantStop); !adj.NewStop.Equal(want) {
				t.Errorf("new stop = %s, want %s", adj.NewStop, want)
			}
		})
	}
}

// TestTrailingShort mirrors the ladder below entry.
func TestTrailingShort(t *testing.T) {
	calc := NewTrailingCalculator(DefaultTrailingConfig())
	now := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)
	state := TrailingState{
		PositionID:   "op-2",
		Side:         exchange.SideSell,
		EntryPrice:   decimal.NewFromInt(50000),
		InitialStop:  decimal.NewFromInt(51000),
		CurrentStop:  decimal.NewFromInt(51000),
		CurrentPrice: decimal.NewFromInt(49000),
	}

	adj := calc.Evaluate(state, now)
	if adj.Reason != ReasonBreakEven {
		t.Fatalf("reason = %s, want %s", adj.Reason, ReasonBreakEven)
	}
	// entry / 1.0015 rounds to 49925.11...; must sit below entry.
	if !adj.NewStop.LessThan(state.EntryPrice) {
		t.Errorf("short break-even stop %s must be below entry", adj.NewStop)
	}
	if got := adj.NewStop.StringFixed(2); got != "49925.11" {
		t.Errorf("new stop = %s, want 49925.11", got)
	}

	state.CurrentStop = adj.NewStop
	state.CurrentPrice = decimal.NewFromInt(47500)
	adj = calc.Evaluate(state, now)
	if adj.Reason != ReasonTrailing {
		t.Fatalf("reason = %s, want %s", adj.Reason, ReasonTrailing)
	}
	if want := decimal.NewFromInt(49000); !adj.NewStop.Equal(want) {
		t.Errorf("new stop = %s, want %s", adj.NewStop, want)
	}
}

// TestTrailingMonotonic feeds a noisy price path and asserts the stop never
// loosens in either direction.
func TestTrailingMonotonic(t *testing.T) {
	calc := NewTrailingCalculator(DefaultTrailingConfig())
	now := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)

	prices := []int64{50200, 51000, 50100, 52100, 51500, 53800, 50050, 55000, 54000, 49000}

	stop := decimal.NewFromInt(49000)
	for _, p := range prices {
		state := longState(p, 0)
		state.CurrentStop = stop
		adj := calc.Evaluate(state, now)
		if adj.NewStop.LessThan(stop) {
			t.Fatalf("at price %d the stop loosened from %s to %s", p, stop, adj.NewStop)
		}
		stop = adj.NewStop
		now = now.Add(time.Second)
	}

	shortStop := decimal.NewFromInt(51000)
	nowS := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)
	for _, p := range []int64{49800, 49000, 49500, 47900, 48500, 46000, 50100} {
		state := TrailingState{
			PositionID:   "op-2",
			Side:         exchange.SideSell,
			EntryPrice:   decimal.NewFromInt(50000),
			InitialStop:  decimal.NewFromInt(51000),
			CurrentStop:  shortStop,
			CurrentPrice: decimal.NewFromInt(p),
		}
		adj := calc.Evaluate(state, nowS)
		if adj.NewStop.GreaterThan(shortStop) {
			t.Fatalf("at price %d the short stop loosened from %s to %s", p, shortStop, adj.NewStop)
		}
		shortStop = adj.NewStop
		nowS = nowS.Add(time.Second)
	}
}

// TestTrailingToken dedupes within a second and moves on across seconds.
func TestTrailingToken(t *testing.T) {
	calc := NewTrailingCalculator(DefaultTrailingConfig())
	at := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)

	first := calc.Evaluate(longState(51000, 49000), at)
	same := calc.Evaluate(longState(51000, 49000), at.Add(500*time.Millisecond))
	next := calc.Evaluate(longState(51000, 49000), at.Add(time.Second))

	if first.AdjustmentToken != same.AdjustmentToken {
		t.Errorf("tokens within one second differ: %s vs %s", first.AdjustmentToken, same.AdjustmentToken)
	}
	if first.AdjustmentToken == next.AdjustmentToken {
		t.Error("tokens across seconds should differ")
	}
	if want := "op-1:adjust:" + "1749556800"; first.AdjustmentToken != want {
		t.Errorf("token = %s, want %s", first.AdjustmentToken, want)
	}
}

// TestTrailingZeroSpan guards against positions whose stop equals entry.
func TestTrailingZeroSpan(t *testing.T) {
	calc := NewTrailingCalculator(DefaultTrailingConfig())
	state := longState(55000, 50000)
	state.InitialStop = decimal.NewFromInt(50000)

	adj := calc.Evaluate(state, time.Now())
	if adj.Reason != ReasonNoAdjustment {
		t.Errorf("reason = %s, want %s", adj.Reason, ReasonNoAdjustment)
	}
}
