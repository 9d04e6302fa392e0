package exchange

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func newTestLimiter(maxWeight int) (*RequestLimiter, *time.Time) {
	now := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	rl := NewRequestLimiter(maxWeight)
	rl.now = func() time.Time { return now }
	return rl, &now
}

// TestLimiterAllowsWithinBudget verifies requests pass while the window
// has weight available.
func TestLimiterAllowsWithinBudget(t *testing.T) {
	rl, _ := newTestLimiter(100)

	for i := 0; i < 5; i++ {
		ok, _ := rl.TryAcquire(10, PriorityCritical)
		if !ok {
			t.Fatalf("Request %d should have been allowed", i)
		}
	}
	if got := rl.CurrentWeight(); got != 50 {
		t.Errorf("Expected current weight 50, got %d", got)
	}
}

// TestLimiterPriorityThresholds verifies that low priority requests are
// shed before critical ones as the window fills.
func TestLimiterPriorityThresholds(t *testing.T) {
	rl, _ := newTestLimiter(100)

	// Fill to 70% of the window.
	if ok, _ := rl.TryAcquire(70, PriorityCritical); !ok {
		t.Fatal("Initial fill should have been allowed")
	}

	// Low priority cap is 40%, normal is 60%: both must be refused now.
	if ok, _ := rl.TryAcquire(1, PriorityLow); ok {
		t.Error("Low priority request should be refused at 70% utilization")
	}
	if ok, _ := rl.TryAcquire(1, PriorityNormal); ok {
		t.Error("Normal priority request should be refused at 70% utilization")
	}
	// Critical cap is 95%: still allowed.
	if ok, _ := rl.TryAcquire(1, PriorityCritical); !ok {
		t.Error("Critical request should be allowed at 70% utilization")
	}
}

// TestLimiterWindowReset verifies the weight budget refills when the
// minute window rolls over.
func TestLimiterWindowReset(t *testing.T) {
	rl, now := newTestLimiter(100)

	if ok, _ := rl.TryAcquire(95, PriorityCritical); !ok {
		t.Fatal("Fill should have been allowed")
	}
	if ok, _ := rl.TryAcquire(10, PriorityCritical); ok {
		t.Fatal("Over-budget request should be refused")
	}

	*now = now.Add(61 * time.Second)

	if ok, _ := rl.TryAcquire(10, PriorityCritical); !ok {
		t.Error("Request should be allowed after window reset")
	}
	if got := rl.CurrentWeight(); got != 10 {
		t.Errorf("Expected current weight 10 after reset, got %d", got)
	}
}

// TestLimiterAcquireHonorsContext verifies a blocked Acquire returns
// once the context is cancelled.
func TestLimiterAcquireHonorsContext(t *testing.T) {
	rl := NewRequestLimiter(100)
	if ok, _ := rl.TryAcquire(95, PriorityCritical); !ok {
		t.Fatal("Fill should have been allowed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := rl.Acquire(ctx, 50, PriorityCritical)
	if err == nil {
		t.Fatal("Expected context error from blocked Acquire")
	}
}

// TestLimiterRecordServerWeight verifies the server-reported weight
// overrides the local estimate when higher.
func TestLimiterRecordServerWeight(t *testing.T) {
	rl, _ := newTestLimiter(100)

	rl.TryAcquire(10, PriorityCritical)
	rl.RecordServerWeight(42)

	if got := rl.CurrentWeight(); got != 42 {
		t.Errorf("Expected server weight 42 to win, got %d", got)
	}

	// Lower server reports never roll the estimate backwards.
	rl.RecordServerWeight(5)
	if got := rl.CurrentWeight(); got != 42 {
		t.Errorf("Expected weight to stay at 42, got %d", got)
	}
}

// TestAvgFillPriceFromFills verifies volume weighting across fills.
func TestAvgFillPriceFromFills(t *testing.T) {
	res := OrderResult{
		ExecutedQty: decimal.RequireFromString("3"),
		Fills: []Fill{
			{Price: decimal.RequireFromString("100"), Quantity: decimal.RequireFromString("1")},
			{Price: decimal.RequireFromString("103"), Quantity: decimal.RequireFromString("2")},
		},
	}
	got := res.AvgFillPrice()
	want := decimal.RequireFromString("102")
	if !got.Equal(want) {
		t.Errorf("Expected VWAP %s, got %s", want, got)
	}
}

// TestAvgFillPriceQuoteFallback verifies quote/executed fallback when
// no fill breakdown is present.
func TestAvgFillPriceQuoteFallback(t *testing.T) {
	res := OrderResult{
		ExecutedQty: decimal.RequireFromString("2"),
		QuoteQty:    decimal.RequireFromString("190"),
	}
	got := res.AvgFillPrice()
	want := decimal.RequireFromString("95")
	if !got.Equal(want) {
		t.Errorf("Expected avg price %s, got %s", want, got)
	}
}
