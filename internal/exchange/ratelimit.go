package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// RequestPriority tiers requests against the shared weight budget.
// Higher priority requests get more lenient thresholds so order
// placement is never starved by background reads.
type RequestPriority int

const (
	// PriorityCritical - order placement, cancellation, stop execution.
	// Uses up to 95% of the weight budget.
	PriorityCritical RequestPriority = iota

	// PriorityNormal - quotes, klines, account reads for active flows.
	// Uses up to 60% of the weight budget.
	PriorityNormal

	// PriorityLow - background sweeps and pattern scans. Throttled first.
	PriorityLow
)

func (p RequestPriority) String() string {
	switch p {
	case PriorityCritical:
		return "CRITICAL"
	case PriorityNormal:
		return "NORMAL"
	case PriorityLow:
		return "LOW"
	default:
		return "UNKNOWN"
	}
}

// Request weights per call kind (Binance spot weights).
const (
	weightOrder         = 1
	weightCancel        = 1
	weightBookTicker    = 2
	weightKlines        = 2
	weightAccount       = 20
	weightMarginAccount = 10
	weightFunding       = 1
	weightOrderHistory  = 10
	weightTransfer      = 600 // sapi transfers are UID-weighted; keep them rare
)

// RequestLimiter is a proactive weight-window limiter in front of the
// exchange REST API. It tracks consumed weight per minute and refuses
// requests that would push a priority tier over its threshold.
type RequestLimiter struct {
	mu sync.Mutex

	maxWeight     int
	currentWeight int
	windowResetAt time.Time

	now func() time.Time
}

// NewRequestLimiter builds a limiter with the given per-minute weight
// budget (Binance spot allows 1200).
func NewRequestLimiter(weightPerMinute int) *RequestLimiter {
	if weightPerMinute <= 0 {
		weightPerMinute = 1200
	}
	return &RequestLimiter{
		maxWeight: weightPerMinute,
		now:       time.Now,
	}
}

func (r *RequestLimiter) thresholdFor(priority RequestPriority) float64 {
	switch priority {
	case PriorityCritical:
		return 0.95
	case PriorityNormal:
		return 0.60
	case PriorityLow:
		return 0.40
	default:
		return 0.50
	}
}

// TryAcquire atomically checks and records weight. It returns false with
// a suggested wait when the tier budget is exhausted.
func (r *RequestLimiter) TryAcquire(weight int, priority RequestPriority) (bool, time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if r.windowResetAt.IsZero() || now.After(r.windowResetAt) {
		r.currentWeight = 0
		r.windowResetAt = now.Add(time.Minute)
	}

	threshold := int(float64(r.maxWeight) * r.thresholdFor(priority))
	if r.currentWeight+weight > threshold {
		wait := r.windowResetAt.Sub(now)
		if wait <= 0 {
			wait = 100 * time.Millisecond
		}
		return false, wait
	}

	r.currentWeight += weight
	return true, 0
}

// Acquire blocks until the weight is granted or ctx is done.
func (r *RequestLimiter) Acquire(ctx context.Context, weight int, priority RequestPriority) error {
	for {
		ok, wait := r.TryAcquire(weight, priority)
		if ok {
			return nil
		}
		if wait > 5*time.Second {
			wait = 5 * time.Second
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("rate limiter: %w", ctx.Err())
		case <-time.After(wait):
		}
	}
}

// RecordServerWeight reconciles local tracking with the used-weight
// headers the exchange returns. The server value wins when higher.
func (r *RequestLimiter) RecordServerWeight(usedWeight1m int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if usedWeight1m > r.currentWeight {
		r.currentWeight = usedWeight1m
	}
}

// CurrentWeight returns the weight consumed in the active window.
func (r *RequestLimiter) CurrentWeight() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.currentWeight
}

// Status reports limiter usage for the ops endpoint.
func (r *RequestLimiter) Status() map[string]interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()

	resetIn := time.Until(r.windowResetAt)
	if resetIn < 0 {
		resetIn = 0
	}
	return map[string]interface{}{
		"current_weight":   r.currentWeight,
		"max_weight":       r.maxWeight,
		"weight_usage_pct": float64(r.currentWeight) / float64(r.maxWeight) * 100,
		"reset_in_seconds": int(resetIn.Seconds()),
	}
}
