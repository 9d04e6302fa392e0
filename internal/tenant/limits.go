package tenant

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"

	"trading-risk-engine/internal/database"
)

// ExecutionLimiter enforces the per-tenant live-execution budget from
// TenantConfig: so many executions per minute and per hour. Limiters are
// built lazily per tenant and rebuilt when the configured rates change.
type ExecutionLimiter struct {
	store limiter.Store

	mu    sync.Mutex
	pairs map[string]*limiterPair
}

type limiterPair struct {
	perMinute int
	perHour   int
	minute    *limiter.Limiter
	hour      *limiter.Limiter
}

// NewExecutionLimiter creates the limiter with a process-local store.
func NewExecutionLimiter() *ExecutionLimiter {
	return &ExecutionLimiter{
		store: memory.NewStore(),
		pairs: make(map[string]*limiterPair),
	}
}

// Allow consumes one execution slot for the tenant. It returns false with
// a reason when either window is exhausted.
func (l *ExecutionLimiter) Allow(ctx context.Context, cfg *database.TenantConfig) (bool, string, error) {
	pair := l.pairFor(cfg)

	mctx, err := pair.minute.Get(ctx, "exec:"+cfg.TenantID+":minute")
	if err != nil {
		return false, "", fmt.Errorf("failed to check minute limit: %w", err)
	}
	if mctx.Reached {
		return false, fmt.Sprintf("execution limit reached: %d/minute", pair.perMinute), nil
	}

	hctx, err := pair.hour.Get(ctx, "exec:"+cfg.TenantID+":hour")
	if err != nil {
		return false, "", fmt.Errorf("failed to check hour limit: %w", err)
	}
	if hctx.Reached {
		return false, fmt.Sprintf("execution limit reached: %d/hour", pair.perHour), nil
	}
	return true, "", nil
}

// pairFor returns the tenant's limiters, rebuilding them if the configured
// rates changed since last use.
func (l *ExecutionLimiter) pairFor(cfg *database.TenantConfig) *limiterPair {
	perMinute := cfg.MaxExecutionsPerMinute
	if perMinute <= 0 {
		perMinute = 10
	}
	perHour := cfg.MaxExecutionsPerHour
	if perHour <= 0 {
		perHour = 100
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	pair, ok := l.pairs[cfg.TenantID]
	if ok && pair.perMinute == perMinute && pair.perHour == perHour {
		return pair
	}
	pair = &limiterPair{
		perMinute: perMinute,
		perHour:   perHour,
		minute:    limiter.New(l.store, limiter.Rate{Period: time.Minute, Limit: int64(perMinute)}),
		hour:      limiter.New(l.store, limiter.Rate{Period: time.Hour, Limit: int64(perHour)}),
	}
	l.pairs[cfg.TenantID] = pair
	return pair
}
