// Package circuit guards stop execution with per-(tenant, symbol) circuit
// breakers. A breaker opens after repeated execution failures, blocks
// further attempts for a retry delay, then admits a single half-open probe.
// State is persisted so breakers survive restarts.
package circuit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"trading-risk-engine/internal/database"
)

// Store persists breaker state between processes.
type Store interface {
	GetBreakerState(ctx context.Context, tenantID, symbol string) (*database.CircuitBreakerState, error)
	SaveBreakerState(ctx context.Context, cb *database.CircuitBreakerState) error
	ListBreakerStates(ctx context.Context, tenantID string) ([]*database.CircuitBreakerState, error)
}

// Registry owns every breaker in the process. All transitions happen under
// one lock so state changes appear serial per key.
type Registry struct {
	store      Store
	threshold  int
	retryDelay time.Duration
	logger     zerolog.Logger
	now        func() time.Time

	mu     sync.Mutex
	states map[string]*database.CircuitBreakerState

	onTrip func(tenantID, symbol, reason string)
}

// NewRegistry creates a registry. threshold is the failure count that opens
// a breaker; retryDelay is how long it stays open before a half-open probe.
func NewRegistry(store Store, threshold int, retryDelay time.Duration, logger zerolog.Logger) *Registry {
	if threshold <= 0 {
		threshold = 3
	}
	if retryDelay <= 0 {
		retryDelay = 300 * time.Second
	}
	return &Registry{
		store:      store,
		threshold:  threshold,
		retryDelay: retryDelay,
		logger:     logger.With().Str("component", "circuit_breaker").Logger(),
		now:        time.Now,
		states:     make(map[string]*database.CircuitBreakerState),
	}
}

// OnTrip registers a callback fired whenever a breaker opens.
func (r *Registry) OnTrip(handler func(tenantID, symbol, reason string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onTrip = handler
}

// Warm preloads persisted breakers for a tenant so open breakers keep
// blocking across a restart.
func (r *Registry) Warm(ctx context.Context, tenantID string) error {
	persisted, err := r.store.ListBreakerStates(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("failed to warm circuit breakers: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, cb := range persisted {
		r.states[key(cb.TenantID, cb.Symbol)] = cb
	}
	r.logger.Info().Str("tenant_id", tenantID).Int("breakers", len(persisted)).Msg("circuit breakers warmed")
	return nil
}

// Allow reports whether an execution attempt may proceed. An OPEN breaker
// past its retry time flips to HALF_OPEN and admits exactly this attempt.
func (r *Registry) Allow(ctx context.Context, tenantID, symbol string) (bool, string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cb := r.get(ctx, tenantID, symbol)
	switch cb.State {
	case database.BreakerClosed, database.BreakerHalfOpen:
		return true, ""
	case database.BreakerOpen:
		now := r.now()
		if cb.WillRetryAt != nil && now.Before(*cb.WillRetryAt) {
			remaining := cb.WillRetryAt.Sub(now).Round(time.Second)
			return false, fmt.Sprintf("circuit open for %s, retry in %s (%d failures)", symbol, remaining, cb.FailureCount)
		}
		cb.State = database.BreakerHalfOpen
		r.persist(ctx, cb)
		r.logger.Info().Str("tenant_id", tenantID).Str("symbol", symbol).Msg("circuit half-open, probing")
		return true, ""
	default:
		// Unknown persisted state; refuse rather than guess.
		return false, fmt.Sprintf("circuit in unknown state %q", cb.State)
	}
}

// RecordFailure counts one failed execution. Reaching the threshold, or any
// failure while half-open, opens the breaker.
func (r *Registry) RecordFailure(ctx context.Context, tenantID, symbol, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cb := r.get(ctx, tenantID, symbol)
	now := r.now()
	cb.FailureCount++
	cb.LastFailureAt = &now

	tripped := false
	if cb.State == database.BreakerHalfOpen {
		tripped = true
	} else if cb.State != database.BreakerOpen && cb.FailureCount >= r.threshold {
		tripped = true
	}
	if tripped {
		retryAt := now.Add(r.retryDelay)
		cb.State = database.BreakerOpen
		cb.OpenedAt = &now
		cb.WillRetryAt = &retryAt
		r.logger.Warn().
			Str("tenant_id", tenantID).
			Str("symbol", symbol).
			Int("failures", cb.FailureCount).
			Time("will_retry_at", retryAt).
			Str("reason", reason).
			Msg("circuit opened")
		if r.onTrip != nil {
			go r.onTrip(tenantID, symbol, reason)
		}
	}
	r.persist(ctx, cb)
}

// RecordSuccess closes the breaker and clears the failure count.
func (r *Registry) RecordSuccess(ctx context.Context, tenantID, symbol string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cb := r.get(ctx, tenantID, symbol)
	if cb.State == database.BreakerClosed && cb.FailureCount == 0 {
		return
	}
	if cb.State == database.BreakerHalfOpen {
		r.logger.Info().Str("tenant_id", tenantID).Str("symbol", symbol).Msg("circuit recovered")
	}
	cb.State = database.BreakerClosed
	cb.FailureCount = 0
	cb.OpenedAt = nil
	cb.WillRetryAt = nil
	r.persist(ctx, cb)
}

// ForceReset closes a breaker by operator request.
func (r *Registry) ForceReset(ctx context.Context, tenantID, symbol string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cb := r.get(ctx, tenantID, symbol)
	cb.State = database.BreakerClosed
	cb.FailureCount = 0
	cb.OpenedAt = nil
	cb.WillRetryAt = nil
	if err := r.store.SaveBreakerState(ctx, cb); err != nil {
		return fmt.Errorf("failed to reset breaker: %w", err)
	}
	r.logger.Info().Str("tenant_id", tenantID).Str("symbol", symbol).Msg("circuit force-reset")
	return nil
}

// Snapshot returns copies of all known breaker states for inspection.
func (r *Registry) Snapshot() []database.CircuitBreakerState {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]database.CircuitBreakerState, 0, len(r.states))
	for _, cb := range r.states {
		out = append(out, *cb)
	}
	return out
}

// get returns the in-memory breaker for the key, loading it from the store
// or creating a closed one on first sight. Callers hold the lock.
func (r *Registry) get(ctx context.Context, tenantID, symbol string) *database.CircuitBreakerState {
	k := key(tenantID, symbol)
	if cb, ok := r.states[k]; ok {
		return cb
	}
	cb, err := r.store.GetBreakerState(ctx, tenantID, symbol)
	if err != nil {
		if !errors.Is(err, database.ErrNotFound) {
			r.logger.Error().Err(err).Str("symbol", symbol).Msg("failed to load breaker state")
		}
		cb = &database.CircuitBreakerState{
			TenantID: tenantID,
			Symbol:   symbol,
			State:    database.BreakerClosed,
		}
	}
	r.states[k] = cb
	return cb
}

// persist writes through to the store; a write failure keeps the in-memory
// state authoritative for this process.
func (r *Registry) persist(ctx context.Context, cb *database.CircuitBreakerState) {
	if err := r.store.SaveBreakerState(ctx, cb); err != nil {
		r.logger.Error().Err(err).
			Str("tenant_id", cb.TenantID).
			Str("symbol", cb.Symbol).
			Msg("failed to persist breaker state")
	}
}

func key(tenantID, symbol string) string {
	return tenantID + "/" + symbol
}
