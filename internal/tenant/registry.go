// Package tenant manages per-tenant configuration and execution limits.
// The registry fronts the tenant_configs table with a short-lived cache;
// the kill switch and threshold edits go through it so every reader sees
// a consistent view within the cache window.
package tenant

import (
	"context"
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"

	"trading-risk-engine/internal/database"
)

// Cache lifetime for tenant configs. Kill-switch flips invalidate
// immediately; everything else tolerates this much staleness.
const configCacheTTL = 30 * time.Second

// Store is the persistence behind the registry.
type Store interface {
	GetTenantConfig(ctx context.Context, tenantID string) (*database.TenantConfig, error)
	UpsertTenantConfig(ctx context.Context, tc *database.TenantConfig) error
	InsertTenantDefaults(ctx context.Context, tc *database.TenantConfig) error
	SetTradingEnabled(ctx context.Context, tenantID string, enabled bool, reason string) error
	ListTenantIDs(ctx context.Context) ([]string, error)
}

// Registry serves tenant configs with caching and owns kill-switch flips.
type Registry struct {
	store  Store
	cache  *gocache.Cache
	logger zerolog.Logger
}

// NewRegistry creates the registry.
func NewRegistry(store Store, logger zerolog.Logger) *Registry {
	return &Registry{
		store:  store,
		cache:  gocache.New(configCacheTTL, 2*configCacheTTL),
		logger: logger.With().Str("component", "tenant_registry").Logger(),
	}
}

// Get returns the tenant's config, from cache when fresh.
func (r *Registry) Get(ctx context.Context, tenantID string) (*database.TenantConfig, error) {
	if cached, ok := r.cache.Get(tenantID); ok {
		cfg := cached.(database.TenantConfig)
		return &cfg, nil
	}
	cfg, err := r.store.GetTenantConfig(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to load tenant %s: %w", tenantID, err)
	}
	r.cache.Set(tenantID, *cfg, gocache.DefaultExpiration)
	return cfg, nil
}

// EnsureDefaults creates the tenant row on first boot without clobbering
// operator edits on later boots.
func (r *Registry) EnsureDefaults(ctx context.Context, tc *database.TenantConfig) error {
	if err := r.store.InsertTenantDefaults(ctx, tc); err != nil {
		return fmt.Errorf("failed to seed tenant %s: %w", tc.TenantID, err)
	}
	r.cache.Delete(tc.TenantID)
	return nil
}

// Update rewrites the tenant config and drops the cached copy.
func (r *Registry) Update(ctx context.Context, tc *database.TenantConfig) error {
	if err := r.store.UpsertTenantConfig(ctx, tc); err != nil {
		return fmt.Errorf("failed to update tenant %s: %w", tc.TenantID, err)
	}
	r.cache.Delete(tc.TenantID)
	return nil
}

// EngageKillSwitch halts all trading for the tenant. The reason is stored
// for the operator; clearing requires ReleaseKillSwitch.
func (r *Registry) EngageKillSwitch(ctx context.Context, tenantID, reason string) error {
	if err := r.store.SetTradingEnabled(ctx, tenantID, false, reason); err != nil {
		return fmt.Errorf("failed to engage kill switch for %s: %w", tenantID, err)
	}
	r.cache.Delete(tenantID)
	r.logger.Warn().Str("tenant_id", tenantID).Str("reason", reason).Msg("kill switch engaged")
	return nil
}

// ReleaseKillSwitch re-enables trading.
func (r *Registry) ReleaseKillSwitch(ctx context.Context, tenantID string) error {
	if err := r.store.SetTradingEnabled(ctx, tenantID, true, ""); err != nil {
		return fmt.Errorf("failed to release kill switch for %s: %w", tenantID, err)
	}
	r.cache.Delete(tenantID)
	r.logger.Info().Str("tenant_id", tenantID).Msg("kill switch released")
	return nil
}

// TenantIDs lists every configured tenant, uncached.
func (r *Registry) TenantIDs(ctx context.Context) ([]string, error) {
	return r.store.ListTenantIDs(ctx)
}
