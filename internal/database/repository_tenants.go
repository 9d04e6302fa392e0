package database

import (
	"context"
	"fmt"
)

const tenantColumns = `
	tenant_id, capital, default_risk_pct, trading_enabled,
	COALESCE(kill_switch_reason, ''), live_enabled,
	cooldown_enabled, cooldown_seconds,
	funding_check_enabled, funding_rate_threshold,
	freshness_check_enabled, max_data_age_seconds,
	max_slippage_pct, slippage_pause_pct,
	max_executions_per_minute, max_executions_per_hour,
	created_at, updated_at`

func scanTenant(row interface{ Scan(...any) error }) (*TenantConfig, error) {
	var tc TenantConfig
	err := row.Scan(
		&tc.TenantID, &tc.Capital, &tc.DefaultRiskPct, &tc.TradingEnabled,
		&tc.KillSwitchReason, &tc.LiveEnabled,
		&tc.CooldownEnabled, &tc.CooldownSeconds,
		&tc.FundingCheckEnabled, &tc.FundingRateThreshold,
		&tc.FreshnessCheckEnabled, &tc.MaxDataAgeSeconds,
		&tc.MaxSlippagePct, &tc.SlippagePausePct,
		&tc.MaxExecutionsPerMinute, &tc.MaxExecutionsPerHour,
		&tc.CreatedAt, &tc.UpdatedAt,
	)
	if err != nil {
		return nil, mapNoRows(err)
	}
	return &tc, nil
}

// GetTenantConfig fetches one tenant's guardrails.
func (db *DB) GetTenantConfig(ctx context.Context, tenantID string) (*TenantConfig, error) {
	query := `SELECT ` + tenantColumns + ` FROM tenant_configs WHERE tenant_id = $1`
	return scanTenant(db.Pool.QueryRow(ctx, query, tenantID))
}

// UpsertTenantConfig writes the full config row, inserting on first use.
func (db *DB) UpsertTenantConfig(ctx context.Context, tc *TenantConfig) error {
	query := `
		INSERT INTO tenant_configs (
			tenant_id, capital, default_risk_pct, trading_enabled, kill_switch_reason, live_enabled,
			cooldown_enabled, cooldown_seconds, funding_check_enabled, funding_rate_threshold,
			freshness_check_enabled, max_data_age_seconds, max_slippage_pct, slippage_pause_pct,
			max_executions_per_minute, max_executions_per_hour
		) VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (tenant_id) DO UPDATE SET
			capital = EXCLUDED.capital,
			default_risk_pct = EXCLUDED.default_risk_pct,
			trading_enabled = EXCLUDED.trading_enabled,
			kill_switch_reason = EXCLUDED.kill_switch_reason,
			live_enabled = EXCLUDED.live_enabled,
			cooldown_enabled = EXCLUDED.cooldown_enabled,
			cooldown_seconds = EXCLUDED.cooldown_seconds,
			funding_check_enabled = EXCLUDED.funding_check_enabled,
			funding_rate_threshold = EXCLUDED.funding_rate_threshold,
			freshness_check_enabled = EXCLUDED.freshness_check_enabled,
			max_data_age_seconds = EXCLUDED.max_data_age_seconds,
			max_slippage_pct = EXCLUDED.max_slippage_pct,
			slippage_pause_pct = EXCLUDED.slippage_pause_pct,
			max_executions_per_minute = EXCLUDED.max_executions_per_minute,
			max_executions_per_hour = EXCLUDED.max_executions_per_hour,
			updated_at = NOW()
		RETURNING created_at, updated_at`

	err := db.Pool.QueryRow(ctx, query,
		tc.TenantID, tc.Capital, tc.DefaultRiskPct, tc.TradingEnabled, tc.KillSwitchReason, tc.LiveEnabled,
		tc.CooldownEnabled, tc.CooldownSeconds, tc.FundingCheckEnabled, tc.FundingRateThreshold,
		tc.FreshnessCheckEnabled, tc.MaxDataAgeSeconds, tc.MaxSlippagePct, tc.SlippagePausePct,
		tc.MaxExecutionsPerMinute, tc.MaxExecutionsPerHour,
	).Scan(&tc.CreatedAt, &tc.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert tenant config: %w", err)
	}
	return nil
}

// InsertTenantDefaults creates the row only if the tenant is new, so
// operator edits survive restarts.
func (db *DB) InsertTenantDefaults(ctx context.Context, tc *TenantConfig) error {
	query := `
		INSERT INTO tenant_configs (
			tenant_id, capital, default_risk_pct, trading_enabled, live_enabled,
			cooldown_enabled, cooldown_seconds, funding_check_enabled, funding_rate_threshold,
			freshness_check_enabled, max_data_age_seconds, max_slippage_pct, slippage_pause_pct,
			max_executions_per_minute, max_executions_per_hour
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (tenant_id) DO NOTHING`

	_, err := db.Pool.Exec(ctx, query,
		tc.TenantID, tc.Capital, tc.DefaultRiskPct, tc.TradingEnabled, tc.LiveEnabled,
		tc.CooldownEnabled, tc.CooldownSeconds, tc.FundingCheckEnabled, tc.FundingRateThreshold,
		tc.FreshnessCheckEnabled, tc.MaxDataAgeSeconds, tc.MaxSlippagePct, tc.SlippagePausePct,
		tc.MaxExecutionsPerMinute, tc.MaxExecutionsPerHour,
	)
	if err != nil {
		return fmt.Errorf("failed to insert tenant defaults: %w", err)
	}
	return nil
}

// SetTradingEnabled flips the tenant kill switch with an audit reason.
func (db *DB) SetTradingEnabled(ctx context.Context, tenantID string, enabled bool, reason string) error {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE tenant_configs
		SET trading_enabled = $2, kill_switch_reason = NULLIF($3, ''), updated_at = NOW()
		WHERE tenant_id = $1`, tenantID, enabled, reason)
	if err != nil {
		return fmt.Errorf("failed to set trading enabled: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListTenantIDs returns every configured tenant.
func (db *DB) ListTenantIDs(ctx context.Context) ([]string, error) {
	rows, err := db.Pool.Query(ctx, `SELECT tenant_id FROM tenant_configs ORDER BY tenant_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tenants: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
