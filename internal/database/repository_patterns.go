package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

const patternColumns = `
	id, symbol, timeframe, pattern_code, direction, status, detection_bar_ts,
	confirmed_bar_ts, entry_price, invalidation_price, target_price,
	COALESCE(confidence, ''), features, created_at, updated_at`

func scanPattern(row interface{ Scan(...any) error }) (*PatternInstance, error) {
	var p PatternInstance
	err := row.Scan(
		&p.ID, &p.Symbol, &p.Timeframe, &p.PatternCode, &p.Direction, &p.Status, &p.DetectionBarTS,
		&p.ConfirmedBarTS, &p.EntryPrice, &p.InvalidationPrice, &p.TargetPrice,
		&p.Confidence, &p.Features, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, mapNoRows(err)
	}
	return &p, nil
}

// InsertPatternInstance records a newly detected pattern. Re-detecting
// the same (symbol, timeframe, pattern_code, detection_bar_ts) is not
// an error; the method reports whether a new row landed.
func (db *DB) InsertPatternInstance(ctx context.Context, p *PatternInstance) (inserted bool, err error) {
	query := `
		INSERT INTO pattern_instances (
			symbol, timeframe, pattern_code, direction, status, detection_bar_ts,
			entry_price, invalidation_price, target_price, confidence, features
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NULLIF($10, ''), $11)
		ON CONFLICT (symbol, timeframe, pattern_code, detection_bar_ts) DO NOTHING
		RETURNING id, created_at, updated_at`

	err = db.Pool.QueryRow(ctx, query,
		p.Symbol, p.Timeframe, p.PatternCode, p.Direction, p.Status, p.DetectionBarTS,
		p.EntryPrice, p.InvalidationPrice, p.TargetPrice, p.Confidence, p.Features,
	).Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("failed to insert pattern instance: %w", err)
	}
	return true, nil
}

// ListFormingPatterns returns the FORMING instances for one scan target.
func (db *DB) ListFormingPatterns(ctx context.Context, symbol, timeframe string) ([]*PatternInstance, error) {
	query := `SELECT ` + patternColumns + `
		FROM pattern_instances
		WHERE symbol = $1 AND timeframe = $2 AND status = $3
		ORDER BY detection_bar_ts ASC`

	rows, err := db.Pool.Query(ctx, query, symbol, timeframe, PatternStatusForming)
	if err != nil {
		return nil, fmt.Errorf("failed to list forming patterns: %w", err)
	}
	defer rows.Close()

	var patterns []*PatternInstance
	for rows.Next() {
		p, err := scanPattern(rows)
		if err != nil {
			return nil, err
		}
		patterns = append(patterns, p)
	}
	return patterns, rows.Err()
}

// ResolvePattern moves a FORMING instance to a terminal status. The
// WHERE clause keeps terminal states terminal; resolving an already
// resolved instance reports false.
func (db *DB) ResolvePattern(ctx context.Context, id int64, toStatus string, confirmedBarTS *time.Time) (bool, error) {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE pattern_instances
		SET status = $2, confirmed_bar_ts = $3, updated_at = NOW()
		WHERE id = $1 AND status = $4`,
		id, toStatus, confirmedBarTS, PatternStatusForming)
	if err != nil {
		return false, fmt.Errorf("failed to resolve pattern: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// InsertPatternAlert records an emitted alert.
func (db *DB) InsertPatternAlert(ctx context.Context, a *PatternAlert) error {
	query := `
		INSERT INTO pattern_alerts (
			pattern_instance_id, alert_type, symbol, timeframe, pattern_code, direction, price, bar_ts
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at`

	err := db.Pool.QueryRow(ctx, query,
		a.PatternInstanceID, a.AlertType, a.Symbol, a.Timeframe, a.PatternCode, a.Direction, a.Price, a.BarTS,
	).Scan(&a.ID, &a.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert pattern alert: %w", err)
	}
	return nil
}

// CreatePatternTrigger claims one alert for one tenant. A duplicate
// claim returns ErrDuplicate; callers then read the existing trigger.
func (db *DB) CreatePatternTrigger(ctx context.Context, t *PatternTrigger) error {
	query := `
		INSERT INTO pattern_triggers (tenant_id, pattern_alert_id, intent_id, status, reason)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''))
		RETURNING id, created_at`

	err := db.Pool.QueryRow(ctx, query,
		t.TenantID, t.PatternAlertID, t.IntentID, t.Status, t.Reason,
	).Scan(&t.ID, &t.CreatedAt)
	if err != nil {
		if IsUniqueViolation(err, "ux_pattern_triggers_tenant_alert") {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to create pattern trigger: %w", err)
	}
	return nil
}

// GetPatternTrigger fetches the trigger claimed for (tenant, alert).
func (db *DB) GetPatternTrigger(ctx context.Context, tenantID string, patternAlertID int64) (*PatternTrigger, error) {
	query := `
		SELECT id, tenant_id, pattern_alert_id, intent_id, status, COALESCE(reason, ''), created_at
		FROM pattern_triggers
		WHERE tenant_id = $1 AND pattern_alert_id = $2`

	var t PatternTrigger
	err := db.Pool.QueryRow(ctx, query, tenantID, patternAlertID).Scan(
		&t.ID, &t.TenantID, &t.PatternAlertID, &t.IntentID, &t.Status, &t.Reason, &t.CreatedAt,
	)
	if err != nil {
		return nil, mapNoRows(err)
	}
	return &t, nil
}

// SetPatternTriggerIntent records the intent a claimed trigger produced.
func (db *DB) SetPatternTriggerIntent(ctx context.Context, id int64, intentID string) error {
	tag, err := db.Pool.Exec(ctx,
		`UPDATE pattern_triggers SET intent_id = $2 WHERE id = $1`, id, intentID)
	if err != nil {
		return fmt.Errorf("failed to set trigger intent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkPatternTriggerSkipped records why a claimed trigger produced no
// intent. The claim row stays, so the alert is not retried.
func (db *DB) MarkPatternTriggerSkipped(ctx context.Context, id int64, reason string) error {
	tag, err := db.Pool.Exec(ctx,
		`UPDATE pattern_triggers SET status = $2, reason = $3 WHERE id = $1`,
		id, TriggerStatusSkipped, reason)
	if err != nil {
		return fmt.Errorf("failed to mark trigger skipped: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListPatternConfigs returns the enabled auto-entry bindings matching a
// confirmed pattern.
func (db *DB) ListPatternConfigs(ctx context.Context, symbol, timeframe, patternCode string) ([]*StrategyPatternConfig, error) {
	query := `
		SELECT id, tenant_id, strategy_name, symbol, timeframe, pattern_code,
			entry_mode, risk_pct, enabled, created_at, updated_at
		FROM strategy_pattern_configs
		WHERE symbol = $1 AND timeframe = $2 AND pattern_code = $3 AND enabled = TRUE`

	rows, err := db.Pool.Query(ctx, query, symbol, timeframe, patternCode)
	if err != nil {
		return nil, fmt.Errorf("failed to list pattern configs: %w", err)
	}
	defer rows.Close()

	var configs []*StrategyPatternConfig
	for rows.Next() {
		var c StrategyPatternConfig
		if err := rows.Scan(&c.ID, &c.TenantID, &c.StrategyName, &c.Symbol, &c.Timeframe, &c.PatternCode,
			&c.EntryMode, &c.RiskPct, &c.Enabled, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		configs = append(configs, &c)
	}
	return configs, rows.Err()
}

// UpsertPatternConfig saves an auto-entry binding.
func (db *DB) UpsertPatternConfig(ctx context.Context, c *StrategyPatternConfig) error {
	query := `
		INSERT INTO strategy_pattern_configs (
			tenant_id, strategy_name, symbol, timeframe, pattern_code, entry_mode, risk_pct, enabled
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (tenant_id, symbol, timeframe, pattern_code) DO UPDATE SET
			strategy_name = EXCLUDED.strategy_name,
			entry_mode = EXCLUDED.entry_mode,
			risk_pct = EXCLUDED.risk_pct,
			enabled = EXCLUDED.enabled,
			updated_at = NOW()
		RETURNING id, created_at, updated_at`

	err := db.Pool.QueryRow(ctx, query,
		c.TenantID, c.StrategyName, c.Symbol, c.Timeframe, c.PatternCode, c.EntryMode, c.RiskPct, c.Enabled,
	).Scan(&c.ID, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert pattern config: %w", err)
	}
	return nil
}
