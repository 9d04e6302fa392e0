package database

import (
	"context"
	"fmt"
)

// RunMigrations creates the schema. Statements are idempotent so the
// engine can run them on every startup.
func (db *DB) RunMigrations(ctx context.Context) error {
	db.logger.Info().Msg("Running database migrations")

	migrations := []string{
		// Trading intents (pipeline state machine).
		`CREATE TABLE IF NOT EXISTS trading_intents (
			id UUID PRIMARY KEY,
			tenant_id VARCHAR(64) NOT NULL,
			symbol VARCHAR(20) NOT NULL,
			side VARCHAR(4) NOT NULL,
			mode VARCHAR(10) NOT NULL DEFAULT 'DRY_RUN',
			source VARCHAR(10) NOT NULL DEFAULT 'MANUAL',
			strategy_name VARCHAR(100),
			acknowledged BOOLEAN NOT NULL DEFAULT FALSE,
			capital NUMERIC(20, 8) NOT NULL DEFAULT 0,
			risk_pct NUMERIC(10, 4) NOT NULL DEFAULT 0,
			risk_amount NUMERIC(20, 8) NOT NULL DEFAULT 0,
			entry_price NUMERIC(20, 8) NOT NULL DEFAULT 0,
			stop_price NUMERIC(20, 8) NOT NULL DEFAULT 0,
			target_price NUMERIC(20, 8),
			quantity NUMERIC(20, 8) NOT NULL DEFAULT 0,
			stop_method VARCHAR(30),
			confidence VARCHAR(10),
			status VARCHAR(20) NOT NULL DEFAULT 'PENDING',
			validation_result JSONB,
			execution_result JSONB,
			failure_reason TEXT,
			idempotency_key VARCHAR(64),
			pattern_code VARCHAR(40),
			pattern_alert_id BIGINT,
			triggered_at TIMESTAMPTZ,
			executed_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_intents_tenant_status ON trading_intents(tenant_id, status)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS ux_trading_intents_idempotency
			ON trading_intents(idempotency_key) WHERE idempotency_key IS NOT NULL`,

		// Operations (committed trades).
		`CREATE TABLE IF NOT EXISTS operations (
			id UUID PRIMARY KEY,
			tenant_id VARCHAR(64) NOT NULL,
			intent_id UUID NOT NULL,
			strategy_name VARCHAR(100),
			symbol VARCHAR(20) NOT NULL,
			side VARCHAR(4) NOT NULL,
			status VARCHAR(20) NOT NULL DEFAULT 'PLANNED',
			entry_price NUMERIC(20, 8) NOT NULL,
			quantity NUMERIC(20, 8) NOT NULL,
			stop_price NUMERIC(20, 8) NOT NULL,
			initial_stop_price NUMERIC(20, 8) NOT NULL,
			target_price NUMERIC(20, 8),
			trailing_step INTEGER NOT NULL DEFAULT 0,
			exchange_order_id VARCHAR(64),
			client_order_id VARCHAR(64),
			filled_quantity NUMERIC(20, 8) NOT NULL DEFAULT 0,
			avg_fill_price NUMERIC(20, 8) NOT NULL DEFAULT 0,
			close_reason VARCHAR(100),
			opened_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			closed_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_operations_tenant_status ON operations(tenant_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_operations_intent ON operations(intent_id)`,
		`CREATE INDEX IF NOT EXISTS idx_operations_symbol ON operations(symbol)`,

		// Audit transactions (append-only movement log).
		`CREATE TABLE IF NOT EXISTS audit_transactions (
			id BIGSERIAL PRIMARY KEY,
			tenant_id VARCHAR(64) NOT NULL,
			operation_id UUID,
			exchange_order_id VARCHAR(64) NOT NULL,
			transaction_type VARCHAR(20) NOT NULL,
			symbol VARCHAR(20) NOT NULL,
			asset VARCHAR(20),
			side VARCHAR(4) NOT NULL,
			price NUMERIC(20, 8) NOT NULL,
			quantity NUMERIC(20, 8) NOT NULL,
			total_value NUMERIC(20, 8) NOT NULL,
			fee NUMERIC(20, 8) NOT NULL DEFAULT 0,
			fee_asset VARCHAR(20),
			stop_price NUMERIC(20, 8),
			is_margin BOOLEAN NOT NULL DEFAULT FALSE,
			leverage INTEGER NOT NULL DEFAULT 0,
			raw_response JSONB,
			source VARCHAR(20) NOT NULL DEFAULT 'engine',
			executed_at TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS ux_audit_tx_order_type
			ON audit_transactions(exchange_order_id, transaction_type)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_tx_tenant_executed ON audit_transactions(tenant_id, executed_at)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_tx_operation ON audit_transactions(operation_id)`,

		// Stop event log. event_seq is the global replay order.
		`CREATE TABLE IF NOT EXISTS stop_events (
			event_seq BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
			event_id UUID NOT NULL,
			operation_id UUID NOT NULL,
			tenant_id VARCHAR(64) NOT NULL,
			symbol VARCHAR(20) NOT NULL,
			event_type VARCHAR(30) NOT NULL,
			execution_token VARCHAR(64) NOT NULL,
			side VARCHAR(5) NOT NULL,
			quantity NUMERIC(20, 8) NOT NULL DEFAULT 0,
			stop_price NUMERIC(20, 8) NOT NULL DEFAULT 0,
			trigger_price NUMERIC(20, 8),
			fill_price NUMERIC(20, 8),
			slippage_pct NUMERIC(10, 4),
			exchange_order_id VARCHAR(64),
			source VARCHAR(10) NOT NULL DEFAULT 'cron',
			error_message TEXT,
			retry_count INTEGER NOT NULL DEFAULT 0,
			payload JSONB,
			occurred_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_stop_events_operation ON stop_events(operation_id, event_seq)`,
		`CREATE INDEX IF NOT EXISTS idx_stop_events_tenant_type ON stop_events(tenant_id, event_type, occurred_at)`,

		// Stop executions (projection). The unique token constraint is
		// the exactly-once guarantee for stop submission.
		`CREATE TABLE IF NOT EXISTS stop_executions (
			id BIGSERIAL PRIMARY KEY,
			operation_id UUID NOT NULL,
			tenant_id VARCHAR(64) NOT NULL,
			symbol VARCHAR(20) NOT NULL,
			execution_token VARCHAR(64) NOT NULL,
			status VARCHAR(20) NOT NULL DEFAULT 'PENDING',
			side VARCHAR(5) NOT NULL,
			quantity NUMERIC(20, 8) NOT NULL DEFAULT 0,
			stop_price NUMERIC(20, 8) NOT NULL DEFAULT 0,
			trigger_price NUMERIC(20, 8),
			fill_price NUMERIC(20, 8),
			slippage_pct NUMERIC(10, 4),
			exchange_order_id VARCHAR(64),
			source VARCHAR(10) NOT NULL DEFAULT 'cron',
			error_message TEXT,
			retry_count INTEGER NOT NULL DEFAULT 0,
			triggered_at TIMESTAMPTZ,
			submitted_at TIMESTAMPTZ,
			executed_at TIMESTAMPTZ,
			failed_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS ux_stop_executions_operation_token
			ON stop_executions(operation_id, execution_token)`,
		`CREATE INDEX IF NOT EXISTS idx_stop_executions_status ON stop_executions(status)`,

		// Transactional outbox for stop events.
		`CREATE TABLE IF NOT EXISTS stop_event_outbox (
			id BIGSERIAL PRIMARY KEY,
			event_seq BIGINT NOT NULL REFERENCES stop_events(event_seq),
			routing_key VARCHAR(120) NOT NULL,
			payload JSONB NOT NULL,
			published BOOLEAN NOT NULL DEFAULT FALSE,
			published_at TIMESTAMPTZ,
			retry_count INTEGER NOT NULL DEFAULT 0,
			last_error TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_outbox_unpublished
			ON stop_event_outbox(event_seq) WHERE published = FALSE`,

		// Tenant risk guardrails.
		`CREATE TABLE IF NOT EXISTS tenant_configs (
			tenant_id VARCHAR(64) PRIMARY KEY,
			capital NUMERIC(20, 8) NOT NULL DEFAULT 0,
			default_risk_pct NUMERIC(10, 4) NOT NULL DEFAULT 1.0,
			trading_enabled BOOLEAN NOT NULL DEFAULT TRUE,
			kill_switch_reason TEXT,
			live_enabled BOOLEAN NOT NULL DEFAULT FALSE,
			cooldown_enabled BOOLEAN NOT NULL DEFAULT TRUE,
			cooldown_seconds INTEGER NOT NULL DEFAULT 900,
			funding_check_enabled BOOLEAN NOT NULL DEFAULT TRUE,
			funding_rate_threshold NUMERIC(12, 8) NOT NULL DEFAULT 0.0001,
			freshness_check_enabled BOOLEAN NOT NULL DEFAULT TRUE,
			max_data_age_seconds INTEGER NOT NULL DEFAULT 300,
			max_slippage_pct NUMERIC(10, 4) NOT NULL DEFAULT 5.0,
			slippage_pause_pct NUMERIC(10, 4) NOT NULL DEFAULT 10.0,
			max_executions_per_minute INTEGER NOT NULL DEFAULT 10,
			max_executions_per_hour INTEGER NOT NULL DEFAULT 100,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,

		// Circuit breakers, one row per (tenant, symbol).
		`CREATE TABLE IF NOT EXISTS circuit_breakers (
			tenant_id VARCHAR(64) NOT NULL,
			symbol VARCHAR(20) NOT NULL,
			state VARCHAR(10) NOT NULL DEFAULT 'CLOSED',
			failure_count INTEGER NOT NULL DEFAULT 0,
			last_failure_at TIMESTAMPTZ,
			opened_at TIMESTAMPTZ,
			will_retry_at TIMESTAMPTZ,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (tenant_id, symbol)
		)`,

		// Pattern instances, alerts and trigger idempotency records.
		`CREATE TABLE IF NOT EXISTS pattern_instances (
			id BIGSERIAL PRIMARY KEY,
			symbol VARCHAR(20) NOT NULL,
			timeframe VARCHAR(10) NOT NULL,
			pattern_code VARCHAR(40) NOT NULL,
			direction VARCHAR(10) NOT NULL,
			status VARCHAR(15) NOT NULL DEFAULT 'FORMING',
			detection_bar_ts TIMESTAMPTZ NOT NULL,
			confirmed_bar_ts TIMESTAMPTZ,
			entry_price NUMERIC(20, 8),
			invalidation_price NUMERIC(20, 8),
			target_price NUMERIC(20, 8),
			confidence VARCHAR(10),
			features JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS ux_pattern_instances_bar
			ON pattern_instances(symbol, timeframe, pattern_code, detection_bar_ts)`,
		`CREATE INDEX IF NOT EXISTS idx_pattern_instances_status ON pattern_instances(status)`,

		`CREATE TABLE IF NOT EXISTS pattern_alerts (
			id BIGSERIAL PRIMARY KEY,
			pattern_instance_id BIGINT NOT NULL REFERENCES pattern_instances(id),
			alert_type VARCHAR(15) NOT NULL,
			symbol VARCHAR(20) NOT NULL,
			timeframe VARCHAR(10) NOT NULL,
			pattern_code VARCHAR(40) NOT NULL,
			direction VARCHAR(10) NOT NULL,
			price NUMERIC(20, 8) NOT NULL,
			bar_ts TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_pattern_alerts_instance ON pattern_alerts(pattern_instance_id)`,

		`CREATE TABLE IF NOT EXISTS pattern_triggers (
			id BIGSERIAL PRIMARY KEY,
			tenant_id VARCHAR(64) NOT NULL,
			pattern_alert_id BIGINT NOT NULL,
			intent_id UUID,
			status VARCHAR(20) NOT NULL,
			reason TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS ux_pattern_triggers_tenant_alert
			ON pattern_triggers(tenant_id, pattern_alert_id)`,

		`CREATE TABLE IF NOT EXISTS strategy_pattern_configs (
			id BIGSERIAL PRIMARY KEY,
			tenant_id VARCHAR(64) NOT NULL,
			strategy_name VARCHAR(100) NOT NULL,
			symbol VARCHAR(20) NOT NULL,
			timeframe VARCHAR(10) NOT NULL,
			pattern_code VARCHAR(40) NOT NULL,
			entry_mode VARCHAR(10) NOT NULL DEFAULT 'DRY_RUN',
			risk_pct NUMERIC(10, 4),
			enabled BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS ux_strategy_pattern_configs
			ON strategy_pattern_configs(tenant_id, symbol, timeframe, pattern_code)`,

		// Gate decisions, append-only.
		`CREATE TABLE IF NOT EXISTS gate_decisions (
			id BIGSERIAL PRIMARY KEY,
			tenant_id VARCHAR(64) NOT NULL,
			symbol VARCHAR(20) NOT NULL,
			allowed BOOLEAN NOT NULL,
			checks JSONB NOT NULL,
			reasons TEXT[],
			evaluated_at TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_gate_decisions_tenant ON gate_decisions(tenant_id, evaluated_at)`,

		// Daily P&L rollups feeding the monthly budget.
		`CREATE TABLE IF NOT EXISTS daily_pnl_summaries (
			id BIGSERIAL PRIMARY KEY,
			tenant_id VARCHAR(64) NOT NULL,
			day DATE NOT NULL,
			realized_pnl NUMERIC(20, 8) NOT NULL DEFAULT 0,
			fees NUMERIC(20, 8) NOT NULL DEFAULT 0,
			trade_count INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS ux_daily_pnl_tenant_day
			ON daily_pnl_summaries(tenant_id, day)`,
	}

	for i, migration := range migrations {
		if _, err := db.Pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}

	db.logger.Info().Int("statements", len(migrations)).Msg("Database migrations completed")
	return nil
}
