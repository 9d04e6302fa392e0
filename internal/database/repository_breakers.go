package database

import (
	"context"
	"fmt"
)

// GetBreakerState fetches the persisted breaker for (tenant, symbol),
// or ErrNotFound when the pair has never failed.
func (db *DB) GetBreakerState(ctx context.Context, tenantID, symbol string) (*CircuitBreakerState, error) {
	query := `
		SELECT tenant_id, symbol, state, failure_count, last_failure_at, opened_at, will_retry_at, updated_at
		FROM circuit_breakers
		WHERE tenant_id = $1 AND symbol = $2`

	var cb CircuitBreakerState
	err := db.Pool.QueryRow(ctx, query, tenantID, symbol).Scan(
		&cb.TenantID, &cb.Symbol, &cb.State, &cb.FailureCount,
		&cb.LastFailureAt, &cb.OpenedAt, &cb.WillRetryAt, &cb.UpdatedAt,
	)
	if err != nil {
		return nil, mapNoRows(err)
	}
	return &cb, nil
}

// SaveBreakerState upserts the full breaker row.
func (db *DB) SaveBreakerState(ctx context.Context, cb *CircuitBreakerState) error {
	query := `
		INSERT INTO circuit_breakers (
			tenant_id, symbol, state, failure_count, last_failure_at, opened_at, will_retry_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		ON CONFLICT (tenant_id, symbol) DO UPDATE SET
			state = EXCLUDED.state,
			failure_count = EXCLUDED.failure_count,
			last_failure_at = EXCLUDED.last_failure_at,
			opened_at = EXCLUDED.opened_at,
			will_retry_at = EXCLUDED.will_retry_at,
			updated_at = NOW()`

	_, err := db.Pool.Exec(ctx, query,
		cb.TenantID, cb.Symbol, cb.State, cb.FailureCount,
		cb.LastFailureAt, cb.OpenedAt, cb.WillRetryAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save breaker state: %w", err)
	}
	return nil
}

// ListBreakerStates returns all persisted breakers for a tenant.
func (db *DB) ListBreakerStates(ctx context.Context, tenantID string) ([]*CircuitBreakerState, error) {
	query := `
		SELECT tenant_id, symbol, state, failure_count, last_failure_at, opened_at, will_retry_at, updated_at
		FROM circuit_breakers
		WHERE tenant_id = $1
		ORDER BY symbol`

	rows, err := db.Pool.Query(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list breaker states: %w", err)
	}
	defer rows.Close()

	var breakers []*CircuitBreakerState
	for rows.Next() {
		var cb CircuitBreakerState
		if err := rows.Scan(&cb.TenantID, &cb.Symbol, &cb.State, &cb.FailureCount,
			&cb.LastFailureAt, &cb.OpenedAt, &cb.WillRetryAt, &cb.UpdatedAt); err != nil {
			return nil, err
		}
		breakers = append(breakers, &cb)
	}
	return breakers, rows.Err()
}
