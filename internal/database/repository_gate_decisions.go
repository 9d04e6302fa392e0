package database

import (
	"context"
	"fmt"
)

// InsertGateDecision appends one evaluation to the append-only log.
func (db *DB) InsertGateDecision(ctx context.Context, gd *GateDecision) error {
	query := `
		INSERT INTO gate_decisions (tenant_id, symbol, allowed, checks, reasons, evaluated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at`

	err := db.Pool.QueryRow(ctx, query,
		gd.TenantID, gd.Symbol, gd.Allowed, gd.Checks, gd.Reasons, gd.EvaluatedAt,
	).Scan(&gd.ID, &gd.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert gate decision: %w", err)
	}
	return nil
}

// ListGateDecisions returns a tenant's recent gate evaluations, newest
// first.
func (db *DB) ListGateDecisions(ctx context.Context, tenantID string, limit int) ([]*GateDecision, error) {
	query := `
		SELECT id, tenant_id, symbol, allowed, checks, COALESCE(reasons, '{}'), evaluated_at, created_at
		FROM gate_decisions
		WHERE tenant_id = $1
		ORDER BY evaluated_at DESC
		LIMIT $2`

	rows, err := db.Pool.Query(ctx, query, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list gate decisions: %w", err)
	}
	defer rows.Close()

	var decisions []*GateDecision
	for rows.Next() {
		var gd GateDecision
		if err := rows.Scan(&gd.ID, &gd.TenantID, &gd.Symbol, &gd.Allowed,
			&gd.Checks, &gd.Reasons, &gd.EvaluatedAt, &gd.CreatedAt); err != nil {
			return nil, err
		}
		decisions = append(decisions, &gd)
	}
	return decisions, rows.Err()
}
