package database

import (
	"context"
	"fmt"
	"time"
)

const intentColumns = `
	id, tenant_id, symbol, side, mode, source,
	COALESCE(strategy_name, ''), acknowledged,
	capital, risk_pct, risk_amount, entry_price, stop_price, target_price, quantity,
	COALESCE(stop_method, ''), COALESCE(confidence, ''), status,
	validation_result, execution_result,
	COALESCE(failure_reason, ''), COALESCE(idempotency_key, ''),
	COALESCE(pattern_code, ''), pattern_alert_id, triggered_at,
	executed_at, created_at, updated_at`

func scanIntent(row interface{ Scan(...any) error }) (*TradingIntent, error) {
	var it TradingIntent
	err := row.Scan(
		&it.ID, &it.TenantID, &it.Symbol, &it.Side, &it.Mode, &it.Source,
		&it.StrategyName, &it.Acknowledged,
		&it.Capital, &it.RiskPct, &it.RiskAmount, &it.EntryPrice, &it.StopPrice, &it.TargetPrice, &it.Quantity,
		&it.StopMethod, &it.Confidence, &it.Status,
		&it.ValidationJSON, &it.ExecutionJSON,
		&it.FailureReason, &it.IdempotencyKey,
		&it.PatternCode, &it.PatternAlertID, &it.TriggeredAt,
		&it.ExecutedAt, &it.CreatedAt, &it.UpdatedAt,
	)
	if err != nil {
		return nil, mapNoRows(err)
	}
	return &it, nil
}

// CreateIntent persists a new intent in PENDING state.
func (db *DB) CreateIntent(ctx context.Context, it *TradingIntent) error {
	query := `
		INSERT INTO trading_intents (
			id, tenant_id, symbol, side, mode, source, strategy_name, acknowledged,
			capital, risk_pct, risk_amount, entry_price, stop_price, target_price, quantity,
			stop_method, confidence, status,
			pattern_code, pattern_alert_id, triggered_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8,
			$9, $10, $11, $12, $13, $14, $15,
			NULLIF($16, ''), NULLIF($17, ''), $18,
			NULLIF($19, ''), $20, $21
		) RETURNING created_at, updated_at`

	err := db.Pool.QueryRow(ctx, query,
		it.ID, it.TenantID, it.Symbol, it.Side, it.Mode, it.Source, it.StrategyName, it.Acknowledged,
		it.Capital, it.RiskPct, it.RiskAmount, it.EntryPrice, it.StopPrice, it.TargetPrice, it.Quantity,
		it.StopMethod, it.Confidence, it.Status,
		it.PatternCode, it.PatternAlertID, it.TriggeredAt,
	).Scan(&it.CreatedAt, &it.UpdatedAt)
	if err != nil {
		if IsUniqueViolation(err, "") {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to create intent: %w", err)
	}
	return nil
}

// GetIntent fetches one intent by id within a tenant.
func (db *DB) GetIntent(ctx context.Context, tenantID, intentID string) (*TradingIntent, error) {
	query := `SELECT ` + intentColumns + ` FROM trading_intents WHERE tenant_id = $1 AND id = $2`
	return scanIntent(db.Pool.QueryRow(ctx, query, tenantID, intentID))
}

// ListIntentsByStatus returns a tenant's intents in one status, oldest
// first. Used by the startup replay of PENDING intents.
func (db *DB) ListIntentsByStatus(ctx context.Context, tenantID, status string, limit int) ([]*TradingIntent, error) {
	query := `SELECT ` + intentColumns + `
		FROM trading_intents
		WHERE tenant_id = $1 AND status = $2
		ORDER BY created_at ASC
		LIMIT $3`

	rows, err := db.Pool.Query(ctx, query, tenantID, status, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list intents: %w", err)
	}
	defer rows.Close()

	var intents []*TradingIntent
	for rows.Next() {
		it, err := scanIntent(rows)
		if err != nil {
			return nil, err
		}
		intents = append(intents, it)
	}
	return intents, rows.Err()
}

// ListValidatedIntentsBySymbol returns VALIDATED intents for one symbol
// across all tenants, oldest first. The reconciliation sweep matches
// orphan exchange orders against these by execution key.
func (db *DB) ListValidatedIntentsBySymbol(ctx context.Context, symbol string, limit int) ([]*TradingIntent, error) {
	query := `SELECT ` + intentColumns + `
		FROM trading_intents
		WHERE symbol = $1 AND status = $2
		ORDER BY created_at ASC
		LIMIT $3`

	rows, err := db.Pool.Query(ctx, query, symbol, IntentStatusValidated, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list validated intents: %w", err)
	}
	defer rows.Close()

	var intents []*TradingIntent
	for rows.Next() {
		it, err := scanIntent(rows)
		if err != nil {
			return nil, err
		}
		intents = append(intents, it)
	}
	return intents, rows.Err()
}

// intentTransitions is the allowed state machine. FAILED is reachable
// from any non-terminal state.
var intentTransitions = map[string][]string{
	IntentStatusValidated: {IntentStatusPending},
	IntentStatusExecuted:  {IntentStatusValidated},
	IntentStatusFailed:    {IntentStatusPending, IntentStatusValidated},
}

// TransitionIntent moves an intent to a new status, enforcing the
// state machine at the database so concurrent transitions serialize.
func (db *DB) TransitionIntent(ctx context.Context, tenantID, intentID, toStatus string) error {
	allowed, ok := intentTransitions[toStatus]
	if !ok {
		return &ErrInvalidTransition{Entity: "intent", From: "?", To: toStatus}
	}

	query := `
		UPDATE trading_intents
		SET status = $3, updated_at = NOW()
		WHERE tenant_id = $1 AND id = $2 AND status = ANY($4)`

	tag, err := db.Pool.Exec(ctx, query, tenantID, intentID, toStatus, allowed)
	if err != nil {
		return fmt.Errorf("failed to transition intent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		current, gerr := db.GetIntent(ctx, tenantID, intentID)
		if gerr != nil {
			return gerr
		}
		return &ErrInvalidTransition{Entity: "intent", From: current.Status, To: toStatus, Allowed: allowed}
	}
	return nil
}

// SaveIntentValidation stores the verbatim validation result and moves
// the intent to VALIDATED or FAILED accordingly.
func (db *DB) SaveIntentValidation(ctx context.Context, tenantID, intentID string, passed bool, validationJSON []byte, failureReason string) error {
	toStatus := IntentStatusValidated
	if !passed {
		toStatus = IntentStatusFailed
	}

	query := `
		UPDATE trading_intents
		SET status = $3, validation_result = $4, failure_reason = NULLIF($5, ''), updated_at = NOW()
		WHERE tenant_id = $1 AND id = $2 AND status = $6`

	tag, err := db.Pool.Exec(ctx, query, tenantID, intentID, toStatus, validationJSON, failureReason, IntentStatusPending)
	if err != nil {
		return fmt.Errorf("failed to save intent validation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		current, gerr := db.GetIntent(ctx, tenantID, intentID)
		if gerr != nil {
			return gerr
		}
		return &ErrInvalidTransition{Entity: "intent", From: current.Status, To: toStatus, Allowed: []string{IntentStatusPending}}
	}
	return nil
}

// UpdateIntentPlan writes the derived plan fields (capital, stop,
// quantity, risk) onto a PENDING intent.
func (db *DB) UpdateIntentPlan(ctx context.Context, it *TradingIntent) error {
	query := `
		UPDATE trading_intents
		SET capital = $3, risk_pct = $4, risk_amount = $5,
			entry_price = $6, stop_price = $7, target_price = $8, quantity = $9,
			stop_method = NULLIF($10, ''), confidence = NULLIF($11, ''), updated_at = NOW()
		WHERE tenant_id = $1 AND id = $2 AND status = $12`

	tag, err := db.Pool.Exec(ctx, query,
		it.TenantID, it.ID,
		it.Capital, it.RiskPct, it.RiskAmount,
		it.EntryPrice, it.StopPrice, it.TargetPrice, it.Quantity,
		it.StopMethod, it.Confidence, IntentStatusPending,
	)
	if err != nil {
		return fmt.Errorf("failed to update intent plan: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkIntentFailed moves any non-terminal intent to FAILED with a
// reason.
func (db *DB) MarkIntentFailed(ctx context.Context, tenantID, intentID, reason string) error {
	query := `
		UPDATE trading_intents
		SET status = $3, failure_reason = $4, updated_at = NOW()
		WHERE tenant_id = $1 AND id = $2 AND status NOT IN ($5, $6)`

	tag, err := db.Pool.Exec(ctx, query, tenantID, intentID,
		IntentStatusFailed, reason, IntentStatusExecuted, IntentStatusFailed)
	if err != nil {
		return fmt.Errorf("failed to mark intent failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		current, gerr := db.GetIntent(ctx, tenantID, intentID)
		if gerr != nil {
			return gerr
		}
		return &ErrInvalidTransition{Entity: "intent", From: current.Status, To: IntentStatusFailed,
			Allowed: []string{IntentStatusPending, IntentStatusValidated}}
	}
	return nil
}

// SaveDryRunExecution records a simulated execution result without
// leaving VALIDATED state.
func (db *DB) SaveDryRunExecution(ctx context.Context, tenantID, intentID string, executionJSON []byte) error {
	query := `
		UPDATE trading_intents
		SET execution_result = $3, updated_at = NOW()
		WHERE tenant_id = $1 AND id = $2`

	tag, err := db.Pool.Exec(ctx, query, tenantID, intentID, executionJSON)
	if err != nil {
		return fmt.Errorf("failed to save dry-run execution: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// touchIntentExecuted is the intent side of the live execution
// transaction; it runs inside ExecuteIntentTx.
const touchIntentExecutedSQL = `
	UPDATE trading_intents
	SET status = $3, execution_result = $4, idempotency_key = $5,
		executed_at = $6, updated_at = NOW()
	WHERE tenant_id = $1 AND id = $2 AND status = $7`

// intentExecutedArgs builds the arg list for touchIntentExecutedSQL.
func intentExecutedArgs(tenantID, intentID string, executionJSON []byte, idempotencyKey string, executedAt time.Time) []any {
	return []any{tenantID, intentID, IntentStatusExecuted, executionJSON, idempotencyKey, executedAt, IntentStatusValidated}
}
