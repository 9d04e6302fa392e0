package database

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

const operationColumns = `
	id, tenant_id, intent_id, COALESCE(strategy_name, ''), symbol, side, status,
	entry_price, quantity, stop_price, initial_stop_price, target_price, trailing_step,
	COALESCE(exchange_order_id, ''), COALESCE(client_order_id, ''),
	filled_quantity, avg_fill_price, COALESCE(close_reason, ''),
	opened_at, closed_at, created_at, updated_at`

func scanOperation(row interface{ Scan(...any) error }) (*Operation, error) {
	var op Operation
	err := row.Scan(
		&op.ID, &op.TenantID, &op.IntentID, &op.StrategyName, &op.Symbol, &op.Side, &op.Status,
		&op.EntryPrice, &op.Quantity, &op.StopPrice, &op.InitialStopPrice, &op.TargetPrice, &op.TrailingStep,
		&op.ExchangeOrderID, &op.ClientOrderID,
		&op.FilledQuantity, &op.AvgFillPrice, &op.CloseReason,
		&op.OpenedAt, &op.ClosedAt, &op.CreatedAt, &op.UpdatedAt,
	)
	if err != nil {
		return nil, mapNoRows(err)
	}
	return &op, nil
}

const insertOperationSQL = `
	INSERT INTO operations (
		id, tenant_id, intent_id, strategy_name, symbol, side, status,
		entry_price, quantity, stop_price, initial_stop_price, target_price,
		exchange_order_id, client_order_id, filled_quantity, avg_fill_price, opened_at
	) VALUES (
		$1, $2, $3, NULLIF($4, ''), $5, $6, $7,
		$8, $9, $10, $11, $12,
		NULLIF($13, ''), NULLIF($14, ''), $15, $16, $17
	)`

func insertOperationArgs(op *Operation) []any {
	return []any{
		op.ID, op.TenantID, op.IntentID, op.StrategyName, op.Symbol, op.Side, op.Status,
		op.EntryPrice, op.Quantity, op.StopPrice, op.InitialStopPrice, op.TargetPrice,
		op.ExchangeOrderID, op.ClientOrderID, op.FilledQuantity, op.AvgFillPrice, op.OpenedAt,
	}
}

// GetOperation fetches one operation by id within a tenant.
func (db *DB) GetOperation(ctx context.Context, tenantID, operationID string) (*Operation, error) {
	query := `SELECT ` + operationColumns + ` FROM operations WHERE tenant_id = $1 AND id = $2`
	return scanOperation(db.Pool.QueryRow(ctx, query, tenantID, operationID))
}

// GetOperationByIntent returns the operation created from an intent,
// if any. The execute path uses it for idempotent replays.
func (db *DB) GetOperationByIntent(ctx context.Context, tenantID, intentID string) (*Operation, error) {
	query := `SELECT ` + operationColumns + `
		FROM operations
		WHERE tenant_id = $1 AND intent_id = $2
		ORDER BY created_at ASC
		LIMIT 1`
	return scanOperation(db.Pool.QueryRow(ctx, query, tenantID, intentID))
}

// ListActiveOperations returns all ACTIVE operations, optionally for
// one tenant ("" means every tenant). The stop monitor scans these.
func (db *DB) ListActiveOperations(ctx context.Context, tenantID string) ([]*Operation, error) {
	query := `SELECT ` + operationColumns + `
		FROM operations
		WHERE status = $1 AND ($2 = '' OR tenant_id = $2)
		ORDER BY opened_at ASC`

	rows, err := db.Pool.Query(ctx, query, OperationStatusActive, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list active operations: %w", err)
	}
	defer rows.Close()

	var ops []*Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

// FindOperationByEntryOrder matches an exchange order to the operation
// it opened. The reconciliation sweep classifies history rows with it.
func (db *DB) FindOperationByEntryOrder(ctx context.Context, exchangeOrderID string) (*Operation, error) {
	query := `SELECT ` + operationColumns + ` FROM operations WHERE exchange_order_id = $1 LIMIT 1`
	return scanOperation(db.Pool.QueryRow(ctx, query, exchangeOrderID))
}

// ListOperationSymbols returns the distinct symbols a tenant holds open
// positions on or has traded since the given time. The reconciliation
// sweep bounds its history queries with this set.
func (db *DB) ListOperationSymbols(ctx context.Context, tenantID string, since time.Time) ([]string, error) {
	rows, err := db.Pool.Query(ctx,
		`SELECT DISTINCT symbol FROM operations
		WHERE tenant_id = $1 AND (status = $2 OR created_at >= $3)
		ORDER BY symbol`,
		tenantID, OperationStatusActive, since)
	if err != nil {
		return nil, fmt.Errorf("failed to list operation symbols: %w", err)
	}
	defer rows.Close()

	var symbols []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		symbols = append(symbols, s)
	}
	return symbols, rows.Err()
}

// CountActiveOperations returns the tenant's open position count for
// the dynamic position limit gate.
func (db *DB) CountActiveOperations(ctx context.Context, tenantID string) (int, error) {
	var count int
	err := db.Pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM operations WHERE tenant_id = $1 AND status = $2`,
		tenantID, OperationStatusActive,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count active operations: %w", err)
	}
	return count, nil
}

// operationTransitions is the allowed DAG.
var operationTransitions = map[string][]string{
	OperationStatusActive:    {OperationStatusPlanned},
	OperationStatusClosed:    {OperationStatusActive},
	OperationStatusCancelled: {OperationStatusPlanned, OperationStatusActive},
}

// CloseOperation transitions ACTIVE -> CLOSED with a reason.
func (db *DB) CloseOperation(ctx context.Context, tenantID, operationID, reason string) error {
	return db.transitionOperation(ctx, tenantID, operationID, OperationStatusClosed, reason)
}

// CancelOperation transitions PLANNED/ACTIVE -> CANCELLED. Terminal
// operations yield ErrInvalidTransition with the allowed sources.
func (db *DB) CancelOperation(ctx context.Context, tenantID, operationID, reason string) error {
	return db.transitionOperation(ctx, tenantID, operationID, OperationStatusCancelled, reason)
}

func (db *DB) transitionOperation(ctx context.Context, tenantID, operationID, toStatus, reason string) error {
	allowed := operationTransitions[toStatus]

	query := `
		UPDATE operations
		SET status = $3, close_reason = NULLIF($4, ''), closed_at = NOW(), updated_at = NOW()
		WHERE tenant_id = $1 AND id = $2 AND status = ANY($5)`

	tag, err := db.Pool.Exec(ctx, query, tenantID, operationID, toStatus, reason, allowed)
	if err != nil {
		return fmt.Errorf("failed to transition operation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		current, gerr := db.GetOperation(ctx, tenantID, operationID)
		if gerr != nil {
			return gerr
		}
		return &ErrInvalidTransition{Entity: "operation", From: current.Status, To: toStatus, Allowed: allowed}
	}
	return nil
}

// UpdateOperationStop tightens the stop after a trailing adjustment.
// The WHERE clause re-checks the step so concurrent adjusters cannot
// apply the same step twice.
func (db *DB) UpdateOperationStop(ctx context.Context, tenantID, operationID string, newStop decimal.Decimal, fromStep, toStep int) (bool, error) {
	query := `
		UPDATE operations
		SET stop_price = $3, trailing_step = $4, updated_at = NOW()
		WHERE tenant_id = $1 AND id = $2 AND status = $5 AND trailing_step = $6`

	tag, err := db.Pool.Exec(ctx, query, tenantID, operationID, newStop, toStep, OperationStatusActive, fromStep)
	if err != nil {
		return false, fmt.Errorf("failed to update operation stop: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// OperationWithMovements pairs an operation with its audit trail.
type OperationWithMovements struct {
	Operation *Operation          `json:"operation"`
	Movements []*AuditTransaction `json:"movements"`
}

// ListOperationsWithMovements returns a tenant's operations, newest
// first, each with its movements ordered by executed_at.
func (db *DB) ListOperationsWithMovements(ctx context.Context, tenantID string, limit int) ([]*OperationWithMovements, error) {
	query := `SELECT ` + operationColumns + `
		FROM operations
		WHERE tenant_id = $1
		ORDER BY opened_at DESC
		LIMIT $2`

	rows, err := db.Pool.Query(ctx, query, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list operations: %w", err)
	}
	defer rows.Close()

	var result []*OperationWithMovements
	ids := make([]string, 0)
	byID := make(map[string]*OperationWithMovements)
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		owm := &OperationWithMovements{Operation: op}
		result = append(result, owm)
		byID[op.ID] = owm
		ids = append(ids, op.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return result, nil
	}

	mvQuery := `SELECT ` + movementColumns + `
		FROM audit_transactions
		WHERE operation_id = ANY($1)
		ORDER BY executed_at ASC`

	mvRows, err := db.Pool.Query(ctx, mvQuery, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to list movements: %w", err)
	}
	defer mvRows.Close()

	for mvRows.Next() {
		mv, err := scanMovement(mvRows)
		if err != nil {
			return nil, err
		}
		if mv.OperationID != nil {
			if owm, ok := byID[*mv.OperationID]; ok {
				owm.Movements = append(owm.Movements, mv)
			}
		}
	}
	return result, mvRows.Err()
}

// ExecuteIntentTx is the live-execution commit: in one transaction it
// creates the Operation, writes the entry AuditTransaction and marks
// the intent EXECUTED. Either all three land or none do.
func (db *DB) ExecuteIntentTx(ctx context.Context, op *Operation, mv *AuditTransaction, executionJSON []byte, idempotencyKey string) error {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin execution transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, insertOperationSQL, insertOperationArgs(op)...); err != nil {
		if IsUniqueViolation(err, "") {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to create operation: %w", err)
	}

	if err := insertMovementTx(ctx, tx, mv); err != nil {
		return err
	}

	tag, err := tx.Exec(ctx, touchIntentExecutedSQL,
		intentExecutedArgs(op.TenantID, op.IntentID, executionJSON, idempotencyKey, op.OpenedAt)...)
	if err != nil {
		return fmt.Errorf("failed to mark intent executed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &ErrInvalidTransition{Entity: "intent", From: "?", To: IntentStatusExecuted,
			Allowed: []string{IntentStatusValidated}}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit execution transaction: %w", err)
	}
	return nil
}
