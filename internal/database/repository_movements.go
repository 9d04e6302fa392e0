package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

const movementColumns = `
	id, tenant_id, operation_id, exchange_order_id, transaction_type, symbol,
	COALESCE(asset, ''), side, price, quantity, total_value, fee,
	COALESCE(fee_asset, ''), stop_price, is_margin, leverage,
	raw_response, source, executed_at, created_at`

func scanMovement(row interface{ Scan(...any) error }) (*AuditTransaction, error) {
	var mv AuditTransaction
	err := row.Scan(
		&mv.ID, &mv.TenantID, &mv.OperationID, &mv.ExchangeOrderID, &mv.TransactionType, &mv.Symbol,
		&mv.Asset, &mv.Side, &mv.Price, &mv.Quantity, &mv.TotalValue, &mv.Fee,
		&mv.FeeAsset, &mv.StopPrice, &mv.IsMargin, &mv.Leverage,
		&mv.RawResponse, &mv.Source, &mv.ExecutedAt, &mv.CreatedAt,
	)
	if err != nil {
		return nil, mapNoRows(err)
	}
	return &mv, nil
}

const insertMovementSQL = `
	INSERT INTO audit_transactions (
		tenant_id, operation_id, exchange_order_id, transaction_type, symbol,
		asset, side, price, quantity, total_value, fee, fee_asset,
		stop_price, is_margin, leverage, raw_response, source, executed_at
	) VALUES (
		$1, $2, $3, $4, $5,
		NULLIF($6, ''), $7, $8, $9, $10, $11, NULLIF($12, ''),
		$13, $14, $15, $16, $17, $18
	)
	ON CONFLICT (exchange_order_id, transaction_type) DO NOTHING
	RETURNING id, created_at`

func insertMovementTx(ctx context.Context, tx pgx.Tx, mv *AuditTransaction) error {
	err := tx.QueryRow(ctx, insertMovementSQL,
		mv.TenantID, mv.OperationID, mv.ExchangeOrderID, mv.TransactionType, mv.Symbol,
		mv.Asset, mv.Side, mv.Price, mv.Quantity, mv.TotalValue, mv.Fee, mv.FeeAsset,
		mv.StopPrice, mv.IsMargin, mv.Leverage, mv.RawResponse, mv.Source, mv.ExecutedAt,
	).Scan(&mv.ID, &mv.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Conflict: this movement is already recorded.
			return ErrDuplicate
		}
		return fmt.Errorf("failed to insert movement: %w", err)
	}
	return nil
}

// InsertMovement appends one audit transaction. A repeated
// (exchange_order_id, transaction_type) pair is silently deduplicated
// and reported via the returned flag.
func (db *DB) InsertMovement(ctx context.Context, mv *AuditTransaction) (inserted bool, err error) {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to begin movement transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := insertMovementTx(ctx, tx, mv); err != nil {
		if errors.Is(err, ErrDuplicate) {
			return false, nil
		}
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("failed to commit movement: %w", err)
	}
	return true, nil
}

// MovementExists reports whether the dedup key is already recorded.
func (db *DB) MovementExists(ctx context.Context, exchangeOrderID, transactionType string) (bool, error) {
	var exists bool
	err := db.Pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM audit_transactions WHERE exchange_order_id = $1 AND transaction_type = $2)`,
		exchangeOrderID, transactionType,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check movement existence: %w", err)
	}
	return exists, nil
}

// MovementExistsForOrder reports whether any movement references the
// exchange order, regardless of type. The reconciliation sweep uses it
// to decide whether a history row is already accounted for.
func (db *DB) MovementExistsForOrder(ctx context.Context, exchangeOrderID string) (bool, error) {
	var exists bool
	err := db.Pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM audit_transactions WHERE exchange_order_id = $1)`,
		exchangeOrderID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check order movement existence: %w", err)
	}
	return exists, nil
}

// ListMovementsByOperation returns an operation's movements ordered by
// execution time.
func (db *DB) ListMovementsByOperation(ctx context.Context, operationID string) ([]*AuditTransaction, error) {
	query := `SELECT ` + movementColumns + `
		FROM audit_transactions
		WHERE operation_id = $1
		ORDER BY executed_at ASC`

	rows, err := db.Pool.Query(ctx, query, operationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list movements: %w", err)
	}
	defer rows.Close()

	var movements []*AuditTransaction
	for rows.Next() {
		mv, err := scanMovement(rows)
		if err != nil {
			return nil, err
		}
		movements = append(movements, mv)
	}
	return movements, rows.Err()
}

// ListMovementsSince returns a tenant's movements executed in
// [since, until), oldest first. The daily P&L rollup reads these.
func (db *DB) ListMovementsSince(ctx context.Context, tenantID string, since, until time.Time) ([]*AuditTransaction, error) {
	query := `SELECT ` + movementColumns + `
		FROM audit_transactions
		WHERE tenant_id = $1 AND executed_at >= $2 AND executed_at < $3
		ORDER BY executed_at ASC`

	rows, err := db.Pool.Query(ctx, query, tenantID, since, until)
	if err != nil {
		return nil, fmt.Errorf("failed to list movements since: %w", err)
	}
	defer rows.Close()

	var movements []*AuditTransaction
	for rows.Next() {
		mv, err := scanMovement(rows)
		if err != nil {
			return nil, err
		}
		movements = append(movements, mv)
	}
	return movements, rows.Err()
}

// ListMovementsByType returns a tenant's movements of one type, used by
// the portfolio projection for deposits and withdrawals.
func (db *DB) ListMovementsByType(ctx context.Context, tenantID, transactionType string) ([]*AuditTransaction, error) {
	query := `SELECT ` + movementColumns + `
		FROM audit_transactions
		WHERE tenant_id = $1 AND transaction_type = $2
		ORDER BY executed_at ASC`

	rows, err := db.Pool.Query(ctx, query, tenantID, transactionType)
	if err != nil {
		return nil, fmt.Errorf("failed to list movements by type: %w", err)
	}
	defer rows.Close()

	var movements []*AuditTransaction
	for rows.Next() {
		mv, err := scanMovement(rows)
		if err != nil {
			return nil, err
		}
		movements = append(movements, mv)
	}
	return movements, rows.Err()
}

// LatestMovementTime returns the newest executed_at for a tenant, used
// by the reconciliation sweep to bound its exchange history query.
func (db *DB) LatestMovementTime(ctx context.Context, tenantID, symbol string) (time.Time, error) {
	var latest *time.Time
	err := db.Pool.QueryRow(ctx,
		`SELECT MAX(executed_at) FROM audit_transactions WHERE tenant_id = $1 AND symbol = $2`,
		tenantID, symbol,
	).Scan(&latest)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to get latest movement time: %w", err)
	}
	if latest == nil {
		return time.Time{}, nil
	}
	return *latest, nil
}
