package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

const stopEventColumns = `
	event_id, event_seq, operation_id, tenant_id, symbol, event_type,
	execution_token, side, quantity, stop_price, trigger_price, fill_price,
	slippage_pct, COALESCE(exchange_order_id, ''), source,
	COALESCE(error_message, ''), retry_count, payload, occurred_at`

func scanStopEvent(row interface{ Scan(...any) error }) (*StopEvent, error) {
	var ev StopEvent
	err := row.Scan(
		&ev.EventID, &ev.EventSeq, &ev.OperationID, &ev.TenantID, &ev.Symbol, &ev.EventType,
		&ev.ExecutionToken, &ev.Side, &ev.Quantity, &ev.StopPrice, &ev.TriggerPrice, &ev.FillPrice,
		&ev.SlippagePct, &ev.ExchangeOrderID, &ev.Source,
		&ev.ErrorMessage, &ev.RetryCount, &ev.Payload, &ev.OccurredAt,
	)
	if err != nil {
		return nil, mapNoRows(err)
	}
	return &ev, nil
}

const stopExecutionColumns = `
	id, operation_id, tenant_id, symbol, execution_token, status, side,
	quantity, stop_price, trigger_price, fill_price, slippage_pct,
	COALESCE(exchange_order_id, ''), source, COALESCE(error_message, ''), retry_count,
	triggered_at, submitted_at, executed_at, failed_at, created_at, updated_at`

func scanStopExecution(row interface{ Scan(...any) error }) (*StopExecution, error) {
	var se StopExecution
	err := row.Scan(
		&se.ID, &se.OperationID, &se.TenantID, &se.Symbol, &se.ExecutionToken, &se.Status, &se.Side,
		&se.Quantity, &se.StopPrice, &se.TriggerPrice, &se.FillPrice, &se.SlippagePct,
		&se.ExchangeOrderID, &se.Source, &se.ErrorMessage, &se.RetryCount,
		&se.TriggeredAt, &se.SubmittedAt, &se.ExecutedAt, &se.FailedAt, &se.CreatedAt, &se.UpdatedAt,
	)
	if err != nil {
		return nil, mapNoRows(err)
	}
	return &se, nil
}

// appendStopEventTx inserts the event, its outbox row and folds it
// into the projection, all on the caller's transaction.
func (db *DB) appendStopEventTx(ctx context.Context, tx pgx.Tx, ev *StopEvent) error {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}

	err := tx.QueryRow(ctx, `
		INSERT INTO stop_events (
			event_id, operation_id, tenant_id, symbol, event_type, execution_token,
			side, quantity, stop_price, trigger_price, fill_price, slippage_pct,
			exchange_order_id, source, error_message, retry_count, payload, occurred_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11, $12,
			NULLIF($13, ''), $14, NULLIF($15, ''), $16, $17, $18
		) RETURNING event_seq`,
		ev.EventID, ev.OperationID, ev.TenantID, ev.Symbol, ev.EventType, ev.ExecutionToken,
		ev.Side, ev.Quantity, ev.StopPrice, ev.TriggerPrice, ev.FillPrice, ev.SlippagePct,
		ev.ExchangeOrderID, ev.Source, ev.ErrorMessage, ev.RetryCount, ev.Payload, ev.OccurredAt,
	).Scan(&ev.EventSeq)
	if err != nil {
		return fmt.Errorf("failed to append stop event: %w", err)
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal stop event: %w", err)
	}
	routingKey := fmt.Sprintf("stop.%s.%s.%s", ev.EventType, ev.TenantID, ev.Symbol)
	if _, err := tx.Exec(ctx, `
		INSERT INTO stop_event_outbox (event_seq, routing_key, payload) VALUES ($1, $2, $3)`,
		ev.EventSeq, routingKey, payload,
	); err != nil {
		return fmt.Errorf("failed to insert outbox row: %w", err)
	}

	return db.applyProjectionTx(ctx, tx, ev)
}

// applyProjectionTx folds one event into the StopExecution row. An
// EXECUTED row is final and never overwritten; FAILED and BLOCKED rows
// may be re-advanced by a retry attempt (retry_count distinguishes
// attempts).
func (db *DB) applyProjectionTx(ctx context.Context, tx pgx.Tx, ev *StopEvent) error {
	var query string
	args := []any{ev.OperationID, ev.ExecutionToken}

	switch ev.EventType {
	case StopEventTriggered:
		query = `
			UPDATE stop_executions
			SET trigger_price = $3, source = $4, retry_count = $5, triggered_at = $6, updated_at = NOW()
			WHERE operation_id = $1 AND execution_token = $2 AND status <> 'EXECUTED'`
		args = append(args, ev.TriggerPrice, ev.Source, ev.RetryCount, ev.OccurredAt)

	case StopEventSubmitted:
		query = `
			UPDATE stop_executions
			SET status = 'SUBMITTED', submitted_at = $3, updated_at = NOW()
			WHERE operation_id = $1 AND execution_token = $2 AND status <> 'EXECUTED'`
		args = append(args, ev.OccurredAt)

	case StopEventExecuted:
		query = `
			UPDATE stop_executions
			SET status = 'EXECUTED', fill_price = $3, slippage_pct = $4,
				exchange_order_id = NULLIF($5, ''), executed_at = $6, error_message = NULL, updated_at = NOW()
			WHERE operation_id = $1 AND execution_token = $2`
		args = append(args, ev.FillPrice, ev.SlippagePct, ev.ExchangeOrderID, ev.OccurredAt)

	case StopEventFailed:
		query = `
			UPDATE stop_executions
			SET status = 'FAILED', error_message = NULLIF($3, ''), retry_count = $4,
				failed_at = $5, updated_at = NOW()
			WHERE operation_id = $1 AND execution_token = $2 AND status <> 'EXECUTED'`
		args = append(args, ev.ErrorMessage, ev.RetryCount, ev.OccurredAt)

	case StopEventBlocked, StopEventStalePrice, StopEventKillSwitch, StopEventCircuitBreaker:
		query = `
			UPDATE stop_executions
			SET status = 'BLOCKED', error_message = NULLIF($3, ''), updated_at = NOW()
			WHERE operation_id = $1 AND execution_token = $2 AND status NOT IN ('EXECUTED', 'FAILED')`
		args = append(args, ev.ErrorMessage)

	case StopEventSlippageBreach:
		// Fill facts are recorded; the terminal EXECUTED event follows.
		query = `
			UPDATE stop_executions
			SET fill_price = $3, slippage_pct = $4, updated_at = NOW()
			WHERE operation_id = $1 AND execution_token = $2`
		args = append(args, ev.FillPrice, ev.SlippagePct)

	default:
		return nil
	}

	if _, err := tx.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to project stop event %s: %w", ev.EventType, err)
	}
	return nil
}

// AppendStopEvent appends an event with its outbox row and projection
// update in one transaction.
func (db *DB) AppendStopEvent(ctx context.Context, ev *StopEvent) error {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin stop event transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := db.appendStopEventTx(ctx, tx, ev); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// TriggerStopTx creates the StopExecution claim row and appends the
// STOP_TRIGGERED event atomically. A concurrent trigger for the same
// (operation, token) hits the unique index and gets ErrDuplicate; the
// caller must then no-op.
func (db *DB) TriggerStopTx(ctx context.Context, se *StopExecution, ev *StopEvent) error {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin trigger transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO stop_executions (
			operation_id, tenant_id, symbol, execution_token, status, side,
			quantity, stop_price, trigger_price, source, triggered_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		se.OperationID, se.TenantID, se.Symbol, se.ExecutionToken, StopExecPending, se.Side,
		se.Quantity, se.StopPrice, se.TriggerPrice, se.Source, se.TriggeredAt,
	)
	if err != nil {
		if IsUniqueViolation(err, "ux_stop_executions_operation_token") {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to create stop execution: %w", err)
	}

	if err := db.appendStopEventTx(ctx, tx, ev); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// ClaimStopRetry re-arms a FAILED or BLOCKED execution for another
// attempt. The compare-and-set on retry_count serializes concurrent
// retriers; only the caller that sees true owns the attempt.
func (db *DB) ClaimStopRetry(ctx context.Context, operationID, executionToken string, expectedRetryCount int) (bool, error) {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE stop_executions
		SET status = $4, retry_count = retry_count + 1, updated_at = NOW()
		WHERE operation_id = $1 AND execution_token = $2
			AND status IN ('FAILED', 'BLOCKED') AND retry_count = $3`,
		operationID, executionToken, expectedRetryCount, StopExecPending,
	)
	if err != nil {
		return false, fmt.Errorf("failed to claim stop retry: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// GetStopExecution fetches the projection row for one token.
func (db *DB) GetStopExecution(ctx context.Context, operationID, executionToken string) (*StopExecution, error) {
	query := `SELECT ` + stopExecutionColumns + `
		FROM stop_executions
		WHERE operation_id = $1 AND execution_token = $2`
	return scanStopExecution(db.Pool.QueryRow(ctx, query, operationID, executionToken))
}

// FindStopExecutionByOrder matches an exchange order to the stop
// execution that placed it. The reconciliation sweep classifies history
// rows with it.
func (db *DB) FindStopExecutionByOrder(ctx context.Context, exchangeOrderID string) (*StopExecution, error) {
	query := `SELECT ` + stopExecutionColumns + `
		FROM stop_executions
		WHERE exchange_order_id = $1
		LIMIT 1`
	return scanStopExecution(db.Pool.QueryRow(ctx, query, exchangeOrderID))
}

// ListStopEventsByOperation returns an operation's events in event_seq
// order; replaying them rebuilds the projection exactly.
func (db *DB) ListStopEventsByOperation(ctx context.Context, operationID string) ([]*StopEvent, error) {
	query := `SELECT ` + stopEventColumns + `
		FROM stop_events
		WHERE operation_id = $1
		ORDER BY event_seq ASC`

	rows, err := db.Pool.Query(ctx, query, operationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list stop events: %w", err)
	}
	defer rows.Close()

	var events []*StopEvent
	for rows.Next() {
		ev, err := scanStopEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// LatestStopOutAt returns when the tenant last had a stop trigger, or
// zero time if never. The cooldown gate reads this.
func (db *DB) LatestStopOutAt(ctx context.Context, tenantID string) (time.Time, error) {
	var latest *time.Time
	err := db.Pool.QueryRow(ctx,
		`SELECT MAX(occurred_at) FROM stop_events WHERE tenant_id = $1 AND event_type = $2`,
		tenantID, StopEventTriggered,
	).Scan(&latest)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to get latest stop-out: %w", err)
	}
	if latest == nil {
		return time.Time{}, nil
	}
	return *latest, nil
}

// ===== Outbox =====

// FetchUnpublishedOutbox returns the oldest unpublished rows.
func (db *DB) FetchUnpublishedOutbox(ctx context.Context, limit int) ([]*OutboxEntry, error) {
	query := `
		SELECT id, event_seq, routing_key, payload, published, published_at,
			retry_count, COALESCE(last_error, ''), created_at
		FROM stop_event_outbox
		WHERE published = FALSE
		ORDER BY event_seq ASC
		LIMIT $1`

	rows, err := db.Pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch outbox: %w", err)
	}
	defer rows.Close()

	var entries []*OutboxEntry
	for rows.Next() {
		var e OutboxEntry
		if err := rows.Scan(&e.ID, &e.EventSeq, &e.RoutingKey, &e.Payload, &e.Published,
			&e.PublishedAt, &e.RetryCount, &e.LastError, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// MarkOutboxPublished flips the published flag exactly once.
func (db *DB) MarkOutboxPublished(ctx context.Context, id int64) error {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE stop_event_outbox
		SET published = TRUE, published_at = NOW()
		WHERE id = $1 AND published = FALSE`, id)
	if err != nil {
		return fmt.Errorf("failed to mark outbox published: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordOutboxError increments the retry counter after a failed
// publish; the row stays unpublished and is retried next cycle.
func (db *DB) RecordOutboxError(ctx context.Context, id int64, errMsg string) error {
	_, err := db.Pool.Exec(ctx, `
		UPDATE stop_event_outbox
		SET retry_count = retry_count + 1, last_error = $2
		WHERE id = $1`, id, errMsg)
	if err != nil {
		return fmt.Errorf("failed to record outbox error: %w", err)
	}
	return nil
}
