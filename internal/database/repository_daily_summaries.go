package database

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// UpsertDailySummary saves or refreshes one day's realized P&L rollup.
// The settlement worker calls this repeatedly for the current day.
func (db *DB) UpsertDailySummary(ctx context.Context, s *DailyPnLSummary) error {
	query := `
		INSERT INTO daily_pnl_summaries (tenant_id, day, realized_pnl, fees, trade_count)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (tenant_id, day) DO UPDATE SET
			realized_pnl = EXCLUDED.realized_pnl,
			fees = EXCLUDED.fees,
			trade_count = EXCLUDED.trade_count,
			updated_at = NOW()
		RETURNING id, created_at, updated_at`

	err := db.Pool.QueryRow(ctx, query,
		s.TenantID, s.Day, s.RealizedPnL, s.Fees, s.TradeCount,
	).Scan(&s.ID, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert daily summary: %w", err)
	}
	return nil
}

// MonthlyRealizedPnL sums the rollups for the calendar month containing
// ref. The dynamic position limit and drawdown guard read this.
func (db *DB) MonthlyRealizedPnL(ctx context.Context, tenantID string, ref time.Time) (decimal.Decimal, error) {
	monthStart := time.Date(ref.Year(), ref.Month(), 1, 0, 0, 0, 0, time.UTC)
	monthEnd := monthStart.AddDate(0, 1, 0)

	var pnl decimal.Decimal
	err := db.Pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(realized_pnl), 0)
		FROM daily_pnl_summaries
		WHERE tenant_id = $1 AND day >= $2 AND day < $3`,
		tenantID, monthStart, monthEnd,
	).Scan(&pnl)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to sum monthly pnl: %w", err)
	}
	return pnl, nil
}

// GetDailySummary fetches one day's rollup.
func (db *DB) GetDailySummary(ctx context.Context, tenantID string, day time.Time) (*DailyPnLSummary, error) {
	query := `
		SELECT id, tenant_id, day, realized_pnl, fees, trade_count, created_at, updated_at
		FROM daily_pnl_summaries
		WHERE tenant_id = $1 AND day = $2`

	var s DailyPnLSummary
	err := db.Pool.QueryRow(ctx, query, tenantID, day).Scan(
		&s.ID, &s.TenantID, &s.Day, &s.RealizedPnL, &s.Fees, &s.TradeCount, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, mapNoRows(err)
	}
	return &s, nil
}
