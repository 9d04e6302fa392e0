// Package settlement rolls the audit log up into daily realized P&L
// summaries per tenant. The entry gate's dynamic position limit and the
// drawdown guard consume the monthly sum of these rollups.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"trading-risk-engine/internal/database"
	"trading-risk-engine/internal/exchange"
)

// Store is the persistence surface of the rollup worker.
type Store interface {
	ListTenantIDs(ctx context.Context) ([]string, error)
	ListMovementsSince(ctx context.Context, tenantID string, since, until time.Time) ([]*database.AuditTransaction, error)
	GetOperation(ctx context.Context, tenantID, operationID string) (*database.Operation, error)
	UpsertDailySummary(ctx context.Context, s *database.DailyPnLSummary) error
}

// RollupConfig tunes the settlement worker.
type RollupConfig struct {
	// Interval is how often the worker recomputes. Zero means 1h.
	Interval time.Duration
	// Days is how many calendar days each pass recomputes, counting
	// today. Zero means 2, covering the reconciliation sweep's 24h
	// backfill window.
	Days int
}

// Rollup folds each tenant's audit movements into daily realized P&L
// rows. Exits realize (exit - entry) x quantity against their
// operation's average fill; entries and funding rows carry no P&L.
// Movements are immutable and the summary row upserts, so recomputing
// a day is idempotent.
type Rollup struct {
	store  Store
	cfg    RollupConfig
	logger zerolog.Logger
	now    func() time.Time

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup

	statsMu    sync.Mutex
	passes     int64
	daysSummed int64
	lastPassAt time.Time
}

// NewRollup wires the settlement worker.
func NewRollup(store Store, cfg RollupConfig, logger zerolog.Logger) *Rollup {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if cfg.Days <= 0 {
		cfg.Days = 2
	}
	return &Rollup{
		store:  store,
		cfg:    cfg,
		logger: logger.With().Str("component", "settlement").Logger(),
		now:    time.Now,
	}
}

// Start launches the rollup loop.
func (r *Rollup) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return fmt.Errorf("settlement rollup already running")
	}
	r.running = true
	r.stopChan = make(chan struct{})
	r.wg.Add(1)
	go r.run()
	r.logger.Info().Dur("interval", r.cfg.Interval).Int("days", r.cfg.Days).Msg("settlement rollup started")
	return nil
}

// Stop halts the loop and waits for the pass in flight.
func (r *Rollup) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	close(r.stopChan)
	r.mu.Unlock()

	r.wg.Wait()
	r.logger.Info().Msg("settlement rollup stopped")
}

// IsRunning reports whether the rollup loop is active.
func (r *Rollup) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

func (r *Rollup) run() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	// Run immediately on start.
	r.Pass(context.Background())

	for {
		select {
		case <-r.stopChan:
			return
		case <-ticker.C:
			r.Pass(context.Background())
		}
	}
}

// Pass recomputes the rollup window for every tenant and returns how
// many day rows were written.
func (r *Rollup) Pass(ctx context.Context) int {
	tenants, err := r.store.ListTenantIDs(ctx)
	if err != nil {
		r.logger.Error().Err(err).Msg("failed to list tenants")
		return 0
	}

	written := 0
	for _, tenantID := range tenants {
		n, err := r.RollupTenant(ctx, tenantID)
		if err != nil {
			r.logger.Error().Err(err).Str("tenant_id", tenantID).Msg("tenant rollup failed")
			continue
		}
		written += n
	}

	r.statsMu.Lock()
	r.passes++
	r.daysSummed += int64(written)
	r.lastPassAt = r.now()
	r.statsMu.Unlock()

	return written
}

// RollupTenant recomputes the configured day window for one tenant,
// oldest day first.
func (r *Rollup) RollupTenant(ctx context.Context, tenantID string) (int, error) {
	today := dayStart(r.now())
	written := 0
	for i := r.cfg.Days - 1; i >= 0; i-- {
		s, err := r.RollupDay(ctx, tenantID, today.AddDate(0, 0, -i))
		if err != nil {
			return written, err
		}
		if s != nil {
			written++
		}
	}
	return written, nil
}

// RollupDay recomputes one tenant-day. Days with no trading movements
// are not persisted and return a nil summary.
func (r *Rollup) RollupDay(ctx context.Context, tenantID string, day time.Time) (*database.DailyPnLSummary, error) {
	start := dayStart(day)
	end := start.AddDate(0, 0, 1)

	movements, err := r.store.ListMovementsSince(ctx, tenantID, start, end)
	if err != nil {
		return nil, fmt.Errorf("list movements for %s: %w", start.Format("2006-01-02"), err)
	}

	summary := &database.DailyPnLSummary{TenantID: tenantID, Day: start}
	ops := make(map[string]*database.Operation)

	for _, mv := range movements {
		switch mv.TransactionType {
		case database.TxTypeEntry, database.TxTypeStopExit, database.TxTypeManualExit:
		default:
			continue // funding movements carry no trading P&L
		}

		summary.TradeCount++
		summary.Fees = summary.Fees.Add(mv.Fee)

		if mv.TransactionType == database.TxTypeEntry {
			continue
		}
		pnl, ok, err := r.realize(ctx, tenantID, mv, ops)
		if err != nil {
			return nil, err
		}
		if ok {
			summary.RealizedPnL = summary.RealizedPnL.Add(pnl)
		}
	}

	if summary.TradeCount == 0 {
		return nil, nil
	}
	if err := r.store.UpsertDailySummary(ctx, summary); err != nil {
		return nil, fmt.Errorf("upsert summary for %s: %w", start.Format("2006-01-02"), err)
	}

	r.logger.Debug().
		Str("tenant_id", tenantID).
		Str("day", start.Format("2006-01-02")).
		Str("realized_pnl", summary.RealizedPnL.String()).
		Int("trades", summary.TradeCount).
		Msg("daily summary rolled up")
	return summary, nil
}

// realize prices one exit movement against its operation's entry fill.
// Exits the engine cannot pair with an operation contribute fees and
// trade count but no P&L.
func (r *Rollup) realize(ctx context.Context, tenantID string, mv *database.AuditTransaction, ops map[string]*database.Operation) (decimal.Decimal, bool, error) {
	if mv.OperationID == nil {
		r.logger.Debug().Str("exchange_order_id", mv.ExchangeOrderID).Msg("exit without operation, skipping P&L")
		return decimal.Zero, false, nil
	}

	op, seen := ops[*mv.OperationID]
	if !seen {
		var err error
		op, err = r.store.GetOperation(ctx, tenantID, *mv.OperationID)
		if errors.Is(err, database.ErrNotFound) {
			r.logger.Warn().Str("operation_id", *mv.OperationID).Msg("exit references missing operation")
			op = nil
		} else if err != nil {
			return decimal.Zero, false, fmt.Errorf("load operation %s: %w", *mv.OperationID, err)
		}
		ops[*mv.OperationID] = op
	}
	if op == nil {
		return decimal.Zero, false, nil
	}

	entry := op.AvgFillPrice
	if !entry.IsPositive() {
		entry = op.EntryPrice
	}
	pnl := mv.Price.Sub(entry).Mul(mv.Quantity)
	if exchange.Side(op.Side) == exchange.SideSell {
		pnl = pnl.Neg()
	}
	return pnl, true, nil
}

func dayStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// Stats reports loop liveness for the ops endpoint.
func (r *Rollup) Stats() map[string]any {
	r.statsMu.Lock()
	defer r.statsMu.Unlock()
	return map[string]any{
		"running":      r.IsRunning(),
		"passes":       r.passes,
		"days_summed":  r.daysSummed,
		"last_pass_at": r.lastPassAt,
	}
}
