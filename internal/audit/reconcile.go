package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"trading-risk-engine/internal/database"
	"trading-risk-engine/internal/exchange"
)

// SweepStore is the repository slice the reconciliation sweep reads and
// writes.
type SweepStore interface {
	ListTenantIDs(ctx context.Context) ([]string, error)
	ListOperationSymbols(ctx context.Context, tenantID string, since time.Time) ([]string, error)
	LatestMovementTime(ctx context.Context, tenantID, symbol string) (time.Time, error)
	MovementExistsForOrder(ctx context.Context, exchangeOrderID string) (bool, error)
	FindOperationByEntryOrder(ctx context.Context, exchangeOrderID string) (*database.Operation, error)
	FindStopExecutionByOrder(ctx context.Context, exchangeOrderID string) (*database.StopExecution, error)
	InsertMovement(ctx context.Context, mv *database.AuditTransaction) (bool, error)
}

// OrphanRecoverer replays the lost commit of an engine-placed order
// that has no local Operation. The intent pipeline implements it.
type OrphanRecoverer interface {
	RecoverOrphan(ctx context.Context, order *exchange.OrderResult) (string, bool, error)
}

// SweeperConfig tunes the reconciliation sweep.
type SweeperConfig struct {
	// Interval between sweeps.
	Interval time.Duration
	// Lookback bounds the history read for a symbol with no recorded
	// movements yet.
	Lookback time.Duration
	// Overlap is re-read past the newest recorded movement so an order
	// that filled while the previous sweep ran is not missed.
	Overlap time.Duration
	// SymbolWindow bounds how far back closed-position symbols are
	// still swept. Symbols with open positions are always swept.
	SymbolWindow time.Duration
}

// Sweeper closes the window between "the exchange accepted an order"
// and "the local transaction recorded it". Each pass reads exchange
// order history per traded symbol and backfills movements for orders
// the log does not know: entries and stop exits are matched to their
// operation, engine orders without an operation are replayed through
// the intent pipeline, and everything else lands as a manual exit.
// The unique (exchange_order_id, transaction_type) key makes re-reads
// harmless.
type Sweeper struct {
	store    SweepStore
	history  exchange.HistoryPort
	recovery OrphanRecoverer
	cfg      SweeperConfig
	logger   zerolog.Logger
	now      func() time.Time

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup

	statsMu     sync.Mutex
	sweeps      int64
	inserted    int64
	recovered   int64
	lastSweepAt time.Time
}

// NewSweeper wires the reconciliation sweep. recovery may be nil; then
// orphan engine orders are recorded as manual exits instead of being
// replayed.
func NewSweeper(store SweepStore, history exchange.HistoryPort, recovery OrphanRecoverer, cfg SweeperConfig, logger zerolog.Logger) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = 24 * time.Hour
	}
	if cfg.Overlap <= 0 {
		cfg.Overlap = time.Minute
	}
	if cfg.SymbolWindow <= 0 {
		cfg.SymbolWindow = 7 * 24 * time.Hour
	}
	return &Sweeper{
		store:    store,
		history:  history,
		recovery: recovery,
		cfg:      cfg,
		logger:   logger.With().Str("component", "reconciliation").Logger(),
		now:      time.Now,
	}
}

// Start launches the sweep loop.
func (s *Sweeper) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("reconciliation sweeper already running")
	}
	s.running = true
	s.stopChan = make(chan struct{})
	s.wg.Add(1)
	go s.run()
	s.logger.Info().Dur("interval", s.cfg.Interval).Msg("reconciliation sweeper started")
	return nil
}

// Stop halts the loop and waits for the sweep in flight.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopChan)
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info().Msg("reconciliation sweeper stopped")
}

// IsRunning reports whether the sweep loop is active.
func (s *Sweeper) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Sweeper) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			if _, err := s.Sweep(context.Background()); err != nil {
				s.logger.Error().Err(err).Msg("reconciliation sweep failed")
			}
		}
	}
}

// Sweep runs one reconciliation pass over every tenant and returns how
// many movements were backfilled or recovered. Per-symbol failures are
// logged and do not stop the pass; the first one is returned.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	tenants, err := s.store.ListTenantIDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("list tenants: %w", err)
	}

	total := 0
	var firstErr error
	for _, tenantID := range tenants {
		symbols, err := s.store.ListOperationSymbols(ctx, tenantID, s.now().Add(-s.cfg.SymbolWindow))
		if err != nil {
			s.logger.Error().Err(err).Str("tenant_id", tenantID).Msg("failed to list swept symbols")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		for _, symbol := range symbols {
			n, err := s.sweepSymbol(ctx, tenantID, symbol)
			total += n
			if err != nil {
				s.logger.Error().Err(err).
					Str("tenant_id", tenantID).
					Str("symbol", symbol).
					Msg("symbol sweep failed")
				if firstErr == nil {
					firstErr = err
				}
			}
		}
	}

	s.statsMu.Lock()
	s.sweeps++
	s.lastSweepAt = s.now()
	s.statsMu.Unlock()

	if total > 0 {
		s.logger.Info().Int("backfilled", total).Msg("reconciliation sweep recovered movements")
	}
	return total, firstErr
}

func (s *Sweeper) sweepSymbol(ctx context.Context, tenantID, symbol string) (int, error) {
	since, err := s.sinceFor(ctx, tenantID, symbol)
	if err != nil {
		return 0, err
	}

	orders, err := s.history.ListOrders(ctx, symbol, since)
	if err != nil {
		return 0, fmt.Errorf("list orders for %s: %w", symbol, err)
	}

	count := 0
	for i := range orders {
		order := &orders[i]
		if !order.ExecutedQty.IsPositive() {
			continue
		}
		n, err := s.reconcileOrder(ctx, tenantID, order)
		if err != nil {
			return count, err
		}
		count += n
	}
	return count, nil
}

// sinceFor picks the history read bound: just before the newest known
// movement, or the full lookback when the symbol has none.
func (s *Sweeper) sinceFor(ctx context.Context, tenantID, symbol string) (time.Time, error) {
	latest, err := s.store.LatestMovementTime(ctx, tenantID, symbol)
	if err != nil {
		return time.Time{}, fmt.Errorf("latest movement time: %w", err)
	}
	if latest.IsZero() {
		return s.now().Add(-s.cfg.Lookback), nil
	}
	return latest.Add(-s.cfg.Overlap), nil
}

// reconcileOrder classifies one history row and backfills whatever the
// log is missing for it. Returns 1 when a movement was written or an
// operation was recovered.
func (s *Sweeper) reconcileOrder(ctx context.Context, tenantID string, order *exchange.OrderResult) (int, error) {
	orderID := strconv.FormatInt(order.OrderID, 10)

	known, err := s.store.MovementExistsForOrder(ctx, orderID)
	if err != nil {
		return 0, fmt.Errorf("check movement for order %s: %w", orderID, err)
	}
	if known {
		return 0, nil
	}

	// Entry orders belong to the operation they opened.
	op, err := s.store.FindOperationByEntryOrder(ctx, orderID)
	if err == nil {
		inserted, ierr := s.backfill(ctx, order, op.TenantID, &op.ID, database.TxTypeEntry)
		return inserted, ierr
	}
	if !errors.Is(err, database.ErrNotFound) {
		return 0, fmt.Errorf("match order %s to operation: %w", orderID, err)
	}

	// Stop exits belong to the execution that placed them.
	se, err := s.store.FindStopExecutionByOrder(ctx, orderID)
	if err == nil {
		opID := se.OperationID
		inserted, ierr := s.backfill(ctx, order, se.TenantID, &opID, database.TxTypeStopExit)
		return inserted, ierr
	}
	if !errors.Is(err, database.ErrNotFound) {
		return 0, fmt.Errorf("match order %s to stop execution: %w", orderID, err)
	}

	// An engine-prefixed order with no operation means the commit was
	// lost after placement; replay it through the pipeline.
	if s.recovery != nil {
		opID, recovered, err := s.recovery.RecoverOrphan(ctx, order)
		if err != nil {
			return 0, fmt.Errorf("recover orphan order %s: %w", orderID, err)
		}
		if recovered {
			s.statsMu.Lock()
			s.recovered++
			s.statsMu.Unlock()
			s.logger.Warn().
				Str("symbol", order.Symbol).
				Str("exchange_order_id", orderID).
				Str("operation_id", opID).
				Msg("orphan engine order recovered")
			return 1, nil
		}
	}

	// Everything else was placed outside the engine. When several
	// tenants trade one symbol the first sweep to reach the order
	// claims it; entry and stop rows above are matched exactly.
	inserted, err := s.backfill(ctx, order, tenantID, nil, database.TxTypeManualExit)
	return inserted, err
}

// backfill writes the movement for a history row. Returns 1 only when
// the insert landed; a concurrent writer may have beaten us to it.
func (s *Sweeper) backfill(ctx context.Context, order *exchange.OrderResult, tenantID string, operationID *string, txType string) (int, error) {
	mv := movementFromOrder(order, tenantID, operationID, txType)
	if mv.ExecutedAt.IsZero() {
		mv.ExecutedAt = s.now().UTC()
	}

	inserted, err := s.store.InsertMovement(ctx, mv)
	if err != nil {
		return 0, fmt.Errorf("backfill movement for order %s: %w", mv.ExchangeOrderID, err)
	}
	if !inserted {
		return 0, nil
	}

	s.statsMu.Lock()
	s.inserted++
	s.statsMu.Unlock()
	s.logger.Warn().
		Str("tenant_id", tenantID).
		Str("symbol", order.Symbol).
		Str("exchange_order_id", mv.ExchangeOrderID).
		Str("type", txType).
		Str("quantity", mv.Quantity.String()).
		Msg("movement backfilled from exchange history")
	return 1, nil
}

// movementFromOrder maps a history row onto the audit schema.
func movementFromOrder(order *exchange.OrderResult, tenantID string, operationID *string, txType string) *database.AuditTransaction {
	raw, _ := json.Marshal(order)
	price := order.AvgFillPrice()
	total := order.QuoteQty
	if !total.IsPositive() {
		total = price.Mul(order.ExecutedQty)
	}
	mv := &database.AuditTransaction{
		TenantID:        tenantID,
		OperationID:     operationID,
		ExchangeOrderID: strconv.FormatInt(order.OrderID, 10),
		TransactionType: txType,
		Symbol:          order.Symbol,
		Side:            string(order.Side),
		Price:           price,
		Quantity:        order.ExecutedQty,
		TotalValue:      total,
		Fee:             order.TotalCommission(),
		RawResponse:     raw,
		Source:          database.TxSourceExchangeSync,
		ExecutedAt:      order.TransactTime,
	}
	if len(order.Fills) > 0 {
		mv.FeeAsset = order.Fills[0].CommissionAsset
	}
	return mv
}

// Stats reports sweep liveness for the ops endpoint.
func (s *Sweeper) Stats() map[string]any {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return map[string]any{
		"running":       s.IsRunning(),
		"sweeps":        s.sweeps,
		"backfilled":    s.inserted,
		"recovered":     s.recovered,
		"last_sweep_at": s.lastSweepAt,
	}
}
