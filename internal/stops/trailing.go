package stops

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"trading-risk-engine/internal/database"
	"trading-risk-engine/internal/exchange"
	"trading-risk-engine/internal/risk"
)

// TrailingStore is the persistence surface of the trailing worker.
type TrailingStore interface {
	ListActiveOperations(ctx context.Context, tenantID string) ([]*database.Operation, error)
	UpdateOperationStop(ctx context.Context, tenantID, operationID string, newStop decimal.Decimal, fromStep, toStep int) (bool, error)
}

// TrailingWorker walks active operations on a ticker and tightens their
// stops along the risk-span ladder. The database step check keeps
// concurrent adjusters from applying the same step twice; the tightened
// stop hashes to a fresh execution token, so the monitor picks it up
// with a clean claim.
type TrailingWorker struct {
	store    TrailingStore
	prices   PriceStore
	calc     *risk.TrailingCalculator
	interval time.Duration
	logger   zerolog.Logger
	now      func() time.Time

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup

	// lastToken dedupes adjustment submissions within the same second.
	tokenMu   sync.Mutex
	lastToken map[string]string

	statsMu    sync.Mutex
	passes     int64
	adjusted   int64
	lastPassAt time.Time
}

// NewTrailingWorker wires the trailing worker.
func NewTrailingWorker(store TrailingStore, prices PriceStore, calc *risk.TrailingCalculator, interval time.Duration, logger zerolog.Logger) *TrailingWorker {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &TrailingWorker{
		store:     store,
		prices:    prices,
		calc:      calc,
		interval:  interval,
		logger:    logger.With().Str("component", "trailing_worker").Logger(),
		now:       time.Now,
		lastToken: make(map[string]string),
	}
}

// Start launches the adjustment loop.
func (w *TrailingWorker) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return fmt.Errorf("trailing worker already running")
	}
	w.running = true
	w.stopChan = make(chan struct{})
	w.wg.Add(1)
	go w.run()
	w.logger.Info().Dur("interval", w.interval).Msg("trailing worker started")
	return nil
}

// Stop halts the loop and waits for the pass in flight.
func (w *TrailingWorker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	close(w.stopChan)
	w.mu.Unlock()

	w.wg.Wait()
	w.logger.Info().Msg("trailing worker stopped")
}

// IsRunning reports whether the adjustment loop is active.
func (w *TrailingWorker) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *TrailingWorker) run() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopChan:
			return
		case <-ticker.C:
			w.Pass(context.Background())
		}
	}
}

// Pass evaluates every active operation once and returns how many stops
// moved.
func (w *TrailingWorker) Pass(ctx context.Context) int {
	ops, err := w.store.ListActiveOperations(ctx, "")
	if err != nil {
		w.logger.Error().Err(err).Msg("failed to list active operations")
		return 0
	}

	moved := 0
	for _, op := range ops {
		if w.adjust(ctx, op) {
			moved++
		}
	}

	w.statsMu.Lock()
	w.passes++
	w.adjusted += int64(moved)
	w.lastPassAt = w.now()
	w.statsMu.Unlock()

	if moved > 0 {
		w.logger.Info().Int("adjusted", moved).Int("active", len(ops)).Msg("trailing pass applied adjustments")
	}
	return moved
}

func (w *TrailingWorker) adjust(ctx context.Context, op *database.Operation) bool {
	if op.InitialStopPrice.LessThanOrEqual(decimal.Zero) {
		return false
	}

	// Trail off the exit-relevant side, same as the monitor: a long
	// would sell into the bid, a short covers at the ask.
	side := exchange.Side(op.Side)
	var (
		price decimal.Decimal
		ok    bool
	)
	if side == exchange.SideBuy {
		price, _, ok = w.prices.Bid(ctx, op.Symbol)
	} else {
		price, _, ok = w.prices.Ask(ctx, op.Symbol)
	}
	if !ok {
		return false
	}

	adj := w.calc.Evaluate(risk.TrailingState{
		PositionID:   op.ID,
		Side:         side,
		EntryPrice:   op.EntryPrice,
		InitialStop:  op.InitialStopPrice,
		CurrentStop:  op.StopPrice,
		CurrentPrice: price,
	}, w.now())
	if adj.Reason == risk.ReasonNoAdjustment {
		return false
	}
	if adj.StepIndex <= op.TrailingStep {
		return false // this rung is already applied
	}

	w.tokenMu.Lock()
	if w.lastToken[op.ID] == adj.AdjustmentToken {
		w.tokenMu.Unlock()
		return false
	}
	w.lastToken[op.ID] = adj.AdjustmentToken
	w.tokenMu.Unlock()

	applied, err := w.store.UpdateOperationStop(ctx, op.TenantID, op.ID, adj.NewStop, op.TrailingStep, adj.StepIndex)
	if err != nil {
		w.logger.Error().Err(err).Str("operation_id", op.ID).Msg("failed to update stop")
		return false
	}
	if !applied {
		return false // another adjuster won the step
	}

	w.logger.Info().
		Str("operation_id", op.ID).
		Str("symbol", op.Symbol).
		Str("reason", adj.Reason).
		Int("step", adj.StepIndex).
		Str("old_stop", adj.OldStop.String()).
		Str("new_stop", adj.NewStop.String()).
		Str("price", price.String()).
		Msg("trailing stop tightened")
	return true
}

// Stats reports loop liveness for the ops endpoint.
func (w *TrailingWorker) Stats() map[string]any {
	w.statsMu.Lock()
	defer w.statsMu.Unlock()
	return map[string]any{
		"running":      w.IsRunning(),
		"passes":       w.passes,
		"adjusted":     w.adjusted,
		"last_pass_at": w.lastPassAt,
	}
}
