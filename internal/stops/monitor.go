// Package stops executes protective stops exactly once, event-sourced.
//
// Every attempt to execute a stop is written to an append-only event log
// (StopEvent) and folded into a projection (StopExecution) keyed by a
// stable execution token. The token claim is a unique database insert:
// whichever feeder wins it owns the attempt, every other worker no-ops.
// No in-memory lock is authoritative for the exactly-once guarantee.
//
// The package also runs the supporting loops: the backstop poller, the
// trailing-stop worker and the outbox publisher.
package stops

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"trading-risk-engine/internal/database"
	"trading-risk-engine/internal/exchange"
)

// Store is the persistence surface of the monitor.
type Store interface {
	ListActiveOperations(ctx context.Context, tenantID string) ([]*database.Operation, error)
	TriggerStopTx(ctx context.Context, se *database.StopExecution, ev *database.StopEvent) error
	AppendStopEvent(ctx context.Context, ev *database.StopEvent) error
	ClaimStopRetry(ctx context.Context, operationID, executionToken string, expectedRetryCount int) (bool, error)
	GetStopExecution(ctx context.Context, operationID, executionToken string) (*database.StopExecution, error)
	CloseOperation(ctx context.Context, tenantID, operationID, reason string) error
	InsertMovement(ctx context.Context, mv *database.AuditTransaction) (bool, error)
}

// PriceStore is the quote cache the monitor reads and the backstop
// poller refreshes.
type PriceStore interface {
	Put(symbol string, bid, ask decimal.Decimal, at time.Time)
	Bid(ctx context.Context, symbol string) (decimal.Decimal, time.Time, bool)
	Ask(ctx context.Context, symbol string) (decimal.Decimal, time.Time, bool)
}

// TenantSource resolves tenant guardrails and engages the kill switch.
type TenantSource interface {
	Get(ctx context.Context, tenantID string) (*database.TenantConfig, error)
	EngageKillSwitch(ctx context.Context, tenantID, reason string) error
}

// BreakerRegistry is the per-(tenant, symbol) circuit breaker.
type BreakerRegistry interface {
	Allow(ctx context.Context, tenantID, symbol string) (bool, string)
	RecordFailure(ctx context.Context, tenantID, symbol, reason string)
	RecordSuccess(ctx context.Context, tenantID, symbol string)
}

// MonitorConfig tunes the monitor loops.
type MonitorConfig struct {
	PollInterval time.Duration // backstop poller cadence, default 10s
	ExecTimeout  time.Duration // exchange call budget per stop order, default 10s
}

// Monitor watches active operations and fires their stops. Price ticks
// arrive from the websocket feeder (the monitor implements the stream's
// PriceSink) and from the backstop poller; both paths converge on the
// same token claim.
type Monitor struct {
	store    Store
	prices   PriceStore
	tenants  TenantSource
	breakers BreakerRegistry
	exec     exchange.ExecutionPort
	market   exchange.MarketDataPort
	cfg      MonitorConfig
	logger   zerolog.Logger
	now      func() time.Time

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup

	// watch is the symbol -> active operations snapshot the ws path
	// evaluates against; the sweep refreshes it.
	watchMu sync.RWMutex
	watch   map[string][]*database.Operation

	// inFlight keeps one evaluation per symbol at a time on the ws path
	// so a burst of ticks cannot pile up goroutines.
	inFlightMu sync.Mutex
	inFlight   map[string]bool

	statsMu     sync.Mutex
	sweeps      int64
	lastSweepAt time.Time
	triggered   int64
	executed    int64
	failed      int64
}

var _ exchange.PriceSink = (*Monitor)(nil)

// NewMonitor wires the stop monitor.
func NewMonitor(store Store, prices PriceStore, tenants TenantSource, breakers BreakerRegistry,
	exec exchange.ExecutionPort, market exchange.MarketDataPort, cfg MonitorConfig, logger zerolog.Logger) *Monitor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if cfg.ExecTimeout <= 0 {
		cfg.ExecTimeout = 10 * time.Second
	}
	return &Monitor{
		store:    store,
		prices:   prices,
		tenants:  tenants,
		breakers: breakers,
		exec:     exec,
		market:   market,
		cfg:      cfg,
		logger:   logger.With().Str("component", "stop_monitor").Logger(),
		now:      time.Now,
		watch:    make(map[string][]*database.Operation),
		inFlight: make(map[string]bool),
	}
}

// ExecutionToken derives the stable token for one stop level of one
// operation. The same (operation, stop, direction) always hashes to the
// same token, no matter which feeder evaluates it; a moved stop gets a
// fresh token and with it a fresh execution claim.
func ExecutionToken(operationID string, stopPrice decimal.Decimal, side exchange.Side) string {
	direction := "LONG"
	if side == exchange.SideSell {
		direction = "SHORT"
	}
	sum := sha256.Sum256([]byte(operationID + "|" + stopPrice.String() + "|" + direction))
	return hex.EncodeToString(sum[:])[:32]
}

// Start launches the backstop poll loop.
func (m *Monitor) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return fmt.Errorf("stop monitor already running")
	}
	m.running = true
	m.stopChan = make(chan struct{})
	m.wg.Add(1)
	go m.run()
	m.logger.Info().Dur("poll_interval", m.cfg.PollInterval).Msg("stop monitor started")
	return nil
}

// Stop halts the poll loop and waits for in-flight work.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopChan)
	m.mu.Unlock()

	m.wg.Wait()
	m.logger.Info().Msg("stop monitor stopped")
}

// IsRunning reports whether the poll loop is active.
func (m *Monitor) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *Monitor) run() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	// Prime the watchlist before the first tick.
	m.Sweep(context.Background())

	for {
		select {
		case <-m.stopChan:
			return
		case <-ticker.C:
			m.Sweep(context.Background())
		}
	}
}

// Put implements the stream sink: it refreshes the cache and evaluates
// watched operations on the symbol. Evaluation runs detached from the
// websocket reader, one at a time per symbol. The stream outlives the
// monitor during shutdown, so ticks arriving once Stop has begun only
// refresh the cache; the running check and wg.Add share the same mutex
// as Stop, which keeps Add ordered before Wait.
func (m *Monitor) Put(symbol string, bid, ask decimal.Decimal, at time.Time) {
	m.prices.Put(symbol, bid, ask, at)

	m.watchMu.RLock()
	ops := m.watch[symbol]
	m.watchMu.RUnlock()
	if len(ops) == 0 {
		return
	}

	m.inFlightMu.Lock()
	if m.inFlight[symbol] {
		m.inFlightMu.Unlock()
		return // the running evaluation will see a fresher price soon enough
	}
	m.inFlight[symbol] = true
	m.inFlightMu.Unlock()

	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		m.inFlightMu.Lock()
		delete(m.inFlight, symbol)
		m.inFlightMu.Unlock()
		return
	}
	m.wg.Add(1)
	m.mu.Unlock()
	go func() {
		defer m.wg.Done()
		defer func() {
			m.inFlightMu.Lock()
			delete(m.inFlight, symbol)
			m.inFlightMu.Unlock()
		}()
		for _, op := range ops {
			m.Evaluate(context.Background(), op, database.StopSourceWS)
		}
	}()
}

// Sweep is one backstop pass: refresh the watchlist, backfill quotes
// the stream has not covered, evaluate everything. Also runs on demand
// after live executions so new operations are watched immediately.
func (m *Monitor) Sweep(ctx context.Context) {
	ops, err := m.store.ListActiveOperations(ctx, "")
	if err != nil {
		m.logger.Error().Err(err).Msg("failed to list active operations")
		return
	}

	watch := make(map[string][]*database.Operation, len(ops))
	for _, op := range ops {
		watch[op.Symbol] = append(watch[op.Symbol], op)
	}
	m.watchMu.Lock()
	m.watch = watch
	m.watchMu.Unlock()

	// One REST refresh per symbol whose cached quote is older than a
	// poll cycle; the stream normally keeps these fresh.
	for symbol := range watch {
		if _, at, ok := m.prices.Bid(ctx, symbol); ok && m.now().Sub(at) < m.cfg.PollInterval {
			continue
		}
		bid, err := m.market.BestBid(ctx, symbol)
		if err != nil {
			m.logger.Warn().Err(err).Str("symbol", symbol).Msg("backstop bid fetch failed")
			continue
		}
		ask, err := m.market.BestAsk(ctx, symbol)
		if err != nil {
			m.logger.Warn().Err(err).Str("symbol", symbol).Msg("backstop ask fetch failed")
			continue
		}
		m.prices.Put(symbol, bid, ask, m.now())
	}

	for _, symbolOps := range watch {
		for _, op := range symbolOps {
			m.Evaluate(ctx, op, database.StopSourceCron)
		}
	}

	m.statsMu.Lock()
	m.sweeps++
	m.lastSweepAt = m.now()
	m.statsMu.Unlock()
}

// Evaluate runs one trigger evaluation for one operation. Safe to call
// concurrently from both feeders; the token claim arbitrates.
func (m *Monitor) Evaluate(ctx context.Context, op *database.Operation, source string) {
	if op.StopPrice.LessThanOrEqual(decimal.Zero) {
		return
	}

	// A long exits by selling into the bid; a short covers at the ask.
	side := exchange.Side(op.Side)
	var (
		price decimal.Decimal
		at    time.Time
		ok    bool
	)
	if side == exchange.SideBuy {
		price, at, ok = m.prices.Bid(ctx, op.Symbol)
	} else {
		price, at, ok = m.prices.Ask(ctx, op.Symbol)
	}
	if !ok {
		return // no quote yet; the backstop will fill one in
	}

	triggered := (side == exchange.SideBuy && price.LessThanOrEqual(op.StopPrice)) ||
		(side == exchange.SideSell && price.GreaterThanOrEqual(op.StopPrice))
	if !triggered {
		return
	}

	token := ExecutionToken(op.ID, op.StopPrice, side)
	retryCount, owned := m.claim(ctx, op, token, price, at, source)
	if !owned {
		return
	}

	m.statsMu.Lock()
	m.triggered++
	m.statsMu.Unlock()

	m.logger.Warn().
		Str("operation_id", op.ID).
		Str("symbol", op.Symbol).
		Str("side", op.Side).
		Str("stop", op.StopPrice.String()).
		Str("price", price.String()).
		Str("source", source).
		Int("retry", retryCount).
		Msg("stop triggered")

	m.execute(ctx, op, token, price, at, source, retryCount)
}

// claim obtains ownership of the execution attempt for token. The
// fresh-claim path inserts the StopExecution row with STOP_TRIGGERED in
// one transaction; on conflict the projected status decides whether a
// retry claim is possible. Returns the attempt's retry count and
// whether this caller owns it.
func (m *Monitor) claim(ctx context.Context, op *database.Operation, token string, price decimal.Decimal, at time.Time, source string) (int, bool) {
	now := m.now()
	trigger := price
	se := &database.StopExecution{
		OperationID:    op.ID,
		TenantID:       op.TenantID,
		Symbol:         op.Symbol,
		ExecutionToken: token,
		Side:           op.Side,
		Quantity:       closeQuantity(op),
		StopPrice:      op.StopPrice,
		TriggerPrice:   &trigger,
		Source:         source,
		TriggeredAt:    &now,
	}
	ev := m.newEvent(op, database.StopEventTriggered, token, source, 0)
	ev.TriggerPrice = &trigger

	err := m.store.TriggerStopTx(ctx, se, ev)
	if err == nil {
		return 0, true
	}
	if !errors.Is(err, database.ErrDuplicate) {
		m.logger.Error().Err(err).Str("operation_id", op.ID).Msg("failed to claim stop trigger")
		return 0, false
	}

	// Someone holds (or held) this token. Retries re-arm only from the
	// backstop so a tick burst cannot spin the retry counter.
	if source != database.StopSourceCron {
		return 0, false
	}
	existing, err := m.store.GetStopExecution(ctx, op.ID, token)
	if err != nil {
		m.logger.Error().Err(err).Str("operation_id", op.ID).Msg("failed to load stop execution")
		return 0, false
	}
	switch existing.Status {
	case database.StopExecFailed, database.StopExecBlocked:
		// fall through to the retry claim
	default:
		return 0, false // done or owned by a live attempt
	}

	claimed, err := m.store.ClaimStopRetry(ctx, op.ID, token, existing.RetryCount)
	if err != nil {
		m.logger.Error().Err(err).Str("operation_id", op.ID).Msg("failed to claim stop retry")
		return 0, false
	}
	if !claimed {
		return 0, false
	}

	retryCount := existing.RetryCount + 1
	rev := m.newEvent(op, database.StopEventTriggered, token, source, retryCount)
	rev.TriggerPrice = &trigger
	if err := m.store.AppendStopEvent(ctx, rev); err != nil {
		m.logger.Error().Err(err).Str("operation_id", op.ID).Msg("failed to append retry trigger event")
	}
	return retryCount, true
}

// execute runs the guard chain and the order for an owned attempt.
func (m *Monitor) execute(ctx context.Context, op *database.Operation, token string, price decimal.Decimal, at time.Time, source string, retryCount int) {
	trigger := price

	cfg, err := m.tenants.Get(ctx, op.TenantID)
	if err != nil {
		m.appendGuardEvent(ctx, op, database.StopEventFailed, token, source, retryCount, &trigger,
			fmt.Sprintf("tenant config unavailable: %v", err))
		m.recordFailure(ctx, op, fmt.Sprintf("tenant config unavailable: %v", err))
		return
	}

	// Guard 1: stale price. A stop fired off an old quote is worse than
	// waiting one cycle for a fresh one.
	maxAge := time.Duration(cfg.MaxDataAgeSeconds) * time.Second
	if maxAge > 0 {
		if age := m.now().Sub(at); age > maxAge {
			m.appendGuardEvent(ctx, op, database.StopEventStalePrice, token, source, retryCount, &trigger,
				fmt.Sprintf("price is %s old (limit %s)", age.Truncate(time.Second), maxAge))
			return
		}
	}

	// Guard 2: kill switch.
	if !cfg.TradingEnabled {
		reason := "trading disabled"
		if cfg.KillSwitchReason != "" {
			reason = fmt.Sprintf("trading disabled: %s", cfg.KillSwitchReason)
		}
		m.appendGuardEvent(ctx, op, database.StopEventKillSwitch, token, source, retryCount, &trigger, reason)
		return
	}

	// Guard 3: circuit breaker.
	if allowed, reason := m.breakers.Allow(ctx, op.TenantID, op.Symbol); !allowed {
		m.appendGuardEvent(ctx, op, database.StopEventCircuitBreaker, token, source, retryCount, &trigger, reason)
		return
	}

	sub := m.newEvent(op, database.StopEventSubmitted, token, source, retryCount)
	sub.TriggerPrice = &trigger
	if err := m.store.AppendStopEvent(ctx, sub); err != nil {
		m.logger.Error().Err(err).Str("operation_id", op.ID).Msg("failed to append submission event")
		return
	}

	closeSide := exchange.Side(op.Side).Opposite()
	qty := closeQuantity(op)
	clientOrderID := fmt.Sprintf("rs-%s-%d", token[:26], retryCount)

	octx, cancel := context.WithTimeout(ctx, m.cfg.ExecTimeout)
	order, err := m.exec.PlaceMarketOrder(octx, op.Symbol, closeSide, qty, clientOrderID)
	cancel()
	if err != nil {
		msg := fmt.Sprintf("stop order failed: %v", err)
		fail := m.newEvent(op, database.StopEventFailed, token, source, retryCount)
		fail.TriggerPrice = &trigger
		fail.ErrorMessage = msg
		if aerr := m.store.AppendStopEvent(ctx, fail); aerr != nil {
			m.logger.Error().Err(aerr).Str("operation_id", op.ID).Msg("failed to append failure event")
		}
		m.recordFailure(ctx, op, msg)
		m.logger.Error().Err(err).
			Str("operation_id", op.ID).
			Str("symbol", op.Symbol).
			Int("retry", retryCount).
			Bool("transient", exchange.IsTransient(err)).
			Msg("stop execution failed")
		return
	}

	m.settle(ctx, op, cfg, token, source, retryCount, trigger, order)
}

// settle applies the post-fill policy: record the fill, flag slippage
// breaches, engage the kill switch past the pause threshold, and always
// finish a successful execution with the terminal EXECUTED event.
func (m *Monitor) settle(ctx context.Context, op *database.Operation, cfg *database.TenantConfig,
	token, source string, retryCount int, trigger decimal.Decimal, order *exchange.OrderResult) {
	fill := order.AvgFillPrice()
	slippage := fill.Sub(op.StopPrice).Abs().Div(op.StopPrice).Mul(decimal.NewFromInt(100))
	orderID := strconv.FormatInt(order.OrderID, 10)

	if cfg.MaxSlippagePct.IsPositive() && slippage.GreaterThan(cfg.MaxSlippagePct) {
		breach := m.newEvent(op, database.StopEventSlippageBreach, token, source, retryCount)
		breach.TriggerPrice = &trigger
		breach.FillPrice = &fill
		breach.SlippagePct = &slippage
		breach.ExchangeOrderID = orderID
		breach.ErrorMessage = fmt.Sprintf("slippage %s%% exceeds max %s%%", slippage.StringFixed(2), cfg.MaxSlippagePct)
		if err := m.store.AppendStopEvent(ctx, breach); err != nil {
			m.logger.Error().Err(err).Str("operation_id", op.ID).Msg("failed to append slippage breach")
		}

		if cfg.SlippagePausePct.IsPositive() && slippage.GreaterThan(cfg.SlippagePausePct) {
			reason := fmt.Sprintf("slippage %s%% on %s breached pause threshold %s%%",
				slippage.StringFixed(2), op.Symbol, cfg.SlippagePausePct)
			if err := m.tenants.EngageKillSwitch(ctx, op.TenantID, reason); err != nil {
				m.logger.Error().Err(err).Str("tenant_id", op.TenantID).Msg("failed to engage kill switch")
			}
			ks := m.newEvent(op, database.StopEventKillSwitch, token, source, retryCount)
			ks.FillPrice = &fill
			ks.SlippagePct = &slippage
			ks.ExchangeOrderID = orderID
			ks.ErrorMessage = reason
			if err := m.store.AppendStopEvent(ctx, ks); err != nil {
				m.logger.Error().Err(err).Str("operation_id", op.ID).Msg("failed to append kill switch event")
			}
			m.logger.Error().
				Str("tenant_id", op.TenantID).
				Str("symbol", op.Symbol).
				Str("slippage_pct", slippage.StringFixed(2)).
				Msg("kill switch engaged on slippage")
		}
	}

	// EXECUTED is always the last event of a successful execution.
	done := m.newEvent(op, database.StopEventExecuted, token, source, retryCount)
	done.TriggerPrice = &trigger
	done.FillPrice = &fill
	done.SlippagePct = &slippage
	done.ExchangeOrderID = orderID
	if err := m.store.AppendStopEvent(ctx, done); err != nil {
		m.logger.Error().Err(err).Str("operation_id", op.ID).Msg("failed to append executed event")
		return
	}

	m.breakers.RecordSuccess(ctx, op.TenantID, op.Symbol)

	if _, err := m.store.InsertMovement(ctx, stopExitMovement(op, order, m.now())); err != nil {
		m.logger.Error().Err(err).Str("operation_id", op.ID).Msg("failed to record stop exit movement")
	}

	if err := m.store.CloseOperation(ctx, op.TenantID, op.ID, "stop_executed"); err != nil {
		m.logger.Error().Err(err).Str("operation_id", op.ID).Msg("failed to close operation")
	}

	m.removeFromWatch(op)
	m.statsMu.Lock()
	m.executed++
	m.statsMu.Unlock()

	m.logger.Info().
		Str("operation_id", op.ID).
		Str("symbol", op.Symbol).
		Str("stop", op.StopPrice.String()).
		Str("fill", fill.String()).
		Str("slippage_pct", slippage.StringFixed(4)).
		Str("order_id", orderID).
		Int("retry", retryCount).
		Msg("stop executed")
}

// appendGuardEvent writes one guard refusal to the log.
func (m *Monitor) appendGuardEvent(ctx context.Context, op *database.Operation, eventType, token, source string,
	retryCount int, trigger *decimal.Decimal, msg string) {
	ev := m.newEvent(op, eventType, token, source, retryCount)
	ev.TriggerPrice = trigger
	ev.ErrorMessage = msg
	if err := m.store.AppendStopEvent(ctx, ev); err != nil {
		m.logger.Error().Err(err).Str("operation_id", op.ID).Str("event_type", eventType).
			Msg("failed to append guard event")
		return
	}
	m.logger.Warn().
		Str("operation_id", op.ID).
		Str("symbol", op.Symbol).
		Str("event_type", eventType).
		Str("reason", msg).
		Msg("stop execution blocked")
}

func (m *Monitor) recordFailure(ctx context.Context, op *database.Operation, reason string) {
	m.breakers.RecordFailure(ctx, op.TenantID, op.Symbol, reason)
	m.statsMu.Lock()
	m.failed++
	m.statsMu.Unlock()
}

func (m *Monitor) newEvent(op *database.Operation, eventType, token, source string, retryCount int) *database.StopEvent {
	return &database.StopEvent{
		EventID:        uuid.NewString(),
		OperationID:    op.ID,
		TenantID:       op.TenantID,
		Symbol:         op.Symbol,
		EventType:      eventType,
		ExecutionToken: token,
		Side:           op.Side,
		Quantity:       closeQuantity(op),
		StopPrice:      op.StopPrice,
		Source:         source,
		RetryCount:     retryCount,
		OccurredAt:     m.now(),
	}
}

func (m *Monitor) removeFromWatch(op *database.Operation) {
	m.watchMu.Lock()
	defer m.watchMu.Unlock()
	ops := m.watch[op.Symbol]
	for i, o := range ops {
		if o.ID == op.ID {
			m.watch[op.Symbol] = append(ops[:i], ops[i+1:]...)
			break
		}
	}
}

// Stats reports loop liveness for the ops endpoint.
func (m *Monitor) Stats() map[string]any {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	m.watchMu.RLock()
	watched := 0
	for _, ops := range m.watch {
		watched += len(ops)
	}
	m.watchMu.RUnlock()
	return map[string]any{
		"running":       m.IsRunning(),
		"sweeps":        m.sweeps,
		"last_sweep_at": m.lastSweepAt,
		"watched":       watched,
		"triggered":     m.triggered,
		"executed":      m.executed,
		"failed":        m.failed,
	}
}

// closeQuantity is what actually needs closing: the filled quantity
// when known, the planned quantity otherwise.
func closeQuantity(op *database.Operation) decimal.Decimal {
	if op.FilledQuantity.IsPositive() {
		return op.FilledQuantity
	}
	return op.Quantity
}

// stopExitMovement builds the audit row for a stop exit fill.
func stopExitMovement(op *database.Operation, order *exchange.OrderResult, at time.Time) *database.AuditTransaction {
	raw, _ := json.Marshal(order)
	opID := op.ID
	stop := op.StopPrice
	mv := &database.AuditTransaction{
		TenantID:        op.TenantID,
		OperationID:     &opID,
		ExchangeOrderID: strconv.FormatInt(order.OrderID, 10),
		TransactionType: database.TxTypeStopExit,
		Symbol:          op.Symbol,
		Side:            string(order.Side),
		Price:           order.AvgFillPrice(),
		Quantity:        order.ExecutedQty,
		TotalValue:      order.AvgFillPrice().Mul(order.ExecutedQty),
		Fee:             order.TotalCommission(),
		StopPrice:       &stop,
		RawResponse:     raw,
		Source:          database.TxSourceEngine,
		ExecutedAt:      at,
	}
	if len(order.Fills) > 0 {
		mv.FeeAsset = order.Fills[0].CommissionAsset
	}
	return mv
}
