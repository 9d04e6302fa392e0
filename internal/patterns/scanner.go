package patterns

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"trading-risk-engine/internal/database"
	"trading-risk-engine/internal/exchange"
)

// Store is the slice of the repository the scanner needs. Instance
// uniqueness and terminal-state protection live in the database; the
// scanner only reacts to what the store reports back.
type Store interface {
	InsertPatternInstance(ctx context.Context, p *database.PatternInstance) (bool, error)
	ListFormingPatterns(ctx context.Context, symbol, timeframe string) ([]*database.PatternInstance, error)
	ResolvePattern(ctx context.Context, id int64, toStatus string, confirmedBarTS *time.Time) (bool, error)
	InsertPatternAlert(ctx context.Context, a *database.PatternAlert) error
}

// AlertHandler receives each alert after it is persisted. Handlers run
// on the scan goroutine.
type AlertHandler func(ctx context.Context, alert *database.PatternAlert)

// ScannerConfig sets what the scanner watches and how often.
type ScannerConfig struct {
	Symbols    []string
	Timeframes []string
	Interval   time.Duration
	WindowSize int
}

// Scanner fetches candle windows, runs the detector suite and drives
// the pattern lifecycle. Detection on a closed bar inserts a FORMING
// instance; later bars move it to CONFIRMED or INVALIDATED, both
// terminal. Re-scanning the same window is harmless: the instance key
// (symbol, timeframe, pattern_code, detection_bar_ts) swallows
// duplicates and alerts fire only when a row actually changed.
type Scanner struct {
	store     Store
	market    exchange.MarketDataPort
	detectors []Detector
	byCode    map[string]Detector
	cfg       ScannerConfig
	logger    zerolog.Logger
	now       func() time.Time

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup

	handlerMu sync.RWMutex
	handlers  []AlertHandler

	statsMu     sync.Mutex
	scans       int64
	detected    int64
	confirmed   int64
	invalidated int64
	lastScanAt  time.Time
}

// NewScanner wires a scanner over the given detector suite.
func NewScanner(store Store, market exchange.MarketDataPort, detectors []Detector, cfg ScannerConfig, logger zerolog.Logger) *Scanner {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = 100
	}
	byCode := make(map[string]Detector, len(detectors))
	for _, d := range detectors {
		byCode[d.Code()] = d
	}
	return &Scanner{
		store:     store,
		market:    market,
		detectors: detectors,
		byCode:    byCode,
		cfg:       cfg,
		logger:    logger.With().Str("component", "pattern_scanner").Logger(),
		now:       time.Now,
	}
}

// OnAlert registers a handler for persisted alerts.
func (s *Scanner) OnAlert(h AlertHandler) {
	s.handlerMu.Lock()
	defer s.handlerMu.Unlock()
	s.handlers = append(s.handlers, h)
}

// Start launches the scan loop.
func (s *Scanner) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("pattern scanner already running")
	}
	s.running = true
	s.stopChan = make(chan struct{})
	s.wg.Add(1)
	go s.run()
	s.logger.Info().
		Strs("symbols", s.cfg.Symbols).
		Strs("timeframes", s.cfg.Timeframes).
		Dur("interval", s.cfg.Interval).
		Msg("pattern scanner started")
	return nil
}

// Stop halts the loop and waits for the scan in flight.
func (s *Scanner) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopChan)
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info().Msg("pattern scanner stopped")
}

// IsRunning reports whether the scan loop is active.
func (s *Scanner) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scanner) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.ScanOnce(context.Background())
		}
	}
}

// ScanOnce walks every (symbol, timeframe) target once. Targets fail
// independently; the first error is reported after the full walk.
func (s *Scanner) ScanOnce(ctx context.Context) error {
	var firstErr error
	for _, symbol := range s.cfg.Symbols {
		for _, timeframe := range s.cfg.Timeframes {
			if err := s.scanTarget(ctx, symbol, timeframe); err != nil {
				s.logger.Error().Err(err).
					Str("symbol", symbol).
					Str("timeframe", timeframe).
					Msg("pattern scan failed")
				if firstErr == nil {
					firstErr = err
				}
			}
		}
	}

	s.statsMu.Lock()
	s.scans++
	s.lastScanAt = s.now()
	s.statsMu.Unlock()
	return firstErr
}

func (s *Scanner) scanTarget(ctx context.Context, symbol, timeframe string) error {
	candles, err := s.market.Klines(ctx, symbol, timeframe, s.cfg.WindowSize)
	if err != nil {
		return fmt.Errorf("fetch klines: %w", err)
	}
	window := closedBars(candles, s.now())
	if len(window) == 0 {
		return nil
	}

	if err := s.resolveForming(ctx, symbol, timeframe, window); err != nil {
		return err
	}
	return s.detect(ctx, symbol, timeframe, window)
}

// closedBars drops a still-open last bar so detections always key on a
// completed bar.
func closedBars(candles []exchange.Candle, now time.Time) []exchange.Candle {
	n := len(candles)
	if n > 0 && candles[n-1].CloseTime.After(now) {
		return candles[:n-1]
	}
	return candles
}

// resolveForming drives FORMING instances to a terminal state.
// Invalidation is checked first: when one bar pierces both levels, the
// protective reading wins.
func (s *Scanner) resolveForming(ctx context.Context, symbol, timeframe string, window []exchange.Candle) error {
	forming, err := s.store.ListFormingPatterns(ctx, symbol, timeframe)
	if err != nil {
		return fmt.Errorf("list forming patterns: %w", err)
	}

	lastBarTS := window[len(window)-1].CloseTime
	for _, inst := range forming {
		det, ok := s.byCode[inst.PatternCode]
		if !ok {
			continue // detector retired; instance stays FORMING
		}

		switch {
		case det.Invalidated(inst, window):
			resolved, err := s.store.ResolvePattern(ctx, inst.ID, database.PatternStatusInvalidated, nil)
			if err != nil {
				return fmt.Errorf("invalidate pattern %d: %w", inst.ID, err)
			}
			if !resolved {
				continue
			}
			s.bumpInvalidated()
			ts := lastBarTS
			if inst.InvalidationPrice != nil {
				if bar, crossed := crossedAfter(inst, window, *inst.InvalidationPrice, inst.Direction == DirectionBearish); crossed {
					ts = bar.CloseTime
				}
			}
			if err := s.emitAlert(ctx, inst, database.AlertTypeInvalidate, levelOrZero(inst.InvalidationPrice), ts); err != nil {
				return err
			}

		case det.Confirmed(inst, window):
			ts := lastBarTS
			if bar, crossed := ConfirmingBar(inst, window); crossed {
				ts = bar.CloseTime
			}
			resolved, err := s.store.ResolvePattern(ctx, inst.ID, database.PatternStatusConfirmed, &ts)
			if err != nil {
				return fmt.Errorf("confirm pattern %d: %w", inst.ID, err)
			}
			if !resolved {
				continue
			}
			s.bumpConfirmed()
			if err := s.emitAlert(ctx, inst, database.AlertTypeConfirm, levelOrZero(inst.EntryPrice), ts); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Scanner) detect(ctx context.Context, symbol, timeframe string, window []exchange.Candle) error {
	for _, det := range s.detectors {
		for _, cand := range det.Detect(window) {
			entry := cand.Entry
			invalidation := cand.Invalidation
			target := cand.Target
			features, err := json.Marshal(cand.Features)
			if err != nil {
				return fmt.Errorf("marshal features: %w", err)
			}

			inst := &database.PatternInstance{
				Symbol:            symbol,
				Timeframe:         timeframe,
				PatternCode:       cand.PatternCode,
				Direction:         cand.Direction,
				Status:            database.PatternStatusForming,
				DetectionBarTS:    cand.BarTS,
				EntryPrice:        &entry,
				InvalidationPrice: &invalidation,
				TargetPrice:       &target,
				Confidence:        cand.Confidence,
				Features:          features,
			}
			inserted, err := s.store.InsertPatternInstance(ctx, inst)
			if err != nil {
				return fmt.Errorf("insert pattern instance: %w", err)
			}
			if !inserted {
				continue // already known from an earlier scan
			}
			s.bumpDetected()
			s.logger.Info().
				Str("symbol", symbol).
				Str("timeframe", timeframe).
				Str("pattern", cand.PatternCode).
				Str("direction", cand.Direction).
				Str("confidence", cand.Confidence).
				Time("bar_ts", cand.BarTS).
				Msg("pattern detected")
			if err := s.emitAlert(ctx, inst, database.AlertTypeDetected, entry, cand.BarTS); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Scanner) emitAlert(ctx context.Context, inst *database.PatternInstance, alertType string, price decimal.Decimal, barTS time.Time) error {
	alert := &database.PatternAlert{
		PatternInstanceID: inst.ID,
		AlertType:         alertType,
		Symbol:            inst.Symbol,
		Timeframe:         inst.Timeframe,
		PatternCode:       inst.PatternCode,
		Direction:         inst.Direction,
		Price:             price,
		BarTS:             barTS,
	}
	if err := s.store.InsertPatternAlert(ctx, alert); err != nil {
		return fmt.Errorf("insert pattern alert: %w", err)
	}

	s.handlerMu.RLock()
	handlers := make([]AlertHandler, len(s.handlers))
	copy(handlers, s.handlers)
	s.handlerMu.RUnlock()
	for _, h := range handlers {
		h(ctx, alert)
	}
	return nil
}

func levelOrZero(p *decimal.Decimal) decimal.Decimal {
	if p == nil {
		return decimal.Zero
	}
	return *p
}

func (s *Scanner) bumpDetected() {
	s.statsMu.Lock()
	s.detected++
	s.statsMu.Unlock()
}

func (s *Scanner) bumpConfirmed() {
	s.statsMu.Lock()
	s.confirmed++
	s.statsMu.Unlock()
}

func (s *Scanner) bumpInvalidated() {
	s.statsMu.Lock()
	s.invalidated++
	s.statsMu.Unlock()
}

// Stats reports scan counters for the ops endpoint.
func (s *Scanner) Stats() map[string]any {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return map[string]any{
		"running":      s.IsRunning(),
		"scans":        s.scans,
		"detected":     s.detected,
		"confirmed":    s.confirmed,
		"invalidated":  s.invalidated,
		"last_scan_at": s.lastScanAt,
	}
}
