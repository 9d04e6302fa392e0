package exchange

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// PriceSink receives best bid/ask updates from the market stream.
// The stop monitor implements this and writes through to the price
// cache.
type PriceSink interface {
	Put(symbol string, bid, ask decimal.Decimal, at time.Time)
}

// BookTickerStream subscribes to the combined bookTicker stream for a
// fixed set of symbols and forwards every tick to the sink. It
// reconnects on its own until Stop is called.
type BookTickerStream struct {
	mu sync.RWMutex

	symbols    []string
	sink       PriceSink
	baseURL    string
	conn       *websocket.Conn
	isRunning  bool
	stopChan   chan struct{}
	wg         sync.WaitGroup
	reconnects int
	lastTick   time.Time
	tickCount  int64

	logger zerolog.Logger
}

type bookTickerEnvelope struct {
	Stream string         `json:"stream"`
	Data   bookTickerData `json:"data"`
}

type bookTickerData struct {
	UpdateID int64  `json:"u"`
	Symbol   string `json:"s"`
	BidPrice string `json:"b"`
	BidQty   string `json:"B"`
	AskPrice string `json:"a"`
	AskQty   string `json:"A"`
}

// NewBookTickerStream creates a stream for the given symbols. Symbols
// are normalized to upper case; the subscription path uses lower case.
func NewBookTickerStream(symbols []string, testnet bool, sink PriceSink, logger zerolog.Logger) *BookTickerStream {
	baseURL := "wss://stream.binance.com:9443"
	if testnet {
		baseURL = "wss://testnet.binance.vision"
	}
	normalized := make([]string, 0, len(symbols))
	for _, s := range symbols {
		normalized = append(normalized, strings.ToUpper(s))
	}
	return &BookTickerStream{
		symbols:  normalized,
		sink:     sink,
		baseURL:  baseURL,
		stopChan: make(chan struct{}),
		logger:   logger.With().Str("component", "book_ticker_stream").Logger(),
	}
}

// Start launches the connection loop. Safe to call once.
func (s *BookTickerStream) Start() error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return nil
	}
	if len(s.symbols) == 0 {
		s.mu.Unlock()
		return &Error{Op: "stream_start", Message: "no symbols to subscribe"}
	}
	s.isRunning = true
	s.stopChan = make(chan struct{})
	s.mu.Unlock()

	s.wg.Add(1)
	go s.connectLoop()

	s.logger.Info().Strs("symbols", s.symbols).Msg("Book ticker stream started")
	return nil
}

// Stop closes the connection and waits for the loop to exit.
func (s *BookTickerStream) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	close(s.stopChan)
	if s.conn != nil {
		s.conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info().Msg("Book ticker stream stopped")
}

// IsRunning reports whether the stream loop is active.
func (s *BookTickerStream) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

func (s *BookTickerStream) streamURL() string {
	parts := make([]string, 0, len(s.symbols))
	for _, sym := range s.symbols {
		parts = append(parts, strings.ToLower(sym)+"@bookTicker")
	}
	return s.baseURL + "/stream?streams=" + strings.Join(parts, "/")
}

func (s *BookTickerStream) connectLoop() {
	defer s.wg.Done()

	wsURL := s.streamURL()
	for {
		select {
		case <-s.stopChan:
			return
		default:
		}

		s.logger.Debug().Str("url", wsURL).Msg("Connecting to book ticker stream")

		conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
		if err != nil {
			s.logger.Warn().Err(err).Msg("Stream connection failed, retrying in 5s")
			s.mu.Lock()
			s.reconnects++
			s.mu.Unlock()
			if !s.sleepOrStop(5 * time.Second) {
				return
			}
			continue
		}

		s.mu.Lock()
		s.conn = conn
		s.mu.Unlock()

		s.logger.Info().Int("symbols", len(s.symbols)).Msg("Book ticker stream connected")

		s.readLoop(conn)

		select {
		case <-s.stopChan:
			return
		default:
		}

		s.logger.Warn().Msg("Stream connection lost, reconnecting in 3s")
		s.mu.Lock()
		s.reconnects++
		s.mu.Unlock()
		if !s.sleepOrStop(3 * time.Second) {
			return
		}
	}
}

func (s *BookTickerStream) sleepOrStop(d time.Duration) bool {
	select {
	case <-s.stopChan:
		return false
	case <-time.After(d):
		return true
	}
}

func (s *BookTickerStream) readLoop(conn *websocket.Conn) {
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug().Msg("Stream closed normally")
			} else {
				s.logger.Warn().Err(err).Msg("Stream read error")
			}
			return
		}
		s.handleMessage(message)
	}
}

func (s *BookTickerStream) handleMessage(message []byte) {
	var env bookTickerEnvelope
	if err := json.Unmarshal(message, &env); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to parse stream message")
		return
	}
	if env.Data.Symbol == "" {
		return
	}

	bid, err := decimal.NewFromString(env.Data.BidPrice)
	if err != nil {
		s.logger.Warn().Str("symbol", env.Data.Symbol).Str("bid", env.Data.BidPrice).Msg("Bad bid price in tick")
		return
	}
	ask, err := decimal.NewFromString(env.Data.AskPrice)
	if err != nil {
		s.logger.Warn().Str("symbol", env.Data.Symbol).Str("ask", env.Data.AskPrice).Msg("Bad ask price in tick")
		return
	}

	now := time.Now()
	s.sink.Put(env.Data.Symbol, bid, ask, now)

	s.mu.Lock()
	s.lastTick = now
	s.tickCount++
	s.mu.Unlock()
}

// Stats returns stream statistics for the ops endpoint.
func (s *BookTickerStream) Stats() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return map[string]any{
		"running":    s.isRunning,
		"symbols":    len(s.symbols),
		"reconnects": s.reconnects,
		"ticks":      s.tickCount,
		"last_tick":  s.lastTick.Format(time.RFC3339),
	}
}
