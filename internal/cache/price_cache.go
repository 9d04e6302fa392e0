// Package cache provides the shared last-price store. The book ticker
// stream writes into it and the stop monitor, entry gate and portfolio
// valuation read from it. Redis keeps prices shared across restarts;
// when Redis is unavailable the cache degrades to in-memory only so
// monitoring continues without interruption.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const (
	// priceKeyPrefix is the Redis key prefix for per-symbol quotes.
	// Format: riskengine:price:{symbol}
	priceKeyPrefix = "riskengine:price"

	// priceTTL bounds how long a quote survives in Redis. Stale quotes
	// are rejected by the freshness gate anyway; the TTL just keeps the
	// keyspace clean.
	priceTTL = 1 * time.Hour
)

// Quote is one best bid/ask observation.
type Quote struct {
	Symbol string          `json:"symbol"`
	Bid    decimal.Decimal `json:"bid"`
	Ask    decimal.Decimal `json:"ask"`
	At     time.Time       `json:"at"`
}

// PriceCache stores the latest quote per symbol with Redis write-behind
// and an in-memory fallback when Redis is down.
type PriceCache struct {
	client *redis.Client

	mu     sync.RWMutex
	quotes map[string]Quote

	redisAvailable atomic.Bool
	logger         zerolog.Logger
	now            func() time.Time
}

// NewPriceCache builds the cache. A nil client means memory-only mode.
func NewPriceCache(client *redis.Client, logger zerolog.Logger) *PriceCache {
	c := &PriceCache{
		client: client,
		quotes: make(map[string]Quote),
		logger: logger.With().Str("component", "price_cache").Logger(),
		now:    time.Now,
	}
	if client != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			c.logger.Warn().Err(err).Msg("Redis unavailable at startup, using in-memory cache")
			c.redisAvailable.Store(false)
		} else {
			c.logger.Info().Msg("Redis connected")
			c.redisAvailable.Store(true)
		}
	} else {
		c.logger.Info().Msg("No Redis client configured, using in-memory cache only")
		c.redisAvailable.Store(false)
	}
	return c
}

func (c *PriceCache) priceKey(symbol string) string {
	return fmt.Sprintf("%s:%s", priceKeyPrefix, symbol)
}

// Put records a quote. The in-memory map is always updated; Redis
// failures demote the cache to memory-only without surfacing an error,
// the stream must never stall on storage.
func (c *PriceCache) Put(symbol string, bid, ask decimal.Decimal, at time.Time) {
	q := Quote{Symbol: symbol, Bid: bid, Ask: ask, At: at}

	c.mu.Lock()
	c.quotes[symbol] = q
	c.mu.Unlock()

	if c.client == nil || !c.redisAvailable.Load() {
		return
	}

	data, err := json.Marshal(q)
	if err != nil {
		c.logger.Error().Err(err).Str("symbol", symbol).Msg("Failed to marshal quote")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	if err := c.client.Set(ctx, c.priceKey(symbol), data, priceTTL).Err(); err != nil {
		c.logger.Warn().Err(err).Msg("Redis write failed, degrading to in-memory cache")
		c.redisAvailable.Store(false)
	}
}

// Get returns the latest quote for symbol. Memory is the fast path;
// Redis fills misses after a restart.
func (c *PriceCache) Get(ctx context.Context, symbol string) (Quote, bool) {
	c.mu.RLock()
	q, ok := c.quotes[symbol]
	c.mu.RUnlock()
	if ok {
		return q, true
	}

	if c.client == nil || !c.redisAvailable.Load() {
		return Quote{}, false
	}

	data, err := c.client.Get(ctx, c.priceKey(symbol)).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn().Err(err).Msg("Redis read failed, degrading to in-memory cache")
			c.redisAvailable.Store(false)
		}
		return Quote{}, false
	}

	if err := json.Unmarshal([]byte(data), &q); err != nil {
		c.logger.Error().Err(err).Str("symbol", symbol).Msg("Corrupt quote in Redis")
		return Quote{}, false
	}

	c.mu.Lock()
	if _, exists := c.quotes[symbol]; !exists {
		c.quotes[symbol] = q
	}
	c.mu.Unlock()
	return q, true
}

// Bid returns the latest best bid.
func (c *PriceCache) Bid(ctx context.Context, symbol string) (decimal.Decimal, time.Time, bool) {
	q, ok := c.Get(ctx, symbol)
	if !ok {
		return decimal.Zero, time.Time{}, false
	}
	return q.Bid, q.At, true
}

// Ask returns the latest best ask.
func (c *PriceCache) Ask(ctx context.Context, symbol string) (decimal.Decimal, time.Time, bool) {
	q, ok := c.Get(ctx, symbol)
	if !ok {
		return decimal.Zero, time.Time{}, false
	}
	return q.Ask, q.At, true
}

// LastUpdate reports when the symbol's quote was last refreshed. The
// exchange adapter consults this for data freshness checks.
func (c *PriceCache) LastUpdate(symbol string) (time.Time, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	q, ok := c.quotes[symbol]
	if !ok {
		return time.Time{}, false
	}
	return q.At, true
}

// CheckRedisConnection pings Redis and updates availability. Called
// periodically so a recovered Redis is picked back up.
func (c *PriceCache) CheckRedisConnection(ctx context.Context) error {
	if c.client == nil {
		return fmt.Errorf("no Redis client configured")
	}
	if err := c.client.Ping(ctx).Err(); err != nil {
		c.redisAvailable.Store(false)
		return fmt.Errorf("redis ping failed: %w", err)
	}
	if !c.redisAvailable.Swap(true) {
		c.logger.Info().Msg("Redis connection recovered")
	}
	return nil
}

// Stats returns cache statistics for the ops endpoint.
func (c *PriceCache) Stats() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return map[string]any{
		"redis_available": c.redisAvailable.Load(),
		"symbols_cached":  len(c.quotes),
	}
}
