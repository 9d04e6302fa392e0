package stops

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"trading-risk-engine/internal/bus"
	"trading-risk-engine/internal/database"
)

// OutboxStore is the outbox slice of the database.
type OutboxStore interface {
	FetchUnpublishedOutbox(ctx context.Context, limit int) ([]*database.OutboxEntry, error)
	MarkOutboxPublished(ctx context.Context, id int64) error
	RecordOutboxError(ctx context.Context, id int64, errMsg string) error
}

// OutboxPublisher drains the transactional outbox to the message bus.
// Rows are fetched in event_seq order and a failed publish ends the
// pass, so a later event never overtakes an earlier one on the wire.
// Delivery is at-least-once: a crash between Publish and the published
// mark replays the row next pass.
type OutboxPublisher struct {
	store     OutboxStore
	bus       bus.Publisher
	interval  time.Duration
	batchSize int
	logger    zerolog.Logger

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup

	statsMu   sync.Mutex
	published int64
	errors    int64
	lastRunAt time.Time
}

// NewOutboxPublisher wires the publisher worker.
func NewOutboxPublisher(store OutboxStore, publisher bus.Publisher, interval time.Duration, batchSize int, logger zerolog.Logger) *OutboxPublisher {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 200
	}
	return &OutboxPublisher{
		store:     store,
		bus:       publisher,
		interval:  interval,
		batchSize: batchSize,
		logger:    logger.With().Str("component", "outbox_publisher").Logger(),
	}
}

// Start launches the drain loop.
func (p *OutboxPublisher) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return fmt.Errorf("outbox publisher already running")
	}
	p.running = true
	p.stopChan = make(chan struct{})
	p.wg.Add(1)
	go p.run()
	p.logger.Info().Dur("interval", p.interval).Int("batch_size", p.batchSize).Msg("outbox publisher started")
	return nil
}

// Stop halts the loop and waits for the pass in flight.
func (p *OutboxPublisher) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopChan)
	p.mu.Unlock()

	p.wg.Wait()
	p.logger.Info().Msg("outbox publisher stopped")
}

// IsRunning reports whether the drain loop is active.
func (p *OutboxPublisher) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *OutboxPublisher) run() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopChan:
			return
		case <-ticker.C:
			if _, err := p.Drain(context.Background()); err != nil {
				p.logger.Error().Err(err).Msg("outbox drain failed")
			}
		}
	}
}

// Drain publishes one batch and returns how many rows went out.
func (p *OutboxPublisher) Drain(ctx context.Context) (int, error) {
	entries, err := p.store.FetchUnpublishedOutbox(ctx, p.batchSize)
	if err != nil {
		return 0, fmt.Errorf("fetch outbox: %w", err)
	}

	sent := 0
	for _, entry := range entries {
		if err := p.bus.Publish(ctx, entry.RoutingKey, entry.Payload); err != nil {
			p.statsMu.Lock()
			p.errors++
			p.statsMu.Unlock()
			if rerr := p.store.RecordOutboxError(ctx, entry.ID, err.Error()); rerr != nil {
				p.logger.Error().Err(rerr).Int64("outbox_id", entry.ID).Msg("failed to record outbox error")
			}
			p.logger.Warn().Err(err).
				Int64("outbox_id", entry.ID).
				Str("routing_key", entry.RoutingKey).
				Int("retry_count", entry.RetryCount).
				Msg("publish failed, pass aborted")
			break
		}
		if err := p.store.MarkOutboxPublished(ctx, entry.ID); err != nil {
			// The event went out but the mark failed; it will go out
			// again next pass. Subscribers must tolerate duplicates.
			p.logger.Error().Err(err).Int64("outbox_id", entry.ID).Msg("failed to mark outbox published")
			break
		}
		sent++
	}

	p.statsMu.Lock()
	p.published += int64(sent)
	p.lastRunAt = time.Now()
	p.statsMu.Unlock()

	if sent > 0 {
		p.logger.Debug().Int("published", sent).Msg("outbox drained")
	}
	return sent, nil
}

// Stats reports loop liveness for the ops endpoint.
func (p *OutboxPublisher) Stats() map[string]any {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	return map[string]any{
		"running":     p.IsRunning(),
		"published":   p.published,
		"errors":      p.errors,
		"last_run_at": p.lastRunAt,
	}
}
