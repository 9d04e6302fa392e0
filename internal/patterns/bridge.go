package patterns

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"trading-risk-engine/internal/database"
	"trading-risk-engine/internal/intent"
)

// BridgeStore is the trigger persistence surface. The unique key
// (tenant_id, pattern_alert_id) makes the claim the arbiter: whoever
// inserts the row owns the alert for that tenant.
type BridgeStore interface {
	ListPatternConfigs(ctx context.Context, symbol, timeframe, patternCode string) ([]*database.StrategyPatternConfig, error)
	CreatePatternTrigger(ctx context.Context, t *database.PatternTrigger) error
	GetPatternTrigger(ctx context.Context, tenantID string, patternAlertID int64) (*database.PatternTrigger, error)
	SetPatternTriggerIntent(ctx context.Context, id int64, intentID string) error
	MarkPatternTriggerSkipped(ctx context.Context, id int64, reason string) error
}

// IntentSubmitter is the slice of the intent pipeline the bridge drives.
type IntentSubmitter interface {
	Submit(ctx context.Context, req intent.SubmitRequest) (*database.TradingIntent, error)
}

// TriggerResult is the outcome of one (config, alert) pairing.
type TriggerResult struct {
	TenantID string
	Status   string // CREATED, ALREADY_PROCESSED or SKIPPED
	IntentID string
	Reason   string
}

// Bridge turns CONFIRM alerts into trading intents, at most once per
// (tenant, alert). Everything it spawns goes through the full intent
// pipeline; live execution of pattern intents is refused there, so the
// bridge never needs its own trading guards.
type Bridge struct {
	store   BridgeStore
	intents IntentSubmitter
	logger  zerolog.Logger
	now     func() time.Time

	statsMu    sync.Mutex
	handled    int64
	created    int64
	duplicates int64
	skipped    int64
}

// NewBridge wires the pattern-to-intent bridge.
func NewBridge(store BridgeStore, intents IntentSubmitter, logger zerolog.Logger) *Bridge {
	return &Bridge{
		store:   store,
		intents: intents,
		logger:  logger.With().Str("component", "pattern_bridge").Logger(),
		now:     time.Now,
	}
}

// HandleAlert is the scanner-facing entry point. Only CONFIRM alerts
// spawn intents; DETECTED and INVALIDATE are informational.
func (b *Bridge) HandleAlert(ctx context.Context, alert *database.PatternAlert) {
	if alert.AlertType != database.AlertTypeConfirm {
		return
	}

	b.statsMu.Lock()
	b.handled++
	b.statsMu.Unlock()

	configs, err := b.store.ListPatternConfigs(ctx, alert.Symbol, alert.Timeframe, alert.PatternCode)
	if err != nil {
		b.logger.Error().Err(err).
			Str("symbol", alert.Symbol).
			Str("pattern", alert.PatternCode).
			Msg("failed to load pattern configs")
		return
	}

	for _, cfg := range configs {
		res, err := b.Trigger(ctx, cfg, alert)
		if err != nil {
			b.logger.Error().Err(err).
				Str("tenant_id", cfg.TenantID).
				Int64("alert_id", alert.ID).
				Msg("pattern trigger failed")
			continue
		}
		b.bump(res.Status)
		evt := b.logger.Info().
			Str("tenant_id", res.TenantID).
			Int64("alert_id", alert.ID).
			Str("pattern", alert.PatternCode).
			Str("status", res.Status)
		if res.IntentID != "" {
			evt = evt.Str("intent_id", res.IntentID)
		}
		if res.Reason != "" {
			evt = evt.Str("reason", res.Reason)
		}
		evt.Msg("pattern trigger processed")
	}
}

// Trigger claims the alert for one tenant and submits the intent. A
// duplicate claim resolves to the intent the first claim produced.
func (b *Bridge) Trigger(ctx context.Context, cfg *database.StrategyPatternConfig, alert *database.PatternAlert) (*TriggerResult, error) {
	claim := &database.PatternTrigger{
		TenantID:       cfg.TenantID,
		PatternAlertID: alert.ID,
		Status:         database.TriggerStatusCreated,
	}
	err := b.store.CreatePatternTrigger(ctx, claim)
	if errors.Is(err, database.ErrDuplicate) {
		existing, gerr := b.store.GetPatternTrigger(ctx, cfg.TenantID, alert.ID)
		if gerr != nil {
			return nil, gerr
		}
		res := &TriggerResult{TenantID: cfg.TenantID, Status: database.TriggerStatusAlreadyProcessed}
		if existing.IntentID != nil {
			res.IntentID = *existing.IntentID
		}
		return res, nil
	}
	if err != nil {
		return nil, err
	}

	triggeredAt := b.now().UTC()
	req := intent.SubmitRequest{
		TenantID:       cfg.TenantID,
		Symbol:         alert.Symbol,
		Side:           sideForDirection(alert.Direction),
		Mode:           cfg.EntryMode,
		Source:         database.IntentSourcePattern,
		StrategyName:   cfg.StrategyName,
		Timeframe:      alert.Timeframe,
		Entry:          alert.Price,
		PatternCode:    alert.PatternCode,
		PatternAlertID: &alert.ID,
		TriggeredAt:    &triggeredAt,
	}
	if cfg.RiskPct != nil {
		req.RiskPct = *cfg.RiskPct
	}

	it, serr := b.intents.Submit(ctx, req)
	if it == nil {
		// Nothing was persisted; record the skip so the claim tells
		// the whole story.
		reason := "intent submission failed"
		if serr != nil {
			reason = serr.Error()
		}
		if merr := b.store.MarkPatternTriggerSkipped(ctx, claim.ID, reason); merr != nil {
			return nil, merr
		}
		return &TriggerResult{TenantID: cfg.TenantID, Status: database.TriggerStatusSkipped, Reason: reason}, nil
	}

	// The intent exists even when validation rejected it; link it either
	// way so the trigger resolves to something inspectable.
	if lerr := b.store.SetPatternTriggerIntent(ctx, claim.ID, it.ID); lerr != nil {
		return nil, lerr
	}
	res := &TriggerResult{TenantID: cfg.TenantID, Status: database.TriggerStatusCreated, IntentID: it.ID}
	if serr != nil {
		res.Reason = serr.Error()
	}
	return res, nil
}

func sideForDirection(direction string) string {
	if direction == DirectionBearish {
		return "SELL"
	}
	return "BUY"
}

func (b *Bridge) bump(status string) {
	b.statsMu.Lock()
	defer b.statsMu.Unlock()
	switch status {
	case database.TriggerStatusCreated:
		b.created++
	case database.TriggerStatusAlreadyProcessed:
		b.duplicates++
	case database.TriggerStatusSkipped:
		b.skipped++
	}
}

// Stats reports bridge counters for the ops endpoint.
func (b *Bridge) Stats() map[string]any {
	b.statsMu.Lock()
	defer b.statsMu.Unlock()
	return map[string]any{
		"handled":    b.handled,
		"created":    b.created,
		"duplicates": b.duplicates,
		"skipped":    b.skipped,
	}
}
