// Package engine assembles the trading core behind one command facade.
// The HTTP layer (out of scope here) and the ops server talk to the
// Engine; the Engine talks to the pipeline, gate, scanner and projector
// and supervises the background workers.
package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"trading-risk-engine/internal/database"
	"trading-risk-engine/internal/intent"
	"trading-risk-engine/internal/portfolio"
	"trading-risk-engine/internal/risk"
)

const (
	defaultOperationsLimit = 50
	maxOperationsLimit     = 500
)

// Store is the persistence surface of the facade.
type Store interface {
	GetIntent(ctx context.Context, tenantID, intentID string) (*database.TradingIntent, error)
	GetOperation(ctx context.Context, tenantID, operationID string) (*database.Operation, error)
	CancelOperation(ctx context.Context, tenantID, operationID, reason string) error
	ListOperationsWithMovements(ctx context.Context, tenantID string, limit int) ([]*database.OperationWithMovements, error)
	ListTenantIDs(ctx context.Context) ([]string, error)
}

// TenantSource resolves per-tenant risk configuration.
type TenantSource interface {
	Get(ctx context.Context, tenantID string) (*database.TenantConfig, error)
}

// IntentService is the slice of the pipeline the facade forwards to.
type IntentService interface {
	Submit(ctx context.Context, req intent.SubmitRequest) (*database.TradingIntent, error)
	Execute(ctx context.Context, tenantID, intentID, mode string) (*intent.ExecutionResult, error)
	ReplayPending(ctx context.Context, tenantID string) (int, error)
}

// GateEvaluator runs the entry gate battery.
type GateEvaluator interface {
	Evaluate(ctx context.Context, cfg *database.TenantConfig, symbol string) *risk.GateResult
}

// PatternScanner runs one detection pass on demand.
type PatternScanner interface {
	ScanOnce(ctx context.Context) error
}

// PortfolioProjector recomputes BTC-valued account state.
type PortfolioProjector interface {
	Recompute(ctx context.Context, tenantID string) (*portfolio.Snapshot, error)
}

// Deps carries everything the facade fronts.
type Deps struct {
	Store     Store
	Tenants   TenantSource
	Intents   IntentService
	Gate      GateEvaluator
	Scanner   PatternScanner
	Projector PortfolioProjector
	Logger    zerolog.Logger
}

// Engine is the command surface of the trading core.
type Engine struct {
	store     Store
	tenants   TenantSource
	intents   IntentService
	gate      GateEvaluator
	scanner   PatternScanner
	projector PortfolioProjector
	logger    zerolog.Logger

	mu      sync.Mutex
	workers []namedWorker
}

// New wires the facade.
func New(d Deps) *Engine {
	return &Engine{
		store:     d.Store,
		tenants:   d.Tenants,
		intents:   d.Intents,
		gate:      d.Gate,
		scanner:   d.Scanner,
		projector: d.Projector,
		logger:    d.Logger.With().Str("component", "engine").Logger(),
	}
}

// SubmitIntent plans and validates one trading intent.
func (e *Engine) SubmitIntent(ctx context.Context, req intent.SubmitRequest) (*database.TradingIntent, error) {
	return e.intents.Submit(ctx, req)
}

// GetIntent fetches one intent.
func (e *Engine) GetIntent(ctx context.Context, tenantID, intentID string) (*database.TradingIntent, error) {
	return e.store.GetIntent(ctx, tenantID, intentID)
}

// ExecuteIntent runs a validated intent through dry-run or live
// execution.
func (e *Engine) ExecuteIntent(ctx context.Context, tenantID, intentID, mode string) (*intent.ExecutionResult, error) {
	return e.intents.Execute(ctx, tenantID, intentID, mode)
}

// CancelOperation transitions PLANNED/ACTIVE -> CANCELLED and returns
// the operation in its cancelled state. Terminal operations surface
// *database.ErrInvalidTransition with the allowed sources.
func (e *Engine) CancelOperation(ctx context.Context, tenantID, operationID, reason string) (*database.Operation, error) {
	if err := e.store.CancelOperation(ctx, tenantID, operationID, reason); err != nil {
		return nil, err
	}
	op, err := e.store.GetOperation(ctx, tenantID, operationID)
	if err != nil {
		return nil, err
	}
	e.logger.Info().
		Str("tenant_id", tenantID).
		Str("operation_id", operationID).
		Str("reason", reason).
		Msg("operation cancelled")
	return op, nil
}

// ListOperationsWithMovements returns a tenant's operations with their
// audit trails, newest first. Limit defaults to 50 and caps at 500.
func (e *Engine) ListOperationsWithMovements(ctx context.Context, tenantID string, limit int) ([]*database.OperationWithMovements, error) {
	if limit <= 0 {
		limit = defaultOperationsLimit
	}
	if limit > maxOperationsLimit {
		limit = maxOperationsLimit
	}
	return e.store.ListOperationsWithMovements(ctx, tenantID, limit)
}

// EvaluateEntryGate runs the gate battery for a tenant and symbol
// without submitting anything.
func (e *Engine) EvaluateEntryGate(ctx context.Context, tenantID, symbol string) (*risk.GateResult, error) {
	cfg, err := e.tenants.Get(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("resolve tenant %s: %w", tenantID, err)
	}
	return e.gate.Evaluate(ctx, cfg, symbol), nil
}

// ScanPatterns runs one pattern detection pass across the configured
// watchlist.
func (e *Engine) ScanPatterns(ctx context.Context) error {
	return e.scanner.ScanOnce(ctx)
}

// RecomputePortfolio projects the tenant's BTC-valued account state.
func (e *Engine) RecomputePortfolio(ctx context.Context, tenantID string) (*portfolio.Snapshot, error) {
	return e.projector.Recompute(ctx, tenantID)
}

// ReplayPending pushes every tenant's PENDING intents back through
// validation. Runs once at startup, before the workers come up, so
// intents stranded by a crash resume their lifecycle.
func (e *Engine) ReplayPending(ctx context.Context) (int, error) {
	tenants, err := e.store.ListTenantIDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("list tenants: %w", err)
	}

	total := 0
	var firstErr error
	for _, tenantID := range tenants {
		n, err := e.intents.ReplayPending(ctx, tenantID)
		if err != nil {
			e.logger.Error().Err(err).Str("tenant_id", tenantID).Msg("pending replay failed")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		total += n
	}
	if total > 0 {
		e.logger.Info().Int("replayed", total).Msg("pending intents replayed")
	}
	return total, firstErr
}
