package intent

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"trading-risk-engine/internal/database"
	"trading-risk-engine/internal/exchange"
	"trading-risk-engine/internal/risk"
	"trading-risk-engine/internal/technical"
)

// fakeStore is an in-memory Store with the same transition semantics as
// the database layer.
type fakeStore struct {
	intents    map[string]*database.TradingIntent
	operations map[string]*database.Operation // keyed by intent id
	movements  []*database.AuditTransaction
	monthlyPnL decimal.Decimal
	execTxErr  error
	execTxHook func(f *fakeStore) // runs once at the next commit, before checks
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		intents:    make(map[string]*database.TradingIntent),
		operations: make(map[string]*database.Operation),
	}
}

func (f *fakeStore) CreateIntent(_ context.Context, it *database.TradingIntent) error {
	if _, ok := f.intents[it.ID]; ok {
		return database.ErrDuplicate
	}
	cp := *it
	f.intents[it.ID] = &cp
	return nil
}

func (f *fakeStore) GetIntent(_ context.Context, tenantID, intentID string) (*database.TradingIntent, error) {
	it, ok := f.intents[intentID]
	if !ok || it.TenantID != tenantID {
		return nil, database.ErrNotFound
	}
	cp := *it
	return &cp, nil
}

func (f *fakeStore) ListIntentsByStatus(_ context.Context, tenantID, status string, _ int) ([]*database.TradingIntent, error) {
	var out []*database.TradingIntent
	for _, it := range f.intents {
		if it.TenantID == tenantID && it.Status == status {
			cp := *it
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeStore) ListValidatedIntentsBySymbol(_ context.Context, symbol string, _ int) ([]*database.TradingIntent, error) {
	var out []*database.TradingIntent
	for _, it := range f.intents {
		if it.Symbol == symbol && it.Status == database.IntentStatusValidated {
			cp := *it
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeStore) UpdateIntentPlan(_ context.Context, it *database.TradingIntent) error {
	cur, ok := f.intents[it.ID]
	if !ok || cur.Status != database.IntentStatusPending {
		return database.ErrNotFound
	}
	cur.Capital = it.Capital
	cur.RiskPct = it.RiskPct
	cur.RiskAmount = it.RiskAmount
	cur.EntryPrice = it.EntryPrice
	cur.StopPrice = it.StopPrice
	cur.TargetPrice = it.TargetPrice
	cur.Quantity = it.Quantity
	cur.StopMethod = it.StopMethod
	cur.Confidence = it.Confidence
	return nil
}

func (f *fakeStore) SaveIntentValidation(_ context.Context, tenantID, intentID string, passed bool, validationJSON []byte, failureReason string) error {
	it, ok := f.intents[intentID]
	if !ok {
		return database.ErrNotFound
	}
	if it.Status != database.IntentStatusPending {
		return &database.ErrInvalidTransition{Entity: "intent", From: it.Status}
	}
	it.ValidationJSON = validationJSON
	it.FailureReason = failureReason
	if passed {
		it.Status = database.IntentStatusValidated
	} else {
		it.Status = database.IntentStatusFailed
	}
	return nil
}

func (f *fakeStore) SaveDryRunExecution(_ context.Context, tenantID, intentID string, executionJSON []byte) error {
	it, ok := f.intents[intentID]
	if !ok {
		return database.ErrNotFound
	}
	it.ExecutionJSON = executionJSON
	return nil
}

func (f *fakeStore) MarkIntentFailed(_ context.Context, tenantID, intentID, reason string) error {
	it, ok := f.intents[intentID]
	if !ok {
		return database.ErrNotFound
	}
	if it.Status == database.IntentStatusExecuted || it.Status == database.IntentStatusFailed {
		return &database.ErrInvalidTransition{Entity: "intent", From: it.Status, To: database.IntentStatusFailed}
	}
	it.Status = database.IntentStatusFailed
	it.FailureReason = reason
	return nil
}

func (f *fakeStore) GetOperationByIntent(_ context.Context, tenantID, intentID string) (*database.Operation, error) {
	op, ok := f.operations[intentID]
	if !ok {
		return nil, database.ErrNotFound
	}
	cp := *op
	return &cp, nil
}

func (f *fakeStore) ExecuteIntentTx(_ context.Context, op *database.Operation, mv *database.AuditTransaction, executionJSON []byte, idempotencyKey string) error {
	if f.execTxHook != nil {
		hook := f.execTxHook
		f.execTxHook = nil
		hook(f)
	}
	if f.execTxErr != nil {
		return f.execTxErr
	}
	if _, ok := f.operations[op.IntentID]; ok {
		return database.ErrDuplicate
	}
	it, ok := f.intents[op.IntentID]
	if !ok || it.Status != database.IntentStatusValidated {
		return &database.ErrInvalidTransition{Entity: "intent", To: database.IntentStatusExecuted}
	}
	cp := *op
	f.operations[op.IntentID] = &cp
	f.movements = append(f.movements, mv)
	it.Status = database.IntentStatusExecuted
	it.ExecutionJSON = executionJSON
	it.IdempotencyKey = idempotencyKey
	at := op.OpenedAt
	it.ExecutedAt = &at
	return nil
}

func (f *fakeStore) MonthlyRealizedPnL(_ context.Context, _ string, _ time.Time) (decimal.Decimal, error) {
	return f.monthlyPnL, nil
}

type fakeTenants struct {
	cfg *database.TenantConfig
	err error
}

func (f *fakeTenants) Get(_ context.Context, _ string) (*database.TenantConfig, error) {
	if f.err != nil {
		return nil, f.err
	}
	cp := *f.cfg
	return &cp, nil
}

type fakeGate struct {
	res *risk.GateResult
}

func (f *fakeGate) Evaluate(_ context.Context, _ *database.TenantConfig, _ string) *risk.GateResult {
	if f.res != nil {
		return f.res
	}
	return &risk.GateResult{Allowed: true, EvaluatedAt: time.Now()}
}

type fakeLimiter struct {
	deny bool
	msg  string
}

func (f *fakeLimiter) Allow(_ context.Context, _ *database.TenantConfig) (bool, string, error) {
	if f.deny {
		return false, f.msg, nil
	}
	return true, "", nil
}

func liveTenantConfig() *database.TenantConfig {
	return &database.TenantConfig{
		TenantID:       "default",
		Capital:        decimal.NewFromInt(10000),
		DefaultRiskPct: decimal.RequireFromString("0.5"),
		TradingEnabled: true,
		LiveEnabled:    true,
	}
}

// flatCandles renders a window with no structure so the stop cascade
// lands on the percent fallback.
func flatCandles(n int, price decimal.Decimal, start time.Time) []exchange.Candle {
	out := make([]exchange.Candle, n)
	for i := range out {
		openTime := start.Add(time.Duration(i) * time.Hour)
		out[i] = exchange.Candle{
			OpenTime:  openTime,
			Open:      price,
			High:      price,
			Low:       price,
			Close:     price,
			Volume:    decimal.NewFromInt(100),
			CloseTime: openTime.Add(time.Hour),
		}
	}
	return out
}

type testEnv struct {
	pipeline *Pipeline
	store    *fakeStore
	tenants  *fakeTenants
	gate     *fakeGate
	limiter  *fakeLimiter
	mock     *exchange.MockExchange
	now      time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	now := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)
	env := &testEnv{
		store:   newFakeStore(),
		tenants: &fakeTenants{cfg: liveTenantConfig()},
		gate:    &fakeGate{},
		limiter: &fakeLimiter{},
		mock:    exchange.NewMockExchange(),
		now:     now,
	}
	env.mock.SetNow(func() time.Time { return now })
	env.mock.SetPrice("BTCUSDT", decimal.NewFromInt(100))
	env.mock.SetCandles("BTCUSDT", "1h", flatCandles(40, decimal.NewFromInt(100), now.Add(-40*time.Hour)))

	env.pipeline = NewPipeline(
		env.store, env.tenants, env.mock, env.mock,
		env.gate, env.limiter,
		technical.NewCalculator(technical.DefaultStopConfig()),
		risk.NewPositionSizer(risk.DefaultSizerConfig()),
		Options{}, zerolog.Nop(),
	)
	env.pipeline.now = func() time.Time { return now }
	return env
}

func TestSubmitDerivesPlan(t *testing.T) {
	env := newTestEnv(t)

	it, err := env.pipeline.Submit(context.Background(), SubmitRequest{
		TenantID: "default",
		Symbol:   "btcusdt",
		Side:     "buy",
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if it.Status != database.IntentStatusValidated {
		t.Fatalf("status = %s, want VALIDATED (reason: %s)", it.Status, it.FailureReason)
	}
	if it.Symbol != "BTCUSDT" || it.Side != "BUY" {
		t.Errorf("normalization: symbol=%s side=%s", it.Symbol, it.Side)
	}
	if it.Mode != database.IntentModeDryRun {
		t.Errorf("mode = %s, want default DRY_RUN", it.Mode)
	}

	// Entry comes from the ask side for a BUY.
	wantEntry := decimal.NewFromInt(100).Mul(decimal.RequireFromString("1.0001"))
	if !it.EntryPrice.Equal(wantEntry) {
		t.Errorf("entry = %s, want %s", it.EntryPrice, wantEntry)
	}
	// Flat candles force the percent fallback: 2% under entry.
	if it.StopMethod != string(technical.MethodPercent) {
		t.Errorf("stop method = %s, want PERCENT", it.StopMethod)
	}
	if !it.StopPrice.LessThan(it.EntryPrice) || !it.StopPrice.IsPositive() {
		t.Errorf("stop %s not below entry %s", it.StopPrice, it.EntryPrice)
	}

	// Capital and risk come from the tenant config; the risk amount
	// respects quantity * stop distance.
	if !it.Capital.Equal(decimal.NewFromInt(10000)) {
		t.Errorf("capital = %s, want 10000", it.Capital)
	}
	maxRisk := decimal.NewFromInt(50) // 0.5% of 10000
	if it.RiskAmount.GreaterThan(maxRisk.Add(decimal.RequireFromString("0.0001"))) {
		t.Errorf("risk amount %s exceeds %s", it.RiskAmount, maxRisk)
	}
	dist := it.EntryPrice.Sub(it.StopPrice).Abs()
	implied := dist.Mul(it.Quantity)
	if implied.Sub(it.RiskAmount).Abs().GreaterThan(decimal.RequireFromString("0.0001")) {
		t.Errorf("risk amount %s != distance*qty %s", it.RiskAmount, implied)
	}

	stored := env.store.intents[it.ID]
	if stored == nil || stored.Status != database.IntentStatusValidated {
		t.Error("intent not persisted in VALIDATED state")
	}
	if len(stored.ValidationJSON) == 0 {
		t.Error("validation result not persisted")
	}
}

func TestSubmitRejectsMalformed(t *testing.T) {
	env := newTestEnv(t)

	cases := []struct {
		name string
		req  SubmitRequest
	}{
		{"missing symbol", SubmitRequest{TenantID: "default", Side: "BUY"}},
		{"bad side", SubmitRequest{TenantID: "default", Symbol: "BTCUSDT", Side: "LONG"}},
		{"bad mode", SubmitRequest{TenantID: "default", Symbol: "BTCUSDT", Side: "BUY", Mode: "PAPER"}},
		{"missing tenant", SubmitRequest{Symbol: "BTCUSDT", Side: "BUY"}},
		{"pattern without alert", SubmitRequest{TenantID: "default", Symbol: "BTCUSDT", Side: "BUY", Source: "PATTERN"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.pipeline.Submit(context.Background(), tc.req)
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("err = %v, want *ValidationError", err)
			}
		})
	}
	if len(env.store.intents) != 0 {
		t.Errorf("malformed requests persisted %d intents", len(env.store.intents))
	}
}

func TestSubmitGuardFailurePersists(t *testing.T) {
	env := newTestEnv(t)

	// 2% risk violates the 1% per-position rule.
	it, err := env.pipeline.Submit(context.Background(), SubmitRequest{
		TenantID: "default",
		Symbol:   "BTCUSDT",
		Side:     "BUY",
		RiskPct:  decimal.NewFromInt(2),
	})
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("err = %v, want *ValidationError", err)
	}
	if it == nil || it.Status != database.IntentStatusFailed {
		t.Fatalf("intent status = %v, want FAILED", it)
	}

	found := false
	for _, issue := range verr.Issues {
		if issue.Code == risk.GuardRiskExceeded {
			found = true
		}
	}
	if !found {
		t.Errorf("issues %v missing %s", verr.Issues, risk.GuardRiskExceeded)
	}

	stored := env.store.intents[it.ID]
	if stored.Status != database.IntentStatusFailed {
		t.Errorf("persisted status = %s, want FAILED", stored.Status)
	}
	if len(stored.ValidationJSON) == 0 {
		t.Error("failed validation must still persist the check list")
	}
	if stored.FailureReason == "" {
		t.Error("failure reason not recorded")
	}
}

func TestSubmitGateDenial(t *testing.T) {
	env := newTestEnv(t)
	env.gate.res = &risk.GateResult{
		Allowed: false,
		Reasons: []string{"DataFreshness: market data is 400s old (limit 300s)"},
		Checks:  []risk.GateCheck{{Name: risk.GateDataFreshness, Passed: false}},
	}

	it, err := env.pipeline.Submit(context.Background(), SubmitRequest{
		TenantID: "default",
		Symbol:   "BTCUSDT",
		Side:     "BUY",
	})
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("err = %v, want *ValidationError", err)
	}
	if it.Status != database.IntentStatusFailed {
		t.Errorf("status = %s, want FAILED", it.Status)
	}
	if len(verr.Reasons) == 0 {
		t.Error("gate denial reasons not carried on the error")
	}
}

func TestSubmitPlanFailureMarksFailed(t *testing.T) {
	env := newTestEnv(t)

	// Unknown symbol: the entry price fetch fails during PLAN.
	it, err := env.pipeline.Submit(context.Background(), SubmitRequest{
		TenantID: "default",
		Symbol:   "DOGEUSDT",
		Side:     "BUY",
	})
	if err == nil {
		t.Fatal("expected plan failure for unknown symbol")
	}
	if it == nil {
		t.Fatal("plan failure must still return the persisted intent")
	}
	if it.Status != database.IntentStatusFailed {
		t.Errorf("status = %s, want FAILED", it.Status)
	}
	stored := env.store.intents[it.ID]
	if stored == nil || stored.Status != database.IntentStatusFailed {
		t.Error("plan failure not persisted")
	}
}

func TestSubmitExplicitFieldsKept(t *testing.T) {
	env := newTestEnv(t)

	entry := decimal.NewFromInt(100)
	stop := decimal.NewFromInt(98)
	qty := decimal.RequireFromString("0.5")

	it, err := env.pipeline.Submit(context.Background(), SubmitRequest{
		TenantID: "default",
		Symbol:   "BTCUSDT",
		Side:     "BUY",
		Entry:    entry,
		Stop:     stop,
		Quantity: qty,
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if !it.EntryPrice.Equal(entry) || !it.StopPrice.Equal(stop) || !it.Quantity.Equal(qty) {
		t.Errorf("explicit fields overwritten: entry=%s stop=%s qty=%s", it.EntryPrice, it.StopPrice, it.Quantity)
	}
	// risk amount and risk pct derive from the explicit quantity
	wantRisk := entry.Sub(stop).Mul(qty)
	if !it.RiskAmount.Equal(wantRisk) {
		t.Errorf("risk amount = %s, want %s", it.RiskAmount, wantRisk)
	}
	wantPct := wantRisk.Div(decimal.NewFromInt(10000)).Mul(decimal.NewFromInt(100))
	if !it.RiskPct.Equal(wantPct) {
		t.Errorf("risk pct = %s, want %s recomputed from quantity", it.RiskPct, wantPct)
	}
	if it.StopMethod != "" {
		t.Errorf("stop method = %s, want empty for caller-provided stop", it.StopMethod)
	}
}

func TestSubmitExplicitQuantityOverRisk(t *testing.T) {
	env := newTestEnv(t)

	// 100 units with a 2-point stop distance risks 200 = 2% of the 10000
	// capital; the tenant's 0.5% default risk_pct must not mask it.
	it, err := env.pipeline.Submit(context.Background(), SubmitRequest{
		TenantID: "default",
		Symbol:   "BTCUSDT",
		Side:     "BUY",
		Entry:    decimal.NewFromInt(100),
		Stop:     decimal.NewFromInt(98),
		Quantity: decimal.NewFromInt(100),
	})
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("err = %v, want *ValidationError", err)
	}
	if it.Status != database.IntentStatusFailed {
		t.Fatalf("status = %s, want FAILED for 2%% risk", it.Status)
	}
	if !it.RiskPct.Equal(decimal.NewFromInt(2)) {
		t.Errorf("risk pct = %s, want 2 recomputed from quantity", it.RiskPct)
	}
	found := false
	for _, issue := range verr.Issues {
		if issue.Code == risk.GuardRiskExceeded {
			found = true
		}
	}
	if !found {
		t.Errorf("issues %v missing %s", verr.Issues, risk.GuardRiskExceeded)
	}
}

func TestReplayPendingRevalidates(t *testing.T) {
	env := newTestEnv(t)

	// An intent persisted before a crash, never validated.
	it := &database.TradingIntent{
		ID:         "intent-1",
		TenantID:   "default",
		Symbol:     "BTCUSDT",
		Side:       "BUY",
		Mode:       database.IntentModeDryRun,
		Source:     database.IntentSourceManual,
		Status:     database.IntentStatusPending,
		Capital:    decimal.NewFromInt(10000),
		RiskPct:    decimal.RequireFromString("0.5"),
		EntryPrice: decimal.NewFromInt(100),
		StopPrice:  decimal.NewFromInt(98),
		Quantity:   decimal.NewFromInt(25), // risks 50 = 0.5% of capital
	}
	if err := env.store.CreateIntent(context.Background(), it); err != nil {
		t.Fatal(err)
	}

	n, err := env.pipeline.ReplayPending(context.Background(), "default")
	if err != nil {
		t.Fatalf("ReplayPending: %v", err)
	}
	if n != 1 {
		t.Errorf("replayed = %d, want 1", n)
	}
	if got := env.store.intents["intent-1"].Status; got != database.IntentStatusValidated {
		t.Errorf("status after replay = %s, want VALIDATED", got)
	}
}

func TestValidationErrorMessage(t *testing.T) {
	err := &ValidationError{
		IntentID: "abc",
		Issues:   []risk.GuardIssue{{Code: "risk_exceeded", Field: "risk_pct", Message: "too much"}},
		Reasons:  []string{"DataFreshness: stale"},
	}
	msg := err.Error()
	for _, want := range []string{"abc", "risk_exceeded", "DataFreshness"} {
		if !strings.Contains(msg, want) {
			t.Errorf("error %q missing %q", msg, want)
		}
	}
}
