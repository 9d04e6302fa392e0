package patterns

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"trading-risk-engine/internal/database"
	"trading-risk-engine/internal/intent"
)

type fakeBridgeStore struct {
	mu       sync.Mutex
	configs  []*database.StrategyPatternConfig
	triggers []*database.PatternTrigger
	nextID   int64
}

func (f *fakeBridgeStore) ListPatternConfigs(_ context.Context, symbol, timeframe, code string) ([]*database.StrategyPatternConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*database.StrategyPatternConfig
	for _, c := range f.configs {
		if c.Enabled && c.Symbol == symbol && c.Timeframe == timeframe && c.PatternCode == code {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeBridgeStore) CreatePatternTrigger(_ context.Context, t *database.PatternTrigger) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.triggers {
		if existing.TenantID == t.TenantID && existing.PatternAlertID == t.PatternAlertID {
			return database.ErrDuplicate
		}
	}
	f.nextID++
	t.ID = f.nextID
	cp := *t
	f.triggers = append(f.triggers, &cp)
	return nil
}

func (f *fakeBridgeStore) GetPatternTrigger(_ context.Context, tenantID string, alertID int64) (*database.PatternTrigger, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, tr := range f.triggers {
		if tr.TenantID == tenantID && tr.PatternAlertID == alertID {
			cp := *tr
			return &cp, nil
		}
	}
	return nil, database.ErrNotFound
}

func (f *fakeBridgeStore) SetPatternTriggerIntent(_ context.Context, id int64, intentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, tr := range f.triggers {
		if tr.ID == id {
			v := intentID
			tr.IntentID = &v
			return nil
		}
	}
	return database.ErrNotFound
}

func (f *fakeBridgeStore) MarkPatternTriggerSkipped(_ context.Context, id int64, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, tr := range f.triggers {
		if tr.ID == id {
			tr.Status = database.TriggerStatusSkipped
			tr.Reason = reason
			return nil
		}
	}
	return database.ErrNotFound
}

func (f *fakeBridgeStore) trigger(tenantID string, alertID int64) *database.PatternTrigger {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, tr := range f.triggers {
		if tr.TenantID == tenantID && tr.PatternAlertID == alertID {
			cp := *tr
			return &cp
		}
	}
	return nil
}

func (f *fakeBridgeStore) triggerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.triggers)
}

type fakeSubmitter struct {
	mu      sync.Mutex
	reqs    []intent.SubmitRequest
	respond func(req intent.SubmitRequest) (*database.TradingIntent, error)
}

func (f *fakeSubmitter) Submit(_ context.Context, req intent.SubmitRequest) (*database.TradingIntent, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()
	if f.respond != nil {
		return f.respond(req)
	}
	return &database.TradingIntent{
		ID:       "intent-1",
		TenantID: req.TenantID,
		Symbol:   req.Symbol,
		Side:     req.Side,
		Mode:     req.Mode,
		Source:   req.Source,
		Status:   database.IntentStatusValidated,
	}, nil
}

func (f *fakeSubmitter) calls() []intent.SubmitRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]intent.SubmitRequest, len(f.reqs))
	copy(out, f.reqs)
	return out
}

func newBridgeEnv() (*fakeBridgeStore, *fakeSubmitter, *Bridge) {
	store := &fakeBridgeStore{}
	sub := &fakeSubmitter{}
	b := NewBridge(store, sub, zerolog.Nop())
	b.now = func() time.Time { return patternBase.Add(4 * time.Hour) }
	return store, sub, b
}

func patternConfig(tenant string) *database.StrategyPatternConfig {
	risk := d("1.5")
	return &database.StrategyPatternConfig{
		TenantID:     tenant,
		StrategyName: "hammer-dip",
		Symbol:       "BTCUSDT",
		Timeframe:    "1h",
		PatternCode:  CodeHammer,
		EntryMode:    database.IntentModeDryRun,
		RiskPct:      &risk,
		Enabled:      true,
	}
}

func confirmAlert(id int64) *database.PatternAlert {
	return &database.PatternAlert{
		ID:                id,
		PatternInstanceID: 1,
		AlertType:         database.AlertTypeConfirm,
		Symbol:            "BTCUSDT",
		Timeframe:         "1h",
		PatternCode:       CodeHammer,
		Direction:         DirectionBullish,
		Price:             d("100.6"),
		BarTS:             patternBase.Add(3 * time.Hour),
	}
}

func TestBridgeCreatesIntentOnConfirm(t *testing.T) {
	store, sub, b := newBridgeEnv()
	store.configs = append(store.configs, patternConfig("t1"))

	b.HandleAlert(context.Background(), confirmAlert(11))

	tr := store.trigger("t1", 11)
	if tr == nil {
		t.Fatal("expected a trigger row")
	}
	if tr.Status != database.TriggerStatusCreated {
		t.Errorf("status = %s, want CREATED", tr.Status)
	}
	if tr.IntentID == nil || *tr.IntentID != "intent-1" {
		t.Errorf("intent id = %v, want intent-1", tr.IntentID)
	}

	calls := sub.calls()
	if len(calls) != 1 {
		t.Fatalf("submit calls = %d, want 1", len(calls))
	}
	req := calls[0]
	if req.Source != database.IntentSourcePattern {
		t.Errorf("source = %s, want PATTERN", req.Source)
	}
	if req.Side != "BUY" {
		t.Errorf("side = %s, want BUY for a bullish pattern", req.Side)
	}
	if req.Mode != database.IntentModeDryRun {
		t.Errorf("mode = %s, want DRY_RUN", req.Mode)
	}
	if !req.Entry.Equal(d("100.6")) {
		t.Errorf("entry = %s, want the alert price", req.Entry)
	}
	if !req.RiskPct.Equal(d("1.5")) {
		t.Errorf("risk pct = %s, want the config value", req.RiskPct)
	}
	if req.PatternAlertID == nil || *req.PatternAlertID != 11 {
		t.Errorf("pattern alert id = %v, want 11", req.PatternAlertID)
	}
	if req.PatternCode != CodeHammer {
		t.Errorf("pattern code = %s, want HAMMER", req.PatternCode)
	}
	if req.StrategyName != "hammer-dip" {
		t.Errorf("strategy = %s, want hammer-dip", req.StrategyName)
	}
	if req.TriggeredAt == nil {
		t.Error("triggered at should be set")
	}
}

func TestBridgeDuplicateResolvesToFirstIntent(t *testing.T) {
	store, sub, b := newBridgeEnv()
	cfg := patternConfig("t1")
	store.configs = append(store.configs, cfg)
	alert := confirmAlert(11)

	b.HandleAlert(context.Background(), alert)

	res, err := b.Trigger(context.Background(), cfg, alert)
	if err != nil {
		t.Fatalf("Trigger failed: %v", err)
	}
	if res.Status != database.TriggerStatusAlreadyProcessed {
		t.Errorf("status = %s, want ALREADY_PROCESSED", res.Status)
	}
	if res.IntentID != "intent-1" {
		t.Errorf("intent id = %s, want the first claim's intent", res.IntentID)
	}
	if n := len(sub.calls()); n != 1 {
		t.Errorf("submit calls = %d, want 1", n)
	}
	if n := store.triggerCount(); n != 1 {
		t.Errorf("trigger rows = %d, want 1", n)
	}
}

func TestBridgeSeparateTenantsEachClaim(t *testing.T) {
	store, sub, b := newBridgeEnv()
	store.configs = append(store.configs, patternConfig("t1"), patternConfig("t2"))

	b.HandleAlert(context.Background(), confirmAlert(11))

	if n := store.triggerCount(); n != 2 {
		t.Fatalf("trigger rows = %d, want one per tenant", n)
	}
	if n := len(sub.calls()); n != 2 {
		t.Errorf("submit calls = %d, want 2", n)
	}
}

func TestBridgeIgnoresNonConfirmAlerts(t *testing.T) {
	store, sub, b := newBridgeEnv()
	store.configs = append(store.configs, patternConfig("t1"))
	alert := confirmAlert(11)
	alert.AlertType = database.AlertTypeDetected

	b.HandleAlert(context.Background(), alert)

	if n := store.triggerCount(); n != 0 {
		t.Errorf("trigger rows = %d, want none for DETECTED", n)
	}
	if n := len(sub.calls()); n != 0 {
		t.Errorf("submit calls = %d, want none", n)
	}
}

func TestBridgeSkipsOnSubmitFailure(t *testing.T) {
	store, sub, b := newBridgeEnv()
	store.configs = append(store.configs, patternConfig("t1"))
	sub.respond = func(intent.SubmitRequest) (*database.TradingIntent, error) {
		return nil, errors.New("tenant lookup failed")
	}

	b.HandleAlert(context.Background(), confirmAlert(11))

	tr := store.trigger("t1", 11)
	if tr == nil {
		t.Fatal("expected the claim to remain")
	}
	if tr.Status != database.TriggerStatusSkipped {
		t.Errorf("status = %s, want SKIPPED", tr.Status)
	}
	if tr.Reason == "" {
		t.Error("skip reason should be recorded")
	}
	if tr.IntentID != nil {
		t.Errorf("intent id = %v, want none", tr.IntentID)
	}
}

func TestBridgeLinksRejectedIntent(t *testing.T) {
	store, _, b := newBridgeEnv()
	cfg := patternConfig("t1")
	store.configs = append(store.configs, cfg)
	sub := &fakeSubmitter{respond: func(req intent.SubmitRequest) (*database.TradingIntent, error) {
		it := &database.TradingIntent{ID: "intent-9", TenantID: req.TenantID, Status: database.IntentStatusFailed}
		return it, &intent.ValidationError{IntentID: "intent-9", Reasons: []string{"gate denied"}}
	}}
	b.intents = sub

	res, err := b.Trigger(context.Background(), cfg, confirmAlert(11))
	if err != nil {
		t.Fatalf("Trigger failed: %v", err)
	}
	if res.Status != database.TriggerStatusCreated {
		t.Errorf("status = %s, want CREATED even when validation rejects", res.Status)
	}
	if res.IntentID != "intent-9" {
		t.Errorf("intent id = %s, want intent-9", res.IntentID)
	}
	if res.Reason == "" {
		t.Error("rejection reason should surface in the result")
	}

	tr := store.trigger("t1", 11)
	if tr.IntentID == nil || *tr.IntentID != "intent-9" {
		t.Errorf("trigger intent id = %v, want intent-9 linked", tr.IntentID)
	}
}

func TestBridgeBearishAlertSells(t *testing.T) {
	store, sub, b := newBridgeEnv()
	cfg := patternConfig("t1")
	cfg.PatternCode = CodeHeadShoulders
	store.configs = append(store.configs, cfg)

	alert := confirmAlert(11)
	alert.PatternCode = CodeHeadShoulders
	alert.Direction = DirectionBearish

	b.HandleAlert(context.Background(), alert)

	calls := sub.calls()
	if len(calls) != 1 {
		t.Fatalf("submit calls = %d, want 1", len(calls))
	}
	if calls[0].Side != "SELL" {
		t.Errorf("side = %s, want SELL for a bearish pattern", calls[0].Side)
	}
}

func TestBridgeNoMatchingConfig(t *testing.T) {
	store, sub, b := newBridgeEnv()
	cfg := patternConfig("t1")
	cfg.Enabled = false
	store.configs = append(store.configs, cfg)

	b.HandleAlert(context.Background(), confirmAlert(11))

	if n := store.triggerCount(); n != 0 {
		t.Errorf("trigger rows = %d, want none when no config matches", n)
	}
	if n := len(sub.calls()); n != 0 {
		t.Errorf("submit calls = %d, want none", n)
	}
}
