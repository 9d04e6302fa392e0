package settlement

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"trading-risk-engine/internal/database"
)

var rollBase = time.Date(2025, 6, 12, 15, 30, 0, 0, time.UTC)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func opRef(s string) *string { return &s }

type fakeRollupStore struct {
	tenants   []string
	movements []*database.AuditTransaction
	ops       map[string]*database.Operation
	summaries map[string]*database.DailyPnLSummary
	upserts   int
}

func newFakeRollupStore() *fakeRollupStore {
	return &fakeRollupStore{
		tenants:   []string{"default"},
		ops:       make(map[string]*database.Operation),
		summaries: make(map[string]*database.DailyPnLSummary),
	}
}

func (f *fakeRollupStore) ListTenantIDs(_ context.Context) ([]string, error) {
	return f.tenants, nil
}

func (f *fakeRollupStore) ListMovementsSince(_ context.Context, tenantID string, since, until time.Time) ([]*database.AuditTransaction, error) {
	var out []*database.AuditTransaction
	for _, mv := range f.movements {
		if mv.TenantID != tenantID {
			continue
		}
		if mv.ExecutedAt.Before(since) || !mv.ExecutedAt.Before(until) {
			continue
		}
		cp := *mv
		out = append(out, &cp)
	}
	return out, nil
}

func (f *fakeRollupStore) GetOperation(_ context.Context, tenantID, operationID string) (*database.Operation, error) {
	op, ok := f.ops[operationID]
	if !ok || op.TenantID != tenantID {
		return nil, database.ErrNotFound
	}
	cp := *op
	return &cp, nil
}

func (f *fakeRollupStore) UpsertDailySummary(_ context.Context, s *database.DailyPnLSummary) error {
	f.upserts++
	cp := *s
	f.summaries[s.TenantID+"|"+s.Day.Format("2006-01-02")] = &cp
	return nil
}

func newTestRollup(store *fakeRollupStore) *Rollup {
	r := NewRollup(store, RollupConfig{}, zerolog.Nop())
	r.now = func() time.Time { return rollBase }
	return r
}

func trade(txType, orderID string, operationID *string, price, qty, fee string, at time.Time) *database.AuditTransaction {
	p, q := d(price), d(qty)
	return &database.AuditTransaction{
		TenantID:        "default",
		OperationID:     operationID,
		ExchangeOrderID: orderID,
		TransactionType: txType,
		Symbol:          "BTCUSDT",
		Side:            "SELL",
		Price:           p,
		Quantity:        q,
		TotalValue:      p.Mul(q),
		Fee:             d(fee),
		Source:          database.TxSourceEngine,
		ExecutedAt:      at,
	}
}

func TestRollupDayRealizesLongExit(t *testing.T) {
	store := newFakeRollupStore()
	store.ops["op-1"] = &database.Operation{ID: "op-1", TenantID: "default", Side: "BUY", AvgFillPrice: d("100")}
	store.movements = []*database.AuditTransaction{
		trade(database.TxTypeEntry, "1", opRef("op-1"), "100", "2", "0.1", rollBase.Add(-5*time.Hour)),
		trade(database.TxTypeStopExit, "2", opRef("op-1"), "95", "2", "0.2", rollBase.Add(-4*time.Hour)),
	}
	r := newTestRollup(store)

	s, err := r.RollupDay(context.Background(), "default", rollBase)
	if err != nil {
		t.Fatalf("RollupDay: %v", err)
	}
	if s == nil {
		t.Fatal("expected a summary")
	}
	if !s.RealizedPnL.Equal(d("-10")) {
		t.Errorf("realized = %s, want -10", s.RealizedPnL)
	}
	if !s.Fees.Equal(d("0.3")) || s.TradeCount != 2 {
		t.Errorf("fees=%s trades=%d, want 0.3/2", s.Fees, s.TradeCount)
	}
	wantDay := time.Date(2025, 6, 12, 0, 0, 0, 0, time.UTC)
	if !s.Day.Equal(wantDay) {
		t.Errorf("day = %s, want %s", s.Day, wantDay)
	}
	if store.upserts != 1 {
		t.Errorf("upserts = %d, want 1", store.upserts)
	}
}

func TestRollupDayRealizesShortCover(t *testing.T) {
	store := newFakeRollupStore()
	store.ops["op-2"] = &database.Operation{ID: "op-2", TenantID: "default", Side: "SELL", AvgFillPrice: d("100")}
	store.movements = []*database.AuditTransaction{
		trade(database.TxTypeStopExit, "3", opRef("op-2"), "90", "1", "0", rollBase.Add(-time.Hour)),
	}
	r := newTestRollup(store)

	s, err := r.RollupDay(context.Background(), "default", rollBase)
	if err != nil {
		t.Fatalf("RollupDay: %v", err)
	}
	// Short entered at 100, covered at 90.
	if !s.RealizedPnL.Equal(d("10")) {
		t.Errorf("realized = %s, want 10", s.RealizedPnL)
	}
}

func TestRollupDaySkipsFundingAndEmptyDays(t *testing.T) {
	store := newFakeRollupStore()
	store.movements = []*database.AuditTransaction{
		trade(database.TxTypeDeposit, "dep-1", nil, "1", "0.5", "0", rollBase.Add(-time.Hour)),
	}
	r := newTestRollup(store)

	s, err := r.RollupDay(context.Background(), "default", rollBase)
	if err != nil {
		t.Fatalf("RollupDay: %v", err)
	}
	if s != nil {
		t.Errorf("summary = %+v, want nil for a day without trades", s)
	}
	if store.upserts != 0 {
		t.Errorf("upserts = %d, want 0", store.upserts)
	}
}

func TestRollupDayExitWithoutOperation(t *testing.T) {
	store := newFakeRollupStore()
	store.movements = []*database.AuditTransaction{
		trade(database.TxTypeManualExit, "web-9", nil, "105", "1", "0.5", rollBase.Add(-time.Hour)),
	}
	r := newTestRollup(store)

	s, err := r.RollupDay(context.Background(), "default", rollBase)
	if err != nil {
		t.Fatalf("RollupDay: %v", err)
	}
	if !s.RealizedPnL.IsZero() {
		t.Errorf("realized = %s, want zero without an entry to price against", s.RealizedPnL)
	}
	if s.TradeCount != 1 || !s.Fees.Equal(d("0.5")) {
		t.Errorf("trades=%d fees=%s, want 1/0.5", s.TradeCount, s.Fees)
	}
}

func TestRollupDayToleratesMissingOperation(t *testing.T) {
	store := newFakeRollupStore()
	store.movements = []*database.AuditTransaction{
		trade(database.TxTypeStopExit, "4", opRef("op-gone"), "95", "1", "0.1", rollBase.Add(-time.Hour)),
	}
	r := newTestRollup(store)

	s, err := r.RollupDay(context.Background(), "default", rollBase)
	if err != nil {
		t.Fatalf("RollupDay: %v", err)
	}
	if !s.RealizedPnL.IsZero() || s.TradeCount != 1 {
		t.Errorf("realized=%s trades=%d, want 0/1", s.RealizedPnL, s.TradeCount)
	}
}

func TestRollupTenantCoversWindow(t *testing.T) {
	store := newFakeRollupStore()
	store.ops["op-1"] = &database.Operation{ID: "op-1", TenantID: "default", Side: "BUY", AvgFillPrice: d("100")}
	store.movements = []*database.AuditTransaction{
		// Yesterday: a closed long.
		trade(database.TxTypeStopExit, "5", opRef("op-1"), "95", "2", "0.2", rollBase.AddDate(0, 0, -1)),
		// Today: an entry only.
		trade(database.TxTypeEntry, "6", opRef("op-1"), "100", "1", "0.1", rollBase.Add(-time.Hour)),
		// Outside the two-day window.
		trade(database.TxTypeStopExit, "7", opRef("op-1"), "120", "1", "0.1", rollBase.AddDate(0, 0, -3)),
	}
	r := newTestRollup(store)

	written, err := r.RollupTenant(context.Background(), "default")
	if err != nil {
		t.Fatalf("RollupTenant: %v", err)
	}
	if written != 2 {
		t.Fatalf("written = %d, want 2", written)
	}

	yday := store.summaries["default|2025-06-11"]
	if yday == nil || !yday.RealizedPnL.Equal(d("-10")) {
		t.Errorf("yesterday = %+v, want realized -10", yday)
	}
	today := store.summaries["default|2025-06-12"]
	if today == nil || !today.RealizedPnL.IsZero() || today.TradeCount != 1 {
		t.Errorf("today = %+v, want zero realized with one trade", today)
	}
	if _, ok := store.summaries["default|2025-06-09"]; ok {
		t.Error("day outside the window was rolled up")
	}
}

func TestRollupStartStop(t *testing.T) {
	store := newFakeRollupStore()
	r := newTestRollup(store)

	if err := r.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := r.Start(); err == nil {
		t.Error("second Start should fail")
	}
	if !r.IsRunning() {
		t.Error("worker should report running")
	}
	r.Stop()
	if r.IsRunning() {
		t.Error("worker should report stopped")
	}

	stats := r.Stats()
	if stats["running"].(bool) {
		t.Error("stats should report stopped")
	}
	if stats["passes"].(int64) < 1 {
		t.Error("startup pass did not run")
	}
}
