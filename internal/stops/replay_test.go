package stops

import (
	"testing"
	"time"

	"trading-risk-engine/internal/database"
	"trading-risk-engine/internal/exchange"
)

var replayBase = time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)

func logEvent(seq int64, eventType, token string, mut func(*database.StopEvent)) *database.StopEvent {
	trigger := d("94.9")
	ev := &database.StopEvent{
		EventID:        "ev-" + token[:8],
		EventSeq:       seq,
		OperationID:    "op-1",
		TenantID:       "t1",
		Symbol:         "BTCUSDT",
		EventType:      eventType,
		ExecutionToken: token,
		Side:           "BUY",
		Quantity:       d("0.5"),
		StopPrice:      d("95"),
		TriggerPrice:   &trigger,
		Source:         database.StopSourceWS,
		OccurredAt:     replayBase.Add(time.Duration(seq) * time.Second),
	}
	if mut != nil {
		mut(ev)
	}
	return ev
}

func TestReplayHappyChain(t *testing.T) {
	token := ExecutionToken("op-1", d("95"), exchange.SideBuy)
	fill := d("94.85")
	slip := d("0.16")
	events := []*database.StopEvent{
		logEvent(1, database.StopEventTriggered, token, nil),
		logEvent(2, database.StopEventSubmitted, token, nil),
		logEvent(3, database.StopEventExecuted, token, func(ev *database.StopEvent) {
			ev.FillPrice = &fill
			ev.SlippagePct = &slip
			ev.ExchangeOrderID = "7"
		}),
	}

	se := Replay(events)[token]
	if se == nil {
		t.Fatal("replay produced no projection")
	}
	if se.Status != database.StopExecExecuted {
		t.Fatalf("status = %s, want EXECUTED", se.Status)
	}
	if se.FillPrice == nil || !se.FillPrice.Equal(fill) {
		t.Fatalf("fill = %v, want %s", se.FillPrice, fill)
	}
	if se.ExchangeOrderID != "7" {
		t.Fatalf("order id = %q, want 7", se.ExchangeOrderID)
	}
	if se.TriggeredAt == nil || se.SubmittedAt == nil || se.ExecutedAt == nil {
		t.Fatalf("lifecycle timestamps missing: %+v", se)
	}
	if se.ErrorMessage != "" {
		t.Fatalf("error = %q, want empty", se.ErrorMessage)
	}
}

func TestReplayFailureThenRetry(t *testing.T) {
	token := ExecutionToken("op-1", d("95"), exchange.SideBuy)
	fill := d("94.8")
	events := []*database.StopEvent{
		logEvent(1, database.StopEventTriggered, token, nil),
		logEvent(2, database.StopEventSubmitted, token, nil),
		logEvent(3, database.StopEventFailed, token, func(ev *database.StopEvent) {
			ev.ErrorMessage = "insufficient balance"
		}),
		logEvent(4, database.StopEventTriggered, token, func(ev *database.StopEvent) { ev.RetryCount = 1 }),
		logEvent(5, database.StopEventSubmitted, token, func(ev *database.StopEvent) { ev.RetryCount = 1 }),
		logEvent(6, database.StopEventExecuted, token, func(ev *database.StopEvent) {
			ev.RetryCount = 1
			ev.FillPrice = &fill
		}),
	}

	// The full log lands on EXECUTED with the failure wiped.
	se := Replay(events)[token]
	if se.Status != database.StopExecExecuted {
		t.Fatalf("status = %s, want EXECUTED", se.Status)
	}
	if se.RetryCount != 1 {
		t.Fatalf("retry count = %d, want 1", se.RetryCount)
	}
	if se.ErrorMessage != "" {
		t.Fatalf("error = %q, want cleared after success", se.ErrorMessage)
	}

	// A prefix of the log reconstructs the intermediate state.
	mid := Replay(events[:3])[token]
	if mid.Status != database.StopExecFailed {
		t.Fatalf("prefix status = %s, want FAILED", mid.Status)
	}
	if mid.ErrorMessage != "insufficient balance" {
		t.Fatalf("prefix error = %q", mid.ErrorMessage)
	}
	if mid.FailedAt == nil {
		t.Fatal("prefix missing failed_at")
	}
}

func TestReplayGuardEventsBlock(t *testing.T) {
	cases := []struct {
		name      string
		eventType string
	}{
		{"stale price", database.StopEventStalePrice},
		{"kill switch", database.StopEventKillSwitch},
		{"circuit breaker", database.StopEventCircuitBreaker},
		{"generic block", database.StopEventBlocked},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			token := ExecutionToken("op-1", d("95"), exchange.SideBuy)
			events := []*database.StopEvent{
				logEvent(1, database.StopEventTriggered, token, nil),
				logEvent(2, tc.eventType, token, func(ev *database.StopEvent) {
					ev.ErrorMessage = "held back"
				}),
			}
			se := Replay(events)[token]
			if se.Status != database.StopExecBlocked {
				t.Fatalf("status = %s, want BLOCKED", se.Status)
			}
			if se.ErrorMessage != "held back" {
				t.Fatalf("error = %q", se.ErrorMessage)
			}
		})
	}
}

func TestReplayExecutedIsFinal(t *testing.T) {
	token := ExecutionToken("op-1", d("95"), exchange.SideBuy)
	fill := d("94.85")
	events := []*database.StopEvent{
		logEvent(1, database.StopEventTriggered, token, nil),
		logEvent(2, database.StopEventSubmitted, token, nil),
		logEvent(3, database.StopEventExecuted, token, func(ev *database.StopEvent) { ev.FillPrice = &fill }),
		logEvent(4, database.StopEventFailed, token, func(ev *database.StopEvent) { ev.ErrorMessage = "late failure" }),
		logEvent(5, database.StopEventKillSwitch, token, func(ev *database.StopEvent) { ev.ErrorMessage = "late block" }),
		logEvent(6, database.StopEventTriggered, token, func(ev *database.StopEvent) { ev.RetryCount = 9 }),
	}

	se := Replay(events)[token]
	if se.Status != database.StopExecExecuted {
		t.Fatalf("status = %s, EXECUTED must be final", se.Status)
	}
	if se.ErrorMessage != "" {
		t.Fatalf("error = %q, late events must not dirty a final row", se.ErrorMessage)
	}
	if se.RetryCount != 0 {
		t.Fatalf("retry count = %d, late trigger must not advance a final row", se.RetryCount)
	}
}

func TestReplayFailedResistsBlocks(t *testing.T) {
	token := ExecutionToken("op-1", d("95"), exchange.SideBuy)
	events := []*database.StopEvent{
		logEvent(1, database.StopEventTriggered, token, nil),
		logEvent(2, database.StopEventSubmitted, token, nil),
		logEvent(3, database.StopEventFailed, token, func(ev *database.StopEvent) { ev.ErrorMessage = "boom" }),
		logEvent(4, database.StopEventStalePrice, token, func(ev *database.StopEvent) { ev.ErrorMessage = "stale" }),
	}

	se := Replay(events)[token]
	if se.Status != database.StopExecFailed {
		t.Fatalf("status = %s, a guard event must not overwrite FAILED", se.Status)
	}
	if se.ErrorMessage != "boom" {
		t.Fatalf("error = %q, want the failure kept", se.ErrorMessage)
	}
}

func TestReplaySlippageBreachRecordsFillBeforeTerminal(t *testing.T) {
	token := ExecutionToken("op-1", d("95"), exchange.SideBuy)
	fill := d("90")
	slip := d("5.26")
	events := []*database.StopEvent{
		logEvent(1, database.StopEventTriggered, token, nil),
		logEvent(2, database.StopEventSubmitted, token, nil),
		logEvent(3, database.StopEventSlippageBreach, token, func(ev *database.StopEvent) {
			ev.FillPrice = &fill
			ev.SlippagePct = &slip
		}),
		logEvent(4, database.StopEventExecuted, token, func(ev *database.StopEvent) {
			ev.FillPrice = &fill
			ev.SlippagePct = &slip
		}),
	}

	// Even before the terminal event the fill facts are on the row.
	mid := Replay(events[:3])[token]
	if mid.Status != database.StopExecSubmitted {
		t.Fatalf("prefix status = %s, want SUBMITTED", mid.Status)
	}
	if mid.FillPrice == nil || !mid.FillPrice.Equal(fill) {
		t.Fatalf("prefix fill = %v, want %s", mid.FillPrice, fill)
	}

	se := Replay(events)[token]
	if se.Status != database.StopExecExecuted {
		t.Fatalf("status = %s, want EXECUTED", se.Status)
	}
	if se.SlippagePct == nil || !se.SlippagePct.Equal(slip) {
		t.Fatalf("slippage = %v, want %s", se.SlippagePct, slip)
	}
}

func TestReplayIsOrderInsensitive(t *testing.T) {
	token := ExecutionToken("op-1", d("95"), exchange.SideBuy)
	fill := d("94.85")
	ordered := []*database.StopEvent{
		logEvent(1, database.StopEventTriggered, token, nil),
		logEvent(2, database.StopEventSubmitted, token, nil),
		logEvent(3, database.StopEventExecuted, token, func(ev *database.StopEvent) { ev.FillPrice = &fill }),
	}
	shuffled := []*database.StopEvent{ordered[2], ordered[0], ordered[1]}

	a := Replay(ordered)[token]
	b := Replay(shuffled)[token]
	if a.Status != b.Status || a.Status != database.StopExecExecuted {
		t.Fatalf("statuses diverge: %s vs %s", a.Status, b.Status)
	}
	if b.SubmittedAt == nil || b.ExecutedAt == nil {
		t.Fatal("shuffled replay lost lifecycle timestamps")
	}
}

func TestReplaySeparatesTokens(t *testing.T) {
	oldToken := ExecutionToken("op-1", d("95"), exchange.SideBuy)
	newToken := ExecutionToken("op-1", d("97"), exchange.SideBuy)
	fill := d("96.9")
	events := []*database.StopEvent{
		logEvent(1, database.StopEventTriggered, oldToken, nil),
		logEvent(2, database.StopEventKillSwitch, oldToken, func(ev *database.StopEvent) {
			ev.ErrorMessage = "paused"
		}),
		logEvent(3, database.StopEventTriggered, newToken, func(ev *database.StopEvent) { ev.StopPrice = d("97") }),
		logEvent(4, database.StopEventSubmitted, newToken, nil),
		logEvent(5, database.StopEventExecuted, newToken, func(ev *database.StopEvent) { ev.FillPrice = &fill }),
	}

	out := Replay(events)
	if len(out) != 2 {
		t.Fatalf("projection count = %d, want 2", len(out))
	}
	if out[oldToken].Status != database.StopExecBlocked {
		t.Fatalf("old token status = %s, want BLOCKED", out[oldToken].Status)
	}
	if out[newToken].Status != database.StopExecExecuted {
		t.Fatalf("new token status = %s, want EXECUTED", out[newToken].Status)
	}
	if !out[newToken].StopPrice.Equal(d("97")) {
		t.Fatalf("new token stop = %s, want 97", out[newToken].StopPrice)
	}
}
