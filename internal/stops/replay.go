package stops

import (
	"sort"

	"trading-risk-engine/internal/database"
)

// Replay folds a stop event log into its projection. Folding the events
// of any prefix of the log, in event_seq order, yields exactly the
// stop_executions rows the live path maintained at that point. Used by
// the audit surface to verify the stored projection against the log.
func Replay(events []*database.StopEvent) map[string]*database.StopExecution {
	ordered := make([]*database.StopEvent, len(events))
	copy(ordered, events)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].EventSeq < ordered[j].EventSeq })

	out := make(map[string]*database.StopExecution)
	for _, ev := range ordered {
		key := ev.OperationID + "|" + ev.ExecutionToken
		out[key] = applyEvent(out[key], ev)
	}

	byToken := make(map[string]*database.StopExecution, len(out))
	for _, se := range out {
		byToken[se.ExecutionToken] = se
	}
	return byToken
}

// applyEvent advances one projection row by one event, mirroring the
// database fold: EXECUTED rows are final, FAILED and BLOCKED rows can
// be re-armed by a retry attempt.
func applyEvent(se *database.StopExecution, ev *database.StopEvent) *database.StopExecution {
	if se == nil {
		// The first TRIGGERED event carries the claim that created the row.
		se = &database.StopExecution{
			OperationID:    ev.OperationID,
			TenantID:       ev.TenantID,
			Symbol:         ev.Symbol,
			ExecutionToken: ev.ExecutionToken,
			Status:         database.StopExecPending,
			Side:           ev.Side,
			Quantity:       ev.Quantity,
			StopPrice:      ev.StopPrice,
			Source:         ev.Source,
			CreatedAt:      ev.OccurredAt,
		}
	}

	occurred := ev.OccurredAt
	switch ev.EventType {
	case database.StopEventTriggered:
		if se.Status == database.StopExecExecuted {
			return se
		}
		se.TriggerPrice = ev.TriggerPrice
		se.Source = ev.Source
		se.RetryCount = ev.RetryCount
		se.TriggeredAt = &occurred

	case database.StopEventSubmitted:
		if se.Status == database.StopExecExecuted {
			return se
		}
		se.Status = database.StopExecSubmitted
		se.SubmittedAt = &occurred

	case database.StopEventExecuted:
		se.Status = database.StopExecExecuted
		se.FillPrice = ev.FillPrice
		se.SlippagePct = ev.SlippagePct
		se.ExchangeOrderID = ev.ExchangeOrderID
		se.ExecutedAt = &occurred
		se.ErrorMessage = ""

	case database.StopEventFailed:
		if se.Status == database.StopExecExecuted {
			return se
		}
		se.Status = database.StopExecFailed
		se.ErrorMessage = ev.ErrorMessage
		se.RetryCount = ev.RetryCount
		se.FailedAt = &occurred

	case database.StopEventBlocked, database.StopEventStalePrice,
		database.StopEventKillSwitch, database.StopEventCircuitBreaker:
		if se.Status == database.StopExecExecuted || se.Status == database.StopExecFailed {
			return se
		}
		se.Status = database.StopExecBlocked
		se.ErrorMessage = ev.ErrorMessage

	case database.StopEventSlippageBreach:
		se.FillPrice = ev.FillPrice
		se.SlippagePct = ev.SlippagePct

	default:
		return se
	}

	se.UpdatedAt = occurred
	return se
}
