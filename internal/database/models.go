package database

import (
	"time"

	"github.com/shopspring/decimal"
)

// ===== Trading intents =====

// Intent lifecycle states. EXECUTED and FAILED are terminal.
const (
	IntentStatusPending   = "PENDING"
	IntentStatusValidated = "VALIDATED"
	IntentStatusExecuted  = "EXECUTED"
	IntentStatusFailed    = "FAILED"
)

// Intent execution modes.
const (
	IntentModeDryRun = "DRY_RUN"
	IntentModeLive   = "LIVE"
)

// Intent sources.
const (
	IntentSourceManual  = "MANUAL"
	IntentSourcePattern = "PATTERN"
)

// TradingIntent is a planned trade moving through the pipeline.
type TradingIntent struct {
	ID             string          `json:"id"`
	TenantID       string          `json:"tenant_id"`
	Symbol         string          `json:"symbol"`
	Side           string          `json:"side"`
	Mode           string          `json:"mode"`
	Source         string          `json:"source"`
	StrategyName   string          `json:"strategy_name,omitempty"`
	Acknowledged   bool            `json:"acknowledged"`
	Capital        decimal.Decimal `json:"capital"`
	RiskPct        decimal.Decimal `json:"risk_pct"`
	RiskAmount     decimal.Decimal `json:"risk_amount"`
	EntryPrice     decimal.Decimal `json:"entry_price"`
	StopPrice      decimal.Decimal `json:"stop_price"`
	TargetPrice    *decimal.Decimal `json:"target_price,omitempty"`
	Quantity       decimal.Decimal `json:"quantity"`
	StopMethod     string          `json:"stop_method,omitempty"`
	Confidence     string          `json:"confidence,omitempty"`
	Status         string          `json:"status"`
	ValidationJSON []byte          `json:"validation_result,omitempty"`
	ExecutionJSON  []byte          `json:"execution_result,omitempty"`
	FailureReason  string          `json:"failure_reason,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`

	// Pattern origin, set when Source is PATTERN.
	PatternCode    string     `json:"pattern_code,omitempty"`
	PatternAlertID *int64     `json:"pattern_alert_id,omitempty"`
	TriggeredAt    *time.Time `json:"triggered_at,omitempty"`

	ExecutedAt *time.Time `json:"executed_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// ===== Operations =====

// Operation statuses form a DAG: PLANNED -> ACTIVE -> {CLOSED, CANCELLED},
// plus PLANNED -> CANCELLED. Terminal states never transition.
const (
	OperationStatusPlanned   = "PLANNED"
	OperationStatusActive    = "ACTIVE"
	OperationStatusClosed    = "CLOSED"
	OperationStatusCancelled = "CANCELLED"
)

// Operation is a committed trade backed by an exchange order id.
type Operation struct {
	ID               string           `json:"id"`
	TenantID         string           `json:"tenant_id"`
	IntentID         string           `json:"intent_id"`
	StrategyName     string           `json:"strategy_name,omitempty"`
	Symbol           string           `json:"symbol"`
	Side             string           `json:"side"`
	Status           string           `json:"status"`
	EntryPrice       decimal.Decimal  `json:"entry_price"`
	Quantity         decimal.Decimal  `json:"quantity"`
	StopPrice        decimal.Decimal  `json:"stop_price"`
	InitialStopPrice decimal.Decimal  `json:"initial_stop_price"`
	TargetPrice      *decimal.Decimal `json:"target_price,omitempty"`
	TrailingStep     int              `json:"trailing_step"`
	ExchangeOrderID  string           `json:"exchange_order_id,omitempty"`
	ClientOrderID    string           `json:"client_order_id,omitempty"`
	FilledQuantity   decimal.Decimal  `json:"filled_quantity"`
	AvgFillPrice     decimal.Decimal  `json:"avg_fill_price"`
	CloseReason      string           `json:"close_reason,omitempty"`
	OpenedAt         time.Time        `json:"opened_at"`
	ClosedAt         *time.Time       `json:"closed_at,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// ===== Audit transactions (movements) =====

// Movement transaction types. The (exchange_order_id, transaction_type)
// pair is the dedup key.
const (
	TxTypeEntry      = "ENTRY"
	TxTypeStopExit   = "STOP_EXIT"
	TxTypeManualExit = "MANUAL_EXIT"
	TxTypeDeposit    = "DEPOSIT"
	TxTypeWithdrawal = "WITHDRAWAL"
	TxTypeTransfer   = "TRANSFER"
)

// Movement sources.
const (
	TxSourceEngine       = "engine"
	TxSourceExchangeSync = "exchange_sync"
)

// AuditTransaction is one immutable asset movement.
type AuditTransaction struct {
	ID              int64            `json:"id"`
	TenantID        string           `json:"tenant_id"`
	OperationID     *string          `json:"operation_id,omitempty"`
	ExchangeOrderID string           `json:"exchange_order_id"`
	TransactionType string           `json:"transaction_type"`
	Symbol          string           `json:"symbol"`
	Asset           string           `json:"asset,omitempty"`
	Side            string           `json:"side"`
	Price           decimal.Decimal  `json:"price"`
	Quantity        decimal.Decimal  `json:"quantity"`
	TotalValue      decimal.Decimal  `json:"total_value"`
	Fee             decimal.Decimal  `json:"fee"`
	FeeAsset        string           `json:"fee_asset,omitempty"`
	StopPrice       *decimal.Decimal `json:"stop_price,omitempty"`
	IsMargin        bool             `json:"is_margin"`
	Leverage        int              `json:"leverage,omitempty"`
	RawResponse     []byte           `json:"raw_response,omitempty"`
	Source          string           `json:"source"`
	ExecutedAt      time.Time        `json:"executed_at"`
	CreatedAt       time.Time        `json:"created_at"`
}

// ===== Stop event log =====

// Stop event types.
const (
	StopEventTriggered      = "STOP_TRIGGERED"
	StopEventSubmitted      = "EXECUTION_SUBMITTED"
	StopEventExecuted       = "EXECUTED"
	StopEventFailed         = "FAILED"
	StopEventBlocked        = "BLOCKED"
	StopEventStalePrice     = "STALE_PRICE"
	StopEventKillSwitch     = "KILL_SWITCH"
	StopEventSlippageBreach = "SLIPPAGE_BREACH"
	StopEventCircuitBreaker = "CIRCUIT_BREAKER"
)

// Stop event sources.
const (
	StopSourceWS     = "ws"
	StopSourceCron   = "cron"
	StopSourceManual = "manual"
)

// StopEvent is one append-only entry in the stop execution log.
// EventSeq is assigned by the database and is globally monotonic.
type StopEvent struct {
	EventID        string           `json:"event_id"`
	EventSeq       int64            `json:"event_seq"`
	OperationID    string           `json:"operation_id"`
	TenantID       string           `json:"tenant_id"`
	Symbol         string           `json:"symbol"`
	EventType      string           `json:"event_type"`
	ExecutionToken string           `json:"execution_token"`
	Side           string           `json:"side"`
	Quantity       decimal.Decimal  `json:"quantity"`
	StopPrice      decimal.Decimal  `json:"stop_price"`
	TriggerPrice   *decimal.Decimal `json:"trigger_price,omitempty"`
	FillPrice      *decimal.Decimal `json:"fill_price,omitempty"`
	SlippagePct    *decimal.Decimal `json:"slippage_pct,omitempty"`
	ExchangeOrderID string          `json:"exchange_order_id,omitempty"`
	Source         string           `json:"source"`
	ErrorMessage   string           `json:"error_message,omitempty"`
	RetryCount     int              `json:"retry_count"`
	Payload        []byte           `json:"payload,omitempty"`
	OccurredAt     time.Time        `json:"occurred_at"`
}

// StopExecution statuses advance monotonically.
const (
	StopExecPending   = "PENDING"
	StopExecSubmitted = "SUBMITTED"
	StopExecExecuted  = "EXECUTED"
	StopExecFailed    = "FAILED"
	StopExecBlocked   = "BLOCKED"
)

// StopExecution is the per-token projection of the stop event log.
type StopExecution struct {
	ID              int64            `json:"id"`
	OperationID     string           `json:"operation_id"`
	TenantID        string           `json:"tenant_id"`
	Symbol          string           `json:"symbol"`
	ExecutionToken  string           `json:"execution_token"`
	Status          string           `json:"status"`
	Side            string           `json:"side"`
	Quantity        decimal.Decimal  `json:"quantity"`
	StopPrice       decimal.Decimal  `json:"stop_price"`
	TriggerPrice    *decimal.Decimal `json:"trigger_price,omitempty"`
	FillPrice       *decimal.Decimal `json:"fill_price,omitempty"`
	SlippagePct     *decimal.Decimal `json:"slippage_pct,omitempty"`
	ExchangeOrderID string           `json:"exchange_order_id,omitempty"`
	Source          string           `json:"source"`
	ErrorMessage    string           `json:"error_message,omitempty"`
	RetryCount      int              `json:"retry_count"`
	TriggeredAt     *time.Time       `json:"triggered_at,omitempty"`
	SubmittedAt     *time.Time       `json:"submitted_at,omitempty"`
	ExecutedAt      *time.Time       `json:"executed_at,omitempty"`
	FailedAt        *time.Time       `json:"failed_at,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// OutboxEntry is one event awaiting message-bus publication.
type OutboxEntry struct {
	ID          int64      `json:"id"`
	EventSeq    int64      `json:"event_seq"`
	RoutingKey  string     `json:"routing_key"`
	Payload     []byte     `json:"payload"`
	Published   bool       `json:"published"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
	RetryCount  int        `json:"retry_count"`
	LastError   string     `json:"last_error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// ===== Tenant config =====

// TenantConfig carries per-tenant risk guardrails.
type TenantConfig struct {
	TenantID               string          `json:"tenant_id"`
	Capital                decimal.Decimal `json:"capital"`
	DefaultRiskPct         decimal.Decimal `json:"default_risk_pct"`
	TradingEnabled         bool            `json:"trading_enabled"`
	KillSwitchReason       string          `json:"kill_switch_reason,omitempty"`
	LiveEnabled            bool            `json:"live_enabled"`
	CooldownEnabled        bool            `json:"cooldown_enabled"`
	CooldownSeconds        int             `json:"cooldown_seconds"`
	FundingCheckEnabled    bool            `json:"funding_check_enabled"`
	FundingRateThreshold   decimal.Decimal `json:"funding_rate_threshold"`
	FreshnessCheckEnabled  bool            `json:"freshness_check_enabled"`
	MaxDataAgeSeconds      int             `json:"max_data_age_seconds"`
	MaxSlippagePct         decimal.Decimal `json:"max_slippage_pct"`
	SlippagePausePct       decimal.Decimal `json:"slippage_pause_pct"`
	MaxExecutionsPerMinute int             `json:"max_executions_per_minute"`
	MaxExecutionsPerHour   int             `json:"max_executions_per_hour"`
	CreatedAt              time.Time       `json:"created_at"`
	UpdatedAt              time.Time       `json:"updated_at"`
}

// ===== Circuit breakers =====

// Circuit breaker states.
const (
	BreakerClosed   = "CLOSED"
	BreakerOpen     = "OPEN"
	BreakerHalfOpen = "HALF_OPEN"
)

// CircuitBreakerState is the persisted per-(tenant, symbol) breaker.
type CircuitBreakerState struct {
	TenantID      string     `json:"tenant_id"`
	Symbol        string     `json:"symbol"`
	State         string     `json:"state"`
	FailureCount  int        `json:"failure_count"`
	LastFailureAt *time.Time `json:"last_failure_at,omitempty"`
	OpenedAt      *time.Time `json:"opened_at,omitempty"`
	WillRetryAt   *time.Time `json:"will_retry_at,omitempty"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// ===== Patterns =====

// Pattern lifecycle states. CONFIRMED and INVALIDATED are terminal.
const (
	PatternStatusForming     = "FORMING"
	PatternStatusConfirmed   = "CONFIRMED"
	PatternStatusInvalidated = "INVALIDATED"
)

// Pattern alert types.
const (
	AlertTypeDetected   = "DETECTED"
	AlertTypeConfirm    = "CONFIRM"
	AlertTypeInvalidate = "INVALIDATE"
)

// PatternInstance is one detected pattern keyed by
// (symbol, timeframe, pattern_code, detection_bar_ts).
type PatternInstance struct {
	ID              int64            `json:"id"`
	Symbol          string           `json:"symbol"`
	Timeframe       string           `json:"timeframe"`
	PatternCode     string           `json:"pattern_code"`
	Direction       string           `json:"direction"`
	Status          string           `json:"status"`
	DetectionBarTS  time.Time        `json:"detection_bar_ts"`
	ConfirmedBarTS  *time.Time       `json:"confirmed_bar_ts,omitempty"`
	EntryPrice      *decimal.Decimal `json:"entry_price,omitempty"`
	InvalidationPrice *decimal.Decimal `json:"invalidation_price,omitempty"`
	TargetPrice     *decimal.Decimal `json:"target_price,omitempty"`
	Confidence      string           `json:"confidence,omitempty"`
	Features        []byte           `json:"features,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// PatternAlert is an emitted notification for an instance transition.
type PatternAlert struct {
	ID                int64           `json:"id"`
	PatternInstanceID int64           `json:"pattern_instance_id"`
	AlertType         string          `json:"alert_type"`
	Symbol            string          `json:"symbol"`
	Timeframe         string          `json:"timeframe"`
	PatternCode       string          `json:"pattern_code"`
	Direction         string          `json:"direction"`
	Price             decimal.Decimal `json:"price"`
	BarTS             time.Time       `json:"bar_ts"`
	CreatedAt         time.Time       `json:"created_at"`
}

// Pattern trigger statuses.
const (
	TriggerStatusCreated          = "CREATED"
	TriggerStatusAlreadyProcessed = "ALREADY_PROCESSED"
	TriggerStatusSkipped          = "SKIPPED"
)

// PatternTrigger enforces exactly-once processing of one alert per
// tenant; the unique key is (tenant_id, pattern_alert_id).
type PatternTrigger struct {
	ID             int64     `json:"id"`
	TenantID       string    `json:"tenant_id"`
	PatternAlertID int64     `json:"pattern_alert_id"`
	IntentID       *string   `json:"intent_id,omitempty"`
	Status         string    `json:"status"`
	Reason         string    `json:"reason,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// StrategyPatternConfig binds a confirmed pattern to automatic intent
// creation for a tenant.
type StrategyPatternConfig struct {
	ID           int64            `json:"id"`
	TenantID     string           `json:"tenant_id"`
	StrategyName string           `json:"strategy_name"`
	Symbol       string           `json:"symbol"`
	Timeframe    string           `json:"timeframe"`
	PatternCode  string           `json:"pattern_code"`
	EntryMode    string           `json:"entry_mode"` // DRY_RUN only in this release
	RiskPct      *decimal.Decimal `json:"risk_pct,omitempty"`
	Enabled      bool             `json:"enabled"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

// ===== Gate decisions =====

// GateDecision is one persisted entry-gate evaluation, append-only.
type GateDecision struct {
	ID          int64     `json:"id"`
	TenantID    string    `json:"tenant_id"`
	Symbol      string    `json:"symbol"`
	Allowed     bool      `json:"allowed"`
	Checks      []byte    `json:"checks"` // full check battery, JSON
	Reasons     []string  `json:"reasons,omitempty"`
	EvaluatedAt time.Time `json:"evaluated_at"`
	CreatedAt   time.Time `json:"created_at"`
}

// ===== Daily P&L =====

// DailyPnLSummary is the per-day realized P&L rollup feeding the
// monthly budget calculation.
type DailyPnLSummary struct {
	ID          int64           `json:"id"`
	TenantID    string          `json:"tenant_id"`
	Day         time.Time       `json:"day"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	Fees        decimal.Decimal `json:"fees"`
	TradeCount  int             `json:"trade_count"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}
