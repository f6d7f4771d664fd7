package monitor

import (
	"time"

	"crypto-bot/internal/position"
	"crypto-bot/internal/risk"
)

// EventType 为监控事件类型。
type EventType string

const (
	EventRiskEvaluation EventType = "risk_evaluation"
	EventDispatch       EventType = "dispatch"
	EventPosition       EventType = "position"
	EventMarketContext  EventType = "market_context"
	EventError          EventType = "error"
)

// Event 为一条监控事件。
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// RiskEvaluationPayload 记录一次风控评估。
type RiskEvaluationPayload struct {
	Evaluation *risk.Evaluation `json:"evaluation"`
}

// DispatchPayload 记录一次调度结果。
type DispatchPayload struct {
	EvaluationID   string   `json:"evaluation_id"`
	Action         string   `json:"action"`
	Symbol         string   `json:"symbol"`
	TriggeredRules []string `json:"triggered_rules"`
	Success        bool     `json:"success"`
	Skipped        bool     `json:"skipped,omitempty"`
	Error          string   `json:"error,omitempty"`
}

// PositionPayload 记录账户全景。
type PositionPayload struct {
	Overview *position.Overview `json:"overview"`
}

// MarketContextPayload 记录巡检时的市场背景指标。
type MarketContextPayload struct {
	Symbol     string             `json:"symbol"`
	Indicators map[string]float64 `json:"indicators"`
}

// ErrorPayload 记录异常。
type ErrorPayload struct {
	Message string                 `json:"message"`
	Error   string                 `json:"error"`
	Context map[string]interface{} `json:"context,omitempty"`
}
