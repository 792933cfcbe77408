package journal

import (
	"time"
)

// EventType 枚举审计事件类别。
type EventType string

const (
	EventRunStart       EventType = "run_start"
	EventTick           EventType = "tick"
	EventTransition     EventType = "instruction_transition"
	EventApply          EventType = "position_apply"
	EventTrade          EventType = "trade_receipt"
	EventReconciliation EventType = "reconciliation"
	EventBatchFailure   EventType = "batch_failure"
	EventRiskHalt       EventType = "risk_halt"
	EventError          EventType = "error"
)

// Event 为审计日志的通用载体。
type Event struct {
	Type          EventType   `json:"type"`
	Timestamp     time.Time   `json:"timestamp"`
	InstructionID string      `json:"instruction_id,omitempty"`
	Payload       interface{} `json:"payload"`
}

// RunStartPayload 记录一次进程运行的元信息。
type RunStartPayload struct {
	Mode     string `json:"mode"`
	Strategy string `json:"strategy"`
}

// TickPayload 记录一轮调度的汇总。
type TickPayload struct {
	TickID       string  `json:"tick_id"`
	Equity       float64 `json:"equity"`
	Instructions int     `json:"instructions"`
}

// TransitionPayload 记录指令状态迁移。
type TransitionPayload struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Reason string `json:"reason,omitempty"`
}

// ApplyPayload 记录一次账本变更。
type ApplyPayload struct {
	Venue  string    `json:"venue"`
	Asset  string    `json:"asset"`
	Delta  float64   `json:"delta"`
	Result float64   `json:"result"`
	At     time.Time `json:"at"`
}

// BatchFailurePayload 记录批次中断详情。
type BatchFailurePayload struct {
	TickID        string `json:"tick_id"`
	InstructionID string `json:"instruction_id"`
	Reason        string `json:"reason"`
}

// RiskHaltPayload 记录日内止损触发详情。
type RiskHaltPayload struct {
	TradingDate string  `json:"trading_date"`
	StartEquity float64 `json:"start_equity"`
	Equity      float64 `json:"equity"`
	LossPercent float64 `json:"loss_percent"`
}

// ErrorPayload 记录异常。
type ErrorPayload struct {
	Message string                 `json:"message"`
	Error   string                 `json:"error"`
	Context map[string]interface{} `json:"context,omitempty"`
}
