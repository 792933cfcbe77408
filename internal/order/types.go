package order

import (
	"time"

	"github.com/google/uuid"
)

// Kind 表示指令的执行轨道。
type Kind string

const (
	KindWalletTransfer   Kind = "wallet_transfer"
	KindContractAction   Kind = "smart_contract_action"
	KindCentralizedTrade Kind = "centralized_trade"
)

// Side 表示指令动作方向。CEX 轨道使用 buy/sell,
// 链上轨道使用 supply/withdraw/borrow/repay,转账轨道固定为 transfer。
type Side string

const (
	SideBuy      Side = "buy"
	SideSell     Side = "sell"
	SideSupply   Side = "supply"
	SideWithdraw Side = "withdraw"
	SideBorrow   Side = "borrow"
	SideRepay    Side = "repay"
	SideTransfer Side = "transfer"
)

// Mode 表示指令的编组方式。
type Mode string

const (
	ModeIndependent Mode = "independent"
	ModeAtomic      Mode = "atomic"
)

// Delta 描述某场所某资产的一笔余额变化。
type Delta struct {
	Venue  string  `json:"venue"`
	Asset  string  `json:"asset"`
	Amount float64 `json:"amount"`
}

// RiskBounds 为可选的止损止盈约束,仅对 CEX 轨道有效。
type RiskBounds struct {
	StopLoss   float64 `json:"stop_loss"`
	TakeProfit float64 `json:"take_profit"`
}

// Instruction 表示策略产出的单条执行指令。
// 指令一经下发即不可变更;修正通过新指令表达。
type Instruction struct {
	ID        string      `json:"id"`
	TickID    string      `json:"tick_id"`
	Kind      Kind        `json:"kind"`
	Venue     string      `json:"venue"`
	Asset     string      `json:"asset,omitempty"`
	Pair      string      `json:"pair,omitempty"`
	Side      Side        `json:"side"`
	Amount    float64     `json:"amount"`
	From      string      `json:"from,omitempty"`
	To        string      `json:"to,omitempty"`
	Expected  []Delta     `json:"expected"`
	Mode      Mode        `json:"mode"`
	GroupID   string      `json:"group_id,omitempty"`
	GroupSeq  int         `json:"group_seq,omitempty"`
	Bounds    *RiskBounds `json:"bounds,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
}

// TradeStatus 表示场所回执的终态分类。
type TradeStatus string

const (
	TradeFilled   TradeStatus = "filled"
	TradePartial  TradeStatus = "partial"
	TradeRejected TradeStatus = "rejected"
	TradePending  TradeStatus = "pending"
	TradeFailed   TradeStatus = "failed"
)

// 失败分类代码,贯穿回执与审计日志。
const (
	ErrCodeValidation  = "validation"
	ErrCodeRouting     = "routing"
	ErrCodeUnreachable = "venue_unreachable"
	ErrCodeRejected    = "venue_rejected"
	ErrCodeTimeout     = "timeout"
	ErrCodeMismatch    = "reconcile_mismatch"
)

// Trade 表示一次指令在场所侧的成交回执。
// 回执只追加不修改,修正以新记录表达。
type Trade struct {
	InstructionID string      `json:"instruction_id"`
	Status        TradeStatus `json:"status"`
	Actual        []Delta     `json:"actual"`
	VenueRef      string      `json:"venue_ref,omitempty"`
	Fee           float64     `json:"fee"`
	FeeCurrency   string      `json:"fee_currency,omitempty"`
	ErrCode       string      `json:"err_code,omitempty"`
	ErrMsg        string      `json:"err_msg,omitempty"`
	Timestamp     time.Time   `json:"timestamp"`
}

// Succeeded 判断回执是否达到可入账的终态。
func (t Trade) Succeeded() bool {
	return t.Status == TradeFilled || t.Status == TradePartial
}

// NewID 生成指令或编组使用的全局唯一标识。
func NewID() string {
	return uuid.NewString()
}
