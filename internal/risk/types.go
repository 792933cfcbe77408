package risk

import (
	"time"
)

// Assessment 概括某一时刻的资金与敞口状况。
// Equity 为扣除债务后的净值,LockedValue 为协议内包装头寸的价值。
type Assessment struct {
	GeneratedAt      time.Time
	Equity           float64
	GrossValue       float64
	LockedValue      float64
	DebtValue        float64
	ByVenue          map[string]float64
	TopConcentration float64
}

// DailyStatus 表示当日风控状态。
type DailyStatus struct {
	TradingDate   string
	StartEquity   float64
	CurrentEquity float64
	LossPercent   float64
	Halted        bool
}
