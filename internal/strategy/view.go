package strategy

import (
	"time"

	"yield-engine/internal/position"
	"yield-engine/internal/risk"
)

// View 为一轮决策提供的只读世界视图。
// 决策器只能依赖视图内容,同一视图必须推导出同一批指令。
type View struct {
	TickID       string
	Tick         int
	At           time.Time
	Bootstrap    bool
	BaseCurrency string
	Equity       float64
	Positions    position.Snapshot
	Prices       map[string]float64
	Indexes      map[string]float64
	Risk         risk.Assessment
	Halted       bool
}

// Price 返回某资产以基准货币计的现价,基准货币恒为1。
func (v View) Price(asset string) (float64, bool) {
	if asset == v.BaseCurrency {
		return 1, true
	}
	price, ok := v.Prices[asset]
	return price, ok
}

// Index 返回某包装资产的单位指数,未设置时为1。
func (v View) Index(asset string) float64 {
	if idx, ok := v.Indexes[asset]; ok && idx > 0 {
		return idx
	}
	return 1
}
