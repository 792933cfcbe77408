package quote

import (
	"fmt"
	"sync"
	"time"
)

// Board 维护资产估值表:以基准货币计价的价格,
// 以及计息包装资产的单位指数(underlying = units * index)。
// 所有组件共享同一实例,通过构造函数注入。
type Board struct {
	mu      sync.RWMutex
	base    string
	prices  map[string]float64
	indexes map[string]float64
	asOf    time.Time
}

// NewBoard 创建以 base 为计价货币的估值表。
func NewBoard(base string) *Board {
	return &Board{
		base:    base,
		prices:  make(map[string]float64),
		indexes: make(map[string]float64),
	}
}

// Base 返回计价货币。
func (b *Board) Base() string {
	return b.base
}

// SetPrice 更新某资产以基准货币计的价格。
func (b *Board) SetPrice(asset string, price float64) {
	if price <= 0 {
		return
	}
	b.mu.Lock()
	b.prices[asset] = price
	b.mu.Unlock()
}

// SetPrices 批量更新价格并记录时间戳。
func (b *Board) SetPrices(prices map[string]float64, asOf time.Time) {
	b.mu.Lock()
	for asset, price := range prices {
		if price > 0 {
			b.prices[asset] = price
		}
	}
	b.asOf = asOf
	b.mu.Unlock()
}

// Price 返回某资产以基准货币计的价格。基准货币自身恒为1。
func (b *Board) Price(asset string) (float64, bool) {
	if asset == b.base {
		return 1, true
	}
	b.mu.RLock()
	price, ok := b.prices[asset]
	b.mu.RUnlock()
	return price, ok
}

// AsOf 返回最近一次批量报价的时间戳。
func (b *Board) AsOf() time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.asOf
}

// Prices 返回全部报价的拷贝,供构造只读决策视图。
func (b *Board) Prices() map[string]float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]float64, len(b.prices))
	for asset, price := range b.prices {
		out[asset] = price
	}
	return out
}

// Indexes 返回全部单位指数的拷贝。
func (b *Board) Indexes() map[string]float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]float64, len(b.indexes))
	for asset, idx := range b.indexes {
		out[asset] = idx
	}
	return out
}

// Convert 将 from 资产的数量折算为 to 资产的数量。
func (b *Board) Convert(amount float64, from, to string) (float64, error) {
	if from == to {
		return amount, nil
	}
	fromPrice, ok := b.Price(from)
	if !ok {
		return 0, fmt.Errorf("quote: 缺少资产 %s 的报价", from)
	}
	toPrice, ok := b.Price(to)
	if !ok {
		return 0, fmt.Errorf("quote: 缺少资产 %s 的报价", to)
	}
	return amount * fromPrice / toPrice, nil
}

// SetIndex 更新计息资产的单位指数。指数只增不减,
// 回落视为数据异常并被忽略。
func (b *Board) SetIndex(asset string, index float64) {
	if index <= 0 {
		return
	}
	b.mu.Lock()
	if current, ok := b.indexes[asset]; !ok || index >= current {
		b.indexes[asset] = index
	}
	b.mu.Unlock()
}

// Index 返回某资产的单位指数,未设置时为1。
func (b *Board) Index(asset string) float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if idx, ok := b.indexes[asset]; ok {
		return idx
	}
	return 1
}

// ToUnderlying 将包装单位折算为底层资产数量。
func (b *Board) ToUnderlying(units float64, asset string) float64 {
	return units * b.Index(asset)
}

// FromUnderlying 将底层资产数量折算为包装单位。
func (b *Board) FromUnderlying(amount float64, asset string) float64 {
	idx := b.Index(asset)
	if idx == 0 {
		return 0
	}
	return amount / idx
}

// Value 以基准货币对 venue→asset→amount 形式的持仓净值估值。
// 包装头寸按指数折算后以底层资产计价,债务头寸取负值。
// 缺少报价的资产按零计入并返回聚合误差,调用方决定是否容忍。
func (b *Board) Value(amounts map[string]map[string]float64) (float64, error) {
	var total float64
	var missing []string
	for _, assets := range amounts {
		for asset, amount := range assets {
			if amount == 0 {
				continue
			}
			underlying := b.ToUnderlying(amount, asset)
			price, ok := b.Price(Underlying(asset))
			if !ok {
				missing = append(missing, asset)
				continue
			}
			value := underlying * price
			if IsDebt(asset) {
				value = -value
			}
			total += value
		}
	}
	if len(missing) > 0 {
		return total, fmt.Errorf("quote: 以下资产缺少报价: %v", missing)
	}
	return total, nil
}
