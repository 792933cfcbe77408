package strategy

import (
	"context"
	"fmt"
	"math"

	"go.uber.org/zap"

	"yield-engine/internal/config"
	"yield-engine/internal/order"
)

func init() {
	Register("rebalance", newRebalance)
}

// rebalanceDecider 在交易场所上把持仓调整到目标权重。
// 先卖后买,买入金额受卖出回笼资金的保守估计约束,
// 避免手续费侵蚀导致余额不足。
type rebalanceDecider struct {
	venue     string
	assets    []string
	weights   map[string]float64
	band      float64
	minOrder  float64
	feeBuffer float64
	logger    *zap.Logger
}

func newRebalance(cfg config.StrategyConfig, logger *zap.Logger) (Decider, error) {
	venue := cfg.Venues["trade"]
	if venue == "" {
		return nil, fmt.Errorf("strategy: rebalance 需要 venues.trade 映射")
	}
	if len(cfg.Assets) == 0 {
		return nil, fmt.Errorf("strategy: rebalance 需要至少一个资产")
	}

	weights := make(map[string]float64, len(cfg.Assets))
	explicit := false
	for _, asset := range cfg.Assets {
		if w, ok := cfg.Params["weight_"+asset]; ok {
			weights[asset] = w
			explicit = true
		}
	}
	if !explicit {
		equal := 1.0 / float64(len(cfg.Assets))
		for _, asset := range cfg.Assets {
			weights[asset] = equal
		}
	}
	var sum float64
	for _, asset := range cfg.Assets {
		w := weights[asset]
		if w < 0 {
			return nil, fmt.Errorf("strategy: 资产 %s 权重不能为负", asset)
		}
		sum += w
	}
	if sum > 1+1e-9 {
		return nil, fmt.Errorf("strategy: 目标权重合计 %.4f 超过1", sum)
	}

	band := param(cfg.Params, "band", 0.02)
	if band < 0 || band >= 1 {
		return nil, fmt.Errorf("strategy: band 必须位于[0,1),当前为 %f", band)
	}
	minOrder := param(cfg.Params, "min_order", 10)
	if minOrder < 0 {
		return nil, fmt.Errorf("strategy: min_order 不能为负")
	}
	feeBuffer := param(cfg.Params, "fee_buffer", 0.005)
	if feeBuffer < 0 || feeBuffer >= 0.05 {
		return nil, fmt.Errorf("strategy: fee_buffer 必须位于[0,0.05)")
	}

	return &rebalanceDecider{
		venue:     venue,
		assets:    append([]string(nil), cfg.Assets...),
		weights:   weights,
		band:      band,
		minOrder:  minOrder,
		feeBuffer: feeBuffer,
		logger:    logger,
	}, nil
}

func (d *rebalanceDecider) Name() string {
	return "rebalance"
}

// Decide 比较目标权重与当前持仓,产出市价单指令。
// 偏离在带宽内或金额低于最小单的资产不予调整。
func (d *rebalanceDecider) Decide(ctx context.Context, view View) ([]order.Instruction, error) {
	if view.Halted {
		d.logger.Warn("风控停机,本轮不做再平衡", zap.String("tick_id", view.TickID))
		return nil, nil
	}

	baseCcy := view.BaseCurrency
	prices := make(map[string]float64, len(d.assets))
	venueValue := view.Positions.Amount(d.venue, baseCcy)
	for _, asset := range d.assets {
		price, ok := view.Price(asset)
		if !ok || price <= 0 {
			return nil, fmt.Errorf("strategy: 资产 %s 缺少报价,无法再平衡", asset)
		}
		prices[asset] = price
		venueValue += view.Positions.Amount(d.venue, asset) * price
	}
	if venueValue <= 0 {
		return nil, nil
	}

	type adjustment struct {
		asset string
		diff  float64
	}
	var sells, buys []adjustment
	for _, asset := range d.assets {
		current := view.Positions.Amount(d.venue, asset) * prices[asset]
		target := venueValue * d.weights[asset]
		diff := target - current
		if math.Abs(diff) < d.band*venueValue || math.Abs(diff) < d.minOrder {
			continue
		}
		if diff < 0 {
			sells = append(sells, adjustment{asset: asset, diff: diff})
		} else {
			buys = append(buys, adjustment{asset: asset, diff: diff})
		}
	}

	projectedBase := view.Positions.Amount(d.venue, baseCcy)
	out := make([]order.Instruction, 0, len(sells)+len(buys))

	for _, adj := range sells {
		units := -adj.diff / prices[adj.asset]
		if held := view.Positions.Amount(d.venue, adj.asset); units > held {
			units = held
		}
		if units <= 0 {
			continue
		}
		proceeds := units * prices[adj.asset]
		out = append(out, order.Instruction{
			Kind:   order.KindCentralizedTrade,
			Venue:  d.venue,
			Pair:   adj.asset + "/" + baseCcy,
			Side:   order.SideSell,
			Amount: units,
			Expected: []order.Delta{
				{Venue: d.venue, Asset: adj.asset, Amount: -units},
				{Venue: d.venue, Asset: baseCcy, Amount: proceeds},
			},
			Mode: order.ModeIndependent,
		})
		projectedBase += proceeds * (1 - d.feeBuffer)
	}

	for _, adj := range buys {
		spend := adj.diff
		if spend > projectedBase {
			spend = projectedBase
		}
		if spend < d.minOrder {
			continue
		}
		out = append(out, order.Instruction{
			Kind:   order.KindCentralizedTrade,
			Venue:  d.venue,
			Pair:   adj.asset + "/" + baseCcy,
			Side:   order.SideBuy,
			Amount: spend,
			Expected: []order.Delta{
				{Venue: d.venue, Asset: baseCcy, Amount: -spend},
				{Venue: d.venue, Asset: adj.asset, Amount: spend / prices[adj.asset]},
			},
			Mode: order.ModeIndependent,
		})
		projectedBase -= spend
	}

	if len(out) > 0 {
		d.logger.Info("生成再平衡指令",
			zap.String("tick_id", view.TickID),
			zap.Int("sells", len(sells)),
			zap.Int("buys", len(out)-len(sells)))
	}
	return out, nil
}
