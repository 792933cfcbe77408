package strategy

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"yield-engine/internal/config"
	"yield-engine/internal/order"
	"yield-engine/internal/quote"
)

func init() {
	Register("carry", newCarry)
}

// carryDecider 把借贷池场所上的闲置资产存入池子吃利息,
// 可选地按目标质押率借出基准货币。存入与借出构成原子编组:
// 抵押没有落地时绝不允许借出成立。
type carryDecider struct {
	venue       string
	assets      []string
	deploy      float64
	borrowRatio float64
	minOrder    float64
	logger      *zap.Logger
}

func newCarry(cfg config.StrategyConfig, logger *zap.Logger) (Decider, error) {
	venue := cfg.Venues["pool"]
	if venue == "" {
		return nil, fmt.Errorf("strategy: carry 需要 venues.pool 映射")
	}
	if len(cfg.Assets) == 0 {
		return nil, fmt.Errorf("strategy: carry 需要至少一个资产")
	}

	deploy := param(cfg.Params, "deploy", 1.0)
	if deploy <= 0 || deploy > 1 {
		return nil, fmt.Errorf("strategy: deploy 必须位于(0,1],当前为 %f", deploy)
	}
	borrowRatio := param(cfg.Params, "borrow_ratio", 0)
	if borrowRatio < 0 || borrowRatio > 0.9 {
		return nil, fmt.Errorf("strategy: borrow_ratio 必须位于[0,0.9],当前为 %f", borrowRatio)
	}
	minOrder := param(cfg.Params, "min_order", 10)
	if minOrder < 0 {
		return nil, fmt.Errorf("strategy: min_order 不能为负")
	}

	return &carryDecider{
		venue:       venue,
		assets:      append([]string(nil), cfg.Assets...),
		deploy:      deploy,
		borrowRatio: borrowRatio,
		minOrder:    minOrder,
		logger:      logger,
	}, nil
}

func (d *carryDecider) Name() string {
	return "carry"
}

// Decide 把闲置余额按 deploy 比例存入池子;配置了 borrow_ratio 时,
// 将债务补到目标质押率。债务逼近目标后自然收敛,不会无限加杠杆。
func (d *carryDecider) Decide(ctx context.Context, view View) ([]order.Instruction, error) {
	if view.Halted {
		d.logger.Warn("风控停机,本轮不做存借", zap.String("tick_id", view.TickID))
		return nil, nil
	}

	baseCcy := view.BaseCurrency

	var supplies []order.Instruction
	var suppliedValue float64
	for _, asset := range d.assets {
		price, ok := view.Price(asset)
		if !ok || price <= 0 {
			d.logger.Warn("资产缺少报价,跳过存入", zap.String("asset", asset))
			continue
		}
		idle := view.Positions.Amount(d.venue, asset)
		amount := idle * d.deploy
		if amount*price < d.minOrder {
			continue
		}
		wrapped := quote.WrappedPrefix + asset
		units := amount / view.Index(wrapped)
		supplies = append(supplies, order.Instruction{
			Kind:   order.KindContractAction,
			Venue:  d.venue,
			Asset:  asset,
			Side:   order.SideSupply,
			Amount: amount,
			Expected: []order.Delta{
				{Venue: d.venue, Asset: asset, Amount: -amount},
				{Venue: d.venue, Asset: wrapped, Amount: units},
			},
			Mode: order.ModeIndependent,
		})
		suppliedValue += amount * price
	}

	borrowAmount := 0.0
	if d.borrowRatio > 0 {
		collateral := suppliedValue
		for _, asset := range d.assets {
			wrapped := quote.WrappedPrefix + asset
			units := view.Positions.Amount(d.venue, wrapped)
			if units == 0 {
				continue
			}
			price, ok := view.Price(asset)
			if !ok {
				continue
			}
			collateral += units * view.Index(wrapped) * price
		}
		debt := view.Positions.Amount(d.venue, quote.DebtPrefix+baseCcy)
		if headroom := d.borrowRatio*collateral - debt; headroom >= d.minOrder {
			borrowAmount = headroom
		}
	}

	out := supplies
	if borrowAmount > 0 {
		borrow := order.Instruction{
			Kind:   order.KindContractAction,
			Venue:  d.venue,
			Asset:  baseCcy,
			Side:   order.SideBorrow,
			Amount: borrowAmount,
			Expected: []order.Delta{
				{Venue: d.venue, Asset: baseCcy, Amount: borrowAmount},
				{Venue: d.venue, Asset: quote.DebtPrefix + baseCcy, Amount: borrowAmount},
			},
			Mode: order.ModeIndependent,
		}
		out = append(out, borrow)
		if len(supplies) > 0 {
			// 有新增抵押时,存入与借出必须整体成立。
			for i := range out {
				out[i].Mode = order.ModeAtomic
				out[i].GroupID = "carry"
				out[i].GroupSeq = i
			}
		}
	}

	if len(out) > 0 {
		d.logger.Info("生成存借指令",
			zap.String("tick_id", view.TickID),
			zap.Int("supplies", len(supplies)),
			zap.Bool("borrow", borrowAmount > 0))
	}
	return out, nil
}
