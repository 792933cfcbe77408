package router

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"yield-engine/internal/config"
	"yield-engine/internal/order"
	"yield-engine/internal/venue"
)

// 指令类别到场所类别的静态映射。能力边界在此处裁决,
// 下游客户端只会收到自己类别内的指令。
var kindCategory = map[order.Kind]venue.Category{
	order.KindCentralizedTrade: venue.CategoryCEX,
	order.KindContractAction:   venue.CategoryChain,
	order.KindWalletTransfer:   venue.CategoryWallet,
}

type clientResolver interface {
	Resolve(name string) (venue.Client, error)
}

// Router 将指令解析到具体场所客户端并下发。
type Router struct {
	resolver clientResolver
	timeout  time.Duration
	maxGroup int
	logger   *zap.Logger
}

// New 创建执行路由。
func New(resolver clientResolver, cfg config.ExecutionConfig, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		resolver: resolver,
		timeout:  cfg.VenueTimeout,
		maxGroup: cfg.MaxGroupSize,
		logger:   logger,
	}
}

// Route 校验并下发单条指令。场所侧失败以回执形式返回,
// 不会升级为引擎错误;错误值供调用方判定与记录。
func (r *Router) Route(ctx context.Context, ins order.Instruction) (order.Trade, error) {
	if err := ins.Validate(); err != nil {
		return rejectedTrade(ins, order.ErrCodeValidation, err), err
	}

	wantCategory, ok := kindCategory[ins.Kind]
	if !ok {
		err := fmt.Errorf("router: 指令类别 %s 没有可用执行轨道", ins.Kind)
		return rejectedTrade(ins, order.ErrCodeRouting, err), err
	}

	client, err := r.resolver.Resolve(ins.Venue)
	if err != nil {
		err = fmt.Errorf("router: 解析场所失败: %w", err)
		return rejectedTrade(ins, order.ErrCodeRouting, err), err
	}

	if client.Category() != wantCategory {
		err := fmt.Errorf("router: 指令类别 %s 不能路由到 %s 类场所 %s", ins.Kind, client.Category(), ins.Venue)
		return rejectedTrade(ins, order.ErrCodeRouting, err), err
	}

	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	trade, execErr := client.Execute(callCtx, ins)
	latency := time.Since(start)

	if execErr != nil {
		r.logger.Warn("指令执行失败",
			zap.String("instruction", ins.ID),
			zap.String("venue", ins.Venue),
			zap.String("kind", string(ins.Kind)),
			zap.String("err_code", trade.ErrCode),
			zap.Duration("latency", latency),
			zap.Error(execErr))
		return trade, execErr
	}

	r.logger.Info("指令执行完成",
		zap.String("instruction", ins.ID),
		zap.String("venue", ins.Venue),
		zap.String("kind", string(ins.Kind)),
		zap.String("status", string(trade.Status)),
		zap.String("venue_ref", trade.VenueRef),
		zap.Duration("latency", latency))
	return trade, nil
}

// StepFunc 在编组成员成交后、下一成员下发前被调用,
// 调用方在此完成入账与对账;返回错误同样中断编组。
type StepFunc func(ins order.Instruction, trade order.Trade) error

// RouteGroup 按序号顺序下发原子编组,任一成员失败或 step
// 报错立即停止,其余成员不再下发。返回已产生的回执与聚合错误。
func (r *Router) RouteGroup(ctx context.Context, members []order.Instruction, step StepFunc) ([]order.Trade, error) {
	if err := order.ValidateGroup(members); err != nil {
		return nil, err
	}
	if len(members) > r.maxGroup {
		return nil, fmt.Errorf("router: 编组成员数 %d 超过上限 %d", len(members), r.maxGroup)
	}

	trades := make([]order.Trade, 0, len(members))
	for i, member := range members {
		trade, err := r.Route(ctx, member)
		trades = append(trades, trade)
		if err == nil && step != nil {
			err = step(member, trade)
		}
		if err != nil {
			skipped := len(members) - i - 1
			r.logger.Warn("原子编组中断",
				zap.String("group", member.GroupID),
				zap.String("failed_member", member.ID),
				zap.Int("skipped", skipped))
			return trades, multierr.Append(
				fmt.Errorf("router: 编组 %s 在成员 %s 处失败,%d 个成员未下发", member.GroupID, member.ID, skipped),
				err,
			)
		}
	}
	return trades, nil
}

func rejectedTrade(ins order.Instruction, code string, err error) order.Trade {
	return order.Trade{
		InstructionID: ins.ID,
		Status:        order.TradeRejected,
		ErrCode:       code,
		ErrMsg:        err.Error(),
		Timestamp:     time.Now().UTC(),
	}
}
