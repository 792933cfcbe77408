package backtest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"yield-engine/internal/config"
	"yield-engine/internal/loop"
	"yield-engine/internal/position"
	"yield-engine/internal/quote"
)

// Result 汇总回测结果。
type Result struct {
	Metrics      Metrics
	EquityCurve  []float64
	ReturnSeries []float64
	Ticks        int
	Instructions int
	Verified     int
	FinalEquity  float64
	Positions    position.Snapshot
	StartedAt    time.Time
	EndedAt      time.Time
}

// Runner 以历史价格序列驱动调度器,复用实盘的全部闭环路径。
// 回放期间任何一轮失败都立即中止,失败的轮次与指令原样上抛。
type Runner struct {
	cfg      config.BacktestConfig
	provider PriceProvider
	board    *quote.Board
	book     *position.Book
	sched    *loop.Scheduler
	logger   *zap.Logger
}

// NewRunner 构建回测回放器。
func NewRunner(cfg config.BacktestConfig, provider PriceProvider, board *quote.Board, book *position.Book, sched *loop.Scheduler, logger *zap.Logger) (*Runner, error) {
	if provider == nil {
		return nil, fmt.Errorf("backtest: 价格源不能为空")
	}
	if board == nil {
		return nil, fmt.Errorf("backtest: 行情面板不能为空")
	}
	if book == nil {
		return nil, fmt.Errorf("backtest: 账本不能为空")
	}
	if sched == nil {
		return nil, fmt.Errorf("backtest: 调度器不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		cfg:      cfg,
		provider: provider,
		board:    board,
		book:     book,
		sched:    sched,
		logger:   logger,
	}, nil
}

// Run 执行完整回放:推进报价、驱动一轮调度、累积权益曲线。
func (r *Runner) Run(ctx context.Context) (Result, error) {
	var result Result
	var curve, returns []float64

	for {
		point, ok, err := r.provider.Next(ctx)
		if err != nil {
			return Result{}, fmt.Errorf("backtest: 读取价格点失败: %w", err)
		}
		if !ok {
			break
		}

		r.board.SetPrices(point.Prices, point.At)
		for asset, idx := range point.Indexes {
			r.board.SetIndex(asset, idx)
		}

		report, err := r.sched.Tick(ctx, point.At)
		if err != nil {
			return Result{}, fmt.Errorf("backtest: 回放在 %s 中止: %w", report.TickID, err)
		}

		if result.Ticks == 0 {
			result.StartedAt = point.At
		}
		result.EndedAt = point.At
		result.Ticks++
		result.Instructions += report.Instructions
		result.Verified += report.Verified

		if last := len(curve) - 1; last >= 0 && curve[last] > 0 {
			returns = append(returns, report.Equity/curve[last]-1)
		}
		curve = append(curve, report.Equity)
	}

	if result.Ticks == 0 {
		return Result{}, errors.New("backtest: 价格序列为空,无法回放")
	}

	// 每轮权益在批次执行前评估,末轮批次的效果要靠期末估值收口。
	result.Positions = r.book.Snapshot()
	if final, err := r.board.Value(result.Positions.Amounts()); err == nil {
		if last := curve[len(curve)-1]; last > 0 {
			returns = append(returns, final/last-1)
		}
		curve = append(curve, final)
	} else {
		r.logger.Warn("期末估值失败,以末轮权益收口", zap.Error(err))
	}

	result.EquityCurve = curve
	result.ReturnSeries = returns
	result.FinalEquity = curve[len(curve)-1]
	result.Metrics = calculateMetrics(curve, returns, r.metricsStep(result))

	r.logger.Info("回测完成",
		zap.Int("ticks", result.Ticks),
		zap.Int("instructions", result.Instructions),
		zap.Int("verified", result.Verified),
		zap.Float64("final_equity", result.FinalEquity),
		zap.Float64("total_return", result.Metrics.TotalReturn))
	return result, nil
}

// metricsStep 从回放序列推算步长,单点序列退回配置值。
func (r *Runner) metricsStep(result Result) time.Duration {
	if result.Ticks > 1 {
		return result.EndedAt.Sub(result.StartedAt) / time.Duration(result.Ticks-1)
	}
	if r.cfg.StepInterval > 0 {
		return r.cfg.StepInterval
	}
	return time.Minute
}
