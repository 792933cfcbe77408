package risk

import (
	"errors"
	"math"

	"go.uber.org/zap"

	"yield-engine/internal/position"
	"yield-engine/internal/quote"
)

// Reporter 基于行情面板对持仓快照做估值与敞口评估。
// 调度器每轮用它得到净值,再交给 DailyTracker 更新日度状态。
type Reporter struct {
	board  *quote.Board
	logger *zap.Logger
}

// NewReporter 创建敞口评估器。
func NewReporter(board *quote.Board, logger *zap.Logger) (*Reporter, error) {
	if board == nil {
		return nil, errors.New("risk: 行情面板不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reporter{board: board, logger: logger}, nil
}

// Assess 对快照估值并统计各场所敞口。
// 包装头寸按指数折算,债务取负值;缺少报价的资产按零计入并告警。
func (r *Reporter) Assess(snap position.Snapshot) Assessment {
	out := Assessment{
		GeneratedAt: snap.TakenAt,
		ByVenue:     make(map[string]float64),
	}

	for venue, assets := range snap.Amounts() {
		var venueValue float64
		for asset, amount := range assets {
			if amount == 0 {
				continue
			}
			price, ok := r.board.Price(quote.Underlying(asset))
			if !ok {
				r.logger.Warn("资产缺少报价,估值按零处理",
					zap.String("venue", venue),
					zap.String("asset", asset))
				continue
			}
			value := r.board.ToUnderlying(amount, asset) * price
			switch {
			case quote.IsDebt(asset):
				out.DebtValue += value
				venueValue -= value
			case quote.IsWrapped(asset):
				out.LockedValue += value
				venueValue += value
			default:
				venueValue += value
			}
			out.GrossValue += math.Abs(value)
		}
		out.ByVenue[venue] = venueValue
		out.Equity += venueValue
	}

	if out.GrossValue > 0 {
		for _, value := range out.ByVenue {
			if share := math.Abs(value) / out.GrossValue; share > out.TopConcentration {
				out.TopConcentration = share
			}
		}
	}

	return out
}
