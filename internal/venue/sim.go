package venue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"yield-engine/internal/order"
	"yield-engine/internal/quote"
)

const simEpsilon = 1e-9

// simWorld 是全部模拟场所共享的余额真相。
// 划转需要同时动两个场所,单把锁保证每笔成交原子可见。
type simWorld struct {
	mu       sync.Mutex
	balances map[string]map[string]float64
}

func newSimWorld(initial map[string]map[string]float64) *simWorld {
	world := &simWorld{balances: make(map[string]map[string]float64)}
	for venue, assets := range initial {
		venueCopy := make(map[string]float64, len(assets))
		for asset, amount := range assets {
			venueCopy[asset] = amount
		}
		world.balances[venue] = venueCopy
	}
	return world
}

func (w *simWorld) venueBalances(venue string) map[string]float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make(map[string]float64, len(w.balances[venue]))
	for asset, amount := range w.balances[venue] {
		out[asset] = amount
	}
	return out
}

// SimFactory 构造共享同一模拟世界的回测客户端。
// 成交即时、确定,价格一律取自报价表。
type SimFactory struct {
	Board   *quote.Board
	FeeRate float64
	Initial map[string]map[string]float64
	Logger  *zap.Logger

	once  sync.Once
	world *simWorld
}

// Build 实现 ClientFactory。任何类别都映射到同一种模拟客户端。
func (f *SimFactory) Build(name string, spec Spec, ep Endpoint) (Client, error) {
	f.once.Do(func() {
		f.world = newSimWorld(f.Initial)
	})
	logger := f.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &simClient{
		name:     name,
		category: spec.Category,
		board:    f.Board,
		feeRate:  f.FeeRate,
		world:    f.world,
		logger:   logger,
	}, nil
}

// simClient 以报价表价格即时成交的确定性场所。
type simClient struct {
	name     string
	category Category
	board    *quote.Board
	feeRate  float64
	world    *simWorld
	logger   *zap.Logger
}

func (s *simClient) Name() string {
	return s.name
}

func (s *simClient) Category() Category {
	return s.category
}

func (s *simClient) Balances(ctx context.Context) (map[string]float64, error) {
	return s.world.venueBalances(s.name), nil
}

// Execute 按指令类别结算并返回精确的实际变化。
// 实际变化由成交本身推导,手续费造成的与预期的偏差交给对账容差吸收。
func (s *simClient) Execute(ctx context.Context, ins order.Instruction) (order.Trade, error) {
	trade := order.Trade{
		InstructionID: ins.ID,
		Status:        order.TradeFailed,
		VenueRef:      "sim-" + ins.ID,
		Timestamp:     time.Now().UTC(),
	}

	s.world.mu.Lock()
	defer s.world.mu.Unlock()

	var deltas []order.Delta
	var fee float64
	var feeCurrency string
	var err error

	switch ins.Kind {
	case order.KindCentralizedTrade:
		deltas, fee, feeCurrency, err = s.settleTrade(ins)
	case order.KindContractAction:
		deltas, err = s.settleContract(ins)
	case order.KindWalletTransfer:
		deltas, err = s.settleTransfer(ins)
	default:
		err = fmt.Errorf("venue: 模拟场所不支持指令类别 %s", ins.Kind)
	}

	if err != nil {
		trade.Status = order.TradeRejected
		trade.ErrCode = order.ErrCodeRejected
		trade.ErrMsg = err.Error()
		return trade, err
	}

	for _, d := range deltas {
		s.credit(d.Venue, d.Asset, d.Amount)
	}

	trade.Status = order.TradeFilled
	trade.Actual = deltas
	trade.Fee = fee
	trade.FeeCurrency = feeCurrency
	return trade, nil
}

// settleTrade 结算市价单。买入消耗计价资产,卖出消耗基础资产。
func (s *simClient) settleTrade(ins order.Instruction) ([]order.Delta, float64, string, error) {
	base, quoteAsset, err := order.SplitPair(ins.Pair)
	if err != nil {
		return nil, 0, "", err
	}

	pairPrice, err := s.board.Convert(1, base, quoteAsset)
	if err != nil {
		return nil, 0, "", err
	}
	if pairPrice <= 0 {
		return nil, 0, "", fmt.Errorf("venue: 交易对 %s 价格无效", ins.Pair)
	}

	switch ins.Side {
	case order.SideBuy:
		if err := s.requireBalance(ins.Venue, quoteAsset, ins.Amount); err != nil {
			return nil, 0, "", err
		}
		fee := ins.Amount * s.feeRate
		baseGained := (ins.Amount - fee) / pairPrice
		return []order.Delta{
			{Venue: ins.Venue, Asset: quoteAsset, Amount: -ins.Amount},
			{Venue: ins.Venue, Asset: base, Amount: baseGained},
		}, fee, quoteAsset, nil
	case order.SideSell:
		if err := s.requireBalance(ins.Venue, base, ins.Amount); err != nil {
			return nil, 0, "", err
		}
		gross := ins.Amount * pairPrice
		fee := gross * s.feeRate
		return []order.Delta{
			{Venue: ins.Venue, Asset: base, Amount: -ins.Amount},
			{Venue: ins.Venue, Asset: quoteAsset, Amount: gross - fee},
		}, fee, quoteAsset, nil
	default:
		return nil, 0, "", fmt.Errorf("venue: 模拟成交不支持方向 %s", ins.Side)
	}
}

// settleContract 结算借贷池动作。包装头寸按当前指数折算单位。
func (s *simClient) settleContract(ins order.Instruction) ([]order.Delta, error) {
	wrapped := quote.WrappedPrefix + ins.Asset
	debt := quote.DebtPrefix + ins.Asset

	switch ins.Side {
	case order.SideSupply:
		if err := s.requireBalance(ins.Venue, ins.Asset, ins.Amount); err != nil {
			return nil, err
		}
		units := s.board.FromUnderlying(ins.Amount, wrapped)
		return []order.Delta{
			{Venue: ins.Venue, Asset: ins.Asset, Amount: -ins.Amount},
			{Venue: ins.Venue, Asset: wrapped, Amount: units},
		}, nil
	case order.SideWithdraw:
		units := s.board.FromUnderlying(ins.Amount, wrapped)
		if err := s.requireBalance(ins.Venue, wrapped, units); err != nil {
			return nil, err
		}
		return []order.Delta{
			{Venue: ins.Venue, Asset: wrapped, Amount: -units},
			{Venue: ins.Venue, Asset: ins.Asset, Amount: ins.Amount},
		}, nil
	case order.SideBorrow:
		return []order.Delta{
			{Venue: ins.Venue, Asset: ins.Asset, Amount: ins.Amount},
			{Venue: ins.Venue, Asset: debt, Amount: ins.Amount},
		}, nil
	case order.SideRepay:
		if err := s.requireBalance(ins.Venue, ins.Asset, ins.Amount); err != nil {
			return nil, err
		}
		if err := s.requireBalance(ins.Venue, debt, ins.Amount); err != nil {
			return nil, err
		}
		return []order.Delta{
			{Venue: ins.Venue, Asset: ins.Asset, Amount: -ins.Amount},
			{Venue: ins.Venue, Asset: debt, Amount: -ins.Amount},
		}, nil
	default:
		return nil, fmt.Errorf("venue: 模拟借贷池不支持方向 %s", ins.Side)
	}
}

// settleTransfer 结算场所间划转,借记与贷记在同一把锁下完成。
func (s *simClient) settleTransfer(ins order.Instruction) ([]order.Delta, error) {
	if err := s.requireBalance(ins.From, ins.Asset, ins.Amount); err != nil {
		return nil, err
	}
	return []order.Delta{
		{Venue: ins.From, Asset: ins.Asset, Amount: -ins.Amount},
		{Venue: ins.To, Asset: ins.Asset, Amount: ins.Amount},
	}, nil
}

// requireBalance 仅在持世界锁时调用。
func (s *simClient) requireBalance(venue, asset string, amount float64) error {
	current := s.world.balances[venue][asset]
	if current+simEpsilon < amount {
		return fmt.Errorf("venue: 场所 %s 资产 %s 余额不足,需要 %f 仅有 %f", venue, asset, amount, current)
	}
	return nil
}

// credit 仅在持世界锁时调用。
func (s *simClient) credit(venue, asset string, delta float64) {
	assets, ok := s.world.balances[venue]
	if !ok {
		assets = make(map[string]float64)
		s.world.balances[venue] = assets
	}
	assets[asset] += delta
}
