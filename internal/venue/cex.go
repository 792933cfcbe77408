package venue

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"go.uber.org/zap"

	"yield-engine/internal/order"
)

const (
	cexMaxAttempts = 3
	cexMinDelay    = 500 * time.Millisecond
	cexMaxDelay    = 5 * time.Second
)

type cexExchange interface {
	CreateMarketOrder(symbol string, side string, amount float64, options ...ccxt.CreateMarketOrderOptions) (ccxt.Order, error)
	FetchBalance(params ...interface{}) (ccxt.Balances, error)
}

// cexClient 通过 ccxt 驱动中心化交易所。
type cexClient struct {
	name        string
	exchange    cexExchange
	loadMarkets func() error
	logger      *zap.Logger

	marketsMu     sync.Mutex
	marketsLoaded bool
}

// newCEXClient 按场所名构造 ccxt 客户端。测试网环境启用沙盒模式。
func newCEXClient(name string, ep Endpoint, logger *zap.Logger) (*cexClient, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	apiKey, err := credential(ep, "api_key")
	if err != nil {
		return nil, err
	}
	apiSecret, err := credential(ep, "api_secret")
	if err != nil {
		return nil, err
	}

	userConfig := map[string]interface{}{
		"enableRateLimit": true,
		"apiKey":          apiKey,
		"secret":          apiSecret,
		"options": map[string]interface{}{
			"adjustForTimeDifference": true,
		},
	}
	if pass := optionalCredential(ep, "api_password"); pass != "" {
		userConfig["password"] = pass
	}
	if wallet := optionalCredential(ep, "wallet_address"); wallet != "" {
		userConfig["walletAddress"] = wallet
	}
	if pk := optionalCredential(ep, "private_key"); pk != "" {
		userConfig["privateKey"] = pk
	}

	client := &cexClient{name: name, logger: logger}

	switch strings.ToLower(name) {
	case "binance":
		ex := ccxt.NewBinance(userConfig)
		if ep.Testnet {
			ex.SetSandboxMode(true)
		}
		client.exchange = ex
		client.loadMarkets = func() error {
			_, err := ex.LoadMarkets()
			return err
		}
	case "binanceusdm":
		ex := ccxt.NewBinanceusdm(userConfig)
		if ep.Testnet {
			ex.SetSandboxMode(true)
		}
		client.exchange = ex
		client.loadMarkets = func() error {
			_, err := ex.LoadMarkets()
			return err
		}
	case "okx":
		ex := ccxt.NewOkx(userConfig)
		if ep.Testnet {
			ex.SetSandboxMode(true)
		}
		client.exchange = ex
		client.loadMarkets = func() error {
			_, err := ex.LoadMarkets()
			return err
		}
	case "hyperliquid":
		ex := ccxt.NewHyperliquid(userConfig)
		if ep.Testnet {
			ex.SetSandboxMode(true)
		}
		client.exchange = ex
		client.loadMarkets = func() error {
			_, err := ex.LoadMarkets()
			return err
		}
	default:
		return nil, fmt.Errorf("venue: 不支持的 CEX 场所 %s", name)
	}

	return client, nil
}

func (c *cexClient) Name() string {
	return c.name
}

func (c *cexClient) Category() Category {
	return CategoryCEX
}

// Execute 提交市价单。买入时 Amount 为消耗的计价资产数量,
// 委托数量取预期变化中基础资产的幅度;卖出时 Amount 即基础资产数量。
func (c *cexClient) Execute(ctx context.Context, ins order.Instruction) (order.Trade, error) {
	trade := order.Trade{
		InstructionID: ins.ID,
		Status:        order.TradeFailed,
		Timestamp:     time.Now().UTC(),
	}

	base, quote, err := order.SplitPair(ins.Pair)
	if err != nil {
		trade.Status = order.TradeRejected
		trade.ErrCode = order.ErrCodeValidation
		trade.ErrMsg = err.Error()
		return trade, err
	}

	if err := c.ensureMarketsLoaded(ctx); err != nil {
		trade.ErrCode = ClassifyCode(err)
		trade.ErrMsg = err.Error()
		return trade, err
	}

	baseAmount, err := c.orderAmount(ins, base)
	if err != nil {
		trade.Status = order.TradeRejected
		trade.ErrCode = order.ErrCodeValidation
		trade.ErrMsg = err.Error()
		return trade, err
	}

	params := map[string]interface{}{}
	if ins.Bounds != nil {
		if ins.Bounds.StopLoss > 0 {
			params["stopLossPrice"] = ins.Bounds.StopLoss
		}
		if ins.Bounds.TakeProfit > 0 {
			params["takeProfitPrice"] = ins.Bounds.TakeProfit
		}
	}

	var placed ccxt.Order
	submit := func() error {
		var opts []ccxt.CreateMarketOrderOptions
		if len(params) > 0 {
			opts = append(opts, ccxt.WithCreateMarketOrderParams(params))
		}
		result, err := c.exchange.CreateMarketOrder(ins.Pair, string(ins.Side), baseAmount, opts...)
		if err != nil {
			return err
		}
		placed = result
		return nil
	}

	if err := c.withRetry(ctx, "create_market_order", submit); err != nil {
		trade.ErrCode = ClassifyCode(err)
		trade.ErrMsg = err.Error()
		if trade.ErrCode == order.ErrCodeRejected {
			trade.Status = order.TradeRejected
		}
		return trade, err
	}

	c.fillTrade(&trade, ins, placed, base, quote, baseAmount)
	return trade, nil
}

// orderAmount 计算委托的基础资产数量。
func (c *cexClient) orderAmount(ins order.Instruction, base string) (float64, error) {
	if ins.Side == order.SideSell {
		return ins.Amount, nil
	}
	for _, d := range ins.Expected {
		if d.Venue == ins.Venue && d.Asset == base && d.Amount > 0 {
			return d.Amount, nil
		}
	}
	return 0, fmt.Errorf("venue: 买入指令缺少基础资产 %s 的预期变化", base)
}

// fillTrade 依据交易所回执推导实际变化,回执字段缺失时退回预期值。
func (c *cexClient) fillTrade(trade *order.Trade, ins order.Instruction, placed ccxt.Order, base, quote string, requested float64) {
	trade.Status = order.TradeFilled
	trade.VenueRef = derefString(placed.Id)

	filled := derefFloat(placed.Filled)
	avg := derefFloat(placed.Average)

	if filled > 0 && filled < requested*(1-1e-9) {
		trade.Status = order.TradePartial
	}

	if filled > 0 && avg > 0 {
		baseDelta := filled
		quoteDelta := -filled * avg
		if ins.Side == order.SideSell {
			baseDelta = -filled
			quoteDelta = filled * avg
		}
		trade.Actual = []order.Delta{
			{Venue: ins.Venue, Asset: base, Amount: baseDelta},
			{Venue: ins.Venue, Asset: quote, Amount: quoteDelta},
		}
		return
	}

	trade.Actual = append([]order.Delta(nil), ins.Expected...)
}

func (c *cexClient) Balances(ctx context.Context) (map[string]float64, error) {
	var raw ccxt.Balances
	err := c.withRetry(ctx, "fetch_balance", func() error {
		result, err := c.exchange.FetchBalance()
		if err != nil {
			return err
		}
		raw = result
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("venue: 获取 %s 余额失败: %w", c.name, err)
	}

	balances := make(map[string]float64)
	for asset, total := range raw.Total {
		if total == nil {
			continue
		}
		if math.Abs(*total) > 0 {
			balances[asset] = *total
		}
	}
	return balances, nil
}

func (c *cexClient) ensureMarketsLoaded(ctx context.Context) error {
	if c.marketsLoaded {
		return nil
	}

	c.marketsMu.Lock()
	defer c.marketsMu.Unlock()

	if c.marketsLoaded {
		return nil
	}

	if err := c.withRetry(ctx, "load_markets", c.loadMarkets); err != nil {
		return err
	}

	c.marketsLoaded = true
	c.logger.Info("已完成市场元数据加载", zap.String("venue", c.name))
	return nil
}

// withRetry 以指数退避重试可恢复的交易所错误。
func (c *cexClient) withRetry(ctx context.Context, operation string, fn func() error) error {
	attempt := 0
	delay := cexMinDelay

	for {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		attempt++
		start := time.Now()
		err := fn()
		latency := time.Since(start)
		if err == nil {
			if attempt > 1 {
				c.logger.Info("场所调用重试后成功",
					zap.String("venue", c.name),
					zap.String("operation", operation),
					zap.Int("attempts", attempt),
					zap.Duration("latency", latency))
			}
			return nil
		}

		normalized := normalizeMaintenance(err)
		if !IsRetryable(normalized) || attempt >= cexMaxAttempts {
			c.logger.Error("场所调用失败",
				zap.String("venue", c.name),
				zap.String("operation", operation),
				zap.Int("attempts", attempt),
				zap.Duration("latency", latency),
				zap.Error(normalized))
			return normalized
		}

		wait := delay
		if wait > cexMaxDelay {
			wait = cexMaxDelay
		}
		c.logger.Warn("场所调用失败,等待重试",
			zap.String("venue", c.name),
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(normalized))

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		delay *= 2
		if delay > cexMaxDelay {
			delay = cexMaxDelay
		}
	}
}

// normalizeMaintenance 将维护类错误替换为哨兵错误。
func normalizeMaintenance(err error) error {
	var ccxtErr *ccxt.Error
	if errors.As(err, &ccxtErr) && ccxtErr.Type == ccxt.OnMaintenanceErrType {
		message := strings.TrimSpace(ccxtErr.Message)
		if message == "" {
			message = "exchange under maintenance"
		}
		return fmt.Errorf("%w: %s", ErrMaintenance, message)
	}
	return err
}

func derefFloat(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}

func derefString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
