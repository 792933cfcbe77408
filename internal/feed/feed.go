package feed

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"yield-engine/internal/config"
	"yield-engine/internal/quote"
	"yield-engine/internal/venue"
)

const (
	feedMaxAttempts = 3
	feedMinDelay    = 500 * time.Millisecond
	feedMaxDelay    = 5 * time.Second
	feedCandleLimit = 2
)

// candleSource 是行情拉取的最小依赖面。
type candleSource interface {
	FetchOHLCV(symbol string, options ...ccxt.FetchOHLCVOptions) ([]ccxt.OHLCV, error)
}

// Service 在实盘模式下周期性拉取参考价并写入估值表。
// 回测模式不使用本服务,价格由回放文件驱动。
type Service struct {
	cfg         config.FeedConfig
	board       *quote.Board
	source      candleSource
	loadMarkets func() error
	pairs       []pricePair
	logger      *zap.Logger

	marketsMu     sync.Mutex
	marketsLoaded bool
}

type pricePair struct {
	asset  string
	symbol string
}

// New 构造参考价服务。行情为公开数据,无需凭证。
func New(cfg config.FeedConfig, assets []string, board *quote.Board, logger *zap.Logger) (*Service, error) {
	if board == nil {
		return nil, errors.New("feed: 估值表不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	svc := &Service{
		cfg:    cfg,
		board:  board,
		logger: logger,
		pairs:  buildPairs(assets, board.Base()),
	}
	if len(svc.pairs) == 0 {
		return nil, errors.New("feed: 没有需要报价的资产")
	}

	userConfig := map[string]interface{}{
		"enableRateLimit": true,
	}

	switch strings.ToLower(cfg.Venue) {
	case "binance":
		ex := ccxt.NewBinance(userConfig)
		svc.source = ex
		svc.loadMarkets = func() error {
			_, err := ex.LoadMarkets()
			return err
		}
	case "binanceusdm":
		ex := ccxt.NewBinanceusdm(userConfig)
		svc.source = ex
		svc.loadMarkets = func() error {
			_, err := ex.LoadMarkets()
			return err
		}
	case "okx":
		ex := ccxt.NewOkx(userConfig)
		svc.source = ex
		svc.loadMarkets = func() error {
			_, err := ex.LoadMarkets()
			return err
		}
	case "hyperliquid":
		ex := ccxt.NewHyperliquid(userConfig)
		svc.source = ex
		svc.loadMarkets = func() error {
			_, err := ex.LoadMarkets()
			return err
		}
	default:
		return nil, fmt.Errorf("feed: 不支持的行情场所 %s", cfg.Venue)
	}

	return svc, nil
}

// buildPairs 把策略资产折算成需要报价的底层资产与现货交易对。
// 基准货币自身恒为1,不需要行情。
func buildPairs(assets []string, base string) []pricePair {
	seen := make(map[string]struct{}, len(assets))
	pairs := make([]pricePair, 0, len(assets))
	for _, asset := range assets {
		underlying := quote.Underlying(asset)
		if underlying == base {
			continue
		}
		if _, ok := seen[underlying]; ok {
			continue
		}
		seen[underlying] = struct{}{}
		pairs = append(pairs, pricePair{
			asset:  underlying,
			symbol: fmt.Sprintf("%s/%s", underlying, base),
		})
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].asset < pairs[j].asset })
	return pairs
}

// Assets 返回服务覆盖的底层资产列表。
func (s *Service) Assets() []string {
	out := make([]string, 0, len(s.pairs))
	for _, pair := range s.pairs {
		out = append(out, pair.asset)
	}
	return out
}

// RefreshOnce 并发拉取全部资产的最新收盘价并整批写入估值表。
func (s *Service) RefreshOnce(ctx context.Context) error {
	if err := s.ensureMarketsLoaded(ctx); err != nil {
		return err
	}

	closes := make([]float64, len(s.pairs))
	group, groupCtx := errgroup.WithContext(ctx)
	for i, pair := range s.pairs {
		group.Go(func() error {
			price, err := s.fetchClose(groupCtx, pair.symbol)
			if err != nil {
				return err
			}
			closes[i] = price
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return err
	}

	prices := make(map[string]float64, len(s.pairs))
	for i, pair := range s.pairs {
		prices[pair.asset] = closes[i]
	}
	s.board.SetPrices(prices, time.Now().UTC())

	s.logger.Debug("参考价已更新", zap.Int("assets", len(prices)))
	return nil
}

// Run 启动周期刷新循环,直到上下文取消。
// 单轮失败只记录告警,估值沿用上一轮报价。
func (s *Service) Run(ctx context.Context) error {
	s.logger.Info("参考价服务已启动",
		zap.String("venue", s.cfg.Venue),
		zap.String("timeframe", s.cfg.Timeframe),
		zap.Duration("interval", s.cfg.RefreshInterval),
		zap.Strings("assets", s.Assets()))

	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("参考价服务已停止")
			return ctx.Err()
		case <-ticker.C:
			if err := s.RefreshOnce(ctx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				s.logger.Warn("参考价刷新失败,沿用上一轮报价", zap.Error(err))
			}
		}
	}
}

// fetchClose 返回交易对最近一根K线的收盘价。
func (s *Service) fetchClose(ctx context.Context, symbol string) (float64, error) {
	var raw []ccxt.OHLCV

	err := s.withRetry(ctx, fmt.Sprintf("fetch_ohlcv_%s", symbol), func() error {
		result, err := s.source.FetchOHLCV(
			symbol,
			ccxt.WithFetchOHLCVTimeframe(s.cfg.Timeframe),
			ccxt.WithFetchOHLCVLimit(feedCandleLimit),
		)
		if err != nil {
			return err
		}
		raw = result
		return nil
	})
	if err != nil {
		return 0, err
	}

	for i := len(raw) - 1; i >= 0; i-- {
		if raw[i].Close > 0 {
			return raw[i].Close, nil
		}
	}
	return 0, fmt.Errorf("feed: %s 未返回有效K线", symbol)
}

func (s *Service) ensureMarketsLoaded(ctx context.Context) error {
	if s.marketsLoaded {
		return nil
	}

	s.marketsMu.Lock()
	defer s.marketsMu.Unlock()

	if s.marketsLoaded {
		return nil
	}

	if err := s.withRetry(ctx, "load_markets", s.loadMarkets); err != nil {
		return err
	}

	s.marketsLoaded = true
	s.logger.Info("已完成行情市场元数据加载", zap.String("venue", s.cfg.Venue))
	return nil
}

// withRetry 以指数退避重试可恢复的行情错误。
func (s *Service) withRetry(ctx context.Context, operation string, fn func() error) error {
	attempt := 0
	delay := feedMinDelay

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
				s.logger.Info("行情调用重试后成功",
					zap.String("operation", operation),
					zap.Int("attempts", attempt),
					zap.Duration("latency", latency))
			}
			return nil
		}

		if !venue.IsRetryable(err) || attempt >= feedMaxAttempts {
			s.logger.Error("行情调用失败",
				zap.String("operation", operation),
				zap.Int("attempts", attempt),
				zap.Duration("latency", latency),
				zap.Error(err))
			return err
		}

		wait := delay
		if wait > feedMaxDelay {
			wait = feedMaxDelay
		}
		s.logger.Warn("行情调用失败,等待重试",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err))

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		delay *= 2
		if delay > feedMaxDelay {
			delay = feedMaxDelay
		}
	}
}
