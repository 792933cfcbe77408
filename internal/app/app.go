package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"yield-engine/internal/backtest"
	"yield-engine/internal/config"
	"yield-engine/internal/feed"
	"yield-engine/internal/journal"
	"yield-engine/internal/loop"
	"yield-engine/internal/order"
	"yield-engine/internal/position"
	"yield-engine/internal/quote"
	"yield-engine/internal/reconcile"
	"yield-engine/internal/risk"
	"yield-engine/internal/router"
	"yield-engine/internal/store"
	"yield-engine/internal/strategy"
	"yield-engine/internal/venue"
)

// App 聚合核心依赖并驱动系统生命周期。
type App struct {
	cfg    *config.Config
	logger *zap.Logger
	store  *store.Store
}

// New 创建 App 实例。
func New(cfg *config.Config, logger *zap.Logger, store *store.Store) *App {
	return &App{
		cfg:    cfg,
		logger: logger,
		store:  store,
	}
}

// engine 聚合一次运行装配出的全部组件。
// 实盘与回测共享同一装配路径,差异只在工厂与观测器注入。
type engine struct {
	board    *quote.Board
	book     *position.Book
	registry *venue.Registry
	journal  *journal.Service
	sched    *loop.Scheduler
}

// Run 按运行模式装配组件并驱动闭环,阻塞直到回放结束或收到退出信号。
func (a *App) Run(ctx context.Context) error {
	if a.cfg.App.IsBacktest() {
		return a.runBacktest(ctx)
	}
	return a.runLive(ctx)
}

// buildEngine 完成一次运行的全部装配。任何组件装配失败都立即终止,
// 不存在缺着部件启动的降级路径。
func (a *App) buildEngine() (*engine, error) {
	cfg := a.cfg
	board := quote.NewBoard(cfg.Portfolio.BaseCurrency)

	jnl, err := journal.NewService(a.store, order.NewID(), a.logger)
	if err != nil {
		return nil, fmt.Errorf("初始化审计服务失败: %w", err)
	}

	hook := func(rec position.ApplyRecord) {
		jnl.RecordApply(context.Background(), journal.ApplyPayload{
			Venue:  rec.Venue,
			Asset:  rec.Asset,
			Delta:  rec.Delta,
			Result: rec.Result,
			At:     rec.At,
		})
	}

	// 回测的初始余额来自配置;实盘以空账本起步,
	// 启动阶段再以场所余额为真相重建。
	var initial map[string]map[string]float64
	if cfg.App.IsBacktest() {
		initial = cfg.Portfolio.InitialBalances
	}
	book := position.NewBook(initial, hook, a.logger)

	catalog, err := venue.LoadCatalog(cfg.Venues.CatalogPath)
	if err != nil {
		return nil, fmt.Errorf("加载场所目录失败: %w", err)
	}

	var factory venue.ClientFactory
	if cfg.App.IsBacktest() {
		factory = &venue.SimFactory{
			Board:   board,
			FeeRate: cfg.Backtest.FeeRate,
			Initial: cfg.Portfolio.InitialBalances,
			Logger:  a.logger,
		}
	} else {
		factory = &venue.RealFactory{Logger: a.logger}
	}

	registry, err := venue.NewRegistry(catalog, cfg.App.Environment, requiredVenues(cfg.Strategy.Venues), factory, a.logger)
	if err != nil {
		return nil, fmt.Errorf("初始化场所注册表失败: %w", err)
	}

	rt := router.New(registry, cfg.Execution, a.logger)

	recEngine, err := reconcile.New(cfg.Reconcile, a.logger)
	if err != nil {
		return nil, fmt.Errorf("初始化对账引擎失败: %w", err)
	}

	// 回测不注入观测器,对账失配单次判定立即失败;
	// 实盘注入注册表,失配时以场所余额重新观测后重试。
	var observer loop.Observer
	if !cfg.App.IsBacktest() {
		observer = registry
	}

	orch, err := loop.NewOrchestrator(rt, recEngine, book, jnl, observer, a.logger)
	if err != nil {
		return nil, fmt.Errorf("初始化闭环协调器失败: %w", err)
	}

	reporter, err := risk.NewReporter(board, a.logger)
	if err != nil {
		return nil, fmt.Errorf("初始化敞口评估失败: %w", err)
	}

	tracker, err := risk.NewDailyTracker(a.store, cfg.Risk, a.logger)
	if err != nil {
		return nil, fmt.Errorf("初始化日度风控失败: %w", err)
	}

	decider, err := strategy.New(cfg.Strategy, a.logger)
	if err != nil {
		return nil, fmt.Errorf("初始化策略失败: %w", err)
	}

	sched, err := loop.NewScheduler(loop.Options{
		Config:             cfg.Scheduler,
		BaseCurrency:       cfg.Portfolio.BaseCurrency,
		FirstTickBootstrap: cfg.App.IsBacktest(),
		Decider:            decider,
		Orchestrator:       orch,
		Book:               book,
		Board:              board,
		Reporter:           reporter,
		Tracker:            tracker,
		Journal:            jnl,
		Logger:             a.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("初始化调度器失败: %w", err)
	}

	return &engine{
		board:    board,
		book:     book,
		registry: registry,
		journal:  jnl,
		sched:    sched,
	}, nil
}

// runLive 驱动实盘闭环:参考价先行,账本以场所余额重建,
// 之后行情刷新与调度循环并行运行,直到退出信号。
func (a *App) runLive(ctx context.Context) error {
	eng, err := a.buildEngine()
	if err != nil {
		return err
	}

	a.logger.Info("收益引擎已初始化",
		zap.String("environment", a.cfg.App.Environment),
		zap.String("mode", a.cfg.App.Mode),
		zap.String("strategy", a.cfg.Strategy.Name),
		zap.Strings("venues", requiredVenues(a.cfg.Strategy.Venues)))

	eng.journal.RecordRunStart(ctx, a.cfg.App.Mode, a.cfg.Strategy.Name)

	feedSvc, err := feed.New(a.cfg.Feed, a.cfg.Strategy.Assets, eng.board, a.logger)
	if err != nil {
		return fmt.Errorf("初始化参考价服务失败: %w", err)
	}
	if err := feedSvc.RefreshOnce(ctx); err != nil {
		return fmt.Errorf("首次拉取参考价失败: %w", err)
	}

	clients := make(map[string]position.BalanceClient)
	for name, client := range eng.registry.Clients() {
		clients[name] = client
	}
	corrections, err := eng.book.RefreshAll(ctx, clients)
	if err != nil {
		return fmt.Errorf("以场所余额重建账本失败: %w", err)
	}
	for venueName, deltas := range corrections {
		if len(deltas) > 0 {
			a.logger.Info("启动阶段账本已按场所余额修正",
				zap.String("venue", venueName),
				zap.Int("corrections", len(deltas)))
		}
	}

	if a.cfg.Monitor.Enabled {
		startMonitorServer(ctx, eng, a.cfg.Monitor.ListenAddr, a.logger)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return feedSvc.Run(gctx)
	})
	g.Go(func() error {
		return eng.sched.Run(gctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("系统异常退出: %w", err)
	}
	a.logger.Info("系统收到退出信号,正在停止")
	return nil
}

// runBacktest 回放历史价格并输出报告。价格由回放文件驱动,
// 除此之外与实盘走完全相同的闭环路径。
func (a *App) runBacktest(ctx context.Context) error {
	eng, err := a.buildEngine()
	if err != nil {
		return err
	}

	a.logger.Info("回测引擎已初始化",
		zap.String("strategy", a.cfg.Strategy.Name),
		zap.String("prices", a.cfg.Backtest.PricesPath),
		zap.Strings("venues", requiredVenues(a.cfg.Strategy.Venues)))

	eng.journal.RecordRunStart(ctx, a.cfg.App.Mode, a.cfg.Strategy.Name)

	points, err := backtest.LoadPriceFile(a.cfg.Backtest.PricesPath, a.cfg.Backtest.StepInterval)
	if err != nil {
		return fmt.Errorf("加载回放价格失败: %w", err)
	}

	runner, err := backtest.NewRunner(a.cfg.Backtest, backtest.NewSlicePriceProvider(points), eng.board, eng.book, eng.sched, a.logger)
	if err != nil {
		return fmt.Errorf("初始化回测失败: %w", err)
	}

	result, err := runner.Run(ctx)
	if err != nil {
		return fmt.Errorf("回测执行失败: %w", err)
	}

	backtest.WriteReport(os.Stdout, result)
	return nil
}

// requiredVenues 取策略角色映射中的场所名,去重后按字典序返回。
func requiredVenues(roles map[string]string) []string {
	seen := make(map[string]struct{}, len(roles))
	names := make([]string, 0, len(roles))
	for _, name := range roles {
		if name == "" {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
