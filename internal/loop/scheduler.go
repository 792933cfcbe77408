package loop

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"yield-engine/internal/config"
	"yield-engine/internal/journal"
	"yield-engine/internal/order"
	"yield-engine/internal/position"
	"yield-engine/internal/quote"
	"yield-engine/internal/reconcile"
	"yield-engine/internal/risk"
	"yield-engine/internal/strategy"
)

// Options 聚合调度器的全部依赖。FirstTickBootstrap 在装配期决定:
// 回测首轮视为建仓轮,实盘重启不是。
type Options struct {
	Config             config.SchedulerConfig
	BaseCurrency       string
	FirstTickBootstrap bool
	Decider            strategy.Decider
	Orchestrator       *Orchestrator
	Book               *position.Book
	Board              *quote.Board
	Reporter           *risk.Reporter
	Tracker            *risk.DailyTracker
	Journal            *journal.Service
	Logger             *zap.Logger
}

// TickReport 汇总一轮调度的结果。
type TickReport struct {
	TickID       string
	At           time.Time
	Equity       float64
	Status       risk.DailyStatus
	Instructions int
	Verified     int
	Records      []reconcile.Record
}

// Health 供监控端点读取的运行概况。
type Health struct {
	Strategy string    `json:"strategy"`
	Tick     int       `json:"tick"`
	LastRun  time.Time `json:"last_run"`
	LastErr  string    `json:"last_error,omitempty"`
	Halted   bool      `json:"halted"`
}

// Scheduler 以固定节奏驱动 估值、决策、执行 的全闭环。
// 每轮之间严格串行,上一轮未结束绝不会开始下一轮。
type Scheduler struct {
	cfg       config.SchedulerConfig
	base      string
	bootstrap bool
	decider   strategy.Decider
	orch      *Orchestrator
	book      *position.Book
	board     *quote.Board
	reporter  *risk.Reporter
	tracker   *risk.DailyTracker
	journal   *journal.Service
	logger    *zap.Logger

	mu         sync.Mutex
	tick       int
	lastRun    time.Time
	lastErr    error
	lastStatus risk.DailyStatus
}

// NewScheduler 创建全闭环调度器。
func NewScheduler(opts Options) (*Scheduler, error) {
	if opts.Decider == nil {
		return nil, fmt.Errorf("loop: 策略不能为空")
	}
	if opts.Orchestrator == nil {
		return nil, fmt.Errorf("loop: 闭环协调器不能为空")
	}
	if opts.Book == nil {
		return nil, fmt.Errorf("loop: 账本不能为空")
	}
	if opts.Board == nil {
		return nil, fmt.Errorf("loop: 行情面板不能为空")
	}
	if opts.Reporter == nil {
		return nil, fmt.Errorf("loop: 敞口评估器不能为空")
	}
	if opts.Tracker == nil {
		return nil, fmt.Errorf("loop: 日度风控不能为空")
	}
	if opts.BaseCurrency == "" {
		return nil, fmt.Errorf("loop: 基准货币不能为空")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		cfg:       opts.Config,
		base:      opts.BaseCurrency,
		bootstrap: opts.FirstTickBootstrap,
		decider:   opts.Decider,
		orch:      opts.Orchestrator,
		book:      opts.Book,
		board:     opts.Board,
		reporter:  opts.Reporter,
		tracker:   opts.Tracker,
		journal:   opts.Journal,
		logger:    logger,
	}, nil
}

// Tick 执行一轮完整闭环:快照估值、日度风控、策略决策、
// 批次执行,并落一条调度汇总。ts 为本轮的逻辑时间,
// 回测传模拟时间即可得到与实盘完全一致的路径。
func (s *Scheduler) Tick(ctx context.Context, ts time.Time) (TickReport, error) {
	s.mu.Lock()
	s.tick++
	tick := s.tick
	prevStatus := s.lastStatus
	s.mu.Unlock()

	tickID := fmt.Sprintf("tick-%06d", tick)
	report := TickReport{TickID: tickID, At: ts}

	snap := s.book.Snapshot()
	assessment := s.reporter.Assess(snap)
	report.Equity = assessment.Equity

	status, err := s.tracker.Update(ctx, ts, assessment.Equity)
	if err != nil {
		return report, fmt.Errorf("loop: 更新日度风控失败: %w", err)
	}
	report.Status = status
	s.mu.Lock()
	s.lastStatus = status
	s.mu.Unlock()

	if status.Halted && (!prevStatus.Halted || prevStatus.TradingDate != status.TradingDate) {
		s.logger.Warn("日度止损触发,当日停止新交易",
			zap.String("tick_id", tickID),
			zap.String("trading_date", status.TradingDate),
			zap.Float64("loss_percent", status.LossPercent))
		if s.journal != nil {
			s.journal.RecordRiskHalt(ctx, journal.RiskHaltPayload{
				TradingDate: status.TradingDate,
				StartEquity: status.StartEquity,
				Equity:      status.CurrentEquity,
				LossPercent: status.LossPercent,
			})
		}
	}

	view := strategy.View{
		TickID:       tickID,
		Tick:         tick,
		At:           ts,
		Bootstrap:    s.bootstrap && tick == 1,
		BaseCurrency: s.base,
		Equity:       assessment.Equity,
		Positions:    snap,
		Prices:       s.board.Prices(),
		Indexes:      s.board.Indexes(),
		Risk:         assessment,
		Halted:       status.Halted,
	}

	instructions, err := s.decider.Decide(ctx, view)
	if err != nil {
		return report, fmt.Errorf("loop: 策略决策失败: %w", err)
	}
	batch := s.stamp(tickID, ts, instructions)
	report.Instructions = len(batch)

	s.logger.Info("开始执行批次",
		zap.String("tick_id", tickID),
		zap.Float64("equity", assessment.Equity),
		zap.Int("instructions", len(batch)))

	records, batchErr := s.orch.RunBatch(ctx, tickID, batch)
	report.Records = records
	for _, rec := range records {
		if rec.Verified {
			report.Verified++
		}
	}

	if s.journal != nil {
		s.journal.RecordTick(ctx, tickID, assessment.Equity, len(batch))
	}
	if batchErr != nil {
		return report, batchErr
	}

	s.logger.Info("批次执行完成",
		zap.String("tick_id", tickID),
		zap.Int("verified", report.Verified))
	return report, nil
}

// stamp 为策略产出的指令补齐运行期身份:确定性的指令号、
// 轮次归属与编组命名空间。决策器因此无需感知任何标识分配。
func (s *Scheduler) stamp(tickID string, ts time.Time, instructions []order.Instruction) []order.Instruction {
	out := make([]order.Instruction, len(instructions))
	for i, ins := range instructions {
		ins.ID = fmt.Sprintf("%s-%02d", tickID, i)
		ins.TickID = tickID
		ins.CreatedAt = ts
		if ins.GroupID != "" {
			ins.GroupID = tickID + "/" + ins.GroupID
		}
		out[i] = ins
	}
	return out
}

// Run 以 loop_interval 为节奏驱动实盘闭环:先立即执行一轮,
// 之后按节拍重复,直到 ctx 取消。单轮失败记录后继续,
// 是否停止交易由日度风控裁决,而不是由单次失败裁决。
func (s *Scheduler) Run(ctx context.Context) error {
	if s.cfg.LoopInterval <= 0 {
		return fmt.Errorf("loop: 调度间隔必须大于0")
	}
	s.logger.Info("调度器启动", zap.Duration("interval", s.cfg.LoopInterval))

	s.runOnce(ctx)

	ticker := time.NewTicker(s.cfg.LoopInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("调度器退出")
			return ctx.Err()
		case <-ticker.C:
			s.runOnce(ctx)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context) {
	report, err := s.Tick(ctx, time.Now().UTC())

	s.mu.Lock()
	s.lastRun = report.At
	s.lastErr = err
	s.mu.Unlock()

	if err == nil || errors.Is(err, context.Canceled) {
		return
	}

	s.logger.Error("本轮调度失败,等待下一轮",
		zap.String("tick_id", report.TickID),
		zap.Error(err))

	var batchErr *BatchError
	if !errors.As(err, &batchErr) && s.journal != nil {
		// 批次中断已由协调器落账,这里只补记批次之外的失败。
		s.journal.RecordError(ctx, "调度失败", err, map[string]interface{}{"tick_id": report.TickID})
	}
}

// Health 返回调度器当前概况,供监控端点使用。
func (s *Scheduler) Health() Health {
	s.mu.Lock()
	defer s.mu.Unlock()

	h := Health{
		Strategy: s.decider.Name(),
		Tick:     s.tick,
		LastRun:  s.lastRun,
		Halted:   s.lastStatus.Halted,
	}
	if s.lastErr != nil {
		h.LastErr = s.lastErr.Error()
	}
	return h
}
