package loop

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"yield-engine/internal/journal"
	"yield-engine/internal/order"
	"yield-engine/internal/position"
	"yield-engine/internal/reconcile"
	"yield-engine/internal/router"
	"yield-engine/internal/venue"
)

// State 表示指令在闭环中的生命周期阶段。
type State string

const (
	StatePending     State = "pending"
	StateDispatched  State = "dispatched"
	StateApplied     State = "applied"
	StateReconciling State = "reconciling"
	StateVerified    State = "verified"
	StateFailed      State = "failed"
)

// Observer 在对账重试时提供场所余额真相,实盘注入场所注册表,
// 回测传 nil 即得到单次校验快速失败语义。
type Observer interface {
	Resolve(name string) (venue.Client, error)
}

// BatchError 描述批次中断的完整上下文,供上层记录与决策。
type BatchError struct {
	TickID        string
	InstructionID string
	Err           error
	History       []reconcile.Record
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("loop: 批次 %s 在指令 %s 处中断: %v", e.TickID, e.InstructionID, e.Err)
}

func (e *BatchError) Unwrap() error {
	return e.Err
}

// Orchestrator 驱动单条指令走完 下发、入账、对账 的闭环。
// 同一时刻最多只有一条指令在闭环内,顺序由调用方的批次保证。
type Orchestrator struct {
	router   *router.Router
	engine   *reconcile.Engine
	book     *position.Book
	journal  *journal.Service
	observer Observer
	logger   *zap.Logger
}

// NewOrchestrator 创建闭环协调器。journal 与 observer 可以为空,
// 前者关闭审计落库,后者关闭对账重新观测。
func NewOrchestrator(rt *router.Router, engine *reconcile.Engine, book *position.Book, jnl *journal.Service, observer Observer, logger *zap.Logger) (*Orchestrator, error) {
	if rt == nil {
		return nil, fmt.Errorf("loop: 路由不能为空")
	}
	if engine == nil {
		return nil, fmt.Errorf("loop: 对账引擎不能为空")
	}
	if book == nil {
		return nil, fmt.Errorf("loop: 账本不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		router:   rt,
		engine:   engine,
		book:     book,
		journal:  jnl,
		observer: observer,
		logger:   logger,
	}, nil
}

// RunInstruction 驱动单条指令到终态并返回对账结论。
// 任何阶段失败都以 failed 终态落账并返回错误,绝不静默跳过。
func (o *Orchestrator) RunInstruction(ctx context.Context, ins order.Instruction) (reconcile.Record, error) {
	o.transition(ctx, ins.ID, StatePending, StateDispatched, "")

	trade, err := o.router.Route(ctx, ins)
	o.recordTrade(ctx, trade)
	if err != nil {
		o.transition(ctx, ins.ID, StateDispatched, StateFailed, failureReason(trade, err))
		return reconcile.Record{InstructionID: ins.ID, CheckedAt: time.Now()}, err
	}

	return o.settle(ctx, ins, trade)
}

// RunBatch 严格串行推进一批指令:前一条未到终态,后一条绝不下发。
// 连续同 group_id 的原子指令作为整体执行,任一成员失败时
// 编组剩余成员与批次剩余指令一并放弃,返回结构化批次错误。
func (o *Orchestrator) RunBatch(ctx context.Context, tickID string, batch []order.Instruction) ([]reconcile.Record, error) {
	records := make([]reconcile.Record, 0, len(batch))

	for i := 0; i < len(batch); {
		if err := ctx.Err(); err != nil {
			return records, err
		}

		ins := batch[i]
		if ins.Mode == order.ModeAtomic {
			group := consecutiveGroup(batch, i)
			groupRecords, failedID, err := o.runGroup(ctx, group)
			records = append(records, groupRecords...)
			if err != nil {
				o.recordBatchFailure(ctx, tickID, failedID, err)
				return records, &BatchError{TickID: tickID, InstructionID: failedID, Err: err, History: records}
			}
			i += len(group)
			continue
		}

		rec, err := o.RunInstruction(ctx, ins)
		records = append(records, rec)
		if err != nil {
			o.recordBatchFailure(ctx, tickID, ins.ID, err)
			return records, &BatchError{TickID: tickID, InstructionID: ins.ID, Err: err, History: records}
		}
		i++
	}
	return records, nil
}

// runGroup 通过路由的编组通道执行原子编组,
// 每个成员成交后立即入账与对账,再放行下一成员。
func (o *Orchestrator) runGroup(ctx context.Context, group []order.Instruction) ([]reconcile.Record, string, error) {
	records := make([]reconcile.Record, 0, len(group))
	settleFailed := false

	step := func(ins order.Instruction, trade order.Trade) error {
		o.transition(ctx, ins.ID, StatePending, StateDispatched, "")
		o.recordTrade(ctx, trade)
		rec, err := o.settle(ctx, ins, trade)
		records = append(records, rec)
		if err != nil {
			settleFailed = true
		}
		return err
	}

	trades, err := o.router.RouteGroup(ctx, group, step)
	if err == nil {
		return records, "", nil
	}

	failedID := group[0].ID
	switch {
	case settleFailed:
		failedID = records[len(records)-1].InstructionID
	case len(trades) > 0:
		// 失败发生在下发阶段,step 未运行,此处补记终态。
		failed := group[len(trades)-1]
		trade := trades[len(trades)-1]
		failedID = failed.ID
		o.transition(ctx, failed.ID, StatePending, StateDispatched, "")
		o.recordTrade(ctx, trade)
		o.transition(ctx, failed.ID, StateDispatched, StateFailed, failureReason(trade, err))
	}

	for _, member := range group[len(trades):] {
		o.transition(ctx, member.ID, StatePending, StateFailed, "编组中断,成员未下发")
	}
	return records, failedID, err
}

// settle 将回执入账并对账。对账观测帧限定为指令声明的
// (场所,资产) 集合,无关漂移的修正不归因到本条指令。
func (o *Orchestrator) settle(ctx context.Context, ins order.Instruction, trade order.Trade) (reconcile.Record, error) {
	pre := o.book.Snapshot()

	for _, d := range trade.Actual {
		o.book.Apply(d.Venue, d.Asset, d.Amount)
	}
	o.transition(ctx, ins.ID, StateDispatched, StateApplied, "")
	o.transition(ctx, ins.ID, StateApplied, StateReconciling, "")

	var observe reconcile.ObserveFunc
	if o.observer != nil {
		keys := deltaKeys(ins.Expected, trade.Actual)
		observe = func(obCtx context.Context) ([]order.Delta, error) {
			return o.reobserve(obCtx, pre, keys)
		}
	}

	rec, err := o.engine.Confirm(ctx, ins, trade.Actual, observe)
	o.recordReconciliation(ctx, rec)
	if err != nil {
		o.transition(ctx, ins.ID, StateReconciling, StateFailed, err.Error())
		return rec, err
	}

	o.transition(ctx, ins.ID, StateReconciling, StateVerified, "")
	return rec, nil
}

// reobserve 以场所侧余额为准刷新账本,再基于成交前的基线
// 重新计算观测帧内每个键位的实际变动。
func (o *Orchestrator) reobserve(ctx context.Context, pre position.Snapshot, keys []bookKey) ([]order.Delta, error) {
	seen := make(map[string]struct{})
	for _, k := range keys {
		if _, done := seen[k.venue]; done {
			continue
		}
		seen[k.venue] = struct{}{}

		client, err := o.observer.Resolve(k.venue)
		if err != nil {
			return nil, fmt.Errorf("loop: 解析观测场所失败: %w", err)
		}
		if _, err := o.book.RefreshFromVenue(ctx, k.venue, client); err != nil {
			return nil, err
		}
	}

	post := o.book.Snapshot()
	out := make([]order.Delta, 0, len(keys))
	for _, k := range keys {
		out = append(out, order.Delta{
			Venue:  k.venue,
			Asset:  k.asset,
			Amount: post.Amount(k.venue, k.asset) - pre.Amount(k.venue, k.asset),
		})
	}
	return out, nil
}

type bookKey struct {
	venue string
	asset string
}

// deltaKeys 聚合预期与实际涉及的 (场所,资产) 键位,去重并排序。
func deltaKeys(lists ...[]order.Delta) []bookKey {
	seen := make(map[bookKey]struct{})
	var keys []bookKey
	for _, list := range lists {
		for _, d := range list {
			k := bookKey{venue: d.Venue, asset: d.Asset}
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].venue != keys[j].venue {
			return keys[i].venue < keys[j].venue
		}
		return keys[i].asset < keys[j].asset
	})
	return keys
}

// consecutiveGroup 从 start 起收集同一编组的连续成员。
func consecutiveGroup(batch []order.Instruction, start int) []order.Instruction {
	groupID := batch[start].GroupID
	end := start + 1
	for end < len(batch) && batch[end].Mode == order.ModeAtomic && batch[end].GroupID == groupID {
		end++
	}
	return batch[start:end]
}

func failureReason(trade order.Trade, err error) string {
	if trade.ErrMsg != "" {
		return trade.ErrMsg
	}
	if err != nil {
		return err.Error()
	}
	return ""
}

func (o *Orchestrator) transition(ctx context.Context, id string, from, to State, reason string) {
	o.logger.Debug("指令状态迁移",
		zap.String("instruction_id", id),
		zap.String("from", string(from)),
		zap.String("to", string(to)))
	if o.journal != nil {
		o.journal.RecordTransition(ctx, id, string(from), string(to), reason)
	}
}

func (o *Orchestrator) recordTrade(ctx context.Context, trade order.Trade) {
	if o.journal != nil {
		o.journal.RecordTrade(ctx, trade)
	}
}

func (o *Orchestrator) recordReconciliation(ctx context.Context, rec reconcile.Record) {
	if o.journal != nil {
		o.journal.RecordReconciliation(ctx, rec)
	}
}

func (o *Orchestrator) recordBatchFailure(ctx context.Context, tickID, instructionID string, err error) {
	o.logger.Error("批次中断",
		zap.String("tick_id", tickID),
		zap.String("instruction_id", instructionID),
		zap.Error(err))
	if o.journal != nil {
		o.journal.RecordBatchFailure(ctx, tickID, instructionID, err.Error())
	}
}
