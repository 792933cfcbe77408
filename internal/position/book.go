package position

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"yield-engine/internal/order"
)

// 余额修正的最小有效幅度,低于该值的漂移视为浮点噪声。
const driftEpsilon = 1e-9

// Entry 表示一条 (场所,资产) 持仓。
type Entry struct {
	Amount    float64
	Locked    bool
	UpdatedAt time.Time
}

// ApplyRecord 为每次账本变更的审计载荷。
type ApplyRecord struct {
	Venue  string
	Asset  string
	Delta  float64
	Result float64
	At     time.Time
}

// ApplyHook 在每次账本变更后被调用,用于落审计日志。
// 钩子在锁内调用,审计顺序与应用顺序严格一致。
type ApplyHook func(ApplyRecord)

// BalanceClient 是刷新持仓所需的最小场所能力。
type BalanceClient interface {
	Balances(ctx context.Context) (map[string]float64, error)
}

// Book 维护全部场所的持仓账本。整个进程只有一个写入方,
// 所有读取通过 Snapshot 的深拷贝进行。
type Book struct {
	mu      sync.Mutex
	entries map[string]map[string]*Entry
	hook    ApplyHook
	logger  *zap.Logger
}

// NewBook 创建账本并写入初始余额。初始余额在构造时一次性确定,
// 之后不存在重置入口;回测重跑通过重新构造实现。
func NewBook(initial map[string]map[string]float64, hook ApplyHook, logger *zap.Logger) *Book {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Book{
		entries: make(map[string]map[string]*Entry),
		hook:    hook,
		logger:  logger,
	}
	now := time.Now().UTC()
	for venue, assets := range initial {
		for asset, amount := range assets {
			b.ensureEntry(venue, asset).Amount = amount
			b.entries[venue][asset].UpdatedAt = now
		}
	}
	return b
}

// Apply 对 (venue, asset) 施加一笔余额变化并返回变更后的数量。
// 未知组合以零为基线创建。读改写全程持锁,增量之间不会交错。
func (b *Book) Apply(venue, asset string, delta float64) float64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	entry := b.ensureEntry(venue, asset)
	entry.Amount += delta
	entry.UpdatedAt = time.Now().UTC()

	if entry.Amount < -driftEpsilon {
		b.logger.Warn("持仓出现负余额",
			zap.String("venue", venue),
			zap.String("asset", asset),
			zap.Float64("amount", entry.Amount))
	}

	if b.hook != nil {
		b.hook(ApplyRecord{
			Venue:  venue,
			Asset:  asset,
			Delta:  delta,
			Result: entry.Amount,
			At:     entry.UpdatedAt,
		})
	}

	return entry.Amount
}

// SetLocked 标记某持仓是否处于不可自由转移状态,
// 例如存入借贷池的抵押仓位。
func (b *Book) SetLocked(venue, asset string, locked bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry := b.ensureEntry(venue, asset)
	entry.Locked = locked
	entry.UpdatedAt = time.Now().UTC()
}

// Snapshot 返回账本的只读深拷贝。
func (b *Book) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	entries := make(map[string]map[string]Entry, len(b.entries))
	for venue, assets := range b.entries {
		venueCopy := make(map[string]Entry, len(assets))
		for asset, entry := range assets {
			venueCopy[asset] = *entry
		}
		entries[venue] = venueCopy
	}
	return Snapshot{TakenAt: time.Now().UTC(), entries: entries}
}

// RefreshFromVenue 以场所侧余额为准修正账本,返回施加的修正量。
// 仅实盘使用;修正同样走 Apply,保证审计日志完整。
func (b *Book) RefreshFromVenue(ctx context.Context, venue string, client BalanceClient) ([]order.Delta, error) {
	authoritative, err := client.Balances(ctx)
	if err != nil {
		return nil, fmt.Errorf("position: 获取场所 %s 余额失败: %w", venue, err)
	}

	known := make(map[string]struct{}, len(authoritative))
	for asset := range authoritative {
		known[asset] = struct{}{}
	}
	b.mu.Lock()
	for asset := range b.entries[venue] {
		known[asset] = struct{}{}
	}
	b.mu.Unlock()

	assets := make([]string, 0, len(known))
	for asset := range known {
		assets = append(assets, asset)
	}
	sort.Strings(assets)

	var corrections []order.Delta
	for _, asset := range assets {
		target := authoritative[asset]
		current := b.amount(venue, asset)
		diff := target - current
		if math.Abs(diff) <= driftEpsilon {
			continue
		}
		b.Apply(venue, asset, diff)
		corrections = append(corrections, order.Delta{Venue: venue, Asset: asset, Amount: diff})
		b.logger.Info("持仓漂移已修正",
			zap.String("venue", venue),
			zap.String("asset", asset),
			zap.Float64("correction", diff))
	}

	return corrections, nil
}

// RefreshAll 并行刷新多个场所的余额。各场所的资产组合互不相交,
// 账本自身的互斥锁保证单写入方语义不被破坏。
func (b *Book) RefreshAll(ctx context.Context, clients map[string]BalanceClient) (map[string][]order.Delta, error) {
	results := make(map[string][]order.Delta, len(clients))
	var resultMu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for venue, client := range clients {
		g.Go(func() error {
			corrections, err := b.RefreshFromVenue(gctx, venue, client)
			if err != nil {
				return err
			}
			resultMu.Lock()
			results[venue] = corrections
			resultMu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (b *Book) amount(venue, asset string) float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if assets, ok := b.entries[venue]; ok {
		if entry, ok := assets[asset]; ok {
			return entry.Amount
		}
	}
	return 0
}

// ensureEntry 仅在持锁状态下调用。
func (b *Book) ensureEntry(venue, asset string) *Entry {
	assets, ok := b.entries[venue]
	if !ok {
		assets = make(map[string]*Entry)
		b.entries[venue] = assets
	}
	entry, ok := assets[asset]
	if !ok {
		entry = &Entry{}
		assets[asset] = entry
	}
	return entry
}
