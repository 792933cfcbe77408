package reconcile

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"yield-engine/internal/config"
	"yield-engine/internal/order"
)

// ErrMismatch 表示重试耗尽后偏差仍超出容差。
var ErrMismatch = errors.New("reconcile: 对账偏差超出容差")

// zeroBand 是预期变动为零的资产允许的绝对漂移。
const zeroBand = 1e-6

// Record 为一次对账的完整结论,供审计落库。
type Record struct {
	InstructionID string             `json:"instruction_id"`
	Expected      []order.Delta      `json:"expected"`
	Observed      []order.Delta      `json:"observed"`
	Deviations    map[string]float64 `json:"deviations"`
	Breaches      []string           `json:"breaches,omitempty"`
	Tolerance     float64            `json:"tolerance"`
	Attempts      int                `json:"attempts"`
	Verified      bool               `json:"verified"`
	CheckedAt     time.Time          `json:"checked_at"`
}

// ObserveFunc 重新观测指令相关的实际变动,通常由调用方
// 封装一次场所余额刷新。为 nil 时引擎不做重试。
type ObserveFunc func(ctx context.Context) ([]order.Delta, error)

// Engine 校验指令的预期变动与实际变动是否在容差内一致。
// MaxAttempts 限定首次比对失配后的重新观测次数,
// 引擎本身不感知运行模式:实盘注入观测函数获得有限重试,
// 回测传 nil 观测函数即得到零重试的快速失败语义。
type Engine struct {
	tolerance  float64
	maxRetries int
	retryDelay time.Duration
	logger     *zap.Logger
}

// New 创建对账引擎。
func New(cfg config.ReconcileConfig, logger *zap.Logger) (*Engine, error) {
	if cfg.Tolerance < 0 || cfg.Tolerance >= 1 {
		return nil, fmt.Errorf("reconcile: 容差必须在 [0,1) 区间: %v", cfg.Tolerance)
	}
	if cfg.MaxAttempts < 1 {
		return nil, fmt.Errorf("reconcile: 最大尝试次数必须至少为 1: %d", cfg.MaxAttempts)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		tolerance:   cfg.Tolerance,
		maxRetries:  cfg.MaxAttempts,
		retryDelay:  cfg.RetryDelay,
		logger:      logger,
	}, nil
}

// Verify 做一次纯比对,不重试。
func (e *Engine) Verify(ins order.Instruction, observed []order.Delta) Record {
	return e.compare(ins, observed, 1)
}

// Confirm 比对预期与实际变动。首次比对失配且注入了观测函数时,
// 等待重试间隔后重新观测再比,最多重试 MaxAttempts 次,
// 耗尽后返回 ErrMismatch。
func (e *Engine) Confirm(ctx context.Context, ins order.Instruction, observed []order.Delta, observe ObserveFunc) (Record, error) {
	rec := e.compare(ins, observed, 1)

	for retry := 1; !rec.Verified && retry <= e.maxRetries && observe != nil; retry++ {
		e.logger.Warn("对账偏差超出容差,等待后重新观测",
			zap.String("instruction_id", ins.ID),
			zap.Strings("breaches", rec.Breaches),
			zap.Int("retry", retry),
			zap.Int("max_retries", e.maxRetries),
			zap.Duration("retry_delay", e.retryDelay))

		if e.retryDelay > 0 {
			select {
			case <-ctx.Done():
				return rec, ctx.Err()
			case <-time.After(e.retryDelay):
			}
		}

		fresh, err := observe(ctx)
		if err != nil {
			return rec, fmt.Errorf("reconcile: 重新观测实际变动失败: %w", err)
		}
		rec = e.compare(ins, fresh, retry+1)
	}

	if !rec.Verified {
		return rec, fmt.Errorf("%w: 指令 %s 偏差项 %s",
			ErrMismatch, ins.ID, strings.Join(rec.Breaches, ","))
	}

	e.logger.Debug("对账通过",
		zap.String("instruction_id", ins.ID),
		zap.Int("attempts", rec.Attempts))
	return rec, nil
}

func (e *Engine) compare(ins order.Instruction, observed []order.Delta, attempt int) Record {
	expected := sumDeltas(ins.Expected)
	actual := sumDeltas(observed)

	keys := make(map[string]struct{}, len(expected)+len(actual))
	for k := range expected {
		keys[k] = struct{}{}
	}
	for k := range actual {
		keys[k] = struct{}{}
	}

	rec := Record{
		InstructionID: ins.ID,
		Expected:      ins.Expected,
		Observed:      observed,
		Deviations:    make(map[string]float64, len(keys)),
		Tolerance:     e.tolerance,
		Attempts:      attempt,
		Verified:      true,
		CheckedAt:     time.Now(),
	}

	for key := range keys {
		exp := expected[key]
		obs := actual[key]
		dev := math.Abs(obs - exp)
		rec.Deviations[key] = dev

		allowed := e.tolerance * math.Abs(exp)
		if exp == 0 {
			allowed = zeroBand
		}
		if dev > allowed {
			rec.Verified = false
			rec.Breaches = append(rec.Breaches, key)
		}
	}
	sort.Strings(rec.Breaches)
	return rec
}

// sumDeltas 按场所与资产聚合变动,同一键的多条记录相加。
func sumDeltas(deltas []order.Delta) map[string]float64 {
	out := make(map[string]float64, len(deltas))
	for _, d := range deltas {
		out[deltaKey(d.Venue, d.Asset)] += d.Amount
	}
	return out
}

func deltaKey(venue, asset string) string {
	return venue + "/" + asset
}
