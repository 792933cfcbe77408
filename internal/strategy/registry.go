package strategy

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"yield-engine/internal/config"
	"yield-engine/internal/order"
)

// Decider 把世界视图映射为一批执行指令。
// 实现不得访问场所或任何外部状态;指令的 ID/TickID 由调度器补齐。
type Decider interface {
	Name() string
	Decide(ctx context.Context, view View) ([]order.Instruction, error)
}

// Factory 按配置构造决策器实例。
type Factory func(cfg config.StrategyConfig, logger *zap.Logger) (Decider, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register 注册一个命名策略工厂。重复注册视为编程错误。
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if name == "" || factory == nil {
		panic("strategy: 注册参数不合法")
	}
	if _, dup := registry[name]; dup {
		panic(fmt.Sprintf("strategy: 策略 %q 重复注册", name))
	}
	registry[name] = factory
}

// New 按配置中的名字构造策略实例。
func New(cfg config.StrategyConfig, logger *zap.Logger) (Decider, error) {
	registryMu.RLock()
	factory, ok := registry[cfg.Name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("strategy: 未知策略 %q,可用策略: %v", cfg.Name, Names())
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return factory(cfg, logger)
}

// Names 返回全部已注册的策略名,字典序。
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// param 读取数值参数,缺省时返回 fallback。
func param(params map[string]float64, key string, fallback float64) float64 {
	if v, ok := params[key]; ok {
		return v
	}
	return fallback
}
