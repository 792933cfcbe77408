package venue

import (
	"context"

	"yield-engine/internal/order"
)

// Category 表示场所接入类别,决定指令走哪条执行轨道。
type Category string

const (
	CategoryCEX    Category = "cex"
	CategoryChain  Category = "chain"
	CategoryWallet Category = "wallet"
)

// Client 是路由层依赖的最小场所能力。
// Execute 的上下文携带单次调用超时;无论成败都应返回可入账的回执,
// error 仅在回执未达成交终态时同时返回。
type Client interface {
	Name() string
	Category() Category
	Execute(ctx context.Context, ins order.Instruction) (order.Trade, error)
	Balances(ctx context.Context) (map[string]float64, error)
}

// ClientFactory 按场所规格构造具体客户端。
// 实盘与回测注入不同的工厂实现,共享代码不感知运行模式。
type ClientFactory interface {
	Build(name string, spec Spec, ep Endpoint) (Client, error)
}
