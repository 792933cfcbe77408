package venue

import (
	"fmt"
	"os"

	"go.uber.org/zap"
)

// Registry 在启动阶段为每个所需场所构造一个客户端。
// 目录缺项与凭证缺失都是致命配置错误,不会降级为运行期警告。
type Registry struct {
	clients map[string]Client
	logger  *zap.Logger
}

// NewRegistry 按目录与环境构造全部所需场所的客户端。
func NewRegistry(catalog *Catalog, environment string, required []string, factory ClientFactory, logger *zap.Logger) (*Registry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(required) == 0 {
		return nil, fmt.Errorf("venue: 未指定任何所需场所")
	}

	clients := make(map[string]Client, len(required))
	for _, name := range required {
		spec, ep, err := catalog.Resolve(name, environment)
		if err != nil {
			return nil, err
		}
		client, err := factory.Build(name, spec, ep)
		if err != nil {
			return nil, fmt.Errorf("venue: 构造场所 %s 客户端失败: %w", name, err)
		}
		clients[name] = client
		logger.Info("场所客户端已就绪",
			zap.String("venue", name),
			zap.String("category", string(spec.Category)),
			zap.String("environment", environment),
			zap.Bool("testnet", ep.Testnet))
	}

	return &Registry{clients: clients, logger: logger}, nil
}

// Resolve 返回指定场所的客户端。
func (r *Registry) Resolve(name string) (Client, error) {
	client, ok := r.clients[name]
	if !ok {
		return nil, fmt.Errorf("venue: 场所 %s 未注册", name)
	}
	return client, nil
}

// Clients 返回全部已注册客户端的副本。
func (r *Registry) Clients() map[string]Client {
	out := make(map[string]Client, len(r.clients))
	for name, client := range r.clients {
		out[name] = client
	}
	return out
}

// RealFactory 构造真实场所客户端。凭证从进程环境读取,
// 环境变量名由场所目录给出。
type RealFactory struct {
	Logger *zap.Logger
}

// Build 实现 ClientFactory。
func (f *RealFactory) Build(name string, spec Spec, ep Endpoint) (Client, error) {
	switch spec.Category {
	case CategoryCEX:
		return newCEXClient(name, ep, f.Logger)
	case CategoryChain:
		return newChainClient(name, spec, ep, f.Logger)
	case CategoryWallet:
		return newWalletClient(name, ep, f.Logger)
	default:
		return nil, fmt.Errorf("venue: 未知场所类别 %s", spec.Category)
	}
}

// credential 按逻辑名读取凭证,缺失即报错。
func credential(ep Endpoint, key string) (string, error) {
	envName, ok := ep.Credentials[key]
	if !ok || envName == "" {
		return "", fmt.Errorf("venue: 目录未登记凭证 %s 对应的环境变量名", key)
	}
	value := os.Getenv(envName)
	if value == "" {
		return "", fmt.Errorf("venue: 环境变量 %s 未设置", envName)
	}
	return value, nil
}

// optionalCredential 读取可选凭证,目录未登记时返回空串。
func optionalCredential(ep Endpoint, key string) string {
	envName, ok := ep.Credentials[key]
	if !ok || envName == "" {
		return ""
	}
	return os.Getenv(envName)
}
