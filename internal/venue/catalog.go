package venue

import (
	"fmt"
	"os"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

// Catalog 描述全部可用场所及其分环境接入信息。
// 目录文件与主配置分离,凭证只以环境变量名的形式出现。
type Catalog struct {
	Venues map[string]Spec `yaml:"venues"`
}

// Spec 为单个场所的静态规格。
type Spec struct {
	Category     Category              `yaml:"category"`
	ChainID      int64                 `yaml:"chain_id,omitempty"`
	Pool         string                `yaml:"pool_address,omitempty"`
	Assets       map[string]ChainAsset `yaml:"assets,omitempty"`
	Environments map[string]Endpoint   `yaml:"environments"`
}

// ChainAsset 描述链上资产的合约地址与精度。
type ChainAsset struct {
	Address  string `yaml:"address"`
	Decimals int    `yaml:"decimals"`
}

// Endpoint 为某一环境下的接入点。Credentials 的值是环境变量名,
// 真实凭证在构造客户端时从进程环境读取。
type Endpoint struct {
	Endpoint    string            `yaml:"endpoint,omitempty"`
	Testnet     bool              `yaml:"testnet,omitempty"`
	Credentials map[string]string `yaml:"credentials,omitempty"`
}

var validCategories = map[Category]struct{}{
	CategoryCEX:    {},
	CategoryChain:  {},
	CategoryWallet: {},
}

// LoadCatalog 读取并校验场所目录文件。
func LoadCatalog(path string) (*Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("venue: 读取场所目录 %q 失败: %w", path, err)
	}

	var catalog Catalog
	if err := yaml.Unmarshal(raw, &catalog); err != nil {
		return nil, fmt.Errorf("venue: 解析场所目录失败: %w", err)
	}

	if err := catalog.Validate(); err != nil {
		return nil, err
	}

	return &catalog, nil
}

// Validate 校验目录完整性。配置缺陷一律在启动阶段暴露。
func (c *Catalog) Validate() error {
	var err error

	if len(c.Venues) == 0 {
		return fmt.Errorf("venue: 场所目录为空")
	}

	for name, spec := range c.Venues {
		if _, ok := validCategories[spec.Category]; !ok {
			err = multierr.Append(err, fmt.Errorf("场所 %s 的 category 非法: %s", name, spec.Category))
		}
		if len(spec.Environments) == 0 {
			err = multierr.Append(err, fmt.Errorf("场所 %s 未配置任何环境", name))
		}

		switch spec.Category {
		case CategoryChain:
			if spec.ChainID <= 0 {
				err = multierr.Append(err, fmt.Errorf("链上场所 %s 缺少 chain_id", name))
			}
			if spec.Pool == "" {
				err = multierr.Append(err, fmt.Errorf("链上场所 %s 缺少 pool_address", name))
			}
			if len(spec.Assets) == 0 {
				err = multierr.Append(err, fmt.Errorf("链上场所 %s 未登记任何资产", name))
			}
			for asset, meta := range spec.Assets {
				if meta.Address == "" {
					err = multierr.Append(err, fmt.Errorf("链上场所 %s 资产 %s 缺少合约地址", name, asset))
				}
				if meta.Decimals <= 0 || meta.Decimals > 36 {
					err = multierr.Append(err, fmt.Errorf("链上场所 %s 资产 %s 精度非法: %d", name, asset, meta.Decimals))
				}
			}
			for env, ep := range spec.Environments {
				if ep.Endpoint == "" {
					err = multierr.Append(err, fmt.Errorf("链上场所 %s 环境 %s 缺少 RPC 地址", name, env))
				}
			}
		case CategoryWallet:
			for env, ep := range spec.Environments {
				if ep.Endpoint == "" {
					err = multierr.Append(err, fmt.Errorf("转账场所 %s 环境 %s 缺少服务地址", name, env))
				}
			}
		}
	}

	if err != nil {
		return fmt.Errorf("venue: 场所目录校验失败: %w", err)
	}
	return nil
}

// Resolve 返回某场所在指定环境下的规格与接入点。
func (c *Catalog) Resolve(name, environment string) (Spec, Endpoint, error) {
	spec, ok := c.Venues[name]
	if !ok {
		return Spec{}, Endpoint{}, fmt.Errorf("venue: 场所目录中不存在 %s", name)
	}
	ep, ok := spec.Environments[environment]
	if !ok {
		return Spec{}, Endpoint{}, fmt.Errorf("venue: 场所 %s 未配置环境 %s", name, environment)
	}
	return spec, ep, nil
}
