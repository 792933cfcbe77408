package backtest

import (
	"context"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// PricePoint 是回放序列中的一个时刻:时间戳、报价与单位指数。
// 报价按合并语义生效,点内未出现的资产沿用此前的报价。
type PricePoint struct {
	At      time.Time
	Prices  map[string]float64
	Indexes map[string]float64
}

// PriceProvider 按时间顺序提供价格点。
type PriceProvider interface {
	Next(ctx context.Context) (PricePoint, bool, error)
}

// SlicePriceProvider 以固定序列提供价格点。
type SlicePriceProvider struct {
	points []PricePoint
	index  int
}

func NewSlicePriceProvider(points []PricePoint) *SlicePriceProvider {
	return &SlicePriceProvider{points: points}
}

func (p *SlicePriceProvider) Next(ctx context.Context) (PricePoint, bool, error) {
	if p.index >= len(p.points) {
		return PricePoint{}, false, nil
	}
	point := p.points[p.index]
	p.index++
	return point, true, nil
}

type priceFile struct {
	Start  time.Time        `yaml:"start"`
	Step   string           `yaml:"step"`
	Points []pricePointSpec `yaml:"points"`
}

type pricePointSpec struct {
	At      *time.Time         `yaml:"at,omitempty"`
	Prices  map[string]float64 `yaml:"prices"`
	Indexes map[string]float64 `yaml:"indexes,omitempty"`
}

// LoadPriceFile 读取 YAML 价格序列。未显式给出 at 的点按
// start + i*step 推算时间,文件未写 step 时退回 defaultStep。
func LoadPriceFile(path string, defaultStep time.Duration) ([]PricePoint, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("backtest: 读取价格文件 %q 失败: %w", path, err)
	}

	var file priceFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("backtest: 解析价格文件失败: %w", err)
	}
	if len(file.Points) == 0 {
		return nil, fmt.Errorf("backtest: 价格文件 %q 不含任何价格点", path)
	}

	step := defaultStep
	if file.Step != "" {
		step, err = time.ParseDuration(file.Step)
		if err != nil {
			return nil, fmt.Errorf("backtest: 价格文件步长非法: %w", err)
		}
	}

	points := make([]PricePoint, 0, len(file.Points))
	for i, spec := range file.Points {
		at, err := pointTime(file.Start, step, i, spec.At)
		if err != nil {
			return nil, err
		}
		if i > 0 && !at.After(points[i-1].At) {
			return nil, fmt.Errorf("backtest: 第 %d 个价格点时间戳未递增", i+1)
		}

		for asset, price := range spec.Prices {
			if price <= 0 {
				return nil, fmt.Errorf("backtest: 第 %d 个价格点资产 %s 报价非法: %f", i+1, asset, price)
			}
		}
		for asset, idx := range spec.Indexes {
			if idx <= 0 {
				return nil, fmt.Errorf("backtest: 第 %d 个价格点资产 %s 指数非法: %f", i+1, asset, idx)
			}
		}

		points = append(points, PricePoint{
			At:      at,
			Prices:  spec.Prices,
			Indexes: spec.Indexes,
		})
	}
	return points, nil
}

func pointTime(start time.Time, step time.Duration, index int, explicit *time.Time) (time.Time, error) {
	if explicit != nil {
		return *explicit, nil
	}
	if start.IsZero() {
		return time.Time{}, fmt.Errorf("backtest: 价格文件缺少 start,第 %d 个点无法推算时间", index+1)
	}
	if step <= 0 {
		return time.Time{}, fmt.Errorf("backtest: 价格文件缺少有效步长,第 %d 个点无法推算时间", index+1)
	}
	return start.Add(time.Duration(index) * step), nil
}
