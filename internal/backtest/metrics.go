package backtest

import (
	"math"
	"time"

	talib "github.com/markcheno/go-talib"
)

// rollingWindow 是滚动指标的观察窗口步数。
const rollingWindow = 24

// Metrics 记录回测绩效指标。
type Metrics struct {
	TotalReturn    float64
	MaxDrawdown    float64
	WindowDrawdown float64
	BestWindow     float64
	WorstWindow    float64
	SharpeRatio    float64
}

func calculateMetrics(equity, returns []float64, step time.Duration) Metrics {
	if len(equity) == 0 {
		return Metrics{}
	}

	m := Metrics{
		MaxDrawdown: computeDrawdown(equity),
		SharpeRatio: computeSharpe(returns, step),
	}
	if equity[0] > 0 {
		m.TotalReturn = equity[len(equity)-1]/equity[0] - 1
	}
	m.WindowDrawdown = computeWindowDrawdown(equity)
	m.BestWindow, m.WorstWindow = windowExtremes(equity)
	return m
}

// computeDrawdown 返回相对历史峰值的最大回撤幅度。
func computeDrawdown(equity []float64) float64 {
	var peak float64
	maxDD := 0.0
	for _, v := range equity {
		if v > peak {
			peak = v
		}
		if peak <= 0 {
			continue
		}
		dd := (v - peak) / peak
		if dd < maxDD {
			maxDD = dd
		}
	}
	return math.Abs(maxDD)
}

// computeWindowDrawdown 返回相对滚动峰值的最大回撤,
// 峰值只回看 rollingWindow 步,衡量近期而非全历史的损失。
func computeWindowDrawdown(equity []float64) float64 {
	if len(equity) < rollingWindow {
		return computeDrawdown(equity)
	}

	peaks := talib.Max(equity, rollingWindow)
	maxDD := 0.0
	for i := rollingWindow - 1; i < len(equity); i++ {
		if peaks[i] <= 0 {
			continue
		}
		dd := (equity[i] - peaks[i]) / peaks[i]
		if dd < maxDD {
			maxDD = dd
		}
	}
	return math.Abs(maxDD)
}

// windowExtremes 返回固定窗口滚动收益的最好与最坏值。
func windowExtremes(equity []float64) (best, worst float64) {
	if len(equity) <= rollingWindow {
		return 0, 0
	}

	roc := talib.Roc(equity, rollingWindow)
	for _, v := range roc[rollingWindow:] {
		r := v / 100
		if r > best {
			best = r
		}
		if r < worst {
			worst = r
		}
	}
	return best, worst
}

// computeSharpe 按步长换算年化夏普比率。
func computeSharpe(returns []float64, step time.Duration) float64 {
	if len(returns) == 0 || step <= 0 {
		return 0
	}

	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))

	variance := 0.0
	for _, r := range returns {
		diff := r - mean
		variance += diff * diff
	}
	if len(returns) > 1 {
		variance /= float64(len(returns) - 1)
	}

	std := math.Sqrt(variance)
	if std == 0 {
		return 0
	}

	periodsPerYear := float64(365*24*time.Hour) / float64(step)
	return (mean / std) * math.Sqrt(periodsPerYear)
}
