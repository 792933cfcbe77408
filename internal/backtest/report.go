package backtest

import (
	"fmt"
	"io"

	"github.com/olekukonko/tablewriter"
)

// WriteReport 将回测结果渲染为终端报表:绩效指标、
// 执行与对账计数、期末持仓。
func WriteReport(w io.Writer, result Result) {
	fmt.Fprintf(w, "\n回测区间 %s 至 %s,共 %d 轮\n\n",
		result.StartedAt.Format("2006-01-02 15:04"),
		result.EndedAt.Format("2006-01-02 15:04"),
		result.Ticks)

	verified := "-"
	if result.Instructions > 0 {
		verified = fmt.Sprintf("%.1f%% (%d/%d)",
			float64(result.Verified)/float64(result.Instructions)*100,
			result.Verified, result.Instructions)
	}

	table := tablewriter.NewWriter(w)
	table.Header("指标", "数值")
	table.Append("期末权益", fmt.Sprintf("%.2f", result.FinalEquity))
	table.Append("总收益率", fmt.Sprintf("%.2f%%", result.Metrics.TotalReturn*100))
	table.Append("最大回撤", fmt.Sprintf("%.2f%%", result.Metrics.MaxDrawdown*100))
	table.Append("滚动回撤", fmt.Sprintf("%.2f%%", result.Metrics.WindowDrawdown*100))
	table.Append("夏普比率", fmt.Sprintf("%.2f", result.Metrics.SharpeRatio))
	table.Append("最佳窗口", fmt.Sprintf("%.2f%%", result.Metrics.BestWindow*100))
	table.Append("最差窗口", fmt.Sprintf("%.2f%%", result.Metrics.WorstWindow*100))
	table.Append("指令总数", fmt.Sprintf("%d", result.Instructions))
	table.Append("对账通过", verified)
	table.Render()

	venues := result.Positions.Venues()
	if len(venues) == 0 {
		return
	}

	fmt.Fprintln(w, "\n期末持仓")
	positions := tablewriter.NewWriter(w)
	positions.Header("场所", "资产", "数量")
	for _, venueName := range venues {
		for _, asset := range result.Positions.Assets(venueName) {
			amount := result.Positions.Amount(venueName, asset)
			if amount == 0 {
				continue
			}
			positions.Append(venueName, asset, fmt.Sprintf("%.8f", amount))
		}
	}
	positions.Render()
}
