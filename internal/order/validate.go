package order

import (
	"errors"
	"fmt"
	"strings"
)

var (
	validKinds = map[Kind]struct{}{
		KindWalletTransfer:   {},
		KindContractAction:   {},
		KindCentralizedTrade: {},
	}
	validModes = map[Mode]struct{}{
		ModeIndependent: {},
		ModeAtomic:      {},
	}
	validTradeSides = map[Side]struct{}{
		SideBuy:  {},
		SideSell: {},
	}
	validContractSides = map[Side]struct{}{
		SideSupply:   {},
		SideWithdraw: {},
		SideBorrow:   {},
		SideRepay:    {},
	}
)

// Validate 校验指令字段合法性。非法指令在下发前即被拒绝。
func (ins Instruction) Validate() error {
	if strings.TrimSpace(ins.ID) == "" {
		return errors.New("order: 指令 id 不能为空")
	}
	if _, ok := validKinds[ins.Kind]; !ok {
		return fmt.Errorf("order: kind 取值非法: %s", ins.Kind)
	}
	if strings.TrimSpace(ins.Venue) == "" {
		return errors.New("order: venue 不能为空")
	}
	if ins.Amount <= 0 {
		return fmt.Errorf("order: amount 必须大于0,当前为 %f", ins.Amount)
	}
	if _, ok := validModes[ins.Mode]; !ok {
		return fmt.Errorf("order: mode 取值非法: %s", ins.Mode)
	}
	if ins.Mode == ModeAtomic {
		if strings.TrimSpace(ins.GroupID) == "" {
			return errors.New("order: 原子指令必须携带 group_id")
		}
		if ins.GroupSeq < 0 {
			return fmt.Errorf("order: group_seq 不能为负,当前为 %d", ins.GroupSeq)
		}
	}
	if len(ins.Expected) == 0 {
		return errors.New("order: expected 至少包含一条预期变化")
	}
	for _, d := range ins.Expected {
		if strings.TrimSpace(d.Venue) == "" || strings.TrimSpace(d.Asset) == "" {
			return errors.New("order: expected 条目缺少场所或资产")
		}
	}

	switch ins.Kind {
	case KindCentralizedTrade:
		if _, _, err := SplitPair(ins.Pair); err != nil {
			return err
		}
		if _, ok := validTradeSides[ins.Side]; !ok {
			return fmt.Errorf("order: CEX 指令 side 取值非法: %s", ins.Side)
		}
		if ins.Bounds != nil {
			if ins.Bounds.StopLoss < 0 || ins.Bounds.TakeProfit < 0 {
				return errors.New("order: 止损止盈价格不能为负")
			}
		}
	case KindContractAction:
		if strings.TrimSpace(ins.Asset) == "" {
			return errors.New("order: 链上指令必须指定 asset")
		}
		if _, ok := validContractSides[ins.Side]; !ok {
			return fmt.Errorf("order: 链上指令 side 取值非法: %s", ins.Side)
		}
	case KindWalletTransfer:
		if strings.TrimSpace(ins.Asset) == "" {
			return errors.New("order: 转账指令必须指定 asset")
		}
		if ins.Side != SideTransfer {
			return fmt.Errorf("order: 转账指令 side 必须为 %s", SideTransfer)
		}
		if strings.TrimSpace(ins.From) == "" || strings.TrimSpace(ins.To) == "" {
			return errors.New("order: 转账指令必须指定 from 与 to")
		}
		if ins.From == ins.To {
			return errors.New("order: 转账指令 from 与 to 不能相同")
		}
	}

	return nil
}

// ValidateGroup 校验原子编组的整体约束:
// 成员共享同一 group_id、序号连续,且全部落在同一场所。
// 跨场所编组没有可兑现的原子语义,在下发前即视为非法。
func ValidateGroup(members []Instruction) error {
	if len(members) == 0 {
		return errors.New("order: 原子编组不能为空")
	}
	groupID := members[0].GroupID
	venue := members[0].Venue
	for i, m := range members {
		if m.Mode != ModeAtomic {
			return fmt.Errorf("order: 编组成员 %s 不是原子模式", m.ID)
		}
		if m.GroupID != groupID {
			return fmt.Errorf("order: 编组成员 %s 的 group_id 不一致", m.ID)
		}
		if m.GroupSeq != i {
			return fmt.Errorf("order: 编组成员 %s 序号不连续,期望 %d 实际 %d", m.ID, i, m.GroupSeq)
		}
		if m.Venue != venue {
			return fmt.Errorf("order: 编组成员 %s 跨场所(%s 与 %s),原子编组必须落在同一场所", m.ID, m.Venue, venue)
		}
	}
	return nil
}

// SplitPair 将 BASE/QUOTE 形式的交易对拆分为两种资产。
func SplitPair(pair string) (base, quote string, err error) {
	parts := strings.Split(strings.TrimSpace(pair), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("order: 交易对格式非法: %q", pair)
	}
	return parts[0], parts[1], nil
}
