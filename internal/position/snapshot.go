package position

import (
	"sort"
	"time"
)

// Snapshot 为账本在某一时刻的只读深拷贝。
// 策略与对账只读取快照,永远不触碰账本本身。
type Snapshot struct {
	TakenAt time.Time
	entries map[string]map[string]Entry
}

// Amount 返回某 (场所,资产) 的数量,未知组合为0。
func (s Snapshot) Amount(venue, asset string) float64 {
	if assets, ok := s.entries[venue]; ok {
		if entry, ok := assets[asset]; ok {
			return entry.Amount
		}
	}
	return 0
}

// Entry 返回某 (场所,资产) 的完整条目。
func (s Snapshot) Entry(venue, asset string) (Entry, bool) {
	if assets, ok := s.entries[venue]; ok {
		if entry, ok := assets[asset]; ok {
			return entry, true
		}
	}
	return Entry{}, false
}

// Venues 返回快照中出现的全部场所,字典序。
func (s Snapshot) Venues() []string {
	venues := make([]string, 0, len(s.entries))
	for venue := range s.entries {
		venues = append(venues, venue)
	}
	sort.Strings(venues)
	return venues
}

// Assets 返回某场所下的全部资产,字典序。
func (s Snapshot) Assets(venue string) []string {
	assets := make([]string, 0, len(s.entries[venue]))
	for asset := range s.entries[venue] {
		assets = append(assets, asset)
	}
	sort.Strings(assets)
	return assets
}

// Amounts 以 venue→asset→amount 形式导出快照,供估值使用。
func (s Snapshot) Amounts() map[string]map[string]float64 {
	out := make(map[string]map[string]float64, len(s.entries))
	for venue, assets := range s.entries {
		venueCopy := make(map[string]float64, len(assets))
		for asset, entry := range assets {
			venueCopy[asset] = entry.Amount
		}
		out[venue] = venueCopy
	}
	return out
}
