package quote

// 仓位符号约定:借贷池内的计息头寸以 a + 底层符号登记(如 aUSDT),
// 未偿债务以 d + 底层符号登记(如 dUSDT)。两类前缀为系统保留,
// 普通资产符号一律大写,不会与前缀冲突。
const (
	WrappedPrefix = "a"
	DebtPrefix    = "d"
)

// IsWrapped 判断符号是否为计息包装头寸。
func IsWrapped(asset string) bool {
	return hasPositionPrefix(asset, WrappedPrefix)
}

// IsDebt 判断符号是否为债务头寸。
func IsDebt(asset string) bool {
	return hasPositionPrefix(asset, DebtPrefix)
}

// Underlying 返回符号对应的底层资产;普通资产原样返回。
func Underlying(asset string) string {
	if IsWrapped(asset) || IsDebt(asset) {
		return asset[1:]
	}
	return asset
}

func hasPositionPrefix(asset, prefix string) bool {
	if len(asset) <= len(prefix) {
		return false
	}
	if asset[:len(prefix)] != prefix {
		return false
	}
	rest := asset[len(prefix):]
	for _, r := range rest {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return true
}
