package venue

import (
	"context"
	"errors"
	"net"

	ccxt "github.com/ccxt/ccxt/go/v4"

	"yield-engine/internal/order"
)

var (
	// ErrMaintenance 表示场所处于维护状态,需要上层跳过本轮执行。
	ErrMaintenance = errors.New("venue on maintenance")
)

// IsRetryable 判断错误是否可重试。
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var ccxtErr *ccxt.Error
	if errors.As(err, &ccxtErr) {
		switch ccxtErr.Type {
		case ccxt.NetworkErrorErrType,
			ccxt.RequestTimeoutErrType,
			ccxt.ExchangeNotAvailableErrType,
			ccxt.RateLimitExceededErrType,
			ccxt.DDoSProtectionErrType,
			ccxt.BadResponseErrType,
			ccxt.NullResponseErrType:
			return true
		default:
			return false
		}
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}

// ClassifyCode 将错误映射为回执失败分类代码。
func ClassifyCode(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return order.ErrCodeTimeout
	}
	if errors.Is(err, ErrMaintenance) {
		return order.ErrCodeUnreachable
	}

	var ccxtErr *ccxt.Error
	if errors.As(err, &ccxtErr) {
		switch ccxtErr.Type {
		case ccxt.NetworkErrorErrType,
			ccxt.RequestTimeoutErrType,
			ccxt.ExchangeNotAvailableErrType,
			ccxt.DDoSProtectionErrType,
			ccxt.NullResponseErrType:
			return order.ErrCodeUnreachable
		default:
			return order.ErrCodeRejected
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return order.ErrCodeTimeout
		}
		return order.ErrCodeUnreachable
	}

	return order.ErrCodeRejected
}
