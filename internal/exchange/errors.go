package exchange

import (
	"errors"

	ccxt "github.com/ccxt/ccxt/go/v4"
)

// ErrMaintenance 表示交易所处于维护状态，上层应跳过本轮巡检。
var ErrMaintenance = errors.New("exchange on maintenance")

// IsRetryable 判断交易所错误是否值得重试。
// 业务类错误(余额不足、参数非法等)返回 false，重试只会重复失败。
func IsRetryable(err error) bool {
	var ccxtErr *ccxt.Error
	if !errors.As(err, &ccxtErr) {
		return false
	}

	switch ccxtErr.Type {
	case ccxt.NetworkErrorErrType,
		ccxt.RequestTimeoutErrType,
		ccxt.ExchangeNotAvailableErrType,
		ccxt.RateLimitExceededErrType,
		ccxt.DDoSProtectionErrType,
		ccxt.BadResponseErrType,
		ccxt.NullResponseErrType:
		return true
	}
	return false
}
