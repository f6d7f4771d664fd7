package trading

import (
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide 为订单方向。
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// OrderType 为订单类型。
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

// OrderStatus 为订单状态。
type OrderStatus string

const (
	OrderStatusOpen     OrderStatus = "open"
	OrderStatusClosed   OrderStatus = "closed"
	OrderStatusCanceled OrderStatus = "canceled"
	OrderStatusRejected OrderStatus = "rejected"
)

// Order 为交易所无关的订单快照。
type Order struct {
	ID           string
	ClientID     string
	Symbol       string
	Side         OrderSide
	Type         OrderType
	Status       OrderStatus
	Amount       decimal.Decimal
	Filled       decimal.Decimal
	Price        decimal.Decimal
	AveragePrice decimal.Decimal
	Fee          decimal.Decimal
	FeeCurrency  string
	ReduceOnly   bool
	CreatedAt    time.Time
}

// balanceTolerance 为余额守恒校验的容差。
var balanceTolerance = decimal.New(1, -8)

// Balance 为某一币种的余额快照，构造时校验 total == free + used。
type Balance struct {
	Currency string
	Free     decimal.Decimal
	Used     decimal.Decimal
	Total    decimal.Decimal
}

// NewBalance 构造余额快照并校验守恒与非负约束。
func NewBalance(currency string, free, used, total decimal.Decimal) (Balance, error) {
	if currency == "" {
		return Balance{}, fmt.Errorf("trading: 余额币种不能为空")
	}
	if free.Sign() < 0 || used.Sign() < 0 || total.Sign() < 0 {
		return Balance{}, fmt.Errorf("trading: %s 余额不能为负 (free=%s used=%s total=%s)",
			currency, free, used, total)
	}
	if total.Sub(free.Add(used)).Abs().GreaterThan(balanceTolerance) {
		return Balance{}, fmt.Errorf("trading: %s 余额不守恒 total=%s free+used=%s",
			currency, total, free.Add(used))
	}
	return Balance{Currency: currency, Free: free, Used: used, Total: total}, nil
}

// RetryPolicy 为保护性下单的重试策略，构造即校验。
type RetryPolicy struct {
	MaxAttempts     int
	InitialDelay    time.Duration
	MaxDelay        time.Duration
	ExponentialBase float64
}

// NewRetryPolicy 创建重试策略，非法参数直接构造失败。
func NewRetryPolicy(maxAttempts int, initialDelay, maxDelay time.Duration, base float64) (RetryPolicy, error) {
	if maxAttempts < 0 {
		return RetryPolicy{}, fmt.Errorf("trading: max_attempts 不能为负: %d", maxAttempts)
	}
	if initialDelay <= 0 {
		return RetryPolicy{}, fmt.Errorf("trading: initial_delay 必须大于0: %s", initialDelay)
	}
	if maxDelay <= 0 {
		return RetryPolicy{}, fmt.Errorf("trading: max_delay 必须大于0: %s", maxDelay)
	}
	if initialDelay > maxDelay {
		return RetryPolicy{}, fmt.Errorf("trading: initial_delay %s 不能大于 max_delay %s", initialDelay, maxDelay)
	}
	if base <= 1 {
		return RetryPolicy{}, fmt.Errorf("trading: exponential_base 必须大于1: %g", base)
	}
	return RetryPolicy{
		MaxAttempts:     maxAttempts,
		InitialDelay:    initialDelay,
		MaxDelay:        maxDelay,
		ExponentialBase: base,
	}, nil
}

// Delay 返回第 attempt 次重试前的等待时长(attempt 从0开始)，
// 按指数退避并封顶于 MaxDelay。
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := time.Duration(float64(p.InitialDelay) * math.Pow(p.ExponentialBase, float64(attempt)))
	if d > p.MaxDelay || d <= 0 {
		return p.MaxDelay
	}
	return d
}
