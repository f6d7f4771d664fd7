package trading

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestNewRetryPolicyValidation(t *testing.T) {
	cases := []struct {
		name         string
		maxAttempts  int
		initialDelay time.Duration
		maxDelay     time.Duration
		base         float64
		wantErr      bool
	}{
		{"合法参数", 3, time.Second, 30 * time.Second, 2.0, false},
		{"零次重试合法", 0, time.Second, time.Second, 2.0, false},
		{"负重试次数", -1, time.Second, time.Second, 2.0, true},
		{"初始延迟非正", 3, 0, time.Second, 2.0, true},
		{"最大延迟非正", 3, time.Second, 0, 2.0, true},
		{"初始延迟超过最大延迟", 3, time.Minute, time.Second, 2.0, true},
		{"指数基数不大于1", 3, time.Second, time.Minute, 1.0, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewRetryPolicy(tc.maxAttempts, tc.initialDelay, tc.maxDelay, tc.base)
			if (err != nil) != tc.wantErr {
				t.Fatalf("err = %v, wantErr = %v", err, tc.wantErr)
			}
		})
	}
}

func TestRetryPolicyDelayExponentialWithCap(t *testing.T) {
	policy, err := NewRetryPolicy(5, time.Second, 5*time.Second, 2.0)
	if err != nil {
		t.Fatalf("NewRetryPolicy 失败: %v", err)
	}

	if got := policy.Delay(0); got != time.Second {
		t.Fatalf("Delay(0) = %s", got)
	}
	if got := policy.Delay(1); got != 2*time.Second {
		t.Fatalf("Delay(1) = %s", got)
	}
	if got := policy.Delay(2); got != 4*time.Second {
		t.Fatalf("Delay(2) = %s", got)
	}
	// 超过上限后封顶。
	if got := policy.Delay(3); got != 5*time.Second {
		t.Fatalf("Delay(3) = %s", got)
	}
	if got := policy.Delay(10); got != 5*time.Second {
		t.Fatalf("Delay(10) = %s", got)
	}
}

func TestNewBalance(t *testing.T) {
	balance, err := NewBalance("USDT", dec("600"), dec("400"), dec("1000"))
	if err != nil {
		t.Fatalf("NewBalance 失败: %v", err)
	}
	if !balance.Total.Equal(dec("1000")) {
		t.Fatalf("total = %s", balance.Total)
	}
}

func TestNewBalanceToleratesTinyDrift(t *testing.T) {
	// 1e-8 以内的误差视为守恒。
	if _, err := NewBalance("USDT", dec("600"), dec("400"), dec("1000.000000005")); err != nil {
		t.Fatalf("容差内的偏差不应拒绝: %v", err)
	}
}

func TestNewBalanceRejectsImbalance(t *testing.T) {
	if _, err := NewBalance("USDT", dec("600"), dec("400"), dec("1001")); err == nil {
		t.Fatal("不守恒的余额应被拒绝")
	}
}

func TestNewBalanceRejectsNegative(t *testing.T) {
	if _, err := NewBalance("USDT", dec("-1"), dec("1"), dec("0")); err == nil {
		t.Fatal("负余额应被拒绝")
	}
}

func TestNewBalanceRejectsEmptyCurrency(t *testing.T) {
	if _, err := NewBalance("", dec("1"), dec("0"), dec("1")); err == nil {
		t.Fatal("空币种应被拒绝")
	}
}
