package trading

import (
	"errors"
	"fmt"
)

// ErrTradingBlocked 表示交易当前处于封禁状态。
var ErrTradingBlocked = errors.New("trading: 当前禁止开新仓")

// EngineError 为交易引擎操作失败的统一错误类型，
// 保留原始错误供调用方用 errors.Is / errors.As 判别。
type EngineError struct {
	Op     string
	Symbol string
	Err    error
}

func (e *EngineError) Error() string {
	if e.Symbol == "" {
		return fmt.Sprintf("trading: %s 失败: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("trading: %s %s 失败: %v", e.Op, e.Symbol, e.Err)
}

func (e *EngineError) Unwrap() error {
	return e.Err
}

func newEngineError(op, symbol string, err error) error {
	return &EngineError{Op: op, Symbol: symbol, Err: err}
}
