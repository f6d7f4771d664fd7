package risk

import "fmt"

// ValidationError 表示快照或配置字段非法，评估立即失败。
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("risk: 快照校验失败: 字段 %s %s", e.Field, e.Message)
}

func newValidationError(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// UnsupportedActionError 表示动作没有登记处理器，属于代码或配置错误。
type UnsupportedActionError struct {
	Action Action
}

func (e *UnsupportedActionError) Error() string {
	return fmt.Sprintf("risk: 动作 %q 没有登记处理器", e.Action)
}
