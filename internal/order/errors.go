package order

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound 表示订单不存在。
	ErrNotFound = errors.New("order: 订单不存在")
	// ErrDuplicateID 表示订单ID已被占用。
	ErrDuplicateID = errors.New("order: 订单ID已存在")
	// ErrInvalidTransition 表示状态迁移不满足状态机或当前状态不符。
	ErrInvalidTransition = errors.New("order: 非法状态迁移")
)

// StateError 携带迁移失败时订单的实际状态。
type StateError struct {
	ID      string
	Current Status
	From    Status
	To      Status
}

func (e *StateError) Error() string {
	return fmt.Sprintf("order: 订单 %s 当前状态为 %s，无法执行 %s -> %s", e.ID, e.Current, e.From, e.To)
}

func (e *StateError) Unwrap() error {
	return ErrInvalidTransition
}

// CurrentStatus 从错误链中提取订单实际状态。
func CurrentStatus(err error) (Status, bool) {
	var stateErr *StateError
	if errors.As(err, &stateErr) {
		return stateErr.Current, true
	}
	return "", false
}
