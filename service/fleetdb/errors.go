package fleetdb

import "fmt"

// SessionBindError 会话绑定指令执行失败。出现该错误的连接
// 可能处于半绑定状态，必须直接关闭，严禁复用或重试。
type SessionBindError struct {
	Directive string
	Err       error
}

func (e *SessionBindError) Error() string {
	return fmt.Sprintf("failed to bind tenant session (%s): %v", e.Directive, e.Err)
}

func (e *SessionBindError) Unwrap() error {
	return e.Err
}
