package config

import (
	"errors"
	"fmt"
)

// ErrInvalidConfig 标记字段级校验失败，与读取/解析文件的 IO 错误区分开。
var ErrInvalidConfig = errors.New("配置无效")

// FieldError 指向出错的配置键。Value 是触发错误的取值，Cause 是底层解析错误，均可为空。
type FieldError struct {
	Field  string
	Reason string
	Value  interface{}
	Cause  error
}

func (e FieldError) Error() string {
	msg := e.Field + ": " + e.Reason
	if e.Value != nil {
		msg = fmt.Sprintf("%s (当前值 %v)", msg, e.Value)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e FieldError) Unwrap() []error {
	if e.Cause != nil {
		return []error{ErrInvalidConfig, e.Cause}
	}
	return []error{ErrInvalidConfig}
}

func newFieldError(field, reason string) error {
	return FieldError{Field: field, Reason: reason}
}

func invalidValue(field, reason string, value interface{}) error {
	return FieldError{Field: field, Reason: reason, Value: value}
}
