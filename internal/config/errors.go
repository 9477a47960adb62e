package config

import "fmt"

// FieldError 指出出错的配置字段路径（如 Site[app].Domain）及原因。
// Err 保留底层校验错误，可通过 errors.Is/As 继续判断。
type FieldError struct {
	Field  string
	Reason string
	Err    error
}

func (e FieldError) Error() string {
	switch {
	case e.Err == nil:
		return fmt.Sprintf("%s: %s", e.Field, e.Reason)
	case e.Reason == "":
		return fmt.Sprintf("%s: %v", e.Field, e.Err)
	default:
		return fmt.Sprintf("%s: %s: %v", e.Field, e.Reason, e.Err)
	}
}

func (e FieldError) Unwrap() error {
	return e.Err
}

func newFieldError(field, reason string) error {
	return FieldError{Field: field, Reason: reason}
}

// wrapFieldError 把底层校验错误挂到字段路径上。
func wrapFieldError(field string, err error) error {
	return FieldError{Field: field, Err: err}
}

// siteField 输出 Site[name].Field 形式的路径，name 为空时为 Site[].Field。
func siteField(name, field string) string {
	return fmt.Sprintf("Site[%s].%s", name, field)
}
