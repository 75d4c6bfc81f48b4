package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrorKind 错误分类
type ErrorKind string

const (
	KindOpenAI             ErrorKind = "OPENAI_ERROR"
	KindDID                ErrorKind = "DID_ERROR"
	KindNetwork            ErrorKind = "NETWORK_ERROR"
	KindCreditInsufficient ErrorKind = "CREDIT_INSUFFICIENT"
	KindValidation         ErrorKind = "VALIDATION_ERROR"
	KindUnknown            ErrorKind = "UNKNOWN_ERROR"
)

// DefaultRetryable 各分类的默认可重试性
func (k ErrorKind) DefaultRetryable() bool {
	switch k {
	case KindCreditInsufficient, KindValidation:
		return false
	default:
		return true
	}
}

// Error 带分类和可重试标记的错误
type Error struct {
	Kind      ErrorKind
	Message   string
	Retryable bool
	Cause     error
}

func (e *Error) Error() string {
	if e.Cause != nil && e.Message == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError 按分类默认可重试性创建错误
func NewError(kind ErrorKind, message string) *Error {
	return &Error{Kind: kind, Message: message, Retryable: kind.DefaultRetryable()}
}

// Wrap 包装底层错误
func Wrap(kind ErrorKind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Retryable: kind.DefaultRetryable(), Cause: cause}
}

// Permanent 标记为不可重试（远端明确拒绝）
func (e *Error) Permanent() *Error {
	e.Retryable = false
	return e
}

// AsError 提取分类错误
func AsError(err error) (*Error, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// IsRetryable 未分类的错误视为可重试，上下文取消不可重试
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if pe, ok := AsError(err); ok {
		return pe.Retryable
	}
	return true
}

// KindOf 返回错误分类，未分类时使用 Classify 的结果
func KindOf(err error) ErrorKind {
	return Classify(err).Kind
}

// Classify 将任意错误归入分类
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	if pe, ok := AsError(err); ok {
		return pe
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Wrap(KindNetwork, "request timed out", err)
	}
	if errors.Is(err, context.Canceled) {
		return Wrap(KindUnknown, "generation cancelled", err).Permanent()
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return Wrap(KindNetwork, "network failure", err)
	}
	return Wrap(KindUnknown, "", err)
}

// UserMessage 面向最终用户的错误信息，不含分类前缀
func UserMessage(err error) string {
	pe := Classify(err)
	if pe == nil {
		return ""
	}
	if pe.Message == "" && pe.Cause != nil {
		return pe.Cause.Error()
	}
	if pe.Cause != nil {
		return pe.Message + ": " + pe.Cause.Error()
	}
	return pe.Message
}
