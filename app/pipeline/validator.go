package pipeline

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

const (
	MinScriptLength = 10
	MaxScriptLength = 5000
)

const (
	msgEmpty    = "script must not be empty"
	msgTooShort = "script must be at least %d characters"
	msgTooLong  = "script must not exceed %d characters (got %d)"
)

// ValidationResult 校验结果
type ValidationResult struct {
	IsValid bool     `json:"is_valid"`
	Errors  []string `json:"errors"`
}

// Validate 校验讲稿内容，所有规则都会执行并累积错误
func Validate(script string) ValidationResult {
	normalized := norm.NFC.String(script)
	trimmed := strings.TrimSpace(normalized)
	trimmedLen := utf8.RuneCountInString(trimmed)
	rawLen := utf8.RuneCountInString(normalized)

	errs := []string{}
	if trimmed == "" {
		errs = append(errs, msgEmpty)
	}
	if trimmedLen < MinScriptLength {
		errs = append(errs, fmt.Sprintf(msgTooShort, MinScriptLength))
	}
	if rawLen > MaxScriptLength {
		errs = append(errs, fmt.Sprintf(msgTooLong, MaxScriptLength, rawLen))
	}

	return ValidationResult{IsValid: len(errs) == 0, Errors: errs}
}

// ValidateOrError 校验失败时返回不可重试的 VALIDATION_ERROR
func ValidateOrError(script string) error {
	result := Validate(script)
	if result.IsValid {
		return nil
	}
	return NewError(KindValidation, strings.Join(result.Errors, " "))
}
