package translation

import (
	"context"
	"errors"
	"fmt"
)

// 预定义错误
var (
	// ErrNoTranslatableText 选区内没有可见文本（信息性结果，不是故障）
	ErrNoTranslatableText = errors.New("no translatable text")

	// ErrPayloadTooLarge 批量载荷超过上限，发送前拒绝
	ErrPayloadTooLarge = errors.New("batch payload too large")

	// ErrBackend 翻译后端返回错误
	ErrBackend = errors.New("translation backend error")

	// ErrEmptyTranslation 后端成功但没有可用文本
	ErrEmptyTranslation = errors.New("empty translation")

	// ErrMalformedResponse 无法解析的批量结果
	ErrMalformedResponse = errors.New("malformed batch response")

	// ErrCancelled 用户主动取消
	ErrCancelled = errors.New("translation cancelled")

	// ErrPartialSegmentMismatch 段数对不上，按原文降级
	ErrPartialSegmentMismatch = errors.New("partial segment mismatch")

	// ErrTemporarilySkipped 同一文本在冷却期内反复失败
	ErrTemporarilySkipped = errors.New("temporarily skipped after repeated failures")
)

// 错误代码常量
const (
	ErrCodeNoText    = "NO_TEXT"
	ErrCodePayload   = "PAYLOAD_TOO_LARGE"
	ErrCodeBackend   = "BACKEND_ERROR"
	ErrCodeEmpty     = "EMPTY_TRANSLATION"
	ErrCodeMalformed = "MALFORMED_RESPONSE"
	ErrCodeCancelled = "CANCELLED"
	ErrCodeMismatch  = "SEGMENT_MISMATCH"
	ErrCodeSkipped   = "TEMPORARILY_SKIPPED"
	ErrCodeUnknown   = "UNKNOWN_ERROR"
)

// TranslationError 翻译错误
type TranslationError struct {
	Code    string // 错误代码
	Message string // 错误消息
	Cause   error  // 原因
	Step    string // 发生错误的步骤
}

// Error 实现error接口
func (e *TranslationError) Error() string {
	if e.Step != "" {
		return fmt.Sprintf("[%s] %s at step '%s'", e.Code, e.Message, e.Step)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap 返回原因错误
func (e *TranslationError) Unwrap() error {
	return e.Cause
}

// NewTranslationError 创建翻译错误
func NewTranslationError(code, message string, cause error) *TranslationError {
	return &TranslationError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// WithStep 记录出错步骤
func (e *TranslationError) WithStep(step string) *TranslationError {
	e.Step = step
	return e
}

// WrapError 包装错误
func WrapError(err error, code, message string) *TranslationError {
	if err == nil {
		return nil
	}

	// 如果已经是TranslationError，保留原有信息
	var te *TranslationError
	if errors.As(err, &te) {
		te.Message = message + ": " + te.Message
		return te
	}

	return &TranslationError{
		Code:    code,
		Message: message,
		Cause:   err,
	}
}

// CodeOf 返回错误对应的代码
func CodeOf(err error) string {
	var te *TranslationError
	if errors.As(err, &te) {
		return te.Code
	}

	switch {
	case errors.Is(err, ErrNoTranslatableText):
		return ErrCodeNoText
	case errors.Is(err, ErrPayloadTooLarge):
		return ErrCodePayload
	case errors.Is(err, ErrBackend):
		return ErrCodeBackend
	case errors.Is(err, ErrEmptyTranslation):
		return ErrCodeEmpty
	case errors.Is(err, ErrMalformedResponse):
		return ErrCodeMalformed
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return ErrCodeCancelled
	case errors.Is(err, ErrPartialSegmentMismatch):
		return ErrCodeMismatch
	case errors.Is(err, ErrTemporarilySkipped):
		return ErrCodeSkipped
	}
	return ErrCodeUnknown
}

// IsInformational 是否只需提示而不是报错
func IsInformational(err error) bool {
	return errors.Is(err, ErrNoTranslatableText) ||
		errors.Is(err, ErrTemporarilySkipped) ||
		errors.Is(err, ErrCancelled)
}

// IsUserVisible 是否需要以错误通知的形式展示给用户
func IsUserVisible(err error) bool {
	if err == nil || IsInformational(err) {
		return false
	}
	return !errors.Is(err, ErrPartialSegmentMismatch)
}
