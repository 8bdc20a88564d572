package provider

import (
	"context"
	"errors"
	"fmt"
)

// Kind 上游错误分类
type Kind string

const (
	KindTimeout     Kind = "timeout"      // 超时 / 5xx / 瞬时网络错误
	KindRateLimited Kind = "rate_limited" // 上游限流（429）
	KindAuth        Kind = "auth"         // 认证失败（401/403）
	KindMalformed   Kind = "malformed"    // 请求格式错误（400/422）
	KindUnknown     Kind = "unknown"
)

// Result 一次成功生成的结果
type Result struct {
	Text       string
	TokensUsed int
}

// Provider 外部模型提供方
//
// Generate 执行一次调用；失败时返回 *Error 以便调用方按 Kind 分类处理。
type Provider interface {
	Generate(ctx context.Context, prompt, caseContext string) (*Result, error)
}

// Error 上游调用错误
type Error struct {
	Kind         Kind
	Message      string
	TokensBilled int // 上游已计费的 token 数（部分失败时非零）
	Err          error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("provider: %s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("provider: %s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf 提取错误分类，非 provider 错误按超时/未知归类
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindUnknown
}

// IsRetryable 判断错误是否可重试（超时类和上游限流）
func IsRetryable(err error) bool {
	k := KindOf(err)
	return k == KindTimeout || k == KindRateLimited
}

// TokensBilled 返回错误中上游已计费的 token 数
func TokensBilled(err error) int {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.TokensBilled
	}
	return 0
}
