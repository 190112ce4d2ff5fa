package transport

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// 出站调用的失败在这里分类一次，调用方通过类型判断是否可重试，
// 不允许在各处用错误文案做字符串匹配。

// NetworkError 网络层失败（连接拒绝、DNS、连接被重置等），可重试
type NetworkError struct {
	Cause error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error: %v", e.Cause)
}

func (e *NetworkError) Unwrap() error {
	return e.Cause
}

// TimeoutError 单次尝试超时，可重试；区别于调用方的显式取消
type TimeoutError struct {
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("request timeout after %s", e.Timeout)
}

// AuthError 401/403，重试没有意义，立即上报
type AuthError struct {
	StatusCode int
	Message    string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed (status %d): %s", e.StatusCode, e.Message)
}

// RateLimitError 上游返回429，附带响应头中的限流提示
type RateLimitError struct {
	RetryAfter time.Duration // Retry-After 提示，没有则为0
	Remaining  int           // X-RateLimit-Remaining，没有则为-1
	Message    string
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited (retry after %s): %s", e.RetryAfter, e.Message)
	}
	return fmt.Sprintf("rate limited: %s", e.Message)
}

// StatusError 其他非2xx状态码，5xx可重试，4xx不可
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream returned status %d: %s", e.StatusCode, e.Body)
}

// ExhaustedError 重试次数用尽后包装最后一次失败返回，不吞错误
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("all %d attempts failed, last error: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Last
}

// Retryable 判断一次失败是否值得重试。429是否重试由配置决定，
// 显式取消永远不重试。
func Retryable(err error, retry429 bool) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var netErr *NetworkError
	if errors.As(err, &netErr) {
		return true
	}
	var toErr *TimeoutError
	if errors.As(err, &toErr) {
		return true
	}
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return false
	}
	var rlErr *RateLimitError
	if errors.As(err, &rlErr) {
		return retry429
	}
	var stErr *StatusError
	if errors.As(err, &stErr) {
		return stErr.StatusCode >= 500
	}

	return false
}
