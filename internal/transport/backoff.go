package transport

import (
	"math"
	"math/rand"
	"time"
)

// BackoffDelay 计算第attempt次（从0开始）重试前的等待时间：
// min(base*2^attempt + jitter, cap)，jitter 取 [0, 0.3*指数值)。
// 抖动用来避免并发会话的重试风暴同步。
func BackoffDelay(attempt int, base, cap time.Duration) time.Duration {
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	if cap <= 0 {
		cap = 30 * time.Second
	}

	exp := float64(base) * math.Pow(2, float64(attempt))
	if exp > float64(cap) {
		exp = float64(cap)
	}

	jitter := rand.Float64() * 0.3 * exp

	delay := time.Duration(exp + jitter)
	if delay > cap {
		delay = cap
	}

	return delay
}
