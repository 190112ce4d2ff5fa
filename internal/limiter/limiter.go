package limiter

import (
	"sync"
	"time"
)

// Decision 一次准入判定的结果，拒绝时带上窗口重置时间，
// 便于调用方构造"请N秒后重试"的响应
type Decision struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// Limiter 按(调用方身份, 路由)维度的固定窗口计数器。
// 超限的请求直接拒绝，不排队——与上游限流的排队机制相互独立，
// 两边都要生效。
type Limiter struct {
	limit  int
	window time.Duration

	mu      sync.Mutex
	windows map[string]*entry
}

type entry struct {
	start time.Time
	count int
}

func New(limit int, window time.Duration) *Limiter {
	if limit <= 0 {
		limit = 30
	}
	if window <= 0 {
		window = time.Minute
	}
	return &Limiter{
		limit:   limit,
		window:  window,
		windows: make(map[string]*entry),
	}
}

// Check 计数并判定。窗口从窗口内第一次请求开始计时，
// 到期后计数和窗口起点随下一次检查原子地重置。
func (l *Limiter) Check(identity, route string) Decision {
	key := identity + "|" + route
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key]
	if !ok || now.Sub(w.start) >= l.window {
		w = &entry{start: now}
		l.windows[key] = w
	}
	w.count++

	remaining := l.limit - w.count
	if remaining < 0 {
		remaining = 0
	}

	// 键的数量失控时顺手清掉过期窗口
	if len(l.windows) > 4096 {
		l.pruneLocked(now)
	}

	return Decision{
		Allowed:   w.count <= l.limit,
		Remaining: remaining,
		ResetAt:   w.start.Add(l.window),
	}
}

func (l *Limiter) pruneLocked(now time.Time) {
	for key, w := range l.windows {
		if now.Sub(w.start) >= l.window {
			delete(l.windows, key)
		}
	}
}
