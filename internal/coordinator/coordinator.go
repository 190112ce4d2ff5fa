package coordinator

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"pelican-relay/internal/config"
	"pelican-relay/internal/model"
	"pelican-relay/internal/relay"
	"pelican-relay/internal/transport"
	"pelican-relay/internal/upstream"
	"pelican-relay/pkg/logger"
)

// defaultRateLimitWindow 上游429没有给出Retry-After提示时的兜底等待
const defaultRateLimitWindow = 10 * time.Second

// Coordinator 进程级的请求登记处：跟踪在途交换的取消句柄、
// 观察上游限流并排队重放、对重复提交做去抖。
// 显式构造并按引用传递，不做隐式全局单例。
type Coordinator struct {
	orch *relay.Orchestrator
	// single 单次尝试的上游客户端，非流式重试路径由协调器自己控制节奏
	single upstream.Client

	maxReplays   int
	maxRetries   int
	backoffBase  time.Duration
	backoffCap   time.Duration
	queueMaxWait time.Duration

	mu               sync.Mutex
	handles          map[string]*Handle
	queue            []*queuedRequest
	rateLimitedUntil time.Time
	remainingQuota   int
	drainTimer       *time.Timer
	debounce         map[string]*debounceEntry
}

type queuedRequest struct {
	handle     *Handle
	enqueuedAt time.Time
}

type debounceEntry struct {
	timer *time.Timer
	ch    chan *Handle
}

func New(orch *relay.Orchestrator, single upstream.Client, cfg config.RelayConfig) *Coordinator {
	return &Coordinator{
		orch:           orch,
		single:         single,
		maxReplays:     cfg.MaxRetries,
		maxRetries:     cfg.MaxRetries,
		backoffBase:    cfg.BackoffBase,
		backoffCap:     cfg.BackoffCap,
		queueMaxWait:   cfg.QueueMaxWait,
		handles:        make(map[string]*Handle),
		debounce:       make(map[string]*debounceEntry),
		remainingQuota: -1,
	}
}

// Submit 登记并执行一次交换。处于限流窗口内时加入队列，
// 窗口结束后自动重放。返回的句柄上Events()持续产出事件直到交换收尾。
func (c *Coordinator) Submit(req *model.ChatRequest) *Handle {
	h := newHandle(c, req)

	c.mu.Lock()
	c.handles[h.ID] = h
	limited := time.Now().Before(c.rateLimitedUntil)
	c.mu.Unlock()

	if limited {
		logger.Infof("请求 %s 提交时处于限流窗口，加入队列", h.ID)
		h.emit(&model.Event{Type: model.EventStatus, Text: "上游限流中，请求已排队"})
		c.enqueue(h)
		return h
	}

	c.start(h)
	return h
}

// DebouncedSubmit 把delay窗口内相同key的重复提交折叠成一次，
// 只执行最后一次的载荷；被折叠掉的调用拿到的通道会直接关闭。
func (c *Coordinator) DebouncedSubmit(key string, req *model.ChatRequest, delay time.Duration) <-chan *Handle {
	c.mu.Lock()
	defer c.mu.Unlock()

	if prev, ok := c.debounce[key]; ok {
		// 之前挂起的定时器取消而不是执行
		prev.timer.Stop()
		close(prev.ch)
	}

	entry := &debounceEntry{ch: make(chan *Handle, 1)}
	entry.timer = time.AfterFunc(delay, func() {
		c.mu.Lock()
		if c.debounce[key] != entry {
			// 定时器触发与同key新提交赛跑时可能已被取代：
			// 取代方已经关闭了本通道，这里什么都不做
			c.mu.Unlock()
			return
		}
		delete(c.debounce, key)
		c.mu.Unlock()

		entry.ch <- c.Submit(req)
		close(entry.ch)
	})
	c.debounce[key] = entry

	return entry.ch
}

// CancelAll 中止所有在途句柄，用于调用方要保证同一时刻只有一个活跃交换的场景
func (c *Coordinator) CancelAll() {
	c.mu.Lock()
	snapshot := make([]*Handle, 0, len(c.handles))
	for _, h := range c.handles {
		snapshot = append(snapshot, h)
	}
	c.mu.Unlock()

	for _, h := range snapshot {
		h.Cancel()
	}
}

// Execute 非流式提交：包装单次尝试的调用，由协调器自己按
// 指数退避加抖动重新排期，重试状态通过onRetry对调用方可见。
func (c *Coordinator) Execute(ctx context.Context, req *model.UpstreamRequest, onRetry func(attempt int, delay time.Duration, err error)) (*model.Event, error) {
	var lastErr error

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := transport.BackoffDelay(attempt-1, c.backoffBase, c.backoffCap)
			var rlErr *transport.RateLimitError
			if errors.As(lastErr, &rlErr) && rlErr.RetryAfter > 0 {
				delay = rlErr.RetryAfter
			}
			if onRetry != nil {
				onRetry(attempt, delay, lastErr)
			}

			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		ev, err := c.single.Complete(ctx, req)
		if err == nil {
			return ev, nil
		}

		lastErr = err
		if !transport.Retryable(err, true) {
			return nil, err
		}
	}

	return nil, &transport.ExhaustedError{Attempts: c.maxRetries + 1, Last: lastErr}
}

// RateLimitedUntil 当前已知的限流窗口结束时间，零值表示未受限
func (c *Coordinator) RateLimitedUntil() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rateLimitedUntil
}

// RemainingQuota 最近一次限流响应报告的剩余配额估计，-1表示未知
func (c *Coordinator) RemainingQuota() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remainingQuota
}

// start 真正开启一次交换并泵送其事件
func (c *Coordinator) start(h *Handle) {
	ex := c.orch.Open(context.Background(), h.req)
	h.setCurrent(ex)
	go c.pump(h, ex)
}

// pump 把交换的事件转发到句柄上。遇到限流错误且还有重放额度时
// 不把硬错误透给调用方，而是记录窗口并重新排队。
func (c *Coordinator) pump(h *Handle, ex *relay.Exchange) {
	for ev := range ex.Events() {
		if ev.Type == model.EventError {
			var rlErr *transport.RateLimitError
			if errors.As(ex.Err(), &rlErr) && !h.isCancelled() && h.replays < c.maxReplays {
				h.replays++
				// 先摘掉已终止的交换，排队期间的取消才能正确收尾
				h.clearCurrent()
				c.observeRateLimit(rlErr)
				h.emit(&model.Event{Type: model.EventStatus, Text: "上游限流，请求已排队等待重放"})
				c.enqueue(h)
				return
			}
		}
		h.emit(ev)
	}

	h.finish()
	c.unregister(h)
}

// observeRateLimit 记录限流窗口和剩余配额估计
func (c *Coordinator) observeRateLimit(rlErr *transport.RateLimitError) {
	window := rlErr.RetryAfter
	if window <= 0 {
		window = defaultRateLimitWindow
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	until := time.Now().Add(window)
	if until.After(c.rateLimitedUntil) {
		c.rateLimitedUntil = until
	}
	c.remainingQuota = rlErr.Remaining

	logger.Warnf("观察到上游限流，窗口预计 %s 后结束（剩余配额 %d）", window, rlErr.Remaining)
}

func (c *Coordinator) enqueue(h *Handle) {
	c.mu.Lock()
	c.queue = append(c.queue, &queuedRequest{handle: h, enqueuedAt: time.Now()})
	c.scheduleDrainLocked()
	c.mu.Unlock()
}

// scheduleDrainLocked 在限流窗口预计结束时排一次队列重放
func (c *Coordinator) scheduleDrainLocked() {
	wait := time.Until(c.rateLimitedUntil)
	if wait < 0 {
		wait = 0
	}
	if c.drainTimer != nil {
		c.drainTimer.Stop()
	}
	c.drainTimer = time.AfterFunc(wait, c.drainQueue)
}

func (c *Coordinator) drainQueue() {
	c.mu.Lock()
	if time.Now().Before(c.rateLimitedUntil) {
		// 窗口又被推后了，重新排期
		c.scheduleDrainLocked()
		c.mu.Unlock()
		return
	}
	pending := c.queue
	c.queue = nil
	c.mu.Unlock()

	for _, q := range pending {
		// 原会话已取消的排队请求直接放弃
		if q.handle.isCancelled() {
			continue
		}
		if time.Since(q.enqueuedAt) > c.queueMaxWait {
			q.handle.fail(fmt.Errorf("rate limit queue wait exceeded %s", c.queueMaxWait))
			c.unregister(q.handle)
			continue
		}
		logger.Infof("限流窗口结束，重放请求 %s", q.handle.ID)
		c.start(q.handle)
	}
}

func (c *Coordinator) unregister(h *Handle) {
	c.mu.Lock()
	delete(c.handles, h.ID)
	c.mu.Unlock()
}

// requestID 由目标与载荷加到达时间哈希得到，只用于日志关联，不做去重
func requestID(req *model.ChatRequest) string {
	hash := fnv.New64a()
	hash.Write([]byte(req.SessionID))
	hash.Write([]byte{0})
	hash.Write([]byte(req.Message))
	hash.Write([]byte{0})
	hash.Write([]byte(time.Now().Format(time.RFC3339Nano)))
	return fmt.Sprintf("%016x", hash.Sum64())
}
