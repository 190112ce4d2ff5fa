package transport

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"pelican-relay/internal/utils"
	"pelican-relay/pkg/logger"
)

// Options 控制单个客户端的重试与超时行为
type Options struct {
	// Timeout 单次尝试的超时；流式调用只覆盖到响应头就绪
	Timeout     time.Duration
	MaxRetries  int
	BackoffBase time.Duration
	BackoffCap  time.Duration
	// Retry429 为true时429在transport内部重试；协调器接管排队时应置false
	Retry429 bool
}

// Request 一次出站调用的描述
type Request struct {
	Method string
	URL    string
	Body   []byte
	Header http.Header
	// Stream 为true时响应体交给调用方继续读取，尝试超时不约束响应体
	Stream bool
}

// Client 带重试的HTTP调用原语，所有出站请求都经过这里。
// 不感知流式协议和聊天语义，只负责把一次调用做成功或分类失败。
type Client struct {
	http *http.Client
	opts Options
}

func NewClient(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}

	// 超时由每次尝试自己控制，不能用http.Client.Timeout，
	// 否则流式响应体会在中途被掐断
	return &Client{
		http: utils.NewHTTPClient(0),
		opts: opts,
	}
}

// Do 执行一次调用，内部按配置重试可重试的失败。
// 返回的响应体由调用方负责Close。重试用尽时返回包装了最后一次失败的ExhaustedError。
func (c *Client) Do(ctx context.Context, req *Request) (*http.Response, error) {
	var lastErr error

	for attempt := 0; attempt <= c.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := BackoffDelay(attempt-1, c.opts.BackoffBase, c.opts.BackoffCap)
			// 429带了Retry-After提示时优先按提示等待
			if rlErr, ok := lastErr.(*RateLimitError); ok && rlErr.RetryAfter > 0 {
				delay = rlErr.RetryAfter
			}

			logger.Warnf("请求失败，%s后进行第%d次重试: %v", delay, attempt, lastErr)

			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		resp, err := c.attempt(ctx, req)
		if err == nil {
			return resp, nil
		}

		lastErr = err
		if !Retryable(err, c.opts.Retry429) {
			return nil, err
		}
	}

	return nil, &ExhaustedError{
		Attempts: c.opts.MaxRetries + 1,
		Last:     lastErr,
	}
}

// attempt 执行单次调用并在边界处把失败分类成带类型的错误
func (c *Client) attempt(ctx context.Context, req *Request) (*http.Response, error) {
	attemptCtx, cancel := context.WithCancel(ctx)

	// 用定时器而不是WithTimeout：流式调用在响应头就绪后要解除超时，
	// 同时保留外部取消随时生效
	var timedOut atomic.Bool
	timer := time.AfterFunc(c.opts.Timeout, func() {
		timedOut.Store(true)
		cancel()
	})

	httpReq, err := http.NewRequestWithContext(attemptCtx, req.Method, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		timer.Stop()
		cancel()
		return nil, &NetworkError{Cause: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		timer.Stop()
		cancel()
		switch {
		case ctx.Err() != nil:
			// 外部取消（或会话墙钟到期），永不重试
			return nil, ctx.Err()
		case timedOut.Load():
			return nil, &TimeoutError{Timeout: c.opts.Timeout}
		default:
			return nil, &NetworkError{Cause: err}
		}
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if req.Stream {
			// 响应头已就绪，后续读取由会话层的上限约束
			timer.Stop()
			resp.Body = &bodyGuard{ReadCloser: resp.Body, cancel: cancel}
		} else {
			resp.Body = &bodyGuard{ReadCloser: resp.Body, cancel: cancel, timer: timer}
		}
		return resp, nil
	}

	// 非2xx：读一小段响应体用于诊断，然后归类
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	resp.Body.Close()
	timer.Stop()
	cancel()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, &AuthError{StatusCode: resp.StatusCode, Message: string(body)}
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &RateLimitError{
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
			Remaining:  parseRemaining(resp.Header.Get("X-RateLimit-Remaining")),
			Message:    string(body),
		}
	default:
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}
}

// bodyGuard 在响应体Close时释放本次尝试持有的资源
type bodyGuard struct {
	io.ReadCloser
	cancel context.CancelFunc
	timer  *time.Timer
}

func (b *bodyGuard) Close() error {
	if b.timer != nil {
		b.timer.Stop()
	}
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

// parseRetryAfter 解析Retry-After响应头，支持秒数和HTTP日期两种形式
func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(header); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func parseRemaining(header string) int {
	if header == "" {
		return -1
	}
	n, err := strconv.Atoi(header)
	if err != nil {
		return -1
	}
	return n
}
