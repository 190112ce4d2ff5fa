package coordinator

import (
	"sync"

	"pelican-relay/internal/model"
	"pelican-relay/internal/relay"
)

// Handle 一次已登记提交的取消句柄。事件跨重放合并到同一个通道，
// 调用方只需要消费Events()并在需要时Cancel()。
type Handle struct {
	ID  string
	req *model.ChatRequest

	c       *Coordinator
	events  chan *model.Event
	closing chan struct{}

	// sendMu 串行化对events的发送与关闭。发送不占用mu，
	// Cancel不会被塞满缓冲的慢消费方卡住
	sendMu sync.Mutex

	mu        sync.Mutex
	current   *relay.Exchange
	cancelled bool
	finished  bool
	replays   int
}

func newHandle(c *Coordinator, req *model.ChatRequest) *Handle {
	return &Handle{
		ID:      requestID(req),
		req:     req,
		c:       c,
		events:  make(chan *model.Event, 64),
		closing: make(chan struct{}),
	}
}

// Events 产出本次提交的全部事件，交换收尾后关闭
func (h *Handle) Events() <-chan *model.Event {
	return h.events
}

// Cancel 中止本次提交。幂等：已收尾的句柄上调用是空操作。
// 还在排队的请求会在重放时被放弃。
func (h *Handle) Cancel() {
	h.mu.Lock()
	if h.finished || h.cancelled {
		h.mu.Unlock()
		return
	}
	h.cancelled = true
	ex := h.current
	h.mu.Unlock()

	if ex != nil {
		// 取消收尾事件由交换自己发出，pump转发后关闭通道
		ex.Cancel()
		return
	}

	// 没有在途交换（还在队列里），直接合成取消收尾
	h.emit(&model.Event{Type: model.EventCancelled, SessionID: h.req.SessionID})
	h.finish()
	h.c.unregister(h)
}

// State 当前交换的状态；尚未开始执行时报告pending
func (h *Handle) State() relay.State {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.current == nil {
		return relay.StatePending
	}
	return h.current.State()
}

// SessionID 当前已知的会话标识
func (h *Handle) SessionID() string {
	h.mu.Lock()
	ex := h.current
	h.mu.Unlock()
	if ex == nil {
		return h.req.SessionID
	}
	return ex.SessionID()
}

func (h *Handle) Err() error {
	h.mu.Lock()
	ex := h.current
	h.mu.Unlock()
	if ex == nil {
		return nil
	}
	return ex.Err()
}

func (h *Handle) isCancelled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cancelled
}

// clearCurrent 句柄回到队列时调用，之后的Cancel走排队路径直接合成取消收尾
func (h *Handle) clearCurrent() {
	h.mu.Lock()
	h.current = nil
	h.mu.Unlock()
}

func (h *Handle) setCurrent(ex *relay.Exchange) {
	h.mu.Lock()
	cancelled := h.cancelled
	h.current = ex
	h.mu.Unlock()

	// 排队期间被取消的情况，交换一启动就中止
	if cancelled {
		ex.Cancel()
	}
}

// emit 向调用方转发一个事件，句柄已收尾时丢弃。
// 发送被closing唤醒而不是持有mu阻塞，缓冲满时只有发送方等待
func (h *Handle) emit(ev *model.Event) {
	h.sendMu.Lock()
	defer h.sendMu.Unlock()

	h.mu.Lock()
	finished := h.finished
	h.mu.Unlock()
	if finished {
		return
	}

	select {
	case h.events <- ev:
	case <-h.closing:
	}
}

// fail 排队路径上的失败收尾（如排队超时）
func (h *Handle) fail(err error) {
	h.emit(&model.Event{
		Type:      model.EventError,
		SessionID: h.req.SessionID,
		Message:   err.Error(),
	})
	h.finish()
}

// finish 收尾：先关closing唤醒可能阻塞的发送方，
// 再在sendMu下关闭events，保证不会向已关闭的通道发送
func (h *Handle) finish() {
	h.mu.Lock()
	if h.finished {
		h.mu.Unlock()
		return
	}
	h.finished = true
	h.mu.Unlock()

	close(h.closing)

	h.sendMu.Lock()
	close(h.events)
	h.sendMu.Unlock()
}
