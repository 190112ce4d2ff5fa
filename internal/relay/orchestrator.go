package relay

import (
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"pelican-relay/internal/model"
	"pelican-relay/internal/upstream"
	"pelican-relay/pkg/logger"
)

// fullTextSlack 上游fullText与累积缓冲的长度差超过该值时记一条告警，
// 便于发现静默的不一致，但不作为硬错误
const fullTextSlack = 16

// Orchestrator 驱动单次聊天交换：发起上游调用、消费事件流、
// 实时转发给调用方、累积完整回复，并在完成时写一次持久化。
type Orchestrator struct {
	upstream    upstream.Client
	recorder    Recorder
	maxDuration time.Duration
}

func NewOrchestrator(up upstream.Client, rec Recorder, maxDuration time.Duration) *Orchestrator {
	if maxDuration <= 0 {
		maxDuration = 25 * time.Minute
	}
	return &Orchestrator{
		upstream:    up,
		recorder:    rec,
		maxDuration: maxDuration,
	}
}

// Open 开启一次交换。事件通过Events()按解码顺序实时产出，
// Cancel()随时可调且幂等。会话整体只受墙钟上限和显式取消约束。
func (o *Orchestrator) Open(ctx context.Context, req *model.ChatRequest) *Exchange {
	exCtx, cancel := context.WithTimeout(ctx, o.maxDuration)

	ex := &Exchange{
		req:       req,
		sessionID: req.SessionID,
		state:     StatePending,
		events:    make(chan *model.Event, 64),
		done:      make(chan struct{}),
		ctx:       exCtx,
		cancelCtx: cancel,
		startedAt: time.Now(),
	}

	go ex.run(o)

	return ex
}

// Exchange 一次逻辑聊天交换（中继会话）。
// 缓冲只被本交换的单个goroutine追加，没有并发写者。
type Exchange struct {
	req *model.ChatRequest

	ctx       context.Context
	cancelCtx context.CancelFunc
	events    chan *model.Event
	done      chan struct{}
	startedAt time.Time

	mu        sync.Mutex
	state     State
	sessionID string
	buf       strings.Builder
	err       error
	cancelled bool
	persisted bool
}

// Events 按解码顺序产出协议事件，终止事件之后通道关闭
func (e *Exchange) Events() <-chan *model.Event {
	return e.events
}

// Done 交换进入终止状态且事件产出结束后关闭
func (e *Exchange) Done() <-chan struct{} {
	return e.done
}

// Cancel 取消交换。幂等：已终止的会话上调用是空操作。
// 取消立即中止底层传输读取，已累积的内容不会被持久化。
func (e *Exchange) Cancel() {
	e.mu.Lock()
	if e.state.Terminal() {
		e.mu.Unlock()
		return
	}
	e.cancelled = true
	e.mu.Unlock()

	e.cancelCtx()
}

func (e *Exchange) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// SessionID 上游可能在流中途分配会话ID，这里返回当前已知的值
func (e *Exchange) SessionID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessionID
}

// Buffer 到目前为止累积的回复内容
func (e *Exchange) Buffer() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.buf.String()
}

func (e *Exchange) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

func (e *Exchange) run(o *Orchestrator) {
	defer close(e.done)
	defer close(e.events)
	defer e.cancelCtx()

	source, err := o.upstream.OpenStream(e.ctx, &model.UpstreamRequest{
		Message:     e.req.Message,
		SessionID:   e.req.SessionID,
		History:     e.req.History,
		Attachments: e.req.Attachments,
	})
	if err != nil {
		if e.wasCancelled() {
			e.finishCancelled()
		} else {
			e.finishErrored(err)
		}
		return
	}
	defer source.Close()

	e.setState(StateStreaming)

	for {
		ev, err := source.Recv()
		if err != nil {
			switch {
			case e.wasCancelled():
				e.finishCancelled()
			case err == io.EOF:
				// 流结束却没有终止事件，按协议异常处理，不提交不完整的输出
				e.finishErrored(ErrIncompleteStream)
			default:
				e.finishErrored(err)
			}
			return
		}

		switch ev.Type {
		case model.EventSessionAssigned:
			// 立即转发，调用方需要在交换出错前也能拿到会话ID
			e.mu.Lock()
			e.sessionID = ev.SessionID
			e.mu.Unlock()
			if !e.emit(ev) {
				e.finishInterrupted()
				return
			}

		case model.EventDelta:
			// 先追加再转发：调用方观察到片段时缓冲里一定已有这部分内容
			e.mu.Lock()
			e.buf.WriteString(ev.Text)
			e.mu.Unlock()
			if !e.emit(ev) {
				e.finishInterrupted()
				return
			}

		case model.EventStatus, model.EventAttachments:
			if !e.emit(ev) {
				e.finishInterrupted()
				return
			}

		case model.EventDone:
			e.finishCompleted(o, ev)
			return

		case model.EventError:
			e.finishErrored(&upstreamError{message: ev.Message})
			return

		default:
			// 未知事件类型丢弃
		}
	}
}

// emit 转发一个非终止事件，交换被取消时返回false
func (e *Exchange) emit(ev *model.Event) bool {
	select {
	case e.events <- ev:
		return true
	case <-e.ctx.Done():
		return false
	}
}

// emitTerminal 发出唯一的终止事件。终止事件是调用方可见契约的一部分，
// 阻塞等待直到被收下，绝不丢弃；消费方的约定是消费到通道关闭为止。
func (e *Exchange) emitTerminal(ev *model.Event) {
	e.events <- ev
}

func (e *Exchange) setState(s State) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.state.Terminal() {
		e.state = s
	}
}

func (e *Exchange) wasCancelled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cancelled
}

// finishCompleted 正常完成：优先采用上游给的fullText，缺失时回退到累积缓冲。
// 持久化在终止事件之后进行，失败只记日志。
func (e *Exchange) finishCompleted(o *Orchestrator, ev *model.Event) {
	e.mu.Lock()
	if e.state.Terminal() {
		e.mu.Unlock()
		return
	}
	e.state = StateCompleted

	accumulated := e.buf.String()
	resolved := ev.FullText
	if resolved == "" {
		resolved = accumulated
	}
	sessionID := e.sessionID
	if ev.SessionID != "" {
		sessionID = ev.SessionID
	}
	alreadyPersisted := e.persisted
	e.persisted = true
	e.mu.Unlock()

	// 上游终稿与增量累积出现明显分歧时要能观察到
	diff := len(resolved) - len(accumulated)
	if ev.FullText != "" && (diff > fullTextSlack || diff < -fullTextSlack) {
		logger.Warnf("会话 %s 的fullText与累积缓冲长度相差 %d 字节", sessionID, diff)
	}

	latency := ev.LatencyMs
	if latency == 0 {
		latency = time.Since(e.startedAt).Milliseconds()
	}

	e.emitTerminal(&model.Event{
		Type:      model.EventDone,
		SessionID: sessionID,
		FullText:  resolved,
		LatencyMs: latency,
	})

	if alreadyPersisted || o.recorder == nil {
		return
	}
	if err := o.recorder.Record(sessionID, e.req.Message, resolved); err != nil {
		// 交换在用户视角已经成功，持久化失败不上抛也不重试
		logger.Errorf("会话 %s 持久化失败: %v", sessionID, err)
	}
}

func (e *Exchange) finishErrored(err error) {
	e.mu.Lock()
	if e.state.Terminal() {
		e.mu.Unlock()
		return
	}
	e.state = StateErrored
	e.err = err
	sessionID := e.sessionID
	e.mu.Unlock()

	e.emitTerminal(&model.Event{
		Type:      model.EventError,
		SessionID: sessionID,
		Message:   err.Error(),
	})
}

// finishInterrupted 上下文结束导致转发中断：显式取消走取消收尾，
// 会话墙钟到期按错误收尾
func (e *Exchange) finishInterrupted() {
	if e.wasCancelled() {
		e.finishCancelled()
		return
	}
	e.finishErrored(e.ctx.Err())
}

// finishCancelled 取消是独立的非错误结局：不持久化部分输出，也不报错误样式
func (e *Exchange) finishCancelled() {
	e.mu.Lock()
	if e.state.Terminal() {
		e.mu.Unlock()
		return
	}
	e.state = StateCancelled
	sessionID := e.sessionID
	e.mu.Unlock()

	e.emitTerminal(&model.Event{
		Type:      model.EventCancelled,
		SessionID: sessionID,
	})
}

// upstreamError 上游在流中报告的业务错误
type upstreamError struct {
	message string
}

func (e *upstreamError) Error() string {
	return e.message
}
