package coordinator

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"pelican-relay/internal/config"
	"pelican-relay/internal/model"
	"pelican-relay/internal/relay"
	"pelican-relay/internal/transport"
	"pelican-relay/internal/upstream"
)

// scriptedUpstream 每次OpenStream按脚本依次返回错误或事件流，
// 并记录每次打开的时间和载荷
type scriptedUpstream struct {
	mu       sync.Mutex
	script   []openResult
	opens    []openRecord
	complete func(req *model.UpstreamRequest) (*model.Event, error)
}

type openResult struct {
	err    error
	events []*model.Event
}

type openRecord struct {
	at      time.Time
	message string
}

type scriptedSource struct {
	events []*model.Event
	idx    int
}

func (s *scriptedSource) Recv() (*model.Event, error) {
	if s.idx < len(s.events) {
		ev := s.events[s.idx]
		s.idx++
		return ev, nil
	}
	return nil, io.EOF
}

func (s *scriptedSource) Close() error { return nil }

func (s *scriptedUpstream) OpenStream(ctx context.Context, req *model.UpstreamRequest) (upstream.EventSource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.opens = append(s.opens, openRecord{at: time.Now(), message: req.Message})
	step := s.script[0]
	if len(s.script) > 1 {
		s.script = s.script[1:]
	}
	if step.err != nil {
		return nil, step.err
	}
	return &scriptedSource{events: step.events}, nil
}

func (s *scriptedUpstream) Complete(ctx context.Context, req *model.UpstreamRequest) (*model.Event, error) {
	if s.complete != nil {
		return s.complete(req)
	}
	return &model.Event{Type: model.EventDone}, nil
}

func (s *scriptedUpstream) openCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.opens)
}

type nopRecorder struct{}

func (nopRecorder) Record(sessionID, requestText, responseText string) error { return nil }

func testConfig() config.RelayConfig {
	return config.RelayConfig{
		MaxRetries:         2,
		BackoffBase:        time.Millisecond,
		BackoffCap:         10 * time.Millisecond,
		SessionMaxDuration: 5 * time.Second,
		DebounceDelay:      50 * time.Millisecond,
		QueueMaxWait:       2 * time.Second,
	}
}

func okStream(text string) []*model.Event {
	return []*model.Event{
		{Type: model.EventDelta, Text: text},
		{Type: model.EventDone, FullText: text},
	}
}

func newTestCoordinator(up *scriptedUpstream, cfg config.RelayConfig) *Coordinator {
	orch := relay.NewOrchestrator(up, nopRecorder{}, cfg.SessionMaxDuration)
	return New(orch, up, cfg)
}

func TestSubmit_RateLimitReplayedAfterHint(t *testing.T) {
	hint := 300 * time.Millisecond
	up := &scriptedUpstream{script: []openResult{
		{err: &transport.RateLimitError{RetryAfter: hint, Remaining: 2, Message: "slow down"}},
		{events: okStream("replayed")},
	}}
	coord := newTestCoordinator(up, testConfig())

	start := time.Now()
	h := coord.Submit(&model.ChatRequest{Message: "m", SessionID: "s"})

	var events []*model.Event
	for ev := range h.Events() {
		events = append(events, ev)
	}

	// 限流错误不透给调用方，只看到排队状态和最终结果
	sawQueued := false
	terminals := 0
	for _, ev := range events {
		if ev.Type == model.EventError {
			t.Errorf("rate limit surfaced as hard error: %+v", ev)
		}
		if ev.Type == model.EventStatus {
			sawQueued = true
		}
		if ev.Terminal() {
			terminals++
		}
	}
	if !sawQueued {
		t.Errorf("expected a queued status event, got %+v", events)
	}
	if terminals != 1 {
		t.Errorf("expected exactly 1 terminal event, got %d", terminals)
	}
	if last := events[len(events)-1]; last.Type != model.EventDone || last.FullText != "replayed" {
		t.Errorf("unexpected terminal event %+v", last)
	}

	if up.openCount() != 2 {
		t.Fatalf("expected 2 upstream opens, got %d", up.openCount())
	}
	if gap := up.opens[1].at.Sub(start); gap < hint {
		t.Errorf("replay after %s, expected to wait at least the %s hint", gap, hint)
	}
	if got := coord.RemainingQuota(); got != 2 {
		t.Errorf("remaining quota = %d, want the value reported by upstream", got)
	}
}

func TestSubmit_ReplayBudgetExhaustedSurfacesError(t *testing.T) {
	rl := &transport.RateLimitError{RetryAfter: 10 * time.Millisecond}
	up := &scriptedUpstream{script: []openResult{{err: rl}}}

	cfg := testConfig()
	cfg.MaxRetries = 1 // 只允许一次重放
	coord := newTestCoordinator(up, cfg)

	h := coord.Submit(&model.ChatRequest{Message: "m", SessionID: "s"})

	var last *model.Event
	for ev := range h.Events() {
		last = ev
	}

	if last == nil || last.Type != model.EventError {
		t.Fatalf("expected hard error after replay budget exhausted, got %+v", last)
	}
	if up.openCount() != 2 {
		t.Errorf("expected original attempt plus 1 replay, got %d opens", up.openCount())
	}
}

func TestSubmit_QueuedWhileWindowActive(t *testing.T) {
	up := &scriptedUpstream{script: []openResult{
		{err: &transport.RateLimitError{RetryAfter: 200 * time.Millisecond}},
		{events: okStream("first")},
		{events: okStream("second")},
	}}
	coord := newTestCoordinator(up, testConfig())

	h1 := coord.Submit(&model.ChatRequest{Message: "first", SessionID: "s"})

	// 等第一条请求触发限流窗口
	deadline := time.Now().Add(time.Second)
	for coord.RateLimitedUntil().IsZero() {
		if time.Now().After(deadline) {
			t.Fatal("rate limit window never observed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// 窗口内的新提交不打上游，先排队
	before := up.openCount()
	h2 := coord.Submit(&model.ChatRequest{Message: "second", SessionID: "s"})
	if up.openCount() != before {
		t.Errorf("submission during rate limit window hit upstream immediately")
	}

	for ev := range h1.Events() {
		_ = ev
	}
	var last2 *model.Event
	for ev := range h2.Events() {
		last2 = ev
	}
	if last2 == nil || last2.Type != model.EventDone {
		t.Errorf("queued submission did not complete: %+v", last2)
	}
}

func TestDebouncedSubmit_CollapsesBursts(t *testing.T) {
	up := &scriptedUpstream{script: []openResult{{events: okStream("answer")}}}
	coord := newTestCoordinator(up, testConfig())

	first := coord.DebouncedSubmit("k", &model.ChatRequest{Message: "draft", SessionID: "s"}, 300*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	second := coord.DebouncedSubmit("k", &model.ChatRequest{Message: "final", SessionID: "s"}, 300*time.Millisecond)

	// 被折叠的调用通道直接关闭，拿不到句柄
	if _, ok := <-first; ok {
		t.Fatal("superseded submission produced a handle")
	}

	h, ok := <-second
	if !ok {
		t.Fatal("surviving submission channel closed without handle")
	}
	for range h.Events() {
	}

	if up.openCount() != 1 {
		t.Fatalf("expected exactly 1 upstream open, got %d", up.openCount())
	}
	if got := up.opens[0].message; got != "final" {
		t.Errorf("executed payload %q, want the last submission", got)
	}
}

func TestCancelAll_StopsInFlightAndQueued(t *testing.T) {
	up := &scriptedUpstream{script: []openResult{
		{err: &transport.RateLimitError{RetryAfter: time.Second}},
	}}
	coord := newTestCoordinator(up, testConfig())

	h := coord.Submit(&model.ChatRequest{Message: "m", SessionID: "s"})

	// 等它因限流进入队列
	deadline := time.Now().Add(time.Second)
	for coord.RateLimitedUntil().IsZero() {
		if time.Now().After(deadline) {
			t.Fatal("rate limit window never observed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	coord.CancelAll()

	var last *model.Event
	for ev := range h.Events() {
		last = ev
	}
	if last == nil || last.Type != model.EventCancelled {
		t.Errorf("expected cancelled outcome for queued handle, got %+v", last)
	}
	if up.openCount() != 1 {
		t.Errorf("cancelled queued request was replayed, %d opens", up.openCount())
	}
}

func TestCancel_NotBlockedBySlowConsumer(t *testing.T) {
	// 事件量远超两级缓冲，泵送方会在发送上阻塞
	events := make([]*model.Event, 300)
	for i := range events {
		events[i] = &model.Event{Type: model.EventDelta, Text: "x"}
	}
	up := &scriptedUpstream{script: []openResult{{events: events}}}
	coord := newTestCoordinator(up, testConfig())

	h := coord.Submit(&model.ChatRequest{Message: "m", SessionID: "s"})

	// 不消费，等缓冲填满
	time.Sleep(100 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		h.Cancel()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Cancel blocked behind a slow consumer")
	}

	var last *model.Event
	for ev := range h.Events() {
		last = ev
	}
	if last == nil || last.Type != model.EventCancelled {
		t.Errorf("expected cancelled outcome after draining, got %+v", last)
	}
}

func TestDebouncedSubmit_RapidResubmitIsSafe(t *testing.T) {
	up := &scriptedUpstream{script: []openResult{{events: okStream("answer")}}}
	coord := newTestCoordinator(up, testConfig())

	// 定时器触发和同key重复提交赛跑，不允许panic，
	// 也不允许已被取代的载荷再执行
	chans := make([]<-chan *Handle, 0, 500)
	for i := 0; i < 500; i++ {
		chans = append(chans, coord.DebouncedSubmit("k", &model.ChatRequest{Message: "m", SessionID: "s"}, time.Microsecond))
	}

	time.Sleep(100 * time.Millisecond)

	executed := 0
	lastExecuted := false
	for i, ch := range chans {
		if h, ok := <-ch; ok {
			executed++
			lastExecuted = i == len(chans)-1
			for range h.Events() {
			}
		}
	}

	if executed == 0 {
		t.Fatal("no submission ever executed")
	}
	// 最后一次提交没有被任何后继取代，必须执行
	if !lastExecuted {
		t.Error("final submission was dropped")
	}
}

func TestExecute_RetriesThenSucceeds(t *testing.T) {
	var calls int
	var mu sync.Mutex
	up := &scriptedUpstream{
		script: []openResult{{events: okStream("unused")}},
		complete: func(req *model.UpstreamRequest) (*model.Event, error) {
			mu.Lock()
			defer mu.Unlock()
			calls++
			if calls < 3 {
				return nil, &transport.StatusError{StatusCode: 503}
			}
			return &model.Event{Type: model.EventDone, FullText: "ok"}, nil
		},
	}
	coord := newTestCoordinator(up, testConfig())

	var retries int
	ev, err := coord.Execute(context.Background(), &model.UpstreamRequest{Message: "m"}, func(attempt int, delay time.Duration, err error) {
		retries++
	})
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if ev.FullText != "ok" {
		t.Errorf("unexpected result %+v", ev)
	}
	if retries != 2 {
		t.Errorf("expected 2 retry notifications, got %d", retries)
	}
}

func TestExecute_NonRetryableStopsImmediately(t *testing.T) {
	var calls int
	up := &scriptedUpstream{
		script: []openResult{{events: okStream("unused")}},
		complete: func(req *model.UpstreamRequest) (*model.Event, error) {
			calls++
			return nil, &transport.AuthError{StatusCode: 401}
		},
	}
	coord := newTestCoordinator(up, testConfig())

	_, err := coord.Execute(context.Background(), &model.UpstreamRequest{Message: "m"}, nil)

	var authErr *transport.AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected AuthError, got %v", err)
	}
	if calls != 1 {
		t.Errorf("non-retryable error retried, %d calls", calls)
	}
}

func TestExecute_ExhaustionWrapsLastError(t *testing.T) {
	up := &scriptedUpstream{
		script: []openResult{{events: okStream("unused")}},
		complete: func(req *model.UpstreamRequest) (*model.Event, error) {
			return nil, &transport.StatusError{StatusCode: 502}
		},
	}
	coord := newTestCoordinator(up, testConfig())

	_, err := coord.Execute(context.Background(), &model.UpstreamRequest{Message: "m"}, nil)

	var exErr *transport.ExhaustedError
	if !errors.As(err, &exErr) {
		t.Fatalf("expected ExhaustedError, got %v", err)
	}
	if exErr.Attempts != 3 {
		t.Errorf("expected 3 attempts recorded, got %d", exErr.Attempts)
	}
}
