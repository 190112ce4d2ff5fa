package relay

import "errors"

// State 中继会话的状态机：pending → streaming → {completed|errored|cancelled}，
// 终止状态之间不允许迁移。
type State int32

const (
	StatePending State = iota
	StateStreaming
	StateCompleted
	StateErrored
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateStreaming:
		return "streaming"
	case StateCompleted:
		return "completed"
	case StateErrored:
		return "errored"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal 判断状态是否为终止态
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateErrored || s == StateCancelled
}

// ErrIncompleteStream 流在没有产出终止事件的情况下结束，
// 合成为上游协议错误，调用方只需要处理一个错误通道
var ErrIncompleteStream = errors.New("stream ended without a terminal event")

// Recorder 持久化接收端。每个会话最多调用一次，
// 失败只记日志，不重试也不影响调用方可见的结果。
type Recorder interface {
	Record(sessionID, requestText, responseText string) error
}
