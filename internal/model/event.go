package model

import "encoding/json"

// EventType 上游流式帧中 type 判别字段的取值
type EventType string

const (
	// EventSessionAssigned 上游在流中途分配了新的会话ID
	EventSessionAssigned EventType = "session"
	// EventStatus 进度提示，不计入正文
	EventStatus EventType = "status"
	// EventDelta 增量正文片段，转发给调用方并追加到累积缓冲
	EventDelta EventType = "delta"
	// EventAttachments 结构化附加数据（如表格结果）
	EventAttachments EventType = "attachments"
	// EventDone 正常结束
	EventDone EventType = "done"
	// EventError 上游在流中报告的错误
	EventError EventType = "error"
	// EventCancelled 调用方取消后由中继合成的收尾事件，不会出现在上游流中
	EventCancelled EventType = "cancelled"
)

// Event 从上游流解析出的一个协议事件
type Event struct {
	Type        EventType    `json:"type"`
	SessionID   string       `json:"session_id,omitempty"`
	Text        string       `json:"text,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
	FullText    string       `json:"full_text,omitempty"`
	LatencyMs   int64        `json:"latency_ms,omitempty"`
	Message     string       `json:"message,omitempty"`
}

// Terminal 判断事件是否为终止事件，每个会话最多只有一个
func (e *Event) Terminal() bool {
	return e.Type == EventDone || e.Type == EventError || e.Type == EventCancelled
}

// Attachment 与会话关联的结构化附加数据，不进入文本缓冲
type Attachment struct {
	Kind string          `json:"kind"`
	Name string          `json:"name,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}
