package model

type ChatRequest struct {
	Message     string        `json:"message" binding:"required"`
	SessionID   string        `json:"session_id"`
	History     []HistoryTurn `json:"history,omitempty"`
	Attachments []string      `json:"attachments,omitempty"` // 附件引用，由上游解析
	// DebounceKey 非空时，去抖窗口内相同key的提交只执行最后一次
	DebounceKey string `json:"debounce_key,omitempty"`
}

// HistoryTurn 随请求附带的历史对话轮次
type HistoryTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type CreateSessionRequest struct {
	Title string `json:"title"`
}

// UpstreamRequest 发送给上游推理服务的请求体
type UpstreamRequest struct {
	Message     string        `json:"message"`
	SessionID   string        `json:"sessionId,omitempty"`
	History     []HistoryTurn `json:"history,omitempty"`
	Attachments []string      `json:"attachments,omitempty"`
}
