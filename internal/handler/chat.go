package handler

import (
	"net/http"
	"time"

	"pelican-relay/internal/coordinator"
	"pelican-relay/internal/model"
	"pelican-relay/internal/service"
	"pelican-relay/internal/utils"
	"pelican-relay/pkg/logger"

	"github.com/gin-gonic/gin"
)

type ChatHandler struct {
	chatService   *service.ChatService
	coordinator   *coordinator.Coordinator
	debounceDelay time.Duration
}

func NewChatHandler(chatService *service.ChatService, coord *coordinator.Coordinator, debounceDelay time.Duration) *ChatHandler {
	return &ChatHandler{
		chatService:   chatService,
		coordinator:   coord,
		debounceDelay: debounceDelay,
	}
}

// StreamChat 接收一次聊天请求，经协调器登记后把交换的协议事件
// 实时以SSE转发给前端。客户端断开即触发取消。
func (h *ChatHandler) StreamChat(c *gin.Context) {
	var req model.ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if req.SessionID != "" {
		if _, err := h.chatService.GetSession(req.SessionID); err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
	}

	// 带去抖键的提交在延迟窗口内只执行最后一次，被折叠的调用直接返回
	var handle *coordinator.Handle
	if req.DebounceKey != "" {
		got, ok := <-h.coordinator.DebouncedSubmit(req.DebounceKey, &req, h.debounceDelay)
		if !ok {
			c.JSON(http.StatusOK, gin.H{"status": "superseded"})
			return
		}
		handle = got
	} else {
		handle = h.coordinator.Submit(&req)
	}
	logger.Infof("交换 %s 开始（会话 %s）", handle.ID, req.SessionID)

	// 浏览器断开连接时中止交换，句柄上的取消是幂等的
	go func() {
		<-c.Request.Context().Done()
		handle.Cancel()
	}()

	sseWriter := utils.NewSSEWriter(c.Writer)

	for ev := range handle.Events() {
		if err := sseWriter.WriteJSON(string(ev.Type), ev); err != nil {
			logger.Warnf("SSE写入失败，取消交换 %s: %v", handle.ID, err)
			handle.Cancel()
			// 继续排空事件直到通道关闭，避免阻塞泵送
			for range handle.Events() {
			}
			return
		}
	}

	sseWriter.Close()
	logger.Infof("交换 %s 结束，状态 %s", handle.ID, handle.State())
}

// CancelAll 中止当前所有在途交换，前端发起全新对话前调用，
// 保证同一时刻最多一个活跃交换
func (h *ChatHandler) CancelAll(c *gin.Context) {
	h.coordinator.CancelAll()
	c.JSON(http.StatusOK, gin.H{"message": "All in-flight exchanges cancelled"})
}

func (h *ChatHandler) CreateSession(c *gin.Context) {
	var req model.CreateSessionRequest
	// 允许空的请求体，使用默认标题
	if err := c.ShouldBindJSON(&req); err != nil {
		req.Title = "新对话"
	}

	if req.Title == "" {
		req.Title = "新对话"
	}

	session, err := h.chatService.CreateSession(req.Title)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, session)
}

func (h *ChatHandler) GetSession(c *gin.Context) {
	sessionID := c.Param("session_id")

	session, err := h.chatService.GetSession(sessionID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, model.SessionResponse{
		SessionID:    session.ID,
		Title:        session.Title,
		CreatedAt:    session.CreatedAt,
		UpdatedAt:    session.UpdatedAt,
		MessageCount: len(session.Messages),
	})
}

func (h *ChatHandler) GetMessages(c *gin.Context) {
	sessionID := c.Param("session_id")

	messages, err := h.chatService.GetSessionMessages(sessionID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"session_id": sessionID,
		"messages":   messages,
	})
}

func (h *ChatHandler) GetSessionList(c *gin.Context) {
	sessions, err := h.chatService.GetAllSessions()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"sessions": sessions,
	})
}

func (h *ChatHandler) DeleteSession(c *gin.Context) {
	sessionID := c.Param("session_id")

	err := h.chatService.DeleteSession(sessionID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Session deleted successfully"})
}

func (h *ChatHandler) ClearAllSessions(c *gin.Context) {
	err := h.chatService.ClearAllSessions()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "All sessions cleared successfully"})
}

func (h *ChatHandler) UpdateSessionTitle(c *gin.Context) {
	sessionID := c.Param("session_id")

	var req struct {
		Title string `json:"title" binding:"required"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	err := h.chatService.UpdateSessionTitle(sessionID, req.Title)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Title updated successfully"})
}
