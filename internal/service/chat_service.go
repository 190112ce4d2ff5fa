package service

import (
	"fmt"
	"strings"
	"time"

	"pelican-relay/internal/config"
	"pelican-relay/internal/model"
	"pelican-relay/internal/storage"
	"pelican-relay/pkg/logger"

	"github.com/google/uuid"
)

type ChatService struct {
	storage storage.Storage
	config  *config.SessionConfig
}

func NewChatService(cfg *config.Config) *ChatService {
	var store storage.Storage

	if cfg.Storage.Type == "disk" {
		store = storage.NewDiskStorage(cfg.Storage.DataDir)
	} else {
		store = storage.NewMemoryStorage()
	}

	if err := store.Init(); err != nil {
		logger.Errorf("Failed to initialize storage: %v", err)
		store = storage.NewMemoryStorage()
		store.Init()
	}

	cs := &ChatService{
		storage: store,
		config:  &cfg.Session,
	}

	if cfg.Session.CleanupInterval > 0 {
		go cs.cleanupOldSessions()
	}

	return cs
}

// Record 实现中继的持久化接收端：交换完成后把请求与回复各落一条消息。
// 编排器保证每个会话最多调用一次，失败由编排器记日志。
func (s *ChatService) Record(sessionID, requestText, responseText string) error {
	if _, err := s.AddMessage(sessionID, "user", requestText); err != nil {
		return err
	}
	if _, err := s.AddMessage(sessionID, "assistant", responseText); err != nil {
		return err
	}
	return nil
}

func (s *ChatService) CreateSession(title string) (*model.Session, error) {
	sessionID := fmt.Sprintf("%d", time.Now().UnixNano())

	if title == "" {
		title = "新对话 " + time.Now().Format("2006-01-02 15:04")
	}

	session := &model.Session{
		ID:        sessionID,
		Title:     title,
		Messages:  make([]model.Message, 0),
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}

	if err := s.storage.CreateSession(session); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	return session, nil
}

func (s *ChatService) GetSession(sessionID string) (*model.Session, error) {
	session, err := s.storage.GetSession(sessionID)
	if err != nil {
		if err == storage.ErrSessionNotFound {
			return nil, fmt.Errorf("session not found: %s", sessionID)
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	return session, nil
}

func (s *ChatService) GetSessionMessages(sessionID string) ([]model.Message, error) {
	messages, err := s.storage.GetMessages(sessionID)
	if err != nil {
		if err == storage.ErrSessionNotFound {
			return nil, fmt.Errorf("session not found: %s", sessionID)
		}
		return nil, fmt.Errorf("failed to get messages: %w", err)
	}

	result := make([]model.Message, len(messages))
	for i, msg := range messages {
		result[i] = *msg
	}

	return result, nil
}

func (s *ChatService) AddMessage(sessionID, role, content string) (*model.Message, error) {
	session, err := s.storage.GetSession(sessionID)
	if err != nil {
		if err == storage.ErrSessionNotFound {
			return nil, fmt.Errorf("session not found: %s", sessionID)
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	message := &model.Message{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		Timestamp: time.Now(),
	}

	if err := s.storage.AddMessage(sessionID, message); err != nil {
		return nil, fmt.Errorf("failed to add message: %w", err)
	}

	// 如果这是第一条用户消息，并且会话标题是默认标题，则更新标题
	messages, _ := s.storage.GetMessages(sessionID)
	if role == "user" && len(messages) == 1 && strings.HasPrefix(session.Title, "新对话") {
		// 重新读取最新快照再改标题，避免用追加前的副本覆盖掉刚写入的消息
		fresh, err := s.storage.GetSession(sessionID)
		if err == nil {
			// 安全地取前30个Unicode字符作为标题，避免过长
			fresh.Title = s.truncateString(content, 30)
			fresh.UpdatedAt = time.Now()
			s.storage.UpdateSession(fresh)
		}
	}

	return message, nil
}

func (s *ChatService) UpdateSessionTitle(sessionID, title string) error {
	session, err := s.storage.GetSession(sessionID)
	if err != nil {
		if err == storage.ErrSessionNotFound {
			return fmt.Errorf("session not found: %s", sessionID)
		}
		return fmt.Errorf("failed to get session: %w", err)
	}

	session.Title = title
	session.UpdatedAt = time.Now()

	if err := s.storage.UpdateSession(session); err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}

	return nil
}

func (s *ChatService) GetAllSessions() ([]*model.Session, error) {
	sessions, err := s.storage.ListSessions()
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}

	return sessions, nil
}

func (s *ChatService) DeleteSession(sessionID string) error {
	if err := s.storage.DeleteSession(sessionID); err != nil {
		if err == storage.ErrSessionNotFound {
			return fmt.Errorf("session not found: %s", sessionID)
		}
		return fmt.Errorf("failed to delete session: %w", err)
	}

	return nil
}

func (s *ChatService) ClearAllSessions() error {
	sessions, err := s.storage.ListSessions()
	if err != nil {
		return fmt.Errorf("failed to list sessions: %w", err)
	}

	for _, session := range sessions {
		if err := s.storage.DeleteSession(session.ID); err != nil {
			logger.Errorf("Failed to delete session %s: %v", session.ID, err)
		}
	}

	return nil
}

func (s *ChatService) cleanupOldSessions() {
	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for range ticker.C {
		sessions, err := s.storage.ListSessions()
		if err != nil {
			logger.Errorf("Failed to list sessions for cleanup: %v", err)
			continue
		}

		cutoff := time.Now().Add(-s.config.TTL)
		for _, session := range sessions {
			if session.UpdatedAt.Before(cutoff) {
				if err := s.storage.DeleteSession(session.ID); err != nil {
					logger.Errorf("Failed to delete expired session %s: %v", session.ID, err)
				} else {
					logger.Infof("Cleaned up expired session: %s", session.ID)
				}
			}
		}
	}
}

func (s *ChatService) truncateString(str string, maxLen int) string {
	runes := []rune(str)
	if len(runes) <= maxLen {
		return str
	}
	return string(runes[:maxLen]) + "..."
}

// GetStorage 返回存储实例，用于其他组件共享
func (s *ChatService) GetStorage() storage.Storage {
	return s.storage
}
