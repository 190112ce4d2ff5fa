package storage

import (
	"pelican-relay/internal/model"
)

type Storage interface {
	// 会话管理
	CreateSession(session *model.Session) error
	GetSession(sessionID string) (*model.Session, error)
	UpdateSession(session *model.Session) error
	DeleteSession(sessionID string) error
	ListSessions() ([]*model.Session, error)

	// 消息管理
	AddMessage(sessionID string, message *model.Message) error
	GetMessages(sessionID string) ([]*model.Message, error)

	// 存储管理
	Init() error
	Close() error
}

// cloneSession 深拷贝会话。存储层内外不共享可变状态，
// 调用方拿到的会话可以安全读写，不会与后续追加产生竞争。
func cloneSession(s *model.Session) *model.Session {
	c := *s
	c.Messages = make([]model.Message, len(s.Messages))
	copy(c.Messages, s.Messages)
	return &c
}
