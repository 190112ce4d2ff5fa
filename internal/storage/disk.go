package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"pelican-relay/internal/model"
	"pelican-relay/pkg/logger"
)

// DiskStorage 每个会话一个JSON文件，内存里保留全量索引。
// 写入走临时文件加重命名，避免进程中断留下半个文件。
type DiskStorage struct {
	dataDir  string
	sessions map[string]*model.Session
	mu       sync.RWMutex
}

func NewDiskStorage(dataDir string) *DiskStorage {
	return &DiskStorage{
		dataDir:  dataDir,
		sessions: make(map[string]*model.Session),
	}
}

func (d *DiskStorage) Init() error {
	if err := os.MkdirAll(d.dataDir, 0o755); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageInit, err)
	}

	entries, err := os.ReadDir(d.dataDir)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorageInit, err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(d.dataDir, e.Name()))
		if err != nil {
			logger.Warnf("读取会话文件 %s 失败: %v", e.Name(), err)
			continue
		}
		var session model.Session
		if err := json.Unmarshal(raw, &session); err != nil {
			// 损坏的文件跳过，不影响其余会话加载
			logger.Warnf("会话文件 %s 解析失败: %v", e.Name(), err)
			continue
		}
		d.sessions[session.ID] = &session
	}

	logger.Infof("磁盘存储初始化完成，加载了 %d 个会话", len(d.sessions))
	return nil
}

func (d *DiskStorage) Close() error {
	return nil
}

func (d *DiskStorage) CreateSession(session *model.Session) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	stored := cloneSession(session)
	d.sessions[stored.ID] = stored
	return d.persistLocked(stored)
}

func (d *DiskStorage) GetSession(sessionID string) (*model.Session, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	session, exists := d.sessions[sessionID]
	if !exists {
		return nil, ErrSessionNotFound
	}
	return cloneSession(session), nil
}

func (d *DiskStorage) UpdateSession(session *model.Session) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.sessions[session.ID]; !exists {
		return ErrSessionNotFound
	}
	stored := cloneSession(session)
	d.sessions[stored.ID] = stored
	return d.persistLocked(stored)
}

func (d *DiskStorage) DeleteSession(sessionID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.sessions[sessionID]; !exists {
		return ErrSessionNotFound
	}
	delete(d.sessions, sessionID)

	if err := os.Remove(d.sessionPath(sessionID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: %v", ErrFileOperation, err)
	}
	return nil
}

func (d *DiskStorage) ListSessions() ([]*model.Session, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	sessions := make([]*model.Session, 0, len(d.sessions))
	for _, session := range d.sessions {
		sessions = append(sessions, cloneSession(session))
	}
	return sessions, nil
}

func (d *DiskStorage) AddMessage(sessionID string, message *model.Message) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	session, exists := d.sessions[sessionID]
	if !exists {
		return ErrSessionNotFound
	}
	session.Messages = append(session.Messages, *message)
	return d.persistLocked(session)
}

func (d *DiskStorage) GetMessages(sessionID string) ([]*model.Message, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	session, exists := d.sessions[sessionID]
	if !exists {
		return nil, ErrSessionNotFound
	}

	// 返回值拷贝，读取方不与后续追加共享底层数组
	messages := make([]*model.Message, len(session.Messages))
	for i := range session.Messages {
		msg := session.Messages[i]
		messages[i] = &msg
	}
	return messages, nil
}

func (d *DiskStorage) persistLocked(session *model.Session) error {
	raw, err := json.MarshalIndent(session, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidData, err)
	}

	path := d.sessionPath(session.ID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("%w: %v", ErrFileOperation, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("%w: %v", ErrFileOperation, err)
	}
	return nil
}

func (d *DiskStorage) sessionPath(sessionID string) string {
	return filepath.Join(d.dataDir, sessionID+".json")
}
