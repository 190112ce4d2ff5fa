package storage

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"pelican-relay/internal/model"
)

func newSession(id string) *model.Session {
	return &model.Session{
		ID:        id,
		Title:     "测试会话",
		Messages:  []model.Message{},
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
}

func TestDiskStorage_SurvivesRestart(t *testing.T) {
	dir := t.TempDir()

	d := NewDiskStorage(dir)
	if err := d.Init(); err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := d.CreateSession(newSession("s1")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := d.AddMessage("s1", &model.Message{ID: "m1", SessionID: "s1", Role: "user", Content: "你好"}); err != nil {
		t.Fatalf("add message: %v", err)
	}

	// 重新打开同一目录，数据应当还在
	d2 := NewDiskStorage(dir)
	if err := d2.Init(); err != nil {
		t.Fatalf("reinit: %v", err)
	}
	session, err := d2.GetSession("s1")
	if err != nil {
		t.Fatalf("get after restart: %v", err)
	}
	if len(session.Messages) != 1 || session.Messages[0].Content != "你好" {
		t.Errorf("messages lost across restart: %+v", session.Messages)
	}
}

func TestDiskStorage_SkipsCorruptFiles(t *testing.T) {
	dir := t.TempDir()

	d := NewDiskStorage(dir)
	if err := d.Init(); err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := d.CreateSession(newSession("good")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "bad.json"), []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write corrupt file: %v", err)
	}

	d2 := NewDiskStorage(dir)
	if err := d2.Init(); err != nil {
		t.Fatalf("init with corrupt file should not fail: %v", err)
	}
	if _, err := d2.GetSession("good"); err != nil {
		t.Errorf("healthy session not loaded: %v", err)
	}
}

func TestDiskStorage_DeleteRemovesFile(t *testing.T) {
	dir := t.TempDir()

	d := NewDiskStorage(dir)
	d.Init()
	d.CreateSession(newSession("s1"))

	if err := d.DeleteSession("s1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "s1.json")); !os.IsNotExist(err) {
		t.Errorf("session file not removed, stat err = %v", err)
	}
	if _, err := d.GetSession("s1"); err != ErrSessionNotFound {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestMemoryStorage_GetSessionReturnsIsolatedCopy(t *testing.T) {
	m := NewMemoryStorage()
	m.Init()
	m.CreateSession(newSession("s1"))

	got, _ := m.GetSession("s1")
	got.Title = "改掉"
	got.Messages = append(got.Messages, model.Message{ID: "x", Content: "外部追加"})

	// 调用方改自己的副本，不能影响存储内的会话
	again, _ := m.GetSession("s1")
	if again.Title == "改掉" {
		t.Error("caller mutation of title leaked into the store")
	}
	if len(again.Messages) != 0 {
		t.Errorf("caller-appended message leaked into the store: %+v", again.Messages)
	}
}

func TestDiskStorage_GetSessionReturnsIsolatedCopy(t *testing.T) {
	d := NewDiskStorage(t.TempDir())
	d.Init()
	d.CreateSession(newSession("s1"))

	got, _ := d.GetSession("s1")
	got.Messages = append(got.Messages, model.Message{ID: "x"})

	again, _ := d.GetSession("s1")
	if len(again.Messages) != 0 {
		t.Errorf("caller-appended message leaked into the store: %+v", again.Messages)
	}
}

func TestMemoryStorage_MessagesAccumulate(t *testing.T) {
	m := NewMemoryStorage()
	m.Init()

	if err := m.CreateSession(newSession("s1")); err != nil {
		t.Fatalf("create: %v", err)
	}
	m.AddMessage("s1", &model.Message{ID: "m1", Role: "user", Content: "a"})
	m.AddMessage("s1", &model.Message{ID: "m2", Role: "assistant", Content: "b"})

	messages, err := m.GetMessages("s1")
	if err != nil {
		t.Fatalf("get messages: %v", err)
	}
	if len(messages) != 2 || messages[0].Content != "a" || messages[1].Content != "b" {
		t.Errorf("unexpected messages %+v", messages)
	}
}
