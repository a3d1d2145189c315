package archive

import (
	"context"
	"sync"
	"time"

	"github.com/zhouzirui/persona-relay/backend/internal/model/conversation"
)

// MemoryStore 进程内存储，适用于开发环境
type MemoryStore struct {
	mu          sync.RWMutex
	transcripts map[string]conversation.Transcript
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		transcripts: make(map[string]conversation.Transcript),
	}
}

// Save 保存对话记录副本，覆盖旧版本
func (s *MemoryStore) Save(_ context.Context, transcript conversation.Transcript) error {
	if transcript.SessionID == "" {
		return ErrSessionIDRequired
	}
	if transcript.UpdatedAt.IsZero() {
		transcript.UpdatedAt = time.Now().UTC()
	}

	transcript.Messages = append([]conversation.Message(nil), transcript.Messages...)
	transcript.Sections = append([]string(nil), transcript.Sections...)

	s.mu.Lock()
	s.transcripts[transcript.SessionID] = transcript
	s.mu.Unlock()
	return nil
}

// Get 按会话 id 读取对话记录
func (s *MemoryStore) Get(_ context.Context, sessionID string) (conversation.Transcript, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	transcript, ok := s.transcripts[sessionID]
	if !ok {
		return conversation.Transcript{}, ErrTranscriptNotFound
	}

	transcript.Messages = append([]conversation.Message(nil), transcript.Messages...)
	return transcript, nil
}

func (s *MemoryStore) Close() error { return nil }
