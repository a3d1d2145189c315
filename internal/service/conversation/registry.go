package conversation

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	convmodel "github.com/zhouzirui/persona-relay/backend/internal/model/conversation"
	"github.com/zhouzirui/persona-relay/backend/internal/service/archive"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionExists   = errors.New("session id already in use")
	// ErrGeneratorUnavailable 未配置文本生成器，每个回合都使用兜底回复
	ErrGeneratorUnavailable = errors.New("text generator unavailable")
)

type unavailableGenerator struct{}

func (unavailableGenerator) Generate(context.Context, []convmodel.Message, string) (string, error) {
	return "", ErrGeneratorUnavailable
}

// Registry 按 id 管理在线会话
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
	}
}

// Add 注册会话；id 已在使用时返回 ErrSessionExists
func (r *Registry) Add(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[s.id]; ok {
		return ErrSessionExists
	}
	r.sessions[s.id] = s
	return nil
}

func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// Remove 仅当登记的仍是 s 时才删除
func (r *Registry) Remove(id string, s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.sessions[id]; ok && current == s {
		delete(r.sessions, id)
	}
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// CloseAll 关闭所有已注册会话
func (r *Registry) CloseAll() {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	for _, s := range sessions {
		s.Close()
	}
}

// Manager 使用共享依赖创建会话，并在会话存活期间保持登记
type Manager struct {
	deps     Dependencies
	opts     Options
	registry *Registry
}

func NewManager(deps Dependencies, opts Options) *Manager {
	if deps.Generator == nil {
		deps.Generator = unavailableGenerator{}
	}
	return &Manager{
		deps:     deps,
		opts:     opts,
		registry: NewRegistry(),
	}
}

// Open 启动会话；id 为空时生成 uuid。客户端指定的 id 仍在使用或已有归档时返回 ErrSessionExists，
// 已有会话与归档均不受影响
func (m *Manager) Open(ctx context.Context, id string, transport Transport) (*Session, error) {
	if id == "" {
		id = uuid.NewString()
	} else if m.Exists(id) {
		return nil, ErrSessionExists
	}

	s := newSession(ctx, id, transport, m.deps, m.opts)
	s.onClose = func() { m.registry.Remove(id, s) }
	s.connect(ctx)
	// 并发打开同一 id 时只有一个能注册成功
	if err := m.registry.Add(s); err != nil {
		s.discard()
		return nil, err
	}

	m.deps.Metrics.SessionStarted()
	return s, nil
}

// Exists 判断 id 是否属于在线会话或已归档的会话
func (m *Manager) Exists(id string) bool {
	if _, err := m.registry.Get(id); err == nil {
		return true
	}
	if m.deps.Archive == nil {
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := m.deps.Archive.Get(ctx, id)
	if err != nil && !errors.Is(err, archive.ErrTranscriptNotFound) {
		log.Printf("[session] id=%s archive lookup failed: %v", id, err)
	}
	return err == nil
}

func (m *Manager) Get(id string) (*Session, error) {
	return m.registry.Get(id)
}

func (m *Manager) Active() int {
	return m.registry.Len()
}

// Shutdown 关闭所有在线会话
func (m *Manager) Shutdown() {
	m.registry.CloseAll()
}
