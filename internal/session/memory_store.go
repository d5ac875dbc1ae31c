package session

import (
	"context"
	"strings"
	"sync"
	"time"

	xerrors "OpenACP/internal/errors"
)

// MemoryStore 把会话保存在进程内存中，适合单机部署与测试。
// 后台协程周期性清理过期会话。
type MemoryStore struct {
	ttl time.Duration

	mu       sync.RWMutex
	sessions map[string]*memoryEntry

	stopOnce sync.Once
	stop     chan struct{}
}

type memoryEntry struct {
	session   *Session
	expiresAt time.Time
}

// NewMemoryStore 创建内存会话存储。ttl 非正时使用默认值。
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	store := &MemoryStore{
		ttl:      ttl,
		sessions: make(map[string]*memoryEntry),
		stop:     make(chan struct{}),
	}
	go store.janitor()
	return store
}

func (s *MemoryStore) janitor() {
	interval := s.ttl / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case now := <-ticker.C:
			s.mu.Lock()
			for id, entry := range s.sessions {
				if now.After(entry.expiresAt) {
					delete(s.sessions, id)
				}
			}
			s.mu.Unlock()
		}
	}
}

// Create 写入新会话。
func (s *MemoryStore) Create(_ context.Context, session *Session) error {
	if session == nil || strings.TrimSpace(session.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "会话 ID 不能为空")
	}
	now := time.Now()
	session.CreatedAt = now.Unix()
	session.UpdatedAt = now.Unix()

	s.mu.Lock()
	s.sessions[session.ID] = &memoryEntry{
		session:   session.Clone(),
		expiresAt: now.Add(s.ttl),
	}
	s.mu.Unlock()
	return nil
}

// Get 返回会话副本并续期。
func (s *MemoryStore) Get(_ context.Context, id string) (*Session, error) {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.sessions[id]
	if !ok || now.After(entry.expiresAt) {
		delete(s.sessions, id)
		return nil, ErrSessionNotFound
	}
	entry.expiresAt = now.Add(s.ttl)
	return entry.session.Clone(), nil
}

// SaveContext 覆盖会话上下文并续期。
func (s *MemoryStore) SaveContext(_ context.Context, id string, contextData map[string]any) error {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.sessions[id]
	if !ok || now.After(entry.expiresAt) {
		delete(s.sessions, id)
		return ErrSessionNotFound
	}
	entry.session.Context = cloneContext(contextData)
	entry.session.UpdatedAt = now.Unix()
	entry.expiresAt = now.Add(s.ttl)
	return nil
}

// GetContext 返回会话上下文副本。
func (s *MemoryStore) GetContext(ctx context.Context, id string) (map[string]any, error) {
	session, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return session.Context, nil
}

// Close 删除会话，幂等。
func (s *MemoryStore) Close(_ context.Context, id string) error {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
	return nil
}

// Stop 停止后台清理协程。
func (s *MemoryStore) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

var _ Store = (*MemoryStore)(nil)
