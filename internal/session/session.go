package session

import (
	"context"
	"errors"
	"time"
)

// DefaultTTL 是会话的默认存活时长，读写都会续期。
const DefaultTTL = 30 * time.Minute

// ErrSessionNotFound 表示会话不存在或已过期。
var ErrSessionNotFound = errors.New("session not found")

// Session 是一次智能体交互的工作上下文。Context 保存跨调用的
// 记忆片段，委派子智能体时会整体拷贝给子会话。
type Session struct {
	ID        string         `json:"id"`
	AgentID   string         `json:"agentId"`
	TenantID  string         `json:"tenantId"`
	Context   map[string]any `json:"context,omitempty"`
	CreatedAt int64          `json:"createdAt"`
	UpdatedAt int64          `json:"updatedAt"`
}

// Clone 返回会话的深拷贝（上下文逐键复制）。
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	clone := *s
	clone.Context = cloneContext(s.Context)
	return &clone
}

func cloneContext(src map[string]any) map[string]any {
	if src == nil {
		return nil
	}
	dst := make(map[string]any, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

// Store 定义会话的存取接口。实现必须可并发调用，
// 并保证过期会话在读取时不可见。
type Store interface {
	Create(ctx context.Context, session *Session) error
	Get(ctx context.Context, id string) (*Session, error)
	SaveContext(ctx context.Context, id string, contextData map[string]any) error
	GetContext(ctx context.Context, id string) (map[string]any, error)
	Close(ctx context.Context, id string) error
}
