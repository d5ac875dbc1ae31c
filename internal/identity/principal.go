package identity

import (
	"strings"

	"github.com/google/uuid"
)

// AgentPrincipal 是一次执行上下文的非人类实体（NPE）身份。
// sessionId 在每个调用链段内唯一，traceId 在整棵委派树内保持稳定，
// 二者配合使得审计日志可以还原出完整的委派树结构。
// 创建后不可变。
type AgentPrincipal struct {
	sessionID string
	agentID   string
	tenantID  string
	traceID   string
}

// NewPrincipal 为指定的智能体与租户创建全新的主体，
// 同时生成新的 session id 与 trace id。
func NewPrincipal(agentID, tenantID string) AgentPrincipal {
	return AgentPrincipal{
		sessionID: uuid.NewString(),
		agentID:   strings.TrimSpace(agentID),
		tenantID:  strings.TrimSpace(tenantID),
		traceID:   uuid.NewString(),
	}
}

// DeriveChild 派生一个子主体：继承父主体的 trace id 与租户，
// 但持有全新的 session id 与自己的 agent id。
// 委派树借此共享一条审计链，而每个智能体保有独立身份。
func (p AgentPrincipal) DeriveChild(agentID string) AgentPrincipal {
	return AgentPrincipal{
		sessionID: uuid.NewString(),
		agentID:   strings.TrimSpace(agentID),
		tenantID:  p.tenantID,
		traceID:   p.traceID,
	}
}

// RestorePrincipal 从持久化的标识字段重建主体，
// 用于审批恢复等跨请求场景。
func RestorePrincipal(sessionID, agentID, tenantID, traceID string) AgentPrincipal {
	return AgentPrincipal{
		sessionID: strings.TrimSpace(sessionID),
		agentID:   strings.TrimSpace(agentID),
		tenantID:  strings.TrimSpace(tenantID),
		traceID:   strings.TrimSpace(traceID),
	}
}

// SessionID 返回本调用链段的唯一标识。
func (p AgentPrincipal) SessionID() string { return p.sessionID }

// AgentID 返回智能体标识。
func (p AgentPrincipal) AgentID() string { return p.agentID }

// TenantID 返回租户标识。
func (p AgentPrincipal) TenantID() string { return p.tenantID }

// TraceID 返回整棵委派树共享的审计链标识。
func (p AgentPrincipal) TraceID() string { return p.traceID }

// IsZero 判断主体是否为空值。
func (p AgentPrincipal) IsZero() bool {
	return p.sessionID == "" && p.agentID == "" && p.traceID == ""
}
