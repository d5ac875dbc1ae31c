package approval

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	xerrors "OpenACP/internal/errors"
	"OpenACP/internal/identity"
)

// PendingApproval 是一次被人工审批门拦停的调用。原始请求完整留存，
// 审批通过后凭它恢复执行。
type PendingApproval struct {
	TraceID   string         `json:"traceId"`
	SessionID string         `json:"sessionId"`
	AgentID   string         `json:"agentId"`
	TenantID  string         `json:"tenantId"`
	Intent    string         `json:"intent"`
	PluginID  string         `json:"pluginId"`
	Method    string         `json:"method"`
	Arguments map[string]any `json:"arguments,omitempty"`
	Reason    string         `json:"reason"`
	CreatedAt int64          `json:"createdAt"`
}

// Principal 重建拦停时的调用主体。
func (p *PendingApproval) Principal() identity.AgentPrincipal {
	return identity.RestorePrincipal(p.SessionID, p.AgentID, p.TenantID, p.TraceID)
}

// Registry 以 traceID 为键登记待审批的调用。
type Registry struct {
	mu      sync.Mutex
	pending map[string]*PendingApproval
}

// NewRegistry 创建空的审批登记表。
func NewRegistry() *Registry {
	return &Registry{pending: make(map[string]*PendingApproval)}
}

// Submit 登记一次待审批调用。同一 trace 重复登记视为编程错误。
func (r *Registry) Submit(p PendingApproval) error {
	if strings.TrimSpace(p.TraceID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "待审批记录缺少 traceID")
	}
	p.CreatedAt = time.Now().Unix()

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.pending[p.TraceID]; ok {
		return xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("trace %s 已有待审批记录", p.TraceID))
	}
	r.pending[p.TraceID] = &p
	return nil
}

// Get 返回指定调用链的待审批记录。
func (r *Registry) Get(traceID string) (*PendingApproval, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pending[traceID]
	if !ok {
		return nil, false
	}
	clone := *p
	return &clone, true
}

// List 返回全部待审批记录，按登记时间排序。
func (r *Registry) List() []PendingApproval {
	r.mu.Lock()
	defer r.mu.Unlock()
	items := make([]PendingApproval, 0, len(r.pending))
	for _, p := range r.pending {
		items = append(items, *p)
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].CreatedAt == items[j].CreatedAt {
			return items[i].TraceID < items[j].TraceID
		}
		return items[i].CreatedAt < items[j].CreatedAt
	})
	return items
}

// Resolve 摘除并返回待审批记录。记录不存在时报错，
// 审批是一次性的，不允许重复裁决。
func (r *Registry) Resolve(traceID string) (*PendingApproval, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pending[traceID]
	if !ok {
		return nil, xerrors.New(xerrors.CodeNotFound,
			fmt.Sprintf("trace %s 没有待审批记录", traceID))
	}
	delete(r.pending, traceID)
	return p, nil
}
