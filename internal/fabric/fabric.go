package fabric

import (
	"context"

	"github.com/google/uuid"

	"OpenACP/internal/bridge"
	xerrors "OpenACP/internal/errors"
	"OpenACP/internal/identity"
	"OpenACP/internal/perimeter"
	"OpenACP/internal/recorder"
	"OpenACP/internal/session"
	"OpenACP/pkg/logger"
)

// 子智能体的命名前缀，后接四位随机串。
const workerAgentPrefix = "worker-agent-"

// DelegationRequest 描述一次父智能体发起的任务委派。
// Perimeter 是父方当前的有效边界，委派是否放行由它决定。
type DelegationRequest struct {
	Parent    identity.AgentPrincipal
	Perimeter perimeter.AgencyPerimeter
	Intent    string
	Method    string
	Arguments map[string]any
}

// DelegationResult 是委派的结论：子方身份加上其调用结果。
// 子方被审批门拦停时结果状态为 PENDING_APPROVAL，父方据此挂起等待。
type DelegationResult struct {
	ChildAgentID   string                   `json:"childAgentId"`
	ChildSessionID string                   `json:"childSessionId"`
	Result         *bridge.InvocationResult `json:"result"`
}

// Fabric 承载递归委派：派生子主体、继承父上下文、让子调用
// 重新走完整治理管线。子方的边界不会超出父方。
type Fabric struct {
	bridge   *bridge.Bridge
	sessions session.Store
	recorder *recorder.Recorder
}

// New 创建委派编织层。
func New(b *bridge.Bridge, sessions session.Store, rec *recorder.Recorder) *Fabric {
	return &Fabric{bridge: b, sessions: sessions, recorder: rec}
}

// Delegate 把一个子任务委派给新派生的子智能体。
// 父边界未开启委派时直接拒绝，不产生任何子身份。
func (f *Fabric) Delegate(ctx context.Context, req DelegationRequest) (*DelegationResult, error) {
	if !req.Perimeter.DelegationEnabled {
		return nil, xerrors.New(xerrors.CodeDelegationNotPermitted,
			"当前边界未授权任务委派")
	}

	child := req.Parent.DeriveChild(workerAgentPrefix + uuid.NewString()[:4])
	log := logger.WithTrace(child.TraceID())

	// 子会话继承父会话的上下文快照。
	childSession := &session.Session{
		ID:       child.SessionID(),
		AgentID:  child.AgentID(),
		TenantID: child.TenantID(),
	}
	if parentContext, err := f.sessions.GetContext(ctx, req.Parent.SessionID()); err == nil {
		childSession.Context = parentContext
	}
	if err := f.sessions.Create(ctx, childSession); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建子会话失败")
	}

	f.recorder.Record(ctx, req.Parent, recorder.KindStep, "delegation", map[string]any{
		"child_agent":   child.AgentID(),
		"child_session": child.SessionID(),
		"intent":        req.Intent,
	})
	log.Info("委派子任务", "parent", req.Parent.AgentID(), "child", child.AgentID(), "intent", req.Intent)

	// 子边界继承父边界，治理管线再与插件默认边界取交集。
	childPerimeter := req.Perimeter
	result, err := f.bridge.Invoke(ctx, bridge.InvocationRequest{
		Principal: child,
		Intent:    req.Intent,
		Method:    req.Method,
		Arguments: req.Arguments,
		Perimeter: &childPerimeter,
	})
	if err != nil {
		return nil, err
	}

	if result.Status == bridge.StatusPendingApproval {
		log.Info("子任务被人工审批门拦停", "child", child.AgentID())
	}

	return &DelegationResult{
		ChildAgentID:   child.AgentID(),
		ChildSessionID: child.SessionID(),
		Result:         result,
	}, nil
}
