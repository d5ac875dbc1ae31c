package bridge

import (
	"strings"
)

// Status 是一次受治理调用的终态。
type Status string

const (
	// StatusSuccess 表示调用通过全部治理关卡并执行成功。
	StatusSuccess Status = "SUCCESS"
	// StatusError 表示调用在某一关卡被拒绝或执行失败。
	StatusError Status = "ERROR"
	// StatusPendingApproval 表示调用被人工审批门拦停。
	StatusPendingApproval Status = "PENDING_APPROVAL"
	// StatusSecurityBreach 表示安全审计判定为主动攻击。
	StatusSecurityBreach Status = "SECURITY_BREACH"
)

// InvocationResult 是桥接层返回给调用方的统一结论。治理层面的
// 拒绝以 ERROR 结果表达而不是 Go error，调用方（通常是模型）
// 可以读到拒绝原因并修正下一步行为。
type InvocationResult struct {
	Status      Status         `json:"status"`
	Message     string         `json:"message"`
	Output      map[string]any `json:"output,omitempty"`
	TraceID     string         `json:"traceId"`
	CallbackURL string         `json:"callbackUrl,omitempty"`
}

// IsTerminal 判断结果是否为终态（审批拦停不是）。
func (r *InvocationResult) IsTerminal() bool {
	return r.Status != StatusPendingApproval
}

func successResult(traceID string, output map[string]any, message string) *InvocationResult {
	return &InvocationResult{
		Status:  StatusSuccess,
		Message: message,
		Output:  output,
		TraceID: traceID,
	}
}

func errorResult(traceID, message string) *InvocationResult {
	return &InvocationResult{
		Status:  StatusError,
		Message: message,
		TraceID: traceID,
	}
}

func pendingResult(traceID, callbackBase string) *InvocationResult {
	return &InvocationResult{
		Status:      StatusPendingApproval,
		Message:     "invocation paused pending human approval",
		TraceID:     traceID,
		CallbackURL: callbackURL(callbackBase, traceID),
	}
}

func breachResult(traceID, reasoning string) *InvocationResult {
	return &InvocationResult{
		Status:  StatusSecurityBreach,
		Message: "invocation blocked: " + reasoning,
		TraceID: traceID,
	}
}

// callbackURL 拼出审批回调地址。
func callbackURL(base, traceID string) string {
	return strings.TrimRight(base, "/") + "/api/v1/approvals/" + traceID
}
