package guardrail

import (
	"bytes"
	"encoding/json"
	"strings"
)

// 审计结论状态。
const (
	StatusApproved = "APPROVED"
	StatusRejected = "REJECTED"
)

// 审计模型在 reasoning 中写入该标记时，拒绝升级为安全失陷事件。
const BreachMarker = "SECURITY_BREACH"

// AuditResponse 是安全审计模型输出的结构化裁决。
type AuditResponse struct {
	Approved  bool   `json:"approved"`
	Status    string `json:"status"`
	Reasoning string `json:"reasoning"`
}

// IsBreach 判断裁决是否构成安全失陷：被拒绝且 reasoning 携带失陷标记。
func (r AuditResponse) IsBreach() bool {
	return !r.Approved && strings.Contains(r.Reasoning, BreachMarker)
}

// FailSafe 返回保守裁决。审计链路上任何环节失败（模型不可达、
// 输出无法解析、字段越界）都必须落到这里，绝不放行。
func FailSafe(reason string) AuditResponse {
	return AuditResponse{
		Approved:  false,
		Status:    StatusRejected,
		Reasoning: reason,
	}
}

// ParseAuditResponse 严格解析审计模型的原始输出。未知字段、
// 非法状态值、前后杂质都按解析失败处理，由调用方降级到 FailSafe。
func ParseAuditResponse(raw string) (AuditResponse, error) {
	var resp AuditResponse
	decoder := json.NewDecoder(bytes.NewReader([]byte(strings.TrimSpace(raw))))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&resp); err != nil {
		return AuditResponse{}, err
	}
	// 输出 JSON 对象之后不允许再有内容。
	if decoder.More() {
		return AuditResponse{}, errTrailingContent
	}
	if resp.Status != StatusApproved && resp.Status != StatusRejected {
		return AuditResponse{}, errInvalidStatus
	}
	if resp.Approved != (resp.Status == StatusApproved) {
		return AuditResponse{}, errInconsistentVerdict
	}
	return resp, nil
}

var (
	errTrailingContent     = jsonError("审计输出在 JSON 对象之后仍有内容")
	errInvalidStatus       = jsonError("审计输出的 status 不是 APPROVED/REJECTED")
	errInconsistentVerdict = jsonError("审计输出的 approved 与 status 互相矛盾")
)

type jsonError string

func (e jsonError) Error() string { return string(e) }
