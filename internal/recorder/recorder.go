package recorder

import (
	"context"
	"encoding/json"
	"time"

	"OpenACP/internal/identity"
	"OpenACP/pkg/logger"
)

// Kind 标识飞行记录事件的类别。
type Kind string

const (
	// KindStep 记录治理管线中的一个阶段转移。
	KindStep Kind = "step"
	// KindReasoning 记录工作模型的思考摘要。
	KindReasoning Kind = "reasoning"
	// KindToolOutput 记录脱敏后的工具输出。
	KindToolOutput Kind = "tool_output"
	// KindForensic 记录失陷等需要取证的安全事件。
	// 安全审计裁决作为阶段转移记录，不单设类别。
	KindForensic Kind = "forensic"
)

// Event 是一条飞行记录。Detail 在进入记录器之前必须完成脱敏，
// 记录器不区分明文与密文。
type Event struct {
	TraceID    string         `json:"traceId"`
	SessionID  string         `json:"sessionId"`
	AgentID    string         `json:"agentId"`
	TenantID   string         `json:"tenantId"`
	Kind       Kind           `json:"kind"`
	Stage      string         `json:"stage"`
	Detail     map[string]any `json:"detail,omitempty"`
	RecordedAt int64          `json:"recordedAt"`
}

// payload 返回事件的规范 JSON 编码，供落库与哈希链使用。
func (e Event) payload() ([]byte, error) {
	return json.Marshal(e)
}

// Sink 是飞行记录的落点。实现必须可并发调用。
type Sink interface {
	Record(ctx context.Context, event Event) error
	Close() error
}

// Recorder 把治理管线的事件广播到全部落点。单个落点失败只记日志，
// 不会中断调用，审计链完整性由取证账本单独保证。
type Recorder struct {
	sinks []Sink
}

// New 创建飞行记录器。
func New(sinks ...Sink) *Recorder {
	return &Recorder{sinks: sinks}
}

// Record 填充身份与时间戳后广播事件。
func (r *Recorder) Record(ctx context.Context, principal identity.AgentPrincipal, kind Kind, stage string, detail map[string]any) {
	event := Event{
		TraceID:    principal.TraceID(),
		SessionID:  principal.SessionID(),
		AgentID:    principal.AgentID(),
		TenantID:   principal.TenantID(),
		Kind:       kind,
		Stage:      stage,
		Detail:     detail,
		RecordedAt: time.Now().UnixMilli(),
	}
	for _, sink := range r.sinks {
		if err := sink.Record(ctx, event); err != nil {
			logger.WithTrace(event.TraceID).Warn("飞行记录落点写入失败",
				"kind", string(kind), "stage", stage, "error", err)
		}
	}
}

// Close 依次关闭所有落点。
func (r *Recorder) Close() error {
	var firstErr error
	for _, sink := range r.sinks {
		if err := sink.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
