package recorder

import (
	"context"
	"log/slog"

	"OpenACP/pkg/logger"
)

// FlightLogSink 把事件写入只追加的飞行日志文件。这是默认落点，
// 即使所有外部依赖都不可用也始终存在。
type FlightLogSink struct {
	log *slog.Logger
}

// NewFlightLogSink 创建基于飞行日志的落点。
func NewFlightLogSink() *FlightLogSink {
	return &FlightLogSink{log: logger.Flight()}
}

// Record 以结构化字段写入一条事件。
func (s *FlightLogSink) Record(_ context.Context, event Event) error {
	s.log.Info("flight",
		slog.String("trace_id", event.TraceID),
		slog.String("session_id", event.SessionID),
		slog.String("agent_id", event.AgentID),
		slog.String("tenant_id", event.TenantID),
		slog.String("kind", string(event.Kind)),
		slog.String("stage", event.Stage),
		slog.Any("detail", event.Detail),
		slog.Int64("recorded_at", event.RecordedAt),
	)
	return nil
}

// Close 由全局日志统一负责刷盘。
func (s *FlightLogSink) Close() error { return nil }
