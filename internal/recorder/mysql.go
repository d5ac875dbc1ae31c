package recorder

import (
	"context"
	"encoding/json"

	"OpenACP/internal/storage/mysql"
)

// MySQLSink 把事件持久化到 flight_events 表，供事后按 trace 回放。
type MySQLSink struct {
	store *mysql.FlightStore
}

// NewMySQLSink 创建 MySQL 落点。
func NewMySQLSink(store *mysql.FlightStore) *MySQLSink {
	return &MySQLSink{store: store}
}

// Record 将事件明细序列化后落库，阶段名并入载荷。
func (s *MySQLSink) Record(ctx context.Context, event Event) error {
	payload, err := json.Marshal(struct {
		Stage  string         `json:"stage"`
		Detail map[string]any `json:"detail,omitempty"`
	}{Stage: event.Stage, Detail: event.Detail})
	if err != nil {
		return err
	}
	return s.store.Append(ctx, mysql.FlightRecord{
		TraceID:    event.TraceID,
		SessionID:  event.SessionID,
		AgentID:    event.AgentID,
		TenantID:   event.TenantID,
		Kind:       string(event.Kind),
		Payload:    string(payload),
		RecordedAt: event.RecordedAt,
	})
}

// Close 由连接池统一关闭。
func (s *MySQLSink) Close() error { return nil }
