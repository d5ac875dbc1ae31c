package mysql

import (
	"context"
	"database/sql"

	xerrors "OpenACP/internal/errors"
)

// FlightRecord 是一条落库的飞行记录事件。Payload 为已序列化的 JSON，
// 形状由飞行记录器决定，存储层不做解释。
type FlightRecord struct {
	TraceID    string
	SessionID  string
	AgentID    string
	TenantID   string
	Kind       string
	Payload    string
	RecordedAt int64
}

// FlightStore 将飞行记录事件持久化到 MySQL，供事后取证按 trace 回放。
type FlightStore struct {
	db *sql.DB
}

// NewFlightStore 创建飞行记录存储并确保表结构就绪。
func NewFlightStore(ctx context.Context, db *sql.DB) (*FlightStore, error) {
	store := &FlightStore{db: db}
	if err := store.initSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *FlightStore) initSchema(ctx context.Context) error {
	const schema = `CREATE TABLE IF NOT EXISTS flight_events (
        id BIGINT AUTO_INCREMENT PRIMARY KEY,
        trace_id VARCHAR(64) NOT NULL,
        session_id VARCHAR(64) NOT NULL,
        agent_id VARCHAR(128) NOT NULL,
        tenant_id VARCHAR(64) NOT NULL,
        kind VARCHAR(32) NOT NULL,
        payload TEXT,
        recorded_at BIGINT NOT NULL,
        INDEX idx_flight_trace (trace_id),
        INDEX idx_flight_recorded (recorded_at)
)`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 flight_events 表失败")
	}
	return nil
}

// Append 追加一条事件。飞行记录只追加，从不更新或删除。
func (s *FlightStore) Append(ctx context.Context, record FlightRecord) error {
	const stmt = `INSERT INTO flight_events
        (trace_id, session_id, agent_id, tenant_id, kind, payload, recorded_at)
        VALUES (?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, stmt,
		record.TraceID,
		record.SessionID,
		record.AgentID,
		record.TenantID,
		record.Kind,
		record.Payload,
		record.RecordedAt,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入飞行记录失败")
	}
	return nil
}

// ListByTrace 按时间顺序返回一条调用链的全部事件。
func (s *FlightStore) ListByTrace(ctx context.Context, traceID string) ([]FlightRecord, error) {
	const stmt = `SELECT trace_id, session_id, agent_id, tenant_id, kind, payload, recorded_at
        FROM flight_events WHERE trace_id = ? ORDER BY id ASC`

	rows, err := s.db.QueryContext(ctx, stmt, traceID)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询飞行记录失败")
	}
	defer rows.Close()

	var records []FlightRecord
	for rows.Next() {
		var record FlightRecord
		if err := rows.Scan(
			&record.TraceID,
			&record.SessionID,
			&record.AgentID,
			&record.TenantID,
			&record.Kind,
			&record.Payload,
			&record.RecordedAt,
		); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析飞行记录失败")
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历飞行记录失败")
	}
	return records, nil
}
