package mysql

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	xerrors "OpenACP/internal/errors"
)

// ErrSecretNotFound 表示指定租户下不存在该密钥。
var ErrSecretNotFound = stdErrors.New("secret not found")

// ErrSecretExists 表示严格插入时密钥已存在。
var ErrSecretExists = stdErrors.New("secret already exists")

// SecretRepository 按租户隔离存取长期密钥，是凭证解析的最后一级。
type SecretRepository struct {
	db *sql.DB
}

// NewSecretRepository 创建密钥仓库并确保表结构就绪。
func NewSecretRepository(ctx context.Context, db *sql.DB) (*SecretRepository, error) {
	repo := &SecretRepository{db: db}
	if err := repo.initSchema(ctx); err != nil {
		return nil, err
	}
	return repo, nil
}

func (r *SecretRepository) initSchema(ctx context.Context) error {
	const schema = `CREATE TABLE IF NOT EXISTS agent_secrets (
        tenant_id VARCHAR(64) NOT NULL,
        name VARCHAR(128) NOT NULL,
        value TEXT NOT NULL,
        updated_at BIGINT NOT NULL,
        PRIMARY KEY (tenant_id, name)
)`
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 agent_secrets 表失败")
	}
	return nil
}

// Get 返回指定租户名下的密钥值。
func (r *SecretRepository) Get(ctx context.Context, tenantID, name string) (string, error) {
	const stmt = `SELECT value FROM agent_secrets WHERE tenant_id = ? AND name = ?`

	var value string
	err := r.db.QueryRowContext(ctx, stmt, tenantID, name).Scan(&value)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return "", ErrSecretNotFound
		}
		return "", xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询密钥失败")
	}
	return value, nil
}

// Put 写入或覆盖密钥。
func (r *SecretRepository) Put(ctx context.Context, tenantID, name, value string) error {
	if strings.TrimSpace(tenantID) == "" || strings.TrimSpace(name) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "租户与密钥名不能为空")
	}

	const stmt = `INSERT INTO agent_secrets (tenant_id, name, value, updated_at)
        VALUES (?, ?, ?, ?)
        ON DUPLICATE KEY UPDATE value = VALUES(value), updated_at = VALUES(updated_at)`

	if _, err := r.db.ExecContext(ctx, stmt, tenantID, name, value, time.Now().Unix()); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入密钥失败")
	}
	return nil
}

// Create 严格插入密钥，已存在时返回 ErrSecretExists。
func (r *SecretRepository) Create(ctx context.Context, tenantID, name, value string) error {
	if strings.TrimSpace(tenantID) == "" || strings.TrimSpace(name) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "租户与密钥名不能为空")
	}

	const stmt = `INSERT INTO agent_secrets (tenant_id, name, value, updated_at) VALUES (?, ?, ?, ?)`

	if _, err := r.db.ExecContext(ctx, stmt, tenantID, name, value, time.Now().Unix()); err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrSecretExists
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入密钥失败")
	}
	return nil
}

// Delete 删除密钥，幂等。
func (r *SecretRepository) Delete(ctx context.Context, tenantID, name string) error {
	const stmt = `DELETE FROM agent_secrets WHERE tenant_id = ? AND name = ?`
	if _, err := r.db.ExecContext(ctx, stmt, tenantID, name); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "删除密钥失败")
	}
	return nil
}
