package credential

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	xerrors "OpenACP/internal/errors"
	"OpenACP/internal/identity"
	"OpenACP/internal/perimeter"
	"OpenACP/internal/registry"
	"OpenACP/pkg/logger"
)

// JitTokenEnvKey 是注入沙箱环境的短时令牌固定键名。
const JitTokenEnvKey = "ACP_JIT_TOKEN"

// DefaultTokenTTL 是短时令牌的默认有效期。
const DefaultTokenTTL = 5 * time.Minute

// SecretSource 是长期密钥的最后一级来源，通常由 MySQL 仓库实现。
type SecretSource interface {
	Get(ctx context.Context, tenantID, name string) (string, error)
}

// Manager 负责凭证的按需解析与短时令牌的铸造。
// 密钥解析按三级顺序：已铸造的短时令牌、进程环境变量、密钥仓库。
// 明文密钥只在执行前的最后一刻进入内存，从不落入飞行记录。
type Manager struct {
	source   SecretSource
	tokenTTL time.Duration

	mu     sync.Mutex
	tokens map[string]tokenBinding
}

type tokenBinding struct {
	binding   string
	expiresAt time.Time
}

// Option 调整 Manager 行为。
type Option func(*Manager)

// WithTokenTTL 覆盖短时令牌有效期。
func WithTokenTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 {
			m.tokenTTL = ttl
		}
	}
}

// NewManager 创建凭证管理器。source 可以为 nil，此时第三级解析不可用。
func NewManager(source SecretSource, opts ...Option) *Manager {
	m := &Manager{
		source:   source,
		tokenTTL: DefaultTokenTTL,
		tokens:   make(map[string]tokenBinding),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// GenerateJitToken 为一次调用铸造短时令牌，绑定到调用链与授权范围。
// 令牌形如 jit_ 前缀加八位随机串，过期后校验即失败。
func (m *Manager) GenerateJitToken(principal identity.AgentPrincipal, scope string) string {
	token := "jit_" + uuid.NewString()[:8]
	binding := principal.TraceID() + ":" + scope

	m.mu.Lock()
	m.pruneLocked(time.Now())
	m.tokens[token] = tokenBinding{
		binding:   binding,
		expiresAt: time.Now().Add(m.tokenTTL),
	}
	m.mu.Unlock()

	logger.WithTrace(principal.TraceID()).Info("铸造短时令牌",
		"scope", scope, "ttl", m.tokenTTL.String())
	return token
}

// VerifyJitToken 校验令牌是否有效且绑定到指定调用链与范围。
func (m *Manager) VerifyJitToken(token, traceID, scope string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	bound, ok := m.tokens[token]
	if !ok {
		return false
	}
	if time.Now().After(bound.expiresAt) {
		delete(m.tokens, token)
		return false
	}
	return bound.binding == traceID+":"+scope
}

// GetSecret 按三级顺序解析密钥。任何一级命中即返回；
// 仓库查询失败按缺失处理并记入日志，不中断调用。
func (m *Manager) GetSecret(ctx context.Context, principal identity.AgentPrincipal, name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "密钥名不能为空")
	}

	if value, ok := os.LookupEnv(name); ok && value != "" {
		return value, nil
	}

	if m.source != nil {
		value, err := m.source.Get(ctx, principal.TenantID(), name)
		if err == nil {
			return value, nil
		}
		if xerrors.CodeOf(err) == xerrors.CodeStorageFailure {
			logger.WithTrace(principal.TraceID()).Warn("密钥仓库查询失败，按缺失处理",
				"name", name, "error", err)
		}
	}

	return "", xerrors.New(xerrors.CodeCredentialUnresolved,
		fmt.Sprintf("密钥 %s 在任何来源中都不存在", name))
}

// BuildCredentials 为一次沙箱执行装配凭证集：清单声明的每个涉密
// 参数逐一解析，解析不到的按缺失处理，只记日志不中断调用。边界
// 授予了任一范围时再附一枚绑定到首个范围的短时令牌。
func (m *Manager) BuildCredentials(ctx context.Context, principal identity.AgentPrincipal, manifest *registry.PluginManifest, p perimeter.AgencyPerimeter) (map[string]string, error) {
	credentials := make(map[string]string, len(manifest.SecretParameters)+1)

	for _, name := range manifest.SecretParameters {
		value, err := m.GetSecret(ctx, principal, name)
		if err != nil {
			logger.WithTrace(principal.TraceID()).Warn("密钥未解析，按缺失跳过注入",
				"name", name, "error", err)
			continue
		}
		credentials[name] = value
	}

	if scope, ok := p.FirstScope(); ok {
		credentials[JitTokenEnvKey] = m.GenerateJitToken(principal, scope)
	}
	return credentials, nil
}

// RevokeTrace 撤销某条调用链名下的全部短时令牌。
func (m *Manager) RevokeTrace(traceID string) {
	prefix := traceID + ":"
	m.mu.Lock()
	for token, bound := range m.tokens {
		if strings.HasPrefix(bound.binding, prefix) {
			delete(m.tokens, token)
		}
	}
	m.mu.Unlock()
}

func (m *Manager) pruneLocked(now time.Time) {
	for token, bound := range m.tokens {
		if now.After(bound.expiresAt) {
			delete(m.tokens, token)
		}
	}
}
