package credential

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	xerrors "OpenACP/internal/errors"
	"OpenACP/internal/identity"
	"OpenACP/internal/perimeter"
	"OpenACP/internal/registry"
)

type fakeSource struct {
	secrets map[string]string
	err     error
}

func (f *fakeSource) Get(_ context.Context, tenantID, name string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	value, ok := f.secrets[tenantID+"/"+name]
	if !ok {
		return "", errors.New("secret not found")
	}
	return value, nil
}

func TestGenerateJitTokenShape(t *testing.T) {
	m := NewManager(nil)
	principal := identity.NewPrincipal("agent-1", "tenant-a")

	token := m.GenerateJitToken(principal, "read")
	if !strings.HasPrefix(token, "jit_") {
		t.Fatalf("token = %q, want jit_ prefix", token)
	}
	if len(token) != len("jit_")+8 {
		t.Fatalf("token = %q, want 8 random chars after prefix", token)
	}
}

func TestVerifyJitTokenBinding(t *testing.T) {
	m := NewManager(nil)
	principal := identity.NewPrincipal("agent-1", "tenant-a")

	token := m.GenerateJitToken(principal, "read")

	if !m.VerifyJitToken(token, principal.TraceID(), "read") {
		t.Fatalf("valid token rejected")
	}
	if m.VerifyJitToken(token, principal.TraceID(), "write") {
		t.Fatalf("令牌越权使用未被拒绝")
	}
	if m.VerifyJitToken(token, "other-trace", "read") {
		t.Fatalf("token must be bound to its trace")
	}
	if m.VerifyJitToken("jit_unknown", principal.TraceID(), "read") {
		t.Fatalf("unknown token accepted")
	}
}

func TestVerifyJitTokenExpiry(t *testing.T) {
	m := NewManager(nil, WithTokenTTL(time.Nanosecond))
	principal := identity.NewPrincipal("agent-1", "tenant-a")

	token := m.GenerateJitToken(principal, "read")
	time.Sleep(time.Millisecond)

	if m.VerifyJitToken(token, principal.TraceID(), "read") {
		t.Fatalf("expired token accepted")
	}
}

func TestGetSecretPrefersEnvironment(t *testing.T) {
	t.Setenv("ACP_TEST_SECRET", "from-env")
	source := &fakeSource{secrets: map[string]string{"tenant-a/ACP_TEST_SECRET": "from-db"}}
	m := NewManager(source)
	principal := identity.NewPrincipal("agent-1", "tenant-a")

	value, err := m.GetSecret(context.Background(), principal, "ACP_TEST_SECRET")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if value != "from-env" {
		t.Fatalf("value = %q, want env to win over repository", value)
	}
}

func TestGetSecretFallsBackToRepository(t *testing.T) {
	source := &fakeSource{secrets: map[string]string{"tenant-a/DB_PASSWORD": "s3cret"}}
	m := NewManager(source)
	principal := identity.NewPrincipal("agent-1", "tenant-a")

	value, err := m.GetSecret(context.Background(), principal, "DB_PASSWORD")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if value != "s3cret" {
		t.Fatalf("value = %q, want repository secret", value)
	}
}

func TestGetSecretUnresolved(t *testing.T) {
	m := NewManager(&fakeSource{secrets: map[string]string{}})
	principal := identity.NewPrincipal("agent-1", "tenant-a")

	_, err := m.GetSecret(context.Background(), principal, "MISSING_KEY")
	if err == nil {
		t.Fatalf("缺失密钥未报错")
	}
	if xerrors.CodeOf(err) != xerrors.CodeCredentialUnresolved {
		t.Fatalf("code = %v, want CREDENTIAL_UNRESOLVED", xerrors.CodeOf(err))
	}
}

func TestBuildCredentialsIncludesJitToken(t *testing.T) {
	source := &fakeSource{secrets: map[string]string{"tenant-a/API_KEY": "k"}}
	m := NewManager(source)
	principal := identity.NewPrincipal("agent-1", "tenant-a")
	manifest := &registry.PluginManifest{
		ID:               "p1",
		SecretParameters: []string{"API_KEY"},
	}
	p := perimeter.AgencyPerimeter{
		AllowedScopes:  []string{"write", "read"},
		MaxMemoryBytes: 1,
		MaxCPUCores:    1,
		PidsLimit:      1,
	}.Normalized()

	credentials, err := m.BuildCredentials(context.Background(), principal, manifest, p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if credentials["API_KEY"] != "k" {
		t.Fatalf("secret parameter not resolved: %v", credentials)
	}
	token, ok := credentials[JitTokenEnvKey]
	if !ok || !strings.HasPrefix(token, "jit_") {
		t.Fatalf("jit token missing from credentials: %v", credentials)
	}
	// 令牌绑定到排序后的首个范围。
	if !m.VerifyJitToken(token, principal.TraceID(), "read") {
		t.Fatalf("token not bound to first scope")
	}
}

func TestBuildCredentialsSkipsUnresolvedSecret(t *testing.T) {
	m := NewManager(&fakeSource{secrets: map[string]string{}})
	principal := identity.NewPrincipal("agent-1", "tenant-a")
	manifest := &registry.PluginManifest{ID: "p1", SecretParameters: []string{"NOPE"}}
	p := perimeter.AgencyPerimeter{
		AllowedScopes:  []string{"read"},
		MaxMemoryBytes: 1,
		MaxCPUCores:    1,
		PidsLimit:      1,
	}.Normalized()

	credentials, err := m.BuildCredentials(context.Background(), principal, manifest, p)
	if err != nil {
		t.Fatalf("缺失密钥不应中断凭证装配: %v", err)
	}
	if _, ok := credentials["NOPE"]; ok {
		t.Fatalf("unresolved secret must not be injected: %v", credentials)
	}
	if _, ok := credentials[JitTokenEnvKey]; !ok {
		t.Fatalf("jit token must still be minted: %v", credentials)
	}
}

func TestBuildCredentialsNoScopeNoJitToken(t *testing.T) {
	m := NewManager(nil)
	principal := identity.NewPrincipal("agent-1", "tenant-a")
	manifest := &registry.PluginManifest{ID: "p1"}

	// Default() 不授予任何范围，短时令牌没有可绑定的对象。
	credentials, err := m.BuildCredentials(context.Background(), principal, manifest, perimeter.Default())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := credentials[JitTokenEnvKey]; ok {
		t.Fatalf("scopeless perimeter must not mint a token: %v", credentials)
	}
}

func TestRevokeTrace(t *testing.T) {
	m := NewManager(nil)
	principal := identity.NewPrincipal("agent-1", "tenant-a")
	token := m.GenerateJitToken(principal, "read")

	m.RevokeTrace(principal.TraceID())
	if m.VerifyJitToken(token, principal.TraceID(), "read") {
		t.Fatalf("revoked token accepted")
	}
}
