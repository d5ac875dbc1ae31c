package bridge

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"OpenACP/internal/approval"
	"OpenACP/internal/credential"
	xerrors "OpenACP/internal/errors"
	"OpenACP/internal/guardrail"
	"OpenACP/internal/identity"
	"OpenACP/internal/llm"
	"OpenACP/internal/observability/alerting"
	"OpenACP/internal/perimeter"
	"OpenACP/internal/recorder"
	"OpenACP/internal/registry"
	"OpenACP/internal/runtime"
	"OpenACP/internal/schema"
	"OpenACP/internal/session"
)

const approvedVerdict = `{"approved":true,"status":"APPROVED","reasoning":"benign"}`

type fakeRuntime struct {
	mu       sync.Mutex
	raw      string
	exitCode int64
	err      error
	lastReq  runtime.Request
	calls    int
}

func (f *fakeRuntime) Execute(_ context.Context, req runtime.Request) (*runtime.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastReq = req
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &runtime.Result{Raw: f.raw, ExitCode: f.exitCode}, nil
}

func (f *fakeRuntime) Ping(_ context.Context) error { return nil }

type captureEvents struct {
	mu     sync.Mutex
	events []recorder.Event
}

func (s *captureEvents) Record(_ context.Context, event recorder.Event) error {
	s.mu.Lock()
	s.events = append(s.events, event)
	s.mu.Unlock()
	return nil
}

func (s *captureEvents) Close() error { return nil }

func (s *captureEvents) byKind(kind recorder.Kind) []recorder.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var matched []recorder.Event
	for _, event := range s.events {
		if event.Kind == kind {
			matched = append(matched, event)
		}
	}
	return matched
}

type captureAlerts struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (c *captureAlerts) Notify(_ context.Context, event alerting.Event) error {
	c.mu.Lock()
	c.events = append(c.events, event)
	c.mu.Unlock()
	return nil
}

type fixture struct {
	bridge    *Bridge
	registry  *registry.MetadataRegistry
	runtime   *fakeRuntime
	events    *captureEvents
	alerts    *captureAlerts
	sessions  *session.MemoryStore
	approvals *approval.Registry
	creds     *credential.Manager
}

func newFixture(t *testing.T, auditorOutput string) *fixture {
	t.Helper()

	reg := registry.NewMetadataRegistry()
	reg.Register(registry.PluginManifest{
		ID:      "doc_extraction",
		Version: "1.0",
		Intents: []string{"doc_extraction.extract", "funds.transfer"},
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"document_type": map[string]any{"type": "string"},
			},
			"required": []any{"document_type"},
		},
		DefaultPerimeter: perimeter.AgencyPerimeter{
			AllowedScopes:  []string{"read", "write"},
			MaxMemoryBytes: 256 << 20,
			MaxCPUCores:    1,
			PidsLimit:      64,
		},
		MaskedOutputs: []string{"ssn"},
	})

	rt := &fakeRuntime{raw: `{"status":"done","ssn":"123-45-6789","rows":3}`}
	events := &captureEvents{}
	alerts := &captureAlerts{}
	sessions := session.NewMemoryStore(time.Minute)
	t.Cleanup(sessions.Stop)
	approvals := approval.NewRegistry()
	creds := credential.NewManager(nil)

	b := New(
		reg,
		schema.NewJSONSchemaEnforcer(reg),
		guardrail.New(reg, &llm.StaticProvider{Output: auditorOutput}),
		creds,
		rt,
		recorder.New(events),
		sessions,
		approvals,
		alerts,
		Config{CallbackBase: "https://acp.example.com"},
	)
	return &fixture{
		bridge:    b,
		registry:  reg,
		runtime:   rt,
		events:    events,
		alerts:    alerts,
		sessions:  sessions,
		approvals: approvals,
		creds:     creds,
	}
}

func TestInvokeSuccessMasksAndRecords(t *testing.T) {
	f := newFixture(t, approvedVerdict)
	principal := identity.NewPrincipal("agent-1", "tenant-a")
	_ = f.sessions.Create(context.Background(), &session.Session{ID: principal.SessionID()})

	result, err := f.bridge.Invoke(context.Background(), InvocationRequest{
		Principal: principal,
		Intent:    "doc_extraction.extract",
		Arguments: map[string]any{
			"document_type":    "invoice",
			ReservedSessionKey: principal.SessionID(),
			ReservedThoughtKey: "let me call the extractor",
		},
	})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if result.Status != StatusSuccess {
		t.Fatalf("status = %s, message = %s", result.Status, result.Message)
	}
	if result.TraceID != principal.TraceID() {
		t.Fatalf("trace not propagated: %+v", result)
	}
	// 调用方拿到完整结果，脱敏只作用于审计轨迹。
	if result.Output["ssn"] != "123-45-6789" {
		t.Fatalf("caller output mangled: %v", result.Output)
	}
	if result.Output["rows"] != float64(3) {
		t.Fatalf("normal output mangled: %v", result.Output)
	}

	// 保留键不得抵达运行时。
	if _, ok := f.runtime.lastReq.Arguments[ReservedSessionKey]; ok {
		t.Fatalf("reserved session key reached the runtime")
	}
	if _, ok := f.runtime.lastReq.Arguments[ReservedThoughtKey]; ok {
		t.Fatalf("reserved thought key reached the runtime")
	}
	if f.runtime.lastReq.Image != "openacp/plugin-doc_extraction:1.0" {
		t.Fatalf("image = %q", f.runtime.lastReq.Image)
	}
	if f.runtime.lastReq.Method != "extract" {
		t.Fatalf("method = %q, want derived from intent", f.runtime.lastReq.Method)
	}
	if _, ok := f.runtime.lastReq.Credentials[credential.JitTokenEnvKey]; !ok {
		t.Fatalf("jit token missing from sandbox credentials")
	}

	if got := f.events.byKind(recorder.KindReasoning); len(got) != 1 {
		t.Fatalf("thought not recorded: %v", got)
	}
	outputs := f.events.byKind(recorder.KindToolOutput)
	if len(outputs) != 1 {
		t.Fatalf("tool output not recorded")
	}
	recorded, _ := outputs[0].Detail["output"].(map[string]any)
	if recorded["ssn"] != "***" {
		t.Fatalf("飞行记录中出现明文敏感字段: %v", recorded)
	}

	contextData, err := f.sessions.GetContext(context.Background(), principal.SessionID())
	if err != nil || contextData["last_intent"] != "doc_extraction.extract" {
		t.Fatalf("session context not updated: %v %v", contextData, err)
	}
	lastOutput, _ := contextData["last_output"].(map[string]any)
	if lastOutput["ssn"] != "***" {
		t.Fatalf("会话上下文中出现明文敏感字段: %v", lastOutput)
	}
}

func TestInvokeUnknownIntentIsSoftError(t *testing.T) {
	f := newFixture(t, approvedVerdict)

	result, err := f.bridge.Invoke(context.Background(), InvocationRequest{
		Principal: identity.NewPrincipal("agent-1", "tenant-a"),
		Intent:    "no_such.intent",
	})
	if err != nil {
		t.Fatalf("unknown intent must not be a hard error: %v", err)
	}
	if result.Status != StatusError {
		t.Fatalf("status = %s", result.Status)
	}
	if f.runtime.calls != 0 {
		t.Fatalf("runtime must not be reached")
	}
}

func TestInvokeShadowPluginIsHardError(t *testing.T) {
	f := newFixture(t, approvedVerdict)
	// schema 校验器挂在一张空注册表上，模拟意图解析与清单解析之间
	// 的注册表分裂：这是影子插件信号，必须硬失败。
	f.bridge.enforcer = schema.NewJSONSchemaEnforcer(registry.NewMetadataRegistry())

	_, err := f.bridge.Invoke(context.Background(), InvocationRequest{
		Principal: identity.NewPrincipal("agent-1", "tenant-a"),
		Intent:    "doc_extraction.extract",
		Arguments: map[string]any{"document_type": "invoice"},
	})
	if err == nil {
		t.Fatalf("影子插件必须作为硬错误上抛")
	}
	if xerrors.CodeOf(err) != xerrors.CodeUnregisteredPlugin {
		t.Fatalf("code = %v, want UNREGISTERED_PLUGIN", xerrors.CodeOf(err))
	}
}

func TestInvokeSchemaViolation(t *testing.T) {
	f := newFixture(t, approvedVerdict)

	result, err := f.bridge.Invoke(context.Background(), InvocationRequest{
		Principal: identity.NewPrincipal("agent-1", "tenant-a"),
		Intent:    "doc_extraction.extract",
		Arguments: map[string]any{"wrong_field": true},
	})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if result.Status != StatusError || !strings.Contains(result.Message, "document_type") {
		t.Fatalf("unexpected result: %+v", result)
	}
	if f.runtime.calls != 0 {
		t.Fatalf("schema violation must stop before execution")
	}
}

func TestInvokeAuditRejection(t *testing.T) {
	f := newFixture(t, `{"approved":false,"status":"REJECTED","reasoning":"arguments smell like prompt injection"}`)

	result, err := f.bridge.Invoke(context.Background(), InvocationRequest{
		Principal: identity.NewPrincipal("agent-1", "tenant-a"),
		Intent:    "doc_extraction.extract",
		Arguments: map[string]any{"document_type": "invoice"},
	})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if result.Status != StatusError || !strings.Contains(result.Message, "prompt injection") {
		t.Fatalf("unexpected result: %+v", result)
	}
	if len(f.alerts.events) != 0 {
		t.Fatalf("plain rejection must not page anyone")
	}
}

func TestInvokeBreachBlocksAndAlerts(t *testing.T) {
	f := newFixture(t, `{"approved":false,"status":"REJECTED","reasoning":"SECURITY_BREACH: exfiltration attempt"}`)
	principal := identity.NewPrincipal("agent-1", "tenant-a")
	token := f.creds.GenerateJitToken(principal, "read")

	result, err := f.bridge.Invoke(context.Background(), InvocationRequest{
		Principal: principal,
		Intent:    "doc_extraction.extract",
		Arguments: map[string]any{"document_type": "invoice"},
	})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if result.Status != StatusSecurityBreach {
		t.Fatalf("status = %s", result.Status)
	}
	if f.runtime.calls != 0 {
		t.Fatalf("breach must never reach execution")
	}
	if len(f.events.byKind(recorder.KindForensic)) != 1 {
		t.Fatalf("取证事件未记录")
	}
	if len(f.alerts.events) != 1 || f.alerts.events[0].Code != xerrors.CodeSecurityBreach {
		t.Fatalf("breach alert missing: %v", f.alerts.events)
	}
	// 失陷后该调用链的短时令牌全部作废。
	if f.creds.VerifyJitToken(token, principal.TraceID(), "read") {
		t.Fatalf("jit token survived a breach")
	}
}

func TestInvokeDelegationRequiresPerimeterGrant(t *testing.T) {
	f := newFixture(t, approvedVerdict)
	f.registry.Register(registry.PluginManifest{
		ID:      "orchestrator",
		Version: "1.0",
		Intents: []string{"delegate.spawn_worker", "delegate.fanout"},
		DefaultPerimeter: perimeter.AgencyPerimeter{
			AllowedScopes:  []string{"read"},
			MaxMemoryBytes: 128 << 20,
			MaxCPUCores:    1,
			PidsLimit:      32,
		},
	})

	result, err := f.bridge.Invoke(context.Background(), InvocationRequest{
		Principal: identity.NewPrincipal("agent-1", "tenant-a"),
		Intent:    "delegate.spawn_worker",
		Arguments: map[string]any{"task": "summarize"},
	})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if result.Status != StatusError || !strings.Contains(result.Message, "委派") {
		t.Fatalf("unexpected result: %+v", result)
	}
	if f.runtime.calls != 0 {
		t.Fatalf("blocked delegation must not execute")
	}
	var blocked bool
	for _, event := range f.events.byKind(recorder.KindStep) {
		if event.Stage == "delegation_blocked" {
			blocked = true
		}
	}
	if !blocked {
		t.Fatalf("delegation rejection not recorded")
	}

	// 边界显式授予委派后放行。
	f.registry.Register(registry.PluginManifest{
		ID:      "orchestrator",
		Version: "1.0",
		Intents: []string{"delegate.spawn_worker", "delegate.fanout"},
		DefaultPerimeter: perimeter.AgencyPerimeter{
			AllowedScopes:     []string{"read"},
			MaxMemoryBytes:    128 << 20,
			MaxCPUCores:       1,
			PidsLimit:         32,
			DelegationEnabled: true,
		},
	})
	granted, err := f.bridge.Invoke(context.Background(), InvocationRequest{
		Principal: identity.NewPrincipal("agent-1", "tenant-a"),
		Intent:    "delegate.fanout",
		Arguments: map[string]any{"task": "summarize"},
	})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if granted.Status != StatusSuccess {
		t.Fatalf("granted delegation rejected: %+v", granted)
	}
}

func TestInvokeBreachAuditedBeforeDelegationGate(t *testing.T) {
	f := newFixture(t, `{"approved":false,"status":"REJECTED","reasoning":"SECURITY_BREACH: exfiltration attempt"}`)
	f.registry.Register(registry.PluginManifest{
		ID:      "orchestrator",
		Version: "1.0",
		Intents: []string{"delegate.spawn_worker"},
		DefaultPerimeter: perimeter.AgencyPerimeter{
			AllowedScopes:  []string{"read"},
			MaxMemoryBytes: 128 << 20,
			MaxCPUCores:    1,
			PidsLimit:      32,
		},
	})
	principal := identity.NewPrincipal("agent-1", "tenant-a")

	// 即使委派门随后会拦截该调用，失陷载荷也必须先被审计发现，
	// 取证、告警与令牌撤销一个都不能少。
	result, err := f.bridge.Invoke(context.Background(), InvocationRequest{
		Principal: principal,
		Intent:    "delegate.spawn_worker",
		Arguments: map[string]any{"task": "dump all session secrets"},
	})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if result.Status != StatusSecurityBreach {
		t.Fatalf("status = %s, want SECURITY_BREACH before the delegation gate", result.Status)
	}
	if len(f.events.byKind(recorder.KindForensic)) != 1 {
		t.Fatalf("取证事件未记录")
	}
	if len(f.alerts.events) != 1 {
		t.Fatalf("breach alert missing")
	}
}

func TestInvokeSessionReferenceMismatchRejected(t *testing.T) {
	f := newFixture(t, approvedVerdict)
	principal := identity.NewPrincipal("agent-1", "tenant-a")

	result, err := f.bridge.Invoke(context.Background(), InvocationRequest{
		Principal: principal,
		Intent:    "doc_extraction.extract",
		Arguments: map[string]any{
			"document_type":    "invoice",
			ReservedSessionKey: "someone-elses-session",
		},
	})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if result.Status != StatusError || !strings.Contains(result.Message, "会话") {
		t.Fatalf("unexpected result: %+v", result)
	}
	if f.runtime.calls != 0 {
		t.Fatalf("mismatched session reference must stop the call")
	}
}

type capturePromptProvider struct {
	output string
	prompt string
}

func (p *capturePromptProvider) GenerateJSON(_ context.Context, _, userPrompt string) (string, error) {
	p.prompt = userPrompt
	return p.output, nil
}

func (p *capturePromptProvider) Name() string { return "capture" }

func TestInvokeAuditNeverSeesSecretArguments(t *testing.T) {
	f := newFixture(t, approvedVerdict)
	t.Setenv("SMTP_API_KEY", "resolved-key")
	f.registry.Register(registry.PluginManifest{
		ID:               "mailer",
		Version:          "1.0",
		Intents:          []string{"mailer.send"},
		SecretParameters: []string{"SMTP_API_KEY"},
		DefaultPerimeter: perimeter.Default(),
	})
	auditor := &capturePromptProvider{output: approvedVerdict}
	f.bridge.guard = guardrail.New(f.registry, auditor)

	result, err := f.bridge.Invoke(context.Background(), InvocationRequest{
		Principal: identity.NewPrincipal("agent-1", "tenant-a"),
		Intent:    "mailer.send",
		Arguments: map[string]any{
			"to":           "ops@example.com",
			"SMTP_API_KEY": "plaintext-smtp-secret",
		},
	})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if result.Status != StatusSuccess {
		t.Fatalf("status = %s, message = %s", result.Status, result.Message)
	}
	if strings.Contains(auditor.prompt, "plaintext-smtp-secret") {
		t.Fatalf("审计提示词中出现明文密钥")
	}
	if !strings.Contains(auditor.prompt, "***") {
		t.Fatalf("secret argument not masked in audit prompt: %s", auditor.prompt)
	}
	// 执行环境仍拿到原始参数。
	if f.runtime.lastReq.Arguments["SMTP_API_KEY"] != "plaintext-smtp-secret" {
		t.Fatalf("runtime arguments mangled: %v", f.runtime.lastReq.Arguments)
	}
}

func TestInvokeApprovalGateAndResume(t *testing.T) {
	f := newFixture(t, approvedVerdict)
	principal := identity.NewPrincipal("agent-1", "tenant-a")

	result, err := f.bridge.Invoke(context.Background(), InvocationRequest{
		Principal: principal,
		Intent:    "funds.transfer",
		Arguments: map[string]any{"document_type": "wire"},
	})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if result.Status != StatusPendingApproval {
		t.Fatalf("status = %s, want PENDING_APPROVAL", result.Status)
	}
	wantURL := "https://acp.example.com/api/v1/approvals/" + principal.TraceID()
	if result.CallbackURL != wantURL {
		t.Fatalf("callback = %q, want %q", result.CallbackURL, wantURL)
	}
	if f.runtime.calls != 0 {
		t.Fatalf("paused invocation must not execute")
	}

	pending, err := f.approvals.Resolve(principal.TraceID())
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	resumed, err := f.bridge.Resume(context.Background(), pending)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if resumed.Status != StatusSuccess {
		t.Fatalf("resumed status = %s, message = %s", resumed.Status, resumed.Message)
	}
	if f.runtime.calls != 1 {
		t.Fatalf("resume must execute exactly once")
	}
	if resumed.TraceID != principal.TraceID() {
		t.Fatalf("审批恢复后调用链标识丢失")
	}
}

func TestInvokeUnresolvedSecretTreatedAsAbsent(t *testing.T) {
	f := newFixture(t, approvedVerdict)
	f.registry.Register(registry.PluginManifest{
		ID:               "mailer",
		Version:          "1.0",
		Intents:          []string{"mailer.send"},
		SecretParameters: []string{"UNRESOLVED_SMTP_KEY"},
		DefaultPerimeter: perimeter.Default(),
	})

	result, err := f.bridge.Invoke(context.Background(), InvocationRequest{
		Principal: identity.NewPrincipal("agent-1", "tenant-a"),
		Intent:    "mailer.send",
		Arguments: map[string]any{"to": "ops@example.com"},
	})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	// 解析不到的密钥按缺失处理，调用照常执行，只是不注入该键。
	if result.Status != StatusSuccess {
		t.Fatalf("status = %s, message = %s", result.Status, result.Message)
	}
	if f.runtime.calls != 1 {
		t.Fatalf("unresolved credential must not block execution")
	}
	if _, ok := f.runtime.lastReq.Credentials["UNRESOLVED_SMTP_KEY"]; ok {
		t.Fatalf("未解析的密钥不应注入沙箱: %v", f.runtime.lastReq.Credentials)
	}
	// 默认边界不授予范围，短时令牌也不铸造。
	if _, ok := f.runtime.lastReq.Credentials[credential.JitTokenEnvKey]; ok {
		t.Fatalf("scopeless perimeter must not carry a jit token")
	}
}

func TestInvokeNonZeroExitIsError(t *testing.T) {
	f := newFixture(t, approvedVerdict)
	f.runtime.exitCode = 3

	result, err := f.bridge.Invoke(context.Background(), InvocationRequest{
		Principal: identity.NewPrincipal("agent-1", "tenant-a"),
		Intent:    "doc_extraction.extract",
		Arguments: map[string]any{"document_type": "invoice"},
	})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if result.Status != StatusError || !strings.Contains(result.Message, "exited with code 3") {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestInvokeNonJSONOutputWrapped(t *testing.T) {
	f := newFixture(t, approvedVerdict)
	f.runtime.raw = "plain text result"

	result, err := f.bridge.Invoke(context.Background(), InvocationRequest{
		Principal: identity.NewPrincipal("agent-1", "tenant-a"),
		Intent:    "doc_extraction.extract",
		Arguments: map[string]any{"document_type": "invoice"},
	})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if result.Status != StatusSuccess || result.Output["raw"] != "plain text result" {
		t.Fatalf("unexpected result: %+v", result)
	}
}
