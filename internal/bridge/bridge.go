package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"OpenACP/internal/approval"
	"OpenACP/internal/credential"
	xerrors "OpenACP/internal/errors"
	"OpenACP/internal/guardrail"
	"OpenACP/internal/identity"
	"OpenACP/internal/observability/alerting"
	"OpenACP/internal/observability/metrics"
	"OpenACP/internal/perimeter"
	"OpenACP/internal/recorder"
	"OpenACP/internal/registry"
	"OpenACP/internal/runtime"
	"OpenACP/internal/schema"
	"OpenACP/internal/session"
	"OpenACP/pkg/logger"
)

// 模型可能把编排元数据混进工具参数，这两个键在进入管线前剥离。
const (
	ReservedSessionKey = "_session"
	ReservedThoughtKey = "_thought"
)

// 涉密参数与脱敏输出的占位符。
const maskPlaceholder = "***"

// 委派类意图的约定前缀。委派本身是一项独立授权，
// 不由任何其他作用域隐含。
const delegationIntentPrefix = "delegate."

// 这些意图关键词无论清单怎么声明都强制人工审批。
var defaultApprovalKeywords = []string{"delete", "transfer", "purchase"}

// Config 描述桥接层的行为参数。
type Config struct {
	CallbackBase      string        `json:"callbackBase"`
	ExecTimeout       time.Duration `json:"execTimeout"`
	PluginImagePrefix string        `json:"pluginImagePrefix"`
	PluginArtifactDir string        `json:"pluginArtifactDir"`
	ApprovalKeywords  []string      `json:"approvalKeywords"`
}

func (c *Config) applyDefaults() {
	if c.ExecTimeout <= 0 {
		c.ExecTimeout = 2 * time.Minute
	}
	if c.PluginImagePrefix == "" {
		c.PluginImagePrefix = "openacp/plugin-"
	}
	if c.CallbackBase == "" {
		c.CallbackBase = "http://localhost:8080"
	}
	if len(c.ApprovalKeywords) == 0 {
		c.ApprovalKeywords = defaultApprovalKeywords
	}
}

// InvocationRequest 是一次待治理的工具调用。Perimeter 为调用方声明的
// 权限上限，管线会将它与插件清单的默认边界取交集。
type InvocationRequest struct {
	Principal identity.AgentPrincipal
	Intent    string
	Method    string
	Arguments map[string]any
	Perimeter *perimeter.AgencyPerimeter
}

// Bridge 是治理管线的编排者。每次调用依次经过身份、意图、schema、
// 边界、安全审计、人工审批、凭证与沙箱执行八道关卡，任何一道
// 失败都以结构化结果返回。唯一的硬错误是影子插件。
type Bridge struct {
	registry    *registry.MetadataRegistry
	enforcer    schema.Enforcer
	guard       *guardrail.Guardrail
	credentials *credential.Manager
	runtime     runtime.Runtime
	recorder    *recorder.Recorder
	sessions    session.Store
	approvals   *approval.Registry
	alerts      alerting.Dispatcher
	cfg         Config
}

// New 创建桥接层。
func New(
	reg *registry.MetadataRegistry,
	enforcer schema.Enforcer,
	guard *guardrail.Guardrail,
	credentials *credential.Manager,
	rt runtime.Runtime,
	rec *recorder.Recorder,
	sessions session.Store,
	approvals *approval.Registry,
	alerts alerting.Dispatcher,
	cfg Config,
) *Bridge {
	cfg.applyDefaults()
	return &Bridge{
		registry:    reg,
		enforcer:    enforcer,
		guard:       guard,
		credentials: credentials,
		runtime:     rt,
		recorder:    rec,
		sessions:    sessions,
		approvals:   approvals,
		alerts:      alerts,
		cfg:         cfg,
	}
}

// Invoke 执行完整治理管线。返回的 error 仅在影子插件（调用了从未
// 注册的能力）时非空，其余所有失败都编码在 InvocationResult 中。
func (b *Bridge) Invoke(ctx context.Context, req InvocationRequest) (*InvocationResult, error) {
	return b.invoke(ctx, req, false)
}

// Resume 在人工审批通过后恢复执行，跳过审批门，其余关卡全部重走：
// 审批期间注册表、边界或审计策略可能已经变化。
func (b *Bridge) Resume(ctx context.Context, pending *approval.PendingApproval) (*InvocationResult, error) {
	return b.invoke(ctx, InvocationRequest{
		Principal: pending.Principal(),
		Intent:    pending.Intent,
		Method:    pending.Method,
		Arguments: pending.Arguments,
	}, true)
}

func (b *Bridge) invoke(ctx context.Context, req InvocationRequest, skipApproval bool) (result *InvocationResult, err error) {
	principal := req.Principal
	ctx, _ = identity.EnsureTrace(ctx, principal.TraceID())
	traceID := principal.TraceID()
	log := logger.WithTrace(traceID)

	started := time.Now()
	defer func() {
		if result != nil {
			metrics.ObserveInvocation(req.Intent, string(result.Status), time.Since(started))
		}
	}()

	arguments, thought, sessionRef := stripReservedKeys(req.Arguments)

	b.recorder.Record(ctx, principal, recorder.KindStep, "received", map[string]any{
		"intent": req.Intent,
	})
	if thought != "" {
		b.recorder.Record(ctx, principal, recorder.KindReasoning, "worker_thought", map[string]any{
			"thought": thought,
		})
	}

	// 参数携带的会话引用必须与主体绑定的会话一致，不一致说明模型
	// 试图跨会话读写上下文。
	if sessionRef != "" && sessionRef != principal.SessionID() {
		bindErr := xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("参数携带的会话 %s 与主体会话不一致", sessionRef))
		b.recordRejection(ctx, principal, "session_binding", bindErr)
		return errorResult(traceID, xerrors.MessageOf(bindErr)), nil
	}

	// 意图必须由某个已注册插件声明。
	pluginID, intentErr := b.guard.ValidateIntent(req.Intent)
	if intentErr != nil {
		b.recordRejection(ctx, principal, "intent_validation", intentErr)
		return errorResult(traceID, xerrors.MessageOf(intentErr)), nil
	}

	manifest, ok := b.registry.GetManifest(pluginID)
	if !ok {
		// 意图索引指向了不存在的插件：影子插件，唯一的硬错误。
		return nil, xerrors.New(xerrors.CodeUnregisteredPlugin,
			fmt.Sprintf("插件 %s 未注册", pluginID))
	}

	method := req.Method
	if method == "" {
		method = methodFromIntent(req.Intent)
	}

	// schema 校验。
	arguments, schemaErr := b.enforcer.Enforce(pluginID, arguments)
	if schemaErr != nil {
		if xerrors.CodeOf(schemaErr) == xerrors.CodeUnregisteredPlugin {
			return nil, schemaErr
		}
		b.recordRejection(ctx, principal, "schema_enforcement", schemaErr)
		return errorResult(traceID, xerrors.MessageOf(schemaErr)), nil
	}

	// 独立模型安全审计先于一切边界裁决：后续任何关卡的拦截都不能
	// 让失陷载荷躲过检测。涉密参数先脱敏，审计模型不接触明文凭据。
	verdict := b.guard.PerformSafetyAudit(ctx, guardrail.AuditRequest{
		Intent:         req.Intent,
		PluginID:       pluginID,
		Arguments:      maskArguments(manifest, arguments),
		Thought:        thought,
		SessionContext: b.sessionContext(ctx, principal.SessionID()),
	})
	b.recorder.Record(ctx, principal, recorder.KindStep, "safety_audit", map[string]any{
		"approved":  verdict.Approved,
		"status":    verdict.Status,
		"reasoning": verdict.Reasoning,
	})
	if !verdict.Approved {
		if verdict.IsBreach() {
			return b.handleBreach(ctx, principal, req.Intent, verdict), nil
		}
		return errorResult(traceID, "safety audit rejected the call: "+verdict.Reasoning), nil
	}

	// 边界交集：插件默认边界 ∩ 调用方声明边界，只会更紧。
	effective := manifest.DefaultPerimeter.Intersect(req.Perimeter)
	if perimeterErr := effective.Validate(); perimeterErr != nil {
		b.recordRejection(ctx, principal, "perimeter_intersection", perimeterErr)
		return errorResult(traceID, xerrors.MessageOf(perimeterErr)), nil
	}
	b.recorder.Record(ctx, principal, recorder.KindStep, "perimeter_intersection", map[string]any{
		"scopes":  effective.AllowedScopes,
		"network": effective.NetworkAccessEnabled,
	})

	// 委派意图必须由生效边界显式授权。
	if strings.HasPrefix(req.Intent, delegationIntentPrefix) && !effective.DelegationEnabled {
		delegationErr := xerrors.New(xerrors.CodeDelegationNotPermitted,
			fmt.Sprintf("边界禁止委派，意图 %s 被拦截", req.Intent))
		b.recordRejection(ctx, principal, "delegation_blocked", delegationErr)
		return errorResult(traceID, xerrors.MessageOf(delegationErr)), nil
	}

	// 人工审批门。
	if !skipApproval && b.requiresApproval(manifest, req.Intent) {
		if submitErr := b.approvals.Submit(approval.PendingApproval{
			TraceID:   traceID,
			SessionID: principal.SessionID(),
			AgentID:   principal.AgentID(),
			TenantID:  principal.TenantID(),
			Intent:    req.Intent,
			PluginID:  pluginID,
			Method:    method,
			Arguments: arguments,
			Reason:    "intent requires human approval",
		}); submitErr != nil {
			return errorResult(traceID, xerrors.MessageOf(submitErr)), nil
		}
		b.recorder.Record(ctx, principal, recorder.KindStep, "approval_gate", map[string]any{
			"intent": req.Intent,
		})
		log.Info("调用被人工审批门拦停", "intent", req.Intent)
		return pendingResult(traceID, b.cfg.CallbackBase), nil
	}

	// 凭证装配，只在执行前最后一刻进行。
	credentials, credErr := b.credentials.BuildCredentials(ctx, principal, manifest, effective)
	if credErr != nil {
		b.recordRejection(ctx, principal, "credential_resolution", credErr)
		return errorResult(traceID, xerrors.MessageOf(credErr)), nil
	}

	// 沙箱执行。
	execCtx, cancel := context.WithTimeout(ctx, b.cfg.ExecTimeout)
	defer cancel()

	execResult, execErr := b.runtime.Execute(execCtx, runtime.Request{
		Principal:    principal,
		Perimeter:    effective,
		PluginID:     pluginID,
		Image:        b.imageFor(manifest),
		Method:       method,
		Arguments:    arguments,
		Credentials:  credentials,
		ArtifactPath: b.artifactFor(manifest),
	})
	if execErr != nil {
		b.recordRejection(ctx, principal, "execution", execErr)
		return errorResult(traceID, xerrors.MessageOf(execErr)), nil
	}
	if execResult.ExitCode != 0 {
		b.recorder.Record(ctx, principal, recorder.KindStep, "execution", map[string]any{
			"exit_code": execResult.ExitCode,
		})
		return errorResult(traceID,
			fmt.Sprintf("plugin exited with code %d", execResult.ExitCode)), nil
	}

	output := parseOutput(execResult.Raw)
	masked := maskOutput(manifest, output)

	b.recorder.Record(ctx, principal, recorder.KindToolOutput, "execution", map[string]any{
		"output": masked,
	})
	b.saveSessionContext(ctx, principal.SessionID(), req.Intent, masked)

	// 调用方拿到完整结果，脱敏副本只进审计轨迹与会话上下文。
	log.Info("调用通过全部治理关卡", "intent", req.Intent, "plugin", pluginID)
	return successResult(traceID, output, "ok"), nil
}

// handleBreach 处理安全失陷：取证记录、撤销凭证、触发告警。
func (b *Bridge) handleBreach(ctx context.Context, principal identity.AgentPrincipal, intent string, verdict guardrail.AuditResponse) *InvocationResult {
	b.recorder.Record(ctx, principal, recorder.KindForensic, "security_breach", map[string]any{
		"intent":    intent,
		"reasoning": verdict.Reasoning,
	})
	b.credentials.RevokeTrace(principal.TraceID())

	if b.alerts != nil {
		alertErr := b.alerts.Notify(ctx, alerting.Event{
			Code:       xerrors.CodeSecurityBreach,
			Message:    verdict.Reasoning,
			Severity:   xerrors.SeverityCritical,
			TraceID:    principal.TraceID(),
			AgentID:    principal.AgentID(),
			TenantID:   principal.TenantID(),
			Intent:     intent,
			OccurredAt: time.Now(),
		})
		if alertErr != nil {
			logger.WithTrace(principal.TraceID()).Error("安全失陷告警发送失败", "error", alertErr)
		}
	}

	logger.WithTrace(principal.TraceID()).Error("安全审计判定为主动攻击，调用已阻断",
		"intent", intent, "agent", principal.AgentID())
	return breachResult(principal.TraceID(), verdict.Reasoning)
}

func (b *Bridge) requiresApproval(manifest *registry.PluginManifest, intent string) bool {
	if manifest.RequiresApproval(intent) {
		return true
	}
	lowered := strings.ToLower(intent)
	for _, keyword := range b.cfg.ApprovalKeywords {
		if strings.Contains(lowered, keyword) {
			return true
		}
	}
	return false
}

func (b *Bridge) recordRejection(ctx context.Context, principal identity.AgentPrincipal, stage string, err error) {
	b.recorder.Record(ctx, principal, recorder.KindStep, stage, map[string]any{
		"rejected": true,
		"code":     string(xerrors.CodeOf(err)),
		"reason":   xerrors.MessageOf(err),
	})
}

// sessionContext 把会话上下文压成字符串供审计模型参考。
func (b *Bridge) sessionContext(ctx context.Context, sessionID string) string {
	if b.sessions == nil || sessionID == "" {
		return ""
	}
	contextData, err := b.sessions.GetContext(ctx, sessionID)
	if err != nil || len(contextData) == 0 {
		return ""
	}
	encoded, err := json.Marshal(contextData)
	if err != nil {
		return ""
	}
	return string(encoded)
}

// saveSessionContext 把脱敏后的结果写回会话，供后续调用与委派继承。
func (b *Bridge) saveSessionContext(ctx context.Context, sessionID, intent string, output map[string]any) {
	if b.sessions == nil || sessionID == "" {
		return
	}
	contextData, err := b.sessions.GetContext(ctx, sessionID)
	if err != nil {
		return
	}
	if contextData == nil {
		contextData = make(map[string]any)
	}
	contextData["last_intent"] = intent
	contextData["last_output"] = output
	if err := b.sessions.SaveContext(ctx, sessionID, contextData); err != nil {
		logger.Named("bridge").Warn("回写会话上下文失败", "session", sessionID, "error", err)
	}
}

func (b *Bridge) imageFor(manifest *registry.PluginManifest) string {
	version := manifest.Version
	if version == "" {
		version = "latest"
	}
	return b.cfg.PluginImagePrefix + manifest.ID + ":" + version
}

func (b *Bridge) artifactFor(manifest *registry.PluginManifest) string {
	if b.cfg.PluginArtifactDir == "" {
		return ""
	}
	return strings.TrimRight(b.cfg.PluginArtifactDir, "/") + "/" + manifest.ID
}

// stripReservedKeys 摘除编排元数据键，返回净化后的参数、模型思考
// 与参数携带的会话引用。保留键永远不会下发到插件。
func stripReservedKeys(arguments map[string]any) (map[string]any, string, string) {
	if arguments == nil {
		return map[string]any{}, "", ""
	}
	cleaned := make(map[string]any, len(arguments))
	var thought, sessionRef string
	for key, value := range arguments {
		switch key {
		case ReservedSessionKey:
			if s, ok := value.(string); ok {
				sessionRef = s
			}
		case ReservedThoughtKey:
			if s, ok := value.(string); ok {
				thought = s
			}
		default:
			cleaned[key] = value
		}
	}
	return cleaned, thought, sessionRef
}

// parseOutput 尽力把插件输出解析为 JSON 对象，否则包成 raw 字段。
func parseOutput(raw string) map[string]any {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return map[string]any{}
	}
	var output map[string]any
	if err := json.Unmarshal([]byte(raw), &output); err != nil {
		return map[string]any{"raw": raw}
	}
	return output
}

// maskArguments 返回涉密参数被占位符替换后的参数副本。
func maskArguments(manifest *registry.PluginManifest, arguments map[string]any) map[string]any {
	if len(arguments) == 0 || len(manifest.SecretParameters) == 0 {
		return arguments
	}
	masked := make(map[string]any, len(arguments))
	for key, value := range arguments {
		if manifest.IsSecretParameter(key) {
			masked[key] = maskPlaceholder
			continue
		}
		masked[key] = value
	}
	return masked
}

// maskOutput 将清单声明的敏感输出字段替换为占位符。
func maskOutput(manifest *registry.PluginManifest, output map[string]any) map[string]any {
	if len(output) == 0 || len(manifest.MaskedOutputs) == 0 {
		return output
	}
	masked := make(map[string]any, len(output))
	for key, value := range output {
		if manifest.IsMaskedOutput(key) {
			masked[key] = maskPlaceholder
			continue
		}
		masked[key] = value
	}
	return masked
}

func methodFromIntent(intent string) string {
	if idx := strings.LastIndex(intent, "."); idx >= 0 && idx < len(intent)-1 {
		return intent[idx+1:]
	}
	return intent
}
