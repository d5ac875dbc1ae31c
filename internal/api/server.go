package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"OpenACP/internal/approval"
	"OpenACP/internal/bridge"
	xerrors "OpenACP/internal/errors"
	"OpenACP/internal/fabric"
	"OpenACP/internal/identity"
	"OpenACP/internal/observability/metrics"
	"OpenACP/internal/perimeter"
	"OpenACP/internal/recorder"
	"OpenACP/internal/registry"
	"OpenACP/internal/session"
	"OpenACP/internal/storage/mysql"
	"OpenACP/pkg/logger"
)

// Server 负责暴露控制面的 REST 接口，供外部编排器驱动治理管线。
type Server struct {
	addr      string
	bridge    *bridge.Bridge
	fabric    *fabric.Fabric
	registry  *registry.MetadataRegistry
	sessions  session.Store
	approvals *approval.Registry
	flights   *mysql.FlightStore
	ledger    *recorder.ForensicLedger
}

// NewServer 构造 API 服务实例。flights 与 ledger 允许为 nil，
// 对应的端点会返回 404。
func NewServer(
	addr string,
	b *bridge.Bridge,
	f *fabric.Fabric,
	reg *registry.MetadataRegistry,
	sessions session.Store,
	approvals *approval.Registry,
	flights *mysql.FlightStore,
	ledger *recorder.ForensicLedger,
) *Server {
	return &Server{
		addr:      addr,
		bridge:    b,
		fabric:    f,
		registry:  reg,
		sessions:  sessions,
		approvals: approvals,
		flights:   flights,
		ledger:    ledger,
	}
}

// Handler 返回完整路由，便于测试直接挂到 httptest 上。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/invoke", s.handleInvoke)
	mux.HandleFunc("POST /api/v1/delegate", s.handleDelegate)
	mux.HandleFunc("POST /api/v1/sessions", s.handleCreateSession)
	mux.HandleFunc("GET /api/v1/sessions/{id}", s.handleGetSession)
	mux.HandleFunc("DELETE /api/v1/sessions/{id}", s.handleCloseSession)
	mux.HandleFunc("GET /api/v1/manifests", s.handleManifests)
	mux.HandleFunc("POST /api/v1/manifests", s.handleRegisterManifest)
	mux.HandleFunc("GET /api/v1/approvals", s.handleListApprovals)
	mux.HandleFunc("POST /api/v1/approvals/{trace}", s.handleResolveApproval)
	mux.HandleFunc("GET /api/v1/flight/{trace}", s.handleFlight)
	mux.HandleFunc("POST /api/v1/checkpoint", s.handleCheckpoint)
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	return withMetrics(mux)
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// invokeRequest 是一次调用请求的外部表示。SessionID 与 TraceID 同时
// 给出时沿用既有身份，否则铸造全新主体并自动建会话。
type invokeRequest struct {
	AgentID   string                     `json:"agent_id"`
	TenantID  string                     `json:"tenant_id"`
	SessionID string                     `json:"session_id"`
	TraceID   string                     `json:"trace_id"`
	Intent    string                     `json:"intent"`
	Method    string                     `json:"method"`
	Arguments map[string]any             `json:"arguments"`
	Perimeter *perimeter.AgencyPerimeter `json:"perimeter"`
}

func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	var req invokeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "请求体解析失败")
		return
	}
	if req.AgentID == "" || req.Intent == "" {
		writeError(w, http.StatusBadRequest, "agent_id 与 intent 不能为空")
		return
	}

	principal, err := s.resolvePrincipal(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusInternalServerError, xerrors.MessageOf(err))
		return
	}

	result, err := s.bridge.Invoke(r.Context(), bridge.InvocationRequest{
		Principal: principal,
		Intent:    req.Intent,
		Method:    req.Method,
		Arguments: req.Arguments,
		Perimeter: req.Perimeter,
	})
	if err != nil {
		// 影子插件是管线唯一的硬错误，对外表现为 403。
		writeError(w, http.StatusForbidden, xerrors.MessageOf(err))
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type delegateRequest struct {
	AgentID   string                    `json:"agent_id"`
	TenantID  string                    `json:"tenant_id"`
	SessionID string                    `json:"session_id"`
	TraceID   string                    `json:"trace_id"`
	Intent    string                    `json:"intent"`
	Method    string                    `json:"method"`
	Arguments map[string]any            `json:"arguments"`
	Perimeter perimeter.AgencyPerimeter `json:"perimeter"`
}

func (s *Server) handleDelegate(w http.ResponseWriter, r *http.Request) {
	var req delegateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "请求体解析失败")
		return
	}
	if req.AgentID == "" || req.Intent == "" {
		writeError(w, http.StatusBadRequest, "agent_id 与 intent 不能为空")
		return
	}

	parent, err := s.resolvePrincipal(r.Context(), invokeRequest{
		AgentID:   req.AgentID,
		TenantID:  req.TenantID,
		SessionID: req.SessionID,
		TraceID:   req.TraceID,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, xerrors.MessageOf(err))
		return
	}

	result, err := s.fabric.Delegate(r.Context(), fabric.DelegationRequest{
		Parent:    parent,
		Perimeter: req.Perimeter,
		Intent:    req.Intent,
		Method:    req.Method,
		Arguments: req.Arguments,
	})
	if err != nil {
		status := http.StatusInternalServerError
		if xerrors.CodeOf(err) == xerrors.CodeDelegationNotPermitted {
			status = http.StatusForbidden
		}
		writeError(w, status, xerrors.MessageOf(err))
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type createSessionRequest struct {
	AgentID  string         `json:"agent_id"`
	TenantID string         `json:"tenant_id"`
	Context  map[string]any `json:"context"`
}

type sessionView struct {
	SessionID string         `json:"session_id"`
	AgentID   string         `json:"agent_id"`
	TenantID  string         `json:"tenant_id"`
	TraceID   string         `json:"trace_id,omitempty"`
	Context   map[string]any `json:"context,omitempty"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "请求体解析失败")
		return
	}
	if req.AgentID == "" {
		writeError(w, http.StatusBadRequest, "agent_id 不能为空")
		return
	}

	principal := identity.NewPrincipal(req.AgentID, req.TenantID)
	if err := s.sessions.Create(r.Context(), &session.Session{
		ID:       principal.SessionID(),
		AgentID:  principal.AgentID(),
		TenantID: principal.TenantID(),
		Context:  req.Context,
	}); err != nil {
		writeError(w, http.StatusInternalServerError, xerrors.MessageOf(err))
		return
	}

	writeJSON(w, http.StatusCreated, sessionView{
		SessionID: principal.SessionID(),
		AgentID:   principal.AgentID(),
		TenantID:  principal.TenantID(),
		TraceID:   principal.TraceID(),
		Context:   req.Context,
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	record, err := s.sessions.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			writeError(w, http.StatusNotFound, "会话不存在或已过期")
			return
		}
		writeError(w, http.StatusInternalServerError, xerrors.MessageOf(err))
		return
	}
	writeJSON(w, http.StatusOK, sessionView{
		SessionID: record.ID,
		AgentID:   record.AgentID,
		TenantID:  record.TenantID,
		Context:   record.Context,
	})
}

func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Close(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, http.StatusInternalServerError, xerrors.MessageOf(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "closed"})
}

// handleRegisterManifest 允许运维在运行期注册或覆盖插件清单。
// 注册是调用的前置条件：不在目录里的插件一律按影子插件拒绝。
func (s *Server) handleRegisterManifest(w http.ResponseWriter, r *http.Request) {
	var manifest registry.PluginManifest
	if err := json.NewDecoder(r.Body).Decode(&manifest); err != nil {
		writeError(w, http.StatusBadRequest, "请求体解析失败")
		return
	}
	if manifest.ID == "" || len(manifest.Intents) == 0 {
		writeError(w, http.StatusBadRequest, "插件清单必须包含 id 与至少一个意图")
		return
	}
	s.registry.Register(manifest)
	logger.Named("api").Info("插件清单已注册", "plugin", manifest.ID, "version", manifest.Version)
	writeJSON(w, http.StatusCreated, map[string]string{"id": manifest.ID})
}

func (s *Server) handleManifests(w http.ResponseWriter, r *http.Request) {
	ids := s.registry.IDs()
	manifests := make([]*registry.PluginManifest, 0, len(ids))
	for _, id := range ids {
		if manifest, ok := s.registry.GetManifest(id); ok {
			manifests = append(manifests, manifest)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"plugins": manifests})
}

func (s *Server) handleListApprovals(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"pending": s.approvals.List()})
}

type resolveApprovalRequest struct {
	Decision string `json:"decision"`
	Approver string `json:"approver"`
}

// handleResolveApproval 处理审批回调。批准时恢复执行并返回最终结果，
// 拒绝时丢弃挂起项。两种路径都会把挂起项一次性移出审批队列。
func (s *Server) handleResolveApproval(w http.ResponseWriter, r *http.Request) {
	traceID := r.PathValue("trace")

	var req resolveApprovalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "请求体解析失败")
		return
	}
	decision := strings.ToLower(strings.TrimSpace(req.Decision))
	if decision != "approve" && decision != "deny" {
		writeError(w, http.StatusBadRequest, "decision 必须为 approve 或 deny")
		return
	}

	pending, err := s.approvals.Resolve(traceID)
	if err != nil {
		writeError(w, http.StatusNotFound, xerrors.MessageOf(err))
		return
	}

	log := logger.WithTrace(traceID)
	if decision == "deny" {
		log.Info("人工审批拒绝", "intent", pending.Intent, "approver", req.Approver)
		writeJSON(w, http.StatusOK, map[string]any{
			"status":   "DENIED",
			"trace_id": traceID,
		})
		return
	}

	log.Info("人工审批通过，恢复执行", "intent", pending.Intent, "approver", req.Approver)
	result, err := s.bridge.Resume(r.Context(), pending)
	if err != nil {
		writeError(w, http.StatusForbidden, xerrors.MessageOf(err))
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleFlight(w http.ResponseWriter, r *http.Request) {
	if s.flights == nil {
		writeError(w, http.StatusNotFound, "飞行记录落库未启用")
		return
	}
	records, err := s.flights.ListByTrace(r.Context(), r.PathValue("trace"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, xerrors.MessageOf(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": records})
}

func (s *Server) handleCheckpoint(w http.ResponseWriter, _ *http.Request) {
	if s.ledger == nil {
		writeError(w, http.StatusNotFound, "取证账本未启用")
		return
	}
	checkpoint, err := s.ledger.Seal()
	if err != nil {
		writeError(w, http.StatusInternalServerError, xerrors.MessageOf(err))
		return
	}
	writeJSON(w, http.StatusOK, checkpoint)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// resolvePrincipal 还原或铸造调用主体。给出 session_id 与 trace_id 时
// 沿用既有审计链，否则创建新身份并落一个空会话。
func (s *Server) resolvePrincipal(ctx context.Context, req invokeRequest) (identity.AgentPrincipal, error) {
	if req.SessionID != "" && req.TraceID != "" {
		return identity.RestorePrincipal(req.SessionID, req.AgentID, req.TenantID, req.TraceID), nil
	}
	principal := identity.NewPrincipal(req.AgentID, req.TenantID)
	err := s.sessions.Create(ctx, &session.Session{
		ID:       principal.SessionID(),
		AgentID:  principal.AgentID(),
		TenantID: principal.TenantID(),
	})
	if err != nil {
		return identity.AgentPrincipal{}, err
	}
	return principal, nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// statusRecorder 捕获响应状态码供指标上报。
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// withMetrics 为每个请求上报路径、方法与状态码。
func withMetrics(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		handler.ServeHTTP(rec, r)
		metrics.ObserveHTTPRequest(r.URL.Path, r.Method, rec.status, time.Since(started))
	})
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
