package acp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. It is intentionally short to avoid hanging network calls.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the OpenACP control plane REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// Perimeter mirrors the agency perimeter accepted by the control plane.
type Perimeter struct {
	AllowedScopes        []string `json:"allowed_scopes,omitempty"`
	AllowedDomains       []string `json:"allowed_domains,omitempty"`
	NetworkAccessEnabled bool     `json:"network_access_enabled,omitempty"`
	DelegationEnabled    bool     `json:"delegation_enabled,omitempty"`
	MaxMemoryBytes       int64    `json:"max_memory_bytes,omitempty"`
	MaxCPUCores          float64  `json:"max_cpu_cores,omitempty"`
	PidsLimit            int64    `json:"pids_limit,omitempty"`
}

// Invocation represents the payload required to run a governed tool call.
type Invocation struct {
	AgentID   string         `json:"agent_id"`
	TenantID  string         `json:"tenant_id,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	TraceID   string         `json:"trace_id,omitempty"`
	Intent    string         `json:"intent"`
	Method    string         `json:"method,omitempty"`
	Arguments map[string]any `json:"arguments,omitempty"`
	Perimeter *Perimeter     `json:"perimeter,omitempty"`
}

// Delegation represents a parent-initiated sub-task hand-off.
type Delegation struct {
	AgentID   string         `json:"agent_id"`
	TenantID  string         `json:"tenant_id,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	TraceID   string         `json:"trace_id,omitempty"`
	Intent    string         `json:"intent"`
	Method    string         `json:"method,omitempty"`
	Arguments map[string]any `json:"arguments,omitempty"`
	Perimeter Perimeter      `json:"perimeter"`
}

// InvocationResult is the structured outcome of a governed call. Status is one
// of SUCCESS, ERROR, PENDING_APPROVAL or SECURITY_BREACH.
type InvocationResult struct {
	Status      string         `json:"status"`
	Message     string         `json:"message,omitempty"`
	Output      map[string]any `json:"output,omitempty"`
	TraceID     string         `json:"traceId"`
	CallbackURL string         `json:"callbackUrl,omitempty"`
}

// IsPending reports whether the call is paused at the human approval gate.
func (r *InvocationResult) IsPending() bool { return r.Status == "PENDING_APPROVAL" }

// DelegationResult pairs the derived child identity with its call outcome.
type DelegationResult struct {
	ChildAgentID   string            `json:"childAgentId"`
	ChildSessionID string            `json:"childSessionId"`
	Result         *InvocationResult `json:"result"`
}

// Session is the external view of a stored agent session.
type Session struct {
	SessionID string         `json:"session_id"`
	AgentID   string         `json:"agent_id"`
	TenantID  string         `json:"tenant_id"`
	TraceID   string         `json:"trace_id,omitempty"`
	Context   map[string]any `json:"context,omitempty"`
}

// PendingApproval describes a call paused at the approval gate.
type PendingApproval struct {
	TraceID   string         `json:"traceId"`
	SessionID string         `json:"sessionId"`
	AgentID   string         `json:"agentId"`
	TenantID  string         `json:"tenantId"`
	Intent    string         `json:"intent"`
	PluginID  string         `json:"pluginId"`
	Method    string         `json:"method"`
	Arguments map[string]any `json:"arguments,omitempty"`
	Reason    string         `json:"reason"`
	CreatedAt int64          `json:"createdAt"`
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Message    string `json:"error"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("acp api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the OpenACP API. When httpClient is nil,
// a default client with a sensible timeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// Invoke submits a tool call to the governance pipeline. A non-nil result with
// a non-SUCCESS status is not an error at the transport level; inspect Status.
func (c *Client) Invoke(ctx context.Context, inv Invocation) (*InvocationResult, error) {
	var result InvocationResult
	if err := c.post(ctx, "/api/v1/invoke", inv, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Delegate hands a sub-task to a freshly derived worker agent.
func (c *Client) Delegate(ctx context.Context, d Delegation) (*DelegationResult, error) {
	var result DelegationResult
	if err := c.post(ctx, "/api/v1/delegate", d, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// CreateSession mints a new agent session with an optional initial context.
func (c *Client) CreateSession(ctx context.Context, agentID, tenantID string, initial map[string]any) (*Session, error) {
	payload := map[string]any{
		"agent_id":  agentID,
		"tenant_id": tenantID,
		"context":   initial,
	}
	var s Session
	if err := c.post(ctx, "/api/v1/sessions", payload, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// GetSession fetches a session by identifier.
func (c *Client) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	var s Session
	if err := c.get(ctx, "/api/v1/sessions/"+url.PathEscape(sessionID), &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// ListApprovals returns all calls currently paused at the approval gate.
func (c *Client) ListApprovals(ctx context.Context) ([]PendingApproval, error) {
	var out struct {
		Pending []PendingApproval `json:"pending"`
	}
	if err := c.get(ctx, "/api/v1/approvals", &out); err != nil {
		return nil, err
	}
	return out.Pending, nil
}

// Approve resumes a paused call. The returned result reflects the full
// re-governed execution.
func (c *Client) Approve(ctx context.Context, traceID, approver string) (*InvocationResult, error) {
	payload := map[string]string{"decision": "approve", "approver": approver}
	var result InvocationResult
	if err := c.post(ctx, "/api/v1/approvals/"+url.PathEscape(traceID), payload, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Deny discards a paused call without executing it.
func (c *Client) Deny(ctx context.Context, traceID, approver string) error {
	payload := map[string]string{"decision": "deny", "approver": approver}
	return c.post(ctx, "/api/v1/approvals/"+url.PathEscape(traceID), payload, nil)
}

func (c *Client) post(ctx context.Context, endpoint string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		data, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return fmt.Errorf("read error response: %w", readErr)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, apiErr)
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
