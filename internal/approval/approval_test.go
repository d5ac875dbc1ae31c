package approval

import (
	"testing"

	xerrors "OpenACP/internal/errors"
)

func TestSubmitAndResolve(t *testing.T) {
	r := NewRegistry()

	err := r.Submit(PendingApproval{
		TraceID:   "trace-1",
		SessionID: "session-1",
		AgentID:   "agent-1",
		TenantID:  "tenant-a",
		Intent:    "payments.transfer",
		PluginID:  "payments",
		Method:    "transfer",
		Arguments: map[string]any{"amount": 100},
		Reason:    "intent requires human approval",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	pending, ok := r.Get("trace-1")
	if !ok || pending.Intent != "payments.transfer" {
		t.Fatalf("pending record missing: %+v", pending)
	}
	if pending.CreatedAt == 0 {
		t.Fatalf("timestamp not set")
	}

	resolved, err := r.Resolve("trace-1")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	principal := resolved.Principal()
	if principal.TraceID() != "trace-1" || principal.TenantID() != "tenant-a" {
		t.Fatalf("主体重建失败: %+v", principal)
	}

	_, err = r.Resolve("trace-1")
	if err == nil {
		t.Fatalf("审批必须是一次性的")
	}
	if xerrors.CodeOf(err) != xerrors.CodeNotFound {
		t.Fatalf("code = %v, want NOT_FOUND", xerrors.CodeOf(err))
	}
}

func TestSubmitRejectsDuplicateTrace(t *testing.T) {
	r := NewRegistry()
	_ = r.Submit(PendingApproval{TraceID: "trace-1"})
	if err := r.Submit(PendingApproval{TraceID: "trace-1"}); err == nil {
		t.Fatalf("duplicate trace must be rejected")
	}
}

func TestSubmitRejectsEmptyTrace(t *testing.T) {
	r := NewRegistry()
	if err := r.Submit(PendingApproval{}); err == nil {
		t.Fatalf("empty trace must be rejected")
	}
}

func TestListOrdersByCreation(t *testing.T) {
	r := NewRegistry()
	_ = r.Submit(PendingApproval{TraceID: "b"})
	_ = r.Submit(PendingApproval{TraceID: "a"})

	items := r.List()
	if len(items) != 2 {
		t.Fatalf("len = %d, want 2", len(items))
	}
	// 同一秒内按 traceID 字典序。
	if items[0].TraceID != "a" || items[1].TraceID != "b" {
		t.Fatalf("unexpected order: %v", items)
	}
}
