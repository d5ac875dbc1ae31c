package recorder

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"

	"OpenACP/internal/identity"
)

func mustKey(t *testing.T, hexKey string) *ecdsa.PrivateKey {
	t.Helper()
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		t.Fatalf("parse key: %v", err)
	}
	return key
}

type captureSink struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (s *captureSink) Record(_ context.Context, event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, event)
	return nil
}

func (s *captureSink) Close() error { return nil }

func TestRecordBroadcastsToAllSinks(t *testing.T) {
	first := &captureSink{}
	second := &captureSink{}
	r := New(first, second)
	principal := identity.NewPrincipal("agent-1", "tenant-a")

	r.Record(context.Background(), principal, KindStep, "intent_validation", map[string]any{"intent": "doc.extract"})

	for i, sink := range []*captureSink{first, second} {
		if len(sink.events) != 1 {
			t.Fatalf("sink %d: got %d events, want 1", i, len(sink.events))
		}
		event := sink.events[0]
		if event.TraceID != principal.TraceID() || event.SessionID != principal.SessionID() {
			t.Fatalf("sink %d: 事件缺少主体身份: %+v", i, event)
		}
		if event.Kind != KindStep || event.Stage != "intent_validation" {
			t.Fatalf("sink %d: unexpected event: %+v", i, event)
		}
		if event.RecordedAt == 0 {
			t.Fatalf("sink %d: timestamp not set", i)
		}
	}
}

func TestRecordSurvivesFailingSink(t *testing.T) {
	failing := &captureSink{err: errors.New("disk full")}
	healthy := &captureSink{}
	r := New(failing, healthy)
	principal := identity.NewPrincipal("agent-1", "tenant-a")

	r.Record(context.Background(), principal, KindStep, "safety_audit", nil)

	if len(healthy.events) != 1 {
		t.Fatalf("healthy sink must still receive the event")
	}
}

func TestForensicLedgerChainsEvents(t *testing.T) {
	ledger, err := NewForensicLedger("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	genesis := ledger.Head()
	events := []Event{
		{TraceID: "t1", Kind: KindStep, Stage: "a", RecordedAt: 1},
		{TraceID: "t1", Kind: KindStep, Stage: "b", RecordedAt: 2},
	}
	for _, event := range events {
		if err := ledger.Record(context.Background(), event); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	if ledger.Head() == genesis {
		t.Fatalf("head must advance with each event")
	}
	if ledger.Length() != 2 {
		t.Fatalf("length = %d, want 2", ledger.Length())
	}

	replayed, err := ReplayChain(events)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if replayed != ledger.Head() {
		t.Fatalf("重放链头与账本不一致: %s vs %s", replayed, ledger.Head())
	}

	// 篡改任何一条事件都会改变链头。
	events[0].Stage = "tampered"
	tampered, err := ReplayChain(events)
	if err != nil {
		t.Fatalf("replay tampered: %v", err)
	}
	if tampered == ledger.Head() {
		t.Fatalf("tampered replay must diverge from the ledger head")
	}
}

func TestSealAndVerifyCheckpoint(t *testing.T) {
	// 测试专用私钥，没有任何现实价值。
	const keyHex = "b71c71a67e1177ad4e901695e1b4b9ee17ae16c6668d313eac2f96dbcda3f291"

	ledger, err := NewForensicLedger(keyHex)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_ = ledger.Record(context.Background(), Event{TraceID: "t1", Kind: KindForensic, Stage: "breach"})

	checkpoint, err := ledger.Seal()
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if checkpoint.Signature == "" || checkpoint.Length != 1 {
		t.Fatalf("unexpected checkpoint: %+v", checkpoint)
	}

	key := mustKey(t, keyHex)
	if !VerifyCheckpoint(checkpoint, &key.PublicKey) {
		t.Fatalf("合法检查点签名校验失败")
	}

	forged := checkpoint
	forged.HeadHash = "00" + checkpoint.HeadHash[2:]
	if VerifyCheckpoint(forged, &key.PublicKey) {
		t.Fatalf("forged checkpoint must not verify")
	}
}

func TestSealWithoutKeyOmitsSignature(t *testing.T) {
	ledger, err := NewForensicLedger("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	checkpoint, err := ledger.Seal()
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if checkpoint.Signature != "" {
		t.Fatalf("unsigned ledger must not emit a signature")
	}
}

func TestNewForensicLedgerRejectsBadKey(t *testing.T) {
	if _, err := NewForensicLedger("not-a-key"); err == nil {
		t.Fatalf("非法私钥未被拒绝")
	}
}
