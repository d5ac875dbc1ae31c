package recorder

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	xerrors "OpenACP/internal/errors"
)

// Checkpoint 是账本某一时刻的签名快照。持有快照与事件流的任何一方
// 都可以独立验证期间的记录未被篡改或删除。
type Checkpoint struct {
	HeadHash  string `json:"headHash"`
	Length    uint64 `json:"length"`
	Signature string `json:"signature,omitempty"`
	SealedAt  int64  `json:"sealedAt"`
}

// ForensicLedger 把每条事件哈希进一条 Keccak-256 链。链头随事件
// 前移，Seal 用 secp256k1 私钥对链头签名产出检查点。
// 账本只维护链头，不留存事件本体，事件本体由其余落点负责。
type ForensicLedger struct {
	signingKey *ecdsa.PrivateKey

	mu     sync.Mutex
	head   [32]byte
	length uint64
}

// NewForensicLedger 创建账本。signingKeyHex 为空时账本只做哈希链，
// 检查点不含签名。
func NewForensicLedger(signingKeyHex string) (*ForensicLedger, error) {
	ledger := &ForensicLedger{}
	if signingKeyHex != "" {
		key, err := crypto.HexToECDSA(signingKeyHex)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "解析取证签名私钥失败")
		}
		ledger.signingKey = key
	}
	return ledger, nil
}

// Record 把事件并入哈希链。
func (l *ForensicLedger) Record(_ context.Context, event Event) error {
	payload, err := event.payload()
	if err != nil {
		return err
	}
	l.mu.Lock()
	copy(l.head[:], crypto.Keccak256(l.head[:], payload))
	l.length++
	l.mu.Unlock()
	return nil
}

// Close 无资源可释放。
func (l *ForensicLedger) Close() error { return nil }

// Head 返回当前链头的十六进制编码。
func (l *ForensicLedger) Head() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return hex.EncodeToString(l.head[:])
}

// Length 返回链上已并入的事件数。
func (l *ForensicLedger) Length() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.length
}

// Seal 对当前链头签名并产出检查点。
func (l *ForensicLedger) Seal() (Checkpoint, error) {
	l.mu.Lock()
	head := l.head
	length := l.length
	l.mu.Unlock()

	checkpoint := Checkpoint{
		HeadHash: hex.EncodeToString(head[:]),
		Length:   length,
		SealedAt: time.Now().Unix(),
	}
	if l.signingKey == nil {
		return checkpoint, nil
	}

	signature, err := crypto.Sign(head[:], l.signingKey)
	if err != nil {
		return Checkpoint{}, fmt.Errorf("签署取证检查点失败: %w", err)
	}
	checkpoint.Signature = hex.EncodeToString(signature)
	return checkpoint, nil
}

// VerifyCheckpoint 校验检查点签名是否出自指定公钥。
func VerifyCheckpoint(checkpoint Checkpoint, publicKey *ecdsa.PublicKey) bool {
	head, err := hex.DecodeString(checkpoint.HeadHash)
	if err != nil || len(head) != 32 {
		return false
	}
	signature, err := hex.DecodeString(checkpoint.Signature)
	if err != nil || len(signature) != 65 {
		return false
	}
	// VerifySignature 不吃恢复位。
	return crypto.VerifySignature(crypto.FromECDSAPub(publicKey), head, signature[:64])
}

// ReplayChain 用给定的事件序列重算哈希链，返回链头。
// 取证方用它比对检查点中的 HeadHash。
func ReplayChain(events []Event) (string, error) {
	var head [32]byte
	for _, event := range events {
		payload, err := event.payload()
		if err != nil {
			return "", err
		}
		copy(head[:], crypto.Keccak256(head[:], payload))
	}
	return hex.EncodeToString(head[:]), nil
}
