package identity

import "context"

// 原始设计使用 thread-local 保存当前 trace id。在 Go 中跨 goroutine
// 的调用链没有共享栈，因此改为基于 context.Context 的显式传播：
// 链上第一个建立 trace 的调用持有所有权，嵌套调用复用祖先的 trace，
// 退出时随 context 自然失效，不存在进程级可变状态。

type traceKey struct{}

// EnsureTrace 在 context 中确保存在活跃的 trace id。
// 若链上尚无 trace，则采用给定的 trace id 并返回 established=true，
// 表示本次调用是链的根；若已有祖先建立的 trace，则原样复用，
// 绝不覆盖祖先的 trace 归属。
func EnsureTrace(ctx context.Context, traceID string) (context.Context, bool) {
	if existing, ok := TraceFrom(ctx); ok && existing != "" {
		return ctx, false
	}
	return context.WithValue(ctx, traceKey{}, traceID), true
}

// TraceFrom 返回当前调用链的 trace id。
func TraceFrom(ctx context.Context) (string, bool) {
	traceID, ok := ctx.Value(traceKey{}).(string)
	return traceID, ok && traceID != ""
}
