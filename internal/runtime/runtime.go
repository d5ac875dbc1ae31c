package runtime

import (
	"context"

	"OpenACP/internal/identity"
	"OpenACP/internal/perimeter"
)

// Request 描述一次沙箱内的插件执行。Credentials 只在这里短暂存在，
// 注入容器环境后立即随请求对象消亡。
type Request struct {
	Principal    identity.AgentPrincipal
	Perimeter    perimeter.AgencyPerimeter
	PluginID     string
	Image        string
	Method       string
	Arguments    map[string]any
	Credentials  map[string]string
	ArtifactPath string
}

// Result 是沙箱执行的原始产物。Raw 为插件写到标准输出的内容，
// 上层负责解析与脱敏。
type Result struct {
	Raw      string
	ExitCode int64
}

// Runtime 定义受控执行环境。实现必须把边界中的资源配额
// 原样落实到承载进程上。
type Runtime interface {
	Execute(ctx context.Context, req Request) (*Result, error)
	Ping(ctx context.Context) error
}
