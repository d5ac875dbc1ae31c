package runtime

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"

	xerrors "OpenACP/internal/errors"
	"OpenACP/pkg/logger"
)

// LocalRuntime 直接以子进程方式运行插件制品，仅供开发与联调。
// 它不提供任何隔离，资源配额与网络限制都不会生效，
// 构造时会写入一条告警日志。
type LocalRuntime struct {
	workDir string
}

// NewLocalRuntime 创建本地运行时。
func NewLocalRuntime(workDir string) *LocalRuntime {
	logger.Named("runtime").Warn("使用本地运行时：无隔离、无资源配额，禁止用于生产环境")
	return &LocalRuntime{workDir: workDir}
}

// Ping 本地运行时始终可用。
func (r *LocalRuntime) Ping(_ context.Context) error { return nil }

// Execute 以子进程运行插件制品，环境变量与沙箱运行时保持一致。
func (r *LocalRuntime) Execute(ctx context.Context, req Request) (*Result, error) {
	if strings.TrimSpace(req.ArtifactPath) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "本地运行时需要插件制品路径")
	}

	env, err := buildEnv(req)
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, req.ArtifactPath)
	cmd.Dir = r.workDir
	cmd.Env = env

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	if ctx.Err() != nil {
		return nil, xerrors.Wrap(xerrors.CodeTimeout, ctx.Err(), "本地执行被取消")
	}

	var exitCode int64
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			exitCode = int64(exitErr.ExitCode())
		} else {
			return nil, xerrors.Wrap(xerrors.CodeExecutionFailed, runErr, "本地执行插件失败")
		}
	}

	raw := strings.TrimSpace(stdout.String())
	if raw == "" {
		raw = strings.TrimSpace(stderr.String())
	}
	return &Result{Raw: raw, ExitCode: exitCode}, nil
}

var _ Runtime = (*LocalRuntime)(nil)
