package runtime

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"strings"
	"time"

	xerrors "OpenACP/internal/errors"
	"OpenACP/pkg/logger"
)

const (
	defaultSocketPath = "/var/run/docker.sock"
	defaultAPIVersion = "v1.43"
	defaultRuntime    = "runsc"
	defaultImage      = "openacp/plugin-runtime:latest"

	// 插件在容器内的只读挂载点。
	artifactMountPoint = "/opt/plugin"
)

// DockerConfig 描述 Docker 沙箱运行时的接入参数。
type DockerConfig struct {
	SocketPath  string        `json:"socketPath"`
	APIVersion  string        `json:"apiVersion"`
	Runtime     string        `json:"runtime"`
	Image       string        `json:"image"`
	WaitTimeout time.Duration `json:"waitTimeout"`
}

// DockerRuntime 通过 Docker Engine API 在 gVisor 容器中执行插件。
// 每次执行一个一次性容器：资源配额来自边界，网络默认关闭，
// 插件制品以只读方式挂载。
type DockerRuntime struct {
	httpClient  *http.Client
	apiVersion  string
	ociRuntime  string
	image       string
	waitTimeout time.Duration
}

// NewDockerRuntime 建立与 Docker 守护进程的连接并确认可达。
// 守护进程不可达时服务拒绝启动，绝不静默降级到无沙箱执行。
func NewDockerRuntime(ctx context.Context, cfg DockerConfig) (*DockerRuntime, error) {
	socketPath := cfg.SocketPath
	if socketPath == "" {
		socketPath = defaultSocketPath
	}
	apiVersion := cfg.APIVersion
	if apiVersion == "" {
		apiVersion = defaultAPIVersion
	}
	ociRuntime := cfg.Runtime
	if ociRuntime == "" {
		ociRuntime = defaultRuntime
	}
	image := cfg.Image
	if image == "" {
		image = defaultImage
	}
	waitTimeout := cfg.WaitTimeout
	if waitTimeout <= 0 {
		waitTimeout = 5 * time.Minute
	}

	rt := &DockerRuntime{
		httpClient: &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", socketPath)
				},
			},
		},
		apiVersion:  apiVersion,
		ociRuntime:  ociRuntime,
		image:       image,
		waitTimeout: waitTimeout,
	}

	if err := rt.Ping(ctx); err != nil {
		return nil, err
	}
	return rt, nil
}

// Ping 确认 Docker 守护进程可达。
func (r *DockerRuntime) Ping(ctx context.Context) error {
	resp, err := r.do(ctx, http.MethodGet, "/_ping", nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeSandboxUnavailable, err, "Docker 守护进程不可达")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return xerrors.New(xerrors.CodeSandboxUnavailable,
			fmt.Sprintf("Docker 守护进程握手失败，状态码 %d", resp.StatusCode))
	}
	return nil
}

// Execute 在一次性容器中运行插件并回收其标准输出。
func (r *DockerRuntime) Execute(ctx context.Context, req Request) (*Result, error) {
	containerID, err := r.createContainer(ctx, req)
	if err != nil {
		return nil, err
	}
	// 无论成败都强制清理容器。
	defer r.removeContainer(containerID)

	if err := r.startContainer(ctx, containerID); err != nil {
		return nil, err
	}

	exitCode, err := r.waitContainer(ctx, containerID)
	if err != nil {
		return nil, err
	}

	raw, err := r.containerLogs(ctx, containerID)
	if err != nil {
		return nil, err
	}
	return &Result{Raw: raw, ExitCode: exitCode}, nil
}

func (r *DockerRuntime) createContainer(ctx context.Context, req Request) (string, error) {
	image := req.Image
	if image == "" {
		image = r.image
	}

	networkMode := "none"
	if req.Perimeter.NetworkAccessEnabled {
		networkMode = "bridge"
	}

	hostConfig := map[string]any{
		"Memory":         req.Perimeter.MaxMemoryBytes,
		"CpuPeriod":      req.Perimeter.CPUPeriodUs,
		"CpuQuota":       req.Perimeter.CPUQuotaUs,
		"PidsLimit":      req.Perimeter.PidsLimit,
		"NetworkMode":    networkMode,
		"ReadonlyRootfs": true,
		"Runtime":        r.ociRuntime,
	}
	if req.ArtifactPath != "" {
		hostConfig["Binds"] = []string{req.ArtifactPath + ":" + artifactMountPoint + ":ro"}
	}

	env, err := buildEnv(req)
	if err != nil {
		return "", err
	}

	body := map[string]any{
		"Image":      image,
		"Env":        env,
		"HostConfig": hostConfig,
		"Labels": map[string]string{
			"openacp.plugin":  req.PluginID,
			"openacp.trace":   req.Principal.TraceID(),
			"openacp.tenant":  req.Principal.TenantID(),
			"openacp.session": req.Principal.SessionID(),
		},
	}

	resp, err := r.do(ctx, http.MethodPost, "/containers/create", body)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeSandboxUnavailable, err, "创建沙箱容器失败")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return "", xerrors.New(xerrors.CodeSandboxUnavailable,
			fmt.Sprintf("创建沙箱容器失败: %s", readAPIError(resp)))
	}

	var created struct {
		ID string `json:"Id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return "", xerrors.Wrap(xerrors.CodeSandboxUnavailable, err, "解析容器创建响应失败")
	}
	return created.ID, nil
}

func (r *DockerRuntime) startContainer(ctx context.Context, containerID string) error {
	resp, err := r.do(ctx, http.MethodPost, "/containers/"+containerID+"/start", nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeExecutionFailed, err, "启动沙箱容器失败")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		return xerrors.New(xerrors.CodeExecutionFailed,
			fmt.Sprintf("启动沙箱容器失败: %s", readAPIError(resp)))
	}
	return nil
}

func (r *DockerRuntime) waitContainer(ctx context.Context, containerID string) (int64, error) {
	waitCtx, cancel := context.WithTimeout(ctx, r.waitTimeout)
	defer cancel()

	type waitResult struct {
		exitCode int64
		err      error
	}
	done := make(chan waitResult, 1)

	go func() {
		resp, err := r.do(waitCtx, http.MethodPost, "/containers/"+containerID+"/wait?condition=not-running", nil)
		if err != nil {
			done <- waitResult{err: err}
			return
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			done <- waitResult{err: fmt.Errorf("等待容器退出失败: %s", readAPIError(resp))}
			return
		}
		var decoded struct {
			StatusCode int64 `json:"StatusCode"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
			done <- waitResult{err: err}
			return
		}
		done <- waitResult{exitCode: decoded.StatusCode}
	}()

	select {
	case <-waitCtx.Done():
		// 超时或上游取消：强杀容器，拒绝让失控插件继续运行。
		r.removeContainer(containerID)
		if ctx.Err() != nil {
			return 0, xerrors.Wrap(xerrors.CodeExecutionFailed, ctx.Err(), "沙箱执行被取消")
		}
		return 0, xerrors.New(xerrors.CodeTimeout, "沙箱执行超时，容器已强制回收")
	case result := <-done:
		if result.err != nil {
			return 0, xerrors.Wrap(xerrors.CodeExecutionFailed, result.err, "等待沙箱容器退出失败")
		}
		return result.exitCode, nil
	}
}

func (r *DockerRuntime) containerLogs(ctx context.Context, containerID string) (string, error) {
	resp, err := r.do(ctx, http.MethodGet, "/containers/"+containerID+"/logs?stdout=1&stderr=1", nil)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeExecutionFailed, err, "读取沙箱输出失败")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", xerrors.New(xerrors.CodeExecutionFailed,
			fmt.Sprintf("读取沙箱输出失败: %s", readAPIError(resp)))
	}
	return demuxStream(resp.Body)
}

// removeContainer 强制删除容器。清理失败只记日志。
func (r *DockerRuntime) removeContainer(containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	resp, err := r.do(ctx, http.MethodDelete, "/containers/"+containerID+"?force=1", nil)
	if err != nil {
		logger.Named("runtime").Warn("清理沙箱容器失败", "container", containerID, "error", err)
		return
	}
	resp.Body.Close()
}

func (r *DockerRuntime) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("序列化 Docker 请求失败: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	endpoint := "http://docker/" + r.apiVersion + path
	httpReq, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("构建 Docker 请求失败: %w", err)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	return r.httpClient.Do(httpReq)
}

// buildEnv 装配容器环境：调用标识、方法、参数与凭证。
// 凭证只进入容器环境，任何日志与记录都不得出现。
func buildEnv(req Request) ([]string, error) {
	arguments, err := json.Marshal(req.Arguments)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "序列化插件参数失败")
	}

	env := []string{
		"PLUGIN_ID=" + req.PluginID,
		"TRACE_ID=" + req.Principal.TraceID(),
		"TENANT_ID=" + req.Principal.TenantID(),
		"METHOD_NAME=" + req.Method,
		"NETWORK_RESTRICTED=" + fmt.Sprintf("%t", !req.Perimeter.NetworkAccessEnabled),
		"ACP_ARGUMENTS=" + string(arguments),
	}

	keys := make([]string, 0, len(req.Credentials))
	for key := range req.Credentials {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		env = append(env, key+"="+req.Credentials[key])
	}
	return env, nil
}

// demuxStream 剥离 Docker 多路复用日志流的 8 字节帧头。
func demuxStream(stream io.Reader) (string, error) {
	var builder strings.Builder
	header := make([]byte, 8)
	for {
		if _, err := io.ReadFull(stream, header); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				break
			}
			return "", fmt.Errorf("读取日志帧头失败: %w", err)
		}
		size := binary.BigEndian.Uint32(header[4:8])
		if size == 0 {
			continue
		}
		frame := make([]byte, size)
		if _, err := io.ReadFull(stream, frame); err != nil {
			return "", fmt.Errorf("读取日志帧失败: %w", err)
		}
		builder.Write(frame)
	}
	return strings.TrimSpace(builder.String()), nil
}

func readAPIError(resp *http.Response) string {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	var decoded struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &decoded); err == nil && decoded.Message != "" {
		return fmt.Sprintf("状态码 %d: %s", resp.StatusCode, decoded.Message)
	}
	return fmt.Sprintf("状态码 %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
}

var _ Runtime = (*DockerRuntime)(nil)
