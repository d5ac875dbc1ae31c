package llm

import (
	"context"
	"fmt"
	"strings"

	xerrors "OpenACP/internal/errors"
)

// BuilderFunc 根据配置构建一个模型客户端。
type BuilderFunc func(cfg ProviderConfig) (Provider, error)

var builders = map[string]BuilderFunc{}

// RegisterBuilder 注册一个提供方构建器，供配置按名称选用。
// 各提供方包在各自的 init 中调用。
func RegisterBuilder(name string, build BuilderFunc) {
	builders[strings.ToLower(strings.TrimSpace(name))] = build
}

// NewProvider 按配置中的 provider 名称实例化模型客户端。
func NewProvider(cfg ProviderConfig) (Provider, error) {
	name := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if name == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "模型配置缺少 provider 名称")
	}
	build, ok := builders[name]
	if !ok {
		return nil, xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("未知的模型提供方: %s", name))
	}
	provider, err := build(cfg)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err,
			fmt.Sprintf("初始化模型提供方 %s 失败", name))
	}
	return provider, nil
}

// StaticProvider 返回固定文本的模型实现，用于测试与演练环境。
type StaticProvider struct {
	ProviderName string
	Output       string
	Err          error
}

// GenerateJSON 直接返回预置输出。
func (s *StaticProvider) GenerateJSON(_ context.Context, _, _ string) (string, error) {
	if s.Err != nil {
		return "", s.Err
	}
	return s.Output, nil
}

// Name 返回提供方标识。
func (s *StaticProvider) Name() string {
	if s.ProviderName == "" {
		return "static"
	}
	return s.ProviderName
}
