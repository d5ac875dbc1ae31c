package llm

import (
	"context"
	"time"
)

// Provider 定义了调用大模型的统一接口。治理管线只依赖一种能力：
// 给定系统提示词与用户提示词，返回模型生成的原始文本。
type Provider interface {
	// GenerateJSON 请求模型按系统提示词约定的 JSON 形状作答，
	// 返回未经解析的原始输出，解析与失败语义由调用方决定。
	GenerateJSON(ctx context.Context, systemPrompt, userPrompt string) (string, error)

	// Name 返回提供方标识，用于日志与飞行记录。
	Name() string
}

// ProviderConfig 描述了某一个模型提供方的接入信息。
type ProviderConfig struct {
	Provider string        `json:"provider"`
	APIKey   string        `json:"apiKey"`
	BaseURL  string        `json:"baseUrl"`
	Model    string        `json:"model"`
	Timeout  time.Duration `json:"timeout"`
}

// GovernanceConfig 是双模型治理的接入配置：worker 负责任务推理，
// guardrail 负责安全审计，二者必须是相互独立的模型实例。
type GovernanceConfig struct {
	Worker    ProviderConfig `json:"worker"`
	Guardrail ProviderConfig `json:"guardrail"`
}
