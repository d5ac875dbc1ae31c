package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// EnvConfigPath 指定配置文件路径的环境变量名。
const EnvConfigPath = "OPENACP_CONFIG"

// Config 描述了控制面在启动阶段需要加载的全部配置。
type Config struct {
	Server     ServerConfig     `json:"server"`
	Log        LogConfig        `json:"log"`
	Governance GovernanceConfig `json:"governance"`
	Storage    StorageConfig    `json:"storage"`
	Recorder   RecorderConfig   `json:"recorder"`
	Sandbox    SandboxConfig    `json:"sandbox"`
	Bridge     BridgeConfig     `json:"bridge"`
	Catalog    string           `json:"catalog"`
	Metrics    MetricsConfig    `json:"metrics"`
	Alerting   AlertingConfig   `json:"alerting"`
}

// AlertingConfig 配置安全告警的投递渠道，留空则不启用对应渠道。
type AlertingConfig struct {
	DingTalkWebhook string `json:"dingtalk_webhook"`
	SlackWebhook    string `json:"slack_webhook"`
	SlackChannel    string `json:"slack_channel"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address string `json:"address"`
}

// LogConfig 控制结构化日志与飞行日志输出。
type LogConfig struct {
	Level       string          `json:"level"`
	Format      string          `json:"format"`
	OutputPaths []string        `json:"output_paths"`
	Flight      FlightLogConfig `json:"flight"`
}

// FlightLogConfig 控制只追加的飞行日志文件。
type FlightLogConfig struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
}

// GovernanceConfig 配置双模型治理：worker 推理，guardrail 审计。
type GovernanceConfig struct {
	Worker    ModelConfig `json:"worker"`
	Guardrail ModelConfig `json:"guardrail"`
}

// ModelConfig 描述一个模型提供方的接入信息。
type ModelConfig struct {
	Provider       string `json:"provider"`
	APIKey         string `json:"api_key"`
	BaseURL        string `json:"base_url"`
	Model          string `json:"model"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// StorageConfig 统一描述 MySQL、Redis 等后端的连接信息。
type StorageConfig struct {
	Sessions SessionStoreConfig `json:"sessions"`
	MySQL    MySQLConfig        `json:"mysql"`
}

// SessionStoreConfig 选择会话存储驱动。
type SessionStoreConfig struct {
	Driver     string `json:"driver"`
	Addr       string `json:"addr"`
	Password   string `json:"password"`
	DB         int    `json:"db"`
	TTLMinutes int    `json:"ttl_minutes"`
}

// MySQLConfig 描述密钥仓库与飞行记录落库的连接。
type MySQLConfig struct {
	Enabled      bool   `json:"enabled"`
	DSN          string `json:"dsn"`
	MaxOpenConns int    `json:"max_open_conns"`
	MaxIdleConns int    `json:"max_idle_conns"`
}

// RecorderConfig 配置飞行记录落点与取证账本。
type RecorderConfig struct {
	AMQP     AMQPConfig     `json:"amqp"`
	Forensic ForensicConfig `json:"forensic"`
}

// AMQPConfig 配置飞行记录的消息投递。
type AMQPConfig struct {
	Enabled    bool   `json:"enabled"`
	URL        string `json:"url"`
	Queue      string `json:"queue"`
	BufferSize int    `json:"buffer_size"`
	Durable    bool   `json:"durable"`
}

// ForensicConfig 配置取证账本签名。
type ForensicConfig struct {
	SigningKeyHex string `json:"signing_key_hex"`
}

// SandboxConfig 选择受控执行环境。
type SandboxConfig struct {
	Driver             string `json:"driver"`
	SocketPath         string `json:"socket_path"`
	APIVersion         string `json:"api_version"`
	Runtime            string `json:"runtime"`
	Image              string `json:"image"`
	WaitTimeoutSeconds int    `json:"wait_timeout_seconds"`
	LocalWorkDir       string `json:"local_work_dir"`
}

// BridgeConfig 配置治理管线行为。
type BridgeConfig struct {
	CallbackBase       string   `json:"callback_base"`
	ExecTimeoutSeconds int      `json:"exec_timeout_seconds"`
	PluginImagePrefix  string   `json:"plugin_image_prefix"`
	PluginArtifactDir  string   `json:"plugin_artifact_dir"`
	ApprovalKeywords   []string `json:"approval_keywords"`
}

// MetricsConfig 控制独立的指标端口。
type MetricsConfig struct {
	Address string `json:"address"`
}

// Load 负责解析指定路径的 JSON 配置文件。
// path 为空时回落到 OPENACP_CONFIG 环境变量。
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))

	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Log.Flight.Enabled && c.Log.Flight.Path == "" {
		c.Log.Flight.Path = filepath.Join(baseDir, "flight", "flight.log")
	}

	if c.Storage.Sessions.Driver == "" {
		c.Storage.Sessions.Driver = "memory"
	}
	if c.Storage.Sessions.TTLMinutes <= 0 {
		c.Storage.Sessions.TTLMinutes = 30
	}

	if c.Sandbox.Driver == "" {
		c.Sandbox.Driver = "docker"
	}

	if c.Bridge.CallbackBase == "" {
		c.Bridge.CallbackBase = "http://localhost:8080"
	}
	if c.Bridge.ExecTimeoutSeconds <= 0 {
		c.Bridge.ExecTimeoutSeconds = 120
	}

	if c.Catalog == "" {
		c.Catalog = filepath.Join(baseDir, "manifests.yaml")
	} else if !filepath.IsAbs(c.Catalog) {
		c.Catalog = filepath.Join(baseDir, c.Catalog)
	}
}
