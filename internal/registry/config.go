package registry

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// CatalogConfig 是通过配置文件带外注册插件清单的载体。
type CatalogConfig struct {
	Plugins []PluginManifest `yaml:"plugins"`
}

// LoadCatalog 解析 YAML 清单文件。
func LoadCatalog(path string) (CatalogConfig, error) {
	var cfg CatalogConfig
	if path == "" {
		return cfg, errors.New("清单文件路径为空")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("读取插件清单失败: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("解析插件清单失败: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate 确保清单内部一致。
func (c CatalogConfig) Validate() error {
	seen := make(map[string]struct{}, len(c.Plugins))
	for i, manifest := range c.Plugins {
		if manifest.ID == "" {
			return fmt.Errorf("第 %d 个插件缺少 id", i+1)
		}
		if _, ok := seen[manifest.ID]; ok {
			return fmt.Errorf("插件 id 重复: %s", manifest.ID)
		}
		seen[manifest.ID] = struct{}{}
		if len(manifest.Intents) == 0 {
			return fmt.Errorf("插件 %s 未声明任何意图", manifest.ID)
		}
	}
	return nil
}

// Apply 将清单文件中的全部插件注册进注册表。
func (c CatalogConfig) Apply(r *MetadataRegistry) {
	for _, manifest := range c.Plugins {
		r.Register(manifest)
	}
}
