package registry

import (
	"strings"
	"sync"

	"OpenACP/internal/perimeter"
)

// PluginManifest 描述一个插件在注册表中的完整元数据：输入 schema、
// 默认边界、涉密参数名与输出脱敏字段名。注册之后只读。
type PluginManifest struct {
	ID               string                    `json:"id" yaml:"id"`
	Name             string                    `json:"name" yaml:"name"`
	Version          string                    `json:"version" yaml:"version"`
	Intents          []string                  `json:"intents" yaml:"intents"`
	InputSchema      map[string]any            `json:"input_schema,omitempty" yaml:"inputSchema"`
	DefaultPerimeter perimeter.AgencyPerimeter `json:"default_perimeter" yaml:"defaultPerimeter"`
	SecretParameters []string                  `json:"secret_parameters,omitempty" yaml:"secretParameters"`
	MaskedOutputs    []string                  `json:"masked_outputs,omitempty" yaml:"maskedOutputs"`
	ApprovalIntents  []string                  `json:"approval_intents,omitempty" yaml:"approvalIntents"`
}

// IsSecretParameter 判断指定参数名是否承载密文。
func (m *PluginManifest) IsSecretParameter(name string) bool {
	return containsFold(m.SecretParameters, name)
}

// IsMaskedOutput 判断指定输出字段是否需要在落盘前脱敏。
func (m *PluginManifest) IsMaskedOutput(name string) bool {
	return containsFold(m.MaskedOutputs, name)
}

// RequiresApproval 判断指定意图是否被清单显式标记为需人工审批。
func (m *PluginManifest) RequiresApproval(intent string) bool {
	return containsFold(m.ApprovalIntents, intent)
}

func containsFold(set []string, name string) bool {
	for _, v := range set {
		if strings.EqualFold(v, name) {
			return true
		}
	}
	return false
}

// MetadataRegistry 是插件能力目录：插件 id 到清单的并发映射。
// 重复注册同一 id 时后写覆盖先写（last-write-wins）。
type MetadataRegistry struct {
	mu      sync.RWMutex
	plugins map[string]*PluginManifest
}

// NewMetadataRegistry 创建空的注册表。
func NewMetadataRegistry() *MetadataRegistry {
	return &MetadataRegistry{plugins: make(map[string]*PluginManifest)}
}

// Register 以插件 id 为键幂等注册清单。清单的默认边界在注册时即
// 规范化，后续读取方无需再处理缺省值。
func (r *MetadataRegistry) Register(manifest PluginManifest) {
	if strings.TrimSpace(manifest.ID) == "" {
		return
	}
	manifest.DefaultPerimeter = manifest.DefaultPerimeter.Normalized()
	r.mu.Lock()
	r.plugins[manifest.ID] = &manifest
	r.mu.Unlock()
}

// GetManifest 返回指定插件的清单。第二个返回值为 false 时表示插件
// 未经治理管线审核注册，调用方应视作 shadow-plugin 信号。
func (r *MetadataRegistry) GetManifest(pluginID string) (*PluginManifest, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	manifest, ok := r.plugins[pluginID]
	return manifest, ok
}

// IntentIndex 返回意图到插件 id 的快照映射。
// 同一意图被多个插件声明时，按插件 id 的字典序稳定取胜。
func (r *MetadataRegistry) IntentIndex() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	index := make(map[string]string)
	for id, manifest := range r.plugins {
		for _, intent := range manifest.Intents {
			intent = strings.TrimSpace(intent)
			if intent == "" {
				continue
			}
			if existing, ok := index[intent]; ok && existing <= id {
				continue
			}
			index[intent] = id
		}
	}
	return index
}

// IDs 返回当前已注册的插件 id 列表。
func (r *MetadataRegistry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.plugins))
	for id := range r.plugins {
		ids = append(ids, id)
	}
	return ids
}
