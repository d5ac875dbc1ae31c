package schema

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	xerrors "OpenACP/internal/errors"
	"OpenACP/internal/registry"
)

// Enforcer 在参数进入下游管线前强制执行插件声明的输入 schema。
// 通过校验之后，下游阶段即可假定参数形状完整且类型正确。
type Enforcer interface {
	Enforce(pluginID string, rawArguments map[string]any) (map[string]any, error)
}

// JSONSchemaEnforcer 基于 JSON Schema 草案校验模型生成的参数，
// 编译结果按插件 id 与版本缓存。
type JSONSchemaEnforcer struct {
	registry *registry.MetadataRegistry

	mu    sync.Mutex
	cache map[string]*jsonschema.Schema
}

// NewJSONSchemaEnforcer 创建基于注册表的 schema 校验器。
func NewJSONSchemaEnforcer(reg *registry.MetadataRegistry) *JSONSchemaEnforcer {
	return &JSONSchemaEnforcer{
		registry: reg,
		cache:    make(map[string]*jsonschema.Schema),
	}
}

// Enforce 校验原始参数。失败时返回 SCHEMA_VIOLATION，
// 携带拼接后的逐字段违规信息；成功时原样返回参数内容。
func (e *JSONSchemaEnforcer) Enforce(pluginID string, rawArguments map[string]any) (map[string]any, error) {
	manifest, ok := e.registry.GetManifest(pluginID)
	if !ok {
		return nil, xerrors.New(xerrors.CodeUnregisteredPlugin,
			fmt.Sprintf("无法执行 schema 校验：插件 %s 未注册", pluginID))
	}
	if len(manifest.InputSchema) == 0 {
		// 未声明 schema 的插件不做约束。
		return rawArguments, nil
	}

	compiled, err := e.compiled(manifest)
	if err != nil {
		return nil, err
	}

	data, err := roundTrip(rawArguments)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeSchemaViolation, err,
			fmt.Sprintf("插件 %s 的参数无法序列化", pluginID))
	}

	if err := compiled.Validate(data); err != nil {
		message := err.Error()
		if ve, ok := err.(*jsonschema.ValidationError); ok {
			message = joinViolations(ve)
		}
		return nil, xerrors.New(xerrors.CodeSchemaViolation,
			fmt.Sprintf("插件 %s 的参数未通过 schema 校验: %s", pluginID, message))
	}
	return rawArguments, nil
}

func (e *JSONSchemaEnforcer) compiled(manifest *registry.PluginManifest) (*jsonschema.Schema, error) {
	key := manifest.ID + "@" + manifest.Version
	e.mu.Lock()
	defer e.mu.Unlock()
	if schema, ok := e.cache[key]; ok {
		return schema, nil
	}

	raw, err := json.Marshal(manifest.InputSchema)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeSchemaViolation, err,
			fmt.Sprintf("插件 %s 的 schema 定义无法序列化", manifest.ID))
	}

	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("acp:///plugins/%s.schema.json", manifest.ID)
	if err := compiler.AddResource(url, strings.NewReader(string(raw))); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeSchemaViolation, err,
			fmt.Sprintf("插件 %s 的 schema 加载失败", manifest.ID))
	}
	compiled, err := compiler.Compile(url)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeSchemaViolation, err,
			fmt.Sprintf("插件 %s 的 schema 编译失败", manifest.ID))
	}
	e.cache[key] = compiled
	return compiled, nil
}

// roundTrip 将参数经 JSON 规范化，保证校验器看到的是纯 JSON 值。
func roundTrip(arguments map[string]any) (any, error) {
	raw, err := json.Marshal(arguments)
	if err != nil {
		return nil, err
	}
	var data any
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, err
	}
	return data, nil
}

// joinViolations 将叶子级校验错误拼接成一条可读信息。
func joinViolations(ve *jsonschema.ValidationError) string {
	var messages []string
	basic := ve.BasicOutput()
	for _, unit := range basic.Errors {
		if unit.Error == "" {
			continue
		}
		loc := unit.InstanceLocation
		if loc == "" {
			loc = "/"
		}
		messages = append(messages, fmt.Sprintf("%s: %s", loc, unit.Error))
	}
	if len(messages) == 0 {
		return ve.Error()
	}
	return strings.Join(messages, "; ")
}
