package perimeter

import (
	"fmt"
	"sort"

	xerrors "OpenACP/internal/errors"
)

// DefaultCPUPeriodUs 是系统默认的 CPU 调度计费周期（微秒）。
// 交集运算始终从左操作数继承周期：真正起限制作用的是配额而非周期，
// 而左操作数按约定来自系统侧的默认边界。
const DefaultCPUPeriodUs int64 = 100_000

// AgencyPerimeter 描述一次执行被授权的最大边界：能力作用域、
// 可访问的网络域名、网络开关、委派开关以及资源配额。
//
// 值本身约定为不可变：所有运算（Intersect、Normalized）都返回新值，
// 绝不原地修改。
type AgencyPerimeter struct {
	AllowedScopes        []string `json:"allowed_scopes" yaml:"allowedScopes"`
	AllowedDomains       []string `json:"allowed_domains" yaml:"allowedDomains"`
	NetworkAccessEnabled bool     `json:"network_access_enabled" yaml:"networkAccessEnabled"`
	DelegationEnabled    bool     `json:"delegation_enabled" yaml:"delegationEnabled"`
	MaxMemoryBytes       int64    `json:"max_memory_bytes" yaml:"maxMemoryBytes"`
	MaxCPUCores          float64  `json:"max_cpu_cores" yaml:"maxCpuCores"`
	PidsLimit            int64    `json:"pids_limit" yaml:"pidsLimit"`
	CPUPeriodUs          int64    `json:"cpu_period_us" yaml:"cpuPeriodUs"`
	CPUQuotaUs           int64    `json:"cpu_quota_us" yaml:"cpuQuotaUs"`
}

// Default 返回系统级默认边界：无网络、无委派、保守的资源配额。
func Default() AgencyPerimeter {
	return AgencyPerimeter{
		MaxMemoryBytes: 256 * 1024 * 1024,
		MaxCPUCores:    1,
		PidsLimit:      64,
		CPUPeriodUs:    DefaultCPUPeriodUs,
		CPUQuotaUs:     DefaultCPUPeriodUs,
	}
}

// Normalized 返回排序去重、并补齐 CPU 周期/配额缺省值的副本。
func (p AgencyPerimeter) Normalized() AgencyPerimeter {
	out := p.clone()
	out.AllowedScopes = normalizeSet(out.AllowedScopes)
	out.AllowedDomains = normalizeSet(out.AllowedDomains)
	if out.CPUPeriodUs <= 0 {
		out.CPUPeriodUs = DefaultCPUPeriodUs
	}
	if out.CPUQuotaUs <= 0 && out.MaxCPUCores > 0 {
		out.CPUQuotaUs = int64(float64(out.CPUPeriodUs) * out.MaxCPUCores)
	}
	return out
}

// Intersect 计算两个边界的逐元素交集。other 为 nil 时表示未追加任何
// 限制，直接返回接收者的副本。交集结果在任何维度上都不会比任一输入
// 更宽松：作用域与域名取集合交集，布尔开关取与，数值配额取最小值，
// CPU 周期从左操作数继承。
func (p AgencyPerimeter) Intersect(other *AgencyPerimeter) AgencyPerimeter {
	left := p.Normalized()
	if other == nil {
		return left
	}
	right := other.Normalized()

	return AgencyPerimeter{
		AllowedScopes:        intersectSets(left.AllowedScopes, right.AllowedScopes),
		AllowedDomains:       intersectSets(left.AllowedDomains, right.AllowedDomains),
		NetworkAccessEnabled: left.NetworkAccessEnabled && right.NetworkAccessEnabled,
		DelegationEnabled:    left.DelegationEnabled && right.DelegationEnabled,
		MaxMemoryBytes:       minInt64(left.MaxMemoryBytes, right.MaxMemoryBytes),
		MaxCPUCores:          minFloat64(left.MaxCPUCores, right.MaxCPUCores),
		PidsLimit:            minInt64(left.PidsLimit, right.PidsLimit),
		CPUPeriodUs:          left.CPUPeriodUs,
		CPUQuotaUs:           minInt64(left.CPUQuotaUs, right.CPUQuotaUs),
	}
}

// IsScopeAllowed 判断指定作用域是否在边界内。
func (p AgencyPerimeter) IsScopeAllowed(scope string) bool {
	for _, s := range p.AllowedScopes {
		if s == scope {
			return true
		}
	}
	return false
}

// IsDomainAllowed 判断指定域名是否在边界内。
func (p AgencyPerimeter) IsDomainAllowed(domain string) bool {
	for _, d := range p.AllowedDomains {
		if d == domain {
			return true
		}
	}
	return false
}

// FirstScope 返回排序后集合中的第一个作用域，用于 JIT 凭证的确定性绑定。
func (p AgencyPerimeter) FirstScope() (string, bool) {
	scopes := normalizeSet(p.AllowedScopes)
	if len(scopes) == 0 {
		return "", false
	}
	return scopes[0], true
}

// Validate 校验资源配额均为正值。非正的内存上限属于配置错误，
// 必须在创建任何隔离原语之前失败，绝不允许静默退化为"无限制"。
func (p AgencyPerimeter) Validate() error {
	if p.MaxMemoryBytes <= 0 {
		return xerrors.New(xerrors.CodeInvalidPerimeter,
			fmt.Sprintf("内存上限必须为正值，当前为 %d", p.MaxMemoryBytes))
	}
	if p.MaxCPUCores <= 0 {
		return xerrors.New(xerrors.CodeInvalidPerimeter,
			fmt.Sprintf("CPU 核数上限必须为正值，当前为 %g", p.MaxCPUCores))
	}
	if p.PidsLimit <= 0 {
		return xerrors.New(xerrors.CodeInvalidPerimeter,
			fmt.Sprintf("进程数上限必须为正值，当前为 %d", p.PidsLimit))
	}
	return nil
}

func (p AgencyPerimeter) clone() AgencyPerimeter {
	out := p
	out.AllowedScopes = append([]string(nil), p.AllowedScopes...)
	out.AllowedDomains = append([]string(nil), p.AllowedDomains...)
	return out
}

func normalizeSet(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

func intersectSets(a, b []string) []string {
	if len(a) == 0 || len(b) == 0 {
		return nil
	}
	members := make(map[string]struct{}, len(b))
	for _, v := range b {
		members[v] = struct{}{}
	}
	var out []string
	for _, v := range a {
		if _, ok := members[v]; ok {
			out = append(out, v)
		}
	}
	sort.Strings(out)
	return out
}

func minInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

func minFloat64(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
