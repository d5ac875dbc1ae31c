package perimeter

import (
	"reflect"
	"testing"
)

func TestIntersectIsMonotonicallyRestrictive(t *testing.T) {
	a := AgencyPerimeter{
		AllowedScopes:        []string{"read", "write", "admin"},
		AllowedDomains:       []string{"api.example.com", "internal.example.com"},
		NetworkAccessEnabled: true,
		DelegationEnabled:    true,
		MaxMemoryBytes:       2048,
		MaxCPUCores:          4,
		PidsLimit:            128,
		CPUPeriodUs:          100_000,
		CPUQuotaUs:           400_000,
	}
	b := AgencyPerimeter{
		AllowedScopes:        []string{"write", "read"},
		AllowedDomains:       []string{"api.example.com"},
		NetworkAccessEnabled: true,
		DelegationEnabled:    false,
		MaxMemoryBytes:       1024,
		MaxCPUCores:          1,
		PidsLimit:            256,
		CPUPeriodUs:          50_000,
		CPUQuotaUs:           50_000,
	}

	got := a.Intersect(&b)

	if want := []string{"read", "write"}; !reflect.DeepEqual(got.AllowedScopes, want) {
		t.Fatalf("scopes = %v, want %v", got.AllowedScopes, want)
	}
	if want := []string{"api.example.com"}; !reflect.DeepEqual(got.AllowedDomains, want) {
		t.Fatalf("domains = %v, want %v", got.AllowedDomains, want)
	}
	if !got.NetworkAccessEnabled {
		t.Fatalf("network must stay enabled when both sides enable it")
	}
	if got.DelegationEnabled {
		t.Fatalf("delegation must be disabled when either side disables it")
	}
	if got.MaxMemoryBytes != 1024 {
		t.Fatalf("memory = %d, want min(2048,1024)", got.MaxMemoryBytes)
	}
	if got.MaxCPUCores != 1 {
		t.Fatalf("cores = %g, want 1", got.MaxCPUCores)
	}
	if got.PidsLimit != 128 {
		t.Fatalf("pids = %d, want 128", got.PidsLimit)
	}
	// 周期从左操作数继承，配额取最小值。
	if got.CPUPeriodUs != 100_000 {
		t.Fatalf("period = %d, want left operand's 100000", got.CPUPeriodUs)
	}
	if got.CPUQuotaUs != 50_000 {
		t.Fatalf("quota = %d, want 50000", got.CPUQuotaUs)
	}
}

func TestIntersectWithNilReturnsReceiver(t *testing.T) {
	a := AgencyPerimeter{
		AllowedScopes:  []string{"read"},
		MaxMemoryBytes: 1024,
		MaxCPUCores:    1,
		PidsLimit:      10,
		CPUPeriodUs:    100_000,
		CPUQuotaUs:     100_000,
	}
	got := a.Intersect(nil)
	if !reflect.DeepEqual(got, a.Normalized()) {
		t.Fatalf("intersect(a, nil) = %+v, want %+v", got, a.Normalized())
	}
}

func TestIntersectCommutativeInEffect(t *testing.T) {
	a := AgencyPerimeter{AllowedScopes: []string{"read", "write"}, MaxMemoryBytes: 100, MaxCPUCores: 2, PidsLimit: 5, CPUPeriodUs: 100_000, CPUQuotaUs: 200_000}
	b := AgencyPerimeter{AllowedScopes: []string{"write"}, MaxMemoryBytes: 50, MaxCPUCores: 1, PidsLimit: 50, CPUPeriodUs: 100_000, CPUQuotaUs: 100_000}

	ab := a.Intersect(&b)
	ba := b.Intersect(&a)

	if !reflect.DeepEqual(ab.AllowedScopes, ba.AllowedScopes) {
		t.Fatalf("scope intersection not commutative: %v vs %v", ab.AllowedScopes, ba.AllowedScopes)
	}
	if ab.MaxMemoryBytes != ba.MaxMemoryBytes || ab.PidsLimit != ba.PidsLimit || ab.CPUQuotaUs != ba.CPUQuotaUs {
		t.Fatalf("quota intersection not commutative: %+v vs %+v", ab, ba)
	}
}

func TestNormalizedDerivesQuotaFromCores(t *testing.T) {
	p := AgencyPerimeter{MaxMemoryBytes: 1, MaxCPUCores: 2, PidsLimit: 1}
	n := p.Normalized()
	if n.CPUPeriodUs != DefaultCPUPeriodUs {
		t.Fatalf("period = %d, want default", n.CPUPeriodUs)
	}
	if n.CPUQuotaUs != 2*DefaultCPUPeriodUs {
		t.Fatalf("quota = %d, want %d", n.CPUQuotaUs, 2*DefaultCPUPeriodUs)
	}
}

func TestValidateRejectsNonPositiveQuotas(t *testing.T) {
	cases := []AgencyPerimeter{
		{MaxMemoryBytes: 0, MaxCPUCores: 1, PidsLimit: 1},
		{MaxMemoryBytes: -1, MaxCPUCores: 1, PidsLimit: 1},
		{MaxMemoryBytes: 1, MaxCPUCores: 0, PidsLimit: 1},
		{MaxMemoryBytes: 1, MaxCPUCores: 1, PidsLimit: 0},
	}
	for i, p := range cases {
		if err := p.Validate(); err == nil {
			t.Fatalf("case %d: 非法配额未被拒绝: %+v", i, p)
		}
	}
	ok := AgencyPerimeter{MaxMemoryBytes: 1, MaxCPUCores: 1, PidsLimit: 1}
	if err := ok.Validate(); err != nil {
		t.Fatalf("valid perimeter rejected: %v", err)
	}
}

func TestFirstScopeIsDeterministic(t *testing.T) {
	p := AgencyPerimeter{AllowedScopes: []string{"write", "admin", "read"}}
	scope, ok := p.FirstScope()
	if !ok || scope != "admin" {
		t.Fatalf("first scope = %q, want sorted-first \"admin\"", scope)
	}
	if _, ok := (AgencyPerimeter{}).FirstScope(); ok {
		t.Fatalf("empty perimeter must not yield a scope")
	}
}
