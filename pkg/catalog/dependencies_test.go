package catalog

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/capstan-io/capstan/pkg/engine"
	"github.com/capstan-io/capstan/pkg/resolver"
)

func op(id string, requires ...string) *engine.Descriptor {
	return &engine.Descriptor{ID: id, Capability: "networking", Requires: requires}
}

func TestCheckDependencies(t *testing.T) {
	tests := []struct {
		name        string
		ops         []*engine.Descriptor
		wantMissing []MissingDependency
		wantCycles  []resolver.Cycle
		wantStats   DependencyStats
	}{
		{
			name: "valid chain",
			ops:  []*engine.Descriptor{op("vnet"), op("subnet", "vnet"), op("nic", "subnet", "vnet")},
			wantStats: DependencyStats{
				Operations: 3, WithDependencies: 2, TotalDependencies: 3,
				MaxDependencies: 2, MostDependent: "nic",
			},
		},
		{
			name:        "missing requirement",
			ops:         []*engine.Descriptor{op("subnet", "vnet")},
			wantMissing: []MissingDependency{{Operation: "subnet", Missing: "vnet"}},
			wantStats: DependencyStats{
				Operations: 1, WithDependencies: 1, TotalDependencies: 1,
				MaxDependencies: 1, MostDependent: "subnet",
			},
		},
		{
			name:       "cycle",
			ops:        []*engine.Descriptor{op("c", "a"), op("a", "b"), op("b", "c"), op("d")},
			wantCycles: []resolver.Cycle{{"a", "b", "c"}},
			wantStats: DependencyStats{
				Operations: 4, WithDependencies: 3, TotalDependencies: 3,
				MaxDependencies: 1, MostDependent: "a",
			},
		},
		{
			name:       "self requirement",
			ops:        []*engine.Descriptor{op("a", "a")},
			wantCycles: []resolver.Cycle{{"a"}},
			wantStats: DependencyStats{
				Operations: 1, WithDependencies: 1, TotalDependencies: 1,
				MaxDependencies: 1, MostDependent: "a",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			report := CheckDependencies(tt.ops)
			if diff := cmp.Diff(tt.wantMissing, report.Missing); diff != "" {
				t.Errorf("missing mismatch (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(tt.wantCycles, report.Cycles); diff != "" {
				t.Errorf("cycles mismatch (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(tt.wantStats, report.Stats); diff != "" {
				t.Errorf("stats mismatch (-want +got):\n%s", diff)
			}
			if report.OK() != (len(tt.wantMissing) == 0 && len(tt.wantCycles) == 0) {
				t.Errorf("OK() = %v", report.OK())
			}
		})
	}
}
