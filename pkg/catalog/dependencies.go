package catalog

import (
	"sort"

	"github.com/capstan-io/capstan/pkg/engine"
	"github.com/capstan-io/capstan/pkg/resolver"
)

// MissingDependency is a requires entry naming no known operation.
type MissingDependency struct {
	Operation string `json:"operation"`
	Missing   string `json:"missing"`
	File      string `json:"file,omitempty"`
}

// DependencyStats summarises the requires relation.
type DependencyStats struct {
	Operations        int    `json:"total_operations"`
	WithDependencies  int    `json:"operations_with_deps"`
	TotalDependencies int    `json:"total_dependencies"`
	MaxDependencies   int    `json:"max_dependencies"`
	MostDependent     string `json:"most_dependent_op,omitempty"`
}

// DependencyReport is the outcome of CheckDependencies.
type DependencyReport struct {
	Missing []MissingDependency `json:"missing,omitempty"`
	Cycles  []resolver.Cycle    `json:"cycles,omitempty"`
	Stats   DependencyStats     `json:"stats"`
}

// OK reports whether no missing requirement or cycle was found.
func (r *DependencyReport) OK() bool {
	return len(r.Missing) == 0 && len(r.Cycles) == 0
}

// CheckDependencies validates the requires relation between operations:
// every requirement must name a known operation and the relation must be
// acyclic.
func CheckDependencies(ops []*engine.Descriptor) *DependencyReport {
	sorted := append([]*engine.Descriptor(nil), ops...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	known := make(map[string]bool, len(sorted))
	g := resolver.NewGraph()
	for _, d := range sorted {
		known[d.ID] = true
		g.AddNode(resolver.Node{ID: d.ID, Type: d.Capability, Name: d.Name})
	}

	report := &DependencyReport{}
	report.Stats.Operations = len(sorted)
	for _, d := range sorted {
		if n := len(d.Requires); n > 0 {
			report.Stats.WithDependencies++
			report.Stats.TotalDependencies += n
			if n > report.Stats.MaxDependencies {
				report.Stats.MaxDependencies = n
				report.Stats.MostDependent = d.ID
			}
		}
		for _, req := range d.Requires {
			if !known[req] {
				report.Missing = append(report.Missing, MissingDependency{Operation: d.ID, Missing: req, File: d.Source})
				continue
			}
			if req == d.ID {
				report.Cycles = append(report.Cycles, resolver.Cycle{d.ID})
				continue
			}
			// Requirements are ordering constraints between operations.
			_ = g.AddEdge(engine.DependencyEdge{
				From:     d.ID,
				To:       req,
				Strength: engine.StrengthRequired,
				Kind:     engine.EdgeUses,
			})
		}
	}
	report.Cycles = append(report.Cycles, g.DetectCycles()...)
	return report
}
