package resolver

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/capstan-io/capstan/pkg/engine"
)

func node(id string) *engine.Resource {
	return &engine.Resource{ID: id, Type: "test", Name: id, State: engine.StateSucceeded}
}

func edge(from, to string) engine.DependencyEdge {
	return engine.DependencyEdge{From: from, To: to, Strength: engine.StrengthRequired, Kind: engine.EdgeUses}
}

func mustGraph(t *testing.T, resources []*engine.Resource, edges ...engine.DependencyEdge) *Graph {
	t.Helper()
	g, err := BuildGraph(resources, edges)
	if err != nil {
		t.Fatalf("BuildGraph failed: %v", err)
	}
	return g
}

func TestTopologicalOrder(t *testing.T) {
	// vm -> nic -> subnet -> vnet; disk has no dependencies
	g := mustGraph(t,
		[]*engine.Resource{node("vm"), node("nic"), node("subnet"), node("vnet"), node("disk")},
		edge("vm", "nic"), edge("nic", "subnet"), edge("subnet", "vnet"), edge("vm", "disk"),
	)

	order, err := g.TopologicalOrder()
	if err != nil {
		t.Fatalf("TopologicalOrder failed: %v", err)
	}
	want := []string{"disk", "vnet", "subnet", "nic", "vm"}
	if diff := cmp.Diff(want, order); diff != "" {
		t.Errorf("order mismatch (-want +got):\n%s", diff)
	}

	deletion, err := g.DeletionOrder()
	if err != nil {
		t.Fatalf("DeletionOrder failed: %v", err)
	}
	if deletion[0] != "vm" || deletion[len(deletion)-1] != "disk" {
		t.Errorf("unexpected deletion order: %v", deletion)
	}
}

func TestTopologicalOrderTieBreak(t *testing.T) {
	g := mustGraph(t, []*engine.Resource{node("c"), node("a"), node("b")})
	order, err := g.TopologicalOrder()
	if err != nil {
		t.Fatalf("TopologicalOrder failed: %v", err)
	}
	if diff := cmp.Diff([]string{"a", "b", "c"}, order); diff != "" {
		t.Errorf("order mismatch (-want +got):\n%s", diff)
	}
}

func TestDetectCycles(t *testing.T) {
	g := mustGraph(t,
		[]*engine.Resource{node("a"), node("b"), node("c"), node("d")},
		edge("b", "c"), edge("c", "a"), edge("a", "b"), edge("d", "a"),
	)

	cycles := g.DetectCycles()
	if len(cycles) != 1 {
		t.Fatalf("expected 1 cycle, got %d: %v", len(cycles), cycles)
	}
	if got := cycles[0].String(); got != "a -> b -> c -> a" {
		t.Errorf("unexpected cycle rendering: %s", got)
	}

	_, err := g.TopologicalOrder()
	if !errors.Is(err, engine.ErrCyclicGraph) {
		t.Fatalf("expected CYCLIC_GRAPH, got %v", err)
	}
	var ee *engine.EngineError
	if !errors.As(err, &ee) {
		t.Fatalf("expected EngineError, got %T", err)
	}
	rendered, _ := ee.Details["cycles"].([]string)
	if len(rendered) != 1 || rendered[0] != "a -> b -> c -> a" {
		t.Errorf("unexpected cycles detail: %v", ee.Details["cycles"])
	}
}

func TestDetectMultipleCycles(t *testing.T) {
	g := mustGraph(t,
		[]*engine.Resource{node("a"), node("b"), node("x"), node("y")},
		edge("a", "b"), edge("b", "a"), edge("y", "x"), edge("x", "y"),
	)
	cycles := g.DetectCycles()
	if len(cycles) != 2 {
		t.Fatalf("expected 2 cycles, got %v", cycles)
	}
	if cycles[0].String() != "a -> b -> a" || cycles[1].String() != "x -> y -> x" {
		t.Errorf("unexpected cycles: %v", cycles)
	}
	if _, err := g.Levels(); !errors.Is(err, engine.ErrCyclicGraph) {
		t.Errorf("expected Levels to fail with CYCLIC_GRAPH, got %v", err)
	}
}

func TestSoftDeletedNodesAreSkipped(t *testing.T) {
	gone := node("b")
	gone.SoftDeleted = true
	g := mustGraph(t,
		[]*engine.Resource{node("a"), gone},
		edge("a", "b"), edge("b", "a"),
	)

	if cycles := g.DetectCycles(); len(cycles) != 0 {
		t.Errorf("soft-deleted node should break the cycle, got %v", cycles)
	}
	order, err := g.TopologicalOrder()
	if err != nil || len(order) != 1 || order[0] != "a" {
		t.Errorf("unexpected order %v, %v", order, err)
	}
	if len(g.EdgesFrom("a")) != 1 {
		t.Error("edge to soft-deleted node should remain in the graph")
	}
	if g.DependenciesSatisfied("a") {
		t.Error("Required dependency on a soft-deleted node must not be satisfied")
	}
}

func TestDependenciesSatisfied(t *testing.T) {
	pending := node("subnet")
	pending.State = engine.StateCreating

	g := mustGraph(t,
		[]*engine.Resource{node("vm"), node("nic"), pending, node("nsg")},
		edge("vm", "nic"),
		edge("nic", "subnet"),
		engine.DependencyEdge{From: "vm", To: "nsg", Strength: engine.StrengthOptional, Kind: engine.EdgeReferences},
		engine.DependencyEdge{From: "nsg", To: "missing", Strength: engine.StrengthReference, Kind: engine.EdgeReferences},
	)

	tests := []struct {
		id   string
		want bool
	}{
		{"vm", true},
		{"nic", false},
		{"nsg", true},
		{"unknown", false},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			if got := g.DependenciesSatisfied(tt.id); got != tt.want {
				t.Errorf("DependenciesSatisfied(%s) = %v, want %v", tt.id, got, tt.want)
			}
		})
	}

	unsatisfied := g.Unsatisfied("nic")
	if len(unsatisfied) != 1 || unsatisfied[0].To != "subnet" {
		t.Errorf("unexpected unsatisfied edges: %v", unsatisfied)
	}

	n, ok := g.Node("missing")
	if !ok || !n.External {
		t.Error("expected external placeholder node for edge target")
	}
}

func TestReferenceEdgesDoNotOrder(t *testing.T) {
	ref := func(from, to string) engine.DependencyEdge {
		return engine.DependencyEdge{From: from, To: to, Strength: engine.StrengthReference, Kind: engine.EdgePeersWith}
	}
	g := mustGraph(t,
		[]*engine.Resource{node("hub"), node("spoke"), node("subnet")},
		edge("subnet", "spoke"),
		ref("hub", "spoke"),
		ref("spoke", "hub"),
	)

	if cycles := g.DetectCycles(); len(cycles) != 0 {
		t.Fatalf("expected no cycles, got %v", cycles)
	}
	order, err := g.TopologicalOrder()
	if err != nil {
		t.Fatalf("TopologicalOrder failed: %v", err)
	}
	if diff := cmp.Diff([]string{"hub", "spoke", "subnet"}, order); diff != "" {
		t.Errorf("order mismatch (-want +got):\n%s", diff)
	}
	if _, err := g.Levels(); err != nil {
		t.Errorf("Levels failed: %v", err)
	}
	if _, err := g.ShortestPath("hub", "spoke"); !errors.Is(err, engine.ErrNotFound) {
		t.Errorf("expected no ordering path between peers, got %v", err)
	}
	if s := g.Stats(); s.Edges != 3 {
		t.Errorf("reference edges must still be counted, got %d", s.Edges)
	}
	if dot := g.ToDOT(); !strings.Contains(dot, `"hub" -> "spoke"`) {
		t.Errorf("reference edges must still be drawn:\n%s", dot)
	}

	// A stronger edge between the same pair makes it ordering again.
	if err := g.AddEdge(edge("spoke", "hub")); err != nil {
		t.Fatalf("AddEdge failed: %v", err)
	}
	order, err = g.TopologicalOrder()
	if err != nil {
		t.Fatalf("TopologicalOrder failed: %v", err)
	}
	if diff := cmp.Diff([]string{"hub", "spoke", "subnet"}, order); diff != "" {
		t.Errorf("order mismatch (-want +got):\n%s", diff)
	}
	if path, err := g.ShortestPath("spoke", "hub"); err != nil || len(path) != 2 {
		t.Errorf("ShortestPath = %v, %v", path, err)
	}
}

func TestShortestPath(t *testing.T) {
	g := mustGraph(t,
		[]*engine.Resource{node("vm"), node("nic"), node("subnet"), node("vnet"), node("island")},
		edge("vm", "nic"), edge("nic", "subnet"), edge("subnet", "vnet"), edge("vm", "vnet"),
	)

	path, err := g.ShortestPath("vm", "vnet")
	if err != nil {
		t.Fatalf("ShortestPath failed: %v", err)
	}
	if diff := cmp.Diff([]string{"vm", "vnet"}, path); diff != "" {
		t.Errorf("path mismatch (-want +got):\n%s", diff)
	}

	path, err = g.ShortestPath("nic", "vnet")
	if err != nil || strings.Join(path, ",") != "nic,subnet,vnet" {
		t.Errorf("unexpected path %v, %v", path, err)
	}

	if _, err := g.ShortestPath("vnet", "vm"); !errors.Is(err, engine.ErrNotFound) {
		t.Errorf("expected NOT_FOUND for reverse direction, got %v", err)
	}
	if _, err := g.ShortestPath("vm", "nowhere"); !errors.Is(err, engine.ErrNotFound) {
		t.Errorf("expected NOT_FOUND for unknown node, got %v", err)
	}
}

func TestRootsLeavesDependents(t *testing.T) {
	g := mustGraph(t,
		[]*engine.Resource{node("vm"), node("nic"), node("subnet"), node("vnet"), node("app")},
		edge("vm", "nic"), edge("nic", "subnet"), edge("subnet", "vnet"), edge("app", "vnet"),
	)

	if diff := cmp.Diff([]string{"vnet"}, g.Roots()); diff != "" {
		t.Errorf("roots mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"app", "vm"}, g.Leaves()); diff != "" {
		t.Errorf("leaves mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"app", "nic", "subnet", "vm"}, g.Dependents("vnet")); diff != "" {
		t.Errorf("dependents mismatch (-want +got):\n%s", diff)
	}

	levels, err := g.Levels()
	if err != nil {
		t.Fatalf("Levels failed: %v", err)
	}
	want := [][]string{{"vnet"}, {"app", "subnet"}, {"nic"}, {"vm"}}
	if diff := cmp.Diff(want, levels); diff != "" {
		t.Errorf("levels mismatch (-want +got):\n%s", diff)
	}

	stats := g.Stats()
	if stats.Nodes != 5 || stats.Edges != 4 || stats.WithDependencies != 4 || stats.MaxDependencies != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestAddEdgeRejectsSelfLoop(t *testing.T) {
	g := NewGraph()
	err := g.AddEdge(edge("a", "A"))
	if !errors.Is(err, engine.ErrInvalidDescriptor) {
		t.Errorf("expected self-loop rejection, got %v", err)
	}
}

func TestToDOT(t *testing.T) {
	g := mustGraph(t, []*engine.Resource{node("vm"), node("nic")}, edge("vm", "nic"))
	dot := g.ToDOT()
	for _, want := range []string{"digraph Dependencies", `"vm" -> "nic"`, "style=solid", "lightgreen"} {
		if !strings.Contains(dot, want) {
			t.Errorf("DOT output missing %q:\n%s", want, dot)
		}
	}
}
