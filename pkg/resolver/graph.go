package resolver

import (
	"container/heap"
	"fmt"
	"sort"
	"strings"

	"github.com/capstan-io/capstan/pkg/engine"
)

// Node is one resource in the dependency graph.
type Node struct {
	ID          string
	Type        string
	Name        string
	State       engine.ProvisioningState
	SoftDeleted bool

	// External marks a node known only as the target of an edge.
	External bool
}

// Graph is a directed dependency graph where an edge From -> To means
// From depends on To. Soft-deleted nodes stay in the graph but are skipped
// by every traversal.
//
// Only Required and Optional edges order the graph. Reference edges are
// kept for Edges, ToDOT and Stats but take no part in ordering, cycle
// detection or traversal, since they are often mutual (vnet peerings, a
// security group listing the subnets that use it).
type Graph struct {
	// nodes maps resource IDs to their nodes
	nodes map[string]*Node

	// edges maps "from|to|kind" to the edge, for de-duplication
	edges map[string]engine.DependencyEdge

	// adjacency maps resource IDs to the IDs they depend on, with the
	// strongest strength over all edge kinds
	adjacency map[string]map[string]engine.Strength

	// reverse maps resource IDs to the IDs depending on them
	reverse map[string]map[string]engine.Strength
}

// NewGraph creates an empty graph.
func NewGraph() *Graph {
	return &Graph{
		nodes:     make(map[string]*Node),
		edges:     make(map[string]engine.DependencyEdge),
		adjacency: make(map[string]map[string]engine.Strength),
		reverse:   make(map[string]map[string]engine.Strength),
	}
}

// BuildGraph constructs a graph from resources and the edges between them.
// Edge endpoints missing from resources become external nodes.
func BuildGraph(resources []*engine.Resource, edges []engine.DependencyEdge) (*Graph, error) {
	g := NewGraph()
	for _, r := range resources {
		if r.ID == "" {
			return nil, engine.NewPermanentError("resource has empty ID", nil).
				WithCode(engine.ErrCodeInvalidDescriptor)
		}
		g.AddNode(Node{
			ID:          r.ID,
			Type:        r.Type,
			Name:        r.Name,
			State:       r.State,
			SoftDeleted: r.SoftDeleted,
		})
	}
	for _, e := range edges {
		if err := g.AddEdge(e); err != nil {
			return nil, err
		}
	}
	return g, nil
}

// AddNode inserts or replaces a node. A known node replaces an external placeholder.
func (g *Graph) AddNode(n Node) {
	node := n
	g.nodes[n.ID] = &node
	if g.adjacency[n.ID] == nil {
		g.adjacency[n.ID] = make(map[string]engine.Strength)
	}
	if g.reverse[n.ID] == nil {
		g.reverse[n.ID] = make(map[string]engine.Strength)
	}
}

// AddEdge inserts a validated edge. Duplicate edges are ignored.
func (g *Graph) AddEdge(e engine.DependencyEdge) error {
	if err := e.Validate(); err != nil {
		return engine.NewPermanentError("invalid dependency edge", err).
			WithCode(engine.ErrCodeInvalidDescriptor).
			WithResource(e.From)
	}
	for _, id := range []string{e.From, e.To} {
		if _, ok := g.nodes[id]; !ok {
			g.AddNode(Node{ID: id, State: engine.StateUnknown, External: true})
		}
	}
	key := e.From + "|" + e.To + "|" + string(e.Kind)
	if existing, ok := g.edges[key]; ok && strengthRank(existing.Strength) >= strengthRank(e.Strength) {
		return nil
	}
	g.edges[key] = e
	if strengthRank(e.Strength) > strengthRank(g.adjacency[e.From][e.To]) {
		g.adjacency[e.From][e.To] = e.Strength
		g.reverse[e.To][e.From] = e.Strength
	}
	return nil
}

// Node returns the node with the given ID.
func (g *Graph) Node(id string) (*Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// Nodes returns all nodes sorted by ID.
func (g *Graph) Nodes() []*Node {
	out := make([]*Node, 0, len(g.nodes))
	for _, id := range g.sortedIDs() {
		out = append(out, g.nodes[id])
	}
	return out
}

// Edges returns all edges sorted by source, target and kind.
func (g *Graph) Edges() []engine.DependencyEdge {
	out := make([]engine.DependencyEdge, 0, len(g.edges))
	for _, e := range g.edges {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].From != out[j].From {
			return out[i].From < out[j].From
		}
		if out[i].To != out[j].To {
			return out[i].To < out[j].To
		}
		return out[i].Kind < out[j].Kind
	})
	return out
}

// EdgesFrom returns the outgoing edges of id, including those to soft-deleted nodes.
func (g *Graph) EdgesFrom(id string) []engine.DependencyEdge {
	var out []engine.DependencyEdge
	for _, e := range g.Edges() {
		if e.From == id {
			out = append(out, e)
		}
	}
	return out
}

// Len returns the number of nodes.
func (g *Graph) Len() int {
	return len(g.nodes)
}

func (g *Graph) active(id string) bool {
	n, ok := g.nodes[id]
	return ok && !n.SoftDeleted
}

func (g *Graph) sortedIDs() []string {
	ids := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (g *Graph) activeIDs() []string {
	var ids []string
	for _, id := range g.sortedIDs() {
		if g.active(id) {
			ids = append(ids, id)
		}
	}
	return ids
}

// dependencies returns the sorted active targets of id's ordering edges.
func (g *Graph) dependencies(id string) []string {
	return g.activeNeighbours(g.adjacency[id])
}

// dependents returns the sorted active sources of id's incoming ordering edges.
func (g *Graph) dependents(id string) []string {
	return g.activeNeighbours(g.reverse[id])
}

func (g *Graph) activeNeighbours(set map[string]engine.Strength) []string {
	out := make([]string, 0, len(set))
	for id, strength := range set {
		if orders(strength) && g.active(id) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Cycle lists the members of one dependency cycle in edge order.
type Cycle []string

// String renders the cycle closed, e.g. "a -> b -> c -> a".
func (c Cycle) String() string {
	if len(c) == 0 {
		return ""
	}
	return strings.Join(append(append([]string{}, c...), c[0]), " -> ")
}

// DetectCycles finds every distinct cycle reachable by a depth-first search
// over the active graph. Each cycle is reported once, rotated so that its
// smallest ID comes first. Cycles are returned in sorted order.
func (g *Graph) DetectCycles() []Cycle {
	const (
		white = iota
		grey
		black
	)
	colour := make(map[string]int, len(g.nodes))
	var stack []string
	seen := make(map[string]bool)
	var cycles []Cycle

	var visit func(id string)
	visit = func(id string) {
		colour[id] = grey
		stack = append(stack, id)

		for _, dep := range g.dependencies(id) {
			switch colour[dep] {
			case white:
				visit(dep)
			case grey:
				start := -1
				for i := len(stack) - 1; i >= 0; i-- {
					if stack[i] == dep {
						start = i
						break
					}
				}
				if start < 0 {
					continue
				}
				cycle := canonicalCycle(stack[start:])
				key := strings.Join(cycle, "\x00")
				if !seen[key] {
					seen[key] = true
					cycles = append(cycles, cycle)
				}
			}
		}

		stack = stack[:len(stack)-1]
		colour[id] = black
	}

	for _, id := range g.activeIDs() {
		if colour[id] == white {
			visit(id)
		}
	}

	sort.Slice(cycles, func(i, j int) bool {
		return strings.Join(cycles[i], "\x00") < strings.Join(cycles[j], "\x00")
	})
	return cycles
}

func canonicalCycle(members []string) Cycle {
	minIdx := 0
	for i, id := range members {
		if id < members[minIdx] {
			minIdx = i
		}
	}
	out := make(Cycle, 0, len(members))
	out = append(out, members[minIdx:]...)
	out = append(out, members[:minIdx]...)
	return out
}

// cyclicGraphError builds the CYCLIC_GRAPH error carrying every cycle.
func cyclicGraphError(cycles []Cycle) error {
	rendered := make([]string, len(cycles))
	for i, c := range cycles {
		rendered[i] = c.String()
	}
	return engine.NewPermanentError(
		fmt.Sprintf("circular dependency detected: %s", strings.Join(rendered, "; ")), nil,
	).WithCode(engine.ErrCodeCyclicGraph).WithDetail("cycles", rendered)
}

// TopologicalOrder returns active node IDs with every dependency before its
// dependents. Ties are broken by ascending ID so the order is deterministic.
// A cyclic graph yields a CYCLIC_GRAPH error listing all cycles.
func (g *Graph) TopologicalOrder() ([]string, error) {
	ids := g.activeIDs()
	remaining := make(map[string]int, len(ids))
	ready := &stringHeap{}
	for _, id := range ids {
		remaining[id] = len(g.dependencies(id))
		if remaining[id] == 0 {
			heap.Push(ready, id)
		}
	}

	order := make([]string, 0, len(ids))
	for ready.Len() > 0 {
		id := heap.Pop(ready).(string)
		order = append(order, id)
		for _, dependent := range g.dependents(id) {
			remaining[dependent]--
			if remaining[dependent] == 0 {
				heap.Push(ready, dependent)
			}
		}
	}

	if len(order) != len(ids) {
		return nil, cyclicGraphError(g.DetectCycles())
	}
	return order, nil
}

// DeletionOrder returns the reverse of TopologicalOrder: dependents first.
func (g *Graph) DeletionOrder() ([]string, error) {
	order, err := g.TopologicalOrder()
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(order)-1; i < j; i, j = i+1, j-1 {
		order[i], order[j] = order[j], order[i]
	}
	return order, nil
}

// Levels groups active nodes into waves. Every node's dependencies sit in
// earlier waves, so the members of one wave can be worked on in parallel.
func (g *Graph) Levels() ([][]string, error) {
	ids := g.activeIDs()
	remaining := make(map[string]int, len(ids))
	var current []string
	for _, id := range ids {
		remaining[id] = len(g.dependencies(id))
		if remaining[id] == 0 {
			current = append(current, id)
		}
	}

	var levels [][]string
	processed := 0
	for len(current) > 0 {
		levels = append(levels, current)
		processed += len(current)

		var next []string
		for _, id := range current {
			for _, dependent := range g.dependents(id) {
				remaining[dependent]--
				if remaining[dependent] == 0 {
					next = append(next, dependent)
				}
			}
		}
		sort.Strings(next)
		current = next
	}

	if processed != len(ids) {
		return nil, cyclicGraphError(g.DetectCycles())
	}
	return levels, nil
}

// Unsatisfied returns the Required edges of id whose target is absent,
// soft-deleted or not in the Succeeded state.
func (g *Graph) Unsatisfied(id string) []engine.DependencyEdge {
	var out []engine.DependencyEdge
	for _, e := range g.EdgesFrom(id) {
		if e.Strength != engine.StrengthRequired {
			continue
		}
		target, ok := g.nodes[e.To]
		if !ok || target.SoftDeleted || target.State != engine.StateSucceeded {
			out = append(out, e)
		}
	}
	return out
}

// DependenciesSatisfied reports whether every Required dependency of id is
// present, Succeeded and not soft-deleted. Optional and Reference edges never block.
func (g *Graph) DependenciesSatisfied(id string) bool {
	if _, ok := g.nodes[id]; !ok {
		return false
	}
	return len(g.Unsatisfied(id)) == 0
}

// ShortestPath returns the shortest chain of dependencies leading from one
// node to another, both ends included.
func (g *Graph) ShortestPath(from, to string) ([]string, error) {
	if !g.active(from) {
		return nil, engine.NotFoundf("node not found: %s", from).WithResource(from)
	}
	if !g.active(to) {
		return nil, engine.NotFoundf("node not found: %s", to).WithResource(to)
	}
	if from == to {
		return []string{from}, nil
	}

	prev := map[string]string{from: ""}
	queue := []string{from}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, dep := range g.dependencies(id) {
			if _, seen := prev[dep]; seen {
				continue
			}
			prev[dep] = id
			if dep == to {
				return buildPath(prev, from, to), nil
			}
			queue = append(queue, dep)
		}
	}
	return nil, engine.NotFoundf("no path from %s to %s", from, to).WithResource(from)
}

func buildPath(prev map[string]string, from, to string) []string {
	var path []string
	for id := to; id != from; id = prev[id] {
		path = append(path, id)
	}
	path = append(path, from)
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path
}

// Dependents returns every node that depends on id directly or transitively, sorted.
func (g *Graph) Dependents(id string) []string {
	seen := map[string]bool{id: true}
	queue := []string{id}
	var out []string
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, d := range g.dependents(cur) {
			if seen[d] {
				continue
			}
			seen[d] = true
			out = append(out, d)
			queue = append(queue, d)
		}
	}
	sort.Strings(out)
	return out
}

// Roots returns active nodes without outgoing ordering edges.
func (g *Graph) Roots() []string {
	var out []string
	for _, id := range g.activeIDs() {
		if len(g.dependencies(id)) == 0 {
			out = append(out, id)
		}
	}
	return out
}

// Leaves returns active nodes without incoming ordering edges.
func (g *Graph) Leaves() []string {
	var out []string
	for _, id := range g.activeIDs() {
		if len(g.dependents(id)) == 0 {
			out = append(out, id)
		}
	}
	return out
}

// Stats summarises the graph.
type Stats struct {
	Nodes            int    `json:"nodes"`
	Edges            int    `json:"edges"`
	WithDependencies int    `json:"with_dependencies"`
	MaxDependencies  int    `json:"max_dependencies"`
	MostDependent    string `json:"most_dependent,omitempty"`
	External         int    `json:"external"`
}

// Stats computes node and edge counts and the node with the most dependencies.
func (g *Graph) Stats() Stats {
	s := Stats{Nodes: len(g.nodes), Edges: len(g.edges)}
	for _, id := range g.sortedIDs() {
		if g.nodes[id].External {
			s.External++
		}
		n := len(g.adjacency[id])
		if n > 0 {
			s.WithDependencies++
		}
		if n > s.MaxDependencies {
			s.MaxDependencies = n
			s.MostDependent = id
		}
	}
	return s
}

// ToDOT generates a DOT format representation of the graph for visualization.
// The output can be rendered with Graphviz tools.
func (g *Graph) ToDOT() string {
	var sb strings.Builder

	sb.WriteString("digraph Dependencies {\n")
	sb.WriteString("  rankdir=BT;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for _, n := range g.Nodes() {
		label := n.ID
		if n.Name != "" {
			label = fmt.Sprintf("%s\\n%s", n.Name, n.Type)
		}
		style := "filled,rounded"
		if n.SoftDeleted || n.External {
			style = "filled,rounded,dashed"
		}
		sb.WriteString(fmt.Sprintf("  %q [label=\"%s\", fillcolor=\"%s\", style=\"%s\"];\n",
			n.ID, label, stateColor(n), style))
	}
	sb.WriteString("\n")

	for _, e := range g.Edges() {
		sb.WriteString(fmt.Sprintf("  %q -> %q [label=\"%s\", %s];\n",
			e.From, e.To, e.Kind, strengthStyle(e.Strength)))
	}

	sb.WriteString("}\n")
	return sb.String()
}

// stateColor returns a color for visualizing provisioning states.
func stateColor(n *Node) string {
	if n.SoftDeleted {
		return "lightgray"
	}
	switch n.State {
	case engine.StateSucceeded:
		return "lightgreen"
	case engine.StateCreating, engine.StateDeleting:
		return "lightblue"
	case engine.StateFailed:
		return "lightcoral"
	default:
		return "white"
	}
}

// strengthStyle returns a DOT style string for dependency strengths.
func strengthStyle(s engine.Strength) string {
	switch s {
	case engine.StrengthRequired:
		return "style=solid, color=black"
	case engine.StrengthOptional:
		return "style=dashed, color=blue"
	default:
		return "style=dotted, color=gray"
	}
}

// orders reports whether edges of strength s constrain ordering.
func orders(s engine.Strength) bool {
	return strengthRank(s) >= strengthRank(engine.StrengthOptional)
}

func strengthRank(s engine.Strength) int {
	switch s {
	case engine.StrengthRequired:
		return 3
	case engine.StrengthOptional:
		return 2
	case engine.StrengthReference:
		return 1
	default:
		return 0
	}
}

// stringHeap is a min-heap of IDs used for deterministic Kahn ordering.
type stringHeap []string

func (h stringHeap) Len() int            { return len(h) }
func (h stringHeap) Less(i, j int) bool  { return h[i] < h[j] }
func (h stringHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *stringHeap) Push(x interface{}) { *h = append(*h, x.(string)) }
func (h *stringHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
