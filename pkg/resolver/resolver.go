package resolver

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/capstan-io/capstan/pkg/engine"
)

// Resolver extracts dependency edges from resources and builds graphs over
// them. With a nil store it works purely in memory.
type Resolver struct {
	store    engine.ResourceStore
	registry *Registry
	logger   zerolog.Logger
}

// New creates a resolver. A nil registry means DefaultRegistry.
func New(store engine.ResourceStore, registry *Registry, logger zerolog.Logger) *Resolver {
	if registry == nil {
		registry = DefaultRegistry()
	}
	return &Resolver{
		store:    store,
		registry: registry,
		logger:   logger.With().Str("component", "resolver").Logger(),
	}
}

// Registry returns the extractor registry in use.
func (r *Resolver) Registry() *Registry {
	return r.registry
}

// Analyze extracts the edges of every resource, builds the graph and, when
// a store is configured, replaces each resource's persisted outgoing edges.
// Edge targets are matched case-insensitively against the given resources
// so that the graph uses their canonical IDs.
func (r *Resolver) Analyze(ctx context.Context, resources []*engine.Resource) (*Graph, error) {
	canonical := make(map[string]string, len(resources))
	for _, res := range resources {
		canonical[strings.ToLower(res.ID)] = res.ID
	}

	var all []engine.DependencyEdge
	perResource := make(map[string][]engine.DependencyEdge, len(resources))
	for _, res := range resources {
		edges := r.registry.Extract(res)
		for i := range edges {
			if id, ok := canonical[strings.ToLower(edges[i].To)]; ok {
				edges[i].To = id
			}
		}
		edges = dedupe(edges)
		perResource[res.ID] = edges
		all = append(all, edges...)

		r.logger.Debug().
			Str("resource", res.ID).
			Int("edges", len(edges)).
			Msg("Extracted dependencies")
	}

	g, err := BuildGraph(resources, all)
	if err != nil {
		return nil, err
	}

	if r.store != nil {
		for _, res := range resources {
			if err := r.store.PutEdges(ctx, res.ID, perResource[res.ID]); err != nil {
				return nil, fmt.Errorf("failed to persist edges for %s: %w", res.ID, err)
			}
		}
	}

	stats := g.Stats()
	r.logger.Info().
		Int("nodes", stats.Nodes).
		Int("edges", stats.Edges).
		Int("external", stats.External).
		Msg("Dependency analysis complete")

	return g, nil
}

// LoadGraph builds a graph from every resource and edge in the store,
// soft-deleted resources included.
func (r *Resolver) LoadGraph(ctx context.Context) (*Graph, error) {
	if r.store == nil {
		return nil, engine.NewPermanentError("resolver has no store", nil).
			WithCode(engine.ErrCodeInternal)
	}
	resources, err := r.store.List(ctx, engine.ResourceFilter{IncludeDeleted: true})
	if err != nil {
		return nil, fmt.Errorf("failed to list resources: %w", err)
	}
	edges, err := r.store.ListEdges(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list edges: %w", err)
	}
	return BuildGraph(resources, edges)
}

// CheckPrerequisites reports the Required dependencies of id that are not
// satisfied in the stored graph.
func (r *Resolver) CheckPrerequisites(ctx context.Context, id string) ([]engine.DependencyEdge, error) {
	g, err := r.LoadGraph(ctx)
	if err != nil {
		return nil, err
	}
	if _, ok := g.Node(id); !ok {
		return nil, engine.NotFoundf("resource not found: %s", id).WithResource(id)
	}
	return g.Unsatisfied(id), nil
}
