package resolver

import (
	"regexp"
	"sort"
	"strings"

	"github.com/capstan-io/capstan/pkg/engine"
)

// DependencyExtractor derives the dependency edges of a resource from its properties.
type DependencyExtractor interface {
	Extract(r *engine.Resource) []engine.DependencyEdge
}

// ExtractorFunc adapts a plain function to DependencyExtractor.
type ExtractorFunc func(r *engine.Resource) []engine.DependencyEdge

// Extract calls f(r).
func (f ExtractorFunc) Extract(r *engine.Resource) []engine.DependencyEdge {
	return f(r)
}

// PathRule turns every string found at Path into an edge.
type PathRule struct {
	Path     string
	Strength engine.Strength
	Kind     engine.EdgeKind
}

// PathExtractor evaluates declarative path rules against the property bag.
type PathExtractor struct {
	Rules []PathRule
}

// Extract implements DependencyExtractor.
func (p PathExtractor) Extract(r *engine.Resource) []engine.DependencyEdge {
	if r.Properties == nil {
		return nil
	}
	var edges []engine.DependencyEdge
	for _, rule := range p.Rules {
		for _, target := range r.Properties.Strings(rule.Path) {
			if target == "" || strings.EqualFold(target, r.ID) {
				continue
			}
			edges = append(edges, engine.DependencyEdge{
				From:     r.ID,
				To:       target,
				Strength: rule.Strength,
				Kind:     rule.Kind,
			})
		}
	}
	return edges
}

// DefaultIDPattern matches Azure Resource Manager identifiers.
var DefaultIDPattern = regexp.MustCompile(`(?i)^/subscriptions/[^/]+/resourcegroups/[^/]+/providers/[^/]+/.+`)

// GenericExtractor scans every string in the property bag for values shaped
// like resource identifiers. Matches become Reference edges. The resource's
// own ID and IDs of its children are ignored.
type GenericExtractor struct {
	Pattern *regexp.Regexp
}

// Extract implements DependencyExtractor.
func (g GenericExtractor) Extract(r *engine.Resource) []engine.DependencyEdge {
	if r.Properties == nil {
		return nil
	}
	pattern := g.Pattern
	if pattern == nil {
		pattern = DefaultIDPattern
	}

	own := strings.ToLower(r.ID)
	var edges []engine.DependencyEdge
	r.Properties.Walk(func(_ string, v engine.Value) {
		s, ok := v.AsString()
		if !ok || !pattern.MatchString(s) {
			return
		}
		lower := strings.ToLower(s)
		if lower == own || strings.HasPrefix(lower, own+"/") {
			return
		}
		edges = append(edges, engine.DependencyEdge{
			From:     r.ID,
			To:       s,
			Strength: engine.StrengthReference,
			Kind:     engine.EdgeReferences,
		})
	})
	return edges
}

// ParentID returns the identifier of the resource that contains id, or ""
// for top-level resources. For "/.../virtualNetworks/vnet/subnets/a" it
// returns "/.../virtualNetworks/vnet".
func ParentID(id string) string {
	lower := strings.ToLower(id)
	idx := strings.Index(lower, "/providers/")
	if idx < 0 {
		return ""
	}
	// providers/<namespace>/<type>/<name>[/<childType>/<childName>...]
	rest := strings.Split(strings.Trim(id[idx+len("/providers/"):], "/"), "/")
	if len(rest) < 5 || len(rest)%2 != 1 {
		return ""
	}
	parent := rest[:len(rest)-2]
	return id[:idx] + "/providers/" + strings.Join(parent, "/")
}

// Registry maps resource types to extractors. Types are matched
// case-insensitively; unknown types go to the fallback.
type Registry struct {
	handlers map[string]DependencyExtractor
	fallback DependencyExtractor

	// DeriveContainment adds a Required/Contains edge from every child
	// resource to the parent encoded in its identifier.
	DeriveContainment bool
}

// NewRegistry creates a registry with the given fallback extractor. A nil
// fallback disables extraction for unregistered types.
func NewRegistry(fallback DependencyExtractor) *Registry {
	return &Registry{
		handlers: make(map[string]DependencyExtractor),
		fallback: fallback,
	}
}

// Register binds an extractor to a resource type, replacing any existing one.
func (reg *Registry) Register(resourceType string, x DependencyExtractor) {
	reg.handlers[strings.ToLower(resourceType)] = x
}

// Types returns the registered resource types, lower-cased and sorted.
func (reg *Registry) Types() []string {
	out := make([]string, 0, len(reg.handlers))
	for t := range reg.handlers {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Extract returns the de-duplicated edges of r. When several rules yield the
// same target and kind, the strongest strength wins.
func (reg *Registry) Extract(r *engine.Resource) []engine.DependencyEdge {
	var raw []engine.DependencyEdge
	if x, ok := reg.handlers[strings.ToLower(r.Type)]; ok {
		raw = append(raw, x.Extract(r)...)
	} else if reg.fallback != nil {
		raw = append(raw, reg.fallback.Extract(r)...)
	}
	if reg.DeriveContainment {
		if parent := ParentID(r.ID); parent != "" {
			raw = append(raw, engine.DependencyEdge{
				From:     r.ID,
				To:       parent,
				Strength: engine.StrengthRequired,
				Kind:     engine.EdgeContains,
			})
		}
	}
	return dedupe(raw)
}

func dedupe(edges []engine.DependencyEdge) []engine.DependencyEdge {
	type key struct {
		to   string
		kind engine.EdgeKind
	}
	best := make(map[key]int)
	var out []engine.DependencyEdge
	for _, e := range edges {
		if e.Validate() != nil {
			continue
		}
		k := key{strings.ToLower(e.To), e.Kind}
		if i, ok := best[k]; ok {
			if strengthRank(e.Strength) > strengthRank(out[i].Strength) {
				out[i].Strength = e.Strength
			}
			continue
		}
		best[k] = len(out)
		out = append(out, e)
	}
	return out
}

// ARM resource types with built-in extractors.
const (
	TypeVirtualMachine   = "Microsoft.Compute/virtualMachines"
	TypeNetworkInterface = "Microsoft.Network/networkInterfaces"
	TypeSubnet           = "Microsoft.Network/virtualNetworks/subnets"
	TypeVirtualNetwork   = "Microsoft.Network/virtualNetworks"
	TypePrivateEndpoint  = "Microsoft.Network/privateEndpoints"
	TypeWebSite          = "Microsoft.Web/sites"
)

// DefaultRegistry returns a registry with handlers for common ARM resource
// types, the generic identifier scan as fallback and containment derivation on.
func DefaultRegistry() *Registry {
	reg := NewRegistry(GenericExtractor{})
	reg.DeriveContainment = true

	reg.Register(TypeVirtualMachine, PathExtractor{Rules: []PathRule{
		{Path: "networkProfile.networkInterfaces[].id", Strength: engine.StrengthRequired, Kind: engine.EdgeUses},
		{Path: "storageProfile.osDisk.managedDisk.id", Strength: engine.StrengthRequired, Kind: engine.EdgeUses},
		{Path: "storageProfile.dataDisks[].managedDisk.id", Strength: engine.StrengthRequired, Kind: engine.EdgeUses},
		{Path: "availabilitySet.id", Strength: engine.StrengthOptional, Kind: engine.EdgeReferences},
		{Path: "proximityPlacementGroup.id", Strength: engine.StrengthOptional, Kind: engine.EdgeReferences},
	}})
	reg.Register(TypeNetworkInterface, PathExtractor{Rules: []PathRule{
		{Path: "ipConfigurations[].subnet.id", Strength: engine.StrengthRequired, Kind: engine.EdgeUses},
		{Path: "ipConfigurations[].publicIPAddress.id", Strength: engine.StrengthOptional, Kind: engine.EdgeUses},
		{Path: "networkSecurityGroup.id", Strength: engine.StrengthOptional, Kind: engine.EdgeReferences},
	}})
	reg.Register(TypeSubnet, PathExtractor{Rules: []PathRule{
		{Path: "networkSecurityGroup.id", Strength: engine.StrengthOptional, Kind: engine.EdgeReferences},
		{Path: "routeTable.id", Strength: engine.StrengthOptional, Kind: engine.EdgeReferences},
	}})
	reg.Register(TypeVirtualNetwork, PathExtractor{Rules: []PathRule{
		{Path: "virtualNetworkPeerings[].remoteVirtualNetwork.id", Strength: engine.StrengthReference, Kind: engine.EdgePeersWith},
	}})
	reg.Register(TypePrivateEndpoint, PathExtractor{Rules: []PathRule{
		{Path: "subnet.id", Strength: engine.StrengthRequired, Kind: engine.EdgeUses},
		{Path: "privateLinkServiceConnections[].privateLinkServiceId", Strength: engine.StrengthRequired, Kind: engine.EdgeReferences},
	}})
	reg.Register(TypeWebSite, PathExtractor{Rules: []PathRule{
		{Path: "serverFarmId", Strength: engine.StrengthRequired, Kind: engine.EdgeUses},
	}})

	return reg
}
