package catalog

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/capstan-io/capstan/pkg/engine"
)

// Catalog indexes descriptors by capability and operation.
type Catalog struct {
	mu    sync.RWMutex
	byID  map[string]*engine.Descriptor
	byCap map[string][]*engine.Descriptor
}

// New returns an empty catalog.
func New() *Catalog {
	return &Catalog{
		byID:  make(map[string]*engine.Descriptor),
		byCap: make(map[string][]*engine.Descriptor),
	}
}

// Add registers d. Operation ids are unique across capabilities.
func (c *Catalog) Add(d *engine.Descriptor) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.byID[d.ID]; ok {
		return fmt.Errorf("duplicate operation id %s (already defined in %s)", d.ID, existing.Source)
	}
	c.byID[d.ID] = d
	c.byCap[d.Capability] = append(c.byCap[d.Capability], d)
	return nil
}

// Len returns the number of descriptors.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.byID)
}

// Get returns the descriptor with the given id.
func (c *Catalog) Get(id string) (*engine.Descriptor, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.byID[id]
	return d, ok
}

// Find returns the operation of a capability, matched by id, by name, or
// by id with the capability prefix omitted ("create-vnet" finds
// "networking-create-vnet"). Matching ignores case.
func (c *Catalog) Find(capability, operation string) (*engine.Descriptor, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	candidates, ok := c.byCap[capability]
	if !ok {
		return nil, engine.NotFoundf("capability %s not found", capability)
	}
	for _, d := range candidates {
		if strings.EqualFold(d.ID, operation) || strings.EqualFold(d.Name, operation) {
			return d, nil
		}
	}
	for _, d := range candidates {
		if strings.EqualFold(d.ID, capability+"-"+operation) {
			return d, nil
		}
	}
	return nil, engine.NotFoundf("operation %s not found in capability %s", operation, capability)
}

// Capabilities returns the capability names, sorted.
func (c *Catalog) Capabilities() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.byCap))
	for name := range c.byCap {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Descriptors returns every descriptor sorted by id.
func (c *Catalog) Descriptors() []*engine.Descriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*engine.Descriptor, 0, len(c.byID))
	for _, d := range c.byID {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Replace swaps the contents of c for those of other. It is used by the
// watcher so that holders of c see reloaded descriptors.
func (c *Catalog) Replace(other *Catalog) {
	other.mu.RLock()
	byID, byCap := other.byID, other.byCap
	other.mu.RUnlock()

	c.mu.Lock()
	c.byID, c.byCap = byID, byCap
	c.mu.Unlock()
}
