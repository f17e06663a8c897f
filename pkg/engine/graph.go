package engine

import (
	"fmt"

	"github.com/loom-iac/loom/pkg/config"
)

// Graph is the validated resource graph: every declared resource indexed by
// address, with dependency edges derived from its references.
type Graph struct {
	// resources preserves declaration order across config files.
	resources []*config.Resource

	// byAddr maps "<type>.<name>" to its resource.
	byAddr map[string]*config.Resource

	// dependencies maps a consumer address to its producer addresses.
	dependencies map[string][]string

	// dependents maps a producer address to its consumer addresses.
	dependents map[string][]string
}

// BuildGraph validates declared resources and links their reference edges.
// Duplicate addresses and references to undeclared resources are rejected.
func BuildGraph(resources []*config.Resource) (*Graph, error) {
	g := &Graph{
		resources:    make([]*config.Resource, 0, len(resources)),
		byAddr:       make(map[string]*config.Resource, len(resources)),
		dependencies: make(map[string][]string, len(resources)),
		dependents:   make(map[string][]string, len(resources)),
	}

	// First pass: index all resources
	for _, res := range resources {
		addr := res.Addr()
		if _, exists := g.byAddr[addr]; exists {
			return nil, NewPermanentError(
				fmt.Sprintf("resource %s declared more than once", addr), nil,
			).WithCode(ErrCodeDuplicateResource).WithResource(addr)
		}
		g.byAddr[addr] = res
		g.resources = append(g.resources, res)
	}

	// Second pass: build dependency edges and validate reference targets
	for _, res := range g.resources {
		addr := res.Addr()
		seen := make(map[string]bool)

		for _, ref := range res.References {
			target := ref.TargetAddr()
			if _, exists := g.byAddr[target]; !exists {
				return nil, NewPermanentError(
					fmt.Sprintf("resource %s references undeclared resource %s (argument %s)",
						addr, target, ref.SourceArg),
					nil,
				).WithCode(ErrCodeUnknownReference).WithResource(addr)
			}

			if seen[target] {
				continue
			}
			seen[target] = true

			g.dependencies[addr] = append(g.dependencies[addr], target)
			g.dependents[target] = append(g.dependents[target], addr)
		}
	}

	return g, nil
}

// Resources returns all resources in declaration order.
func (g *Graph) Resources() []*config.Resource {
	return g.resources
}

// Resource returns the resource at addr, or nil if not declared.
func (g *Graph) Resource(addr string) *config.Resource {
	return g.byAddr[addr]
}

// Dependencies returns the producer addresses addr references.
func (g *Graph) Dependencies(addr string) []string {
	return g.dependencies[addr]
}

// Dependents returns the consumer addresses that reference addr.
func (g *Graph) Dependents(addr string) []string {
	return g.dependents[addr]
}

// Len returns the number of declared resources.
func (g *Graph) Len() int {
	return len(g.resources)
}
