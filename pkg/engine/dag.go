package engine

import (
	"fmt"
	"sort"
	"strings"
)

// DAGBuilder computes a topological ordering of the resource graph.
// It detects cycles and assigns execution levels for parallel execution.
type DAGBuilder struct {
	graph *Graph

	// adjacencyList maps producer addresses to their consumers
	adjacencyList map[string][]string

	// inDegree tracks the number of incoming edges for each node
	inDegree map[string]int

	// declIndex maps addresses to declaration order for stable sorting
	declIndex map[string]int

	// levels maps execution level to addresses at that level
	levels [][]string
}

// NewDAGBuilder creates a DAG builder over a validated resource graph.
func NewDAGBuilder(graph *Graph) *DAGBuilder {
	b := &DAGBuilder{
		graph:         graph,
		adjacencyList: make(map[string][]string, graph.Len()),
		inDegree:      make(map[string]int, graph.Len()),
		declIndex:     make(map[string]int, graph.Len()),
		levels:        make([][]string, 0),
	}

	for i, res := range graph.Resources() {
		addr := res.Addr()
		b.declIndex[addr] = i
		b.inDegree[addr] = len(graph.Dependencies(addr))
		b.adjacencyList[addr] = graph.Dependents(addr)
	}

	return b
}

// Levels computes execution levels using Kahn's algorithm. Addresses at the
// same level have no edges between them and can run in parallel. Within a
// level, declaration order is preserved so output is deterministic.
func (b *DAGBuilder) Levels() ([][]string, error) {
	if len(b.levels) > 0 {
		return b.levels, nil
	}
	if b.graph.Len() == 0 {
		return b.levels, nil
	}

	if err := b.detectCycles(); err != nil {
		return nil, err
	}

	inDegreeCopy := make(map[string]int, len(b.inDegree))
	for addr, degree := range b.inDegree {
		inDegreeCopy[addr] = degree
	}

	currentLevel := make([]string, 0)
	for addr, degree := range inDegreeCopy {
		if degree == 0 {
			currentLevel = append(currentLevel, addr)
		}
	}
	b.sortByDeclaration(currentLevel)

	processedCount := 0
	for len(currentLevel) > 0 {
		b.levels = append(b.levels, currentLevel)
		processedCount += len(currentLevel)

		nextLevel := make([]string, 0)
		for _, addr := range currentLevel {
			for _, dependent := range b.adjacencyList[addr] {
				inDegreeCopy[dependent]--
				if inDegreeCopy[dependent] == 0 {
					nextLevel = append(nextLevel, dependent)
				}
			}
		}
		b.sortByDeclaration(nextLevel)

		currentLevel = nextLevel
	}

	// Should never trip once cycle detection has passed.
	if processedCount != b.graph.Len() {
		return nil, NewPermanentError("failed to order all resources", nil).
			WithCode(ErrCodeInternal)
	}

	return b.levels, nil
}

// Order returns a flat topological ordering of all addresses.
func (b *DAGBuilder) Order() ([]string, error) {
	levels, err := b.Levels()
	if err != nil {
		return nil, err
	}

	order := make([]string, 0, b.graph.Len())
	for _, level := range levels {
		order = append(order, level...)
	}
	return order, nil
}

// detectCycles uses depth-first search to detect circular dependencies.
func (b *DAGBuilder) detectCycles() error {
	visited := make(map[string]bool)
	recStack := make(map[string]bool)
	path := make([]string, 0)

	// Iterate in declaration order so the reported cycle is deterministic.
	for _, res := range b.graph.Resources() {
		addr := res.Addr()
		if !visited[addr] {
			if cycle := b.detectCyclesUtil(addr, visited, recStack, path); cycle != nil {
				return NewPermanentError(
					fmt.Sprintf("circular dependency detected: %s", formatCycle(cycle)),
					nil,
				).WithCode(ErrCodeCyclicDependency)
			}
		}
	}

	return nil
}

// detectCyclesUtil performs DFS to detect cycles in the dependency graph.
func (b *DAGBuilder) detectCyclesUtil(
	addr string,
	visited map[string]bool,
	recStack map[string]bool,
	path []string,
) []string {
	visited[addr] = true
	recStack[addr] = true
	path = append(path, addr)

	for _, dependent := range b.adjacencyList[addr] {
		if !visited[dependent] {
			if cycle := b.detectCyclesUtil(dependent, visited, recStack, path); cycle != nil {
				return cycle
			}
		} else if recStack[dependent] {
			cycleStart := -1
			for i, member := range path {
				if member == dependent {
					cycleStart = i
					break
				}
			}
			if cycleStart >= 0 {
				return append(path[cycleStart:], dependent)
			}
		}
	}

	recStack[addr] = false
	return nil
}

// sortByDeclaration orders addresses by their declaration index.
func (b *DAGBuilder) sortByDeclaration(addrs []string) {
	sort.Slice(addrs, func(i, j int) bool {
		return b.declIndex[addrs[i]] < b.declIndex[addrs[j]]
	})
}

// ToDOT generates a DOT format representation of the resource graph.
// The output can be rendered with Graphviz tools.
func (b *DAGBuilder) ToDOT() (string, error) {
	levels, err := b.Levels()
	if err != nil {
		return "", err
	}

	var sb strings.Builder

	sb.WriteString("digraph resources {\n")
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for level, addrs := range levels {
		sb.WriteString(fmt.Sprintf("  subgraph cluster_level_%d {\n", level))
		sb.WriteString(fmt.Sprintf("    label=\"Level %d\";\n", level))
		sb.WriteString("    style=dashed;\n")

		for _, addr := range addrs {
			sb.WriteString(fmt.Sprintf("    %q;\n", addr))
		}

		sb.WriteString("  }\n\n")
	}

	for _, res := range b.graph.Resources() {
		addr := res.Addr()
		for _, producer := range b.graph.Dependencies(addr) {
			sb.WriteString(fmt.Sprintf("  %q -> %q;\n", producer, addr))
		}
	}

	sb.WriteString("}\n")
	return sb.String(), nil
}

// formatCycle formats a cycle path for error messages.
func formatCycle(cycle []string) string {
	if len(cycle) == 0 {
		return ""
	}
	return strings.Join(cycle, " -> ")
}
