// Package toposort orders string-keyed directed graphs.
package toposort

import "sort"

// Graph is a directed graph keyed by strings. An edge from -> to means that
// from must be ordered before to.
type Graph struct {
	symbols  *SymbolTable
	intGraph *IntGraph
}

// NewGraph initializes a new Graph.
func NewGraph() *Graph {
	return &Graph{
		symbols:  NewSymbolTable(),
		intGraph: NewIntGraph(),
	}
}

// AddNode inserts a node and reports whether it was new.
func (g *Graph) AddNode(name string) bool {
	if _, exists := g.symbols.Lookup(name); exists {
		return false
	}

	return g.intGraph.AddNode(g.symbols.Intern(name))
}

// AddEdge inserts the link from "from" to "to" and returns the in-degree of "to".
func (g *Graph) AddEdge(from, to string) int {
	u := g.symbols.Intern(from)
	v := g.symbols.Intern(to)

	g.intGraph.AddNode(u)
	g.intGraph.AddNode(v)
	g.intGraph.AddEdge(u, v)

	return g.intGraph.inDegree[v]
}

// RemoveEdge deletes the link from "from" to "to".
func (g *Graph) RemoveEdge(from, to string) bool {
	u, ok1 := g.symbols.Lookup(from)
	v, ok2 := g.symbols.Lookup(to)

	if !ok1 || !ok2 {
		return false
	}

	return g.intGraph.RemoveEdge(u, v)
}

// Len returns the number of nodes.
func (g *Graph) Len() int {
	return g.symbols.Len()
}

// Toposort orders the nodes so that every edge points forward. Whenever
// several nodes are ready, the lexically smallest name goes first, so the
// result depends only on the graph and not on insertion order.
// The boolean is false when the graph contains a cycle.
func (g *Graph) Toposort() ([]string, bool) {
	ids, ok := g.intGraph.TopoSortFunc(func(a, b int) bool {
		return g.symbols.Resolve(a) < g.symbols.Resolve(b)
	})

	return g.resolveAll(ids), ok
}

// Unsorted returns, in lexical order, the nodes left out of a partial sort.
func (g *Graph) Unsorted(sorted []string) []string {
	ids := make([]int, 0, len(sorted))

	for _, name := range sorted {
		if id, ok := g.symbols.Lookup(name); ok {
			ids = append(ids, id)
		}
	}

	rest := g.resolveAll(g.intGraph.Unsorted(ids))
	sort.Strings(rest)

	return rest
}

// FindCycle returns the cycle through seed, without repeating seed at the end.
func (g *Graph) FindCycle(seed string) []string {
	id, exists := g.symbols.Lookup(seed)
	if !exists {
		return []string{}
	}

	cycleIDs := g.intGraph.FindCycle(id)
	if len(cycleIDs) > 1 && cycleIDs[0] == cycleIDs[len(cycleIDs)-1] {
		cycleIDs = cycleIDs[:len(cycleIDs)-1]
	}

	return g.resolveAll(cycleIDs)
}

// FindParents returns the other ends of incoming edges, sorted.
func (g *Graph) FindParents(to string) []string {
	targetID, exists := g.symbols.Lookup(to)
	if !exists {
		return []string{}
	}

	var parents []string

	for u, children := range g.intGraph.nodes {
		for _, v := range children {
			if v == targetID {
				parents = append(parents, g.symbols.Resolve(u))

				break
			}
		}
	}

	sort.Strings(parents)

	return parents
}

// FindChildren returns the other ends of outgoing edges, sorted.
func (g *Graph) FindChildren(from string) []string {
	u, exists := g.symbols.Lookup(from)
	if !exists || u >= len(g.intGraph.nodes) {
		return []string{}
	}

	children := g.resolveAll(g.intGraph.nodes[u])
	sort.Strings(children)

	return children
}

func (g *Graph) resolveAll(ids []int) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = g.symbols.Resolve(id)
	}

	return out
}
