package toposort

import "sort"

// IntGraph is a directed graph over dense integer node ids.
type IntGraph struct {
	// nodes[u] holds every v with an edge u -> v, in insertion order.
	nodes    [][]int
	inDegree []int
}

// NewIntGraph creates an empty IntGraph.
func NewIntGraph() *IntGraph {
	return &IntGraph{
		nodes:    make([][]int, 0),
		inDegree: make([]int, 0),
	}
}

// EnsureCapacity grows the graph so that ids below n are valid nodes.
func (g *IntGraph) EnsureCapacity(n int) {
	if n <= len(g.nodes) {
		return
	}

	nodes := make([][]int, n)
	copy(nodes, g.nodes)
	g.nodes = nodes

	inDegree := make([]int, n)
	copy(inDegree, g.inDegree)
	g.inDegree = inDegree
}

// AddNode makes id a valid node. It reports whether the graph grew.
func (g *IntGraph) AddNode(id int) bool {
	if id < len(g.nodes) {
		return false
	}

	g.EnsureCapacity(id + 1)

	return true
}

// AddEdge adds u -> v and reports whether the edge is new.
func (g *IntGraph) AddEdge(u, v int) bool {
	g.EnsureCapacity(max(u, v) + 1)

	for _, neighbor := range g.nodes[u] {
		if neighbor == v {
			return false
		}
	}

	g.nodes[u] = append(g.nodes[u], v)
	g.inDegree[v]++

	return true
}

// RemoveEdge removes u -> v and reports whether it existed.
func (g *IntGraph) RemoveEdge(u, v int) bool {
	if u >= len(g.nodes) || v >= len(g.nodes) {
		return false
	}

	for i, neighbor := range g.nodes[u] {
		if neighbor == v {
			g.nodes[u] = append(g.nodes[u][:i], g.nodes[u][i+1:]...)
			g.inDegree[v]--

			return true
		}
	}

	return false
}

// Len returns the number of nodes.
func (g *IntGraph) Len() int {
	return len(g.nodes)
}

// TopoSort runs Kahn's algorithm with ties broken by ascending id.
// The boolean is false when the graph has a cycle; the returned prefix then
// holds the nodes that could be ordered.
func (g *IntGraph) TopoSort() ([]int, bool) {
	return g.TopoSortFunc(func(a, b int) bool { return a < b })
}

// TopoSortFunc runs Kahn's algorithm. Among the nodes that are ready at any
// step, the smallest according to less is emitted first.
func (g *IntGraph) TopoSortFunc(less func(a, b int) bool) ([]int, bool) {
	n := len(g.nodes)
	if n == 0 {
		return []int{}, true
	}

	inDegree := make([]int, n)
	copy(inDegree, g.inDegree)

	queue := make([]int, 0)

	for i := range n {
		if inDegree[i] == 0 {
			queue = append(queue, i)
		}
	}

	sort.Slice(queue, func(i, j int) bool { return less(queue[i], queue[j]) })

	result := make([]int, 0, n)

	for len(queue) > 0 {
		u := queue[0]
		queue = queue[1:]
		result = append(result, u)

		for _, v := range g.nodes[u] {
			inDegree[v]--
			if inDegree[v] == 0 {
				queue = insertSorted(queue, v, less)
			}
		}
	}

	return result, len(result) == n
}

// Unsorted returns the nodes that still have incoming edges after every
// orderable node has been removed. These are the members of cycles and their
// descendants.
func (g *IntGraph) Unsorted(sorted []int) []int {
	done := make([]bool, len(g.nodes))
	for _, id := range sorted {
		done[id] = true
	}

	var rest []int

	for id, ok := range done {
		if !ok {
			rest = append(rest, id)
		}
	}

	return rest
}

// FindCycle returns a cycle that starts and ends at start, or an empty slice.
func (g *IntGraph) FindCycle(start int) []int {
	if start >= len(g.nodes) {
		return []int{}
	}

	pathMap := map[int]int{start: -1}
	q := []int{start}

	for len(q) > 0 {
		u := q[0]
		q = q[1:]

		for _, v := range g.nodes[u] {
			if v == start {
				cycle := []int{start}
				for curr := u; curr != start && curr != -1; curr = pathMap[curr] {
					cycle = append(cycle, curr)
				}

				cycle = append(cycle, start)

				for i, j := 0, len(cycle)-1; i < j; i, j = i+1, j-1 {
					cycle[i], cycle[j] = cycle[j], cycle[i]
				}

				return cycle
			}

			if _, visited := pathMap[v]; !visited {
				pathMap[v] = u
				q = append(q, v)
			}
		}
	}

	return []int{}
}

func insertSorted(s []int, v int, less func(a, b int) bool) []int {
	i := sort.Search(len(s), func(i int) bool { return less(v, s[i]) })
	s = append(s, 0)
	copy(s[i+1:], s[i:])
	s[i] = v

	return s
}
