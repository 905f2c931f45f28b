// Package depgraph maintains the resource dependency graph for the registry.
//
// It tracks which resources depend on which, rejects edges that would close
// a cycle, and produces the reverse-topological order used during cleanup so
// a resource is never freed before the resources that depend on it.
package depgraph

// Graph is a directed dependency graph over uint32 resource handles.
// An edge a -> b means a depends on b; b must outlive a.
// Not safe for concurrent use; the registry serializes access.
type Graph struct {
	// deps maps a node to the nodes it depends on
	deps map[uint32][]uint32

	// dependents maps a node to the nodes depending on it
	dependents map[uint32]map[uint32]struct{}
}

// New creates an empty graph
func New() *Graph {
	return &Graph{
		deps:       make(map[uint32][]uint32),
		dependents: make(map[uint32]map[uint32]struct{}),
	}
}

// Contains reports whether the node is known to the graph
func (g *Graph) Contains(n uint32) bool {
	_, ok := g.deps[n]
	return ok
}

// Add inserts a node with its dependency edges. All dependencies must
// already be present. Add reports false if an edge would close a cycle,
// leaving the graph unchanged.
func (g *Graph) Add(n uint32, deps []uint32) bool {
	for _, d := range deps {
		if d == n || g.reaches(d, n) {
			return false
		}
	}

	g.deps[n] = append([]uint32(nil), deps...)
	for _, d := range deps {
		set := g.dependents[d]
		if set == nil {
			set = make(map[uint32]struct{})
			g.dependents[d] = set
		}
		set[n] = struct{}{}
	}
	if g.dependents[n] == nil {
		g.dependents[n] = make(map[uint32]struct{})
	}
	return true
}

// AddEdge inserts a dependency edge from -> to between existing nodes.
// Reports false if the edge would close a cycle or already exists elsewhere
// in the path, leaving the graph unchanged.
func (g *Graph) AddEdge(from, to uint32) bool {
	if from == to || g.reaches(to, from) {
		return false
	}
	for _, d := range g.deps[from] {
		if d == to {
			return true
		}
	}
	g.deps[from] = append(g.deps[from], to)
	set := g.dependents[to]
	if set == nil {
		set = make(map[uint32]struct{})
		g.dependents[to] = set
	}
	set[from] = struct{}{}
	return true
}

// Remove drops a node and all edges touching it
func (g *Graph) Remove(n uint32) {
	for _, d := range g.deps[n] {
		delete(g.dependents[d], n)
	}
	delete(g.deps, n)
	delete(g.dependents, n)
}

// Dependencies returns the nodes n depends on
func (g *Graph) Dependencies(n uint32) []uint32 {
	return append([]uint32(nil), g.deps[n]...)
}

// Dependents returns the nodes that depend on n
func (g *Graph) Dependents(n uint32) []uint32 {
	set := g.dependents[n]
	if len(set) == 0 {
		return nil
	}
	out := make([]uint32, 0, len(set))
	for d := range set {
		out = append(out, d)
	}
	return out
}

// HasDependents reports whether any live node still depends on n
func (g *Graph) HasDependents(n uint32) bool {
	return len(g.dependents[n]) > 0
}

// reaches reports whether dst is reachable from src along dependency edges
func (g *Graph) reaches(src, dst uint32) bool {
	if src == dst {
		return true
	}
	seen := map[uint32]struct{}{src: {}}
	stack := []uint32{src}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, next := range g.deps[cur] {
			if next == dst {
				return true
			}
			if _, ok := seen[next]; !ok {
				seen[next] = struct{}{}
				stack = append(stack, next)
			}
		}
	}
	return false
}

// CleanupOrder returns the members of set ordered so that every node appears
// before all of its dependencies within the set (dependents first). The walk
// is Kahn's algorithm on the subgraph induced by set, using dependent-edges
// as the in-degree source.
func (g *Graph) CleanupOrder(set []uint32) []uint32 {
	member := make(map[uint32]struct{}, len(set))
	for _, n := range set {
		member[n] = struct{}{}
	}

	// indeg counts, for each node, how many set members depend on it
	indeg := make(map[uint32]int, len(set))
	for _, n := range set {
		indeg[n] = 0
	}
	for _, n := range set {
		for _, d := range g.deps[n] {
			if _, ok := member[d]; ok {
				indeg[d]++
			}
		}
	}

	queue := make([]uint32, 0, len(set))
	for _, n := range set {
		if indeg[n] == 0 {
			queue = append(queue, n)
		}
	}

	order := make([]uint32, 0, len(set))
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		order = append(order, n)
		for _, d := range g.deps[n] {
			if _, ok := member[d]; !ok {
				continue
			}
			indeg[d]--
			if indeg[d] == 0 {
				queue = append(queue, d)
			}
		}
	}
	return order
}
