package graph

import (
	"fmt"
	"io"
	"slices"
	"sort"
	"strings"
	"sync"
)

var (
	// ErrCircularDependency is returned when the graph cannot be topologically sorted
	// because it contains a cycle. The concrete error is a *CycleError.
	ErrCircularDependency = fmt.Errorf("circular dependency found")

	// ErrNodeNotFound indicates a requested node does not exist in the graph.
	ErrNodeNotFound = fmt.Errorf("node not found")
)

// CycleError names the nodes of one cycle, in edge order, with the first node
// repeated at the end.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("%s: %s", ErrCircularDependency, strings.Join(e.Path, " -> "))
}

func (e *CycleError) Is(target error) bool {
	return target == ErrCircularDependency
}

func New() *Graph {
	return &Graph{
		nodes: make(map[string]*Node),
	}
}

// Graph is a directed graph whose edges point from a prerequisite to the nodes
// that depend on it. Nodes keep their insertion order so that sorts and waves
// are deterministic.
type Graph struct {
	nodes map[string]*Node
	order []string

	// mu protects the cached waves
	mu          sync.RWMutex
	cachedWaves [][]*Node
}

// NewNode creates a new graph node with the given name.
func NewNode(name string) *Node {
	return &Node{
		Name:  name,
		edges: make([]*Node, 0),
	}
}

// Node represents a node in the graph.
type Node struct {
	Name  string
	edges []*Node
}

// AddEdge adds edges from this node to the targets: this node must come
// before them.
func (n *Node) AddEdge(targets ...*Node) {
	for _, t := range targets {
		if !slices.Contains(n.edges, t) {
			n.edges = append(n.edges, t)
		}
	}
}

// AddNode adds one or more nodes to the graph. If a node with the same name already
// exists, it is overwritten.
func (g *Graph) AddNode(nodes ...*Node) {
	for _, node := range nodes {
		if _, exists := g.nodes[node.Name]; !exists {
			g.order = append(g.order, node.Name)
		}
		g.nodes[node.Name] = node
	}
	g.invalidate()
}

// AddEdgeByName adds edges from a source node to target nodes, by name.
// Returns an error if the source or any target node doesn't exist in the graph.
func (g *Graph) AddEdgeByName(sourceName string, targetNames ...string) error {
	sourceNode, ok := g.nodes[sourceName]
	if !ok {
		return fmt.Errorf("source node %q: %w", sourceName, ErrNodeNotFound)
	}

	targets := make([]*Node, len(targetNames))
	for i, targetName := range targetNames {
		targetNode, ok := g.nodes[targetName]
		if !ok {
			return fmt.Errorf("target node %q: %w", targetName, ErrNodeNotFound)
		}
		targets[i] = targetNode
	}

	sourceNode.AddEdge(targets...)
	g.invalidate()
	return nil
}

func (g *Graph) invalidate() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cachedWaves = nil
}

// Waves partitions the nodes into layers: every node's prerequisites lie in
// earlier layers, so the nodes of one layer can run concurrently. The result
// is cached until the graph changes. A cycle yields a *CycleError.
func (g *Graph) Waves() ([][]*Node, error) {
	g.mu.RLock()
	if g.cachedWaves != nil {
		defer g.mu.RUnlock()
		return g.cachedWaves, nil
	}
	g.mu.RUnlock()

	g.mu.Lock()
	defer g.mu.Unlock()
	waves, err := g.waves()
	if err != nil {
		return nil, err
	}
	g.cachedWaves = waves
	return waves, nil
}

// waves is Kahn's algorithm, emitting one layer per round.
func (g *Graph) waves() ([][]*Node, error) {
	inDegree := make(map[string]int, len(g.nodes))
	for _, name := range g.order {
		for _, target := range g.nodes[name].edges {
			inDegree[target.Name]++
		}
	}

	var current []*Node
	for _, name := range g.order {
		if inDegree[name] == 0 {
			current = append(current, g.nodes[name])
		}
	}

	waves := make([][]*Node, 0)
	processed := 0
	for len(current) > 0 {
		waves = append(waves, current)
		processed += len(current)

		var next []*Node
		for _, n := range current {
			for _, m := range n.edges {
				inDegree[m.Name]--
				if inDegree[m.Name] == 0 {
					next = append(next, m)
				}
			}
		}
		g.sortByInsertion(next)
		current = next
	}

	if processed != len(g.nodes) {
		return nil, &CycleError{Path: g.findCycle()}
	}
	return waves, nil
}

func (g *Graph) sortByInsertion(nodes []*Node) {
	index := make(map[string]int, len(g.order))
	for i, name := range g.order {
		index[name] = i
	}
	sort.Slice(nodes, func(i, j int) bool {
		return index[nodes[i].Name] < index[nodes[j].Name]
	})
}

// findCycle returns one cycle by depth first search, or nil.
func (g *Graph) findCycle() []string {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(g.nodes))
	var stack []string

	var visit func(n *Node) []string
	visit = func(n *Node) []string {
		state[n.Name] = visiting
		stack = append(stack, n.Name)
		for _, m := range n.edges {
			switch state[m.Name] {
			case visiting:
				start := slices.Index(stack, m.Name)
				return append(slices.Clone(stack[start:]), m.Name)
			case unvisited:
				if cycle := visit(m); cycle != nil {
					return cycle
				}
			}
		}
		stack = stack[:len(stack)-1]
		state[n.Name] = done
		return nil
	}

	for _, name := range g.order {
		if state[name] == unvisited {
			if cycle := visit(g.nodes[name]); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

// Reachable reports whether there is a path of one or more edges from one
// named node to another.
func (g *Graph) Reachable(from, to string) bool {
	start, ok := g.nodes[from]
	if !ok {
		return false
	}
	seen := map[string]bool{}
	queue := slices.Clone(start.edges)
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		if n.Name == to {
			return true
		}
		if seen[n.Name] {
			continue
		}
		seen[n.Name] = true
		queue = append(queue, n.edges...)
	}
	return false
}

// Descendants returns every node reachable from the named node, in insertion
// order.
func (g *Graph) Descendants(name string) []string {
	var out []string
	for _, candidate := range g.order {
		if candidate != name && g.Reachable(name, candidate) {
			out = append(out, candidate)
		}
	}
	return out
}

// AsDot generates a Graphviz DOT representation of the graph. attrs, when
// non-nil, supplies extra node attributes such as a fill colour per state.
func (g *Graph) AsDot(w io.Writer, graphName string, attrs func(name string) string) {
	fmt.Fprintf(w, "digraph %q {\n", graphName)
	fmt.Fprintf(w, "  rankdir=\"LR\";\n")
	fmt.Fprintf(w, "  node [shape=box, style=rounded];\n")

	nodeNames := slices.Clone(g.order)
	sort.Strings(nodeNames)

	for _, nodeName := range nodeNames {
		node := g.nodes[nodeName]
		if attrs != nil {
			if a := attrs(nodeName); a != "" {
				fmt.Fprintf(w, "  %q [%s];\n", nodeName, a)
			}
		}
		if len(node.edges) == 0 {
			fmt.Fprintf(w, "  %q;\n", node.Name)
			continue
		}
		targets := make([]string, 0, len(node.edges))
		for _, edge := range node.edges {
			targets = append(targets, edge.Name)
		}
		sort.Strings(targets)
		for _, target := range targets {
			fmt.Fprintf(w, "  %q -> %q;\n", node.Name, target)
		}
	}
	fmt.Fprintf(w, "}\n")
}
