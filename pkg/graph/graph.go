// Package graph provides the sound similarity graph and the builders that
// derive it from nearest-neighbor queries.
//
// Graphs are undirected and weighted, with no self-loops. Nodes live in an
// arena in insertion order; removals are two-phase (collect, then apply) so
// no caller ever mutates the structure it is iterating over.
//
// Example:
//
//	g := graph.New()
//	g.AddEdge("1", "2", 1)
//	g.AddEdge("2", "3", 1)
//	g.AddNode("4")
//	removed := g.RemoveIsolates() // ["4"]
//
// ELI12:
//
// Think of every sound as a kid in a playground. Each kid points at the few
// kids who sound most like them, and every pointing finger becomes a piece
// of string tying two kids together. Kids with no string at all are sent
// home (isolates), because they can't belong to any group.
package graph

import (
	"sort"

	"gonum.org/v1/gonum/graph/simple"
)

// Graph is an undirected weighted graph keyed by sound id.
type Graph struct {
	ids   []string
	index map[string]int
	adj   []map[int]float64
	edges int
}

// Edge is one undirected edge.
type Edge struct {
	Source string
	Target string
	Weight float64
}

// New returns an empty graph.
func New() *Graph {
	return &Graph{index: make(map[string]int)}
}

// AddNode adds id if absent and returns its arena position.
func (g *Graph) AddNode(id string) int {
	if i, ok := g.index[id]; ok {
		return i
	}
	i := len(g.ids)
	g.ids = append(g.ids, id)
	g.adj = append(g.adj, make(map[int]float64))
	g.index[id] = i
	return i
}

// AddEdge connects a and b, adding missing endpoints. Self-loops are
// ignored. Adding an existing edge overwrites its weight.
func (g *Graph) AddEdge(a, b string, weight float64) {
	if a == b {
		return
	}
	i, j := g.AddNode(a), g.AddNode(b)
	if _, exists := g.adj[i][j]; !exists {
		g.edges++
	}
	g.adj[i][j] = weight
	g.adj[j][i] = weight
}

// HasNode reports whether id is a node.
func (g *Graph) HasNode(id string) bool {
	_, ok := g.index[id]
	return ok
}

// HasEdge reports whether a and b are adjacent.
func (g *Graph) HasEdge(a, b string) bool {
	_, ok := g.Weight(a, b)
	return ok
}

// Weight returns the weight of edge a-b.
func (g *Graph) Weight(a, b string) (float64, bool) {
	i, ok := g.index[a]
	if !ok {
		return 0, false
	}
	j, ok := g.index[b]
	if !ok {
		return 0, false
	}
	w, ok := g.adj[i][j]
	return w, ok
}

// NumNodes returns the node count.
func (g *Graph) NumNodes() int { return len(g.ids) }

// NumEdges returns the edge count.
func (g *Graph) NumEdges() int { return g.edges }

// Nodes returns node ids in insertion order.
func (g *Graph) Nodes() []string {
	return append([]string(nil), g.ids...)
}

// Degree returns the number of neighbors of id, 0 when absent.
func (g *Graph) Degree(id string) int {
	i, ok := g.index[id]
	if !ok {
		return 0
	}
	return len(g.adj[i])
}

// Neighbors returns the neighbors of id in insertion order.
func (g *Graph) Neighbors(id string) []string {
	i, ok := g.index[id]
	if !ok {
		return nil
	}
	return g.names(g.sortedAdj(i))
}

// Edges returns every edge once, ordered by the arena position of its
// endpoints.
func (g *Graph) Edges() []Edge {
	out := make([]Edge, 0, g.edges)
	for i := range g.ids {
		for _, j := range g.sortedAdj(i) {
			if j > i {
				out = append(out, Edge{Source: g.ids[i], Target: g.ids[j], Weight: g.adj[i][j]})
			}
		}
	}
	return out
}

func (g *Graph) sortedAdj(i int) []int {
	out := make([]int, 0, len(g.adj[i]))
	for j := range g.adj[i] {
		out = append(out, j)
	}
	sort.Ints(out)
	return out
}

func (g *Graph) names(positions []int) []string {
	out := make([]string, len(positions))
	for k, p := range positions {
		out[k] = g.ids[p]
	}
	return out
}

// RemoveEdges deletes the given edges. Missing edges are ignored.
func (g *Graph) RemoveEdges(edges []Edge) {
	for _, e := range edges {
		i, ok := g.index[e.Source]
		if !ok {
			continue
		}
		j, ok := g.index[e.Target]
		if !ok {
			continue
		}
		if _, exists := g.adj[i][j]; exists {
			delete(g.adj[i], j)
			delete(g.adj[j], i)
			g.edges--
		}
	}
}

// RemoveNodes deletes the given nodes and their edges, then compacts the
// arena. Unknown ids are ignored.
func (g *Graph) RemoveNodes(ids []string) {
	drop := make(map[int]bool, len(ids))
	for _, id := range ids {
		if i, ok := g.index[id]; ok {
			drop[i] = true
		}
	}
	if len(drop) == 0 {
		return
	}

	remap := make([]int, len(g.ids))
	var kept []string
	for i, id := range g.ids {
		if drop[i] {
			remap[i] = -1
			continue
		}
		remap[i] = len(kept)
		kept = append(kept, id)
	}

	adj := make([]map[int]float64, len(kept))
	index := make(map[string]int, len(kept))
	edges := 0
	for i, id := range g.ids {
		ni := remap[i]
		if ni < 0 {
			continue
		}
		index[id] = ni
		adj[ni] = make(map[int]float64, len(g.adj[i]))
		for j, w := range g.adj[i] {
			if nj := remap[j]; nj >= 0 {
				adj[ni][nj] = w
				if nj > ni {
					edges++
				}
			}
		}
	}
	g.ids, g.index, g.adj, g.edges = kept, index, adj, edges
}

// Isolates returns the degree-0 nodes in insertion order.
func (g *Graph) Isolates() []string {
	var out []string
	for i, id := range g.ids {
		if len(g.adj[i]) == 0 {
			out = append(out, id)
		}
	}
	return out
}

// RemoveIsolates removes every degree-0 node and returns their ids.
func (g *Graph) RemoveIsolates() []string {
	isolates := g.Isolates()
	g.RemoveNodes(isolates)
	return isolates
}

// Subgraph returns the graph induced by ids, keeping g's insertion order.
func (g *Graph) Subgraph(ids []string) *Graph {
	keep := make(map[int]bool, len(ids))
	for _, id := range ids {
		if i, ok := g.index[id]; ok {
			keep[i] = true
		}
	}
	sub := New()
	for i, id := range g.ids {
		if keep[i] {
			sub.AddNode(id)
		}
	}
	for i := range g.ids {
		if !keep[i] {
			continue
		}
		for _, j := range g.sortedAdj(i) {
			if j > i && keep[j] {
				sub.AddEdge(g.ids[i], g.ids[j], g.adj[i][j])
			}
		}
	}
	return sub
}

// Clone returns a deep copy of g.
func (g *Graph) Clone() *Graph {
	return g.Subgraph(g.ids)
}

// Gonum returns g as a gonum graph whose node ids are arena positions, plus
// the position-to-id table.
func (g *Graph) Gonum() (*simple.WeightedUndirectedGraph, []string) {
	wg := simple.NewWeightedUndirectedGraph(0, 0)
	for i := range g.ids {
		wg.AddNode(simple.Node(int64(i)))
	}
	for i := range g.ids {
		for j, w := range g.adj[i] {
			if j > i {
				wg.SetWeightedEdge(simple.WeightedEdge{F: simple.Node(int64(i)), T: simple.Node(int64(j)), W: w})
			}
		}
	}
	return wg, g.Nodes()
}

// NodeLink is the node-link JSON form of a graph.
type NodeLink struct {
	Directed   bool                   `json:"directed"`
	Multigraph bool                   `json:"multigraph"`
	Graph      map[string]interface{} `json:"graph"`
	Nodes      []NodeLinkNode         `json:"nodes"`
	Links      []NodeLinkLink         `json:"links"`
}

// NodeLinkNode carries a node plus its community and centrality when known.
type NodeLinkNode struct {
	ID              string   `json:"id"`
	Group           *int     `json:"group,omitempty"`
	GroupCentrality *float64 `json:"group_centrality,omitempty"`
}

// NodeLinkLink is one edge.
type NodeLinkLink struct {
	Source string  `json:"source"`
	Target string  `json:"target"`
	Weight float64 `json:"weight"`
}

// NodeLink serializes g. groups and centralities may be nil.
func (g *Graph) NodeLink(groups map[string]int, centralities map[string]float64) NodeLink {
	out := NodeLink{
		Graph: map[string]interface{}{},
		Nodes: make([]NodeLinkNode, len(g.ids)),
		Links: []NodeLinkLink{},
	}
	for i, id := range g.ids {
		node := NodeLinkNode{ID: id}
		if c, ok := groups[id]; ok {
			node.Group = &c
		}
		if c, ok := centralities[id]; ok {
			node.GroupCentrality = &c
		}
		out.Nodes[i] = node
	}
	for _, e := range g.Edges() {
		out.Links = append(out.Links, NodeLinkLink{Source: e.Source, Target: e.Target, Weight: e.Weight})
	}
	return out
}

// FromNodeLink rebuilds a graph from its node-link form.
func FromNodeLink(nl NodeLink) *Graph {
	g := New()
	for _, n := range nl.Nodes {
		g.AddNode(n.ID)
	}
	for _, l := range nl.Links {
		g.AddEdge(l.Source, l.Target, l.Weight)
	}
	return g
}
