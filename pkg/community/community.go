// Package community partitions sound graphs into communities.
//
// DetectDisjoint runs a deterministic Louvain optimization and scores the
// result with gonum's modularity. DetectOverlapping finds k-clique
// percolation communities, for which modularity is undefined.
package community

import (
	"fmt"
	"slices"
	"sort"

	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/community"
	"gonum.org/v1/gonum/graph/simple"

	sg "github.com/orneryd/soundgraph/pkg/graph"
)

// Mode selects the detection algorithm.
type Mode string

const (
	ModeDisjoint    Mode = "disjoint"
	ModeOverlapping Mode = "overlapping"
)

// DefaultCliqueSize is the k used by DetectOverlapping when none is given.
const DefaultCliqueSize = 5

// Result is a set of communities over one graph.
type Result struct {
	// Communities holds member ids per community, in graph insertion order.
	Communities [][]string
	// Partition maps each id to its community index. For overlapping
	// results it holds the lowest index among the node's communities, and
	// nodes outside every community are absent.
	Partition map[string]int
	// Modularity is nil for overlapping results.
	Modularity *float64
}

// NumCommunities returns len(r.Communities).
func (r Result) NumCommunities() int { return len(r.Communities) }

// Options tunes DetectDisjoint.
type Options struct {
	// Resolution scales the null model. Zero means 1.
	Resolution float64
	// Seed shuffles the node visiting order when non-zero. The same seed
	// always gives the same result.
	Seed int64
}

// DetectDisjoint assigns every node of g to exactly one community, with
// contiguous indices numbered by first appearance in g's node order.
//
// The result's modularity is never below that of the all-in-one or the
// one-per-node partition.
func DetectDisjoint(g *sg.Graph, opts Options) Result {
	resolution := opts.Resolution
	if resolution == 0 {
		resolution = 1
	}
	nodes := g.Nodes()
	if len(nodes) == 0 {
		zero := 0.0
		return Result{Communities: [][]string{}, Partition: map[string]int{}, Modularity: &zero}
	}

	wg, names := g.Gonum()
	labels := louvain(newLevel(g, names), resolution, opts.Seed)

	q := modularity(wg, labels, resolution)
	if g.NumEdges() > 0 && q < 0 {
		for i := range labels {
			labels[i] = 0
		}
		q = modularity(wg, labels, resolution)
	}

	res := fromLabels(names, labels)
	res.Modularity = &q
	return res
}

// Modularity scores an arbitrary disjoint partition of g. Nodes missing
// from partition are placed in singleton communities.
func Modularity(g *sg.Graph, partition map[string]int, resolution float64) float64 {
	if resolution == 0 {
		resolution = 1
	}
	wg, names := g.Gonum()
	labels := make([]int, len(names))
	next := 0
	for _, c := range partition {
		next = max(next, c+1)
	}
	for i, id := range names {
		if c, ok := partition[id]; ok {
			labels[i] = c
		} else {
			labels[i] = next
			next++
		}
	}
	return modularity(wg, labels, resolution)
}

func modularity(wg *simple.WeightedUndirectedGraph, labels []int, resolution float64) float64 {
	if wg.Edges().Len() == 0 {
		return 0
	}
	byLabel := make(map[int][]graph.Node)
	for i, c := range labels {
		byLabel[c] = append(byLabel[c], simple.Node(int64(i)))
	}
	keys := make([]int, 0, len(byLabel))
	for c := range byLabel {
		keys = append(keys, c)
	}
	sort.Ints(keys)
	communities := make([][]graph.Node, len(keys))
	for i, c := range keys {
		communities[i] = byLabel[c]
	}
	return community.Q(wg, communities, resolution)
}

// fromLabels renumbers labels by first appearance.
func fromLabels(names []string, labels []int) Result {
	res := Result{Partition: make(map[string]int, len(names))}
	renumber := make(map[int]int)
	for i, id := range names {
		c, ok := renumber[labels[i]]
		if !ok {
			c = len(res.Communities)
			renumber[labels[i]] = c
			res.Communities = append(res.Communities, nil)
		}
		res.Partition[id] = c
		res.Communities[c] = append(res.Communities[c], id)
	}
	return res
}

// DetectOverlapping finds k-clique percolation communities. A node may
// belong to zero, one or several communities. k below 2 uses
// DefaultCliqueSize.
func DetectOverlapping(g *sg.Graph, k int) Result {
	if k < 2 {
		k = DefaultCliqueSize
	}
	res := Result{Communities: [][]string{}, Partition: map[string]int{}}
	if g.NumEdges() == 0 {
		return res
	}

	wg, names := g.Gonum()
	var groups [][]int
	for _, members := range community.KCliqueCommunities(k, wg) {
		// gonum reports nodes outside every k-clique as singletons
		if len(members) < k {
			continue
		}
		ids := make([]int, len(members))
		for i, n := range members {
			ids[i] = int(n.ID())
		}
		sort.Ints(ids)
		groups = append(groups, slices.Compact(ids))
	}
	sort.Slice(groups, func(a, b int) bool { return lessInts(groups[a], groups[b]) })

	for c, ids := range groups {
		members := make([]string, len(ids))
		for i, pos := range ids {
			members[i] = names[pos]
			if _, seen := res.Partition[names[pos]]; !seen {
				res.Partition[names[pos]] = c
			}
		}
		res.Communities = append(res.Communities, members)
	}
	return res
}

func lessInts(a, b []int) bool {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return len(a) < len(b)
}

// RemoveLowestQualityCommunity drops the community with the lowest intra
// edge ratio, removing its nodes from a copy of g and re-indexing the rest.
// With two or fewer communities the inputs are returned unchanged.
func RemoveLowestQualityCommunity(g *sg.Graph, res Result, ratios []float64) (*sg.Graph, Result, []float64, error) {
	if len(res.Communities) <= 2 {
		return g, res, ratios, nil
	}
	if len(ratios) != len(res.Communities) {
		return nil, Result{}, nil, fmt.Errorf("have %d ratios for %d communities", len(ratios), len(res.Communities))
	}

	worst := 0
	for i, r := range ratios {
		if r < ratios[worst] {
			worst = i
		}
	}

	removed := make(map[string]bool, len(res.Communities[worst]))
	for _, id := range res.Communities[worst] {
		removed[id] = true
	}
	pruned := g.Clone()
	pruned.RemoveNodes(res.Communities[worst])

	out := Result{
		Communities: make([][]string, 0, len(res.Communities)-1),
		Partition:   make(map[string]int, len(res.Partition)),
		Modularity:  res.Modularity,
	}
	outRatios := make([]float64, 0, len(ratios)-1)
	for i, members := range res.Communities {
		if i == worst {
			continue
		}
		c := len(out.Communities)
		kept := make([]string, 0, len(members))
		for _, id := range members {
			if removed[id] {
				continue
			}
			kept = append(kept, id)
			if _, seen := out.Partition[id]; !seen {
				out.Partition[id] = c
			}
		}
		out.Communities = append(out.Communities, kept)
		outRatios = append(outRatios, ratios[i])
	}
	return pruned, out, outRatios, nil
}
