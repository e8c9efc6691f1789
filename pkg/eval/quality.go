package eval

import (
	"math"

	sg "github.com/orneryd/soundgraph/pkg/graph"
)

// IntraCommunityRatios returns, per community, the number of edges inside
// it divided by the number of edges touching it from outside:
//
//	intra / (sum of member degrees - intra)
//
// A community whose edges are all internal scores 1. A community with no
// edges at all scores 0. Ratios are rounded to two decimals.
func IntraCommunityRatios(g *sg.Graph, communities [][]string) []float64 {
	ratios := make([]float64, len(communities))
	for c, members := range communities {
		inside := make(map[string]bool, len(members))
		for _, id := range members {
			inside[id] = true
		}

		var degrees, intraEndpoints int
		for _, id := range members {
			if !g.HasNode(id) {
				continue
			}
			degrees += g.Degree(id)
			for _, n := range g.Neighbors(id) {
				if inside[n] {
					intraEndpoints++
				}
			}
		}
		intra := intraEndpoints / 2

		total := degrees - intra
		if total == 0 {
			continue
		}
		ratios[c] = math.Round(float64(intra)/float64(total)*100) / 100
	}
	return ratios
}

// PointCentralities returns each node's degree centrality inside its own
// community subgraph, scaled so the most central node of every community
// scores 1. A sound alone in its community scores 1; members of a larger
// community without internal edges score 0.
func PointCentralities(g *sg.Graph, communities [][]string) map[string]float64 {
	out := make(map[string]float64)
	for _, members := range communities {
		sub := g.Subgraph(members)
		n := sub.NumNodes()
		if n == 0 {
			continue
		}

		centrality := make(map[string]float64, n)
		var top float64
		for _, id := range sub.Nodes() {
			c := 1.0
			if n > 1 {
				c = float64(sub.Degree(id)) / float64(n-1)
			}
			centrality[id] = c
			top = max(top, c)
		}
		for id, c := range centrality {
			if top > 0 {
				out[id] = c / top
			} else {
				out[id] = 0
			}
		}
	}
	return out
}
