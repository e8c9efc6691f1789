package community

import (
	"math/rand"
	"sort"

	sg "github.com/orneryd/soundgraph/pkg/graph"
)

// moveEpsilon is the smallest modularity gain worth a move.
const moveEpsilon = 1e-12

// level is one aggregation level of the Louvain method: a weighted graph
// whose nodes are the communities of the level below.
type level struct {
	n      int
	adj    []map[int]float64
	self   []float64
	degree []float64
	m2     float64
}

func newLevel(g *sg.Graph, names []string) *level {
	pos := make(map[string]int, len(names))
	for i, id := range names {
		pos[id] = i
	}
	l := &level{
		n:    len(names),
		adj:  make([]map[int]float64, len(names)),
		self: make([]float64, len(names)),
	}
	for i := range l.adj {
		l.adj[i] = make(map[int]float64)
	}
	for _, e := range g.Edges() {
		u, v := pos[e.Source], pos[e.Target]
		l.adj[u][v] += e.Weight
		l.adj[v][u] += e.Weight
	}
	l.finish()
	return l
}

func (l *level) finish() {
	l.degree = make([]float64, l.n)
	l.m2 = 0
	for i := 0; i < l.n; i++ {
		d := 2 * l.self[i]
		for _, w := range l.adj[i] {
			d += w
		}
		l.degree[i] = d
		l.m2 += d
	}
}

// louvain returns a community label per node of l.
func louvain(l *level, resolution float64, seed int64) []int {
	labels := make([]int, l.n)
	for i := range labels {
		labels[i] = i
	}
	var rng *rand.Rand
	if seed != 0 {
		rng = rand.New(rand.NewSource(seed))
	}

	for l.n > 1 {
		comm, count, moved := l.localMoves(resolution, rng)
		if !moved {
			break
		}
		for i := range labels {
			labels[i] = comm[labels[i]]
		}
		l = l.aggregate(comm, count)
	}
	return labels
}

// localMoves greedily moves single nodes to the neighboring community with
// the best modularity gain until no move helps. Communities come back
// numbered 0..count-1.
func (l *level) localMoves(resolution float64, rng *rand.Rand) (comm []int, count int, moved bool) {
	comm = make([]int, l.n)
	tot := make([]float64, l.n)
	order := make([]int, l.n)
	for i := 0; i < l.n; i++ {
		comm[i] = i
		tot[i] = l.degree[i]
		order[i] = i
	}
	if l.m2 == 0 {
		return comm, l.n, false
	}
	if rng != nil {
		rng.Shuffle(len(order), func(a, b int) { order[a], order[b] = order[b], order[a] })
	}

	for {
		improved := false
		for _, i := range order {
			ci, ki := comm[i], l.degree[i]

			links := make(map[int]float64)
			for j, w := range l.adj[i] {
				links[comm[j]] += w
			}
			candidates := make([]int, 0, len(links))
			for c := range links {
				candidates = append(candidates, c)
			}
			sort.Ints(candidates)

			tot[ci] -= ki
			best := ci
			bestGain := links[ci] - resolution*tot[ci]*ki/l.m2
			for _, c := range candidates {
				if c == ci {
					continue
				}
				if gain := links[c] - resolution*tot[c]*ki/l.m2; gain > bestGain+moveEpsilon {
					best, bestGain = c, gain
				}
			}
			tot[best] += ki

			if best != ci {
				comm[i] = best
				improved = true
				moved = true
			}
		}
		if !improved {
			break
		}
	}

	renumber := make(map[int]int)
	for i, c := range comm {
		nc, ok := renumber[c]
		if !ok {
			nc = len(renumber)
			renumber[c] = nc
		}
		comm[i] = nc
	}
	return comm, len(renumber), moved
}

// aggregate collapses each community into a single node. Internal edges
// become self-loops.
func (l *level) aggregate(comm []int, count int) *level {
	next := &level{
		n:    count,
		adj:  make([]map[int]float64, count),
		self: make([]float64, count),
	}
	for i := range next.adj {
		next.adj[i] = make(map[int]float64)
	}
	for i := 0; i < l.n; i++ {
		ci := comm[i]
		next.self[ci] += l.self[i]
		for j, w := range l.adj[i] {
			cj := comm[j]
			switch {
			case ci != cj:
				next.adj[ci][cj] += w
			case j > i:
				next.self[ci] += w
			}
		}
	}
	next.finish()
	return next
}
