package search

import (
	"container/heap"
	"math"
	"math/rand"
	"sort"

	"github.com/orneryd/soundgraph/pkg/math/vector"
)

// HNSWConfig contains configuration parameters for the HNSW backend.
type HNSWConfig struct {
	M               int     `koanf:"m"`               // Max connections per node per layer (default: 16)
	EfConstruction  int     `koanf:"ef_construction"` // Candidate list size during construction (default: 200)
	EfSearch        int     `koanf:"ef_search"`       // Candidate list size during search (default: 100)
	LevelMultiplier float64 `koanf:"-"`               // Level multiplier = 1/ln(M)
	Seed            int64   `koanf:"seed"`            // Seed for level assignment
}

// DefaultHNSWConfig returns sensible defaults for the HNSW backend.
func DefaultHNSWConfig() HNSWConfig {
	return HNSWConfig{
		M:               16,
		EfConstruction:  200,
		EfSearch:        100,
		LevelMultiplier: 1.0 / math.Log(16.0),
		Seed:            1,
	}
}

type hnswNode struct {
	ord       uint32
	vector    []float64
	level     int
	neighbors [][]uint32
}

// hnswBackend provides approximate nearest neighbor search using the HNSW
// algorithm under an arbitrary metric.
//
// Filtered searches that find fewer than k accepted points fall back to an
// exact scan, so a restrictive candidate set never loses results.
type hnswBackend struct {
	config     HNSWConfig
	metric     vector.Metric
	rng        *rand.Rand
	nodes      map[uint32]*hnswNode
	entryPoint uint32
	hasEntry   bool
	maxLevel   int
}

func newHNSWBackend(metric vector.Metric, config HNSWConfig) *hnswBackend {
	if config.M == 0 {
		config = DefaultHNSWConfig()
	}
	if config.LevelMultiplier == 0 {
		config.LevelMultiplier = 1.0 / math.Log(float64(max(config.M, 2)))
	}
	if config.EfConstruction == 0 {
		config.EfConstruction = 200
	}
	if config.EfSearch == 0 {
		config.EfSearch = 100
	}
	return &hnswBackend{
		config: config,
		metric: metric,
		rng:    rand.New(rand.NewSource(config.Seed)),
		nodes:  make(map[uint32]*hnswNode),
	}
}

func (h *hnswBackend) Len() int { return len(h.nodes) }

func (h *hnswBackend) dist(query []float64, ord uint32) float64 {
	return h.metric.Distance(query, h.nodes[ord].vector)
}

// Insert adds a vector to the graph, replacing any previous vector with the
// same ordinal.
func (h *hnswBackend) Insert(ord uint32, vec []float64) {
	if _, exists := h.nodes[ord]; exists {
		h.Delete(ord)
	}

	level := h.randomLevel()
	node := &hnswNode{
		ord:       ord,
		vector:    vec,
		level:     level,
		neighbors: make([][]uint32, level+1),
	}
	for i := range node.neighbors {
		node.neighbors[i] = make([]uint32, 0, h.config.M)
	}
	h.nodes[ord] = node

	if !h.hasEntry {
		h.entryPoint = ord
		h.hasEntry = true
		h.maxLevel = level
		return
	}

	ep := h.entryPoint
	epLevel := h.nodes[ep].level

	for l := epLevel; l > level; l-- {
		ep = h.searchLayerSingle(vec, ep, l)
	}

	for l := min(level, epLevel); l >= 0; l-- {
		candidates := h.searchLayer(vec, ep, h.config.EfConstruction, l)
		neighbors := h.selectNeighbors(vec, without(candidates, ord), h.config.M)
		node.neighbors[l] = neighbors

		for _, neighborOrd := range neighbors {
			neighbor := h.nodes[neighborOrd]
			if len(neighbor.neighbors) <= l {
				continue
			}
			if len(neighbor.neighbors[l]) < h.config.M {
				neighbor.neighbors[l] = append(neighbor.neighbors[l], ord)
			} else {
				all := append(neighbor.neighbors[l], ord)
				neighbor.neighbors[l] = h.selectNeighbors(neighbor.vector, all, h.config.M)
			}
		}

		if len(candidates) > 0 {
			ep = candidates[0]
		}
	}

	if level > h.maxLevel {
		h.entryPoint = ord
		h.maxLevel = level
	}
}

// Delete removes a node and every link pointing at it. Insert prunes
// neighbor lists one-sidedly, so inbound links are found by scanning all
// nodes rather than by following the node's own lists. Nodes that lose a
// link are reconnected to the deleted node's neighbors on that layer.
func (h *hnswBackend) Delete(ord uint32) {
	node, exists := h.nodes[ord]
	if !exists {
		return
	}
	delete(h.nodes, ord)

	for _, n := range h.nodes {
		for l := range n.neighbors {
			if !containsOrd(n.neighbors[l], ord) {
				continue
			}
			links := without(n.neighbors[l], ord)
			if l <= node.level {
				for _, cand := range node.neighbors[l] {
					if cand != n.ord && !containsOrd(links, cand) {
						if _, ok := h.nodes[cand]; ok {
							links = append(links, cand)
						}
					}
				}
			}
			n.neighbors[l] = h.selectNeighbors(n.vector, links, h.config.M)
		}
	}

	if h.entryPoint == ord {
		h.hasEntry = false
		h.maxLevel = 0
		for nord, n := range h.nodes {
			if !h.hasEntry || n.level > h.maxLevel || (n.level == h.maxLevel && nord < h.entryPoint) {
				h.entryPoint = nord
				h.maxLevel = n.level
				h.hasEntry = true
			}
		}
	}
}

func (h *hnswBackend) Search(query []float64, k int, accept func(uint32) bool) []candidate {
	if k <= 0 || !h.hasEntry {
		return nil
	}

	ep := h.entryPoint
	for l := h.maxLevel; l > 0; l-- {
		ep = h.searchLayerSingle(query, ep, l)
	}

	found := h.searchLayer(query, ep, max(h.config.EfSearch, k), 0)

	results := make([]candidate, 0, k)
	for _, ord := range found {
		if accept != nil && !accept(ord) {
			continue
		}
		results = append(results, candidate{ord: ord, dist: h.dist(query, ord)})
	}
	sortCandidates(results)

	if len(results) < k && len(results) < len(h.nodes) {
		return scan(h.metric, query, k, accept, func(yield func(uint32, []float64)) {
			for ord, n := range h.nodes {
				yield(ord, n.vector)
			}
		})
	}
	if len(results) > k {
		results = results[:k]
	}
	return results
}

func (h *hnswBackend) searchLayerSingle(query []float64, entry uint32, level int) uint32 {
	current := entry
	currentDist := h.dist(query, current)

	for {
		changed := false
		node := h.nodes[current]
		if len(node.neighbors) <= level {
			return current
		}
		for _, neighborOrd := range node.neighbors[level] {
			if _, ok := h.nodes[neighborOrd]; !ok {
				continue
			}
			d := h.dist(query, neighborOrd)
			if d < currentDist {
				current = neighborOrd
				currentDist = d
				changed = true
			}
		}
		if !changed {
			return current
		}
	}
}

func (h *hnswBackend) searchLayer(query []float64, entry uint32, ef int, level int) []uint32 {
	visited := map[uint32]bool{entry: true}

	candidates := &hnswDistHeap{}
	results := &hnswDistHeap{}

	entryDist := h.dist(query, entry)
	heap.Push(candidates, hnswDistItem{ord: entry, dist: entryDist})
	heap.Push(results, hnswDistItem{ord: entry, dist: entryDist, isMax: true})

	for candidates.Len() > 0 {
		closest := heap.Pop(candidates).(hnswDistItem)

		if results.Len() >= ef && closest.dist > (*results)[0].dist {
			break
		}

		node := h.nodes[closest.ord]
		if len(node.neighbors) <= level {
			continue
		}
		for _, neighborOrd := range node.neighbors[level] {
			if visited[neighborOrd] {
				continue
			}
			visited[neighborOrd] = true
			if _, ok := h.nodes[neighborOrd]; !ok {
				continue
			}

			d := h.dist(query, neighborOrd)
			if results.Len() < ef || d < (*results)[0].dist {
				heap.Push(candidates, hnswDistItem{ord: neighborOrd, dist: d})
				heap.Push(results, hnswDistItem{ord: neighborOrd, dist: d, isMax: true})
				if results.Len() > ef {
					heap.Pop(results)
				}
			}
		}
	}

	out := make([]uint32, results.Len())
	for i := results.Len() - 1; i >= 0; i-- {
		out[i] = heap.Pop(results).(hnswDistItem).ord
	}
	return out
}

func (h *hnswBackend) selectNeighbors(query []float64, candidates []uint32, m int) []uint32 {
	if len(candidates) <= m {
		return candidates
	}

	dists := make([]candidate, len(candidates))
	for i, ord := range candidates {
		dists[i] = candidate{ord: ord, dist: h.dist(query, ord)}
	}
	sort.Slice(dists, func(i, j int) bool { return closer(dists[i], dists[j]) })

	out := make([]uint32, m)
	for i := 0; i < m; i++ {
		out[i] = dists[i].ord
	}
	return out
}

func (h *hnswBackend) randomLevel() int {
	r := h.rng.Float64()
	if r == 0 {
		r = math.SmallestNonzeroFloat64
	}
	return int(-math.Log(r) * h.config.LevelMultiplier)
}

func containsOrd(ords []uint32, ord uint32) bool {
	for _, o := range ords {
		if o == ord {
			return true
		}
	}
	return false
}

func without(ords []uint32, ord uint32) []uint32 {
	out := make([]uint32, 0, len(ords))
	for _, o := range ords {
		if o != ord {
			out = append(out, o)
		}
	}
	return out
}

type hnswDistItem struct {
	ord   uint32
	dist  float64
	isMax bool
}

type hnswDistHeap []hnswDistItem

func (dh hnswDistHeap) Len() int { return len(dh) }
func (dh hnswDistHeap) Less(i, j int) bool {
	if dh[i].isMax {
		return dh[i].dist > dh[j].dist
	}
	return dh[i].dist < dh[j].dist
}
func (dh hnswDistHeap) Swap(i, j int) { dh[i], dh[j] = dh[j], dh[i] }

func (dh *hnswDistHeap) Push(x interface{}) {
	*dh = append(*dh, x.(hnswDistItem))
}

func (dh *hnswDistHeap) Pop() interface{} {
	old := *dh
	n := len(old)
	x := old[n-1]
	*dh = old[0 : n-1]
	return x
}
