package search

import (
	"container/heap"
	"fmt"
	"sort"

	"github.com/orneryd/soundgraph/pkg/math/vector"
)

// Backend names accepted by Config.Backend.
const (
	BackendFlat   = "flat"
	BackendHNSW   = "hnsw"
	BackendKDTree = "kdtree"
)

// Backend is a nearest-neighbor structure over the vectors of one preset.
//
// Points are addressed by their ordinal in the owning VectorIndex. Backends
// are not safe for concurrent mutation; the index serializes writes and may
// search concurrently.
type Backend interface {
	Insert(ord uint32, vec []float64)
	Delete(ord uint32)
	// Search returns up to k accepted points closest to query, ascending by
	// distance. accept may be nil.
	Search(query []float64, k int, accept func(ord uint32) bool) []candidate
	Len() int
}

type candidate struct {
	ord  uint32
	dist float64
}

func newBackend(kind string, metric vector.Metric, hnsw HNSWConfig) (Backend, error) {
	switch kind {
	case "", BackendFlat:
		return newFlatBackend(metric), nil
	case BackendHNSW:
		return newHNSWBackend(metric, hnsw), nil
	case BackendKDTree:
		if metric != vector.MetricEuclidean {
			return nil, fmt.Errorf("%w: kdtree backend supports only euclidean distance, got %q", ErrInvalidConfig, metric)
		}
		return newKDTreeBackend(), nil
	}
	return nil, fmt.Errorf("%w: unknown backend %q", ErrInvalidConfig, kind)
}

// flatBackend is an exact linear scan. It is always correct and is the
// fallback other backends use when a filtered search comes up short.
type flatBackend struct {
	metric  vector.Metric
	vectors map[uint32][]float64
}

func newFlatBackend(metric vector.Metric) *flatBackend {
	return &flatBackend{metric: metric, vectors: make(map[uint32][]float64)}
}

func (f *flatBackend) Insert(ord uint32, vec []float64) { f.vectors[ord] = vec }
func (f *flatBackend) Delete(ord uint32)                { delete(f.vectors, ord) }
func (f *flatBackend) Len() int                         { return len(f.vectors) }

func (f *flatBackend) Search(query []float64, k int, accept func(uint32) bool) []candidate {
	return scan(f.metric, query, k, accept, func(yield func(uint32, []float64)) {
		for ord, vec := range f.vectors {
			yield(ord, vec)
		}
	})
}

// scan keeps the k closest accepted vectors in a bounded max-heap.
func scan(metric vector.Metric, query []float64, k int, accept func(uint32) bool, each func(func(uint32, []float64))) []candidate {
	if k <= 0 {
		return nil
	}
	h := &maxHeap{}
	each(func(ord uint32, vec []float64) {
		if accept != nil && !accept(ord) {
			return
		}
		c := candidate{ord: ord, dist: metric.Distance(query, vec)}
		if h.Len() < k {
			heap.Push(h, c)
			return
		}
		if closer(c, (*h)[0]) {
			(*h)[0] = c
			heap.Fix(h, 0)
		}
	})
	out := []candidate(*h)
	sortCandidates(out)
	return out
}

// closer orders by distance, then by ordinal so results are stable.
func closer(a, b candidate) bool {
	if a.dist != b.dist {
		return a.dist < b.dist
	}
	return a.ord < b.ord
}

func sortCandidates(cs []candidate) {
	sort.Slice(cs, func(i, j int) bool { return closer(cs[i], cs[j]) })
}

type maxHeap []candidate

func (h maxHeap) Len() int            { return len(h) }
func (h maxHeap) Less(i, j int) bool  { return closer(h[j], h[i]) }
func (h maxHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *maxHeap) Push(x interface{}) { *h = append(*h, x.(candidate)) }
func (h *maxHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
