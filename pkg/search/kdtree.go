package search

import (
	"math"
	"sync"

	"gonum.org/v1/gonum/spatial/kdtree"

	"github.com/orneryd/soundgraph/pkg/math/vector"
)

// kdTreeBackend answers exact euclidean queries with a gonum k-d tree.
//
// The tree has no delete, so mutations only mark it stale and the next
// search rebuilds it from the live vectors.
type kdTreeBackend struct {
	vectors map[uint32][]float64

	mu    sync.Mutex
	tree  *kdtree.Tree
	stale bool
}

func newKDTreeBackend() *kdTreeBackend {
	return &kdTreeBackend{vectors: make(map[uint32][]float64), stale: true}
}

func (b *kdTreeBackend) Len() int { return len(b.vectors) }

func (b *kdTreeBackend) Insert(ord uint32, vec []float64) {
	b.mu.Lock()
	b.vectors[ord] = vec
	b.stale = true
	b.mu.Unlock()
}

func (b *kdTreeBackend) Delete(ord uint32) {
	b.mu.Lock()
	delete(b.vectors, ord)
	b.stale = true
	b.mu.Unlock()
}

func (b *kdTreeBackend) Search(query []float64, k int, accept func(uint32) bool) []candidate {
	if k <= 0 {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.vectors) == 0 {
		return nil
	}
	if b.stale {
		pts := make(kdPoints, 0, len(b.vectors))
		for ord, vec := range b.vectors {
			pts = append(pts, kdPoint{ord: ord, vec: vec})
		}
		b.tree = kdtree.New(pts, false)
		b.stale = false
	}

	keeper := filterKeeper{NKeeper: kdtree.NewNKeeper(k), accept: accept}
	b.tree.NearestSet(keeper, kdPoint{ord: math.MaxUint32, vec: query})

	out := make([]candidate, 0, k)
	for _, c := range keeper.Heap {
		if c.Comparable == nil {
			continue
		}
		p := c.Comparable.(kdPoint)
		out = append(out, candidate{ord: p.ord, dist: math.Sqrt(c.Dist)})
	}
	sortCandidates(out)
	return out
}

// filterKeeper drops points the caller did not accept before they reach the
// bounded heap.
type filterKeeper struct {
	*kdtree.NKeeper
	accept func(uint32) bool
}

func (k filterKeeper) Keep(c kdtree.ComparableDist) {
	if k.accept != nil && !k.accept(c.Comparable.(kdPoint).ord) {
		return
	}
	k.NKeeper.Keep(c)
}

type kdPoint struct {
	ord uint32
	vec []float64
}

func (p kdPoint) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	return p.vec[d] - c.(kdPoint).vec[d]
}

func (p kdPoint) Dims() int { return len(p.vec) }

// Distance is squared, as the tree's pruning expects.
func (p kdPoint) Distance(c kdtree.Comparable) float64 {
	return vector.SquaredEuclidean(p.vec, c.(kdPoint).vec)
}

type kdPoints []kdPoint

func (p kdPoints) Index(i int) kdtree.Comparable         { return p[i] }
func (p kdPoints) Len() int                              { return len(p) }
func (p kdPoints) Pivot(d kdtree.Dim) int                { return kdPlane{dim: d, points: p}.Pivot() }
func (p kdPoints) Slice(start, end int) kdtree.Interface { return p[start:end] }

type kdPlane struct {
	dim    kdtree.Dim
	points kdPoints
}

func (p kdPlane) Less(i, j int) bool {
	return p.points[i].vec[p.dim] < p.points[j].vec[p.dim]
}
func (p kdPlane) Pivot() int { return kdtree.Partition(p, kdtree.MedianOfMedians(p)) }
func (p kdPlane) Slice(start, end int) kdtree.SortSlicer {
	p.points = p.points[start:end]
	return p
}
func (p kdPlane) Swap(i, j int) { p.points[i], p.points[j] = p.points[j], p.points[i] }
func (p kdPlane) Len() int      { return len(p.points) }
