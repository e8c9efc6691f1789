package graph

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/rs/zerolog"

	"github.com/orneryd/soundgraph/pkg/logging"
	"github.com/orneryd/soundgraph/pkg/pool"
	"github.com/orneryd/soundgraph/pkg/search"
)

// Searcher is the part of the vector index the builders need.
type Searcher interface {
	Candidates(ids []string) *search.CandidateSet
	SearchNearestNeighbors(ctx context.Context, id string, k int, opts search.SearchOptions) (search.Result, error)
}

// Options controls graph construction.
type Options struct {
	// FeatureSet is the index preset to search under.
	FeatureSet string
	// K is the neighbor count per node. Zero means DefaultK(len(ids)).
	K int
	// MaxDistance is the exclusive edge threshold. Zero or less disables it.
	MaxDistance float64
}

// Builder derives graphs from nearest-neighbor queries.
type Builder struct {
	index   Searcher
	workers int
	log     zerolog.Logger
}

// BuilderOption configures a Builder.
type BuilderOption func(*Builder)

// WithWorkers bounds the per-node query fan-out. Zero uses pool.Workers().
func WithWorkers(n int) BuilderOption {
	return func(b *Builder) { b.workers = n }
}

// WithLogger sets the builder's logger.
func WithLogger(log zerolog.Logger) BuilderOption {
	return func(b *Builder) { b.log = log }
}

// NewBuilder returns a Builder over index.
func NewBuilder(index Searcher, opts ...BuilderOption) *Builder {
	b := &Builder{index: index, log: logging.With("graph")}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// DefaultK returns ceil(log2(n)), the neighbor count that keeps degree low
// on large sets while still connecting small ones. It is 0 for n < 2.
func DefaultK(n int) int {
	if n < 2 {
		return 0
	}
	return int(math.Ceil(math.Log2(float64(n))))
}

// BuildKNN connects every id to its nearest neighbors among ids, keeping
// edges shorter than opts.MaxDistance, then removes isolates.
//
// Ids unknown to the index are dropped. Fewer than two ids give an empty
// graph.
func (b *Builder) BuildKNN(ctx context.Context, ids []string, opts Options) (*Graph, error) {
	ids = dedupe(ids)
	g := New()
	if len(ids) < 2 {
		return g, nil
	}

	k := opts.K
	if k <= 0 {
		k = DefaultK(len(ids))
	}
	maxDist := opts.MaxDistance
	if maxDist <= 0 {
		maxDist = math.Inf(1)
	}

	cands := b.index.Candidates(ids)
	if missing := cands.Missing(); len(missing) > 0 {
		b.log.Debug().Int("missing", len(missing)).Msg("dropping ids absent from the index")
	}

	found, err := pool.Map(ctx, len(ids), b.workers, func(ctx context.Context, i int) ([]search.Neighbor, error) {
		res, err := b.index.SearchNearestNeighbors(ctx, ids[i], k, search.SearchOptions{
			Preset:     opts.FeatureSet,
			Candidates: cands,
		})
		if errors.Is(err, search.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("neighbors of %s: %w", ids[i], err)
		}
		return res.Neighbors, nil
	})
	if err != nil {
		return nil, err
	}

	for i, id := range ids {
		if found[i] == nil {
			continue
		}
		g.AddNode(id)
		for _, n := range found[i] {
			if n.Distance < maxDist {
				g.AddEdge(id, n.ID, 1)
			}
		}
	}
	g.RemoveIsolates()
	return g, nil
}

// BuildCommonNeighbors builds a k-NN graph, then links every pair of its
// nodes that share neighbors with an edge weighted by the shared count.
// Each node keeps only its ceil(log2(n)) heaviest edges; an edge dropped by
// either endpoint is removed. Isolates are removed last.
//
// Ties in weight are broken by node insertion order, which callers should
// treat as unspecified.
func (b *Builder) BuildCommonNeighbors(ctx context.Context, ids []string, opts Options) (*Graph, error) {
	knn, err := b.BuildKNN(ctx, ids, opts)
	if err != nil {
		return nil, err
	}
	n := knn.NumNodes()
	g := New()
	for _, id := range knn.ids {
		g.AddNode(id)
	}
	if n < 2 {
		return g, nil
	}

	type weighted struct {
		j int
		w float64
	}
	pairs, err := pool.Map(ctx, n, b.workers, func(_ context.Context, i int) ([]weighted, error) {
		var out []weighted
		for j := i + 1; j < n; j++ {
			if c := commonCount(knn.adj[i], knn.adj[j]); c > 0 {
				out = append(out, weighted{j: j, w: float64(c)})
			}
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	for i, row := range pairs {
		for _, p := range row {
			g.AddEdge(knn.ids[i], knn.ids[p.j], p.w)
		}
	}

	keep := DefaultK(g.NumNodes())
	var drop []Edge
	for i := range g.ids {
		incident := g.sortedAdj(i)
		if len(incident) <= keep {
			continue
		}
		sort.SliceStable(incident, func(a, c int) bool {
			return g.adj[i][incident[a]] > g.adj[i][incident[c]]
		})
		for _, j := range incident[keep:] {
			drop = append(drop, Edge{Source: g.ids[i], Target: g.ids[j]})
		}
	}
	g.RemoveEdges(drop)
	g.RemoveIsolates()
	return g, nil
}

func commonCount(a, b map[int]float64) int {
	if len(a) > len(b) {
		a, b = b, a
	}
	c := 0
	for x := range a {
		if _, ok := b[x]; ok {
			c++
		}
	}
	return c
}

func dedupe(ids []string) []string {
	seen := pool.GetIDSet()
	defer pool.PutIDSet(seen)

	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
