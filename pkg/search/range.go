package search

import (
	"context"
	"fmt"
	"sort"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/orneryd/soundgraph/pkg/math/vector"
)

// RangeQuery describes an nnrange request. At least one of a target or a
// filter is expected; with neither, every point matches at distance 0.
type RangeQuery struct {
	// TargetID scores candidates by distance to an existing point under
	// Preset.
	TargetID string
	// TargetValues scores candidates by euclidean distance over exactly
	// these descriptors. Ignored when TargetID is set.
	TargetValues map[string][]float64
	Filter       *Expr
	// InIDs restricts candidates to these ids when non-empty.
	InIDs []string
	// K caps the number of results. Zero or less returns every match, with
	// or without a target.
	K      int
	Offset int
	Preset string
}

// QueryRange runs a filtered and optionally targeted search. Without a
// target every match has distance 0 and results are ordered by id.
func (ix *VectorIndex) QueryRange(ctx context.Context, q RangeQuery) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	if err := ix.guardLocked(); err != nil {
		return Result{}, err
	}

	eligible := ix.all.Clone()
	if q.Filter != nil {
		eligible.And(ix.evalLocked(q.Filter))
	}
	if len(q.InIDs) > 0 {
		eligible.And(ix.candidatesLocked(q.InIDs).bm)
	}
	offset := max(q.Offset, 0)

	switch {
	case q.TargetID != "":
		ord, ok := ix.ords[q.TargetID]
		if !ok {
			return Result{}, fmt.Errorf("%w: %s", ErrNotFound, q.TargetID)
		}
		ps := ix.preset(q.Preset)
		if !ps.members.Contains(ord) {
			return Result{}, fmt.Errorf("%w: %s has no %s descriptors", ErrNotFound, q.TargetID, ps.Name)
		}
		query, _ := ix.points[ord].vectorFor(ps.Descriptors)
		eligible.And(ps.members)
		eligible.Remove(ord)
		k := rangeLimit(q.K, eligible)
		found := ps.backend.Search(query, k+offset, eligible.Contains)
		return Result{Neighbors: ix.page(found, offset), Count: int(eligible.GetCardinality())}, nil

	case len(q.TargetValues) > 0:
		for name := range q.TargetValues {
			if !ix.knownLocked(name) {
				return Result{}, &UnknownDescriptorError{Kind: "Target", Names: []string{name}}
			}
		}
		names := make([]string, 0, len(q.TargetValues))
		for name := range q.TargetValues {
			names = append(names, name)
		}
		sort.Strings(names)
		query := make([]float64, 0)
		for _, name := range names {
			query = append(query, q.TargetValues[name]...)
		}

		var matched int
		k := rangeLimit(q.K, eligible)
		found := scan(vector.MetricEuclidean, query, k+offset, nil, func(yield func(uint32, []float64)) {
			it := eligible.Iterator()
			for it.HasNext() {
				ord := it.Next()
				vec, ok := ix.points[ord].vectorFor(names)
				if !ok || len(vec) != len(query) {
					continue
				}
				matched++
				yield(ord, vec)
			}
		})
		return Result{Neighbors: ix.page(found, offset), Count: matched}, nil
	}

	ids := make([]string, 0, eligible.GetCardinality())
	it := eligible.Iterator()
	for it.HasNext() {
		ids = append(ids, ix.points[it.Next()].ID)
	}
	sortIDs(ids)

	res := Result{Neighbors: []Neighbor{}, Count: len(ids)}
	if offset < len(ids) {
		ids = ids[offset:]
		if q.K > 0 && len(ids) > q.K {
			ids = ids[:q.K]
		}
		for _, id := range ids {
			res.Neighbors = append(res.Neighbors, Neighbor{ID: id})
		}
	}
	return res, nil
}

// rangeLimit resolves a non-positive K to every eligible point.
func rangeLimit(k int, eligible *roaring.Bitmap) int {
	if k > 0 {
		return k
	}
	return int(eligible.GetCardinality())
}

// Filter returns the ids matching expr, in id order.
func (ix *VectorIndex) Filter(expr *Expr) []string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	bm := ix.evalLocked(expr)
	ids := make([]string, 0, bm.GetCardinality())
	it := bm.Iterator()
	for it.HasNext() {
		ids = append(ids, ix.points[it.Next()].ID)
	}
	sortIDs(ids)
	return ids
}

// evalLocked turns expr into a bitmap of matching ordinals.
func (ix *VectorIndex) evalLocked(e *Expr) *roaring.Bitmap {
	switch e.Op {
	case OpAnd:
		return roaring.And(ix.evalLocked(e.Left), ix.evalLocked(e.Right))
	case OpOr:
		return roaring.Or(ix.evalLocked(e.Left), ix.evalLocked(e.Right))
	case OpNot:
		return roaring.AndNot(ix.all, ix.evalLocked(e.Left))
	}

	out := roaring.New()
	it := ix.all.Iterator()
	for it.HasNext() {
		ord := it.Next()
		if matchTerm(ix.points[ord], e.Term) {
			out.Add(ord)
		}
	}
	return out
}

func matchTerm(p *Point, t *Term) bool {
	if t.Kind == TermString {
		label, ok := p.Labels[t.Field]
		return ok && label == t.Text
	}

	values, ok := p.Descriptors[t.Field]
	if !ok || len(values) == 0 {
		return false
	}

	switch t.Kind {
	case TermNumber:
		return len(values) == 1 && values[0] == t.Number
	case TermArray:
		if len(values) == 1 {
			for _, v := range t.Values {
				if values[0] == v {
					return true
				}
			}
			return false
		}
		if len(values) != len(t.Values) {
			return false
		}
		for i := range values {
			if values[i] != t.Values[i] {
				return false
			}
		}
		return true
	case TermRange:
		for _, v := range values {
			if t.Min != nil && v < *t.Min {
				return false
			}
			if t.Max != nil && v > *t.Max {
				return false
			}
		}
		return true
	}
	return false
}
