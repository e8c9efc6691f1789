package graph

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/soundgraph/pkg/logging"
	"github.com/orneryd/soundgraph/pkg/search"
)

const featureSet = "test"

func newIndex(t *testing.T, vectors map[string][]float64) *search.VectorIndex {
	t.Helper()
	nop := logging.Nop()
	idx, err := search.NewVectorIndex(search.Config{
		Presets: []search.Preset{{Name: featureSet, Descriptors: []string{featureSet}}},
		Logger:  &nop,
	})
	require.NoError(t, err)
	for id, v := range vectors {
		require.NoError(t, idx.AddPoint(search.NewPoint(id, featureSet, v)))
	}
	return idx
}

func twoClusters() map[string][]float64 {
	return map[string][]float64{
		"1": {0, 0}, "2": {0.1, 0.2}, "3": {0.2, 0},
		"4": {10, 10}, "5": {10.1, 10.2}, "6": {10.2, 10},
	}
}

func TestDefaultK(t *testing.T) {
	tests := []struct{ n, k int }{{0, 0}, {1, 0}, {2, 1}, {3, 2}, {4, 2}, {5, 3}, {1000, 10}, {1024, 10}, {1025, 11}}
	for _, tt := range tests {
		assert.Equal(t, tt.k, DefaultK(tt.n), "n=%d", tt.n)
	}
}

func TestBuildKNN_Degenerate(t *testing.T) {
	b := NewBuilder(newIndex(t, twoClusters()), WithLogger(logging.Nop()))
	ctx := context.Background()

	for _, ids := range [][]string{nil, {}, {"1"}, {"1", "1"}} {
		g, err := b.BuildKNN(ctx, ids, Options{FeatureSet: featureSet})
		require.NoError(t, err)
		assert.Equal(t, 0, g.NumNodes(), "ids=%v", ids)
	}

	g, err := b.BuildKNN(ctx, []string{"404", "405", "406"}, Options{FeatureSet: featureSet})
	require.NoError(t, err)
	assert.Equal(t, 0, g.NumNodes(), "unknown ids are dropped")
}

func TestBuildKNN_TwoClusters(t *testing.T) {
	b := NewBuilder(newIndex(t, twoClusters()), WithWorkers(2))
	ids := []string{"1", "2", "3", "4", "5", "6", "missing"}

	g, err := b.BuildKNN(context.Background(), ids, Options{FeatureSet: featureSet, K: 2, MaxDistance: 20})
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"1", "2", "3", "4", "5", "6"}, g.Nodes())
	assert.Equal(t, 6, g.NumEdges())
	for _, e := range g.Edges() {
		assert.Equal(t, e.Source < "4", e.Target < "4", "edge %v crosses clusters", e)
		assert.Equal(t, 1.0, e.Weight)
	}
	assertConsistent(t, g)
}

func TestBuildKNN_MaxDistance(t *testing.T) {
	b := NewBuilder(newIndex(t, twoClusters()))
	ids := []string{"1", "2", "3", "4", "5", "6"}

	// with k=5 every node sees the other cluster, but the threshold cuts it
	g, err := b.BuildKNN(context.Background(), ids, Options{FeatureSet: featureSet, K: 5, MaxDistance: 1})
	require.NoError(t, err)
	assert.Equal(t, 6, g.NumEdges())

	g, err = b.BuildKNN(context.Background(), ids, Options{FeatureSet: featureSet, K: 5})
	require.NoError(t, err)
	assert.Equal(t, 15, g.NumEdges(), "no threshold keeps every pair")

	g, err = b.BuildKNN(context.Background(), ids, Options{FeatureSet: featureSet, K: 5, MaxDistance: 0.01})
	require.NoError(t, err)
	assert.Equal(t, 0, g.NumNodes(), "everything becomes an isolate")
}

func TestBuildCommonNeighbors(t *testing.T) {
	vectors := make(map[string][]float64)
	var ids []string
	for c := 0; c < 2; c++ {
		for i := 0; i < 6; i++ {
			id := fmt.Sprintf("%d%d", c+1, i)
			vectors[id] = []float64{float64(c*100) + float64(i)*0.5, float64(i%3) * 0.3}
			ids = append(ids, id)
		}
	}
	b := NewBuilder(newIndex(t, vectors))

	g, err := b.BuildCommonNeighbors(context.Background(), ids, Options{FeatureSet: featureSet, MaxDistance: 20})
	require.NoError(t, err)
	require.Greater(t, g.NumNodes(), 0)
	assertConsistent(t, g)

	keep := DefaultK(12)
	for _, id := range g.Nodes() {
		assert.LessOrEqual(t, g.Degree(id), keep, "degree of %s", id)
	}
	for _, e := range g.Edges() {
		assert.Equal(t, e.Source[0], e.Target[0], "edge %v crosses clusters", e)
		assert.GreaterOrEqual(t, e.Weight, 1.0)
	}
}

type failingIndex struct{ *search.VectorIndex }

func (f failingIndex) SearchNearestNeighbors(context.Context, string, int, search.SearchOptions) (search.Result, error) {
	return search.Result{}, errors.New("index unavailable")
}

func TestBuildKNN_PropagatesIndexErrors(t *testing.T) {
	b := NewBuilder(failingIndex{newIndex(t, twoClusters())})
	_, err := b.BuildKNN(context.Background(), []string{"1", "2", "3"}, Options{FeatureSet: featureSet})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "index unavailable")
}
